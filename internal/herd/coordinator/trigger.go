package coordinator

// Trigger is a single-slot wake-up signal. Firing while a wake-up is
// already pending is a no-op, so any number of redundant triggers coalesce
// into one cycle.
type Trigger struct {
	signal chan struct{}
}

func NewTrigger() *Trigger {
	return &Trigger{signal: make(chan struct{}, 1)}
}

func (t *Trigger) Fire() {
	select {
	case t.signal <- struct{}{}:
	default:
	}
}

func (t *Trigger) C() <-chan struct{} {
	return t.signal
}
