package executor

import "sync"

// FakeProxy records every instruction it receives, for tests. Lock it when
// reading fields while instructions may still be arriving.
type FakeProxy struct {
	sync.Mutex

	CleanUps  int
	Pulls     []FakePull
	Started   []string
	Inspected int

	// InspectError is returned from InspectOffline when set.
	InspectError error
	// OnInspect runs inside InspectOffline when set.
	OnInspect func() error
}

type FakePull struct {
	Image    string
	Auth     string
	BatchIds []string
}

func (p *FakeProxy) CleanUp() error {
	p.Lock()
	defer p.Unlock()
	p.CleanUps++
	return nil
}

func (p *FakeProxy) PullImage(image string, auth string, batchIds []string) error {
	p.Lock()
	defer p.Unlock()
	p.Pulls = append(p.Pulls, FakePull{Image: image, Auth: auth, BatchIds: batchIds})
	return nil
}

func (p *FakeProxy) RunBatch(batchId string) error {
	p.Lock()
	defer p.Unlock()
	p.Started = append(p.Started, batchId)
	return nil
}

func (p *FakeProxy) InspectOffline() error {
	p.Lock()
	p.Inspected++
	p.Unlock()
	if p.OnInspect != nil {
		return p.OnInspect()
	}
	return p.InspectError
}
