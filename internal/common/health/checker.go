package health

import "github.com/pkg/errors"

type Checker interface {
	Check() error
}

// StartupCompleteChecker reports unhealthy until MarkComplete is called,
// keeping the controller out of rotation while it is still wiring up.
type StartupCompleteChecker struct {
	complete bool
}

func NewStartupCompleteChecker() *StartupCompleteChecker {
	return &StartupCompleteChecker{}
}

func (c *StartupCompleteChecker) Check() error {
	if c.complete {
		return nil
	}
	return errors.New("startup not complete")
}

func (c *StartupCompleteChecker) MarkComplete() {
	c.complete = true
}
