// Package scenario runs mutate-reboot-verify test cases against devices.
package scenario

import (
	"context"
	"fmt"
	"time"

	"github.com/rebootverify/rebootverify/pkg/reboot"
)

// Status is the verdict of one scenario run.
type Status string

const (
	StatusPassed  Status = "passed"
	StatusFailed  Status = "failed"
	StatusSkipped Status = "skipped"
	StatusError   Status = "error"
)

// Device is a device under test.
type Device struct {
	// Name labels results and locks.
	Name string
	// Host is the identity the device answers to with its default hostname.
	Host string
	// OSVersion skips the remote version query when set.
	OSVersion string
}

// Scenario is one mutate-reboot-verify test case.
type Scenario struct {
	Name  string
	Title string
	// OSVersion is a semver constraint such as "> 2.34.0". Devices that do not
	// satisfy it skip the scenario.
	OSVersion string
	Run       func(ctx context.Context, s *Session) error
}

// AssertionFailure reports observed state that did not match expectations.
type AssertionFailure struct {
	Message  string
	Expected interface{}
	Actual   interface{}
}

func (e *AssertionFailure) Error() string {
	return fmt.Sprintf("%s: expected %#v, got %#v", e.Message, e.Expected, e.Actual)
}

// Result is the outcome of running one scenario on one device.
type Result struct {
	Device    string
	Scenario  string
	Title     string
	RunID     string
	Status    Status
	Message   string
	Err       error
	Reboots   []reboot.Outcome
	Reverted  bool
	OSVersion string
	Started   time.Time
	Duration  time.Duration
}
