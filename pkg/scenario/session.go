package scenario

import (
	"context"
	"fmt"
	"reflect"
	"regexp"
	"strings"

	"github.com/Masterminds/semver/v3"

	"github.com/rebootverify/rebootverify/pkg/deviceconfig"
	"github.com/rebootverify/rebootverify/pkg/observability"
	"github.com/rebootverify/rebootverify/pkg/poll"
	"github.com/rebootverify/rebootverify/pkg/reboot"
	"github.com/rebootverify/rebootverify/pkg/remote"
)

// Session is the handle a scenario uses to reach its device. The current
// host changes only through RebootAs and RebootWith.
type Session struct {
	device    Device
	host      string
	runID     string
	osVersion *semver.Version
	exec      remote.Executor
	tx        *deviceconfig.Transaction
	orch      *reboot.Orchestrator
	pollOpts  poll.Options
	probe     reboot.Probe
	reporter  observability.Reporter
	reboots   []reboot.Outcome
	// pending is the identity a failed reboot was heading for; the device
	// may answer to it.
	pending string
}

// reachabilityCommand succeeds on any reachable device.
const reachabilityCommand = "echo true"

// Device returns the device under test.
func (s *Session) Device() Device {
	return s.device
}

// Host returns the identity the device currently answers to.
func (s *Session) Host() string {
	return s.host
}

// RunID identifies this scenario run in events.
func (s *Session) RunID() string {
	return s.runID
}

// OSVersion returns the device OS version, nil when it was not resolved.
func (s *Session) OSVersion() *semver.Version {
	return s.osVersion
}

// Exec runs command on the current host.
func (s *Session) Exec(ctx context.Context, command string) (string, error) {
	return s.exec.Execute(ctx, s.host, command)
}

// ExecOn runs command against an explicit identity.
func (s *Session) ExecOn(ctx context.Context, host, command string) (string, error) {
	return s.exec.Execute(ctx, host, command)
}

// Config returns the configuration transaction reverted when the scenario ends.
func (s *Session) Config() *deviceconfig.Transaction {
	return s.tx
}

// Reboot reboots the device and expects it back under the same identity.
func (s *Session) Reboot(ctx context.Context) (reboot.Outcome, error) {
	return s.RebootWith(ctx, s.host, nil)
}

// RebootAs reboots the device and expects it back as newHost, for example
// after a hostname change.
func (s *Session) RebootAs(ctx context.Context, newHost string) (reboot.Outcome, error) {
	return s.RebootWith(ctx, newHost, nil)
}

// RebootWith reboots the device, waits for probe on newHost and switches the
// session to newHost once the reboot is verified. A nil probe uses the
// runner's readiness probe.
func (s *Session) RebootWith(ctx context.Context, newHost string, probe reboot.Probe) (reboot.Outcome, error) {
	if strings.TrimSpace(newHost) == "" {
		newHost = s.host
	}
	if probe == nil {
		probe = s.probe
	}
	out, err := s.orch.RebootAndVerify(ctx, reboot.Request{
		Host:      s.host,
		ReadyHost: newHost,
		Probe:     probe,
		Poll:      s.pollOpts,
	})
	s.reboots = append(s.reboots, out)
	if err != nil {
		if newHost != s.host {
			switch out.FailedIn {
			case reboot.StateVerifying:
				// readiness already answered on newHost
				s.switchHost(ctx, newHost)
			case reboot.StateAwaitingReady:
				s.pending = newHost
			}
		}
		return out, err
	}
	s.switchHost(ctx, newHost)
	return out, nil
}

func (s *Session) switchHost(ctx context.Context, newHost string) {
	s.pending = ""
	if newHost == s.host {
		return
	}
	s.reporter.RecordEvent(ctx, observability.Event{
		Level:     observability.LevelInfo,
		Component: "scenario",
		Event:     "identity_changed",
		Fields:    map[string]interface{}{"from": s.host, "to": newHost},
	})
	s.host = newHost
	s.tx.Retarget(newHost)
}

// settle follows the device to the pending identity when it answers there.
func (s *Session) settle(ctx context.Context) {
	if s.pending == "" {
		return
	}
	pending := s.pending
	if _, err := s.exec.Execute(ctx, pending, reachabilityCommand); err == nil {
		s.switchHost(ctx, pending)
		return
	}
	s.pending = ""
}

// Reboots returns every reboot performed in this session.
func (s *Session) Reboots() []reboot.Outcome {
	return append([]reboot.Outcome(nil), s.reboots...)
}

// Equal fails with an AssertionFailure unless expected and actual are equal.
func (s *Session) Equal(expected, actual interface{}, message string) error {
	if reflect.DeepEqual(expected, actual) {
		return nil
	}
	return &AssertionFailure{Message: message, Expected: expected, Actual: actual}
}

// Match fails unless actual matches pattern.
func (s *Session) Match(pattern *regexp.Regexp, actual, message string) error {
	if pattern.MatchString(actual) {
		return nil
	}
	return &AssertionFailure{Message: message, Expected: "match " + pattern.String(), Actual: actual}
}

// Resolves fails unless command runs successfully on the current host.
func (s *Session) Resolves(ctx context.Context, command, message string) error {
	if _, err := s.Exec(ctx, command); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &AssertionFailure{Message: message, Expected: fmt.Sprintf("%q to succeed", command), Actual: err.Error()}
	}
	return nil
}
