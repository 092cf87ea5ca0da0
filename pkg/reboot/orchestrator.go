// Package reboot issues a reboot to a device and proves that it happened.
package reboot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rebootverify/rebootverify/pkg/bootepoch"
	"github.com/rebootverify/rebootverify/pkg/observability"
	"github.com/rebootverify/rebootverify/pkg/poll"
	"github.com/rebootverify/rebootverify/pkg/remote"
)

const (
	// DefaultRebootCommand restarts the device immediately.
	DefaultRebootCommand = "shutdown -r now"
	// DefaultIssueTimeout bounds the reboot command, whose connection usually drops.
	DefaultIssueTimeout = 30 * time.Second
	// DefaultEpochCaptureAttempts bounds the post-reboot epoch capture.
	DefaultEpochCaptureAttempts = 5
)

// State is a step of a verified reboot.
type State string

const (
	StateIdle          State = "idle"
	StateEpochCaptured State = "epoch_captured"
	StateRebootIssued  State = "reboot_issued"
	StateAwaitingReady State = "awaiting_ready"
	StateVerifying     State = "verifying"
	StateDone          State = "done"
	StateFailed        State = "failed"
)

// EpochSource observes boot epochs. *bootepoch.Tracker satisfies it.
type EpochSource interface {
	Current(ctx context.Context, host string) (bootepoch.Epoch, error)
}

// EpochNotAdvancedError reports a device that answered after the reboot but
// whose boot epoch did not move forward.
type EpochNotAdvancedError struct {
	Before    bootepoch.Epoch
	After     bootepoch.Epoch
	Tolerance time.Duration
}

func (e *EpochNotAdvancedError) Error() string {
	return fmt.Sprintf("device did not reboot: boot epoch %s is not later than %s (tolerance %s)", e.After, e.Before, e.Tolerance)
}

// Request describes a single verified reboot.
type Request struct {
	// Host is the identity used before the reboot.
	Host string
	// ReadyHost is the identity the device answers to after the reboot.
	// Empty means unchanged.
	ReadyHost string
	// Probe overrides the orchestrator's default readiness probe.
	Probe Probe
	// Poll bounds the readiness wait. Zero values take the poller defaults.
	Poll poll.Options
}

// Outcome summarises a verified reboot.
type Outcome struct {
	State             State
	FailedIn          State
	Host              string
	ReadyHost         string
	Before            bootepoch.Epoch
	After             bootepoch.Epoch
	ReadinessAttempts int
	EpochAttempts     int
	Transitions       []State
	Duration          time.Duration
	Err               error
}

// Succeeded reports whether the reboot was verified.
func (o Outcome) Succeeded() bool {
	return o.State == StateDone
}

// Orchestrator composes an executor, an epoch source and a poller into a
// verified reboot.
type Orchestrator struct {
	exec          remote.Executor
	epochs        EpochSource
	poller        *poll.Poller
	rebootCommand string
	issueTimeout  time.Duration
	tolerance     time.Duration
	epochAttempts int
	probe         Probe
	classify      poll.Classifier
	reporter      observability.Reporter
	now           func() time.Time
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithRebootCommand replaces DefaultRebootCommand.
func WithRebootCommand(command string) Option {
	return func(o *Orchestrator) {
		if strings.TrimSpace(command) != "" {
			o.rebootCommand = command
		}
	}
}

// WithIssueTimeout bounds the reboot command.
func WithIssueTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.issueTimeout = d
		}
	}
}

// WithTolerance sets the window within which two epochs count as the same boot.
func WithTolerance(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d >= 0 {
			o.tolerance = d
		}
	}
}

// WithEpochCaptureAttempts bounds how often the post-reboot epoch is queried.
func WithEpochCaptureAttempts(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.epochAttempts = n
		}
	}
}

// WithDefaultProbe replaces TimeSyncProbe for requests that carry no probe.
func WithDefaultProbe(p Probe) Option {
	return func(o *Orchestrator) {
		if p != nil {
			o.probe = p
		}
	}
}

// WithClassifier decides which polling errors abort the reboot. The default is
// remote.IsFatal.
func WithClassifier(fn poll.Classifier) Option {
	return func(o *Orchestrator) {
		o.classify = fn
	}
}

// WithReporter attaches an observability reporter.
func WithReporter(rep observability.Reporter) Option {
	return func(o *Orchestrator) {
		if rep != nil {
			o.reporter = rep
		}
	}
}

// WithTimeSource injects a custom time source, enabling deterministic tests.
func WithTimeSource(fn func() time.Time) Option {
	return func(o *Orchestrator) {
		if fn != nil {
			o.now = fn
		}
	}
}

// New constructs an Orchestrator. A nil poller uses poll.New().
func New(exec remote.Executor, epochs EpochSource, poller *poll.Poller, opts ...Option) (*Orchestrator, error) {
	if exec == nil {
		return nil, errors.New("executor must not be nil")
	}
	if epochs == nil {
		return nil, errors.New("epoch source must not be nil")
	}
	if poller == nil {
		poller = poll.New()
	}
	o := &Orchestrator{
		exec:          exec,
		epochs:        epochs,
		poller:        poller,
		rebootCommand: DefaultRebootCommand,
		issueTimeout:  DefaultIssueTimeout,
		tolerance:     bootepoch.DefaultTolerance,
		epochAttempts: DefaultEpochCaptureAttempts,
		probe:         TimeSyncProbe(),
		classify:      remote.IsFatal,
		reporter:      observability.NoopReporter{},
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// RebootAndVerify captures the boot epoch of req.Host, reboots it, waits for
// the readiness probe on req.ReadyHost and asserts that the boot epoch
// advanced. The returned error is non-nil exactly when the outcome failed.
func (o *Orchestrator) RebootAndVerify(ctx context.Context, req Request) (out Outcome, err error) {
	if ctx == nil {
		ctx = context.Background()
	}
	start := o.now()
	out = Outcome{State: StateIdle, Host: req.Host, ReadyHost: req.ReadyHost, Transitions: []State{StateIdle}}
	if out.ReadyHost == "" {
		out.ReadyHost = req.Host
	}
	defer func() {
		out.Duration = o.now().Sub(start)
		o.recordOutcome(ctx, out)
	}()

	if strings.TrimSpace(req.Host) == "" {
		return o.fail(ctx, &out, errors.New("reboot request requires a host"))
	}

	before, err := o.epochs.Current(ctx, req.Host)
	if err != nil {
		return o.fail(ctx, &out, fmt.Errorf("capture boot epoch before reboot: %w", err))
	}
	out.Before = before
	o.transition(ctx, &out, StateEpochCaptured)

	if err := o.issueReboot(ctx, req.Host); err != nil {
		return o.fail(ctx, &out, err)
	}
	o.transition(ctx, &out, StateRebootIssued)

	probe := req.Probe
	if probe == nil {
		probe = o.probe
	}
	readyOpts := req.Poll
	if readyOpts.Name == "" {
		readyOpts.Name = "readiness"
	}
	if readyOpts.Classify == nil {
		readyOpts.Classify = o.classify
	}
	o.transition(ctx, &out, StateAwaitingReady)
	res, err := o.poller.WaitUntil(ctx, func(ctx context.Context) (bool, error) {
		return probe.Ready(ctx, o.exec, out.ReadyHost)
	}, readyOpts)
	out.ReadinessAttempts = res.Attempts
	if err != nil {
		return o.fail(ctx, &out, fmt.Errorf("wait for %s to become ready: %w", out.ReadyHost, err))
	}

	o.transition(ctx, &out, StateVerifying)
	after, attempts, err := o.captureAfter(ctx, out.ReadyHost, before, readyOpts.Interval)
	out.After = after
	out.EpochAttempts = attempts
	if err != nil {
		return o.fail(ctx, &out, err)
	}

	o.transition(ctx, &out, StateDone)
	return out, nil
}

// issueReboot fires the reboot command. A dropped or refused connection is
// the expected signal that the device went down and is not an error.
func (o *Orchestrator) issueReboot(ctx context.Context, host string) error {
	issueCtx, cancel := context.WithTimeout(ctx, o.issueTimeout)
	defer cancel()

	_, err := o.exec.Execute(issueCtx, host, o.rebootCommand)
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	o.reporter.RecordEvent(ctx, observability.Event{
		Level:     observability.LevelWarn,
		Component: "reboot",
		Event:     "reboot_issue_error_ignored",
		Message:   "reboot command did not complete cleanly, expected while the device goes down",
		Fields: map[string]interface{}{
			"host":            host,
			"command":         o.rebootCommand,
			"connection_loss": remote.IsConnectionLoss(err),
			"error":           err.Error(),
		},
	})
	return nil
}

// captureAfter polls the boot epoch until it has advanced past before. The
// readiness probe can pass on a device that has not gone down yet, so a
// stale epoch is retried within the attempt bound.
func (o *Orchestrator) captureAfter(ctx context.Context, host string, before bootepoch.Epoch, interval time.Duration) (bootepoch.Epoch, int, error) {
	var last bootepoch.Epoch
	res, err := o.poller.WaitUntil(ctx, func(ctx context.Context) (bool, error) {
		epoch, err := o.epochs.Current(ctx, host)
		if err != nil {
			return false, err
		}
		last = epoch
		return epoch.AdvancedSince(before, o.tolerance), nil
	}, poll.Options{
		Name:        "boot-epoch",
		Interval:    interval,
		MaxAttempts: o.epochAttempts,
		Classify:    o.classify,
	})
	if err == nil {
		return last, res.Attempts, nil
	}
	if errors.Is(err, poll.ErrTimeout) && !last.IsZero() {
		return last, res.Attempts, &EpochNotAdvancedError{Before: before, After: last, Tolerance: o.tolerance}
	}
	return last, res.Attempts, fmt.Errorf("capture boot epoch after reboot: %w", err)
}

func (o *Orchestrator) transition(ctx context.Context, out *Outcome, next State) {
	prev := out.State
	out.State = next
	out.Transitions = append(out.Transitions, next)
	o.reporter.RecordEvent(ctx, observability.Event{
		Level:     observability.LevelInfo,
		Component: "reboot",
		Event:     "reboot_state",
		Fields: map[string]interface{}{
			"from":       string(prev),
			"to":         string(next),
			"host":       out.Host,
			"ready_host": out.ReadyHost,
		},
	})
}

func (o *Orchestrator) fail(ctx context.Context, out *Outcome, err error) (Outcome, error) {
	out.FailedIn = out.State
	out.Err = err
	o.transition(ctx, out, StateFailed)
	return *out, err
}

func (o *Orchestrator) recordOutcome(ctx context.Context, out Outcome) {
	result := "done"
	level := observability.LevelInfo
	fields := map[string]interface{}{
		"host":        out.Host,
		"ready_host":  out.ReadyHost,
		"duration_ms": out.Duration.Milliseconds(),
		"attempts":    out.ReadinessAttempts,
	}
	if !out.Before.IsZero() {
		fields["epoch_before"] = out.Before.String()
	}
	if !out.After.IsZero() {
		fields["epoch_after"] = out.After.String()
	}
	if out.State != StateDone {
		result = "failed"
		level = observability.LevelError
		fields["failed_in"] = string(out.FailedIn)
		if out.Err != nil {
			fields["error"] = out.Err.Error()
		}
	}

	o.reporter.RecordMetric(observability.Metric{
		Name:        "reboot_verifications_total",
		Type:        observability.MetricCounter,
		Value:       1,
		Labels:      map[string]string{"result": result},
		Description: "Number of verified reboots grouped by result.",
	})
	o.reporter.RecordMetric(observability.Metric{
		Name:        "reboot_verification_seconds",
		Type:        observability.MetricHistogram,
		Value:       out.Duration.Seconds(),
		Labels:      map[string]string{"result": result},
		Description: "Time from epoch capture to verified reboot.",
		Unit:        "seconds",
	})
	o.reporter.RecordEvent(ctx, observability.Event{
		Level:     level,
		Component: "reboot",
		Event:     "reboot_verified",
		Fields:    fields,
	})
}
