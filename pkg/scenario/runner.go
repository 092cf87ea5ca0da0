package scenario

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/google/uuid"

	"github.com/rebootverify/rebootverify/pkg/deviceconfig"
	"github.com/rebootverify/rebootverify/pkg/observability"
	"github.com/rebootverify/rebootverify/pkg/poll"
	"github.com/rebootverify/rebootverify/pkg/reboot"
	"github.com/rebootverify/rebootverify/pkg/remote"
)

const (
	// DefaultOSVersionQuery prints the device OS version.
	DefaultOSVersionQuery = `. /etc/os-release && echo "$VERSION_ID"`
	// DefaultRevertTimeout bounds the configuration revert after a scenario.
	DefaultRevertTimeout = 2 * time.Minute
)

// Runner executes scenarios against a single device at a time.
type Runner struct {
	exec          remote.Executor
	orch          *reboot.Orchestrator
	store         *deviceconfig.Store
	pollOpts      poll.Options
	probe         reboot.Probe
	osQuery       string
	revertTimeout time.Duration
	reporter      observability.Reporter
	now           func() time.Time
	newRunID      func() string
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithPollOptions bounds readiness waits of every reboot.
func WithPollOptions(opts poll.Options) RunnerOption {
	return func(r *Runner) {
		r.pollOpts = opts
	}
}

// WithReadinessProbe overrides the orchestrator's default probe for all scenarios.
func WithReadinessProbe(p reboot.Probe) RunnerOption {
	return func(r *Runner) {
		r.probe = p
	}
}

// WithOSVersionQuery replaces DefaultOSVersionQuery.
func WithOSVersionQuery(query string) RunnerOption {
	return func(r *Runner) {
		if strings.TrimSpace(query) != "" {
			r.osQuery = query
		}
	}
}

// WithRevertTimeout bounds the configuration revert.
func WithRevertTimeout(d time.Duration) RunnerOption {
	return func(r *Runner) {
		if d > 0 {
			r.revertTimeout = d
		}
	}
}

// WithReporter attaches an observability reporter.
func WithReporter(rep observability.Reporter) RunnerOption {
	return func(r *Runner) {
		if rep != nil {
			r.reporter = rep
		}
	}
}

// WithTimeSource injects a custom time source, enabling deterministic tests.
func WithTimeSource(fn func() time.Time) RunnerOption {
	return func(r *Runner) {
		if fn != nil {
			r.now = fn
		}
	}
}

// WithRunIDSource overrides the generator of run identifiers.
func WithRunIDSource(fn func() string) RunnerOption {
	return func(r *Runner) {
		if fn != nil {
			r.newRunID = fn
		}
	}
}

// NewRunner constructs a Runner.
func NewRunner(exec remote.Executor, orch *reboot.Orchestrator, store *deviceconfig.Store, opts ...RunnerOption) (*Runner, error) {
	if exec == nil {
		return nil, errors.New("executor must not be nil")
	}
	if orch == nil {
		return nil, errors.New("reboot orchestrator must not be nil")
	}
	if store == nil {
		return nil, errors.New("configuration store must not be nil")
	}
	r := &Runner{
		exec:          exec,
		orch:          orch,
		store:         store,
		osQuery:       DefaultOSVersionQuery,
		revertTimeout: DefaultRevertTimeout,
		reporter:      observability.NoopReporter{},
		now:           time.Now,
		newRunID:      func() string { return uuid.NewString() },
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Run executes sc on device. The configuration snapshot taken before the
// scenario is restored on every exit path, including panics and cancellation.
func (r *Runner) Run(ctx context.Context, device Device, sc Scenario) (res Result) {
	if ctx == nil {
		ctx = context.Background()
	}
	res = Result{
		Device:   device.Name,
		Scenario: sc.Name,
		Title:    sc.Title,
		RunID:    r.newRunID(),
		Started:  r.now(),
	}
	rep := observability.Scoped{Next: r.reporter, Device: device.Name, RunID: res.RunID}
	defer func() {
		res.Duration = r.now().Sub(res.Started)
		r.recordResult(ctx, rep, res)
	}()

	if sc.Run == nil {
		res.Status = StatusError
		res.Err = fmt.Errorf("scenario %q has no body", sc.Name)
		res.Message = res.Err.Error()
		return res
	}

	version, skip, err := r.gate(ctx, device, sc)
	if version != nil {
		res.OSVersion = version.String()
	}
	if err != nil {
		res.Status = StatusError
		res.Err = err
		res.Message = err.Error()
		return res
	}
	if skip {
		res.Status = StatusSkipped
		res.Message = fmt.Sprintf("os version %s does not satisfy %s", res.OSVersion, sc.OSVersion)
		return res
	}

	tx, err := deviceconfig.Begin(ctx, r.store, device.Host)
	if err != nil {
		res.Status = StatusError
		res.Err = err
		res.Message = err.Error()
		return res
	}

	session := &Session{
		device:    device,
		host:      device.Host,
		runID:     res.RunID,
		osVersion: version,
		exec:      r.exec,
		tx:        tx,
		orch:      r.orch,
		pollOpts:  r.pollOpts,
		probe:     r.probe,
		reporter:  rep,
	}
	rep.RecordEvent(ctx, observability.Event{
		Level:     observability.LevelInfo,
		Component: "scenario",
		Event:     "scenario_started",
		Fields:    map[string]interface{}{"scenario": sc.Name, "host": device.Host},
	})

	defer func() {
		defer func() { res.Reboots = session.Reboots() }()
		reverted, cleanupErr := r.revert(ctx, session)
		res.Reverted = reverted
		if cleanupErr == nil {
			cleanupErr = r.restoreIdentity(ctx, session)
		}
		if cleanupErr == nil {
			return
		}
		rep.RecordEvent(ctx, observability.Event{
			Level:     observability.LevelError,
			Component: "scenario",
			Event:     "cleanup_failed",
			Fields:    map[string]interface{}{"host": session.Host(), "error": cleanupErr.Error()},
		})
		if res.Status == StatusPassed {
			res.Status = StatusError
			res.Err = cleanupErr
			res.Message = cleanupErr.Error()
		} else {
			res.Err = errors.Join(res.Err, cleanupErr)
		}
	}()
	defer func() {
		if p := recover(); p != nil {
			res.Status = StatusError
			res.Err = fmt.Errorf("scenario panicked: %v", p)
			res.Message = res.Err.Error()
		}
	}()

	runErr := sc.Run(ctx, session)
	res.Status, res.Message = classify(runErr)
	res.Err = runErr
	return res
}

func classify(err error) (Status, string) {
	if err == nil {
		return StatusPassed, ""
	}
	var assertion *AssertionFailure
	if errors.As(err, &assertion) {
		return StatusFailed, err.Error()
	}
	var notAdvanced *reboot.EpochNotAdvancedError
	if errors.As(err, &notAdvanced) {
		return StatusFailed, err.Error()
	}
	return StatusError, err.Error()
}

// gate resolves the device OS version when the scenario is constrained.
func (r *Runner) gate(ctx context.Context, device Device, sc Scenario) (*semver.Version, bool, error) {
	if strings.TrimSpace(sc.OSVersion) == "" {
		return nil, false, nil
	}
	constraint, err := semver.NewConstraint(sc.OSVersion)
	if err != nil {
		return nil, false, fmt.Errorf("scenario %q: invalid os version constraint %q: %w", sc.Name, sc.OSVersion, err)
	}
	raw := strings.TrimSpace(device.OSVersion)
	if raw == "" {
		out, err := r.exec.Execute(ctx, device.Host, r.osQuery)
		if err != nil {
			return nil, false, fmt.Errorf("query os version: %w", err)
		}
		raw = strings.TrimSpace(out)
	}
	version, err := semver.NewVersion(raw)
	if err != nil {
		return nil, false, fmt.Errorf("parse os version %q: %w", raw, err)
	}
	return version, !constraint.Check(version), nil
}

// revert restores the configuration, with a fresh context when ctx is done.
// A reboot that failed on its way to a new identity may have left the device
// answering to that identity, so it is located first.
func (r *Runner) revert(ctx context.Context, session *Session) (bool, error) {
	base := ctx
	if ctx.Err() != nil {
		base = context.Background()
	}
	revertCtx, cancel := context.WithTimeout(base, r.revertTimeout)
	defer cancel()
	session.settle(revertCtx)
	reverted, err := session.tx.Revert(revertCtx)
	if err != nil {
		return reverted, fmt.Errorf("revert configuration on %s: %w", session.Host(), err)
	}
	return reverted, nil
}

// restoreIdentity reboots a device that still answers to a scenario-assigned
// identity so it comes back under its configured host. It is skipped once ctx
// is cancelled because the reboot may take minutes.
func (r *Runner) restoreIdentity(ctx context.Context, session *Session) error {
	home := session.Device().Host
	current := session.Host()
	if current == home {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("device left answering as %s: %w", current, err)
	}
	session.reporter.RecordEvent(ctx, observability.Event{
		Level:     observability.LevelWarn,
		Component: "scenario",
		Event:     "identity_restore",
		Fields:    map[string]interface{}{"from": current, "to": home},
	})
	if _, err := session.RebootAs(ctx, home); err != nil {
		return fmt.Errorf("restore identity %s (device answers as %s): %w", home, session.Host(), err)
	}
	return nil
}

func (r *Runner) recordResult(ctx context.Context, rep observability.Reporter, res Result) {
	labels := map[string]string{"scenario": res.Scenario, "status": string(res.Status)}
	rep.RecordMetric(observability.Metric{
		Name:        "scenario_results_total",
		Type:        observability.MetricCounter,
		Value:       1,
		Labels:      labels,
		Description: "Number of scenario runs grouped by scenario and status.",
	})
	rep.RecordMetric(observability.Metric{
		Name:        "scenario_duration_seconds",
		Type:        observability.MetricHistogram,
		Value:       res.Duration.Seconds(),
		Labels:      labels,
		Description: "Wall time of a scenario run including reboots and revert.",
		Unit:        "seconds",
	})

	level := observability.LevelInfo
	switch res.Status {
	case StatusFailed, StatusError:
		level = observability.LevelError
	case StatusSkipped:
		level = observability.LevelWarn
	}
	fields := map[string]interface{}{
		"scenario":    res.Scenario,
		"status":      string(res.Status),
		"reboots":     len(res.Reboots),
		"reverted":    res.Reverted,
		"duration_ms": res.Duration.Milliseconds(),
	}
	if res.OSVersion != "" {
		fields["os_version"] = res.OSVersion
	}
	rep.RecordEvent(ctx, observability.Event{
		Level:     level,
		Component: "scenario",
		Event:     "scenario_finished",
		Message:   res.Message,
		Fields:    fields,
	})
}
