package scenario

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rebootverify/rebootverify/pkg/lock"
	"github.com/rebootverify/rebootverify/pkg/observability"
	"github.com/rebootverify/rebootverify/pkg/poll"
)

// DefaultLockWait bounds how long a suite waits for a device held elsewhere.
const DefaultLockWait = 30 * time.Minute

// Suite runs scenarios on several devices. Devices proceed concurrently;
// scenarios on one device run in order under an exclusive device lease.
type Suite struct {
	runner      *Runner
	locks       lock.Manager
	poller      *poll.Poller
	lockWait    poll.Options
	maxParallel int
	stopOnFail  bool
	reporter    observability.Reporter
}

// SuiteOption configures a Suite.
type SuiteOption func(*Suite)

// WithLockWait bounds the wait for a device lease.
func WithLockWait(opts poll.Options) SuiteOption {
	return func(s *Suite) {
		s.lockWait = opts
	}
}

// WithPoller replaces the poller used while waiting for device leases.
func WithPoller(p *poll.Poller) SuiteOption {
	return func(s *Suite) {
		if p != nil {
			s.poller = p
		}
	}
}

// WithMaxParallelDevices limits how many devices run at once. Zero means no limit.
func WithMaxParallelDevices(n int) SuiteOption {
	return func(s *Suite) {
		s.maxParallel = n
	}
}

// WithStopOnFailure skips the remaining scenarios of a device after a failure.
func WithStopOnFailure(stop bool) SuiteOption {
	return func(s *Suite) {
		s.stopOnFail = stop
	}
}

// WithSuiteReporter attaches an observability reporter.
func WithSuiteReporter(rep observability.Reporter) SuiteOption {
	return func(s *Suite) {
		if rep != nil {
			s.reporter = rep
		}
	}
}

// NewSuite constructs a Suite. A nil lock manager uses lock.NewLocalManager.
func NewSuite(runner *Runner, locks lock.Manager, opts ...SuiteOption) (*Suite, error) {
	if runner == nil {
		return nil, errors.New("scenario runner must not be nil")
	}
	if locks == nil {
		locks = lock.NewLocalManager()
	}
	s := &Suite{
		runner:   runner,
		locks:    locks,
		poller:   poll.New(),
		lockWait: poll.Options{Interval: 10 * time.Second, Timeout: DefaultLockWait},
		reporter: observability.NoopReporter{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Run executes scenarios on every device and returns results grouped by
// device in input order. Scenario failures are reported in the results; the
// error only covers devices that could not be leased or runs cut short by ctx.
func (s *Suite) Run(ctx context.Context, devices []Device, scenarios []Scenario) ([]Result, error) {
	perDevice := make([][]Result, len(devices))
	deviceErrs := make([]error, len(devices))

	var g errgroup.Group
	if s.maxParallel > 0 {
		g.SetLimit(s.maxParallel)
	}
	for i, device := range devices {
		g.Go(func() error {
			perDevice[i], deviceErrs[i] = s.runDevice(ctx, device, scenarios)
			return nil
		})
	}
	_ = g.Wait()

	var results []Result
	for _, r := range perDevice {
		results = append(results, r...)
	}
	return results, errors.Join(deviceErrs...)
}

func (s *Suite) runDevice(ctx context.Context, device Device, scenarios []Scenario) ([]Result, error) {
	rep := observability.Scoped{Next: s.reporter, Device: device.Name}
	lease, err := s.acquire(ctx, device, rep)
	if err != nil {
		return nil, fmt.Errorf("device %s: %w", device.Name, err)
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := lease.Release(releaseCtx); err != nil {
			rep.RecordEvent(ctx, observability.Event{
				Level:     observability.LevelWarn,
				Component: "suite",
				Event:     "lock_release_failed",
				Fields:    map[string]interface{}{"error": err.Error()},
			})
		}
	}()

	results := make([]Result, 0, len(scenarios))
	stopped := false
	for _, sc := range scenarios {
		if err := ctx.Err(); err != nil {
			return results, fmt.Errorf("device %s: %w", device.Name, err)
		}
		if stopped {
			results = append(results, Result{
				Device:   device.Name,
				Scenario: sc.Name,
				Title:    sc.Title,
				Status:   StatusSkipped,
				Message:  "skipped after an earlier failure",
			})
			continue
		}
		res := s.runner.Run(ctx, device, sc)
		results = append(results, res)
		if s.stopOnFail && (res.Status == StatusFailed || res.Status == StatusError) {
			stopped = true
		}
	}
	return results, nil
}

func (s *Suite) acquire(ctx context.Context, device Device, rep observability.Reporter) (lock.Lease, error) {
	var lease lock.Lease
	opts := s.lockWait
	opts.Name = "device-lock"
	_, err := s.poller.WaitUntil(ctx, func(ctx context.Context) (bool, error) {
		l, err := s.locks.Acquire(ctx, device.Name)
		switch {
		case err == nil:
			s.recordLockAttempt(rep, "acquired")
			lease = l
			return true, nil
		case errors.Is(err, lock.ErrNotAcquired):
			s.recordLockAttempt(rep, "contended")
			return false, nil
		case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
			return false, err
		default:
			s.recordLockAttempt(rep, "error")
			return false, poll.Fatal(err)
		}
	}, opts)
	if err != nil {
		return nil, fmt.Errorf("acquire device lock: %w", err)
	}
	return lease, nil
}

func (s *Suite) recordLockAttempt(rep observability.Reporter, result string) {
	rep.RecordMetric(observability.Metric{
		Name:        "device_lock_attempts_total",
		Type:        observability.MetricCounter,
		Value:       1,
		Labels:      map[string]string{"result": result},
		Description: "Number of device lock acquisition attempts grouped by result.",
	})
}
