// Package poll waits for asynchronous conditions on remote devices to become true.
package poll

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rebootverify/rebootverify/pkg/observability"
)

const (
	// DefaultInterval is the pause between two evaluations of a condition.
	DefaultInterval = 3 * time.Second
	// DefaultTimeout bounds waits that configure neither a timeout nor an
	// attempt limit and did not opt into Unbounded.
	DefaultTimeout = 10 * time.Minute
)

// ErrTimeout matches every *TimeoutError via errors.Is.
var ErrTimeout = errors.New("poll: bound exceeded")

// Condition is evaluated until it reports true. Returning an error counts as
// "not yet" unless the error is fatal.
type Condition func(ctx context.Context) (bool, error)

// Classifier reports whether a condition error is fatal.
type Classifier func(error) bool

// Options bound a single wait.
type Options struct {
	// Name labels events and metrics for the wait site.
	Name string
	// Interval between evaluations; DefaultInterval when zero.
	Interval time.Duration
	// Timeout bounds the total elapsed time. Zero means no time bound.
	Timeout time.Duration
	// MaxAttempts bounds the number of evaluations. Zero means no attempt bound.
	MaxAttempts int
	// Unbounded disables DefaultTimeout when no bound is configured. The
	// caller must then cancel ctx to stop the wait.
	Unbounded bool
	// Classify marks condition errors as fatal. Nil treats every error as transient.
	Classify Classifier
}

// Bounded reports whether the options carry a time or attempt limit.
func (o Options) Bounded() bool {
	return o.Timeout > 0 || o.MaxAttempts > 0
}

// TimeoutError is returned when a bound is exceeded before the condition held.
type TimeoutError struct {
	Name        string
	Attempts    int
	Elapsed     time.Duration
	Timeout     time.Duration
	MaxAttempts int
	LastErr     error
}

func (e *TimeoutError) Error() string {
	var b strings.Builder
	b.WriteString("wait")
	if e.Name != "" {
		fmt.Fprintf(&b, " %q", e.Name)
	}
	fmt.Fprintf(&b, " timed out after %d attempts in %s", e.Attempts, e.Elapsed.Round(time.Millisecond))
	if e.LastErr != nil {
		fmt.Fprintf(&b, ": last error: %v", e.LastErr)
	}
	return b.String()
}

// Is matches ErrTimeout.
func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout
}

// Unwrap exposes the last condition error.
func (e *TimeoutError) Unwrap() error {
	return e.LastErr
}

// FatalError marks a condition error that must stop polling immediately.
type FatalError struct {
	Err error
}

// Fatal wraps err so WaitUntil returns it without further attempts.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &FatalError{Err: err}
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("fatal: %v", e.Err)
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

// Result describes a successful wait.
type Result struct {
	Attempts int
	Elapsed  time.Duration
}

// Poller evaluates conditions with an injectable clock and reporter.
type Poller struct {
	sleep    func(time.Duration)
	now      func() time.Time
	reporter observability.Reporter
	interval time.Duration
}

// Option configures a Poller.
type Option func(*Poller)

// WithSleepFunc overrides the sleep function used between attempts.
func WithSleepFunc(fn func(time.Duration)) Option {
	return func(p *Poller) {
		p.sleep = fn
	}
}

// WithTimeSource injects a custom time source, enabling deterministic tests.
func WithTimeSource(fn func() time.Time) Option {
	return func(p *Poller) {
		p.now = fn
	}
}

// WithReporter attaches an observability reporter.
func WithReporter(rep observability.Reporter) Option {
	return func(p *Poller) {
		p.reporter = rep
	}
}

// WithDefaultInterval changes the interval used when Options.Interval is zero.
func WithDefaultInterval(d time.Duration) Option {
	return func(p *Poller) {
		p.interval = d
	}
}

// New constructs a Poller.
func New(opts ...Option) *Poller {
	p := &Poller{}
	for _, opt := range opts {
		opt(p)
	}
	if p.sleep == nil {
		p.sleep = time.Sleep
	}
	if p.now == nil {
		p.now = time.Now
	}
	if p.interval <= 0 {
		p.interval = DefaultInterval
	}
	p.reporter = observability.OrNoop(p.reporter)
	return p
}

// WaitUntil polls cond with a default Poller.
func WaitUntil(ctx context.Context, cond Condition, opts Options) (Result, error) {
	return New().WaitUntil(ctx, cond, opts)
}

// WaitUntil evaluates cond until it returns true, a fatal error occurs, a
// bound is exceeded or ctx is done. cond is evaluated at least once and the
// call returns as soon as it first reports true.
func (p *Poller) WaitUntil(ctx context.Context, cond Condition, opts Options) (Result, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if cond == nil {
		return Result{}, errors.New("poll condition must not be nil")
	}
	opts = p.normalize(opts)

	start := p.now()
	attempts := 0
	var lastErr error

	for {
		if err := ctx.Err(); err != nil {
			p.recordDone(ctx, opts, "canceled", attempts, p.now().Sub(start), err)
			return Result{Attempts: attempts, Elapsed: p.now().Sub(start)}, err
		}

		attempts++
		ok, condErr := cond(ctx)
		elapsed := p.now().Sub(start)

		if condErr == nil && ok {
			p.recordDone(ctx, opts, "success", attempts, elapsed, nil)
			return Result{Attempts: attempts, Elapsed: elapsed}, nil
		}
		if condErr != nil {
			if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(condErr, ctxErr) {
				p.recordDone(ctx, opts, "canceled", attempts, elapsed, ctxErr)
				return Result{Attempts: attempts, Elapsed: elapsed}, ctxErr
			}
			if fatal, fatalErr := classify(condErr, opts.Classify); fatal {
				p.recordDone(ctx, opts, "fatal", attempts, elapsed, fatalErr)
				return Result{Attempts: attempts, Elapsed: elapsed}, fatalErr
			}
			lastErr = condErr
		}
		p.recordAttempt(ctx, opts, attempts, elapsed, condErr)

		delay := opts.Interval
		exhausted := opts.MaxAttempts > 0 && attempts >= opts.MaxAttempts
		if opts.Timeout > 0 {
			remaining := opts.Timeout - elapsed
			if remaining <= 0 {
				exhausted = true
			} else if delay > remaining {
				delay = remaining
			}
		}
		if exhausted {
			timeoutErr := &TimeoutError{
				Name:        opts.Name,
				Attempts:    attempts,
				Elapsed:     elapsed,
				Timeout:     opts.Timeout,
				MaxAttempts: opts.MaxAttempts,
				LastErr:     lastErr,
			}
			p.recordDone(ctx, opts, "timeout", attempts, elapsed, timeoutErr)
			return Result{Attempts: attempts, Elapsed: elapsed}, timeoutErr
		}

		if err := p.sleepWithContext(ctx, delay); err != nil {
			elapsed = p.now().Sub(start)
			p.recordDone(ctx, opts, "canceled", attempts, elapsed, err)
			return Result{Attempts: attempts, Elapsed: elapsed}, err
		}
	}
}

func (p *Poller) normalize(opts Options) Options {
	if opts.Interval <= 0 {
		opts.Interval = p.interval
	}
	if opts.Timeout < 0 {
		opts.Timeout = 0
	}
	if opts.MaxAttempts < 0 {
		opts.MaxAttempts = 0
	}
	if !opts.Bounded() && !opts.Unbounded {
		opts.Timeout = DefaultTimeout
	}
	if strings.TrimSpace(opts.Name) == "" {
		opts.Name = "condition"
	}
	return opts
}

func classify(err error, fn Classifier) (bool, error) {
	var fatal *FatalError
	if errors.As(err, &fatal) {
		return true, fatal.Err
	}
	if fn != nil && fn(err) {
		return true, err
	}
	return false, nil
}

func (p *Poller) sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	done := make(chan struct{})
	go func() {
		p.sleep(d)
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

func (p *Poller) recordAttempt(ctx context.Context, opts Options, attempt int, elapsed time.Duration, condErr error) {
	fields := map[string]interface{}{
		"wait":       opts.Name,
		"attempt":    attempt,
		"elapsed_ms": elapsed.Milliseconds(),
	}
	if condErr != nil {
		fields["error"] = condErr.Error()
	}
	p.reporter.RecordEvent(ctx, observability.Event{
		Level:     observability.LevelInfo,
		Component: "poller",
		Event:     "poll_attempt",
		Fields:    fields,
	})
}

func (p *Poller) recordDone(ctx context.Context, opts Options, result string, attempts int, elapsed time.Duration, err error) {
	labels := map[string]string{"wait": opts.Name, "result": result}
	p.reporter.RecordMetric(observability.Metric{
		Name:        "poll_waits_total",
		Type:        observability.MetricCounter,
		Value:       1,
		Labels:      labels,
		Description: "Number of completed waits grouped by wait site and result.",
	})
	p.reporter.RecordMetric(observability.Metric{
		Name:        "poll_attempts_total",
		Type:        observability.MetricCounter,
		Value:       float64(attempts),
		Labels:      labels,
		Description: "Number of condition evaluations grouped by wait site and result.",
	})
	p.reporter.RecordMetric(observability.Metric{
		Name:        "poll_wait_seconds",
		Type:        observability.MetricHistogram,
		Value:       elapsed.Seconds(),
		Labels:      labels,
		Description: "Time spent waiting for a condition.",
		Unit:        "seconds",
	})

	level := observability.LevelInfo
	switch result {
	case "timeout", "canceled":
		level = observability.LevelWarn
	case "fatal":
		level = observability.LevelError
	}
	fields := map[string]interface{}{
		"wait":       opts.Name,
		"result":     result,
		"attempts":   attempts,
		"elapsed_ms": elapsed.Milliseconds(),
	}
	if err != nil {
		fields["error"] = err.Error()
	}
	p.reporter.RecordEvent(ctx, observability.Event{
		Level:     level,
		Component: "poller",
		Event:     "poll_completed",
		Fields:    fields,
	})
}
