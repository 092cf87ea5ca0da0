package observability

import "context"

// Reporter consumes events and metrics for logging or aggregation.
type Reporter interface {
	RecordEvent(context.Context, Event)
	RecordMetric(Metric)
}

// ReporterFuncs wires plain functions into a Reporter implementation.
type ReporterFuncs struct {
	OnEvent  func(context.Context, Event)
	OnMetric func(Metric)
}

// RecordEvent implements Reporter.
func (r ReporterFuncs) RecordEvent(ctx context.Context, event Event) {
	if r.OnEvent != nil {
		r.OnEvent(ctx, event)
	}
}

// RecordMetric implements Reporter.
func (r ReporterFuncs) RecordMetric(metric Metric) {
	if r.OnMetric != nil {
		r.OnMetric(metric)
	}
}

// NoopReporter discards all events and metrics.
type NoopReporter struct{}

// RecordEvent implements Reporter.
func (NoopReporter) RecordEvent(context.Context, Event) {}

// RecordMetric implements Reporter.
func (NoopReporter) RecordMetric(Metric) {}

// StructuredReporter forwards events to a Logger and metrics to a collector.
type StructuredReporter struct {
	logger  Logger
	metrics MetricsCollector
}

// NewStructuredReporter builds a reporter backed by the provided sinks. Either
// sink may be nil.
func NewStructuredReporter(logger Logger, metrics MetricsCollector) *StructuredReporter {
	return &StructuredReporter{logger: logger, metrics: metrics}
}

// RecordEvent implements Reporter.
func (r *StructuredReporter) RecordEvent(ctx context.Context, event Event) {
	if r == nil || r.logger == nil {
		return
	}
	_ = r.logger.Log(ctx, event.Clone())
}

// RecordMetric implements Reporter.
func (r *StructuredReporter) RecordMetric(metric Metric) {
	if r == nil || r.metrics == nil {
		return
	}
	r.metrics.Collect(metric)
}

// Scoped stamps device and run identifiers onto events that do not carry them.
type Scoped struct {
	Next   Reporter
	Device string
	RunID  string
}

// RecordEvent implements Reporter.
func (s Scoped) RecordEvent(ctx context.Context, event Event) {
	if s.Next == nil {
		return
	}
	cloned := event.Clone()
	if cloned.Device == "" {
		cloned.Device = s.Device
	}
	if cloned.RunID == "" {
		cloned.RunID = s.RunID
	}
	s.Next.RecordEvent(ctx, cloned)
}

// RecordMetric implements Reporter.
func (s Scoped) RecordMetric(metric Metric) {
	if s.Next == nil {
		return
	}
	s.Next.RecordMetric(metric)
}

// OrNoop returns rep, or a NoopReporter when rep is nil.
func OrNoop(rep Reporter) Reporter {
	if rep == nil {
		return NoopReporter{}
	}
	return rep
}

var _ Reporter = ReporterFuncs{}
var _ Reporter = NoopReporter{}
var _ Reporter = (*StructuredReporter)(nil)
var _ Reporter = Scoped{}
