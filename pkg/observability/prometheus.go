package observability

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const prometheusNamespace = "rebootverify"

// DurationBuckets spans half a second to roughly seventeen minutes, which
// covers single commands as well as full reboot cycles of slow devices.
var DurationBuckets = prometheus.ExponentialBuckets(0.5, 2, 12)

// vector is one lazily registered metric family. Its label names are fixed by
// the first sample; later samples with a different label set are dropped.
type vector struct {
	kind    MetricType
	labels  []string
	counter *prometheus.CounterVec
	hist    *prometheus.HistogramVec
}

func (v *vector) record(labels prometheus.Labels, value float64) {
	switch v.kind {
	case MetricCounter:
		if value < 0 {
			value = 0
		}
		v.counter.With(labels).Add(value)
	case MetricHistogram:
		v.hist.With(labels).Observe(value)
	}
}

// PrometheusCollector translates Metric values into Prometheus vectors. Each
// collector owns its registry so parallel test runs never share state.
type PrometheusCollector struct {
	registry *prometheus.Registry
	dropped  prometheus.Counter

	mu      sync.Mutex
	vectors map[string]*vector
}

// NewPrometheusCollector builds a collector backed by a dedicated Prometheus registry.
func NewPrometheusCollector() *PrometheusCollector {
	registry := prometheus.NewRegistry()
	dropped := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: prometheusNamespace,
		Name:      "metric_samples_dropped_total",
		Help:      "Samples discarded because their type or label set conflicted with an earlier sample.",
	})
	registry.MustRegister(dropped)
	return &PrometheusCollector{
		registry: registry,
		dropped:  dropped,
		vectors:  make(map[string]*vector),
	}
}

// Collect implements MetricsCollector.
func (c *PrometheusCollector) Collect(metric Metric) {
	if c == nil || metric.Name == "" {
		return
	}
	if metric.Type != MetricCounter && metric.Type != MetricHistogram {
		return
	}
	labels := toPrometheusLabels(metric.Labels)
	names := labelNames(labels)

	c.mu.Lock()
	defer c.mu.Unlock()

	v, ok := c.vectors[metric.Name]
	if !ok {
		var err error
		v, err = c.register(metric, names)
		if err != nil {
			c.dropped.Inc()
			return
		}
		c.vectors[metric.Name] = v
	}
	if v.kind != metric.Type || strings.Join(v.labels, ",") != strings.Join(names, ",") {
		c.dropped.Inc()
		return
	}
	v.record(labels, metric.Value)
}

func (c *PrometheusCollector) register(metric Metric, names []string) (*vector, error) {
	v := &vector{kind: metric.Type, labels: names}
	var collector prometheus.Collector
	switch metric.Type {
	case MetricCounter:
		v.counter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: prometheusNamespace,
			Name:      metric.Name,
			Help:      helpText(metric),
		}, names)
		collector = v.counter
	case MetricHistogram:
		opts := prometheus.HistogramOpts{
			Namespace: prometheusNamespace,
			Name:      metric.Name,
			Help:      helpText(metric),
		}
		if metric.Unit == "seconds" {
			opts.Buckets = DurationBuckets
		}
		v.hist = prometheus.NewHistogramVec(opts, names)
		collector = v.hist
	}
	if err := c.registry.Register(collector); err != nil {
		return nil, fmt.Errorf("register %s: %w", metric.Name, err)
	}
	return v, nil
}

// Registry returns the underlying registry.
func (c *PrometheusCollector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// Handler exposes the registry in the Prometheus text format.
func (c *PrometheusCollector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Serve exposes the registry on listen under /metrics until ctx is cancelled.
func (c *PrometheusCollector) Serve(ctx context.Context, listen string) error {
	if c == nil {
		return errors.New("prometheus collector is nil")
	}
	ln, err := net.Listen("tcp", listen)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", listen, err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve metrics: %w", err)
	}
}

func helpText(metric Metric) string {
	if strings.TrimSpace(metric.Description) != "" {
		return metric.Description
	}
	if metric.Unit != "" {
		return metric.Name + " (" + metric.Unit + ")"
	}
	return metric.Name
}

func labelNames(labels prometheus.Labels) []string {
	names := make([]string, 0, len(labels))
	for k := range labels {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

func toPrometheusLabels(labels map[string]string) prometheus.Labels {
	out := make(prometheus.Labels, len(labels))
	for k, v := range labels {
		out[k] = v
	}
	return out
}

var _ MetricsCollector = (*PrometheusCollector)(nil)
