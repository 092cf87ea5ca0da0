// Package bootepoch derives when a host's current boot session began.
package bootepoch

import (
	"fmt"
	"strings"
	"time"
)

// DefaultTolerance absorbs query latency and uptime rounding when comparing epochs.
const DefaultTolerance = time.Second

// Epoch is the wall-clock instant at which a host's current boot began,
// computed as ObservedAt minus Uptime.
type Epoch struct {
	Host       string
	Start      time.Time
	ObservedAt time.Time
	Uptime     time.Duration
}

// IsZero reports whether the epoch was never captured.
func (e Epoch) IsZero() bool {
	return e.Start.IsZero()
}

// AdvancedSince reports whether e began strictly later than prev by more than tol.
func (e Epoch) AdvancedSince(prev Epoch, tol time.Duration) bool {
	if e.IsZero() || prev.IsZero() {
		return false
	}
	return e.Start.Sub(prev.Start) > normalizeTolerance(tol)
}

// SameBoot reports whether both epochs lie within tol of each other.
func (e Epoch) SameBoot(other Epoch, tol time.Duration) bool {
	if e.IsZero() || other.IsZero() {
		return false
	}
	delta := e.Start.Sub(other.Start)
	if delta < 0 {
		delta = -delta
	}
	return delta <= normalizeTolerance(tol)
}

func (e Epoch) String() string {
	if e.IsZero() {
		return "<none>"
	}
	return e.Start.UTC().Format(time.RFC3339Nano)
}

func normalizeTolerance(tol time.Duration) time.Duration {
	if tol < 0 {
		return 0
	}
	return tol
}

// Parse interprets the output of an epoch query. Three shapes are accepted:
//
//	"<unix-seconds> <uptime-seconds>"   wall clock and uptime read on the host
//	"<uptime-seconds>"                  uptime only; localNow is the observation time
//	"2024-05-01 12:00:00+00:00"         boot instant already computed on the host
func Parse(output string, localNow time.Time) (Epoch, error) {
	trimmed := strings.TrimSpace(output)
	if trimmed == "" {
		return Epoch{}, fmt.Errorf("empty epoch query output")
	}

	if ts, ok := parseTimestamp(trimmed); ok {
		return Epoch{Start: ts, ObservedAt: localNow, Uptime: localNow.Sub(ts)}, nil
	}

	fields := strings.Fields(trimmed)
	switch len(fields) {
	case 1:
		uptime, err := parseSeconds(fields[0])
		if err != nil {
			return Epoch{}, fmt.Errorf("invalid uptime %q: %w", fields[0], err)
		}
		return Epoch{Start: localNow.Add(-uptime), ObservedAt: localNow, Uptime: uptime}, nil
	case 2:
		wall, err := parseSeconds(fields[0])
		if err != nil {
			return Epoch{}, fmt.Errorf("invalid wall clock %q: %w", fields[0], err)
		}
		uptime, err := parseSeconds(fields[1])
		if err != nil {
			return Epoch{}, fmt.Errorf("invalid uptime %q: %w", fields[1], err)
		}
		observed := time.Unix(0, 0).Add(wall)
		return Epoch{Start: observed.Add(-uptime), ObservedAt: observed, Uptime: uptime}, nil
	default:
		return Epoch{}, fmt.Errorf("unrecognised epoch query output %q", trimmed)
	}
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05-07:00",
	"2006-01-02 15:04:05.999999999-07:00",
}

func parseTimestamp(s string) (time.Time, bool) {
	for _, layout := range timestampLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts, true
		}
	}
	return time.Time{}, false
}

// parseSeconds keeps nanosecond precision for wall-clock readings, which
// float64 would round.
func parseSeconds(s string) (time.Duration, error) {
	if strings.ContainsAny(s, "hmsuµn") {
		return 0, fmt.Errorf("not a plain number of seconds")
	}
	d, err := time.ParseDuration(s + "s")
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative value")
	}
	return d, nil
}
