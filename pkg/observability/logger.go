package observability

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"
)

// Logger emits structured events to an underlying sink.
type Logger interface {
	Log(context.Context, Event) error
}

// LoggerFunc adapts a function into a Logger.
type LoggerFunc func(context.Context, Event) error

// Log implements Logger.
func (f LoggerFunc) Log(ctx context.Context, event Event) error {
	return f(ctx, event)
}

// JSONLogger writes each event as a single JSON object on its own line.
type JSONLogger struct {
	mu       sync.Mutex
	w        io.Writer
	now      func() time.Time
	minLevel Level
}

// NewJSONLogger builds a JSONLogger writing to the provided io.Writer.
func NewJSONLogger(w io.Writer) *JSONLogger {
	return &JSONLogger{w: w, now: time.Now, minLevel: LevelInfo}
}

// SetMinLevel drops events below the provided level.
func (l *JSONLogger) SetMinLevel(level Level) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.minLevel = level
}

// Log implements Logger by emitting a JSON representation of the event.
func (l *JSONLogger) Log(_ context.Context, event Event) error {
	if l == nil || l.w == nil {
		return fmt.Errorf("json logger is not configured")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if event.Level.rank() < l.minLevel.rank() {
		return nil
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = l.now()
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	if _, err := l.w.Write(append(payload, '\n')); err != nil {
		return fmt.Errorf("write event: %w", err)
	}

	return nil
}

// ConsoleLogger renders events as single human-readable lines:
//
//	15:04:05 INFO  reboot/reboot_state device=dut-1 state=awaiting_ready
type ConsoleLogger struct {
	mu       sync.Mutex
	w        io.Writer
	now      func() time.Time
	minLevel Level
}

// NewConsoleLogger builds a ConsoleLogger writing to w.
func NewConsoleLogger(w io.Writer) *ConsoleLogger {
	return &ConsoleLogger{w: w, now: time.Now, minLevel: LevelInfo}
}

// SetMinLevel drops events below the provided level.
func (l *ConsoleLogger) SetMinLevel(level Level) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.minLevel = level
}

// Log implements Logger.
func (l *ConsoleLogger) Log(_ context.Context, event Event) error {
	if l == nil || l.w == nil {
		return fmt.Errorf("console logger is not configured")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if event.Level.rank() < l.minLevel.rank() {
		return nil
	}
	ts := event.Timestamp
	if ts.IsZero() {
		ts = l.now()
	}

	var b strings.Builder
	b.WriteString(ts.Format("15:04:05"))
	fmt.Fprintf(&b, " %-5s ", strings.ToUpper(string(event.Level)))
	if event.Component != "" {
		b.WriteString(event.Component)
		b.WriteByte('/')
	}
	b.WriteString(event.Event)
	if event.Device != "" {
		fmt.Fprintf(&b, " device=%s", event.Device)
	}
	if event.Message != "" {
		fmt.Fprintf(&b, " msg=%q", event.Message)
	}
	keys := make([]string, 0, len(event.Fields))
	for k := range event.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%v", k, event.Fields[k])
	}
	b.WriteByte('\n')

	if _, err := io.WriteString(l.w, b.String()); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	return nil
}

// ParseLevel converts a textual level into a Level.
func ParseLevel(s string) (Level, error) {
	switch Level(strings.ToLower(strings.TrimSpace(s))) {
	case "", LevelInfo:
		return LevelInfo, nil
	case LevelWarn, "warning":
		return LevelWarn, nil
	case LevelError:
		return LevelError, nil
	default:
		return "", fmt.Errorf("unknown log level %q", s)
	}
}

var _ Logger = (*JSONLogger)(nil)
var _ Logger = (*ConsoleLogger)(nil)
