package bootepoch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rebootverify/rebootverify/pkg/remote"
)

// DefaultQuery prints the host wall clock and uptime from a single shell so
// both readings share one observation instant.
const DefaultQuery = `echo "$(date +%s.%N) $(cut -d ' ' -f 1 /proc/uptime)"`

// Tracker captures boot epochs through a remote executor. It never retries.
type Tracker struct {
	exec  remote.Executor
	query string
	now   func() time.Time
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithQuery replaces DefaultQuery.
func WithQuery(query string) Option {
	return func(t *Tracker) {
		if strings.TrimSpace(query) != "" {
			t.query = query
		}
	}
}

// WithTimeSource sets the local clock used when the query reports uptime only.
func WithTimeSource(fn func() time.Time) Option {
	return func(t *Tracker) {
		if fn != nil {
			t.now = fn
		}
	}
}

// NewTracker constructs a Tracker.
func NewTracker(exec remote.Executor, opts ...Option) (*Tracker, error) {
	if exec == nil {
		return nil, errors.New("boot epoch tracker requires an executor")
	}
	t := &Tracker{exec: exec, query: DefaultQuery, now: time.Now}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// Query returns the remote command used to observe the epoch.
func (t *Tracker) Query() string {
	return t.query
}

// Current observes the boot epoch of host. Execution errors are returned
// unchanged so callers can classify them.
func (t *Tracker) Current(ctx context.Context, host string) (Epoch, error) {
	out, err := t.exec.Execute(ctx, host, t.query)
	if err != nil {
		return Epoch{}, err
	}
	epoch, err := Parse(out, t.now())
	if err != nil {
		return Epoch{}, fmt.Errorf("%s: %w", host, err)
	}
	epoch.Host = host
	return epoch, nil
}
