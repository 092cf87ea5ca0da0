// Package lock gives a test runner exclusive use of a device.
package lock

import (
	"context"
	"errors"
	"strings"
	"sync"
)

var (
	// ErrNotAcquired indicates that the device is currently held by someone else.
	ErrNotAcquired = errors.New("lock: not acquired")
)

// Manager hands out exclusive leases on devices.
type Manager interface {
	Acquire(ctx context.Context, device string) (Lease, error)
}

// Lease represents a held device lock that can be released.
type Lease interface {
	Device() string
	Release(ctx context.Context) error
}

// LocalManager serialises access to devices within one process. It is used
// when no etcd cluster is configured.
type LocalManager struct {
	mu   sync.Mutex
	held map[string]struct{}
}

// NewLocalManager constructs an in-process manager.
func NewLocalManager() *LocalManager {
	return &LocalManager{held: make(map[string]struct{})}
}

// Acquire implements Manager. It never blocks: a held device yields ErrNotAcquired.
func (m *LocalManager) Acquire(ctx context.Context, device string) (Lease, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	device = strings.TrimSpace(device)
	if device == "" {
		return nil, errors.New("lock: device name must not be empty")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, busy := m.held[device]; busy {
		return nil, ErrNotAcquired
	}
	m.held[device] = struct{}{}
	return &localLease{manager: m, device: device}, nil
}

type localLease struct {
	manager *LocalManager
	device  string
	once    sync.Once
}

func (l *localLease) Device() string { return l.device }

func (l *localLease) Release(context.Context) error {
	l.once.Do(func() {
		l.manager.mu.Lock()
		delete(l.manager.held, l.device)
		l.manager.mu.Unlock()
	})
	return nil
}

var _ Manager = (*LocalManager)(nil)
var _ Lease = (*localLease)(nil)
