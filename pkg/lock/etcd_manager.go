package lock

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"strings"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
)

// DefaultKeyPrefix is the etcd prefix under which per-device mutexes live.
const DefaultKeyPrefix = "/rebootverify/devices"

// EtcdManagerOptions configures the etcd-backed lock manager.
type EtcdManagerOptions struct {
	Endpoints   []string
	DialTimeout time.Duration
	KeyPrefix   string
	Namespace   string
	TTL         time.Duration
	TLS         *tls.Config
	// Owner identifies this runner in the lease annotation, usually the
	// machine hostname.
	Owner     string
	ProcessID int
	Clock     func() time.Time
}

// EtcdManager lets several runners share a device pool: each device maps to
// its own etcd mutex, held for as long as the runner keeps its session alive.
type EtcdManager struct {
	client     *clientv3.Client
	prefix     string
	ttlSeconds int
	owner      string
	pid        int
	now        func() time.Time
}

// Holder is the annotation stored on a held device mutex.
type Holder struct {
	Device     string `json:"device"`
	Owner      string `json:"owner"`
	PID        int    `json:"pid"`
	AcquiredAt string `json:"acquired_at"`
}

// NewEtcdManager connects to etcd and builds a lock manager.
func NewEtcdManager(opts EtcdManagerOptions) (*EtcdManager, error) {
	if len(opts.Endpoints) == 0 {
		return nil, errors.New("etcd lock manager requires at least one endpoint")
	}
	if opts.TTL <= 0 {
		return nil, errors.New("etcd lock manager requires a positive TTL")
	}

	m := &EtcdManager{
		ttlSeconds: int(math.Ceil(opts.TTL.Seconds())),
		owner:      strings.TrimSpace(opts.Owner),
		pid:        opts.ProcessID,
		now:        opts.Clock,
	}
	if m.owner == "" {
		host, err := os.Hostname()
		if err != nil || strings.TrimSpace(host) == "" {
			return nil, errors.New("etcd lock manager requires an owner name for metadata")
		}
		m.owner = host
	}
	if m.pid <= 0 {
		m.pid = os.Getpid()
	}
	if m.now == nil {
		m.now = time.Now
	}

	prefix := strings.TrimSpace(opts.KeyPrefix)
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	m.prefix = applyNamespace(opts.Namespace, prefix)

	dialTimeout := opts.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}
	client, err := clientv3.New(clientv3.Config{
		Endpoints:           opts.Endpoints,
		DialTimeout:         dialTimeout,
		TLS:                 opts.TLS,
		RejectOldCluster:    true,
		PermitWithoutStream: true,
	})
	if err != nil {
		return nil, fmt.Errorf("create etcd client: %w", err)
	}
	m.client = client
	return m, nil
}

// Close releases underlying client resources.
func (m *EtcdManager) Close() error {
	if m == nil || m.client == nil {
		return nil
	}
	return m.client.Close()
}

// Acquire takes the mutex of device without waiting. A device held by another
// runner yields ErrNotAcquired.
func (m *EtcdManager) Acquire(ctx context.Context, device string) (Lease, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	device = strings.Trim(strings.TrimSpace(device), "/")
	if device == "" {
		return nil, errors.New("lock: device name must not be empty")
	}
	ctx = clientv3.WithRequireLeader(ctx)

	session, err := concurrency.NewSession(m.client, concurrency.WithTTL(m.ttlSeconds))
	if err != nil {
		return nil, wrapEtcdError("create session", err)
	}

	mutex := concurrency.NewMutex(session, m.deviceKey(device))
	if err := mutex.TryLock(ctx); err != nil {
		_ = session.Close()
		if errors.Is(err, concurrency.ErrLocked) {
			return nil, ErrNotAcquired
		}
		return nil, wrapEtcdError("try lock", err)
	}

	lease := &etcdLease{device: device, session: session, mutex: mutex}
	if err := m.annotate(ctx, lease); err != nil {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = lease.Release(releaseCtx)
		cancel()
		return nil, wrapEtcdError("annotate lock", err)
	}
	return lease, nil
}

// annotate records who holds the device on the mutex key, guarded by
// ownership so a lease that expired in between is not overwritten.
func (m *EtcdManager) annotate(ctx context.Context, lease *etcdLease) error {
	payload, err := json.Marshal(Holder{
		Device:     lease.device,
		Owner:      m.owner,
		PID:        m.pid,
		AcquiredAt: m.now().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return err
	}
	resp, err := m.client.Txn(ctx).
		If(lease.mutex.IsOwner()).
		Then(clientv3.OpPut(lease.mutex.Key(), string(payload), clientv3.WithLease(lease.session.Lease()))).
		Commit()
	if err != nil {
		return err
	}
	if !resp.Succeeded {
		return ErrNotAcquired
	}
	return nil
}

// Holder returns the annotation of whoever holds device, if anyone.
func (m *EtcdManager) Holder(ctx context.Context, device string) (Holder, bool, error) {
	resp, err := m.client.Get(ctx, m.deviceKey(device)+"/", clientv3.WithFirstCreate()...)
	if err != nil {
		return Holder{}, false, fmt.Errorf("read lock holder: %w", err)
	}
	if len(resp.Kvs) == 0 {
		return Holder{}, false, nil
	}
	var holder Holder
	if err := json.Unmarshal(resp.Kvs[0].Value, &holder); err != nil {
		// held, annotation not written yet
		return Holder{Device: device}, true, nil
	}
	return holder, true, nil
}

func (m *EtcdManager) deviceKey(device string) string {
	return m.prefix + "/" + strings.Trim(device, "/")
}

var _ Manager = (*EtcdManager)(nil)

type etcdLease struct {
	device  string
	session *concurrency.Session
	mutex   *concurrency.Mutex

	once       sync.Once
	releaseErr error
}

func (l *etcdLease) Device() string { return l.device }

// Release unlocks the device and revokes the session lease. Only the first
// call talks to etcd; later calls return its result.
func (l *etcdLease) Release(ctx context.Context) error {
	l.once.Do(func() {
		if ctx == nil {
			ctx = context.Background()
		}
		ctx = clientv3.WithRequireLeader(ctx)

		unlockErr := l.mutex.Unlock(ctx)
		closeErr := l.session.Close()
		switch {
		case unlockErr != nil:
			l.releaseErr = wrapEtcdError("unlock", unlockErr)
		case closeErr != nil:
			l.releaseErr = wrapEtcdError("close session", closeErr)
		}
	})
	return l.releaseErr
}

// wrapEtcdError passes context errors through unchanged so callers can
// distinguish cancellation from etcd failures.
func wrapEtcdError(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if errors.Is(err, ErrNotAcquired) {
		return err
	}
	return fmt.Errorf("%s: %w", op, err)
}

func applyNamespace(namespace, key string) string {
	key = "/" + strings.TrimLeft(key, "/")
	namespace = strings.Trim(namespace, "/")
	if namespace == "" {
		return key
	}
	return "/" + namespace + key
}
