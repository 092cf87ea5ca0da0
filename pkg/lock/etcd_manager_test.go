package lock

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/rebootverify/rebootverify/internal/testutil"
)

func newTestManager(t *testing.T, endpoints []string, owner string) *EtcdManager {
	t.Helper()
	manager, err := NewEtcdManager(EtcdManagerOptions{
		Endpoints: endpoints,
		Namespace: "lab/a",
		TTL:       3 * time.Second,
		Owner:     owner,
		ProcessID: 4242,
		Clock: func() time.Time {
			return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
		},
	})
	if err != nil {
		t.Fatalf("failed to create etcd manager: %v", err)
	}
	t.Cleanup(func() { _ = manager.Close() })
	return manager
}

func TestEtcdManagerAcquireAndRelease(t *testing.T) {
	cluster := testutil.StartEmbeddedEtcd(t)
	manager := newTestManager(t, cluster.Endpoints, "runner-1")

	lease, err := manager.Acquire(context.Background(), "dut-1")
	if err != nil {
		t.Fatalf("expected acquire to succeed, got %v", err)
	}
	if lease.Device() != "dut-1" {
		t.Fatalf("unexpected lease device %q", lease.Device())
	}
	if err := lease.Release(context.Background()); err != nil {
		t.Fatalf("expected release to succeed, got %v", err)
	}
}

func TestEtcdManagerDevicesAreIndependent(t *testing.T) {
	cluster := testutil.StartEmbeddedEtcd(t)
	runnerA := newTestManager(t, cluster.Endpoints, "runner-a")
	runnerB := newTestManager(t, cluster.Endpoints, "runner-b")

	leaseA, err := runnerA.Acquire(context.Background(), "dut-1")
	if err != nil {
		t.Fatalf("expected first acquire to succeed, got %v", err)
	}

	if _, err := runnerB.Acquire(context.Background(), "dut-1"); !errors.Is(err, ErrNotAcquired) {
		t.Fatalf("expected ErrNotAcquired for a held device, got %v", err)
	}

	leaseOther, err := runnerB.Acquire(context.Background(), "dut-2")
	if err != nil {
		t.Fatalf("expected a different device to be free, got %v", err)
	}
	defer leaseOther.Release(context.Background())

	if err := leaseA.Release(context.Background()); err != nil {
		t.Fatalf("expected release to succeed, got %v", err)
	}

	leaseB, err := runnerB.Acquire(context.Background(), "dut-1")
	if err != nil {
		t.Fatalf("expected acquire after release to succeed, got %v", err)
	}
	if err := leaseB.Release(context.Background()); err != nil {
		t.Fatalf("expected second release to succeed, got %v", err)
	}
}

func TestEtcdManagerHolderAnnotation(t *testing.T) {
	cluster := testutil.StartEmbeddedEtcd(t)
	manager := newTestManager(t, cluster.Endpoints, "runner-1")

	if _, held, err := manager.Holder(context.Background(), "dut-1"); err != nil || held {
		t.Fatalf("expected free device, held=%v err=%v", held, err)
	}

	lease, err := manager.Acquire(context.Background(), "dut-1")
	if err != nil {
		t.Fatalf("failed to acquire lock: %v", err)
	}
	holder, held, err := manager.Holder(context.Background(), "dut-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !held {
		t.Fatal("expected device to be held")
	}
	if holder.Owner != "runner-1" || holder.PID != 4242 || holder.Device != "dut-1" {
		t.Fatalf("unexpected holder %+v", holder)
	}
	if holder.AcquiredAt != "2024-05-01T12:00:00Z" {
		t.Fatalf("unexpected acquisition time %q", holder.AcquiredAt)
	}

	if err := lease.Release(context.Background()); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := lease.Release(context.Background()); err != nil {
		t.Fatalf("second release: %v", err)
	}
	if _, held, err := manager.Holder(context.Background(), "dut-1"); err != nil || held {
		t.Fatalf("expected device to be free after release, held=%v err=%v", held, err)
	}
}

func TestEtcdManagerAcquireContextCancelled(t *testing.T) {
	cluster := testutil.StartEmbeddedEtcd(t)
	manager := newTestManager(t, cluster.Endpoints, "runner-1")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := manager.Acquire(ctx, "dut-1"); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context cancellation error, got %v", err)
	}
}

func TestEtcdManagerNamespaceApplied(t *testing.T) {
	cluster := testutil.StartEmbeddedEtcd(t)
	manager := newTestManager(t, cluster.Endpoints, "runner-1")

	lease, err := manager.Acquire(context.Background(), "dut-1")
	if err != nil {
		t.Fatalf("failed to acquire lock: %v", err)
	}
	internal, ok := lease.(*etcdLease)
	if !ok {
		t.Fatalf("expected lease to be etcdLease, got %T", lease)
	}
	key := internal.mutex.Key()
	if !strings.HasPrefix(key, "/lab/a/rebootverify/devices/dut-1/") {
		t.Fatalf("expected key to include namespace and device, got %s", key)
	}
	resp, err := cluster.Client(t).Get(context.Background(), "/lab/a/rebootverify/devices/dut-1/", clientv3.WithPrefix())
	if err != nil {
		t.Fatalf("read lock keys: %v", err)
	}
	if resp.Count != 1 {
		t.Fatalf("expected one lock key, got %d", resp.Count)
	}
	if err := lease.Release(context.Background()); err != nil {
		t.Fatalf("failed to release lease: %v", err)
	}
}

func TestNewEtcdManagerValidation(t *testing.T) {
	if _, err := NewEtcdManager(EtcdManagerOptions{TTL: time.Second, Owner: "x"}); err == nil {
		t.Fatal("expected error without endpoints")
	}
	if _, err := NewEtcdManager(EtcdManagerOptions{Endpoints: []string{"127.0.0.1:2379"}, Owner: "x"}); err == nil {
		t.Fatal("expected error without ttl")
	}
}

func TestApplyNamespace(t *testing.T) {
	cases := map[[2]string]string{
		{"", "/rebootverify/devices"}:         "/rebootverify/devices",
		{"lab", "rebootverify/devices"}:       "/lab/rebootverify/devices",
		{"/lab/a/", "/rebootverify/devices/"}: "/lab/a/rebootverify/devices/",
	}
	for in, want := range cases {
		if got := applyNamespace(in[0], in[1]); got != want {
			t.Fatalf("applyNamespace(%q, %q) = %q, want %q", in[0], in[1], got, want)
		}
	}
}
