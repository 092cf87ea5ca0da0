package deviceconfig

import (
	"context"
	"fmt"
	"sync"
)

// Transaction scopes configuration changes to a single scenario. Begin
// snapshots the file; Revert restores the snapshot and must run on every exit
// path, typically from a defer.
type Transaction struct {
	mu       sync.Mutex
	store    *Store
	host     string
	original []byte
	snapshot Document
	applied  []Mutation
	dirty    bool
}

// Begin snapshots the configuration of host.
func Begin(ctx context.Context, store *Store, host string) (*Transaction, error) {
	raw, err := store.ReadRaw(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("begin configuration transaction: %w", err)
	}
	doc, err := ParseDocument(raw)
	if err != nil {
		return nil, fmt.Errorf("begin configuration transaction: %w", err)
	}
	return &Transaction{store: store, host: host, original: raw, snapshot: doc}, nil
}

// Host returns the identity the transaction currently talks to.
func (t *Transaction) Host() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.host
}

// Retarget switches to a new identity after the device was renamed.
func (t *Transaction) Retarget(host string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.host = host
}

// Snapshot returns a copy of the configuration captured by Begin.
func (t *Transaction) Snapshot() Document {
	return t.snapshot.Clone()
}

// Set assigns value to key on the device.
func (t *Transaction) Set(ctx context.Context, key string, value interface{}) error {
	return t.Apply(ctx, Set(key, value))
}

// Remove deletes key on the device.
func (t *Transaction) Remove(ctx context.Context, key string) error {
	return t.Apply(ctx, Remove(key))
}

// Apply writes mutations immediately.
func (t *Transaction) Apply(ctx context.Context, mutations ...Mutation) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	// mark dirty first: a failed write may still have replaced the file
	t.dirty = true
	if _, err := t.store.Apply(ctx, t.host, mutations...); err != nil {
		return err
	}
	t.applied = append(t.applied, mutations...)
	return nil
}

// Applied lists the mutations written so far.
func (t *Transaction) Applied() []Mutation {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Mutation(nil), t.applied...)
}

// Revert restores the snapshot and reports whether a write was needed. It is
// a no-op when nothing changed or the device already matches the snapshot,
// and may be called repeatedly.
func (t *Transaction) Revert(ctx context.Context) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.dirty {
		return false, nil
	}
	current, err := t.store.Read(ctx, t.host)
	if err == nil && current.Equal(t.snapshot) {
		t.dirty = false
		return false, nil
	}
	if err := t.store.WriteRaw(ctx, t.host, t.original); err != nil {
		return false, fmt.Errorf("revert configuration on %s: %w", t.host, err)
	}
	t.dirty = false
	return true, nil
}
