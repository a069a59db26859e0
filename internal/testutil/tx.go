// Package testutil holds fakes shared by package tests.
package testutil

import (
	"context"
	"sync"
)

// Snapshotter is implemented by in-memory stores that can undo their writes.
// Snapshot captures the current state and returns a function restoring it.
type Snapshotter interface {
	Snapshot() (restore func())
}

type heldKey struct{}

// SerialTx stands in for a database transaction: one transaction at a time,
// nested calls join the outer one, and on error every registered store is
// restored to its state at BEGIN.
type SerialTx struct {
	mu     sync.Mutex
	stores []Snapshotter
	Begins int
}

// NewSerialTx creates a transactor that rolls back the given stores on error.
func NewSerialTx(stores ...Snapshotter) *SerialTx {
	return &SerialTx{stores: stores}
}

// Track registers more stores after construction.
func (t *SerialTx) Track(stores ...Snapshotter) {
	t.stores = append(t.stores, stores...)
}

func (t *SerialTx) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if held, _ := ctx.Value(heldKey{}).(*SerialTx); held == t {
		return fn(ctx)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.Begins++

	restores := make([]func(), 0, len(t.stores))
	for _, s := range t.stores {
		restores = append(restores, s.Snapshot())
	}
	if err := fn(context.WithValue(ctx, heldKey{}, t)); err != nil {
		for _, restore := range restores {
			restore()
		}
		return err
	}
	return nil
}
