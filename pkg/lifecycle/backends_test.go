// ABOUTME: Store backends the engine scenarios run against
// ABOUTME: Wraps any store so audit writes can be made to fail mid-transaction

package lifecycle

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nainya/govlifecycle/pkg/audit"
	"github.com/nainya/govlifecycle/pkg/chainstore"
	"github.com/nainya/govlifecycle/pkg/chainstore/sqlstore"
	"github.com/nainya/govlifecycle/pkg/version"
)

// faultyStore fails RecordAudit inside Update while auditErr is set.
type faultyStore struct {
	chainstore.Store

	mu       sync.Mutex
	auditErr error
}

func (s *faultyStore) FailAuditWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.auditErr = err
}

func (s *faultyStore) Update(ctx context.Context, key version.ChainKey, fn func(chainstore.Tx) error) error {
	s.mu.Lock()
	failure := s.auditErr
	s.mu.Unlock()
	return s.Store.Update(ctx, key, func(tx chainstore.Tx) error {
		return fn(&faultyTx{Tx: tx, auditErr: failure})
	})
}

type faultyTx struct {
	chainstore.Tx
	auditErr error
}

func (t *faultyTx) RecordAudit(ctx context.Context, rec audit.Record) error {
	if t.auditErr != nil {
		return t.auditErr
	}
	return t.Tx.RecordAudit(ctx, rec)
}

type backend struct {
	name string
	open func(t *testing.T) chainstore.Store
}

var backends = []backend{
	{"memory", func(*testing.T) chainstore.Store { return chainstore.NewMemory() }},
	{"sqlite", func(t *testing.T) chainstore.Store {
		s, err := sqlstore.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "lifecycle.db"))
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		return s
	}},
}

func newEngineOn(store chainstore.Store, opts ...Option) *Engine {
	clock := &stepClock{now: time.Date(2026, 5, 4, 8, 0, 0, 0, time.UTC)}
	base := []Option{WithClock(clock.Now), WithIDGenerator(sequentialIDs())}
	return New(store, append(base, opts...)...)
}

// forEachBackend runs fn as a subtest against every store implementation.
func forEachBackend(t *testing.T, fn func(t *testing.T, e *Engine, store *faultyStore)) {
	for _, b := range backends {
		t.Run(b.name, func(t *testing.T) {
			store := &faultyStore{Store: b.open(t)}
			fn(t, newEngineOn(store), store)
		})
	}
}
