// ABOUTME: In-memory version chain store for tests and single-process deployments
// ABOUTME: Buffers writes per transaction and applies them atomically on commit

package chainstore

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/nainya/govlifecycle/pkg/audit"
	"github.com/nainya/govlifecycle/pkg/version"
)

// Memory is a Store held entirely in process memory.
type Memory struct {
	locks *KeyedMutex

	mu        sync.RWMutex
	versions  map[string]*version.Version
	chains    map[version.ChainKey][]string
	audits    []audit.Record
	delivered map[string]bool

	faultMu   sync.Mutex
	failAudit error
	failSave  error
}

var _ Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		locks:     NewKeyedMutex(),
		versions:  make(map[string]*version.Version),
		chains:    make(map[version.ChainKey][]string),
		delivered: make(map[string]bool),
	}
}

// FailAuditWith makes every RecordAudit fail with err until reset with nil.
func (m *Memory) FailAuditWith(err error) {
	m.faultMu.Lock()
	defer m.faultMu.Unlock()
	m.failAudit = err
}

// FailSaveWith makes every version write fail with err until reset with nil.
func (m *Memory) FailSaveWith(err error) {
	m.faultMu.Lock()
	defer m.faultMu.Unlock()
	m.failSave = err
}

func (m *Memory) faults() (auditErr, saveErr error) {
	m.faultMu.Lock()
	defer m.faultMu.Unlock()
	return m.failAudit, m.failSave
}

// Corrupt mutates a committed version in place without updating its
// checksum, simulating storage corruption.
func (m *Memory) Corrupt(id string, mutate func(*version.Version)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.versions[id]
	if !ok {
		return NotFound(id)
	}
	mutate(v)
	return nil
}

func (m *Memory) Close() error { return nil }

// FindByID implements Reader.
func (m *Memory) FindByID(ctx context.Context, id string) (*version.Version, error) {
	m.mu.RLock()
	v, ok := m.versions[id]
	if ok {
		v = v.Clone()
	}
	m.mu.RUnlock()

	if !ok {
		return nil, NotFound(id)
	}
	return Verified(v)
}

// FindByNumber implements Reader.
func (m *Memory) FindByNumber(ctx context.Context, key version.ChainKey, n version.Number) (*version.Version, error) {
	m.mu.RLock()
	var found *version.Version
	for _, id := range m.chains[key] {
		if v := m.versions[id]; v.Number == n {
			found = v.Clone()
			break
		}
	}
	m.mu.RUnlock()

	if found == nil {
		return nil, &version.NotFoundError{What: "version number", ID: key.String() + "@" + n.String()}
	}
	return Verified(found)
}

// FindCurrent implements Reader.
func (m *Memory) FindCurrent(ctx context.Context, key version.ChainKey) (*version.Version, error) {
	m.mu.RLock()
	var found *version.Version
	for _, id := range m.chains[key] {
		if v := m.versions[id]; v.State.IsCurrent() {
			found = v.Clone()
			break
		}
	}
	m.mu.RUnlock()

	if found == nil {
		return nil, nil
	}
	return Verified(found)
}

// FindHistory implements Reader.
func (m *Memory) FindHistory(ctx context.Context, key version.ChainKey) ([]*version.Version, error) {
	m.mu.RLock()
	history := make([]*version.Version, 0, len(m.chains[key]))
	for _, id := range m.chains[key] {
		history = append(history, m.versions[id].Clone())
	}
	m.mu.RUnlock()

	sort.SliceStable(history, func(i, j int) bool {
		return history[i].Number.Less(history[j].Number)
	})
	for _, v := range history {
		if _, err := Verified(v); err != nil {
			return nil, err
		}
	}
	return history, nil
}

// AuditTrail implements Reader.
func (m *Memory) AuditTrail(ctx context.Context, entityID string) ([]audit.Record, error) {
	m.mu.RLock()
	var out []audit.Record
	for _, rec := range m.audits {
		if rec.EntityID == entityID {
			out = append(out, rec)
		}
	}
	m.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out, nil
}

// PendingAudit implements audit.Outbox.
func (m *Memory) PendingAudit(ctx context.Context, limit int) ([]audit.Record, error) {
	m.mu.RLock()
	var out []audit.Record
	for _, rec := range m.audits {
		if !m.delivered[rec.ID] {
			out = append(out, rec)
		}
	}
	m.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// MarkAuditDelivered implements audit.Outbox.
func (m *Memory) MarkAuditDelivered(ctx context.Context, ids ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		m.delivered[id] = true
	}
	return nil
}

// Update implements Store.
func (m *Memory) Update(ctx context.Context, key version.ChainKey, fn func(Tx) error) error {
	if err := key.Validate(); err != nil {
		return err
	}
	unlock, err := m.locks.Lock(ctx, key.String())
	if err != nil {
		return fmt.Errorf("acquire lock for chain %s: %w", key, err)
	}
	defer unlock()

	tx := &memTx{m: m, key: key, staged: make(map[string]*version.Version)}
	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("commit chain %s: %w", key, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.chains[key] = append(m.chains[key], tx.appended...)
	for id, v := range tx.staged {
		m.versions[id] = v
	}
	m.audits = append(m.audits, tx.audits...)
	return nil
}

// memTx stages writes until Update commits them.
type memTx struct {
	m        *Memory
	key      version.ChainKey
	staged   map[string]*version.Version
	appended []string
	audits   []audit.Record
}

func (tx *memTx) lookup(id string) (*version.Version, bool) {
	if v, ok := tx.staged[id]; ok {
		return v.Clone(), true
	}
	tx.m.mu.RLock()
	defer tx.m.mu.RUnlock()
	if v, ok := tx.m.versions[id]; ok {
		return v.Clone(), true
	}
	return nil, false
}

func (tx *memTx) chain() []*version.Version {
	tx.m.mu.RLock()
	ids := append(append([]string{}, tx.m.chains[tx.key]...), tx.appended...)
	tx.m.mu.RUnlock()

	out := make([]*version.Version, 0, len(ids))
	for _, id := range ids {
		if v, ok := tx.lookup(id); ok {
			out = append(out, v)
		}
	}
	return out
}

func (tx *memTx) FindByID(ctx context.Context, id string) (*version.Version, error) {
	v, ok := tx.lookup(id)
	if !ok {
		return nil, NotFound(id)
	}
	return Verified(v)
}

func (tx *memTx) FindCurrent(ctx context.Context) (*version.Version, error) {
	for _, v := range tx.chain() {
		if v.State.IsCurrent() {
			return Verified(v)
		}
	}
	return nil, nil
}

func (tx *memTx) FindLatest(ctx context.Context) (*version.Version, error) {
	var latest *version.Version
	for _, v := range tx.chain() {
		if latest == nil || latest.Number.Less(v.Number) {
			latest = v
		}
	}
	if latest == nil {
		return nil, nil
	}
	return Verified(latest)
}

func (tx *memTx) checkCurrentSlot(v *version.Version) error {
	if !v.State.IsCurrent() {
		return nil
	}
	for _, other := range tx.chain() {
		if other.ID != v.ID && other.State.IsCurrent() {
			return &version.ConflictError{Key: tx.key, Reason: fmt.Sprintf("version %s is already current", other.ID)}
		}
	}
	return nil
}

func (tx *memTx) Append(ctx context.Context, v *version.Version) error {
	if _, saveErr := tx.m.faults(); saveErr != nil {
		return saveErr
	}
	if v.Key != tx.key {
		return fmt.Errorf("append %s to %s: %w", v.ID, tx.key, ErrChainMismatch)
	}
	if _, exists := tx.lookup(v.ID); exists {
		return &version.ConflictError{Key: tx.key, Reason: fmt.Sprintf("version id %s already exists", v.ID)}
	}
	for _, other := range tx.chain() {
		if other.Number == v.Number {
			return &version.ConflictError{Key: tx.key, Reason: fmt.Sprintf("version number %s already exists", v.Number)}
		}
	}
	if err := tx.checkCurrentSlot(v); err != nil {
		return err
	}

	v.Revision = 1
	tx.staged[v.ID] = v.Clone()
	tx.appended = append(tx.appended, v.ID)
	return nil
}

func (tx *memTx) Save(ctx context.Context, v *version.Version, expectedRevision int64) error {
	if _, saveErr := tx.m.faults(); saveErr != nil {
		return saveErr
	}
	stored, ok := tx.lookup(v.ID)
	if !ok {
		return NotFound(v.ID)
	}
	if stored.Key != tx.key {
		return fmt.Errorf("save %s in %s: %w", v.ID, tx.key, ErrChainMismatch)
	}
	if stored.Revision != expectedRevision {
		return &version.ConflictError{
			Key:    tx.key,
			Reason: fmt.Sprintf("version %s is at revision %d, expected %d", v.ID, stored.Revision, expectedRevision),
		}
	}
	if err := tx.checkCurrentSlot(v); err != nil {
		return err
	}

	v.Revision = expectedRevision + 1
	tx.staged[v.ID] = v.Clone()
	return nil
}

func (tx *memTx) MarkSuperseded(ctx context.Context, id, byID string, at version.Stamp) error {
	if _, saveErr := tx.m.faults(); saveErr != nil {
		return saveErr
	}
	v, ok := tx.lookup(id)
	if !ok {
		return NotFound(id)
	}
	if v.Key != tx.key {
		return fmt.Errorf("supersede %s in %s: %w", id, tx.key, ErrChainMismatch)
	}
	v.State = version.StateSuperseded
	v.SupersededByVersionID = byID
	v.UpdatedAt = at.At
	v.Revision++
	tx.staged[id] = v
	return nil
}

func (tx *memTx) RecordAudit(ctx context.Context, rec audit.Record) error {
	if auditErr, _ := tx.m.faults(); auditErr != nil {
		return auditErr
	}
	tx.audits = append(tx.audits, rec)
	return nil
}
