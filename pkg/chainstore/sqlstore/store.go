// Package sqlstore persists version chains in SQLite or PostgreSQL through database/sql.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/nainya/govlifecycle/internal/logger"
	"github.com/nainya/govlifecycle/pkg/audit"
	"github.com/nainya/govlifecycle/pkg/chainstore"
	"github.com/nainya/govlifecycle/pkg/chainstore/sqlstore/migrations"
	"github.com/nainya/govlifecycle/pkg/version"
)

// Store implements chainstore.Store on a SQL database.
type Store struct {
	db      *sql.DB
	dialect dialect
	locks   *chainstore.KeyedMutex
	log     *logger.Logger
}

var _ chainstore.Store = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger used for store operations.
func WithLogger(l *logger.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.log = l
		}
	}
}

// OpenSQLite opens (creating if needed) a SQLite database file and applies
// embedded migrations.
func OpenSQLite(ctx context.Context, path string, opts ...Option) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	dsn := "file:" + filepath.Clean(path) +
		"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=synchronous(NORMAL)&_txlock=immediate"
	return open(ctx, sqliteDialect, dsn, opts...)
}

// OpenPostgres connects through the pgx stdlib driver and applies embedded
// migrations.
func OpenPostgres(ctx context.Context, dsn string, opts ...Option) (*Store, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("postgres dsn is required")
	}
	return open(ctx, postgresDialect, dsn, opts...)
}

// Open dispatches on a driver name: "sqlite" takes a file path, "postgres"
// a connection string.
func Open(ctx context.Context, driver, dsn string, opts ...Option) (*Store, error) {
	switch strings.ToLower(driver) {
	case "sqlite":
		return OpenSQLite(ctx, dsn, opts...)
	case "postgres", "pgx":
		return OpenPostgres(ctx, dsn, opts...)
	}
	return nil, fmt.Errorf("unsupported store driver %q", driver)
}

func open(ctx context.Context, d dialect, dsn string, opts ...Option) (*Store, error) {
	sqlDB, err := sql.Open(d.driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s db: %w", d.name, err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping %s db: %w", d.name, err)
	}

	s := &Store{db: sqlDB, dialect: d, log: logger.Nop()}
	if d.inProcessLock {
		s.locks = chainstore.NewKeyedMutex()
	}
	for _, opt := range opts {
		opt(s)
	}

	if _, err := s.Migrate(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	return s, nil
}

// Migrate applies pending migrations and returns their names.
func (s *Store) Migrate(ctx context.Context) ([]string, error) {
	applied, err := applyMigrations(ctx, s.db, s.dialect, migrations.FS)
	if err != nil {
		return applied, fmt.Errorf("run migrations: %w", err)
	}
	return applied, nil
}

// Dialect returns "sqlite" or "postgres".
func (s *Store) Dialect() string { return s.dialect.name }

// Ping checks the database connection; used by readiness probes.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// Close closes the database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

const versionColumns = `id, tenant_id, chain_code, entity_kind, version_number, lifecycle_state,
	content_json, checksum, change_type, change_description,
	parent_version_id, supersedes_version_id, superseded_by_version_id,
	created_by, created_at, stamps_json, updated_at, revision`

// stamps holds the per-action stamps kept in one JSON column.
type stamps struct {
	Processed *version.Stamp     `json:"processed,omitempty"`
	Submitted *version.Stamp     `json:"submitted,omitempty"`
	Approved  *version.Stamp     `json:"approved,omitempty"`
	Published *version.Stamp     `json:"published,omitempty"`
	Archived  *version.Stamp     `json:"archived,omitempty"`
	Rejection *version.Rejection `json:"rejection,omitempty"`
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanVersion(row rowScanner) (*version.Version, error) {
	var (
		v                           version.Version
		kind, number, state, change string
		contentJSON, stampsJSON     string
		createdAt, updatedAt        int64
	)
	err := row.Scan(
		&v.ID, &v.Key.TenantID, &v.Key.Code, &kind, &number, &state,
		&contentJSON, &v.Checksum, &change, &v.ChangeDescription,
		&v.ParentVersionID, &v.SupersedesVersionID, &v.SupersededByVersionID,
		&v.Created.ActorID, &createdAt, &stampsJSON, &updatedAt, &v.Revision,
	)
	if err != nil {
		return nil, err
	}

	if v.Kind, err = version.ParseKind(kind); err != nil {
		return nil, fmt.Errorf("version %s: %w", v.ID, err)
	}
	if v.Number, err = version.ParseNumber(number); err != nil {
		return nil, fmt.Errorf("version %s: %w", v.ID, err)
	}
	if v.State, err = version.ParseState(state); err != nil {
		return nil, fmt.Errorf("version %s: %w", v.ID, err)
	}
	if v.ChangeType, err = version.ParseChangeType(change); err != nil {
		return nil, fmt.Errorf("version %s: %w", v.ID, err)
	}

	dec := json.NewDecoder(strings.NewReader(contentJSON))
	dec.UseNumber()
	if err := dec.Decode(&v.Content); err != nil {
		return nil, fmt.Errorf("decode content of version %s: %w", v.ID, err)
	}
	var st stamps
	if err := json.Unmarshal([]byte(stampsJSON), &st); err != nil {
		return nil, fmt.Errorf("decode stamps of version %s: %w", v.ID, err)
	}
	v.Processed, v.Submitted, v.Approved = st.Processed, st.Submitted, st.Approved
	v.Published, v.Archived, v.Rejection = st.Published, st.Archived, st.Rejection

	v.Created.At = fromNanos(createdAt)
	v.UpdatedAt = fromNanos(updatedAt)
	return &v, nil
}

func encodeStamps(v *version.Version) (string, error) {
	data, err := json.Marshal(stamps{
		Processed: v.Processed,
		Submitted: v.Submitted,
		Approved:  v.Approved,
		Published: v.Published,
		Archived:  v.Archived,
		Rejection: v.Rejection,
	})
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func toNanos(t time.Time) int64 { return t.UTC().UnixNano() }

func fromNanos(n int64) time.Time { return time.Unix(0, n).UTC() }

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// one loads a single verified version; nil, nil when no row matches.
func (s *Store) one(ctx context.Context, q queryer, where string, args ...any) (*version.Version, error) {
	row := q.QueryRowContext(ctx, s.dialect.rebind("SELECT "+versionColumns+" FROM versions WHERE "+where), args...)
	v, err := scanVersion(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return chainstore.Verified(v)
}

func (s *Store) many(ctx context.Context, q queryer, where string, args ...any) ([]*version.Version, error) {
	rows, err := q.QueryContext(ctx, s.dialect.rebind("SELECT "+versionColumns+" FROM versions WHERE "+where), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*version.Version
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, err
		}
		if _, err := chainstore.Verified(v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// FindByID implements chainstore.Reader.
func (s *Store) FindByID(ctx context.Context, id string) (*version.Version, error) {
	v, err := s.one(ctx, s.db, "id = ?", id)
	if err != nil {
		return nil, fmt.Errorf("find version %s: %w", id, err)
	}
	if v == nil {
		return nil, chainstore.NotFound(id)
	}
	return v, nil
}

// FindByNumber implements chainstore.Reader.
func (s *Store) FindByNumber(ctx context.Context, key version.ChainKey, n version.Number) (*version.Version, error) {
	v, err := s.one(ctx, s.db, "tenant_id = ? AND chain_code = ? AND version_number = ?", key.TenantID, key.Code, n.String())
	if err != nil {
		return nil, fmt.Errorf("find %s@%s: %w", key, n, err)
	}
	if v == nil {
		return nil, &version.NotFoundError{What: "version number", ID: key.String() + "@" + n.String()}
	}
	return v, nil
}

// FindCurrent implements chainstore.Reader.
func (s *Store) FindCurrent(ctx context.Context, key version.ChainKey) (*version.Version, error) {
	v, err := s.one(ctx, s.db, "tenant_id = ? AND chain_code = ? AND is_current = 1", key.TenantID, key.Code)
	if err != nil {
		return nil, fmt.Errorf("find current of %s: %w", key, err)
	}
	return v, nil
}

// FindHistory implements chainstore.Reader.
func (s *Store) FindHistory(ctx context.Context, key version.ChainKey) ([]*version.Version, error) {
	start := time.Now()
	history, err := s.many(ctx, s.db, "tenant_id = ? AND chain_code = ? ORDER BY version_order ASC", key.TenantID, key.Code)
	s.log.StoreLogger("find_history").LogDbOperation(time.Since(start), len(history), err)
	if err != nil {
		return nil, fmt.Errorf("find history of %s: %w", key, err)
	}
	return history, nil
}

const auditColumns = `id, tenant_id, entity_kind, entity_id, chain_code, action, previous_state, new_state,
	actor_id, actor_role, occurred_at, reason, superseded_version_id`

func scanAudit(row rowScanner) (audit.Record, error) {
	var (
		rec                      audit.Record
		kind, prev, next, action string
		occurredAt               int64
	)
	err := row.Scan(&rec.ID, &rec.TenantID, &kind, &rec.EntityID, &rec.ChainCode, &action, &prev, &next,
		&rec.ActorID, &rec.ActorRole, &occurredAt, &rec.Reason, &rec.SupersededVersionID)
	if err != nil {
		return rec, err
	}
	rec.Action = audit.Action(action)
	rec.Timestamp = fromNanos(occurredAt)
	if rec.EntityKind, err = version.ParseKind(kind); err != nil {
		return rec, err
	}
	if prev != "" {
		if rec.PreviousState, err = version.ParseState(prev); err != nil {
			return rec, err
		}
	}
	if rec.NewState, err = version.ParseState(next); err != nil {
		return rec, err
	}
	return rec, nil
}

func (s *Store) audits(ctx context.Context, query string, args ...any) ([]audit.Record, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []audit.Record
	for rows.Next() {
		rec, err := scanAudit(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// AuditTrail implements chainstore.Reader.
func (s *Store) AuditTrail(ctx context.Context, entityID string) ([]audit.Record, error) {
	out, err := s.audits(ctx,
		"SELECT "+auditColumns+" FROM audit_log WHERE entity_id = ? ORDER BY occurred_at ASC, seq ASC", entityID)
	if err != nil {
		return nil, fmt.Errorf("audit trail of %s: %w", entityID, err)
	}
	return out, nil
}

// PendingAudit implements audit.Outbox.
func (s *Store) PendingAudit(ctx context.Context, limit int) ([]audit.Record, error) {
	if limit <= 0 {
		limit = audit.DefaultRelayBatch
	}
	out, err := s.audits(ctx,
		`SELECT a.id, a.tenant_id, a.entity_kind, a.entity_id, a.chain_code, a.action, a.previous_state, a.new_state,
		        a.actor_id, a.actor_role, a.occurred_at, a.reason, a.superseded_version_id
		   FROM audit_outbox o
		   JOIN audit_log a ON a.id = o.audit_id
		  WHERE o.delivered_at IS NULL
		  ORDER BY a.occurred_at ASC, a.seq ASC
		  LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("load audit outbox: %w", err)
	}
	return out, nil
}

// MarkAuditDelivered implements audit.Outbox.
func (s *Store) MarkAuditDelivered(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(ids)), ", ")
	args := make([]any, 0, len(ids)+1)
	args = append(args, toNanos(time.Now()))
	for _, id := range ids {
		args = append(args, id)
	}
	_, err := s.db.ExecContext(ctx,
		s.dialect.rebind("UPDATE audit_outbox SET delivered_at = ? WHERE audit_id IN ("+placeholders+")"), args...)
	if err != nil {
		return fmt.Errorf("mark audit delivered: %w", err)
	}
	return nil
}

// Update implements chainstore.Store.
func (s *Store) Update(ctx context.Context, key version.ChainKey, fn func(chainstore.Tx) error) (err error) {
	if err := key.Validate(); err != nil {
		return err
	}
	start := time.Now()
	defer func() { s.log.StoreLogger("update").LogDbOperation(time.Since(start), 1, err) }()

	if s.locks != nil {
		unlock, lockErr := s.locks.Lock(ctx, key.String())
		if lockErr != nil {
			return fmt.Errorf("acquire lock for chain %s: %w", key, lockErr)
		}
		defer unlock()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction for chain %s: %w", key, err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	if err := s.dialect.lockChain(ctx, tx, key); err != nil {
		return fmt.Errorf("lock chain %s: %w", key, err)
	}
	if err := fn(&sqlTx{s: s, tx: tx, key: key}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit chain %s: %w", key, err)
	}
	committed = true
	return nil
}

// sqlTx implements chainstore.Tx on one database transaction.
type sqlTx struct {
	s   *Store
	tx  *sql.Tx
	key version.ChainKey
}

func (t *sqlTx) FindByID(ctx context.Context, id string) (*version.Version, error) {
	v, err := t.s.one(ctx, t.tx, "id = ?", id)
	if err != nil {
		return nil, fmt.Errorf("find version %s: %w", id, err)
	}
	if v == nil {
		return nil, chainstore.NotFound(id)
	}
	return v, nil
}

func (t *sqlTx) FindCurrent(ctx context.Context) (*version.Version, error) {
	return t.s.one(ctx, t.tx, "tenant_id = ? AND chain_code = ? AND is_current = 1", t.key.TenantID, t.key.Code)
}

func (t *sqlTx) FindLatest(ctx context.Context) (*version.Version, error) {
	return t.s.one(ctx, t.tx,
		"tenant_id = ? AND chain_code = ? ORDER BY version_order DESC LIMIT 1", t.key.TenantID, t.key.Code)
}

func (t *sqlTx) conflict(err error, v *version.Version) error {
	if index, ok := t.s.dialect.uniqueIndex(err); ok {
		return &version.ConflictError{Key: t.key, Reason: conflictReason(index, v)}
	}
	return err
}

func (t *sqlTx) Append(ctx context.Context, v *version.Version) error {
	if v.Key != t.key {
		return fmt.Errorf("append %s to %s: %w", v.ID, t.key, chainstore.ErrChainMismatch)
	}
	content, err := json.Marshal(v.Content)
	if err != nil {
		return fmt.Errorf("encode content of %s: %w", v.ID, err)
	}
	st, err := encodeStamps(v)
	if err != nil {
		return fmt.Errorf("encode stamps of %s: %w", v.ID, err)
	}

	_, err = t.tx.ExecContext(ctx, t.s.dialect.rebind(`INSERT INTO versions (
		   id, tenant_id, chain_code, entity_kind, version_number, version_order, lifecycle_state, is_current,
		   content_json, checksum, change_type, change_description,
		   parent_version_id, supersedes_version_id, superseded_by_version_id,
		   created_by, created_at, stamps_json, updated_at, revision
		 ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1)`),
		v.ID, v.Key.TenantID, v.Key.Code, v.Kind.String(), v.Number.String(), v.Number.Order(),
		v.State.String(), boolInt(v.State.IsCurrent()),
		string(content), v.Checksum, v.ChangeType.String(), v.ChangeDescription,
		v.ParentVersionID, v.SupersedesVersionID, v.SupersededByVersionID,
		v.Created.ActorID, toNanos(v.Created.At), st, toNanos(v.UpdatedAt),
	)
	if err != nil {
		return t.conflict(err, v)
	}
	v.Revision = 1
	return nil
}

// Save writes the mutable lifecycle columns. Content and checksum are
// immutable once appended and are never rewritten.
func (t *sqlTx) Save(ctx context.Context, v *version.Version, expectedRevision int64) error {
	st, err := encodeStamps(v)
	if err != nil {
		return fmt.Errorf("encode stamps of %s: %w", v.ID, err)
	}
	res, err := t.tx.ExecContext(ctx, t.s.dialect.rebind(`UPDATE versions
		    SET lifecycle_state = ?, is_current = ?, superseded_by_version_id = ?, supersedes_version_id = ?,
		        stamps_json = ?, updated_at = ?, revision = ?
		  WHERE id = ? AND tenant_id = ? AND chain_code = ? AND revision = ?`),
		v.State.String(), boolInt(v.State.IsCurrent()), v.SupersededByVersionID, v.SupersedesVersionID,
		st, toNanos(v.UpdatedAt), expectedRevision+1,
		v.ID, t.key.TenantID, t.key.Code, expectedRevision,
	)
	if err != nil {
		return t.conflict(err, v)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return t.missedUpdate(ctx, v.ID, expectedRevision)
	}
	v.Revision = expectedRevision + 1
	return nil
}

// missedUpdate explains why a guarded UPDATE touched no rows.
func (t *sqlTx) missedUpdate(ctx context.Context, id string, expectedRevision int64) error {
	var (
		tenant, code string
		revision     int64
	)
	err := t.tx.QueryRowContext(ctx,
		t.s.dialect.rebind("SELECT tenant_id, chain_code, revision FROM versions WHERE id = ?"), id,
	).Scan(&tenant, &code, &revision)
	if errors.Is(err, sql.ErrNoRows) {
		return chainstore.NotFound(id)
	}
	if err != nil {
		return err
	}
	if tenant != t.key.TenantID || code != t.key.Code {
		return fmt.Errorf("save %s in %s: %w", id, t.key, chainstore.ErrChainMismatch)
	}
	return &version.ConflictError{
		Key:    t.key,
		Reason: fmt.Sprintf("version %s is at revision %d, expected %d", id, revision, expectedRevision),
	}
}

func (t *sqlTx) MarkSuperseded(ctx context.Context, id, byID string, at version.Stamp) error {
	res, err := t.tx.ExecContext(ctx, t.s.dialect.rebind(`UPDATE versions
		    SET lifecycle_state = ?, is_current = 0, superseded_by_version_id = ?, updated_at = ?, revision = revision + 1
		  WHERE id = ? AND tenant_id = ? AND chain_code = ?`),
		version.StateSuperseded.String(), byID, toNanos(at.At), id, t.key.TenantID, t.key.Code,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return chainstore.NotFound(id)
	}
	return nil
}

func (t *sqlTx) RecordAudit(ctx context.Context, rec audit.Record) error {
	prev := ""
	if rec.PreviousState != version.StateUnknown {
		prev = rec.PreviousState.String()
	}
	_, err := t.tx.ExecContext(ctx, t.s.dialect.rebind(`INSERT INTO audit_log (
		   id, tenant_id, entity_kind, entity_id, chain_code, action, previous_state, new_state,
		   actor_id, actor_role, occurred_at, reason, superseded_version_id
		 ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		rec.ID, rec.TenantID, rec.EntityKind.String(), rec.EntityID, rec.ChainCode, string(rec.Action), prev,
		rec.NewState.String(), rec.ActorID, rec.ActorRole, toNanos(rec.Timestamp), rec.Reason, rec.SupersededVersionID,
	)
	if err != nil {
		return fmt.Errorf("insert audit record %s: %w", rec.ID, err)
	}
	if _, err := t.tx.ExecContext(ctx, t.s.dialect.rebind("INSERT INTO audit_outbox (audit_id) VALUES (?)"), rec.ID); err != nil {
		return fmt.Errorf("queue audit record %s: %w", rec.ID, err)
	}
	return nil
}
