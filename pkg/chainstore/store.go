// ABOUTME: Version chain store contract shared by the in-memory and SQL implementations
// ABOUTME: Reads never lock; writes run as one transaction under the chain lock

package chainstore

import (
	"context"
	"errors"

	"github.com/nainya/govlifecycle/pkg/audit"
	"github.com/nainya/govlifecycle/pkg/checksum"
	"github.com/nainya/govlifecycle/pkg/version"
)

// Reader serves committed state only. Every version returned has had its
// checksum verified; a mismatch is reported as *version.IntegrityError.
type Reader interface {
	FindByID(ctx context.Context, id string) (*version.Version, error)
	FindByNumber(ctx context.Context, key version.ChainKey, n version.Number) (*version.Version, error)
	// FindCurrent returns nil, nil when the chain has no current version.
	FindCurrent(ctx context.Context, key version.ChainKey) (*version.Version, error)
	// FindHistory returns the chain ordered by version number, oldest first.
	FindHistory(ctx context.Context, key version.ChainKey) ([]*version.Version, error)
	// AuditTrail returns the audit records of one version ordered by time.
	AuditTrail(ctx context.Context, entityID string) ([]audit.Record, error)
}

// Tx is a write transaction scoped to one chain. Nothing written through it
// is visible to readers until Update returns nil.
type Tx interface {
	FindByID(ctx context.Context, id string) (*version.Version, error)
	FindCurrent(ctx context.Context) (*version.Version, error)
	// FindLatest returns the highest-numbered version, or nil for an empty chain.
	FindLatest(ctx context.Context) (*version.Version, error)

	// Append inserts a new version with revision 1. A duplicate number or a
	// second current version fails with *version.ConflictError.
	Append(ctx context.Context, v *version.Version) error
	// Save overwrites a version if its stored revision still equals
	// expectedRevision, then sets v.Revision to expectedRevision+1.
	Save(ctx context.Context, v *version.Version, expectedRevision int64) error
	// MarkSuperseded demotes the version id in favor of byID.
	MarkSuperseded(ctx context.Context, id, byID string, at version.Stamp) error
	// RecordAudit stores the record in the same transaction and queues it
	// in the outbox.
	RecordAudit(ctx context.Context, rec audit.Record) error
}

// Store is a durable version chain store.
type Store interface {
	Reader
	audit.Outbox

	// Update runs fn in one transaction while holding the lock of key.
	// Any error from fn, or a cancelled ctx, rolls everything back.
	Update(ctx context.Context, key version.ChainKey, fn func(Tx) error) error
	Close() error
}

// ErrChainMismatch is returned when a transaction touches a version of
// another chain.
var ErrChainMismatch = errors.New("version belongs to another chain")

// Verified checks v's checksum before it leaves a store.
func Verified(v *version.Version) (*version.Version, error) {
	if err := checksum.Verify(v); err != nil {
		return nil, err
	}
	return v, nil
}

// NotFound builds the error stores return for unknown version ids.
func NotFound(id string) error {
	return &version.NotFoundError{What: "version", ID: id}
}
