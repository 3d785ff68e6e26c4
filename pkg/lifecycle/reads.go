package lifecycle

import (
	"context"
	"time"

	"github.com/nainya/govlifecycle/pkg/audit"
	"github.com/nainya/govlifecycle/pkg/version"
)

// Get returns a committed version by id.
func (e *Engine) Get(ctx context.Context, id string) (*version.Version, error) {
	return e.store.FindByID(ctx, id)
}

func (e *Engine) GetByNumber(ctx context.Context, key version.ChainKey, n version.Number) (*version.Version, error) {
	return e.store.FindByNumber(ctx, key, n)
}

// Current returns the live version of a chain, or *version.NotFoundError
// when no version of the chain is current.
func (e *Engine) Current(ctx context.Context, key version.ChainKey) (*version.Version, error) {
	v, err := e.store.FindCurrent(ctx, key)
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, &version.NotFoundError{What: "current version", ID: key.String()}
	}
	return v, nil
}

// History returns the chain oldest first. An unknown chain is not found.
func (e *Engine) History(ctx context.Context, key version.ChainKey) ([]*version.Version, error) {
	history, err := e.store.FindHistory(ctx, key)
	if err != nil {
		return nil, err
	}
	if len(history) == 0 {
		return nil, &version.NotFoundError{What: "chain", ID: key.String()}
	}
	return history, nil
}

// AuditTrail returns the audit records of one version ordered by time.
func (e *Engine) AuditTrail(ctx context.Context, versionID string) ([]audit.Record, error) {
	return e.store.AuditTrail(ctx, versionID)
}

// Stats summarizes a chain.
type Stats struct {
	Key          version.ChainKey      `json:"chainKey"`
	Total        int                   `json:"totalVersions"`
	ByState      map[version.State]int `json:"byState"`
	Latest       version.Number        `json:"latestVersion"`
	Current      *version.Number       `json:"currentVersion,omitempty"`
	FirstCreated time.Time             `json:"firstCreated"`
	LastModified time.Time             `json:"lastModified"`
}

func (e *Engine) Stats(ctx context.Context, key version.ChainKey) (*Stats, error) {
	history, err := e.History(ctx, key)
	if err != nil {
		return nil, err
	}

	st := &Stats{
		Key:          key,
		Total:        len(history),
		ByState:      make(map[version.State]int),
		FirstCreated: history[0].Created.At,
	}
	for _, v := range history {
		st.ByState[v.State]++
		if st.Latest.IsZero() || st.Latest.Less(v.Number) {
			st.Latest = v.Number
		}
		if v.State.IsCurrent() {
			n := v.Number
			st.Current = &n
		}
		if v.Created.At.Before(st.FirstCreated) {
			st.FirstCreated = v.Created.At
		}
		if v.UpdatedAt.After(st.LastModified) {
			st.LastModified = v.UpdatedAt
		}
	}
	return st, nil
}
