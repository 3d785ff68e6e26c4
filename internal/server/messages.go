package server

import (
	"github.com/nainya/govlifecycle/pkg/audit"
	"github.com/nainya/govlifecycle/pkg/compare"
	"github.com/nainya/govlifecycle/pkg/lifecycle"
	"github.com/nainya/govlifecycle/pkg/version"
)

// ========== Requests ==========

// CreateRequest starts a chain. An empty tenant in Key defaults to the
// caller's tenant.
type CreateRequest struct {
	Key         version.ChainKey   `json:"chainKey"`
	Kind        version.EntityKind `json:"kind"`
	Content     version.Content    `json:"content"`
	Description string             `json:"changeDescription,omitempty"`
}

type TransitionRequest struct {
	VersionID        string        `json:"versionId"`
	Target           version.State `json:"targetState"`
	Reason           string        `json:"reason,omitempty"`
	ExpectedRevision int64         `json:"expectedRevision,omitempty"`
}

type CreateVersionRequest struct {
	ParentVersionID string             `json:"parentVersionId"`
	Content         version.Content    `json:"content"`
	ChangeType      version.ChangeType `json:"changeType"`
	Description     string             `json:"changeDescription,omitempty"`
}

// GetVersionRequest looks a version up by id, or by chain and number
// when VersionID is empty.
type GetVersionRequest struct {
	VersionID string           `json:"versionId,omitempty"`
	Key       version.ChainKey `json:"chainKey,omitempty"`
	Number    string           `json:"versionNumber,omitempty"`
}

// ChainRequest addresses a whole chain.
type ChainRequest struct {
	Key version.ChainKey `json:"chainKey"`
}

type CompareRequest struct {
	FromVersionID string `json:"fromVersionId"`
	ToVersionID   string `json:"toVersionId"`
}

type AuditTrailRequest struct {
	VersionID string `json:"versionId"`
}

// ========== Responses ==========

type VersionResponse struct {
	Version *version.Version `json:"version"`
}

type HistoryResponse struct {
	Versions []*version.Version `json:"versions"`
}

type CompareResponse struct {
	Comparison *compare.Comparison `json:"comparison"`
}

type TimelineResponse struct {
	Entries []compare.TimelineEntry `json:"entries"`
}

type StatsResponse struct {
	Stats *lifecycle.Stats `json:"stats"`
}

type AuditTrailResponse struct {
	Records []audit.Record `json:"records"`
}
