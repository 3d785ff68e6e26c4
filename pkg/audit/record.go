// ABOUTME: Audit record written alongside every lifecycle mutation
// ABOUTME: Defines the sink and outbox contracts used to deliver records downstream

package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nainya/govlifecycle/pkg/version"
)

// Action names what happened to a version.
type Action string

const (
	ActionCreate       Action = "CREATE"
	ActionNewVersion   Action = "CREATE_VERSION"
	ActionProcess      Action = "PROCESS"
	ActionMoveToDraft  Action = "MOVE_TO_DRAFT"
	ActionSubmit       Action = "SUBMIT"
	ActionApprove      Action = "APPROVE"
	ActionReject       Action = "REJECT"
	ActionActivate     Action = "ACTIVATE"
	ActionArchive      Action = "ARCHIVE"
	ActionUnclassified Action = "TRANSITION"
)

// ActionFor names a transition by its target state. Rejections are
// distinguished by the caller since DRAFT is reachable both ways.
func ActionFor(target version.State, rejected bool) Action {
	if rejected {
		return ActionReject
	}
	switch target {
	case version.StateProcessed:
		return ActionProcess
	case version.StateDraft:
		return ActionMoveToDraft
	case version.StateUnderReview, version.StatePendingApproval:
		return ActionSubmit
	case version.StateApproved:
		return ActionApprove
	case version.StateActiveFinal, version.StatePublished:
		return ActionActivate
	case version.StateArchived:
		return ActionArchive
	}
	return ActionUnclassified
}

// Record is one immutable audit entry. PreviousState is StateUnknown for
// records that create a version.
type Record struct {
	ID                  string             `json:"id"`
	TenantID            string             `json:"tenantId"`
	EntityKind          version.EntityKind `json:"entityKind"`
	EntityID            string             `json:"entityId"`
	ChainCode           string             `json:"chainCode"`
	Action              Action             `json:"action"`
	PreviousState       version.State      `json:"-"`
	NewState            version.State      `json:"newState"`
	ActorID             string             `json:"actorId"`
	ActorRole           string             `json:"actorRole,omitempty"`
	Timestamp           time.Time          `json:"timestamp"`
	Reason              string             `json:"reason,omitempty"`
	SupersededVersionID string             `json:"supersededVersionId,omitempty"`
}

// MarshalJSON omits previousState for creation records.
func (r Record) MarshalJSON() ([]byte, error) {
	type plain Record
	out := struct {
		plain
		PreviousState *version.State `json:"previousState,omitempty"`
	}{plain: plain(r)}
	if r.PreviousState != version.StateUnknown {
		prev := r.PreviousState
		out.PreviousState = &prev
	}
	return json.Marshal(out)
}

func (r *Record) UnmarshalJSON(data []byte) error {
	type plain Record
	var in struct {
		plain
		PreviousState *version.State `json:"previousState,omitempty"`
	}
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	*r = Record(in.plain)
	if in.PreviousState != nil {
		r.PreviousState = *in.PreviousState
	}
	return nil
}

// Sink receives audit records outside the store transaction.
type Sink interface {
	Record(ctx context.Context, rec Record) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, rec Record) error

func (f SinkFunc) Record(ctx context.Context, rec Record) error { return f(ctx, rec) }

// Outbox exposes audit records committed with their version write that
// have not yet been handed to a Sink.
type Outbox interface {
	// PendingAudit returns up to limit undelivered records, oldest first.
	PendingAudit(ctx context.Context, limit int) ([]Record, error)
	MarkAuditDelivered(ctx context.Context, ids ...string) error
}
