package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/nainya/govlifecycle/pkg/audit"
	"github.com/nainya/govlifecycle/pkg/chainstore"
	"github.com/nainya/govlifecycle/pkg/statemachine"
	"github.com/nainya/govlifecycle/pkg/version"
)

// ErrInvalidRequest marks requests refused before any storage access.
var ErrInvalidRequest = errors.New("invalid request")

func validateActor(a version.Actor) error {
	if a.ID == "" {
		return fmt.Errorf("%w: actor id is required", ErrInvalidRequest)
	}
	return nil
}

// TransitionRequest moves one version to Target.
type TransitionRequest struct {
	VersionID string
	Target    version.State
	Actor     version.Actor
	// Reason is required when Target is reached by a rejection.
	Reason version.RejectionReason
	// ExpectedRevision, when positive, must equal the stored revision.
	ExpectedRevision int64
	// Reject restricts the move to a rejection edge of the kind's graph.
	Reject bool
}

// Transition validates the move against the kind's graph and applies it,
// together with any supersession and the audit record, in one atomic write.
func (e *Engine) Transition(ctx context.Context, req TransitionRequest) (*version.Version, error) {
	started := time.Now()
	ctx, span := e.startSpan(ctx, "lifecycle.Transition",
		attribute.String("lifecycle.version_id", req.VersionID),
		attribute.String("lifecycle.target", req.Target.String()),
	)

	pre, out, err := e.transition(ctx, span, req)

	kind, from := version.KindUnknown, version.StateUnknown
	if pre != nil {
		kind, from = pre.Kind, pre.State
	}
	e.finish(span, kind, err)
	elapsed := time.Since(started)
	e.metrics.RecordTransition(kind.String(), req.Target.String(), status(err), elapsed)
	e.log.EngineLogger("transition").LogTransition(kind.String(), req.VersionID, from.String(), req.Target.String(), elapsed, err)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (e *Engine) transition(ctx context.Context, span trace.Span, req TransitionRequest) (*version.Version, *version.Version, error) {
	if err := validateActor(req.Actor); err != nil {
		return nil, nil, err
	}

	pre, err := e.store.FindByID(ctx, req.VersionID)
	if err != nil {
		return nil, nil, err
	}
	span.SetAttributes(
		attribute.String("lifecycle.kind", pre.Kind.String()),
		attribute.String("lifecycle.from", pre.State.String()),
	)

	g, err := statemachine.For(pre.Kind)
	if err != nil {
		return pre, nil, err
	}
	edge, err := g.Check(pre, req.Target, req.Reason)
	if err != nil {
		return pre, nil, err
	}
	if req.Reject && edge != statemachine.EdgeReject {
		return pre, nil, &version.IllegalTransitionError{
			Kind:   pre.Kind,
			From:   pre.State,
			To:     req.Target,
			Reason: fmt.Sprintf("%s versions cannot be rejected", pre.State),
		}
	}
	if req.ExpectedRevision > 0 && req.ExpectedRevision != pre.Revision {
		return pre, nil, &version.ConflictError{
			Key:    pre.Key,
			Reason: fmt.Sprintf("version %s is at revision %d, expected %d", pre.ID, pre.Revision, req.ExpectedRevision),
		}
	}

	// The current slot observed before locking; it must be unchanged once
	// the lock is held or another activation won the race.
	var observedCurrent string
	if edge == statemachine.EdgeActivate {
		cur, err := e.store.FindCurrent(ctx, pre.Key)
		if err != nil {
			return pre, nil, err
		}
		if cur != nil {
			observedCurrent = cur.ID
		}
	}

	var out *version.Version
	err = e.update(ctx, pre.Key, func(tx chainstore.Tx) error {
		v, err := tx.FindByID(ctx, pre.ID)
		if err != nil {
			return err
		}
		if v.Revision != pre.Revision {
			return &version.ConflictError{
				Key:    v.Key,
				Reason: fmt.Sprintf("version %s was modified concurrently", v.ID),
			}
		}

		stamp := version.Stamp{ActorID: req.Actor.ID, At: e.now()}
		rec := audit.Record{
			ID:            e.newID(),
			TenantID:      v.Key.TenantID,
			EntityKind:    v.Kind,
			EntityID:      v.ID,
			ChainCode:     v.Key.Code,
			Action:        audit.ActionFor(req.Target, edge == statemachine.EdgeReject),
			PreviousState: v.State,
			NewState:      req.Target,
			ActorID:       req.Actor.ID,
			ActorRole:     req.Actor.Role,
			Timestamp:     stamp.At,
		}
		if edge == statemachine.EdgeReject {
			rec.Reason = req.Reason.String()
		}

		for _, fx := range g.ComputeSideEffects(v, req.Target) {
			switch fx.Op {
			case statemachine.OpSupersedeCurrent:
				cur, err := tx.FindCurrent(ctx)
				if err != nil {
					return err
				}
				var curID string
				if cur != nil {
					curID = cur.ID
				}
				if curID != observedCurrent {
					return &version.ConflictError{
						Key:    v.Key,
						Reason: "current version changed concurrently",
					}
				}
				if cur != nil && cur.ID != v.ID {
					if err := tx.MarkSuperseded(ctx, cur.ID, v.ID, stamp); err != nil {
						return fmt.Errorf("supersede %s: %w", cur.ID, err)
					}
					v.SupersedesVersionID = cur.ID
					rec.SupersededVersionID = cur.ID
				}
			case statemachine.OpSetState:
				v.State = fx.State
			case statemachine.OpStamp:
				applyStamp(v, fx.Stamp, stamp)
			case statemachine.OpRecordRejection:
				v.Rejection = &version.Rejection{Reason: req.Reason, Stamp: stamp}
			case statemachine.OpClearRejection:
				v.Rejection = nil
			}
		}
		v.UpdatedAt = stamp.At

		if err := tx.Save(ctx, v, pre.Revision); err != nil {
			return err
		}
		if err := tx.RecordAudit(ctx, rec); err != nil {
			return fmt.Errorf("record audit: %w", err)
		}
		out = v
		return nil
	})
	if err != nil {
		return pre, nil, err
	}
	return pre, out, nil
}

func applyStamp(v *version.Version, field statemachine.StampField, s version.Stamp) {
	stamp := s
	switch field {
	case statemachine.StampProcessed:
		v.Processed = &stamp
	case statemachine.StampSubmitted:
		v.Submitted = &stamp
	case statemachine.StampApproved:
		v.Approved = &stamp
	case statemachine.StampPublished:
		v.Published = &stamp
	case statemachine.StampArchived:
		v.Archived = &stamp
	}
}

func (e *Engine) moveTo(ctx context.Context, id string, actor version.Actor, target version.State) (*version.Version, error) {
	return e.Transition(ctx, TransitionRequest{VersionID: id, Target: target, Actor: actor})
}

// Process moves a RAW document to PROCESSED.
func (e *Engine) Process(ctx context.Context, id string, actor version.Actor) (*version.Version, error) {
	return e.moveTo(ctx, id, actor, version.StateProcessed)
}

func (e *Engine) MoveToDraft(ctx context.Context, id string, actor version.Actor) (*version.Version, error) {
	return e.moveTo(ctx, id, actor, version.StateDraft)
}

func (e *Engine) SubmitForReview(ctx context.Context, id string, actor version.Actor) (*version.Version, error) {
	return e.moveTo(ctx, id, actor, version.StateUnderReview)
}

// SubmitForApproval moves a reviewed policy or plan to PENDING_APPROVAL.
func (e *Engine) SubmitForApproval(ctx context.Context, id string, actor version.Actor) (*version.Version, error) {
	return e.moveTo(ctx, id, actor, version.StatePendingApproval)
}

func (e *Engine) Approve(ctx context.Context, id string, actor version.Actor) (*version.Version, error) {
	return e.moveTo(ctx, id, actor, version.StateApproved)
}

// Publish makes an approved version the chain's current one: ACTIVE_FINAL
// for documents, PUBLISHED for policies and plans.
func (e *Engine) Publish(ctx context.Context, id string, actor version.Actor) (*version.Version, error) {
	v, err := e.store.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	g, err := statemachine.For(v.Kind)
	if err != nil {
		return nil, err
	}
	return e.moveTo(ctx, id, actor, g.Current)
}

// Reject sends a version under review back to DRAFT. A blank reason is
// refused as an illegal transition.
func (e *Engine) Reject(ctx context.Context, id string, actor version.Actor, reason string) (*version.Version, error) {
	r, _ := version.NewRejectionReason(reason)
	return e.Transition(ctx, TransitionRequest{
		VersionID: id,
		Target:    version.StateDraft,
		Actor:     actor,
		Reason:    r,
		Reject:    true,
	})
}

func (e *Engine) Archive(ctx context.Context, id string, actor version.Actor) (*version.Version, error) {
	return e.moveTo(ctx, id, actor, version.StateArchived)
}
