package lifecycle

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"

	"github.com/nainya/govlifecycle/pkg/audit"
	"github.com/nainya/govlifecycle/pkg/chainstore"
	"github.com/nainya/govlifecycle/pkg/checksum"
	"github.com/nainya/govlifecycle/pkg/statemachine"
	"github.com/nainya/govlifecycle/pkg/version"
)

// CreateRequest starts a new chain.
type CreateRequest struct {
	Key         version.ChainKey
	Kind        version.EntityKind
	Content     version.Content
	Description string
	Actor       version.Actor
}

// Create appends the head of a new chain in the kind's initial state.
// Creating a chain that already has versions fails with *version.ConflictError.
func (e *Engine) Create(ctx context.Context, req CreateRequest) (_ *version.Version, err error) {
	ctx, span := e.startSpan(ctx, "lifecycle.Create",
		attribute.String("lifecycle.kind", req.Kind.String()),
		attribute.String("lifecycle.chain", req.Key.String()),
	)
	defer func() { e.finish(span, req.Kind, err) }()

	if err := validateActor(req.Actor); err != nil {
		return nil, err
	}
	if err := req.Key.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	g, err := statemachine.For(req.Kind)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	sum, err := checksum.Compute(req.Content)
	if err != nil {
		return nil, err
	}

	var out *version.Version
	err = e.update(ctx, req.Key, func(tx chainstore.Tx) error {
		latest, err := tx.FindLatest(ctx)
		if err != nil {
			return err
		}
		if latest != nil {
			return &version.ConflictError{Key: req.Key, Reason: "chain already exists"}
		}

		stamp := version.Stamp{ActorID: req.Actor.ID, At: e.now()}
		v := &version.Version{
			ID:                e.newID(),
			Key:               req.Key,
			Kind:              req.Kind,
			Number:            version.Initial(req.Kind.Numbering()),
			State:             g.Initial,
			Content:           req.Content,
			Checksum:          sum,
			ChangeType:        version.ChangeInitial,
			ChangeDescription: req.Description,
			Created:           stamp,
			UpdatedAt:         stamp.At,
		}
		if err := tx.Append(ctx, v); err != nil {
			return err
		}
		if err := tx.RecordAudit(ctx, e.creationRecord(v, audit.ActionCreate, req.Actor)); err != nil {
			return fmt.Errorf("record audit: %w", err)
		}
		out = v
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.metrics.RecordVersionCreated(req.Kind.String(), "create")
	e.log.EngineLogger("create").Info("Chain created").
		Str("kind", out.Kind.String()).
		Str("chain", out.Key.String()).
		Str("version_id", out.ID).
		Str("number", out.Number.String()).
		Send()
	return out, nil
}

// CreateVersionRequest derives a new version from ParentVersionID.
type CreateVersionRequest struct {
	ParentVersionID string
	Content         version.Content
	// Change defaults to MINOR. Ordinal chains record it but always advance by one.
	Change      version.ChangeType
	Description string
	Actor       version.Actor
}

// CreateVersion appends an edited version to the parent's chain. Content
// identical to the parent's returns the parent unchanged and writes nothing.
func (e *Engine) CreateVersion(ctx context.Context, req CreateVersionRequest) (_ *version.Version, err error) {
	ctx, span := e.startSpan(ctx, "lifecycle.CreateVersion",
		attribute.String("lifecycle.parent_id", req.ParentVersionID),
	)
	kind := version.KindUnknown
	defer func() { e.finish(span, kind, err) }()

	if err := validateActor(req.Actor); err != nil {
		return nil, err
	}
	parent, err := e.store.FindByID(ctx, req.ParentVersionID)
	if err != nil {
		return nil, err
	}
	kind = parent.Kind
	span.SetAttributes(attribute.String("lifecycle.kind", kind.String()))

	sum, err := checksum.Compute(req.Content)
	if err != nil {
		return nil, err
	}
	if sum == parent.Checksum {
		span.SetAttributes(attribute.Bool("lifecycle.noop", true))
		e.metrics.RecordNoopEdit(kind.String())
		return parent, nil
	}

	g, err := statemachine.For(kind)
	if err != nil {
		return nil, err
	}
	change := req.Change
	if change == version.ChangeInitial {
		change = version.ChangeMinor
	}

	var out *version.Version
	err = e.update(ctx, parent.Key, func(tx chainstore.Tx) error {
		latest, err := tx.FindLatest(ctx)
		if err != nil {
			return err
		}
		if latest == nil {
			return &version.NotFoundError{What: "chain", ID: parent.Key.String()}
		}
		number, err := version.Next(latest.Number, change)
		if err != nil {
			return err
		}

		stamp := version.Stamp{ActorID: req.Actor.ID, At: e.now()}
		v := &version.Version{
			ID:                e.newID(),
			Key:               parent.Key,
			Kind:              kind,
			Number:            number,
			State:             g.Edit,
			Content:           req.Content,
			Checksum:          sum,
			ChangeType:        change,
			ChangeDescription: req.Description,
			ParentVersionID:   parent.ID,
			Created:           stamp,
			UpdatedAt:         stamp.At,
		}
		if err := tx.Append(ctx, v); err != nil {
			return err
		}
		if err := tx.RecordAudit(ctx, e.creationRecord(v, audit.ActionNewVersion, req.Actor)); err != nil {
			return fmt.Errorf("record audit: %w", err)
		}
		out = v
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.metrics.RecordVersionCreated(kind.String(), "edit")
	e.log.EngineLogger("create_version").Info("Version created").
		Str("kind", out.Kind.String()).
		Str("chain", out.Key.String()).
		Str("version_id", out.ID).
		Str("parent_id", parent.ID).
		Str("number", out.Number.String()).
		Str("change_type", change.String()).
		Send()
	return out, nil
}

func (e *Engine) creationRecord(v *version.Version, action audit.Action, actor version.Actor) audit.Record {
	return audit.Record{
		ID:         e.newID(),
		TenantID:   v.Key.TenantID,
		EntityKind: v.Kind,
		EntityID:   v.ID,
		ChainCode:  v.Key.Code,
		Action:     action,
		NewState:   v.State,
		ActorID:    actor.ID,
		ActorRole:  actor.Role,
		Timestamp:  v.Created.At,
	}
}
