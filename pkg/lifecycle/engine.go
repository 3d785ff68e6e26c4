// Package lifecycle orchestrates versioned entity lifecycles: it validates
// transitions against the state machine and writes the version rows and
// the audit record as one atomic unit through a chainstore.Store.
package lifecycle

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/nainya/govlifecycle/internal/logger"
	"github.com/nainya/govlifecycle/internal/metrics"
	"github.com/nainya/govlifecycle/pkg/chainstore"
	"github.com/nainya/govlifecycle/pkg/version"
)

const tracerName = "github.com/nainya/govlifecycle/pkg/lifecycle"

// Engine is safe for concurrent use.
type Engine struct {
	store        chainstore.Store
	log          *logger.Logger
	metrics      *metrics.Metrics
	tracer       trace.Tracer
	now          func() time.Time
	newID        func() string
	storeTimeout time.Duration

	// beforeLock runs between the unlocked pre-read and the chain lock.
	beforeLock func()
}

// Option configures an Engine.
type Option func(*Engine)

func WithLogger(l *logger.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

// WithMetrics records engine metrics; nil disables them.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

func WithTracer(t trace.Tracer) Option {
	return func(e *Engine) {
		if t != nil {
			e.tracer = t
		}
	}
}

// WithClock replaces time.Now for stamps and audit timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithIDGenerator replaces the UUID generator for version and audit ids.
func WithIDGenerator(gen func() string) Option {
	return func(e *Engine) {
		if gen != nil {
			e.newID = gen
		}
	}
}

// WithStoreTimeout bounds every atomic write. A timeout rolls the write back.
func WithStoreTimeout(d time.Duration) Option {
	return func(e *Engine) { e.storeTimeout = d }
}

// New creates an engine over store.
func New(store chainstore.Store, opts ...Option) *Engine {
	e := &Engine{
		store:  store,
		log:    logger.Nop(),
		tracer: otel.Tracer(tracerName),
		now:    func() time.Time { return time.Now().UTC() },
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// update runs fn under the chain lock with the configured store timeout.
func (e *Engine) update(ctx context.Context, key version.ChainKey, fn func(chainstore.Tx) error) error {
	if e.beforeLock != nil {
		e.beforeLock()
	}
	if e.storeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.storeTimeout)
		defer cancel()
	}
	return e.store.Update(ctx, key, fn)
}

func (e *Engine) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return e.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// finish records err on the span and feeds the error metrics and logs.
func (e *Engine) finish(span trace.Span, kind version.EntityKind, err error) {
	defer span.End()
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())

	var ie *version.IntegrityError
	switch {
	case errors.As(err, &ie):
		e.metrics.RecordIntegrityError()
		e.log.EngineLogger("integrity_check").LogIntegrityViolation(ie.VersionID, ie.Stored, ie.Computed)
	case errors.Is(err, version.ErrConflict):
		e.metrics.RecordConflict(kind.String())
	}
}

// status maps an error to a metric label.
func status(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, version.ErrIllegalTransition):
		return "illegal"
	case errors.Is(err, version.ErrConflict):
		return "conflict"
	case errors.Is(err, version.ErrIntegrity):
		return "integrity"
	case errors.Is(err, version.ErrNotFound):
		return "not_found"
	}
	return "error"
}
