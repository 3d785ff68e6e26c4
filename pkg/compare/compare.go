// ABOUTME: Read-only comparison of two versions of one chain and chain timelines
// ABOUTME: Produces line diffs, unified diff hunks and field-level change sets

package compare

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/nainya/govlifecycle/internal/logger"
	"github.com/nainya/govlifecycle/pkg/chainstore"
	"github.com/nainya/govlifecycle/pkg/version"
)

const (
	tracerName          = "github.com/nainya/govlifecycle/pkg/compare"
	DefaultContextLines = 3
)

// VersionRef identifies one side of a comparison.
type VersionRef struct {
	ID       string         `json:"id"`
	Number   version.Number `json:"versionNumber"`
	State    version.State  `json:"lifecycleState"`
	Checksum string         `json:"checksum"`
}

// Stats counts differences. A changed line or field exists on both sides.
type Stats struct {
	LinesAdded    int `json:"linesAdded"`
	LinesRemoved  int `json:"linesRemoved"`
	LinesChanged  int `json:"linesChanged"`
	FieldsAdded   int `json:"fieldsAdded"`
	FieldsRemoved int `json:"fieldsRemoved"`
	FieldsChanged int `json:"fieldsChanged"`
}

// Comparison is the difference from one version to another.
type Comparison struct {
	Key  version.ChainKey `json:"chainKey"`
	From VersionRef       `json:"from"`
	To   VersionRef       `json:"to"`

	// Identical is true when both checksums match; every diff is then empty.
	Identical     bool `json:"identical"`
	FormatChanged bool `json:"formatChanged"`
	BlobChanged   bool `json:"blobChanged"`

	Stats           Stats         `json:"stats"`
	Operations      []LineOp      `json:"operations,omitempty"`
	Unified         string        `json:"unifiedDiff,omitempty"`
	Hunks           []Hunk        `json:"hunks,omitempty"`
	ChangedSections []string      `json:"changedSections,omitempty"`
	Fields          []FieldChange `json:"fieldChanges,omitempty"`
}

// Comparator reads committed versions and never mutates them.
type Comparator struct {
	reader       chainstore.Reader
	log          *logger.Logger
	tracer       trace.Tracer
	contextLines int
}

type Option func(*Comparator)

func WithLogger(l *logger.Logger) Option {
	return func(c *Comparator) {
		if l != nil {
			c.log = l
		}
	}
}

func WithTracer(t trace.Tracer) Option {
	return func(c *Comparator) {
		if t != nil {
			c.tracer = t
		}
	}
}

// WithContextLines sets the unchanged lines shown around each hunk.
func WithContextLines(n int) Option {
	return func(c *Comparator) {
		if n >= 0 {
			c.contextLines = n
		}
	}
}

func New(reader chainstore.Reader, opts ...Option) *Comparator {
	c := &Comparator{
		reader:       reader,
		log:          logger.Nop(),
		tracer:       otel.Tracer(tracerName),
		contextLines: DefaultContextLines,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Compare diffs the content of idA (old side) against idB (new side).
// Versions of different chains fail with *version.CrossChainComparisonError.
func (c *Comparator) Compare(ctx context.Context, idA, idB string) (_ *Comparison, err error) {
	ctx, span := c.tracer.Start(ctx, "compare.Compare", trace.WithAttributes(
		attribute.String("compare.from", idA),
		attribute.String("compare.to", idB),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()
	started := time.Now()

	a, err := c.reader.FindByID(ctx, idA)
	if err != nil {
		return nil, err
	}
	b, err := c.reader.FindByID(ctx, idB)
	if err != nil {
		return nil, err
	}
	if a.Key != b.Key {
		return nil, &version.CrossChainComparisonError{A: a.Key, B: b.Key}
	}

	cmp := &Comparison{
		Key:           a.Key,
		From:          refOf(a),
		To:            refOf(b),
		Identical:     a.Checksum == b.Checksum,
		FormatChanged: a.Content.Format != b.Content.Format,
		BlobChanged:   !sameBlob(a.Content.Blob, b.Content.Blob),
	}
	if !cmp.Identical {
		td, err := diffText(a.Content.Text, b.Content.Text, a.Number.String(), b.Number.String(), c.contextLines)
		if err != nil {
			return nil, err
		}
		cmp.Operations = td.ops
		cmp.Unified = td.unified
		cmp.Hunks = td.hunks
		cmp.ChangedSections = td.sections
		cmp.Stats.LinesAdded = td.added
		cmp.Stats.LinesRemoved = td.removed
		cmp.Stats.LinesChanged = td.changed

		cmp.Fields = diffFields(a.Content.Fields, b.Content.Fields)
		for _, f := range cmp.Fields {
			switch f.Change {
			case FieldAdded:
				cmp.Stats.FieldsAdded++
			case FieldRemoved:
				cmp.Stats.FieldsRemoved++
			case FieldChanged:
				cmp.Stats.FieldsChanged++
			}
		}
	}

	span.SetAttributes(
		attribute.Bool("compare.identical", cmp.Identical),
		attribute.Int("compare.hunks", len(cmp.Hunks)),
	)
	c.log.Debug("Versions compared").
		Str("chain", a.Key.String()).
		Str("from", a.ID).
		Str("to", b.ID).
		Int("hunks", len(cmp.Hunks)).
		Int("field_changes", len(cmp.Fields)).
		Dur("duration", time.Since(started)).
		Send()
	return cmp, nil
}

func refOf(v *version.Version) VersionRef {
	return VersionRef{ID: v.ID, Number: v.Number, State: v.State, Checksum: v.Checksum}
}

func sameBlob(a, b *version.BlobRef) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
