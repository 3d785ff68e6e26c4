// ABOUTME: Versioned entity data model shared by the store, engine and comparator
// ABOUTME: Defines entity kinds, lifecycle states, content payloads and version rows

package version

import (
	"fmt"
	"reflect"
	"strings"
	"time"
)

// EntityKind distinguishes the governed artifact families.
type EntityKind uint8

const (
	KindUnknown EntityKind = iota
	KindDocument
	KindPolicy
	KindPlan
)

var kindNames = map[EntityKind]string{
	KindDocument: "DOCUMENT",
	KindPolicy:   "POLICY",
	KindPlan:     "PLAN",
}

func (k EntityKind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "UNKNOWN"
}

// Numbering returns the version numbering scheme used by chains of this kind.
func (k EntityKind) Numbering() Numbering {
	if k == KindDocument {
		return Ordinal
	}
	return Semantic
}

// ParseKind parses a kind name, case-insensitively.
func ParseKind(s string) (EntityKind, error) {
	upper := strings.ToUpper(strings.TrimSpace(s))
	for k, name := range kindNames {
		if name == upper {
			return k, nil
		}
	}
	return KindUnknown, fmt.Errorf("unknown entity kind %q", s)
}

func (k EntityKind) MarshalText() ([]byte, error) {
	if k == KindUnknown {
		return nil, fmt.Errorf("cannot marshal unknown entity kind")
	}
	return []byte(k.String()), nil
}

func (k *EntityKind) UnmarshalText(b []byte) error {
	parsed, err := ParseKind(string(b))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// State is a position in a lifecycle graph. Which states are reachable for a
// given kind is decided by the state machine, not by this type.
type State uint8

const (
	StateUnknown State = iota
	StateRaw
	StateProcessed
	StateDraft
	StateUnderReview
	StatePendingApproval
	StateApproved
	StateActiveFinal
	StatePublished
	StateSuperseded
	StateArchived
)

var stateNames = map[State]string{
	StateRaw:             "RAW",
	StateProcessed:       "PROCESSED",
	StateDraft:           "DRAFT",
	StateUnderReview:     "UNDER_REVIEW",
	StatePendingApproval: "PENDING_APPROVAL",
	StateApproved:        "APPROVED",
	StateActiveFinal:     "ACTIVE_FINAL",
	StatePublished:       "PUBLISHED",
	StateSuperseded:      "SUPERSEDED",
	StateArchived:        "ARCHIVED",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "UNKNOWN"
}

// IsCurrent reports whether the state marks the live version of a chain.
func (s State) IsCurrent() bool {
	return s == StateActiveFinal || s == StatePublished
}

// AllStates lists every known state in declaration order.
func AllStates() []State {
	return []State{
		StateRaw, StateProcessed, StateDraft, StateUnderReview, StatePendingApproval,
		StateApproved, StateActiveFinal, StatePublished, StateSuperseded, StateArchived,
	}
}

// ParseState parses a state name, case-insensitively.
func ParseState(s string) (State, error) {
	upper := strings.ToUpper(strings.TrimSpace(s))
	for st, name := range stateNames {
		if name == upper {
			return st, nil
		}
	}
	return StateUnknown, fmt.Errorf("unknown lifecycle state %q", s)
}

func (s State) MarshalText() ([]byte, error) {
	if s == StateUnknown {
		return nil, fmt.Errorf("cannot marshal unknown state")
	}
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(b []byte) error {
	parsed, err := ParseState(string(b))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// ChainKey identifies one logical governed artifact within a tenant.
type ChainKey struct {
	TenantID string `json:"tenantId"`
	Code     string `json:"code"` // document code, policy name or plan code
}

func (k ChainKey) String() string {
	return k.TenantID + "/" + k.Code
}

// Validate checks that both parts of the key are present.
func (k ChainKey) Validate() error {
	if strings.TrimSpace(k.TenantID) == "" {
		return fmt.Errorf("chain key: tenant id is required")
	}
	if strings.TrimSpace(k.Code) == "" {
		return fmt.Errorf("chain key: code is required")
	}
	return nil
}

// Format describes how Content.Text is encoded.
type Format string

const (
	FormatMarkdown  Format = "markdown"
	FormatJSON      Format = "json"
	FormatHTML      Format = "html"
	FormatPlainText Format = "plain_text"
)

// BlobRef points at a binary payload held by the external blob store.
// The engine never sees the bytes.
type BlobRef struct {
	URI       string `json:"uri"`
	FileName  string `json:"fileName,omitempty"`
	MediaType string `json:"mediaType,omitempty"`
	Size      int64  `json:"size"`
	Checksum  string `json:"checksum"`
}

// Content is the governed payload of a version.
type Content struct {
	Format Format         `json:"format,omitempty"`
	Text   string         `json:"text,omitempty"`
	Fields map[string]any `json:"fields,omitempty"`
	Blob   *BlobRef       `json:"blob,omitempty"`
}

// IsEmpty reports whether the content carries no payload at all.
func (c Content) IsEmpty() bool {
	return c.Text == "" && len(c.Fields) == 0 && c.Blob == nil
}

// Actor is the caller identity attached by the external actor resolver.
// It is carried opaquely; nothing here authenticates it.
type Actor struct {
	ID       string `json:"actorId"`
	TenantID string `json:"tenantId,omitempty"`
	Role     string `json:"role,omitempty"`
}

// Stamp records who performed an action and when.
type Stamp struct {
	ActorID string    `json:"actorId"`
	At      time.Time `json:"at"`
}

// RejectionReason is a non-empty explanation attached to a REJECT. The zero
// value means "no reason" and is refused by the state machine.
type RejectionReason struct {
	text string
}

// NewRejectionReason trims text and refuses blank reasons.
func NewRejectionReason(text string) (RejectionReason, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return RejectionReason{}, fmt.Errorf("rejection reason must not be empty")
	}
	return RejectionReason{text: trimmed}, nil
}

// MustRejectionReason is NewRejectionReason for literals known to be valid.
func MustRejectionReason(text string) RejectionReason {
	r, err := NewRejectionReason(text)
	if err != nil {
		panic(err)
	}
	return r
}

func (r RejectionReason) String() string { return r.text }

// IsZero reports whether no reason was given.
func (r RejectionReason) IsZero() bool { return r.text == "" }

func (r RejectionReason) MarshalText() ([]byte, error) { return []byte(r.text), nil }

func (r *RejectionReason) UnmarshalText(b []byte) error {
	if len(strings.TrimSpace(string(b))) == 0 {
		*r = RejectionReason{}
		return nil
	}
	parsed, err := NewRejectionReason(string(b))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// Rejection is present on a version only while its last transition was a REJECT.
type Rejection struct {
	Reason RejectionReason `json:"reason"`
	Stamp
}

// Version is one immutable-content snapshot of a chain plus its lifecycle position.
type Version struct {
	ID                string     `json:"id"`
	Key               ChainKey   `json:"chainKey"`
	Kind              EntityKind `json:"kind"`
	Number            Number     `json:"versionNumber"`
	State             State      `json:"lifecycleState"`
	Content           Content    `json:"content"`
	Checksum          string     `json:"checksum"`
	ChangeType        ChangeType `json:"changeType"`
	ChangeDescription string     `json:"changeDescription,omitempty"`

	ParentVersionID       string `json:"parentVersionId,omitempty"`
	SupersedesVersionID   string `json:"supersedesVersionId,omitempty"`
	SupersededByVersionID string `json:"supersededByVersionId,omitempty"`

	Created   Stamp      `json:"created"`
	Processed *Stamp     `json:"processed,omitempty"`
	Submitted *Stamp     `json:"submitted,omitempty"`
	Approved  *Stamp     `json:"approved,omitempty"`
	Published *Stamp     `json:"published,omitempty"`
	Archived  *Stamp     `json:"archived,omitempty"`
	Rejection *Rejection `json:"rejection,omitempty"`

	// Revision increments on every committed mutation of the row.
	Revision  int64     `json:"revision"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Clone returns a deep copy so callers can mutate without touching shared state.
func (v *Version) Clone() *Version {
	if v == nil {
		return nil
	}
	out := *v
	out.Content = cloneContent(v.Content)
	out.Processed = cloneStamp(v.Processed)
	out.Submitted = cloneStamp(v.Submitted)
	out.Approved = cloneStamp(v.Approved)
	out.Published = cloneStamp(v.Published)
	out.Archived = cloneStamp(v.Archived)
	if v.Rejection != nil {
		r := *v.Rejection
		out.Rejection = &r
	}
	return &out
}

// LastAction returns the most recent stamp recorded on the version.
func (v *Version) LastAction() Stamp {
	latest := v.Created
	for _, s := range []*Stamp{v.Processed, v.Submitted, v.Approved, v.Published, v.Archived} {
		if s != nil && s.At.After(latest.At) {
			latest = *s
		}
	}
	if v.Rejection != nil && v.Rejection.At.After(latest.At) {
		latest = v.Rejection.Stamp
	}
	return latest
}

func cloneStamp(s *Stamp) *Stamp {
	if s == nil {
		return nil
	}
	c := *s
	return &c
}

func cloneContent(c Content) Content {
	out := c
	if c.Fields != nil {
		out.Fields = cloneValue(c.Fields).(map[string]any)
	}
	if c.Blob != nil {
		b := *c.Blob
		out.Blob = &b
	}
	return out
}

// cloneValue copies nested maps and slices so no container is shared with v.
func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, e := range t {
			m[k] = cloneValue(e)
		}
		return m
	case []any:
		l := make([]any, len(t))
		for i, e := range t {
			l[i] = cloneValue(e)
		}
		return l
	case nil:
		return nil
	}
	return cloneReflect(reflect.ValueOf(v)).Interface()
}

// cloneReflect handles typed containers such as map[string]int or []string.
func cloneReflect(rv reflect.Value) reflect.Value {
	switch rv.Kind() {
	case reflect.Map:
		if rv.IsNil() {
			return rv
		}
		m := reflect.MakeMapWithSize(rv.Type(), rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			m.SetMapIndex(iter.Key(), cloneReflect(iter.Value()))
		}
		return m
	case reflect.Slice:
		if rv.IsNil() {
			return rv
		}
		l := reflect.MakeSlice(rv.Type(), rv.Len(), rv.Len())
		for i := 0; i < rv.Len(); i++ {
			l.Index(i).Set(cloneReflect(rv.Index(i)))
		}
		return l
	case reflect.Interface:
		if rv.IsNil() {
			return rv
		}
		c := reflect.New(rv.Type()).Elem()
		c.Set(cloneReflect(rv.Elem()))
		return c
	}
	return rv
}
