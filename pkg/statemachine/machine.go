// ABOUTME: Pure lifecycle decision logic parameterized by entity kind
// ABOUTME: Explicit adjacency tables, guards and chain-wide side effects per transition

package statemachine

import (
	"fmt"

	"github.com/nainya/govlifecycle/pkg/version"
)

// EdgeKind classifies why an edge exists; guards and side effects key off it.
type EdgeKind uint8

const (
	EdgeNone EdgeKind = iota
	EdgeAdvance
	EdgeReject
	EdgeActivate
	EdgeArchive
	// EdgeSupersede exists only as a side effect of another version activating.
	EdgeSupersede
)

func (k EdgeKind) String() string {
	switch k {
	case EdgeAdvance:
		return "advance"
	case EdgeReject:
		return "reject"
	case EdgeActivate:
		return "activate"
	case EdgeArchive:
		return "archive"
	case EdgeSupersede:
		return "supersede"
	}
	return "none"
}

// Graph is the state set and edge table of one entity kind.
type Graph struct {
	Kind    version.EntityKind
	Initial version.State // state of a brand-new chain head
	Edit    version.State // state of a version created by an edit
	Current version.State // the live state; at most one per chain
	States  []version.State
	edges   map[version.State]map[version.State]EdgeKind
}

func newGraph(kind version.EntityKind, initial, edit, current version.State, pipeline []version.State, rejectFrom []version.State) *Graph {
	g := &Graph{
		Kind:    kind,
		Initial: initial,
		Edit:    edit,
		Current: current,
		edges:   make(map[version.State]map[version.State]EdgeKind),
	}
	add := func(from, to version.State, k EdgeKind) {
		if g.edges[from] == nil {
			g.edges[from] = make(map[version.State]EdgeKind)
		}
		g.edges[from][to] = k
	}

	for i := 0; i+1 < len(pipeline); i++ {
		kind := EdgeAdvance
		if pipeline[i+1] == current {
			kind = EdgeActivate
		}
		add(pipeline[i], pipeline[i+1], kind)
	}
	for _, from := range rejectFrom {
		add(from, edit, EdgeReject)
	}
	add(current, version.StateSuperseded, EdgeSupersede)

	g.States = append(append([]version.State{}, pipeline...), version.StateSuperseded, version.StateArchived)
	for _, s := range g.States {
		if s != version.StateArchived {
			add(s, version.StateArchived, EdgeArchive)
		}
	}
	return g
}

var (
	documentGraph = newGraph(
		version.KindDocument,
		version.StateRaw, version.StateDraft, version.StateActiveFinal,
		[]version.State{
			version.StateRaw, version.StateProcessed, version.StateDraft,
			version.StateUnderReview, version.StateApproved, version.StateActiveFinal,
		},
		[]version.State{version.StateUnderReview},
	)

	// Policies and plans share one graph.
	publicationGraph = func(kind version.EntityKind) *Graph {
		return newGraph(
			kind,
			version.StateDraft, version.StateDraft, version.StatePublished,
			[]version.State{
				version.StateDraft, version.StateUnderReview, version.StatePendingApproval,
				version.StateApproved, version.StatePublished,
			},
			[]version.State{version.StateUnderReview, version.StatePendingApproval},
		)
	}

	graphs = map[version.EntityKind]*Graph{
		version.KindDocument: documentGraph,
		version.KindPolicy:   publicationGraph(version.KindPolicy),
		version.KindPlan:     publicationGraph(version.KindPlan),
	}
)

// For returns the graph of a kind.
func For(kind version.EntityKind) (*Graph, error) {
	g, ok := graphs[kind]
	if !ok {
		return nil, fmt.Errorf("no lifecycle graph for kind %s", kind)
	}
	return g, nil
}

// Has reports whether s belongs to the kind's state set.
func (g *Graph) Has(s version.State) bool {
	for _, st := range g.States {
		if st == s {
			return true
		}
	}
	return false
}

// Edge returns the kind of the from -> to edge, or EdgeNone.
func (g *Graph) Edge(from, to version.State) EdgeKind {
	return g.edges[from][to]
}

// Targets lists the states a caller may request from s, in state order.
func (g *Graph) Targets(from version.State) []version.State {
	var out []version.State
	for _, s := range g.States {
		if k := g.edges[from][s]; k != EdgeNone && k != EdgeSupersede {
			out = append(out, s)
		}
	}
	return out
}

// Decision is the outcome of CanTransition.
type Decision struct {
	Allowed bool
	Edge    EdgeKind
	Reason  string
}

// CanTransition decides whether a caller may move a version from -> to.
// It is a pure function of the states, the kind's graph and the reason.
func (g *Graph) CanTransition(from, to version.State, reason version.RejectionReason) Decision {
	deny := func(format string, args ...any) Decision {
		return Decision{Reason: fmt.Sprintf(format, args...)}
	}

	switch {
	case !g.Has(from):
		return deny("%s is not a %s state", from, g.Kind)
	case !g.Has(to):
		return deny("%s is not a %s state", to, g.Kind)
	case from == version.StateArchived:
		return deny("archived versions are terminal")
	case from == to:
		return deny("version is already %s", to)
	}

	edge := g.edges[from][to]
	switch edge {
	case EdgeNone:
		if to == g.Current {
			return deny("only %s versions can become %s", version.StateApproved, g.Current)
		}
		return deny("no edge from %s to %s", from, to)
	case EdgeSupersede:
		return deny("%s is only reached when another version becomes %s", version.StateSuperseded, g.Current)
	case EdgeReject:
		if reason.IsZero() {
			return deny("rejection requires a reason")
		}
	case EdgeActivate:
		if from != version.StateApproved {
			return deny("only %s versions can become %s", version.StateApproved, g.Current)
		}
	}
	return Decision{Allowed: true, Edge: edge}
}

// Check is CanTransition on a version, returned as an error when denied.
func (g *Graph) Check(v *version.Version, to version.State, reason version.RejectionReason) (EdgeKind, error) {
	d := g.CanTransition(v.State, to, reason)
	if !d.Allowed {
		return EdgeNone, &version.IllegalTransitionError{Kind: g.Kind, From: v.State, To: to, Reason: d.Reason}
	}
	return d.Edge, nil
}

// Op is a store operation a transition requires.
type Op uint8

const (
	// OpSupersedeCurrent demotes the chain's current version, if any and if it
	// is not the version being transitioned.
	OpSupersedeCurrent Op = iota + 1
	OpSetState
	OpStamp
	OpRecordRejection
	OpClearRejection
)

// StampField names which per-action stamp a transition sets.
type StampField uint8

const (
	StampNone StampField = iota
	StampProcessed
	StampSubmitted
	StampApproved
	StampPublished
	StampArchived
)

// SideEffect is one required operation, applied in list order.
type SideEffect struct {
	Op    Op
	State version.State
	Stamp StampField
}

// ComputeSideEffects lists what must happen, besides the audit record, when v
// moves to target. Callers must have checked CanTransition first.
func (g *Graph) ComputeSideEffects(v *version.Version, target version.State) []SideEffect {
	edge := g.edges[v.State][target]
	var effects []SideEffect

	if edge == EdgeActivate {
		effects = append(effects, SideEffect{Op: OpSupersedeCurrent})
	}
	effects = append(effects, SideEffect{Op: OpSetState, State: target})

	switch edge {
	case EdgeReject:
		effects = append(effects, SideEffect{Op: OpRecordRejection})
	case EdgeArchive:
		effects = append(effects, SideEffect{Op: OpStamp, Stamp: StampArchived})
	case EdgeActivate:
		effects = append(effects, SideEffect{Op: OpStamp, Stamp: StampPublished})
	case EdgeAdvance:
		if f := stampFor(target); f != StampNone {
			effects = append(effects, SideEffect{Op: OpStamp, Stamp: f})
		}
		if v.Rejection != nil && v.State == g.Edit {
			effects = append(effects, SideEffect{Op: OpClearRejection})
		}
	}
	return effects
}

func stampFor(target version.State) StampField {
	switch target {
	case version.StateProcessed:
		return StampProcessed
	case version.StateUnderReview, version.StatePendingApproval:
		return StampSubmitted
	case version.StateApproved:
		return StampApproved
	}
	return StampNone
}
