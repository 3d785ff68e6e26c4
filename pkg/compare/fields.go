package compare

import (
	"bytes"
	"encoding/json"
	"sort"
)

// FieldChangeKind classifies a structured field difference.
type FieldChangeKind string

const (
	FieldAdded   FieldChangeKind = "added"
	FieldRemoved FieldChangeKind = "removed"
	FieldChanged FieldChangeKind = "changed"
)

// FieldChange is one leaf difference. Nested objects are walked and
// reported with dotted paths; arrays are compared as whole values.
type FieldChange struct {
	Path   string          `json:"path"`
	Change FieldChangeKind `json:"change"`
	Old    any             `json:"old,omitempty"`
	New    any             `json:"new,omitempty"`
}

func diffFields(from, to map[string]any) []FieldChange {
	var out []FieldChange
	walkFields("", from, to, &out)
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

func walkFields(prefix string, from, to map[string]any, out *[]FieldChange) {
	for k, old := range from {
		path := joinPath(prefix, k)
		nv, ok := to[k]
		if !ok {
			*out = append(*out, FieldChange{Path: path, Change: FieldRemoved, Old: old})
			continue
		}
		oldMap, oldIsMap := old.(map[string]any)
		newMap, newIsMap := nv.(map[string]any)
		if oldIsMap && newIsMap {
			walkFields(path, oldMap, newMap, out)
			continue
		}
		if !sameValue(old, nv) {
			*out = append(*out, FieldChange{Path: path, Change: FieldChanged, Old: old, New: nv})
		}
	}
	for k, nv := range to {
		if _, ok := from[k]; !ok {
			*out = append(*out, FieldChange{Path: joinPath(prefix, k), Change: FieldAdded, New: nv})
		}
	}
}

func joinPath(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "." + key
}

// sameValue compares by JSON encoding so 7, 7.0 and json.Number("7") agree.
func sameValue(a, b any) bool {
	ea, errA := json.Marshal(a)
	eb, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return bytes.Equal(ea, eb)
}
