// ABOUTME: Version numbering for chains: ordinal for documents, semantic for policies and plans
// ABOUTME: Computes the next number from the chain's highest number and a change type

package version

import (
	"fmt"
	"strconv"
	"strings"
)

// Numbering selects how version numbers are rendered and bumped.
type Numbering uint8

const (
	Ordinal Numbering = iota + 1
	Semantic
)

// ChangeType records the magnitude of a change between a version and its parent.
type ChangeType uint8

const (
	ChangeInitial ChangeType = iota
	ChangeMajor
	ChangeMinor
	ChangePatch
)

var changeNames = map[ChangeType]string{
	ChangeInitial: "INITIAL",
	ChangeMajor:   "MAJOR",
	ChangeMinor:   "MINOR",
	ChangePatch:   "PATCH",
}

func (c ChangeType) String() string {
	if name, ok := changeNames[c]; ok {
		return name
	}
	return "UNKNOWN"
}

// ParseChangeType parses a change type name, case-insensitively.
func ParseChangeType(s string) (ChangeType, error) {
	upper := strings.ToUpper(strings.TrimSpace(s))
	for c, name := range changeNames {
		if name == upper {
			return c, nil
		}
	}
	return ChangeInitial, fmt.Errorf("unknown change type %q", s)
}

func (c ChangeType) MarshalText() ([]byte, error) { return []byte(c.String()), nil }

func (c *ChangeType) UnmarshalText(b []byte) error {
	parsed, err := ParseChangeType(string(b))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// Number is a version number within a chain. Ordinal numbers only use Major.
type Number struct {
	Scheme Numbering
	Major  uint32
	Minor  uint32
	Patch  uint32
}

// Initial returns the first number of a chain using the given scheme.
func Initial(scheme Numbering) Number {
	if scheme == Semantic {
		return Number{Scheme: Semantic, Major: 1}
	}
	return Number{Scheme: Ordinal, Major: 1}
}

func (n Number) String() string {
	if n.Scheme == Semantic {
		return fmt.Sprintf("%d.%d.%d", n.Major, n.Minor, n.Patch)
	}
	return strconv.FormatUint(uint64(n.Major), 10)
}

// IsZero reports whether the number was never assigned.
func (n Number) IsZero() bool {
	return n.Scheme == 0
}

// Component limits keep Order unique and non-negative: Major fills the top
// 23 bits below the sign, Minor and Patch 20 bits each.
const (
	MaxMajor = 1<<23 - 1
	MaxMinor = 1<<20 - 1
	MaxPatch = 1<<20 - 1
)

// Validate reports a component beyond the representable range.
func (n Number) Validate() error {
	switch {
	case n.Major > MaxMajor:
		return &NumberRangeError{Number: n, Component: "major", Max: MaxMajor}
	case n.Minor > MaxMinor:
		return &NumberRangeError{Number: n, Component: "minor", Max: MaxMinor}
	case n.Patch > MaxPatch:
		return &NumberRangeError{Number: n, Component: "patch", Max: MaxPatch}
	}
	return nil
}

// Order returns an integer that sorts valid numbers of one scheme in version order.
func (n Number) Order() int64 {
	return int64(n.Major)<<40 | int64(n.Minor)<<20 | int64(n.Patch)
}

// Less reports whether n sorts before other.
func (n Number) Less(other Number) bool {
	if n.Major != other.Major {
		return n.Major < other.Major
	}
	if n.Minor != other.Minor {
		return n.Minor < other.Minor
	}
	return n.Patch < other.Patch
}

// Next computes the number following latest for the given change type.
// Ordinal numbers always advance by one regardless of the change type.
func Next(latest Number, change ChangeType) (Number, error) {
	var next Number
	switch {
	case latest.Scheme != Semantic:
		next = Number{Scheme: Ordinal, Major: latest.Major + 1}
	case change == ChangeMajor:
		next = Number{Scheme: Semantic, Major: latest.Major + 1}
	case change == ChangePatch:
		next = Number{Scheme: Semantic, Major: latest.Major, Minor: latest.Minor, Patch: latest.Patch + 1}
	default:
		next = Number{Scheme: Semantic, Major: latest.Major, Minor: latest.Minor + 1}
	}
	if err := next.Validate(); err != nil {
		return Number{}, err
	}
	return next, nil
}

// ParseNumber parses "7" as an ordinal and "1.2.3" (or "1.2") as semantic.
func ParseNumber(s string) (Number, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Number{}, fmt.Errorf("empty version number")
	}
	parts := strings.Split(s, ".")
	if len(parts) > 3 {
		return Number{}, fmt.Errorf("invalid version number %q", s)
	}
	vals := make([]uint32, 3)
	for i, p := range parts {
		u, err := strconv.ParseUint(p, 10, 32)
		if err != nil {
			return Number{}, fmt.Errorf("invalid version number %q: %w", s, err)
		}
		vals[i] = uint32(u)
	}
	n := Number{Scheme: Semantic, Major: vals[0], Minor: vals[1], Patch: vals[2]}
	if len(parts) == 1 {
		n = Number{Scheme: Ordinal, Major: vals[0]}
	}
	if err := n.Validate(); err != nil {
		return Number{}, err
	}
	return n, nil
}

func (n Number) MarshalText() ([]byte, error) {
	if n.IsZero() {
		return nil, fmt.Errorf("cannot marshal unassigned version number")
	}
	return []byte(n.String()), nil
}

func (n *Number) UnmarshalText(b []byte) error {
	parsed, err := ParseNumber(string(b))
	if err != nil {
		return err
	}
	*n = parsed
	return nil
}
