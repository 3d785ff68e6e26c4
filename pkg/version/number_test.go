// ABOUTME: Tests for version numbering
// ABOUTME: Verifies parsing, ordering and bumps for both numbering schemes

package version

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
)

func TestNextSemantic(t *testing.T) {
	latest := Number{Scheme: Semantic, Major: 1, Minor: 2, Patch: 3}

	cases := []struct {
		change ChangeType
		want   string
	}{
		{ChangeMajor, "2.0.0"},
		{ChangeMinor, "1.3.0"},
		{ChangePatch, "1.2.4"},
	}

	for _, tc := range cases {
		got, err := Next(latest, tc.change)
		if err != nil {
			t.Fatalf("Next(%s, %s): %v", latest, tc.change, err)
		}
		if got.String() != tc.want {
			t.Errorf("Next(%s, %s) = %s, want %s", latest, tc.change, got, tc.want)
		}
		if !latest.Less(got) {
			t.Errorf("Expected %s < %s", latest, got)
		}
	}
}

func TestNextOrdinalIgnoresChangeType(t *testing.T) {
	latest := Initial(Ordinal)
	for _, change := range []ChangeType{ChangeMajor, ChangeMinor, ChangePatch} {
		got, err := Next(latest, change)
		if err != nil {
			t.Fatalf("Next(1, %s): %v", change, err)
		}
		if got.String() != "2" {
			t.Errorf("Next(1, %s) = %s, want 2", change, got)
		}
	}
}

func TestParseNumber(t *testing.T) {
	n, err := ParseNumber("7")
	if err != nil {
		t.Fatalf("Failed to parse ordinal: %v", err)
	}
	if n.Scheme != Ordinal || n.Major != 7 {
		t.Errorf("Expected ordinal 7, got %+v", n)
	}

	n, err = ParseNumber("2.1")
	if err != nil {
		t.Fatalf("Failed to parse short semantic: %v", err)
	}
	if n.String() != "2.1.0" {
		t.Errorf("Expected 2.1.0, got %s", n)
	}

	for _, bad := range []string{"", "a.b.c", "1.2.3.4", "-1"} {
		if _, err := ParseNumber(bad); err == nil {
			t.Errorf("Expected error parsing %q", bad)
		}
	}
}

func TestNumberOrderAcrossComponents(t *testing.T) {
	a := Number{Scheme: Semantic, Major: 1, Minor: 99, Patch: 99}
	b := Number{Scheme: Semantic, Major: 2}
	if !a.Less(b) {
		t.Errorf("Expected %s < %s", a, b)
	}
}

func TestNumberComponentsAreBounded(t *testing.T) {
	// Past 20 bits a minor would spill into the major's bits of Order.
	for _, bad := range []string{"1.1048576.0", "1.0.1048576", "8388608.0.0", "8388608", "4294967295.0.0"} {
		_, err := ParseNumber(bad)
		if !errors.Is(err, ErrNumberRange) {
			t.Errorf("ParseNumber(%q) = %v, want ErrNumberRange", bad, err)
		}
	}

	top, err := ParseNumber("8388607.1048575.1048575")
	if err != nil {
		t.Fatalf("Failed to parse largest number: %v", err)
	}
	if top.Order() <= 0 {
		t.Errorf("Expected positive order for %s, got %d", top, top.Order())
	}

	if _, err := Next(Number{Scheme: Semantic, Major: 1, Minor: MaxMinor}, ChangeMinor); !errors.Is(err, ErrNumberRange) {
		t.Errorf("Expected ErrNumberRange bumping minor past its limit, got %v", err)
	}
	if _, err := Next(Number{Scheme: Semantic, Major: 1, Patch: MaxPatch}, ChangePatch); !errors.Is(err, ErrNumberRange) {
		t.Errorf("Expected ErrNumberRange bumping patch past its limit, got %v", err)
	}
	if _, err := Next(Number{Scheme: Ordinal, Major: MaxMajor}, ChangeMinor); !errors.Is(err, ErrNumberRange) {
		t.Errorf("Expected ErrNumberRange bumping ordinal past its limit, got %v", err)
	}
}

func TestNumberOrderMatchesLess(t *testing.T) {
	nums := []Number{
		{Scheme: Semantic, Major: 1},
		{Scheme: Semantic, Major: 1, Patch: MaxPatch},
		{Scheme: Semantic, Major: 1, Minor: 1},
		{Scheme: Semantic, Major: 1, Minor: MaxMinor, Patch: MaxPatch},
		{Scheme: Semantic, Major: 2},
		{Scheme: Semantic, Major: MaxMajor, Minor: MaxMinor, Patch: MaxPatch},
	}
	for i := 1; i < len(nums); i++ {
		a, b := nums[i-1], nums[i]
		if !a.Less(b) || b.Less(a) {
			t.Errorf("Expected %s < %s", a, b)
		}
		if a.Order() >= b.Order() {
			t.Errorf("Order(%s) = %d not below Order(%s) = %d", a, a.Order(), b, b.Order())
		}
	}
}

func TestVersionJSONRoundTrip(t *testing.T) {
	v := &Version{
		ID:     "v1",
		Key:    ChainKey{TenantID: "acme", Code: "POL-1"},
		Kind:   KindPolicy,
		Number: Initial(Semantic),
		State:  StateUnderReview,
		Rejection: &Rejection{
			Reason: MustRejectionReason("missing signature"),
		},
	}

	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("Failed to marshal: %v", err)
	}

	var decoded Version
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Failed to unmarshal: %v", err)
	}

	if decoded.Kind != KindPolicy || decoded.State != StateUnderReview {
		t.Errorf("Kind/state not preserved: %s %s", decoded.Kind, decoded.State)
	}
	if decoded.Number.String() != "1.0.0" {
		t.Errorf("Expected 1.0.0, got %s", decoded.Number)
	}
	if decoded.Rejection.Reason.String() != "missing signature" {
		t.Errorf("Rejection reason lost: %q", decoded.Rejection.Reason)
	}
}

func TestCloneCopiesNestedFields(t *testing.T) {
	v := &Version{Content: Content{Fields: map[string]any{
		"limits": map[string]any{"max": 100},
		"codes":  []string{"a", "b"},
		"rates":  map[string]int{"eu": 3},
	}}}
	c := v.Clone()

	c.Content.Fields["limits"].(map[string]any)["max"] = 1
	c.Content.Fields["codes"].([]string)[0] = "z"
	c.Content.Fields["rates"].(map[string]int)["eu"] = 9

	if got := v.Content.Fields["limits"].(map[string]any)["max"]; got != 100 {
		t.Errorf("nested map shared with clone: max = %v", got)
	}
	if got := v.Content.Fields["codes"].([]string)[0]; got != "a" {
		t.Errorf("typed slice shared with clone: codes[0] = %v", got)
	}
	if got := v.Content.Fields["rates"].(map[string]int)["eu"]; got != 3 {
		t.Errorf("typed map shared with clone: eu = %v", got)
	}
}

func TestRejectionReasonRefusesBlank(t *testing.T) {
	if _, err := NewRejectionReason("   "); err == nil {
		t.Error("Expected blank reason to be refused")
	}
	var zero RejectionReason
	if !zero.IsZero() {
		t.Error("Expected zero reason to report IsZero")
	}
}

func TestTypedErrorsMatchSentinels(t *testing.T) {
	key := ChainKey{TenantID: "t", Code: "c"}
	cases := []struct {
		err      error
		sentinel error
	}{
		{&IllegalTransitionError{Kind: KindDocument, From: StateRaw, To: StateApproved}, ErrIllegalTransition},
		{&ConflictError{Key: key, Reason: "dup"}, ErrConflict},
		{&IntegrityError{VersionID: "v"}, ErrIntegrity},
		{&CrossChainComparisonError{A: key, B: key}, ErrCrossChain},
		{&NotFoundError{What: "version", ID: "x"}, ErrNotFound},
	}
	for _, tc := range cases {
		wrapped := fmt.Errorf("lookup: %w", tc.err)
		if !errors.Is(wrapped, tc.sentinel) {
			t.Errorf("Expected %v to match %v", tc.err, tc.sentinel)
		}
	}
}
