// ABOUTME: Tests for content checksums
// ABOUTME: Property tests for determinism and sensitivity plus encoding failures

package checksum

import (
	"encoding/json"
	"errors"
	"math"
	"math/rand"
	"strings"
	"testing"
	"testing/quick"

	"github.com/nainya/govlifecycle/pkg/version"
)

func TestComputeDeterministic(t *testing.T) {
	prop := func(text string, keys []string, vals []string) bool {
		c := buildContent(text, keys, vals)
		a, errA := Compute(c)
		b, errB := Compute(c)
		return errA == nil && errB == nil && a == b && len(a) == 64
	}
	if err := quick.Check(prop, nil); err != nil {
		t.Error(err)
	}
}

func TestComputeDetectsMutation(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	prop := func(text string) bool {
		base := version.Content{Format: version.FormatMarkdown, Text: text}
		mutated := base
		mutated.Text = mutate(rng, text)
		if mutated.Text == base.Text {
			return true
		}
		a, errA := Compute(base)
		b, errB := Compute(mutated)
		return errA == nil && errB == nil && a != b
	}
	if err := quick.Check(prop, &quick.Config{MaxCount: 500}); err != nil {
		t.Error(err)
	}
}

func TestWhitespaceIsSignificant(t *testing.T) {
	a, _ := Compute(version.Content{Text: "line one\nline two"})
	b, _ := Compute(version.Content{Text: "line one\nline two "})
	if a == b {
		t.Error("Expected trailing space to change the checksum")
	}
}

func TestFieldOrderDoesNotMatter(t *testing.T) {
	first := map[string]any{"title": "Quota", "nested": map[string]any{"b": 2, "a": 1}}
	second := map[string]any{"nested": map[string]any{"a": 1, "b": 2}, "title": "Quota"}

	a, err := Compute(version.Content{Fields: first})
	if err != nil {
		t.Fatalf("Failed to compute: %v", err)
	}
	b, err := Compute(version.Content{Fields: second})
	if err != nil {
		t.Fatalf("Failed to compute: %v", err)
	}
	if a != b {
		t.Error("Expected map key order not to affect the checksum")
	}
}

func TestJSONRoundTripKeepsChecksum(t *testing.T) {
	c := version.Content{Fields: map[string]any{"limit": 9007199254740993, "rate": 1.5, "tags": []any{"a", "b"}}}
	before, err := Compute(c)
	if err != nil {
		t.Fatalf("Failed to compute: %v", err)
	}

	raw, err := json.Marshal(c)
	if err != nil {
		t.Fatalf("Failed to marshal: %v", err)
	}
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.UseNumber()
	var decoded version.Content
	if err := dec.Decode(&decoded); err != nil {
		t.Fatalf("Failed to decode: %v", err)
	}

	after, err := Compute(decoded)
	if err != nil {
		t.Fatalf("Failed to compute decoded: %v", err)
	}
	if before != after {
		t.Errorf("Checksum changed across storage round trip: %s != %s", before, after)
	}
}

func TestEmptyAndNilFieldsMatch(t *testing.T) {
	a, _ := Compute(version.Content{Text: "x"})
	b, _ := Compute(version.Content{Text: "x", Fields: map[string]any{}})
	if a != b {
		t.Error("Expected nil and empty fields to hash the same")
	}
}

func TestEncodingErrors(t *testing.T) {
	cases := map[string]version.Content{
		"invalid utf8 text": {Text: string([]byte{0xff, 0xfe})},
		"nan field":         {Fields: map[string]any{"x": math.NaN()}},
		"unsupported type":  {Fields: map[string]any{"ch": make(chan int)}},
		"invalid blob uri":  {Blob: &version.BlobRef{URI: string([]byte{0xc3})}},
	}
	for name, c := range cases {
		_, err := Compute(c)
		var encErr *EncodingError
		if !errors.As(err, &encErr) {
			t.Errorf("%s: expected EncodingError, got %v", name, err)
		}
	}
}

func TestVerify(t *testing.T) {
	v := &version.Version{ID: "v1", Content: version.Content{Text: "hello"}}
	sum, err := Compute(v.Content)
	if err != nil {
		t.Fatalf("Failed to compute: %v", err)
	}
	v.Checksum = sum

	if err := Verify(v); err != nil {
		t.Fatalf("Expected verification to pass: %v", err)
	}

	v.Content.Text = "hello!"
	err = Verify(v)
	if !errors.Is(err, version.ErrIntegrity) {
		t.Fatalf("Expected integrity error, got %v", err)
	}
}

func buildContent(text string, keys, vals []string) version.Content {
	c := version.Content{Format: version.FormatMarkdown, Text: strings.ToValidUTF8(text, "?")}
	if len(keys) > 0 {
		c.Fields = make(map[string]any)
		for i, k := range keys {
			v := ""
			if i < len(vals) {
				v = vals[i]
			}
			c.Fields[strings.ToValidUTF8(k, "?")] = strings.ToValidUTF8(v, "?")
		}
	}
	return c
}

// mutate flips, inserts or deletes one rune.
func mutate(rng *rand.Rand, s string) string {
	runes := []rune(s)
	switch op := rng.Intn(3); {
	case len(runes) == 0 || op == 0:
		pos := 0
		if len(runes) > 0 {
			pos = rng.Intn(len(runes) + 1)
		}
		out := append([]rune{}, runes[:pos]...)
		out = append(out, ' ')
		return string(append(out, runes[pos:]...))
	case op == 1:
		pos := rng.Intn(len(runes))
		out := append([]rune{}, runes[:pos]...)
		return string(append(out, runes[pos+1:]...))
	default:
		pos := rng.Intn(len(runes))
		out := append([]rune{}, runes...)
		out[pos] = out[pos] + 1
		return string(out)
	}
}
