package compare

import (
	"fmt"
	"strings"

	"github.com/pmezard/go-difflib/difflib"
	"github.com/sourcegraph/go-diff/diff"
)

// OpKind names a line diff operation.
type OpKind string

const (
	OpEqual   OpKind = "equal"
	OpInsert  OpKind = "insert"
	OpDelete  OpKind = "delete"
	OpReplace OpKind = "replace"
)

var opKinds = map[byte]OpKind{
	'e': OpEqual,
	'i': OpInsert,
	'd': OpDelete,
	'r': OpReplace,
}

// LineOp maps the old lines [FromStart, FromEnd) onto the new lines
// [ToStart, ToEnd). Indexes are zero-based.
type LineOp struct {
	Kind      OpKind `json:"kind"`
	FromStart int    `json:"fromStart"`
	FromEnd   int    `json:"fromEnd"`
	ToStart   int    `json:"toStart"`
	ToEnd     int    `json:"toEnd"`
}

// Hunk is one region of the unified diff. Line numbers are one-based.
type Hunk struct {
	OrigStart int32  `json:"origStart"`
	OrigLines int32  `json:"origLines"`
	NewStart  int32  `json:"newStart"`
	NewLines  int32  `json:"newLines"`
	Body      string `json:"body"`
}

type textDiff struct {
	ops      []LineOp
	unified  string
	hunks    []Hunk
	sections []string

	added, removed, changed int
}

// splitLines splits on newlines keeping the terminator. Empty text has no
// lines and a missing final newline is supplied.
func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	lines := strings.SplitAfter(s, "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	if last := lines[len(lines)-1]; !strings.HasSuffix(last, "\n") {
		lines[len(lines)-1] = last + "\n"
	}
	return lines
}

func diffText(from, to, fromLabel, toLabel string, context int) (*textDiff, error) {
	a, b := splitLines(from), splitLines(to)
	td := &textDiff{}

	matcher := difflib.NewMatcher(a, b)
	for _, op := range matcher.GetOpCodes() {
		td.ops = append(td.ops, LineOp{
			Kind:      opKinds[op.Tag],
			FromStart: op.I1,
			FromEnd:   op.I2,
			ToStart:   op.J1,
			ToEnd:     op.J2,
		})
		removed, added := op.I2-op.I1, op.J2-op.J1
		switch op.Tag {
		case 'r':
			paired := min(removed, added)
			td.changed += paired
			td.removed += removed - paired
			td.added += added - paired
		case 'd':
			td.removed += removed
		case 'i':
			td.added += added
		}
	}
	td.sections = changedSections(a, b, td.ops)

	unified, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        a,
		B:        b,
		FromFile: fromLabel,
		ToFile:   toLabel,
		Context:  context,
	})
	if err != nil {
		return nil, fmt.Errorf("render unified diff: %w", err)
	}
	td.unified = unified
	if unified == "" {
		return td, nil
	}

	fd, err := diff.ParseFileDiff([]byte(unified))
	if err != nil {
		return nil, fmt.Errorf("parse unified diff: %w", err)
	}
	for _, h := range fd.Hunks {
		td.hunks = append(td.hunks, Hunk{
			OrigStart: h.OrigStartLine,
			OrigLines: h.OrigLines,
			NewStart:  h.NewStartLine,
			NewLines:  h.NewLines,
			Body:      string(h.Body),
		})
	}
	return td, nil
}

// changedSections names the markdown headings whose sections contain a
// changed line on either side, in order of first appearance.
func changedSections(a, b []string, ops []LineOp) []string {
	headA, headB := headings(a), headings(b)
	seen := make(map[string]bool)
	var out []string
	add := func(h string) {
		if h != "" && !seen[h] {
			seen[h] = true
			out = append(out, h)
		}
	}
	for _, op := range ops {
		if op.Kind == OpEqual {
			continue
		}
		for i := op.FromStart; i < op.FromEnd; i++ {
			add(headA[i])
		}
		for j := op.ToStart; j < op.ToEnd; j++ {
			add(headB[j])
		}
	}
	return out
}

// headings returns, for each line, the closest markdown heading at or above it.
func headings(lines []string) []string {
	out := make([]string, len(lines))
	current := ""
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "#") {
			if title := strings.TrimSpace(strings.TrimLeft(trimmed, "#")); title != "" {
				current = title
			}
		}
		out[i] = current
	}
	return out
}
