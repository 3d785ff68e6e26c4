package logger

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		if err := json.Unmarshal([]byte(line), &m); err != nil {
			t.Fatalf("Failed to decode log line %q: %v", line, err)
		}
		out = append(out, m)
	}
	return out
}

func TestLogTransitionLevels(t *testing.T) {
	var buf bytes.Buffer
	log := NewLogger(Config{Level: "debug", Output: &buf})

	log.LogTransition("POLICY", "v1", "DRAFT", "UNDER_REVIEW", time.Millisecond, nil)
	log.LogTransition("POLICY", "v1", "DRAFT", "PUBLISHED", time.Millisecond, errors.New("illegal"))

	lines := decodeLines(t, &buf)
	if len(lines) != 2 {
		t.Fatalf("expected 2 log lines, got %d", len(lines))
	}
	if lines[0]["level"] != "info" || lines[0]["to"] != "UNDER_REVIEW" {
		t.Fatalf("unexpected success line: %v", lines[0])
	}
	if lines[1]["level"] != "warn" || lines[1]["error"] != "illegal" {
		t.Fatalf("unexpected failure line: %v", lines[1])
	}
	if lines[0]["service"] != "govlifecycle" {
		t.Fatalf("expected service field, got %v", lines[0]["service"])
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	log := NewLogger(Config{Level: "warn", Output: &buf})

	log.Info("hidden").Send()
	log.LogIntegrityViolation("v9", "aaa", "bbb")

	lines := decodeLines(t, &buf)
	if len(lines) != 1 {
		t.Fatalf("expected only the error line, got %d", len(lines))
	}
	if lines[0]["event"] != "integrity_violation" || lines[0]["data_corruption"] != true {
		t.Fatalf("unexpected integrity line: %v", lines[0])
	}
}

func TestComponentLoggers(t *testing.T) {
	var buf bytes.Buffer
	log := NewLogger(Config{Level: "info", Output: &buf})

	log.RelayLogger().Info("drained").Send()
	log.StoreLogger("append").LogDbOperation(time.Millisecond, 1, errors.New("locked"))
	log.EngineLogger("transition").LogTransition("DOCUMENT", "v1", "RAW", "PROCESSED", time.Millisecond, nil)
	log.GrpcLogger("/govlifecycle.v1.Lifecycle/Create").LogGrpcRequest(time.Millisecond, nil)

	lines := decodeLines(t, &buf)
	if len(lines) != 4 {
		t.Fatalf("expected 4 log lines, got %d", len(lines))
	}
	if lines[0]["component"] != "audit_relay" {
		t.Fatalf("expected relay component, got %v", lines[0])
	}
	if lines[1]["component"] != "store" || lines[1]["operation"] != "append" || lines[1]["level"] != "error" {
		t.Fatalf("expected store component, got %v", lines[1])
	}
	if lines[2]["component"] != "engine" || lines[2]["operation"] != "transition" || lines[2]["to"] != "PROCESSED" {
		t.Fatalf("expected engine component, got %v", lines[2])
	}
	if lines[3]["component"] != "grpc" || lines[3]["method"] != "/govlifecycle.v1.Lifecycle/Create" {
		t.Fatalf("expected grpc component, got %v", lines[3])
	}
}
