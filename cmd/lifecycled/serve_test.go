package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nainya/govlifecycle/internal/config"
	"github.com/nainya/govlifecycle/internal/logger"
	"github.com/nainya/govlifecycle/internal/metrics"
	"github.com/nainya/govlifecycle/pkg/chainstore"
	"github.com/nainya/govlifecycle/pkg/lifecycle"
	"github.com/nainya/govlifecycle/pkg/version"
)

func TestRelayDisabledWarns(t *testing.T) {
	var buf bytes.Buffer
	log := logger.NewLogger(logger.Config{Level: "info", Output: &buf})
	cfg := config.Config{StoreDriver: config.DriverSQLite, RelayBatch: 10}

	relay, journal, err := newRelay(cfg, chainstore.NewMemory(), log, metrics.NewMetricsWith(prometheus.NewRegistry()))
	if err != nil {
		t.Fatalf("newRelay: %v", err)
	}
	if relay != nil || journal != nil {
		t.Fatalf("Expected no relay without a journal path")
	}
	out := buf.String()
	if !strings.Contains(out, `"level":"warn"`) || !strings.Contains(out, "audit_relay_disabled") {
		t.Fatalf("Expected a startup warning, got %q", out)
	}
}

func TestRelayDrainsOutboxIntoJournal(t *testing.T) {
	ctx := context.Background()
	store := chainstore.NewMemory()
	engine := lifecycle.New(store)
	_, err := engine.Create(ctx, lifecycle.CreateRequest{
		Key:     version.ChainKey{TenantID: "acme", Code: "DOC-1"},
		Kind:    version.KindDocument,
		Content: version.Content{Text: "body"},
		Actor:   version.Actor{ID: "alice", TenantID: "acme"},
	})
	if err != nil {
		t.Fatalf("Failed to create document: %v", err)
	}

	path := filepath.Join(t.TempDir(), "audit.journal")
	cfg := config.Config{StoreDriver: config.DriverMemory, JournalPath: path, RelayBatch: 10}
	relay, journal, err := newRelay(cfg, store, logger.Nop(), metrics.NewMetricsWith(prometheus.NewRegistry()))
	if err != nil {
		t.Fatalf("newRelay: %v", err)
	}
	defer journal.Close()

	n, err := relay.DrainOnce(ctx)
	if err != nil {
		t.Fatalf("DrainOnce: %v", err)
	}
	if n != 1 {
		t.Fatalf("Expected 1 delivered record, got %d", n)
	}
	if pending, _ := store.PendingAudit(ctx, 10); len(pending) != 0 {
		t.Fatalf("Expected an empty outbox, got %d records", len(pending))
	}
	if info, err := os.Stat(path); err != nil || info.Size() == 0 {
		t.Fatalf("Expected journal data at %s: %v", path, err)
	}
}
