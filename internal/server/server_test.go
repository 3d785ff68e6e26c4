// Integration tests for the lifecycle gRPC service
package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/nainya/govlifecycle/internal/logger"
	"github.com/nainya/govlifecycle/internal/metrics"
	"github.com/nainya/govlifecycle/pkg/chainstore"
	"github.com/nainya/govlifecycle/pkg/compare"
	"github.com/nainya/govlifecycle/pkg/lifecycle"
	"github.com/nainya/govlifecycle/pkg/version"
)

const bufSize = 1024 * 1024

type testEnv struct {
	client   *Client
	conn     *grpc.ClientConn
	store    *chainstore.Memory
	registry *prometheus.Registry
}

func setupTestServer(t *testing.T) *testEnv {
	t.Helper()

	store := chainstore.NewMemory()
	registry := prometheus.NewRegistry()
	m := metrics.NewMetricsWith(registry)
	engine := lifecycle.New(store, lifecycle.WithMetrics(m))
	srv := NewServer(engine, compare.New(store), nil)

	lis := bufconn.Listen(bufSize)
	grpcServer, healthServer := NewGRPCServer(srv, m)

	go func() {
		// Serve returns once the listener closes during cleanup.
		_ = grpcServer.Serve(lis)
	}()

	bufDialer := func(context.Context, string) (net.Conn, error) {
		return lis.Dial()
	}
	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(bufDialer),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("Failed to dial bufnet: %v", err)
	}

	t.Cleanup(func() {
		conn.Close()
		healthServer.Shutdown()
		grpcServer.Stop()
		lis.Close()
	})

	return &testEnv{client: NewClient(conn), conn: conn, store: store, registry: registry}
}

var alice = version.Actor{ID: "alice", TenantID: "acme", Role: "editor"}

func asAlice() context.Context {
	return WithActor(context.Background(), alice)
}

func errorInfo(t *testing.T, err error) *errdetails.ErrorInfo {
	t.Helper()
	st, ok := status.FromError(err)
	if !ok {
		t.Fatalf("expected gRPC status, got %v", err)
	}
	for _, d := range st.Details() {
		if info, ok := d.(*errdetails.ErrorInfo); ok {
			return info
		}
	}
	t.Fatalf("status %v carries no ErrorInfo", st)
	return nil
}

func (e *testEnv) move(t *testing.T, id string, target version.State) *version.Version {
	t.Helper()
	resp, err := e.client.Transition(asAlice(), &TransitionRequest{VersionID: id, Target: target})
	if err != nil {
		t.Fatalf("Failed to move %s to %s: %v", id, target, err)
	}
	return resp.Version
}

func TestDocumentLifecycle(t *testing.T) {
	env := setupTestServer(t)
	ctx := asAlice()

	created, err := env.client.Create(ctx, &CreateRequest{
		Key:     version.ChainKey{Code: "DOC-001"},
		Kind:    version.KindDocument,
		Content: version.Content{Format: version.FormatMarkdown, Text: "# Intake\n\nFirst draft.\n"},
	})
	if err != nil {
		t.Fatalf("Failed to create document: %v", err)
	}
	v := created.Version
	if v.Key.TenantID != "acme" {
		t.Errorf("Expected tenant from caller, got %q", v.Key.TenantID)
	}
	if v.State != version.StateRaw || v.Number.String() != "1" {
		t.Fatalf("Expected RAW version 1, got %s %s", v.State, v.Number)
	}

	for _, target := range []version.State{
		version.StateProcessed, version.StateDraft, version.StateUnderReview,
		version.StateApproved, version.StateActiveFinal,
	} {
		v = env.move(t, v.ID, target)
	}
	if v.Published == nil || v.Published.ActorID != "alice" {
		t.Errorf("Expected publish stamp by alice, got %+v", v.Published)
	}

	current, err := env.client.GetCurrent(ctx, &ChainRequest{Key: version.ChainKey{Code: "DOC-001"}})
	if err != nil {
		t.Fatalf("Failed to get current: %v", err)
	}
	if current.Version.ID != v.ID {
		t.Errorf("Expected current %s, got %s", v.ID, current.Version.ID)
	}

	byNumber, err := env.client.GetVersion(ctx, &GetVersionRequest{Key: version.ChainKey{Code: "DOC-001"}, Number: "1"})
	if err != nil {
		t.Fatalf("Failed to get version by number: %v", err)
	}
	if byNumber.Version.Checksum != v.Checksum {
		t.Errorf("Checksum mismatch: %s vs %s", byNumber.Version.Checksum, v.Checksum)
	}

	trail, err := env.client.GetAuditTrail(ctx, &AuditTrailRequest{VersionID: v.ID})
	if err != nil {
		t.Fatalf("Failed to get audit trail: %v", err)
	}
	if len(trail.Records) != 6 {
		t.Fatalf("Expected 6 audit records, got %d", len(trail.Records))
	}
	last := trail.Records[len(trail.Records)-1]
	if last.PreviousState != version.StateApproved || last.NewState != version.StateActiveFinal {
		t.Errorf("Unexpected last audit record %s -> %s", last.PreviousState, last.NewState)
	}

	stats, err := env.client.GetStats(ctx, &ChainRequest{Key: version.ChainKey{Code: "DOC-001"}})
	if err != nil {
		t.Fatalf("Failed to get stats: %v", err)
	}
	if stats.Stats.Total != 1 || stats.Stats.ByState[version.StateActiveFinal] != 1 {
		t.Errorf("Unexpected stats %+v", stats.Stats)
	}
}

func TestPolicyRevisionAndCompare(t *testing.T) {
	env := setupTestServer(t)
	ctx := asAlice()
	key := version.ChainKey{Code: "claims-policy"}

	created, err := env.client.Create(ctx, &CreateRequest{
		Key:  key,
		Kind: version.KindPolicy,
		Content: version.Content{
			Format: version.FormatMarkdown,
			Text:   "# Scope\n\nAll claims.\n",
			Fields: map[string]any{"limit": 100, "region": "EU"},
		},
	})
	if err != nil {
		t.Fatalf("Failed to create policy: %v", err)
	}
	v1 := created.Version
	for _, target := range []version.State{
		version.StateUnderReview, version.StatePendingApproval, version.StateApproved, version.StatePublished,
	} {
		v1 = env.move(t, v1.ID, target)
	}

	edited, err := env.client.CreateVersion(ctx, &CreateVersionRequest{
		ParentVersionID: v1.ID,
		Content: version.Content{
			Format: version.FormatMarkdown,
			Text:   "# Scope\n\nAll claims over 10 EUR.\n",
			Fields: map[string]any{"limit": 250, "region": "EU"},
		},
		ChangeType:  version.ChangeMajor,
		Description: "raise limit",
	})
	if err != nil {
		t.Fatalf("Failed to create version: %v", err)
	}
	v2 := edited.Version
	if v2.Number.String() != "2.0.0" || v2.State != version.StateDraft {
		t.Fatalf("Expected DRAFT 2.0.0, got %s %s", v2.State, v2.Number)
	}
	if v2.ParentVersionID != v1.ID {
		t.Errorf("Expected parent %s, got %s", v1.ID, v2.ParentVersionID)
	}

	// Content equal to the parent yields the parent back.
	noop, err := env.client.CreateVersion(ctx, &CreateVersionRequest{
		ParentVersionID: v2.ID,
		Content:         v2.Content,
	})
	if err != nil {
		t.Fatalf("Failed to submit unchanged content: %v", err)
	}
	if noop.Version.ID != v2.ID {
		t.Errorf("Expected no-op edit to return %s, got %s", v2.ID, noop.Version.ID)
	}

	cmp, err := env.client.Compare(ctx, &CompareRequest{FromVersionID: v1.ID, ToVersionID: v2.ID})
	if err != nil {
		t.Fatalf("Failed to compare: %v", err)
	}
	c := cmp.Comparison
	if c.Identical {
		t.Fatal("Expected versions to differ")
	}
	if c.Stats.LinesChanged != 1 {
		t.Errorf("Expected 1 changed line, got %+v", c.Stats)
	}
	if len(c.Fields) != 1 || c.Fields[0].Path != "limit" {
		t.Errorf("Expected only limit to change, got %+v", c.Fields)
	}
	if !strings.Contains(c.Unified, "+All claims over 10 EUR.") {
		t.Errorf("Unified diff missing added line:\n%s", c.Unified)
	}

	for _, target := range []version.State{
		version.StateUnderReview, version.StatePendingApproval, version.StateApproved, version.StatePublished,
	} {
		v2 = env.move(t, v2.ID, target)
	}

	timeline, err := env.client.GetTimeline(ctx, &ChainRequest{Key: key})
	if err != nil {
		t.Fatalf("Failed to get timeline: %v", err)
	}
	if len(timeline.Entries) != 2 {
		t.Fatalf("Expected 2 timeline entries, got %d", len(timeline.Entries))
	}
	if timeline.Entries[0].State != version.StateSuperseded || timeline.Entries[0].IsCurrent {
		t.Errorf("Expected first entry superseded, got %+v", timeline.Entries[0])
	}
	if !timeline.Entries[1].IsCurrent {
		t.Errorf("Expected second entry current, got %+v", timeline.Entries[1])
	}

	history, err := env.client.GetHistory(ctx, &ChainRequest{Key: key})
	if err != nil {
		t.Fatalf("Failed to get history: %v", err)
	}
	if len(history.Versions) != 2 || history.Versions[0].SupersededByVersionID != v2.ID {
		t.Errorf("Unexpected history %+v", history.Versions)
	}
}

func TestIllegalTransitionDetails(t *testing.T) {
	env := setupTestServer(t)
	ctx := asAlice()

	created, err := env.client.Create(ctx, &CreateRequest{
		Key:     version.ChainKey{Code: "DOC-002"},
		Kind:    version.KindDocument,
		Content: version.Content{Text: "raw"},
	})
	if err != nil {
		t.Fatalf("Failed to create document: %v", err)
	}

	_, err = env.client.Transition(ctx, &TransitionRequest{VersionID: created.Version.ID, Target: version.StateActiveFinal})
	if status.Code(err) != codes.FailedPrecondition {
		t.Fatalf("Expected FailedPrecondition, got %v", err)
	}
	info := errorInfo(t, err)
	if info.Reason != ReasonIllegalTransition || info.Domain != errorDomain {
		t.Errorf("Unexpected ErrorInfo %+v", info)
	}
	if info.Metadata["from"] != "RAW" || info.Metadata["to"] != "ACTIVE_FINAL" {
		t.Errorf("Unexpected metadata %v", info.Metadata)
	}

	got, err := env.client.GetVersion(ctx, &GetVersionRequest{VersionID: created.Version.ID})
	if err != nil {
		t.Fatalf("Failed to get version: %v", err)
	}
	if got.Version.State != version.StateRaw || got.Version.Revision != created.Version.Revision {
		t.Errorf("Refused transition changed the version: %+v", got.Version)
	}
}

func TestRejectRequiresReason(t *testing.T) {
	env := setupTestServer(t)
	ctx := asAlice()

	created, err := env.client.Create(ctx, &CreateRequest{
		Key:     version.ChainKey{Code: "plan-a"},
		Kind:    version.KindPlan,
		Content: version.Content{Text: "plan"},
	})
	if err != nil {
		t.Fatalf("Failed to create plan: %v", err)
	}
	v := env.move(t, created.Version.ID, version.StateUnderReview)

	_, err = env.client.Transition(ctx, &TransitionRequest{VersionID: v.ID, Target: version.StateDraft, Reason: "   "})
	if status.Code(err) != codes.FailedPrecondition {
		t.Fatalf("Expected FailedPrecondition for blank reason, got %v", err)
	}

	resp, err := env.client.Transition(ctx, &TransitionRequest{VersionID: v.ID, Target: version.StateDraft, Reason: "missing scope"})
	if err != nil {
		t.Fatalf("Failed to reject: %v", err)
	}
	if resp.Version.Rejection == nil || resp.Version.Rejection.Reason.String() != "missing scope" {
		t.Errorf("Expected rejection reason, got %+v", resp.Version.Rejection)
	}
}

func TestReasonOnlyRejects(t *testing.T) {
	env := setupTestServer(t)
	ctx := asAlice()

	created, err := env.client.Create(ctx, &CreateRequest{
		Key:     version.ChainKey{Code: "doc-r"},
		Kind:    version.KindDocument,
		Content: version.Content{Text: "doc"},
	})
	if err != nil {
		t.Fatalf("Failed to create document: %v", err)
	}
	v := env.move(t, created.Version.ID, version.StateProcessed)

	// PROCESSED to DRAFT is an advance; a reason turns the call into a rejection.
	_, err = env.client.Transition(ctx, &TransitionRequest{VersionID: v.ID, Target: version.StateDraft, Reason: "missing signature"})
	if status.Code(err) != codes.FailedPrecondition {
		t.Fatalf("Expected FailedPrecondition, got %v", err)
	}
	if info := errorInfo(t, err); info.Reason != ReasonIllegalTransition {
		t.Errorf("Expected %s, got %s", ReasonIllegalTransition, info.Reason)
	}

	got, err := env.client.GetVersion(ctx, &GetVersionRequest{VersionID: v.ID})
	if err != nil {
		t.Fatalf("Failed to read version: %v", err)
	}
	if got.Version.State != version.StateProcessed || got.Version.Rejection != nil {
		t.Errorf("Expected untouched PROCESSED version, got %s %+v", got.Version.State, got.Version.Rejection)
	}
}

func TestTransitionRequiresTarget(t *testing.T) {
	env := setupTestServer(t)
	ctx := asAlice()

	created, err := env.client.Create(ctx, &CreateRequest{
		Key:     version.ChainKey{Code: "doc-t"},
		Kind:    version.KindDocument,
		Content: version.Content{Text: "doc"},
	})
	if err != nil {
		t.Fatalf("Failed to create document: %v", err)
	}

	// The typed client cannot encode an unknown state, so send the field missing.
	in := map[string]any{"versionId": created.Version.ID}
	out := new(VersionResponse)
	err = env.conn.Invoke(ctx, "/"+ServiceName+"/Transition", in, out, grpc.CallContentSubtype(codecName))
	if status.Code(err) != codes.InvalidArgument {
		t.Fatalf("Expected InvalidArgument for missing target, got %v", err)
	}
}

func TestConflictCarriesRetryInfo(t *testing.T) {
	env := setupTestServer(t)
	ctx := asAlice()

	created, err := env.client.Create(ctx, &CreateRequest{
		Key:     version.ChainKey{Code: "DOC-003"},
		Kind:    version.KindDocument,
		Content: version.Content{Text: "raw"},
	})
	if err != nil {
		t.Fatalf("Failed to create document: %v", err)
	}

	_, err = env.client.Transition(ctx, &TransitionRequest{
		VersionID:        created.Version.ID,
		Target:           version.StateProcessed,
		ExpectedRevision: created.Version.Revision + 1,
	})
	if status.Code(err) != codes.Aborted {
		t.Fatalf("Expected Aborted, got %v", err)
	}
	st, _ := status.FromError(err)
	var retry *errdetails.RetryInfo
	for _, d := range st.Details() {
		if r, ok := d.(*errdetails.RetryInfo); ok {
			retry = r
		}
	}
	if retry == nil || retry.RetryDelay.AsDuration() != conflictRetryDelay {
		t.Errorf("Expected RetryInfo with %v, got %+v", conflictRetryDelay, retry)
	}

	_, err = env.client.Create(ctx, &CreateRequest{
		Key:     version.ChainKey{Code: "DOC-003"},
		Kind:    version.KindDocument,
		Content: version.Content{Text: "again"},
	})
	if status.Code(err) != codes.Aborted || errorInfo(t, err).Reason != ReasonConflict {
		t.Fatalf("Expected conflict on duplicate chain, got %v", err)
	}
}

func TestCallerIdentityRequired(t *testing.T) {
	env := setupTestServer(t)

	_, err := env.client.Create(context.Background(), &CreateRequest{
		Key:     version.ChainKey{TenantID: "acme", Code: "DOC-004"},
		Kind:    version.KindDocument,
		Content: version.Content{Text: "raw"},
	})
	if status.Code(err) != codes.Unauthenticated {
		t.Fatalf("Expected Unauthenticated, got %v", err)
	}

	// A caller without a tenant must name one in the key.
	anon := WithActor(context.Background(), version.Actor{ID: "bob"})
	_, err = env.client.GetHistory(anon, &ChainRequest{Key: version.ChainKey{Code: "DOC-004"}})
	if status.Code(err) != codes.InvalidArgument {
		t.Fatalf("Expected InvalidArgument, got %v", err)
	}
}

func TestReadErrors(t *testing.T) {
	env := setupTestServer(t)
	ctx := asAlice()

	_, err := env.client.GetVersion(ctx, &GetVersionRequest{VersionID: "missing"})
	if status.Code(err) != codes.NotFound {
		t.Fatalf("Expected NotFound, got %v", err)
	}
	_, err = env.client.GetCurrent(ctx, &ChainRequest{Key: version.ChainKey{Code: "nothing"}})
	if status.Code(err) != codes.NotFound {
		t.Fatalf("Expected NotFound for empty chain, got %v", err)
	}
	_, err = env.client.GetVersion(ctx, &GetVersionRequest{Key: version.ChainKey{Code: "nothing"}, Number: "x.y"})
	if status.Code(err) != codes.InvalidArgument {
		t.Fatalf("Expected InvalidArgument for bad number, got %v", err)
	}

	a, err := env.client.Create(ctx, &CreateRequest{Key: version.ChainKey{Code: "a"}, Kind: version.KindDocument, Content: version.Content{Text: "a"}})
	if err != nil {
		t.Fatalf("Failed to create chain a: %v", err)
	}
	b, err := env.client.Create(ctx, &CreateRequest{Key: version.ChainKey{Code: "b"}, Kind: version.KindDocument, Content: version.Content{Text: "b"}})
	if err != nil {
		t.Fatalf("Failed to create chain b: %v", err)
	}
	_, err = env.client.Compare(ctx, &CompareRequest{FromVersionID: a.Version.ID, ToVersionID: b.Version.ID})
	if status.Code(err) != codes.InvalidArgument || errorInfo(t, err).Reason != ReasonCrossChain {
		t.Fatalf("Expected cross-chain refusal, got %v", err)
	}
}

func TestIntegrityViolationIsDataLoss(t *testing.T) {
	env := setupTestServer(t)
	ctx := asAlice()

	created, err := env.client.Create(ctx, &CreateRequest{
		Key:     version.ChainKey{Code: "DOC-005"},
		Kind:    version.KindDocument,
		Content: version.Content{Text: "original"},
	})
	if err != nil {
		t.Fatalf("Failed to create document: %v", err)
	}
	if err := env.store.Corrupt(created.Version.ID, func(v *version.Version) { v.Content.Text = "tampered" }); err != nil {
		t.Fatalf("Failed to corrupt version: %v", err)
	}

	_, err = env.client.GetVersion(ctx, &GetVersionRequest{VersionID: created.Version.ID})
	if status.Code(err) != codes.DataLoss {
		t.Fatalf("Expected DataLoss, got %v", err)
	}
	if errorInfo(t, err).Metadata["version_id"] != created.Version.ID {
		t.Errorf("Expected version id in metadata")
	}
}

func TestHealthService(t *testing.T) {
	env := setupTestServer(t)

	resp, err := healthpb.NewHealthClient(env.conn).Check(context.Background(),
		&healthpb.HealthCheckRequest{Service: ServiceName})
	if err != nil {
		t.Fatalf("Failed to check health: %v", err)
	}
	if resp.Status != healthpb.HealthCheckResponse_SERVING {
		t.Errorf("Expected SERVING, got %v", resp.Status)
	}
}

func TestInterceptorLogsMethod(t *testing.T) {
	var buf bytes.Buffer
	log := logger.NewLogger(logger.Config{Level: "info", Output: &buf})
	intercept := GrpcMetricsInterceptor(nil, log)

	info := &grpc.UnaryServerInfo{FullMethod: "/" + ServiceName + "/GetCurrent"}
	_, err := intercept(context.Background(), nil, info, func(context.Context, any) (any, error) {
		return nil, status.Error(codes.NotFound, "no chain")
	})
	if status.Code(err) != codes.NotFound {
		t.Fatalf("Expected handler error to pass through, got %v", err)
	}

	var line map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line); err != nil {
		t.Fatalf("Failed to decode log line %q: %v", buf.String(), err)
	}
	if line["component"] != "grpc" || line["method"] != info.FullMethod || line["level"] != "error" {
		t.Errorf("Unexpected request log line: %v", line)
	}
}

func TestToStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code codes.Code
	}{
		{"illegal", &version.IllegalTransitionError{Kind: version.KindPolicy, From: version.StateDraft, To: version.StatePublished}, codes.FailedPrecondition},
		{"wrapped conflict", errors.Join(errors.New("outer"), &version.ConflictError{Reason: "x"}), codes.Aborted},
		{"not found", &version.NotFoundError{What: "version", ID: "v"}, codes.NotFound},
		{"invalid", lifecycle.ErrInvalidRequest, codes.InvalidArgument},
		{"number range", &version.NumberRangeError{Component: "minor", Max: version.MaxMinor}, codes.OutOfRange},
		{"deadline", context.DeadlineExceeded, codes.DeadlineExceeded},
		{"canceled", context.Canceled, codes.Canceled},
		{"other", errors.New("boom"), codes.Internal},
		{"status passthrough", status.Error(codes.Unauthenticated, "who"), codes.Unauthenticated},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := status.Code(toStatus(tt.err)); got != tt.code {
				t.Errorf("toStatus(%v) = %v, want %v", tt.err, got, tt.code)
			}
		})
	}
}

func TestObservabilityEndpoints(t *testing.T) {
	env := setupTestServer(t)
	if _, err := env.client.GetCurrent(asAlice(), &ChainRequest{Key: version.ChainKey{Code: "none"}}); status.Code(err) != codes.NotFound {
		t.Fatalf("Expected NotFound, got %v", err)
	}

	ready := true
	obs := NewObservabilityServer(0, env.registry, func(context.Context) error {
		if !ready {
			return errors.New("store unavailable")
		}
		return nil
	}, nil)
	srv := httptest.NewServer(obs.Handler())
	defer srv.Close()

	get := func(path string) (int, string) {
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatalf("Failed to GET %s: %v", path, err)
		}
		defer resp.Body.Close()
		var sb strings.Builder
		buf := make([]byte, 4096)
		for {
			n, err := resp.Body.Read(buf)
			sb.Write(buf[:n])
			if err != nil {
				break
			}
		}
		return resp.StatusCode, sb.String()
	}

	code, body := get("/metrics")
	if code != http.StatusOK {
		t.Fatalf("Expected 200 from /metrics, got %d", code)
	}
	if !strings.Contains(body, `lifecycle_grpc_requests_total{method="/govlifecycle.v1.Lifecycle/GetCurrent",status="NotFound"} 1`) {
		t.Errorf("Expected request counter in metrics output:\n%s", body)
	}

	if code, _ := get("/health"); code != http.StatusOK {
		t.Errorf("Expected 200 from /health, got %d", code)
	}
	if code, _ := get("/ready"); code != http.StatusOK {
		t.Errorf("Expected 200 from /ready, got %d", code)
	}
	ready = false
	if code, _ := get("/ready"); code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503 from /ready, got %d", code)
	}
}
