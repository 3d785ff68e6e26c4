// Package server exposes the lifecycle engine as a gRPC service
package server

import (
	"context"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/nainya/govlifecycle/internal/logger"
	"github.com/nainya/govlifecycle/internal/metrics"
	"github.com/nainya/govlifecycle/pkg/compare"
	"github.com/nainya/govlifecycle/pkg/lifecycle"
	"github.com/nainya/govlifecycle/pkg/version"
)

// Server implements LifecycleServer over an engine and a comparator.
type Server struct {
	engine     *lifecycle.Engine
	comparator *compare.Comparator
	log        *logger.Logger
}

// NewServer creates a new gRPC service instance
func NewServer(engine *lifecycle.Engine, comparator *compare.Comparator, log *logger.Logger) *Server {
	if log == nil {
		log = logger.Nop()
	}
	return &Server{engine: engine, comparator: comparator, log: log}
}

// NewGRPCServer builds a gRPC server carrying the lifecycle service, the
// metrics interceptor and the standard health service.
func NewGRPCServer(srv *Server, m *metrics.Metrics, opts ...grpc.ServerOption) (*grpc.Server, *health.Server) {
	opts = append(opts, grpc.UnaryInterceptor(GrpcMetricsInterceptor(m, srv.log)))
	grpcServer := grpc.NewServer(opts...)
	RegisterLifecycleServer(grpcServer, srv)

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	return grpcServer, healthServer
}

// actorFrom reads the caller identity attached by the actor resolver.
func actorFrom(ctx context.Context) (version.Actor, error) {
	md, _ := metadata.FromIncomingContext(ctx)
	first := func(key string) string {
		if vals := md.Get(key); len(vals) > 0 {
			return strings.TrimSpace(vals[0])
		}
		return ""
	}
	actor := version.Actor{
		ID:       first(MetadataActorID),
		TenantID: first(MetadataTenantID),
		Role:     first(MetadataRole),
	}
	if actor.ID == "" {
		return version.Actor{}, status.Errorf(codes.Unauthenticated, "missing %s metadata", MetadataActorID)
	}
	return actor, nil
}

// chainKey fills a missing tenant from the caller and validates the result.
func chainKey(key version.ChainKey, actor version.Actor) (version.ChainKey, error) {
	if strings.TrimSpace(key.TenantID) == "" {
		key.TenantID = actor.TenantID
	}
	if err := key.Validate(); err != nil {
		return key, status.Error(codes.InvalidArgument, err.Error())
	}
	return key, nil
}

// ========== Writes ==========

func (s *Server) Create(ctx context.Context, req *CreateRequest) (*VersionResponse, error) {
	actor, err := actorFrom(ctx)
	if err != nil {
		return nil, err
	}
	key, err := chainKey(req.Key, actor)
	if err != nil {
		return nil, err
	}

	v, err := s.engine.Create(ctx, lifecycle.CreateRequest{
		Key:         key,
		Kind:        req.Kind,
		Content:     req.Content,
		Description: req.Description,
		Actor:       actor,
	})
	if err != nil {
		return nil, toStatus(err)
	}
	return &VersionResponse{Version: v}, nil
}

func (s *Server) Transition(ctx context.Context, req *TransitionRequest) (*VersionResponse, error) {
	actor, err := actorFrom(ctx)
	if err != nil {
		return nil, err
	}
	if req.VersionID == "" {
		return nil, status.Error(codes.InvalidArgument, "version id is required")
	}
	if req.Target == version.StateUnknown {
		return nil, status.Error(codes.InvalidArgument, "target state is required")
	}

	// A blank reason stays zero so the state machine refuses the rejection.
	// A non-blank one asks for a rejection and nothing else.
	reason, _ := version.NewRejectionReason(req.Reason)
	v, err := s.engine.Transition(ctx, lifecycle.TransitionRequest{
		VersionID:        req.VersionID,
		Target:           req.Target,
		Actor:            actor,
		Reason:           reason,
		ExpectedRevision: req.ExpectedRevision,
		Reject:           !reason.IsZero(),
	})
	if err != nil {
		return nil, toStatus(err)
	}
	return &VersionResponse{Version: v}, nil
}

func (s *Server) CreateVersion(ctx context.Context, req *CreateVersionRequest) (*VersionResponse, error) {
	actor, err := actorFrom(ctx)
	if err != nil {
		return nil, err
	}
	if req.ParentVersionID == "" {
		return nil, status.Error(codes.InvalidArgument, "parent version id is required")
	}

	v, err := s.engine.CreateVersion(ctx, lifecycle.CreateVersionRequest{
		ParentVersionID: req.ParentVersionID,
		Content:         req.Content,
		Change:          req.ChangeType,
		Description:     req.Description,
		Actor:           actor,
	})
	if err != nil {
		return nil, toStatus(err)
	}
	return &VersionResponse{Version: v}, nil
}

// ========== Reads ==========

func (s *Server) GetVersion(ctx context.Context, req *GetVersionRequest) (*VersionResponse, error) {
	actor, err := actorFrom(ctx)
	if err != nil {
		return nil, err
	}

	if req.VersionID != "" {
		v, err := s.engine.Get(ctx, req.VersionID)
		if err != nil {
			return nil, toStatus(err)
		}
		return &VersionResponse{Version: v}, nil
	}

	key, err := chainKey(req.Key, actor)
	if err != nil {
		return nil, err
	}
	n, err := version.ParseNumber(req.Number)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	v, err := s.engine.GetByNumber(ctx, key, n)
	if err != nil {
		return nil, toStatus(err)
	}
	return &VersionResponse{Version: v}, nil
}

func (s *Server) GetCurrent(ctx context.Context, req *ChainRequest) (*VersionResponse, error) {
	key, err := s.chain(ctx, req)
	if err != nil {
		return nil, err
	}
	v, err := s.engine.Current(ctx, key)
	if err != nil {
		return nil, toStatus(err)
	}
	return &VersionResponse{Version: v}, nil
}

func (s *Server) GetHistory(ctx context.Context, req *ChainRequest) (*HistoryResponse, error) {
	key, err := s.chain(ctx, req)
	if err != nil {
		return nil, err
	}
	history, err := s.engine.History(ctx, key)
	if err != nil {
		return nil, toStatus(err)
	}
	return &HistoryResponse{Versions: history}, nil
}

func (s *Server) Compare(ctx context.Context, req *CompareRequest) (*CompareResponse, error) {
	if _, err := actorFrom(ctx); err != nil {
		return nil, err
	}
	if req.FromVersionID == "" || req.ToVersionID == "" {
		return nil, status.Error(codes.InvalidArgument, "both version ids are required")
	}
	cmp, err := s.comparator.Compare(ctx, req.FromVersionID, req.ToVersionID)
	if err != nil {
		return nil, toStatus(err)
	}
	return &CompareResponse{Comparison: cmp}, nil
}

func (s *Server) GetTimeline(ctx context.Context, req *ChainRequest) (*TimelineResponse, error) {
	key, err := s.chain(ctx, req)
	if err != nil {
		return nil, err
	}
	entries, err := s.comparator.Timeline(ctx, key)
	if err != nil {
		return nil, toStatus(err)
	}
	return &TimelineResponse{Entries: entries}, nil
}

func (s *Server) GetStats(ctx context.Context, req *ChainRequest) (*StatsResponse, error) {
	key, err := s.chain(ctx, req)
	if err != nil {
		return nil, err
	}
	st, err := s.engine.Stats(ctx, key)
	if err != nil {
		return nil, toStatus(err)
	}
	return &StatsResponse{Stats: st}, nil
}

func (s *Server) GetAuditTrail(ctx context.Context, req *AuditTrailRequest) (*AuditTrailResponse, error) {
	if _, err := actorFrom(ctx); err != nil {
		return nil, err
	}
	if req.VersionID == "" {
		return nil, status.Error(codes.InvalidArgument, "version id is required")
	}
	records, err := s.engine.AuditTrail(ctx, req.VersionID)
	if err != nil {
		return nil, toStatus(err)
	}
	return &AuditTrailResponse{Records: records}, nil
}

func (s *Server) chain(ctx context.Context, req *ChainRequest) (version.ChainKey, error) {
	actor, err := actorFrom(ctx)
	if err != nil {
		return version.ChainKey{}, err
	}
	return chainKey(req.Key, actor)
}
