package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/nainya/govlifecycle/internal/config"
	"github.com/nainya/govlifecycle/internal/logger"
	"github.com/nainya/govlifecycle/internal/metrics"
	"github.com/nainya/govlifecycle/internal/server"
	"github.com/nainya/govlifecycle/pkg/audit"
	"github.com/nainya/govlifecycle/pkg/chainstore"
	"github.com/nainya/govlifecycle/pkg/chainstore/sqlstore"
	"github.com/nainya/govlifecycle/pkg/compare"
	"github.com/nainya/govlifecycle/pkg/lifecycle"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the gRPC server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if err := applyFlags(cmd, &cfg); err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return serve(ctx, cfg)
	},
}

func init() {
	f := serveCmd.Flags()
	f.Int("port", 0, "gRPC port (overrides LIFECYCLE_GRPC_PORT)")
	f.Int("metrics-port", 0, "observability port, 0 keeps LIFECYCLE_METRICS_PORT")
	f.String("store", "", "store driver: memory, sqlite or postgres")
	f.String("dsn", "", "store DSN or SQLite file path")
	f.String("log-level", "", "debug, info, warn or error")
	f.String("journal", "", "audit journal path")
}

// applyFlags overrides environment settings with flags set on the command line.
func applyFlags(cmd *cobra.Command, cfg *config.Config) error {
	f := cmd.Flags()
	if f.Changed("port") {
		cfg.GrpcPort, _ = f.GetInt("port")
	}
	if f.Changed("metrics-port") {
		cfg.MetricsPort, _ = f.GetInt("metrics-port")
	}
	if f.Changed("store") {
		driver, _ := f.GetString("store")
		cfg.StoreDriver = strings.ToLower(strings.TrimSpace(driver))
	}
	if f.Changed("dsn") {
		cfg.StoreDSN, _ = f.GetString("dsn")
	}
	if f.Changed("log-level") {
		cfg.LogLevel, _ = f.GetString("log-level")
	}
	if f.Changed("journal") {
		cfg.JournalPath, _ = f.GetString("journal")
	}
	return cfg.Validate()
}

// openStore returns the configured store and a readiness probe for it.
func openStore(ctx context.Context, cfg config.Config, log *logger.Logger) (chainstore.Store, server.ReadyFunc, error) {
	if cfg.StoreDriver == config.DriverMemory {
		return chainstore.NewMemory(), nil, nil
	}
	store, err := sqlstore.Open(ctx, cfg.StoreDriver, cfg.StoreDSN, sqlstore.WithLogger(log))
	if err != nil {
		return nil, nil, fmt.Errorf("open %s store: %w", cfg.StoreDriver, err)
	}
	return store, store.Ping, nil
}

// newRelay relays committed audit records from the store outbox into the
// configured journal. Without a journal nothing drains the outbox, which is
// logged as a warning; relay and journal are then nil.
func newRelay(cfg config.Config, outbox audit.Outbox, log *logger.Logger, m *metrics.Metrics) (*audit.Relay, *audit.Journal, error) {
	if cfg.JournalPath == "" {
		log.Warn("Audit relay disabled").
			Str("event", "audit_relay_disabled").
			Str("store_driver", cfg.StoreDriver).
			Msg("LIFECYCLE_AUDIT_JOURNAL is unset; audit_outbox rows accumulate until a relay drains them")
		return nil, nil, nil
	}
	journal, err := audit.OpenJournal(cfg.JournalPath)
	if err != nil {
		return nil, nil, fmt.Errorf("open audit journal: %w", err)
	}
	relay := audit.NewRelay(outbox, journal,
		audit.WithInterval(cfg.RelayInterval),
		audit.WithBatchSize(cfg.RelayBatch),
		audit.WithLogger(log),
		audit.WithObserver(m),
	)
	return relay, journal, nil
}

func serve(ctx context.Context, cfg config.Config) error {
	logger.InitGlobalLogger(cfg.Logger())
	log := logger.GetGlobalLogger()
	log.LogServerStart(cfg.GrpcPort, cfg.StoreDriver)

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.NewMetricsWith(registry)

	store, ready, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer store.Close()

	engine := lifecycle.New(store,
		lifecycle.WithLogger(log),
		lifecycle.WithMetrics(m),
		lifecycle.WithStoreTimeout(cfg.StoreTimeout),
	)
	comparator := compare.New(store, compare.WithLogger(log))

	relay, journal, err := newRelay(cfg, store, log, m)
	if err != nil {
		return err
	}
	if journal != nil {
		defer journal.Close()
	}

	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.GrpcPort))
	if err != nil {
		return fmt.Errorf("listen on %d: %w", cfg.GrpcPort, err)
	}
	grpcServer, healthServer := server.NewGRPCServer(
		server.NewServer(engine, comparator, log), m,
		grpc.MaxRecvMsgSize(100*1024*1024), // 100 MB
		grpc.MaxSendMsgSize(100*1024*1024), // 100 MB
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.LogServerReady(cfg.GrpcPort)
		return grpcServer.Serve(lis)
	})
	g.Go(func() error {
		<-gctx.Done()
		log.LogServerShutdown()
		healthServer.Shutdown()
		stopped := make(chan struct{})
		go func() {
			grpcServer.GracefulStop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-time.After(shutdownTimeout):
			grpcServer.Stop()
		}
		return nil
	})

	if cfg.MetricsPort > 0 {
		obs := server.NewObservabilityServer(cfg.MetricsPort, registry, ready, log)
		g.Go(obs.Start)
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return obs.Shutdown(shutdownCtx)
		})
	}

	if relay != nil {
		g.Go(func() error { return relay.Run(gctx) })
	}

	g.Go(func() error {
		m.RunUptime(gctx)
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}
