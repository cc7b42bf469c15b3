package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"

	"github.com/metorial/chatops/internal/api"
	"github.com/metorial/chatops/internal/broadcast"
	"github.com/metorial/chatops/internal/chat"
	"github.com/metorial/chatops/internal/config"
	"github.com/metorial/chatops/internal/discovery"
	"github.com/metorial/chatops/internal/executor"
	"github.com/metorial/chatops/internal/logging"
	"github.com/metorial/chatops/internal/registry"
	"github.com/metorial/chatops/internal/runner"
	"github.com/metorial/chatops/internal/store"
	"github.com/metorial/chatops/internal/sysinfo"
)

var version = "dev"

const (
	metricsInterval = time.Minute
	shutdownTimeout = 10 * time.Second
	restartReason   = "interrupted by server restart"
	// waitGrace is added to the script runtime limit to bound how long a
	// chat connection waits for a task.
	waitGrace = 30 * time.Second
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := logging.NewLogger(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		return err
	}
	defer logger.Sync()
	zap.ReplaceGlobals(logger)

	shutdownMetrics, err := logging.SetupMetrics(metricsInterval)
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownMetrics(flushCtx); err != nil {
			logger.Warn("Metrics shutdown failed", zap.Error(err))
		}
	}()

	metrics, err := logging.NewMetrics()
	if err != nil {
		return fmt.Errorf("create metrics: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := store.NewDB(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return fmt.Errorf("initialize database: %w", err)
	}
	defer db.Close()

	if n, err := db.FailUnfinishedTasks(ctx, restartReason); err != nil {
		return fmt.Errorf("recover tasks: %w", err)
	} else if n > 0 {
		logger.Warn("Marked unfinished tasks as failed", zap.Int64("count", n))
	}

	scripts := registry.New(db, logger)
	if *cfg.SeedDefaults {
		n, err := scripts.SeedDefaults(ctx)
		if err != nil {
			return fmt.Errorf("seed scripts: %w", err)
		}
		if n > 0 {
			logger.Info("Registered default scripts", zap.Int("count", n))
		}
	}

	tasks := executor.New(db, runner.New(logger), executor.Options{
		ScriptsDir: cfg.Scripts.Dir,
		MaxRuntime: cfg.Scripts.MaxRuntime,
		Workers:    cfg.Scripts.Workers,
	}, metrics, logger)
	defer tasks.Close()

	rooms := broadcast.New(metrics, logger)
	identity := chat.NewIdentityResolver(db)
	router := chat.NewRouter(db, scripts, tasks, rooms, cfg.Scripts.PollInterval, cfg.Scripts.MaxRuntime+waitGrace, logger)
	sessions := chat.NewHandler(identity, router, rooms, cfg.CORSOrigins, logger)

	var host api.HostStats
	if collector, err := sysinfo.NewCollector(cfg.Scripts.Dir); err != nil {
		logger.Warn("Host stats unavailable", zap.Error(err))
	} else {
		host = collector
	}

	apiMux := http.NewServeMux()
	api.NewAPI(db, scripts, tasks, identity, host, rooms, version, logger).RegisterRoutes(apiMux)

	mux := http.NewServeMux()
	mux.Handle("/ws/{room}", sessions)
	mux.Handle("/", api.Handler(apiMux, cfg.CORSOrigins))

	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	grpcListener, err := net.Listen("tcp", ":"+cfg.GRPCPort)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	grpcServer := grpc.NewServer()
	healthServer := health.NewServer()
	grpc_health_v1.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)

	if cfg.Consul.Address != "" {
		sd, err := registerConsul(cfg)
		if err != nil {
			logger.Warn("Failed to register with Consul", zap.Error(err))
		} else {
			defer func() {
				if err := sd.Deregister(); err != nil {
					logger.Warn("Failed to deregister from Consul", zap.Error(err))
				}
			}()
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("gRPC health server listening", zap.String("port", cfg.GRPCPort))
		return grpcServer.Serve(grpcListener)
	})

	g.Go(func() error {
		logger.Info("HTTP server listening", zap.String("port", cfg.HTTPPort), zap.String("version", version))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down")
		healthServer.Shutdown()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("HTTP shutdown failed", zap.Error(err))
		}
		sessions.Close()
		grpcServer.GracefulStop()
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("Server exited cleanly")
	return nil
}

func registerConsul(cfg *config.Config) (*discovery.ServiceDiscovery, error) {
	sd, err := discovery.NewServiceDiscovery(cfg.Consul.Address, cfg.Consul.ServiceName)
	if err != nil {
		return nil, err
	}

	address := os.Getenv("NOMAD_IP_http")
	if address == "" {
		address = discovery.LocalIP()
	}

	grpcPort, err := strconv.Atoi(cfg.GRPCPort)
	if err != nil {
		return nil, fmt.Errorf("grpc port %q: %w", cfg.GRPCPort, err)
	}
	httpPort, err := strconv.Atoi(cfg.HTTPPort)
	if err != nil {
		return nil, fmt.Errorf("http port %q: %w", cfg.HTTPPort, err)
	}

	if err := sd.Register(address, grpcPort, httpPort); err != nil {
		return nil, err
	}
	return sd, nil
}
