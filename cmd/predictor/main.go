// Command predictor runs the rackwatch prediction service.
//
// Every interval the predictor replays the next timestamp of a recorded
// sequence: it assembles each rack's node telemetry, encodes the rack as a
// chain graph, asks the model service for per-node anomaly scores once per
// forecast window and caches the results. The cache is persisted after every
// tick and restored on start.
//
// The predictor serves an HTTP API on port 8001 (configurable):
//   - GET /results/{rack} - all cached predictions of a rack
//   - GET /timings/{rack}/latest - stage latencies at the newest timestamp
//   - GET /anomalies/{rack} - newest predictions flagged against thresholds
//   - GET /status - scheduler cursor and last tick
//   - GET /stream - WebSocket feed of tick events
//   - GET /healthz, /readyz - liveness and readiness
//   - GET /metrics - Prometheus metrics
//
// Usage:
//
//	predictor \
//	  -data-dir=/data \
//	  -schema-file=/etc/rackwatch/schema.yaml \
//	  -timestamps-file=/etc/rackwatch/timestamps.yaml \
//	  -inference-url=http://gnn_inference:10000 \
//	  -racks=0,1,2 -interval=1m
//
// Environment variables:
//
//	DATA_DIR          - Root of the per-rack node files (default: /data)
//	SCHEMA_FILE       - Schema descriptor (required)
//	TIMESTAMPS_FILE   - Timestamp sequence to replay (required)
//	RACKS             - Comma-separated rack ids (default: 0,1,2)
//	FORECAST_WINDOWS  - Comma-separated forecast windows (default: 4,6,12,24,32,64,96,192,288)
//	INTERVAL          - Scheduler interval (default: 1m)
//	INFERENCE_URL     - Model service base URL
//	STORAGE           - Cache backend: file, memory, redis, postgres (default: file)
//	GRPC_LISTEN       - gRPC health address (default: disabled)
//	LOG_LEVEL         - Logging level: debug, info, warn, error (default: info)
//	LOG_FORMAT        - Logging format: text, json (default: text)
package main

import (
	"context"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/HatiCode/rackwatch/cmd/predictor/config"
	"github.com/HatiCode/rackwatch/cmd/predictor/logger"
	"github.com/HatiCode/rackwatch/cmd/predictor/metrics"
	"github.com/HatiCode/rackwatch/cmd/predictor/router"
	"github.com/HatiCode/rackwatch/cmd/predictor/store"
	"github.com/HatiCode/rackwatch/cmd/predictor/stream"
	"github.com/HatiCode/rackwatch/pkg/anomaly"
	"github.com/HatiCode/rackwatch/pkg/httpx"
	"github.com/HatiCode/rackwatch/pkg/inference"
	"github.com/HatiCode/rackwatch/pkg/storage"
	"github.com/HatiCode/rackwatch/pkg/telemetry"
	"github.com/HatiCode/rackwatch/pkg/tls"
)

// healthService is the gRPC health service name reported by the predictor.
const healthService = "rackwatch.Predictor"

// version is set via ldflags at build time
var version = "dev"

func main() {
	cfg := config.ParseFlags()

	log := logger.New(cfg)
	slog.SetDefault(log)

	log.Info("starting rackwatch predictor",
		"version", version,
		"data_dir", cfg.DataDir,
		"racks", cfg.Racks,
		"inference_url", cfg.InferenceURL,
		"storage", cfg.Storage,
	)

	schema, err := telemetry.LoadSchema(cfg.SchemaFile)
	if err != nil {
		log.Error("failed to load schema", "error", err)
		os.Exit(1)
	}

	timestamps, err := telemetry.LoadTimestamps(cfg.TimestampsFile)
	if err != nil {
		log.Error("failed to load timestamp sequence", "error", err)
		os.Exit(1)
	}

	policy, err := buildPolicy(cfg)
	if err != nil {
		log.Error("failed to load anomaly thresholds", "error", err)
		os.Exit(1)
	}
	log.Info("anomaly policy", "direction", policy.Direction, "thresholds", policy.String())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	backend, err := store.New(ctx, cfg, log)
	if err != nil {
		log.Error("failed to open storage", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := backend.Close(); err != nil {
			log.Error("failed to close storage", "error", err)
		}
	}()

	cache, err := storage.LoadCache(ctx, backend)
	if err != nil {
		log.Warn("starting with an empty cache", "error", err)
		cache = storage.NewCache()
	} else {
		log.Info("prediction cache restored", "entries", cache.Len())
	}

	httpClient, err := httpx.NewClient(cfg.InferenceTLS, cfg.InferenceTimeout)
	if err != nil {
		log.Error("failed to create inference client", "error", err)
		os.Exit(1)
	}
	scorer := inference.New(cfg.InferenceURL, httpClient, inference.NewLimiter(cfg.InferenceRPS))

	m := metrics.New(nil)
	m.CacheEntries.Set(float64(cache.Len()))

	hub := stream.NewHub(stream.DefaultMaxClients, log)
	go hub.Run(ctx)

	var (
		grpcServer   *grpc.Server
		healthServer *health.Server
	)
	if cfg.GRPCListen != "" {
		grpcServer, healthServer = newGRPCHealth()
		lis, err := net.Listen("tcp", cfg.GRPCListen)
		if err != nil {
			log.Error("failed to listen", "address", cfg.GRPCListen, "error", err)
			os.Exit(1)
		}
		go func() {
			log.Info("grpc health server listening", "address", cfg.GRPCListen)
			if err := grpcServer.Serve(lis); err != nil {
				log.Error("grpc server failed", "error", err)
			}
		}()
	}

	p, err := New(Options{
		Assembler:   telemetry.NewAssembler(cfg.DataDir, schema, log),
		Scorer:      scorer,
		Cache:       cache,
		Store:       backend,
		Timestamps:  timestamps,
		Racks:       cfg.Racks,
		Windows:     cfg.Windows,
		Concurrency: cfg.InferenceConcurrency,
		OnTick: func(ev stream.Event) {
			hub.Publish(ev)
			if healthServer != nil {
				healthServer.SetServingStatus(healthService, grpc_health_v1.HealthCheckResponse_SERVING)
			}
		},
		Metrics: m,
		Logger:  log,
	})
	if err != nil {
		log.Error("failed to create predictor", "error", err)
		os.Exit(1)
	}

	mux := router.SetupRoutes(router.Options{
		Cache:      cache,
		Policy:     policy,
		Status:     p.Status,
		Ready:      p.Ready,
		Stream:     hub,
		StaleAfter: 2 * cfg.Interval, // results are stale after two missed ticks
		Logger:     log,
	})
	handler := httpx.Chain(mux, httpx.RecoveryMiddleware(log), httpx.LoggingMiddleware(log))
	httpServer := httpx.NewServer(cfg.Listen, handler, log)

	if cfg.TLS.Enabled {
		tlsConfig, err := tls.NewServerTLSConfig(cfg.TLS.CertFile, cfg.TLS.KeyFile, cfg.TLS.CAFile)
		if err != nil {
			log.Error("failed to create TLS config", "error", err)
			os.Exit(1)
		}
		httpServer.SetTLSConfig(tlsConfig)
	}

	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		if err := p.Run(ctx, cfg.Interval); err != nil && err != context.Canceled {
			log.Error("prediction loop failed", "error", err)
		}
	}()

	serverErr := make(chan error, 1)
	go func() {
		if cfg.TLS.Enabled {
			serverErr <- httpServer.StartTLS(cfg.TLS.CertFile, cfg.TLS.KeyFile)
			return
		}
		serverErr <- httpServer.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		log.Info("received shutdown signal", "signal", sig)
	case err := <-serverErr:
		if err != nil {
			log.Error("server failed", "error", err)
		}
	}

	log.Info("shutting down")
	cancel()
	<-loopDone

	if grpcServer != nil {
		healthServer.Shutdown()
		grpcServer.GracefulStop()
	}

	if err := httpServer.Stop(10 * time.Second); err != nil {
		log.Error("server shutdown failed", "error", err)
	}

	log.Info("shutdown complete")
}

// buildPolicy layers the anomaly settings: built-in thresholds, then the
// configured direction, then the thresholds file, then -thresholds.
func buildPolicy(cfg *config.Config) (anomaly.Policy, error) {
	policy := anomaly.DefaultPolicy()
	policy.Direction = cfg.AnomalyDirection

	if cfg.ThresholdsFile != "" {
		var err error
		policy, err = anomaly.LoadThresholds(cfg.ThresholdsFile, policy)
		if err != nil {
			return anomaly.Policy{}, err
		}
	}
	return policy.Merge(cfg.Thresholds), nil
}

// newGRPCHealth creates a gRPC server exposing grpc.health.v1. The predictor
// service reports NOT_SERVING until the first tick completes.
func newGRPCHealth() (*grpc.Server, *health.Server) {
	grpcServer := grpc.NewServer()

	healthServer := health.NewServer()
	grpc_health_v1.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus(healthService, grpc_health_v1.HealthCheckResponse_NOT_SERVING)

	reflection.Register(grpcServer)
	return grpcServer, healthServer
}
