// Copyright 2026 RelayPath
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	redisv9 "github.com/redis/go-redis/v9"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/relaypath/pipeflow/internal/audit"
	"github.com/relaypath/pipeflow/internal/canary"
	"github.com/relaypath/pipeflow/internal/config"
	"github.com/relaypath/pipeflow/internal/exec"
	"github.com/relaypath/pipeflow/internal/httpapi"
	"github.com/relaypath/pipeflow/internal/loader"
	"github.com/relaypath/pipeflow/internal/minidsl"
	"github.com/relaypath/pipeflow/internal/notify"
	"github.com/relaypath/pipeflow/internal/obs"
	"github.com/relaypath/pipeflow/internal/pipelinestore"
	"github.com/relaypath/pipeflow/internal/reload"
	"github.com/relaypath/pipeflow/internal/suspension"
	"github.com/relaypath/pipeflow/internal/versionstore"
)

var version = "dev"

func main() {
	var configPath string
	var loadDir string
	var loadRecursive bool
	var showVersion bool

	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	fs.StringVar(&configPath, "config", "config/config.yaml", "Path to YAML config")
	fs.StringVar(&loadDir, "load-dir", "", "Optional directory to bulk-load DSL sources from at startup")
	fs.BoolVar(&loadRecursive, "load-recursive", true, "Recurse into subdirectories when -load-dir is set")
	fs.BoolVar(&showVersion, "version", false, "Print version and exit")
	_ = fs.Parse(os.Args[1:])

	if showVersion {
		fmt.Println(version)
		return
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := obs.NewLogger(cfg.Observability.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	tp, err := obs.MaybeInitTracing(cfg)
	if err != nil {
		logger.Warn("tracing init failed", obs.Err(err))
	}
	if tp != nil {
		defer func() { _ = obs.TracerShutdown(context.Background(), tp) }()
	}

	metricsSrv := obs.StartMetricsServer(cfg.Observability.MetricsPort)
	defer func() { _ = metricsSrv.Shutdown(context.Background()) }()

	store, err := pipelinestore.New(cfg.Store, logger, nil)
	if err != nil {
		logger.Fatal("failed to open pipeline store", obs.Err(err))
	}
	versions := versionstore.New()
	suspStore := suspension.New(cfg.Suspension.MaxRecords, suspensionBackend(cfg, logger))

	trail, err := audit.New(cfg.Audit)
	if err != nil {
		logger.Fatal("failed to open audit trail", obs.Err(err))
	}
	defer trail.Close()

	publisher, err := notify.New(cfg.Notify, logger)
	if err != nil {
		logger.Warn("notify publisher disabled", obs.Err(err))
	}
	defer publisher.Close()

	compiler := minidsl.New()
	engine := minidsl.NewEngine()

	// canary.Router needs its alias-repoint callback at construction time,
	// but that callback calls back into the coordinator built from the
	// router — resolved with a forward-declared pointer closure.
	var coordinator *reload.Coordinator
	canaryRouter := canary.New(cfg.Canary.MetricsRingSize, func(name, hash string) error {
		return coordinator.OnCanaryComplete(name, hash)
	}, logger)
	coordinator = reload.New(store, versions, canaryRouter, compiler, trail, logger).WithNotifier(publisher)

	facade := exec.New(store, suspStore, engine, compiler, canaryRouter, cfg.Observability.Tracing.Enabled, logger)

	bulkLoader := loader.New(store, compiler, cfg.Loader, logger)
	if loadDir != "" {
		result, err := bulkLoader.Load(context.Background(), loader.Options{
			Directory:     loadDir,
			Recursive:     loadRecursive,
			AliasStrategy: loader.AliasFileName,
		})
		if err != nil {
			logger.Error("startup bulk load failed", obs.Err(err))
		} else {
			logger.Info("startup bulk load complete",
				obs.Int("loaded", result.Loaded), obs.Int("failed", result.Failed), obs.Int("skipped", result.Skipped))
		}
	}
	if cfg.Loader.CronSpec != "" {
		if err := bulkLoader.StartScheduled(loader.Options{
			Directory:     loadDir,
			Recursive:     loadRecursive,
			AliasStrategy: loader.AliasFileName,
		}, cfg.Loader.CronSpec); err != nil {
			logger.Warn("scheduled reload not started", obs.Err(err))
		}
		defer bulkLoader.Stop()
	}

	handler := httpapi.New(store, versions, canaryRouter, facade, coordinator, logger)
	router := mux.NewRouter()
	handler.RegisterRoutes(router)

	httpSrv := &http.Server{
		Addr:         cfg.Server.ListenAddr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		logger.Info("pipeflowd listening", obs.String("addr", cfg.Server.ListenAddr))
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("http server error", obs.Err(err))
		}
	}()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("signal received, shutting down", obs.String("signal", sig.String()))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server shutdown error", obs.Err(err))
	}
}

// suspensionBackend builds the configured SuspensionStore backend, or nil
// for the default in-memory one.
func suspensionBackend(cfg *config.Config, logger *zap.Logger) suspension.Backend {
	switch cfg.Suspension.Backend {
	case "redis":
		rdb := redisv9.NewClient(&redisv9.Options{
			Addr:        cfg.Suspension.RedisAddr,
			DB:          cfg.Suspension.RedisDB,
			DialTimeout: cfg.Suspension.DialTimeout,
		})
		return suspension.NewRedisV9Backend(rdb, cfg.Suspension.KeyPrefix)
	case "redisv8":
		rdb := redis.NewClient(&redis.Options{
			Addr:        cfg.Suspension.RedisAddr,
			DB:          cfg.Suspension.RedisDB,
			DialTimeout: cfg.Suspension.DialTimeout,
		})
		return suspension.NewRedisV8Backend(rdb, cfg.Suspension.KeyPrefix)
	default:
		logger.Debug("suspension store using in-memory backend")
		return nil
	}
}
