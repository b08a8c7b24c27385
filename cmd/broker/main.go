// Command broker runs the media broker daemon: it loads configuration,
// opens the store, wires the platform adapters, and starts the two Task
// Engine tracks alongside the Retry Checker, Scheduler, and REST gateway,
// shutting all of them down in order on SIGINT/SIGTERM.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/genmedia/broker/internal/adapter"
	"github.com/genmedia/broker/internal/bus"
	"github.com/genmedia/broker/internal/config"
	"github.com/genmedia/broker/internal/engine"
	"github.com/genmedia/broker/internal/gateway"
	"github.com/genmedia/broker/internal/media"
	"github.com/genmedia/broker/internal/mission"
	otelpkg "github.com/genmedia/broker/internal/otel"
	"github.com/genmedia/broker/internal/platform"
	"github.com/genmedia/broker/internal/retrychecker"
	"github.com/genmedia/broker/internal/scheduler"
	"github.com/genmedia/broker/internal/store"
	"github.com/genmedia/broker/internal/telemetry"
	"github.com/mattn/go-isatty"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

  %s                  Start the broker daemon, serving the REST gateway
  %s -version         Print the build version and exit

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  MEDIABROKER_HOME                  Data directory (default: ~/.mediabroker)
  MEDIABROKER_MAX_CONCURRENT_API    Inflight cap for the image-task track
  MEDIABROKER_MAX_CONCURRENT_APP    Inflight cap for the video-task track
  MEDIABROKER_MAX_RETRY             Max retry count per item
  MEDIABROKER_BIND_ADDR             Gateway listen address
  MEDIABROKER_LOG_LEVEL             debug|info|warn|error
  MEDIABROKER_USE_MOCK              1 to load only the mock adapter
  RUNNINGHUB_API_KEY                Credential for the runninghub adapter
`)
}

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	quietFlag := flag.Bool("quiet", false, "log to file only, never mirror to stdout")
	flag.Usage = printUsage
	flag.Parse()
	if *showVersion {
		fmt.Println(Version)
		return
	}

	// Mirror logs to stdout only when attached to a terminal: a foreground
	// operator run benefits from seeing them live, a daemon under
	// systemd/supervisord/docker (stdout not a TTY) does not need the
	// duplicate stream since the file already has everything.
	quiet := *quietFlag || !isatty.IsTerminal(os.Stdout.Fd())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quiet)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "home", cfg.HomeDir)

	otelProvider, err := otelpkg.Init(ctx, otelpkg.Config{
		Enabled:        cfg.OTel.Enabled,
		Exporter:       cfg.OTel.Exporter,
		Endpoint:       cfg.OTel.Endpoint,
		ServiceName:    cfg.OTel.ServiceName,
		SampleRate:     cfg.OTel.SampleRate,
	})
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(context.Background())

	eventBus := bus.New()

	dbPath := filepath.Join(cfg.HomeDir, "broker.db")
	st, err := store.Open(dbPath, eventBus)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer st.Close()
	logger.Info("startup phase", "phase", "schema_migrated", "path", dbPath)

	if active, err := st.ListActiveMissionsForRecovery(ctx); err != nil {
		logger.Warn("list active missions for recovery failed", "error", err)
	} else if len(active) > 0 {
		logger.Info("startup phase", "phase", "recovery_pending", "active_missions", len(active))
	}

	adapters, defaultPlatform := buildAdapters(cfg, logger)
	platformMgr := platform.NewManager(adapters, defaultPlatform)

	mediaDir := filepath.Join(cfg.HomeDir, "media")
	uploader, ok := adapters[0].(media.Uploader)
	if !ok {
		fatalStartup(logger, "E_MEDIA_UPLOADER", fmt.Errorf("adapter %q does not implement UploadFile", adapters[0].Name()))
	}
	mediaSvc := media.New(st, uploader, mediaDir)

	apiEngine := engine.New(st, platformMgr, engine.Config{
		Track:          engine.TrackAPI,
		Concurrency:    cfg.MaxConcurrentAPI,
		PollInterval:   time.Duration(cfg.PollIntervalSeconds) * time.Second,
		BaseRetryDelay: time.Duration(cfg.BaseRetryDelaySeconds) * time.Second,
		MaxRetryDelay:  time.Duration(cfg.MaxRetryDelaySeconds) * time.Second,
		MaxRetry:       cfg.MaxRetry,
		Metrics:        otelProvider.Metrics,
		Tracer:         otelProvider.Tracer,
	})
	appEngine := engine.New(st, platformMgr, engine.Config{
		Track:          engine.TrackApp,
		Concurrency:    cfg.MaxConcurrentApp,
		PollInterval:   time.Duration(cfg.PollIntervalSeconds) * time.Second,
		BaseRetryDelay: time.Duration(cfg.BaseRetryDelaySeconds) * time.Second,
		MaxRetryDelay:  time.Duration(cfg.MaxRetryDelaySeconds) * time.Second,
		MaxRetry:       cfg.MaxRetry,
		Metrics:        otelProvider.Metrics,
		Tracer:         otelProvider.Tracer,
	})

	// Crash recovery runs inside Engine.Start, before each track's worker
	// pool begins draining its ready queue.
	apiEngine.Start(ctx)
	appEngine.Start(ctx)
	logger.Info("startup phase", "phase", "engines_started",
		"api_concurrency", cfg.MaxConcurrentAPI, "app_concurrency", cfg.MaxConcurrentApp)

	retryInterval := time.Duration(cfg.RetryCheckIntervalSeconds) * time.Second
	apiRetry := retrychecker.New(st, apiEngine, engine.TrackAPI, retryInterval)
	appRetry := retrychecker.New(st, appEngine, engine.TrackApp, retryInterval)
	apiRetry.Start(ctx)
	appRetry.Start(ctx)
	defer apiRetry.Stop()
	defer appRetry.Stop()

	schedInterval := time.Duration(cfg.SchedulerCheckIntervalSeconds) * time.Second
	apiSched := scheduler.New(st, apiEngine, engine.TrackAPI, schedInterval)
	appSched := scheduler.New(st, appEngine, engine.TrackApp, schedInterval)
	if _, err := apiSched.ExpireOverdue(ctx, cfg.ScheduleExpirySeconds); err != nil {
		logger.Warn("expire overdue scheduled missions failed", "error", err)
	}
	apiSched.Start(ctx)
	appSched.Start(ctx)
	defer apiSched.Stop()
	defer appSched.Stop()
	logger.Info("startup phase", "phase", "scheduler_started")

	facade := mission.New(st, apiEngine, appEngine)

	gw := gateway.New(gateway.Config{
		Missions:          facade,
		Media:             mediaSvc,
		Auth:              cfg.Auth,
		CORS:              cfg.CORS,
		RateLimit:         cfg.RateLimit,
		MaxRequestBytes:   cfg.Gateway.MaxRequestBytes,
		ConfigFingerprint: cfg.Fingerprint(),
		Healthy:           func() bool { return st.DB().Ping() == nil },
		Metrics:           otelProvider.Metrics,
		Tracer:            otelProvider.Tracer,
		QueueStatus: func() gateway.QueueStatus {
			return gateway.QueueStatus{
				API: gateway.TrackStatus{QueueLength: apiEngine.QueueLength(), CurrentInflight: apiEngine.Inflight(), MaxConcurrent: apiEngine.MaxConcurrent()},
				App: gateway.TrackStatus{QueueLength: appEngine.QueueLength(), CurrentInflight: appEngine.Inflight(), MaxConcurrent: appEngine.MaxConcurrent()},
			}
		},
	})

	server := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: gw.Handler(),
	}
	serverErr := make(chan error, 1)
	ln, err := net.Listen("tcp", cfg.BindAddr)
	if err != nil {
		fatalStartup(logger, "E_LISTENER_BIND", err)
	}
	go func() {
		logger.Info("gateway listening", "addr", cfg.BindAddr)
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("gateway server error", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)

	stop()
	apiEngine.Wait()
	appEngine.Wait()
	logger.Info("shutdown complete")
}

// buildAdapters loads every enabled platform adapter. When USE_MOCK is
// set, only the mock adapter is loaded.
func buildAdapters(cfg config.Config, logger *slog.Logger) ([]adapter.Adapter, string) {
	if cfg.UseMock {
		logger.Info("loading mock adapter only (USE_MOCK)")
		m := adapter.NewMock(adapter.MockConfig{
			StatePath: filepath.Join(cfg.HomeDir, "mock_tasks.json"),
		})
		return []adapter.Adapter{m}, "mock"
	}

	key := cfg.ProviderAPIKey("runninghub")
	if key == "" {
		logger.Warn("RUNNINGHUB_API_KEY not set; falling back to the mock adapter")
		m := adapter.NewMock(adapter.MockConfig{
			StatePath: filepath.Join(cfg.HomeDir, "mock_tasks.json"),
		})
		return []adapter.Adapter{m}, "mock"
	}
	rh := adapter.NewRunninghub(buildRunninghubConfig(cfg, key))
	return []adapter.Adapter{rh}, "runninghub"
}

// buildRunninghubConfig translates the config file's webapp/node-slot
// settings into the adapter's routing table, so a mission's model_id picks
// the right webapp submission target.
func buildRunninghubConfig(cfg config.Config, apiKey string) adapter.RunninghubConfig {
	out := adapter.RunninghubConfig{
		APIKey:    apiKey,
		WebappID:  cfg.RunninghubWebappID,
		NodeSlots: convertNodeSlots(cfg.RunninghubNodeSlots),
	}
	if len(cfg.RunninghubModels) > 0 {
		out.Models = make(map[string]adapter.RunninghubModelTarget, len(cfg.RunninghubModels))
		for modelID, m := range cfg.RunninghubModels {
			out.Models[modelID] = adapter.RunninghubModelTarget{
				WebappID:  m.WebappID,
				NodeSlots: convertNodeSlots(m.NodeSlots),
			}
		}
	}
	return out
}

func convertNodeSlots(in []config.RunninghubNodeSlotConfig) []adapter.RunninghubNodeSlot {
	out := make([]adapter.RunninghubNodeSlot, len(in))
	for i, s := range in {
		out[i] = adapter.RunninghubNodeSlot{ParamKey: s.ParamKey, NodeID: s.NodeID, FieldName: s.FieldName}
	}
	return out
}

func fatalStartup(logger *slog.Logger, code string, err error) {
	if logger != nil {
		logger.Error("fatal startup error", "code", code, "error", err)
	} else {
		fmt.Fprintf(os.Stderr, "%s: %v\n", code, err)
	}
	os.Exit(1)
}
