package serverrun

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	cfgpkg "github.com/rzbill/regflow/internal/config"
	"github.com/rzbill/regflow/internal/gate"
	"github.com/rzbill/regflow/internal/notify"
	"github.com/rzbill/regflow/internal/runtime"
	grpcserver "github.com/rzbill/regflow/internal/server/grpc"
	httpserver "github.com/rzbill/regflow/internal/server/http"
	"github.com/rzbill/regflow/internal/services/pipeline"
	"github.com/rzbill/regflow/internal/telemetry"
	logpkg "github.com/rzbill/regflow/pkg/log"
)

// Options carries the command line overrides. Empty fields keep the value
// from the config file or the environment.
type Options struct {
	ConfigPath string
	DataDir    string
	HTTPAddr   string
	GRPCAddr   string
	LogLevel   string
	LogFormat  string
}

// LoadConfig resolves the effective configuration: defaults, then the file,
// then REGFLOW_* variables, then flags.
func LoadConfig(opts Options) (cfgpkg.Config, error) {
	cfg, err := cfgpkg.Load(opts.ConfigPath)
	if err != nil {
		return cfgpkg.Config{}, err
	}
	if err := cfgpkg.FromEnv(&cfg); err != nil {
		return cfgpkg.Config{}, err
	}
	if opts.DataDir != "" {
		cfg.Store.DataDir = opts.DataDir
	}
	if opts.HTTPAddr != "" {
		cfg.Server.HTTPAddr = opts.HTTPAddr
	}
	if opts.GRPCAddr != "" {
		cfg.Server.GRPCAddr = opts.GRPCAddr
	}
	if opts.LogLevel != "" {
		cfg.Log.Level = opts.LogLevel
	}
	if opts.LogFormat != "" {
		cfg.Log.Format = opts.LogFormat
	}
	if err := cfg.Validate(); err != nil {
		return cfgpkg.Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Run starts the pipeline and both servers and blocks until ctx is cancelled
// or SIGINT/SIGTERM arrives. Servers are stopped before the store closes.
func Run(ctx context.Context, opts Options) error {
	cfg, err := LoadConfig(opts)
	if err != nil {
		return err
	}
	return RunConfig(ctx, cfg)
}

// RunConfig is Run with an already resolved configuration.
func RunConfig(ctx context.Context, cfg cfgpkg.Config) error {
	sctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger, err := logpkg.ApplyConfig(cfg.Log.Logger())
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	// Pebble and net/http write through the standard logger.
	logpkg.RedirectStdLog(logger)

	shutdownTracing, err := telemetry.Setup(sctx, cfg.Telemetry.ServiceName, cfg.Telemetry.Endpoint)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() {
		tctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(tctx); err != nil {
			logger.Warn("trace flush failed", logpkg.Err(err))
		}
	}()

	logger.Info("starting regflow",
		logpkg.Str("http", cfg.Server.HTTPAddr),
		logpkg.Str("grpc", cfg.Server.GRPCAddr),
		logpkg.Str("data_dir", cfg.Store.DataDir),
		logpkg.Str("fsync", cfg.Store.Fsync),
		logpkg.Int("trusted_proxies", len(cfg.Server.TrustedProxies)),
		logpkg.Int("max_attempts", cfg.Queue.MaxAttempts),
		logpkg.Bool("tracing", cfg.Telemetry.Endpoint != ""))

	rt, err := runtime.Open(sctx, runtime.Options{Config: cfg, Logger: logger})
	if err != nil {
		return err
	}
	defer rt.Close()

	gateStore := gate.NewMemoryStore(nil)
	var notifier notify.Notifier = notify.LogNotifier{Logger: logger}
	if cfg.Notify.WebhookURL != "" {
		notifier = notify.NewWebhookNotifier(cfg.Notify.WebhookURL, cfg.Notify.Timeout)
	}
	svc := pipeline.New(rt, pipeline.Options{
		Gate: gate.New(gateStore, gate.Options{
			RateLimit:   cfg.Gate.RateLimit,
			RateWindow:  cfg.Gate.RateWindow,
			DedupWindow: cfg.Gate.DedupWindow,
		}),
		Notifier: notifier,
		Logger:   logger,
	})

	hsrv := httpserver.New(svc, logger, httpserver.WithTrustedProxies(cfg.Server.TrustedProxies))
	hsrv.ShutdownTimeout = cfg.Server.ShutdownTimeout
	gsrv := grpcserver.New(svc, logger)

	gateStore.StartSweeper(sctx, cfg.Gate.SweepInterval, logger)
	svc.Start()

	g, gctx := errgroup.WithContext(sctx)
	g.Go(func() error {
		if err := hsrv.ListenAndServe(gctx, cfg.Server.HTTPAddr); err != nil {
			return fmt.Errorf("http: %w", err)
		}
		return nil
	})
	if cfg.Server.GRPCAddr != "" {
		g.Go(func() error {
			if err := gsrv.ListenAndServe(gctx, cfg.Server.GRPCAddr); err != nil {
				return fmt.Errorf("grpc: %w", err)
			}
			return nil
		})
	}
	serveErr := g.Wait()

	hsrv.Close()
	gsrv.Close()
	stopCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	_ = svc.Stop(stopCtx)
	if serveErr != nil {
		logger.Error("server exited", logpkg.Err(serveErr))
		return serveErr
	}
	logger.Info("regflow stopped")
	return nil
}
