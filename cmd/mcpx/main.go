// Command mcpx runs the MCP aggregation gateway: one endpoint exposing the
// combined tool catalog of every configured target server, filtered per
// consumer by access-control profiles.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/mcpxhq/mcpx/pkg/acl"
	"github.com/mcpxhq/mcpx/pkg/aggregator"
	"github.com/mcpxhq/mcpx/pkg/config"
	"github.com/mcpxhq/mcpx/pkg/gateway"
	"github.com/mcpxhq/mcpx/pkg/metrics"
	"github.com/mcpxhq/mcpx/pkg/sessions"
	"github.com/mcpxhq/mcpx/pkg/targets"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()
	cmd := &cobra.Command{
		Use:           "mcpx",
		Short:         "Aggregating MCP gateway",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), v)
		},
	}

	flags := cmd.Flags()
	flags.String("listen", ":9000", "HTTP listen address")
	flags.String("config", "config/app.yaml", "path to the configuration document")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	flags.String("log-format", "json", "log format (json or console)")
	flags.Duration("session-ttl", 10*time.Minute, "idle TTL for client sessions (0 disables reaping)")
	flags.Duration("idle-threshold", time.Minute, "call inactivity after which a target reads as stopped")
	flags.Duration("backoff-initial", time.Second, "initial reconnect backoff for failed targets")
	flags.Duration("backoff-max", 30*time.Second, "reconnect backoff ceiling")

	_ = v.BindPFlags(flags)
	v.SetEnvPrefix("MCPX")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	return cmd
}

func run(ctx context.Context, v *viper.Viper) error {
	// Local .env is optional; real deployments use the process environment.
	_ = godotenv.Load()

	logger, err := buildLogger(v.GetString("log-level"), v.GetString("log-format"))
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	cfgPath := v.GetString("config")
	doc, err := config.Load(cfgPath)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return err
		}
		logger.Warn("configuration file missing, starting empty", zap.String("path", cfgPath))
		doc = &config.Document{}
	}
	store, err := config.NewStore(doc, logger)
	if err != nil {
		return err
	}

	recorder := metrics.NewRecorder()
	mgr := targets.NewManager(store.Current().TargetServers, &targets.Options{
		IdleThreshold:  v.GetDuration("idle-threshold"),
		BackoffInitial: v.GetDuration("backoff-initial"),
		BackoffMax:     v.GetDuration("backoff-max"),
		Logger:         logger,
	})
	engine := acl.NewEngine(store)
	agg := aggregator.New(mgr, engine, store, recorder, logger)
	registry := sessions.NewRegistry(v.GetDuration("session-ttl"), recorder, logger)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store.Subscribe(func(doc *config.Document) {
		applyCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		mgr.ApplyConfig(applyCtx, doc)
	})

	srv := gateway.NewServer(registry, agg, mgr, store, recorder, logger, &gateway.Options{
		Addr: v.GetString("listen"),
	})

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		mgr.Run(ctx)
		return nil
	})
	g.Go(func() error {
		registry.Run(ctx)
		return nil
	})
	g.Go(func() error {
		if err := config.Watch(ctx, cfgPath, store, logger); err != nil {
			logger.Warn("configuration watch unavailable", zap.Error(err))
		}
		return nil
	})
	g.Go(func() error {
		return srv.ListenAndServe(ctx)
	})

	err = g.Wait()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if cerr := mgr.Shutdown(shutdownCtx); cerr != nil {
		logger.Warn("target shutdown incomplete", zap.Error(cerr))
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("gateway stopped")
	return nil
}

func buildLogger(level, format string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	cfg := zap.NewProductionConfig()
	if format == "console" {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}
