package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/bizportal/flowd/internal/httpapi"
	"github.com/bizportal/flowd/internal/logging"
)

const shutdownTimeout = 30 * time.Second

func (c *cli) newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the engine with the HTTP API and MCP endpoint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.serve(cmd.Context())
		},
	}
	cmd.Flags().String("addr", "", "HTTP listen address")
	cmd.Flags().String("definitions", "", "directory of definition files to publish at start")
	_ = c.v.BindPFlag("listen_addr", cmd.Flags().Lookup("addr"))
	_ = c.v.BindPFlag("definitions_dir", cmd.Flags().Lookup("definitions"))
	return cmd
}

func (c *cli) serve(parent context.Context) error {
	cfg, err := c.config()
	if err != nil {
		return err
	}
	level := new(slog.LevelVar)
	level.Set(logging.ParseLevel(cfg.LogLevel))
	logger := logging.NewLeveled(os.Stderr, cfg.LogFormat, level)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Bind early so probes see 503 rather than connection refused while
	// in-flight instances recover.
	swapper := newHandlerSwapper(warmingUp())
	srv := httpapi.NewHTTPServer(cfg.ListenAddr, swapper)
	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("http listening", slog.String("addr", cfg.ListenAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrors <- err
		}
	}()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		shutdownHTTP(srv, logger)
		return err
	}
	if err := a.start(ctx); err != nil {
		shutdownHTTP(srv, logger)
		a.stop()
		return err
	}
	swapper.Swap(a.api.Handler())
	watchConfig(c.v, newConfigWatcher(cfg, level, logger))

	select {
	case err = <-serverErrors:
		logger.Error("http server failed", slog.String("error", err.Error()))
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownHTTP(srv, logger)
	a.stop()
	logger.Info("flowd stopped")
	return err
}

func shutdownHTTP(srv *http.Server, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("http shutdown", slog.String("error", err.Error()))
		_ = srv.Close()
	}
}

func (c *cli) newMCPCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Run the engine with the MCP server on stdio",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := c.config()
			if err != nil {
				return err
			}
			// stdout carries the protocol; logs go to stderr.
			logger := logging.New(os.Stderr, cfg.LogFormat, cfg.LogLevel)
			slog.SetDefault(logger)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer a.stop()
			if err := a.start(ctx); err != nil {
				return err
			}
			if err := a.mcp.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("mcp: %w", err)
			}
			return nil
		},
	}
}

// configWatcher applies config file edits to a running server. Only the log
// level changes live; everything else is reported as needing a restart.
type configWatcher struct {
	mu      sync.Mutex
	current Config
	level   *slog.LevelVar
	logger  *slog.Logger
}

func newConfigWatcher(cfg Config, level *slog.LevelVar, logger *slog.Logger) *configWatcher {
	return &configWatcher{current: cfg, level: level, logger: logger}
}

func (w *configWatcher) apply(next Config) configDiff {
	w.mu.Lock()
	defer w.mu.Unlock()
	d := diffConfigs(w.current, next)
	if d.LogLevelChanged {
		w.level.Set(logging.ParseLevel(next.LogLevel))
		w.logger.Info("log level changed", slog.String("level", next.LogLevel))
	}
	if len(d.RestartNeeded) > 0 {
		w.logger.Warn("config change needs a restart", slog.Any("fields", d.RestartNeeded))
	}
	w.current = next
	return d
}

func watchConfig(v *viper.Viper, w *configWatcher) {
	if v.ConfigFileUsed() == "" {
		return
	}
	v.OnConfigChange(func(fsnotify.Event) {
		next, err := decodeConfig(v)
		if err != nil {
			w.logger.Warn("ignoring invalid config change", slog.String("error", err.Error()))
			return
		}
		w.apply(next)
	})
	v.WatchConfig()
}
