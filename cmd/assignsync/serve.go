package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/studystack/assignsync/internal/assignsync"
	"github.com/studystack/assignsync/internal/config"
	"github.com/studystack/assignsync/internal/httpapi"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run cycles on a schedule and expose the status API",
	Long: `Runs reconciliation cycles at the configured frequency and serves the
HTTP status API (assignments, change events, cycle reports, dead letters,
metrics, and a live websocket event stream).

The configuration file is watched; edits to sources, sinks, or retry
settings take effect at the next cycle. Changing state_dsn or listen_addr
requires a restart.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		logger := assignsync.NewSlogLogger(newLogger())
		metrics := assignsync.NewPrometheusMetrics(nil, "assignsync")
		eng, err := buildEngine(cfg, logger, metrics)
		if err != nil {
			return err
		}
		defer eng.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		srv := &server{
			eng:     eng,
			logger:  logger,
			metrics: metrics,
		}
		return srv.run(ctx, cfg)
	},
}

type server struct {
	mu          sync.Mutex
	eng         *engine
	logger      assignsync.Logger
	metrics     assignsync.MetricsCollector
	cycleTicker *time.Ticker
}

func (s *server) run(ctx context.Context, cfg config.Config) error {
	apiServer := httpapi.NewServer(s.eng.store, s.runCycleForRequest, httpapi.ServerConfig{
		APIToken:       config.ResolveCredential(cfg.APITokenRef),
		MetricsHandler: promhttp.Handler(),
	}, s.logger)

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           apiServer,
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		s.logger.Info("api listening", "addr", cfg.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	watcherDone := s.watchConfig(ctx)

	ticker := time.NewTicker(cfg.RunFrequency.Std())
	defer ticker.Stop()
	s.mu.Lock()
	s.cycleTicker = ticker
	s.mu.Unlock()

	s.runCycle(ctx)
	for {
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			err := httpServer.Shutdown(shutdownCtx)
			cancel()
			<-watcherDone
			s.logger.Info("shut down")
			return err
		case err := <-serveErr:
			return err
		case <-ticker.C:
			s.runCycle(ctx)
		}
	}
}

func (s *server) runCycle(ctx context.Context) assignsync.CycleReport {
	s.mu.Lock()
	coordinator := s.eng.coordinator
	s.mu.Unlock()
	return coordinator.RunCycle(ctx)
}

func (s *server) runCycleForRequest(r *http.Request) assignsync.CycleReport {
	return s.runCycle(r.Context())
}

// watchConfig reloads pipeline configuration when the file changes. An
// invalid edit is rejected with a log line and the previous configuration
// stays active.
func (s *server) watchConfig(ctx context.Context) <-chan struct{} {
	done := make(chan struct{})
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		s.logger.Warn("config watch disabled", "error", err)
		close(done)
		return done
	}
	// Watch the directory: editors replace files on save, which drops a
	// watch registered on the path itself.
	dir := filepath.Dir(configPath)
	if err := watcher.Add(dir); err != nil {
		s.logger.Warn("config watch disabled", "path", dir, "error", err)
		_ = watcher.Close()
		close(done)
		return done
	}

	go func() {
		defer close(done)
		defer watcher.Close()
		target := filepath.Clean(configPath)
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}
				s.reloadConfig()
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				s.logger.Warn("config watch error", "error", err)
			}
		}
	}()
	return done
}

func (s *server) reloadConfig() {
	cfg, err := config.Load(configPath)
	if err != nil {
		s.logger.Error("config reload rejected", "path", configPath, "error", err)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if cfg.StateDSN != s.eng.cfg.StateDSN {
		s.logger.Warn("state_dsn change ignored until restart")
		cfg.StateDSN = s.eng.cfg.StateDSN
	}
	if cfg.ListenAddr != s.eng.cfg.ListenAddr {
		s.logger.Warn("listen_addr change ignored until restart")
		cfg.ListenAddr = s.eng.cfg.ListenAddr
	}
	prevFrequency := s.eng.cfg.RunFrequency
	if err := s.eng.rebuildPipeline(cfg, s.logger, s.metrics); err != nil {
		s.logger.Error("config reload rejected", "error", err)
		return
	}
	if cfg.RunFrequency != prevFrequency && s.cycleTicker != nil {
		s.cycleTicker.Reset(cfg.RunFrequency.Std())
		s.logger.Info("run frequency updated", "runFrequency", cfg.RunFrequency.Std().String())
	}
	s.logger.Info("configuration reloaded",
		"sources", len(cfg.Sources), "sinks", len(cfg.Sinks))
}
