package main

import (
	"fmt"

	"github.com/studystack/assignsync/internal/assignsync"
	"github.com/studystack/assignsync/internal/config"
)

// engine bundles the wired components for one configuration. The store is
// built once per process; pipelines (sources, sinks, coordinator) can be
// rebuilt around it when the configuration file changes.
type engine struct {
	cfg         config.Config
	store       *assignsync.Store
	dispatcher  *assignsync.Dispatcher
	coordinator *assignsync.Coordinator
}

func buildEngine(cfg config.Config, logger assignsync.Logger, metrics assignsync.MetricsCollector) (*engine, error) {
	backend, err := assignsync.BuildStateBackendFromDSN(cfg.StateDSN)
	if err != nil {
		return nil, fmt.Errorf("state backend: %w", err)
	}
	store, err := assignsync.NewStore(assignsync.StoreOptions{
		StateBackend:          backend,
		RemovalDebounceCycles: cfg.RemovalDebounceCycles,
		Logger:                logger,
		Metrics:               metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}

	eng := &engine{cfg: cfg, store: store}
	if err := eng.rebuildPipeline(cfg, logger, metrics); err != nil {
		store.Close()
		return nil, err
	}
	return eng, nil
}

// rebuildPipeline reconstructs sources, sinks, dispatcher, and coordinator
// from cfg, reusing the existing store. Used for the initial build and for
// config hot-reload between cycles.
func (e *engine) rebuildPipeline(cfg config.Config, logger assignsync.Logger, metrics assignsync.MetricsCollector) error {
	var sinks []assignsync.Sink
	for i, sinkCfg := range cfg.Sinks {
		if !sinkCfg.IsEnabled() {
			logger.Debug("skipping disabled sink", "sinkType", sinkCfg.SinkType, "sinkId", sinkCfg.SinkID)
			continue
		}
		sink, err := assignsync.BuildSink(assignsync.SinkSpec{
			SinkType: sinkCfg.SinkType,
			SinkID:   sinkCfg.SinkID,
			BaseURL:  sinkCfg.BaseURL,
			Token:    config.ResolveCredential(sinkCfg.CredentialsRef),
		})
		if err != nil {
			return fmt.Errorf("sinks[%d]: %w", i, err)
		}
		sinks = append(sinks, sink)
	}

	var sources []assignsync.ConfiguredSource
	for i, srcCfg := range cfg.Sources {
		adapter, err := assignsync.BuildSourceAdapter(assignsync.SourceSpec{
			PlatformType: srcCfg.PlatformType,
			ClassID:      srcCfg.ClassID,
			BaseURL:      srcCfg.BaseURL,
			Token:        config.ResolveCredential(srcCfg.CredentialsRef),
		})
		if err != nil {
			return fmt.Errorf("sources[%d]: %w", i, err)
		}
		sources = append(sources, assignsync.ConfiguredSource{
			Adapter: adapter,
			ClassID: srcCfg.ClassID,
			Enabled: srcCfg.IsEnabled(),
		})
	}

	e.cfg = cfg
	e.dispatcher = assignsync.NewDispatcher(e.store, assignsync.DispatcherOptions{
		Sinks:       sinks,
		MaxAttempts: cfg.RetryMaxAttempts,
		BaseDelay:   cfg.RetryBaseDelay.Std(),
		MaxDelay:    cfg.RetryMaxDelay.Std(),
		Logger:      logger,
		Metrics:     metrics,
	})
	e.coordinator = assignsync.NewCoordinator(e.store, e.dispatcher, assignsync.CoordinatorOptions{
		Sources:              sources,
		MaxSourceConcurrency: cfg.MaxSourceConcurrency,
		SourceTimeout:        cfg.SourceTimeout.Std(),
		Logger:               logger,
		Metrics:              metrics,
	})
	return nil
}

func (e *engine) Close() error {
	return e.store.Close()
}
