package assignsync

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
)

const (
	defaultMaxSourceConcurrency = 4
	defaultSourceTimeout        = 60 * time.Second
)

// ConfiguredSource pairs an adapter with the class it scrapes.
type ConfiguredSource struct {
	Adapter SourceAdapter
	ClassID string
	Enabled bool
}

type CoordinatorOptions struct {
	Sources              []ConfiguredSource
	MaxSourceConcurrency int
	SourceTimeout        time.Duration
	Notifier             Notifier
	Logger               Logger
	Metrics              MetricsCollector
	Now                  func() time.Time
}

// Coordinator orchestrates one scraping cycle across all configured
// sources: bounded-concurrency fetches with per-source timeouts, the
// resolve/detect/upsert pipeline, the removal sweep, and dispatch. A single
// source failure never aborts the cycle.
type Coordinator struct {
	store      *Store
	dispatcher *Dispatcher
	sources    []ConfiguredSource
	maxConc    int64
	timeout    time.Duration
	notifier   Notifier
	logger     Logger
	metrics    MetricsCollector
	now        func() time.Time
}

func NewCoordinator(store *Store, dispatcher *Dispatcher, opts CoordinatorOptions) *Coordinator {
	maxConc := opts.MaxSourceConcurrency
	if maxConc <= 0 {
		maxConc = defaultMaxSourceConcurrency
	}
	timeout := opts.SourceTimeout
	if timeout <= 0 {
		timeout = defaultSourceTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = NopLogger()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = NewNopMetrics()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Coordinator{
		store:      store,
		dispatcher: dispatcher,
		sources:    opts.Sources,
		maxConc:    int64(maxConc),
		timeout:    timeout,
		notifier:   opts.Notifier,
		logger:     logger,
		metrics:    metrics,
		now:        now,
	}
}

type sourceResult struct {
	platform string
	classID  string
	records  []RawRecord
	failure  *SourceFailure
}

// RunCycle executes one full cycle and returns its report. Re-running
// immediately against identical upstream data yields all-unchanged counts.
// External cancellation stops in-flight fetches cooperatively; upserts
// already committed stay committed.
func (c *Coordinator) RunCycle(ctx context.Context) CycleReport {
	startedAt := c.now().UTC()
	cycleID := uuid.NewString()
	report := CycleReport{
		CycleID:   cycleID,
		StartedAt: startedAt,
	}
	c.logger.Info("cycle started", "cycleId", cycleID)

	// Heal deliveries left over from earlier cycles before producing new
	// events, so per-key version order holds at every sink.
	report.SinkFailures = append(report.SinkFailures, c.dispatcher.Resume(ctx)...)

	results := c.fetchAll(ctx)

	var dispatchable []ChangeEvent
	for _, res := range results {
		if res.failure != nil {
			report.SourceFailures = append(report.SourceFailures, *res.failure)
			c.metrics.RecordSourceOutcome(res.platform, false)
			continue
		}
		report.SourcesOK++
		c.metrics.RecordSourceOutcome(res.platform, true)
		c.metrics.RecordRecords(res.platform, len(res.records))
		report.RecordsSeen += len(res.records)

		observed := make(map[string]struct{}, len(res.records))
		for _, rec := range res.records {
			key := StableKey(res.platform, res.classID, rec)
			candidate := Materialize(key, res.platform, res.classID, rec, c.now())
			event, err := c.store.Upsert(cycleID, candidate, c.now())
			if err != nil {
				// Durability failure is fatal for this key only.
				report.SkippedKeys++
				c.logger.Error("upsert skipped", "key", key, "cycleId", cycleID, "error", err)
				continue
			}
			observed[key] = struct{}{}
			switch event.Kind {
			case ChangeCreated:
				report.Created++
				dispatchable = append(dispatchable, event)
			case ChangeUpdated:
				report.Updated++
				dispatchable = append(dispatchable, event)
			case ChangeUnchanged:
				report.Unchanged++
			}
		}

		// Removal detection only counts cycles where the source itself
		// succeeded; a failed scrape says nothing about absence.
		removedEvents, err := c.store.SweepMissing(cycleID, res.platform, res.classID, observed, c.now())
		if err != nil {
			c.logger.Error("removal sweep incomplete",
				"platform", res.platform, "classId", res.classID, "error", err)
		}
		report.Removed += len(removedEvents)
		dispatchable = append(dispatchable, removedEvents...)
	}
	report.SourcesTotal = len(results)

	report.SinkFailures = append(report.SinkFailures, c.dispatcher.Dispatch(ctx, dispatchable)...)
	if err := c.store.CompactDelivered(c.dispatcher.SinkIDs()); err != nil {
		c.logger.Error("change log compaction failed", "error", err)
	}

	report.FinishedAt = c.now().UTC()
	report.Status = cycleStatus(report)
	if err := c.store.AppendReport(report); err != nil {
		c.logger.Error("failed to persist cycle report", "cycleId", cycleID, "error", err)
	}
	c.metrics.RecordCycle(string(report.Status), report.FinishedAt.Sub(report.StartedAt).Seconds())
	c.logger.Info("cycle finished",
		"cycleId", cycleID,
		"status", string(report.Status),
		"created", report.Created,
		"updated", report.Updated,
		"removed", report.Removed,
		"unchanged", report.Unchanged,
		"sourceFailures", len(report.SourceFailures),
		"sinkFailures", len(report.SinkFailures))

	if c.notifier != nil {
		if err := c.notifier.Notify(ctx, report); err != nil {
			c.logger.Warn("notification failed", "cycleId", cycleID, "error", err)
		}
	}
	return report
}

// fetchAll invokes every enabled source adapter under the concurrency cap
// and a per-source timeout. Results come back in configuration order.
func (c *Coordinator) fetchAll(ctx context.Context) []sourceResult {
	var enabled []ConfiguredSource
	for _, src := range c.sources {
		if src.Adapter == nil {
			continue
		}
		if !src.Enabled {
			c.logger.Debug("skipping disabled source",
				"platform", src.Adapter.Platform(), "classId", src.ClassID)
			continue
		}
		enabled = append(enabled, src)
	}

	results := make([]sourceResult, len(enabled))
	sem := semaphore.NewWeighted(c.maxConc)
	var wg sync.WaitGroup
	for i, src := range enabled {
		if err := sem.Acquire(ctx, 1); err != nil {
			results[i] = c.failedResult(src, SourceNetworkError, err)
			continue
		}
		wg.Add(1)
		go func(i int, src ConfiguredSource) {
			defer wg.Done()
			defer sem.Release(1)
			results[i] = c.fetchOne(ctx, src)
		}(i, src)
	}
	wg.Wait()
	return results
}

func (c *Coordinator) fetchOne(ctx context.Context, src ConfiguredSource) sourceResult {
	fetchCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	records, err := src.Adapter.Fetch(fetchCtx, src.ClassID)
	if err != nil {
		kind := SourceNetworkError
		var srcErr *SourceError
		if errors.As(err, &srcErr) {
			kind = srcErr.Kind
		}
		c.logger.Warn("source fetch failed",
			"platform", src.Adapter.Platform(), "classId", src.ClassID,
			"kind", string(kind), "error", err)
		return c.failedResult(src, kind, err)
	}
	return sourceResult{
		platform: src.Adapter.Platform(),
		classID:  src.ClassID,
		records:  records,
	}
}

func (c *Coordinator) failedResult(src ConfiguredSource, kind SourceErrorKind, err error) sourceResult {
	return sourceResult{
		platform: src.Adapter.Platform(),
		classID:  src.ClassID,
		failure: &SourceFailure{
			Platform:  src.Adapter.Platform(),
			ClassID:   src.ClassID,
			Kind:      string(kind),
			Message:   err.Error(),
			Retryable: true,
		},
	}
}

func cycleStatus(report CycleReport) CycleStatus {
	if report.SourcesTotal > 0 && report.SourcesOK == 0 {
		return CycleFailed
	}
	if len(report.SourceFailures) > 0 || len(report.SinkFailures) > 0 || report.SkippedKeys > 0 {
		return CyclePartial
	}
	return CycleOK
}
