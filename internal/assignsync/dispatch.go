package assignsync

import (
	"context"
	"errors"
	"sync"
	"time"
)

const (
	defaultRetryMaxAttempts = 5
	defaultRetryBaseDelay   = 100 * time.Millisecond
	defaultRetryMaxDelay    = 5 * time.Second
)

type DispatcherOptions struct {
	Sinks       []Sink
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Logger      Logger
	Metrics     MetricsCollector
}

// Dispatcher fans change events out to the configured sinks. Each sink gets
// its own serialized delivery stream so one broken sink never blocks or
// delays another; per-sink retries use capped exponential backoff and land
// in the delivery ledger, which the Dispatcher exclusively owns.
type Dispatcher struct {
	store       *Store
	sinks       []Sink
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
	logger      Logger
	metrics     MetricsCollector
}

func NewDispatcher(store *Store, opts DispatcherOptions) *Dispatcher {
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultRetryMaxAttempts
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = defaultRetryBaseDelay
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = defaultRetryMaxDelay
	}
	logger := opts.Logger
	if logger == nil {
		logger = NopLogger()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = NewNopMetrics()
	}
	return &Dispatcher{
		store:       store,
		sinks:       opts.Sinks,
		maxAttempts: maxAttempts,
		baseDelay:   baseDelay,
		maxDelay:    maxDelay,
		logger:      logger,
		metrics:     metrics,
	}
}

// SinkIDs lists the configured sink identifiers.
func (d *Dispatcher) SinkIDs() []string {
	ids := make([]string, 0, len(d.sinks))
	for _, sink := range d.sinks {
		ids = append(ids, sink.ID())
	}
	return ids
}

// Dispatch delivers the given events to every sink. Events must arrive in
// version order per key; the per-sink loop preserves that order. Returns
// the permanent failures recorded during this call.
func (d *Dispatcher) Dispatch(ctx context.Context, events []ChangeEvent) []SinkFailure {
	if len(events) == 0 || len(d.sinks) == 0 {
		return nil
	}
	return d.deliverAll(ctx, func(Sink) []ChangeEvent { return events })
}

// Resume re-drives events each sink has not conclusively handled, in log
// order. Called at startup and before each cycle so a sink outage is healed
// without replaying deliveries that already succeeded.
func (d *Dispatcher) Resume(ctx context.Context) []SinkFailure {
	if len(d.sinks) == 0 {
		return nil
	}
	return d.deliverAll(ctx, func(sink Sink) []ChangeEvent {
		return d.store.UndeliveredEvents(sink.ID())
	})
}

func (d *Dispatcher) deliverAll(ctx context.Context, eventsFor func(Sink) []ChangeEvent) []SinkFailure {
	var (
		mu       sync.Mutex
		failures []SinkFailure
		wg       sync.WaitGroup
	)
	for _, sink := range d.sinks {
		wg.Add(1)
		go func(sink Sink) {
			defer wg.Done()
			for _, event := range eventsFor(sink) {
				failure := d.deliverOne(ctx, sink, event)
				if failure != nil {
					mu.Lock()
					failures = append(failures, *failure)
					mu.Unlock()
				}
				if ctx.Err() != nil {
					return
				}
			}
		}(sink)
	}
	wg.Wait()
	return failures
}

// deliverOne drives a single (event, sink) pair to a conclusive outcome or
// a retryable stop. Re-delivery of an already-succeeded pair is a no-op:
// sinks key writes by (assignment key, version), and the ledger remembers.
func (d *Dispatcher) deliverOne(ctx context.Context, sink Sink, event ChangeEvent) *SinkFailure {
	sinkID := sink.ID()
	rec, known := d.store.GetDeliveryRecord(event.EventID, sinkID)
	if known {
		switch rec.Outcome {
		case DeliverySucceeded, DeliveryFailedPermanent:
			return nil
		}
	} else {
		rec = DeliveryRecord{
			SinkID:        sinkID,
			EventID:       event.EventID,
			AssignmentKey: event.AssignmentKey,
			Outcome:       DeliveryPending,
		}
	}

	current, err := d.store.Get(event.AssignmentKey)
	if err != nil {
		// Assignment vanished from the store; nothing to render.
		rec.Outcome = DeliveryFailedPermanent
		rec.LastError = err.Error()
		rec.LastAttemptAt = time.Now().UTC()
		d.putRecord(rec)
		return &SinkFailure{
			SinkID:        sinkID,
			EventID:       event.EventID,
			AssignmentKey: event.AssignmentKey,
			Kind:          "missing_assignment",
			Message:       err.Error(),
		}
	}

	for {
		if ctx.Err() != nil {
			return nil
		}
		rec.AttemptCount++
		rec.LastAttemptAt = time.Now().UTC()
		writeErr := sink.Write(ctx, event, current)
		if writeErr == nil {
			rec.Outcome = DeliverySucceeded
			rec.LastError = ""
			d.putRecord(rec)
			d.metrics.RecordDelivery(sinkID, string(DeliverySucceeded))
			return nil
		}

		kind := SinkTransientError
		var sinkErr *SinkError
		if errors.As(writeErr, &sinkErr) {
			kind = sinkErr.Kind
		}
		rec.LastError = writeErr.Error()

		retryable := kind == SinkTransientError
		if !retryable || rec.AttemptCount >= d.maxAttempts {
			rec.Outcome = DeliveryFailedPermanent
			d.putRecord(rec)
			d.metrics.RecordDelivery(sinkID, string(DeliveryFailedPermanent))
			d.logger.Warn("delivery failed permanently",
				"sink", sinkID, "event", event.EventID, "kind", string(kind), "attempts", rec.AttemptCount)
			return &SinkFailure{
				SinkID:        sinkID,
				EventID:       event.EventID,
				AssignmentKey: event.AssignmentKey,
				Kind:          string(kind),
				Message:       writeErr.Error(),
			}
		}

		rec.Outcome = DeliveryFailedRetryable
		d.putRecord(rec)
		d.metrics.RecordDelivery(sinkID, string(DeliveryFailedRetryable))
		d.metrics.RecordDeliveryRetry(sinkID)
		if waitErr := waitWithContext(ctx, d.retryDelay(rec.AttemptCount)); waitErr != nil {
			// Cancelled mid-backoff; the ledger entry stays retryable and
			// Resume picks it up next cycle.
			return nil
		}
	}
}

func (d *Dispatcher) putRecord(rec DeliveryRecord) {
	if err := d.store.PutDeliveryRecord(rec); err != nil {
		d.logger.Error("failed to persist delivery record",
			"sink", rec.SinkID, "event", rec.EventID, "error", err)
	}
}

func (d *Dispatcher) retryDelay(attempt int) time.Duration {
	delay := d.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= d.maxDelay {
			return d.maxDelay
		}
	}
	if delay > d.maxDelay {
		return d.maxDelay
	}
	return delay
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
