package assignsync

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// scriptedSink returns its scripted errors in order and then succeeds,
// recording every write it sees.
type scriptedSink struct {
	id string

	mu     sync.Mutex
	errs   []error
	writes []ChangeEvent
}

func (s *scriptedSink) ID() string { return s.id }

func (s *scriptedSink) Write(ctx context.Context, event ChangeEvent, current Assignment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes = append(s.writes, event)
	if len(s.errs) == 0 {
		return nil
	}
	err := s.errs[0]
	s.errs = s.errs[1:]
	return err
}

func (s *scriptedSink) writeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.writes)
}

func (s *scriptedSink) writtenEvents() []ChangeEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ChangeEvent(nil), s.writes...)
}

func transientErr(sinkID string) error {
	return &SinkError{SinkID: sinkID, Kind: SinkTransientError}
}

func newDispatchFixture(t *testing.T, sinks []Sink, maxAttempts int) (*Store, *Dispatcher, ChangeEvent) {
	t.Helper()
	store := newTestStore(t, StoreOptions{})
	now := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	event := upsertRecord(t, store, "c1", "canvas", "cs101", testRecord("hw1", "Homework 1", now), now)
	dispatcher := NewDispatcher(store, DispatcherOptions{
		Sinks:       sinks,
		MaxAttempts: maxAttempts,
		BaseDelay:   time.Millisecond,
		MaxDelay:    5 * time.Millisecond,
	})
	return store, dispatcher, event
}

func TestDispatchSuccess(t *testing.T) {
	sink := &scriptedSink{id: "sheets"}
	store, dispatcher, event := newDispatchFixture(t, []Sink{sink}, 3)

	failures := dispatcher.Dispatch(context.Background(), []ChangeEvent{event})
	require.Empty(t, failures)
	require.Equal(t, 1, sink.writeCount())

	rec, ok := store.GetDeliveryRecord(event.EventID, "sheets")
	require.True(t, ok)
	require.Equal(t, DeliverySucceeded, rec.Outcome)
	require.Equal(t, 1, rec.AttemptCount)
}

func TestDispatchRetriesTransientThenSucceeds(t *testing.T) {
	sink := &scriptedSink{id: "sheets", errs: []error{transientErr("sheets"), transientErr("sheets")}}
	store, dispatcher, event := newDispatchFixture(t, []Sink{sink}, 5)

	failures := dispatcher.Dispatch(context.Background(), []ChangeEvent{event})
	require.Empty(t, failures)
	require.Equal(t, 3, sink.writeCount())

	rec, _ := store.GetDeliveryRecord(event.EventID, "sheets")
	require.Equal(t, DeliverySucceeded, rec.Outcome)
	require.Equal(t, 3, rec.AttemptCount)
}

func TestDispatchNonRetryableFailsImmediately(t *testing.T) {
	sink := &scriptedSink{id: "notion", errs: []error{
		&SinkError{SinkID: "notion", Kind: SinkAuthError},
	}}
	store, dispatcher, event := newDispatchFixture(t, []Sink{sink}, 5)

	failures := dispatcher.Dispatch(context.Background(), []ChangeEvent{event})
	require.Len(t, failures, 1)
	require.Equal(t, "auth_error", failures[0].Kind)
	require.Equal(t, 1, sink.writeCount())

	rec, _ := store.GetDeliveryRecord(event.EventID, "notion")
	require.Equal(t, DeliveryFailedPermanent, rec.Outcome)
	require.Len(t, store.ListDeadLetters(), 1)
}

func TestDispatchExhaustsRetryBudget(t *testing.T) {
	sink := &scriptedSink{id: "sheets", errs: []error{
		transientErr("sheets"), transientErr("sheets"), transientErr("sheets"),
	}}
	store, dispatcher, event := newDispatchFixture(t, []Sink{sink}, 2)

	failures := dispatcher.Dispatch(context.Background(), []ChangeEvent{event})
	require.Len(t, failures, 1)
	require.Equal(t, "transient_error", failures[0].Kind)
	require.Equal(t, 2, sink.writeCount())

	rec, _ := store.GetDeliveryRecord(event.EventID, "sheets")
	require.Equal(t, DeliveryFailedPermanent, rec.Outcome)
	require.Equal(t, 2, rec.AttemptCount)
}

func TestDispatchSinkIsolation(t *testing.T) {
	broken := &scriptedSink{id: "notion", errs: []error{
		&SinkError{SinkID: "notion", Kind: SinkValidationError},
	}}
	healthy := &scriptedSink{id: "sheets"}
	store, dispatcher, event := newDispatchFixture(t, []Sink{broken, healthy}, 3)

	failures := dispatcher.Dispatch(context.Background(), []ChangeEvent{event})
	require.Len(t, failures, 1)
	require.Equal(t, "notion", failures[0].SinkID)

	healthyRec, _ := store.GetDeliveryRecord(event.EventID, "sheets")
	require.Equal(t, DeliverySucceeded, healthyRec.Outcome)
	brokenRec, _ := store.GetDeliveryRecord(event.EventID, "notion")
	require.Equal(t, DeliveryFailedPermanent, brokenRec.Outcome)
}

func TestDispatchPreservesEventOrder(t *testing.T) {
	sink := &scriptedSink{id: "sheets"}
	store := newTestStore(t, StoreOptions{})
	now := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)

	rec := testRecord("hw1", "Homework 1", now)
	created := upsertRecord(t, store, "c1", "canvas", "cs101", rec, now)
	rec.DueAt = timePtr(now.AddDate(0, 0, 5))
	updated := upsertRecord(t, store, "c1", "canvas", "cs101", rec, now)

	dispatcher := NewDispatcher(store, DispatcherOptions{Sinks: []Sink{sink}})
	failures := dispatcher.Dispatch(context.Background(), []ChangeEvent{created, updated})
	require.Empty(t, failures)

	writes := sink.writtenEvents()
	require.Len(t, writes, 2)
	require.Equal(t, created.EventID, writes[0].EventID)
	require.Equal(t, updated.EventID, writes[1].EventID)
}

func TestDispatchResumeSkipsConcludedDeliveries(t *testing.T) {
	sink := &scriptedSink{id: "sheets"}
	_, dispatcher, event := newDispatchFixture(t, []Sink{sink}, 3)

	require.Empty(t, dispatcher.Dispatch(context.Background(), []ChangeEvent{event}))
	require.Equal(t, 1, sink.writeCount())

	// The event is conclusively handled; Resume must not redeliver it.
	require.Empty(t, dispatcher.Resume(context.Background()))
	require.Equal(t, 1, sink.writeCount())
}

func TestDispatchResumeDeliversPendingBacklog(t *testing.T) {
	sink := &scriptedSink{id: "sheets"}
	store, dispatcher, event := newDispatchFixture(t, []Sink{sink}, 3)

	// Simulate a crash after the event was logged but before any delivery.
	require.NoError(t, store.PutDeliveryRecord(DeliveryRecord{
		SinkID: "sheets", EventID: event.EventID, AssignmentKey: event.AssignmentKey,
		AttemptCount: 1, Outcome: DeliveryFailedRetryable, LastError: "connection reset",
	}))

	require.Empty(t, dispatcher.Resume(context.Background()))
	require.Equal(t, 1, sink.writeCount())

	rec, _ := store.GetDeliveryRecord(event.EventID, "sheets")
	require.Equal(t, DeliverySucceeded, rec.Outcome)
	require.Equal(t, 2, rec.AttemptCount)
}

func TestDispatchMissingAssignment(t *testing.T) {
	sink := &scriptedSink{id: "sheets"}
	store := newTestStore(t, StoreOptions{})
	dispatcher := NewDispatcher(store, DispatcherOptions{Sinks: []Sink{sink}})

	ghost := ChangeEvent{
		EventID:       "evt_404",
		AssignmentKey: "canvas:cs101:deadbeef00000000",
		Kind:          ChangeUpdated,
	}
	failures := dispatcher.Dispatch(context.Background(), []ChangeEvent{ghost})
	require.Len(t, failures, 1)
	require.Equal(t, "missing_assignment", failures[0].Kind)
	require.Zero(t, sink.writeCount())
}

func TestDispatchCancelledContextStaysRetryable(t *testing.T) {
	sink := &scriptedSink{id: "sheets", errs: []error{
		transientErr("sheets"), transientErr("sheets"), transientErr("sheets"),
	}}
	store, dispatcher, event := newDispatchFixture(t, []Sink{sink}, 5)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(2 * time.Millisecond)
		cancel()
	}()
	dispatcher.Dispatch(ctx, []ChangeEvent{event})

	rec, ok := store.GetDeliveryRecord(event.EventID, "sheets")
	if ok {
		require.NotEqual(t, DeliveryFailedPermanent, rec.Outcome)
	}

	// A later resume with a healthy sink finishes the delivery.
	sink.mu.Lock()
	sink.errs = nil
	sink.mu.Unlock()
	require.Empty(t, dispatcher.Resume(context.Background()))
	rec, _ = store.GetDeliveryRecord(event.EventID, "sheets")
	require.Equal(t, DeliverySucceeded, rec.Outcome)
}

func TestRetryDelayCapped(t *testing.T) {
	d := NewDispatcher(nil, DispatcherOptions{
		BaseDelay: 100 * time.Millisecond,
		MaxDelay:  time.Second,
	})
	require.Equal(t, 100*time.Millisecond, d.retryDelay(1))
	require.Equal(t, 200*time.Millisecond, d.retryDelay(2))
	require.Equal(t, 400*time.Millisecond, d.retryDelay(3))
	require.Equal(t, 800*time.Millisecond, d.retryDelay(4))
	require.Equal(t, time.Second, d.retryDelay(5))
	require.Equal(t, time.Second, d.retryDelay(10))
}
