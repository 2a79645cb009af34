package assignsync

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	defaultRemovalDebounceCycles = 3
	defaultMaxChangeLog          = 10000
	defaultMaxReports            = 50
)

type StoreOptions struct {
	StateBackend          StateBackend
	StateFile             string
	RemovalDebounceCycles int
	MaxChangeLog          int
	MaxReports            int
	Logger                Logger
	Metrics               MetricsCollector
}

// Store is the canonical, durable mapping from stable key to assignment
// state plus the append-only change log. All mutations run under one lock,
// which linearizes writes per key; no component mutates an Assignment
// except through this type. Every accepted mutation is persisted to the
// state backend before the call returns.
type Store struct {
	mu           sync.RWMutex
	assignments  map[string]Assignment
	missCounts   map[string]int
	changeLog    []ChangeEvent
	ledger       map[string]DeliveryRecord
	reports      []CycleReport
	eventCounter uint64

	backend      StateBackend
	debounce     int
	maxChangeLog int
	maxReports   int
	logger       Logger
	metrics      MetricsCollector

	subMu sync.Mutex
	subs  map[chan ChangeEvent]struct{}
}

func NewStore(opts StoreOptions) (*Store, error) {
	backend := opts.StateBackend
	if backend == nil && strings.TrimSpace(opts.StateFile) != "" {
		backend = NewJSONFileStateBackend(opts.StateFile)
	}
	if backend == nil {
		backend = NewInMemoryStateBackend()
	}
	debounce := opts.RemovalDebounceCycles
	if debounce <= 0 {
		debounce = defaultRemovalDebounceCycles
	}
	maxChangeLog := opts.MaxChangeLog
	if maxChangeLog <= 0 {
		maxChangeLog = defaultMaxChangeLog
	}
	maxReports := opts.MaxReports
	if maxReports <= 0 {
		maxReports = defaultMaxReports
	}
	logger := opts.Logger
	if logger == nil {
		logger = NopLogger()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = NewNopMetrics()
	}

	s := &Store{
		assignments:  map[string]Assignment{},
		missCounts:   map[string]int{},
		ledger:       map[string]DeliveryRecord{},
		backend:      backend,
		debounce:     debounce,
		maxChangeLog: maxChangeLog,
		maxReports:   maxReports,
		logger:       logger,
		metrics:      metrics,
		subs:         map[chan ChangeEvent]struct{}{},
	}
	snapshot, err := backend.Load()
	if err != nil {
		return nil, fmt.Errorf("load state: %w", err)
	}
	if snapshot != nil {
		if snapshot.Assignments != nil {
			s.assignments = snapshot.Assignments
		}
		if snapshot.MissCounts != nil {
			s.missCounts = snapshot.MissCounts
		}
		if snapshot.Ledger != nil {
			s.ledger = snapshot.Ledger
		}
		s.changeLog = snapshot.ChangeLog
		s.reports = snapshot.Reports
		s.eventCounter = snapshot.EventCounter
		logger.Info("state loaded",
			"backend", backendName(backend),
			"assignments", len(s.assignments),
			"changeLog", len(s.changeLog))
	}
	return s, nil
}

func (s *Store) Close() error {
	s.subMu.Lock()
	for ch := range s.subs {
		close(ch)
	}
	s.subs = map[chan ChangeEvent]struct{}{}
	s.subMu.Unlock()
	return s.backend.Close()
}

// Get returns the current canonical record for a stable key.
func (s *Store) Get(key string) (Assignment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.assignments[key]
	if !ok {
		return Assignment{}, ErrNotFound
	}
	return a, nil
}

// Upsert reconciles one observation against the stored record. The version
// increments only when at least one canonical attribute actually differs;
// a byte-identical re-observation updates last-seen bookkeeping and yields
// an unchanged event with no new version. The returned event carries an
// event ID only for created/updated transitions.
func (s *Store) Upsert(cycleID string, candidate Assignment, now time.Time) (ChangeEvent, error) {
	key := strings.TrimSpace(candidate.StableKey)
	if key == "" {
		return ChangeEvent{}, fmt.Errorf("%w: empty stable key", ErrInvalidInput)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.assignments[key]
	delete(s.missCounts, key)

	// Removed is terminal. A re-observation of a removed key never revives
	// the record, whether or not the payload changed; a genuinely re-posted
	// assignment arrives under a new native ID and therefore a new key.
	if exists && existing.Status == StatusRemoved {
		return ChangeEvent{
			AssignmentKey: key,
			Kind:          ChangeUnchanged,
			BeforeVersion: existing.Version,
			AfterVersion:  existing.Version,
			CycleID:       cycleID,
			OccurredAt:    now.UTC(),
		}, nil
	}

	if !exists {
		next := candidate
		next.Version = 1
		next.LastSeenAt = now.UTC()
		event := s.appendEventLocked(ChangeEvent{
			AssignmentKey: key,
			Kind:          ChangeCreated,
			BeforeVersion: 0,
			AfterVersion:  1,
			CycleID:       cycleID,
			OccurredAt:    now.UTC(),
		})
		s.assignments[key] = next
		if err := s.saveLocked(); err != nil {
			delete(s.assignments, key)
			s.dropLastEventLocked()
			return ChangeEvent{}, fmt.Errorf("%w: %v", ErrStoreDurability, err)
		}
		s.commitEvent(event)
		return event, nil
	}

	if existing.RawPayloadHash == candidate.RawPayloadHash {
		prev := existing
		updated := existing
		updated.LastSeenAt = now.UTC()
		s.assignments[key] = updated
		if err := s.saveLocked(); err != nil {
			s.assignments[key] = prev
			return ChangeEvent{}, fmt.Errorf("%w: %v", ErrStoreDurability, err)
		}
		return ChangeEvent{
			AssignmentKey: key,
			Kind:          ChangeUnchanged,
			BeforeVersion: existing.Version,
			AfterVersion:  existing.Version,
			CycleID:       cycleID,
			OccurredAt:    now.UTC(),
		}, nil
	}

	diff := DiffFields(existing, candidate)
	if len(diff) == 0 {
		// Raw payload moved without touching any canonical attribute.
		// Adopt the new hash so the next cycle short-circuits, but do not
		// burn a version on a no-op.
		prev := existing
		updated := existing
		updated.RawPayloadHash = candidate.RawPayloadHash
		updated.LastSeenAt = now.UTC()
		s.assignments[key] = updated
		if err := s.saveLocked(); err != nil {
			s.assignments[key] = prev
			return ChangeEvent{}, fmt.Errorf("%w: %v", ErrStoreDurability, err)
		}
		return ChangeEvent{
			AssignmentKey: key,
			Kind:          ChangeUnchanged,
			BeforeVersion: existing.Version,
			AfterVersion:  existing.Version,
			CycleID:       cycleID,
			OccurredAt:    now.UTC(),
		}, nil
	}

	next := candidate
	next.StableKey = existing.StableKey
	next.SourcePlatform = existing.SourcePlatform
	next.SourceClassID = existing.SourceClassID
	next.Version = existing.Version + 1
	next.LastSeenAt = now.UTC()
	event := s.appendEventLocked(ChangeEvent{
		AssignmentKey: key,
		Kind:          ChangeUpdated,
		BeforeVersion: existing.Version,
		AfterVersion:  next.Version,
		DiffFields:    diff,
		CycleID:       cycleID,
		OccurredAt:    now.UTC(),
	})
	s.assignments[key] = next
	if err := s.saveLocked(); err != nil {
		s.assignments[key] = existing
		s.dropLastEventLocked()
		return ChangeEvent{}, fmt.Errorf("%w: %v", ErrStoreDurability, err)
	}
	s.commitEvent(event)
	return event, nil
}

// MarkRemoved transitions an assignment to removed and bumps its version.
// Used directly for explicit removals; the debounced path goes through
// SweepMissing.
func (s *Store) MarkRemoved(cycleID, key string, now time.Time) (ChangeEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.markRemovedLocked(cycleID, key, now)
}

func (s *Store) markRemovedLocked(cycleID, key string, now time.Time) (ChangeEvent, error) {
	existing, ok := s.assignments[key]
	if !ok {
		return ChangeEvent{}, ErrNotFound
	}
	if existing.Status == StatusRemoved {
		return ChangeEvent{}, fmt.Errorf("%w: %s already removed", ErrInvalidState, key)
	}
	next := existing
	next.Status = StatusRemoved
	next.Version = existing.Version + 1
	event := s.appendEventLocked(ChangeEvent{
		AssignmentKey: key,
		Kind:          ChangeRemoved,
		BeforeVersion: existing.Version,
		AfterVersion:  next.Version,
		DiffFields:    []string{FieldStatus},
		CycleID:       cycleID,
		OccurredAt:    now.UTC(),
	})
	s.assignments[key] = next
	delete(s.missCounts, key)
	if err := s.saveLocked(); err != nil {
		s.assignments[key] = existing
		s.dropLastEventLocked()
		return ChangeEvent{}, fmt.Errorf("%w: %v", ErrStoreDurability, err)
	}
	s.commitEvent(event)
	return event, nil
}

// SnapshotForSource returns the set of active (not removed) stable keys
// currently attributed to one platform/class pair.
func (s *Store) SnapshotForSource(platform, classID string) map[string]struct{} {
	platform = normalizeToken(platform)
	classID = normalizeToken(classID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	active := map[string]struct{}{}
	for key, a := range s.assignments {
		if a.SourcePlatform == platform && a.SourceClassID == classID && a.Status != StatusRemoved {
			active[key] = struct{}{}
		}
	}
	return active
}

// SweepMissing runs removal detection for one source after all of its
// observations for the cycle are in. Keys absent from observed accumulate a
// miss; a key missing for the configured number of consecutive cycles is
// marked removed exactly once. A single missing observation never removes
// anything.
func (s *Store) SweepMissing(cycleID, platform, classID string, observed map[string]struct{}, now time.Time) ([]ChangeEvent, error) {
	platform = normalizeToken(platform)
	classID = normalizeToken(classID)

	s.mu.Lock()
	defer s.mu.Unlock()

	var missing []string
	for key, a := range s.assignments {
		if a.SourcePlatform != platform || a.SourceClassID != classID || a.Status == StatusRemoved {
			continue
		}
		if _, ok := observed[key]; ok {
			delete(s.missCounts, key)
			continue
		}
		missing = append(missing, key)
	}
	sort.Strings(missing)

	var events []ChangeEvent
	for _, key := range missing {
		s.missCounts[key]++
		if s.missCounts[key] < s.debounce {
			continue
		}
		event, err := s.markRemovedLocked(cycleID, key, now)
		if err != nil {
			// Leave the miss count intact so the next cycle retries.
			s.missCounts[key]--
			return events, err
		}
		s.logger.Info("assignment removed after debounce",
			"key", key, "platform", platform, "classId", classID, "cycleId", cycleID)
		events = append(events, event)
	}
	// Persist advanced miss counters for keys still below the threshold.
	if err := s.saveLocked(); err != nil {
		return events, fmt.Errorf("%w: %v", ErrStoreDurability, err)
	}
	return events, nil
}

// MissCount reports the consecutive-miss counter for a key. Zero means the
// key was observed in the most recent cycle for its source.
func (s *Store) MissCount(key string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.missCounts[key]
}

type AssignmentFilter struct {
	Platform string
	ClassID  string
	Status   Status
}

// ListAssignments returns records matching the filter, ordered by key.
func (s *Store) ListAssignments(filter AssignmentFilter) []Assignment {
	platform := normalizeToken(filter.Platform)
	classID := normalizeToken(filter.ClassID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Assignment
	for _, a := range s.assignments {
		if platform != "" && a.SourcePlatform != platform {
			continue
		}
		if classID != "" && a.SourceClassID != classID {
			continue
		}
		if filter.Status != "" && a.Status != filter.Status {
			continue
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StableKey < out[j].StableKey })
	return out
}

// Events pages through the change log. The cursor is the last event ID the
// caller has seen; an empty cursor starts from the beginning. Event IDs
// carry a monotonic ordinal, so a cursor whose event was compacted away
// still resumes at the first younger event instead of replaying the log.
// A malformed cursor yields an empty page.
func (s *Store) Events(cursor string, limit int) ([]ChangeEvent, *string) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	start := 0
	if cursor != "" {
		after, ok := eventOrdinal(cursor)
		if !ok {
			return nil, nil
		}
		for i, ev := range s.changeLog {
			if ord, ok := eventOrdinal(ev.EventID); ok && ord > after {
				start = i
				break
			}
			start = i + 1
		}
	}
	if start >= len(s.changeLog) {
		return nil, nil
	}
	end := start + limit
	if end > len(s.changeLog) {
		end = len(s.changeLog)
	}
	events := append([]ChangeEvent(nil), s.changeLog[start:end]...)
	if end < len(s.changeLog) {
		next := events[len(events)-1].EventID
		return events, &next
	}
	return events, nil
}

// UndeliveredEvents returns, in log order, the change events a sink has not
// conclusively handled. Used to resume delivery after a restart or a
// retryable outage.
func (s *Store) UndeliveredEvents(sinkID string) []ChangeEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []ChangeEvent
	for _, ev := range s.changeLog {
		rec, ok := s.ledger[ledgerKey(ev.EventID, sinkID)]
		if ok && (rec.Outcome == DeliverySucceeded || rec.Outcome == DeliveryFailedPermanent) {
			continue
		}
		out = append(out, ev)
	}
	return out
}

// GetDeliveryRecord looks up the ledger entry for an (event, sink) pair.
func (s *Store) GetDeliveryRecord(eventID, sinkID string) (DeliveryRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.ledger[ledgerKey(eventID, sinkID)]
	return rec, ok
}

// PutDeliveryRecord stores a ledger entry. The Dispatcher is the only
// caller; the Store persists the entry but never interprets it beyond
// garbage collection.
func (s *Store) PutDeliveryRecord(rec DeliveryRecord) error {
	if strings.TrimSpace(rec.EventID) == "" || strings.TrimSpace(rec.SinkID) == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := ledgerKey(rec.EventID, rec.SinkID)
	prev, existed := s.ledger[key]
	s.ledger[key] = rec
	if err := s.saveLocked(); err != nil {
		if existed {
			s.ledger[key] = prev
		} else {
			delete(s.ledger, key)
		}
		return fmt.Errorf("%w: %v", ErrStoreDurability, err)
	}
	return nil
}

// ListDeadLetters returns ledger entries that exhausted their retry policy.
func (s *Store) ListDeadLetters() []DeliveryRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []DeliveryRecord
	for _, rec := range s.ledger {
		if rec.Outcome == DeliveryFailedPermanent {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].EventID == out[j].EventID {
			return out[i].SinkID < out[j].SinkID
		}
		return out[i].EventID < out[j].EventID
	})
	return out
}

// CompactDelivered drops change log entries (and their ledger rows) that
// every configured sink has conclusively handled, keeping the log bounded.
// Assignment state is untouched; the log exists for delivery resume and
// audit, not as the system of record.
func (s *Store) CompactDelivered(sinkIDs []string) error {
	if len(sinkIDs) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.changeLog[:0]
	var droppedIDs []string
	for _, ev := range s.changeLog {
		done := true
		for _, sinkID := range sinkIDs {
			rec, ok := s.ledger[ledgerKey(ev.EventID, sinkID)]
			if !ok || (rec.Outcome != DeliverySucceeded && rec.Outcome != DeliveryFailedPermanent) {
				done = false
				break
			}
		}
		if done {
			droppedIDs = append(droppedIDs, ev.EventID)
			continue
		}
		kept = append(kept, ev)
	}
	if len(droppedIDs) == 0 {
		return nil
	}
	s.changeLog = append([]ChangeEvent(nil), kept...)
	for _, eventID := range droppedIDs {
		for _, sinkID := range sinkIDs {
			// Dead letters survive compaction so operators can audit them.
			if rec, ok := s.ledger[ledgerKey(eventID, sinkID)]; ok && rec.Outcome == DeliveryFailedPermanent {
				continue
			}
			delete(s.ledger, ledgerKey(eventID, sinkID))
		}
	}
	if err := s.saveLocked(); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreDurability, err)
	}
	return nil
}

// AppendReport records a finished cycle, keeping the most recent reports.
func (s *Store) AppendReport(report CycleReport) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reports = append(s.reports, report)
	if len(s.reports) > s.maxReports {
		s.reports = append([]CycleReport(nil), s.reports[len(s.reports)-s.maxReports:]...)
	}
	if err := s.saveLocked(); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreDurability, err)
	}
	return nil
}

func (s *Store) LastReport() (CycleReport, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.reports) == 0 {
		return CycleReport{}, false
	}
	return s.reports[len(s.reports)-1], true
}

func (s *Store) Reports() []CycleReport {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]CycleReport(nil), s.reports...)
}

// Subscribe registers a live change event feed. The returned cancel func
// must be called; slow subscribers drop events rather than block writers.
func (s *Store) Subscribe(buffer int) (<-chan ChangeEvent, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan ChangeEvent, buffer)
	s.subMu.Lock()
	s.subs[ch] = struct{}{}
	s.subMu.Unlock()
	cancel := func() {
		s.subMu.Lock()
		if _, ok := s.subs[ch]; ok {
			delete(s.subs, ch)
			close(ch)
		}
		s.subMu.Unlock()
	}
	return ch, cancel
}

// commitEvent publishes a durably saved event: metrics first, then the live
// subscriber feed. Never called for events rolled back by a save failure.
func (s *Store) commitEvent(event ChangeEvent) {
	s.metrics.RecordChange(string(event.Kind))
	s.broadcast(event)
}

func (s *Store) broadcast(event ChangeEvent) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for ch := range s.subs {
		select {
		case ch <- event:
		default:
		}
	}
}

type StoreStatus struct {
	Assignments   int    `json:"assignments"`
	ActiveKeys    int    `json:"activeKeys"`
	ChangeLogSize int    `json:"changeLogSize"`
	LedgerSize    int    `json:"ledgerSize"`
	DeadLetters   int    `json:"deadLetters"`
	PendingMisses int    `json:"pendingMisses"`
	Backend       string `json:"backend"`
}

func (s *Store) Status() StoreStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	status := StoreStatus{
		Assignments:   len(s.assignments),
		ChangeLogSize: len(s.changeLog),
		LedgerSize:    len(s.ledger),
		PendingMisses: len(s.missCounts),
		Backend:       backendName(s.backend),
	}
	for _, a := range s.assignments {
		if a.Status != StatusRemoved {
			status.ActiveKeys++
		}
	}
	for _, rec := range s.ledger {
		if rec.Outcome == DeliveryFailedPermanent {
			status.DeadLetters++
		}
	}
	return status
}

func backendName(backend StateBackend) string {
	switch backend.(type) {
	case *InMemoryStateBackend:
		return "memory"
	case *JSONFileStateBackend:
		return "file"
	case *PostgresStateBackend:
		return "postgres"
	default:
		return "custom"
	}
}

func (s *Store) appendEventLocked(event ChangeEvent) ChangeEvent {
	s.eventCounter++
	event.EventID = fmt.Sprintf("evt_%d", s.eventCounter)
	s.changeLog = append(s.changeLog, event)
	if len(s.changeLog) > s.maxChangeLog {
		s.changeLog = append([]ChangeEvent(nil), s.changeLog[len(s.changeLog)-s.maxChangeLog:]...)
	}
	return event
}

func (s *Store) dropLastEventLocked() {
	if len(s.changeLog) > 0 {
		s.changeLog = s.changeLog[:len(s.changeLog)-1]
	}
	if s.eventCounter > 0 {
		s.eventCounter--
	}
}

func (s *Store) saveLocked() error {
	snapshot := persistedState{
		Assignments:  s.assignments,
		MissCounts:   s.missCounts,
		ChangeLog:    s.changeLog,
		Ledger:       s.ledger,
		Reports:      s.reports,
		EventCounter: s.eventCounter,
	}
	return s.backend.Save(&snapshot)
}

func ledgerKey(eventID, sinkID string) string {
	return eventID + "|" + sinkID
}

// eventOrdinal extracts the monotonic counter from an event ID.
func eventOrdinal(eventID string) (uint64, bool) {
	const prefix = "evt_"
	if !strings.HasPrefix(eventID, prefix) {
		return 0, false
	}
	n, err := strconv.ParseUint(eventID[len(prefix):], 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}
