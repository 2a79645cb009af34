package assignsync

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrInvalidInput    = errors.New("invalid input")
	ErrInvalidState    = errors.New("invalid state")
	ErrStoreDurability = errors.New("store durability failure")
	ErrNotImplemented  = errors.New("not implemented")
)

type Status string

const (
	StatusAssigned   Status = "assigned"
	StatusInProgress Status = "in_progress"
	StatusSubmitted  Status = "submitted"
	StatusGraded     Status = "graded"
	StatusRemoved    Status = "removed"
)

func ParseStatus(raw string) (Status, bool) {
	switch Status(raw) {
	case StatusAssigned, StatusInProgress, StatusSubmitted, StatusGraded, StatusRemoved:
		return Status(raw), true
	}
	return "", false
}

type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

func ParsePriority(raw string) (Priority, bool) {
	switch Priority(raw) {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical:
		return Priority(raw), true
	}
	return "", false
}

// Assignment is the canonical record owned by the Store. StableKey never
// changes once assigned and Version strictly increases with every accepted
// change.
type Assignment struct {
	StableKey      string     `json:"stableKey"`
	SourcePlatform string     `json:"sourcePlatform"`
	SourceClassID  string     `json:"sourceClassId"`
	Title          string     `json:"title"`
	Description    string     `json:"description,omitempty"`
	URL            string     `json:"url,omitempty"`
	AssignedAt     time.Time  `json:"assignedAt"`
	DueAt          *time.Time `json:"dueAt,omitempty"`
	Status         Status     `json:"status"`
	Priority       Priority   `json:"priority"`
	Points         *float64   `json:"points,omitempty"`
	EstimatedHours *float64   `json:"estimatedHours,omitempty"`
	RawPayloadHash string     `json:"rawPayloadHash"`
	LastSeenAt     time.Time  `json:"lastSeenAt"`
	Version        int64      `json:"version"`
}

// RawRecord is one observation of an assignment as a source adapter saw it.
// NativeID is the platform's own assignment identifier when the platform
// exposes one; scraped sources may leave it empty.
type RawRecord struct {
	NativeID       string            `json:"nativeId,omitempty"`
	Title          string            `json:"title"`
	Description    string            `json:"description,omitempty"`
	URL            string            `json:"url,omitempty"`
	AssignedAt     time.Time         `json:"assignedAt"`
	DueAt          *time.Time        `json:"dueAt,omitempty"`
	Status         string            `json:"status,omitempty"`
	Priority       string            `json:"priority,omitempty"`
	Points         *float64          `json:"points,omitempty"`
	EstimatedHours *float64          `json:"estimatedHours,omitempty"`
	Extra          map[string]string `json:"extra,omitempty"`
}

type ChangeKind string

const (
	ChangeCreated   ChangeKind = "created"
	ChangeUpdated   ChangeKind = "updated"
	ChangeRemoved   ChangeKind = "removed"
	ChangeUnchanged ChangeKind = "unchanged"
)

// ChangeEvent records one accepted transition of an assignment. Events are
// immutable once emitted; each sink consumes them independently.
type ChangeEvent struct {
	EventID       string     `json:"eventId"`
	AssignmentKey string     `json:"assignmentKey"`
	Kind          ChangeKind `json:"kind"`
	BeforeVersion int64      `json:"beforeVersion"`
	AfterVersion  int64      `json:"afterVersion"`
	DiffFields    []string   `json:"diffFields,omitempty"`
	CycleID       string     `json:"cycleId"`
	OccurredAt    time.Time  `json:"occurredAt"`
}

type DeliveryOutcome string

const (
	DeliveryPending         DeliveryOutcome = "pending"
	DeliverySucceeded       DeliveryOutcome = "succeeded"
	DeliveryFailedRetryable DeliveryOutcome = "failed_retryable"
	DeliveryFailedPermanent DeliveryOutcome = "failed_permanent"
)

// DeliveryRecord tracks one (event, sink) delivery. The Dispatcher is the
// only writer; the Store persists and garbage-collects these.
type DeliveryRecord struct {
	SinkID        string          `json:"sinkId"`
	EventID       string          `json:"eventId"`
	AssignmentKey string          `json:"assignmentKey"`
	AttemptCount  int             `json:"attemptCount"`
	LastAttemptAt time.Time       `json:"lastAttemptAt,omitempty"`
	Outcome       DeliveryOutcome `json:"outcome"`
	LastError     string          `json:"lastError,omitempty"`
}

type CycleStatus string

const (
	CycleOK      CycleStatus = "ok"
	CyclePartial CycleStatus = "partial"
	CycleFailed  CycleStatus = "failed"
)

type SourceFailure struct {
	Platform  string `json:"platform"`
	ClassID   string `json:"classId"`
	Kind      string `json:"kind"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

type SinkFailure struct {
	SinkID        string `json:"sinkId"`
	EventID       string `json:"eventId"`
	AssignmentKey string `json:"assignmentKey"`
	Kind          string `json:"kind"`
	Message       string `json:"message"`
}

// CycleReport is the single surfaced summary of one run across all sources
// and sinks.
type CycleReport struct {
	CycleID        string          `json:"cycleId"`
	StartedAt      time.Time       `json:"startedAt"`
	FinishedAt     time.Time       `json:"finishedAt"`
	Status         CycleStatus     `json:"status"`
	SourcesTotal   int             `json:"sourcesTotal"`
	SourcesOK      int             `json:"sourcesOk"`
	RecordsSeen    int             `json:"recordsSeen"`
	Created        int             `json:"created"`
	Updated        int             `json:"updated"`
	Removed        int             `json:"removed"`
	Unchanged      int             `json:"unchanged"`
	SkippedKeys    int             `json:"skippedKeys,omitempty"`
	SourceFailures []SourceFailure `json:"sourceFailures,omitempty"`
	SinkFailures   []SinkFailure   `json:"sinkFailures,omitempty"`
}

type SourceErrorKind string

const (
	SourceAuthError    SourceErrorKind = "auth_error"
	SourceNetworkError SourceErrorKind = "network_error"
	SourceParseError   SourceErrorKind = "parse_error"
	SourceRateLimited  SourceErrorKind = "rate_limited"
)

// SourceError classifies an adapter failure. Every kind is retryable at the
// next scheduled cycle; nothing is retried within the same cycle.
type SourceError struct {
	Platform string
	ClassID  string
	Kind     SourceErrorKind
	Err      error
}

func (e *SourceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("source %s/%s %s: %v", e.Platform, e.ClassID, e.Kind, e.Err)
	}
	return fmt.Sprintf("source %s/%s %s", e.Platform, e.ClassID, e.Kind)
}

func (e *SourceError) Unwrap() error {
	return e.Err
}

type SinkErrorKind string

const (
	SinkAuthError       SinkErrorKind = "auth_error"
	SinkQuotaExceeded   SinkErrorKind = "quota_exceeded"
	SinkValidationError SinkErrorKind = "validation_error"
	SinkTransientError  SinkErrorKind = "transient_error"
)

type SinkError struct {
	SinkID string
	Kind   SinkErrorKind
	Err    error
}

func (e *SinkError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("sink %s %s: %v", e.SinkID, e.Kind, e.Err)
	}
	return fmt.Sprintf("sink %s %s", e.SinkID, e.Kind)
}

func (e *SinkError) Unwrap() error {
	return e.Err
}

// Retryable reports whether the dispatcher should retry the delivery with
// backoff. Only transient errors qualify; auth, quota, and validation
// failures go straight to failed_permanent.
func (e *SinkError) Retryable() bool {
	return e.Kind == SinkTransientError
}

// SourceAdapter produces raw assignment records for one configured
// class/platform pair. Fetch failures should be *SourceError values so the
// coordinator can classify them; anything else is treated as a network error.
type SourceAdapter interface {
	Platform() string
	Fetch(ctx context.Context, classID string) ([]RawRecord, error)
}

// Sink receives change events. Writes must be idempotent keyed by
// (assignment key, version): re-delivery of the same version is a no-op
// overwrite, never a duplicate.
type Sink interface {
	ID() string
	Write(ctx context.Context, event ChangeEvent, current Assignment) error
}

// Notifier delivers best-effort cycle summaries. Failures are logged and
// never fatal to a cycle.
type Notifier interface {
	Notify(ctx context.Context, report CycleReport) error
}
