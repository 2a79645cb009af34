package assignsync

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/zeebo/xxh3"
)

// Diffable attribute names, in the order they appear in DiffFields.
const (
	FieldTitle          = "title"
	FieldDescription    = "description"
	FieldStatus         = "status"
	FieldDueAt          = "due_at"
	FieldPriority       = "priority"
	FieldPoints         = "points"
	FieldEstimatedHours = "estimated_hours"
	FieldURL            = "url"
)

// PayloadHash computes a deterministic digest over the normalized raw
// fields. Two observations with the same hash carry no user-visible change.
func PayloadHash(rec RawRecord) string {
	var b strings.Builder
	writeField := func(name, value string) {
		b.WriteString(name)
		b.WriteString("=")
		b.WriteString(value)
		b.WriteString(keySeparator)
	}
	writeField("native_id", strings.TrimSpace(rec.NativeID))
	writeField("title", normalizeTitle(rec.Title))
	writeField("description", strings.TrimSpace(rec.Description))
	writeField("url", strings.TrimSpace(rec.URL))
	writeField("assigned_at", rec.AssignedAt.UTC().Format(time.RFC3339))
	writeField("due_at", formatOptionalTime(rec.DueAt))
	writeField("status", normalizeToken(rec.Status))
	writeField("priority", normalizeToken(rec.Priority))
	writeField("points", formatOptionalFloat(rec.Points))
	writeField("estimated_hours", formatOptionalFloat(rec.EstimatedHours))
	if len(rec.Extra) > 0 {
		keys := make([]string, 0, len(rec.Extra))
		for k := range rec.Extra {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			writeField("extra."+k, rec.Extra[k])
		}
	}
	return fmt.Sprintf("%016x", xxh3.HashString(b.String()))
}

// Materialize builds the canonical attribute set a raw observation implies.
// Missing status defaults to assigned; missing priority is derived from the
// due date (closer deadlines rank higher).
func Materialize(key, platform, classID string, rec RawRecord, now time.Time) Assignment {
	status := StatusAssigned
	if parsed, ok := ParseStatus(normalizeToken(rec.Status)); ok {
		status = parsed
	}
	priority, ok := ParsePriority(normalizeToken(rec.Priority))
	if !ok {
		priority = derivePriority(rec.DueAt, now)
	}
	return Assignment{
		StableKey:      key,
		SourcePlatform: normalizeToken(platform),
		SourceClassID:  normalizeToken(classID),
		Title:          strings.TrimSpace(rec.Title),
		Description:    strings.TrimSpace(rec.Description),
		URL:            strings.TrimSpace(rec.URL),
		AssignedAt:     rec.AssignedAt.UTC(),
		DueAt:          normalizeOptionalTime(rec.DueAt),
		Status:         status,
		Priority:       priority,
		Points:         rec.Points,
		EstimatedHours: rec.EstimatedHours,
		RawPayloadHash: PayloadHash(rec),
		LastSeenAt:     now.UTC(),
	}
}

// DiffFields compares the two records attribute by attribute so sinks can
// render minimal diffs instead of whole-record replacements.
func DiffFields(before, after Assignment) []string {
	var fields []string
	if before.Title != after.Title {
		fields = append(fields, FieldTitle)
	}
	if before.Description != after.Description {
		fields = append(fields, FieldDescription)
	}
	if before.Status != after.Status {
		fields = append(fields, FieldStatus)
	}
	if !equalOptionalTime(before.DueAt, after.DueAt) {
		fields = append(fields, FieldDueAt)
	}
	if before.Priority != after.Priority {
		fields = append(fields, FieldPriority)
	}
	if !equalOptionalFloat(before.Points, after.Points) {
		fields = append(fields, FieldPoints)
	}
	if !equalOptionalFloat(before.EstimatedHours, after.EstimatedHours) {
		fields = append(fields, FieldEstimatedHours)
	}
	if before.URL != after.URL {
		fields = append(fields, FieldURL)
	}
	return fields
}

// derivePriority buckets by days until due, mirroring the urgency split the
// downstream todo rendering expects.
func derivePriority(dueAt *time.Time, now time.Time) Priority {
	if dueAt == nil {
		return PriorityLow
	}
	days := dueAt.Sub(now).Hours() / 24
	switch {
	case days <= 1:
		return PriorityCritical
	case days <= 3:
		return PriorityHigh
	case days <= 7:
		return PriorityMedium
	default:
		return PriorityLow
	}
}

func normalizeOptionalTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	utc := t.UTC()
	return &utc
}

func formatOptionalTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func formatOptionalFloat(f *float64) string {
	if f == nil {
		return ""
	}
	return strconv.FormatFloat(*f, 'g', -1, 64)
}

func equalOptionalTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

func equalOptionalFloat(a, b *float64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
