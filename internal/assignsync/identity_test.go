package assignsync

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestStableKeyNativeIDDeterministic(t *testing.T) {
	rec := RawRecord{
		NativeID:   "12345",
		Title:      "Homework 1",
		AssignedAt: time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC),
	}
	first := StableKey("canvas", "cs101", rec)
	second := StableKey("canvas", "cs101", rec)
	require.Equal(t, first, second)
	require.Contains(t, first, "canvas:cs101:")
}

func TestStableKeyIgnoresCosmeticDifferences(t *testing.T) {
	base := RawRecord{
		NativeID:   "12345",
		Title:      "Homework 1",
		AssignedAt: time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC),
	}
	retitled := base
	retitled.Title = "Homework 1 (revised)"

	// With a native ID present the title plays no part in identity.
	require.Equal(t, StableKey("Canvas", " CS101 ", base), StableKey("canvas", "cs101", retitled))
}

func TestStableKeyCompositeFallback(t *testing.T) {
	assignedAt := time.Date(2026, 2, 1, 9, 30, 0, 0, time.UTC)
	a := RawRecord{Title: "Essay   Draft", AssignedAt: assignedAt}
	b := RawRecord{Title: "essay draft", AssignedAt: assignedAt.Add(4 * time.Hour)}

	// Same day, same normalized title, no native ID: same identity.
	require.Equal(t, StableKey("moodle", "eng200", a), StableKey("moodle", "eng200", b))

	c := b
	c.AssignedAt = assignedAt.AddDate(0, 0, 1)
	require.NotEqual(t, StableKey("moodle", "eng200", a), StableKey("moodle", "eng200", c))
}

func TestStableKeyScopedToSource(t *testing.T) {
	rec := RawRecord{
		NativeID:   "77",
		Title:      "Quiz 3",
		AssignedAt: time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC),
	}
	require.NotEqual(t, StableKey("canvas", "cs101", rec), StableKey("moodle", "cs101", rec))
	require.NotEqual(t, StableKey("canvas", "cs101", rec), StableKey("canvas", "cs102", rec))
}

func TestStableKeyNativeAndCompositeNeverCollide(t *testing.T) {
	assignedAt := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	withID := RawRecord{NativeID: "hw1", Title: "hw1", AssignedAt: assignedAt}
	withoutID := RawRecord{Title: "hw1", AssignedAt: assignedAt}
	require.NotEqual(t, StableKey("canvas", "cs101", withID), StableKey("canvas", "cs101", withoutID))
}
