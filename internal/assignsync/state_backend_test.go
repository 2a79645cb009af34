package assignsync

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func sampleState(now time.Time) *persistedState {
	return &persistedState{
		Assignments: map[string]Assignment{
			"canvas:cs101:1": {
				StableKey:      "canvas:cs101:1",
				SourcePlatform: "canvas",
				SourceClassID:  "cs101",
				Title:          "Homework 1",
				AssignedAt:     now,
				Status:         StatusAssigned,
				Priority:       PriorityMedium,
				Version:        2,
			},
		},
		MissCounts:   map[string]int{"canvas:cs101:2": 1},
		EventCounter: 7,
	}
}

func TestInMemoryBackendIsolation(t *testing.T) {
	backend := NewInMemoryStateBackend()
	now := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)

	loaded, err := backend.Load()
	require.NoError(t, err)
	require.Nil(t, loaded)

	state := sampleState(now)
	require.NoError(t, backend.Save(state))

	// Mutating the saved value must not leak into the stored snapshot.
	state.Assignments["canvas:cs101:1"] = Assignment{Title: "tampered"}

	loaded, err = backend.Load()
	require.NoError(t, err)
	require.Equal(t, "Homework 1", loaded.Assignments["canvas:cs101:1"].Title)
	require.Equal(t, uint64(7), loaded.EventCounter)
}

func TestJSONFileBackendRoundtrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "state.json")
	backend := NewJSONFileStateBackend(path)
	now := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)

	loaded, err := backend.Load()
	require.NoError(t, err)
	require.Nil(t, loaded) // missing file is a fresh start, not an error

	require.NoError(t, backend.Save(sampleState(now)))

	loaded, err = backend.Load()
	require.NoError(t, err)
	require.Len(t, loaded.Assignments, 1)
	require.Equal(t, int64(2), loaded.Assignments["canvas:cs101:1"].Version)
	require.Equal(t, 1, loaded.MissCounts["canvas:cs101:2"])

	// The write is atomic: no temp file survives a successful save.
	_, err = os.Stat(path + ".tmp")
	require.True(t, os.IsNotExist(err))
}

func TestJSONFileBackendRejectsCorruptState(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	_, err := NewJSONFileStateBackend(path).Load()
	require.Error(t, err)
}

func TestBuildStateBackendFromDSN(t *testing.T) {
	backend, err := BuildStateBackendFromDSN("memory://")
	require.NoError(t, err)
	require.IsType(t, &InMemoryStateBackend{}, backend)

	backend, err = BuildStateBackendFromDSN("file:///tmp/assignsync/state.json")
	require.NoError(t, err)
	require.IsType(t, &JSONFileStateBackend{}, backend)

	backend, err = BuildStateBackendFromDSN(".assignsync/state.json")
	require.NoError(t, err)
	require.IsType(t, &JSONFileStateBackend{}, backend)

	backend, err = BuildStateBackendFromDSN("")
	require.NoError(t, err)
	require.Nil(t, backend)

	_, err = BuildStateBackendFromDSN("sqlite:///tmp/state.db")
	require.ErrorIs(t, err, ErrNotImplemented)

	_, err = BuildStateBackendFromDSN("redis://localhost:6379")
	require.Error(t, err)
}

func TestRegisteredStateBackendFactory(t *testing.T) {
	RegisterStateBackendFactory("testscheme", func(dsn string) (StateBackend, error) {
		return NewInMemoryStateBackend(), nil
	})
	backend, err := BuildStateBackendFromDSN("testscheme://anything")
	require.NoError(t, err)
	require.IsType(t, &InMemoryStateBackend{}, backend)
}
