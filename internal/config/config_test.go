package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const fullConfig = `
run_frequency: 15m
state_dsn: postgres://sync:pw@localhost:5432/assignsync
listen_addr: ":9090"
api_token_ref: ASSIGNSYNC_API_TOKEN
removal_debounce_cycles: 2
max_source_concurrency: 8
source_timeout: 45s
retry_max_attempts: 4
retry_base_delay: 250ms
retry_max_delay: 10s
sources:
  - platform_type: canvas
    class_id: cs101
    base_url: https://canvas.example.edu
    credentials_ref: CANVAS_TOKEN
  - platform_type: moodle
    class_id: eng200
    base_url: https://moodle.example.edu
    credentials_ref: MOODLE_TOKEN
    enabled: false
sinks:
  - sink_type: google_sheets
    sink_id: tracker-sheet
    base_url: https://sheets-bridge.example.com
    credentials_ref: SHEETS_TOKEN
  - sink_type: notion
    base_url: https://notion-bridge.example.com
`

func TestParseFullConfig(t *testing.T) {
	cfg, err := Parse([]byte(fullConfig))
	require.NoError(t, err)

	require.Equal(t, 15*time.Minute, cfg.RunFrequency.Std())
	require.Equal(t, "postgres://sync:pw@localhost:5432/assignsync", cfg.StateDSN)
	require.Equal(t, ":9090", cfg.ListenAddr)
	require.Equal(t, "ASSIGNSYNC_API_TOKEN", cfg.APITokenRef)
	require.Equal(t, 2, cfg.RemovalDebounceCycles)
	require.Equal(t, 8, cfg.MaxSourceConcurrency)
	require.Equal(t, 45*time.Second, cfg.SourceTimeout.Std())
	require.Equal(t, 4, cfg.RetryMaxAttempts)
	require.Equal(t, 250*time.Millisecond, cfg.RetryBaseDelay.Std())

	require.Len(t, cfg.Sources, 2)
	require.True(t, cfg.Sources[0].IsEnabled())
	require.False(t, cfg.Sources[1].IsEnabled())

	require.Len(t, cfg.Sinks, 2)
	require.Equal(t, "tracker-sheet", cfg.Sinks[0].SinkID)
	require.Equal(t, "notion", cfg.Sinks[1].SinkID) // defaulted from sink_type
}

func TestParseAppliesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
sources:
  - platform_type: canvas
    class_id: cs101
    base_url: https://canvas.example.edu
`))
	require.NoError(t, err)
	require.Equal(t, 30*time.Minute, cfg.RunFrequency.Std())
	require.Equal(t, "file://.assignsync/state.json", cfg.StateDSN)
	require.Equal(t, ":8080", cfg.ListenAddr)
	require.Equal(t, 3, cfg.RemovalDebounceCycles)
	require.Equal(t, 4, cfg.MaxSourceConcurrency)
	require.Equal(t, 60*time.Second, cfg.SourceTimeout.Std())
	require.Equal(t, 5, cfg.RetryMaxAttempts)
	require.Equal(t, 100*time.Millisecond, cfg.RetryBaseDelay.Std())
	require.Equal(t, 5*time.Second, cfg.RetryMaxDelay.Std())
}

func TestParseRejections(t *testing.T) {
	cases := []struct {
		name string
		yaml string
	}{
		{"no sources", `listen_addr: ":8080"`},
		{"empty sources", `sources: []`},
		{"unknown top-level key", fullConfig + "\nsync_mode: fast"},
		{"missing class_id", `
sources:
  - platform_type: canvas
    base_url: https://canvas.example.edu
`},
		{"bad duration", `
run_frequency: sometimes
sources:
  - platform_type: canvas
    class_id: cs101
    base_url: https://canvas.example.edu
`},
		{"duplicate source", `
sources:
  - platform_type: canvas
    class_id: cs101
    base_url: https://a.example.edu
  - platform_type: Canvas
    class_id: CS101
    base_url: https://b.example.edu
`},
		{"duplicate sink id", `
sources:
  - platform_type: canvas
    class_id: cs101
    base_url: https://canvas.example.edu
sinks:
  - sink_type: notion
    base_url: https://a.example.com
  - sink_type: notion
    base_url: https://b.example.com
`},
		{"contradictory retry delays", `
retry_base_delay: 10s
retry_max_delay: 1s
sources:
  - platform_type: canvas
    class_id: cs101
    base_url: https://canvas.example.edu
`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.yaml))
			require.Error(t, err)
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "assignsync.yaml")
	require.NoError(t, os.WriteFile(path, []byte(fullConfig), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Len(t, cfg.Sources, 2)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestResolveCredential(t *testing.T) {
	t.Setenv("ASSIGNSYNC_TEST_TOKEN", "s3cret")
	require.Equal(t, "s3cret", ResolveCredential("ASSIGNSYNC_TEST_TOKEN"))
	require.Empty(t, ResolveCredential(""))
	require.Empty(t, ResolveCredential("ASSIGNSYNC_TEST_TOKEN_UNSET"))
}
