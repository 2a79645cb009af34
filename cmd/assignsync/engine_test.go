package main

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/studystack/assignsync/internal/assignsync"
	"github.com/studystack/assignsync/internal/config"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg, err := config.Parse([]byte(`
state_dsn: memory://
sources:
  - platform_type: canvas
    class_id: cs101
    base_url: https://canvas.example.edu
sinks:
  - sink_type: google_sheets
    base_url: https://sheets-bridge.example.com
`))
	require.NoError(t, err)
	return cfg
}

func TestBuildEngine(t *testing.T) {
	eng, err := buildEngine(testConfig(t), assignsync.NopLogger(), assignsync.NewNopMetrics())
	require.NoError(t, err)
	defer eng.Close()

	require.NotNil(t, eng.store)
	require.NotNil(t, eng.coordinator)
	require.Equal(t, []string{"google_sheets"}, eng.dispatcher.SinkIDs())
}

func TestBuildEngineRejectsUnknownPlatform(t *testing.T) {
	cfg := testConfig(t)
	cfg.Sources[0].PlatformType = "powerschool"
	_, err := buildEngine(cfg, assignsync.NopLogger(), assignsync.NewNopMetrics())
	require.Error(t, err)
}

func TestRebuildPipelineSwapsSinks(t *testing.T) {
	eng, err := buildEngine(testConfig(t), assignsync.NopLogger(), assignsync.NewNopMetrics())
	require.NoError(t, err)
	defer eng.Close()

	next := testConfig(t)
	next.Sinks = []config.SinkConfig{
		{SinkType: "notion", SinkID: "class-notes", BaseURL: "https://notion-bridge.example.com"},
	}
	require.NoError(t, eng.rebuildPipeline(next, assignsync.NopLogger(), assignsync.NewNopMetrics()))
	require.Equal(t, []string{"class-notes"}, eng.dispatcher.SinkIDs())

	// A broken new config must not tear down the running pipeline.
	broken := testConfig(t)
	broken.Sinks = []config.SinkConfig{{SinkType: "carrier_pigeon", BaseURL: "https://x"}}
	require.Error(t, eng.rebuildPipeline(broken, assignsync.NopLogger(), assignsync.NewNopMetrics()))
	require.Equal(t, []string{"class-notes"}, eng.dispatcher.SinkIDs())
}
