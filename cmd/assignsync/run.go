package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/studystack/assignsync/internal/assignsync"
	"github.com/studystack/assignsync/internal/config"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Execute a single reconciliation cycle and print its report",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		logger := assignsync.NewSlogLogger(newLogger())
		eng, err := buildEngine(cfg, logger, assignsync.NewNopMetrics())
		if err != nil {
			return err
		}
		defer eng.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		report := eng.coordinator.RunCycle(ctx)
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		if err := encoder.Encode(report); err != nil {
			return err
		}
		if report.Status == assignsync.CycleFailed {
			return fmt.Errorf("cycle %s failed: all sources failed", report.CycleID)
		}
		return nil
	},
}
