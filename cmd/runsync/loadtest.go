package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/runsync/runsync/internal/replica/loadtest"
	"github.com/runsync/runsync/internal/ui"
)

var loadtestCmd = &cobra.Command{
	Use:     "loadtest",
	GroupID: "advanced",
	Short:   "Measure reconciliation latency on a synthetic workload",
	Long: `Generate synthetic runs and incremental updates and measure how long
reconciling them takes. The workload is deterministic for a given seed.

Modes:
  reconcile  apply every update to an in-memory store, timing each call (default)
  engine     drive the full engine from concurrent workers, including fallback
             fetches for runs that were never seeded

Examples:
  runsync loadtest
  runsync loadtest --mode engine --runs 500 --workers 16
  runsync loadtest --profile heavy.yaml --json`,
	Run: func(cmd *cobra.Command, args []string) {
		profilePath, _ := cmd.Flags().GetString("profile")
		mode, _ := cmd.Flags().GetString("mode")
		jsonOutput, _ := cmd.Flags().GetBool("json")

		p := loadtest.DefaultProfile()
		if profilePath != "" {
			loaded, err := loadtest.LoadProfile(profilePath)
			if err != nil {
				fatalf("%v", err)
			}
			p = loaded
		}
		if cmd.Flags().Changed("runs") {
			p.Runs, _ = cmd.Flags().GetInt("runs")
		}
		if cmd.Flags().Changed("updates") {
			p.UpdatesPerRun, _ = cmd.Flags().GetInt("updates")
		}
		if cmd.Flags().Changed("workers") {
			p.Workers, _ = cmd.Flags().GetInt("workers")
		}
		if cmd.Flags().Changed("seed") {
			p.Seed, _ = cmd.Flags().GetInt64("seed")
		}

		var (
			rep *loadtest.Report
			err error
		)
		switch mode {
		case "reconcile":
			rep, err = loadtest.RunReconcile(p)
		case "engine":
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			rep, err = loadtest.RunEngine(ctx, p)
		default:
			fatalf("--mode must be 'reconcile' or 'engine'")
		}
		if err != nil {
			fatalf("%v", err)
		}

		if jsonOutput {
			rep.Latency.Durations = nil
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if err := enc.Encode(rep); err != nil {
				fatalf("failed to encode report: %v", err)
			}
			return
		}

		fmt.Printf("%s Load test (%s): %d runs, %d updates in %v\n\n",
			ui.RenderAccent("⚡"), rep.Mode, p.Runs, rep.Updates, rep.Elapsed)
		rep.Latency.PrintStats(os.Stdout)
		fmt.Println("\nOutcomes:")
		for _, k := range sortedKeys(rep.Outcomes) {
			fmt.Printf("  %-14s %d\n", k+":", rep.Outcomes[k])
		}
		if rep.Engine != nil {
			fmt.Printf("\nEngine: %d misses, %d replayed, %d fetch merges\n",
				rep.Engine.Misses, rep.Engine.Replayed, rep.Engine.FetchMerged)
		}
		if rep.Fetch != nil {
			fmt.Printf("Fetches: %d started, %d deduplicated, %d failed\n",
				rep.Fetch.Started, rep.Fetch.Deduplicated, rep.Fetch.Failed)
		}
	},
}

func init() {
	loadtestCmd.Flags().String("profile", "", "YAML workload profile")
	loadtestCmd.Flags().String("mode", "reconcile", "Mode: reconcile or engine")
	loadtestCmd.Flags().Int("runs", 0, "Number of runs (overrides profile)")
	loadtestCmd.Flags().Int("updates", 0, "Updates per run (overrides profile)")
	loadtestCmd.Flags().Int("workers", 0, "Concurrent workers in engine mode (overrides profile)")
	loadtestCmd.Flags().Int64("seed", 0, "Random seed (overrides profile)")
	loadtestCmd.Flags().Bool("json", false, "Output the report as JSON")
	rootCmd.AddCommand(loadtestCmd)
}
