package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/runsync/runsync/internal/config"
	"github.com/runsync/runsync/internal/logging"
	"github.com/runsync/runsync/internal/replica/db"
	"github.com/runsync/runsync/internal/ui"
)

var (
	configPath string
	loader     *config.Loader
	cfg        *config.Config
	logs       *logging.Factory
)

var rootCmd = &cobra.Command{
	Use:   "runsync",
	Short: "Keep a local replica of playbook runs in sync with the server",
	Long: `runsync follows the server's websocket event stream and maintains a
local, always-consistent replica of playbook runs (checklists, items,
timeline and status posts). Runs it has never seen are fetched once and
merged; the replica is cached in SQLite for offline inspection.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		ui.Init()
		loader = config.NewLoader(configPath)
		c, err := loader.Load()
		if err != nil {
			return err
		}
		cfg = c
		logs = logging.New(cfg.Log, os.Stderr)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logs != nil {
			_ = logs.Close()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default: .runsync/runsync.toml or ~/.config/runsync/runsync.toml)")
	rootCmd.AddGroup(
		&cobra.Group{ID: "sync", Title: "Sync Commands:"},
		&cobra.Group{ID: "query", Title: "Query Commands:"},
		&cobra.Group{ID: "advanced", Title: "Advanced Commands:"},
	)
}

// fatalf prints an error and exits.
func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}

// openCache opens the configured snapshot cache or exits.
func openCache() *db.DB {
	cache, err := db.Open(cfg.Cache.Path)
	if err != nil {
		fatalf("failed to open cache %s: %v", cfg.Cache.Path, err)
	}
	return cache
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
