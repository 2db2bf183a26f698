package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/runsync/runsync/internal/replica/dashboard"
	"github.com/runsync/runsync/internal/replica/migrate"
	"github.com/runsync/runsync/internal/ui"
)

var cacheCmd = &cobra.Command{
	Use:     "cache",
	GroupID: "advanced",
	Short:   "Snapshot cache management",
	Long: `Manage the snapshot cache, a local SQLite database (cache.path) holding
the last known state of every replicated run. The follow command keeps it
current and seeds the replica from it on start.`,
}

var cacheStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show snapshot cache status",
	Long: `Display the snapshot cache location, size, and contents.

Shows:
  - Cache file location and size
  - Number of cached runs, by status
  - Checklist item completion across all runs`,
	Run: func(cmd *cobra.Command, args []string) {
		info, err := os.Stat(cfg.Cache.Path)
		if os.IsNotExist(err) {
			fmt.Printf("\n%s Snapshot cache not initialized\n", ui.RenderWarn("⚠"))
			fmt.Printf("   Run 'runsync follow' or 'runsync cache import' to create it\n\n")
			return
		}
		if err != nil {
			fatalf("failed to check cache: %v", err)
		}

		cache := openCache()
		defer cache.Close()

		runs, err := cache.LoadAll(context.Background())
		if err != nil {
			fatalf("failed to load runs: %v", err)
		}
		stats := dashboard.StatsFor(runs)

		size := info.Size()
		sizeStr := fmt.Sprintf("%d bytes", size)
		if size > 1024*1024 {
			sizeStr = fmt.Sprintf("%.1f MB", float64(size)/(1024*1024))
		} else if size > 1024 {
			sizeStr = fmt.Sprintf("%.1f KB", float64(size)/1024)
		}

		fmt.Printf("\n%s Snapshot Cache Status\n\n", ui.RenderAccent("📊"))
		fmt.Printf("Location: %s\n", cfg.Cache.Path)
		fmt.Printf("Size: %s\n", sizeStr)
		fmt.Printf("Runs: %d\n", stats.Runs)
		for _, status := range sortedKeys(stats.ByStatus) {
			fmt.Printf("   %s: %d\n", ui.RenderStatus(status), stats.ByStatus[status])
		}
		fmt.Printf("Items: %d/%d done\n", stats.Done, stats.Items)
		fmt.Printf("Modified: %s\n", info.ModTime().Format("2006-01-02 15:04:05"))
		fmt.Println()
	},
}

var cacheImportCmd = &cobra.Command{
	Use:   "import FILE",
	Short: "Import runs from a JSONL snapshot",
	Long: `Import runs, one JSON object per line, into the snapshot cache.

A run that is already cached is merged with the imported copy the same way
a fetched run is merged into the live replica: newer fields win, so an old
snapshot never rolls back newer state.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		dryRun, _ := cmd.Flags().GetBool("dry-run")
		noBackup, _ := cmd.Flags().GetBool("no-backup")

		cache := openCache()
		defer cache.Close()

		res, err := migrate.Import(context.Background(), cache, migrate.ImportOptions{
			FromJSONL: args[0],
			DryRun:    dryRun,
			Backup:    !noBackup,
		})
		if err != nil {
			fatalf("import failed: %v", err)
		}

		verb := "Imported"
		if dryRun {
			verb = "Would import"
		}
		fmt.Printf("%s %s %d runs from %s\n", ui.RenderPass("✓"), verb, res.RunsRead, args[0])
		fmt.Printf("   Written: %d\n", res.RunsWritten)
		fmt.Printf("   Merged with cached: %d\n", res.Merged)
		if res.BackupCreated != "" {
			fmt.Printf("   Backup: %s\n", res.BackupCreated)
		}
		for _, e := range res.Errors {
			fmt.Fprintf(os.Stderr, "%s %s\n", ui.RenderWarn("⚠"), e)
		}
		if len(res.Errors) > 0 {
			os.Exit(1)
		}
	},
}

var cacheExportCmd = &cobra.Command{
	Use:   "export FILE",
	Short: "Export cached runs to a JSONL snapshot",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		cache := openCache()
		defer cache.Close()

		n, err := migrate.Export(context.Background(), cache, args[0])
		if err != nil {
			fatalf("export failed: %v", err)
		}
		fmt.Printf("%s Exported %d runs to %s\n", ui.RenderPass("✓"), n, args[0])
	},
}

func init() {
	cacheImportCmd.Flags().Bool("dry-run", false, "Preview without writing")
	cacheImportCmd.Flags().Bool("no-backup", false, "Skip copying the input file aside first")
	cacheCmd.AddCommand(cacheStatusCmd)
	cacheCmd.AddCommand(cacheImportCmd)
	cacheCmd.AddCommand(cacheExportCmd)
	rootCmd.AddCommand(cacheCmd)
}
