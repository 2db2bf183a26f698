package main

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/runsync/runsync/internal/replica/dashboard"
	"github.com/runsync/runsync/internal/replica/db"
	"github.com/runsync/runsync/internal/ui"
)

var showCmd = &cobra.Command{
	Use:     "show RUN_ID",
	GroupID: "query",
	Short:   "Show one cached run",
	Long: `Print a run from the snapshot cache with its checklists and items.

Formats:
  text   human-readable summary (default)
  json   the full run as stored
  yaml   the full run as YAML`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		format, _ := cmd.Flags().GetString("format")

		cache := openCache()
		defer cache.Close()

		run, err := cache.GetRunByID(args[0])
		if errors.Is(err, sql.ErrNoRows) {
			fatalf("run %s is not cached", args[0])
		}
		if err != nil {
			fatalf("failed to read run: %v", err)
		}
		if err := writeRun(os.Stdout, run, format); err != nil {
			fatalf("%v", err)
		}
	},
}

var listCmd = &cobra.Command{
	Use:     "list",
	GroupID: "query",
	Short:   "List cached runs",
	Long: `List runs in the snapshot cache, most recently updated first.

Examples:
  runsync list --status InProgress
  runsync list --channel abc123 --limit 10 --json`,
	Run: func(cmd *cobra.Command, args []string) {
		status, _ := cmd.Flags().GetString("status")
		channel, _ := cmd.Flags().GetString("channel")
		owner, _ := cmd.Flags().GetString("owner")
		limit, _ := cmd.Flags().GetInt("limit")
		jsonOutput, _ := cmd.Flags().GetBool("json")

		cache := openCache()
		defer cache.Close()

		runs, err := cache.ListRuns(db.ListRunsFilter{
			Status:      status,
			ChannelID:   channel,
			OwnerUserID: owner,
			Limit:       limit,
		})
		if err != nil {
			fatalf("failed to list runs: %v", err)
		}

		if jsonOutput {
			out := make([]dashboard.RunUpdateData, 0, len(runs))
			for _, r := range runs {
				out = append(out, dashboard.Summarize(r))
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if err := enc.Encode(out); err != nil {
				fatalf("failed to encode runs: %v", err)
			}
			return
		}

		if len(runs) == 0 {
			fmt.Printf("%s No cached runs match\n", ui.RenderWarn("⚠"))
			return
		}
		for _, r := range runs {
			sum := dashboard.Summarize(r)
			fmt.Printf("%s  %-12s %3d/%-3d  %s  %s\n",
				ui.RenderMuted(r.ID), ui.RenderStatus(r.Status()),
				sum.ItemsDone, sum.Items, formatMillis(r.UpdateAt), r.Name())
		}
	},
}

var timelineCmd = &cobra.Command{
	Use:     "timeline RUN_ID",
	GroupID: "query",
	Short:   "Show a cached run's timeline",
	Long: `Print the timeline events of a cached run, oldest first.

--since accepts a duration ("90m"), an RFC 3339 time, or plain English
("2 hours ago", "yesterday", "last monday").`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		sinceText, _ := cmd.Flags().GetString("since")
		all, _ := cmd.Flags().GetBool("all")

		since, err := parseSince(sinceText, time.Now())
		if err != nil {
			fatalf("%v", err)
		}

		cache := openCache()
		defer cache.Close()

		run, err := cache.GetRunByID(args[0])
		if errors.Is(err, sql.ErrNoRows) {
			fatalf("run %s is not cached", args[0])
		}
		if err != nil {
			fatalf("failed to read run: %v", err)
		}

		events := timelineSince(run, since, all)
		if len(events) == 0 {
			fmt.Printf("%s No timeline events\n", ui.RenderWarn("⚠"))
			return
		}
		for _, ev := range events {
			line := fmt.Sprintf("%s  %-22s %s", formatMillis(ev.CreateAt()), ev.EventType(), ev.Summary())
			if ev.Deleted() {
				line = ui.RenderMuted(line + " (deleted)")
			}
			fmt.Println(line)
		}
	},
}

func init() {
	showCmd.Flags().StringP("format", "f", "text", "Output format: text, json or yaml")
	listCmd.Flags().String("status", "", "Only runs with this current_status")
	listCmd.Flags().String("channel", "", "Only runs in this channel")
	listCmd.Flags().String("owner", "", "Only runs owned by this user id")
	listCmd.Flags().IntP("limit", "n", 0, "Maximum runs to list (0 = all)")
	listCmd.Flags().Bool("json", false, "Output summaries as JSON")
	timelineCmd.Flags().String("since", "", "Only events created since this time")
	timelineCmd.Flags().Bool("all", false, "Include deleted events")
	rootCmd.AddCommand(showCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(timelineCmd)
}
