package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/tidwall/gjson"

	"github.com/runsync/runsync/internal/replica/decode"
	"github.com/runsync/runsync/internal/replica/engine"
	"github.com/runsync/runsync/internal/replica/notify"
	"github.com/runsync/runsync/internal/ui"
)

var applyCmd = &cobra.Command{
	Use:     "apply FILE...",
	GroupID: "sync",
	Short:   "Apply captured frames or updates to the cache",
	Long: `Apply websocket frames or bare incremental updates from files to the
snapshot cache, exactly as the follow command would have applied them.

Each FILE is either a single JSON document or, with a .jsonl extension, one
document per line. A document with an "event" key is treated as a websocket
frame; anything else as an incremental update.

Runs that are not cached are fetched from the server unless --offline is
given, in which case their updates are dropped.`,
	Args: cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		offline, _ := cmd.Flags().GetBool("offline")
		ctx := context.Background()

		cache := openCache()
		defer cache.Close()

		notifier := notify.New(logs.Logger("notify"))
		defer notifier.Close()
		eng, err := newEngine(notifier, offline)
		if err != nil {
			fatalf("failed to create engine: %v", err)
		}

		runCtx, stop := context.WithCancel(ctx)
		done := make(chan error, 1)
		go func() { done <- eng.Run(runCtx) }()
		defer func() {
			stop()
			<-done
		}()

		cached, err := cache.LoadAll(ctx)
		if err != nil {
			fatalf("failed to load cache: %v", err)
		}
		if err := eng.Seed(ctx, cached); err != nil {
			fatalf("failed to seed engine: %v", err)
		}
		before := eng.Snapshot()

		var submitted, rejected int
		for _, path := range args {
			docs, err := readDocuments(path)
			if err != nil {
				fatalf("%v", err)
			}
			for i, doc := range docs {
				if err := submitDocument(ctx, eng, doc); err != nil {
					if decode.IsDecodeError(err) {
						fmt.Fprintf(os.Stderr, "%s %s:%d: %v\n", ui.RenderWarn("⚠"), path, i+1, err)
						rejected++
						continue
					}
					fatalf("failed to apply %s: %v", path, err)
				}
				submitted++
			}
		}

		if err := eng.Flush(ctx); err != nil {
			fatalf("failed to settle updates: %v", err)
		}
		written, deleted, err := cache.SyncStore(ctx, before, eng.Snapshot())
		if err != nil {
			fatalf("failed to write cache: %v", err)
		}

		st := eng.Stats()
		fmt.Printf("%s Applied %d documents from %d files\n", ui.RenderPass("✓"), submitted, len(args))
		fmt.Printf("   Applied: %d  Missed: %d  Stale: %d\n", st.Applied, st.Misses, st.Stale)
		fmt.Printf("   Fetched: %d  Failed fetches: %d\n", st.FetchMerged, st.FetchFailed)
		fmt.Printf("   Cache: %d written, %d deleted\n", written, deleted)
		if rejected > 0 {
			fmt.Printf("   %s %d documents rejected\n", ui.RenderWarn("⚠"), rejected)
		}
	},
}

// readDocuments splits a .jsonl file into lines; any other file is one
// document.
func readDocuments(path string) ([][]byte, error) {
	// #nosec G304 - controlled path from CLI
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	if !strings.EqualFold(filepath.Ext(path), ".jsonl") {
		data = bytes.TrimSpace(data)
		if len(data) == 0 {
			return nil, nil
		}
		return [][]byte{data}, nil
	}
	var docs [][]byte
	for _, line := range bytes.Split(data, []byte("\n")) {
		line = bytes.TrimSpace(line)
		if len(line) > 0 {
			docs = append(docs, line)
		}
	}
	return docs, nil
}

// submitDocument routes a frame to Submit and a bare update to
// SubmitUpdate.
func submitDocument(ctx context.Context, eng *engine.Engine, doc []byte) error {
	if gjson.GetBytes(doc, "event").Exists() {
		return eng.Submit(ctx, doc)
	}
	u, err := decode.DecodeUpdate(doc)
	if err != nil {
		return err
	}
	return eng.SubmitUpdate(ctx, u)
}

func init() {
	applyCmd.Flags().Bool("offline", false, "Never contact the server; drop updates for uncached runs")
	rootCmd.AddCommand(applyCmd)
}
