// Package migrate moves run snapshots between JSONL files and the cache.
package migrate

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/runsync/runsync/internal/replica/db"
	"github.com/runsync/runsync/internal/replica/reconcile"
	"github.com/runsync/runsync/internal/replica/schema"
	"github.com/runsync/runsync/internal/replica/store"
)

// ImportOptions contains configuration for an import
type ImportOptions struct {
	FromJSONL string // Input JSONL file path
	DryRun    bool   // Preview without writing
	Backup    bool   // Copy the input aside before importing
}

// ImportResult contains statistics about an import
type ImportResult struct {
	RunsRead      int
	RunsWritten   int
	Merged        int // runs already cached, merged rather than replaced
	BackupCreated string
	Errors        []string
}

// FromJSONL reads one run per line.
func FromJSONL(jsonlPath string) ([]*schema.Run, error) {
	// #nosec G304 - controlled path from CLI
	file, err := os.Open(jsonlPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open JSONL file: %w", err)
	}
	defer file.Close()
	return ReadJSONL(file)
}

// ReadJSONL decodes a stream of runs.
func ReadJSONL(r io.Reader) ([]*schema.Run, error) {
	var runs []*schema.Run
	decoder := json.NewDecoder(r)
	for line := 1; ; line++ {
		var run schema.Run
		if err := decoder.Decode(&run); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("invalid JSON at line %d: %w", line, err)
		}
		if err := run.Validate(); err != nil {
			return nil, fmt.Errorf("invalid run at line %d: %w", line, err)
		}
		runs = append(runs, &run)
	}
	return runs, nil
}

// WriteJSONL writes runs, sorted by id, one per line.
func WriteJSONL(w io.Writer, runs []*schema.Run) error {
	sorted := append([]*schema.Run(nil), runs...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	bw := bufio.NewWriter(w)
	encoder := json.NewEncoder(bw)
	for _, run := range sorted {
		if err := encoder.Encode(run); err != nil {
			return fmt.Errorf("failed to encode run %s: %w", run.ID, err)
		}
	}
	return bw.Flush()
}

// ToJSONL writes runs to path atomically via a temp file.
func ToJSONL(path string, runs []*schema.Run) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	tmpPath := path + ".tmp"
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	if err := WriteJSONL(f, runs); err != nil {
		f.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}

// Import loads a JSONL snapshot into the cache. A run already cached is
// merged with the imported copy the same way a fetched run is merged into
// the live store, so an older snapshot never overwrites newer state.
func Import(ctx context.Context, cache *db.DB, opts ImportOptions) (*ImportResult, error) {
	result := &ImportResult{}

	if _, err := os.Stat(opts.FromJSONL); err != nil {
		return nil, fmt.Errorf("input file does not exist: %w", err)
	}

	if opts.Backup && !opts.DryRun {
		backupPath := opts.FromJSONL + ".backup." + time.Now().Format("20060102-150405")
		input, err := os.ReadFile(opts.FromJSONL)
		if err != nil {
			return nil, fmt.Errorf("failed to read input for backup: %w", err)
		}
		if err := os.WriteFile(backupPath, input, 0600); err != nil {
			return nil, fmt.Errorf("failed to create backup: %w", err)
		}
		result.BackupCreated = backupPath
	}

	runs, err := FromJSONL(opts.FromJSONL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse JSONL: %w", err)
	}
	result.RunsRead = len(runs)

	for _, run := range runs {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		final := run
		cached, err := cache.GetRunByIDContext(ctx, run.ID)
		switch {
		case err == nil:
			final = reconcile.MergeFull(store.New(cached), run).Run
			result.Merged++
		case !errors.Is(err, sql.ErrNoRows):
			result.Errors = append(result.Errors, fmt.Sprintf("failed to read cached run %s: %v", run.ID, err))
			continue
		}

		if opts.DryRun {
			continue
		}
		if err := cache.UpsertRunContext(ctx, final); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("failed to write run %s: %v", run.ID, err))
			continue
		}
		result.RunsWritten++
	}
	return result, nil
}

// Export writes every cached run to path and returns how many were written.
func Export(ctx context.Context, cache *db.DB, path string) (int, error) {
	runs, err := cache.LoadAll(ctx)
	if err != nil {
		return 0, err
	}
	if err := ToJSONL(path, runs); err != nil {
		return 0, err
	}
	return len(runs), nil
}
