// Package spool feeds captured websocket frames from a directory into the
// replica.
//
// The spool:
//  1. Drains frame files already present in the directory
//  2. Watches the directory for new ones
//  3. Debounces writes so a file is read once it stops changing
//  4. Submits every frame and removes the file
//
// A *.json file holds one frame; a *.jsonl file holds one frame per line.
// Writers should create files under another name and rename them in.
package spool

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/runsync/runsync/internal/replica/decode"
)

// Sink receives frames. *engine.Engine implements it.
type Sink interface {
	Submit(ctx context.Context, frame []byte) error
}

// Config holds configuration for the spool.
type Config struct {
	// DebounceInterval is how long a file must be quiet before it is read.
	DebounceInterval time.Duration

	// Logger for spool activity
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		DebounceInterval: 100 * time.Millisecond,
		Logger:           log.New(os.Stderr, "[spool] ", log.LstdFlags),
	}
}

// Stats counts spool activity.
type Stats struct {
	Files    int64
	Frames   int64
	Rejected int64
}

// Spool watches one directory.
type Spool struct {
	dir    string
	sink   Sink
	config *Config

	watcher       *fsnotify.Watcher
	changeQueue   map[string]time.Time // path -> last event
	changeQueueMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	files, frames, rejected atomic.Int64
}

// New creates a spool over dir. Use Start to begin watching.
func New(sink Sink, dir string, config *Config) (*Spool, error) {
	if sink == nil {
		return nil, fmt.Errorf("sink cannot be nil")
	}
	if dir == "" {
		return nil, fmt.Errorf("spool directory cannot be empty")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = DefaultConfig().Logger
	}
	if config.DebounceInterval <= 0 {
		config.DebounceInterval = DefaultConfig().DebounceInterval
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create spool directory: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Spool{
		dir:         dir,
		sink:        sink,
		config:      config,
		watcher:     watcher,
		changeQueue: make(map[string]time.Time),
		ctx:         ctx,
		cancel:      cancel,
	}, nil
}

// Start drains the directory, then watches it. It blocks until ctx is
// cancelled or Stop is called.
func (s *Spool) Start(ctx context.Context) error {
	s.config.Logger.Printf("Watching spool %s", s.dir)

	if err := s.watcher.Add(s.dir); err != nil {
		return fmt.Errorf("failed to watch spool directory: %w", err)
	}
	if _, err := s.Drain(ctx); err != nil {
		return fmt.Errorf("initial drain failed: %w", err)
	}

	s.wg.Add(2)
	go s.watchFileEvents()
	go s.processChangeQueue(ctx)

	select {
	case <-ctx.Done():
		return s.Stop()
	case <-s.ctx.Done():
		return nil
	}
}

// Stop shuts the spool down. Safe to call more than once.
func (s *Spool) Stop() error {
	if s.ctx.Err() != nil {
		return nil
	}
	s.cancel()
	if err := s.watcher.Close(); err != nil {
		s.config.Logger.Printf("Error closing watcher: %v", err)
	}
	s.wg.Wait()
	return nil
}

// Drain processes every frame file currently in the directory, in name
// order, and returns the number of frames submitted.
func (s *Spool) Drain(ctx context.Context) (int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, fmt.Errorf("failed to read spool directory: %w", err)
	}
	var paths []string
	for _, e := range entries {
		if !e.IsDir() && isFrameFile(e.Name()) {
			paths = append(paths, filepath.Join(s.dir, e.Name()))
		}
	}
	sort.Strings(paths)

	total := 0
	for _, p := range paths {
		n, err := s.ProcessFile(ctx, p)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// Stats returns the spool counters.
func (s *Spool) Stats() Stats {
	return Stats{Files: s.files.Load(), Frames: s.frames.Load(), Rejected: s.rejected.Load()}
}

func isFrameFile(name string) bool {
	switch filepath.Ext(name) {
	case ".json", ".jsonl":
		return true
	}
	return false
}

func (s *Spool) watchFileEvents() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return

		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			if !isFrameFile(event.Name) {
				continue
			}
			s.queueChange(event.Name)

		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.config.Logger.Printf("Watcher error: %v", err)
		}
	}
}

func (s *Spool) queueChange(path string) {
	s.changeQueueMu.Lock()
	defer s.changeQueueMu.Unlock()
	s.changeQueue[path] = time.Now()
}

func (s *Spool) processChangeQueue(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.DebounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.processPendingChanges(ctx)
		}
	}
}

// processPendingChanges handles files quiet for at least the debounce
// interval.
func (s *Spool) processPendingChanges(ctx context.Context) {
	now := time.Now()
	var ready []string

	s.changeQueueMu.Lock()
	for path, queuedAt := range s.changeQueue {
		if now.Sub(queuedAt) < s.config.DebounceInterval {
			continue
		}
		ready = append(ready, path)
		delete(s.changeQueue, path)
	}
	s.changeQueueMu.Unlock()

	sort.Strings(ready)
	for _, path := range ready {
		if _, err := s.ProcessFile(ctx, path); err != nil {
			s.config.Logger.Printf("Error processing %s: %v", path, err)
		}
	}
}

// ProcessFile submits the frames in path and removes it. A file that no
// longer exists is skipped. Frames the sink rejects as undecodable are
// counted and dropped; any other sink error stops processing and leaves
// the file in place.
func (s *Spool) ProcessFile(ctx context.Context, path string) (int, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read %s: %w", path, err)
	}

	var frames [][]byte
	if filepath.Ext(path) == ".jsonl" {
		frames, err = splitLines(data)
		if err != nil {
			return 0, fmt.Errorf("failed to split %s: %w", path, err)
		}
	} else if len(bytes.TrimSpace(data)) > 0 {
		frames = [][]byte{data}
	}

	n := 0
	for i, frame := range frames {
		if err := s.sink.Submit(ctx, frame); err != nil {
			if !decode.IsDecodeError(err) {
				return n, fmt.Errorf("failed to submit frame %d of %s: %w", i+1, path, err)
			}
			s.rejected.Add(1)
			s.config.Logger.Printf("Warning: %s frame %d rejected: %v", filepath.Base(path), i+1, err)
			continue
		}
		n++
	}
	s.files.Add(1)
	s.frames.Add(int64(n))

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return n, fmt.Errorf("failed to remove %s: %w", path, err)
	}
	s.config.Logger.Printf("Processed %s (%d frames)", filepath.Base(path), n)
	return n, nil
}

func splitLines(data []byte) ([][]byte, error) {
	var out [][]byte
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		out = append(out, append([]byte(nil), line...))
	}
	return out, scanner.Err()
}
