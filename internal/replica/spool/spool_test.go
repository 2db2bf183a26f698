package spool

import (
	"context"
	"errors"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/runsync/runsync/internal/replica/decode"
)

// recordingSink decodes like the engine does and keeps accepted frames.
type recordingSink struct {
	mu     sync.Mutex
	frames []string
	err    error
}

func (r *recordingSink) Submit(ctx context.Context, frame []byte) error {
	if r.err != nil {
		return r.err
	}
	if _, err := decode.DecodeEvent(frame); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, string(frame))
	return nil
}

func (r *recordingSink) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.frames)
}

func testConfig() *Config {
	return &Config{DebounceInterval: 20 * time.Millisecond, Logger: log.New(io.Discard, "", 0)}
}

const removedFrame = `{"event": "playbook_run_removed", "data": {"payload": "{\"id\": \"r1\"}"}}`

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("WriteFile() failed: %v", err)
	}
}

func TestProcessFile(t *testing.T) {
	tests := []struct {
		name       string
		file       string
		content    string
		wantFrames int
		wantReject int64
	}{
		{"single json", "a.json", removedFrame, 1, 0},
		{"jsonl with blank lines", "b.jsonl", removedFrame + "\n\n" + removedFrame + "\n", 2, 0},
		{"bad frame skipped", "c.jsonl", "{nope\n" + removedFrame + "\n", 1, 1},
		{"empty json", "d.json", "  \n", 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			sink := &recordingSink{}
			s, err := New(sink, dir, testConfig())
			if err != nil {
				t.Fatalf("New() failed: %v", err)
			}
			defer s.Stop()

			path := filepath.Join(dir, tt.file)
			writeFile(t, path, tt.content)

			n, err := s.ProcessFile(context.Background(), path)
			if err != nil {
				t.Fatalf("ProcessFile() failed: %v", err)
			}
			if n != tt.wantFrames || sink.count() != tt.wantFrames {
				t.Errorf("ProcessFile() = %d frames, sink saw %d, want %d", n, sink.count(), tt.wantFrames)
			}
			if got := s.Stats().Rejected; got != tt.wantReject {
				t.Errorf("Rejected = %d, want %d", got, tt.wantReject)
			}
			if _, err := os.Stat(path); !os.IsNotExist(err) {
				t.Errorf("file %s still present after processing", tt.file)
			}
		})
	}
}

func TestProcessFileKeepsFileOnSinkFailure(t *testing.T) {
	dir := t.TempDir()
	s, err := New(&recordingSink{err: errors.New("engine stopped")}, dir, testConfig())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	defer s.Stop()

	path := filepath.Join(dir, "a.json")
	writeFile(t, path, removedFrame)
	if _, err := s.ProcessFile(context.Background(), path); err == nil {
		t.Fatal("ProcessFile() succeeded, want error")
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("file removed despite failure: %v", err)
	}

	if n, err := s.ProcessFile(context.Background(), filepath.Join(dir, "missing.json")); n != 0 || err != nil {
		t.Errorf("ProcessFile(missing) = %d, %v, want 0, nil", n, err)
	}
}

func TestStartDrainsAndWatches(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "existing.json"), removedFrame)
	writeFile(t, filepath.Join(dir, "ignored.txt"), "not a frame")

	sink := &recordingSink{}
	s, err := New(sink, dir, testConfig())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Start(ctx) }()

	waitFor(t, func() bool { return sink.count() == 1 })

	// Written under a temporary name and renamed in.
	tmp := filepath.Join(dir, "new.tmp")
	writeFile(t, tmp, removedFrame+"\n"+removedFrame+"\n")
	if err := os.Rename(tmp, filepath.Join(dir, "new.jsonl")); err != nil {
		t.Fatalf("Rename() failed: %v", err)
	}
	waitFor(t, func() bool { return sink.count() == 3 })

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Start() = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Start() did not return after cancel")
	}

	if _, err := os.Stat(filepath.Join(dir, "ignored.txt")); err != nil {
		t.Errorf("non-frame file touched: %v", err)
	}
	if st := s.Stats(); st.Files != 2 || st.Frames != 3 {
		t.Errorf("Stats() = %+v", st)
	}
}

func TestNewValidation(t *testing.T) {
	if _, err := New(nil, t.TempDir(), nil); err == nil {
		t.Error("New(nil sink) succeeded, want error")
	}
	if _, err := New(&recordingSink{}, "", nil); err == nil {
		t.Error("New(empty dir) succeeded, want error")
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for condition")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
