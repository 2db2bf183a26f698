// Package fetch recovers runs the replica does not know about by fetching
// them in full.
//
// Fallback keeps a pending set keyed by run id. While a fetch for an id is
// in flight, further triggers for that id are no-ops. The set entry is
// cleared once the result (success or failure) has been handed to the
// OnResult callback. Failures are logged and dropped; there is no retry
// loop at this level.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"sync/atomic"

	"github.com/runsync/runsync/internal/replica/schema"
	"golang.org/x/sync/semaphore"
)

// Result is the outcome of one fallback fetch.
type Result struct {
	ID  string
	Run *schema.Run
	Err error
}

// Config configures a Fallback.
type Config struct {
	// MaxConcurrent bounds fetches in flight across all ids.
	MaxConcurrent int64

	// OnResult receives every completed fetch. It is called from the fetch
	// goroutine.
	OnResult func(Result)

	Logger *log.Logger
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{MaxConcurrent: 4}
}

// Stats counts fallback activity.
type Stats struct {
	Started      int64
	Succeeded    int64
	Failed       int64
	Deduplicated int64
}

// Fallback deduplicates full-run fetches.
type Fallback struct {
	client   Client
	sem      *semaphore.Weighted
	onResult func(Result)
	logger   *log.Logger

	mu      sync.Mutex
	pending map[string]struct{}
	wg      sync.WaitGroup

	started      atomic.Int64
	succeeded    atomic.Int64
	failed       atomic.Int64
	deduplicated atomic.Int64
}

// NewFallback creates a Fallback around client.
func NewFallback(client Client, cfg Config) (*Fallback, error) {
	if client == nil {
		return nil, fmt.Errorf("client is required")
	}
	if cfg.MaxConcurrent < 1 {
		return nil, fmt.Errorf("max concurrent fetches must be at least 1, got %d", cfg.MaxConcurrent)
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[fetch] ", log.LstdFlags)
	}
	if cfg.OnResult == nil {
		cfg.OnResult = func(Result) {}
	}
	return &Fallback{
		client:   client,
		sem:      semaphore.NewWeighted(cfg.MaxConcurrent),
		onResult: cfg.OnResult,
		logger:   cfg.Logger,
		pending:  make(map[string]struct{}),
	}, nil
}

// Trigger starts a fetch for id unless one is already pending. It reports
// whether a new fetch was started. It never blocks on the network.
func (f *Fallback) Trigger(ctx context.Context, id string) bool {
	f.mu.Lock()
	if _, busy := f.pending[id]; busy {
		f.mu.Unlock()
		f.deduplicated.Add(1)
		return false
	}
	f.pending[id] = struct{}{}
	f.wg.Add(1)
	f.mu.Unlock()

	f.started.Add(1)
	go f.fetch(ctx, id)
	return true
}

// Pending reports whether a fetch for id is in flight.
func (f *Fallback) Pending(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.pending[id]
	return ok
}

// Wait blocks until every started fetch has delivered its result.
func (f *Fallback) Wait() {
	f.wg.Wait()
}

// Stats returns a snapshot of the counters.
func (f *Fallback) Stats() Stats {
	return Stats{
		Started:      f.started.Load(),
		Succeeded:    f.succeeded.Load(),
		Failed:       f.failed.Load(),
		Deduplicated: f.deduplicated.Load(),
	}
}

func (f *Fallback) fetch(ctx context.Context, id string) {
	defer f.wg.Done()

	res := Result{ID: id}
	if err := f.sem.Acquire(ctx, 1); err != nil {
		res.Err = fmt.Errorf("failed to acquire fetch slot: %w", err)
	} else {
		res.Run, res.Err = f.safeFetch(ctx, id)
		f.sem.Release(1)
	}

	if res.Err != nil {
		f.failed.Add(1)
		switch {
		case errors.Is(res.Err, ErrNotFound):
			f.logger.Printf("Run %s not found on server, dropping", id)
		case errors.Is(res.Err, ErrForbidden):
			f.logger.Printf("Run %s is not readable by this user, dropping", id)
		case errors.Is(res.Err, context.Canceled):
		default:
			f.logger.Printf("Warning: fetch of run %s failed: %v", id, res.Err)
		}
	} else {
		f.succeeded.Add(1)
	}

	// Cleared before delivery so a miss seen while the result is being
	// handled starts a fresh fetch.
	f.mu.Lock()
	delete(f.pending, id)
	f.mu.Unlock()
	f.onResult(res)
}

func (f *Fallback) safeFetch(ctx context.Context, id string) (run *schema.Run, err error) {
	defer func() {
		if r := recover(); r != nil {
			run, err = nil, fmt.Errorf("fetch panicked: %v", r)
		}
	}()
	run, err = f.client.FetchRun(ctx, id)
	if err == nil && run == nil {
		err = fmt.Errorf("client returned no run for %s", id)
	}
	return run, err
}
