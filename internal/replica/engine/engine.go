// Package engine runs the replica's single-owner event loop.
//
// Every state change (an inbound event, a completed fallback fetch, a seed
// or resync request) is serialized through Run's goroutine and applied as
// one atomic step against the current store. Readers on other goroutines
// use Snapshot, which returns the latest immutable store without locking.
//
// Flow:
//
//	frame ─► decode ─► Submit ─► Run loop ─► reconcile ─► Applied ─► notify
//	                                             │
//	                                             └─► Miss ─► buffer + fetch.Fallback
//	                                                              │
//	               notify ◄─ replay buffered ◄─ MergeFull ◄───────┘
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"sync/atomic"

	"github.com/runsync/runsync/internal/replica/decode"
	"github.com/runsync/runsync/internal/replica/fetch"
	"github.com/runsync/runsync/internal/replica/notify"
	"github.com/runsync/runsync/internal/replica/reconcile"
	"github.com/runsync/runsync/internal/replica/schema"
	"github.com/runsync/runsync/internal/replica/store"
)

// ErrStopped is returned by calls made after Run has returned.
var ErrStopped = errors.New("engine stopped")

// Config holds engine settings.
type Config struct {
	Reconcile reconcile.Options

	// UserID is the local user. A user_removed event for another user is
	// ignored; an empty UserID accepts every user_removed event.
	UserID string

	// MaxConcurrentFetches bounds fallback fetches in flight.
	MaxConcurrentFetches int64

	// MaxBufferedPerRun caps updates held for a run whose fetch is pending.
	// The oldest are dropped first.
	MaxBufferedPerRun int

	// InboxSize is the capacity of the event channel.
	InboxSize int

	Logger *log.Logger
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentFetches: 4,
		MaxBufferedPerRun:    256,
		InboxSize:            256,
	}
}

// Stats counts what the engine has done since it started.
type Stats struct {
	Events          int64
	Applied         int64
	Misses          int64
	Stale           int64
	Inconsistencies int64
	DecodeErrors    int64
	Removed         int64
	FetchMerged     int64
	FetchFailed     int64
	Replayed        int64
	Runs            int
}

// Engine owns the replicated store.
type Engine struct {
	cfg      Config
	notifier *notify.Notifier
	fallback *fetch.Fallback
	logger   *log.Logger

	snap    atomic.Pointer[store.Store]
	inbox   chan *decode.Event
	results chan fetch.Result
	control chan func(ctx context.Context)

	running  atomic.Bool
	stopped  chan struct{}
	stopOnce sync.Once

	// Owned by the Run goroutine.
	opts     reconcile.Options
	buffered map[string][]*decode.Update
	inflight map[string]int
	gone     map[string]bool

	received, applied, misses, stale, inconsistencies atomic.Int64
	decodeErrors, removed, fetchMerged, fetchFailed   atomic.Int64
	replayed                                          atomic.Int64
}

// New creates an engine. client performs fallback fetches; notifier
// receives every reconciled run.
func New(client fetch.Client, notifier *notify.Notifier, cfg Config) (*Engine, error) {
	if notifier == nil {
		return nil, fmt.Errorf("notifier is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[engine] ", log.LstdFlags)
	}
	if cfg.MaxConcurrentFetches == 0 {
		cfg.MaxConcurrentFetches = DefaultConfig().MaxConcurrentFetches
	}
	if cfg.MaxBufferedPerRun <= 0 {
		cfg.MaxBufferedPerRun = DefaultConfig().MaxBufferedPerRun
	}
	if cfg.InboxSize <= 0 {
		cfg.InboxSize = DefaultConfig().InboxSize
	}

	e := &Engine{
		cfg:      cfg,
		notifier: notifier,
		logger:   cfg.Logger,
		inbox:    make(chan *decode.Event, cfg.InboxSize),
		results:  make(chan fetch.Result),
		control:  make(chan func(ctx context.Context)),
		stopped:  make(chan struct{}),
		opts:     cfg.Reconcile,
		buffered: make(map[string][]*decode.Update),
		inflight: make(map[string]int),
		gone:     make(map[string]bool),
	}
	e.snap.Store(store.New())

	fb, err := fetch.NewFallback(client, fetch.Config{
		MaxConcurrent: cfg.MaxConcurrentFetches,
		OnResult:      e.deliverResult,
		Logger:        cfg.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create fallback fetcher: %w", err)
	}
	e.fallback = fb
	return e, nil
}

// Run processes events until ctx is cancelled. It must be called once.
func (e *Engine) Run(ctx context.Context) error {
	if !e.running.CompareAndSwap(false, true) {
		return fmt.Errorf("engine already running")
	}
	defer e.stopOnce.Do(func() { close(e.stopped) })

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-e.inbox:
			e.handleEvent(ctx, ev)
		case res := <-e.results:
			e.handleFetch(res)
		case fn := <-e.control:
			fn(ctx)
		}
	}
}

// Snapshot returns the current store. Safe from any goroutine.
func (e *Engine) Snapshot() *store.Store {
	return e.snap.Load()
}

// Submit decodes a websocket frame and queues it. Decode errors are
// returned and counted; the frame is dropped.
func (e *Engine) Submit(ctx context.Context, frame []byte) error {
	ev, err := decode.DecodeEvent(frame)
	if err != nil {
		e.decodeErrors.Add(1)
		return err
	}
	if ev.Kind == decode.KindIgnored {
		return nil
	}
	return e.SubmitEvent(ctx, ev)
}

// SubmitUpdate queues an already decoded incremental update.
func (e *Engine) SubmitUpdate(ctx context.Context, u *decode.Update) error {
	return e.SubmitEvent(ctx, &decode.Event{Kind: decode.KindIncremental, Name: decode.EventIncremental, Update: u})
}

// SubmitEvent queues a decoded event. It blocks while the inbox is full.
func (e *Engine) SubmitEvent(ctx context.Context, ev *decode.Event) error {
	select {
	case e.inbox <- ev:
		return nil
	case <-e.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Seed merges runs, typically from the snapshot cache, into the store
// without publishing them.
func (e *Engine) Seed(ctx context.Context, runs []*schema.Run) error {
	return e.do(ctx, func(context.Context) {
		s := e.Snapshot()
		for _, r := range runs {
			s = reconcile.MergeFull(s, r).Store
		}
		e.snap.Store(s)
		e.logger.Printf("Seeded %d runs", len(runs))
	})
}

// Resync fetches every known run again. The transport calls it after a
// reconnect, since updates sent while disconnected are lost.
func (e *Engine) Resync(ctx context.Context) error {
	return e.do(ctx, func(runCtx context.Context) {
		ids := e.Snapshot().IDs()
		for _, id := range ids {
			e.trigger(runCtx, id)
		}
		e.logger.Printf("Resync requested for %d runs", len(ids))
	})
}

// SetOptions changes the reconcile options for subsequent updates.
func (e *Engine) SetOptions(ctx context.Context, opts reconcile.Options) error {
	return e.do(ctx, func(context.Context) {
		e.opts = opts
	})
}

// WaitFetches blocks until every fallback fetch started so far has
// delivered its result to the loop.
func (e *Engine) WaitFetches() {
	e.fallback.Wait()
}

// Flush returns once every event queued before the call has been handled
// and every fallback fetch those events started has been merged. It is
// meant for batch use where the caller stops submitting first.
func (e *Engine) Flush(ctx context.Context) error {
	drain := func(runCtx context.Context) {
		for {
			select {
			case ev := <-e.inbox:
				e.handleEvent(runCtx, ev)
			default:
				return
			}
		}
	}
	if err := e.do(ctx, drain); err != nil {
		return err
	}
	e.fallback.Wait()
	return e.do(ctx, drain)
}

// Stats returns a snapshot of the counters.
func (e *Engine) Stats() Stats {
	return Stats{
		Events:          e.received.Load(),
		Applied:         e.applied.Load(),
		Misses:          e.misses.Load(),
		Stale:           e.stale.Load(),
		Inconsistencies: e.inconsistencies.Load(),
		DecodeErrors:    e.decodeErrors.Load(),
		Removed:         e.removed.Load(),
		FetchMerged:     e.fetchMerged.Load(),
		FetchFailed:     e.fetchFailed.Load(),
		Replayed:        e.replayed.Load(),
		Runs:            e.Snapshot().Len(),
	}
}

// FetchStats returns the fallback fetcher's counters.
func (e *Engine) FetchStats() fetch.Stats {
	return e.fallback.Stats()
}

// do runs fn on the loop goroutine and waits for it.
func (e *Engine) do(ctx context.Context, fn func(ctx context.Context)) error {
	done := make(chan struct{})
	wrapped := func(runCtx context.Context) {
		defer close(done)
		fn(runCtx)
	}
	select {
	case e.control <- wrapped:
	case <-e.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-e.stopped:
		return ErrStopped
	}
}

func (e *Engine) deliverResult(res fetch.Result) {
	select {
	case e.results <- res:
	case <-e.stopped:
	}
}
