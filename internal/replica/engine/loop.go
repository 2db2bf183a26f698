package engine

import (
	"context"

	"github.com/runsync/runsync/internal/replica/decode"
	"github.com/runsync/runsync/internal/replica/fetch"
	"github.com/runsync/runsync/internal/replica/reconcile"
	"github.com/runsync/runsync/internal/replica/schema"
	"github.com/runsync/runsync/internal/replica/store"
)

func (e *Engine) handleEvent(ctx context.Context, ev *decode.Event) {
	e.received.Add(1)
	switch ev.Kind {
	case decode.KindIncremental:
		e.applyUpdate(ctx, ev.Update)
	case decode.KindCreated, decode.KindUpdated:
		e.mergeRun(ev.Run)
	case decode.KindRemoved:
		e.removeRun(ev.RunID)
	case decode.KindUserRemoved:
		e.removeChannel(ev.ChannelID, ev.UserID)
	}
}

func (e *Engine) applyUpdate(ctx context.Context, u *decode.Update) {
	if u == nil {
		return
	}
	res := reconcile.Reconcile(e.Snapshot(), u, e.opts)
	switch res.Outcome {
	case reconcile.Applied:
		e.applied.Add(1)
		e.logInconsistencies(res.Inconsistencies)
		e.snap.Store(res.Store)
		e.notifier.Publish(res.Run)

	case reconcile.Miss:
		e.misses.Add(1)
		e.buffer(u)
		if e.trigger(ctx, u.ID) {
			e.logger.Printf("Run %s unknown, fetching", u.ID)
		}

	case reconcile.Stale:
		e.stale.Add(1)
		e.logger.Printf("Skipping stale update for run %s (%d older than %d)", u.ID, u.UpdatedAt, res.Run.UpdateAt)
	}
}

// buffer holds u until the pending fetch for its run completes.
func (e *Engine) buffer(u *decode.Update) {
	q := append(e.buffered[u.ID], u)
	if over := len(q) - e.cfg.MaxBufferedPerRun; over > 0 {
		e.logger.Printf("Warning: dropping %d buffered updates for run %s", over, u.ID)
		q = append([]*decode.Update(nil), q[over:]...)
	}
	e.buffered[u.ID] = q
}

// mergeRun merges a full run from a created/updated event.
func (e *Engine) mergeRun(run *schema.Run) {
	if run == nil {
		return
	}
	delete(e.gone, run.ID)
	res := reconcile.MergeFull(e.Snapshot(), run)
	s, final := e.replay(res.Store, run)
	e.applied.Add(1)
	e.snap.Store(s)
	e.notifier.Publish(final)
}

// trigger starts a fallback fetch for id and counts it as in flight until
// its result reaches handleFetch.
func (e *Engine) trigger(ctx context.Context, id string) bool {
	if !e.fallback.Trigger(ctx, id) {
		return false
	}
	e.inflight[id]++
	return true
}

func (e *Engine) handleFetch(res fetch.Result) {
	gone := e.gone[res.ID]
	if e.inflight[res.ID]--; e.inflight[res.ID] <= 0 {
		delete(e.inflight, res.ID)
		delete(e.gone, res.ID)
	}

	if res.Err != nil {
		e.fetchFailed.Add(1)
		if n := len(e.buffered[res.ID]); n > 0 {
			// Without a base run the buffered updates cannot apply. The run
			// may still arrive through a created/updated event.
			if _, known := e.Snapshot().Get(res.ID); !known {
				e.logger.Printf("Dropping %d buffered updates for run %s after failed fetch", n, res.ID)
				delete(e.buffered, res.ID)
			}
		}
		return
	}

	if gone {
		delete(e.buffered, res.ID)
		e.logger.Printf("Discarding fetched run %s, removed while the fetch was in flight", res.ID)
		return
	}
	e.fetchMerged.Add(1)
	merged := reconcile.MergeFull(e.Snapshot(), res.Run)
	s, final := e.replay(merged.Store, res.Run)
	e.snap.Store(s)
	e.notifier.Publish(final)
}

// replay applies the updates buffered for base.ID on top of s. Updates
// already covered by base (older timestamp) are skipped; the rest are
// applied in arrival order. It returns the new store and the final run.
func (e *Engine) replay(s *store.Store, base *schema.Run) (*store.Store, *schema.Run) {
	queued := e.buffered[base.ID]
	delete(e.buffered, base.ID)

	for _, u := range queued {
		if u.UpdatedAt > 0 && u.UpdatedAt <= base.UpdateAt {
			continue
		}
		res := reconcile.Reconcile(s, u, e.opts)
		if res.Outcome != reconcile.Applied {
			continue
		}
		e.replayed.Add(1)
		e.logInconsistencies(res.Inconsistencies)
		s = res.Store
	}
	run, _ := s.Get(base.ID)
	return s, run
}

// forget drops loop state for a removed run. Fetches still in flight for
// it are marked so that their results are discarded instead of resurrecting
// the run.
func (e *Engine) forget(id string) {
	delete(e.buffered, id)
	if e.inflight[id] > 0 {
		e.gone[id] = true
	}
}

func (e *Engine) removeRun(id string) {
	e.forget(id)
	s := e.Snapshot()
	if _, ok := s.Get(id); !ok {
		return
	}
	e.snap.Store(s.Remove(id))
	e.removed.Add(1)
	e.notifier.PublishRemoved(id)
}

func (e *Engine) removeChannel(channelID, userID string) {
	if e.cfg.UserID != "" && userID != "" && userID != e.cfg.UserID {
		return
	}
	s, ids := e.Snapshot().RemoveWhere(func(r *schema.Run) bool {
		return r.ChannelID() == channelID
	})
	if len(ids) == 0 {
		return
	}
	e.snap.Store(s)
	for _, id := range ids {
		e.forget(id)
		e.removed.Add(1)
		e.notifier.PublishRemoved(id)
	}
	e.logger.Printf("Removed %d runs after leaving channel %s", len(ids), channelID)
}

func (e *Engine) logInconsistencies(incs []reconcile.Inconsistency) {
	for _, inc := range incs {
		e.inconsistencies.Add(1)
		e.logger.Printf("Warning: skipped update fragment: %s", inc)
	}
}
