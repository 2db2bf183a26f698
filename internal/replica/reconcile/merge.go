package reconcile

import (
	"github.com/runsync/runsync/internal/replica/schema"
	"github.com/runsync/runsync/internal/replica/store"
)

// MergeFull merges a fetched full run into s. The fetch may have been in
// flight while updates were applied, so a present run is never simply
// overwritten. Where both sides carry the same key, the side with the newer
// UpdateAt wins (the current side on a tie). Checklist and item membership
// follows the newer side: a newer snapshot drops entries it does not have,
// and an older one cannot bring back entries deleted locally since it was
// taken. Timeline and status post tombstones survive from either side.
func MergeFull(s *store.Store, fetched *schema.Run) Result {
	cur, ok := s.Get(fetched.ID)
	if !ok {
		return Result{Store: s.Replace(fetched), Outcome: Applied, Run: fetched}
	}
	merged := mergeRuns(cur, fetched)
	return Result{Store: s.Replace(merged), Outcome: Applied, Run: merged}
}

func mergeRuns(cur, fetched *schema.Run) *schema.Run {
	since := fetched.UpdateAt
	fetchedWins := since > cur.UpdateAt
	next := cur.Clone()
	next.Fields = mergeFields(cur.Fields, fetched.Fields, fetchedWins)
	if since > next.UpdateAt {
		next.UpdateAt = since
	}

	for id, fc := range fetched.Checklists {
		cc, ok := cur.Checklists[id]
		if !ok {
			if !deletedSince(cur, schema.EditKey{Checklist: id}, since) {
				next.Checklists[id] = fc
			}
			continue
		}
		next.Checklists[id] = mergeChecklists(cur, cc, fc, since, fetchedWins)
	}
	if fetchedWins {
		for id := range cur.Checklists {
			if _, ok := fetched.Checklists[id]; !ok {
				delete(next.Checklists, id)
			}
		}
	}
	next.ChecklistOrder = mergeOrder(cur.ChecklistOrder, fetched.ChecklistOrder, fetchedWins, next.Checklists)

	for id, fe := range fetched.Timeline {
		ce, ok := cur.Timeline[id]
		if !ok {
			next.Timeline[id] = fe
			continue
		}
		next.Timeline[id] = mergeEvents(ce, fe, fetchedWins)
	}
	for id, fp := range fetched.StatusPosts {
		cp, ok := cur.StatusPosts[id]
		if !ok {
			next.StatusPosts[id] = fp
			continue
		}
		next.StatusPosts[id] = mergePosts(cp, fp, fetchedWins)
	}
	next.Edits = editsSince(cur.Edits, since)
	return next
}

// mergeChecklists merges two copies of the same checklist. run is the
// current run, consulted for items deleted locally since the snapshot.
func mergeChecklists(run *schema.Run, cur, fetched *schema.Checklist, since int64, fetchedWins bool) *schema.Checklist {
	if cur == fetched {
		return cur
	}
	next := cur.Clone()
	next.Fields = mergeFields(cur.Fields, fetched.Fields, fetchedWins)
	changed := !next.Fields.Equal(cur.Fields)

	for id, fi := range fetched.Items {
		ci, ok := cur.Items[id]
		if !ok {
			if !deletedSince(run, schema.EditKey{Checklist: cur.ID, Item: id}, since) {
				next.Items[id] = fi
				changed = true
			}
			continue
		}
		f := mergeFields(ci.Fields, fi.Fields, fetchedWins)
		if !f.Equal(ci.Fields) {
			next.Items[id] = schema.NewItem(id, f)
			changed = true
		}
	}
	if fetchedWins {
		for id := range cur.Items {
			if _, ok := fetched.Items[id]; !ok {
				delete(next.Items, id)
				changed = true
			}
		}
	}
	next.ItemsOrder = mergeOrder(cur.ItemsOrder, fetched.ItemsOrder, fetchedWins, next.Items)
	if !changed && equalOrder(next.ItemsOrder, cur.ItemsOrder) {
		return cur
	}
	return next
}

func mergeEvents(cur, fetched *schema.TimelineEvent, fetchedWins bool) *schema.TimelineEvent {
	winner, loser := cur, fetched
	if fetchedWins {
		winner, loser = fetched, cur
	}
	if loser.Deleted() {
		return winner.Tombstone(loser.DeleteAt())
	}
	return winner
}

func mergePosts(cur, fetched *schema.StatusPost, fetchedWins bool) *schema.StatusPost {
	winner, loser := cur, fetched
	if fetchedWins {
		winner, loser = fetched, cur
	}
	if loser.Deleted() {
		return winner.Tombstone(loser.DeleteAt())
	}
	return winner
}

// mergeFields unions two field sets. Conflicting keys take the winner's
// value. The current map is returned unchanged when the union adds nothing.
func mergeFields(cur, fetched schema.Fields, fetchedWins bool) schema.Fields {
	var out schema.Fields
	if fetchedWins {
		out = cur.Overlay(fetched)
	} else {
		out = fetched.Overlay(cur)
	}
	if out.Equal(cur) {
		return cur
	}
	return out
}

// mergeOrder keeps the winner's order and appends ids only the loser
// knows. Ids without an entry in live are left out.
func mergeOrder[V any](cur, fetched []string, fetchedWins bool, live map[string]V) []string {
	winner, loser := cur, fetched
	if fetchedWins {
		winner, loser = fetched, cur
	}
	out := make([]string, 0, len(winner))
	seen := make(map[string]bool, len(winner))
	for _, order := range [][]string{winner, loser} {
		for _, id := range order {
			if _, ok := live[id]; !ok || seen[id] {
				continue
			}
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

// deletedSince reports whether run deleted key locally at or after ts.
func deletedSince(run *schema.Run, key schema.EditKey, ts int64) bool {
	e, ok := run.Edits[key]
	return ok && e.Deleted && e.At >= ts
}

// editsSince keeps the edits a snapshot taken at ts cannot reflect yet.
func editsSince(edits map[schema.EditKey]schema.Edit, ts int64) map[schema.EditKey]schema.Edit {
	var out map[schema.EditKey]schema.Edit
	for k, e := range edits {
		if e.At < ts {
			continue
		}
		if out == nil {
			out = make(map[schema.EditKey]schema.Edit)
		}
		out[k] = e
	}
	return out
}

func equalOrder(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
