// Package reconcile applies incremental updates and fetched snapshots to
// the replicated store.
//
// Both entry points are pure: they take a store and return a new one,
// cloning only the path from the run down to each changed entity. Anything
// the update does not touch stays pointer-identical to the input.
//
// Example:
//
//	res := reconcile.Reconcile(s, u, reconcile.Options{})
//	switch res.Outcome {
//	case reconcile.Applied:
//	    s = res.Store
//	case reconcile.Miss:
//	    fallback.Trigger(ctx, u.ID)
//	}
package reconcile

import (
	"fmt"

	"github.com/runsync/runsync/internal/replica/decode"
	"github.com/runsync/runsync/internal/replica/schema"
	"github.com/runsync/runsync/internal/replica/store"
)

// Outcome is the result category of a reconciliation.
type Outcome int

const (
	// Applied means the update (or snapshot) produced a new store.
	Applied Outcome = iota
	// Miss means the target run is not in the store; nothing changed.
	Miss
	// Stale means the update is older than the run and stale rejection is
	// enabled; nothing changed.
	Stale
)

func (o Outcome) String() string {
	switch o {
	case Applied:
		return "applied"
	case Miss:
		return "miss"
	case Stale:
		return "stale"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Options tune Reconcile.
type Options struct {
	// RejectStale skips updates whose timestamp is older than the run's
	// last-applied marker.
	RejectStale bool
}

// Inconsistency describes a nested fragment of an update that was skipped
// because it referenced an entity that neither exists nor can be created.
type Inconsistency struct {
	RunID       string
	ChecklistID string
	Reason      string
}

func (i Inconsistency) String() string {
	return fmt.Sprintf("run %s: checklist %s: %s", i.RunID, i.ChecklistID, i.Reason)
}

// Result is what Reconcile and MergeFull return.
type Result struct {
	Store   *store.Store
	Outcome Outcome

	// Run is the run after the operation. Nil on Miss.
	Run *schema.Run

	Inconsistencies []Inconsistency
}

// reservedFields are run fields an update may not overwrite through
// changed_fields.
var reservedFields = map[string]bool{
	"id":        true,
	"update_at": true,
}

// Reconcile applies one incremental update to s.
func Reconcile(s *store.Store, u *decode.Update, opts Options) Result {
	cur, ok := s.Get(u.ID)
	if !ok {
		return Result{Store: s, Outcome: Miss}
	}
	if opts.RejectStale && u.UpdatedAt > 0 && cur.UpdateAt > u.UpdatedAt {
		return Result{Store: s, Outcome: Stale, Run: cur}
	}

	next := cur.Clone()
	stamp := tombstoneStamp(cur, u)

	if len(u.ChecklistDeletes) > 0 {
		deleteChecklists(next, u.ChecklistDeletes, stamp)
	}
	applyRunFields(next, u.ChangedFields)

	var incs []Inconsistency
	for _, cu := range u.Checklists {
		if inc, ok := applyChecklist(next, cu, stamp); !ok {
			incs = append(incs, inc)
		}
	}

	for _, e := range u.TimelineEvents {
		next.Timeline[e.ID] = e
	}
	for _, id := range u.TimelineEventDeletes {
		if e, ok := next.Timeline[id]; ok {
			next.Timeline[id] = e.Tombstone(stamp)
		}
	}
	for _, p := range u.StatusPosts {
		next.StatusPosts[p.ID] = p
	}
	for _, id := range u.StatusPostDeletes {
		if p, ok := next.StatusPosts[id]; ok {
			next.StatusPosts[id] = p.Tombstone(stamp)
		}
	}

	if u.UpdatedAt > next.UpdateAt {
		next.UpdateAt = u.UpdatedAt
	}
	return Result{
		Store:           s.Replace(next),
		Outcome:         Applied,
		Run:             next,
		Inconsistencies: incs,
	}
}

// tombstoneStamp picks the delete_at value for deletions carried by u. An
// update without a timestamp falls back to the run's marker, and to 1 when
// that is unset too, so the tombstone is never the "live" value 0.
func tombstoneStamp(cur *schema.Run, u *decode.Update) int64 {
	switch {
	case u.UpdatedAt > 0:
		return u.UpdatedAt
	case cur.UpdateAt > 0:
		return cur.UpdateAt
	default:
		return 1
	}
}

func deleteChecklists(run *schema.Run, ids []string, stamp int64) {
	del := make(map[string]bool, len(ids))
	for _, id := range ids {
		del[id] = true
		delete(run.Checklists, id)
		run.RecordEdit(schema.EditKey{Checklist: id}, stamp, true)
	}
	run.ChecklistOrder = without(run.ChecklistOrder, del)
}

func applyRunFields(run *schema.Run, changed schema.Fields) {
	patch := make(schema.Fields, len(changed))
	for k, v := range changed {
		if !reservedFields[k] {
			patch[k] = v
		}
	}
	if len(patch) > 0 {
		run.Fields = run.Fields.Overlay(patch)
	}
}

// applyChecklist applies cu to run in place. run must already be a clone.
// It returns false with a description when cu names an unknown checklist and
// cannot create it. Inserts and deletes are recorded on run at stamp.
func applyChecklist(run *schema.Run, cu decode.ChecklistUpdate, stamp int64) (Inconsistency, bool) {
	c, ok := run.Checklists[cu.ID]
	if !ok {
		if !cu.Creatable() {
			return Inconsistency{
				RunID:       run.ID,
				ChecklistID: cu.ID,
				Reason:      "unknown checklist in a patch without item_inserts",
			}, false
		}
		c = &schema.Checklist{ID: cu.ID, Fields: schema.Fields{}, Items: map[string]*schema.Item{}}
		if !contains(run.ChecklistOrder, cu.ID) {
			run.ChecklistOrder = append(run.ChecklistOrder, cu.ID)
		}
		run.RecordEdit(schema.EditKey{Checklist: cu.ID}, stamp, false)
	}
	next, deleted, inserted := patchChecklist(c, cu)
	for _, id := range deleted {
		run.RecordEdit(schema.EditKey{Checklist: cu.ID, Item: id}, stamp, true)
	}
	for _, id := range inserted {
		run.RecordEdit(schema.EditKey{Checklist: cu.ID, Item: id}, stamp, false)
	}
	run.Checklists[cu.ID] = next
	return Inconsistency{}, true
}

// patchChecklist returns a new checklist with cu applied, along with the
// ids it deleted and created. Deletes go first, then inserts, then item
// updates, and finally an explicit order replaces whatever order the
// previous steps produced.
func patchChecklist(c *schema.Checklist, cu decode.ChecklistUpdate) (next *schema.Checklist, deleted, inserted []string) {
	next = c.Clone()
	if len(cu.Fields) > 0 {
		next.Fields = c.Fields.Overlay(cu.Fields)
	}

	if len(cu.ItemDeletes) > 0 {
		del := make(map[string]bool, len(cu.ItemDeletes))
		for _, id := range cu.ItemDeletes {
			del[id] = true
			delete(next.Items, id)
			deleted = append(deleted, id)
		}
		next.ItemsOrder = without(next.ItemsOrder, del)
	}

	for _, it := range cu.ItemInserts {
		if upsertItem(next, it.ID, it.Fields) {
			inserted = append(inserted, it.ID)
		}
	}
	for _, p := range cu.ItemUpdates {
		if upsertItem(next, p.ID, p.Fields) {
			inserted = append(inserted, p.ID)
		}
	}

	if cu.ItemsOrder != nil {
		next.ItemsOrder = append([]string{}, cu.ItemsOrder...)
	}
	return next, deleted, inserted
}

// upsertItem patches an existing item or creates it. It reports whether the
// item was created.
func upsertItem(c *schema.Checklist, id string, fields schema.Fields) bool {
	if existing, ok := c.Items[id]; ok {
		if len(fields) > 0 {
			c.Items[id] = existing.Patch(fields)
		}
		return false
	}
	if fields == nil {
		fields = schema.Fields{}
	}
	c.Items[id] = schema.NewItem(id, fields.Clone())
	if !contains(c.ItemsOrder, id) {
		c.ItemsOrder = append(c.ItemsOrder, id)
	}
	return true
}

func without(order []string, del map[string]bool) []string {
	out := order[:0:0]
	for _, id := range order {
		if !del[id] {
			out = append(out, id)
		}
	}
	return out
}

func contains(order []string, id string) bool {
	for _, v := range order {
		if v == id {
			return true
		}
	}
	return false
}
