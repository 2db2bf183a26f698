package schema

import (
	"fmt"
	"sort"
)

// Checklist is an ordered group of items inside a run.
type Checklist struct {
	ID         string
	Fields     Fields
	ItemsOrder []string
	Items      map[string]*Item
}

// NewChecklist builds a checklist whose order follows items.
func NewChecklist(id string, fields Fields, items ...*Item) *Checklist {
	c := &Checklist{
		ID:     id,
		Fields: fields,
		Items:  make(map[string]*Item, len(items)),
	}
	for _, it := range items {
		if _, dup := c.Items[it.ID]; !dup {
			c.ItemsOrder = append(c.ItemsOrder, it.ID)
		}
		c.Items[it.ID] = it
	}
	return c
}

// Clone returns a shallow copy: a new Items map and order slice that may be
// modified freely, holding the same *Item values.
func (c *Checklist) Clone() *Checklist {
	out := &Checklist{
		ID:         c.ID,
		Fields:     c.Fields,
		ItemsOrder: append([]string(nil), c.ItemsOrder...),
		Items:      make(map[string]*Item, len(c.Items)),
	}
	for id, it := range c.Items {
		out.Items[id] = it
	}
	return out
}

// Title returns the checklist title.
func (c *Checklist) Title() string {
	return c.Fields.String("title")
}

// Item looks up an item by id.
func (c *Checklist) Item(id string) (*Item, bool) {
	it, ok := c.Items[id]
	return it, ok
}

// OrderedItems returns the items in display order. Order entries without an
// item are skipped; items missing from the order are appended sorted by id.
func (c *Checklist) OrderedItems() []*Item {
	out := make([]*Item, 0, len(c.Items))
	seen := make(map[string]bool, len(c.Items))
	for _, id := range c.ItemsOrder {
		it, ok := c.Items[id]
		if !ok || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, it)
	}
	if len(out) == len(c.Items) {
		return out
	}
	var rest []string
	for id := range c.Items {
		if !seen[id] {
			rest = append(rest, id)
		}
	}
	sort.Strings(rest)
	for _, id := range rest {
		out = append(out, c.Items[id])
	}
	return out
}

// EditKey names a checklist, or an item inside it when Item is set.
type EditKey struct {
	Checklist string
	Item      string
}

// Edit is a local insert or delete and the update timestamp that made it.
type Edit struct {
	At      int64
	Deleted bool
}

// Run is the top-level replicated record.
type Run struct {
	ID string

	// UpdateAt is the server timestamp of the newest change applied.
	UpdateAt int64

	Fields         Fields
	ChecklistOrder []string
	Checklists     map[string]*Checklist
	Timeline       map[string]*TimelineEvent
	StatusPosts    map[string]*StatusPost

	// Edits holds checklist and item inserts and deletes applied by
	// incremental updates newer than the last merged snapshot. It is local
	// bookkeeping and never serialized.
	Edits map[EditKey]Edit
}

// NewRun returns an empty run with initialized containers.
func NewRun(id string) *Run {
	return &Run{
		ID:          id,
		Fields:      Fields{},
		Checklists:  map[string]*Checklist{},
		Timeline:    map[string]*TimelineEvent{},
		StatusPosts: map[string]*StatusPost{},
	}
}

// Clone returns a shallow copy of r. Every container is new; every child
// value is shared with r.
func (r *Run) Clone() *Run {
	out := &Run{
		ID:             r.ID,
		UpdateAt:       r.UpdateAt,
		Fields:         r.Fields,
		ChecklistOrder: append([]string(nil), r.ChecklistOrder...),
		Checklists:     make(map[string]*Checklist, len(r.Checklists)),
		Timeline:       make(map[string]*TimelineEvent, len(r.Timeline)),
		StatusPosts:    make(map[string]*StatusPost, len(r.StatusPosts)),
	}
	for k, v := range r.Checklists {
		out.Checklists[k] = v
	}
	for k, v := range r.Timeline {
		out.Timeline[k] = v
	}
	for k, v := range r.StatusPosts {
		out.StatusPosts[k] = v
	}
	if len(r.Edits) > 0 {
		out.Edits = make(map[EditKey]Edit, len(r.Edits))
		for k, v := range r.Edits {
			out.Edits[k] = v
		}
	}
	return out
}

// RecordEdit notes an insert or delete of key at ts, replacing any earlier
// edit of the same key. Only call it on a run nobody else holds yet.
func (r *Run) RecordEdit(key EditKey, ts int64, deleted bool) {
	if r.Edits == nil {
		r.Edits = make(map[EditKey]Edit)
	}
	r.Edits[key] = Edit{At: ts, Deleted: deleted}
}

// Name returns the run name.
func (r *Run) Name() string { return r.Fields.String("name") }

// Status returns the current_status field.
func (r *Run) Status() string { return r.Fields.String("current_status") }

// OwnerUserID returns the owner_user_id field.
func (r *Run) OwnerUserID() string { return r.Fields.String("owner_user_id") }

// ChannelID returns the channel_id field.
func (r *Run) ChannelID() string { return r.Fields.String("channel_id") }

// CreateAt returns the create_at field.
func (r *Run) CreateAt() int64 { return r.Fields.Int64("create_at") }

// Checklist looks up a checklist by id.
func (r *Run) Checklist(id string) (*Checklist, bool) {
	c, ok := r.Checklists[id]
	return c, ok
}

// OrderedChecklists returns checklists in display order, with the same
// dangling/unordered handling as Checklist.OrderedItems.
func (r *Run) OrderedChecklists() []*Checklist {
	out := make([]*Checklist, 0, len(r.Checklists))
	seen := make(map[string]bool, len(r.Checklists))
	for _, id := range r.ChecklistOrder {
		c, ok := r.Checklists[id]
		if !ok || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, c)
	}
	var rest []string
	for id := range r.Checklists {
		if !seen[id] {
			rest = append(rest, id)
		}
	}
	sort.Strings(rest)
	for _, id := range rest {
		out = append(out, r.Checklists[id])
	}
	return out
}

// TimelineSorted returns every timeline event, tombstoned ones included,
// ordered by create_at then id.
func (r *Run) TimelineSorted() []*TimelineEvent {
	out := make([]*TimelineEvent, 0, len(r.Timeline))
	for _, e := range r.Timeline {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		return lessByCreate(out[i].Entity, out[j].Entity)
	})
	return out
}

// StatusPostsSorted returns every status post ordered by create_at then id.
func (r *Run) StatusPostsSorted() []*StatusPost {
	out := make([]*StatusPost, 0, len(r.StatusPosts))
	for _, p := range r.StatusPosts {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		return lessByCreate(out[i].Entity, out[j].Entity)
	})
	return out
}

func lessByCreate(a, b Entity) bool {
	ca, cb := a.CreateAt(), b.CreateAt()
	if ca != cb {
		return ca < cb
	}
	return a.ID < b.ID
}

// Validate checks the run for structural errors.
func (r *Run) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("id is required")
	}
	for id, c := range r.Checklists {
		if id == "" || c == nil || c.ID != id {
			return fmt.Errorf("checklist %q: id does not match its key", id)
		}
		for iid, it := range c.Items {
			if iid == "" || it == nil || it.ID != iid {
				return fmt.Errorf("checklist %q: item %q: id does not match its key", id, iid)
			}
		}
	}
	for id, e := range r.Timeline {
		if id == "" || e == nil || e.ID != id {
			return fmt.Errorf("timeline event %q: id does not match its key", id)
		}
	}
	for id, p := range r.StatusPosts {
		if id == "" || p == nil || p.ID != id {
			return fmt.Errorf("status post %q: id does not match its key", id)
		}
	}
	return nil
}
