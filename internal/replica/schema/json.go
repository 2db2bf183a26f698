package schema

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
)

// MarshalJSON writes the checklist with its items as an ordered array.
// items_order is only emitted when it says more than the array does.
func (c *Checklist) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(c.Fields)+3)
	for k, v := range c.Fields {
		out[k] = v
	}
	out["id"] = c.ID
	items := c.OrderedItems()
	out["items"] = items
	if !sameOrder(items, c.ItemsOrder) {
		out["items_order"] = c.ItemsOrder
	}
	return json.Marshal(out)
}

func sameOrder(items []*Item, order []string) bool {
	if len(items) != len(order) {
		return false
	}
	for i, it := range items {
		if it.ID != order[i] {
			return false
		}
	}
	return true
}

// UnmarshalJSON reads the array form. An explicit items_order wins over the
// array order.
func (c *Checklist) UnmarshalJSON(data []byte) error {
	id, fields, err := splitObject(data)
	if err != nil {
		return err
	}
	var items []*Item
	if raw, ok := pop(fields, "items"); ok {
		if err := json.Unmarshal(raw, &items); err != nil {
			return fmt.Errorf("checklist %q: invalid items: %w", id, err)
		}
	}
	var order []string
	rawOrder, hasOrder := pop(fields, "items_order")
	if hasOrder && string(rawOrder) != "null" {
		if err := json.Unmarshal(rawOrder, &order); err != nil {
			return fmt.Errorf("checklist %q: invalid items_order: %w", id, err)
		}
	} else {
		hasOrder = false
	}

	c.ID = id
	c.Fields = fields
	c.Items = make(map[string]*Item, len(items))
	c.ItemsOrder = nil
	for _, it := range items {
		if it == nil {
			continue
		}
		if it.ID == "" {
			return fmt.Errorf("checklist %q: item id is required", id)
		}
		if _, dup := c.Items[it.ID]; !dup && !hasOrder {
			c.ItemsOrder = append(c.ItemsOrder, it.ID)
		}
		c.Items[it.ID] = it
	}
	if hasOrder {
		c.ItemsOrder = order
	}
	return nil
}

// MarshalJSON writes the run in its wire form.
func (r *Run) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(r.Fields)+5)
	for k, v := range r.Fields {
		out[k] = v
	}
	out["id"] = r.ID
	out["update_at"] = r.UpdateAt
	out["checklists"] = r.OrderedChecklists()
	out["timeline_events"] = r.TimelineSorted()
	out["status_posts"] = r.StatusPostsSorted()
	return json.Marshal(out)
}

// UnmarshalJSON reads the wire form.
func (r *Run) UnmarshalJSON(data []byte) error {
	id, fields, err := splitObject(data)
	if err != nil {
		return err
	}
	run := NewRun(id)
	if raw, ok := pop(fields, "update_at"); ok {
		run.UpdateAt = Fields{"update_at": raw}.Int64("update_at")
	}
	if raw, ok := pop(fields, "checklists"); ok {
		var lists []*Checklist
		if err := json.Unmarshal(raw, &lists); err != nil {
			return fmt.Errorf("run %q: invalid checklists: %w", id, err)
		}
		for _, c := range lists {
			if c == nil {
				continue
			}
			if c.ID == "" {
				return fmt.Errorf("run %q: checklist id is required", id)
			}
			if _, dup := run.Checklists[c.ID]; !dup {
				run.ChecklistOrder = append(run.ChecklistOrder, c.ID)
			}
			run.Checklists[c.ID] = c
		}
	}
	if raw, ok := pop(fields, "timeline_events"); ok {
		var events []*TimelineEvent
		if err := json.Unmarshal(raw, &events); err != nil {
			return fmt.Errorf("run %q: invalid timeline_events: %w", id, err)
		}
		for _, e := range events {
			if e == nil || e.ID == "" {
				return fmt.Errorf("run %q: timeline event id is required", id)
			}
			run.Timeline[e.ID] = e
		}
	}
	if raw, ok := pop(fields, "status_posts"); ok {
		var posts []*StatusPost
		if err := json.Unmarshal(raw, &posts); err != nil {
			return fmt.Errorf("run %q: invalid status_posts: %w", id, err)
		}
		for _, p := range posts {
			if p == nil || p.ID == "" {
				return fmt.Errorf("run %q: status post id is required", id)
			}
			run.StatusPosts[p.ID] = p
		}
	}
	run.Fields = fields
	*r = *run
	return nil
}

// DecodeRun parses and validates a run in wire form.
func DecodeRun(data []byte) (*Run, error) {
	var r Run
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("failed to decode run: %w", err)
	}
	if err := r.Validate(); err != nil {
		return nil, fmt.Errorf("invalid run: %w", err)
	}
	return &r, nil
}

// ReadRun reads a run from a JSON file.
func ReadRun(path string) (*Run, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open run file: %w", err)
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read run file: %w", err)
	}
	return DecodeRun(data)
}

// WriteRun writes a run to a JSON file.
func WriteRun(path string, r *Run) error {
	if err := r.Validate(); err != nil {
		return fmt.Errorf("invalid run: %w", err)
	}
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to marshal run: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write run file: %w", err)
	}
	return nil
}
