// Package decode turns inbound websocket frames and incremental update
// payloads into typed values. It holds no state and never touches the store.
package decode

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/runsync/runsync/internal/replica/schema"
)

// Update is one decoded incremental diff for a run.
type Update struct {
	ID        string
	UpdatedAt int64

	// ChangedFields holds the scalar run fields that changed. The nested
	// collections below travel inside changed_fields on the wire but are
	// lifted out here.
	ChangedFields  schema.Fields
	Checklists     []ChecklistUpdate
	TimelineEvents []*schema.TimelineEvent
	StatusPosts    []*schema.StatusPost

	ChecklistDeletes     []string
	TimelineEventDeletes []string
	StatusPostDeletes    []string
}

// ChecklistUpdate patches or creates one checklist. A nil slice means the
// key was absent; an empty one means it was present and empty.
type ChecklistUpdate struct {
	ID          string
	Fields      schema.Fields
	ItemUpdates []ItemPatch
	ItemInserts []*schema.Item
	ItemDeletes []string
	ItemsOrder  []string
}

// Creatable reports whether the update carries enough to build the
// checklist from scratch.
func (c ChecklistUpdate) Creatable() bool {
	return c.ItemInserts != nil
}

// ItemPatch overwrites some fields of one item.
type ItemPatch struct {
	ID     string        `json:"id"`
	Fields schema.Fields `json:"fields"`
}

// DecodeError is returned for any payload that cannot be turned into an
// Update or Event. Callers drop the message.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decode: %s: %v", e.Reason, e.Err)
	}
	return "decode: " + e.Reason
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

type updateWire struct {
	ID                   string        `json:"id"`
	UpdatedAt            *int64        `json:"updated_at"`
	LegacyUpdatedAt      *int64        `json:"playbook_run_updated_at"`
	ChangedFields        schema.Fields `json:"changed_fields"`
	ChecklistDeletes     []string      `json:"checklist_deletes"`
	TimelineEventDeletes []string      `json:"timeline_event_deletes"`
	StatusPostDeletes    []string      `json:"status_post_deletes"`
}

type checklistWire struct {
	ID          string         `json:"id"`
	Fields      schema.Fields  `json:"fields"`
	ItemUpdates []ItemPatch    `json:"item_updates"`
	ItemInserts []*schema.Item `json:"item_inserts"`
	ItemDeletes []string       `json:"item_deletes"`
	ItemsOrder  []string       `json:"items_order"`
}

// DecodeUpdate parses an incremental update payload. Every failure is a
// *DecodeError.
func DecodeUpdate(raw []byte) (u *Update, err error) {
	defer func() {
		if r := recover(); r != nil {
			u, err = nil, &DecodeError{Reason: "panic", Err: fmt.Errorf("%v", r)}
		}
	}()

	if err := validateUpdate(raw); err != nil {
		return nil, err
	}

	var w updateWire
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, &DecodeError{Reason: "invalid update", Err: err}
	}
	if w.ID == "" {
		return nil, &DecodeError{Reason: "id is required"}
	}

	u = &Update{
		ID:                   w.ID,
		ChangedFields:        w.ChangedFields,
		ChecklistDeletes:     w.ChecklistDeletes,
		TimelineEventDeletes: w.TimelineEventDeletes,
		StatusPostDeletes:    w.StatusPostDeletes,
	}
	switch {
	case w.UpdatedAt != nil:
		u.UpdatedAt = *w.UpdatedAt
	case w.LegacyUpdatedAt != nil:
		u.UpdatedAt = *w.LegacyUpdatedAt
	}
	if u.ChangedFields == nil {
		u.ChangedFields = schema.Fields{}
	}

	if raw, ok := u.ChangedFields["checklists"]; ok {
		delete(u.ChangedFields, "checklists")
		var lists []checklistWire
		if err := json.Unmarshal(raw, &lists); err != nil {
			return nil, &DecodeError{Reason: "invalid checklists", Err: err}
		}
		u.Checklists = make([]ChecklistUpdate, 0, len(lists))
		for _, c := range lists {
			if c.ID == "" {
				return nil, &DecodeError{Reason: "checklist update without id"}
			}
			u.Checklists = append(u.Checklists, ChecklistUpdate(c))
		}
	}
	if raw, ok := u.ChangedFields["timeline_events"]; ok {
		delete(u.ChangedFields, "timeline_events")
		if err := json.Unmarshal(raw, &u.TimelineEvents); err != nil {
			return nil, &DecodeError{Reason: "invalid timeline_events", Err: err}
		}
	}
	if raw, ok := u.ChangedFields["status_posts"]; ok {
		delete(u.ChangedFields, "status_posts")
		if err := json.Unmarshal(raw, &u.StatusPosts); err != nil {
			return nil, &DecodeError{Reason: "invalid status_posts", Err: err}
		}
	}
	if err := checkNested(u); err != nil {
		return nil, err
	}
	return u, nil
}

func checkNested(u *Update) error {
	for _, e := range u.TimelineEvents {
		if e == nil || e.ID == "" {
			return &DecodeError{Reason: "timeline event without id"}
		}
	}
	for _, p := range u.StatusPosts {
		if p == nil || p.ID == "" {
			return &DecodeError{Reason: "status post without id"}
		}
	}
	for _, c := range u.Checklists {
		for _, it := range c.ItemInserts {
			if it == nil || it.ID == "" {
				return &DecodeError{Reason: fmt.Sprintf("checklist %q: item insert without id", c.ID)}
			}
		}
		for _, p := range c.ItemUpdates {
			if p.ID == "" {
				return &DecodeError{Reason: fmt.Sprintf("checklist %q: item update without id", c.ID)}
			}
		}
	}
	return nil
}

// MarshalJSON writes the update back in its wire envelope.
func (u *Update) MarshalJSON() ([]byte, error) {
	changed := make(map[string]any, len(u.ChangedFields)+3)
	for k, v := range u.ChangedFields {
		changed[k] = v
	}
	if u.Checklists != nil {
		lists := make([]map[string]any, 0, len(u.Checklists))
		for _, c := range u.Checklists {
			lists = append(lists, c.wire())
		}
		changed["checklists"] = lists
	}
	if u.TimelineEvents != nil {
		changed["timeline_events"] = u.TimelineEvents
	}
	if u.StatusPosts != nil {
		changed["status_posts"] = u.StatusPosts
	}

	out := map[string]any{
		"id":             u.ID,
		"updated_at":     u.UpdatedAt,
		"changed_fields": changed,
	}
	if u.ChecklistDeletes != nil {
		out["checklist_deletes"] = u.ChecklistDeletes
	}
	if u.TimelineEventDeletes != nil {
		out["timeline_event_deletes"] = u.TimelineEventDeletes
	}
	if u.StatusPostDeletes != nil {
		out["status_post_deletes"] = u.StatusPostDeletes
	}
	return json.Marshal(out)
}

func (c ChecklistUpdate) wire() map[string]any {
	m := map[string]any{"id": c.ID}
	if c.Fields != nil {
		m["fields"] = c.Fields
	}
	if c.ItemUpdates != nil {
		m["item_updates"] = c.ItemUpdates
	}
	if c.ItemInserts != nil {
		m["item_inserts"] = c.ItemInserts
	}
	if c.ItemDeletes != nil {
		m["item_deletes"] = c.ItemDeletes
	}
	if c.ItemsOrder != nil {
		m["items_order"] = c.ItemsOrder
	}
	return m
}

// IsDecodeError reports whether err came from this package.
func IsDecodeError(err error) bool {
	var de *DecodeError
	return errors.As(err, &de)
}
