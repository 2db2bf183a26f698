package schema

import (
	"encoding/json"
	"fmt"
)

// Entity is an id plus a bag of scalar fields. It is the building block of
// items, timeline events and status posts, all of which travel as flat JSON
// objects.
type Entity struct {
	ID     string
	Fields Fields
}

// With returns a copy of e with patch written over its fields.
func (e Entity) With(patch Fields) Entity {
	return Entity{ID: e.ID, Fields: e.Fields.Overlay(patch)}
}

// CreateAt returns the create_at field in milliseconds.
func (e Entity) CreateAt() int64 {
	return e.Fields.Int64("create_at")
}

// DeleteAt returns the delete_at tombstone in milliseconds, 0 when live.
func (e Entity) DeleteAt() int64 {
	return e.Fields.Int64("delete_at")
}

// Deleted reports whether the entity carries a tombstone.
func (e Entity) Deleted() bool {
	return e.DeleteAt() != 0
}

// MarshalJSON writes the entity as one flat object.
func (e Entity) MarshalJSON() ([]byte, error) {
	out := make(map[string]json.RawMessage, len(e.Fields)+1)
	for k, v := range e.Fields {
		out[k] = v
	}
	out["id"] = String(e.ID)
	return json.Marshal(out)
}

// UnmarshalJSON reads a flat object; "id" becomes ID and every other key
// lands in Fields.
func (e *Entity) UnmarshalJSON(data []byte) error {
	id, fields, err := splitObject(data)
	if err != nil {
		return err
	}
	e.ID = id
	e.Fields = fields
	return nil
}

// splitObject decodes a JSON object, pulls out its "id" and returns the
// remaining keys.
func splitObject(data []byte) (string, Fields, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return "", nil, fmt.Errorf("failed to decode object: %w", err)
	}
	if raw == nil {
		return "", nil, fmt.Errorf("object is null")
	}
	var id string
	if v, ok := raw["id"]; ok {
		if err := json.Unmarshal(v, &id); err != nil {
			return "", nil, fmt.Errorf("id must be a string: %w", err)
		}
	}
	delete(raw, "id")
	return id, Fields(raw), nil
}

// pop removes key from f and returns its value.
func pop(f Fields, key string) (json.RawMessage, bool) {
	v, ok := f[key]
	if ok {
		delete(f, key)
	}
	return v, ok
}

// Item is a checklist item.
type Item struct {
	Entity
}

// NewItem builds an item from an id and its fields.
func NewItem(id string, fields Fields) *Item {
	return &Item{Entity{ID: id, Fields: fields}}
}

// State returns the item's state: "", "in_progress", "closed" or "skipped".
func (i *Item) State() string {
	return i.Fields.String("state")
}

// Patch returns a new item with patch applied field by field.
func (i *Item) Patch(patch Fields) *Item {
	return &Item{i.With(patch)}
}

// TimelineEvent is one entry of a run's timeline.
type TimelineEvent struct {
	Entity
}

// NewTimelineEvent builds a timeline event from an id and its fields.
func NewTimelineEvent(id string, fields Fields) *TimelineEvent {
	return &TimelineEvent{Entity{ID: id, Fields: fields}}
}

// EventType returns the event_type field.
func (e *TimelineEvent) EventType() string {
	return e.Fields.String("event_type")
}

// Summary returns the summary field.
func (e *TimelineEvent) Summary() string {
	return e.Fields.String("summary")
}

// Tombstone returns a copy of e marked deleted at ts. An existing tombstone
// is kept and e itself is returned.
func (e *TimelineEvent) Tombstone(ts int64) *TimelineEvent {
	if e.Deleted() {
		return e
	}
	return &TimelineEvent{e.With(Fields{"delete_at": Int(ts)})}
}

// StatusPost is a status update posted to a run.
type StatusPost struct {
	Entity
}

// NewStatusPost builds a status post from an id and its fields.
func NewStatusPost(id string, fields Fields) *StatusPost {
	return &StatusPost{Entity{ID: id, Fields: fields}}
}

// Tombstone returns a copy of p marked deleted at ts. An existing tombstone
// is kept and p itself is returned.
func (p *StatusPost) Tombstone(ts int64) *StatusPost {
	if p.Deleted() {
		return p
	}
	return &StatusPost{p.With(Fields{"delete_at": Int(ts)})}
}
