// Package schema defines the replicated run model and its JSON wire form.
//
// # Overview
//
// A run is the top-level aggregate kept in the client-side replica. It owns
// ordered checklists, each owning ordered items, plus two unordered
// collections (timeline events and status posts) that are sorted by
// creation time only when read.
//
//	Run
//	 ├── Fields          scalar fields (name, current_status, owner_user_id, ...)
//	 ├── ChecklistOrder  []checklist id
//	 ├── Checklists      id → Checklist
//	 │                    ├── Fields      (title, ...)
//	 │                    ├── ItemsOrder  []item id
//	 │                    └── Items       id → Item (state, assignee_id, due_date, ...)
//	 ├── Timeline        id → TimelineEvent (create_at, delete_at, event_type, ...)
//	 └── StatusPosts     id → StatusPost (create_at, delete_at, status)
//
// Scalar fields are kept as raw JSON values. The replica never interprets
// most of them, and keeping the server's bytes means a field the client does
// not know about survives a decode/encode round trip unchanged.
//
// # Wire Form
//
// The server sends full runs with arrays instead of maps:
//
//	{
//	  "id": "run-1",
//	  "name": "Outage",
//	  "update_at": 1700000000000,
//	  "checklists": [
//	    {"id": "c1", "title": "Triage", "items": [{"id": "i1", "state": "Open"}]}
//	  ],
//	  "timeline_events": [{"id": "e1", "create_at": 1700000000000, "delete_at": 0}]
//	}
//
// DecodeRun converts this to the keyed form and Run.MarshalJSON converts
// back. Array order becomes ChecklistOrder / ItemsOrder.
//
// # Immutability
//
// Values of these types are shared between successive store versions.
// Nothing in this package mutates a value after construction; Clone makes a
// shallow copy whose containers (maps, order slices) may be modified while
// the children stay shared with the original.
package schema
