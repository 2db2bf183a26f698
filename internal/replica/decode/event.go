package decode

import (
	"strings"

	"github.com/runsync/runsync/internal/replica/schema"
	"github.com/tidwall/gjson"
)

// Kind classifies an inbound websocket event.
type Kind int

const (
	// KindIgnored covers frames the replica has no use for (hello, posted,
	// replies to our own requests, ...).
	KindIgnored Kind = iota
	KindIncremental
	KindCreated
	KindUpdated
	KindRemoved
	KindUserRemoved
)

func (k Kind) String() string {
	switch k {
	case KindIncremental:
		return "incremental"
	case KindCreated:
		return "created"
	case KindUpdated:
		return "updated"
	case KindRemoved:
		return "removed"
	case KindUserRemoved:
		return "user_removed"
	default:
		return "ignored"
	}
}

// Websocket event names as sent by the server.
const (
	EventIncremental = "playbook_run_updated_incremental"
	EventCreated     = "playbook_run_created"
	EventUpdated     = "playbook_run_updated"
	EventRemoved     = "playbook_run_removed"
	EventUserRemoved = "user_removed"

	// PluginPrefix is prepended to plugin events by the server.
	PluginPrefix = "custom_playbooks_"
)

// Event is a routed websocket frame.
type Event struct {
	Kind Kind
	Name string
	Seq  int64

	// Exactly one of the following is set, depending on Kind.
	Update *Update
	Run    *schema.Run
	RunID  string

	// ChannelID and UserID are set for KindUserRemoved.
	ChannelID string
	UserID    string
}

// DecodeEvent routes one websocket frame of the form
//
//	{"event": "...", "data": {"payload": "<json>"}, "broadcast": {...}, "seq": 7}
//
// Frames for unrelated events decode to KindIgnored without error.
func DecodeEvent(frame []byte) (*Event, error) {
	if !gjson.ValidBytes(frame) {
		return nil, &DecodeError{Reason: "frame is not valid json"}
	}
	root := gjson.ParseBytes(frame)
	if !root.IsObject() {
		return nil, &DecodeError{Reason: "frame is not an object"}
	}

	name := root.Get("event").String()
	ev := &Event{
		Name: name,
		Seq:  root.Get("seq").Int(),
	}

	switch strings.TrimPrefix(name, PluginPrefix) {
	case EventIncremental:
		payload, err := payloadOf(root)
		if err != nil {
			return nil, err
		}
		u, err := DecodeUpdate(payload)
		if err != nil {
			return nil, err
		}
		ev.Kind = KindIncremental
		ev.Update = u

	case EventCreated, EventUpdated:
		payload, err := payloadOf(root)
		if err != nil {
			return nil, err
		}
		// Creation wraps the run as {"playbook_run": {...}}.
		if wrapped := gjson.GetBytes(payload, "playbook_run"); wrapped.IsObject() {
			payload = []byte(wrapped.Raw)
		}
		run, err := schema.DecodeRun(payload)
		if err != nil {
			return nil, &DecodeError{Reason: "invalid run", Err: err}
		}
		ev.Kind = KindUpdated
		if strings.HasSuffix(name, EventCreated) {
			ev.Kind = KindCreated
		}
		ev.Run = run

	case EventRemoved:
		payload, err := payloadOf(root)
		if err != nil {
			return nil, err
		}
		id := gjson.GetBytes(payload, "id").String()
		if id == "" {
			id = gjson.GetBytes(payload, "playbook_run_id").String()
		}
		if id == "" {
			return nil, &DecodeError{Reason: "removal without run id"}
		}
		ev.Kind = KindRemoved
		ev.RunID = id

	case EventUserRemoved:
		ev.Kind = KindUserRemoved
		ev.ChannelID = root.Get("data.channel_id").String()
		if ev.ChannelID == "" {
			ev.ChannelID = root.Get("broadcast.channel_id").String()
		}
		ev.UserID = root.Get("data.user_id").String()
		if ev.UserID == "" {
			ev.UserID = root.Get("broadcast.user_id").String()
		}
		if ev.ChannelID == "" {
			return nil, &DecodeError{Reason: "user_removed without channel id"}
		}

	default:
		ev.Kind = KindIgnored
	}
	return ev, nil
}

// payloadOf returns data.payload. The server sends it as a JSON string; an
// inline object is accepted too.
func payloadOf(root gjson.Result) ([]byte, error) {
	p := root.Get("data.payload")
	switch {
	case !p.Exists():
		return nil, &DecodeError{Reason: "frame has no data.payload"}
	case p.Type == gjson.String:
		return []byte(p.String()), nil
	case p.IsObject():
		return []byte(p.Raw), nil
	default:
		return nil, &DecodeError{Reason: "data.payload must be a string or object"}
	}
}
