package schema

import (
	"bytes"
	"encoding/json"
	"strconv"
)

// Fields holds scalar fields of an entity keyed by their JSON name.
// Values are raw JSON and are replaced whole, never merged.
type Fields map[string]json.RawMessage

// Clone returns a copy of f. Values are shared; they are never mutated.
func (f Fields) Clone() Fields {
	if f == nil {
		return nil
	}
	out := make(Fields, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}

// Overlay returns a copy of f with every key of patch written over it.
func (f Fields) Overlay(patch Fields) Fields {
	out := make(Fields, len(f)+len(patch))
	for k, v := range f {
		out[k] = v
	}
	for k, v := range patch {
		out[k] = v
	}
	return out
}

// Has reports whether key is present.
func (f Fields) Has(key string) bool {
	_, ok := f[key]
	return ok
}

// String returns the field decoded as a string, or "" if it is absent or
// not a JSON string.
func (f Fields) String(key string) string {
	raw, ok := f[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}

// Int64 returns the field decoded as an integer, or 0.
func (f Fields) Int64(key string) int64 {
	raw, ok := f[key]
	if !ok {
		return 0
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return 0
	}
	if i, err := n.Int64(); err == nil {
		return i
	}
	if fl, err := strconv.ParseFloat(string(n), 64); err == nil {
		return int64(fl)
	}
	return 0
}

// Bool returns the field decoded as a boolean, or false.
func (f Fields) Bool(key string) bool {
	raw, ok := f[key]
	if !ok {
		return false
	}
	var b bool
	if err := json.Unmarshal(raw, &b); err != nil {
		return false
	}
	return b
}

// Equal reports whether f and other hold the same keys with byte-identical
// values.
func (f Fields) Equal(other Fields) bool {
	if len(f) != len(other) {
		return false
	}
	for k, v := range f {
		ov, ok := other[k]
		if !ok || !bytes.Equal(v, ov) {
			return false
		}
	}
	return true
}

// String encodes s as a raw JSON field value.
func String(s string) json.RawMessage {
	data, _ := json.Marshal(s)
	return data
}

// Int encodes n as a raw JSON field value.
func Int(n int64) json.RawMessage {
	return json.RawMessage(strconv.FormatInt(n, 10))
}

// Bool encodes b as a raw JSON field value.
func Bool(b bool) json.RawMessage {
	return json.RawMessage(strconv.FormatBool(b))
}
