// Package snapshot holds the canonical diagram document shape and the rules that
// coerce persisted or client supplied JSON into it.
package snapshot

import (
	"bytes"
	"encoding/json"
	"time"
)

// Snapshot is the full serialized state of one project's diagram.
// Nodes and Edges are opaque records and are never nil once normalized.
type Snapshot struct {
	Nodes     []json.RawMessage `json:"nodes"`
	Edges     []json.RawMessage `json:"edges"`
	UpdatedAt string            `json:"updatedAt"`
}

func (s Snapshot) MarshalJSON() ([]byte, error) {
	type wire Snapshot
	out := wire(s)
	if out.Nodes == nil {
		out.Nodes = []json.RawMessage{}
	}
	if out.Edges == nil {
		out.Edges = []json.RawMessage{}
	}
	return json.Marshal(out)
}

// Empty returns a snapshot with no nodes or edges stamped with now.
func Empty(now time.Time) Snapshot {
	return Snapshot{
		Nodes:     []json.RawMessage{},
		Edges:     []json.RawMessage{},
		UpdatedAt: Timestamp(now),
	}
}

// Timestamp formats t the way updatedAt is stored.
func Timestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func Normalize(raw []byte) Snapshot {
	return NormalizeAt(raw, time.Now())
}

// NormalizeAt never fails: anything that is not an object, or a JSON string holding
// an object, yields an empty snapshot stamped with now.
func NormalizeAt(raw []byte, now time.Time) Snapshot {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return Empty(now)
	}
	switch trimmed[0] {
	case '{':
		return normalizeObject(trimmed, now)
	case '"':
		var encoded string
		if err := json.Unmarshal(trimmed, &encoded); err != nil {
			return Empty(now)
		}
		inner := bytes.TrimSpace([]byte(encoded))
		if len(inner) == 0 || inner[0] != '{' {
			return Empty(now)
		}
		return normalizeObject(inner, now)
	default:
		return Empty(now)
	}
}

func normalizeObject(data []byte, now time.Time) Snapshot {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return Empty(now)
	}

	out := Snapshot{
		Nodes:     asArray(fields["nodes"]),
		Edges:     asArray(fields["edges"]),
		UpdatedAt: Timestamp(now),
	}
	var updatedAt string
	if err := json.Unmarshal(fields["updatedAt"], &updatedAt); err == nil && updatedAt != "" {
		out.UpdatedAt = updatedAt
	}
	return out
}

func asArray(raw json.RawMessage) []json.RawMessage {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '[' {
		return []json.RawMessage{}
	}
	var items []json.RawMessage
	if err := json.Unmarshal(trimmed, &items); err != nil {
		return []json.RawMessage{}
	}
	out := make([]json.RawMessage, 0, len(items))
	for _, item := range items {
		out = append(out, compact(item))
	}
	return out
}

func compact(raw json.RawMessage) json.RawMessage {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return append(json.RawMessage(nil), raw...)
	}
	return buf.Bytes()
}
