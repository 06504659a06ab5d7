package snapshot

import (
	"bytes"
	"encoding/json"
	"strings"
)

type PatchType string

const (
	PatchNodeMoved   PatchType = "nodeMoved"
	PatchNodeAttrs   PatchType = "nodeAttrs"
	PatchEdgeAdded   PatchType = "edgeAdded"
	PatchEdgeRemoved PatchType = "edgeRemoved"
	PatchFull        PatchType = "full"
)

// Patch is one client edit. Raw keeps the bytes exactly as received so peers get
// the patch verbatim; the typed fields are only used to fold it into a Document.
type Patch struct {
	Type     PatchType
	ID       string
	X        *float64
	Y        *float64
	Attrs    map[string]json.RawMessage
	Edge     json.RawMessage
	Snapshot json.RawMessage
	Raw      json.RawMessage
}

type patchWire struct {
	Type     PatchType                  `json:"type"`
	ID       json.RawMessage            `json:"id,omitempty"`
	X        *float64                   `json:"x,omitempty"`
	Y        *float64                   `json:"y,omitempty"`
	Attrs    map[string]json.RawMessage `json:"attrs,omitempty"`
	Edge     json.RawMessage            `json:"edge,omitempty"`
	Snapshot json.RawMessage            `json:"snapshot,omitempty"`
}

// UnmarshalJSON does not reject malformed patches. Fields that do not decode are
// left zero and the patch is relayed without being folded.
func (p *Patch) UnmarshalJSON(data []byte) error {
	*p = Patch{Raw: append(json.RawMessage(nil), data...)}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil
	}
	var kind string
	if err := json.Unmarshal(fields["type"], &kind); err == nil {
		p.Type = PatchType(kind)
	}
	p.ID = recordID(fields["id"])
	p.X = decodeFloat(fields["x"])
	p.Y = decodeFloat(fields["y"])
	if attrs, ok := fields["attrs"]; ok {
		var decoded map[string]json.RawMessage
		if err := json.Unmarshal(attrs, &decoded); err == nil {
			p.Attrs = decoded
		}
	}
	p.Edge = nonNull(fields["edge"])
	p.Snapshot = nonNull(fields["snapshot"])
	return nil
}

func (p Patch) MarshalJSON() ([]byte, error) {
	if len(p.Raw) > 0 {
		return p.Raw, nil
	}
	out := patchWire{
		Type:     p.Type,
		X:        p.X,
		Y:        p.Y,
		Attrs:    p.Attrs,
		Edge:     p.Edge,
		Snapshot: p.Snapshot,
	}
	if p.ID != "" {
		id, err := json.Marshal(p.ID)
		if err != nil {
			return nil, err
		}
		out.ID = id
	}
	return json.Marshal(out)
}

func decodeFloat(raw json.RawMessage) *float64 {
	if len(raw) == 0 {
		return nil
	}
	var v float64
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil
	}
	return &v
}

func nonNull(raw json.RawMessage) json.RawMessage {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || string(trimmed) == "null" {
		return nil
	}
	return trimmed
}

// recordID accepts string or numeric ids; numbers keep their literal text.
func recordID(raw json.RawMessage) string {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return ""
	}
	if trimmed[0] == '"' {
		var id string
		if err := json.Unmarshal(trimmed, &id); err != nil {
			return ""
		}
		return strings.TrimSpace(id)
	}
	var n json.Number
	if err := json.Unmarshal(trimmed, &n); err != nil {
		return ""
	}
	return n.String()
}
