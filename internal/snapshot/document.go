package snapshot

import (
	"bytes"
	"encoding/json"
)

// Document is the mutable in-memory form of a Snapshot. Nodes and edges keep their
// wire order and are indexed by id so patches can be folded in place.
// A Document is not safe for concurrent use.
type Document struct {
	nodes     collection
	edges     collection
	updatedAt string
}

func NewDocument(s Snapshot) *Document {
	return &Document{
		nodes:     newCollection(s.Nodes),
		edges:     newCollection(s.Edges),
		updatedAt: s.UpdatedAt,
	}
}

func (d *Document) Snapshot() Snapshot {
	return Snapshot{
		Nodes:     d.nodes.raws(),
		Edges:     d.edges.raws(),
		UpdatedAt: d.updatedAt,
	}
}

func (d *Document) UpdatedAt() string {
	return d.updatedAt
}

func (d *Document) SetUpdatedAt(ts string) {
	d.updatedAt = ts
}

// Replace swaps the whole document for s.
func (d *Document) Replace(s Snapshot) {
	*d = *NewDocument(s)
}

// Apply folds p into the document and reports whether anything changed.
// Unknown patch types and patches addressing missing records are ignored.
func (d *Document) Apply(p Patch) bool {
	switch p.Type {
	case PatchNodeMoved:
		if p.ID == "" || p.X == nil || p.Y == nil {
			return false
		}
		position, err := json.Marshal(map[string]float64{"x": *p.X, "y": *p.Y})
		if err != nil {
			return false
		}
		return d.nodes.update(p.ID, func(fields map[string]json.RawMessage) {
			fields["position"] = position
		})
	case PatchNodeAttrs:
		if p.ID == "" || len(p.Attrs) == 0 {
			return false
		}
		return d.nodes.update(p.ID, func(fields map[string]json.RawMessage) {
			data := map[string]json.RawMessage{}
			if existing, ok := fields["data"]; ok {
				_ = json.Unmarshal(existing, &data)
				if data == nil {
					data = map[string]json.RawMessage{}
				}
			}
			for key, value := range p.Attrs {
				data[key] = value
			}
			if encoded, err := json.Marshal(data); err == nil {
				fields["data"] = encoded
			}
		})
	case PatchEdgeAdded:
		edge := bytes.TrimSpace(p.Edge)
		if len(edge) == 0 || edge[0] != '{' {
			return false
		}
		d.edges.upsert(compact(edge))
		return true
	case PatchEdgeRemoved:
		if p.ID == "" {
			return false
		}
		return d.edges.remove(p.ID)
	case PatchFull:
		if len(p.Snapshot) == 0 {
			return false
		}
		d.Replace(Normalize(p.Snapshot))
		return true
	default:
		return false
	}
}

type record struct {
	id  string
	raw json.RawMessage
}

type collection struct {
	items []record
	index map[string]int
}

func newCollection(raws []json.RawMessage) collection {
	c := collection{items: make([]record, 0, len(raws))}
	for _, raw := range raws {
		c.items = append(c.items, record{id: idOfRecord(raw), raw: raw})
	}
	c.reindex()
	return c
}

// reindex maps each id to its first occurrence; later duplicates stay in order but unaddressed.
func (c *collection) reindex() {
	c.index = make(map[string]int, len(c.items))
	for i, item := range c.items {
		if item.id == "" {
			continue
		}
		if _, seen := c.index[item.id]; !seen {
			c.index[item.id] = i
		}
	}
}

func (c *collection) raws() []json.RawMessage {
	out := make([]json.RawMessage, 0, len(c.items))
	for _, item := range c.items {
		out = append(out, item.raw)
	}
	return out
}

func (c *collection) update(id string, mutate func(map[string]json.RawMessage)) bool {
	i, ok := c.index[id]
	if !ok {
		return false
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(c.items[i].raw, &fields); err != nil || fields == nil {
		return false
	}
	mutate(fields)
	encoded, err := json.Marshal(fields)
	if err != nil {
		return false
	}
	c.items[i].raw = encoded
	return true
}

func (c *collection) upsert(raw json.RawMessage) {
	id := idOfRecord(raw)
	if i, ok := c.index[id]; ok && id != "" {
		c.items[i].raw = raw
		return
	}
	c.items = append(c.items, record{id: id, raw: raw})
	if id != "" {
		c.index[id] = len(c.items) - 1
	}
}

func (c *collection) remove(id string) bool {
	i, ok := c.index[id]
	if !ok {
		return false
	}
	c.items = append(c.items[:i], c.items[i+1:]...)
	c.reindex()
	return true
}

func idOfRecord(raw json.RawMessage) string {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return ""
	}
	var fields struct {
		ID json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(trimmed, &fields); err != nil {
		return ""
	}
	return recordID(fields.ID)
}
