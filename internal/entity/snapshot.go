package entity

import (
	"bytes"
	"sort"
	"time"

	"github.com/anand-gl/jsoncanonicalizer"
)

// Columns stored outside Attrs, in the order they are diffed.
var columns = []string{
	"name", "slug", "created_at", "updated_at",
	"creator_id", "owner_id", "parent_id", "inherit_security", "meta",
}

func isColumn(name string) bool {
	switch name {
	case "id", "entity_type":
		return true
	}
	for _, c := range columns {
		if c == name {
			return true
		}
	}
	return false
}

// Snapshot is the state of an entity when it was loaded or last flushed.
type Snapshot struct {
	Type            string
	ID              int64
	Name            string
	Slug            string
	CreatedAt       time.Time
	UpdatedAt       time.Time
	CreatorID       *int64
	OwnerID         *int64
	ParentID        *int64
	InheritSecurity bool
	Attrs           map[string]any
	Meta            map[string]any

	attrs []byte
	meta  []byte
}

// TakeSnapshot copies the persisted state of e.
func TakeSnapshot(e *Entity) *Snapshot {
	s := &Snapshot{
		Type:            e.Type,
		ID:              e.ID,
		Name:            e.Name,
		Slug:            e.Slug,
		CreatedAt:       e.CreatedAt,
		UpdatedAt:       e.UpdatedAt,
		CreatorID:       copyPtr(e.CreatorID),
		OwnerID:         copyPtr(e.OwnerID),
		ParentID:        copyPtr(e.ParentID),
		InheritSecurity: e.InheritSecurity,
	}
	s.attrs = canonical(e.Attrs)
	s.meta = canonical(e.Meta)
	s.Attrs = decodeMap(s.attrs)
	s.Meta = decodeMap(s.meta)
	return s
}

// Modified reports whether e differs from the snapshot, relation changes included.
func (s *Snapshot) Modified(e *Entity) bool {
	if s == nil {
		return true
	}
	if s.Type != e.Type || s.ID != e.ID {
		return true
	}
	if s.Name != e.Name || s.Slug != e.Slug || s.InheritSecurity != e.InheritSecurity ||
		!s.CreatedAt.Equal(e.CreatedAt) || !s.UpdatedAt.Equal(e.UpdatedAt) ||
		!samePtr(s.CreatorID, e.CreatorID) || !samePtr(s.OwnerID, e.OwnerID) || !samePtr(s.ParentID, e.ParentID) {
		return true
	}
	if !bytes.Equal(s.attrs, canonical(e.Attrs)) || !bytes.Equal(s.meta, canonical(e.Meta)) {
		return true
	}
	return e.hasPendingCollections()
}

// Value returns the snapshot value of a column or attribute.
func (s *Snapshot) Value(name string) any {
	if s == nil {
		return nil
	}
	switch name {
	case "name":
		return s.Name
	case "slug":
		return s.Slug
	case "created_at":
		return timeValue(s.CreatedAt)
	case "updated_at":
		return timeValue(s.UpdatedAt)
	case "creator_id":
		return ptrValue(s.CreatorID)
	case "owner_id":
		return ptrValue(s.OwnerID)
	case "parent_id":
		return ptrValue(s.ParentID)
	case "inherit_security":
		return s.InheritSecurity
	case "meta":
		return s.Meta
	}
	return s.Attrs[name]
}

// Value returns the current value of a column or attribute.
func (e *Entity) Value(name string) any {
	switch name {
	case "name":
		return e.Name
	case "slug":
		return e.Slug
	case "created_at":
		return timeValue(e.CreatedAt)
	case "updated_at":
		return timeValue(e.UpdatedAt)
	case "creator_id":
		return ptrValue(e.CreatorID)
	case "owner_id":
		return ptrValue(e.OwnerID)
	case "parent_id":
		return ptrValue(e.ParentID)
	case "inherit_security":
		return e.InheritSecurity
	case "meta":
		return e.Meta
	}
	return e.Attrs[name]
}

// FieldChange is one column or attribute whose value differs.
type FieldChange struct {
	Name string
	Old  any
	New  any
}

// Diff lists what changed between old and e: columns first, then attributes
// sorted by name. A nil old diffs against an empty entity.
func Diff(old *Snapshot, e *Entity) []FieldChange {
	var out []FieldChange
	for _, c := range columns {
		ov, nv := old.Value(c), e.Value(c)
		if old == nil && c == "inherit_security" {
			ov = nil
		}
		if !Equal(ov, nv) {
			out = append(out, FieldChange{Name: c, Old: ov, New: nv})
		}
	}
	names := map[string]struct{}{}
	for k := range e.Attrs {
		names[k] = struct{}{}
	}
	if old != nil {
		for k := range old.Attrs {
			names[k] = struct{}{}
		}
	}
	sorted := make([]string, 0, len(names))
	for k := range names {
		if !isColumn(k) {
			sorted = append(sorted, k)
		}
	}
	sort.Strings(sorted)
	for _, k := range sorted {
		var ov any
		if old != nil {
			ov = old.Attrs[k]
		}
		nv := e.Attrs[k]
		if !Equal(ov, nv) {
			out = append(out, FieldChange{Name: k, Old: ov, New: nv})
		}
	}
	return out
}

// Equal compares two JSON-serializable values by their canonical encoding, so
// 1 and 1.0 or differently ordered maps compare equal.
func Equal(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	ca, cb := canonical(a), canonical(b)
	return ca != nil && cb != nil && bytes.Equal(ca, cb)
}

func canonical(v any) []byte {
	if m, ok := v.(map[string]any); ok && m == nil {
		v = map[string]any{}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	c, err := jsoncanonicalizer.Transform(b)
	if err != nil {
		return b
	}
	return c
}

func decodeMap(b []byte) map[string]any {
	m := map[string]any{}
	if len(b) > 0 {
		_ = json.Unmarshal(b, &m)
	}
	return m
}

func timeValue(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}

func copyPtr(p *int64) *int64 {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func samePtr(a, b *int64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
