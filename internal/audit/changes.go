package audit

import (
	"bytes"

	"github.com/golang/snappy"
	jsonitor "github.com/json-iterator/go"

	"github.com/abilian/abilian-core/internal/entity"
)

var json = jsonitor.ConfigCompatibleWithStandardLibrary

// EntryType is the operation bitfield of an audit entry.
type EntryType int

const (
	Creation EntryType = 0
	Update   EntryType = 1
	Deletion EntryType = 2
	// Related is set when the entry describes a change of a child logged
	// against the entity it belongs to.
	Related EntryType = 1 << 7
)

// Op strips the Related flag.
func (t EntryType) Op() EntryType { return t &^ Related }

func (t EntryType) IsRelated() bool { return t&Related != 0 }

func (t EntryType) String() string {
	var s string
	switch t.Op() {
	case Creation:
		s = "creation"
	case Update:
		s = "update"
	case Deletion:
		s = "deletion"
	default:
		s = "unknown"
	}
	if t.IsRelated() {
		s = "related " + s
	}
	return s
}

const (
	// HiddenValue replaces both sides of a change on a hidden field.
	HiddenValue = "******"
	// LargeValue replaces values longer than MaxValueLength.
	LargeValue     = "<<large value>>"
	MaxValueLength = 1000
)

// Change is an (old, new) pair, or the changes of a related entity.
type Change struct {
	Old    any
	New    any
	Nested *Changes
}

func (c Change) MarshalJSON() ([]byte, error) {
	if c.Nested != nil {
		return json.Marshal(c.Nested)
	}
	return json.Marshal([]any{c.Old, c.New})
}

func (c *Change) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '{' {
		c.Nested = &Changes{}
		return json.Unmarshal(b, c.Nested)
	}
	var pair []any
	if err := json.Unmarshal(b, &pair); err != nil {
		return err
	}
	if len(pair) > 0 {
		c.Old = pair[0]
	}
	if len(pair) > 1 {
		c.New = pair[1]
	}
	return nil
}

// CollectionChange lists the ids added to and removed from a relation.
type CollectionChange struct {
	Added   []int64
	Removed []int64
}

func (c CollectionChange) MarshalJSON() ([]byte, error) {
	added, removed := c.Added, c.Removed
	if added == nil {
		added = []int64{}
	}
	if removed == nil {
		removed = []int64{}
	}
	return json.Marshal([2][]int64{added, removed})
}

func (c *CollectionChange) UnmarshalJSON(b []byte) error {
	var pair [2][]int64
	if err := json.Unmarshal(b, &pair); err != nil {
		return err
	}
	c.Added, c.Removed = pair[0], pair[1]
	return nil
}

// Changes is what one flush changed on one entity.
type Changes struct {
	Columns     map[string]Change           `json:"columns"`
	Collections map[string]CollectionChange `json:"collections"`
}

func NewChanges() *Changes {
	return &Changes{
		Columns:     map[string]Change{},
		Collections: map[string]CollectionChange{},
	}
}

func (c *Changes) Empty() bool {
	return c == nil || (len(c.Columns) == 0 && len(c.Collections) == 0)
}

// Set records from -> to for column, unless the values carry no information.
func (c *Changes) Set(column string, from, to any) {
	from, to = clip(from), clip(to)
	if entity.Equal(from, to) || (falsy(from) && falsy(to)) {
		return
	}
	c.Columns[column] = Change{Old: from, New: to}
}

// Hide records a change on a hidden column.
func (c *Changes) Hide(column string) {
	c.Columns[column] = Change{Old: HiddenValue, New: HiddenValue}
}

// SetCollection records a relation change; empty changes are ignored.
func (c *Changes) SetCollection(relation string, added, removed []int64) {
	if len(added) == 0 && len(removed) == 0 {
		return
	}
	c.Collections[relation] = CollectionChange{Added: added, Removed: removed}
}

// Encode serializes c as snappy-compressed JSON.
func (c *Changes) Encode() ([]byte, error) {
	if c == nil {
		c = NewChanges()
	}
	b, err := json.Marshal(c)
	if err != nil {
		return nil, ErrSerialization.Err(err)
	}
	return snappy.Encode(nil, b), nil
}

// DecodeChanges reverses Encode. Empty input decodes to empty changes.
func DecodeChanges(b []byte) (*Changes, error) {
	c := NewChanges()
	if len(b) == 0 {
		return c, nil
	}
	raw, err := snappy.Decode(nil, b)
	if err != nil {
		return nil, ErrSerialization.MsgErr("invalid compressed changes", err)
	}
	if err := json.Unmarshal(raw, c); err != nil {
		return nil, ErrSerialization.Err(err)
	}
	if c.Columns == nil {
		c.Columns = map[string]Change{}
	}
	if c.Collections == nil {
		c.Collections = map[string]CollectionChange{}
	}
	return c, nil
}

func clip(v any) any {
	switch x := v.(type) {
	case string:
		if len(x) > MaxValueLength {
			return LargeValue
		}
	case []byte:
		if len(x) > MaxValueLength {
			return LargeValue
		}
	case []any:
		if len(x) > MaxValueLength {
			return LargeValue
		}
	case map[string]any:
		if len(x) > MaxValueLength {
			return LargeValue
		}
	}
	return v
}

func falsy(v any) bool {
	switch x := v.(type) {
	case nil:
		return true
	case string:
		return x == ""
	case bool:
		return !x
	case int:
		return x == 0
	case int64:
		return x == 0
	case float64:
		return x == 0
	case []any:
		return len(x) == 0
	case map[string]any:
		return len(x) == 0
	}
	return false
}
