// Package entity implements the generic entity model: a single table of typed
// objects with JSON attributes, a registry of entity types with their declared
// fields, relations and capabilities, and the session mapper that persists them.
package entity

import (
	"sort"
	"strconv"
	"time"

	jsonitor "github.com/json-iterator/go"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

var json = jsonitor.ConfigCompatibleWithStandardLibrary

// Entity is one persisted domain object. Declared attributes live in Attrs;
// Meta is free-form per type.
type Entity struct {
	ID              int64
	Type            string
	Name            string
	Slug            string
	CreatedAt       time.Time
	UpdatedAt       time.Time
	CreatorID       *int64
	OwnerID         *int64
	ParentID        *int64
	InheritSecurity bool
	Meta            map[string]any
	Attrs           map[string]any

	persisted bool
	deleted   bool
	// slugAuto is set while the slug follows the name.
	slugAuto bool

	pending map[string]*CollectionChange
	flushed map[string]*CollectionChange
}

// New returns a transient entity of the given type.
func New(typeName string) *Entity {
	return &Entity{
		Type:            typeName,
		InheritSecurity: true,
		Meta:            map[string]any{},
		Attrs:           map[string]any{},
	}
}

// IsPersisted reports whether the entity has been assigned an id.
func (e *Entity) IsPersisted() bool {
	return e.persisted
}

// IsDeleted reports whether the entity row was deleted by a flush.
func (e *Entity) IsDeleted() bool {
	return e.deleted
}

// MappedInstance returns e. Types embedding *Entity inherit it, so sessions
// accept them directly.
func (e *Entity) MappedInstance() any { return e }

func (e *Entity) ObjectType() string {
	return e.Type
}

// ObjectKey is "<entity_type>:<id>", empty until the entity is persisted.
func (e *Entity) ObjectKey() string {
	if !e.persisted {
		return ""
	}
	return ObjectKey(e.Type, e.ID)
}

func ObjectKey(typeName string, id int64) string {
	return typeName + ":" + strconv.FormatInt(id, 10)
}

// IdentityKey is the session identity of the entity with id.
func IdentityKey(id int64) string {
	return "entity:" + strconv.FormatInt(id, 10)
}

// SetName changes the name; an auto-derived slug follows at the next flush.
func (e *Entity) SetName(name string) {
	e.Name = name
}

// SetSlug fixes the slug; it no longer follows the name.
func (e *Entity) SetSlug(slug string) {
	e.Slug = slug
	e.slugAuto = false
}

func (e *Entity) SetOwner(id int64) {
	e.OwnerID = &id
}

func (e *Entity) SetCreator(id int64) {
	e.CreatorID = &id
}

// SetParent sets the parent entity; nil clears it.
func (e *Entity) SetParent(parent *Entity) {
	if parent == nil {
		e.ParentID = nil
		return
	}
	id := parent.ID
	e.ParentID = &id
}

// IsOwner reports whether user id owns the entity.
func (e *Entity) IsOwner(id int64) bool {
	return e.OwnerID != nil && *e.OwnerID == id
}

// IsCreator reports whether user id created the entity.
func (e *Entity) IsCreator(id int64) bool {
	return e.CreatorID != nil && *e.CreatorID == id
}

// Get returns attribute key, nil if unset.
func (e *Entity) Get(key string) any {
	return e.Attrs[key]
}

// Set assigns attribute key; a nil value removes it.
func (e *Entity) Set(key string, v any) {
	if e.Attrs == nil {
		e.Attrs = map[string]any{}
	}
	if v == nil {
		delete(e.Attrs, key)
		return
	}
	e.Attrs[key] = v
}

func (e *Entity) String(key string) string {
	switch v := e.Attrs[key].(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		b, _ := json.Marshal(v)
		return string(b)
	}
}

func (e *Entity) Bool(key string) bool {
	v, _ := e.Attrs[key].(bool)
	return v
}

// Int returns a numeric attribute; JSON numbers decode as float64.
func (e *Entity) Int(key string) (int64, bool) {
	switch v := e.Attrs[key].(type) {
	case int:
		return int64(v), true
	case int64:
		return v, true
	case int32:
		return int64(v), true
	case float64:
		return int64(v), true
	case jsonitor.Number:
		n, err := v.Int64()
		return n, err == nil
	case string:
		n, err := strconv.ParseInt(v, 10, 64)
		return n, err == nil
	}
	return 0, false
}

// Ref returns the entity id held by a ref attribute.
func (e *Entity) Ref(key string) *int64 {
	id, ok := e.Int(key)
	if !ok {
		return nil
	}
	return &id
}

// MetaValue looks up a gjson path in Meta.
func (e *Entity) MetaValue(path string) gjson.Result {
	b, err := json.Marshal(e.Meta)
	if err != nil {
		return gjson.Result{}
	}
	return gjson.GetBytes(b, path)
}

// SetMeta assigns v at an sjson path in Meta, creating intermediate objects.
func (e *Entity) SetMeta(path string, v any) error {
	if path == "" {
		return ErrInvalidPath
	}
	b, err := json.Marshal(e.Meta)
	if err != nil {
		return ErrSerialization.Err(err)
	}
	if b, err = sjson.SetBytes(b, path, v); err != nil {
		return ErrInvalidPath.MsgErr(path, err)
	}
	meta := map[string]any{}
	if err := json.Unmarshal(b, &meta); err != nil {
		return ErrSerialization.Err(err)
	}
	e.Meta = meta
	return nil
}

// Document renders the entity as JSON for path lookups and indexing.
func (e *Entity) Document() ([]byte, error) {
	doc := map[string]any{
		"id":               e.ID,
		"entity_type":      e.Type,
		"object_key":       e.ObjectKey(),
		"name":             e.Name,
		"slug":             e.Slug,
		"created_at":       e.CreatedAt.UTC().Format(time.RFC3339Nano),
		"updated_at":       e.UpdatedAt.UTC().Format(time.RFC3339Nano),
		"creator_id":       ptrValue(e.CreatorID),
		"owner_id":         ptrValue(e.OwnerID),
		"parent_id":        ptrValue(e.ParentID),
		"inherit_security": e.InheritSecurity,
		"attrs":            e.Attrs,
		"meta":             e.Meta,
	}
	b, err := json.Marshal(doc)
	if err != nil {
		return nil, ErrSerialization.Err(err)
	}
	return b, nil
}

// Lookup evaluates a gjson path over Document.
func (e *Entity) Lookup(path string) gjson.Result {
	b, err := e.Document()
	if err != nil {
		return gjson.Result{}
	}
	return gjson.GetBytes(b, path)
}

func ptrValue(p *int64) any {
	if p == nil {
		return nil
	}
	return *p
}

// CollectionChange is the set of ids added to and removed from a relation.
type CollectionChange struct {
	Added   []int64 `json:"added"`
	Removed []int64 `json:"removed"`
}

func (c *CollectionChange) Empty() bool {
	return c == nil || (len(c.Added) == 0 && len(c.Removed) == 0)
}

func (c *CollectionChange) add(id int64) {
	if i := indexOf(c.Removed, id); i >= 0 {
		c.Removed = append(c.Removed[:i], c.Removed[i+1:]...)
		return
	}
	if indexOf(c.Added, id) < 0 {
		c.Added = append(c.Added, id)
	}
}

func (c *CollectionChange) remove(id int64) {
	if i := indexOf(c.Added, id); i >= 0 {
		c.Added = append(c.Added[:i], c.Added[i+1:]...)
		return
	}
	if indexOf(c.Removed, id) < 0 {
		c.Removed = append(c.Removed, id)
	}
}

func indexOf(ids []int64, id int64) int {
	for i, x := range ids {
		if x == id {
			return i
		}
	}
	return -1
}

// AddRelated appends id to relation rel; written at the next flush. Adding an
// id removed earlier in the same unit of work cancels the removal.
func (e *Entity) AddRelated(rel string, id int64) {
	e.collection(rel).add(id)
}

// RemoveRelated removes id from relation rel at the next flush.
func (e *Entity) RemoveRelated(rel string, id int64) {
	e.collection(rel).remove(id)
}

func (e *Entity) collection(rel string) *CollectionChange {
	if e.pending == nil {
		e.pending = map[string]*CollectionChange{}
	}
	c, ok := e.pending[rel]
	if !ok {
		c = &CollectionChange{}
		e.pending[rel] = c
	}
	return c
}

// PendingCollections returns relation changes not yet flushed.
func (e *Entity) PendingCollections() map[string]*CollectionChange {
	return nonEmpty(e.pending)
}

// FlushedCollections returns the relation changes written by the last flush
// of the entity.
func (e *Entity) FlushedCollections() map[string]*CollectionChange {
	return nonEmpty(e.flushed)
}

func nonEmpty(m map[string]*CollectionChange) map[string]*CollectionChange {
	out := map[string]*CollectionChange{}
	for k, c := range m {
		if !c.Empty() {
			out[k] = c
		}
	}
	return out
}

func (e *Entity) hasPendingCollections() bool {
	for _, c := range e.pending {
		if !c.Empty() {
			return true
		}
	}
	return false
}

// pendingRelations returns the relation names with changes, sorted.
func (e *Entity) pendingRelations() []string {
	var names []string
	for k, c := range e.pending {
		if !c.Empty() {
			names = append(names, k)
		}
	}
	sort.Strings(names)
	return names
}
