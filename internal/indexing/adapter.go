package indexing

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/abilian/abilian-core/internal/db/dbsession"
	"github.com/abilian/abilian-core/internal/entity"
)

// FieldKind is how a document field is analyzed.
type FieldKind string

const (
	// Text fields are analyzed and searched by free-text queries.
	Text FieldKind = "text"
	// Keyword fields are indexed as a single exact term.
	Keyword FieldKind = "keyword"
	Number  FieldKind = "number"
	Date    FieldKind = "date"
)

// FieldSpec declares one field of the documents of an adapter.
type FieldSpec struct {
	Name string
	Kind FieldKind
}

// Adapter renders the entities of one type as index documents.
type Adapter interface {
	EntityType() string
	// Fields lists the fields Document may return in addition to the
	// common ones.
	Fields() []FieldSpec
	Document(ctx context.Context, s *dbsession.Session, e *entity.Entity) (map[string]any, error)
}

// Common document fields.
const (
	FieldObjectType   = "object_type"
	FieldObjectKey    = "object_key"
	FieldID           = "id"
	FieldName         = "name"
	FieldSlug         = "slug"
	FieldText         = "text"
	FieldCreator      = "creator"
	FieldOwner        = "owner"
	FieldParentIDs    = "parent_ids"
	FieldCreatedAt    = "created_at"
	FieldUpdatedAt    = "updated_at"
	FieldAllowedRoles = "allowed_roles_and_users"
)

var commonFields = []FieldSpec{
	{FieldObjectType, Keyword},
	{FieldObjectKey, Keyword},
	{FieldID, Number},
	{FieldName, Text},
	{FieldSlug, Keyword},
	{FieldText, Text},
	{FieldCreator, Keyword},
	{FieldOwner, Keyword},
	{FieldParentIDs, Keyword},
	{FieldCreatedAt, Date},
	{FieldUpdatedAt, Date},
	{FieldAllowedRoles, Keyword},
}

// EntityAdapter indexes the searchable fields declared by an entity type.
// Text attributes are also folded into the "text" field.
type EntityAdapter struct {
	typ *entity.Type
}

func NewEntityAdapter(t *entity.Type) *EntityAdapter {
	return &EntityAdapter{typ: t}
}

func (a *EntityAdapter) EntityType() string { return a.typ.Name }

func (a *EntityAdapter) Fields() []FieldSpec {
	var out []FieldSpec
	for _, name := range a.typ.SearchableFields() {
		f, _ := a.typ.Field(name)
		out = append(out, FieldSpec{Name: attrField(name), Kind: kindOf(f.Kind)})
	}
	return out
}

func (a *EntityAdapter) Document(_ context.Context, _ *dbsession.Session, e *entity.Entity) (map[string]any, error) {
	doc := map[string]any{}
	var text []string
	for _, name := range a.typ.SearchableFields() {
		v := e.Get(name)
		if v == nil {
			continue
		}
		f, _ := a.typ.Field(name)
		switch kindOf(f.Kind) {
		case Text, Keyword:
			s := fmt.Sprint(v)
			if s == "" {
				continue
			}
			doc[attrField(name)] = s
			if f.Kind == entity.KindText {
				text = append(text, s)
			}
		default:
			doc[attrField(name)] = v
		}
	}
	if len(text) > 0 {
		doc[FieldText] = strings.Join(text, "\n")
	}
	return doc, nil
}

// attrField keeps attribute names apart from the common fields.
func attrField(name string) string {
	return "attr_" + name
}

func kindOf(k entity.FieldKind) FieldKind {
	switch k {
	case entity.KindText:
		return Text
	case entity.KindInt, entity.KindFloat:
		return Number
	case entity.KindTime:
		return Date
	}
	return Keyword
}

// baseDocument holds the fields every indexed entity carries.
func baseDocument(e *entity.Entity, ancestors []int64) map[string]any {
	doc := map[string]any{
		FieldObjectType: e.Type,
		FieldObjectKey:  e.ObjectKey(),
		FieldID:         e.ID,
		FieldName:       e.Name,
		FieldCreatedAt:  e.CreatedAt.UTC(),
		FieldUpdatedAt:  e.UpdatedAt.UTC(),
	}
	if e.Slug != "" {
		doc[FieldSlug] = e.Slug
	}
	if e.CreatorID != nil {
		doc[FieldCreator] = userTerm(*e.CreatorID)
	}
	if e.OwnerID != nil {
		doc[FieldOwner] = userTerm(*e.OwnerID)
	}
	if len(ancestors) > 0 {
		ids := make([]string, len(ancestors))
		for i, id := range ancestors {
			ids[i] = strconv.FormatInt(id, 10)
		}
		doc[FieldParentIDs] = ids
	}
	if e.CreatedAt.IsZero() {
		delete(doc, FieldCreatedAt)
	}
	if e.UpdatedAt.IsZero() {
		delete(doc, FieldUpdatedAt)
	}
	return doc
}

func userTerm(id int64) string {
	return "user:" + strconv.FormatInt(id, 10)
}

// merge copies the adapter fields over the base document. Adapters cannot
// replace the identity fields.
func merge(base, extra map[string]any) map[string]any {
	for k, v := range extra {
		switch k {
		case FieldObjectType, FieldObjectKey, FieldID, FieldAllowedRoles:
			continue
		case FieldText:
			if prev, ok := base[k].(string); ok && prev != "" {
				v = prev + "\n" + fmt.Sprint(v)
			}
		}
		base[k] = v
	}
	return base
}

// splitObjectKey parses "<entity_type>:<id>".
func splitObjectKey(key string) (string, int64, bool) {
	i := strings.LastIndexByte(key, ':')
	if i <= 0 {
		return "", 0, false
	}
	id, err := strconv.ParseInt(key[i+1:], 10, 64)
	if err != nil {
		return "", 0, false
	}
	return key[:i], id, true
}
