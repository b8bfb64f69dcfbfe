package entity

import (
	"bytes"
	"fmt"
	"io"
	"regexp"
	"sort"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/tidwall/gjson"
)

// FieldKind is the storage kind of a declared attribute.
type FieldKind string

const (
	KindText  FieldKind = "text"
	KindInt   FieldKind = "int"
	KindFloat FieldKind = "float"
	KindBool  FieldKind = "bool"
	KindTime  FieldKind = "time"
	KindJSON  FieldKind = "json"
	// KindBlob holds the uuid of a Blob row.
	KindBlob FieldKind = "blob"
	// KindRef holds the id of another entity.
	KindRef FieldKind = "ref"
)

// Capability marks what an entity type supports.
type Capability string

const (
	Tagging     Capability = "tagging"
	Attachments Capability = "attachments"
	Comments    Capability = "comments"
	// Inheritance lets an instance toggle InheritSecurity through the
	// security service.
	Inheritance Capability = "inherit_security"
)

// Field declares an attribute stored in Entity.Attrs.
type Field struct {
	Name string    `validate:"required,attrName"`
	Kind FieldKind `validate:"required,oneof=text int float bool time json blob ref"`
	// NotAuditable excludes the field from audit entries.
	NotAuditable bool
	// HideContent records changes as "******" (passwords).
	HideContent bool
	// Owned blobs are deleted with the entity.
	Owned bool
	// Searchable fields are copied into the indexed text.
	Searchable bool
}

// Relation declares a many-to-many collection stored in entity_relations.
type Relation struct {
	Name string `validate:"required,attrName"`
	// Target is the entity type of the related entities; empty allows any.
	Target       string
	NotAuditable bool
}

// RelatedAudit logs the changes of an entity against another one: the entity
// reached by walking Path. Label is built from Backref and the values at
// EndUserIDs, which are gjson paths over the entity document.
type RelatedAudit struct {
	Path       string `validate:"required"`
	Backref    string `validate:"required"`
	EndUserIDs []string
}

// Type describes one registered entity type.
type Type struct {
	// Name is the stable entity_type tag, e.g. "app.crm.Contact".
	Name         string        `validate:"required,typeName"`
	Fields       []Field       `validate:"dive"`
	Relations    []Relation    `validate:"dive"`
	RelatedAudit *RelatedAudit `validate:"omitempty"`
	Capabilities []Capability
	// NotAuditable types produce no audit entries.
	NotAuditable bool
	// Schema is an optional JSON schema the attributes must satisfy at flush.
	Schema string `validate:"omitempty,jsonSchema"`

	schema *jsonschema.Schema
	fields map[string]*Field
}

// Field returns the declared field name.
func (t *Type) Field(name string) (*Field, bool) {
	f, ok := t.fields[name]
	return f, ok
}

// Relation returns the declared relation name.
func (t *Type) Relation(name string) (*Relation, bool) {
	for i := range t.Relations {
		if t.Relations[i].Name == name {
			return &t.Relations[i], true
		}
	}
	return nil, false
}

// Has reports whether the type declares capability c.
func (t *Type) Has(c Capability) bool {
	for _, x := range t.Capabilities {
		if x == c {
			return true
		}
	}
	return false
}

// OwnedBlobFields returns the blob fields deleted together with the entity.
func (t *Type) OwnedBlobFields() []string {
	var out []string
	for _, f := range t.Fields {
		if f.Kind == KindBlob && f.Owned {
			out = append(out, f.Name)
		}
	}
	return out
}

// SearchableFields returns the fields copied into the full-text document.
func (t *Type) SearchableFields() []string {
	var out []string
	for _, f := range t.Fields {
		if f.Searchable {
			out = append(out, f.Name)
		}
	}
	return out
}

// ValidateAttrs checks attrs against the type schema, if any.
func (t *Type) ValidateAttrs(attrs map[string]any) error {
	if t.schema == nil {
		return nil
	}
	doc, err := normalizeForSchema(attrs)
	if err != nil {
		return ErrSerialization.Err(err)
	}
	if err := t.schema.Validate(doc); err != nil {
		return ErrSchemaViolation.MsgErr(fmt.Sprintf("%s: %v", t.Name, err), err)
	}
	return nil
}

// Registry maps entity_type tags to their Type.
type Registry struct {
	mu    sync.RWMutex
	types map[string]*Type
}

func NewRegistry() *Registry {
	return &Registry{types: make(map[string]*Type)}
}

// Register validates t and adds it to the registry.
func (r *Registry) Register(t Type) (*Type, error) {
	if err := typeValidator().Struct(t); err != nil {
		return nil, ErrInvalidType.MsgErr(t.Name, err)
	}
	t.fields = make(map[string]*Field, len(t.Fields))
	for i := range t.Fields {
		f := &t.Fields[i]
		if _, dup := t.fields[f.Name]; dup || isColumn(f.Name) {
			return nil, ErrInvalidType.Msg(fmt.Sprintf("%s: duplicate field %q", t.Name, f.Name))
		}
		t.fields[f.Name] = f
	}
	if t.Schema != "" {
		compiled, err := compileSchema(t.Schema)
		if err != nil {
			return nil, ErrInvalidType.MsgErr(t.Name, err)
		}
		t.schema = compiled
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.types[t.Name]; ok {
		return nil, ErrTypeExists.Msg(t.Name)
	}
	stored := t
	r.types[t.Name] = &stored
	return &stored, nil
}

// MustRegister is Register for package initialization.
func (r *Registry) MustRegister(t Type) *Type {
	registered, err := r.Register(t)
	if err != nil {
		panic(err)
	}
	return registered
}

// Lookup returns the type registered under name.
func (r *Registry) Lookup(name string) (*Type, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.types[name]
	return t, ok
}

// TypeOf returns the registered type of e.
func (r *Registry) TypeOf(e *Entity) (*Type, error) {
	if e == nil {
		return nil, ErrNotAnEntity
	}
	t, ok := r.Lookup(e.Type)
	if !ok {
		return nil, ErrUnknownType.Msg(e.Type)
	}
	return t, nil
}

// Names returns the registered type names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.types))
	for n := range r.types {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Supports reports whether e is a persisted instance of a registered type
// declaring capability c.
func (r *Registry) Supports(e *Entity, c Capability) bool {
	if e == nil || !e.IsPersisted() {
		return false
	}
	t, ok := r.Lookup(e.Type)
	return ok && t.Has(c)
}

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

const (
	typeNameRegex = `^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)*$`
	attrNameRegex = `^[a-z_][a-z0-9_]*$`
)

var (
	typeNameRe = regexp.MustCompile(typeNameRegex)
	attrNameRe = regexp.MustCompile(attrNameRegex)
)

func typeValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		validate.RegisterValidation("typeName", func(fl validator.FieldLevel) bool {
			return typeNameRe.MatchString(fl.Field().String())
		})
		validate.RegisterValidation("attrName", func(fl validator.FieldLevel) bool {
			return attrNameRe.MatchString(fl.Field().String())
		})
		validate.RegisterValidation("jsonSchema", func(fl validator.FieldLevel) bool {
			_, err := compileSchema(fl.Field().String())
			return err == nil
		})
	})
	return validate
}

func compileSchema(schema string) (*jsonschema.Schema, error) {
	if !gjson.Valid(schema) {
		return nil, fmt.Errorf("invalid JSON schema")
	}
	compiler := jsonschema.NewCompiler()
	compiler.LoadURL = func(url string) (io.ReadCloser, error) {
		if url == "inline://schema" {
			return io.NopCloser(bytes.NewReader([]byte(schema))), nil
		}
		return nil, fmt.Errorf("unsupported schema ref: %s", url)
	}
	if err := compiler.AddResource("inline://schema", bytes.NewReader([]byte(schema))); err != nil {
		return nil, fmt.Errorf("failed to add schema resource: %w", err)
	}
	return compiler.Compile("inline://schema")
}

func normalizeForSchema(attrs map[string]any) (any, error) {
	if attrs == nil {
		attrs = map[string]any{}
	}
	b, err := json.Marshal(attrs)
	if err != nil {
		return nil, err
	}
	var doc any
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}
