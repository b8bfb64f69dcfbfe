package entity

import (
	"context"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abilian/abilian-core/internal/common/apperrors"
	"github.com/abilian/abilian-core/internal/common/opcontext"
	"github.com/abilian/abilian-core/internal/db/dbmanager"
	"github.com/abilian/abilian-core/internal/db/dbsession"
	"github.com/abilian/abilian-core/internal/db/migrations"
)

const (
	folderType   = "test.Folder"
	documentType = "test.Document"
)

type fixture struct {
	db      *dbmanager.DB
	events  *dbsession.Events
	mappers *dbsession.Mappers
	reg     *Registry
	clock   *testclock.Clock
	ctx     context.Context
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	db, err := dbmanager.Open(ctx, "sqlite://"+filepath.Join(t.TempDir(), "entity.db"), dbmanager.PoolConfig{})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, migrations.Up(ctx, db))

	f := &fixture{
		db:      db,
		events:  dbsession.NewEvents(),
		mappers: dbsession.NewMappers(),
		reg:     NewRegistry(),
		clock:   testclock.NewClock(time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)),
	}
	f.reg.MustRegister(Type{Name: folderType, Capabilities: []Capability{Attachments}})
	f.reg.MustRegister(Type{
		Name: documentType,
		Fields: []Field{
			{Name: "title", Kind: KindText, Searchable: true},
			{Name: "size", Kind: KindInt},
			{Name: "folder", Kind: KindRef},
		},
		Relations: []Relation{{Name: "related"}},
		Schema:    `{"type": "object", "properties": {"size": {"type": "integer", "minimum": 0}}}`,
	})
	Register(f.events, f.mappers, f.reg)
	f.ctx = opcontext.With(ctx, opcontext.ForUser(42).WithClock(f.clock))
	return f
}

func (f *fixture) session(t *testing.T) *dbsession.Session {
	s := dbsession.New(f.db, f.events, f.mappers)
	t.Cleanup(func() { s.Close(context.Background()) })
	return s
}

func TestSlugify(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Hello World", "hello-world"},
		{"  Ça va, Élodie ? ", "ca-va-elodie"},
		{"Rapport 2024 -- final!", "rapport-2024-final"},
		{"", ""},
		{"---", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Slugify(tt.in), tt.in)
	}
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry()
	typ, err := reg.Register(Type{Name: "app.crm.Contact", Fields: []Field{{Name: "email", Kind: KindText}}})
	require.NoError(t, err)
	f, ok := typ.Field("email")
	require.True(t, ok)
	assert.Equal(t, KindText, f.Kind)

	_, err = reg.Register(Type{Name: "app.crm.Contact"})
	assert.ErrorIs(t, err, ErrTypeExists)
	assert.True(t, apperrors.IsKind(err, apperrors.KindConflict))

	_, err = reg.Register(Type{Name: "not a name"})
	assert.ErrorIs(t, err, ErrInvalidType)

	_, err = reg.Register(Type{Name: "app.X", Fields: []Field{{Name: "name", Kind: KindText}}})
	assert.ErrorIs(t, err, ErrInvalidType, "columns cannot be redeclared as fields")

	_, err = reg.Register(Type{Name: "app.Y", Fields: []Field{{Name: "a", Kind: "weird"}}})
	assert.ErrorIs(t, err, ErrInvalidType)

	_, err = reg.Register(Type{Name: "app.Z", Schema: `{"type": `})
	assert.ErrorIs(t, err, ErrInvalidType)

	assert.Equal(t, []string{"app.crm.Contact"}, reg.Names())
}

func TestSupportsRequiresPersistence(t *testing.T) {
	f := newFixture(t)
	s := f.session(t)

	folder := New(folderType)
	assert.False(t, f.reg.Supports(folder, Attachments))
	require.NoError(t, s.Add(folder))
	require.NoError(t, s.Flush(f.ctx))
	assert.True(t, f.reg.Supports(folder, Attachments))
	assert.False(t, f.reg.Supports(folder, Comments))
	assert.False(t, f.reg.Supports(nil, Attachments))
}

func TestInsertDefaults(t *testing.T) {
	f := newFixture(t)
	s := f.session(t)

	doc := New(documentType)
	doc.Name = "Quarterly Report"
	require.NoError(t, s.Add(doc))
	require.NoError(t, s.Commit(f.ctx))

	assert.True(t, doc.IsPersisted())
	assert.NotZero(t, doc.ID)
	assert.Equal(t, documentType+":"+itoa(doc.ID), doc.ObjectKey())
	assert.Equal(t, "quarterly-report", doc.Slug)
	assert.Equal(t, f.clock.Now(), doc.CreatedAt)
	assert.Equal(t, doc.CreatedAt, doc.UpdatedAt)
	require.NotNil(t, doc.CreatorID)
	require.NotNil(t, doc.OwnerID)
	assert.EqualValues(t, 42, *doc.CreatorID)
	assert.EqualValues(t, 42, *doc.OwnerID)

	s2 := f.session(t)
	loaded, err := Get(f.ctx, s2, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, doc.Name, loaded.Name)
	assert.True(t, doc.CreatedAt.Equal(loaded.CreatedAt))
	assert.True(t, loaded.InheritSecurity)
}

func TestAnonymousInsertDefaultsToSystemUser(t *testing.T) {
	f := newFixture(t)
	s := f.session(t)
	ctx := opcontext.With(context.Background(), opcontext.Anonymous().WithClock(f.clock))

	folder := New(folderType)
	require.NoError(t, s.Add(folder))
	require.NoError(t, s.Commit(ctx))
	require.NotNil(t, folder.OwnerID)
	assert.EqualValues(t, opcontext.SystemUserID, *folder.OwnerID)
}

func TestUpdateRefreshesSlugAndTimestamp(t *testing.T) {
	f := newFixture(t)
	s := f.session(t)

	doc := New(documentType)
	doc.Name = "Draft"
	pinned := New(documentType)
	pinned.Name = "Pinned"
	pinned.SetSlug("fixed")
	require.NoError(t, s.Add(doc))
	require.NoError(t, s.Add(pinned))
	require.NoError(t, s.Commit(f.ctx))
	created := doc.CreatedAt

	f.clock.Advance(time.Hour)
	doc.SetName("Final Version")
	pinned.SetName("Pinned Again")
	require.NoError(t, s.Commit(f.ctx))

	assert.Equal(t, "final-version", doc.Slug)
	assert.Equal(t, "fixed", pinned.Slug)
	assert.Equal(t, created, doc.CreatedAt)
	assert.Equal(t, created.Add(time.Hour), doc.UpdatedAt)

	// unchanged entities are not rewritten
	f.clock.Advance(time.Hour)
	require.NoError(t, s.Commit(f.ctx))
	assert.Equal(t, created.Add(time.Hour), doc.UpdatedAt)

	s2 := f.session(t)
	loaded, err := Get(f.ctx, s2, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, "final-version", loaded.Slug)
	loaded.SetName("Renamed Once More")
	require.NoError(t, s2.Commit(f.ctx))
	assert.Equal(t, "renamed-once-more", loaded.Slug)
}

func TestFindAndCount(t *testing.T) {
	f := newFixture(t)
	s := f.session(t)

	folder := New(folderType)
	folder.Name = "root"
	require.NoError(t, s.Add(folder))
	for i, title := range []string{"alpha", "beta", "gamma"} {
		d := New(documentType)
		d.Name = title
		d.Set("title", title)
		d.Set("size", i*10)
		require.NoError(t, s.Add(d))
	}

	docs, err := Find(f.ctx, s, Query{Types: []string{documentType}})
	require.NoError(t, err)
	require.Len(t, docs, 3)
	assert.Equal(t, "alpha", docs[0].Name)

	n, err := Count(f.ctx, s, Query{})
	require.NoError(t, err)
	assert.Equal(t, 5, n, "system user, folder and three documents")

	beta, err := Find(f.ctx, s, Query{Where: []Predicate{AttrEquals(s.Dialect(), "title", "beta")}})
	require.NoError(t, err)
	require.Len(t, beta, 1)
	assert.Same(t, docs[1], beta[0], "the identity map returns the attached instance")

	page, err := Find(f.ctx, s, Query{Types: []string{documentType}, OrderBy: "e.name DESC", Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "beta", page[0].Name)

	_, err = Get(f.ctx, s, 9999)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = GetTyped(f.ctx, s, folderType, docs[0].ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSchemaValidation(t *testing.T) {
	f := newFixture(t)
	s := f.session(t)

	d := New(documentType)
	d.Set("size", -1)
	require.NoError(t, s.Add(d))
	err := s.Flush(f.ctx)
	assert.ErrorIs(t, err, ErrSchemaViolation)
	assert.False(t, s.InTransaction())
}

func TestRelations(t *testing.T) {
	f := newFixture(t)
	s := f.session(t)

	a, b, c := New(documentType), New(documentType), New(documentType)
	for _, e := range []*Entity{a, b, c} {
		require.NoError(t, s.Add(e))
	}
	require.NoError(t, s.Flush(f.ctx))

	a.AddRelated("related", b.ID)
	a.AddRelated("related", c.ID)
	a.RemoveRelated("related", c.ID)
	assert.Equal(t, []int64{b.ID}, a.PendingCollections()["related"].Added)
	assert.True(t, s.IsModified(a))

	require.NoError(t, s.Flush(f.ctx))
	assert.Empty(t, a.PendingCollections())
	assert.Equal(t, []int64{b.ID}, a.FlushedCollections()["related"].Added)

	ids, err := Related(f.ctx, s, a, "related")
	require.NoError(t, err)
	assert.Equal(t, []int64{b.ID}, ids)

	from, err := RelatedFrom(f.ctx, s, "related", b.ID)
	require.NoError(t, err)
	assert.Equal(t, []int64{a.ID}, from)

	a.RemoveRelated("related", b.ID)
	a.AddRelated("related", c.ID)
	ids, err = Related(f.ctx, s, a, "related")
	require.NoError(t, err)
	assert.Equal(t, []int64{c.ID}, ids)
	require.NoError(t, s.Commit(f.ctx))

	// deleting the target cascades the relation row
	require.NoError(t, s.Delete(c))
	require.NoError(t, s.Commit(f.ctx))
	ids, err = Related(f.ctx, s, a, "related")
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestDeleteKeepsIdentityForListeners(t *testing.T) {
	f := newFixture(t)
	var deletedKeys []string
	f.events.OnAfterFlush(func(_ context.Context, _ *dbsession.Session, fc *dbsession.FlushContext) error {
		for _, ch := range fc.Deleted {
			deletedKeys = append(deletedKeys, ch.Object.(*Entity).ObjectKey())
		}
		return nil
	})
	s := f.session(t)

	d := New(documentType)
	require.NoError(t, s.Add(d))
	require.NoError(t, s.Commit(f.ctx))
	key := d.ObjectKey()
	require.NoError(t, s.Delete(d))
	require.NoError(t, s.Commit(f.ctx))
	assert.True(t, d.IsDeleted())
	assert.Equal(t, []string{key}, deletedKeys)

	_, err := Get(f.ctx, s, d.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestImmutableType(t *testing.T) {
	f := newFixture(t)
	s := f.session(t)
	d := New(documentType)
	require.NoError(t, s.Add(d))
	require.NoError(t, s.Commit(f.ctx))

	d.Type = folderType
	err := s.Commit(f.ctx)
	assert.ErrorIs(t, err, ErrImmutable)
}

func TestResolveAndAncestors(t *testing.T) {
	f := newFixture(t)
	s := f.session(t)

	root := New(folderType)
	root.Name = "root"
	root.SetOwner(opcontext.SystemUserID)
	require.NoError(t, s.Add(root))
	require.NoError(t, s.Flush(f.ctx))
	child := New(folderType)
	child.SetParent(root)
	require.NoError(t, s.Add(child))
	require.NoError(t, s.Flush(f.ctx))
	doc := New(documentType)
	doc.SetParent(child)
	doc.Set("folder", child.ID)
	require.NoError(t, s.Add(doc))
	require.NoError(t, s.Flush(f.ctx))

	got, err := Resolve(f.ctx, s, doc, "folder.parent")
	require.NoError(t, err)
	assert.Same(t, root, got)

	owner, err := Resolve(f.ctx, s, doc, "parent.parent.owner")
	require.NoError(t, err)
	require.NotNil(t, owner)
	assert.Equal(t, "system", owner.Name)

	none, err := Resolve(f.ctx, s, root, "parent")
	require.NoError(t, err)
	assert.Nil(t, none)

	_, err = Resolve(f.ctx, s, doc, "parent..owner")
	assert.ErrorIs(t, err, ErrInvalidPath)

	chain, err := Ancestors(f.ctx, s, doc)
	require.NoError(t, err)
	require.Len(t, chain, 2)
	assert.Same(t, child, chain[0])
	assert.Same(t, root, chain[1])
}

func TestMetaPaths(t *testing.T) {
	e := New(documentType)
	require.NoError(t, e.SetMeta("display.color", "blue"))
	require.NoError(t, e.SetMeta("tags", []string{"a", "b"}))
	assert.Equal(t, "blue", e.MetaValue("display.color").String())
	assert.Equal(t, "b", e.MetaValue("tags.1").String())
	assert.ErrorIs(t, e.SetMeta("", 1), ErrInvalidPath)

	e.Name = "doc"
	assert.Equal(t, "doc", e.Lookup("name").String())
	assert.Equal(t, "blue", e.Lookup("meta.display.color").String())
}

func TestDiffAndEqual(t *testing.T) {
	assert.True(t, Equal(1, 1.0))
	assert.True(t, Equal(map[string]any{"a": 1, "b": 2}, map[string]any{"b": 2.0, "a": 1}))
	assert.False(t, Equal("1", 1))
	assert.True(t, Equal(nil, nil))
	assert.False(t, Equal(nil, ""))

	e := New(documentType)
	e.ID = 3
	e.Name = "before"
	e.Set("title", "t1")
	e.Set("size", 1)
	snap := TakeSnapshot(e)
	assert.False(t, snap.Modified(e))

	e.Name = "after"
	e.Set("size", 1.0)
	e.Set("title", nil)
	e.Set("extra", true)
	assert.True(t, snap.Modified(e))

	changes := Diff(snap, e)
	require.Len(t, changes, 3)
	assert.Equal(t, FieldChange{Name: "name", Old: "before", New: "after"}, changes[0])
	assert.Equal(t, FieldChange{Name: "extra", Old: nil, New: true}, changes[1])
	assert.Equal(t, FieldChange{Name: "title", Old: "t1", New: nil}, changes[2])
}

func TestCollectionChangeCancellation(t *testing.T) {
	c := &CollectionChange{}
	c.add(1)
	c.remove(1)
	assert.True(t, c.Empty())
	c.remove(2)
	c.add(2)
	assert.True(t, c.Empty())
	c.add(3)
	c.add(3)
	assert.Equal(t, []int64{3}, c.Added)
}

func itoa(id int64) string {
	return strconv.FormatInt(id, 10)
}
