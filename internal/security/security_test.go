package security

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abilian/abilian-core/internal/audit"
	"github.com/abilian/abilian-core/internal/common/apperrors"
	"github.com/abilian/abilian-core/internal/common/opcontext"
	"github.com/abilian/abilian-core/internal/db/dbmanager"
	"github.com/abilian/abilian-core/internal/db/dbsession"
	"github.com/abilian/abilian-core/internal/db/migrations"
	"github.com/abilian/abilian-core/internal/entity"
	"github.com/abilian/abilian-core/internal/metrics"
	"github.com/abilian/abilian-core/internal/subjects"
)

const folderType = "test.Folder"

type fixture struct {
	svc     *Service
	metrics *metrics.Metrics
	s       *dbsession.Session
	ctx     context.Context
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	db, err := dbmanager.Open(ctx, "sqlite://"+filepath.Join(t.TempDir(), "security.db"), dbmanager.PoolConfig{})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, migrations.Up(ctx, db))

	reg := entity.NewRegistry()
	subjects.RegisterTypes(reg)
	reg.MustRegister(entity.Type{
		Name:         folderType,
		Fields:       []entity.Field{{Name: "title", Kind: entity.KindText}},
		Capabilities: []entity.Capability{entity.Inheritance},
	})
	events, mappers := dbsession.NewEvents(), dbsession.NewMappers()
	entity.Register(events, mappers, reg)
	f := &fixture{metrics: metrics.New()}
	f.svc = New(reg, f.metrics)
	f.svc.Register(events)
	f.s = dbsession.New(db, events, mappers)
	t.Cleanup(func() { f.s.Close(ctx) })
	f.ctx = opcontext.With(ctx, opcontext.System())
	return f
}

func (f *fixture) user(t *testing.T, email string) *subjects.User {
	t.Helper()
	u := subjects.NewUser(email)
	require.NoError(t, f.s.Add(u.Entity))
	require.NoError(t, f.s.Flush(f.ctx))
	return u
}

func (f *fixture) group(t *testing.T, name string, members ...*subjects.User) *subjects.Group {
	t.Helper()
	g := subjects.NewGroup(name)
	require.NoError(t, f.s.Add(g.Entity))
	require.NoError(t, f.s.Flush(f.ctx))
	for _, u := range members {
		g.AddMember(u)
	}
	require.NoError(t, f.s.Flush(f.ctx))
	return g
}

func (f *fixture) folder(t *testing.T, name string, parent *entity.Entity) *entity.Entity {
	t.Helper()
	e := entity.New(folderType)
	e.SetName(name)
	e.SetParent(parent)
	require.NoError(t, f.s.Add(e))
	require.NoError(t, f.s.Flush(f.ctx))
	return e
}

func TestOwnerNeedsPermissionAssignment(t *testing.T) {
	f := newFixture(t)
	u := f.user(t, "owner@example.com")
	doc := f.folder(t, "doc", nil)
	doc.SetOwner(u.ID)
	require.NoError(t, f.s.Flush(f.ctx))

	assert.True(t, f.svc.HasRole(f.ctx, f.s, u, doc, Owner))
	assert.False(t, f.svc.HasPermission(f.ctx, f.s, u, WRITE, doc))

	require.NoError(t, f.svc.AddPermission(f.ctx, f.s, WRITE, Owner, nil))
	assert.True(t, f.svc.HasPermission(f.ctx, f.s, u, WRITE, doc))
	assert.False(t, f.svc.HasPermission(f.ctx, f.s, u, MANAGE, doc))

	other := f.folder(t, "other", nil)
	assert.False(t, f.svc.HasPermission(f.ctx, f.s, u, WRITE, other), "owner of another entity")

	require.NoError(t, f.svc.DeletePermission(f.ctx, f.s, WRITE, Owner, nil))
	require.NoError(t, f.svc.AddPermission(f.ctx, f.s, WRITE, Owner, doc))
	assert.True(t, f.svc.HasPermission(f.ctx, f.s, u, WRITE, doc))
	assert.False(t, f.svc.HasPermission(f.ctx, f.s, u, WRITE, other))
}

func TestInheritedPermission(t *testing.T) {
	f := newFixture(t)
	u := f.user(t, "reader@example.com")
	parent := f.folder(t, "G", nil)
	child := f.folder(t, "F", parent)
	require.True(t, child.InheritSecurity)

	require.NoError(t, f.svc.GrantRole(f.ctx, f.s, u, Reader, parent))
	assert.True(t, f.svc.HasPermission(f.ctx, f.s, u, READ, parent))
	assert.True(t, f.svc.HasPermission(f.ctx, f.s, u, READ, child, WithInherit()))
	assert.False(t, f.svc.HasPermission(f.ctx, f.s, u, READ, child))
	assert.False(t, f.svc.HasPermission(f.ctx, f.s, u, WRITE, child, WithInherit()))

	require.NoError(t, f.svc.SetInheritSecurity(f.ctx, f.s, child, false))
	assert.False(t, f.svc.HasPermission(f.ctx, f.s, u, READ, child, WithInherit()))

	// The walk stops above the first level not inheriting.
	require.NoError(t, f.svc.SetInheritSecurity(f.ctx, f.s, child, true))
	grandchild := f.folder(t, "E", child)
	assert.True(t, f.svc.HasPermission(f.ctx, f.s, u, READ, grandchild, WithInherit()))
	child.InheritSecurity = false
	require.NoError(t, f.s.Flush(f.ctx))
	assert.False(t, f.svc.HasPermission(f.ctx, f.s, u, READ, grandchild, WithInherit()))
}

func TestHasRole(t *testing.T) {
	f := newFixture(t)
	alice, bob := f.user(t, "alice@example.com"), f.user(t, "bob@example.com")
	staff := f.group(t, "staff", alice)
	doc := f.folder(t, "doc", nil)

	sys, err := subjects.SystemUser(f.ctx, f.s)
	require.NoError(t, err)
	assert.True(t, f.svc.HasRole(f.ctx, f.s, sys, nil, Reader))

	assert.True(t, f.svc.HasRole(f.ctx, f.s, subjects.Anonymous, nil, Anonymous))
	assert.False(t, f.svc.HasRole(f.ctx, f.s, subjects.Anonymous, nil, Authenticated))
	assert.True(t, f.svc.HasRole(f.ctx, f.s, alice, nil, Authenticated))
	assert.False(t, f.svc.HasRole(f.ctx, f.s, alice, nil, Reader))

	require.NoError(t, f.svc.GrantRole(f.ctx, f.s, staff, Reader, doc))
	assert.True(t, f.svc.HasRole(f.ctx, f.s, alice, doc, Reader), "through group")
	assert.False(t, f.svc.HasRole(f.ctx, f.s, alice, nil, Reader), "object scoped")
	assert.False(t, f.svc.HasRole(f.ctx, f.s, bob, doc, Reader))

	require.NoError(t, f.svc.GrantRole(f.ctx, f.s, bob, Manager, nil))
	assert.True(t, f.svc.HasRole(f.ctx, f.s, bob, doc, Writer), "manager satisfies any role")

	require.NoError(t, f.svc.GrantRole(f.ctx, f.s, subjects.Anonymous, Writer, nil))
	assert.True(t, f.svc.HasRole(f.ctx, f.s, alice, nil, Writer), "granted to everybody")
	assert.True(t, f.svc.HasRole(f.ctx, f.s, subjects.Anonymous, nil, Writer))

	require.NoError(t, f.svc.UngrantRole(f.ctx, f.s, subjects.Anonymous, Writer, nil))
	assert.False(t, f.svc.HasRole(f.ctx, f.s, alice, nil, Writer))

	n, err := testutil.GatherAndCount(f.metrics.Registry(), "abilian_security_checks_total")
	require.NoError(t, err)
	assert.Equal(t, 2, n, "allowed and denied series")
}

func TestGrantIsIdempotentAndAudited(t *testing.T) {
	f := newFixture(t)
	u := f.user(t, "jane@example.com")
	doc := f.folder(t, "doc", nil)

	require.NoError(t, f.svc.GrantRole(f.ctx, f.s, u, Writer, doc))
	require.NoError(t, f.svc.GrantRole(f.ctx, f.s, u, Writer, doc))
	var n int
	require.NoError(t, f.s.QueryRowContext(f.ctx, "SELECT COUNT(*) FROM role_assignments").Scan(&n))
	assert.Equal(t, 1, n)
	assert.True(t, f.svc.HasRole(f.ctx, f.s, u, doc, Writer))

	require.NoError(t, f.svc.UngrantRole(f.ctx, f.s, u, Writer, doc))
	require.NoError(t, f.svc.UngrantRole(f.ctx, f.s, u, Writer, doc))
	assert.False(t, f.svc.HasRole(f.ctx, f.s, u, doc, Writer))

	entries, err := audit.SecurityEntries(f.ctx, f.s, audit.SecurityFilter{UserID: &u.ID})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, audit.Grant, entries[0].Op)
	assert.Equal(t, audit.Revoke, entries[1].Op)
	assert.Equal(t, "writer", entries[0].Role)
	assert.Equal(t, doc.ID, *entries[0].ObjectID)
	assert.Equal(t, folderType, entries[0].ObjectType)
	require.NotNil(t, entries[0].ManagerID)
	assert.Equal(t, opcontext.SystemUserID, *entries[0].ManagerID)

	require.NoError(t, f.svc.AddPermission(f.ctx, f.s, READ, Owner, nil))
	require.NoError(t, f.svc.AddPermission(f.ctx, f.s, READ, Owner, nil))
	pas, err := f.svc.GetPermissionAssignments(f.ctx, f.s, nil)
	require.NoError(t, err)
	assert.Equal(t, map[Permission][]Role{READ: {Owner}}, pas)
	all, err := audit.SecurityEntries(f.ctx, f.s, audit.SecurityFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2, "permission assignments are not logged")
}

func TestGroupGrantInvalidatesMembers(t *testing.T) {
	f := newFixture(t)
	alice := f.user(t, "alice@example.com")
	staff := f.group(t, "staff", alice)

	assert.False(t, f.svc.HasRole(f.ctx, f.s, alice, nil, Reader))
	require.NoError(t, f.svc.GrantRole(f.ctx, f.s, staff, Reader, nil))
	assert.True(t, f.svc.HasRole(f.ctx, f.s, alice, nil, Reader))

	bob := f.user(t, "bob@example.com")
	assert.False(t, f.svc.HasRole(f.ctx, f.s, bob, nil, Reader))
	staff.AddMember(bob)
	require.NoError(t, f.s.Flush(f.ctx))
	assert.True(t, f.svc.HasRole(f.ctx, f.s, bob, nil, Reader), "membership change drops the cache")

	carol := f.user(t, "carol@example.com")
	assert.False(t, f.svc.HasRole(f.ctx, f.s, carol, nil, Reader))
	staff.AddMember(carol)
	assert.True(t, f.svc.HasRole(f.ctx, f.s, carol, nil, Reader), "pending membership is flushed before the check")

	require.NoError(t, f.svc.UngrantRole(f.ctx, f.s, staff, Reader, nil))
	assert.False(t, f.svc.HasRole(f.ctx, f.s, alice, nil, Reader))
	assert.False(t, f.svc.HasRole(f.ctx, f.s, bob, nil, Reader))
	assert.False(t, f.svc.HasRole(f.ctx, f.s, carol, nil, Reader))
}

func TestInvalidArguments(t *testing.T) {
	f := newFixture(t)
	u := f.user(t, "jane@example.com")

	err := f.svc.GrantRole(f.ctx, f.s, u, Role("emperor"), nil)
	assert.ErrorIs(t, err, ErrUnknownRole)
	assert.True(t, apperrors.IsKind(err, apperrors.KindInvalidArgument))
	assert.ErrorIs(t, f.svc.GrantRole(f.ctx, f.s, u, Owner, nil), ErrNotAssignable)
	assert.ErrorIs(t, f.svc.AddPermission(f.ctx, f.s, Permission("fly"), Reader, nil), ErrUnknownPermission)
	assert.ErrorIs(t, f.svc.GrantRole(f.ctx, f.s, u, Reader, entity.New(folderType)), ErrNotAnEntity)
	assert.ErrorIs(t, f.svc.GrantRole(f.ctx, f.s, subjects.NewUser("x@example.com"), Reader, nil), ErrInvalidPrincipal)

	_, err = ParseRole("Emperor")
	assert.ErrorIs(t, err, ErrUnknownRole)
	r, err := ParseRole(" Reader ")
	require.NoError(t, err)
	assert.Equal(t, Reader, r)

	custom, err := RegisterRole("Editor")
	require.NoError(t, err)
	assert.Equal(t, Role("editor"), custom)
	assert.True(t, custom.Assignable())
	require.NoError(t, f.svc.GrantRole(f.ctx, f.s, u, custom, nil))
	assert.True(t, f.svc.HasRole(f.ctx, f.s, u, nil, custom))
	assert.False(t, f.svc.HasPermission(f.ctx, f.s, u, READ, nil))
	assert.True(t, f.svc.HasPermission(f.ctx, f.s, u, READ, nil, WithRoles(custom)))
}

func TestSetInheritSecurity(t *testing.T) {
	f := newFixture(t)
	doc := f.folder(t, "doc", nil)

	require.NoError(t, f.svc.SetInheritSecurity(f.ctx, f.s, doc, true))
	require.NoError(t, f.svc.SetInheritSecurity(f.ctx, f.s, doc, false))
	require.NoError(t, f.svc.SetInheritSecurity(f.ctx, f.s, doc, true))
	require.NoError(t, f.s.Commit(f.ctx))
	assert.True(t, doc.InheritSecurity)

	entries, err := audit.SecurityEntries(f.ctx, f.s, audit.SecurityFilter{ObjectID: &doc.ID})
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, []audit.SecurityOp{audit.SetInherit, audit.UnsetInherit, audit.SetInherit},
		[]audit.SecurityOp{entries[0].Op, entries[1].Op, entries[2].Op})

	alice := f.user(t, "alice@example.com")
	err = f.svc.SetInheritSecurity(f.ctx, f.s, alice.Entity, false)
	assert.ErrorIs(t, err, ErrNoInheritance)
	assert.ErrorIs(t, err, ErrNotAnEntity)
	assert.True(t, apperrors.IsKind(err, apperrors.KindInvalidArgument))
	assert.True(t, alice.InheritSecurity, "unchanged")
	entries, err = audit.SecurityEntries(f.ctx, f.s, audit.SecurityFilter{ObjectID: &alice.ID})
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestGetRolesAndPrincipals(t *testing.T) {
	f := newFixture(t)
	alice := f.user(t, "alice@example.com")
	staff := f.group(t, "staff", alice)
	doc := f.folder(t, "doc", nil)
	doc.SetOwner(alice.ID)
	require.NoError(t, f.s.Flush(f.ctx))

	require.NoError(t, f.svc.GrantRole(f.ctx, f.s, alice, Writer, nil))
	require.NoError(t, f.svc.GrantRole(f.ctx, f.s, staff, Reader, doc))
	require.NoError(t, f.svc.GrantRole(f.ctx, f.s, subjects.Anonymous, Reader, doc))

	roles, err := f.svc.GetRoles(f.ctx, f.s, alice, nil, false)
	require.NoError(t, err)
	assert.Equal(t, []Role{Writer}, roles)

	roles, err = f.svc.GetRoles(f.ctx, f.s, alice, doc, false)
	require.NoError(t, err)
	assert.Equal(t, []Role{Owner, Reader}, roles)

	roles, err = f.svc.GetRoles(f.ctx, f.s, alice, doc, true)
	require.NoError(t, err)
	assert.Equal(t, []Role{Owner}, roles)

	principals, err := f.svc.GetPrincipals(f.ctx, f.s, Reader, doc)
	require.NoError(t, err)
	require.Len(t, principals, 2)
	assert.True(t, principals[0].IsAnonymous())
	assert.Equal(t, staff.Key(), principals[1].Key())

	principals, err = f.svc.GetPrincipals(f.ctx, f.s, Reader, doc, WithoutAnonymous(), WithoutGroups())
	require.NoError(t, err)
	assert.Empty(t, principals)

	principals, err = f.svc.GetPrincipals(f.ctx, f.s, Writer, nil)
	require.NoError(t, err)
	require.Len(t, principals, 1)
	assert.Equal(t, alice.Key(), principals[0].Key())
}

func TestQueryEntityWithPermission(t *testing.T) {
	f := newFixture(t)
	alice, bob := f.user(t, "alice@example.com"), f.user(t, "bob@example.com")
	staff := f.group(t, "staff", bob)

	docs := make([]*entity.Entity, 6)
	for i := range docs {
		docs[i] = f.folder(t, "doc", nil)
	}
	docs[0].SetOwner(alice.ID)
	require.NoError(t, f.s.Flush(f.ctx))
	require.NoError(t, f.svc.GrantRole(f.ctx, f.s, alice, Reader, docs[1]))
	require.NoError(t, f.svc.GrantRole(f.ctx, f.s, staff, Writer, docs[2]))
	require.NoError(t, f.svc.AddPermission(f.ctx, f.s, READ, Owner, docs[0]))
	require.NoError(t, f.svc.AddPermission(f.ctx, f.s, READ, Authenticated, docs[3]))
	require.NoError(t, f.svc.GrantRole(f.ctx, f.s, subjects.Anonymous, Reader, docs[4]))

	visible := func(p subjects.Principal) []int64 {
		pred, err := f.svc.QueryEntityWithPermission(f.ctx, f.s, READ, p)
		require.NoError(t, err)
		found, err := entity.Find(f.ctx, f.s, entity.Query{Types: []string{folderType}, Where: []entity.Predicate{pred}})
		require.NoError(t, err)
		ids := make([]int64, len(found))
		for i, e := range found {
			ids[i] = e.ID
		}
		return ids
	}
	allowed := func(p subjects.Principal) []int64 {
		var ids []int64
		for _, d := range docs {
			if f.svc.HasPermission(f.ctx, f.s, p, READ, d) {
				ids = append(ids, d.ID)
			}
		}
		return ids
	}

	for _, p := range []subjects.Principal{alice, bob, subjects.Anonymous} {
		assert.Equal(t, allowed(p), visible(p), p.Key())
	}
	assert.Equal(t, []int64{docs[0].ID, docs[1].ID, docs[3].ID, docs[4].ID}, visible(alice))
	assert.Equal(t, []int64{docs[4].ID}, visible(subjects.Anonymous))

	require.NoError(t, f.svc.GrantRole(f.ctx, f.s, alice, Reader, nil))
	assert.Len(t, visible(alice), len(docs))
}

func TestIndexableTerms(t *testing.T) {
	f := newFixture(t)
	alice, bob := f.user(t, "alice@example.com"), f.user(t, "bob@example.com")
	staff := f.group(t, "staff", bob)
	doc := f.folder(t, "doc", nil)
	doc.SetOwner(alice.ID)
	require.NoError(t, f.s.Flush(f.ctx))
	require.NoError(t, f.svc.GrantRole(f.ctx, f.s, staff, Reader, doc))
	require.NoError(t, f.svc.GrantRole(f.ctx, f.s, alice, Writer, nil))

	terms, err := f.svc.IndexablePrincipals(f.ctx, f.s, doc)
	require.NoError(t, err)
	assert.Equal(t, []string{staff.Key(), "role:admin", "role:manager", "role:reader", "role:writer"}, terms)

	require.NoError(t, f.svc.AddPermission(f.ctx, f.s, READ, Owner, doc))
	terms, err = f.svc.IndexablePrincipals(f.ctx, f.s, doc)
	require.NoError(t, err)
	assert.Contains(t, terms, alice.Key())
	assert.Contains(t, terms, "role:owner")

	roles, err := f.svc.IndexableRoles(f.ctx, f.s, bob)
	require.NoError(t, err)
	assert.Equal(t, []string{staff.Key(), "role:anonymous", "role:authenticated", bob.Key()}, roles)
	roles, err = f.svc.IndexableRoles(f.ctx, f.s, alice)
	require.NoError(t, err)
	assert.Contains(t, roles, "role:writer")

	sys, err := subjects.SystemUser(f.ctx, f.s)
	require.NoError(t, err)
	roles, err = f.svc.IndexableRoles(f.ctx, f.s, sys)
	require.NoError(t, err)
	assert.Nil(t, roles)
}

func TestFillRoleCacheBatch(t *testing.T) {
	f := newFixture(t)
	alice, bob := f.user(t, "alice@example.com"), f.user(t, "bob@example.com")
	staff := f.group(t, "staff", alice, bob)
	require.NoError(t, f.svc.GrantRole(f.ctx, f.s, staff, Reader, nil))
	require.NoError(t, f.svc.GrantRole(f.ctx, f.s, bob, Manager, nil))

	require.NoError(t, f.svc.FillRoleCacheBatch(f.ctx, f.s, []subjects.Principal{alice, bob, staff, subjects.Anonymous}))
	cache := cacheOf(f.s)
	require.Contains(t, cache, alice.Key())
	require.Contains(t, cache, bob.Key())
	assert.Equal(t, []Role{Reader}, cache[alice.Key()].global.sorted())
	assert.Equal(t, []Role{Manager, Reader}, cache[bob.Key()].global.sorted())
	assert.Equal(t, []Role{Reader}, cache[staff.Key()].global.sorted())
	assert.Empty(t, cache[subjects.Anonymous.Key()].global)

	require.NoError(t, f.s.Rollback(f.ctx))
	assert.Empty(t, cacheOf(f.s))
}

func TestSeed(t *testing.T) {
	f := newFixture(t)
	u := f.user(t, "jane@example.com")
	f.group(t, "staff")

	sf, err := ParseSeed([]byte(`
permissions:
  - permission: read
    role: authenticated
grants:
  - role: manager
    user: jane@example.com
  - role: reader
    group: staff
  - role: writer
    anonymous: true
`))
	require.NoError(t, err)
	require.NoError(t, f.svc.Seed(f.ctx, f.s, sf))
	require.NoError(t, f.svc.Seed(f.ctx, f.s, sf))

	assert.True(t, f.svc.HasRole(f.ctx, f.s, u, nil, Manager))
	principals, err := f.svc.GetPrincipals(f.ctx, f.s, Writer, nil)
	require.NoError(t, err)
	require.Len(t, principals, 1)
	assert.True(t, principals[0].IsAnonymous())
	assert.True(t, f.svc.HasPermission(f.ctx, f.s, f.user(t, "new@example.com"), READ, nil))

	_, err = ParseSeed([]byte("grants:\n  - role: reader\n    user: jane@example.com\n    anonymous: true\n"))
	assert.ErrorIs(t, err, ErrInvalidSeed)
	_, err = ParseSeed([]byte("permissions:\n  - role: reader\n"))
	assert.ErrorIs(t, err, ErrInvalidSeed)

	sf, err = ParseSeed([]byte("grants:\n  - role: reader\n    group: nobody\n"))
	require.NoError(t, err)
	assert.ErrorIs(t, f.svc.Seed(f.ctx, f.s, sf), subjects.ErrGroupNotFound)
}
