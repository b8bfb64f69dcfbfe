package subjects

import (
	"context"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abilian/abilian-core/internal/common/opcontext"
	"github.com/abilian/abilian-core/internal/db/dbmanager"
	"github.com/abilian/abilian-core/internal/db/dbsession"
	"github.com/abilian/abilian-core/internal/db/migrations"
	"github.com/abilian/abilian-core/internal/entity"
)

func newSession(t *testing.T) *dbsession.Session {
	t.Helper()
	ctx := context.Background()
	db, err := dbmanager.Open(ctx, "sqlite://"+filepath.Join(t.TempDir(), "subjects.db"), dbmanager.PoolConfig{})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, migrations.Up(ctx, db))

	reg := entity.NewRegistry()
	RegisterTypes(reg)
	events, mappers := dbsession.NewEvents(), dbsession.NewMappers()
	entity.Register(events, mappers, reg)
	s := dbsession.New(db, events, mappers)
	t.Cleanup(func() { s.Close(ctx) })
	return s
}

func TestPasswordHashing(t *testing.T) {
	hash, err := HashPassword("secret")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(hash, "$argon2id$v=19$m=65536,t=3,p=4$"))

	ok, err := VerifyPassword(hash, "secret")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = VerifyPassword(hash, "Secret")
	require.NoError(t, err)
	assert.False(t, ok)

	other, err := HashPassword("secret")
	require.NoError(t, err)
	assert.NotEqual(t, hash, other, "salts differ")

	_, err = HashPassword("")
	assert.ErrorIs(t, err, ErrEmptyPassword)
	_, err = VerifyPassword("$bcrypt$whatever", "secret")
	assert.ErrorIs(t, err, ErrInvalidHash)
}

func TestUserPrincipal(t *testing.T) {
	u := NewUser("jane@example.com")
	u.SetNames("Jane", "Doe")
	assert.Equal(t, "Jane Doe", u.FullName())
	assert.Equal(t, "Jane Doe", u.Name)
	assert.True(t, u.CanLogin())
	assert.False(t, u.CheckPassword("x"))
	require.NoError(t, u.SetPassword("pw"))
	assert.True(t, u.CheckPassword("pw"))
	assert.False(t, u.CheckPassword(""))

	assert.Equal(t, KindUser, u.PrincipalKind())
	assert.True(t, u.IsAuthenticated())
	assert.False(t, u.IsSystem())

	assert.True(t, Anonymous.IsAnonymous())
	assert.False(t, Anonymous.IsAuthenticated())
	assert.Equal(t, "anonymous", Anonymous.Key())

	_, err := AsUser(entity.New(GroupType))
	assert.ErrorIs(t, err, ErrNotAUser)
	_, err = AsGroup(entity.New(UserType))
	assert.ErrorIs(t, err, ErrNotAGroup)
}

func TestMembership(t *testing.T) {
	s := newSession(t)
	ctx := opcontext.With(context.Background(), opcontext.System())

	alice, bob := NewUser("alice@example.com"), NewUser("bob@example.com")
	staff := NewGroup("staff")
	require.NoError(t, s.Add(alice))
	require.NoError(t, s.Add(bob))
	require.NoError(t, s.Add(staff))
	assert.True(t, s.Contains(alice.Entity), "sessions track the embedded entity")
	assert.True(t, s.IsNew(staff))
	require.NoError(t, s.Flush(ctx))

	staff.AddMember(alice)
	staff.AddMember(bob)
	staff.RemoveMember(bob)
	members, err := MemberIDs(ctx, s, staff)
	require.NoError(t, err)
	assert.Equal(t, []int64{alice.ID}, members)
	require.NoError(t, s.Commit(ctx))

	groups, err := Groups(ctx, s, alice)
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Equal(t, "staff", groups[0].Name)
	assert.Equal(t, "group:"+itoa(staff.ID), groups[0].Key())

	ids, err := GroupIDs(ctx, s, bob)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestLookups(t *testing.T) {
	s := newSession(t)
	ctx := opcontext.With(context.Background(), opcontext.System())

	sys, err := SystemUser(ctx, s)
	require.NoError(t, err)
	assert.True(t, sys.IsSystem())
	assert.Equal(t, "system@localhost", sys.Email())

	u := NewUser("Mixed@Example.com")
	require.NoError(t, s.Add(u.Entity))
	require.NoError(t, s.Commit(ctx))

	found, err := FindUserByEmail(ctx, s, "mixed@example.com")
	require.NoError(t, err)
	assert.Equal(t, u.ID, found.ID)

	_, err = FindUserByEmail(ctx, s, "nobody@example.com")
	assert.ErrorIs(t, err, ErrUserNotFound)

	_, err = LoadGroup(ctx, s, u.ID)
	assert.ErrorIs(t, err, ErrGroupNotFound)

	p, err := CurrentUser(opcontext.With(ctx, opcontext.ForUser(u.ID)), s)
	require.NoError(t, err)
	assert.Equal(t, u.Key(), p.Key())

	p, err = CurrentUser(context.Background(), s)
	require.NoError(t, err)
	assert.True(t, p.IsAnonymous())

	p, err = PrincipalFor(found.Entity)
	require.NoError(t, err)
	assert.Equal(t, KindUser, p.PrincipalKind())
}

func itoa(id int64) string {
	return strconv.FormatInt(id, 10)
}
