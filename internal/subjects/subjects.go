// Package subjects defines users and groups, the principals security decisions
// are made for. Both are entities; group membership is the "members" relation
// of the group.
package subjects

import (
	"context"
	"strconv"
	"strings"

	"github.com/abilian/abilian-core/internal/common/opcontext"
	"github.com/abilian/abilian-core/internal/db/dbsession"
	"github.com/abilian/abilian-core/internal/entity"
)

const (
	UserType  = "abilian.core.models.subjects.User"
	GroupType = "abilian.core.models.subjects.Group"

	// MembersRelation links a group to its member users.
	MembersRelation = "members"
)

// RegisterTypes adds the user and group entity types to reg.
func RegisterTypes(reg *entity.Registry) {
	reg.MustRegister(entity.Type{
		Name: UserType,
		Fields: []entity.Field{
			{Name: "email", Kind: entity.KindText, Searchable: true},
			{Name: "first_name", Kind: entity.KindText, Searchable: true},
			{Name: "last_name", Kind: entity.KindText, Searchable: true},
			{Name: "password", Kind: entity.KindText, HideContent: true},
			{Name: "can_login", Kind: entity.KindBool},
			{Name: "locale", Kind: entity.KindText},
			{Name: "last_active", Kind: entity.KindTime, NotAuditable: true},
			{Name: "photo", Kind: entity.KindBlob, Owned: true},
		},
	})
	reg.MustRegister(entity.Type{
		Name: GroupType,
		Fields: []entity.Field{
			{Name: "description", Kind: entity.KindText, Searchable: true},
			{Name: "public", Kind: entity.KindBool},
			{Name: "photo", Kind: entity.KindBlob, Owned: true},
		},
		Relations: []entity.Relation{{Name: MembersRelation, Target: UserType}},
	})
}

// PrincipalKind tells users, groups and the anonymous principal apart.
type PrincipalKind string

const (
	KindUser      PrincipalKind = "user"
	KindGroup     PrincipalKind = "group"
	KindAnonymous PrincipalKind = "anonymous"
)

// Principal is a user, a group, or the anonymous sentinel.
type Principal interface {
	PrincipalKind() PrincipalKind
	// PrincipalID is the entity id; 0 and meaningless for the anonymous principal.
	PrincipalID() int64
	IsAnonymous() bool
	IsAuthenticated() bool
	// Key identifies the principal in caches and index documents: "user:12",
	// "group:3" or "anonymous".
	Key() string
}

type anonymous struct{}

func (anonymous) PrincipalKind() PrincipalKind { return KindAnonymous }
func (anonymous) PrincipalID() int64           { return 0 }
func (anonymous) IsAnonymous() bool            { return true }
func (anonymous) IsAuthenticated() bool        { return false }
func (anonymous) Key() string                  { return "anonymous" }

// Anonymous is the principal of unauthenticated requests.
var Anonymous Principal = anonymous{}

// User is a user entity.
type User struct {
	*entity.Entity
}

// NewUser returns a transient user able to log in.
func NewUser(email string) *User {
	e := entity.New(UserType)
	e.Set("email", email)
	e.Set("can_login", true)
	e.Name = email
	return &User{Entity: e}
}

// AsUser wraps e, which must be a user entity.
func AsUser(e *entity.Entity) (*User, error) {
	if e == nil || e.Type != UserType {
		return nil, ErrNotAUser
	}
	return &User{Entity: e}, nil
}

func (u *User) PrincipalKind() PrincipalKind { return KindUser }
func (u *User) PrincipalID() int64           { return u.ID }
func (u *User) IsAnonymous() bool            { return false }
func (u *User) IsAuthenticated() bool        { return true }
func (u *User) Key() string                  { return "user:" + strconv.FormatInt(u.ID, 10) }

// IsSystem reports whether u is the reserved system user.
func (u *User) IsSystem() bool {
	return u.IsPersisted() && u.ID == opcontext.SystemUserID
}

func (u *User) Email() string { return u.String("email") }

func (u *User) SetEmail(email string) { u.Set("email", email) }

func (u *User) CanLogin() bool { return u.Bool("can_login") }

func (u *User) SetCanLogin(v bool) { u.Set("can_login", v) }

// FullName joins first and last name, falling back to the email.
func (u *User) FullName() string {
	name := strings.TrimSpace(u.String("first_name") + " " + u.String("last_name"))
	if name == "" {
		return u.Email()
	}
	return name
}

// SetNames sets first and last name and the entity name.
func (u *User) SetNames(first, last string) {
	u.Set("first_name", first)
	u.Set("last_name", last)
	u.Name = u.FullName()
}

// SetPassword stores the argon2id hash of password.
func (u *User) SetPassword(password string) error {
	hash, err := HashPassword(password)
	if err != nil {
		return err
	}
	u.Set("password", hash)
	return nil
}

// CheckPassword reports whether password matches; users without a password never match.
func (u *User) CheckPassword(password string) bool {
	hash := u.String("password")
	if hash == "" || password == "" {
		return false
	}
	ok, err := VerifyPassword(hash, password)
	return err == nil && ok
}

// Group is a group entity.
type Group struct {
	*entity.Entity
}

// NewGroup returns a transient group.
func NewGroup(name string) *Group {
	e := entity.New(GroupType)
	e.Name = name
	return &Group{Entity: e}
}

// AsGroup wraps e, which must be a group entity.
func AsGroup(e *entity.Entity) (*Group, error) {
	if e == nil || e.Type != GroupType {
		return nil, ErrNotAGroup
	}
	return &Group{Entity: e}, nil
}

func (g *Group) PrincipalKind() PrincipalKind { return KindGroup }
func (g *Group) PrincipalID() int64           { return g.ID }
func (g *Group) IsAnonymous() bool            { return false }
func (g *Group) IsAuthenticated() bool        { return false }
func (g *Group) Key() string                  { return "group:" + strconv.FormatInt(g.ID, 10) }

// AddMember adds u at the next flush.
func (g *Group) AddMember(u *User) {
	g.AddRelated(MembersRelation, u.ID)
}

// RemoveMember removes u at the next flush.
func (g *Group) RemoveMember(u *User) {
	g.RemoveRelated(MembersRelation, u.ID)
}

// MemberIDs returns the ids of the group members, pending changes included.
func MemberIDs(ctx context.Context, s *dbsession.Session, g *Group) ([]int64, error) {
	return entity.Related(ctx, s, g.Entity, MembersRelation)
}

// GroupIDs returns the ids of the groups u belongs to.
func GroupIDs(ctx context.Context, s *dbsession.Session, u *User) ([]int64, error) {
	if !u.IsPersisted() {
		return nil, nil
	}
	return entity.RelatedFrom(ctx, s, MembersRelation, u.ID)
}

// Groups loads the groups u belongs to.
func Groups(ctx context.Context, s *dbsession.Session, u *User) ([]*Group, error) {
	ids, err := GroupIDs(ctx, s, u)
	if err != nil {
		return nil, err
	}
	out := make([]*Group, 0, len(ids))
	for _, id := range ids {
		g, err := LoadGroup(ctx, s, id)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, nil
}

// LoadUser returns the user with id.
func LoadUser(ctx context.Context, s *dbsession.Session, id int64) (*User, error) {
	e, err := entity.GetTyped(ctx, s, UserType, id)
	if err != nil {
		return nil, ErrUserNotFound.MsgErr(strconv.FormatInt(id, 10), err)
	}
	return &User{Entity: e}, nil
}

// LoadGroup returns the group with id.
func LoadGroup(ctx context.Context, s *dbsession.Session, id int64) (*Group, error) {
	e, err := entity.GetTyped(ctx, s, GroupType, id)
	if err != nil {
		return nil, ErrGroupNotFound.MsgErr(strconv.FormatInt(id, 10), err)
	}
	return &Group{Entity: e}, nil
}

// SystemUser returns the reserved user with id 0.
func SystemUser(ctx context.Context, s *dbsession.Session) (*User, error) {
	return LoadUser(ctx, s, opcontext.SystemUserID)
}

// FindUserByEmail returns the user with the given email, case-insensitively.
func FindUserByEmail(ctx context.Context, s *dbsession.Session, email string) (*User, error) {
	users, err := entity.Find(ctx, s, entity.Query{
		Types: []string{UserType},
		Where: []entity.Predicate{entity.Where("LOWER("+entity.AttrExpr(s.Dialect(), "email")+") = ?", strings.ToLower(email))},
		Limit: 1,
	})
	if err != nil {
		return nil, err
	}
	if len(users) == 0 {
		return nil, ErrUserNotFound.Msg(email)
	}
	return &User{Entity: users[0]}, nil
}

// PrincipalFor wraps a user or group entity as a Principal.
func PrincipalFor(e *entity.Entity) (Principal, error) {
	switch {
	case e == nil:
		return nil, ErrNotAUser
	case e.Type == UserType:
		return &User{Entity: e}, nil
	case e.Type == GroupType:
		return &Group{Entity: e}, nil
	}
	return nil, ErrNotAUser.Msg(e.Type + " is not a principal type")
}

// CurrentUser returns the acting principal of ctx: the anonymous sentinel or
// the loaded user.
func CurrentUser(ctx context.Context, s *dbsession.Session) (Principal, error) {
	id, ok := opcontext.ActorID(ctx)
	if !ok {
		return Anonymous, nil
	}
	return LoadUser(ctx, s, id)
}
