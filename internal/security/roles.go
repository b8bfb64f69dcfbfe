package security

import (
	"sort"
	"strings"
	"sync"
)

// Role is a named role. Roles compare by name.
type Role string

const (
	Admin         Role = "admin"
	Manager       Role = "manager"
	Writer        Role = "writer"
	Reader        Role = "reader"
	Creator       Role = "creator"
	Owner         Role = "owner"
	Anonymous     Role = "anonymous"
	Authenticated Role = "authenticated"
)

// Permission is a named permission.
type Permission string

const (
	READ   Permission = "read"
	WRITE  Permission = "write"
	CREATE Permission = "create"
	DELETE Permission = "delete"
	MANAGE Permission = "manage"
)

type roleInfo struct {
	assignable bool
}

var (
	registryMu  sync.RWMutex
	roles       = map[Role]roleInfo{}
	permissions = map[Permission]struct{}{}
)

func init() {
	for _, r := range []Role{Admin, Manager, Writer, Reader} {
		roles[r] = roleInfo{assignable: true}
	}
	// Creator and Owner derive from entity columns; Anonymous and
	// Authenticated from the principal itself.
	for _, r := range []Role{Creator, Owner, Anonymous, Authenticated} {
		roles[r] = roleInfo{}
	}
	for _, p := range []Permission{READ, WRITE, CREATE, DELETE, MANAGE} {
		permissions[p] = struct{}{}
	}
}

// RegisterRole declares an assignable application role. Registering an
// existing name returns it unchanged.
func RegisterRole(name string) (Role, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" || strings.ContainsAny(name, " :") {
		return "", ErrUnknownRole.Msg("invalid role name " + name)
	}
	registryMu.Lock()
	defer registryMu.Unlock()
	r := Role(name)
	if _, ok := roles[r]; !ok {
		roles[r] = roleInfo{assignable: true}
	}
	return r, nil
}

// RegisterPermission declares an application permission.
func RegisterPermission(name string) (Permission, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" || strings.ContainsAny(name, " :") {
		return "", ErrUnknownPermission.Msg("invalid permission name " + name)
	}
	registryMu.Lock()
	defer registryMu.Unlock()
	p := Permission(name)
	permissions[p] = struct{}{}
	return p, nil
}

// ParseRole returns the registered role with the given name, case-insensitively.
func ParseRole(name string) (Role, error) {
	r := Role(strings.ToLower(strings.TrimSpace(name)))
	if !r.Valid() {
		return "", ErrUnknownRole.Msg(name)
	}
	return r, nil
}

// ParsePermission returns the registered permission with the given name.
func ParsePermission(name string) (Permission, error) {
	p := Permission(strings.ToLower(strings.TrimSpace(name)))
	if !p.Valid() {
		return "", ErrUnknownPermission.Msg(name)
	}
	return p, nil
}

func (r Role) Valid() bool {
	registryMu.RLock()
	defer registryMu.RUnlock()
	_, ok := roles[r]
	return ok
}

// Assignable reports whether r may be stored in a role assignment.
func (r Role) Assignable() bool {
	registryMu.RLock()
	defer registryMu.RUnlock()
	return roles[r].assignable
}

func (r Role) String() string { return string(r) }

func (p Permission) Valid() bool {
	registryMu.RLock()
	defer registryMu.RUnlock()
	_, ok := permissions[p]
	return ok
}

func (p Permission) String() string { return string(p) }

// Roles lists the registered roles, sorted.
func Roles() []Role {
	registryMu.RLock()
	out := make([]Role, 0, len(roles))
	for r := range roles {
		out = append(out, r)
	}
	registryMu.RUnlock()
	sortRoles(out)
	return out
}

func sortRoles(rs []Role) {
	sort.Slice(rs, func(i, j int) bool { return rs[i] < rs[j] })
}

// DefaultMatrix is the permission to roles mapping applied in addition to
// stored permission assignments.
func DefaultMatrix() map[Permission][]Role {
	return map[Permission][]Role{
		MANAGE: {Admin, Manager},
		WRITE:  {Admin, Manager, Writer},
		CREATE: {Admin, Manager, Writer},
		DELETE: {Admin, Manager, Writer},
		READ:   {Admin, Manager, Writer, Reader},
	}
}

// roleSet is a set of roles.
type roleSet map[Role]struct{}

func newRoleSet(rs ...Role) roleSet {
	s := make(roleSet, len(rs))
	for _, r := range rs {
		s[r] = struct{}{}
	}
	return s
}

func (s roleSet) add(rs ...Role) {
	for _, r := range rs {
		s[r] = struct{}{}
	}
}

func (s roleSet) has(r Role) bool {
	_, ok := s[r]
	return ok
}

func (s roleSet) intersects(other roleSet) bool {
	a, b := s, other
	if len(a) > len(b) {
		a, b = b, a
	}
	for r := range a {
		if b.has(r) {
			return true
		}
	}
	return false
}

func (s roleSet) sorted() []Role {
	out := make([]Role, 0, len(s))
	for r := range s {
		out = append(out, r)
	}
	sortRoles(out)
	return out
}
