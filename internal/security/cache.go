package security

import (
	"context"
	"database/sql"

	"github.com/abilian/abilian-core/internal/db/dbmanager"
	"github.com/abilian/abilian-core/internal/db/dbsession"
	"github.com/abilian/abilian-core/internal/subjects"
)

const stateKey = "security.roles"

// principalRoles holds every role reaching a principal, global ones apart
// from those scoped to an object id.
type principalRoles struct {
	global  roleSet
	objects map[int64]roleSet
}

func newPrincipalRoles() *principalRoles {
	return &principalRoles{global: roleSet{}, objects: map[int64]roleSet{}}
}

func (pr *principalRoles) add(r Role, object sql.NullInt64) {
	if !object.Valid {
		pr.global.add(r)
		return
	}
	set, ok := pr.objects[object.Int64]
	if !ok {
		set = roleSet{}
		pr.objects[object.Int64] = set
	}
	set.add(r)
}

func (pr *principalRoles) merge(other *principalRoles) {
	if other == nil {
		return
	}
	for r := range other.global {
		pr.global.add(r)
	}
	for id, set := range other.objects {
		for r := range set {
			pr.add(r, sql.NullInt64{Int64: id, Valid: true})
		}
	}
}

// scope returns the global roles plus those on object, 0 meaning none.
func (pr *principalRoles) scope(object int64) roleSet {
	out := roleSet{}
	for r := range pr.global {
		out.add(r)
	}
	if object != 0 {
		for r := range pr.objects[object] {
			out.add(r)
		}
	}
	return out
}

// roleCache lives in the session, so it dies with the request.
type roleCache map[string]*principalRoles

func cacheOf(s *dbsession.Session) roleCache {
	if c, ok := s.Value(stateKey).(roleCache); ok {
		return c
	}
	c := roleCache{}
	s.SetValue(stateKey, c)
	return c
}

func resetCache(s *dbsession.Session) {
	s.SetValue(stateKey, nil)
}

func (c roleCache) invalidate(keys ...string) {
	for _, k := range keys {
		delete(c, k)
	}
}

// cacheable reports whether p can have stored assignments. Transient users
// and groups have no id yet, and the system user holds every role anyway.
func cacheable(p subjects.Principal) bool {
	return p.IsAnonymous() || p.PrincipalID() > 0
}

// FillRoleCacheBatch loads the roles of every listed principal not cached yet
// with two queries, so checking many principals costs no more than one.
func (svc *Service) FillRoleCacheBatch(ctx context.Context, s *dbsession.Session, principals []subjects.Principal) error {
	if err := svc.sync(ctx, s); err != nil {
		return err
	}
	cache := cacheOf(s)
	var (
		todo     []subjects.Principal
		userIDs  []int64
		groupIDs []int64
	)
	for _, p := range principals {
		if p == nil || !cacheable(p) {
			continue
		}
		if _, ok := cache[p.Key()]; ok {
			continue
		}
		todo = append(todo, p)
		switch p.PrincipalKind() {
		case subjects.KindUser:
			userIDs = append(userIDs, p.PrincipalID())
		case subjects.KindGroup:
			groupIDs = append(groupIDs, p.PrincipalID())
		}
	}
	if len(todo) == 0 {
		return nil
	}

	memberOf, err := groupsOf(ctx, s, userIDs)
	if err != nil {
		return err
	}
	seen := map[int64]bool{}
	for _, id := range groupIDs {
		seen[id] = true
	}
	for _, gs := range memberOf {
		for _, g := range gs {
			if !seen[g] {
				seen[g] = true
				groupIDs = append(groupIDs, g)
			}
		}
	}

	anon, byUser, byGroup, err := loadAssignments(ctx, s, userIDs, groupIDs)
	if err != nil {
		return err
	}
	for _, p := range todo {
		pr := newPrincipalRoles()
		pr.merge(anon)
		switch p.PrincipalKind() {
		case subjects.KindUser:
			pr.merge(byUser[p.PrincipalID()])
			for _, g := range memberOf[p.PrincipalID()] {
				pr.merge(byGroup[g])
			}
		case subjects.KindGroup:
			pr.merge(byGroup[p.PrincipalID()])
		}
		cache[p.Key()] = pr
	}
	return nil
}

func groupsOf(ctx context.Context, s *dbsession.Session, userIDs []int64) (map[int64][]int64, error) {
	out := map[int64][]int64{}
	if len(userIDs) == 0 {
		return out, nil
	}
	args := []any{subjects.MembersRelation}
	for _, id := range userIDs {
		args = append(args, id)
	}
	rows, err := s.QueryContext(ctx, "SELECT from_id, to_id FROM entity_relations WHERE relation = ? AND to_id IN ("+
		dbmanager.In(len(userIDs))+") ORDER BY from_id", args...)
	if err != nil {
		return nil, ErrDatabase.MsgErr("load group memberships", err)
	}
	defer rows.Close()
	for rows.Next() {
		var group, user int64
		if err := rows.Scan(&group, &user); err != nil {
			return nil, ErrDatabase.MsgErr("scan group membership", err)
		}
		out[user] = append(out[user], group)
	}
	if err := rows.Err(); err != nil {
		return nil, ErrDatabase.MsgErr("load group memberships", err)
	}
	return out, nil
}

func loadAssignments(ctx context.Context, s *dbsession.Session, userIDs, groupIDs []int64) (
	anon *principalRoles, byUser, byGroup map[int64]*principalRoles, err error,
) {
	query := "SELECT role, anonymous, user_id, group_id, object_id FROM role_assignments WHERE anonymous = ?"
	args := []any{true}
	if len(userIDs) > 0 {
		query += " OR user_id IN (" + dbmanager.In(len(userIDs)) + ")"
		for _, id := range userIDs {
			args = append(args, id)
		}
	}
	if len(groupIDs) > 0 {
		query += " OR group_id IN (" + dbmanager.In(len(groupIDs)) + ")"
		for _, id := range groupIDs {
			args = append(args, id)
		}
	}
	rows, err := s.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, nil, nil, ErrDatabase.MsgErr("load role assignments", err)
	}
	defer rows.Close()

	anon = newPrincipalRoles()
	byUser, byGroup = map[int64]*principalRoles{}, map[int64]*principalRoles{}
	get := func(m map[int64]*principalRoles, id int64) *principalRoles {
		pr, ok := m[id]
		if !ok {
			pr = newPrincipalRoles()
			m[id] = pr
		}
		return pr
	}
	for rows.Next() {
		var (
			role                string
			anonymous           bool
			user, group, object sql.NullInt64
		)
		if err := rows.Scan(&role, &anonymous, &user, &group, &object); err != nil {
			return nil, nil, nil, ErrDatabase.MsgErr("scan role assignment", err)
		}
		switch {
		case anonymous:
			anon.add(Role(role), object)
		case user.Valid:
			get(byUser, user.Int64).add(Role(role), object)
		case group.Valid:
			get(byGroup, group.Int64).add(Role(role), object)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, nil, nil, ErrDatabase.MsgErr("load role assignments", err)
	}
	return anon, byUser, byGroup, nil
}

// allRoles returns the cached roles of p, loading them on first use.
func (svc *Service) allRoles(ctx context.Context, s *dbsession.Session, p subjects.Principal) (*principalRoles, error) {
	if !cacheable(p) {
		// Only roles granted to everybody reach a principal without an id.
		anon, _, _, err := loadAssignments(ctx, s, nil, nil)
		return anon, err
	}
	cache := cacheOf(s)
	if pr, ok := cache[p.Key()]; ok {
		return pr, nil
	}
	if err := svc.FillRoleCacheBatch(ctx, s, []subjects.Principal{p}); err != nil {
		return nil, err
	}
	return cacheOf(s)[p.Key()], nil
}
