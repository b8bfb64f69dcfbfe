package security

import (
	"context"
	"sort"
	"strconv"
	"strings"

	"github.com/abilian/abilian-core/internal/db/dbmanager"
	"github.com/abilian/abilian-core/internal/db/dbsession"
	"github.com/abilian/abilian-core/internal/entity"
	"github.com/abilian/abilian-core/internal/subjects"
)

// QueryEntityWithPermission returns a predicate over the entities table,
// aliased "e", keeping the entities on which p holds perm without
// inheritance. It lets listings filter in SQL instead of checking each row.
func (svc *Service) QueryEntityWithPermission(ctx context.Context, s *dbsession.Session, perm Permission, p subjects.Principal) (entity.Predicate, error) {
	if p == nil {
		return entity.False(), nil
	}
	if isSystem(p) {
		return entity.True(), nil
	}
	if err := svc.sync(ctx, s); err != nil {
		return entity.Predicate{}, err
	}
	valid, err := svc.validRoles(ctx, s, perm, nil)
	if err != nil {
		return entity.Predicate{}, err
	}
	if valid.has(Anonymous) || (valid.has(Authenticated) && p.IsAuthenticated()) {
		return entity.True(), nil
	}
	all, err := svc.allRoles(ctx, s, p)
	if err != nil {
		return entity.Predicate{}, err
	}
	query := newRoleSet(Admin, Manager)
	for r := range valid {
		query.add(r)
	}
	if query.intersects(all.global) {
		return entity.True(), nil
	}

	holder, holderArgs, err := svc.holderSQL(ctx, s, p)
	if err != nil {
		return entity.Predicate{}, err
	}
	var preds []entity.Predicate

	// Roles granting perm everywhere, assigned on the entity.
	roles := query.sorted()
	args := rolesArgs(roles)
	preds = append(preds, entity.Where(
		"e.id IN (SELECT ra.object_id FROM role_assignments ra WHERE ra.object_id IS NOT NULL AND ra.role IN ("+
			dbmanager.In(len(roles))+") AND "+holder+")",
		append(args, holderArgs...)...))

	// Roles granting perm on the entity only, assigned on the entity.
	preds = append(preds, entity.Where(
		"e.id IN (SELECT ra.object_id FROM role_assignments ra JOIN permission_assignments pa"+
			" ON pa.object_id = ra.object_id AND pa.role = ra.role WHERE pa.permission = ? AND "+holder+")",
		append([]any{string(perm)}, holderArgs...)...))

	// Roles granting perm on the entity only, held globally.
	global := roleSet{}
	for r := range all.global {
		global.add(r)
	}
	global.add(Anonymous)
	if p.IsAuthenticated() {
		global.add(Authenticated)
	}
	held := global.sorted()
	preds = append(preds, entity.Where(
		"e.id IN (SELECT pa.object_id FROM permission_assignments pa WHERE pa.object_id IS NOT NULL AND pa.permission = ? AND pa.role IN ("+
			dbmanager.In(len(held))+"))",
		append([]any{string(perm)}, rolesArgs(held)...)...))

	if p.PrincipalKind() == subjects.KindUser && p.PrincipalID() > 0 {
		uid := p.PrincipalID()
		for _, v := range []struct {
			role   Role
			column string
		}{{Owner, "e.owner_id"}, {Creator, "e.creator_id"}} {
			if valid.has(v.role) {
				preds = append(preds, entity.Where(v.column+" = ?", uid))
				continue
			}
			preds = append(preds, entity.Where(v.column+" = ? AND e.id IN (SELECT pa.object_id FROM permission_assignments pa"+
				" WHERE pa.permission = ? AND pa.role = ?)", uid, string(perm), string(v.role)))
		}
	}
	return entity.Or(preds...), nil
}

// holderSQL matches the role assignments reaching p, over alias "ra".
func (svc *Service) holderSQL(ctx context.Context, s *dbsession.Session, p subjects.Principal) (string, []any, error) {
	parts := []string{"ra.anonymous = ?"}
	args := []any{true}
	switch p.PrincipalKind() {
	case subjects.KindUser:
		if p.PrincipalID() <= 0 {
			break
		}
		parts = append(parts, "ra.user_id = ?")
		args = append(args, p.PrincipalID())
		groups, err := groupsOf(ctx, s, []int64{p.PrincipalID()})
		if err != nil {
			return "", nil, err
		}
		if ids := groups[p.PrincipalID()]; len(ids) > 0 {
			parts = append(parts, "ra.group_id IN ("+dbmanager.In(len(ids))+")")
			for _, id := range ids {
				args = append(args, id)
			}
		}
	case subjects.KindGroup:
		parts = append(parts, "ra.group_id = ?")
		args = append(args, p.PrincipalID())
	}
	return "(" + strings.Join(parts, " OR ") + ")", args, nil
}

func rolesArgs(roles []Role) []any {
	out := make([]any, len(roles))
	for i, r := range roles {
		out[i] = string(r)
	}
	return out
}

// RoleTerm is the index term of a role.
func RoleTerm(r Role) string {
	return "role:" + string(r)
}

// IndexablePrincipals returns the terms stored with obj in the search index
// so that searches can be restricted to readable documents: one term per
// role granting READ, plus the principals holding such a role on obj and,
// when Owner or Creator grant READ, the matching users.
func (svc *Service) IndexablePrincipals(ctx context.Context, s *dbsession.Session, obj *entity.Entity) ([]string, error) {
	valid, err := svc.validRoles(ctx, s, READ, obj)
	if err != nil {
		return nil, err
	}
	valid.add(Manager)
	terms := map[string]struct{}{}
	for r := range valid {
		terms[RoleTerm(r)] = struct{}{}
	}
	for _, v := range []struct {
		role Role
		id   *int64
	}{{Owner, obj.OwnerID}, {Creator, obj.CreatorID}} {
		if v.id != nil && valid.has(v.role) {
			terms["user:"+strconv.FormatInt(*v.id, 10)] = struct{}{}
		}
	}
	if obj.IsPersisted() {
		rows, err := s.QueryContext(ctx, "SELECT role, anonymous, user_id, group_id FROM role_assignments WHERE object_id = ?", obj.ID)
		if err != nil {
			return nil, ErrDatabase.MsgErr("load role assignments", err)
		}
		defer rows.Close()
		for rows.Next() {
			var (
				role        string
				anonymous   bool
				user, group *int64
			)
			if err := rows.Scan(&role, &anonymous, &user, &group); err != nil {
				return nil, ErrDatabase.MsgErr("scan role assignment", err)
			}
			if !valid.has(Role(role)) {
				continue
			}
			switch {
			case anonymous:
				terms[RoleTerm(Anonymous)] = struct{}{}
			case user != nil:
				terms["user:"+strconv.FormatInt(*user, 10)] = struct{}{}
			case group != nil:
				terms["group:"+strconv.FormatInt(*group, 10)] = struct{}{}
			}
		}
		if err := rows.Err(); err != nil {
			return nil, ErrDatabase.MsgErr("load role assignments", err)
		}
	}
	return sortedTerms(terms), nil
}

// IndexableRoles returns the index terms p matches: its own key, its
// groups, the roles it holds globally, and the anonymous and authenticated
// roles. A nil result means p is not restricted.
func (svc *Service) IndexableRoles(ctx context.Context, s *dbsession.Session, p subjects.Principal) ([]string, error) {
	if p == nil {
		return []string{RoleTerm(Anonymous)}, nil
	}
	if isSystem(p) {
		return nil, nil
	}
	if err := svc.sync(ctx, s); err != nil {
		return nil, err
	}
	terms := map[string]struct{}{RoleTerm(Anonymous): {}}
	if p.IsAuthenticated() {
		terms[RoleTerm(Authenticated)] = struct{}{}
	}
	if !p.IsAnonymous() && p.PrincipalID() > 0 {
		terms[p.Key()] = struct{}{}
	}
	if p.PrincipalKind() == subjects.KindUser && p.PrincipalID() > 0 {
		groups, err := groupsOf(ctx, s, []int64{p.PrincipalID()})
		if err != nil {
			return nil, err
		}
		for _, g := range groups[p.PrincipalID()] {
			terms["group:"+strconv.FormatInt(g, 10)] = struct{}{}
		}
	}
	all, err := svc.allRoles(ctx, s, p)
	if err != nil {
		return nil, err
	}
	for r := range all.global {
		terms[RoleTerm(r)] = struct{}{}
	}
	return sortedTerms(terms), nil
}

func sortedTerms(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for t := range m {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
