// Package security stores role and permission assignments and answers access
// questions about principals and entities.
//
// A role reaches a principal when it is assigned to the principal, to one of
// its groups, or to everybody (the anonymous assignment), either globally or
// on a given entity. Creator and Owner are never stored: they follow the
// creator and owner columns of the entity being checked. A permission is
// granted to the roles of the default matrix plus those named by permission
// assignments.
package security

import (
	"context"
	"database/sql"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/abilian/abilian-core/internal/common/opcontext"
	"github.com/abilian/abilian-core/internal/db/dbsession"
	"github.com/abilian/abilian-core/internal/entity"
	"github.com/abilian/abilian-core/internal/metrics"
	"github.com/abilian/abilian-core/internal/subjects"
)

// Service is the security service.
type Service struct {
	reg     *entity.Registry
	metrics *metrics.Metrics
	matrix  map[Permission][]Role
}

// New returns a service using the default permission matrix.
func New(reg *entity.Registry, m *metrics.Metrics) *Service {
	return &Service{reg: reg, metrics: m, matrix: DefaultMatrix()}
}

// Register installs the listeners dropping cached roles when memberships
// change or the transaction rolls back.
func (svc *Service) Register(events *dbsession.Events) {
	events.OnAfterFlush(svc.afterFlush)
	events.OnAfterRollback(func(_ context.Context, s *dbsession.Session, _ *dbsession.Transaction) error {
		resetCache(s)
		return nil
	})
}

func (svc *Service) afterFlush(_ context.Context, s *dbsession.Session, fc *dbsession.FlushContext) error {
	for _, changes := range [][]dbsession.Change{fc.New, fc.Dirty, fc.Deleted} {
		for _, c := range changes {
			e, ok := c.Object.(*entity.Entity)
			if !ok {
				continue
			}
			if e.Type == subjects.GroupType || e.Type == subjects.UserType {
				resetCache(s)
				return nil
			}
		}
	}
	return nil
}

// sync flushes pending changes so reads see them, unless called from within
// a flush.
func (svc *Service) sync(ctx context.Context, s *dbsession.Session) error {
	if s.Flushing() {
		return nil
	}
	return s.Flush(ctx)
}

func isSystem(p subjects.Principal) bool {
	if p == nil || p.PrincipalKind() != subjects.KindUser {
		return false
	}
	if u, ok := p.(*subjects.User); ok {
		return u.IsSystem()
	}
	return p.PrincipalID() == opcontext.SystemUserID
}

func objectID(obj *entity.Entity) int64 {
	if obj == nil || !obj.IsPersisted() {
		return 0
	}
	return obj.ID
}

// HasRole reports whether p holds one of roles, globally or on obj when obj
// is not nil. Admin and Manager satisfy any query. Storage errors are logged
// and answer false.
func (svc *Service) HasRole(ctx context.Context, s *dbsession.Session, p subjects.Principal, obj *entity.Entity, roles ...Role) bool {
	start := time.Now()
	ok, err := svc.hasRole(ctx, s, p, newRoleSet(roles...), obj)
	if err != nil {
		log.Ctx(ctx).Error().Err(err).Str("principal", principalKey(p)).Msg("role check failed")
		ok = false
	}
	svc.metrics.SecurityCheck("has_role", ok, time.Since(start))
	return ok
}

func principalKey(p subjects.Principal) string {
	if p == nil {
		return ""
	}
	return p.Key()
}

func (svc *Service) hasRole(ctx context.Context, s *dbsession.Session, p subjects.Principal, roles roleSet, obj *entity.Entity) (bool, error) {
	if p == nil {
		return false, nil
	}
	if p.IsAnonymous() && roles.has(Anonymous) {
		return true, nil
	}
	if p.IsAuthenticated() && roles.has(Authenticated) {
		return true, nil
	}
	if isSystem(p) {
		return true, nil
	}
	query := newRoleSet(Admin, Manager)
	for r := range roles {
		query.add(r)
	}
	if obj != nil && p.PrincipalKind() == subjects.KindUser && p.PrincipalID() > 0 {
		if query.has(Creator) && obj.IsCreator(p.PrincipalID()) {
			return true, nil
		}
		if query.has(Owner) && obj.IsOwner(p.PrincipalID()) {
			return true, nil
		}
	}
	if err := svc.sync(ctx, s); err != nil {
		return false, err
	}
	all, err := svc.allRoles(ctx, s, p)
	if err != nil {
		return false, err
	}
	return query.intersects(all.scope(objectID(obj))), nil
}

type checkOptions struct {
	inherit bool
	roles   []Role
}

// CheckOption tunes HasPermission.
type CheckOption func(*checkOptions)

// WithInherit also checks the parents of the object, for as long as each
// level inherits security from its parent.
func WithInherit() CheckOption {
	return func(o *checkOptions) { o.inherit = true }
}

// WithRoles adds roles granting the permission for this check only.
func WithRoles(roles ...Role) CheckOption {
	return func(o *checkOptions) { o.roles = append(o.roles, roles...) }
}

// HasPermission reports whether p may exercise perm, globally or on obj.
//
// Parameters:
//   - p: the user, group or anonymous principal
//   - perm: the permission checked
//   - obj: the entity, nil for a global check
//   - opts: WithInherit to walk up inheriting parents, WithRoles to grant
//     the permission to extra roles
//
// Returns:
//   - true when one of the roles granting perm reaches p on obj, on one of
//     its inheriting parents, or globally. Storage errors answer false.
func (svc *Service) HasPermission(ctx context.Context, s *dbsession.Session, p subjects.Principal, perm Permission, obj *entity.Entity, opts ...CheckOption) bool {
	start := time.Now()
	ok, err := svc.hasPermission(ctx, s, p, perm, obj, opts...)
	if err != nil {
		log.Ctx(ctx).Error().Err(err).Str("principal", principalKey(p)).Str("permission", string(perm)).Msg("permission check failed")
		ok = false
	}
	svc.metrics.SecurityCheck("has_permission", ok, time.Since(start))
	return ok
}

func (svc *Service) hasPermission(ctx context.Context, s *dbsession.Session, p subjects.Principal, perm Permission, obj *entity.Entity, opts ...CheckOption) (bool, error) {
	if p == nil {
		return false, nil
	}
	if isSystem(p) {
		return true, nil
	}
	var o checkOptions
	for _, opt := range opts {
		opt(&o)
	}
	if err := svc.sync(ctx, s); err != nil {
		return false, err
	}
	valid, err := svc.validRoles(ctx, s, perm, obj)
	if err != nil {
		return false, err
	}
	valid.add(o.roles...)
	if valid.has(Anonymous) {
		return true, nil
	}
	if valid.has(Authenticated) && p.IsAuthenticated() {
		return true, nil
	}

	checked := []*entity.Entity{obj}
	if o.inherit && obj != nil && obj.InheritSecurity && obj.ParentID != nil {
		ancestors, err := entity.Ancestors(ctx, s, obj)
		if err != nil {
			return false, err
		}
		for _, a := range ancestors {
			checked = append(checked, a)
			if !a.InheritSecurity {
				break
			}
		}
	}
	for _, item := range checked {
		ok, err := svc.hasRole(ctx, s, p, valid, item)
		if err != nil || ok {
			return ok, err
		}
	}
	return false, nil
}

// validRoles returns Admin, the default roles of perm and the roles of
// permission assignments, global or on obj.
func (svc *Service) validRoles(ctx context.Context, s *dbsession.Session, perm Permission, obj *entity.Entity) (roleSet, error) {
	valid := newRoleSet(Admin)
	valid.add(svc.matrix[perm]...)
	query := "SELECT role FROM permission_assignments WHERE permission = ? AND (object_id IS NULL"
	args := []any{string(perm)}
	if id := objectID(obj); id != 0 {
		query += " OR object_id = ?"
		args = append(args, id)
	}
	rows, err := s.QueryContext(ctx, query+")", args...)
	if err != nil {
		return nil, ErrDatabase.MsgErr("load permission assignments", err)
	}
	defer rows.Close()
	for rows.Next() {
		var role string
		if err := rows.Scan(&role); err != nil {
			return nil, ErrDatabase.MsgErr("scan permission assignment", err)
		}
		valid.add(Role(role))
	}
	if err := rows.Err(); err != nil {
		return nil, ErrDatabase.MsgErr("load permission assignments", err)
	}
	return valid, nil
}

// GetRoles returns the roles p holds on obj, or globally when obj is nil.
// Creator and Owner are included when obj says so. With noGroupRoles only
// assignments made to p itself count.
func (svc *Service) GetRoles(ctx context.Context, s *dbsession.Session, p subjects.Principal, obj *entity.Entity, noGroupRoles bool) ([]Role, error) {
	if p == nil {
		return nil, ErrInvalidPrincipal
	}
	if err := svc.sync(ctx, s); err != nil {
		return nil, err
	}
	out := roleSet{}
	if obj != nil && p.PrincipalKind() == subjects.KindUser && p.PrincipalID() > 0 {
		if obj.IsCreator(p.PrincipalID()) {
			out.add(Creator)
		}
		if obj.IsOwner(p.PrincipalID()) {
			out.add(Owner)
		}
	}
	var scoped func(*principalRoles) roleSet
	if id := objectID(obj); id != 0 {
		scoped = func(pr *principalRoles) roleSet { return pr.objects[id] }
	} else if obj != nil {
		return out.sorted(), nil
	} else {
		scoped = func(pr *principalRoles) roleSet { return pr.global }
	}

	if noGroupRoles {
		if !cacheable(p) {
			return out.sorted(), nil
		}
		where, args := principalWhere(p)
		query := "SELECT role, object_id FROM role_assignments WHERE " + where
		rows, err := s.QueryContext(ctx, query, args...)
		if err != nil {
			return nil, ErrDatabase.MsgErr("load role assignments", err)
		}
		defer rows.Close()
		pr := newPrincipalRoles()
		for rows.Next() {
			var (
				role   string
				object sql.NullInt64
			)
			if err := rows.Scan(&role, &object); err != nil {
				return nil, ErrDatabase.MsgErr("scan role assignment", err)
			}
			pr.add(Role(role), object)
		}
		if err := rows.Err(); err != nil {
			return nil, ErrDatabase.MsgErr("load role assignments", err)
		}
		for r := range scoped(pr) {
			out.add(r)
		}
		return out.sorted(), nil
	}

	all, err := svc.allRoles(ctx, s, p)
	if err != nil {
		return nil, err
	}
	for r := range scoped(all) {
		out.add(r)
	}
	return out.sorted(), nil
}

// principalWhere matches the assignments made to p itself.
func principalWhere(p subjects.Principal) (string, []any) {
	switch p.PrincipalKind() {
	case subjects.KindUser:
		return "user_id = ?", []any{p.PrincipalID()}
	case subjects.KindGroup:
		return "group_id = ?", []any{p.PrincipalID()}
	}
	return "anonymous = ?", []any{true}
}

type principalFilter struct {
	anonymous, users, groups bool
}

// PrincipalOption narrows GetPrincipals.
type PrincipalOption func(*principalFilter)

func WithoutAnonymous() PrincipalOption { return func(f *principalFilter) { f.anonymous = false } }

func WithoutUsers() PrincipalOption { return func(f *principalFilter) { f.users = false } }

func WithoutGroups() PrincipalOption { return func(f *principalFilter) { f.groups = false } }

// GetPrincipals returns the principals role is assigned to on obj, or
// globally when obj is nil: the anonymous principal first, then users and
// groups by id.
func (svc *Service) GetPrincipals(ctx context.Context, s *dbsession.Session, role Role, obj *entity.Entity, opts ...PrincipalOption) ([]subjects.Principal, error) {
	f := principalFilter{anonymous: true, users: true, groups: true}
	for _, opt := range opts {
		opt(&f)
	}
	if err := svc.sync(ctx, s); err != nil {
		return nil, err
	}
	query := "SELECT anonymous, user_id, group_id FROM role_assignments WHERE role = ? AND "
	args := []any{string(role)}
	if obj != nil {
		if !obj.IsPersisted() {
			return nil, nil
		}
		query += "object_id = ?"
		args = append(args, obj.ID)
	} else {
		query += "object_id IS NULL"
	}
	rows, err := s.QueryContext(ctx, query+" ORDER BY anonymous DESC, user_id, group_id", args...)
	if err != nil {
		return nil, ErrDatabase.MsgErr("load role assignments", err)
	}
	var (
		anon              bool
		userIDs, groupIDs []int64
	)
	for rows.Next() {
		var (
			a           bool
			user, group sql.NullInt64
		)
		if err := rows.Scan(&a, &user, &group); err != nil {
			rows.Close()
			return nil, ErrDatabase.MsgErr("scan role assignment", err)
		}
		switch {
		case a:
			anon = true
		case user.Valid:
			userIDs = append(userIDs, user.Int64)
		case group.Valid:
			groupIDs = append(groupIDs, group.Int64)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, ErrDatabase.MsgErr("load role assignments", err)
	}

	var out []subjects.Principal
	if anon && f.anonymous {
		out = append(out, subjects.Anonymous)
	}
	if f.users {
		for _, id := range userIDs {
			u, err := subjects.LoadUser(ctx, s, id)
			if err != nil {
				return nil, err
			}
			out = append(out, u)
		}
	}
	if f.groups {
		for _, id := range groupIDs {
			g, err := subjects.LoadGroup(ctx, s, id)
			if err != nil {
				return nil, err
			}
			out = append(out, g)
		}
	}
	return out, nil
}

// GetPermissionAssignments returns the stored permission assignments on obj,
// or the global ones when obj is nil. The default matrix is not included.
func (svc *Service) GetPermissionAssignments(ctx context.Context, s *dbsession.Session, obj *entity.Entity) (map[Permission][]Role, error) {
	if err := svc.sync(ctx, s); err != nil {
		return nil, err
	}
	query := "SELECT permission, role FROM permission_assignments WHERE "
	var args []any
	if obj != nil {
		if !obj.IsPersisted() {
			return map[Permission][]Role{}, nil
		}
		query += "object_id = ?"
		args = append(args, obj.ID)
	} else {
		query += "object_id IS NULL"
	}
	rows, err := s.QueryContext(ctx, query+" ORDER BY permission, role", args...)
	if err != nil {
		return nil, ErrDatabase.MsgErr("load permission assignments", err)
	}
	defer rows.Close()
	out := map[Permission][]Role{}
	for rows.Next() {
		var perm, role string
		if err := rows.Scan(&perm, &role); err != nil {
			return nil, ErrDatabase.MsgErr("scan permission assignment", err)
		}
		out[Permission(perm)] = append(out[Permission(perm)], Role(role))
	}
	if err := rows.Err(); err != nil {
		return nil, ErrDatabase.MsgErr("load permission assignments", err)
	}
	return out, nil
}

// Matrix returns the roles granted perm without any assignment.
func (svc *Service) Matrix(perm Permission) []Role {
	return append([]Role(nil), svc.matrix[perm]...)
}
