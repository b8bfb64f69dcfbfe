package security

import (
	"context"
	"database/sql"
	"strconv"

	"github.com/rs/zerolog/log"

	"github.com/abilian/abilian-core/internal/audit"
	"github.com/abilian/abilian-core/internal/db/dberror"
	"github.com/abilian/abilian-core/internal/db/dbsession"
	"github.com/abilian/abilian-core/internal/entity"
	"github.com/abilian/abilian-core/internal/subjects"
)

// assignee holds the principal columns of a role assignment.
type assignee struct {
	anonymous bool
	user      sql.NullInt64
	group     sql.NullInt64
}

func assigneeOf(p subjects.Principal) (assignee, error) {
	if p == nil {
		return assignee{}, ErrInvalidPrincipal
	}
	switch p.PrincipalKind() {
	case subjects.KindAnonymous:
		return assignee{anonymous: true}, nil
	case subjects.KindUser:
		if u, ok := p.(*subjects.User); ok && !u.IsPersisted() {
			return assignee{}, ErrInvalidPrincipal.Msg("user is not persisted")
		}
		return assignee{user: sql.NullInt64{Int64: p.PrincipalID(), Valid: true}}, nil
	case subjects.KindGroup:
		if p.PrincipalID() <= 0 {
			return assignee{}, ErrInvalidPrincipal.Msg("group is not persisted")
		}
		return assignee{group: sql.NullInt64{Int64: p.PrincipalID(), Valid: true}}, nil
	}
	return assignee{}, ErrInvalidPrincipal.Msg(string(p.PrincipalKind()))
}

func (a assignee) entry(op audit.SecurityOp, role Role, obj *entity.Entity) *audit.SecurityEntry {
	e := &audit.SecurityEntry{Op: op, Role: string(role), Anonymous: a.anonymous}
	if a.user.Valid {
		e.UserID = &a.user.Int64
	}
	if a.group.Valid {
		e.GroupID = &a.group.Int64
	}
	if obj != nil {
		id := obj.ID
		e.ObjectID, e.ObjectType, e.ObjectName = &id, obj.Type, obj.Name
	}
	return e
}

// objectArg checks that obj, when given, is a persisted entity, flushing it
// first if it is pending.
func (svc *Service) objectArg(ctx context.Context, s *dbsession.Session, obj *entity.Entity) (sql.NullInt64, error) {
	if obj == nil {
		return sql.NullInt64{}, nil
	}
	if !obj.IsPersisted() && s.Contains(obj) {
		if err := svc.sync(ctx, s); err != nil {
			return sql.NullInt64{}, err
		}
	}
	if !obj.IsPersisted() || obj.IsDeleted() {
		return sql.NullInt64{}, ErrNotAnEntity
	}
	if svc.reg != nil {
		if _, err := svc.reg.TypeOf(obj); err != nil {
			return sql.NullInt64{}, ErrNotAnEntity.MsgErr(obj.Type, err)
		}
	}
	return sql.NullInt64{Int64: obj.ID, Valid: true}, nil
}

const assignmentMatch = "role = ? AND anonymous = ? AND COALESCE(user_id, -1) = ? AND COALESCE(group_id, -1) = ? AND COALESCE(object_id, -1) = ?"

func assignmentArgs(role Role, a assignee, object sql.NullInt64) []any {
	return []any{string(role), a.anonymous, orNone(a.user), orNone(a.group), orNone(object)}
}

// GrantRole assigns role to p on obj, or globally when obj is nil. Granting
// an existing assignment does nothing.
func (svc *Service) GrantRole(ctx context.Context, s *dbsession.Session, p subjects.Principal, role Role, obj *entity.Entity) error {
	if !role.Valid() {
		return ErrUnknownRole.Msg(string(role))
	}
	if !role.Assignable() {
		return ErrNotAssignable.Msg(string(role))
	}
	a, err := assigneeOf(p)
	if err != nil {
		return err
	}
	object, err := svc.objectArg(ctx, s, obj)
	if err != nil {
		return err
	}

	var exists int
	err = s.QueryRowContext(ctx, "SELECT COUNT(*) FROM role_assignments WHERE "+assignmentMatch,
		assignmentArgs(role, a, object)...).Scan(&exists)
	if err != nil {
		return ErrDatabase.MsgErr("check role assignment", err)
	}
	if exists > 0 {
		return nil
	}

	err = s.WithSavepoint(ctx, func() error {
		_, err := s.ExecContext(ctx,
			"INSERT INTO role_assignments (role, anonymous, user_id, group_id, object_id) VALUES (?, ?, ?, ?, ?)",
			string(role), a.anonymous, a.user, a.group, object)
		return err
	})
	if err != nil {
		if dberror.IsUniqueViolation(err) {
			// granted concurrently
			return nil
		}
		return ErrDatabase.MsgErr("insert role assignment", err)
	}
	if err := audit.LogSecurity(ctx, s, a.entry(audit.Grant, role, obj)); err != nil {
		return err
	}
	svc.invalidate(ctx, s, p)
	log.Ctx(ctx).Info().Str("principal", p.Key()).Str("role", string(role)).Int64("object_id", object.Int64).Msg("role granted")
	return nil
}

// UngrantRole removes the assignment of role to p on obj. Removing a missing
// assignment does nothing.
func (svc *Service) UngrantRole(ctx context.Context, s *dbsession.Session, p subjects.Principal, role Role, obj *entity.Entity) error {
	if !role.Valid() {
		return ErrUnknownRole.Msg(string(role))
	}
	a, err := assigneeOf(p)
	if err != nil {
		return err
	}
	object, err := svc.objectArg(ctx, s, obj)
	if err != nil {
		return err
	}
	res, err := s.ExecContext(ctx, "DELETE FROM role_assignments WHERE "+assignmentMatch, assignmentArgs(role, a, object)...)
	if err != nil {
		return ErrDatabase.MsgErr("delete role assignment", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return nil
	}
	if err := audit.LogSecurity(ctx, s, a.entry(audit.Revoke, role, obj)); err != nil {
		return err
	}
	svc.invalidate(ctx, s, p)
	log.Ctx(ctx).Info().Str("principal", p.Key()).Str("role", string(role)).Int64("object_id", object.Int64).Msg("role revoked")
	return nil
}

// invalidate drops the cached roles of p and, for a group, of its members.
// Assignments to everybody reach every principal.
func (svc *Service) invalidate(ctx context.Context, s *dbsession.Session, p subjects.Principal) {
	cache := cacheOf(s)
	switch p.PrincipalKind() {
	case subjects.KindAnonymous:
		resetCache(s)
	case subjects.KindGroup:
		cache.invalidate(p.Key())
		g, ok := p.(*subjects.Group)
		if !ok {
			resetCache(s)
			return
		}
		members, err := subjects.MemberIDs(ctx, s, g)
		if err != nil {
			log.Ctx(ctx).Warn().Err(err).Str("group", p.Key()).Msg("cannot list group members, dropping role cache")
			resetCache(s)
			return
		}
		for _, id := range members {
			cache.invalidate("user:" + strconv.FormatInt(id, 10))
		}
	default:
		cache.invalidate(p.Key())
	}
}

// AddPermission grants perm to the holders of role on obj, or everywhere
// when obj is nil.
func (svc *Service) AddPermission(ctx context.Context, s *dbsession.Session, perm Permission, role Role, obj *entity.Entity) error {
	if !perm.Valid() {
		return ErrUnknownPermission.Msg(string(perm))
	}
	if !role.Valid() {
		return ErrUnknownRole.Msg(string(role))
	}
	object, err := svc.objectArg(ctx, s, obj)
	if err != nil {
		return err
	}
	var exists int
	err = s.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM permission_assignments WHERE permission = ? AND role = ? AND COALESCE(object_id, -1) = ?",
		string(perm), string(role), orNone(object)).Scan(&exists)
	if err != nil {
		return ErrDatabase.MsgErr("check permission assignment", err)
	}
	if exists > 0 {
		return nil
	}
	err = s.WithSavepoint(ctx, func() error {
		_, err := s.ExecContext(ctx, "INSERT INTO permission_assignments (permission, role, object_id) VALUES (?, ?, ?)",
			string(perm), string(role), object)
		return err
	})
	if err != nil && !dberror.IsUniqueViolation(err) {
		return ErrDatabase.MsgErr("insert permission assignment", err)
	}
	return nil
}

// DeletePermission removes a permission assignment. Removing a missing one
// does nothing.
func (svc *Service) DeletePermission(ctx context.Context, s *dbsession.Session, perm Permission, role Role, obj *entity.Entity) error {
	if !perm.Valid() {
		return ErrUnknownPermission.Msg(string(perm))
	}
	if !role.Valid() {
		return ErrUnknownRole.Msg(string(role))
	}
	object, err := svc.objectArg(ctx, s, obj)
	if err != nil {
		return err
	}
	_, err = s.ExecContext(ctx,
		"DELETE FROM permission_assignments WHERE permission = ? AND role = ? AND COALESCE(object_id, -1) = ?",
		string(perm), string(role), orNone(object))
	if err != nil {
		return ErrDatabase.MsgErr("delete permission assignment", err)
	}
	return nil
}

func orNone(n sql.NullInt64) int64 {
	if n.Valid {
		return n.Int64
	}
	return -1
}

// SetInheritSecurity switches whether obj inherits the assignments of its
// parent. The type of obj must declare entity.Inheritance. Every call is
// recorded in the security log; the entity change itself is written at the
// next flush.
func (svc *Service) SetInheritSecurity(ctx context.Context, s *dbsession.Session, obj *entity.Entity, inherit bool) error {
	if obj == nil {
		return ErrNotAnEntity
	}
	if !s.Contains(obj) {
		if err := s.Add(obj); err != nil {
			return err
		}
	}
	if _, err := svc.objectArg(ctx, s, obj); err != nil {
		return err
	}
	if svc.reg != nil && !svc.reg.Supports(obj, entity.Inheritance) {
		return ErrNoInheritance.Msg(obj.Type)
	}
	obj.InheritSecurity = inherit
	op := audit.UnsetInherit
	if inherit {
		op = audit.SetInherit
	}
	id := obj.ID
	return audit.LogSecurity(ctx, s, &audit.SecurityEntry{
		Op:         op,
		ObjectID:   &id,
		ObjectType: obj.Type,
		ObjectName: obj.Name,
	})
}
