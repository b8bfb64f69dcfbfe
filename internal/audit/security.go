package audit

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/abilian/abilian-core/internal/common/opcontext"
	"github.com/abilian/abilian-core/internal/db/dbmanager"
	"github.com/abilian/abilian-core/internal/db/dbsession"
)

// SecurityOp is the operation recorded by a security audit entry.
type SecurityOp string

const (
	Grant        SecurityOp = "GRANT"
	Revoke       SecurityOp = "REVOKE"
	SetInherit   SecurityOp = "SET_INHERIT"
	UnsetInherit SecurityOp = "UNSET_INHERIT"
)

func (op SecurityOp) Valid() bool {
	switch op {
	case Grant, Revoke, SetInherit, UnsetInherit:
		return true
	}
	return false
}

// SecurityEntry records a role grant or revocation, or an inheritance switch.
// At most one of UserID, GroupID and Anonymous designates the principal.
type SecurityEntry struct {
	ID         int64
	HappenedAt time.Time
	Op         SecurityOp
	ManagerID  *int64
	UserID     *int64
	GroupID    *int64
	Anonymous  bool
	Role       string
	ObjectID   *int64
	ObjectType string
	ObjectName string
}

// SecurityFilter selects security entries. Zero fields do not filter.
type SecurityFilter struct {
	ObjectID *int64
	UserID   *int64
	GroupID  *int64
	Ops      []SecurityOp
	Limit    int
}

// LogSecurity appends e inside the caller's transaction. HappenedAt and
// ManagerID default to the operation context.
func LogSecurity(ctx context.Context, s *dbsession.Session, e *SecurityEntry) error {
	if !e.Op.Valid() {
		return ErrInvalidOp.Msg(string(e.Op))
	}
	if e.HappenedAt.IsZero() {
		e.HappenedAt = opcontext.Now(ctx).Truncate(time.Millisecond)
	}
	if e.ManagerID == nil {
		if id, ok := opcontext.ActorID(ctx); ok {
			e.ManagerID = ptr(id)
		}
	}
	row := s.QueryRowContext(ctx, `INSERT INTO security_audit
		(happened_at, op, manager_id, user_id, group_id, anonymous, role, object_id, object_type, object_name)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?) RETURNING id`,
		dbmanager.Timestamp{Time: e.HappenedAt}, string(e.Op), nullInt(e.ManagerID), nullInt(e.UserID),
		nullInt(e.GroupID), e.Anonymous, nullString(e.Role), nullInt(e.ObjectID),
		nullString(e.ObjectType), nullString(e.ObjectName))
	if err := row.Scan(&e.ID); err != nil {
		return ErrDatabase.MsgErr("insert security audit entry", err)
	}
	return nil
}

// SecurityEntries returns the matching security entries, oldest first.
func SecurityEntries(ctx context.Context, s *dbsession.Session, f SecurityFilter) ([]*SecurityEntry, error) {
	var (
		where []string
		args  []any
	)
	if f.ObjectID != nil {
		where = append(where, "object_id = ?")
		args = append(args, *f.ObjectID)
	}
	if f.UserID != nil {
		where = append(where, "user_id = ?")
		args = append(args, *f.UserID)
	}
	if f.GroupID != nil {
		where = append(where, "group_id = ?")
		args = append(args, *f.GroupID)
	}
	if len(f.Ops) > 0 {
		where = append(where, "op IN ("+dbmanager.In(len(f.Ops))+")")
		for _, op := range f.Ops {
			args = append(args, string(op))
		}
	}
	q := `SELECT id, happened_at, op, manager_id, user_id, group_id, anonymous, role, object_id, object_type, object_name
		FROM security_audit`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY happened_at, id" + limitClause(s.Dialect(), f.Limit, 0, &args)

	rows, err := s.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, ErrDatabase.MsgErr("list security audit entries", err)
	}
	defer rows.Close()
	var out []*SecurityEntry
	for rows.Next() {
		var (
			e                    SecurityEntry
			happened             dbmanager.Timestamp
			op                   string
			manager, user, group sql.NullInt64
			object               sql.NullInt64
			role, otype, oname   sql.NullString
		)
		if err := rows.Scan(&e.ID, &happened, &op, &manager, &user, &group, &e.Anonymous,
			&role, &object, &otype, &oname); err != nil {
			return nil, ErrDatabase.MsgErr("scan security audit entry", err)
		}
		e.HappenedAt = happened.Time
		e.Op = SecurityOp(op)
		e.ManagerID, e.UserID, e.GroupID, e.ObjectID = fromNull(manager), fromNull(user), fromNull(group), fromNull(object)
		e.Role, e.ObjectType, e.ObjectName = role.String, otype.String, oname.String
		out = append(out, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, ErrDatabase.MsgErr("list security audit entries", err)
	}
	return out, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
