package audit

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/abilian/abilian-core/internal/db/dbmanager"
	"github.com/abilian/abilian-core/internal/db/dbsession"
)

// Entry is one immutable audit record. EntityRef becomes nil once the entity
// is deleted; EntityID, EntityType and EntityName stay.
type Entry struct {
	ID         int64
	HappenedAt time.Time
	Type       EntryType
	// UserID is the acting user, nil for anonymous changes; 0 is the system user.
	UserID     *int64
	EntityID   int64
	EntityRef  *int64
	EntityType string
	EntityName string
	Changes    *Changes
}

// EntryFilter selects audit entries. Zero fields do not filter.
type EntryFilter struct {
	EntityID   int64
	EntityType string
	UserID     *int64
	Types      []EntryType
	Since      time.Time
	Until      time.Time
	Limit      int
	Offset     int
}

func insertEntry(ctx context.Context, x dbsession.Executor, e *Entry) error {
	changes, err := e.Changes.Encode()
	if err != nil {
		return err
	}
	row := x.QueryRowContext(ctx, `INSERT INTO audit_entries
		(happened_at, type, user_id, entity_id, entity_ref, entity_type, entity_name, changes)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?) RETURNING id`,
		dbmanager.Timestamp{Time: e.HappenedAt}, int(e.Type), nullInt(e.UserID), e.EntityID,
		nullInt(e.EntityRef), e.EntityType, e.EntityName, changes)
	if err := row.Scan(&e.ID); err != nil {
		return ErrDatabase.MsgErr("insert audit entry", err)
	}
	return nil
}

// Entries returns the matching entries, oldest first.
func Entries(ctx context.Context, s *dbsession.Session, f EntryFilter) ([]*Entry, error) {
	var (
		where []string
		args  []any
	)
	if f.EntityID != 0 {
		where = append(where, "entity_id = ?")
		args = append(args, f.EntityID)
	}
	if f.EntityType != "" {
		where = append(where, "entity_type = ?")
		args = append(args, f.EntityType)
	}
	if f.UserID != nil {
		where = append(where, "user_id = ?")
		args = append(args, *f.UserID)
	}
	if len(f.Types) > 0 {
		where = append(where, "type IN ("+dbmanager.In(len(f.Types))+")")
		for _, t := range f.Types {
			args = append(args, int(t))
		}
	}
	if !f.Since.IsZero() {
		where = append(where, "happened_at >= ?")
		args = append(args, dbmanager.Timestamp{Time: f.Since})
	}
	if !f.Until.IsZero() {
		where = append(where, "happened_at < ?")
		args = append(args, dbmanager.Timestamp{Time: f.Until})
	}
	q := `SELECT id, happened_at, type, user_id, entity_id, entity_ref, entity_type, entity_name, changes
		FROM audit_entries`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY happened_at, id" + limitClause(s.Dialect(), f.Limit, f.Offset, &args)

	if err := s.Flush(ctx); err != nil {
		return nil, err
	}
	rows, err := s.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, ErrDatabase.MsgErr("list audit entries", err)
	}
	defer rows.Close()
	var out []*Entry
	for rows.Next() {
		var (
			e          Entry
			happened   dbmanager.Timestamp
			typ        int
			user, ref  sql.NullInt64
			entityID   sql.NullInt64
			rawChanges []byte
		)
		if err := rows.Scan(&e.ID, &happened, &typ, &user, &entityID, &ref, &e.EntityType, &e.EntityName, &rawChanges); err != nil {
			return nil, ErrDatabase.MsgErr("scan audit entry", err)
		}
		e.HappenedAt = happened.Time
		e.Type = EntryType(typ)
		e.UserID = fromNull(user)
		e.EntityID = entityID.Int64
		e.EntityRef = fromNull(ref)
		if e.Changes, err = DecodeChanges(rawChanges); err != nil {
			return nil, err
		}
		out = append(out, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, ErrDatabase.MsgErr("list audit entries", err)
	}
	return out, nil
}

// EntriesFor returns the history of the entity with id.
func EntriesFor(ctx context.Context, s *dbsession.Session, entityID int64) ([]*Entry, error) {
	return Entries(ctx, s, EntryFilter{EntityID: entityID})
}

func limitClause(d dbmanager.Dialect, limit, offset int, args *[]any) string {
	var q string
	switch {
	case limit > 0:
		q = " LIMIT ?"
		*args = append(*args, limit)
	case offset > 0 && d == dbmanager.Postgres:
		q = " LIMIT ALL"
	case offset > 0:
		q = " LIMIT -1"
	}
	if offset > 0 {
		q += " OFFSET ?"
		*args = append(*args, offset)
	}
	return q
}

func nullInt(p *int64) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *p, Valid: true}
}

func fromNull(n sql.NullInt64) *int64 {
	if !n.Valid {
		return nil
	}
	v := n.Int64
	return &v
}

func ptr(v int64) *int64 { return &v }
