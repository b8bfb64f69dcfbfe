package entity

import (
	"context"
	"database/sql"

	"github.com/jackc/pgtype"

	"github.com/abilian/abilian-core/internal/db/dbmanager"
	"github.com/abilian/abilian-core/internal/db/dbsession"
)

const selectColumns = `e.id, e.entity_type, e.name, e.slug, e.created_at, e.updated_at,
	e.creator_id, e.owner_id, e.parent_id, e.inherit_security, e.meta, e.attrs`

// Mapper persists *Entity for dbsession.
type Mapper struct{}

var _ dbsession.Mapper = Mapper{}

// RegisterMapper binds *Entity to the entity mapper.
func RegisterMapper(m *dbsession.Mappers) {
	m.Register(&Entity{}, Mapper{})
}

func (Mapper) Identity(obj any) string {
	e := obj.(*Entity)
	if !e.persisted {
		return ""
	}
	return IdentityKey(e.ID)
}

func (Mapper) Insert(ctx context.Context, x dbsession.Executor, obj any) error {
	e := obj.(*Entity)
	meta, attrs, err := jsonColumns(e)
	if err != nil {
		return err
	}
	row := x.QueryRowContext(ctx, `INSERT INTO entities
		(entity_type, name, slug, created_at, updated_at, creator_id, owner_id, parent_id, inherit_security, meta, attrs)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?) RETURNING id`,
		e.Type, e.Name, e.Slug,
		dbmanager.Timestamp{Time: e.CreatedAt}, dbmanager.Timestamp{Time: e.UpdatedAt},
		nullInt(e.CreatorID), nullInt(e.OwnerID), nullInt(e.ParentID),
		e.InheritSecurity, meta, attrs)
	if err := row.Scan(&e.ID); err != nil {
		return ErrDatabase.MsgErr("insert entity", err)
	}
	e.persisted = true
	e.deleted = false
	return writeCollections(ctx, x, e)
}

func (Mapper) Update(ctx context.Context, x dbsession.Executor, obj any, snapshot any) error {
	e := obj.(*Entity)
	if snap, ok := snapshot.(*Snapshot); ok && snap != nil {
		if snap.Type != e.Type {
			return ErrImmutable.Msg("entity_type cannot change")
		}
		if snap.ID != e.ID {
			return ErrImmutable.Msg("id cannot change")
		}
	}
	meta, attrs, err := jsonColumns(e)
	if err != nil {
		return err
	}
	_, err = x.ExecContext(ctx, `UPDATE entities SET
		name = ?, slug = ?, created_at = ?, updated_at = ?, creator_id = ?, owner_id = ?,
		parent_id = ?, inherit_security = ?, meta = ?, attrs = ?
		WHERE id = ?`,
		e.Name, e.Slug,
		dbmanager.Timestamp{Time: e.CreatedAt}, dbmanager.Timestamp{Time: e.UpdatedAt},
		nullInt(e.CreatorID), nullInt(e.OwnerID), nullInt(e.ParentID),
		e.InheritSecurity, meta, attrs, e.ID)
	if err != nil {
		return ErrDatabase.MsgErr("update entity", err)
	}
	return writeCollections(ctx, x, e)
}

func (Mapper) Delete(ctx context.Context, x dbsession.Executor, obj any) error {
	e := obj.(*Entity)
	if _, err := x.ExecContext(ctx, "DELETE FROM entities WHERE id = ?", e.ID); err != nil {
		return ErrDatabase.MsgErr("delete entity", err)
	}
	e.deleted = true
	return nil
}

func (Mapper) Snapshot(obj any) any {
	return TakeSnapshot(obj.(*Entity))
}

func (Mapper) Modified(obj any, snapshot any) bool {
	snap, _ := snapshot.(*Snapshot)
	return snap.Modified(obj.(*Entity))
}

func writeCollections(ctx context.Context, x dbsession.Executor, e *Entity) error {
	e.flushed = nil
	for _, rel := range e.pendingRelations() {
		c := e.pending[rel]
		for _, id := range c.Added {
			if _, err := x.ExecContext(ctx,
				"INSERT INTO entity_relations (relation, from_id, to_id) VALUES (?, ?, ?) ON CONFLICT DO NOTHING",
				rel, e.ID, id); err != nil {
				return ErrDatabase.MsgErr("add to relation "+rel, err)
			}
		}
		for _, id := range c.Removed {
			if _, err := x.ExecContext(ctx,
				"DELETE FROM entity_relations WHERE relation = ? AND from_id = ? AND to_id = ?",
				rel, e.ID, id); err != nil {
				return ErrDatabase.MsgErr("remove from relation "+rel, err)
			}
		}
		if e.flushed == nil {
			e.flushed = map[string]*CollectionChange{}
		}
		e.flushed[rel] = c
	}
	e.pending = nil
	return nil
}

func jsonColumns(e *Entity) (pgtype.JSONB, pgtype.JSONB, error) {
	meta, err := jsonb(e.Meta)
	if err != nil {
		return meta, meta, err
	}
	attrs, err := jsonb(e.Attrs)
	return meta, attrs, err
}

func jsonb(m map[string]any) (pgtype.JSONB, error) {
	if m == nil {
		m = map[string]any{}
	}
	b, err := json.Marshal(m)
	if err != nil {
		return pgtype.JSONB{}, ErrSerialization.Err(err)
	}
	return pgtype.JSONB{Bytes: b, Status: pgtype.Present}, nil
}

func nullInt(p *int64) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *p, Valid: true}
}

// scanEntity reads one row selected with selectColumns.
func scanEntity(row dbsession.Row) (*Entity, error) {
	e := &Entity{}
	var (
		created, updated       dbmanager.Timestamp
		creator, owner, parent sql.NullInt64
		meta, attrs            pgtype.JSONB
	)
	if err := row.Scan(&e.ID, &e.Type, &e.Name, &e.Slug, &created, &updated,
		&creator, &owner, &parent, &e.InheritSecurity, &meta, &attrs); err != nil {
		return nil, err
	}
	e.CreatedAt, e.UpdatedAt = created.Time, updated.Time
	e.CreatorID = fromNull(creator)
	e.OwnerID = fromNull(owner)
	e.ParentID = fromNull(parent)
	e.Meta = map[string]any{}
	e.Attrs = map[string]any{}
	if meta.Status == pgtype.Present && len(meta.Bytes) > 0 {
		if err := json.Unmarshal(meta.Bytes, &e.Meta); err != nil {
			return nil, ErrSerialization.Err(err)
		}
	}
	if attrs.Status == pgtype.Present && len(attrs.Bytes) > 0 {
		if err := json.Unmarshal(attrs.Bytes, &e.Attrs); err != nil {
			return nil, ErrSerialization.Err(err)
		}
	}
	e.persisted = true
	e.slugAuto = e.Slug == Slugify(e.Name)
	return e, nil
}

func fromNull(n sql.NullInt64) *int64 {
	if !n.Valid {
		return nil
	}
	v := n.Int64
	return &v
}
