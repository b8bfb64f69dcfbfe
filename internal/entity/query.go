package entity

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/abilian/abilian-core/internal/db/dbmanager"
	"github.com/abilian/abilian-core/internal/db/dbsession"
)

// Predicate is an SQL boolean expression over the entities table aliased "e",
// written with "?" placeholders.
type Predicate struct {
	SQL  string
	Args []any
}

// Where builds a predicate from a raw expression.
func Where(expr string, args ...any) Predicate {
	return Predicate{SQL: expr, Args: args}
}

// True matches every row.
func True() Predicate {
	return Predicate{SQL: "1 = 1"}
}

// False matches no row.
func False() Predicate {
	return Predicate{SQL: "1 = 0"}
}

// And joins predicates; no predicate means true.
func And(ps ...Predicate) Predicate {
	return join(" AND ", True(), ps)
}

// Or joins predicates; no predicate means false.
func Or(ps ...Predicate) Predicate {
	return join(" OR ", False(), ps)
}

func join(op string, empty Predicate, ps []Predicate) Predicate {
	if len(ps) == 0 {
		return empty
	}
	if len(ps) == 1 {
		return ps[0]
	}
	parts := make([]string, 0, len(ps))
	var args []any
	for _, p := range ps {
		parts = append(parts, "("+p.SQL+")")
		args = append(args, p.Args...)
	}
	return Predicate{SQL: strings.Join(parts, op), Args: args}
}

// TypeIs restricts to the given entity types.
func TypeIs(names ...string) Predicate {
	if len(names) == 0 {
		return True()
	}
	args := make([]any, len(names))
	for i, n := range names {
		args[i] = n
	}
	return Predicate{SQL: "e.entity_type IN (" + dbmanager.In(len(names)) + ")", Args: args}
}

// AttrExpr returns the SQL expression reading attribute key as text.
func AttrExpr(d dbmanager.Dialect, key string) string {
	quoted := strings.ReplaceAll(key, "'", "''")
	if d == dbmanager.Postgres {
		return "(e.attrs->>'" + quoted + "')"
	}
	return "json_extract(e.attrs, '$." + quoted + "')"
}

// AttrEquals matches entities whose attribute key equals v.
func AttrEquals(d dbmanager.Dialect, key string, v any) Predicate {
	if d == dbmanager.Postgres {
		return Predicate{SQL: AttrExpr(d, key) + " = ?", Args: []any{fmt.Sprint(v)}}
	}
	return Predicate{SQL: AttrExpr(d, key) + " = ?", Args: []any{v}}
}

// Query selects entities.
type Query struct {
	Types   []string
	Where   []Predicate
	OrderBy string
	Limit   int
	Offset  int
}

func (q Query) predicate() Predicate {
	return And(append([]Predicate{TypeIs(q.Types...)}, q.Where...)...)
}

// Get returns the entity with id, from the session identity map when attached.
// Pending changes are flushed first.
func Get(ctx context.Context, s *dbsession.Session, id int64) (*Entity, error) {
	if obj, ok := s.Lookup(IdentityKey(id)); ok {
		return obj.(*Entity), nil
	}
	if err := s.Flush(ctx); err != nil {
		return nil, err
	}
	row := s.QueryRowContext(ctx, "SELECT "+selectColumns+" FROM entities e WHERE e.id = ?", id)
	e, err := scanEntity(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound.Msg(fmt.Sprintf("entity %d not found", id))
		}
		return nil, ErrDatabase.MsgErr("load entity", err)
	}
	return attach(s, e)
}

// GetTyped returns the entity with id, checking its type.
func GetTyped(ctx context.Context, s *dbsession.Session, typeName string, id int64) (*Entity, error) {
	e, err := Get(ctx, s, id)
	if err != nil {
		return nil, err
	}
	if e.Type != typeName {
		return nil, ErrNotFound.Msg(fmt.Sprintf("%s %d not found", typeName, id))
	}
	return e, nil
}

// Find returns the entities matching q, ordered by id unless q says otherwise.
func Find(ctx context.Context, s *dbsession.Session, q Query) ([]*Entity, error) {
	if err := s.Flush(ctx); err != nil {
		return nil, err
	}
	p := q.predicate()
	query := "SELECT " + selectColumns + " FROM entities e WHERE " + p.SQL
	if q.OrderBy != "" {
		query += " ORDER BY " + q.OrderBy
	} else {
		query += " ORDER BY e.id"
	}
	args := p.Args
	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}
	if q.Offset > 0 {
		if q.Limit <= 0 {
			query += " LIMIT -1"
			if s.Dialect() == dbmanager.Postgres {
				query = strings.TrimSuffix(query, " LIMIT -1") + " LIMIT ALL"
			}
		}
		query += " OFFSET ?"
		args = append(args, q.Offset)
	}
	rows, err := s.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, ErrDatabase.MsgErr("find entities", err)
	}
	var loaded []*Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			rows.Close()
			return nil, ErrDatabase.MsgErr("scan entity", err)
		}
		loaded = append(loaded, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, ErrDatabase.MsgErr("find entities", err)
	}
	out := make([]*Entity, 0, len(loaded))
	for _, e := range loaded {
		attached, err := attach(s, e)
		if err != nil {
			return nil, err
		}
		out = append(out, attached)
	}
	return out, nil
}

// Count returns the number of entities matching q.
func Count(ctx context.Context, s *dbsession.Session, q Query) (int, error) {
	if err := s.Flush(ctx); err != nil {
		return 0, err
	}
	p := q.predicate()
	var n int
	if err := s.QueryRowContext(ctx, "SELECT COUNT(*) FROM entities e WHERE "+p.SQL, p.Args...).Scan(&n); err != nil {
		return 0, ErrDatabase.MsgErr("count entities", err)
	}
	return n, nil
}

// Related returns the ids in relation rel of e, pending changes included.
func Related(ctx context.Context, s *dbsession.Session, e *Entity, rel string) ([]int64, error) {
	var ids []int64
	if e.IsPersisted() {
		var err error
		if ids, err = queryIDs(ctx, s,
			"SELECT to_id FROM entity_relations WHERE relation = ? AND from_id = ? ORDER BY to_id", rel, e.ID); err != nil {
			return nil, err
		}
	}
	if c, ok := e.pending[rel]; ok {
		for _, id := range c.Removed {
			if i := indexOf(ids, id); i >= 0 {
				ids = append(ids[:i], ids[i+1:]...)
			}
		}
		for _, id := range c.Added {
			if indexOf(ids, id) < 0 {
				ids = append(ids, id)
			}
		}
	}
	return ids, nil
}

// RelatedFrom returns the ids of the entities having id in relation rel.
func RelatedFrom(ctx context.Context, s *dbsession.Session, rel string, id int64) ([]int64, error) {
	if err := s.Flush(ctx); err != nil {
		return nil, err
	}
	return queryIDs(ctx, s,
		"SELECT from_id FROM entity_relations WHERE relation = ? AND to_id = ? ORDER BY from_id", rel, id)
}

func queryIDs(ctx context.Context, s *dbsession.Session, query string, args ...any) ([]int64, error) {
	rows, err := s.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, ErrDatabase.MsgErr("query relation", err)
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, ErrDatabase.MsgErr("scan relation", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func attach(s *dbsession.Session, e *Entity) (*Entity, error) {
	obj, err := s.Attach(e)
	if err != nil {
		return nil, err
	}
	return obj.(*Entity), nil
}
