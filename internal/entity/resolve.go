package entity

import (
	"context"
	"strings"

	"github.com/abilian/abilian-core/internal/db/dbsession"
)

// Resolve walks a dotted path of references from e: "parent", "owner",
// "creator" or a ref attribute, e.g. "parent.owner" or "document". It returns
// nil when a link along the path is unset.
func Resolve(ctx context.Context, s *dbsession.Session, e *Entity, path string) (*Entity, error) {
	if path == "" {
		return nil, ErrInvalidPath
	}
	cur := e
	for _, step := range strings.Split(path, ".") {
		var next *int64
		switch step {
		case "parent":
			next = cur.ParentID
		case "owner":
			next = cur.OwnerID
		case "creator":
			next = cur.CreatorID
		case "":
			return nil, ErrInvalidPath.Msg(path)
		default:
			next = cur.Ref(step)
		}
		if next == nil {
			return nil, nil
		}
		target, err := Get(ctx, s, *next)
		if err != nil {
			return nil, err
		}
		cur = target
	}
	return cur, nil
}

// Ancestors returns the parent chain of e, nearest first. Cycles end the walk.
func Ancestors(ctx context.Context, s *dbsession.Session, e *Entity) ([]*Entity, error) {
	var out []*Entity
	seen := map[int64]bool{e.ID: true}
	cur := e
	for cur.ParentID != nil && !seen[*cur.ParentID] {
		parent, err := Get(ctx, s, *cur.ParentID)
		if err != nil {
			return nil, err
		}
		seen[parent.ID] = true
		out = append(out, parent)
		cur = parent
	}
	return out, nil
}
