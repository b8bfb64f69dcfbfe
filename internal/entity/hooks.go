package entity

import (
	"context"
	"time"

	"github.com/abilian/abilian-core/internal/common/opcontext"
	"github.com/abilian/abilian-core/internal/db/dbsession"
)

// Register installs the entity mapper and the insert/update listeners that
// maintain timestamps, ownership and slugs.
func Register(events *dbsession.Events, mappers *dbsession.Mappers, reg *Registry) {
	RegisterMapper(mappers)
	events.OnBeforeInsert(func(ctx context.Context, _ *dbsession.Session, obj any) error {
		e, ok := obj.(*Entity)
		if !ok {
			return nil
		}
		return beforeInsert(ctx, reg, e)
	})
	events.OnBeforeUpdate(func(ctx context.Context, _ *dbsession.Session, obj any) error {
		e, ok := obj.(*Entity)
		if !ok {
			return nil
		}
		return beforeUpdate(ctx, reg, e)
	})
}

func now(ctx context.Context) time.Time {
	return opcontext.Now(ctx).Truncate(time.Millisecond)
}

func beforeInsert(ctx context.Context, reg *Registry, e *Entity) error {
	t, err := reg.TypeOf(e)
	if err != nil {
		return err
	}
	ts := now(ctx)
	if e.CreatedAt.IsZero() {
		e.CreatedAt = ts
	}
	if e.UpdatedAt.IsZero() || e.UpdatedAt.Before(e.CreatedAt) {
		e.UpdatedAt = e.CreatedAt
	}
	actor, ok := opcontext.ActorID(ctx)
	if !ok {
		actor = opcontext.SystemUserID
	}
	if e.CreatorID == nil {
		e.SetCreator(actor)
	}
	if e.OwnerID == nil {
		e.SetOwner(actor)
	}
	if e.Slug == "" {
		e.Slug = Slugify(e.Name)
		e.slugAuto = true
	}
	if e.Meta == nil {
		e.Meta = map[string]any{}
	}
	if e.Attrs == nil {
		e.Attrs = map[string]any{}
	}
	return t.ValidateAttrs(e.Attrs)
}

func beforeUpdate(ctx context.Context, reg *Registry, e *Entity) error {
	t, err := reg.TypeOf(e)
	if err != nil {
		return err
	}
	e.UpdatedAt = now(ctx)
	if e.UpdatedAt.Before(e.CreatedAt) {
		e.UpdatedAt = e.CreatedAt
	}
	if e.slugAuto {
		if slug := Slugify(e.Name); slug != e.Slug {
			e.Slug = slug
		}
	}
	return t.ValidateAttrs(e.Attrs)
}
