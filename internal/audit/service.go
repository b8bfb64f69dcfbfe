// Package audit records every mutation of entities as append-only entries.
//
// The service listens to the session flush: each new, modified or deleted
// entity yields one entry per flush, built from the difference between the
// entity and the snapshot taken when it was loaded or last flushed. Entries
// of types declaring a RelatedAudit are logged against the entity at the end
// of their path, with the Related bit set.
package audit

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/abilian/abilian-core/internal/common/apperrors"
	"github.com/abilian/abilian-core/internal/common/opcontext"
	"github.com/abilian/abilian-core/internal/db/dbsession"
	"github.com/abilian/abilian-core/internal/entity"
	"github.com/abilian/abilian-core/internal/metrics"
)

// Built-in columns recorded in entries. Timestamps, slug, creator and meta
// change as a side effect of other writes and are left out.
var auditedColumns = map[string]bool{
	"name":      true,
	"owner_id":  true,
	"parent_id": true,
}

// Service is the audit service. It records nothing until started.
type Service struct {
	reg     *entity.Registry
	metrics *metrics.Metrics
	strict  bool
	running atomic.Bool
}

// New returns a stopped service. When strict is set, failures to build or
// write an entry fail the flush; otherwise they are logged and swallowed.
func New(reg *entity.Registry, m *metrics.Metrics, strict bool) *Service {
	return &Service{reg: reg, metrics: m, strict: strict}
}

func (svc *Service) Start() { svc.running.Store(true) }

func (svc *Service) Stop() { svc.running.Store(false) }

func (svc *Service) Running() bool { return svc.running.Load() }

// Register installs the flush listener.
func (svc *Service) Register(events *dbsession.Events) {
	events.OnAfterFlush(svc.afterFlush)
}

type pending struct {
	op     EntryType
	entity *entity.Entity
	snap   *entity.Snapshot
}

func (svc *Service) afterFlush(ctx context.Context, s *dbsession.Session, fc *dbsession.FlushContext) error {
	if !svc.Running() {
		return nil
	}
	var work []pending
	collect := func(op EntryType, changes []dbsession.Change) {
		for _, c := range changes {
			e, ok := c.Object.(*entity.Entity)
			if !ok {
				continue
			}
			snap, _ := c.Snapshot.(*entity.Snapshot)
			work = append(work, pending{op: op, entity: e, snap: snap})
		}
	}
	collect(Creation, fc.New)
	collect(Update, fc.Dirty)
	collect(Deletion, fc.Deleted)
	if len(work) == 0 {
		return nil
	}

	// Entries of one flush share their timestamp.
	now := opcontext.Now(ctx).Truncate(time.Millisecond)
	var user *int64
	if id, ok := opcontext.ActorID(ctx); ok {
		user = ptr(id)
	}
	for _, p := range work {
		if err := svc.log(ctx, s, p, now, user); err != nil {
			svc.metrics.AuditFailure()
			log.Ctx(ctx).Error().Err(err).Str("entity", p.entity.ObjectKey()).Str("op", p.op.String()).Msg("audit entry failed")
			if svc.strict || opcontext.IsDebug(ctx) {
				return err
			}
		}
	}
	return nil
}

func (svc *Service) log(ctx context.Context, s *dbsession.Session, p pending, now time.Time, user *int64) error {
	t, ok := svc.reg.Lookup(p.entity.Type)
	if ok && t.NotAuditable {
		return nil
	}
	changes := BuildChanges(t, p.op, p.snap, p.entity)
	if p.op == Update && changes.Empty() {
		return nil
	}

	entry := &Entry{
		HappenedAt: now,
		Type:       p.op,
		UserID:     user,
		EntityID:   p.entity.ID,
		EntityType: p.entity.Type,
		EntityName: p.entity.Name,
		Changes:    changes,
	}
	if p.op != Deletion {
		entry.EntityRef = ptr(p.entity.ID)
	}
	if t != nil && t.RelatedAudit != nil {
		target, err := entity.Resolve(ctx, s, p.entity, t.RelatedAudit.Path)
		if apperrors.IsKind(err, apperrors.KindNotFound) {
			// The target went away in the same flush.
			return nil
		}
		if err != nil {
			return err
		}
		if target == nil {
			log.Ctx(ctx).Debug().Str("entity", p.entity.ObjectKey()).Msg("related audit target not set")
			return nil
		}
		entry.Type = p.op | Related
		entry.EntityID = target.ID
		entry.EntityType = target.Type
		entry.EntityName = target.Name
		entry.EntityRef = ptr(target.ID)
		entry.Changes = NewChanges()
		entry.Changes.Columns[RelatedLabel(t.RelatedAudit, p.entity)] = Change{Nested: changes}
	}

	err := s.WithSavepoint(ctx, func() error {
		return insertEntry(ctx, s, entry)
	})
	if err != nil {
		return err
	}
	svc.metrics.AuditEntry(entry.Type.String())
	return nil
}

// BuildChanges computes the audited changes of e against snap. t may be nil
// for unregistered types, in which case every attribute is audited.
func BuildChanges(t *entity.Type, op EntryType, snap *entity.Snapshot, e *entity.Entity) *Changes {
	changes := NewChanges()
	if op == Deletion {
		return changes
	}
	if op == Creation {
		snap = nil
	}
	for _, fc := range entity.Diff(snap, e) {
		if isBuiltin(fc.Name) {
			if auditedColumns[fc.Name] {
				changes.Set(fc.Name, fc.Old, fc.New)
			}
			continue
		}
		var field *entity.Field
		if t != nil {
			field, _ = t.Field(fc.Name)
		}
		switch {
		case field != nil && field.NotAuditable:
		case field != nil && field.HideContent:
			changes.Hide(fc.Name)
		default:
			changes.Set(fc.Name, fc.Old, fc.New)
		}
	}
	for rel, c := range e.FlushedCollections() {
		if t != nil {
			if r, ok := t.Relation(rel); ok && r.NotAuditable {
				continue
			}
		}
		changes.SetCollection(rel, c.Added, c.Removed)
	}
	return changes
}

func isBuiltin(name string) bool {
	switch name {
	case "name", "slug", "created_at", "updated_at", "creator_id", "owner_id",
		"parent_id", "inherit_security", "meta":
		return true
	}
	return false
}

// RelatedLabel names a related change: the backref followed by the values
// found at the end-user id paths of the child document.
func RelatedLabel(ra *entity.RelatedAudit, child *entity.Entity) string {
	parts := []string{ra.Backref}
	for _, path := range ra.EndUserIDs {
		if v := child.Lookup(path); v.Exists() {
			parts = append(parts, v.String())
		}
	}
	if len(parts) == 1 {
		parts = append(parts, fmt.Sprint(child.ID))
	}
	return strings.Join(parts, " ")
}
