// Package opcontext carries the per-request OperationContext (acting user,
// clock, debug mode) through context.Context.
package opcontext

import (
	"context"
	"time"

	"github.com/juju/clock"
)

type ctxKeyType string

const ctxOperationContextKey ctxKeyType = "OperationContext"

// SubjectType tells who is acting.
type SubjectType string

const (
	SubjectAnonymous SubjectType = "anonymous"
	SubjectUser      SubjectType = "user"
	SubjectSystem    SubjectType = "system"
)

// SystemUserID is the id of the reserved system user.
const SystemUserID int64 = 0

// OperationContext describes the request a core operation runs for.
type OperationContext struct {
	// Subject is the kind of principal acting.
	Subject SubjectType
	// UserID is the acting user's entity id; meaningful for SubjectUser and SubjectSystem.
	UserID int64
	// Clock drives every timestamp the core writes.
	Clock clock.Clock
	// Debug re-raises errors that production swallows (audit failures).
	Debug bool
}

// System returns a context for maintenance work performed by the system user.
func System() *OperationContext {
	return &OperationContext{Subject: SubjectSystem, UserID: SystemUserID, Clock: clock.WallClock}
}

// Anonymous returns a context with no acting user.
func Anonymous() *OperationContext {
	return &OperationContext{Subject: SubjectAnonymous, Clock: clock.WallClock}
}

// ForUser returns a context acting as user id.
func ForUser(id int64) *OperationContext {
	if id == SystemUserID {
		return System()
	}
	return &OperationContext{Subject: SubjectUser, UserID: id, Clock: clock.WallClock}
}

// With stores oc in ctx.
func With(ctx context.Context, oc *OperationContext) context.Context {
	return context.WithValue(ctx, ctxOperationContextKey, oc)
}

// From returns the OperationContext of ctx, or an anonymous one on the wall clock.
func From(ctx context.Context) *OperationContext {
	if ctx != nil {
		if oc, ok := ctx.Value(ctxOperationContextKey).(*OperationContext); ok && oc != nil {
			return oc
		}
	}
	return Anonymous()
}

// ActorID returns the acting user id, false when anonymous.
func ActorID(ctx context.Context) (int64, bool) {
	oc := From(ctx)
	if oc.Subject == SubjectAnonymous {
		return 0, false
	}
	return oc.UserID, true
}

// Now returns the current UTC time of the context clock.
func Now(ctx context.Context) time.Time {
	oc := From(ctx)
	if oc.Clock == nil {
		return time.Now().UTC()
	}
	return oc.Clock.Now().UTC()
}

// IsDebug reports whether ctx runs in debug or test mode.
func IsDebug(ctx context.Context) bool {
	return From(ctx).Debug
}

// WithClock returns a copy of oc using c.
func (oc *OperationContext) WithClock(c clock.Clock) *OperationContext {
	cp := *oc
	cp.Clock = c
	return &cp
}

// WithDebug returns a copy of oc with the debug flag set.
func (oc *OperationContext) WithDebug(debug bool) *OperationContext {
	cp := *oc
	cp.Debug = debug
	return &cp
}
