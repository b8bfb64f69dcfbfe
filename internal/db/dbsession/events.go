package dbsession

import (
	"context"
	"sync"
)

// SessionHook runs with the session as a whole.
type SessionHook func(ctx context.Context, s *Session) error

// InstanceHook runs for one instance about to be written.
type InstanceHook func(ctx context.Context, s *Session, obj any) error

// FlushHook receives everything a flush wrote.
type FlushHook func(ctx context.Context, s *Session, fc *FlushContext) error

// DiscardHook runs for a pending instance dropped before it was ever written.
type DiscardHook func(s *Session, obj any)

// TransactionHook runs on transaction boundaries.
type TransactionHook func(ctx context.Context, s *Session, tx *Transaction) error

// Change is one instance written by a flush. Snapshot is the state before the
// flush: nil for inserts.
type Change struct {
	Object   any
	Snapshot any
}

// FlushContext lists the instances of one flush in session insertion order.
type FlushContext struct {
	New     []Change
	Dirty   []Change
	Deleted []Change
}

func (fc *FlushContext) Empty() bool {
	return len(fc.New) == 0 && len(fc.Dirty) == 0 && len(fc.Deleted) == 0
}

type hooks struct {
	beforeFlush  []SessionHook
	beforeInsert []InstanceHook
	beforeUpdate []InstanceHook
	beforeDelete []InstanceHook
	afterFlush   []FlushHook
	discard      []DiscardHook

	afterTransactionCreate []TransactionHook
	afterTransactionEnd    []TransactionHook
	afterBegin             []TransactionHook
	afterCommit            []TransactionHook
	afterRollback          []TransactionHook
}

// Events holds the lifecycle listeners shared by every session of a container.
type Events struct {
	mu sync.RWMutex
	h  hooks
}

func NewEvents() *Events {
	return &Events{}
}

func (e *Events) OnBeforeFlush(fn SessionHook) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.h.beforeFlush = append(e.h.beforeFlush, fn)
}

func (e *Events) OnBeforeInsert(fn InstanceHook) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.h.beforeInsert = append(e.h.beforeInsert, fn)
}

func (e *Events) OnBeforeUpdate(fn InstanceHook) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.h.beforeUpdate = append(e.h.beforeUpdate, fn)
}

func (e *Events) OnBeforeDelete(fn InstanceHook) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.h.beforeDelete = append(e.h.beforeDelete, fn)
}

func (e *Events) OnAfterFlush(fn FlushHook) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.h.afterFlush = append(e.h.afterFlush, fn)
}

// OnDiscard fires when Delete or Expunge drops an instance that was added
// but never flushed.
func (e *Events) OnDiscard(fn DiscardHook) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.h.discard = append(e.h.discard, fn)
}

// OnAfterTransactionCreate fires for the root transaction and every savepoint.
func (e *Events) OnAfterTransactionCreate(fn TransactionHook) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.h.afterTransactionCreate = append(e.h.afterTransactionCreate, fn)
}

// OnAfterTransactionEnd fires once a transaction or savepoint is committed or rolled back.
func (e *Events) OnAfterTransactionEnd(fn TransactionHook) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.h.afterTransactionEnd = append(e.h.afterTransactionEnd, fn)
}

// OnAfterBegin fires when the root transaction opens its database transaction.
func (e *Events) OnAfterBegin(fn TransactionHook) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.h.afterBegin = append(e.h.afterBegin, fn)
}

// OnAfterCommit fires after the database commit of the root transaction succeeded.
func (e *Events) OnAfterCommit(fn TransactionHook) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.h.afterCommit = append(e.h.afterCommit, fn)
}

// OnAfterRollback fires after a database rollback, for the root transaction or a savepoint.
func (e *Events) OnAfterRollback(fn TransactionHook) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.h.afterRollback = append(e.h.afterRollback, fn)
}

func (e *Events) snapshot() hooks {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return hooks{
		beforeFlush:            append([]SessionHook(nil), e.h.beforeFlush...),
		beforeInsert:           append([]InstanceHook(nil), e.h.beforeInsert...),
		beforeUpdate:           append([]InstanceHook(nil), e.h.beforeUpdate...),
		beforeDelete:           append([]InstanceHook(nil), e.h.beforeDelete...),
		afterFlush:             append([]FlushHook(nil), e.h.afterFlush...),
		discard:                append([]DiscardHook(nil), e.h.discard...),
		afterTransactionCreate: append([]TransactionHook(nil), e.h.afterTransactionCreate...),
		afterTransactionEnd:    append([]TransactionHook(nil), e.h.afterTransactionEnd...),
		afterBegin:             append([]TransactionHook(nil), e.h.afterBegin...),
		afterCommit:            append([]TransactionHook(nil), e.h.afterCommit...),
		afterRollback:          append([]TransactionHook(nil), e.h.afterRollback...),
	}
}
