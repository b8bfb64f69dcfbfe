package dbsession

import (
	"context"

	"github.com/abilian/abilian-core/internal/db/dbmanager"
)

// Add schedules obj for insertion, or cancels a pending deletion. An object
// that already has an identity is attached as persistent and fully rewritten
// at the next flush.
func (s *Session) Add(obj any) error {
	obj = unwrap(obj)
	if s.closed {
		return ErrSessionClosed
	}
	if st, ok := s.states[obj]; ok {
		if st.status == statusDeleting {
			st.status = statusPersistent
		}
		return nil
	}
	mapper, err := s.mappers.For(obj)
	if err != nil {
		return err
	}
	st := &instanceState{obj: obj, mapper: mapper, status: statusPending, tx: s.current}
	if id := mapper.Identity(obj); id != "" {
		if existing, ok := s.identity[id]; ok && existing.obj != obj {
			return ErrNotInstance.Msg("another instance with identity " + id + " is attached")
		}
		st.status = statusPersistent
		s.identity[id] = st
	}
	s.track(st)
	return nil
}

// Attach registers an instance just loaded from the database and returns the
// instance the session holds for its identity.
func (s *Session) Attach(obj any) (any, error) {
	obj = unwrap(obj)
	mapper, err := s.mappers.For(obj)
	if err != nil {
		return nil, err
	}
	id := mapper.Identity(obj)
	if id == "" {
		return nil, ErrNotInstance.Msg("cannot attach a transient instance")
	}
	if existing, ok := s.identity[id]; ok {
		return existing.obj, nil
	}
	if st, ok := s.states[obj]; ok {
		return st.obj, nil
	}
	st := &instanceState{obj: obj, mapper: mapper, status: statusPersistent, snapshot: mapper.Snapshot(obj)}
	s.identity[id] = st
	s.track(st)
	return obj, nil
}

// Lookup returns the attached instance with the given identity.
func (s *Session) Lookup(identity string) (any, bool) {
	st, ok := s.identity[identity]
	if !ok || st.status == statusDeleting {
		return nil, false
	}
	return st.obj, true
}

// Delete schedules obj for deletion. A pending instance is simply expunged.
func (s *Session) Delete(obj any) error {
	obj = unwrap(obj)
	if s.closed {
		return ErrSessionClosed
	}
	st, ok := s.states[obj]
	if !ok {
		mapper, err := s.mappers.For(obj)
		if err != nil {
			return err
		}
		id := mapper.Identity(obj)
		if id == "" {
			return ErrNotInSession
		}
		if _, err := s.Attach(obj); err != nil {
			return err
		}
		st = s.identity[id]
		if st.obj != obj {
			return ErrNotInstance.Msg("another instance with identity " + id + " is attached")
		}
	}
	switch st.status {
	case statusPending:
		s.discard(st)
	case statusPersistent:
		st.status = statusDeleting
		st.tx = s.current
	}
	return nil
}

// Expunge detaches obj without writing anything.
func (s *Session) Expunge(obj any) {
	obj = unwrap(obj)
	st, ok := s.states[obj]
	if !ok {
		return
	}
	if st.status == statusPending {
		s.discard(st)
		return
	}
	s.expunge(st)
}

// Contains reports whether obj is attached.
func (s *Session) Contains(obj any) bool {
	obj = unwrap(obj)
	_, ok := s.states[obj]
	return ok
}

// IsNew reports whether obj waits for its first insert.
func (s *Session) IsNew(obj any) bool {
	obj = unwrap(obj)
	st, ok := s.states[obj]
	return ok && st.status == statusPending
}

// IsDeleted reports whether obj is scheduled for deletion.
func (s *Session) IsDeleted(obj any) bool {
	obj = unwrap(obj)
	st, ok := s.states[obj]
	return ok && st.status == statusDeleting
}

// IsModified reports whether a persistent obj differs from its snapshot.
func (s *Session) IsModified(obj any) bool {
	obj = unwrap(obj)
	st, ok := s.states[obj]
	return ok && st.status == statusPersistent && st.mapper.Modified(st.obj, st.snapshot)
}

// Pending returns the instances scheduled for insertion.
func (s *Session) Pending() []any {
	return s.collect(statusPending)
}

// Deleting returns the instances scheduled for deletion.
func (s *Session) Deleting() []any {
	return s.collect(statusDeleting)
}

func (s *Session) collect(want status) []any {
	var out []any
	for _, st := range s.order {
		if st.status == want {
			out = append(out, st.obj)
		}
	}
	return out
}

func (s *Session) track(st *instanceState) {
	s.states[st.obj] = st
	s.order = append(s.order, st)
}

func (s *Session) expunge(st *instanceState) {
	delete(s.states, st.obj)
	if id := st.mapper.Identity(st.obj); id != "" {
		if cur, ok := s.identity[id]; ok && cur == st {
			delete(s.identity, id)
		}
	}
	for i, o := range s.order {
		if o == st {
			s.order = append(s.order[:i:i], s.order[i+1:]...)
			break
		}
	}
}

// discard expunges a pending instance and tells the listeners it will never
// be written.
func (s *Session) discard(st *instanceState) {
	s.expunge(st)
	for _, fn := range s.hooks.discard {
		fn(s, st.obj)
	}
}

// expungeTouched detaches instances written or staged in t and in its
// descendants; t == nil means every transaction.
func (s *Session) expungeTouched(t *Transaction) {
	for _, st := range append([]*instanceState(nil), s.order...) {
		touched := st.tx != nil && (t == nil || st.tx.within(t))
		if touched || (t == nil && st.status != statusPersistent) {
			s.expunge(st)
		}
	}
}

func (s *Session) hasWork() bool {
	for _, st := range s.order {
		switch st.status {
		case statusPending, statusDeleting:
			return true
		case statusPersistent:
			if st.mapper.Modified(st.obj, st.snapshot) {
				return true
			}
		}
	}
	return false
}

// Flush writes pending inserts, updates and deletes, in that order and each in
// session insertion order, then fires after_flush. A failed flush rolls the
// session back. Flush is a no-op when called from inside a flush.
func (s *Session) Flush(ctx context.Context) error {
	if s.closed {
		return ErrSessionClosed
	}
	if s.flushing || !s.hasWork() {
		return nil
	}
	s.flushing = true
	fc, err := s.flush(ctx)
	if err == nil && !fc.Empty() {
		for _, fn := range s.hooks.afterFlush {
			if err = fn(ctx, s, fc); err != nil {
				break
			}
		}
	}
	s.flushing = false
	if err != nil {
		_ = s.Rollback(ctx)
		return ErrFlush.Err(err)
	}
	return nil
}

func (s *Session) flush(ctx context.Context) (*FlushContext, error) {
	fc := &FlushContext{}
	if _, err := s.Begin(ctx); err != nil {
		return fc, err
	}
	for _, fn := range s.hooks.beforeFlush {
		if err := fn(ctx, s); err != nil {
			return fc, err
		}
	}

	// Insert hooks may add more instances.
	for {
		pending := s.statesWith(statusPending)
		if len(pending) == 0 {
			break
		}
		for _, st := range pending {
			for _, fn := range s.hooks.beforeInsert {
				if err := fn(ctx, s, st.obj); err != nil {
					return fc, err
				}
			}
			if err := st.mapper.Insert(ctx, s, st.obj); err != nil {
				return fc, err
			}
			st.status = statusPersistent
			st.snapshot = st.mapper.Snapshot(st.obj)
			st.tx = s.current
			s.identity[st.mapper.Identity(st.obj)] = st
			fc.New = append(fc.New, Change{Object: st.obj})
		}
	}

	for _, st := range s.statesWith(statusPersistent) {
		if !st.mapper.Modified(st.obj, st.snapshot) {
			continue
		}
		for _, fn := range s.hooks.beforeUpdate {
			if err := fn(ctx, s, st.obj); err != nil {
				return fc, err
			}
		}
		old := st.snapshot
		if err := st.mapper.Update(ctx, s, st.obj, old); err != nil {
			return fc, err
		}
		st.snapshot = st.mapper.Snapshot(st.obj)
		st.tx = s.current
		fc.Dirty = append(fc.Dirty, Change{Object: st.obj, Snapshot: old})
	}

	for _, st := range s.statesWith(statusDeleting) {
		for _, fn := range s.hooks.beforeDelete {
			if err := fn(ctx, s, st.obj); err != nil {
				return fc, err
			}
		}
		fc.Deleted = append(fc.Deleted, Change{Object: st.obj, Snapshot: st.snapshot})
		s.expunge(st)
		if err := st.mapper.Delete(ctx, s, st.obj); err != nil {
			return fc, err
		}
	}
	return fc, nil
}

func (s *Session) statesWith(want status) []*instanceState {
	var out []*instanceState
	for _, st := range s.order {
		if st.status == want {
			out = append(out, st)
		}
	}
	return out
}

type txState int

const (
	txActive txState = iota
	txCommitted
	txRolledBack
)

// Transaction is the root database transaction or a savepoint inside it.
type Transaction struct {
	session   *Session
	parent    *Transaction
	savepoint string
	state     txState
	id        int
}

// ID is unique within the session.
func (t *Transaction) ID() int { return t.id }

// Nested reports whether t is a savepoint.
func (t *Transaction) Nested() bool { return t.parent != nil }

func (t *Transaction) Parent() *Transaction { return t.parent }

func (t *Transaction) Active() bool { return t.state == txActive }

func (t *Transaction) Committed() bool { return t.state == txCommitted }

func (t *Transaction) RolledBack() bool { return t.state == txRolledBack }

func (t *Transaction) within(ancestor *Transaction) bool {
	for cur := t; cur != nil; cur = cur.parent {
		if cur == ancestor {
			return true
		}
	}
	return false
}

// Commit releases a savepoint, or commits the session for the root transaction.
func (t *Transaction) Commit(ctx context.Context) error {
	s := t.session
	if t.state != txActive {
		return ErrTransactionClosed
	}
	if !t.Nested() {
		return s.Commit(ctx)
	}
	if s.current != t {
		return ErrTransactionOrder
	}
	if err := s.Flush(ctx); err != nil {
		return err
	}
	if _, err := s.tx.ExecContext(ctx, "RELEASE SAVEPOINT "+dbmanager.QuoteIdentifier(t.savepoint)); err != nil {
		return ErrDatabase.MsgErr("release savepoint", err)
	}
	t.state = txCommitted
	s.current = t.parent
	for _, st := range s.order {
		if st.tx == t {
			st.tx = t.parent
		}
	}
	s.fireLogged(ctx, "after_transaction_end", s.hooks.afterTransactionEnd, t)
	return nil
}

// Rollback rolls back to a savepoint, closing inner savepoints first, or rolls
// back the session for the root transaction.
func (t *Transaction) Rollback(ctx context.Context) error {
	s := t.session
	if t.state != txActive {
		return ErrTransactionClosed
	}
	if !t.Nested() {
		return s.Rollback(ctx)
	}
	for s.current != t {
		if s.current == nil || s.current == s.root {
			return ErrTransactionOrder
		}
		if err := s.current.Rollback(ctx); err != nil {
			return err
		}
	}
	name := dbmanager.QuoteIdentifier(t.savepoint)
	if _, err := s.tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+name); err != nil {
		return ErrDatabase.MsgErr("rollback savepoint", err)
	}
	if _, err := s.tx.ExecContext(ctx, "RELEASE SAVEPOINT "+name); err != nil {
		return ErrDatabase.MsgErr("release savepoint", err)
	}
	t.state = txRolledBack
	s.current = t.parent
	s.expungeTouched(t)
	s.fireLogged(ctx, "after_rollback", s.hooks.afterRollback, t)
	s.fireLogged(ctx, "after_transaction_end", s.hooks.afterTransactionEnd, t)
	return nil
}
