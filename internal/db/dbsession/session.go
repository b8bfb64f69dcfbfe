// Package dbsession implements the unit of work shared by the core services.
//
// A Session tracks instances of mapped types (entities, blobs), computes what
// changed at flush time by comparing each instance with the snapshot taken when
// it was loaded or last flushed, and writes the differences inside one database
// transaction. Savepoints nest inside the root transaction. Listeners registered
// on Events observe every step: the audit, blob and indexing services hang off
// them.
//
// A Session is not safe for concurrent use; each request owns one.
package dbsession

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/abilian/abilian-core/internal/db/dbmanager"
)

type status int

const (
	statusPending status = iota
	statusPersistent
	statusDeleting
)

type instanceState struct {
	obj      any
	mapper   Mapper
	status   status
	snapshot any
	// tx is the transaction that last wrote or staged the instance; nil when
	// the instance matches committed state.
	tx *Transaction
}

// Session is a unit of work over one database transaction at a time.
type Session struct {
	db      *dbmanager.DB
	hooks   hooks
	mappers *Mappers

	tx       *sql.Tx
	root     *Transaction
	current  *Transaction
	sequence int

	states   map[any]*instanceState
	order    []*instanceState
	identity map[string]*instanceState

	values   map[string]any
	flushing bool
	closed   bool
}

// New returns a session using the listeners registered on events so far.
func New(db *dbmanager.DB, events *Events, mappers *Mappers) *Session {
	if events == nil {
		events = NewEvents()
	}
	if mappers == nil {
		mappers = NewMappers()
	}
	return &Session{
		db:       db,
		hooks:    events.snapshot(),
		mappers:  mappers,
		states:   make(map[any]*instanceState),
		identity: make(map[string]*instanceState),
		values:   make(map[string]any),
	}
}

func (s *Session) DB() *dbmanager.DB {
	return s.db
}

func (s *Session) Dialect() dbmanager.Dialect {
	return s.db.Dialect()
}

// Value returns per-session state stored by a service.
func (s *Session) Value(key string) any {
	return s.values[key]
}

func (s *Session) SetValue(key string, v any) {
	if v == nil {
		delete(s.values, key)
		return
	}
	s.values[key] = v
}

// InTransaction reports whether a root transaction is open.
func (s *Session) InTransaction() bool {
	return s.root != nil
}

// CurrentTransaction returns the innermost open transaction, nil if none.
func (s *Session) CurrentTransaction() *Transaction {
	return s.current
}

// Flushing reports whether the session is inside Flush.
func (s *Session) Flushing() bool {
	return s.flushing
}

// Begin opens the root transaction if needed and returns it.
func (s *Session) Begin(ctx context.Context) (*Transaction, error) {
	if s.closed {
		return nil, ErrSessionClosed
	}
	if s.root != nil {
		return s.root, nil
	}
	tx, err := s.db.SQL().BeginTx(context.WithoutCancel(ctx), nil)
	if err != nil {
		return nil, ErrDatabase.MsgErr("begin transaction", err)
	}
	s.tx = tx
	t := s.newTransaction(nil, "")
	s.root = t
	s.current = t
	if err := s.fire(ctx, s.hooks.afterTransactionCreate, t); err != nil {
		s.abort(ctx)
		return nil, err
	}
	if err := s.fire(ctx, s.hooks.afterBegin, t); err != nil {
		s.abort(ctx)
		return nil, err
	}
	return t, nil
}

// BeginNested flushes pending changes and opens a savepoint.
func (s *Session) BeginNested(ctx context.Context) (*Transaction, error) {
	if err := s.Flush(ctx); err != nil {
		return nil, err
	}
	if _, err := s.Begin(ctx); err != nil {
		return nil, err
	}
	name := fmt.Sprintf("sp_%d", s.sequence+1)
	if _, err := s.tx.ExecContext(ctx, "SAVEPOINT "+dbmanager.QuoteIdentifier(name)); err != nil {
		return nil, ErrDatabase.MsgErr("create savepoint", err)
	}
	t := s.newTransaction(s.current, name)
	s.current = t
	if err := s.fire(ctx, s.hooks.afterTransactionCreate, t); err != nil {
		return nil, err
	}
	return t, nil
}

// WithSavepoint runs fn inside a bare savepoint that is rolled back when fn
// fails. No listener fires: fn must only execute SQL.
func (s *Session) WithSavepoint(ctx context.Context, fn func() error) error {
	if _, err := s.Begin(ctx); err != nil {
		return err
	}
	s.sequence++
	name := dbmanager.QuoteIdentifier(fmt.Sprintf("raw_sp_%d", s.sequence))
	if _, err := s.tx.ExecContext(ctx, "SAVEPOINT "+name); err != nil {
		return ErrDatabase.MsgErr("create savepoint", err)
	}
	if ferr := fn(); ferr != nil {
		if _, err := s.tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+name); err != nil {
			return ErrDatabase.MsgErr("rollback savepoint", err, ferr)
		}
		if _, err := s.tx.ExecContext(ctx, "RELEASE SAVEPOINT "+name); err != nil {
			return ErrDatabase.MsgErr("release savepoint", err, ferr)
		}
		return ferr
	}
	if _, err := s.tx.ExecContext(ctx, "RELEASE SAVEPOINT "+name); err != nil {
		return ErrDatabase.MsgErr("release savepoint", err)
	}
	return nil
}

// Commit releases open savepoints, flushes and commits the root transaction.
// Listener failures after the database commit are logged, not returned.
func (s *Session) Commit(ctx context.Context) error {
	if s.closed {
		return ErrSessionClosed
	}
	for s.current != nil && s.current != s.root {
		if err := s.current.Commit(ctx); err != nil {
			return err
		}
	}
	if err := s.Flush(ctx); err != nil {
		return err
	}
	if s.root == nil {
		return nil
	}
	root := s.root
	if err := s.tx.Commit(); err != nil {
		s.endAfterFailedCommit(ctx)
		return ErrDatabase.MsgErr("commit", err)
	}
	root.state = txCommitted
	s.tx = nil
	s.root = nil
	s.current = nil
	for _, st := range s.order {
		st.tx = nil
	}
	s.fireLogged(ctx, "after_commit", s.hooks.afterCommit, root)
	s.fireLogged(ctx, "after_transaction_end", s.hooks.afterTransactionEnd, root)
	return nil
}

// Rollback rolls back the root transaction and every open savepoint. Instances
// written or staged in the transaction are expunged.
func (s *Session) Rollback(ctx context.Context) error {
	if s.root == nil {
		s.expungeTouched(nil)
		return nil
	}
	err := s.tx.Rollback()
	s.unwind(ctx)
	if err != nil && err != sql.ErrTxDone {
		return ErrDatabase.MsgErr("rollback", err)
	}
	return nil
}

// Close rolls back any open transaction and detaches every instance.
func (s *Session) Close(ctx context.Context) error {
	if s.closed {
		return nil
	}
	err := s.Rollback(ctx)
	s.states = make(map[any]*instanceState)
	s.identity = make(map[string]*instanceState)
	s.order = nil
	s.closed = true
	return err
}

func (s *Session) endAfterFailedCommit(ctx context.Context) {
	s.unwind(ctx)
}

// unwind ends all transactions after the database transaction is gone.
func (s *Session) unwind(ctx context.Context) {
	for t := s.current; t != nil && t != s.root; t = t.parent {
		t.state = txRolledBack
		s.current = t.parent
		s.fireLogged(ctx, "after_transaction_end", s.hooks.afterTransactionEnd, t)
	}
	root := s.root
	root.state = txRolledBack
	s.tx = nil
	s.root = nil
	s.current = nil
	s.expungeTouched(nil)
	s.fireLogged(ctx, "after_rollback", s.hooks.afterRollback, root)
	s.fireLogged(ctx, "after_transaction_end", s.hooks.afterTransactionEnd, root)
}

func (s *Session) abort(ctx context.Context) {
	if s.tx != nil {
		_ = s.tx.Rollback()
	}
	s.tx = nil
	s.root = nil
	s.current = nil
}

func (s *Session) newTransaction(parent *Transaction, savepoint string) *Transaction {
	s.sequence++
	return &Transaction{
		session:   s,
		parent:    parent,
		savepoint: savepoint,
		state:     txActive,
		id:        s.sequence,
	}
}

func (s *Session) fire(ctx context.Context, fns []TransactionHook, t *Transaction) error {
	for _, fn := range fns {
		if err := fn(ctx, s, t); err != nil {
			return err
		}
	}
	return nil
}

func (s *Session) fireLogged(ctx context.Context, event string, fns []TransactionHook, t *Transaction) {
	for _, fn := range fns {
		if err := fn(ctx, s, t); err != nil {
			log.Ctx(ctx).Error().Err(err).Str("event", event).Msg("session listener failed")
		}
	}
}

// ExecContext runs query inside the session transaction, opening it if needed.
func (s *Session) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	if _, err := s.Begin(ctx); err != nil {
		return nil, err
	}
	return s.tx.ExecContext(ctx, s.db.Rebind(query), args...)
}

func (s *Session) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	if _, err := s.Begin(ctx); err != nil {
		return nil, err
	}
	return s.tx.QueryContext(ctx, s.db.Rebind(query), args...)
}

func (s *Session) QueryRowContext(ctx context.Context, query string, args ...any) Row {
	if _, err := s.Begin(ctx); err != nil {
		return errRow{err: err}
	}
	return s.tx.QueryRowContext(ctx, s.db.Rebind(query), args...)
}
