package dbsession

import (
	"context"
	"errors"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abilian/abilian-core/internal/db/dbmanager"
)

type widget struct {
	ID   int64
	Name string
}

func (w *widget) MappedInstance() any { return w }

// labelled embeds a mapped instance the way domain wrappers embed entities.
type labelled struct {
	*widget
	Label string
}

type widgetMapper struct{}

func (widgetMapper) Identity(obj any) string {
	w := obj.(*widget)
	if w.ID == 0 {
		return ""
	}
	return "widget:" + strconv.FormatInt(w.ID, 10)
}

func (widgetMapper) Insert(ctx context.Context, x Executor, obj any) error {
	w := obj.(*widget)
	return x.QueryRowContext(ctx, "INSERT INTO widgets (name) VALUES (?) RETURNING id", w.Name).Scan(&w.ID)
}

func (widgetMapper) Update(ctx context.Context, x Executor, obj any, _ any) error {
	w := obj.(*widget)
	_, err := x.ExecContext(ctx, "UPDATE widgets SET name = ? WHERE id = ?", w.Name, w.ID)
	return err
}

func (widgetMapper) Delete(ctx context.Context, x Executor, obj any) error {
	w := obj.(*widget)
	_, err := x.ExecContext(ctx, "DELETE FROM widgets WHERE id = ?", w.ID)
	return err
}

func (widgetMapper) Snapshot(obj any) any {
	cp := *obj.(*widget)
	return &cp
}

func (widgetMapper) Modified(obj any, snapshot any) bool {
	if snapshot == nil {
		return true
	}
	return *obj.(*widget) != *snapshot.(*widget)
}

func setup(t *testing.T) (*dbmanager.DB, *Events, *Mappers) {
	t.Helper()
	ctx := context.Background()
	db, err := dbmanager.Open(ctx, "sqlite://"+filepath.Join(t.TempDir(), "s.db"), dbmanager.PoolConfig{})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	_, err = db.SQL().ExecContext(ctx, "CREATE TABLE widgets (id INTEGER PRIMARY KEY AUTOINCREMENT, name TEXT NOT NULL)")
	require.NoError(t, err)
	mappers := NewMappers()
	mappers.Register(&widget{}, widgetMapper{})
	return db, NewEvents(), mappers
}

func countWidgets(t *testing.T, db *dbmanager.DB) int {
	t.Helper()
	var n int
	require.NoError(t, db.SQL().QueryRow("SELECT COUNT(*) FROM widgets").Scan(&n))
	return n
}

func TestFlushInsertUpdateDelete(t *testing.T) {
	ctx := context.Background()
	db, events, mappers := setup(t)

	var flushes []*FlushContext
	events.OnAfterFlush(func(_ context.Context, _ *Session, fc *FlushContext) error {
		flushes = append(flushes, fc)
		return nil
	})
	var inserted []string
	events.OnBeforeInsert(func(_ context.Context, _ *Session, obj any) error {
		inserted = append(inserted, obj.(*widget).Name)
		return nil
	})

	s := New(db, events, mappers)
	a, b := &widget{Name: "a"}, &widget{Name: "b"}
	require.NoError(t, s.Add(a))
	require.NoError(t, s.Add(b))
	assert.True(t, s.IsNew(a))
	require.NoError(t, s.Flush(ctx))
	assert.NotZero(t, a.ID)
	assert.Equal(t, []string{"a", "b"}, inserted)
	require.Len(t, flushes, 1)
	require.Len(t, flushes[0].New, 2)
	assert.Same(t, a, flushes[0].New[0].Object)

	// nothing changed: no flush event
	require.NoError(t, s.Flush(ctx))
	assert.Len(t, flushes, 1)

	a.Name = "a2"
	assert.True(t, s.IsModified(a))
	require.NoError(t, s.Flush(ctx))
	require.Len(t, flushes, 2)
	require.Len(t, flushes[1].Dirty, 1)
	assert.Equal(t, "a", flushes[1].Dirty[0].Snapshot.(*widget).Name)

	require.NoError(t, s.Delete(b))
	assert.True(t, s.IsDeleted(b))
	require.NoError(t, s.Commit(ctx))
	require.Len(t, flushes, 3)
	require.Len(t, flushes[2].Deleted, 1)
	assert.False(t, s.Contains(b))
	assert.Equal(t, 1, countWidgets(t, db))

	var name string
	require.NoError(t, db.SQL().QueryRow("SELECT name FROM widgets").Scan(&name))
	assert.Equal(t, "a2", name)
}

func TestTransactionEvents(t *testing.T) {
	ctx := context.Background()
	db, events, mappers := setup(t)

	var trail []string
	record := func(name string) TransactionHook {
		return func(_ context.Context, _ *Session, tx *Transaction) error {
			kind := "root"
			if tx.Nested() {
				kind = "nested"
			}
			trail = append(trail, name+":"+kind)
			return nil
		}
	}
	events.OnAfterTransactionCreate(record("create"))
	events.OnAfterBegin(record("begin"))
	events.OnAfterCommit(record("commit"))
	events.OnAfterRollback(record("rollback"))
	events.OnAfterTransactionEnd(record("end"))

	s := New(db, events, mappers)
	sp, err := s.BeginNested(ctx)
	require.NoError(t, err)
	require.NoError(t, s.Add(&widget{Name: "x"}))
	require.NoError(t, sp.Rollback(ctx))
	require.NoError(t, s.Commit(ctx))

	assert.Equal(t, []string{
		"create:root", "begin:root",
		"create:nested",
		"rollback:nested", "end:nested",
		"commit:root", "end:root",
	}, trail)
	assert.Equal(t, 0, countWidgets(t, db))
}

func TestSavepointRollbackExpungesFlushedInstances(t *testing.T) {
	ctx := context.Background()
	db, events, mappers := setup(t)
	s := New(db, events, mappers)

	keep := &widget{Name: "keep"}
	require.NoError(t, s.Add(keep))

	sp, err := s.BeginNested(ctx)
	require.NoError(t, err)
	assert.NotZero(t, keep.ID, "pending instances are flushed before the savepoint")

	drop := &widget{Name: "drop"}
	require.NoError(t, s.Add(drop))
	require.NoError(t, s.Flush(ctx))
	require.NoError(t, sp.Rollback(ctx))
	assert.False(t, s.Contains(drop))
	assert.True(t, s.Contains(keep))
	assert.False(t, sp.Active())
	assert.Equal(t, ErrTransactionClosed, sp.Rollback(ctx))

	require.NoError(t, s.Commit(ctx))
	assert.Equal(t, 1, countWidgets(t, db))
}

func TestNestedCommitReleases(t *testing.T) {
	ctx := context.Background()
	db, events, mappers := setup(t)
	s := New(db, events, mappers)

	outer, err := s.BeginNested(ctx)
	require.NoError(t, err)
	inner, err := s.BeginNested(ctx)
	require.NoError(t, err)
	assert.Same(t, outer, inner.Parent())
	require.NoError(t, s.Add(&widget{Name: "in"}))

	assert.ErrorIs(t, outer.Commit(ctx), ErrTransactionOrder)
	require.NoError(t, inner.Commit(ctx))
	assert.True(t, inner.Committed())
	require.NoError(t, outer.Commit(ctx))
	require.NoError(t, s.Commit(ctx))
	assert.Equal(t, 1, countWidgets(t, db))
}

func TestRollbackDiscardsEverything(t *testing.T) {
	ctx := context.Background()
	db, events, mappers := setup(t)
	s := New(db, events, mappers)

	w := &widget{Name: "w"}
	require.NoError(t, s.Add(w))
	require.NoError(t, s.Flush(ctx))
	require.NoError(t, s.Rollback(ctx))
	assert.False(t, s.Contains(w))
	assert.False(t, s.InTransaction())
	assert.Equal(t, 0, countWidgets(t, db))
}

func TestAttachIdentityMap(t *testing.T) {
	ctx := context.Background()
	db, events, mappers := setup(t)
	_, err := db.SQL().Exec("INSERT INTO widgets (id, name) VALUES (7, 'seven')")
	require.NoError(t, err)

	s := New(db, events, mappers)
	first, err := s.Attach(&widget{ID: 7, Name: "seven"})
	require.NoError(t, err)
	second, err := s.Attach(&widget{ID: 7, Name: "seven"})
	require.NoError(t, err)
	assert.Same(t, first, second)

	got, ok := s.Lookup("widget:7")
	require.True(t, ok)
	assert.Same(t, first, got)

	_, err = s.Attach(&widget{Name: "transient"})
	assert.ErrorIs(t, err, ErrNotInstance)

	// deleting an unattached but persisted instance attaches it first
	require.NoError(t, s.Delete(first))
	require.NoError(t, s.Commit(ctx))
	assert.Equal(t, 0, countWidgets(t, db))
}

func TestAddUnmappedType(t *testing.T) {
	db, events, mappers := setup(t)
	s := New(db, events, mappers)
	assert.ErrorIs(t, s.Add(&struct{ X int }{}), ErrNoMapper)
	assert.ErrorIs(t, s.Add(widget{}), ErrNotInstance)
	assert.ErrorIs(t, s.Delete(&widget{}), ErrNotInSession)
}

func TestEmbeddedInstance(t *testing.T) {
	ctx := context.Background()
	db, events, mappers := setup(t)
	s := New(db, events, mappers)

	w := &widget{Name: "wrapped"}
	l := &labelled{widget: w, Label: "x"}
	require.NoError(t, s.Add(l))
	assert.True(t, s.Contains(w), "the embedded instance is tracked")
	assert.True(t, s.IsNew(l))
	require.NoError(t, s.Commit(ctx))
	assert.NotZero(t, w.ID)
	assert.Equal(t, 1, countWidgets(t, db))

	require.NoError(t, s.Delete(l))
	assert.True(t, s.IsDeleted(w))
	require.NoError(t, s.Commit(ctx))
	assert.Equal(t, 0, countWidgets(t, db))

	assert.ErrorIs(t, s.Add(&labelled{}), ErrNotInstance)
	var nilWrapper *labelled
	assert.ErrorIs(t, s.Add(nilWrapper), ErrNotInstance)
}

func TestDiscardEvent(t *testing.T) {
	ctx := context.Background()
	db, events, mappers := setup(t)
	var discarded []string
	events.OnDiscard(func(_ *Session, obj any) {
		discarded = append(discarded, obj.(*widget).Name)
	})
	s := New(db, events, mappers)

	saved := &widget{Name: "saved"}
	require.NoError(t, s.Add(saved))
	require.NoError(t, s.Flush(ctx))

	deleted, expunged := &widget{Name: "deleted"}, &widget{Name: "expunged"}
	require.NoError(t, s.Add(deleted))
	require.NoError(t, s.Add(expunged))
	require.NoError(t, s.Delete(deleted))
	s.Expunge(expunged)
	require.NoError(t, s.Delete(saved))
	require.NoError(t, s.Commit(ctx))

	assert.Equal(t, []string{"deleted", "expunged"}, discarded, "only never-flushed instances are discarded")
	assert.Equal(t, 0, countWidgets(t, db))
}

func TestWithSavepoint(t *testing.T) {
	ctx := context.Background()
	db, events, mappers := setup(t)
	s := New(db, events, mappers)

	boom := errors.New("boom")
	err := s.WithSavepoint(ctx, func() error {
		if _, err := s.ExecContext(ctx, "INSERT INTO widgets (name) VALUES (?)", "lost"); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	require.NoError(t, s.WithSavepoint(ctx, func() error {
		_, err := s.ExecContext(ctx, "INSERT INTO widgets (name) VALUES (?)", "kept")
		return err
	}))
	require.NoError(t, s.Commit(ctx))

	var name string
	require.NoError(t, db.SQL().QueryRow("SELECT name FROM widgets").Scan(&name))
	assert.Equal(t, "kept", name)
	assert.Equal(t, 1, countWidgets(t, db))
}

func TestFailedFlushRollsBack(t *testing.T) {
	ctx := context.Background()
	db, events, mappers := setup(t)
	boom := errors.New("listener failed")
	events.OnAfterFlush(func(context.Context, *Session, *FlushContext) error { return boom })
	s := New(db, events, mappers)

	require.NoError(t, s.Add(&widget{Name: "w"}))
	err := s.Flush(ctx)
	assert.ErrorIs(t, err, boom)
	assert.False(t, s.InTransaction())
	assert.Equal(t, 0, countWidgets(t, db))
}

func TestValuesAndClose(t *testing.T) {
	ctx := context.Background()
	db, events, mappers := setup(t)
	s := New(db, events, mappers)
	s.SetValue("k", 1)
	assert.Equal(t, 1, s.Value("k"))
	s.SetValue("k", nil)
	assert.Nil(t, s.Value("k"))

	require.NoError(t, s.Close(ctx))
	assert.ErrorIs(t, s.Add(&widget{Name: "late"}), ErrSessionClosed)
	var n int
	err := s.QueryRowContext(ctx, "SELECT COUNT(*) FROM widgets").Scan(&n)
	assert.ErrorIs(t, err, ErrSessionClosed)
}
