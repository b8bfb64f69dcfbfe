package dbsession

import (
	"context"
	"database/sql"
	"reflect"
	"sync"
)

// Row is the single-row result of QueryRowContext.
type Row interface {
	Scan(dest ...any) error
}

// Executor runs SQL written with "?" placeholders.
type Executor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) Row
}

// Mapper persists one Go type. Snapshots are opaque to the session; the mapper
// compares them to detect modifications at flush time.
type Mapper interface {
	// Identity returns a key unique across all mapped types, or "" while transient.
	Identity(obj any) string
	Insert(ctx context.Context, x Executor, obj any) error
	// Update writes obj; snapshot is the state last flushed or loaded, nil when unknown.
	Update(ctx context.Context, x Executor, obj any, snapshot any) error
	Delete(ctx context.Context, x Executor, obj any) error
	Snapshot(obj any) any
	Modified(obj any, snapshot any) bool
}

// Mappers maps Go types to their Mapper.
type Mappers struct {
	mu     sync.RWMutex
	byType map[reflect.Type]Mapper
}

func NewMappers() *Mappers {
	return &Mappers{byType: make(map[reflect.Type]Mapper)}
}

// Register binds the type of prototype (a pointer) to m.
func (m *Mappers) Register(prototype any, mapper Mapper) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byType[reflect.TypeOf(prototype)] = mapper
}

// Embedder is implemented by types that embed a mapped instance. The
// session tracks the embedded instance in their place.
type Embedder interface {
	MappedInstance() any
}

func unwrap(obj any) any {
	for {
		if v := reflect.ValueOf(obj); v.Kind() == reflect.Ptr && v.IsNil() {
			return obj
		}
		e, ok := obj.(Embedder)
		if !ok {
			return obj
		}
		inner := e.MappedInstance()
		if inner == nil || inner == obj {
			return obj
		}
		obj = inner
	}
}

// For returns the mapper of obj.
func (m *Mappers) For(obj any) (Mapper, error) {
	t := reflect.TypeOf(obj)
	if t == nil || t.Kind() != reflect.Ptr || reflect.ValueOf(obj).IsNil() {
		return nil, ErrNotInstance
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	mapper, ok := m.byType[t]
	if !ok {
		return nil, ErrNoMapper.Msg("no mapper registered for " + t.String())
	}
	return mapper, nil
}

type errRow struct{ err error }

func (r errRow) Scan(...any) error { return r.err }
