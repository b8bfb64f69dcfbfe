// Package indexing keeps a full-text index of entities in step with the
// database.
//
// Each indexed entity type registers an Adapter. The service collects the
// entities written by every flush in a queue attached to the current
// transaction; savepoints merge their queue into the parent on release and
// drop it on rollback. When the root transaction commits, the queue is
// submitted as one index_update task. The task handler loads each entity in
// a fresh session and replaces its document, keyed by object_key.
//
// Index failures are logged and never undo the database transaction.
package indexing

import (
	"context"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/abilian/abilian-core/internal/common/apperrors"
	"github.com/abilian/abilian-core/internal/common/opcontext"
	"github.com/abilian/abilian-core/internal/db/dbsession"
	"github.com/abilian/abilian-core/internal/entity"
	"github.com/abilian/abilian-core/internal/metrics"
	"github.com/abilian/abilian-core/internal/security"
	"github.com/abilian/abilian-core/internal/tasks"
)

const (
	// DefaultIndex receives every adapter unless told otherwise.
	DefaultIndex = "default"
	// TaskIndexUpdate is the name of the update task.
	TaskIndexUpdate = "index_update"

	sessionKey = "indexing.queues"

	defaultLockRetryDelay    = 250 * time.Millisecond
	defaultLockRetryAttempts = 40
	defaultBatchSize         = 500
	defaultTaskExpiry        = 50 * time.Minute
)

// Op is the kind of an index update.
type Op string

const (
	OpChanged Op = "changed"
	OpDeleted Op = "deleted"
)

// Item is one entity to re-render or remove.
type Item struct {
	Op    Op             `json:"op"`
	Type  string         `json:"type"`
	ID    int64          `json:"id"`
	Extra map[string]any `json:"extra,omitempty"`
}

func (it Item) key() string { return entity.ObjectKey(it.Type, it.ID) }

// updatePayload is the payload of the index_update task.
type updatePayload struct {
	Index string `json:"index_name"`
	Items []Item `json:"items"`
}

// Options configures a Service.
type Options struct {
	// Dir holds one sub-directory per index.
	Dir      string
	Registry *entity.Registry
	// Security supplies the principals stored with each document. Without
	// it documents carry no access terms and searches are not filtered.
	Security *security.Service
	// Tasks runs index updates. Without it updates are applied on commit.
	Tasks *tasks.Queue
	// NewSession opens the sessions used to load entities outside the
	// committing session.
	NewSession func() *dbsession.Session
	Metrics    *metrics.Metrics

	LockRetryDelay    time.Duration
	LockRetryAttempts uint
	BatchSize         int
	TaskExpiry        time.Duration
}

// Service is the indexing service. It queues nothing until started.
type Service struct {
	opts    Options
	running atomic.Bool

	mu       sync.Mutex
	adapters map[string]Adapter
	// indexOf maps an entity type to the name of its index.
	indexOf map[string]string
	indexes map[string]*Index

	urls *URLRegistry
}

func New(opts Options) *Service {
	if opts.LockRetryDelay <= 0 {
		opts.LockRetryDelay = defaultLockRetryDelay
	}
	if opts.LockRetryAttempts == 0 {
		opts.LockRetryAttempts = defaultLockRetryAttempts
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	if opts.TaskExpiry <= 0 {
		opts.TaskExpiry = defaultTaskExpiry
	}
	return &Service{
		opts:     opts,
		adapters: map[string]Adapter{},
		indexOf:  map[string]string{},
		indexes:  map[string]*Index{},
		urls:     NewURLRegistry(),
	}
}

// Start opens the indexes and begins queueing updates. Adapters must be
// registered before.
func (svc *Service) Start(ctx context.Context) error {
	if svc.running.Load() {
		return ErrAlreadyStarted
	}
	for _, name := range svc.indexNames() {
		if _, err := svc.index(ctx, name); err != nil {
			return err
		}
	}
	svc.running.Store(true)
	log.Ctx(ctx).Info().Strs("indexes", svc.indexNames()).Msg("indexing service started")
	return nil
}

func (svc *Service) Stop() { svc.running.Store(false) }

func (svc *Service) Running() bool { return svc.running.Load() }

// URLs returns the registry used by URLForHit.
func (svc *Service) URLs() *URLRegistry { return svc.urls }

// RegisterAdapter indexes the entities of a.EntityType() in the default
// index.
func (svc *Service) RegisterAdapter(a Adapter) error {
	return svc.RegisterAdapterIn(DefaultIndex, a)
}

// RegisterAdapterIn indexes the entities of a.EntityType() in the named index.
func (svc *Service) RegisterAdapterIn(indexName string, a Adapter) error {
	svc.mu.Lock()
	defer svc.mu.Unlock()
	name := a.EntityType()
	if _, ok := svc.adapters[name]; ok {
		return ErrAdapterExists.Msg(name)
	}
	if svc.opts.Registry != nil {
		if _, ok := svc.opts.Registry.Lookup(name); !ok {
			return entity.ErrUnknownType.Msg(name)
		}
	}
	svc.adapters[name] = a
	svc.indexOf[name] = indexName
	return nil
}

// RegisterSearchableTypes registers an EntityAdapter for every type of the
// registry declaring searchable fields.
func (svc *Service) RegisterSearchableTypes(reg *entity.Registry) error {
	for _, name := range reg.Names() {
		t, _ := reg.Lookup(name)
		if len(t.SearchableFields()) == 0 {
			continue
		}
		if svc.adapter(name) != nil {
			continue
		}
		if err := svc.RegisterAdapter(NewEntityAdapter(t)); err != nil {
			return err
		}
	}
	return nil
}

func (svc *Service) adapter(typeName string) Adapter {
	svc.mu.Lock()
	defer svc.mu.Unlock()
	return svc.adapters[typeName]
}

// IndexedTypes returns the entity types with an adapter, sorted.
func (svc *Service) IndexedTypes() []string {
	svc.mu.Lock()
	defer svc.mu.Unlock()
	out := make([]string, 0, len(svc.adapters))
	for name := range svc.adapters {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (svc *Service) indexNames() []string {
	svc.mu.Lock()
	defer svc.mu.Unlock()
	seen := map[string]bool{DefaultIndex: true}
	out := []string{DefaultIndex}
	for _, name := range svc.indexOf {
		if !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}
	sort.Strings(out[1:])
	return out
}

// typesIn returns the entity types stored in the named index, sorted.
func (svc *Service) typesIn(indexName string) []string {
	svc.mu.Lock()
	defer svc.mu.Unlock()
	var out []string
	for typ, name := range svc.indexOf {
		if name == indexName {
			out = append(out, typ)
		}
	}
	sort.Strings(out)
	return out
}

// index returns the named index, opening it on first use.
func (svc *Service) index(ctx context.Context, name string) (*Index, error) {
	svc.mu.Lock()
	defer svc.mu.Unlock()
	if ix, ok := svc.indexes[name]; ok {
		return ix, nil
	}
	known := name == DefaultIndex
	var adapters []Adapter
	for typ, n := range svc.indexOf {
		if n == name {
			known = true
			adapters = append(adapters, svc.adapters[typ])
		}
	}
	if !known {
		return nil, ErrUnknownIndex.Msg(name)
	}
	sort.Slice(adapters, func(i, j int) bool { return adapters[i].EntityType() < adapters[j].EntityType() })
	ix, err := openIndex(ctx, name, filepath.Join(svc.opts.Dir, name), buildMapping(adapters))
	if err != nil {
		return nil, err
	}
	svc.indexes[name] = ix
	return ix, nil
}

// Index returns the named index.
func (svc *Service) Index(ctx context.Context, name string) (*Index, error) {
	return svc.index(ctx, name)
}

// Close closes every open index.
func (svc *Service) Close() error {
	svc.Stop()
	svc.mu.Lock()
	defer svc.mu.Unlock()
	var errs []error
	for name, ix := range svc.indexes {
		if err := ix.Close(); err != nil {
			errs = append(errs, err)
		}
		delete(svc.indexes, name)
	}
	if len(errs) > 0 {
		return ErrIndexIO.MsgErr("close indexes", errs...)
	}
	return nil
}

// Register installs the session listeners and the task handler.
func (svc *Service) Register(events *dbsession.Events) {
	events.OnAfterTransactionCreate(func(_ context.Context, s *dbsession.Session, tx *dbsession.Transaction) error {
		queuesOf(s)[tx] = nil
		return nil
	})
	events.OnAfterFlush(svc.afterFlush)
	events.OnAfterCommit(svc.afterCommit)
	events.OnAfterTransactionEnd(func(_ context.Context, s *dbsession.Session, tx *dbsession.Transaction) error {
		queues := queuesOf(s)
		items := queues[tx]
		delete(queues, tx)
		if tx.Nested() && tx.Committed() && tx.Parent() != nil {
			queues[tx.Parent()] = append(queues[tx.Parent()], items...)
		}
		return nil
	})
	if svc.opts.Tasks != nil {
		svc.opts.Tasks.Handle(TaskIndexUpdate, svc.handleTask)
	}
}

type queues map[*dbsession.Transaction][]Item

func queuesOf(s *dbsession.Session) queues {
	if q, ok := s.Value(sessionKey).(queues); ok {
		return q
	}
	q := queues{}
	s.SetValue(sessionKey, q)
	return q
}

// indexable reports whether e gets a document. The reserved system user
// never does.
func (svc *Service) indexable(e *entity.Entity) bool {
	return e.ID != opcontext.SystemUserID && svc.adapter(e.Type) != nil
}

func (svc *Service) afterFlush(_ context.Context, s *dbsession.Session, fc *dbsession.FlushContext) error {
	if !svc.Running() {
		return nil
	}
	tx := s.CurrentTransaction()
	if tx == nil {
		return nil
	}
	q := queuesOf(s)
	collect := func(op Op, changes []dbsession.Change) {
		for _, c := range changes {
			e, ok := c.Object.(*entity.Entity)
			if !ok || !svc.indexable(e) {
				continue
			}
			item := Item{Op: op, Type: e.Type, ID: e.ID}
			if op == OpDeleted {
				item.Extra = map[string]any{FieldObjectKey: e.ObjectKey()}
			}
			q[tx] = append(q[tx], item)
		}
	}
	collect(OpChanged, fc.New)
	collect(OpChanged, fc.Dirty)
	collect(OpDeleted, fc.Deleted)
	return nil
}

func (svc *Service) afterCommit(ctx context.Context, s *dbsession.Session, tx *dbsession.Transaction) error {
	if !svc.Running() {
		return nil
	}
	items := queuesOf(s)[tx]
	if len(items) == 0 {
		return nil
	}
	for name, batch := range svc.split(compact(items)) {
		if err := svc.submit(ctx, name, batch); err != nil {
			log.Ctx(ctx).Error().Err(err).Str("index", name).Int("items", len(batch)).Msg("index update not submitted")
		}
	}
	return nil
}

// compact keeps the last operation queued for each entity, in the order the
// entities were first seen.
func compact(items []Item) []Item {
	last := map[string]int{}
	var order []string
	for i, it := range items {
		k := it.key()
		if _, ok := last[k]; !ok {
			order = append(order, k)
		}
		last[k] = i
	}
	out := make([]Item, 0, len(order))
	for _, k := range order {
		out = append(out, items[last[k]])
	}
	return out
}

// split groups items by the index of their type.
func (svc *Service) split(items []Item) map[string][]Item {
	svc.mu.Lock()
	defer svc.mu.Unlock()
	out := map[string][]Item{}
	for _, it := range items {
		name, ok := svc.indexOf[it.Type]
		if !ok {
			continue
		}
		out[name] = append(out[name], it)
	}
	return out
}

func (svc *Service) submit(ctx context.Context, indexName string, items []Item) error {
	if svc.opts.Tasks == nil {
		return svc.ApplyUpdate(ctx, indexName, items)
	}
	_, err := svc.opts.Tasks.Submit(ctx, TaskIndexUpdate, updatePayload{Index: indexName, Items: items},
		tasks.WithExpiry(svc.opts.TaskExpiry))
	return err
}

func (svc *Service) handleTask(ctx context.Context, t *tasks.Task) error {
	var p updatePayload
	if err := t.Decode(&p); err != nil {
		return err
	}
	return svc.ApplyUpdate(ctx, p.Index, p.Items)
}

// ApplyUpdate removes the document of every item and, for changed items,
// adds it back rendered from the database. Entities that no longer exist
// are only removed.
func (svc *Service) ApplyUpdate(ctx context.Context, indexName string, items []Item) error {
	ix, err := svc.index(ctx, indexName)
	if err != nil {
		return err
	}
	s := svc.session()
	defer s.Close(ctx)

	batch := ix.bleve.NewBatch()
	changed, deleted := 0, 0
	for _, it := range items {
		if it.Type == "" || it.ID <= 0 {
			return ErrInvalidItem.Msg(it.key())
		}
		key := it.key()
		batch.Delete(key)
		if it.Op == OpDeleted {
			deleted++
			continue
		}
		doc, err := svc.render(ctx, s, it.Type, it.ID)
		if apperrors.IsKind(err, apperrors.KindNotFound) {
			deleted++
			continue
		}
		if err != nil {
			log.Ctx(ctx).Error().Err(err).Str("object_key", key).Msg("cannot render index document")
			continue
		}
		if err := batch.Index(key, doc); err != nil {
			return ErrIndexIO.MsgErr(key, err)
		}
		changed++
	}

	if err := ix.lock(ctx, svc.opts.LockRetryDelay, svc.opts.LockRetryAttempts); err != nil {
		return err
	}
	defer ix.unlock()
	if err := ix.bleve.Batch(batch); err != nil {
		return ErrIndexIO.MsgErr("apply index update", err)
	}
	svc.opts.Metrics.IndexUpdate(indexName, string(OpChanged), changed)
	svc.opts.Metrics.IndexUpdate(indexName, string(OpDeleted), deleted)
	log.Ctx(ctx).Debug().Str("index", indexName).Int("changed", changed).Int("deleted", deleted).Msg("index updated")
	return nil
}

func (svc *Service) session() *dbsession.Session {
	return svc.opts.NewSession()
}

// render loads the entity and builds its document. It returns a NotFound
// error when the entity is gone.
func (svc *Service) render(ctx context.Context, s *dbsession.Session, typeName string, id int64) (map[string]any, error) {
	a := svc.adapter(typeName)
	if a == nil {
		return nil, ErrNoAdapter.Msg(typeName)
	}
	e, err := entity.GetTyped(ctx, s, typeName, id)
	if err != nil {
		return nil, err
	}
	return svc.document(ctx, s, a, e)
}

func (svc *Service) document(ctx context.Context, s *dbsession.Session, a Adapter, e *entity.Entity) (map[string]any, error) {
	ancestors, err := entity.Ancestors(ctx, s, e)
	if err != nil {
		return nil, err
	}
	ids := make([]int64, len(ancestors))
	for i, p := range ancestors {
		ids[i] = p.ID
	}
	extra, err := a.Document(ctx, s, e)
	if err != nil {
		return nil, err
	}
	doc := merge(baseDocument(e, ids), extra)
	if svc.opts.Security != nil {
		terms, err := svc.opts.Security.IndexablePrincipals(ctx, s, e)
		if err != nil {
			return nil, err
		}
		doc[FieldAllowedRoles] = terms
	}
	return doc, nil
}

// Document renders e as it would be indexed.
func (svc *Service) Document(ctx context.Context, s *dbsession.Session, e *entity.Entity) (map[string]any, error) {
	a := svc.adapter(e.Type)
	if a == nil {
		return nil, ErrNoAdapter.Msg(e.Type)
	}
	return svc.document(ctx, s, a, e)
}
