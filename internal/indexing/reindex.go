package indexing

import (
	"context"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/search/query"
	"github.com/rs/zerolog/log"

	"github.com/abilian/abilian-core/internal/entity"
)

// ReindexOptions selects what a full reindex rebuilds.
type ReindexOptions struct {
	// Index defaults to DefaultIndex.
	Index string
	// Types restricts the rebuild; empty means every type of the index.
	Types []string
	// Clear removes every document of the index, including documents of
	// types that lost their adapter.
	Clear bool
	// Progressive commits after each type and every BatchSize documents
	// instead of once at the end.
	Progressive bool
	BatchSize   int
}

// ReindexResult reports a finished reindex.
type ReindexResult struct {
	Documents int
	ByType    map[string]int
	// Failed lists the types skipped after an error.
	Failed []string
}

type writeKind int

const (
	writeDoc writeKind = iota
	writeClear
	writeDeleteType
	writeCommit
	writeStop
)

type writeOp struct {
	kind writeKind
	key  string
	typ  string
	doc  map[string]any
	// done receives the outcome of writeCommit and writeStop.
	done chan error
}

// indexWriter owns the batch of a reindex. Operations reach it in order
// over a channel; COMMIT and STOP are answered on their done channel.
type indexWriter struct {
	svc *Service
	ix  *Index
	in  chan writeOp
	// err is the first failure since the last commit.
	err error
}

func (svc *Service) startWriter(ctx context.Context, ix *Index) *indexWriter {
	w := &indexWriter{svc: svc, ix: ix, in: make(chan writeOp, 64)}
	go w.run(ctx)
	return w
}

func (w *indexWriter) run(ctx context.Context) {
	batch := w.ix.bleve.NewBatch()
	for op := range w.in {
		switch op.kind {
		case writeDoc:
			if w.err == nil {
				if err := batch.Index(op.key, op.doc); err != nil {
					w.err = ErrIndexIO.MsgErr(op.key, err)
				}
			}
		case writeClear:
			w.deleteMatching(ctx, batch, bleve.NewMatchAllQuery(), "")
		case writeDeleteType:
			w.deleteMatching(ctx, batch, termQuery(FieldObjectType, op.typ), op.typ)
		case writeCommit:
			op.done <- w.commit(ctx, batch)
			batch = w.ix.bleve.NewBatch()
		case writeStop:
			op.done <- w.err
			return
		}
	}
}

func (w *indexWriter) deleteMatching(ctx context.Context, batch *bleve.Batch, q query.Query, typ string) {
	if w.err != nil {
		return
	}
	ids, err := w.ix.ids(ctx, q)
	if err != nil {
		w.err = err
		return
	}
	for _, id := range ids {
		batch.Delete(id)
	}
	log.Ctx(ctx).Debug().Str("index", w.ix.name).Str("type", typ).Int("documents", len(ids)).Msg("documents scheduled for removal")
}

func (w *indexWriter) commit(ctx context.Context, batch *bleve.Batch) error {
	if err := w.err; err != nil {
		w.err = nil
		return err
	}
	if batch.Size() == 0 {
		return nil
	}
	if err := w.ix.lock(ctx, w.svc.opts.LockRetryDelay, w.svc.opts.LockRetryAttempts); err != nil {
		return err
	}
	defer w.ix.unlock()
	if err := w.ix.bleve.Batch(batch); err != nil {
		return ErrIndexIO.MsgErr("commit reindex batch", err)
	}
	return nil
}

func (w *indexWriter) send(op writeOp) { w.in <- op }

// Commit writes everything sent so far.
func (w *indexWriter) Commit() error {
	done := make(chan error, 1)
	w.in <- writeOp{kind: writeCommit, done: done}
	return <-done
}

// Stop ends the writer, discarding what was not committed.
func (w *indexWriter) Stop() error {
	done := make(chan error, 1)
	w.in <- writeOp{kind: writeStop, done: done}
	err := <-done
	close(w.in)
	return err
}

// Reindex rebuilds the documents of every indexed type from the database.
// Each type is loaded in pages of BatchSize entities and its old documents
// are removed before the new ones are written. A type that fails to load or
// render is logged and skipped.
func (svc *Service) Reindex(ctx context.Context, opts ReindexOptions) (*ReindexResult, error) {
	if opts.Index == "" {
		opts.Index = DefaultIndex
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = svc.opts.BatchSize
	}
	ix, err := svc.index(ctx, opts.Index)
	if err != nil {
		return nil, err
	}
	types := opts.Types
	if len(types) == 0 {
		types = svc.typesIn(opts.Index)
	}
	for _, t := range types {
		if svc.adapter(t) == nil {
			return nil, ErrNoAdapter.Msg(t)
		}
	}

	logger := log.Ctx(ctx).With().Str("index", opts.Index).Bool("clear", opts.Clear).Bool("progressive", opts.Progressive).Logger()
	ctx = logger.WithContext(ctx)
	logger.Info().Strs("types", types).Msg("reindex started")

	w := svc.startWriter(ctx, ix)
	if opts.Clear {
		w.send(writeOp{kind: writeClear})
	}
	res := &ReindexResult{ByType: map[string]int{}}
	for _, typ := range types {
		docs, err := svc.renderType(ctx, typ, opts.BatchSize)
		if err != nil {
			logger.Error().Err(err).Str("type", typ).Msg("reindex of type failed, skipping")
			res.Failed = append(res.Failed, typ)
			continue
		}
		w.send(writeOp{kind: writeDeleteType, typ: typ})
		for i, d := range docs {
			w.send(writeOp{kind: writeDoc, key: d.key, doc: d.doc})
			if opts.Progressive && (i+1)%opts.BatchSize == 0 {
				if err := w.Commit(); err != nil {
					_ = w.Stop()
					return res, err
				}
			}
		}
		if opts.Progressive {
			if err := w.Commit(); err != nil {
				_ = w.Stop()
				return res, err
			}
			logger.Info().Str("type", typ).Int("documents", len(docs)).Msg("type reindexed")
		}
		res.ByType[typ] = len(docs)
		res.Documents += len(docs)
	}
	if err := w.Commit(); err != nil {
		_ = w.Stop()
		return res, err
	}
	if err := w.Stop(); err != nil {
		return res, err
	}
	svc.opts.Metrics.IndexUpdate(opts.Index, "reindexed", res.Documents)
	logger.Info().Int("documents", res.Documents).Strs("failed", res.Failed).Msg("reindex finished")
	return res, nil
}

type renderedDoc struct {
	key string
	doc map[string]any
}

// renderType renders every entity of typ, reading batchSize rows at a time.
func (svc *Service) renderType(ctx context.Context, typ string, batchSize int) ([]renderedDoc, error) {
	a := svc.adapter(typ)
	s := svc.session()
	defer s.Close(ctx)

	var out []renderedDoc
	for offset := 0; ; offset += batchSize {
		page, err := entity.Find(ctx, s, entity.Query{Types: []string{typ}, Limit: batchSize, Offset: offset})
		if err != nil {
			return nil, err
		}
		for _, e := range page {
			if !svc.indexable(e) {
				continue
			}
			doc, err := svc.document(ctx, s, a, e)
			if err != nil {
				return nil, err
			}
			out = append(out, renderedDoc{key: e.ObjectKey(), doc: doc})
		}
		if len(page) < batchSize {
			return out, nil
		}
	}
}
