package indexing

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/blevesearch/bleve/v2/search/query"
	"github.com/rs/zerolog/log"
)

// listPageSize bounds the hits fetched per page when collecting document ids.
const listPageSize = 1000

// Index is one named bleve index with a single writer at a time.
type Index struct {
	name  string
	path  string
	bleve bleve.Index

	writer sync.Mutex
}

// openIndex opens the index at path, creating it with m when missing.
func openIndex(ctx context.Context, name, path string, m mapping.IndexMapping) (*Index, error) {
	idx, err := bleve.Open(path)
	switch {
	case err == nil:
		log.Ctx(ctx).Debug().Str("index", name).Str("path", path).Msg("index opened")
	case errors.Is(err, bleve.ErrorIndexPathDoesNotExist):
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			return nil, ErrIndexIO.MsgErr(path, err)
		}
		idx, err = bleve.New(path, m)
		if err != nil {
			return nil, ErrIndexIO.MsgErr("create "+path, err)
		}
		log.Ctx(ctx).Info().Str("index", name).Str("path", path).Msg("index created")
	default:
		return nil, ErrIndexIO.MsgErr("open "+path, err)
	}
	return &Index{name: name, path: path, bleve: idx}, nil
}

func (ix *Index) Name() string { return ix.name }

// DocCount returns the number of documents in the index.
func (ix *Index) DocCount() (uint64, error) {
	n, err := ix.bleve.DocCount()
	if err != nil {
		return 0, ErrIndexIO.Err(err)
	}
	return n, nil
}

// lock takes the writer lock, retrying every delay while another writer
// holds it.
func (ix *Index) lock(ctx context.Context, delay time.Duration, attempts uint) error {
	return retry.Do(func() error {
		if ix.writer.TryLock() {
			return nil
		}
		return ErrIndexLocked.Msg(ix.name)
	},
		retry.Context(ctx),
		retry.Attempts(attempts),
		retry.Delay(delay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, _ error) {
			if n == 0 {
				log.Ctx(ctx).Debug().Str("index", ix.name).Msg("index writer busy, waiting")
			}
		}),
	)
}

func (ix *Index) unlock() {
	ix.writer.Unlock()
}

// ids returns the ids of the documents matching q.
func (ix *Index) ids(ctx context.Context, q query.Query) ([]string, error) {
	var out []string
	for from := 0; ; from += listPageSize {
		req := bleve.NewSearchRequestOptions(q, listPageSize, from, false)
		res, err := ix.bleve.SearchInContext(ctx, req)
		if err != nil {
			return nil, ErrIndexIO.MsgErr("list documents", err)
		}
		for _, hit := range res.Hits {
			out = append(out, hit.ID)
		}
		if len(res.Hits) < listPageSize {
			return out, nil
		}
	}
}

// termQuery matches documents whose keyword field equals term.
func termQuery(field, term string) query.Query {
	q := bleve.NewTermQuery(term)
	q.SetField(field)
	return q
}

func (ix *Index) Close() error {
	if err := ix.bleve.Close(); err != nil {
		return ErrIndexIO.MsgErr("close "+ix.name, err)
	}
	return nil
}

// buildMapping declares the common fields on every document type and the
// adapter fields on the type they belong to. Documents are routed by their
// object_type field.
func buildMapping(adapters []Adapter) *mapping.IndexMappingImpl {
	m := bleve.NewIndexMapping()
	m.TypeField = FieldObjectType
	m.DefaultMapping = documentMapping(nil)
	for _, a := range adapters {
		m.AddDocumentMapping(a.EntityType(), documentMapping(a.Fields()))
	}
	return m
}

func documentMapping(extra []FieldSpec) *mapping.DocumentMapping {
	dm := bleve.NewDocumentMapping()
	dm.Dynamic = false
	for _, f := range append(append([]FieldSpec{}, commonFields...), extra...) {
		dm.AddFieldMappingsAt(f.Name, fieldMapping(f.Kind))
	}
	return dm
}

func fieldMapping(k FieldKind) *mapping.FieldMapping {
	var fm *mapping.FieldMapping
	switch k {
	case Text:
		fm = bleve.NewTextFieldMapping()
		fm.IncludeInAll = true
	case Number:
		fm = bleve.NewNumericFieldMapping()
		fm.IncludeInAll = false
	case Date:
		fm = bleve.NewDateTimeFieldMapping()
		fm.IncludeInAll = false
	default:
		fm = bleve.NewKeywordFieldMapping()
		fm.IncludeInAll = false
	}
	fm.Store = true
	return fm
}
