package indexing

import (
	"context"
	"strings"
	"sync"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/search/query"

	"github.com/abilian/abilian-core/internal/subjects"
)

const defaultSearchLimit = 20

// SearchRequest is a free-text search over one index.
type SearchRequest struct {
	// Index defaults to DefaultIndex.
	Index string
	// Query uses the bleve query string syntax; empty matches everything.
	Query string
	// ObjectTypes restricts the hits to these entity types.
	ObjectTypes []string
	Limit       int
	Offset      int
	// Principal, when set, keeps only the documents it may read.
	Principal subjects.Principal
	// Filter is and-ed with the query.
	Filter query.Query
}

// Hit is one search result.
type Hit struct {
	ObjectKey  string
	ObjectType string
	ID         int64
	Name       string
	Score      float64
}

// SearchResult holds the hits of a page and the total number of matches.
type SearchResult struct {
	Hits  []Hit
	Total uint64
}

// Search runs req. Hits are ordered by score.
func (svc *Service) Search(ctx context.Context, req SearchRequest) (*SearchResult, error) {
	if req.Index == "" {
		req.Index = DefaultIndex
	}
	if req.Limit <= 0 {
		req.Limit = defaultSearchLimit
	}
	ix, err := svc.index(ctx, req.Index)
	if err != nil {
		return nil, err
	}

	var q query.Query = bleve.NewMatchAllQuery()
	if strings.TrimSpace(req.Query) != "" {
		parsed, err := bleve.NewQueryStringQuery(req.Query).Parse()
		if err != nil {
			return nil, ErrInvalidQuery.MsgErr(req.Query, err)
		}
		if v, ok := parsed.(query.ValidatableQuery); ok {
			if err := v.Validate(); err != nil {
				return nil, ErrInvalidQuery.MsgErr(req.Query, err)
			}
		}
		q = parsed
	}
	must := []query.Query{q}
	if len(req.ObjectTypes) > 0 {
		must = append(must, anyTerm(FieldObjectType, req.ObjectTypes))
	}
	if req.Principal != nil && svc.opts.Security != nil {
		terms, err := svc.principalTerms(ctx, req.Principal)
		if err != nil {
			return nil, err
		}
		// nil terms means unrestricted.
		if terms != nil {
			must = append(must, anyTerm(FieldAllowedRoles, terms))
		}
	}
	if req.Filter != nil {
		must = append(must, req.Filter)
	}
	if len(must) > 1 {
		q = bleve.NewConjunctionQuery(must...)
	}

	sr := bleve.NewSearchRequestOptions(q, req.Limit, req.Offset, false)
	sr.Fields = []string{FieldName}
	res, err := ix.bleve.SearchInContext(ctx, sr)
	if err != nil {
		return nil, ErrIndexIO.MsgErr("search", err)
	}
	out := &SearchResult{Total: res.Total, Hits: make([]Hit, 0, len(res.Hits))}
	for _, h := range res.Hits {
		typ, id, ok := splitObjectKey(h.ID)
		if !ok {
			continue
		}
		hit := Hit{ObjectKey: h.ID, ObjectType: typ, ID: id, Score: h.Score}
		if name, ok := h.Fields[FieldName].(string); ok {
			hit.Name = name
		}
		out.Hits = append(out.Hits, hit)
	}
	return out, nil
}

func (svc *Service) principalTerms(ctx context.Context, p subjects.Principal) ([]string, error) {
	s := svc.session()
	defer s.Close(ctx)
	return svc.opts.Security.IndexableRoles(ctx, s, p)
}

func anyTerm(field string, terms []string) query.Query {
	qs := make([]query.Query, len(terms))
	for i, t := range terms {
		qs[i] = termQuery(field, t)
	}
	if len(qs) == 1 {
		return qs[0]
	}
	return bleve.NewDisjunctionQuery(qs...)
}

// URLFunc builds the canonical URL of an entity.
type URLFunc func(objectType string, id int64) string

// URLRegistry maps entity types to URL builders.
type URLRegistry struct {
	mu       sync.RWMutex
	byType   map[string]URLFunc
	fallback URLFunc
}

func NewURLRegistry() *URLRegistry {
	return &URLRegistry{byType: map[string]URLFunc{}}
}

func (r *URLRegistry) Register(objectType string, fn URLFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byType[objectType] = fn
}

// SetDefault sets the builder used for types without their own.
func (r *URLRegistry) SetDefault(fn URLFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallback = fn
}

func (r *URLRegistry) URLFor(objectType string, id int64) (string, bool) {
	r.mu.RLock()
	fn, ok := r.byType[objectType]
	if !ok {
		fn = r.fallback
	}
	r.mu.RUnlock()
	if fn == nil {
		return "", false
	}
	return fn(objectType, id), true
}

// URLForHit returns the URL of the entity behind hit.
func (svc *Service) URLForHit(hit Hit) (string, bool) {
	return svc.urls.URLFor(hit.ObjectType, hit.ID)
}
