package blob

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"

	"github.com/h2non/filetype"
	"github.com/rs/zerolog/log"

	"github.com/abilian/abilian-core/internal/common/apperrors"
	"github.com/abilian/abilian-core/internal/common/uuid"
	"github.com/abilian/abilian-core/internal/db/dbsession"
	"github.com/abilian/abilian-core/internal/entity"
	"github.com/abilian/abilian-core/internal/metrics"
)

const sessionKey = "blob.transactions"

// sniffLen is enough for filetype to recognise every format it knows.
const sniffLen = 261

// SessionRepository is the transactional view of the Repository. Every read
// and write goes through the RepositoryTransaction of the session's current
// database transaction.
type SessionRepository struct {
	repo    *Repository
	txRoot  string
	metrics *metrics.Metrics
}

// NewSessionRepository stages transactions under txRoot, normally
// <instance>/tmp/files_transactions.
func NewSessionRepository(repo *Repository, txRoot string, m *metrics.Metrics) *SessionRepository {
	return &SessionRepository{repo: repo, txRoot: txRoot, metrics: m}
}

// TransactionsDir returns the staging root under an instance temp directory.
func TransactionsDir(tmpDir string) string {
	return filepath.Join(tmpDir, "files_transactions")
}

func (r *SessionRepository) Repository() *Repository {
	return r.repo
}

type sessionState struct {
	byTx map[*dbsession.Transaction]*RepositoryTransaction
}

func (r *SessionRepository) state(s *dbsession.Session) *sessionState {
	if st, ok := s.Value(sessionKey).(*sessionState); ok {
		return st
	}
	st := &sessionState{byTx: make(map[*dbsession.Transaction]*RepositoryTransaction)}
	s.SetValue(sessionKey, st)
	return st
}

// Register installs the blob mapper and the session listeners that keep
// repository transactions aligned with database transactions. reg supplies
// the owned blob fields cascaded on entity deletion; it may be nil.
func (r *SessionRepository) Register(events *dbsession.Events, mappers *dbsession.Mappers, reg *entity.Registry) {
	RegisterMapper(mappers)

	events.OnAfterTransactionCreate(func(_ context.Context, s *dbsession.Session, tx *dbsession.Transaction) error {
		st := r.state(s)
		var parent *RepositoryTransaction
		if tx.Parent() != nil {
			parent = st.byTx[tx.Parent()]
		}
		st.byTx[tx] = newRepositoryTransaction(r.repo, r.txRoot, parent)
		return nil
	})

	events.OnAfterFlush(func(ctx context.Context, s *dbsession.Session, fc *dbsession.FlushContext) error {
		var t *RepositoryTransaction
		for _, c := range fc.Deleted {
			b, ok := c.Object.(*Blob)
			if !ok {
				continue
			}
			if t == nil {
				var err error
				if t, err = r.current(ctx, s); err != nil {
					return err
				}
			}
			if err := t.Delete(b.UUID); err != nil {
				return err
			}
		}
		return nil
	})

	// A row dropped before its insert takes its staged content with it.
	events.OnDiscard(func(s *dbsession.Session, obj any) {
		b, ok := obj.(*Blob)
		if !ok {
			return
		}
		tx := s.CurrentTransaction()
		if tx == nil {
			return
		}
		if t := r.state(s).byTx[tx]; t != nil {
			err := t.Discard(b.UUID)
			r.metrics.BlobOp("discard", err)
			if err != nil {
				log.Error().Err(err).Str("uuid", b.UUID.String()).Msg("cannot discard staged blob")
			}
		}
	})

	if reg != nil {
		events.OnBeforeFlush(func(ctx context.Context, s *dbsession.Session) error {
			return r.cascadeOwned(ctx, s, reg)
		})
	}

	events.OnAfterCommit(func(ctx context.Context, s *dbsession.Session, tx *dbsession.Transaction) error {
		t := r.state(s).byTx[tx]
		if t == nil || t.Cleared() {
			return nil
		}
		return t.Commit(func(op string, id uuid.UUID, err error) {
			r.metrics.BlobOp(op, err)
			if err != nil {
				log.Ctx(ctx).Error().Err(err).Str("uuid", id.String()).Str("op", op).Msg("blob repository update failed after commit")
			}
		})
	})

	events.OnAfterRollback(func(_ context.Context, s *dbsession.Session, tx *dbsession.Transaction) error {
		if t := r.state(s).byTx[tx]; t != nil {
			return t.Rollback()
		}
		return nil
	})

	events.OnAfterTransactionEnd(func(_ context.Context, s *dbsession.Session, tx *dbsession.Transaction) error {
		st := r.state(s)
		t := st.byTx[tx]
		delete(st.byTx, tx)
		if t == nil || t.Cleared() {
			return nil
		}
		if tx.Committed() && tx.Nested() {
			return t.Commit(nil)
		}
		return t.Rollback()
	})
}

// cascadeOwned schedules the deletion of the blobs owned by entities being deleted.
func (r *SessionRepository) cascadeOwned(ctx context.Context, s *dbsession.Session, reg *entity.Registry) error {
	for _, obj := range s.Deleting() {
		e, ok := obj.(*entity.Entity)
		if !ok {
			continue
		}
		t, ok := reg.Lookup(e.Type)
		if !ok {
			continue
		}
		for _, field := range t.OwnedBlobFields() {
			raw := e.String(field)
			if raw == "" {
				continue
			}
			id, err := uuid.Parse(raw)
			if err != nil {
				log.Ctx(ctx).Warn().Str("entity", e.ObjectKey()).Str("field", field).Msg("owned blob field is not a uuid")
				continue
			}
			b, err := Load(ctx, s, id)
			if apperrors.IsKind(err, apperrors.KindNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			if err := s.Delete(b); err != nil {
				return err
			}
		}
	}
	return nil
}

// Transaction returns the repository transaction of the session's current
// database transaction, beginning one if the session has none.
func (r *SessionRepository) Transaction(ctx context.Context, s *dbsession.Session) (*RepositoryTransaction, error) {
	return r.current(ctx, s)
}

func (r *SessionRepository) current(ctx context.Context, s *dbsession.Session) (*RepositoryTransaction, error) {
	if _, err := s.Begin(ctx); err != nil {
		return nil, err
	}
	t := r.state(s).byTx[s.CurrentTransaction()]
	if t == nil {
		return nil, ErrNoTransaction
	}
	return t, nil
}

// Get returns the path of the content visible to s for id.
func (r *SessionRepository) Get(ctx context.Context, s *dbsession.Session, id uuid.UUID) (string, bool, error) {
	t, err := r.current(ctx, s)
	if err != nil {
		return "", false, err
	}
	p, err := t.Get(id)
	if err != nil {
		if apperrors.IsKind(err, apperrors.KindNotFound) {
			return "", false, nil
		}
		return "", false, err
	}
	return p, true, nil
}

// Set stages raw content for id without touching any Blob row.
func (r *SessionRepository) Set(ctx context.Context, s *dbsession.Session, id uuid.UUID, content io.Reader) error {
	t, err := r.current(ctx, s)
	if err != nil {
		return err
	}
	return t.Set(id, content)
}

// Delete stages the removal of the content of id.
func (r *SessionRepository) Delete(ctx context.Context, s *dbsession.Session, id uuid.UUID) error {
	t, err := r.current(ctx, s)
	if err != nil {
		return err
	}
	return t.Delete(id)
}

// Create adds a new blob holding content to s.
func (r *SessionRepository) Create(ctx context.Context, s *dbsession.Session, content []byte) (*Blob, error) {
	b := New()
	if err := r.SetValue(ctx, s, b, bytes.NewReader(content)); err != nil {
		return nil, err
	}
	return b, nil
}

// SetValue stages content for b and records its md5, size and, when it can be
// sniffed, its mimetype. b is added to s if it is not attached yet.
func (r *SessionRepository) SetValue(ctx context.Context, s *dbsession.Session, b *Blob, content io.Reader) error {
	if b == nil {
		return ErrNotABlob
	}
	if !s.Contains(b) {
		if err := s.Add(b); err != nil {
			return err
		}
	}
	if content == nil {
		content = bytes.NewReader(nil)
	}
	h := md5.New()
	sn := &sniffer{}
	if err := r.Set(ctx, s, b.UUID, io.TeeReader(content, io.MultiWriter(h, sn))); err != nil {
		return err
	}
	b.setMeta("md5", hex.EncodeToString(h.Sum(nil)))
	b.setMeta("size", sn.n)
	if b.MimeType() == "" {
		if kind, err := filetype.Match(sn.head); err == nil && kind != filetype.Unknown {
			b.SetMimeType(kind.MIME.Value)
		}
	}
	return nil
}

func (r *SessionRepository) SetBytes(ctx context.Context, s *dbsession.Session, b *Blob, content []byte) error {
	return r.SetValue(ctx, s, b, bytes.NewReader(content))
}

// SetString stores s encoded with the named encoding.
func (r *SessionRepository) SetString(ctx context.Context, s *dbsession.Session, b *Blob, text, encoding string) error {
	data, err := EncodeString(text, encoding)
	if err != nil {
		return err
	}
	return r.SetBytes(ctx, s, b, data)
}

// Open returns a reader on the content of b as seen by s.
func (r *SessionRepository) Open(ctx context.Context, s *dbsession.Session, b *Blob) (io.ReadCloser, error) {
	p, ok, err := r.Get(ctx, s, b.UUID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotFound.Msg(b.UUID.String())
	}
	f, err := os.Open(p)
	if err != nil {
		return nil, ioError(err, "open %s", p)
	}
	return f, nil
}

// Value reads the whole content of b.
func (r *SessionRepository) Value(ctx context.Context, s *dbsession.Session, b *Blob) ([]byte, error) {
	rc, err := r.Open(ctx, s, b)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, ioError(err, "read %s", b.UUID)
	}
	return data, nil
}

// Exists reports whether content for b is visible to s. A blob without
// content is falsy.
func (r *SessionRepository) Exists(ctx context.Context, s *dbsession.Session, b *Blob) (bool, error) {
	_, ok, err := r.Get(ctx, s, b.UUID)
	return ok, err
}

// DeleteValue stages the removal of the content of b and clears its digest.
// The row itself stays.
func (r *SessionRepository) DeleteValue(ctx context.Context, s *dbsession.Session, b *Blob) error {
	if err := r.Delete(ctx, s, b.UUID); err != nil {
		return err
	}
	b.setMeta("md5", nil)
	b.setMeta("size", nil)
	return nil
}

// sniffer counts bytes and keeps the head of the stream.
type sniffer struct {
	head []byte
	n    int64
}

func (s *sniffer) Write(p []byte) (int, error) {
	if room := sniffLen - len(s.head); room > 0 {
		if room > len(p) {
			room = len(p)
		}
		s.head = append(s.head, p[:room]...)
	}
	s.n += int64(len(p))
	return len(p), nil
}
