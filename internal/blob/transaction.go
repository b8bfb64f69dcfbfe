package blob

import (
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/pkg/errors"

	"github.com/abilian/abilian-core/internal/common/uuid"
)

// RepositoryTransaction stages blob writes and deletes for one database
// transaction or savepoint. Staged content lives in its own directory under
// the transactions root until it is merged into the parent transaction or, for
// the root transaction, promoted into the Repository.
type RepositoryTransaction struct {
	repo   *Repository
	parent *RepositoryTransaction
	root   string
	id     uuid.UUID

	written map[uuid.UUID]struct{}
	deleted map[uuid.UUID]struct{}
	cleared bool
}

func newRepositoryTransaction(repo *Repository, root string, parent *RepositoryTransaction) *RepositoryTransaction {
	return &RepositoryTransaction{
		repo:    repo,
		parent:  parent,
		root:    root,
		id:      uuid.NewV1(),
		written: make(map[uuid.UUID]struct{}),
		deleted: make(map[uuid.UUID]struct{}),
	}
}

// Path is the staging directory; it exists once something was written.
func (t *RepositoryTransaction) Path() string {
	return filepath.Join(t.root, uuid.Hex(t.id))
}

func (t *RepositoryTransaction) Parent() *RepositoryTransaction { return t.parent }

func (t *RepositoryTransaction) Cleared() bool { return t.cleared }

func (t *RepositoryTransaction) stagedPath(id uuid.UUID) string {
	return filepath.Join(t.Path(), id.String())
}

// Set stages content for id.
func (t *RepositoryTransaction) Set(id uuid.UUID, content io.Reader) error {
	if t.cleared {
		return ErrTransactionCleared
	}
	if err := writeFile(t.stagedPath(id), content); err != nil {
		return err
	}
	delete(t.deleted, id)
	t.written[id] = struct{}{}
	return nil
}

// Delete stages the removal of id, dropping any content staged for it here.
func (t *RepositoryTransaction) Delete(id uuid.UUID) error {
	if t.cleared {
		return ErrTransactionCleared
	}
	if _, ok := t.written[id]; ok {
		if err := os.Remove(t.stagedPath(id)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return ioError(err, "remove staged %s", id)
		}
		delete(t.written, id)
	}
	t.deleted[id] = struct{}{}
	return nil
}

// Discard drops the content staged for id here and in the ancestors without
// recording a delete. It serves blobs whose row will never be written.
func (t *RepositoryTransaction) Discard(id uuid.UUID) error {
	for cur := t; cur != nil; cur = cur.parent {
		if cur.cleared {
			continue
		}
		if _, ok := cur.written[id]; !ok {
			continue
		}
		if err := os.Remove(cur.stagedPath(id)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return ioError(err, "remove staged %s", id)
		}
		delete(cur.written, id)
	}
	return nil
}

// Get resolves id through this transaction, its ancestors and finally the
// repository. Content deleted by the transaction yields ErrDeleted.
func (t *RepositoryTransaction) Get(id uuid.UUID) (string, error) {
	for cur := t; cur != nil; cur = cur.parent {
		if cur.cleared {
			return "", ErrTransactionCleared
		}
		if _, ok := cur.deleted[id]; ok {
			return "", ErrDeleted.Msg(id.String())
		}
		if _, ok := cur.written[id]; ok {
			return cur.stagedPath(id), nil
		}
	}
	p, ok := t.repo.Get(id)
	if !ok {
		return "", ErrNotFound.Msg(id.String())
	}
	return p, nil
}

// Written lists the staged writes, sorted.
func (t *RepositoryTransaction) Written() []uuid.UUID { return sortedIDs(t.written) }

// Deleted lists the staged deletes, sorted.
func (t *RepositoryTransaction) Deleted() []uuid.UUID { return sortedIDs(t.deleted) }

// Commit merges the staged state into the parent, or applies it to the
// repository for a root transaction. The transaction is cleared afterwards,
// even on error. onApply, when set, observes every repository operation.
func (t *RepositoryTransaction) Commit(onApply func(op string, id uuid.UUID, err error)) error {
	if t.cleared {
		return ErrTransactionCleared
	}
	defer t.clear()
	if t.parent != nil {
		return t.mergeIntoParent()
	}
	var firstErr error
	for _, id := range t.Deleted() {
		err := t.repo.Delete(id)
		if errors.Is(err, ErrNotFound) {
			err = nil
		}
		if onApply != nil {
			onApply("delete", id, err)
		}
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for _, id := range t.Written() {
		err := t.repo.Promote(id, t.stagedPath(id))
		if onApply != nil {
			onApply("promote", id, err)
		}
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (t *RepositoryTransaction) mergeIntoParent() error {
	p := t.parent
	if p.cleared {
		return ErrTransactionCleared
	}
	for id := range t.deleted {
		if err := p.Delete(id); err != nil {
			return err
		}
	}
	for id := range t.written {
		dst := p.stagedPath(id)
		if err := os.MkdirAll(filepath.Dir(dst), dirPerm); err != nil {
			return ioError(err, "create directory %s", filepath.Dir(dst))
		}
		if err := os.Rename(t.stagedPath(id), dst); err != nil {
			return ioError(err, "move staged %s", id)
		}
		delete(p.deleted, id)
		p.written[id] = struct{}{}
	}
	return nil
}

// Rollback discards everything staged. Rolling back a cleared transaction is a no-op.
func (t *RepositoryTransaction) Rollback() error {
	if t.cleared {
		return nil
	}
	t.clear()
	return nil
}

func (t *RepositoryTransaction) clear() {
	_ = os.RemoveAll(t.Path())
	t.written = map[uuid.UUID]struct{}{}
	t.deleted = map[uuid.UUID]struct{}{}
	t.cleared = true
}

func sortedIDs(set map[uuid.UUID]struct{}) []uuid.UUID {
	out := make([]uuid.UUID, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}
