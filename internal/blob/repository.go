// Package blob stores binary content outside the database.
//
// Repository is the durable store: one file per uuid under
// <instance>/data/files/aa/bb/<uuid>. SessionRepository stages writes and
// deletes per database transaction and applies them to the Repository only
// once the root transaction has committed. Blob is the database row that
// references a file.
package blob

import (
	"bytes"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/text/encoding/htmlindex"

	"github.com/abilian/abilian-core/internal/common/uuid"
)

const (
	dirPerm  = 0o750
	filePerm = 0o640
)

// Repository is the durable, uuid-keyed file store.
type Repository struct {
	root string
}

func NewRepository(root string) *Repository {
	return &Repository{root: filepath.Clean(root)}
}

func (r *Repository) Root() string {
	return r.root
}

// RelPath returns aa/bb/<uuid>, aa and bb being the first two character pairs
// of the uuid string.
func (r *Repository) RelPath(id uuid.UUID) string {
	s := id.String()
	return filepath.Join(s[0:2], s[2:4], s)
}

func (r *Repository) AbsPath(id uuid.UUID) string {
	return filepath.Join(r.root, r.RelPath(id))
}

// Get returns the path of the content for id, false if there is none.
func (r *Repository) Get(id uuid.UUID) (string, bool) {
	p := r.AbsPath(id)
	fi, err := os.Stat(p)
	if err != nil || !fi.Mode().IsRegular() {
		return "", false
	}
	return p, true
}

func (r *Repository) Exists(id uuid.UUID) bool {
	_, ok := r.Get(id)
	return ok
}

// Open returns a reader on the content of id.
func (r *Repository) Open(id uuid.UUID) (io.ReadCloser, error) {
	f, err := os.Open(r.AbsPath(id))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound.Msg(id.String())
		}
		return nil, ioError(err, "open %s", r.AbsPath(id))
	}
	return f, nil
}

// Set writes content under id, replacing any previous content. The file
// appears complete or not at all.
func (r *Repository) Set(id uuid.UUID, content io.Reader) error {
	return writeFile(r.AbsPath(id), content)
}

func (r *Repository) SetBytes(id uuid.UUID, content []byte) error {
	return r.Set(id, bytes.NewReader(content))
}

// SetString writes s encoded with the named encoding ("utf-8" when empty).
func (r *Repository) SetString(id uuid.UUID, s string, encoding string) error {
	b, err := EncodeString(s, encoding)
	if err != nil {
		return err
	}
	return r.SetBytes(id, b)
}

// Delete removes the content of id. Deleting missing content is an error.
func (r *Repository) Delete(id uuid.UUID) error {
	p := r.AbsPath(id)
	if err := os.Remove(p); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ErrNotFound.Msg(id.String())
		}
		return ioError(err, "remove %s", p)
	}
	return nil
}

// Promote moves a file staged elsewhere into the store under id.
func (r *Repository) Promote(id uuid.UUID, staged string) error {
	dst := r.AbsPath(id)
	if err := os.MkdirAll(filepath.Dir(dst), dirPerm); err != nil {
		return ioError(err, "create directory for %s", dst)
	}
	if err := os.Rename(staged, dst); err == nil {
		return nil
	}
	// Staging and store on different filesystems.
	f, err := os.Open(staged)
	if err != nil {
		return ioError(err, "open staged file %s", staged)
	}
	defer f.Close()
	if err := writeFile(dst, f); err != nil {
		return err
	}
	_ = os.Remove(staged)
	return nil
}

// Walk calls fn for every stored file whose name parses as a uuid.
func (r *Repository) Walk(fn func(id uuid.UUID, path string) error) error {
	err := filepath.WalkDir(r.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) && path == r.root {
				return filepath.SkipDir
			}
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".") {
			return nil
		}
		id, perr := uuid.Parse(d.Name())
		if perr != nil {
			return nil
		}
		return fn(id, path)
	})
	if err != nil {
		return ioError(err, "walk %s", r.root)
	}
	return nil
}

// EncodeString encodes s with a WHATWG encoding name such as "latin1" or "utf-8".
func EncodeString(s string, encoding string) ([]byte, error) {
	if encoding == "" || strings.EqualFold(encoding, "utf-8") || strings.EqualFold(encoding, "utf8") {
		return []byte(s), nil
	}
	enc, err := htmlindex.Get(encoding)
	if err != nil {
		return nil, ErrInvalidEncoding.MsgErr(encoding, err)
	}
	out, err := enc.NewEncoder().String(s)
	if err != nil {
		return nil, ErrInvalidEncoding.MsgErr("cannot encode text as "+encoding, err)
	}
	return []byte(out), nil
}

// writeFile writes content to a temporary file next to path, syncs it and
// renames it into place.
func writeFile(path string, content io.Reader) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return ioError(err, "create directory %s", dir)
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return ioError(err, "create temp file in %s", dir)
	}
	tmpName := tmp.Name()
	cleanup := func() {
		tmp.Close()
		os.Remove(tmpName)
	}
	if content != nil {
		if _, err := io.Copy(tmp, content); err != nil {
			cleanup()
			return ioError(err, "write %s", path)
		}
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return ioError(err, "sync %s", path)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return ioError(err, "close %s", path)
	}
	if err := os.Chmod(tmpName, filePerm); err != nil {
		os.Remove(tmpName)
		return ioError(err, "chmod %s", path)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return ioError(err, "rename into %s", path)
	}
	return nil
}

func ioError(err error, format string, args ...any) error {
	return ErrIO.Err(errors.Wrapf(err, format, args...))
}
