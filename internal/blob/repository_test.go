package blob

import (
	"crypto/md5"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abilian/abilian-core/internal/common/apperrors"
	"github.com/abilian/abilian-core/internal/common/uuid"
)

func TestRepositoryPaths(t *testing.T) {
	repo := NewRepository("/srv/instance/data/files")
	id := uuid.MustParse("4f2a9c1e-0b3d-11ef-9262-0242ac120002")
	assert.Equal(t, filepath.Join("4f", "2a", "4f2a9c1e-0b3d-11ef-9262-0242ac120002"), repo.RelPath(id))
	assert.Equal(t, filepath.Join("/srv/instance/data/files", "4f", "2a", id.String()), repo.AbsPath(id))
}

func TestRepositorySetGetDelete(t *testing.T) {
	repo := NewRepository(t.TempDir())
	id := uuid.NewV1()

	_, ok := repo.Get(id)
	assert.False(t, ok)

	require.NoError(t, repo.SetBytes(id, []byte("hello")))
	p, ok := repo.Get(id)
	require.True(t, ok)
	data, err := os.ReadFile(p)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	require.NoError(t, repo.Set(id, strings.NewReader("replaced")))
	rc, err := repo.Open(id)
	require.NoError(t, err)
	data, err = io.ReadAll(rc)
	rc.Close()
	require.NoError(t, err)
	assert.Equal(t, "replaced", string(data))

	require.NoError(t, repo.Delete(id))
	assert.False(t, repo.Exists(id))

	err = repo.Delete(id)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.True(t, apperrors.IsKind(err, apperrors.KindNotFound))
	_, err = repo.Open(id)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRepositoryLeavesNoTempFiles(t *testing.T) {
	root := t.TempDir()
	repo := NewRepository(root)
	id := uuid.NewV1()
	require.NoError(t, repo.SetBytes(id, nil))

	entries, err := os.ReadDir(filepath.Dir(repo.AbsPath(id)))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, id.String(), entries[0].Name())

	data, err := os.ReadFile(repo.AbsPath(id))
	require.NoError(t, err)
	sum := md5.Sum(data)
	assert.Equal(t, EmptyMD5, hex.EncodeToString(sum[:]))
}

func TestRepositorySetString(t *testing.T) {
	repo := NewRepository(t.TempDir())
	id := uuid.NewV1()

	require.NoError(t, repo.SetString(id, "café", "latin1"))
	data, err := os.ReadFile(repo.AbsPath(id))
	require.NoError(t, err)
	assert.Equal(t, []byte{'c', 'a', 'f', 0xe9}, data)

	require.NoError(t, repo.SetString(id, "café", ""))
	data, err = os.ReadFile(repo.AbsPath(id))
	require.NoError(t, err)
	assert.Equal(t, "café", string(data))

	err = repo.SetString(id, "x", "no-such-encoding")
	assert.ErrorIs(t, err, ErrInvalidEncoding)
}

func TestRepositoryWalkAndPromote(t *testing.T) {
	repo := NewRepository(filepath.Join(t.TempDir(), "files"))
	assert.NoError(t, repo.Walk(func(uuid.UUID, string) error {
		t.Fatal("empty repository has no files")
		return nil
	}))

	staged := filepath.Join(t.TempDir(), "staged")
	require.NoError(t, os.WriteFile(staged, []byte("data"), 0o600))
	a, b := uuid.NewV1(), uuid.NewV1()
	require.NoError(t, repo.Promote(a, staged))
	require.NoError(t, repo.SetBytes(b, []byte("other")))
	_, err := os.Stat(staged)
	assert.True(t, os.IsNotExist(err))

	seen := map[uuid.UUID]bool{}
	require.NoError(t, repo.Walk(func(id uuid.UUID, path string) error {
		seen[id] = true
		assert.Equal(t, repo.AbsPath(id), path)
		return nil
	}))
	assert.Equal(t, map[uuid.UUID]bool{a: true, b: true}, seen)
}
