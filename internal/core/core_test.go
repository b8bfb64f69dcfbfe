package core_test

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abilian/abilian-core/internal/antivirus"
	"github.com/abilian/abilian-core/internal/audit"
	"github.com/abilian/abilian-core/internal/config"
	"github.com/abilian/abilian-core/internal/coretest"
	"github.com/abilian/abilian-core/internal/entity"
	"github.com/abilian/abilian-core/internal/indexing"
	"github.com/abilian/abilian-core/internal/subjects"
	"github.com/abilian/abilian-core/internal/tasks"
	"github.com/abilian/abilian-core/internal/uploads"
)

const documentType = "test.Document"

var documentDef = entity.Type{
	Name: documentType,
	Fields: []entity.Field{
		{Name: "body", Kind: entity.KindText, Searchable: true},
		{Name: "content", Kind: entity.KindBlob, Owned: true},
	},
}

func TestCommitReachesEveryService(t *testing.T) {
	svc := coretest.NewServices(t, coretest.WithTypes(documentDef))
	ctx := svc.Ctx
	s := svc.Session(t)

	b, err := svc.Blobs.Create(ctx, s, []byte("quarterly figures"))
	require.NoError(t, err)
	doc := entity.New(documentType)
	doc.SetName("Quarterly report")
	doc.Set("body", "figures for the first quarter")
	doc.Set("content", b.UUID.String())
	require.NoError(t, s.Add(doc))
	require.NoError(t, s.Commit(ctx))

	assert.True(t, svc.Repository.Exists(b.UUID), "blob promoted on commit")

	entries, err := audit.EntriesFor(ctx, svc.Session(t), doc.ID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, audit.Creation, entries[0].Type)
	assert.Equal(t, coretest.Epoch, entries[0].HappenedAt.UTC())

	res, err := svc.Indexing.Search(ctx, indexing.SearchRequest{Query: "quarter", ObjectTypes: []string{documentType}})
	require.NoError(t, err)
	require.Len(t, res.Hits, 1)
	assert.Equal(t, doc.ObjectKey(), res.Hits[0].ObjectKey)
	assert.Equal(t, "Quarterly report", res.Hits[0].Name)
}

func TestRollbackLeavesNoTrace(t *testing.T) {
	svc := coretest.NewServices(t, coretest.WithTypes(documentDef))
	ctx := svc.Ctx
	s := svc.Session(t)

	b, err := svc.Blobs.Create(ctx, s, []byte("draft"))
	require.NoError(t, err)
	doc := entity.New(documentType)
	doc.SetName("Draft")
	doc.Set("content", b.UUID.String())
	require.NoError(t, s.Add(doc))
	require.NoError(t, s.Flush(ctx))
	require.NoError(t, s.Rollback(ctx))

	assert.False(t, svc.Repository.Exists(b.UUID))
	entries, err := audit.Entries(ctx, svc.Session(t), audit.EntryFilter{EntityType: documentType})
	require.NoError(t, err)
	assert.Empty(t, entries)
	res, err := svc.Indexing.Search(ctx, indexing.SearchRequest{Query: "draft"})
	require.NoError(t, err)
	assert.Zero(t, res.Total)
}

func TestUploadBecomesBlob(t *testing.T) {
	clean := antivirus.ScannerFunc(func(context.Context, io.Reader) (antivirus.Verdict, error) {
		return antivirus.Clean, nil
	})
	svc := coretest.NewServices(t,
		coretest.WithTypes(documentDef),
		coretest.WithScanner(clean),
		coretest.WithConfig(func(c *config.Config) { c.Blobs.AntivirusCheckRequired = true }),
	)
	ctx := svc.Ctx
	s := svc.Session(t)

	user := subjects.NewUser("jane@example.com")
	require.NoError(t, s.Add(user))
	require.NoError(t, s.Commit(ctx))

	up, err := svc.Uploads.Add(ctx, user, "minutes.txt", "text/plain", strings.NewReader("meeting minutes"))
	require.NoError(t, err)

	s = svc.Session(t)
	b, err := svc.Uploads.ToBlob(ctx, s, svc.Blobs, user, up.Handle)
	require.NoError(t, err)
	doc := entity.New(documentType)
	doc.SetName("Minutes")
	doc.Set("content", b.UUID.String())
	require.NoError(t, s.Add(doc))
	require.NoError(t, s.Commit(ctx))
	require.NoError(t, svc.Uploads.Remove(ctx, user, up.Handle))

	assert.Equal(t, antivirus.Clean, b.Antivirus())
	assert.Equal(t, "minutes.txt", b.Filename())
	data, err := svc.Blobs.Value(ctx, svc.Session(t), b)
	require.NoError(t, err)
	assert.Equal(t, "meeting minutes", string(data))
}

func TestPeriodicCleaning(t *testing.T) {
	svc := coretest.NewServices(t)
	ctx := svc.Ctx

	_, err := svc.Uploads.Add(ctx, subjects.Anonymous, "a.txt", "text/plain", strings.NewReader("x"))
	require.NoError(t, err)

	periodic := svc.Periodic()
	require.Len(t, periodic, 1)
	assert.Equal(t, uploads.TaskCleanUploads, periodic[0].Name)

	svc.Clock.Advance(2 * time.Hour)
	_, err = svc.Tasks.Submit(ctx, uploads.TaskCleanUploads, nil, tasks.WithExpiry(periodic[0].Expiry))
	require.NoError(t, err)

	list, err := svc.Uploads.List(ctx, subjects.Anonymous)
	require.NoError(t, err)
	assert.Empty(t, list)
}
