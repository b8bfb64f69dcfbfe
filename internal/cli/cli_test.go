package cli

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/abilian/abilian-core/internal/audit"
	"github.com/abilian/abilian-core/internal/common/uuid"
	"github.com/abilian/abilian-core/internal/coretest"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	jsonOutput = false
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "abilian.toml")
	content := `format_version = "0.1.0"
instance_path = "` + dir + `"

[db]
uri = "sqlite://` + filepath.Join(dir, "abilian.db") + `"

[log]
level = "error"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, Version)
}

func TestMissingConfig(t *testing.T) {
	_, err := execute(t, "--config", filepath.Join(t.TempDir(), "nope.toml"), "migrate")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestMigrateAndVerify(t *testing.T) {
	cfg := writeConfig(t)
	out, err := execute(t, "--config", cfg, "migrate")
	require.NoError(t, err)
	assert.Contains(t, out, "schema version")

	out, err = execute(t, "--config", cfg, "blobs", "verify")
	require.NoError(t, err)
	assert.Contains(t, out, "0 blobs checked")

	out, err = execute(t, "--config", cfg, "audit", "-o", "yaml")
	require.NoError(t, err)
	assert.Equal(t, "[]\n", out)

	_, err = execute(t, "--config", cfg, "audit", "-o", "xml")
	assert.Error(t, err)
}

func TestVerifyBlobs(t *testing.T) {
	svc := coretest.NewServices(t)
	ctx := svc.Ctx
	s := svc.Session(t)

	good, err := svc.Blobs.Create(ctx, s, []byte("good"))
	require.NoError(t, err)
	corrupted, err := svc.Blobs.Create(ctx, s, []byte("original"))
	require.NoError(t, err)
	lost, err := svc.Blobs.Create(ctx, s, []byte("lost"))
	require.NoError(t, err)
	require.NoError(t, s.Commit(ctx))

	require.NoError(t, svc.Repository.SetBytes(corrupted.UUID, []byte("tampered")))
	require.NoError(t, svc.Repository.Delete(lost.UUID))
	orphan := uuid.NewV1()
	require.NoError(t, svc.Repository.SetBytes(orphan, []byte("stray")))

	report, err := verifyBlobs(ctx, svc.Session(t), svc.Repository, false)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Checked)
	require.Len(t, report.Problems, 2)
	assert.Equal(t, corrupted.UUID.String(), report.Problems[0].UUID)
	assert.Equal(t, problemMismatch, report.Problems[0].Problem)
	assert.Equal(t, lost.UUID.String(), report.Problems[1].UUID)
	assert.Equal(t, problemMissing, report.Problems[1].Problem)

	report, err = verifyBlobs(ctx, svc.Session(t), svc.Repository, true)
	require.NoError(t, err)
	require.Len(t, report.Problems, 3)
	assert.Equal(t, orphan.String(), report.Problems[2].UUID)
	assert.Equal(t, problemOrphan, report.Problems[2].Problem)
	for _, p := range report.Problems {
		assert.NotEqual(t, good.UUID.String(), p.UUID)
	}
}

func TestReadSeedFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("ADMIN_EMAIL=admin@example.com\nROLE=reader\n"), 0o600))
	t.Setenv("ROLE", "writer")
	path := filepath.Join(dir, "seed.yaml")
	content := `---
permissions:
  - permission: read
    role: {{ .ENV.ROLE }}
---
---
grants:
  - role: manager
    user: {{ .ENV.ADMIN_EMAIL }}
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	seeds, err := readSeedFile(path)
	require.NoError(t, err)
	require.Len(t, seeds, 2)
	require.Len(t, seeds[0].Permissions, 1)
	assert.Equal(t, "writer", seeds[0].Permissions[0].Role, "the environment wins over .env")
	require.Len(t, seeds[1].Grants, 1)
	assert.Equal(t, "admin@example.com", seeds[1].Grants[0].User)
}

func TestReadSeedFileErrors(t *testing.T) {
	dir := t.TempDir()
	write := func(name, content string) string {
		p := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(p, []byte(content), 0o600))
		return p
	}

	_, err := readSeedFile(write("missing.yaml", "grants:\n  - role: {{ .ENV.ABILIAN_TEST_UNSET_VARIABLE }}\n    anonymous: true\n"))
	assert.ErrorContains(t, err, "missing environment variable")

	_, err = readSeedFile(write("invalid.yaml", "grants:\n  - role: reader\n    user: jane@example.com\n    anonymous: true\n"))
	assert.ErrorContains(t, err, "document 1")

	_, err = readSeedFile(write("broken.yaml", "grants: [\n"))
	assert.Error(t, err)

	seeds, err := readSeedFile(write("empty.yaml", "---\n---\n"))
	require.NoError(t, err)
	assert.Empty(t, seeds)
}

func TestPrintEntries(t *testing.T) {
	user := int64(7)
	changes := audit.NewChanges()
	changes.Columns["name"] = audit.Change{Old: "a", New: "b"}
	changes.Columns["body"] = audit.Change{Old: nil, New: "text"}
	entry := &audit.Entry{
		ID: 1, HappenedAt: time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC), Type: audit.Update,
		UserID: &user, EntityID: 42, EntityType: "app.Document", EntityName: "b", Changes: changes,
	}
	view, err := newEntryView(entry)
	require.NoError(t, err)
	assert.True(t, view.Deleted)

	var table bytes.Buffer
	require.NoError(t, printEntries(&table, formatTable, []entryView{view}))
	lines := strings.Split(strings.TrimSpace(table.String()), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[1], "app.Document:42")
	assert.Contains(t, lines[1], "body,name")

	var out bytes.Buffer
	require.NoError(t, printEntries(&out, formatYAML, []entryView{view}))
	var decoded []map[string]any
	require.NoError(t, yaml.Unmarshal(out.Bytes(), &decoded))
	require.Len(t, decoded, 1)
	assert.Equal(t, "update", decoded[0]["type"])
	assert.Equal(t, 42, decoded[0]["entity_id"])
	assert.Contains(t, decoded[0]["changes"], "columns")
}

func TestSecurityView(t *testing.T) {
	group, obj := int64(3), int64(9)
	v := newSecurityView(&audit.SecurityEntry{Op: audit.Grant, GroupID: &group, Role: "reader", ObjectID: &obj, ObjectType: "app.Folder"})
	assert.Equal(t, "group:3", v.Principal)
	assert.Equal(t, "GRANT", v.Op)

	var out bytes.Buffer
	require.NoError(t, printSecurityEntries(&out, formatTable, []securityView{v}))
	assert.Contains(t, out.String(), "app.Folder:9")
	assert.Contains(t, out.String(), "anonymous", "no manager is shown as anonymous")
}
