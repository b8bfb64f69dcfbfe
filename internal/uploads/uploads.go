// Package uploads stages files sent by users before they are attached to
// entities. Each upload lives under <dir>/<owner>/<handle> with a JSON
// metadata side-file next to it.
package uploads

import (
	"context"
	"crypto/md5"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/h2non/filetype"
	jsonitor "github.com/json-iterator/go"
	"github.com/juju/clock"
	"github.com/mitchellh/mapstructure"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"

	"github.com/abilian/abilian-core/internal/antivirus"
	"github.com/abilian/abilian-core/internal/blob"
	"github.com/abilian/abilian-core/internal/db/dbsession"
	"github.com/abilian/abilian-core/internal/metrics"
	"github.com/abilian/abilian-core/internal/subjects"
	"github.com/abilian/abilian-core/internal/tasks"
)

var json = jsonitor.ConfigCompatibleWithStandardLibrary

const (
	// TaskCleanUploads is the periodic task removing stalled uploads.
	TaskCleanUploads = "periodic_clean_upload_directory"

	metadataSuffix = ".metadata"
	sniffLen       = 262
)

// Options configures a Manager. Zero limits disable the matching check.
type Options struct {
	Dir                string
	UserQuota          int64
	UserMaxFiles       int
	DeleteStalledAfter time.Duration
	// AntivirusRequired refuses uploads the scanner does not find clean.
	AntivirusRequired bool
	Scanner           antivirus.Scanner
	Clock             clock.Clock
	Metrics           *metrics.Metrics
}

// Meta is the content of the metadata side-file.
type Meta struct {
	Filename  string    `mapstructure:"filename" json:"filename"`
	MimeType  string    `mapstructure:"mimetype" json:"mimetype"`
	Size      int64     `mapstructure:"size" json:"size"`
	MD5       string    `mapstructure:"md5" json:"md5"`
	Antivirus *bool     `mapstructure:"antivirus" json:"antivirus"`
	CreatedAt time.Time `mapstructure:"created_at" json:"created_at"`
}

// Upload is a staged file.
type Upload struct {
	Owner  string
	Handle string
	Path   string
	Meta   Meta
}

// Manager owns the upload directory.
type Manager struct {
	opts Options

	mu      sync.Mutex
	entropy io.Reader
}

func New(opts Options) *Manager {
	if opts.Scanner == nil {
		opts.Scanner = antivirus.Noop
	}
	if opts.Clock == nil {
		opts.Clock = clock.WallClock
	}
	if opts.DeleteStalledAfter <= 0 {
		opts.DeleteStalledAfter = time.Hour
	}
	return &Manager{opts: opts, entropy: ulid.Monotonic(rand.Reader, 0)}
}

func (m *Manager) Dir() string { return m.opts.Dir }

// Owner returns the directory name holding the uploads of p.
func Owner(p subjects.Principal) string {
	if p == nil || p.IsAnonymous() {
		return "anonymous"
	}
	return strconv.FormatInt(p.PrincipalID(), 10)
}

func (m *Manager) newHandle() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(m.opts.Clock.Now()), m.entropy).String()
}

// Add stores content for p and returns the new upload. mimeType is sniffed
// from the content when empty.
func (m *Manager) Add(ctx context.Context, p subjects.Principal, filename, mimeType string, content io.Reader) (*Upload, error) {
	owner := Owner(p)
	logger := log.Ctx(ctx).With().Str("owner", owner).Str("filename", filename).Logger()

	existing, err := m.List(ctx, p)
	if err != nil {
		return nil, err
	}
	if limit := m.opts.UserMaxFiles; limit > 0 && len(existing) >= limit {
		return nil, ErrTooManyFiles.Msg(owner)
	}
	var used int64
	for _, u := range existing {
		used += u.Meta.Size
	}

	dir := filepath.Join(m.opts.Dir, owner)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, ErrIO.MsgErr(dir, err)
	}
	u := &Upload{Owner: owner, Handle: m.newHandle()}
	u.Path = filepath.Join(dir, u.Handle)

	if content == nil {
		content = strings.NewReader("")
	}
	if quota := m.opts.UserQuota; quota > 0 {
		// one byte past the remaining room is enough to detect an overflow
		content = io.LimitReader(content, quota-used+1)
	}
	h := md5.New()
	head := &headWriter{}
	n, err := writeFile(u.Path, io.TeeReader(content, io.MultiWriter(h, head)))
	if err != nil {
		return nil, err
	}
	if quota := m.opts.UserQuota; quota > 0 && used+n > quota {
		_ = os.Remove(u.Path)
		logger.Warn().Int64("used", used).Int64("quota", quota).Msg("upload refused, quota exceeded")
		return nil, ErrQuotaExceeded.Msg(owner)
	}

	if mimeType == "" {
		if kind, err := filetype.Match(head.buf); err == nil && kind != filetype.Unknown {
			mimeType = kind.MIME.Value
		} else {
			mimeType = "application/octet-stream"
		}
	}
	u.Meta = Meta{
		Filename:  filepath.Base(filename),
		MimeType:  mimeType,
		Size:      n,
		MD5:       hex.EncodeToString(h.Sum(nil)),
		CreatedAt: m.opts.Clock.Now().UTC(),
	}

	verdict, err := m.scan(ctx, u.Path)
	if err != nil {
		logger.Error().Err(err).Msg("antivirus scan failed")
	}
	u.Meta.Antivirus = verdict.Bool()
	if verdict == antivirus.Infected || (m.opts.AntivirusRequired && verdict != antivirus.Clean) {
		_ = os.Remove(u.Path)
		logger.Warn().Str("verdict", string(verdict)).Msg("upload rejected by antivirus")
		m.opts.Metrics.BlobOp("upload_rejected", ErrRejected)
		return nil, ErrRejected.Msg(filename)
	}

	if err := writeMeta(u.Path+metadataSuffix, u.Meta); err != nil {
		_ = os.Remove(u.Path)
		return nil, err
	}
	m.opts.Metrics.BlobOp("upload", nil)
	logger.Debug().Str("handle", u.Handle).Int64("size", n).Msg("upload stored")
	return u, nil
}

func (m *Manager) scan(ctx context.Context, path string) (antivirus.Verdict, error) {
	f, err := os.Open(path)
	if err != nil {
		return antivirus.Unknown, ErrIO.MsgErr(path, err)
	}
	defer f.Close()
	return m.opts.Scanner.Scan(ctx, f)
}

// Get returns the upload handle of p.
func (m *Manager) Get(ctx context.Context, p subjects.Principal, handle string) (*Upload, error) {
	if !validHandle(handle) {
		return nil, ErrInvalidHandle.Msg(handle)
	}
	owner := Owner(p)
	path := filepath.Join(m.opts.Dir, owner, handle)
	meta, err := readMeta(path + metadataSuffix)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound.Msg(handle)
		}
		return nil, ErrIO.MsgErr(path, err)
	}
	return &Upload{Owner: owner, Handle: handle, Path: path, Meta: meta}, nil
}

// Open returns a reader on the content of an upload.
func (m *Manager) Open(ctx context.Context, p subjects.Principal, handle string) (io.ReadCloser, *Upload, error) {
	u, err := m.Get(ctx, p, handle)
	if err != nil {
		return nil, nil, err
	}
	f, err := os.Open(u.Path)
	if err != nil {
		return nil, nil, ErrIO.MsgErr(u.Path, err)
	}
	return f, u, nil
}

// Remove deletes an upload. Removing a missing upload is not an error.
func (m *Manager) Remove(ctx context.Context, p subjects.Principal, handle string) error {
	if !validHandle(handle) {
		return ErrInvalidHandle.Msg(handle)
	}
	return removeUpload(filepath.Join(m.opts.Dir, Owner(p), handle))
}

// List returns the uploads of p, oldest first.
func (m *Manager) List(ctx context.Context, p subjects.Principal) ([]*Upload, error) {
	owner := Owner(p)
	dir := filepath.Join(m.opts.Dir, owner)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, ErrIO.MsgErr(dir, err)
	}
	var out []*Upload
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, metadataSuffix) {
			continue
		}
		path := filepath.Join(dir, strings.TrimSuffix(name, metadataSuffix))
		meta, err := readMeta(path + metadataSuffix)
		if err != nil {
			log.Ctx(ctx).Warn().Err(err).Str("path", path).Msg("skipping unreadable upload")
			continue
		}
		out = append(out, &Upload{Owner: owner, Handle: filepath.Base(path), Path: path, Meta: meta})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Handle < out[j].Handle })
	return out, nil
}

// ToBlob copies an upload into a new blob of s. The blob carries the
// filename, mimetype and antivirus verdict of the upload. The upload itself
// stays until removed.
func (m *Manager) ToBlob(ctx context.Context, s *dbsession.Session, repo *blob.SessionRepository, p subjects.Principal, handle string) (*blob.Blob, error) {
	rc, u, err := m.Open(ctx, p, handle)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	b := blob.New()
	b.SetFilename(u.Meta.Filename)
	b.SetMimeType(u.Meta.MimeType)
	if err := repo.SetValue(ctx, s, b, rc); err != nil {
		return nil, err
	}
	b.SetAntivirus(antivirus.FromBool(u.Meta.Antivirus))
	return b, nil
}

// ClearStalled removes every upload created more than olderThan ago and the
// owner directories left empty.
func (m *Manager) ClearStalled(ctx context.Context, olderThan time.Duration) (int, error) {
	logger := log.Ctx(ctx)
	limit := m.opts.Clock.Now().Add(-olderThan)
	owners, err := os.ReadDir(m.opts.Dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil
		}
		return 0, ErrIO.MsgErr(m.opts.Dir, err)
	}

	removed := 0
	for _, o := range owners {
		if !o.IsDir() {
			continue
		}
		dir := filepath.Join(m.opts.Dir, o.Name())
		entries, err := os.ReadDir(dir)
		if err != nil {
			logger.Error().Err(err).Str("dir", dir).Msg("cannot list uploads")
			continue
		}
		for _, e := range entries {
			name := e.Name()
			if strings.HasSuffix(name, metadataSuffix) {
				continue
			}
			path := filepath.Join(dir, name)
			created, err := createdAt(path)
			if err != nil {
				logger.Warn().Err(err).Str("path", path).Msg("cannot date upload")
				continue
			}
			if created.After(limit) {
				continue
			}
			if err := removeUpload(path); err != nil {
				logger.Error().Err(err).Str("path", path).Msg("cannot remove stalled upload")
				continue
			}
			removed++
		}
		// fails while the directory still holds uploads
		_ = os.Remove(dir)
	}
	if removed > 0 {
		logger.Info().Int("removed", removed).Dur("older_than", olderThan).Msg("stalled uploads removed")
	}
	return removed, nil
}

// Register installs the cleaning task on q.
func (m *Manager) Register(q *tasks.Queue) {
	q.Handle(TaskCleanUploads, func(ctx context.Context, _ *tasks.Task) error {
		_, err := m.ClearStalled(ctx, m.opts.DeleteStalledAfter)
		return err
	})
}

// Periodic describes the hourly cleaning run.
func (m *Manager) Periodic() tasks.Periodic {
	return tasks.Periodic{Name: TaskCleanUploads, Every: time.Hour, Expiry: 50 * time.Minute}
}

// createdAt reads the creation time from the side-file, falling back to the
// modification time of the content.
func createdAt(path string) (time.Time, error) {
	meta, err := readMeta(path + metadataSuffix)
	if err == nil && !meta.CreatedAt.IsZero() {
		return meta.CreatedAt, nil
	}
	fi, err := os.Stat(path)
	if err != nil {
		return time.Time{}, ErrIO.MsgErr(path, err)
	}
	return fi.ModTime(), nil
}

func validHandle(h string) bool {
	_, err := ulid.ParseStrict(h)
	return err == nil
}

func removeUpload(path string) error {
	for _, p := range []string{path, path + metadataSuffix} {
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return ErrIO.MsgErr(p, err)
		}
	}
	return nil
}

func writeFile(path string, r io.Reader) (int64, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o640)
	if err != nil {
		return 0, ErrIO.MsgErr(path, err)
	}
	n, err := io.Copy(f, r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(path)
		return 0, ErrIO.MsgErr(path, err)
	}
	return n, nil
}

func writeMeta(path string, meta Meta) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return ErrCorruptedEntry.MsgErr(path, err)
	}
	if err := os.WriteFile(path, data, 0o640); err != nil {
		return ErrIO.MsgErr(path, err)
	}
	return nil
}

// readMeta decodes a side-file. Side-files written by older releases may
// lack fields or carry sizes as strings.
func readMeta(path string) (Meta, error) {
	var meta Meta
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return meta, ErrNotFound.Msg(filepath.Base(strings.TrimSuffix(path, metadataSuffix)))
		}
		return meta, ErrIO.MsgErr(path, err)
	}
	raw := map[string]any{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return meta, ErrCorruptedEntry.MsgErr(path, err)
	}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &meta,
		WeaklyTypedInput: true,
		DecodeHook:       mapstructure.StringToTimeHookFunc(time.RFC3339Nano),
	})
	if err != nil {
		return meta, ErrCorruptedEntry.MsgErr(path, err)
	}
	if err := dec.Decode(raw); err != nil {
		return meta, ErrCorruptedEntry.MsgErr(path, err)
	}
	return meta, nil
}

// headWriter keeps the first bytes written to it.
type headWriter struct {
	buf []byte
}

func (w *headWriter) Write(p []byte) (int, error) {
	if room := sniffLen - len(w.buf); room > 0 {
		if room > len(p) {
			room = len(p)
		}
		w.buf = append(w.buf, p[:room]...)
	}
	return len(p), nil
}
