package blob

import (
	"bytes"
	"context"
	"database/sql"
	"strconv"

	"github.com/jackc/pgtype"
	jsonitor "github.com/json-iterator/go"
	"github.com/mitchellh/mapstructure"

	"github.com/abilian/abilian-core/internal/antivirus"
	"github.com/abilian/abilian-core/internal/common/uuid"
	"github.com/abilian/abilian-core/internal/db/dbsession"
)

var json = jsonitor.ConfigCompatibleWithStandardLibrary

// EmptyMD5 is the digest of empty content.
const EmptyMD5 = "d41d8cd98f00b204e9800998ecf8427e"

// Blob is a row of the blobs table. Its content lives in the repository under
// UUID and is only read on demand.
type Blob struct {
	ID   int64
	UUID uuid.UUID
	// Meta holds at least "md5" once content is set; optionally "filename",
	// "mimetype", "size" and "antivirus".
	Meta map[string]any

	persisted bool
	deleted   bool
}

// Info is the typed view of Blob.Meta.
type Info struct {
	MD5       string `mapstructure:"md5"`
	Filename  string `mapstructure:"filename"`
	MimeType  string `mapstructure:"mimetype"`
	Size      int64  `mapstructure:"size"`
	Antivirus *bool  `mapstructure:"antivirus"`
}

// New returns a transient blob with a fresh time-based uuid.
func New() *Blob {
	return &Blob{UUID: uuid.NewV1(), Meta: map[string]any{}}
}

func (b *Blob) IsPersisted() bool { return b.persisted }

func (b *Blob) IsDeleted() bool { return b.deleted }

// Info decodes Meta.
func (b *Blob) Info() (Info, error) {
	var info Info
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &info,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return info, ErrSerialization.Err(err)
	}
	if err := dec.Decode(b.Meta); err != nil {
		return info, ErrSerialization.MsgErr("invalid blob meta", err)
	}
	return info, nil
}

func (b *Blob) MD5() string { return b.str("md5") }

func (b *Blob) Filename() string { return b.str("filename") }

func (b *Blob) MimeType() string { return b.str("mimetype") }

func (b *Blob) Size() int64 {
	info, err := b.Info()
	if err != nil {
		return 0
	}
	return info.Size
}

func (b *Blob) SetFilename(name string) { b.setMeta("filename", name) }

func (b *Blob) SetMimeType(mt string) { b.setMeta("mimetype", mt) }

// Antivirus returns the recorded scan verdict.
func (b *Blob) Antivirus() antivirus.Verdict {
	v, ok := b.Meta["antivirus"].(bool)
	if !ok {
		return antivirus.Unknown
	}
	return antivirus.FromBool(&v)
}

func (b *Blob) SetAntivirus(v antivirus.Verdict) {
	if p := v.Bool(); p != nil {
		b.setMeta("antivirus", *p)
		return
	}
	b.setMeta("antivirus", nil)
}

func (b *Blob) str(key string) string {
	s, _ := b.Meta[key].(string)
	return s
}

func (b *Blob) setMeta(key string, v any) {
	if b.Meta == nil {
		b.Meta = map[string]any{}
	}
	if v == nil || v == "" {
		delete(b.Meta, key)
		return
	}
	b.Meta[key] = v
}

// IdentityKey is the session identity of the blob row with id.
func IdentityKey(id int64) string {
	return "blob:" + strconv.FormatInt(id, 10)
}

// Mapper persists *Blob for dbsession.
type Mapper struct{}

var _ dbsession.Mapper = Mapper{}

// RegisterMapper binds *Blob to the blob mapper.
func RegisterMapper(m *dbsession.Mappers) {
	m.Register(&Blob{}, Mapper{})
}

type snapshot struct {
	uuid uuid.UUID
	meta []byte
}

func (Mapper) Identity(obj any) string {
	b := obj.(*Blob)
	if !b.persisted {
		return ""
	}
	return IdentityKey(b.ID)
}

func (Mapper) Insert(ctx context.Context, x dbsession.Executor, obj any) error {
	b := obj.(*Blob)
	if b.UUID == uuid.Nil {
		b.UUID = uuid.NewV1()
	}
	meta, err := metaColumn(b.Meta)
	if err != nil {
		return err
	}
	row := x.QueryRowContext(ctx, "INSERT INTO blobs (uuid, meta) VALUES (?, ?) RETURNING id", b.UUID.String(), meta)
	if err := row.Scan(&b.ID); err != nil {
		return ErrDatabase.MsgErr("insert blob", err)
	}
	b.persisted = true
	b.deleted = false
	return nil
}

func (Mapper) Update(ctx context.Context, x dbsession.Executor, obj any, _ any) error {
	b := obj.(*Blob)
	meta, err := metaColumn(b.Meta)
	if err != nil {
		return err
	}
	if _, err := x.ExecContext(ctx, "UPDATE blobs SET uuid = ?, meta = ? WHERE id = ?", b.UUID.String(), meta, b.ID); err != nil {
		return ErrDatabase.MsgErr("update blob", err)
	}
	return nil
}

func (Mapper) Delete(ctx context.Context, x dbsession.Executor, obj any) error {
	b := obj.(*Blob)
	if _, err := x.ExecContext(ctx, "DELETE FROM blobs WHERE id = ?", b.ID); err != nil {
		return ErrDatabase.MsgErr("delete blob", err)
	}
	b.deleted = true
	return nil
}

func (Mapper) Snapshot(obj any) any {
	b := obj.(*Blob)
	meta, _ := json.Marshal(nonNil(b.Meta))
	return &snapshot{uuid: b.UUID, meta: meta}
}

func (Mapper) Modified(obj any, snap any) bool {
	s, ok := snap.(*snapshot)
	if !ok || s == nil {
		return true
	}
	b := obj.(*Blob)
	meta, _ := json.Marshal(nonNil(b.Meta))
	return s.uuid != b.UUID || !bytes.Equal(s.meta, meta)
}

func metaColumn(m map[string]any) (pgtype.JSONB, error) {
	data, err := json.Marshal(nonNil(m))
	if err != nil {
		return pgtype.JSONB{}, ErrSerialization.Err(err)
	}
	return pgtype.JSONB{Bytes: data, Status: pgtype.Present}, nil
}

func nonNil(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func scanBlob(row dbsession.Row) (*Blob, error) {
	var (
		b    Blob
		id   string
		meta pgtype.JSONB
	)
	if err := row.Scan(&b.ID, &id, &meta); err != nil {
		return nil, err
	}
	u, err := uuid.Parse(id)
	if err != nil {
		return nil, ErrInvalidUUID.MsgErr(id, err)
	}
	b.UUID = u
	b.Meta = map[string]any{}
	if meta.Status == pgtype.Present && len(meta.Bytes) > 0 {
		if err := json.Unmarshal(meta.Bytes, &b.Meta); err != nil {
			return nil, ErrSerialization.Err(err)
		}
	}
	b.persisted = true
	return &b, nil
}

// Load returns the blob row with the given uuid, attached to s.
func Load(ctx context.Context, s *dbsession.Session, id uuid.UUID) (*Blob, error) {
	if err := s.Flush(ctx); err != nil {
		return nil, err
	}
	b, err := scanBlob(s.QueryRowContext(ctx, "SELECT id, uuid, meta FROM blobs WHERE uuid = ?", id.String()))
	return attach(s, b, err, id.String())
}

// LoadByID returns the blob row with id, attached to s.
func LoadByID(ctx context.Context, s *dbsession.Session, id int64) (*Blob, error) {
	if obj, ok := s.Lookup(IdentityKey(id)); ok {
		return obj.(*Blob), nil
	}
	if err := s.Flush(ctx); err != nil {
		return nil, err
	}
	b, err := scanBlob(s.QueryRowContext(ctx, "SELECT id, uuid, meta FROM blobs WHERE id = ?", id))
	return attach(s, b, err, strconv.FormatInt(id, 10))
}

func attach(s *dbsession.Session, b *Blob, err error, key string) (*Blob, error) {
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound.Msg(key)
		}
		return nil, ErrDatabase.MsgErr("load blob "+key, err)
	}
	obj, err := s.Attach(b)
	if err != nil {
		return nil, err
	}
	return obj.(*Blob), nil
}

// Count returns the number of blob rows.
func Count(ctx context.Context, s *dbsession.Session) (int, error) {
	var n int
	if err := s.QueryRowContext(ctx, "SELECT COUNT(*) FROM blobs").Scan(&n); err != nil {
		return 0, ErrDatabase.MsgErr("count blobs", err)
	}
	return n, nil
}

// Each calls fn for every blob row in id order, outside any session identity map.
func Each(ctx context.Context, s *dbsession.Session, fn func(*Blob) error) error {
	rows, err := s.QueryContext(ctx, "SELECT id, uuid, meta FROM blobs ORDER BY id")
	if err != nil {
		return ErrDatabase.MsgErr("list blobs", err)
	}
	defer rows.Close()
	var all []*Blob
	for rows.Next() {
		b, err := scanBlob(rows)
		if err != nil {
			return ErrDatabase.MsgErr("scan blob", err)
		}
		all = append(all, b)
	}
	if err := rows.Err(); err != nil {
		return ErrDatabase.MsgErr("list blobs", err)
	}
	rows.Close()
	for _, b := range all {
		if err := fn(b); err != nil {
			return err
		}
	}
	return nil
}
