package tasks

import (
	"crypto/rand"
	"io"
	"sync"
	"time"

	jsonitor "github.com/json-iterator/go"
	"github.com/oklog/ulid/v2"
)

var json = jsonitor.ConfigCompatibleWithStandardLibrary

// Task is the envelope carried by a backend.
type Task struct {
	ID         string              `json:"id"`
	Name       string              `json:"name"`
	Payload    jsonitor.RawMessage `json:"payload"`
	EnqueuedAt time.Time           `json:"enqueued_at"`
	// ExpiresAt is zero for tasks that never expire.
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

// Expired reports whether the task must be dropped at now.
func (t *Task) Expired(now time.Time) bool {
	return !t.ExpiresAt.IsZero() && !now.Before(t.ExpiresAt)
}

// Decode unmarshals the payload into v.
func (t *Task) Decode(v any) error {
	if err := json.Unmarshal(t.Payload, v); err != nil {
		return ErrInvalidPayload.MsgErr(t.Name, err)
	}
	return nil
}

func encodeTask(t *Task) ([]byte, error) {
	b, err := json.Marshal(t)
	if err != nil {
		return nil, ErrInvalidPayload.MsgErr(t.Name, err)
	}
	return b, nil
}

func decodeTask(b []byte) (*Task, error) {
	var t Task
	if err := json.Unmarshal(b, &t); err != nil {
		return nil, ErrInvalidPayload.Err(err)
	}
	return &t, nil
}

// idSource hands out monotonic ULIDs, sortable by enqueue time.
type idSource struct {
	mu      sync.Mutex
	entropy io.Reader
}

func newIDSource() *idSource {
	return &idSource{entropy: ulid.Monotonic(rand.Reader, 0)}
}

func (s *idSource) next(now time.Time) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(now), s.entropy).String()
}
