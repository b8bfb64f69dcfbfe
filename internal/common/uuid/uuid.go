// Package uuid wraps github.com/google/uuid. Blobs and repository transactions
// use time-based version 1 identifiers; everything else uses version 7.
package uuid

import (
	"strings"

	"github.com/google/uuid"
)

// UUID represents a UUID, aliased from github.com/google/uuid.UUID
type UUID = uuid.UUID

// Nil is the zero UUID.
var Nil = uuid.Nil

// New returns a new UUIDv7. Panics if generation fails.
func New() UUID {
	v, err := uuid.NewV7()
	if err != nil {
		panic(err)
	}
	return v
}

// NewV1 returns a new time-based UUIDv1. Panics if generation fails.
func NewV1() UUID {
	v, err := uuid.NewUUID()
	if err != nil {
		panic(err)
	}
	return v
}

// Parse parses s and rejects the nil UUID.
func Parse(s string) (UUID, error) {
	v, err := uuid.Parse(strings.TrimSpace(s))
	if err != nil {
		return Nil, err
	}
	if v == Nil {
		return Nil, ErrNilUUID
	}
	return v, nil
}

// MustParse parses s and panics if it is not a valid UUID.
func MustParse(s string) UUID {
	return uuid.MustParse(s)
}

// IsV1 reports whether id is a time-based UUID.
func IsV1(id UUID) bool {
	return id.Version() == uuid.Version(1)
}

// Hex returns the 32 character hexadecimal form without dashes.
func Hex(id UUID) string {
	return strings.ReplaceAll(id.String(), "-", "")
}
