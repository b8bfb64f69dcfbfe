package dberror

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgconn"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"

	"github.com/abilian/abilian-core/internal/common/apperrors"
)

func TestIsUniqueViolation(t *testing.T) {
	assert.False(t, IsUniqueViolation(nil))
	assert.False(t, IsUniqueViolation(errors.New("boom")))
	assert.True(t, IsUniqueViolation(fmt.Errorf("insert: %w", &pgconn.PgError{Code: "23505"})))
	assert.False(t, IsUniqueViolation(&pgconn.PgError{Code: "23503"}))
	assert.True(t, IsUniqueViolation(&pq.Error{Code: "23505"}))
	assert.True(t, IsUniqueViolation(errors.New("constraint failed: UNIQUE constraint failed: t.a (2067)")))
}

func TestKinds(t *testing.T) {
	assert.True(t, apperrors.IsKind(ErrNotFound.Msg("entity 3"), apperrors.KindNotFound))
	assert.ErrorIs(t, ErrAlreadyExists, ErrDatabase)
}
