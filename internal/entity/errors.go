package entity

import "github.com/abilian/abilian-core/internal/common/apperrors"

var (
	ErrEntity          apperrors.Error = apperrors.New("entity error").SetKind(apperrors.KindInternal)
	ErrInvalidType     apperrors.Error = ErrEntity.New("invalid entity type").SetKind(apperrors.KindInvalidArgument)
	ErrUnknownType     apperrors.Error = ErrEntity.New("unknown entity type").SetKind(apperrors.KindInvalidArgument)
	ErrTypeExists      apperrors.Error = ErrEntity.New("entity type already registered").SetKind(apperrors.KindConflict)
	ErrNotFound        apperrors.Error = ErrEntity.New("entity not found").SetKind(apperrors.KindNotFound)
	ErrNotAnEntity     apperrors.Error = ErrEntity.New("object is not an entity").SetKind(apperrors.KindInvalidArgument)
	ErrNotPersisted    apperrors.Error = ErrEntity.New("entity is not persisted").SetKind(apperrors.KindInvalidArgument)
	ErrImmutable       apperrors.Error = ErrEntity.New("attribute is immutable").SetKind(apperrors.KindInvalidArgument)
	ErrUnknownRelation apperrors.Error = ErrEntity.New("unknown relation").SetKind(apperrors.KindInvalidArgument)
	ErrInvalidPath     apperrors.Error = ErrEntity.New("invalid attribute path").SetKind(apperrors.KindInvalidArgument)
	ErrSchemaViolation apperrors.Error = ErrEntity.New("attributes do not match the type schema").SetKind(apperrors.KindInvalidArgument)
	ErrDatabase        apperrors.Error = ErrEntity.New("database error")
	ErrSerialization   apperrors.Error = ErrEntity.New("serialization error")
)
