package security

import "github.com/abilian/abilian-core/internal/common/apperrors"

var (
	ErrSecurity          apperrors.Error = apperrors.New("security error").SetKind(apperrors.KindInternal)
	ErrUnknownRole       apperrors.Error = ErrSecurity.New("unknown role").SetKind(apperrors.KindInvalidArgument)
	ErrUnknownPermission apperrors.Error = ErrSecurity.New("unknown permission").SetKind(apperrors.KindInvalidArgument)
	ErrNotAssignable     apperrors.Error = ErrSecurity.New("role cannot be assigned").SetKind(apperrors.KindInvalidArgument)
	ErrNotAnEntity       apperrors.Error = ErrSecurity.New("object is not a persisted entity").SetKind(apperrors.KindInvalidArgument)
	ErrNoInheritance     apperrors.Error = ErrNotAnEntity.New("entity type does not support security inheritance")
	ErrInvalidPrincipal  apperrors.Error = ErrSecurity.New("invalid principal").SetKind(apperrors.KindInvalidArgument)
	ErrInvalidSeed       apperrors.Error = ErrSecurity.New("invalid security seed").SetKind(apperrors.KindInvalidArgument)
	ErrDatabase          apperrors.Error = ErrSecurity.New("security storage error").SetKind(apperrors.KindInternal)
)
