package subjects

import "github.com/abilian/abilian-core/internal/common/apperrors"

var (
	ErrSubjects      apperrors.Error = apperrors.New("subjects error").SetKind(apperrors.KindInternal)
	ErrEmptyPassword apperrors.Error = ErrSubjects.New("password must not be empty").SetKind(apperrors.KindInvalidArgument)
	ErrInvalidHash   apperrors.Error = ErrSubjects.New("invalid password hash").SetKind(apperrors.KindInvalidArgument)
	ErrNotAUser      apperrors.Error = ErrSubjects.New("entity is not a user").SetKind(apperrors.KindInvalidArgument)
	ErrNotAGroup     apperrors.Error = ErrSubjects.New("entity is not a group").SetKind(apperrors.KindInvalidArgument)
	ErrUserNotFound  apperrors.Error = ErrSubjects.New("user not found").SetKind(apperrors.KindNotFound)
	ErrGroupNotFound apperrors.Error = ErrSubjects.New("group not found").SetKind(apperrors.KindNotFound)
)
