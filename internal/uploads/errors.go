package uploads

import "github.com/abilian/abilian-core/internal/common/apperrors"

var (
	ErrUploads        apperrors.Error = apperrors.New("upload error").SetKind(apperrors.KindInternal)
	ErrNotFound       apperrors.Error = ErrUploads.New("upload not found").SetKind(apperrors.KindNotFound)
	ErrQuotaExceeded  apperrors.Error = ErrUploads.New("upload quota exceeded").SetKind(apperrors.KindConflict)
	ErrTooManyFiles   apperrors.Error = ErrUploads.New("too many pending uploads").SetKind(apperrors.KindConflict)
	ErrRejected       apperrors.Error = ErrUploads.New("upload rejected by antivirus").SetKind(apperrors.KindInvalidArgument)
	ErrInvalidHandle  apperrors.Error = ErrUploads.New("invalid upload handle").SetKind(apperrors.KindInvalidArgument)
	ErrIO             apperrors.Error = ErrUploads.New("upload i/o error").SetKind(apperrors.KindIO).SetExpandError(true)
	ErrCorruptedEntry apperrors.Error = ErrUploads.New("unreadable upload metadata").SetKind(apperrors.KindIO)
)
