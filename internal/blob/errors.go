package blob

import "github.com/abilian/abilian-core/internal/common/apperrors"

var (
	ErrBlob               apperrors.Error = apperrors.New("blob error").SetKind(apperrors.KindInternal)
	ErrInvalidUUID        apperrors.Error = ErrBlob.New("invalid blob uuid").SetKind(apperrors.KindInvalidArgument)
	ErrNotFound           apperrors.Error = ErrBlob.New("blob not found").SetKind(apperrors.KindNotFound)
	ErrDeleted            apperrors.Error = ErrNotFound.New("blob deleted in this transaction")
	ErrIO                 apperrors.Error = ErrBlob.New("blob i/o error").SetKind(apperrors.KindIO).SetExpandError(true)
	ErrInvalidEncoding    apperrors.Error = ErrBlob.New("unknown text encoding").SetKind(apperrors.KindInvalidArgument)
	ErrTransactionCleared apperrors.Error = ErrBlob.New("repository transaction is cleared").SetKind(apperrors.KindInvalidArgument)
	ErrNoTransaction      apperrors.Error = ErrBlob.New("no repository transaction for session")
	ErrNotABlob           apperrors.Error = ErrBlob.New("object is not a blob").SetKind(apperrors.KindInvalidArgument)
	ErrDatabase           apperrors.Error = ErrBlob.New("database error")
	ErrSerialization      apperrors.Error = ErrBlob.New("serialization error")
)
