package dbsession

import "github.com/abilian/abilian-core/internal/common/apperrors"

var (
	ErrSession            apperrors.Error = apperrors.New("session error").SetKind(apperrors.KindInternal)
	ErrSessionClosed      apperrors.Error = ErrSession.New("session is closed")
	ErrNoMapper           apperrors.Error = ErrSession.New("no mapper registered").SetKind(apperrors.KindInvalidArgument)
	ErrNotInstance        apperrors.Error = ErrSession.New("object is not a mapped instance").SetKind(apperrors.KindInvalidArgument)
	ErrTransactionOrder   apperrors.Error = ErrSession.New("transaction is not the innermost active transaction")
	ErrTransactionClosed  apperrors.Error = ErrSession.New("transaction is no longer active")
	ErrFlush              apperrors.Error = ErrSession.New("flush failed")
	ErrDatabase           apperrors.Error = ErrSession.New("database error")
	ErrNotInSession       apperrors.Error = ErrSession.New("object is not attached to the session").SetKind(apperrors.KindInvalidArgument)
	ErrTransactionMissing apperrors.Error = ErrSession.New("no active transaction")
)
