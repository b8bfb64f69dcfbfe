package audit

import "github.com/abilian/abilian-core/internal/common/apperrors"

var (
	ErrAudit         apperrors.Error = apperrors.New("audit error").SetKind(apperrors.KindInternal)
	ErrInvalidOp     apperrors.Error = ErrAudit.New("invalid security audit operation").SetKind(apperrors.KindInvalidArgument)
	ErrSerialization apperrors.Error = ErrAudit.New("cannot serialize audit changes")
	ErrDatabase      apperrors.Error = ErrAudit.New("database error")
)
