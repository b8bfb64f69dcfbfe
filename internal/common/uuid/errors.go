package uuid

import "github.com/abilian/abilian-core/internal/common/apperrors"

var ErrNilUUID = apperrors.New("nil uuid").SetKind(apperrors.KindInvalidArgument)
