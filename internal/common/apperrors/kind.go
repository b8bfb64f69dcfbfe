package apperrors

import "errors"

// Kind classifies an error.
type Kind int

const (
	KindUnspecified Kind = iota
	KindInvalidArgument
	KindNotFound
	KindConflict
	KindIO
	KindLocked
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindInvalidArgument:
		return "invalid argument"
	case KindNotFound:
		return "not found"
	case KindConflict:
		return "conflict"
	case KindIO:
		return "i/o"
	case KindLocked:
		return "locked"
	case KindInternal:
		return "internal"
	default:
		return "unspecified"
	}
}

// KindOf returns the kind of the first apperrors.Error found in err's chain.
func KindOf(err error) Kind {
	var e Error
	if errors.As(err, &e) {
		return e.Kind()
	}
	return KindUnspecified
}

// IsKind reports whether err is classified as k.
func IsKind(err error, k Kind) bool {
	return err != nil && KindOf(err) == k
}
