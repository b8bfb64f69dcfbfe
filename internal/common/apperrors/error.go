// Package apperrors provides chainable application errors. Each error carries a Kind
// that classifies the failure (invalid argument, not found, conflict, I/O, lock
// contention) so callers can decide how to react without string matching.
package apperrors

// Error is the interface shared by every error raised from the core services.
// All mutating methods return a new Error so declarations stay immutable.
type Error interface {
	error
	Unwrap() error

	New(msg string) Error                  // new error using current as template
	Msg(msg string) Error                  // new message, wraps the original
	MsgErr(msg string, err ...error) Error // new message, wraps original and extra errors
	Err(err ...error) Error                // attaches errors, keeps the message
	SetExpandError(bool) Error             // controls whether ErrorAll expands wrapped errors
	SetKind(Kind) Error
	Kind() Kind
	Prefix(string) Error
	Suffix(string) Error
	ErrorAll() string
	UnwrapAll() []error
}
