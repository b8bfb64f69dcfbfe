package apperrors

import (
	"errors"
	"strings"
)

// appError is the concrete Error. Derived errors keep a pointer to the error
// they came from so errors.Is matches every sentinel up the chain.
type appError struct {
	msg           string  // message shown by Error
	base          error   // error this one was derived from
	wrappedErrors []error // causes attached with Msg, MsgErr or Err
	kind          Kind    // category callers branch on
	expandError   bool    // ErrorAll appends the causes
	prefix        string  // prepended to msg
	suffix        string  // appended to msg
}

// Error returns the message with its prefix and suffix, never the causes.
func (e *appError) Error() string {
	msg := e.msg
	if e.prefix != "" {
		msg = e.prefix + ": " + msg
	}
	if e.suffix != "" {
		msg = msg + ": " + e.suffix
	}
	return msg
}

// ErrorAll returns the message followed by every wrapped error when
// expansion is on, and the same as Error otherwise.
func (e *appError) ErrorAll() string {
	if !e.expandError {
		return e.Error()
	}
	var b strings.Builder
	b.WriteString(e.Error())
	for _, err := range e.wrappedErrors {
		b.WriteString("; ")
		b.WriteString(err.Error())
	}
	return b.String()
}

// Unwrap returns the error e was derived from.
func (e *appError) Unwrap() error {
	return e.base
}

// UnwrapAll returns the wrapped errors, e's ancestor first.
func (e *appError) UnwrapAll() []error {
	return e.wrappedErrors
}

// Msg derives an error with a new message that wraps e and its causes.
// The kind is inherited.
func (e *appError) Msg(msg string) Error {
	return &appError{
		msg:           msg,
		base:          e,
		wrappedErrors: append([]error{e}, e.wrappedErrors...),
		kind:          e.kind,
	}
}

// New derives a child sentinel: same kind, new message, no causes.
func (e *appError) New(msg string) Error {
	return &appError{
		msg:  msg,
		base: e,
		kind: e.kind,
	}
}

// MsgErr derives an error with a new message and attaches errs as causes.
func (e *appError) MsgErr(msg string, errs ...error) Error {
	all := append([]error{e}, errs...)
	return &appError{
		msg:           msg,
		base:          e,
		wrappedErrors: all,
		kind:          e.kind,
		expandError:   e.expandError,
	}
}

// Err attaches errs as causes and keeps e's message and kind.
func (e *appError) Err(errs ...error) Error {
	all := append([]error{e}, errs...)
	return &appError{
		msg:           e.msg,
		base:          e,
		wrappedErrors: all,
		kind:          e.kind,
		expandError:   e.expandError,
	}
}

// Prefix returns a copy of e with p in front of the message.
func (e *appError) Prefix(p string) Error {
	cp := *e
	cp.prefix = p
	return &cp
}

// Suffix returns a copy of e with s after the message.
func (e *appError) Suffix(s string) Error {
	cp := *e
	cp.suffix = s
	return &cp
}

// SetExpandError returns a copy of e whose ErrorAll lists the causes.
func (e *appError) SetExpandError(flag bool) Error {
	cp := *e
	cp.expandError = flag
	return &cp
}

// SetKind returns a copy of e with kind k. Errors derived from the copy
// inherit k.
func (e *appError) SetKind(k Kind) Error {
	cp := *e
	cp.kind = k
	return &cp
}

// Kind returns the category of e.
func (e *appError) Kind() Kind {
	return e.kind
}

// New creates a root error of KindUnspecified; use SetKind to categorize it.
func New(msg string) Error {
	return &appError{
		msg: msg,
	}
}

// Is reports whether target is e's ancestor or one of its wrapped errors.
func (e *appError) Is(target error) bool {
	if target == nil {
		return false
	}
	if errors.Is(e.base, target) {
		return true
	}
	for _, err := range e.wrappedErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
