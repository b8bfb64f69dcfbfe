package apperrors

import (
	"bytes"
	"strings"
)

// ValidationError describes one rejected field.
type ValidationError struct {
	Field  string
	Value  any
	ErrStr string
}

func (ve ValidationError) Error() string {
	if len(ve.Field) > 0 {
		return ve.Field + ": " + ve.ErrStr
	}
	return ve.ErrStr
}

// ValidationErrors collects every rejected field of one validation pass.
type ValidationErrors []ValidationError

func (ves ValidationErrors) Error() string {
	buff := bytes.NewBufferString("")
	for i := 0; i < len(ves); i++ {
		buff.WriteString(ves[i].Error())
		buff.WriteString("; ")
	}
	return strings.TrimSpace(buff.String())
}
