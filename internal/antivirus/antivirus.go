// Package antivirus defines the scanner used to vet uploaded content.
package antivirus

import (
	"context"
	"io"
)

// Verdict is the tri-state result of a scan.
type Verdict string

const (
	Unknown  Verdict = ""
	Clean    Verdict = "clean"
	Infected Verdict = "infected"
)

// Known reports whether the scanner reached a decision.
func (v Verdict) Known() bool {
	return v == Clean || v == Infected
}

// Bool maps the verdict to the value stored in blob meta: true for clean,
// false for infected, nil when unknown.
func (v Verdict) Bool() *bool {
	switch v {
	case Clean:
		t := true
		return &t
	case Infected:
		f := false
		return &f
	}
	return nil
}

// FromBool is the inverse of Verdict.Bool.
func FromBool(b *bool) Verdict {
	switch {
	case b == nil:
		return Unknown
	case *b:
		return Clean
	}
	return Infected
}

// Scanner checks content for malware.
type Scanner interface {
	Scan(ctx context.Context, r io.Reader) (Verdict, error)
}

// ScannerFunc adapts a function to Scanner.
type ScannerFunc func(ctx context.Context, r io.Reader) (Verdict, error)

func (f ScannerFunc) Scan(ctx context.Context, r io.Reader) (Verdict, error) {
	return f(ctx, r)
}

// Noop never decides.
var Noop Scanner = ScannerFunc(func(context.Context, io.Reader) (Verdict, error) {
	return Unknown, nil
})
