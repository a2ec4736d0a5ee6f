// Package pnmerr defines the error kinds shared by the denoising pipeline.
//
// Every failure surfaced to a caller is an *Error whose Kind is one of the
// sentinel values below, so callers can branch with errors.Is.
package pnmerr

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrParse marks a malformed header, timestamp or sample token.
	ErrParse = errors.New("parse error")
	// ErrAlignment marks incompatible or empty streams, or a trim that exceeds the data.
	ErrAlignment = errors.New("alignment error")
	// ErrDimensionMismatch marks regressors that do not match the volume.
	ErrDimensionMismatch = errors.New("dimension mismatch")
	// ErrMissingResource marks an expected external file that is absent.
	ErrMissingResource = errors.New("missing resource")
)

// Error carries the kind of failure plus the subject and operation it belongs to.
type Error struct {
	Kind    error
	Subject string
	Op      string
	Msg     string
	Err     error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	var b strings.Builder
	if e.Subject != "" {
		b.WriteString("subject ")
		b.WriteString(e.Subject)
		b.WriteString(": ")
	}
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(e.Kind.Error())
	if e.Msg != "" {
		b.WriteString(": ")
		b.WriteString(e.Msg)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap exposes both the kind and the underlying cause.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func newf(kind error, op string, cause error, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...), Err: cause}
}

// Parsef returns an ErrParse error for operation op.
func Parsef(op string, format string, args ...any) error {
	return newf(ErrParse, op, nil, format, args...)
}

// Alignmentf returns an ErrAlignment error for operation op.
func Alignmentf(op string, format string, args ...any) error {
	return newf(ErrAlignment, op, nil, format, args...)
}

// DimensionMismatchf returns an ErrDimensionMismatch error for operation op.
func DimensionMismatchf(op string, format string, args ...any) error {
	return newf(ErrDimensionMismatch, op, nil, format, args...)
}

// MissingResource returns an ErrMissingResource error wrapping cause.
func MissingResource(op, path string, cause error) error {
	return newf(ErrMissingResource, op, cause, "%s", path)
}

// Wrap attaches kind to an arbitrary cause.
func Wrap(kind error, op string, cause error) error {
	return &Error{Kind: kind, Op: op, Err: cause}
}

// WithSubject tags err with the subject being processed. Errors that are not
// *Error are wrapped unchanged so their chain is kept.
func WithSubject(err error, subject string) error {
	if err == nil || subject == "" {
		return err
	}
	if pe, ok := err.(*Error); ok {
		if pe.Subject == "" {
			cp := *pe
			cp.Subject = subject
			return &cp
		}
		return err
	}
	return fmt.Errorf("subject %s: %w", subject, err)
}
