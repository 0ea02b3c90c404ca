// Package errors is the error vocabulary of raidpulse, backed by
// github.com/cockroachdb/errors. Errors carry stack traces; details hold
// diagnostic context for logs and hints hold advice printed by the CLI.
//
//	if err := store.UpsertReport(ctx, r); err != nil {
//	    return errors.Wrapf(err, "failed to persist report %s", r.Code)
//	}
package errors

import (
	crdb "github.com/cockroachdb/errors"
)

var (
	New   = crdb.New
	Newf  = crdb.Newf
	Wrap  = crdb.Wrap
	Wrapf = crdb.Wrapf
	Mark  = crdb.Mark
	Is    = crdb.Is
	As    = crdb.As

	WithHint      = crdb.WithHint
	WithDetail    = crdb.WithDetail
	WithDetailf   = crdb.WithDetailf
	GetAllHints   = crdb.GetAllHints
	GetAllDetails = crdb.GetAllDetails
)

// Sentinels matched with Is. Storage and the CLI map them to user messages.
var (
	ErrNotFound       = New("not found")
	ErrInvalidRequest = New("invalid request")
	ErrConflict       = New("conflict")
)

// IsNotFoundError reports whether err is or wraps ErrNotFound.
func IsNotFoundError(err error) bool {
	return err != nil && Is(err, ErrNotFound)
}

func IsInvalidRequestError(err error) bool {
	return err != nil && Is(err, ErrInvalidRequest)
}

// NewNotFoundError reads "<message>: not found" and matches ErrNotFound.
func NewNotFoundError(format string, args ...interface{}) error {
	return Wrapf(ErrNotFound, format, args...)
}

// NewInvalidRequestError reads "<message>: invalid request" and matches
// ErrInvalidRequest.
func NewInvalidRequestError(format string, args ...interface{}) error {
	return Wrapf(ErrInvalidRequest, format, args...)
}
