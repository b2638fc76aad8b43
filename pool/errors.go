// Copyright (c) 2019 The Eacred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package pool

import "fmt"

// ErrorKind identifies a class of error produced by the pool.
type ErrorKind string

const (
	// ErrProtocolViolation covers malformed Stratum frames and unknown
	// method shapes; the session is closed on receipt.
	ErrProtocolViolation = ErrorKind("ErrProtocolViolation")
	// ErrUnauthorized means mining.submit or mining.get_transactions was
	// attempted before a successful mining.authorize.
	ErrUnauthorized = ErrorKind("ErrUnauthorized")
	// ErrNotSubscribed means the client has no extranonce1 assigned yet.
	ErrNotSubscribed = ErrorKind("ErrNotSubscribed")
	// ErrJobNotFound means the referenced job_id is unknown or expired.
	ErrJobNotFound = ErrorKind("ErrJobNotFound")
	// ErrDuplicateShare means the reconstructed block hash was already
	// seen for this job.
	ErrDuplicateShare = ErrorKind("ErrDuplicateShare")
	// ErrLowDifficultyShare means the submitted work met neither the
	// share nor the network target.
	ErrLowDifficultyShare = ErrorKind("ErrLowDifficultyShare")
	// ErrUpstreamTransient covers connection resets and non-200 upstream
	// responses; the caller should skip this cycle and retry later.
	ErrUpstreamTransient = ErrorKind("ErrUpstreamTransient")
	// ErrValueNotFound is returned by store lookups that found no row.
	ErrValueNotFound = ErrorKind("ErrValueNotFound")
	// ErrValueExists is returned when an insert would violate a
	// uniqueness assumption (e.g. a share already marked for this block).
	ErrValueExists = ErrorKind("ErrValueExists")
	// ErrPersistence wraps a failed transaction against the store.
	ErrPersistence = ErrorKind("ErrPersistence")
	// ErrFatal marks an internal invariant violation; the owning task
	// terminates but the process keeps running.
	ErrFatal = ErrorKind("ErrFatal")
)

// Error is the pool's error type, carrying a Kind for IsError comparisons
// the way the teacher's own error type does (see ClientConfig.RemoveClient
// callers checking IsError(err, ErrValueNotFound)).
type Error struct {
	Kind        ErrorKind
	Description string
}

// Error satisfies the error interface.
func (e Error) Error() string {
	return e.Description
}

// MakeError builds a pool Error of the given kind.
func MakeError(kind ErrorKind, desc string) Error {
	return Error{Kind: kind, Description: desc}
}

// IsError reports whether err is a pool Error of the given kind.
func IsError(err error, kind ErrorKind) bool {
	var e Error
	if perr, ok := err.(Error); ok {
		e = perr
	} else {
		return false
	}
	return e.Kind == kind
}

// wrapf creates a pool Error of the given kind using fmt.Sprintf semantics.
func wrapf(kind ErrorKind, format string, args ...interface{}) Error {
	return MakeError(kind, fmt.Sprintf(format, args...))
}
