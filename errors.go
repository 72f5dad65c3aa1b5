// Copyright 2016 The OPA Authors.  All rights reserved.
// Use of this source code is governed by an Apache2
// license that can be found in the LICENSE file.

// Package kvdoc implements an embedded document-store facade: a uniform
// key/value and index API over multiple concrete storage backends.
package kvdoc

import "fmt"

// ErrCode enumerates the kinds of errors the storage layer can return.
type ErrCode int

const (
	// InternalErr indicates an unknown, internal error has occurred.
	InternalErr ErrCode = iota

	// InvalidKeyType indicates a key component was not a number, date, or
	// string, or that a key's shape did not match its keypath's shape.
	InvalidKeyType

	// StoreNotFound indicates the named store is not in the schema.
	StoreNotFound

	// IndexNotFound indicates the named index is not in the schema.
	IndexNotFound

	// TransactionClosed indicates an operation was attempted against a
	// transaction that already committed, aborted, or timed out.
	TransactionClosed

	// TransactionAborted indicates an in-flight operation observed its
	// transaction being aborted.
	TransactionAborted

	// SchemaTooNew indicates the on-disk schema version is newer than the
	// declared schema and no migration path exists forward.
	SchemaTooNew

	// SchemaTooOld indicates the on-disk schema version is older than the
	// declared schema's usable floor, forcing a wipe.
	SchemaTooOld

	// MigrationConflict indicates the declared schema violates a
	// constraint, e.g. multi_entry combined with a compound keypath.
	MigrationConflict

	// BackendUnavailable indicates a provider could not initialize.
	BackendUnavailable

	// StorageError wraps a failure propagated from the concrete backend.
	StorageError

	// ParseError indicates stored JSON could not be parsed back into a
	// document.
	ParseError
)

func (c ErrCode) String() string {
	switch c {
	case InternalErr:
		return "internal"
	case InvalidKeyType:
		return "invalid_key_type"
	case StoreNotFound:
		return "store_not_found"
	case IndexNotFound:
		return "index_not_found"
	case TransactionClosed:
		return "transaction_closed"
	case TransactionAborted:
		return "transaction_aborted"
	case SchemaTooNew:
		return "schema_too_new"
	case SchemaTooOld:
		return "schema_too_old"
	case MigrationConflict:
		return "migration_conflict"
	case BackendUnavailable:
		return "backend_unavailable"
	case StorageError:
		return "storage_error"
	case ParseError:
		return "parse_error"
	default:
		return "unknown"
	}
}

// Error is the error type returned throughout the storage layer.
type Error struct {
	Code    ErrCode
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("kvdoc error (%s): %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("kvdoc error (%s): %s", e.Code, e.Message)
}

// Unwrap allows errors.Is/errors.As to see through to the underlying cause.
func (e *Error) Unwrap() error { return e.Cause }

// Is reports whether target is an *Error with the same Code, so callers can
// write errors.Is(err, &kvdoc.Error{Code: kvdoc.StoreNotFound}).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// NewError builds an *Error with no wrapped cause.
func NewError(code ErrCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WrapError builds an *Error that wraps cause.
func WrapError(code ErrCode, cause error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// IsCode reports whether err is a *Error carrying the given code.
func IsCode(err error, code ErrCode) bool {
	var e *Error
	if ae, ok := err.(*Error); ok {
		e = ae
	} else {
		return false
	}
	return e.Code == code
}
