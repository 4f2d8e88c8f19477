// File: api/errors.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Common error types and error handling utilities for the tagflow library.

package api

import (
	"errors"
	"fmt"
)

// Common errors used across the library.
var (
	ErrTransportClosed  = fmt.Errorf("transport is closed")
	ErrCanceled         = fmt.Errorf("operation canceled")
	ErrOperationTimeout = fmt.Errorf("operation timeout")
	ErrNotSupported     = fmt.Errorf("operation not supported")
)

// ErrorCode classifies failure conditions in the library.
type ErrorCode int

const (
	ErrCodeOK ErrorCode = iota
	// ErrCodeProtocol: malformed or wrongly sized header bytes.
	ErrCodeProtocol
	// ErrCodeTransport: an underlying transport operation failed.
	ErrCodeTransport
	// ErrCodeAllocation: the buffer allocator could not satisfy a request.
	ErrCodeAllocation
	// ErrCodeUsage: contract violation by the caller, raised synchronously.
	ErrCodeUsage
	// ErrCodeCanceled: the operation was canceled before completion.
	ErrCodeCanceled
)

// Error represents a structured error with code and context.
type Error struct {
	Code    ErrorCode
	Message string
	Context map[string]any
}

// Error implements the error interface.
func (e *Error) Error() string {
	if len(e.Context) == 0 {
		return e.Message
	}
	return fmt.Sprintf("%s (context: %+v)", e.Message, e.Context)
}

// NewError creates a new structured error.
func NewError(code ErrorCode, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
	}
}

// WithContext adds context information to the error.
func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// CodeOf extracts the ErrorCode from err, or ErrCodeOK when err is nil
// or unclassified.
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ErrCodeOK
}

// IsProtocol reports whether err is a protocol error.
func IsProtocol(err error) bool { return CodeOf(err) == ErrCodeProtocol }

// IsTransport reports whether err is a transport error.
func IsTransport(err error) bool { return CodeOf(err) == ErrCodeTransport }

// IsAllocation reports whether err is an allocation error.
func IsAllocation(err error) bool { return CodeOf(err) == ErrCodeAllocation }

// IsUsage reports whether err is a usage (contract violation) error.
func IsUsage(err error) bool { return CodeOf(err) == ErrCodeUsage }

// IsCanceled reports whether err marks a canceled operation.
func IsCanceled(err error) bool {
	return CodeOf(err) == ErrCodeCanceled || errors.Is(err, ErrCanceled)
}
