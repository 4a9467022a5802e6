// Package rpcerror defines the structured error carried by every failed invocation.
//
// A failed call never surfaces a bare string (the way RPCMessage.Error used to):
// callers get an *Error with a stable Code they can switch on and a human Message.
//
//	errors.Is(err, rpcerror.ErrTimeout)          → matches any TIMEOUT error
//	rpcerror.CodeOf(err) == rpcerror.CodeRejected → flow control rejected the call
package rpcerror

import (
	"errors"
	"fmt"
)

// Code is a stable, wire-visible error identifier.
type Code string

const (
	CodeSchemaBuild       Code = "SCHEMA_BUILD"        // Signature cannot be encoded (fatal at startup)
	CodeMalformedFrame    Code = "MALFORMED_FRAME"     // Connection-level: resets the connection
	CodeCodecMismatch     Code = "CODEC_MISMATCH"      // One invocation's payload does not match its schema
	CodeTimeout           Code = "TIMEOUT"             // Deadline passed before a reply arrived
	CodeConnectionClosed  Code = "CONNECTION_CLOSED"   // Connection lost while the call was pending
	CodeFilterChainDefect Code = "FILTER_CHAIN_DEFECT" // Programming error inside the filter chain
	CodeNotFound          Code = "OPERATION_NOT_FOUND"
	CodeRejected          Code = "REJECTED" // Flow control
	CodeUnauthorized      Code = "UNAUTHORIZED"
	CodeUnavailable       Code = "UNAVAILABLE" // No instance, queue full
	CodeInjectedFault     Code = "INJECTED_FAULT"
	CodeInternal          Code = "INTERNAL"
)

// Sentinels for errors.Is. They carry no message, so they match any error with the same code.
var (
	ErrSchemaBuild       = &Error{Code: CodeSchemaBuild}
	ErrMalformedFrame    = &Error{Code: CodeMalformedFrame}
	ErrCodecMismatch     = &Error{Code: CodeCodecMismatch}
	ErrTimeout           = &Error{Code: CodeTimeout}
	ErrConnectionClosed  = &Error{Code: CodeConnectionClosed}
	ErrFilterChainDefect = &Error{Code: CodeFilterChainDefect}
	ErrNotFound          = &Error{Code: CodeNotFound}
	ErrRejected          = &Error{Code: CodeRejected}
	ErrUnauthorized      = &Error{Code: CodeUnauthorized}
	ErrUnavailable       = &Error{Code: CodeUnavailable}
)

// Error is the structured failure of an invocation.
type Error struct {
	Code    Code
	Message string
	Cause   error // Local cause, never serialized
}

// New creates an error with a formatted message.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an error that keeps cause for errors.Unwrap.
func Wrap(code Code, cause error, format string, args ...any) *Error {
	msg := fmt.Sprintf(format, args...)
	if cause != nil {
		msg = msg + ": " + cause.Error()
	}
	return &Error{Code: code, Message: msg, Cause: cause}
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target is an *Error with the same code.
// A target with a message must also match the message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Code != e.Code {
		return false
	}
	return t.Message == "" || t.Message == e.Message
}

// From converts any error into an *Error. Unstructured errors become INTERNAL.
func From(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{Code: CodeInternal, Message: err.Error(), Cause: err}
}

// CodeOf returns the code of err, or "" for nil.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	return From(err).Code
}

// Convenience constructors for the taxonomy.

func SchemaBuild(format string, args ...any) *Error {
	return New(CodeSchemaBuild, format, args...)
}

func MalformedFrame(format string, args ...any) *Error {
	return New(CodeMalformedFrame, format, args...)
}

func CodecMismatch(format string, args ...any) *Error {
	return New(CodeCodecMismatch, format, args...)
}

func Timeout(format string, args ...any) *Error {
	return New(CodeTimeout, format, args...)
}

func ConnectionClosed(cause error) *Error {
	if cause == nil {
		return New(CodeConnectionClosed, "connection closed")
	}
	return Wrap(CodeConnectionClosed, cause, "connection closed")
}

func FilterChainDefect(format string, args ...any) *Error {
	return New(CodeFilterChainDefect, format, args...)
}
