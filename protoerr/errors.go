// Package protoerr defines the tagged error kind shared by every layer of
// the protocol core (codec, extension, init-gate, session). Callers branch
// on Code rather than on error identity, since the same kind can surface
// from either the local stack or the remote peer's error response.
package protoerr

import (
	"errors"
	"fmt"
)

// Code identifies a stable, wire-safe error kind.
type Code string

const (
	CodeHandshakeFailed    Code = "ERR_PROTOCOL_HANDSHAKE_FAILED"
	CodeConnectionInvalid  Code = "ERR_PROTOCOL_CONNECTION_INVALID"
	CodeExtensionMissing   Code = "ERR_PROTOCOL_EXTENSION_MISSING"
	CodeInitFailed         Code = "ERR_PROTOCOL_INIT_FAILED"
	CodeRequestTimeout     Code = "ERR_REQUEST_TIMEOUT"
	CodeSystem             Code = "ERR_SYSTEM"
	CodeNoHandler          Code = "ERR_NO_HANDLER"
	CodeInvalidArgument    Code = "ERR_INVALID_ARGUMENT"
	CodeAlreadyOpen        Code = "ERR_ALREADY_OPEN"
	CodeClose              Code = "ERR_CLOSE"
)

// ProtocolError is the single user-visible failure type for this module.
// Both local rejections and decoded remote error responses use it, so
// callers can branch on Code regardless of where the failure originated.
type ProtocolError struct {
	Code    Code
	Message string
}

func (e *ProtocolError) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// New builds a ProtocolError from a wire-carried code/message pair,
// e.g. when decoding an Envelope's error field.
func New(code Code, message string) *ProtocolError {
	return &ProtocolError{Code: code, Message: message}
}

func HandshakeFailed(message string) *ProtocolError {
	return &ProtocolError{Code: CodeHandshakeFailed, Message: message}
}

func ConnectionInvalid(message string) *ProtocolError {
	return &ProtocolError{Code: CodeConnectionInvalid, Message: message}
}

func ExtensionMissing(name string) *ProtocolError {
	return &ProtocolError{Code: CodeExtensionMissing, Message: fmt.Sprintf("no extension registered for %q", name)}
}

func InitFailed(message string) *ProtocolError {
	return &ProtocolError{Code: CodeInitFailed, Message: message}
}

func RequestTimeout() *ProtocolError {
	return &ProtocolError{Code: CodeRequestTimeout, Message: "request timed out waiting for response"}
}

func System(message string) *ProtocolError {
	return &ProtocolError{Code: CodeSystem, Message: message}
}

func NoHandler() *ProtocolError {
	return &ProtocolError{Code: CodeNoHandler, Message: "no handler installed for incoming request"}
}

func InvalidArgument(message string) *ProtocolError {
	return &ProtocolError{Code: CodeInvalidArgument, Message: message}
}

func AlreadyOpen() *ProtocolError {
	return &ProtocolError{Code: CodeAlreadyOpen, Message: "extension already open"}
}

func Closed() *ProtocolError {
	return &ProtocolError{Code: CodeClose, Message: "session closed"}
}

// CodeOf reports the Code carried by err if it is (or wraps) a *ProtocolError,
// and the empty Code otherwise.
func CodeOf(err error) Code {
	var pe *ProtocolError
	if errors.As(err, &pe) {
		return pe.Code
	}
	return ""
}
