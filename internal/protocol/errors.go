package protocol

import (
	"errors"
	"fmt"
)

// Reserved JSON-RPC error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
	// CodeToolError is returned when a tool handler fails. Data carries a trace.
	CodeToolError = -32000
	// CodeUnauthorized is returned by the HTTP bridge when the bearer check fails.
	CodeUnauthorized = -32001
)

// ErrParse is wrapped by Decode when a line is not a JSON object.
var ErrParse = errors.New("parse error")

// Error is the JSON-RPC error object. It also satisfies the error interface so
// a remote failure can be returned to Go callers unchanged.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// NewError builds an error object without data.
func NewError(code int, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// ParseError is the canonical response error for an undecodable line.
func ParseError() *Error {
	return &Error{Code: CodeParseError, Message: "Parse error"}
}

// TransportError reports a failure of the underlying byte stream: a closed
// pipe, a failed write, or bytes that could not be framed.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}
