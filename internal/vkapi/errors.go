package vkapi

import (
	"errors"
	"fmt"
)

// ErrClientClosed is returned for calls that were still pending when the
// client was closed, and for calls enqueued after Close.
var ErrClientClosed = errors.New("vkapi: client closed")

// ErrUnknownFileType is returned by Upload for a file type the platform
// has no upload protocol for.
var ErrUnknownFileType = errors.New("vkapi: unknown file type")

// ErrNoFile is returned by Upload when no file content was provided.
var ErrNoFile = errors.New("vkapi: no file to upload provided")

// Error is a structured error returned by the VK API for a call or for a
// whole request envelope. It is never retried; the payload is surfaced
// verbatim to the caller.
type Error struct {
	Code          int            `json:"error_code"`
	Message       string         `json:"error_msg"`
	RequestParams []RequestParam `json:"request_params,omitempty"`
}

// RequestParam is one key/value pair echoed back by the API in an error.
type RequestParam struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("vkapi: api error %d: %s", e.Code, e.Message)
}

// ExecuteError is a per-item error reported by the "execute" method for one
// of the calls embedded in a batch.
type ExecuteError struct {
	Method  string `json:"method"`
	Code    int    `json:"error_code"`
	Message string `json:"error_msg"`
}

func (e *ExecuteError) Error() string {
	return fmt.Sprintf("vkapi: execute error %d on %s: %s", e.Code, e.Method, e.Message)
}

// TransportError wraps a network- or HTTP-level failure reaching the
// platform. Direct calls retry these up to the attempt budget; remote
// application errors never become TransportErrors.
type TransportError struct {
	Cause error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("vkapi: transport error: %v", e.Cause)
}

func (e *TransportError) Unwrap() error {
	return e.Cause
}
