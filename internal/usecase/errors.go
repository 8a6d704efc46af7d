package usecase

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"syscall"
)

type ErrorCode string

const (
	ErrorEngineUnavailable ErrorCode = "ENGINE_UNAVAILABLE"
	ErrorNetwork           ErrorCode = "NETWORK_FAILURE"
	ErrorCompletion        ErrorCode = "COMPLETION_FAILED"
	ErrorContinuation      ErrorCode = "CONTINUATION_FAILED"
	ErrorInvalidInput      ErrorCode = "INVALID_INPUT"
	ErrorBusy              ErrorCode = "BUSY"
	ErrorInternal          ErrorCode = "INTERNAL_ERROR"
)

type Error struct {
	Code   ErrorCode
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return fmt.Sprintf("usecase: %s (%s)", e.Code, e.Reason)
	}
	return fmt.Sprintf("usecase: %s (%s): %v", e.Code, e.Reason, e.Err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func newError(code ErrorCode, reason string, err error) *Error {
	return &Error{Code: code, Reason: reason, Err: err}
}

// IsCode reports whether err is a usecase error with the given code.
func IsCode(err error, code ErrorCode) bool {
	var ue *Error
	return errors.As(err, &ue) && ue.Code == code
}

type operation int

const (
	opSend operation = iota
	opContinue
)

func (o operation) String() string {
	if o == opContinue {
		return "continue"
	}
	return "send"
}

// classifyEngineError maps a failed completion to its error code and the
// notice text shown to the user.
func classifyEngineError(op operation, err error, strs Strings) (*Error, string) {
	if op == opContinue {
		return newError(ErrorContinuation, "continuation_failed", err),
			"Continuation failed: " + err.Error()
	}
	if isNetworkError(err) {
		return newError(ErrorNetwork, "network_error", err), strs.NetworkError
	}
	return newError(ErrorCompletion, "completion_failed", err),
		"Completion failed: " + err.Error()
}

func isNetworkError(err error) bool {
	if err == nil {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "network")
}
