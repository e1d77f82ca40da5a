package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// ErrorCode classifies adapter failures into a small closed set so callers
// can decide retryability without string matching.
type ErrorCode string

const (
	CodeTimeout     ErrorCode = "timeout"
	CodeRateLimited ErrorCode = "rate_limited"
	CodeAuth        ErrorCode = "auth"
	CodeBadRequest  ErrorCode = "bad_request"
	CodeServer      ErrorCode = "server"
	CodeNetwork     ErrorCode = "network"
	CodeUnknown     ErrorCode = "unknown"
)

// Error is the unified provider error.
type Error struct {
	Code    ErrorCode
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("llm %s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("llm %s", e.Code)
}

func (e *Error) Unwrap() error { return e.Cause }

// Retryable reports whether a later attempt could plausibly succeed.
func (e *Error) Retryable() bool {
	switch e.Code {
	case CodeTimeout, CodeRateLimited, CodeServer, CodeNetwork:
		return true
	}
	return false
}

// Classify wraps an arbitrary adapter error into *Error. Existing *Error
// values pass through unchanged.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}
	var le *Error
	if errors.As(err, &le) {
		return le
	}
	code := CodeUnknown
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		code = CodeTimeout
	case errors.Is(err, context.Canceled):
		code = CodeNetwork
	default:
		var nerr net.Error
		if errors.As(err, &nerr) {
			if nerr.Timeout() {
				code = CodeTimeout
			} else {
				code = CodeNetwork
			}
			break
		}
		msg := strings.ToLower(err.Error())
		switch {
		case strings.Contains(msg, "rate limit"), strings.Contains(msg, "429"):
			code = CodeRateLimited
		case strings.Contains(msg, "401"), strings.Contains(msg, "403"), strings.Contains(msg, "api key"):
			code = CodeAuth
		case strings.Contains(msg, "400"), strings.Contains(msg, "invalid request"):
			code = CodeBadRequest
		case strings.Contains(msg, "500"), strings.Contains(msg, "502"), strings.Contains(msg, "503"), strings.Contains(msg, "overloaded"):
			code = CodeServer
		}
	}
	return &Error{Code: code, Message: err.Error(), Cause: err}
}
