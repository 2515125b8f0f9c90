package agency

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/rs/zerolog/log"

	"github.com/mesmerverse/agency-relay/router"
)

// Error is an agency protocol error. It is returned to clients as a
// PROBLEM_REPORT message.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

// Error codes
const (
	CodeInvalidMessage   = "INVALID_MESSAGE"
	CodeUnknownMessage   = "UNKNOWN_MESSAGE"
	CodeAgentExists      = "AGENT_EXISTS"
	CodeConnectionExists = "CONNECTION_EXISTS"
	CodeNotReady         = "NOT_READY"
	CodeInternal         = "INTERNAL_ERROR"
)

var (
	// ErrTerminated is returned by an entity that has been stopped. It
	// matches router.ErrHandlerTerminated.
	ErrTerminated = fmt.Errorf("%w: entity stopped", router.ErrHandlerTerminated)

	ErrNotBound = &Error{Code: CodeNotReady, Message: "agency is not attached to a router"}
)

func invalidMessage(format string, args ...any) *Error {
	return &Error{Code: CodeInvalidMessage, Message: fmt.Sprintf(format, args...)}
}

func unknownMessage(t string) *Error {
	return &Error{Code: CodeUnknownMessage, Message: fmt.Sprintf("unknown message type: %s", t)}
}

// internalError logs err and hides its details from the client.
func internalError(op string, err error) *Error {
	log.Error().Err(err).Str("op", op).Msg("Agency operation failed")
	return &Error{Code: CodeInternal, Message: op + " failed"}
}

// problemCode extracts the client-facing code and message from err.
func problemCode(err error) (string, string) {
	var e *Error
	if errors.As(err, &e) {
		return e.Code, truncate(e.Message)
	}
	return CodeInternal, "operation failed"
}

// truncate bounds msg to 100 bytes without splitting a rune.
func truncate(msg string) string {
	msg = strings.TrimSpace(msg)
	if len(msg) <= 100 {
		return msg
	}
	i := 100
	for i > 0 && !utf8.RuneStart(msg[i]) {
		i--
	}
	return msg[:i]
}
