package chat

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
)

var (
	// ErrAborted marks a turn stopped by cancellation. It is a normal
	// termination path, not a failure.
	ErrAborted = errors.New("chat turn aborted")
	// ErrTurnInProgress is returned when a session already has an active turn.
	ErrTurnInProgress = errors.New("chat turn already in progress for session")
	// ErrEmptyQuery is returned for a turn without user text.
	ErrEmptyQuery = errors.New("chat query is empty")
	// ErrMissingSession is returned for a turn without a session id.
	ErrMissingSession = errors.New("chat session id is required")
	// ErrNotOwner is returned when a turn targets a live session started by
	// another owner.
	ErrNotOwner = errors.New("chat session belongs to another owner")
)

// TransportError is a network failure or non-OK HTTP status from the chat
// backend.
type TransportError struct {
	StatusCode int
	Message    string
	Err        error
}

func (e *TransportError) Error() string {
	switch {
	case e.StatusCode != 0 && e.Message != "":
		return fmt.Sprintf("chat backend returned %d: %s", e.StatusCode, e.Message)
	case e.StatusCode != 0:
		return fmt.Sprintf("chat backend returned %d", e.StatusCode)
	case e.Err != nil && e.Message != "":
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	case e.Err != nil:
		return e.Err.Error()
	default:
		return e.Message
	}
}

func (e *TransportError) Unwrap() error { return e.Err }

// AuthExpiredError means the bearer credential was rejected or is missing.
// Callers route it to re-authentication instead of a generic error.
type AuthExpiredError struct {
	StatusCode int
	Message    string
}

func (e *AuthExpiredError) Error() string {
	if e.StatusCode == 0 {
		return "authentication required: " + e.Message
	}
	if e.Message == "" {
		return fmt.Sprintf("authentication expired (%d)", e.StatusCode)
	}
	return fmt.Sprintf("authentication expired (%d): %s", e.StatusCode, e.Message)
}

// MalformedObjectError describes a brace-balanced stream segment that did
// not decode into a chat object. It is logged and never surfaced.
type MalformedObjectError struct {
	Raw string
	Err error
}

func (e *MalformedObjectError) Error() string {
	return fmt.Sprintf("malformed chat object (%d bytes): %v", len(e.Raw), e.Err)
}

func (e *MalformedObjectError) Unwrap() error { return e.Err }

// FailureReason is the routing class of a turn error.
type FailureReason string

const (
	ReasonNone           FailureReason = ""
	ReasonAborted        FailureReason = "aborted"
	ReasonReauthenticate FailureReason = "reauthenticate"
	ReasonTransport      FailureReason = "transport"
)

var authCodePattern = regexp.MustCompile(`\b(401|403)\b`)

// Classify maps an error to the way it should be presented. Errors whose
// message names HTTP 401 or 403 count as expired authentication even when
// they are not typed.
func Classify(err error) FailureReason {
	if err == nil {
		return ReasonNone
	}
	if errors.Is(err, ErrAborted) || errors.Is(err, context.Canceled) {
		return ReasonAborted
	}
	var authErr *AuthExpiredError
	if errors.As(err, &authErr) {
		return ReasonReauthenticate
	}
	var transportErr *TransportError
	if errors.As(err, &transportErr) && isAuthStatus(transportErr.StatusCode) {
		return ReasonReauthenticate
	}
	if authCodePattern.MatchString(err.Error()) {
		return ReasonReauthenticate
	}
	return ReasonTransport
}

func isAuthStatus(code int) bool {
	return code == http.StatusUnauthorized || code == http.StatusForbidden
}
