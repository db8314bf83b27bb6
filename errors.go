package wizard

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// Kind classifies a failure so callers can decide on retry and presentation.
type Kind int

const (
	KindUnknown Kind = iota
	KindValidation
	KindTransient
	KindServer
	KindAuth
	KindNotFound
	KindPayloadTooLarge
	KindStorage
	KindSessionExpired
	KindGated
	KindModuleMissing
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindTransient:
		return "transient"
	case KindServer:
		return "server"
	case KindAuth:
		return "auth"
	case KindNotFound:
		return "not_found"
	case KindPayloadTooLarge:
		return "payload_too_large"
	case KindStorage:
		return "storage"
	case KindSessionExpired:
		return "session_expired"
	case KindGated:
		return "gated"
	case KindModuleMissing:
		return "module_missing"
	default:
		return "unknown"
	}
}

// Error is the normalized wizard failure. Message and Code mirror the
// {message, code} shape the transport produces.
type Error struct {
	Kind    Kind
	Message string
	Code    string
	Status  int               // HTTP status, 0 when not from a response
	Step    Step              // Step the failure is scoped to, if any
	Fields  map[string]string // Field-scoped validation messages
	Hint    string            // Helpful suggestion for the user
	Raw     string            // Raw response text when the body was not clean JSON
	Err     error             // Underlying error
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.String())
	if e.Step != "" {
		fmt.Fprintf(&b, " [%s]", e.Step)
	}
	if e.Status != 0 {
		fmt.Fprintf(&b, " HTTP %d", e.Status)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil && (e.Message == "" || !strings.Contains(e.Message, e.Err.Error())) {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Retryable reports whether an automatic retry may succeed.
func (e *Error) Retryable() bool {
	return e.Kind == KindTransient
}

// WithHint adds a helpful hint to the error.
func (e *Error) WithHint(hint string) *Error {
	e.Hint = hint
	return e
}

// WithStep scopes the error to a step.
func (e *Error) WithStep(step Step) *Error {
	e.Step = step
	return e
}

// WithFields attaches field-scoped validation messages.
func (e *Error) WithFields(fields map[string]string) *Error {
	e.Fields = fields
	return e
}

// NewError creates an Error of the given kind.
func NewError(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Sentinel errors for conditions that carry no extra context.
var (
	ErrSaveInProgress = errors.New("a save is already in progress")
	ErrSessionExpired = &Error{Kind: KindSessionExpired, Message: "your session has expired", Code: "session_expired"}
)

// IsKind reports whether err classifies as kind.
func IsKind(err error, kind Kind) bool {
	if err == nil {
		return false
	}
	return Classify(err).Kind == kind
}

// KindForStatus maps an HTTP status code onto the failure taxonomy.
func KindForStatus(status int) Kind {
	switch {
	case status == 401 || status == 419:
		return KindSessionExpired
	case status == 403:
		return KindAuth
	case status == 404:
		return KindNotFound
	case status == 413:
		return KindPayloadTooLarge
	case status == 408 || status == 429:
		return KindTransient
	case status == 400 || status == 422:
		return KindValidation
	case status >= 500:
		return KindServer
	default:
		return KindUnknown
	}
}

// Classify converts any error into an *Error. Errors that are already
// classified are returned as-is; everything else is mapped by type and, as a
// last resort, by common transient message patterns.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}

	var we *Error
	if errors.As(err, &we) {
		if we.Kind == KindUnknown && we.Code == "session_expired" {
			we.Kind = KindSessionExpired
		}
		return we
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindTransient, Message: "request timed out", Code: "timeout", Err: err}
	}
	if errors.Is(err, context.Canceled) {
		return &Error{Kind: KindTransient, Message: "request canceled", Code: "canceled", Err: err}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return &Error{Kind: KindTransient, Message: "network error", Code: "network", Err: err}
	}

	if isTransientMessage(err.Error()) {
		return &Error{Kind: KindTransient, Message: "network error", Code: "network", Err: err}
	}

	return &Error{Kind: KindServer, Message: err.Error(), Err: err}
}

func isTransientMessage(msg string) bool {
	msg = strings.ToLower(msg)
	transientPatterns := []string{
		"connection refused",
		"connection reset",
		"no such host",
		"timeout",
		"deadline exceeded",
		"temporary failure",
		"try again",
		"eof",
		"bad gateway",
		"gateway timeout",
	}
	for _, pattern := range transientPatterns {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

// UserMessage returns the text shown to the user for err, including the
// recovery hint for the failure kind.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	e := Classify(err)

	msg, hint := e.Message, e.Hint
	switch e.Kind {
	case KindValidation:
		if msg == "" {
			msg = "Please correct the highlighted fields."
		}
	case KindTransient:
		msg = "Connection problem. Please check your network and try again."
	case KindServer:
		msg = "Server error. Please try again in a moment."
	case KindAuth:
		msg = "You do not have permission to do that."
		if hint == "" {
			hint = "Refresh the page and sign in again."
		}
	case KindNotFound:
		msg = "The campaign could not be found."
		if hint == "" {
			hint = "If this keeps happening, contact support."
		}
	case KindPayloadTooLarge:
		msg = "Too much data to save at once."
		if hint == "" {
			hint = "Save the current step first, then continue."
		}
	case KindStorage:
		if msg == "" {
			msg = "Progress cannot be stored in this browser."
		}
	case KindSessionExpired:
		msg = "Your session has expired."
		if hint == "" {
			hint = "Reload the page to sign in again. Unsaved changes on this step may be lost."
		}
	case KindGated:
		if msg == "" {
			msg = "This feature requires an upgrade."
		}
	case KindModuleMissing:
		if msg == "" {
			msg = "This step failed to load."
		}
		if hint == "" {
			hint = "Reload the page to try again."
		}
	default:
		if msg == "" {
			msg = "Something went wrong. Please try again."
		}
	}

	if hint != "" {
		return msg + " " + hint
	}
	return msg
}
