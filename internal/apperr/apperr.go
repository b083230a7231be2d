// Package apperr defines the typed errors returned across the chat and
// dialectic orchestration boundary. Each carries an HTTP-equivalent status
// and a stable code so the transport layer can marshal it without
// inspecting error strings.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for propagation policy.
type Kind string

const (
	KindPrecondition      Kind = "precondition"
	KindInsufficientFunds Kind = "insufficient_funds"
	KindProvider          Kind = "provider"
	KindCritical          Kind = "critical"
	KindInternal          Kind = "internal"
)

// Stable error codes.
const (
	CodeInvalidRequest        = "INVALID_REQUEST"
	CodeUnauthorized          = "UNAUTHORIZED"
	CodeNotFound              = "NOT_FOUND"
	CodeForbidden             = "FORBIDDEN"
	CodeConflict              = "CONFLICT"
	CodeNoModelsSelected      = "NO_MODELS_SELECTED"
	CodeInsufficientFunds     = "INSUFFICIENT_FUNDS"
	CodePromptTooLong         = "PROMPT_TOO_LONG"
	CodeProviderError         = "AI_PROVIDER_ERROR"
	CodeInvalidUsage          = "INVALID_TOKEN_USAGE"
	CodeAllModelsFailed       = "ALL_MODELS_FAILED"
	CodePersistAfterDebit     = "PERSISTENCE_AFTER_DEBIT_FAILED"
	CodeInternal              = "INTERNAL_ERROR"
	CodeSeedPromptUnavailable = "SEED_PROMPT_UNAVAILABLE"
)

// Error is a classified failure.
type Error struct {
	Kind    Kind
	Status  int
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New builds an Error.
func New(kind Kind, status int, code, message string, err error) *Error {
	return &Error{Kind: kind, Status: status, Code: code, Message: message, Err: err}
}

// Invalid reports a malformed request (400).
func Invalid(message string) *Error {
	return New(KindPrecondition, http.StatusBadRequest, CodeInvalidRequest, message, nil)
}

// NotFound reports a missing entity (404).
func NotFound(message string, err error) *Error {
	return New(KindPrecondition, http.StatusNotFound, CodeNotFound, message, err)
}

// Forbidden reports a failed authorization check (403).
func Forbidden(message string) *Error {
	return New(KindPrecondition, http.StatusForbidden, CodeForbidden, message, nil)
}

// Conflict reports an entity in a state inconsistent with the request (409).
func Conflict(message string) *Error {
	return New(KindPrecondition, http.StatusConflict, CodeConflict, message, nil)
}

// InsufficientFunds reports a wallet that cannot cover a cost (402).
func InsufficientFunds(message string, err error) *Error {
	return New(KindInsufficientFunds, http.StatusPaymentRequired, CodeInsufficientFunds, message, err)
}

// PromptTooLong reports a prompt above the model's input limit (413).
func PromptTooLong(message string) *Error {
	return New(KindPrecondition, http.StatusRequestEntityTooLarge, CodePromptTooLong, message, nil)
}

// Provider reports an AI provider failure (502).
func Provider(code, message string, err error) *Error {
	if code == "" {
		code = CodeProviderError
	}
	return New(KindProvider, http.StatusBadGateway, code, message, err)
}

// Critical reports a failure that left the system needing operator
// attention, such as a recorded debit without its persisted message.
func Critical(code, message string, err error) *Error {
	return New(KindCritical, http.StatusInternalServerError, code, message, err)
}

// Unauthorized reports a missing or invalid caller identity (401).
func Unauthorized(message string, err error) *Error {
	return New(KindPrecondition, http.StatusUnauthorized, CodeUnauthorized, message, err)
}

// Internal wraps an unexpected infrastructure failure (500).
func Internal(message string, err error) *Error {
	return New(KindInternal, http.StatusInternalServerError, CodeInternal, message, err)
}

// As returns the *Error in err's chain, if any.
func As(err error) (*Error, bool) {
	var ae *Error
	if errors.As(err, &ae) {
		return ae, true
	}
	return nil, false
}

// StatusOf returns the HTTP-equivalent status for err; unclassified errors
// are 500.
func StatusOf(err error) int {
	if ae, ok := As(err); ok && ae.Status != 0 {
		return ae.Status
	}
	return http.StatusInternalServerError
}

// CodeOf returns the code for err; unclassified errors are CodeInternal.
func CodeOf(err error) string {
	if ae, ok := As(err); ok {
		return ae.Code
	}
	return CodeInternal
}

// IsKind reports whether err is an *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	ae, ok := As(err)
	return ok && ae.Kind == kind
}
