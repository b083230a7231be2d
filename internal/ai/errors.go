package ai

import (
	"errors"
	"fmt"
	"net/http"
	"unicode/utf8"
)

var (
	ErrProviderNotFound = errors.New("provider not found")
	ErrNoAPIKey         = errors.New("no API key configured")
	ErrRateLimited      = errors.New("rate limited")
	ErrEmptyResponse    = errors.New("empty response")
)

// ProviderError is the typed failure of one model invocation. Status is the
// provider's HTTP status, or zero when the request never got an answer.
type ProviderError struct {
	Provider string
	Model    string
	Status   int
	Code     string
	Message  string
	Err      error
}

func (e *ProviderError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	prefix := e.Provider
	if e.Model != "" {
		prefix += "/" + e.Model
	}
	if e.Status != 0 {
		return fmt.Sprintf("%s: HTTP %d: %s", prefix, e.Status, msg)
	}
	return fmt.Sprintf("%s: %s", prefix, msg)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// HTTPStatus is the status a caller should report for this failure: the
// provider's own 4xx when it sent one, otherwise 502. Provider 5xx answers
// are upstream failures, not ours, so they also map to 502.
func (e *ProviderError) HTTPStatus() int {
	if e.Status >= 400 && e.Status < 500 {
		return e.Status
	}
	return http.StatusBadGateway
}

// ErrorCode is the provider's error code, or a code derived from the
// sentinel the error wraps.
func (e *ProviderError) ErrorCode() string {
	switch {
	case e.Code != "":
		return e.Code
	case errors.Is(e.Err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(e.Err, ErrProviderNotFound):
		return "provider_not_found"
	case errors.Is(e.Err, ErrNoAPIKey):
		return "no_api_key"
	default:
		return "provider_error"
	}
}

// truncate shortens s to at most n bytes without splitting a UTF-8 rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
