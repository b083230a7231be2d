package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestConstructors_StatusAndKind(t *testing.T) {
	cause := errors.New("boom")
	tests := []struct {
		name       string
		err        *Error
		wantStatus int
		wantKind   Kind
		wantCode   string
	}{
		{"invalid", Invalid("bad"), http.StatusBadRequest, KindPrecondition, CodeInvalidRequest},
		{"not found", NotFound("stage", cause), http.StatusNotFound, KindPrecondition, CodeNotFound},
		{"forbidden", Forbidden("owner"), http.StatusForbidden, KindPrecondition, CodeForbidden},
		{"conflict", Conflict("stage"), http.StatusConflict, KindPrecondition, CodeConflict},
		{"too long", PromptTooLong("prompt"), http.StatusRequestEntityTooLarge, KindPrecondition, CodePromptTooLong},
		{"funds", InsufficientFunds("funds", nil), http.StatusPaymentRequired, KindInsufficientFunds, CodeInsufficientFunds},
		{"provider default code", Provider("", "upstream", cause), http.StatusBadGateway, KindProvider, CodeProviderError},
		{"provider custom code", Provider(CodeInvalidUsage, "usage", nil), http.StatusBadGateway, KindProvider, CodeInvalidUsage},
		{"critical", Critical(CodePersistAfterDebit, "lost", cause), http.StatusInternalServerError, KindCritical, CodePersistAfterDebit},
		{"unauthorized", Unauthorized("token", nil), http.StatusUnauthorized, KindPrecondition, CodeUnauthorized},
		{"internal", Internal("db", cause), http.StatusInternalServerError, KindInternal, CodeInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.err.Status != tt.wantStatus {
				t.Errorf("Status = %d, want %d", tt.err.Status, tt.wantStatus)
			}
			if tt.err.Kind != tt.wantKind {
				t.Errorf("Kind = %q, want %q", tt.err.Kind, tt.wantKind)
			}
			if tt.err.Code != tt.wantCode {
				t.Errorf("Code = %q, want %q", tt.err.Code, tt.wantCode)
			}
		})
	}
}

func TestError_MessageAndUnwrap(t *testing.T) {
	cause := errors.New("connection refused")
	err := Internal("load wallet", cause)
	if got := err.Error(); got != "INTERNAL_ERROR: load wallet: connection refused" {
		t.Errorf("Error() = %q", got)
	}
	if !errors.Is(err, cause) {
		t.Error("errors.Is(err, cause) = false, want true")
	}
	if got := Forbidden("nope").Error(); got != "FORBIDDEN: nope" {
		t.Errorf("Error() = %q", got)
	}
}

func TestStatusOf_Wrapped(t *testing.T) {
	wrapped := fmt.Errorf("chat: send: %w", InsufficientFunds("short", nil))
	if got := StatusOf(wrapped); got != http.StatusPaymentRequired {
		t.Errorf("StatusOf = %d, want 402", got)
	}
	if got := CodeOf(wrapped); got != CodeInsufficientFunds {
		t.Errorf("CodeOf = %q", got)
	}
	if !IsKind(wrapped, KindInsufficientFunds) {
		t.Error("IsKind = false, want true")
	}
}

func TestStatusOf_Unclassified(t *testing.T) {
	plain := errors.New("plain")
	if got := StatusOf(plain); got != http.StatusInternalServerError {
		t.Errorf("StatusOf = %d, want 500", got)
	}
	if got := CodeOf(plain); got != CodeInternal {
		t.Errorf("CodeOf = %q, want %q", got, CodeInternal)
	}
	if IsKind(plain, KindInternal) {
		t.Error("IsKind(plain) = true, want false")
	}
}
