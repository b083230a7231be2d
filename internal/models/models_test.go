package models

import (
	"reflect"
	"strings"
	"testing"
)

// gormTag extracts the gorm tag from a struct field.
func gormTag(t *testing.T, typ reflect.Type, fieldName string) string {
	t.Helper()
	f, ok := typ.FieldByName(fieldName)
	if !ok {
		t.Fatalf("%s.%s: field not found", typ.Name(), fieldName)
	}
	return f.Tag.Get("gorm")
}

// assertGormTag checks that a struct field's gorm tag contains the expected value.
func assertGormTag(t *testing.T, typ reflect.Type, fieldName, expected string) {
	t.Helper()
	tag := gormTag(t, typ, fieldName)
	if !strings.Contains(tag, expected) {
		t.Errorf("%s.%s gorm tag = %q, want to contain %q", typ.Name(), fieldName, tag, expected)
	}
}

// assertNoDefault checks that a bool column has no gorm default, so that a
// false value is written instead of being replaced by the default.
func assertNoDefault(t *testing.T, typ reflect.Type, fieldName string) {
	t.Helper()
	if tag := gormTag(t, typ, fieldName); strings.Contains(tag, "default:") {
		t.Errorf("%s.%s gorm tag = %q, must not declare a default", typ.Name(), fieldName, tag)
	}
}

// assertFieldType checks that a struct field has the expected Go type.
func assertFieldType(t *testing.T, typ reflect.Type, fieldName, expectedType string) {
	t.Helper()
	f, ok := typ.FieldByName(fieldName)
	if !ok {
		t.Fatalf("%s.%s: field not found", typ.Name(), fieldName)
	}
	got := f.Type.String()
	if got != expectedType {
		t.Errorf("%s.%s type = %q, want %q", typ.Name(), fieldName, got, expectedType)
	}
}

func TestTokenWallet_Fields(t *testing.T) {
	typ := reflect.TypeOf(TokenWallet{})

	assertGormTag(t, typ, "ID", "primaryKey")
	assertGormTag(t, typ, "UserID", "uniqueIndex:idx_wallet_context")
	assertGormTag(t, typ, "OrganizationID", "uniqueIndex:idx_wallet_context")
	assertFieldType(t, typ, "Balance", "int64")
	assertFieldType(t, typ, "OrganizationID", "string")
}

func TestTokenTransaction_Fields(t *testing.T) {
	typ := reflect.TypeOf(TokenTransaction{})

	assertGormTag(t, typ, "IdempotencyKey", "uniqueIndex")
	assertGormTag(t, typ, "IdempotencyKey", "not null")
	assertGormTag(t, typ, "WalletID", "index")
	assertFieldType(t, typ, "Amount", "int64")
	assertFieldType(t, typ, "BalanceAfter", "int64")
	assertFieldType(t, typ, "RelatedEntityID", "*string")
}

func TestChatMessage_Fields(t *testing.T) {
	typ := reflect.TypeOf(ChatMessage{})

	assertGormTag(t, typ, "ChatID", "index:idx_chat_active")
	assertGormTag(t, typ, "IsActiveInThread", "index:idx_chat_active")
	assertGormTag(t, typ, "Content", "type:text")
	assertGormTag(t, typ, "TokenUsage", "type:json")
	assertNoDefault(t, typ, "IsActiveInThread")
	assertFieldType(t, typ, "ResponseToMessageID", "*string")
	assertFieldType(t, typ, "ErrorType", "*string")
}

func TestChatMessage_Usage(t *testing.T) {
	var m ChatMessage
	u, err := m.Usage()
	if err != nil || u != nil {
		t.Fatalf("Usage() on empty = %v, %v; want nil, nil", u, err)
	}

	m.SetUsage(&TokenUsage{PromptTokens: 10, CompletionTokens: 20, TotalTokens: 30})
	u, err = m.Usage()
	if err != nil {
		t.Fatalf("Usage(): %v", err)
	}
	if u.PromptTokens != 10 || u.CompletionTokens != 20 || u.TotalTokens != 30 {
		t.Errorf("Usage() = %+v", u)
	}

	m.SetUsage(nil)
	if m.TokenUsage != nil {
		t.Errorf("TokenUsage = %s after SetUsage(nil), want nil", m.TokenUsage)
	}

	m.TokenUsage = []byte("{broken")
	if _, err := m.Usage(); err == nil {
		t.Error("expected decode error for malformed usage")
	}
}

func TestContribution_Fields(t *testing.T) {
	typ := reflect.TypeOf(Contribution{})

	assertGormTag(t, typ, "SessionID", "index:idx_contribution_stage")
	assertGormTag(t, typ, "Stage", "index:idx_contribution_stage")
	assertGormTag(t, typ, "IterationNumber", "index:idx_contribution_stage")
	assertNoDefault(t, typ, "IsLatestEdit")
	assertFieldType(t, typ, "Error", "*string")
	assertFieldType(t, typ, "TargetContributionID", "*string")
}

func TestDialecticSession_Fields(t *testing.T) {
	typ := reflect.TypeOf(DialecticSession{})

	assertGormTag(t, typ, "Status", "index")
	assertGormTag(t, typ, "SelectedModelIDs", "type:json")
	assertFieldType(t, typ, "AssociatedChatID", "*string")
}

func TestStageTransition_UniqueEdge(t *testing.T) {
	typ := reflect.TypeOf(StageTransition{})
	for _, f := range []string{"ProcessTemplateID", "SourceStageID", "TargetStageID"} {
		assertGormTag(t, typ, f, "uniqueIndex:idx_transition_edge")
	}
}

func TestStatusHelpers(t *testing.T) {
	if got := StatusPending("thesis"); got != "pending_thesis" {
		t.Errorf("StatusPending = %q", got)
	}
	if got := StatusGenerationComplete("thesis"); got != "thesis_generation_complete" {
		t.Errorf("StatusGenerationComplete = %q", got)
	}
	if got := StatusGenerationFailed("thesis"); got != "thesis_generation_failed" {
		t.Errorf("StatusGenerationFailed = %q", got)
	}
}

func TestBeforeCreate_AssignsIDs(t *testing.T) {
	w := &TokenWallet{}
	if err := w.BeforeCreate(nil); err != nil || len(w.ID) != 36 {
		t.Errorf("wallet ID = %q, err = %v", w.ID, err)
	}
	m := &ChatMessage{ID: "fixed"}
	_ = m.BeforeCreate(nil)
	if m.ID != "fixed" {
		t.Errorf("BeforeCreate overwrote preset ID: %q", m.ID)
	}
}
