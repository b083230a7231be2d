package chat

import (
	"context"
	"errors"
	"testing"

	"github.com/tsylvester/paynless-framework-sub011/internal/models"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func openChatTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	sqlDB, _ := db.DB()
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(
		&models.Chat{}, &models.ChatMessage{}, &models.AIProvider{},
		&models.TokenWallet{}, &models.TokenTransaction{},
	); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func newTestThreads(t *testing.T) (*Threads, *gorm.DB) {
	t.Helper()
	db := openChatTestDB(t)
	th, err := NewThreads(db)
	if err != nil {
		t.Fatalf("NewThreads: %v", err)
	}
	return th, db
}

func turnFor(chatID, user, reply string) *Turn {
	return &Turn{
		ChatID:    chatID,
		User:      models.ChatMessage{Content: user},
		Assistant: models.ChatMessage{Content: reply},
	}
}

func contents(msgs []models.ChatMessage) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Content
	}
	return out
}

func assertContents(t *testing.T, got []models.ChatMessage, want ...string) {
	t.Helper()
	g := contents(got)
	if len(g) != len(want) {
		t.Fatalf("messages = %v, want %v", g, want)
	}
	for i := range want {
		if g[i] != want[i] {
			t.Fatalf("messages = %v, want %v", g, want)
		}
	}
}

// seedThread writes a new chat with one turn per pair and returns its id.
func seedThread(t *testing.T, th *Threads, pairs ...[2]string) string {
	t.Helper()
	ctx := context.Background()
	first := turnFor("", pairs[0][0], pairs[0][1])
	first.NewChat = &models.Chat{UserID: "user-1", Title: pairs[0][0]}
	if err := th.Append(ctx, first, nil); err != nil {
		t.Fatalf("Append first turn: %v", err)
	}
	parent := first.Assistant.ID
	for _, p := range pairs[1:] {
		turn := turnFor(first.ChatID, p[0], p[1])
		if err := th.Append(ctx, turn, &parent); err != nil {
			t.Fatalf("Append: %v", err)
		}
		parent = turn.Assistant.ID
	}
	return first.ChatID
}

func TestThreads_AppendBuildsLinearPath(t *testing.T) {
	th, _ := newTestThreads(t)
	ctx := context.Background()
	chatID := seedThread(t, th, [2]string{"U1", "A1"}, [2]string{"U2", "A2"})

	path, err := th.ActiveMessages(ctx, chatID)
	if err != nil {
		t.Fatalf("ActiveMessages: %v", err)
	}
	assertContents(t, path, "U1", "A1", "U2", "A2")

	if path[0].ResponseToMessageID != nil {
		t.Errorf("root parent = %v, want nil", *path[0].ResponseToMessageID)
	}
	for i := 1; i < len(path); i++ {
		if path[i].ResponseToMessageID == nil || *path[i].ResponseToMessageID != path[i-1].ID {
			t.Errorf("path[%d] does not point at path[%d]", i, i-1)
		}
	}
	wantRoles := []string{models.RoleUser, models.RoleAssistant, models.RoleUser, models.RoleAssistant}
	for i, m := range path {
		if m.Role != wantRoles[i] {
			t.Errorf("path[%d].Role = %q, want %q", i, m.Role, wantRoles[i])
		}
	}
}

func TestThreads_NewChatCreatedWithTurn(t *testing.T) {
	th, _ := newTestThreads(t)
	ctx := context.Background()
	chatID := seedThread(t, th, [2]string{"hello", "hi"})

	c, err := th.GetChat(ctx, chatID)
	if err != nil {
		t.Fatalf("GetChat: %v", err)
	}
	if c.UserID != "user-1" || c.Title != "hello" {
		t.Errorf("chat = %+v", c)
	}
	chats, err := th.ListChats(ctx, "user-1")
	if err != nil {
		t.Fatalf("ListChats: %v", err)
	}
	if len(chats) != 1 {
		t.Errorf("len(ListChats) = %d, want 1", len(chats))
	}
}

func TestThreads_GetChatNotFound(t *testing.T) {
	th, _ := newTestThreads(t)
	_, err := th.GetChat(context.Background(), "missing")
	if !errors.Is(err, ErrChatNotFound) {
		t.Errorf("err = %v, want ErrChatNotFound", err)
	}
}

func TestThreads_RewindKeepsPrefixAndArchivesBranch(t *testing.T) {
	th, _ := newTestThreads(t)
	ctx := context.Background()
	chatID := seedThread(t, th, [2]string{"U1", "A1"}, [2]string{"U2", "A2"})

	before, _ := th.ActiveMessages(ctx, chatID)
	a1 := before[1].ID

	turn := turnFor(chatID, "U3", "A3")
	if err := th.Rewind(ctx, turn, a1); err != nil {
		t.Fatalf("Rewind: %v", err)
	}

	path, err := th.ActiveMessages(ctx, chatID)
	if err != nil {
		t.Fatalf("ActiveMessages: %v", err)
	}
	assertContents(t, path, "U1", "A1", "U3", "A3")
	if *path[2].ResponseToMessageID != a1 {
		t.Errorf("U3 parent = %s, want %s", *path[2].ResponseToMessageID, a1)
	}

	all, err := th.History(ctx, chatID)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(all) != 6 {
		t.Fatalf("len(History) = %d, want 6", len(all))
	}
	for _, m := range all {
		wantActive := m.Content != "U2" && m.Content != "A2"
		if m.IsActiveInThread != wantActive {
			t.Errorf("%s active = %v, want %v", m.Content, m.IsActiveInThread, wantActive)
		}
	}
}

func TestThreads_RewindTwiceFromRoot(t *testing.T) {
	th, _ := newTestThreads(t)
	ctx := context.Background()
	chatID := seedThread(t, th, [2]string{"U1", "A1"}, [2]string{"U2", "A2"})
	before, _ := th.ActiveMessages(ctx, chatID)
	a1 := before[1].ID

	if err := th.Rewind(ctx, turnFor(chatID, "U3", "A3"), a1); err != nil {
		t.Fatalf("first Rewind: %v", err)
	}
	if err := th.Rewind(ctx, turnFor(chatID, "U4", "A4"), a1); err != nil {
		t.Fatalf("second Rewind: %v", err)
	}
	path, _ := th.ActiveMessages(ctx, chatID)
	assertContents(t, path, "U1", "A1", "U4", "A4")
}

func TestThreads_RewindInvalidTargets(t *testing.T) {
	th, _ := newTestThreads(t)
	ctx := context.Background()
	chatID := seedThread(t, th, [2]string{"U1", "A1"}, [2]string{"U2", "A2"})
	other := seedThread(t, th, [2]string{"X1", "Y1"})

	path, _ := th.ActiveMessages(ctx, chatID)
	u1, a2 := path[0].ID, path[3].ID
	otherPath, _ := th.ActiveMessages(ctx, other)

	// Archive A2 by rewinding from A1, then try to rewind from it.
	if err := th.Rewind(ctx, turnFor(chatID, "U3", "A3"), path[1].ID); err != nil {
		t.Fatalf("Rewind: %v", err)
	}

	tests := []struct {
		name   string
		target string
	}{
		{"unknown id", "missing"},
		{"user message", u1},
		{"inactive assistant", a2},
		{"message from another chat", otherPath[1].ID},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := th.Rewind(ctx, turnFor(chatID, "U9", "A9"), tt.target)
			if !errors.Is(err, ErrInvalidRewindTarget) {
				t.Errorf("err = %v, want ErrInvalidRewindTarget", err)
			}
			if _, err := th.ValidateRewindTarget(ctx, chatID, tt.target); !errors.Is(err, ErrInvalidRewindTarget) {
				t.Errorf("ValidateRewindTarget err = %v, want ErrInvalidRewindTarget", err)
			}
		})
	}

	all, _ := th.History(ctx, chatID)
	if len(all) != 6 {
		t.Errorf("len(History) = %d, want 6 after rejected rewinds", len(all))
	}
}

func TestThreads_ActivePathIsLazy(t *testing.T) {
	th, _ := newTestThreads(t)
	ctx := context.Background()
	chatID := seedThread(t, th, [2]string{"U1", "A1"})
	seq := th.ActivePath(ctx, chatID)

	count := func() int {
		n := 0
		for _, err := range seq {
			if err != nil {
				t.Fatalf("ActivePath: %v", err)
			}
			n++
		}
		return n
	}
	if got := count(); got != 2 {
		t.Fatalf("first range = %d, want 2", got)
	}

	path, _ := th.ActiveMessages(ctx, chatID)
	parent := path[1].ID
	if err := th.Append(ctx, turnFor(chatID, "U2", "A2"), &parent); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if got := count(); got != 4 {
		t.Errorf("second range = %d, want 4", got)
	}
}

func TestThreads_ActivePathEarlyBreak(t *testing.T) {
	th, _ := newTestThreads(t)
	ctx := context.Background()
	chatID := seedThread(t, th, [2]string{"U1", "A1"}, [2]string{"U2", "A2"})

	var first string
	for m, err := range th.ActivePath(ctx, chatID) {
		if err != nil {
			t.Fatal(err)
		}
		first = m.Content
		break
	}
	if first != "U1" {
		t.Errorf("first = %q, want U1", first)
	}
}

func TestThreads_EmptyChatHasNoPath(t *testing.T) {
	th, db := newTestThreads(t)
	c := models.Chat{UserID: "user-1"}
	if err := db.Create(&c).Error; err != nil {
		t.Fatal(err)
	}
	path, err := th.ActiveMessages(context.Background(), c.ID)
	if err != nil {
		t.Fatalf("ActiveMessages: %v", err)
	}
	if len(path) != 0 {
		t.Errorf("len(path) = %d, want 0", len(path))
	}
}
