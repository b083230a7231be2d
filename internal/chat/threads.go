// Package chat owns branchable conversation threads and the metered chat
// turn that extends them.
package chat

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/tsylvester/paynless-framework-sub011/internal/models"
	"gorm.io/gorm"
)

var (
	// ErrChatNotFound is returned when a chat id does not exist.
	ErrChatNotFound = errors.New("chat: not found")
	// ErrInvalidRewindTarget is returned when a rewind names a message that
	// is not an active assistant message of the chat.
	ErrInvalidRewindTarget = errors.New("chat: invalid rewind target")
)

// Threads persists chats and their message trees. Each message points at
// its parent; the active path is the chain of IsActiveInThread messages
// from the root to the single active leaf.
type Threads struct {
	db *gorm.DB
}

// NewThreads creates a Threads store.
func NewThreads(db *gorm.DB) (*Threads, error) {
	if db == nil {
		return nil, fmt.Errorf("chat: threads: db is required")
	}
	return &Threads{db: db}, nil
}

// GetChat returns the chat with the given id, or ErrChatNotFound.
func (t *Threads) GetChat(ctx context.Context, chatID string) (*models.Chat, error) {
	var c models.Chat
	err := t.db.WithContext(ctx).Where("id = ?", chatID).First(&c).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrChatNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("chat: get %s: %w", chatID, err)
	}
	return &c, nil
}

// ListChats returns a user's chats, most recently updated first.
func (t *Threads) ListChats(ctx context.Context, userID string) ([]models.Chat, error) {
	var chats []models.Chat
	if err := t.db.WithContext(ctx).Where("user_id = ?", userID).Order("updated_at DESC").Find(&chats).Error; err != nil {
		return nil, fmt.Errorf("chat: list for %s: %w", userID, err)
	}
	return chats, nil
}

// History returns every message of a chat, active or not, oldest first.
func (t *Threads) History(ctx context.Context, chatID string) ([]models.ChatMessage, error) {
	var msgs []models.ChatMessage
	if err := t.db.WithContext(ctx).Where("chat_id = ?", chatID).Order("created_at ASC").Find(&msgs).Error; err != nil {
		return nil, fmt.Errorf("chat: history %s: %w", chatID, err)
	}
	return msgs, nil
}

// ActivePath yields the active messages of a chat from root to leaf. The
// query runs when iteration starts, so each range over the sequence sees
// the current state. A load failure is yielded once as the error.
func (t *Threads) ActivePath(ctx context.Context, chatID string) iter.Seq2[models.ChatMessage, error] {
	return func(yield func(models.ChatMessage, error) bool) {
		path, err := activePath(t.db.WithContext(ctx), chatID)
		if err != nil {
			yield(models.ChatMessage{}, err)
			return
		}
		for _, m := range path {
			if !yield(m, nil) {
				return
			}
		}
	}
}

// ActiveMessages collects ActivePath into a slice.
func (t *Threads) ActiveMessages(ctx context.Context, chatID string) ([]models.ChatMessage, error) {
	return activePath(t.db.WithContext(ctx), chatID)
}

// PathTo returns the messages from the thread root down to and including
// messageID, following parent pointers.
func (t *Threads) PathTo(ctx context.Context, chatID, messageID string) ([]models.ChatMessage, error) {
	return pathTo(t.db.WithContext(ctx), chatID, messageID)
}

// activePath finds the active leaf (the active message no other active
// message points at) and walks parent pointers back to the root.
func activePath(db *gorm.DB, chatID string) ([]models.ChatMessage, error) {
	var active []models.ChatMessage
	err := db.Where("chat_id = ? AND is_active_in_thread = ?", chatID, true).
		Order("created_at ASC").
		Find(&active).Error
	if err != nil {
		return nil, fmt.Errorf("chat: load active messages %s: %w", chatID, err)
	}
	if len(active) == 0 {
		return nil, nil
	}

	byID := make(map[string]models.ChatMessage, len(active))
	hasChild := make(map[string]bool, len(active))
	for _, m := range active {
		byID[m.ID] = m
		if m.ResponseToMessageID != nil {
			hasChild[*m.ResponseToMessageID] = true
		}
	}
	// Latest leaf wins if the invariant was ever broken.
	var leaf models.ChatMessage
	for _, m := range active {
		if !hasChild[m.ID] {
			leaf = m
		}
	}
	return walkUp(byID, leaf), nil
}

func pathTo(db *gorm.DB, chatID, messageID string) ([]models.ChatMessage, error) {
	var all []models.ChatMessage
	if err := db.Where("chat_id = ?", chatID).Find(&all).Error; err != nil {
		return nil, fmt.Errorf("chat: load messages %s: %w", chatID, err)
	}
	byID := make(map[string]models.ChatMessage, len(all))
	for _, m := range all {
		byID[m.ID] = m
	}
	target, ok := byID[messageID]
	if !ok {
		return nil, fmt.Errorf("%w: message %s not in chat %s", ErrInvalidRewindTarget, messageID, chatID)
	}
	return walkUp(byID, target), nil
}

// walkUp returns the chain from the root to from, inclusive. It stops at a
// parent missing from byID.
func walkUp(byID map[string]models.ChatMessage, from models.ChatMessage) []models.ChatMessage {
	var rev []models.ChatMessage
	seen := make(map[string]bool)
	cur, ok := from, true
	for ok && !seen[cur.ID] {
		seen[cur.ID] = true
		rev = append(rev, cur)
		if cur.ResponseToMessageID == nil {
			break
		}
		cur, ok = byID[*cur.ResponseToMessageID]
	}
	path := make([]models.ChatMessage, len(rev))
	for i, m := range rev {
		path[len(rev)-1-i] = m
	}
	return path
}

// Turn is a user message and the assistant reply to it, written together.
type Turn struct {
	// NewChat, when set, is created in the same transaction.
	NewChat   *models.Chat
	ChatID    string
	User      models.ChatMessage
	Assistant models.ChatMessage
}

// Append writes a turn as a child of parentID (nil for a thread root).
// Both messages are active; the assistant reply is the new leaf.
func (t *Threads) Append(ctx context.Context, turn *Turn, parentID *string) error {
	return t.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return insertTurn(tx, turn, parentID)
	})
}

// Rewind deactivates every active message below rewindFromID and writes
// the turn as its child, in one transaction. The abandoned branch is kept.
// rewindFromID must be an active assistant message of the chat.
func (t *Threads) Rewind(ctx context.Context, turn *Turn, rewindFromID string) error {
	return t.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		path, err := checkRewindTarget(tx, turn.ChatID, rewindFromID)
		if err != nil {
			return err
		}
		keep := make([]string, len(path))
		for i, m := range path {
			keep[i] = m.ID
		}
		res := tx.Model(&models.ChatMessage{}).
			Where("chat_id = ? AND is_active_in_thread = ? AND id NOT IN ?", turn.ChatID, true, keep).
			Update("is_active_in_thread", false)
		if res.Error != nil {
			return fmt.Errorf("chat: deactivate branch after %s: %w", rewindFromID, res.Error)
		}
		parent := rewindFromID
		return insertTurn(tx, turn, &parent)
	})
}

// ValidateRewindTarget checks a rewind target without writing anything and
// returns the path from the root to it.
func (t *Threads) ValidateRewindTarget(ctx context.Context, chatID, rewindFromID string) ([]models.ChatMessage, error) {
	return checkRewindTarget(t.db.WithContext(ctx), chatID, rewindFromID)
}

func checkRewindTarget(db *gorm.DB, chatID, rewindFromID string) ([]models.ChatMessage, error) {
	path, err := pathTo(db, chatID, rewindFromID)
	if err != nil {
		return nil, err
	}
	target := path[len(path)-1]
	if target.Role != models.RoleAssistant || !target.IsActiveInThread {
		return nil, fmt.Errorf("%w: message %s is not an active assistant message", ErrInvalidRewindTarget, rewindFromID)
	}
	return path, nil
}

func insertTurn(tx *gorm.DB, turn *Turn, parentID *string) error {
	if turn.NewChat != nil {
		if err := tx.Create(turn.NewChat).Error; err != nil {
			return fmt.Errorf("chat: create chat: %w", err)
		}
		turn.ChatID = turn.NewChat.ID
	} else if err := tx.Model(&models.Chat{}).Where("id = ?", turn.ChatID).Update("updated_at", time.Now()).Error; err != nil {
		return fmt.Errorf("chat: touch %s: %w", turn.ChatID, err)
	}

	turn.User.ChatID = turn.ChatID
	turn.User.Role = models.RoleUser
	turn.User.ResponseToMessageID = parentID
	turn.User.IsActiveInThread = true
	if err := tx.Create(&turn.User).Error; err != nil {
		return fmt.Errorf("chat: insert user message: %w", err)
	}

	userID := turn.User.ID
	turn.Assistant.ChatID = turn.ChatID
	turn.Assistant.Role = models.RoleAssistant
	turn.Assistant.ResponseToMessageID = &userID
	turn.Assistant.IsActiveInThread = true
	if err := tx.Create(&turn.Assistant).Error; err != nil {
		return fmt.Errorf("chat: insert assistant message: %w", err)
	}
	return nil
}
