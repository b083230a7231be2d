package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/tsylvester/paynless-framework-sub011/internal/ai"
	"github.com/tsylvester/paynless-framework-sub011/internal/apperr"
	"github.com/tsylvester/paynless-framework-sub011/internal/db"
	"github.com/tsylvester/paynless-framework-sub011/internal/models"
	"github.com/tsylvester/paynless-framework-sub011/internal/tokens"
	"github.com/tsylvester/paynless-framework-sub011/internal/wallet"
	"gorm.io/gorm"
)

// chatTitleLength is how much of the first message names a new chat.
const chatTitleLength = 50

// Gateway sends one message to a model.
type Gateway interface {
	SendMessage(ctx context.Context, req ai.Request, modelIdentifier string) (*ai.Response, error)
}

// Ledger is the subset of the wallet ledger a chat turn needs.
type Ledger interface {
	GetOrCreateWallet(ctx context.Context, wc wallet.Context) (*models.TokenWallet, error)
	CheckBalance(ctx context.Context, walletID string, amount int64) (bool, error)
	RecordTransaction(ctx context.Context, p wallet.RecordParams) (*models.TokenTransaction, error)
	FindTransaction(ctx context.Context, idempotencyKey string) (*models.TokenTransaction, error)
}

// TurnRequest is one user message sent to one model.
type TurnRequest struct {
	UserID         string
	OrganizationID string
	// ChatID is empty to start a new chat.
	ChatID     string
	Message    string
	ProviderID string
	// SystemPrompt is prepended to the provider context when set.
	SystemPrompt string
	// RewindFromMessageID branches the thread from an earlier assistant
	// message instead of the active leaf.
	RewindFromMessageID string
	// MaxTokens caps the reply; zero lets the wallet decide.
	MaxTokens int
	// IdempotencyKey makes a retried turn return the first result instead
	// of charging again. Generated when empty.
	IdempotencyKey string
	AuthToken      string
}

// TurnResult is the persisted outcome of a turn.
type TurnResult struct {
	ChatID           string
	UserMessage      models.ChatMessage
	AssistantMessage models.ChatMessage
	Transaction      *models.TokenTransaction
	Replayed         bool
}

// Service runs metered chat turns: estimate, pre-flight check, provider
// call, exact debit, persist.
type Service struct {
	db      *gorm.DB
	threads *Threads
	ledger  Ledger
	gateway Gateway
	log     *slog.Logger

	estimators sync.Map // tokens.Strategy -> *tokens.Estimator
}

// ServiceOpts holds parameters for creating a Service.
type ServiceOpts struct {
	DB      *gorm.DB
	Ledger  Ledger
	Gateway Gateway
	Logger  *slog.Logger // defaults to slog.Default()
}

// NewService creates a Service.
func NewService(opts ServiceOpts) (*Service, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("chat: service: db is required")
	}
	if opts.Ledger == nil {
		return nil, fmt.Errorf("chat: service: ledger is required")
	}
	if opts.Gateway == nil {
		return nil, fmt.Errorf("chat: service: gateway is required")
	}
	threads, _ := NewThreads(opts.DB)
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{db: opts.DB, threads: threads, ledger: opts.Ledger, gateway: opts.Gateway, log: logger}, nil
}

// Threads exposes the thread store for read paths.
func (s *Service) Threads() *Threads { return s.threads }

func (s *Service) estimator(st tokens.Strategy) (*tokens.Estimator, error) {
	if e, ok := s.estimators.Load(st); ok {
		return e.(*tokens.Estimator), nil
	}
	e, err := tokens.NewEstimator(st)
	if err != nil {
		return nil, err
	}
	actual, _ := s.estimators.LoadOrStore(st, e)
	return actual.(*tokens.Estimator), nil
}

func (r TurnRequest) validate() error {
	switch {
	case r.UserID == "":
		return apperr.Invalid("user id is required")
	case r.Message == "":
		return apperr.Invalid("message is required")
	case r.ProviderID == "":
		return apperr.Invalid("provider id is required")
	case r.RewindFromMessageID != "" && r.ChatID == "":
		return apperr.Invalid("rewind requires a chat id")
	case r.MaxTokens < 0:
		return apperr.Invalid("max tokens must not be negative")
	}
	return nil
}

// SendMessage runs one chat turn. Failures are *apperr.Error. On a provider
// failure the turn is still recorded, with an assistant error row, and the
// result is returned together with the error.
func (s *Service) SendMessage(ctx context.Context, req TurnRequest) (*TurnResult, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	provider, err := db.FindProvider(ctx, s.db, req.ProviderID)
	if errors.Is(err, db.ErrProviderNotFound) {
		return nil, apperr.NotFound(fmt.Sprintf("provider %s not found", req.ProviderID), err)
	}
	if err != nil {
		return nil, apperr.Internal("load provider", err)
	}
	if !provider.IsActive {
		return nil, apperr.Invalid(fmt.Sprintf("provider %s is not active", req.ProviderID))
	}

	w, err := s.ledger.GetOrCreateWallet(ctx, wallet.Context{UserID: req.UserID, OrganizationID: req.OrganizationID})
	if err != nil {
		return nil, apperr.Internal("load wallet", err)
	}

	if req.IdempotencyKey == "" {
		req.IdempotencyKey = uuid.NewString()
	} else if res, err := s.replay(ctx, req.IdempotencyKey); res != nil || err != nil {
		return res, err
	}

	turn := &Turn{ChatID: req.ChatID}
	var parentID *string
	var history []models.ChatMessage
	if req.ChatID == "" {
		turn.NewChat = &models.Chat{
			ID:             uuid.NewString(),
			UserID:         req.UserID,
			OrganizationID: req.OrganizationID,
			Title:          titleFrom(req.Message),
		}
		turn.ChatID = turn.NewChat.ID
	} else {
		c, err := s.threads.GetChat(ctx, req.ChatID)
		if errors.Is(err, ErrChatNotFound) {
			return nil, apperr.NotFound(fmt.Sprintf("chat %s not found", req.ChatID), err)
		}
		if err != nil {
			return nil, apperr.Internal("load chat", err)
		}
		if c.UserID != req.UserID {
			return nil, apperr.Forbidden(fmt.Sprintf("chat %s belongs to another user", req.ChatID))
		}
		if req.RewindFromMessageID != "" {
			history, err = s.threads.ValidateRewindTarget(ctx, req.ChatID, req.RewindFromMessageID)
			if errors.Is(err, ErrInvalidRewindTarget) {
				return nil, apperr.Invalid(err.Error())
			}
			if err != nil {
				return nil, apperr.Internal("load rewind history", err)
			}
			parentID = &req.RewindFromMessageID
		} else {
			history, err = s.threads.ActiveMessages(ctx, req.ChatID)
			if err != nil {
				return nil, apperr.Internal("load active thread", err)
			}
			if n := len(history); n > 0 {
				parentID = &history[n-1].ID
			}
		}
	}

	msgs := buildContext(history, req.Message)

	est, err := s.estimator(tokens.StrategyFromProvider(*provider))
	if err != nil {
		return nil, apperr.Internal("configure token estimator", err)
	}
	countable := make([]tokens.Message, 0, len(msgs)+1)
	if req.SystemPrompt != "" {
		countable = append(countable, tokens.Message{Role: models.RoleSystem, Content: req.SystemPrompt})
	}
	for _, m := range msgs {
		countable = append(countable, tokens.Message{Role: m.Role, Content: m.Content})
	}
	promptTokens, err := est.EstimateMessages(countable)
	if err != nil {
		return nil, apperr.Internal("estimate prompt tokens", err)
	}
	if provider.ProviderMaxInputTokens > 0 && promptTokens > provider.ProviderMaxInputTokens {
		return nil, apperr.PromptTooLong(fmt.Sprintf("prompt is %d tokens, model accepts %d", promptTokens, provider.ProviderMaxInputTokens))
	}

	rates := tokens.RatesFromProvider(*provider)
	estimated := tokens.EstimateCost(promptTokens, 0, rates)
	ok, err := s.ledger.CheckBalance(ctx, w.ID, estimated)
	if err != nil {
		return nil, apperr.Internal("check balance", err)
	}
	maxOut, err := tokens.MaxOutputTokens(w.Balance, promptTokens, rates)
	if err != nil {
		return nil, apperr.Internal("compute output budget", err)
	}
	if !ok || maxOut < 1 {
		return nil, apperr.InsufficientFunds(fmt.Sprintf("balance %d cannot cover estimated cost %d", w.Balance, estimated), wallet.ErrInsufficientFunds)
	}
	if req.MaxTokens > 0 && req.MaxTokens < maxOut {
		maxOut = req.MaxTokens
	}

	userID := req.UserID
	providerID := provider.ID
	turn.User = models.ChatMessage{UserID: &userID, Content: req.Message}
	turn.Assistant = models.ChatMessage{ID: uuid.NewString(), AIProviderID: &providerID}

	resp, err := s.gateway.SendMessage(ctx, ai.Request{
		Messages:     msgs,
		SystemPrompt: req.SystemPrompt,
		MaxTokens:    maxOut,
		ChatID:       turn.ChatID,
		AuthToken:    req.AuthToken,
	}, provider.APIIdentifier)
	if err != nil {
		return s.recordProviderFailure(ctx, turn, parentID, req, err)
	}
	if !tokens.ValidUsage(resp.Usage) {
		s.log.Warn("provider returned no usable token usage", "provider", provider.APIIdentifier, "chat_id", turn.ChatID)
		return nil, apperr.Provider(apperr.CodeInvalidUsage, "provider response did not include token usage", nil)
	}

	usage := *resp.Usage
	if req.MaxTokens == 0 {
		usage = tokens.ApplyHardCap(usage, provider.HardCapOutputTokens)
	}
	turn.Assistant.Content = resp.Content
	turn.Assistant.SetUsage(&usage)

	var debit *models.TokenTransaction
	if cost := tokens.Cost(usage, rates); cost > 0 {
		debit, err = s.ledger.RecordTransaction(ctx, wallet.RecordParams{
			WalletID:          w.ID,
			Type:              models.TxDebitUsage,
			Amount:            cost,
			IdempotencyKey:    req.IdempotencyKey,
			RecordedByUserID:  req.UserID,
			RelatedEntityID:   turn.Assistant.ID,
			RelatedEntityType: "chat_message",
			Notes:             fmt.Sprintf("chat %s via %s", turn.ChatID, provider.APIIdentifier),
		})
		if errors.Is(err, wallet.ErrInsufficientFunds) {
			return nil, apperr.InsufficientFunds(fmt.Sprintf("actual cost %d exceeds balance", cost), err)
		}
		if errors.Is(err, wallet.ErrIdempotencyConflict) {
			return nil, apperr.Conflict(fmt.Sprintf("idempotency key %s was used for another wallet", req.IdempotencyKey))
		}
		if err != nil {
			return nil, apperr.Internal("debit wallet", err)
		}
		// A concurrent turn with the same key paid first; the ledger handed
		// back its transaction, so this turn must not be saved.
		if debit.RelatedEntityID == nil || *debit.RelatedEntityID != turn.Assistant.ID {
			s.log.Warn("idempotency key already charged by another turn",
				"idempotency_key", req.IdempotencyKey, "transaction_id", debit.ID)
			return s.replayTransaction(ctx, debit)
		}
	}

	if err := s.persist(ctx, turn, parentID, req.RewindFromMessageID); err != nil {
		txID := ""
		if debit != nil {
			txID = debit.ID
		}
		s.log.Error("CRITICAL: wallet debited but chat turn not saved",
			"wallet_id", w.ID, "transaction_id", txID, "chat_id", turn.ChatID, "error", err)
		return nil, apperr.Critical(apperr.CodePersistAfterDebit,
			fmt.Sprintf("the AI response was paid for (transaction %s) but could not be saved; contact support", txID), err)
	}

	s.log.Info("chat turn complete", "chat_id", turn.ChatID, "provider", provider.APIIdentifier,
		"prompt_tokens", usage.PromptTokens, "completion_tokens", usage.CompletionTokens, "rewind", req.RewindFromMessageID != "")
	return &TurnResult{
		ChatID:           turn.ChatID,
		UserMessage:      turn.User,
		AssistantMessage: turn.Assistant,
		Transaction:      debit,
	}, nil
}

func (s *Service) persist(ctx context.Context, turn *Turn, parentID *string, rewindFromID string) error {
	if rewindFromID != "" {
		return s.threads.Rewind(ctx, turn, rewindFromID)
	}
	return s.threads.Append(ctx, turn, parentID)
}

// recordProviderFailure saves the user message and an assistant error row
// so the thread shows the failed attempt. Nothing is debited.
func (s *Service) recordProviderFailure(ctx context.Context, turn *Turn, parentID *string, req TurnRequest, cause error) (*TurnResult, error) {
	failure := providerFailure(cause)
	errType := models.ErrorTypeAIProvider
	turn.Assistant.Content = "AI service request failed: " + cause.Error()
	turn.Assistant.ErrorType = &errType

	if err := s.persist(ctx, turn, parentID, req.RewindFromMessageID); err != nil {
		s.log.Error("failed to record provider error in thread", "chat_id", turn.ChatID, "error", err)
		return nil, failure
	}
	s.log.Warn("provider call failed", "chat_id", turn.ChatID, "provider", req.ProviderID,
		"status", failure.Status, "code", failure.Code, "error", cause)
	return &TurnResult{
		ChatID:           turn.ChatID,
		UserMessage:      turn.User,
		AssistantMessage: turn.Assistant,
	}, failure
}

// providerFailure carries the provider's own status and code when the
// gateway reported a *ai.ProviderError.
func providerFailure(cause error) *apperr.Error {
	var pe *ai.ProviderError
	if !errors.As(cause, &pe) {
		return apperr.Provider(apperr.CodeProviderError, cause.Error(), cause)
	}
	msg := pe.Message
	if msg == "" {
		msg = "AI provider request failed"
	}
	return apperr.New(apperr.KindProvider, pe.HTTPStatus(), pe.ErrorCode(), msg, cause)
}

// replay returns the stored turn when idempotencyKey already paid for one.
func (s *Service) replay(ctx context.Context, idempotencyKey string) (*TurnResult, error) {
	tx, err := s.ledger.FindTransaction(ctx, idempotencyKey)
	if err != nil {
		return nil, apperr.Internal("look up idempotency key", err)
	}
	if tx == nil {
		return nil, nil
	}
	return s.replayTransaction(ctx, tx)
}

// replayTransaction loads the turn a debit paid for.
func (s *Service) replayTransaction(ctx context.Context, tx *models.TokenTransaction) (*TurnResult, error) {
	if tx.RelatedEntityID == nil || tx.RelatedEntityType == nil || *tx.RelatedEntityType != "chat_message" {
		return nil, apperr.Conflict(fmt.Sprintf("idempotency key %s was used for another operation", tx.IdempotencyKey))
	}

	var assistant models.ChatMessage
	res := s.db.WithContext(ctx).Where("id = ?", *tx.RelatedEntityID).Limit(1).Find(&assistant)
	if res.Error != nil {
		return nil, apperr.Internal("load replayed message", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, apperr.Critical(apperr.CodePersistAfterDebit,
			fmt.Sprintf("turn was paid for (transaction %s) but its message was never saved; contact support", tx.ID), nil)
	}
	var user models.ChatMessage
	if assistant.ResponseToMessageID != nil {
		if err := s.db.WithContext(ctx).Where("id = ?", *assistant.ResponseToMessageID).First(&user).Error; err != nil {
			return nil, apperr.Internal("load replayed user message", err)
		}
	}
	return &TurnResult{
		ChatID:           assistant.ChatID,
		UserMessage:      user,
		AssistantMessage: assistant,
		Transaction:      tx,
		Replayed:         true,
	}, nil
}

// buildContext turns thread history into provider messages, skipping rows
// that record provider errors, and appends the new user message.
func buildContext(history []models.ChatMessage, message string) []ai.Message {
	msgs := make([]ai.Message, 0, len(history)+1)
	for _, m := range history {
		if m.ErrorType != nil {
			continue
		}
		msgs = append(msgs, ai.Message{Role: m.Role, Content: m.Content})
	}
	return append(msgs, ai.Message{Role: models.RoleUser, Content: message})
}

func titleFrom(message string) string {
	r := []rune(message)
	if len(r) > chatTitleLength {
		return string(r[:chatTitleLength])
	}
	return message
}
