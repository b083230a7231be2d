package server

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/tsylvester/paynless-framework-sub011/internal/apperr"
	"github.com/tsylvester/paynless-framework-sub011/internal/chat"
	"github.com/tsylvester/paynless-framework-sub011/internal/dialectic"
	"github.com/tsylvester/paynless-framework-sub011/internal/wallet"
)

// registerRoutes sets up all API routes on the gin router.
func registerRoutes(router *gin.Engine, d Deps) {
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/api", d.Auth.requireUser())

	api.POST("/chat", handleSendMessage(d.Chat))
	api.GET("/chats", handleListChats(d.Chat))
	api.GET("/chats/:id/messages", handleChatMessages(d.Chat))

	api.GET("/wallet", handleWallet(d.Ledger))
	api.GET("/wallet/transactions", handleWalletTransactions(d.Ledger))

	api.POST("/dialectic/sessions", handleStartSession(d.Dialectic))
	api.POST("/dialectic/sessions/:id/generate", handleGenerate(d.Dialectic))
	api.POST("/dialectic/sessions/:id/advance", handleAdvance(d.Dialectic))
	api.GET("/dialectic/sessions/:id/stages", handleStages(d.Dialectic))
}

func userID(c *gin.Context) string    { return c.GetString(ctxUserID) }
func authToken(c *gin.Context) string { return c.GetString(ctxAuthToken) }

func bindJSON(c *gin.Context, v any) bool {
	if err := c.ShouldBindJSON(v); err != nil {
		writeError(c, apperr.Invalid("invalid request body: "+err.Error()))
		return false
	}
	return true
}

type sendMessageRequest struct {
	Message             string `json:"message" binding:"required"`
	ProviderID          string `json:"provider_id" binding:"required"`
	ChatID              string `json:"chat_id"`
	OrganizationID      string `json:"organization_id"`
	SystemPrompt        string `json:"system_prompt"`
	RewindFromMessageID string `json:"rewind_from_message_id"`
	MaxTokens           int    `json:"max_tokens"`
	IdempotencyKey      string `json:"idempotency_key"`
}

func handleSendMessage(svc *chat.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req sendMessageRequest
		if !bindJSON(c, &req) {
			return
		}
		res, err := svc.SendMessage(c.Request.Context(), chat.TurnRequest{
			UserID:              userID(c),
			OrganizationID:      req.OrganizationID,
			ChatID:              req.ChatID,
			Message:             req.Message,
			ProviderID:          req.ProviderID,
			SystemPrompt:        req.SystemPrompt,
			RewindFromMessageID: req.RewindFromMessageID,
			MaxTokens:           req.MaxTokens,
			IdempotencyKey:      req.IdempotencyKey,
			AuthToken:           authToken(c),
		})
		if err != nil {
			if res != nil {
				writeErrorWithResult(c, err, res)
				return
			}
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, res)
	}
}

func handleListChats(svc *chat.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		chats, err := svc.Threads().ListChats(c.Request.Context(), userID(c))
		if err != nil {
			writeError(c, apperr.Internal("list chats", err))
			return
		}
		c.JSON(http.StatusOK, gin.H{"chats": chats})
	}
}

// handleChatMessages returns the active thread, or every message with
// ?all=true.
func handleChatMessages(svc *chat.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		threads := svc.Threads()
		ch, err := threads.GetChat(ctx, c.Param("id"))
		if errors.Is(err, chat.ErrChatNotFound) {
			writeError(c, apperr.NotFound("chat not found", err))
			return
		}
		if err != nil {
			writeError(c, apperr.Internal("load chat", err))
			return
		}
		if ch.UserID != userID(c) {
			writeError(c, apperr.Forbidden("chat belongs to another user"))
			return
		}
		load := threads.ActiveMessages
		if c.Query("all") == "true" {
			load = threads.History
		}
		msgs, err := load(ctx, ch.ID)
		if err != nil {
			writeError(c, apperr.Internal("load messages", err))
			return
		}
		c.JSON(http.StatusOK, gin.H{"chat": ch, "messages": msgs})
	}
}

func handleWallet(l *wallet.Ledger) gin.HandlerFunc {
	return func(c *gin.Context) {
		w, err := l.GetOrCreateWallet(c.Request.Context(), wallet.Context{UserID: userID(c), OrganizationID: c.Query("organization_id")})
		if err != nil {
			writeError(c, apperr.Internal("load wallet", err))
			return
		}
		c.JSON(http.StatusOK, w)
	}
}

func handleWalletTransactions(l *wallet.Ledger) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
		offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
		w, err := l.GetOrCreateWallet(ctx, wallet.Context{UserID: userID(c), OrganizationID: c.Query("organization_id")})
		if err != nil {
			writeError(c, apperr.Internal("load wallet", err))
			return
		}
		txs, err := l.History(ctx, w.ID, limit, offset)
		if err != nil {
			writeError(c, apperr.Internal("load transactions", err))
			return
		}
		c.JSON(http.StatusOK, gin.H{"wallet_id": w.ID, "transactions": txs})
	}
}

type startSessionRequest struct {
	ProjectID          string   `json:"project_id"`
	ProjectName        string   `json:"project_name"`
	InitialUserPrompt  string   `json:"initial_user_prompt"`
	ProcessTemplate    string   `json:"process_template"`
	SessionDescription string   `json:"session_description"`
	SelectedModelIDs   []string `json:"selected_model_ids"`
	AssociatedChatID   string   `json:"associated_chat_id"`
}

func handleStartSession(e *dialectic.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req startSessionRequest
		if !bindJSON(c, &req) {
			return
		}
		s, err := e.StartSession(c.Request.Context(), dialectic.StartParams{
			UserID:             userID(c),
			ProjectID:          req.ProjectID,
			ProjectName:        req.ProjectName,
			InitialUserPrompt:  req.InitialUserPrompt,
			ProcessTemplate:    req.ProcessTemplate,
			SessionDescription: req.SessionDescription,
			SelectedModelIDs:   req.SelectedModelIDs,
			AssociatedChatID:   req.AssociatedChatID,
		})
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusCreated, s)
	}
}

type generateRequest struct {
	StageSlug        string   `json:"stage_slug" binding:"required"`
	IterationNumber  int      `json:"iteration_number"`
	SelectedModelIDs []string `json:"selected_model_ids"`
}

// handleGenerate answers 200 when at least one model succeeded; the
// failures list carries the rest.
func handleGenerate(e *dialectic.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req generateRequest
		if !bindJSON(c, &req) {
			return
		}
		res, err := e.GenerateContributions(c.Request.Context(), dialectic.GenerateParams{
			SessionID:        c.Param("id"),
			StageSlug:        req.StageSlug,
			IterationNumber:  req.IterationNumber,
			SelectedModelIDs: req.SelectedModelIDs,
			UserID:           userID(c),
			AuthToken:        authToken(c),
		})
		if err != nil {
			if res != nil {
				writeErrorWithResult(c, err, res)
				return
			}
			writeError(c, err)
			return
		}
		if res.Failures == nil {
			res.Failures = []dialectic.ModelFailure{}
		}
		c.JSON(http.StatusOK, res)
	}
}

type advanceRequest struct {
	Feedback string `json:"feedback"`
}

func handleAdvance(e *dialectic.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req advanceRequest
		if c.Request.ContentLength > 0 && !bindJSON(c, &req) {
			return
		}
		s, err := e.AdvanceStage(c.Request.Context(), dialectic.AdvanceParams{
			SessionID: c.Param("id"),
			UserID:    userID(c),
			Feedback:  req.Feedback,
		})
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, s)
	}
}

func handleStages(e *dialectic.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		stages, err := e.NavigableStages(c.Request.Context(), c.Param("id"), userID(c))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"stages": stages})
	}
}
