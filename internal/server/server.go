// Package server exposes the chat, wallet and dialectic services as a JSON
// API over gin.
package server

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/tsylvester/paynless-framework-sub011/internal/chat"
	"github.com/tsylvester/paynless-framework-sub011/internal/dialectic"
	"github.com/tsylvester/paynless-framework-sub011/internal/wallet"
)

// shutdownTimeout bounds graceful shutdown.
const shutdownTimeout = 10 * time.Second

// Deps are the services the API serves.
type Deps struct {
	Chat      *chat.Service
	Ledger    *wallet.Ledger
	Dialectic *dialectic.Engine
	Auth      *Auth
	Logger    *slog.Logger // defaults to slog.Default()
}

func (d Deps) validate() error {
	switch {
	case d.Chat == nil:
		return fmt.Errorf("server: chat service is required")
	case d.Ledger == nil:
		return fmt.Errorf("server: ledger is required")
	case d.Dialectic == nil:
		return fmt.Errorf("server: dialectic engine is required")
	case d.Auth == nil:
		return fmt.Errorf("server: auth is required")
	}
	return nil
}

// StartOpts holds configuration for the API server.
type StartOpts struct {
	Deps Deps
	Port int
	Out  io.Writer
}

// NewRouter builds the gin engine with every API route registered.
func NewRouter(d Deps) (*gin.Engine, error) {
	if err := d.validate(); err != nil {
		return nil, err
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(d.Logger))
	registerRoutes(router, d)
	return router, nil
}

// Start launches the API server. It blocks until ctx is cancelled, then
// shuts down gracefully.
func Start(ctx context.Context, opts StartOpts) error {
	if opts.Port <= 0 {
		opts.Port = 8080
	}
	gin.SetMode(gin.ReleaseMode)
	router, err := NewRouter(opts.Deps)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", opts.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		srv.Shutdown(sctx)
	}()

	if opts.Out != nil {
		fmt.Fprintf(opts.Out, "API listening on http://localhost:%d\n", opts.Port)
	}

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: %w", err)
	}
	return nil
}

func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info("request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds())
	}
}
