package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/tsylvester/paynless-framework-sub011/internal/server"
	"github.com/tsylvester/paynless-framework-sub011/internal/wallet"
)

func newServeCmd() *cobra.Command {
	var (
		configPath string
		port       int
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the JSON API server",
		Long:  "Serves the chat, wallet and dialectic operations over HTTP with bearer token auth.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, configPath, port)
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().IntVarP(&port, "port", "p", 0, "port to listen on (default from config)")
	cmd.AddCommand(newServeTokenCmd())
	return cmd
}

func runServe(cmd *cobra.Command, configPath string, port int) error {
	svc, err := loadServices(configPath)
	if err != nil {
		return err
	}
	auth, err := server.NewAuth(svc.cfg.Server.JWTSecret)
	if err != nil {
		return err
	}
	if port == 0 {
		port = svc.cfg.Server.Port
	}
	auditCron := svc.cfg.Wallet.AuditCron
	if auditCron != "" {
		if _, err := wallet.ParseSchedule(auditCron); err != nil {
			return err
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		fmt.Fprintf(cmd.OutOrStdout(), "\nReceived %s, shutting down...\n", sig)
		cancel()
	}()

	if auditCron != "" {
		fmt.Fprintf(cmd.OutOrStdout(), "Wallet audit scheduled: %s\n", auditCron)
		go svc.ledger.RunAudits(ctx, auditCron, auditReporter(svc.sink))
	}

	return server.Start(ctx, server.StartOpts{
		Deps: server.Deps{
			Chat:      svc.chat,
			Ledger:    svc.ledger,
			Dialectic: svc.dialectic,
			Auth:      auth,
		},
		Port: port,
		Out:  cmd.OutOrStdout(),
	})
}

func newServeTokenCmd() *cobra.Command {
	var (
		configPath string
		userID     string
		ttl        time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for a user",
		Long:  "Signs a bearer token with the configured server secret, for local testing of the API.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServeToken(cmd, configPath, userID, ttl)
		},
	}

	addConfigFlag(cmd, &configPath)
	addUserFlag(cmd, &userID)
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}

func runServeToken(cmd *cobra.Command, configPath, userID string, ttl time.Duration) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	auth, err := server.NewAuth(cfg.Server.JWTSecret)
	if err != nil {
		return err
	}
	token, err := auth.IssueToken(userID, ttl)
	if err != nil {
		return fmt.Errorf("issue token: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), token)
	return nil
}
