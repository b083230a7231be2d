package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/tsylvester/paynless-framework-sub011/internal/chat"
	"github.com/tsylvester/paynless-framework-sub011/internal/models"
	"golang.org/x/term"
)

func newChatCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Metered chat commands",
	}

	cmd.AddCommand(newChatSendCmd())
	cmd.AddCommand(newChatListCmd())
	cmd.AddCommand(newChatHistoryCmd())
	return cmd
}

func newChatSendCmd() *cobra.Command {
	var (
		configPath string
		req        chat.TurnRequest
	)

	cmd := &cobra.Command{
		Use:   "send [message]",
		Short: "Send a message and debit the reply's cost",
		Long: `Sends one message to a model, charging the caller's wallet for the exact
tokens used. The message is read from stdin when no argument is given.
Use --chat to continue a thread and --rewind to branch from an earlier reply.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			msg, err := readMessage(cmd, args)
			if err != nil {
				return err
			}
			req.Message = msg
			return runChatSend(cmd, configPath, req)
		},
	}

	addConfigFlag(cmd, &configPath)
	addUserFlag(cmd, &req.UserID)
	cmd.Flags().StringVar(&req.OrganizationID, "org", "", "organization id whose wallet pays")
	cmd.Flags().StringVarP(&req.ProviderID, "provider", "p", "", "AI provider id or api identifier (required)")
	cmd.Flags().StringVar(&req.ChatID, "chat", "", "existing chat id (starts a new chat when empty)")
	cmd.Flags().StringVar(&req.RewindFromMessageID, "rewind", "", "assistant message id to branch from")
	cmd.Flags().StringVar(&req.SystemPrompt, "system", "", "system prompt")
	cmd.Flags().IntVar(&req.MaxTokens, "max-tokens", 0, "cap on reply tokens (0 lets the wallet decide)")
	cmd.Flags().StringVar(&req.IdempotencyKey, "key", "", "idempotency key for safe retries")
	cmd.MarkFlagRequired("provider")
	return cmd
}

// readMessage takes the message from args, or from piped stdin.
func readMessage(cmd *cobra.Command, args []string) (string, error) {
	if len(args) > 0 {
		return strings.Join(args, " "), nil
	}
	in := cmd.InOrStdin()
	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		return "", errors.New("message is required: pass it as an argument or pipe it on stdin")
	}
	data, err := io.ReadAll(in)
	if err != nil {
		return "", fmt.Errorf("read message from stdin: %w", err)
	}
	msg := strings.TrimSpace(string(data))
	if msg == "" {
		return "", errors.New("message is required: stdin was empty")
	}
	return msg, nil
}

func runChatSend(cmd *cobra.Command, configPath string, req chat.TurnRequest) error {
	out := cmd.OutOrStdout()

	svc, err := loadServices(configPath)
	if err != nil {
		return err
	}
	res, err := svc.chat.SendMessage(context.Background(), req)
	if res != nil {
		printTurn(out, res)
	}
	return err
}

func printTurn(out io.Writer, res *chat.TurnResult) {
	fmt.Fprintf(out, "%s %s\n", headerStyle.Render("chat"), idStyle.Render(res.ChatID))
	a := res.AssistantMessage
	if a.ErrorType != nil {
		fmt.Fprintf(out, "%s %s\n", failStyle.Render("error"), a.Content)
		return
	}
	fmt.Fprintln(out, a.Content)
	if tx := res.Transaction; tx != nil {
		note := ""
		if res.Replayed {
			note = " (replayed)"
		}
		fmt.Fprintf(out, "%s %s tokens, balance %s%s\n",
			idStyle.Render(a.ID), formatSigned(tx.Amount), okStyle.Render(formatTokenCount(tx.BalanceAfter)), note)
	}
}

func newChatListCmd() *cobra.Command {
	var (
		configPath string
		userID     string
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List a user's chats",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChatList(cmd, configPath, userID)
		},
	}

	addConfigFlag(cmd, &configPath)
	addUserFlag(cmd, &userID)
	return cmd
}

func runChatList(cmd *cobra.Command, configPath, userID string) error {
	out := cmd.OutOrStdout()

	svc, err := loadServices(configPath)
	if err != nil {
		return err
	}
	chats, err := svc.chat.Threads().ListChats(context.Background(), userID)
	if err != nil {
		return err
	}
	if len(chats) == 0 {
		fmt.Fprintln(out, "No chats.")
		return nil
	}
	for _, c := range chats {
		fmt.Fprintf(out, "%s  %s  %s\n",
			idStyle.Render(c.ID), dateStyle.Render(c.UpdatedAt.Format("2006-01-02 15:04")), c.Title)
	}
	return nil
}

func newChatHistoryCmd() *cobra.Command {
	var (
		configPath string
		userID     string
		chatID     string
		all        bool
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show a chat's active thread",
		Long:  "Prints the active thread of a chat from root to leaf. --all includes rewound branches.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChatHistory(cmd, configPath, userID, chatID, all)
		},
	}

	addConfigFlag(cmd, &configPath)
	addUserFlag(cmd, &userID)
	cmd.Flags().StringVar(&chatID, "chat", "", "chat id (required)")
	cmd.Flags().BoolVar(&all, "all", false, "include inactive messages")
	cmd.MarkFlagRequired("chat")
	return cmd
}

func runChatHistory(cmd *cobra.Command, configPath, userID, chatID string, all bool) error {
	out := cmd.OutOrStdout()
	ctx := context.Background()

	svc, err := loadServices(configPath)
	if err != nil {
		return err
	}
	threads := svc.chat.Threads()
	c, err := threads.GetChat(ctx, chatID)
	if err != nil {
		return err
	}
	if c.UserID != userID {
		return fmt.Errorf("chat %s belongs to another user", chatID)
	}

	if all {
		msgs, err := threads.History(ctx, chatID)
		if err != nil {
			return err
		}
		for _, m := range msgs {
			printMessage(out, m)
		}
		return nil
	}
	for m, err := range threads.ActivePath(ctx, chatID) {
		if err != nil {
			return err
		}
		printMessage(out, m)
	}
	return nil
}

func printMessage(out io.Writer, m models.ChatMessage) {
	role := headerStyle.Render(fmt.Sprintf("%-9s", m.Role))
	if m.ErrorType != nil {
		role = failStyle.Render(fmt.Sprintf("%-9s", m.Role))
	}
	marker := " "
	if !m.IsActiveInThread {
		marker = "~"
	}
	fmt.Fprintf(out, "%s %s %s %s\n", marker, role, idStyle.Render(m.ID), m.Content)
}
