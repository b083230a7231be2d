package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/tsylvester/paynless-framework-sub011/internal/models"
	"github.com/tsylvester/paynless-framework-sub011/internal/wallet"
)

func newWalletCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "wallet",
		Short: "Token wallet commands",
	}

	cmd.AddCommand(newWalletBalanceCmd())
	cmd.AddCommand(newWalletCreditCmd())
	cmd.AddCommand(newWalletHistoryCmd())
	cmd.AddCommand(newWalletAuditCmd())
	return cmd
}

// walletFlags are shared by every wallet subcommand.
type walletFlags struct {
	configPath string
	userID     string
	orgID      string
}

func (f *walletFlags) register(cmd *cobra.Command) {
	addConfigFlag(cmd, &f.configPath)
	addUserFlag(cmd, &f.userID)
	cmd.Flags().StringVar(&f.orgID, "org", "", "organization id (personal wallet when empty)")
}

func (f *walletFlags) context() wallet.Context {
	return wallet.Context{UserID: f.userID, OrganizationID: f.orgID}
}

func newWalletBalanceCmd() *cobra.Command {
	var f walletFlags

	cmd := &cobra.Command{
		Use:   "balance",
		Short: "Show a wallet balance",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWalletBalance(cmd, f)
		},
	}

	f.register(cmd)
	return cmd
}

func runWalletBalance(cmd *cobra.Command, f walletFlags) error {
	svc, err := loadServices(f.configPath)
	if err != nil {
		return err
	}
	w, err := svc.ledger.GetOrCreateWallet(context.Background(), f.context())
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s %s %s\n",
		idStyle.Render(w.ID), okStyle.Render(formatTokenCount(w.Balance)), w.Currency)
	return nil
}

func newWalletCreditCmd() *cobra.Command {
	var (
		f       walletFlags
		txType  string
		key     string
		notes   string
		actorID string
	)

	cmd := &cobra.Command{
		Use:   "credit <amount>",
		Short: "Credit tokens to a wallet",
		Long:  "Records a credit in the ledger. Re-running with the same --key is a no-op.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil || amount <= 0 {
				return fmt.Errorf("amount must be a positive integer, got %q", args[0])
			}
			return runWalletCredit(cmd, f, wallet.RecordParams{
				Type:             txType,
				Amount:           amount,
				IdempotencyKey:   key,
				RecordedByUserID: actorID,
				Notes:            notes,
			})
		},
	}

	f.register(cmd)
	cmd.Flags().StringVar(&txType, "type", models.TxCreditPurchase, "transaction type (CREDIT_PURCHASE, CREDIT_REFUND, CREDIT_ADJUSTMENT)")
	cmd.Flags().StringVar(&key, "key", "", "idempotency key (generated when empty)")
	cmd.Flags().StringVar(&notes, "notes", "", "free-form notes stored with the transaction")
	cmd.Flags().StringVar(&actorID, "by", "", "user id recording the transaction (defaults to --user)")
	return cmd
}

func runWalletCredit(cmd *cobra.Command, f walletFlags, p wallet.RecordParams) error {
	switch p.Type {
	case models.TxCreditPurchase, models.TxCreditRefund, models.TxCreditAdjustment:
	default:
		return fmt.Errorf("transaction type %q is not a credit", p.Type)
	}
	if p.IdempotencyKey == "" {
		p.IdempotencyKey = "cli-credit-" + uuid.NewString()
	}
	if p.RecordedByUserID == "" {
		p.RecordedByUserID = f.userID
	}

	svc, err := loadServices(f.configPath)
	if err != nil {
		return err
	}
	ctx := context.Background()
	w, err := svc.ledger.GetOrCreateWallet(ctx, f.context())
	if err != nil {
		return err
	}
	p.WalletID = w.ID

	tx, err := svc.ledger.RecordTransaction(ctx, p)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Recorded %s %s (balance %s)\n",
		tx.Type, okStyle.Render(formatSigned(tx.Amount)), formatTokenCount(tx.BalanceAfter))
	return nil
}

func newWalletHistoryCmd() *cobra.Command {
	var (
		f      walletFlags
		limit  int
		offset int
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List wallet transactions, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWalletHistory(cmd, f, limit, offset)
		},
	}

	f.register(cmd)
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum transactions to list")
	cmd.Flags().IntVar(&offset, "offset", 0, "transactions to skip")
	return cmd
}

func runWalletHistory(cmd *cobra.Command, f walletFlags, limit, offset int) error {
	out := cmd.OutOrStdout()

	svc, err := loadServices(f.configPath)
	if err != nil {
		return err
	}
	ctx := context.Background()
	w, err := svc.ledger.GetOrCreateWallet(ctx, f.context())
	if err != nil {
		return err
	}
	txs, err := svc.ledger.History(ctx, w.ID, limit, offset)
	if err != nil {
		return err
	}
	if len(txs) == 0 {
		fmt.Fprintln(out, "No transactions.")
		return nil
	}

	fmt.Fprintln(out, headerStyle.Render(fmt.Sprintf("%-19s  %-17s  %10s  %10s  %s", "TIME", "TYPE", "AMOUNT", "BALANCE", "NOTES")))
	for _, tx := range txs {
		amount := formatSigned(tx.Amount)
		style := okStyle
		if tx.Amount < 0 {
			style = failStyle
		}
		fmt.Fprintf(out, "%s  %-17s  %s  %10s  %s\n",
			dateStyle.Render(tx.CreatedAt.Format("2006-01-02 15:04:05")),
			tx.Type,
			style.Render(fmt.Sprintf("%10s", amount)),
			formatTokenCount(tx.BalanceAfter),
			truncate(tx.Notes, 40))
	}
	return nil
}

func newWalletAuditCmd() *cobra.Command {
	var (
		configPath string
		post       bool
	)

	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Check every wallet balance against its transactions",
		Long: `Sums each wallet's transactions and compares the total with the stored
balance. Exits non-zero when any wallet has drifted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWalletAudit(cmd, configPath, post)
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().BoolVar(&post, "notify", false, "also post the result to the configured notify sinks")
	return cmd
}

func runWalletAudit(cmd *cobra.Command, configPath string, post bool) error {
	svc, err := loadServices(configPath)
	if err != nil {
		return err
	}
	ctx := context.Background()
	r, err := svc.ledger.Audit(ctx)
	if err != nil {
		return err
	}
	printAudit(cmd.OutOrStdout(), r)
	if post {
		auditReporter(svc.sink)(ctx, r)
	}
	if len(r.Drift) > 0 {
		return fmt.Errorf("%d wallets drifted from their ledgers", len(r.Drift))
	}
	return nil
}
