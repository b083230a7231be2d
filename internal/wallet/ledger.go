// Package wallet owns token wallet balances and the append-only ledger of
// transactions that changes them.
package wallet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/tsylvester/paynless-framework-sub011/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DefaultCurrency tags wallets created without an explicit currency.
const DefaultCurrency = "AI_TOKEN"

var (
	// ErrWalletNotFound is returned when no wallet exists for a context or id.
	ErrWalletNotFound = errors.New("wallet: not found")
	// ErrInsufficientFunds is returned when a debit would make the balance
	// negative. The balance is left unchanged.
	ErrInsufficientFunds = errors.New("wallet: insufficient funds")
	// ErrIdempotencyConflict is returned when an idempotency key was already
	// used for a different wallet.
	ErrIdempotencyConflict = errors.New("wallet: idempotency key reused for another wallet")
)

// Context scopes a wallet to a user, or to an organization when
// OrganizationID is set.
type Context struct {
	UserID         string
	OrganizationID string
}

// Ledger reads and mutates wallets.
type Ledger struct {
	db       *gorm.DB
	currency string
	log      *slog.Logger
}

// LedgerOpts holds parameters for creating a Ledger.
type LedgerOpts struct {
	DB       *gorm.DB
	Currency string       // defaults to DefaultCurrency
	Logger   *slog.Logger // defaults to slog.Default()
}

// NewLedger creates a Ledger.
func NewLedger(opts LedgerOpts) (*Ledger, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("wallet: ledger: db is required")
	}
	currency := opts.Currency
	if currency == "" {
		currency = DefaultCurrency
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{db: opts.DB, currency: currency, log: logger}, nil
}

// GetWallet returns the wallet for wc, or ErrWalletNotFound.
func (l *Ledger) GetWallet(ctx context.Context, wc Context) (*models.TokenWallet, error) {
	if wc.UserID == "" {
		return nil, fmt.Errorf("wallet: user id is required")
	}
	var w models.TokenWallet
	err := l.db.WithContext(ctx).
		Where("user_id = ? AND organization_id = ?", wc.UserID, wc.OrganizationID).
		First(&w).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrWalletNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("wallet: get for user %s: %w", wc.UserID, err)
	}
	return &w, nil
}

// GetWalletByID returns the wallet with the given id, or ErrWalletNotFound.
func (l *Ledger) GetWalletByID(ctx context.Context, walletID string) (*models.TokenWallet, error) {
	var w models.TokenWallet
	err := l.db.WithContext(ctx).Where("id = ?", walletID).First(&w).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrWalletNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("wallet: get %s: %w", walletID, err)
	}
	return &w, nil
}

// GetOrCreateWallet returns the wallet for wc, creating an empty one on
// first use.
func (l *Ledger) GetOrCreateWallet(ctx context.Context, wc Context) (*models.TokenWallet, error) {
	w, err := l.GetWallet(ctx, wc)
	if err == nil || !errors.Is(err, ErrWalletNotFound) {
		return w, err
	}
	w = &models.TokenWallet{
		UserID:         wc.UserID,
		OrganizationID: wc.OrganizationID,
		Currency:       l.currency,
	}
	res := l.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(w)
	if res.Error != nil {
		return nil, fmt.Errorf("wallet: create for user %s: %w", wc.UserID, res.Error)
	}
	if res.RowsAffected == 0 {
		// Lost a creation race; the other writer's row wins.
		return l.GetWallet(ctx, wc)
	}
	l.log.Info("wallet created", "wallet_id", w.ID, "user_id", wc.UserID, "organization_id", wc.OrganizationID)
	return w, nil
}

// CheckBalance reports whether the wallet's balance covers amount.
func (l *Ledger) CheckBalance(ctx context.Context, walletID string, amount int64) (bool, error) {
	w, err := l.GetWalletByID(ctx, walletID)
	if err != nil {
		return false, err
	}
	return w.Balance >= amount, nil
}

// History lists a wallet's transactions, newest first.
func (l *Ledger) History(ctx context.Context, walletID string, limit, offset int) ([]models.TokenTransaction, error) {
	if limit <= 0 {
		limit = 50
	}
	var txs []models.TokenTransaction
	err := l.db.WithContext(ctx).
		Where("wallet_id = ?", walletID).
		Order("created_at DESC, id DESC").
		Limit(limit).Offset(offset).
		Find(&txs).Error
	if err != nil {
		return nil, fmt.Errorf("wallet: history %s: %w", walletID, err)
	}
	return txs, nil
}

// FindTransaction returns the transaction recorded under idempotencyKey, or
// nil when none exists.
func (l *Ledger) FindTransaction(ctx context.Context, idempotencyKey string) (*models.TokenTransaction, error) {
	return findByKey(l.db.WithContext(ctx), idempotencyKey)
}

func findByKey(db *gorm.DB, key string) (*models.TokenTransaction, error) {
	var tx models.TokenTransaction
	res := db.Where("idempotency_key = ?", key).Limit(1).Find(&tx)
	if res.Error != nil {
		return nil, fmt.Errorf("wallet: find transaction %s: %w", key, res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, nil
	}
	return &tx, nil
}
