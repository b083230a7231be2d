package wallet

import (
	"context"
	"errors"
	"fmt"

	"github.com/tsylvester/paynless-framework-sub011/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// debitTypes are the transaction types that reduce a balance.
var debitTypes = map[string]bool{
	models.TxDebitUsage:      true,
	models.TxDebitAdjustment: true,
}

// creditTypes are the transaction types that increase a balance.
var creditTypes = map[string]bool{
	models.TxCreditPurchase:   true,
	models.TxCreditRefund:     true,
	models.TxCreditAdjustment: true,
}

// RecordParams describes one ledger entry. Amount is a positive magnitude;
// the sign is derived from Type.
type RecordParams struct {
	WalletID          string
	Type              string
	Amount            int64
	IdempotencyKey    string
	RecordedByUserID  string
	RelatedEntityID   string
	RelatedEntityType string
	Notes             string
}

func (p RecordParams) validate() error {
	if p.WalletID == "" {
		return fmt.Errorf("wallet: wallet id is required")
	}
	if p.IdempotencyKey == "" {
		return fmt.Errorf("wallet: idempotency key is required")
	}
	if !debitTypes[p.Type] && !creditTypes[p.Type] {
		return fmt.Errorf("wallet: invalid transaction type %q", p.Type)
	}
	if p.Amount <= 0 {
		return fmt.Errorf("wallet: amount must be positive, got %d", p.Amount)
	}
	return nil
}

func (p RecordParams) signedAmount() int64 {
	if debitTypes[p.Type] {
		return -p.Amount
	}
	return p.Amount
}

// RecordTransaction applies a debit or credit atomically: it locks the
// wallet row, rejects a result below zero with ErrInsufficientFunds, inserts
// the transaction and updates the balance. A second call with the same
// idempotency key returns the original transaction without changing the
// balance.
func (l *Ledger) RecordTransaction(ctx context.Context, p RecordParams) (*models.TokenTransaction, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}

	var recorded *models.TokenTransaction
	replayed := false
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, err := findByKey(tx, p.IdempotencyKey)
		if err != nil {
			return err
		}
		if existing != nil {
			if existing.WalletID != p.WalletID {
				return ErrIdempotencyConflict
			}
			recorded, replayed = existing, true
			return nil
		}

		var w models.TokenWallet
		err = tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", p.WalletID).First(&w).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrWalletNotFound
		}
		if err != nil {
			return fmt.Errorf("wallet: lock %s: %w", p.WalletID, err)
		}

		newBalance := w.Balance + p.signedAmount()
		if newBalance < 0 {
			return fmt.Errorf("%w: balance %d, debit %d", ErrInsufficientFunds, w.Balance, p.Amount)
		}

		// The balance guard keeps the update correct on drivers that ignore
		// FOR UPDATE.
		res := tx.Model(&models.TokenWallet{}).
			Where("id = ? AND balance = ?", w.ID, w.Balance).
			Update("balance", newBalance)
		if res.Error != nil {
			return fmt.Errorf("wallet: update balance %s: %w", w.ID, res.Error)
		}
		if res.RowsAffected != 1 {
			return fmt.Errorf("wallet: balance of %s changed concurrently", w.ID)
		}

		entry := models.TokenTransaction{
			WalletID:         w.ID,
			Type:             p.Type,
			Amount:           p.signedAmount(),
			BalanceAfter:     newBalance,
			IdempotencyKey:   p.IdempotencyKey,
			RecordedByUserID: p.RecordedByUserID,
			Notes:            p.Notes,
		}
		if p.RelatedEntityID != "" {
			entry.RelatedEntityID = &p.RelatedEntityID
		}
		if p.RelatedEntityType != "" {
			entry.RelatedEntityType = &p.RelatedEntityType
		}
		if err := tx.Create(&entry).Error; err != nil {
			return fmt.Errorf("wallet: insert transaction: %w", err)
		}
		recorded = &entry
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrInsufficientFunds) || errors.Is(err, ErrWalletNotFound) || errors.Is(err, ErrIdempotencyConflict) {
			return nil, err
		}
		// A concurrent call with the same key may have won the unique index.
		if existing, ferr := l.FindTransaction(ctx, p.IdempotencyKey); ferr == nil && existing != nil && existing.WalletID == p.WalletID {
			return existing, nil
		}
		return nil, err
	}

	if replayed {
		l.log.Info("wallet transaction replayed", "wallet_id", p.WalletID, "idempotency_key", p.IdempotencyKey, "transaction_id", recorded.ID)
	} else {
		l.log.Info("wallet transaction recorded", "wallet_id", p.WalletID, "type", p.Type,
			"amount", recorded.Amount, "balance_after", recorded.BalanceAfter, "transaction_id", recorded.ID)
	}
	return recorded, nil
}
