package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Transaction types recorded in the token ledger.
const (
	TxDebitUsage       = "DEBIT_USAGE"
	TxDebitAdjustment  = "DEBIT_ADJUSTMENT"
	TxCreditPurchase   = "CREDIT_PURCHASE"
	TxCreditRefund     = "CREDIT_REFUND"
	TxCreditAdjustment = "CREDIT_ADJUSTMENT"
)

// TokenWallet is a prepaid token balance scoped to a user or to an
// organization. An empty OrganizationID denotes a personal wallet.
type TokenWallet struct {
	ID             string `gorm:"primaryKey;size:36"`
	UserID         string `gorm:"size:64;not null;uniqueIndex:idx_wallet_context"`
	OrganizationID string `gorm:"size:64;uniqueIndex:idx_wallet_context"`
	Balance        int64  `gorm:"not null;default:0"`
	Currency       string `gorm:"size:16;not null"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// BeforeCreate assigns a UUID when none was set.
func (w *TokenWallet) BeforeCreate(*gorm.DB) error {
	if w.ID == "" {
		w.ID = uuid.NewString()
	}
	return nil
}

// TokenTransaction is an immutable ledger entry. Amount is signed: debits
// are negative.
type TokenTransaction struct {
	ID                string    `gorm:"primaryKey;size:36"`
	WalletID          string    `gorm:"size:36;not null;index"`
	Type              string    `gorm:"size:32;not null"`
	Amount            int64     `gorm:"not null"`
	BalanceAfter      int64     `gorm:"not null"`
	IdempotencyKey    string    `gorm:"size:128;not null;uniqueIndex"`
	RecordedByUserID  string    `gorm:"size:64"`
	RelatedEntityID   *string   `gorm:"size:64"`
	RelatedEntityType *string   `gorm:"size:32"`
	Notes             string    `gorm:"type:text"`
	CreatedAt         time.Time `gorm:"index"`
}

// BeforeCreate assigns a UUID when none was set.
func (t *TokenTransaction) BeforeCreate(*gorm.DB) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	return nil
}
