package wallet

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/tsylvester/paynless-framework-sub011/internal/models"
)

// cronParser accepts standard 5-field cron expressions (minute, hour, dom,
// month, dow) and descriptors such as "@hourly" or "@every 30m".
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Drift is a wallet whose balance disagrees with the sum of its
// transactions.
type Drift struct {
	WalletID  string
	Balance   int64
	LedgerSum int64
}

// AuditReport is the outcome of one ledger audit.
type AuditReport struct {
	Checked int
	Drift   []Drift
}

// Audit compares every wallet's balance with the signed sum of its
// transactions. Wallets only change through RecordTransaction, so any
// difference means the balance was written some other way.
func (l *Ledger) Audit(ctx context.Context) (*AuditReport, error) {
	var sums []struct {
		WalletID string
		Total    int64
	}
	err := l.db.WithContext(ctx).Model(&models.TokenTransaction{}).
		Select("wallet_id, COALESCE(SUM(amount), 0) AS total").
		Group("wallet_id").
		Scan(&sums).Error
	if err != nil {
		return nil, fmt.Errorf("wallet: audit sums: %w", err)
	}
	ledger := make(map[string]int64, len(sums))
	for _, s := range sums {
		ledger[s.WalletID] = s.Total
	}

	var wallets []models.TokenWallet
	if err := l.db.WithContext(ctx).Order("id ASC").Find(&wallets).Error; err != nil {
		return nil, fmt.Errorf("wallet: audit wallets: %w", err)
	}

	report := &AuditReport{Checked: len(wallets)}
	for _, w := range wallets {
		if sum := ledger[w.ID]; sum != w.Balance {
			report.Drift = append(report.Drift, Drift{WalletID: w.ID, Balance: w.Balance, LedgerSum: sum})
		}
	}
	if len(report.Drift) > 0 {
		l.log.Error("wallet audit found drift", "checked", report.Checked, "mismatched", len(report.Drift))
	} else {
		l.log.Info("wallet audit clean", "checked", report.Checked)
	}
	return report, nil
}

// ParseSchedule validates an audit schedule expression.
func ParseSchedule(expr string) (cron.Schedule, error) {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("wallet: audit schedule %q: %w", expr, err)
	}
	return sched, nil
}

// RunAudits audits the ledger on the given schedule until ctx is cancelled,
// handing each report to report. Audit errors are logged and the schedule
// continues.
func (l *Ledger) RunAudits(ctx context.Context, expr string, report func(context.Context, *AuditReport)) error {
	sched, err := ParseSchedule(expr)
	if err != nil {
		return err
	}
	l.runAudits(ctx, sched, report)
	return nil
}

func (l *Ledger) runAudits(ctx context.Context, sched cron.Schedule, report func(context.Context, *AuditReport)) {
	timer := time.NewTimer(time.Until(sched.Next(time.Now())))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			r, err := l.Audit(ctx)
			if err != nil {
				l.log.Error("wallet audit failed", "error", err)
			} else if report != nil {
				report(ctx, r)
			}
			timer.Reset(time.Until(sched.Next(time.Now())))
		}
	}
}
