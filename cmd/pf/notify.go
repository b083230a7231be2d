package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/tsylvester/paynless-framework-sub011/internal/config"
	"github.com/tsylvester/paynless-framework-sub011/internal/notify"
	"github.com/tsylvester/paynless-framework-sub011/internal/notify/discord"
	"github.com/tsylvester/paynless-framework-sub011/internal/notify/slack"
	"github.com/tsylvester/paynless-framework-sub011/internal/wallet"
)

// buildSink creates the configured chat sinks. It returns nil when none
// are configured.
func buildSink(cfg config.NotifyConfig) (notify.Sink, error) {
	var sinks notify.Multi

	if cfg.Slack.Enabled() {
		token := cfg.Slack.BotToken()
		if token == "" {
			return nil, fmt.Errorf("notify.slack: %s is not set", cfg.Slack.BotTokenEnv)
		}
		a, err := slack.New(slack.AdapterOpts{BotToken: token, ChannelID: cfg.Slack.Channel, APIURL: cfg.Slack.APIURL})
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, a)
	}

	if cfg.Discord.Enabled() {
		token := cfg.Discord.BotToken()
		if token == "" {
			return nil, fmt.Errorf("notify.discord: %s is not set", cfg.Discord.BotTokenEnv)
		}
		a, err := discord.New(discord.AdapterOpts{BotToken: token, ChannelID: cfg.Discord.Channel})
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, a)
	}

	if len(sinks) == 0 {
		return nil, nil
	}
	return sinks, nil
}

func auditEvent(r *wallet.AuditReport) notify.Event {
	drift := make([]notify.WalletDrift, len(r.Drift))
	for i, d := range r.Drift {
		drift[i] = notify.WalletDrift{WalletID: d.WalletID, Balance: d.Balance, LedgerSum: d.LedgerSum}
	}
	return notify.FormatAudit(r.Checked, drift)
}

// printAudit writes an audit report as a short table.
func printAudit(out io.Writer, r *wallet.AuditReport) {
	if len(r.Drift) == 0 {
		fmt.Fprintf(out, "%s %d wallets match their ledgers\n", okStyle.Render("ok"), r.Checked)
		return
	}
	fmt.Fprintf(out, "%s %d of %d wallets drifted\n", failStyle.Render("fail"), len(r.Drift), r.Checked)
	fmt.Fprintln(out, headerStyle.Render(fmt.Sprintf("%-36s  %12s  %12s", "WALLET", "BALANCE", "LEDGER")))
	for _, d := range r.Drift {
		fmt.Fprintf(out, "%s  %12s  %12s\n", idStyle.Render(fmt.Sprintf("%-36s", d.WalletID)), formatTokenCount(d.Balance), formatTokenCount(d.LedgerSum))
	}
}

// auditReporter posts each scheduled audit to sink, when there is one.
func auditReporter(sink notify.Sink) func(context.Context, *wallet.AuditReport) {
	return func(ctx context.Context, r *wallet.AuditReport) {
		if sink == nil {
			return
		}
		if err := sink.Send(ctx, notify.Message{Events: []notify.Event{auditEvent(r)}}); err != nil {
			slog.Warn("audit notice not sent", "error", err)
		}
	}
}
