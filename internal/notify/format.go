package notify

import (
	"fmt"
	"strings"
)

// Color constants for event severity.
const (
	ColorSuccess = "#36a64f"
	ColorInfo    = "#2196f3"
	ColorWarning = "#ff9800"
	ColorError   = "#e53935"
)

// severityColor maps a severity string to a sidebar color.
func severityColor(severity string) string {
	switch severity {
	case "success":
		return ColorSuccess
	case "info":
		return ColorInfo
	case "warning":
		return ColorWarning
	case "error":
		return ColorError
	default:
		return ColorInfo
	}
}

// StageRun summarizes one dialectic stage run for FormatStageRun.
type StageRun struct {
	ProjectName  string
	SessionID    string
	StageName    string
	Iteration    int
	Status       string
	Succeeded    []string // model names
	FailedModels []string // model ids
}

// FormatStageRun renders a stage run outcome. Runs where every model
// failed are errors; runs with some failures are warnings.
func FormatStageRun(r StageRun) Event {
	severity := "success"
	title := fmt.Sprintf("%s generation complete", r.StageName)
	switch {
	case len(r.Succeeded) == 0:
		severity = "error"
		title = fmt.Sprintf("%s generation failed", r.StageName)
	case len(r.FailedModels) > 0:
		severity = "warning"
		title = fmt.Sprintf("%s generation complete with failures", r.StageName)
	}

	evt := Event{
		Title:    title,
		Body:     fmt.Sprintf("Project %s, iteration %d: %d succeeded, %d failed.", r.ProjectName, r.Iteration, len(r.Succeeded), len(r.FailedModels)),
		Severity: severity,
		Color:    severityColor(severity),
		Fields: []Field{
			{Name: "Session", Value: r.SessionID, Short: true},
			{Name: "Status", Value: r.Status, Short: true},
		},
	}
	if len(r.Succeeded) > 0 {
		evt.Fields = append(evt.Fields, Field{Name: "Contributions", Value: strings.Join(r.Succeeded, ", ")})
	}
	if len(r.FailedModels) > 0 {
		evt.Fields = append(evt.Fields, Field{Name: "Failed models", Value: strings.Join(r.FailedModels, ", ")})
	}
	return evt
}

// WalletDrift is one wallet whose balance disagrees with its ledger.
type WalletDrift struct {
	WalletID  string
	Balance   int64
	LedgerSum int64
}

// FormatAudit renders the result of a ledger audit.
func FormatAudit(checked int, drift []WalletDrift) Event {
	if len(drift) == 0 {
		return Event{
			Title:    "Wallet audit clean",
			Body:     fmt.Sprintf("%d wallets match their ledgers.", checked),
			Severity: "success",
			Color:    severityColor("success"),
		}
	}
	evt := Event{
		Title:    fmt.Sprintf("Wallet audit found %d mismatched wallets", len(drift)),
		Body:     fmt.Sprintf("%d of %d wallets disagree with the sum of their transactions.", len(drift), checked),
		Severity: "error",
		Color:    severityColor("error"),
	}
	for _, d := range drift {
		evt.Fields = append(evt.Fields, Field{
			Name:  d.WalletID,
			Value: fmt.Sprintf("balance %d, ledger %d", d.Balance, d.LedgerSum),
		})
	}
	return evt
}
