package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/eddiefleurent/scranton_autopilot/internal/monitor"
	"github.com/eddiefleurent/scranton_autopilot/internal/storage"
	"github.com/eddiefleurent/scranton_autopilot/internal/util"
)

// PositionAudit is one open position with its current exit decision.
type PositionAudit struct {
	ID             string          `json:"id"`
	Symbol         string          `json:"symbol"`
	Strategy       string          `json:"strategy"`
	Quantity       int             `json:"quantity"`
	OpeningValue   decimal.Decimal `json:"opening_value"`
	ProfitPercent  string          `json:"profit_percent,omitempty"`
	ExpirationDate string          `json:"expiration_date,omitempty"`
	Discovered     bool            `json:"discovered"`
	ShouldExit     bool            `json:"should_exit"`
	ExitReason     string          `json:"exit_reason"`
	MissingPnL     bool            `json:"missing_pnl"`
	EvalError      string          `json:"eval_error,omitempty"`
}

// Summary aggregates a Report.
type Summary struct {
	OpenPositions     int `json:"open_positions"`
	Discovered        int `json:"discovered"`
	ExitsTriggered    int `json:"exits_triggered"`
	UnlinkedOpenings  int `json:"unlinked_openings"`
	UnlinkedClosings  int `json:"unlinked_closings"`
	MissingExpiration int `json:"missing_expiration"`
}

// Report is the ledger audit for one account.
type Report struct {
	Account     string          `json:"account"`
	GeneratedAt time.Time       `json:"generated_at"`
	Positions   []PositionAudit `json:"positions"`
	Summary     Summary         `json:"summary"`
}

// buildReport loads the account's open positions and unlinked
// transactions and evaluates every position.
func buildReport(ctx context.Context, ledger storage.Ledger, evaluator monitor.Evaluator, userID, account string, now time.Time) (*Report, error) {
	positions, err := ledger.OpenPositions(ctx, userID, account)
	if err != nil {
		return nil, fmt.Errorf("load open positions: %w", err)
	}
	openings, err := ledger.UnlinkedOpeningTransactions(ctx, userID, account, time.Time{})
	if err != nil {
		return nil, fmt.Errorf("load unlinked openings: %w", err)
	}
	closings, err := ledger.UnlinkedClosingTransactions(ctx, storage.ClosingFilter{UserID: userID, AccountNumber: account})
	if err != nil {
		return nil, fmt.Errorf("load unlinked closings: %w", err)
	}

	r := &Report{
		Account:     maskAccountID(account),
		GeneratedAt: now.UTC(),
		Positions:   make([]PositionAudit, 0, len(positions)),
		Summary: Summary{
			OpenPositions:    len(positions),
			UnlinkedOpenings: len(openings),
			UnlinkedClosings: len(closings),
		},
	}
	for i := range positions {
		p := &positions[i]
		pa := PositionAudit{
			ID:           p.ID,
			Symbol:       p.Symbol,
			Strategy:     p.StrategyType,
			Quantity:     p.Quantity,
			OpeningValue: p.OpeningValue,
			Discovered:   !p.IsAppManaged,
		}
		if pct, ok := p.ProfitPercent(); ok {
			pa.ProfitPercent = util.FormatPercent(pct, 1)
		} else {
			pa.MissingPnL = true
		}
		if exp, ok := p.ExpirationDate(); ok {
			pa.ExpirationDate = exp
		} else if !p.IsEquity() {
			r.Summary.MissingExpiration++
		}
		if pa.Discovered {
			r.Summary.Discovered++
		}

		d, err := evaluator.ShouldExit(ctx, p, nil)
		if err != nil {
			pa.EvalError = err.Error()
		} else {
			pa.ShouldExit = d.ShouldExit
			pa.ExitReason = d.Reason
			if d.ShouldExit {
				r.Summary.ExitsTriggered++
			}
		}
		r.Positions = append(r.Positions, pa)
	}
	return r, nil
}

// analyzeReport lists conditions that need an operator's attention.
func analyzeReport(r *Report) []string {
	var issues []string
	if r == nil {
		return issues
	}

	if r.Summary.UnlinkedOpenings > 0 {
		issues = append(issues, fmt.Sprintf("%d opening transaction(s) not attached to a position - run discovery", r.Summary.UnlinkedOpenings))
	}
	if r.Summary.UnlinkedClosings > 0 {
		issues = append(issues, fmt.Sprintf("%d closing transaction(s) not linked to a position", r.Summary.UnlinkedClosings))
	}
	if r.Summary.MissingExpiration > 0 {
		issues = append(issues, fmt.Sprintf("%d option position(s) without an expiration date - time-based exits cannot evaluate them", r.Summary.MissingExpiration))
	}

	missingPnL := 0
	for _, p := range r.Positions {
		if p.MissingPnL {
			missingPnL++
		}
		if p.EvalError != "" {
			issues = append(issues, fmt.Sprintf("exit evaluation failed for %s: %s", p.Symbol, p.EvalError))
		}
	}
	if missingPnL > 0 {
		issues = append(issues, fmt.Sprintf("%d position(s) without unrealized P&L or initial risk - profit and stop-loss exits cannot evaluate them", missingPnL))
	}
	if r.Summary.ExitsTriggered > 0 {
		issues = append(issues, fmt.Sprintf("%d position(s) currently meet their exit criteria", r.Summary.ExitsTriggered))
	}
	return issues
}

func printReport(w io.Writer, r *Report) {
	fmt.Fprintf(w, "=== LEDGER AUDIT (%s) ===\n", r.Account)
	fmt.Fprintf(w, "Generated: %s\n\n", r.GeneratedAt.Format(time.RFC3339))

	if len(r.Positions) == 0 {
		fmt.Fprintf(w, "No open positions.\n")
	}
	for _, p := range r.Positions {
		origin := "app"
		if p.Discovered {
			origin = "discovered"
		}
		pct := p.ProfitPercent
		if pct == "" {
			pct = "n/a"
		}
		fmt.Fprintf(w, "%-8s %-14s qty=%-3d open=%s pnl=%s exp=%s [%s]\n",
			p.Symbol, strategyLabel(p.Strategy), p.Quantity, util.FormatMoney(p.OpeningValue), pct,
			orDash(p.ExpirationDate), origin)
		switch {
		case p.EvalError != "":
			fmt.Fprintf(w, "         exit: error: %s\n", p.EvalError)
		case p.ShouldExit:
			fmt.Fprintf(w, "         exit: YES - %s\n", p.ExitReason)
		default:
			fmt.Fprintf(w, "         exit: no - %s\n", p.ExitReason)
		}
	}

	s := r.Summary
	fmt.Fprintf(w, "\n=== SUMMARY ===\n")
	fmt.Fprintf(w, "Open positions:     %d (%d discovered)\n", s.OpenPositions, s.Discovered)
	fmt.Fprintf(w, "Exits triggered:    %d\n", s.ExitsTriggered)
	fmt.Fprintf(w, "Unlinked openings:  %d\n", s.UnlinkedOpenings)
	fmt.Fprintf(w, "Unlinked closings:  %d\n", s.UnlinkedClosings)
}

func strategyLabel(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}

func orDash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}

// maskAccountID masks all but the last 4 characters of an account ID to prevent PII exposure
func maskAccountID(id string) string {
	if len(id) > 4 {
		return strings.Repeat("*", len(id)-4) + id[len(id)-4:]
	}
	return id
}
