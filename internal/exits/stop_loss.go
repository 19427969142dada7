package exits

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/eddiefleurent/scranton_autopilot/internal/models"
	"github.com/eddiefleurent/scranton_autopilot/internal/util"
)

// StopLossExit triggers once unrealized P&L falls to a percentage of the
// position's initial risk below zero. Percentages above 100 are accepted and
// place the stop beyond the nominal maximum loss.
type StopLossExit struct {
	maxLossPct decimal.Decimal
}

// NewStopLoss returns a stop loss at maxLossPct percent of initial risk.
// maxLossPct must be > 0.
func NewStopLoss(maxLossPct decimal.Decimal) (*StopLossExit, error) {
	if !maxLossPct.IsPositive() {
		return nil, fmt.Errorf("%w: max_loss_percentage must be > 0, got %s", ErrInvalidConfig, maxLossPct)
	}
	return &StopLossExit{maxLossPct: maxLossPct}, nil
}

// Name returns e.g. "100% Stop Loss".
func (s *StopLossExit) Name() string {
	return util.FormatPercentTrim(s.maxLossPct) + " Stop Loss"
}

// MaxLossPercentage returns the configured percentage.
func (s *StopLossExit) MaxLossPercentage() decimal.Decimal { return s.maxLossPct }

// Evaluate implements Criterion.
func (s *StopLossExit) Evaluate(_ context.Context, pos *models.Position, _ MarketData) (Evaluation, error) {
	if reason, ok := missingPnLInputs(pos); !ok {
		return Evaluation{
			Criterion: s.Name(),
			Reason:    reason,
			Metadata:  map[string]any{"max_loss_percentage": s.maxLossPct},
		}, nil
	}

	pnl := *pos.UnrealizedPnL
	risk := pos.InitialRisk.Abs()
	threshold := util.PercentOf(risk, s.maxLossPct).Neg()
	lossPct := util.Ratio(pnl, risk)
	hit := pnl.LessThanOrEqual(threshold)

	cmp := ">"
	if hit {
		cmp = "<="
	}
	return Evaluation{
		Criterion:  s.Name(),
		ShouldExit: hit,
		Reason: fmt.Sprintf("%s (%s) %s %s (%s stop loss)",
			util.FormatMoney(pnl), util.FormatPercent(lossPct, 1), cmp,
			util.FormatMoney(threshold), util.FormatPercentTrim(s.maxLossPct)),
		Metadata: map[string]any{
			"current_pnl":         pnl,
			"initial_risk":        risk,
			"stop_loss_threshold": threshold,
			"loss_pct":            lossPct.Round(2),
			"max_loss_percentage": s.maxLossPct,
		},
	}, nil
}
