package exits

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/eddiefleurent/scranton_autopilot/internal/models"
	"github.com/eddiefleurent/scranton_autopilot/internal/util"
)

// ProfitTargetExit triggers once unrealized P&L reaches a percentage of the
// position's initial risk.
type ProfitTargetExit struct {
	targetPct decimal.Decimal
}

// NewProfitTarget returns a profit target at targetPct percent of initial
// risk. targetPct must be > 0.
func NewProfitTarget(targetPct decimal.Decimal) (*ProfitTargetExit, error) {
	if !targetPct.IsPositive() {
		return nil, fmt.Errorf("%w: target_percentage must be > 0, got %s", ErrInvalidConfig, targetPct)
	}
	return &ProfitTargetExit{targetPct: targetPct}, nil
}

// Name returns e.g. "50% Profit Target".
func (p *ProfitTargetExit) Name() string {
	return util.FormatPercentTrim(p.targetPct) + " Profit Target"
}

// TargetPercentage returns the configured percentage.
func (p *ProfitTargetExit) TargetPercentage() decimal.Decimal { return p.targetPct }

// Evaluate implements Criterion.
func (p *ProfitTargetExit) Evaluate(_ context.Context, pos *models.Position, _ MarketData) (Evaluation, error) {
	if reason, ok := missingPnLInputs(pos); !ok {
		return Evaluation{
			Criterion: p.Name(),
			Reason:    reason,
			Metadata:  map[string]any{"target_percentage": p.targetPct},
		}, nil
	}

	pnl := *pos.UnrealizedPnL
	risk := pos.InitialRisk.Abs()
	target := util.PercentOf(risk, p.targetPct)
	profitPct := util.Ratio(pnl, risk)
	hit := pnl.GreaterThanOrEqual(target)

	cmp := "<"
	if hit {
		cmp = ">="
	}
	return Evaluation{
		Criterion:  p.Name(),
		ShouldExit: hit,
		Reason: fmt.Sprintf("%s (%s) %s %s (%s target)",
			util.FormatMoney(pnl), util.FormatPercent(profitPct, 1), cmp,
			util.FormatMoney(target), util.FormatPercentTrim(p.targetPct)),
		Metadata: map[string]any{
			"current_pnl":       pnl,
			"initial_risk":      risk,
			"profit_target":     target,
			"profit_pct":        profitPct.Round(2),
			"target_percentage": p.targetPct,
		},
	}, nil
}

// missingPnLInputs reports the first absent input needed by P&L based
// criteria. ok is true when both are usable.
func missingPnLInputs(pos *models.Position) (reason string, ok bool) {
	switch {
	case pos == nil:
		return "No position data", false
	case pos.UnrealizedPnL == nil:
		return "Unrealized P&L not available", false
	case pos.InitialRisk == nil:
		return "Initial risk not available", false
	case pos.InitialRisk.IsZero():
		return "Initial risk is zero", false
	}
	return "", true
}
