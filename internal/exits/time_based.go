package exits

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/eddiefleurent/scranton_autopilot/internal/models"
)

const expirationLayout = "2006-01-02"

// TimeBasedParams holds the optional thresholds of a TimeBasedExit. At
// least one must be set.
type TimeBasedParams struct {
	MinDTE         *int
	MaxDTE         *int
	MinHoldingDays *int
	MaxHoldingDays *int
}

// TimeBasedExit triggers on days-to-expiration or holding period.
//
// DTE is counted in whole calendar days from today in the market timezone
// and never goes below zero. min_dte triggers strictly below the
// threshold; max_dte strictly above. min_holding_days is a hold gate: it
// shows up in the reason but never triggers on its own. max_holding_days
// triggers strictly above the threshold.
type TimeBasedExit struct {
	params TimeBasedParams
	now    func() time.Time
	loc    *time.Location
}

// TimeOption customizes a TimeBasedExit.
type TimeOption func(*TimeBasedExit)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) TimeOption {
	return func(t *TimeBasedExit) {
		if now != nil {
			t.now = now
		}
	}
}

// WithLocation overrides the market timezone used for "today".
func WithLocation(loc *time.Location) TimeOption {
	return func(t *TimeBasedExit) {
		if loc != nil {
			t.loc = loc
		}
	}
}

// NewTimeBased validates params and returns the criterion.
func NewTimeBased(params TimeBasedParams, opts ...TimeOption) (*TimeBasedExit, error) {
	if params.MinDTE == nil && params.MaxDTE == nil &&
		params.MinHoldingDays == nil && params.MaxHoldingDays == nil {
		return nil, fmt.Errorf("%w: time based exit needs at least one of min_dte, max_dte, min_holding_days, max_holding_days", ErrInvalidConfig)
	}
	for _, f := range []struct {
		name string
		v    *int
	}{
		{"min_dte", params.MinDTE},
		{"max_dte", params.MaxDTE},
		{"min_holding_days", params.MinHoldingDays},
		{"max_holding_days", params.MaxHoldingDays},
	} {
		if f.v != nil && *f.v < 0 {
			return nil, fmt.Errorf("%w: %s must be >= 0, got %d", ErrInvalidConfig, f.name, *f.v)
		}
	}
	if params.MinDTE != nil && params.MaxDTE != nil && *params.MinDTE > *params.MaxDTE {
		return nil, fmt.Errorf("%w: min_dte (%d) must be <= max_dte (%d)", ErrInvalidConfig, *params.MinDTE, *params.MaxDTE)
	}
	if params.MinHoldingDays != nil && params.MaxHoldingDays != nil && *params.MinHoldingDays > *params.MaxHoldingDays {
		return nil, fmt.Errorf("%w: min_holding_days (%d) must be <= max_holding_days (%d)",
			ErrInvalidConfig, *params.MinHoldingDays, *params.MaxHoldingDays)
	}

	t := &TimeBasedExit{
		params: params,
		now:    time.Now,
		loc:    MarketLocation(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// MarketLocation returns America/New_York, falling back to a fixed ET
// offset on hosts without tzdata.
func MarketLocation() *time.Location {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		return time.FixedZone("ET", -5*60*60)
	}
	return loc
}

// Name describes the configured thresholds.
func (t *TimeBasedExit) Name() string {
	var parts []string
	if t.params.MinDTE != nil {
		parts = append(parts, fmt.Sprintf("DTE < %d", *t.params.MinDTE))
	}
	if t.params.MaxDTE != nil {
		parts = append(parts, fmt.Sprintf("DTE > %d", *t.params.MaxDTE))
	}
	if t.params.MinHoldingDays != nil {
		parts = append(parts, fmt.Sprintf("hold >= %dd", *t.params.MinHoldingDays))
	}
	if t.params.MaxHoldingDays != nil {
		parts = append(parts, fmt.Sprintf("held > %dd", *t.params.MaxHoldingDays))
	}
	return "Time-Based Exit (" + strings.Join(parts, ", ") + ")"
}

// Params returns the configured thresholds.
func (t *TimeBasedExit) Params() TimeBasedParams { return t.params }

// Evaluate implements Criterion.
func (t *TimeBasedExit) Evaluate(_ context.Context, pos *models.Position, _ MarketData) (Evaluation, error) {
	now := t.now()
	meta := map[string]any{}
	var reasons []string
	triggered := false

	if t.params.MinDTE != nil || t.params.MaxDTE != nil {
		hit, rs := t.checkDTE(pos, now, meta)
		triggered = triggered || hit
		reasons = append(reasons, rs...)
	}
	if t.params.MinHoldingDays != nil || t.params.MaxHoldingDays != nil {
		hit, rs := t.checkHolding(pos, now, meta)
		triggered = triggered || hit
		reasons = append(reasons, rs...)
	}

	return Evaluation{
		Criterion:  t.Name(),
		ShouldExit: triggered,
		Reason:     strings.Join(reasons, "; "),
		Metadata:   meta,
	}, nil
}

func (t *TimeBasedExit) checkDTE(pos *models.Position, now time.Time, meta map[string]any) (bool, []string) {
	if t.params.MinDTE != nil {
		meta["min_dte"] = *t.params.MinDTE
	}
	if t.params.MaxDTE != nil {
		meta["max_dte"] = *t.params.MaxDTE
	}

	dte, reason, ok := t.daysToExpiration(pos, now)
	if !ok {
		meta["current_dte"] = nil
		return false, []string{reason}
	}
	meta["current_dte"] = dte

	hit := false
	var out []string
	if lo := t.params.MinDTE; lo != nil {
		if dte < *lo {
			hit = true
			out = append(out, fmt.Sprintf("DTE %d < min %d", dte, *lo))
		} else {
			out = append(out, fmt.Sprintf("DTE %d >= min %d", dte, *lo))
		}
	}
	if hi := t.params.MaxDTE; hi != nil {
		if dte > *hi {
			hit = true
			out = append(out, fmt.Sprintf("DTE %d > max %d", dte, *hi))
		} else {
			out = append(out, fmt.Sprintf("DTE %d <= max %d", dte, *hi))
		}
	}
	return hit, out
}

// daysToExpiration compares calendar dates, not instants, so the result
// does not change during the trading day.
func (t *TimeBasedExit) daysToExpiration(pos *models.Position, now time.Time) (int, string, bool) {
	if pos == nil {
		return 0, "DTE unavailable (no position)", false
	}
	raw, ok := pos.ExpirationDate()
	if !ok {
		return 0, "DTE unavailable (no expiration date)", false
	}
	exp, err := time.Parse(expirationLayout, strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Sprintf("DTE unavailable (invalid expiration date %q)", raw), false
	}
	local := now.In(t.loc)
	today := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, time.UTC)
	days := int(exp.Sub(today).Hours() / 24)
	if days < 0 {
		days = 0
	}
	return days, "", true
}

func (t *TimeBasedExit) checkHolding(pos *models.Position, now time.Time, meta map[string]any) (bool, []string) {
	if t.params.MinHoldingDays != nil {
		meta["min_holding_days"] = *t.params.MinHoldingDays
	}
	if t.params.MaxHoldingDays != nil {
		meta["max_holding_days"] = *t.params.MaxHoldingDays
	}

	if pos == nil || pos.OpenedAt == nil || pos.OpenedAt.IsZero() {
		meta["holding_days"] = nil
		return false, []string{"Holding period unavailable (no open date)"}
	}
	held := int(math.Floor(now.Sub(*pos.OpenedAt).Hours() / 24))
	if held < 0 {
		held = 0
	}
	meta["holding_days"] = held

	hit := false
	var out []string
	if lo := t.params.MinHoldingDays; lo != nil {
		if held < *lo {
			out = append(out, fmt.Sprintf("Held %dd, hold at least %dd (%d more)", held, *lo, *lo-held))
		} else {
			out = append(out, fmt.Sprintf("Held %dd >= min hold %dd", held, *lo))
		}
	}
	if hi := t.params.MaxHoldingDays; hi != nil {
		if held > *hi {
			hit = true
			out = append(out, fmt.Sprintf("Held %dd > max hold %dd", held, *hi))
		} else {
			out = append(out, fmt.Sprintf("Held %dd <= max hold %dd", held, *hi))
		}
	}
	return hit, out
}
