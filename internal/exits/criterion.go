// Package exits decides when an open position should be closed.
//
// A Criterion is a single rule evaluated against a position snapshot. The
// Manager runs every configured criterion, isolates failures, and combines
// the results with ANY or ALL semantics into a single Decision.
//
// Criteria are read-only over their inputs: a Manager may evaluate many
// positions concurrently, but AddStrategy and RemoveStrategy must not race
// with evaluation.
package exits

import (
	"context"
	"errors"

	"github.com/eddiefleurent/scranton_autopilot/internal/models"
)

var (
	// ErrInvalidConfig is returned when a criterion is constructed with
	// out-of-range parameters.
	ErrInvalidConfig = errors.New("invalid exit criterion configuration")
	// ErrNoCriteria is returned when a manager is built with no criteria.
	ErrNoCriteria = errors.New("exit manager requires at least one criterion")
	// ErrInvalidMode is returned for a combination mode other than any/all.
	ErrInvalidMode = errors.New("invalid exit mode")
	// ErrUnknownCriterion is returned by the registry for an unregistered type.
	ErrUnknownCriterion = errors.New("unknown exit criterion type")
)

// MarketData is optional live context passed through to criteria. None
// of the built-in criteria read it.
type MarketData map[string]any

// Criterion is one exit rule.
//
// Evaluate may block and therefore takes a context; the built-in criteria
// are pure and never do.
type Criterion interface {
	Name() string
	Evaluate(ctx context.Context, pos *models.Position, market MarketData) (Evaluation, error)
}

// Evaluation is the outcome of one criterion for one position.
type Evaluation struct {
	Criterion  string         `json:"criterion"`
	ShouldExit bool           `json:"should_exit"`
	Reason     string         `json:"reason"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// Failed reports whether the evaluation stands in for a criterion error.
func (e Evaluation) Failed() bool {
	_, ok := e.Metadata["error"]
	return ok
}

// Compile-time checks for the built-in criteria.
var (
	_ Criterion = (*ProfitTargetExit)(nil)
	_ Criterion = (*StopLossExit)(nil)
	_ Criterion = (*TimeBasedExit)(nil)
)
