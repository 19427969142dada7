// Package monitor sweeps open positions through the exit manager and hands
// triggered decisions to an exit sink.
package monitor

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/eddiefleurent/scranton_autopilot/internal/exits"
	"github.com/eddiefleurent/scranton_autopilot/internal/logging"
	"github.com/eddiefleurent/scranton_autopilot/internal/models"
	"github.com/eddiefleurent/scranton_autopilot/internal/storage"
	"github.com/eddiefleurent/scranton_autopilot/internal/util"
)

// DefaultConcurrency is used when Config.Concurrency is not positive.
const DefaultConcurrency = 4

// Evaluator decides whether a position should be closed. *exits.Manager
// implements it.
type Evaluator interface {
	ShouldExit(ctx context.Context, pos *models.Position, market exits.MarketData) (exits.Decision, error)
}

// ExitSink receives every decision that says a position should be closed.
type ExitSink interface {
	Exit(ctx context.Context, pos *models.Position, d exits.Decision) error
}

// LogSink records triggered exits without acting on them.
type LogSink struct {
	Logger logrus.FieldLogger
}

// Exit implements ExitSink.
func (s LogSink) Exit(_ context.Context, pos *models.Position, d exits.Decision) error {
	logger := s.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	fields := logrus.Fields{
		"position_id": pos.ID,
		"symbol":      pos.Symbol,
		"strategy":    pos.StrategyType,
		"mode":        d.Mode,
	}
	if pct, ok := pos.ProfitPercent(); ok {
		fields["profit_pct"] = util.FormatPercent(pct, 1)
	}
	logger.WithFields(fields).Warnf("Exit triggered: %s", d.Reason)
	return nil
}

// Config scopes a sweep to one account.
type Config struct {
	UserID      string
	Account     string
	Concurrency int
}

// Outcome is the result of evaluating one position.
type Outcome struct {
	PositionID string         `json:"position_id"`
	Symbol     string         `json:"symbol"`
	Decision   exits.Decision `json:"decision"`
	Error      string         `json:"error,omitempty"`
	SinkError  string         `json:"sink_error,omitempty"`
}

// Monitor evaluates every open position of an account.
type Monitor struct {
	ledger    storage.Ledger
	evaluator Evaluator
	sink      ExitSink
	cfg       Config
	logger    logrus.FieldLogger
}

// New builds a Monitor. A nil sink logs triggered exits; a nil logger
// discards output.
func New(ledger storage.Ledger, evaluator Evaluator, sink ExitSink, cfg Config, logger logrus.FieldLogger) *Monitor {
	if logger == nil {
		logger = logging.Discard()
	}
	if sink == nil {
		sink = LogSink{Logger: logger}
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	return &Monitor{ledger: ledger, evaluator: evaluator, sink: sink, cfg: cfg, logger: logger}
}

// Sweep evaluates all open positions concurrently and returns one Outcome
// per position in ledger order. Only a failure to load positions is
// returned as an error.
func (m *Monitor) Sweep(ctx context.Context) ([]Outcome, error) {
	positions, err := m.ledger.OpenPositions(ctx, m.cfg.UserID, m.cfg.Account)
	if err != nil {
		return nil, fmt.Errorf("load open positions: %w", err)
	}

	outcomes := make([]Outcome, len(positions))
	var eg errgroup.Group
	eg.SetLimit(m.cfg.Concurrency)
	for i := range positions {
		i := i
		pos := &positions[i]
		eg.Go(func() error {
			outcomes[i] = m.evaluate(ctx, pos)
			return nil
		})
	}
	_ = eg.Wait()

	triggered := 0
	for _, o := range outcomes {
		if o.Decision.ShouldExit {
			triggered++
		}
	}
	m.logger.WithFields(logrus.Fields{
		"account":   m.cfg.Account,
		"positions": len(outcomes),
		"triggered": triggered,
	}).Info("Exit sweep complete")
	return outcomes, nil
}

func (m *Monitor) evaluate(ctx context.Context, pos *models.Position) Outcome {
	out := Outcome{PositionID: pos.ID, Symbol: pos.Symbol}
	if err := ctx.Err(); err != nil {
		out.Error = err.Error()
		return out
	}

	d, err := m.evaluator.ShouldExit(ctx, pos, nil)
	if err != nil {
		m.logger.WithError(err).WithField("position_id", pos.ID).Error("Exit evaluation failed")
		out.Error = err.Error()
		return out
	}
	out.Decision = d
	if !d.ShouldExit {
		return out
	}
	if err := m.sink.Exit(ctx, pos, d); err != nil {
		m.logger.WithError(err).WithField("position_id", pos.ID).Error("Exit sink failed")
		out.SinkError = err.Error()
	}
	return out
}
