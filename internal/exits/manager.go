package exits

import (
	"context"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/scranton_autopilot/internal/logging"
	"github.com/eddiefleurent/scranton_autopilot/internal/models"
)

// Mode combines criterion outcomes.
type Mode string

const (
	// ModeAny exits when at least one criterion triggers.
	ModeAny Mode = "any"
	// ModeAll exits only when every criterion triggers.
	ModeAll Mode = "all"
)

// ParseMode accepts "any" or "all" in any case.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case ModeAny:
		return ModeAny, nil
	case ModeAll:
		return ModeAll, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidMode, s)
}

// Decision is the combined result for one position.
type Decision struct {
	PositionID  string       `json:"position_id"`
	Mode        Mode         `json:"mode"`
	ShouldExit  bool         `json:"should_exit"`
	Reason      string       `json:"reason"`
	Evaluations []Evaluation `json:"evaluations"`
}

// Manager evaluates an ordered list of criteria and combines them.
//
// ShouldExit is safe for concurrent use. AddStrategy and RemoveStrategy
// are not synchronized and must not run concurrently with ShouldExit.
type Manager struct {
	criteria []Criterion
	mode     Mode
	logger   logrus.FieldLogger
}

// ManagerOption customizes a Manager.
type ManagerOption func(*Manager)

// WithLogger sets the audit logger.
func WithLogger(l logrus.FieldLogger) ManagerOption {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// NewManager returns a manager over criteria combined with mode.
func NewManager(criteria []Criterion, mode Mode, opts ...ManagerOption) (*Manager, error) {
	if len(criteria) == 0 {
		return nil, ErrNoCriteria
	}
	if mode != ModeAny && mode != ModeAll {
		return nil, fmt.Errorf("%w: %q", ErrInvalidMode, mode)
	}
	for i, c := range criteria {
		if c == nil {
			return nil, fmt.Errorf("%w: criterion %d is nil", ErrInvalidConfig, i)
		}
	}

	m := &Manager{
		criteria: append([]Criterion(nil), criteria...),
		mode:     mode,
		logger:   logging.Discard(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Mode returns the combination mode.
func (m *Manager) Mode() Mode { return m.mode }

// Criteria returns a copy of the configured criteria in order.
func (m *Manager) Criteria() []Criterion {
	return append([]Criterion(nil), m.criteria...)
}

// AddStrategy appends c; it is evaluated from the next ShouldExit call.
func (m *Manager) AddStrategy(c Criterion) {
	if c == nil {
		return
	}
	m.criteria = append(m.criteria, c)
}

// RemoveStrategy removes the first criterion identical to c and reports
// whether one was found.
func (m *Manager) RemoveStrategy(c Criterion) bool {
	for i, existing := range m.criteria {
		if existing == c {
			m.criteria = append(m.criteria[:i:i], m.criteria[i+1:]...)
			return true
		}
	}
	return false
}

// ShouldExit evaluates every criterion in order and combines the results.
// A failing criterion yields a non-triggering evaluation and never aborts
// the decision. The only error is an invalid mode.
func (m *Manager) ShouldExit(ctx context.Context, pos *models.Position, market MarketData) (Decision, error) {
	if m.mode != ModeAny && m.mode != ModeAll {
		return Decision{}, fmt.Errorf("%w: %q", ErrInvalidMode, m.mode)
	}

	criteria := m.criteria
	evals := make([]Evaluation, 0, len(criteria))
	posID := ""
	if pos != nil {
		posID = pos.ID
	}

	for _, c := range criteria {
		ev := m.evaluate(ctx, c, pos, market)
		m.logger.WithFields(logrus.Fields{
			"position_id": posID,
			"criterion":   ev.Criterion,
			"should_exit": ev.ShouldExit,
			"reason":      ev.Reason,
		}).Debug("exit criterion evaluated")
		evals = append(evals, ev)
	}

	d := Decision{PositionID: posID, Mode: m.mode, Evaluations: evals}
	d.ShouldExit, d.Reason = combine(m.mode, evals)

	m.logger.WithFields(logrus.Fields{
		"position_id": posID,
		"mode":        m.mode,
		"should_exit": d.ShouldExit,
		"reason":      d.Reason,
	}).Info("exit decision")
	return d, nil
}

// evaluate runs one criterion, converting errors and panics into a failed
// evaluation.
func (m *Manager) evaluate(ctx context.Context, c Criterion, pos *models.Position, market MarketData) (ev Evaluation) {
	name := criterionName(c)
	defer func() {
		if r := recover(); r != nil {
			ev = m.failed(name, pos, fmt.Errorf("panic: %v", r))
		}
	}()

	ev, err := c.Evaluate(ctx, pos, market)
	if err != nil {
		return m.failed(name, pos, err)
	}
	if ev.Criterion == "" {
		ev.Criterion = name
	}
	return ev
}

func (m *Manager) failed(name string, pos *models.Position, err error) Evaluation {
	entry := m.logger.WithError(err).WithField("criterion", name)
	if pos != nil {
		entry = entry.WithField("position_id", pos.ID)
	}
	entry.Warn("exit criterion failed")
	return Evaluation{
		Criterion: name,
		Reason:    "Evaluation failed: " + err.Error(),
		Metadata: map[string]any{
			"error":    err.Error(),
			"strategy": name,
		},
	}
}

// criterionName guards against a Name method that panics.
func criterionName(c Criterion) (name string) {
	defer func() {
		if r := recover(); r != nil {
			name = fmt.Sprintf("%T", c)
		}
	}()
	return c.Name()
}

func combine(mode Mode, evals []Evaluation) (bool, string) {
	if len(evals) == 0 {
		return false, "No exit strategies configured"
	}

	var hit, waiting []string
	for _, e := range evals {
		if e.ShouldExit {
			hit = append(hit, fmt.Sprintf("%s (%s)", e.Criterion, e.Reason))
		} else {
			waiting = append(waiting, e.Criterion)
		}
	}

	switch mode {
	case ModeAll:
		if len(waiting) == 0 {
			return true, "All exit conditions met: " + strings.Join(hit, "; ")
		}
		return false, "Not all exit conditions met. Waiting on: " + strings.Join(waiting, ", ")
	default:
		if len(hit) > 0 {
			return true, "Exit triggered by: " + strings.Join(hit, "; ")
		}
		return false, "No exit strategies triggered"
	}
}
