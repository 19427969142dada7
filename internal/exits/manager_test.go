package exits

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eddiefleurent/scranton_autopilot/internal/models"
)

// stubCriterion returns a scripted outcome.
type stubCriterion struct {
	name   string
	exit   bool
	err    error
	panics bool

	mu    sync.Mutex
	calls int
}

func (s *stubCriterion) Name() string { return s.name }

func (s *stubCriterion) Evaluate(_ context.Context, _ *models.Position, _ MarketData) (Evaluation, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	if s.panics {
		panic("boom")
	}
	if s.err != nil {
		return Evaluation{}, s.err
	}
	return Evaluation{Criterion: s.name, ShouldExit: s.exit, Reason: s.name + " reason"}, nil
}

func (s *stubCriterion) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func spreadPosition() *models.Position {
	return pnlPosition("25", "50")
}

func TestNewManager_Validation(t *testing.T) {
	_, err := NewManager(nil, ModeAny)
	assert.True(t, errors.Is(err, ErrNoCriteria))

	_, err = NewManager([]Criterion{}, ModeAll)
	assert.True(t, errors.Is(err, ErrNoCriteria))

	_, err = NewManager([]Criterion{&stubCriterion{name: "a"}}, Mode("xor"))
	assert.True(t, errors.Is(err, ErrInvalidMode))

	_, err = NewManager([]Criterion{&stubCriterion{name: "a"}, nil}, ModeAny)
	assert.True(t, errors.Is(err, ErrInvalidConfig))
}

func TestParseMode(t *testing.T) {
	for in, want := range map[string]Mode{"any": ModeAny, "ANY": ModeAny, " all ": ModeAll, "All": ModeAll} {
		got, err := ParseMode(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got)
	}
	_, err := ParseMode("or")
	assert.True(t, errors.Is(err, ErrInvalidMode))
}

func TestManager_AnyAllDuality(t *testing.T) {
	for mask := 0; mask < 8; mask++ {
		outcomes := []bool{mask&1 != 0, mask&2 != 0, mask&4 != 0}
		t.Run(fmt.Sprintf("%v", outcomes), func(t *testing.T) {
			var criteria []Criterion
			anyHit, allHit := false, true
			for i, o := range outcomes {
				criteria = append(criteria, &stubCriterion{name: fmt.Sprintf("c%d", i), exit: o})
				anyHit = anyHit || o
				allHit = allHit && o
			}

			anyMgr, err := NewManager(criteria, ModeAny)
			require.NoError(t, err)
			d, err := anyMgr.ShouldExit(context.Background(), spreadPosition(), nil)
			require.NoError(t, err)
			assert.Equal(t, anyHit, d.ShouldExit)
			assert.Len(t, d.Evaluations, 3)

			allMgr, err := NewManager(criteria, ModeAll)
			require.NoError(t, err)
			d, err = allMgr.ShouldExit(context.Background(), spreadPosition(), nil)
			require.NoError(t, err)
			assert.Equal(t, allHit, d.ShouldExit)
			assert.Len(t, d.Evaluations, 3)
		})
	}
}

func TestManager_NoShortCircuit(t *testing.T) {
	a := &stubCriterion{name: "a", exit: true}
	b := &stubCriterion{name: "b", exit: true}
	c := &stubCriterion{name: "c"}
	m, err := NewManager([]Criterion{a, b, c}, ModeAny)
	require.NoError(t, err)

	d, err := m.ShouldExit(context.Background(), spreadPosition(), nil)
	require.NoError(t, err)
	assert.True(t, d.ShouldExit)
	assert.Equal(t, 1, a.callCount())
	assert.Equal(t, 1, b.callCount())
	assert.Equal(t, 1, c.callCount())
	assert.Equal(t, "Exit triggered by: a (a reason); b (b reason)", d.Reason)
	assert.Equal(t, []string{"a", "b", "c"}, []string{d.Evaluations[0].Criterion, d.Evaluations[1].Criterion, d.Evaluations[2].Criterion})
}

func TestManager_FaultIsolation(t *testing.T) {
	pt, err := NewProfitTarget(dec("50"))
	require.NoError(t, err)

	tests := []struct {
		name   string
		broken *stubCriterion
		reason string
	}{
		{"error", &stubCriterion{name: "broken", err: errors.New("greeks feed down")}, "Evaluation failed: greeks feed down"},
		{"panic", &stubCriterion{name: "broken", panics: true}, "Evaluation failed: panic: boom"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := NewManager([]Criterion{tt.broken, pt}, ModeAny)
			require.NoError(t, err)

			d, err := m.ShouldExit(context.Background(), spreadPosition(), nil)
			require.NoError(t, err)
			require.Len(t, d.Evaluations, 2)
			assert.True(t, d.ShouldExit)

			failed := d.Evaluations[0]
			assert.False(t, failed.ShouldExit)
			assert.True(t, failed.Failed())
			assert.Equal(t, tt.reason, failed.Reason)
			assert.Equal(t, "broken", failed.Metadata["strategy"])
			assert.NotEmpty(t, failed.Metadata["error"])
			assert.Equal(t, "broken", failed.Criterion)

			assert.True(t, d.Evaluations[1].ShouldExit)
			assert.False(t, d.Evaluations[1].Failed())
		})
	}
}

func TestManager_EndToEnd(t *testing.T) {
	pt, err := NewProfitTarget(dec("50.0"))
	require.NoError(t, err)
	sl, err := NewStopLoss(dec("100.0"))
	require.NoError(t, err)

	anyMgr, err := NewManager([]Criterion{pt, sl}, ModeAny)
	require.NoError(t, err)
	d, err := anyMgr.ShouldExit(context.Background(), spreadPosition(), nil)
	require.NoError(t, err)
	assert.True(t, d.ShouldExit)
	assert.Contains(t, d.Reason, "50% Profit Target")
	assert.Equal(t, "Exit triggered by: 50% Profit Target ($25.00 (50.0%) >= $25.00 (50% target))", d.Reason)

	allMgr, err := NewManager([]Criterion{pt, sl}, ModeAll)
	require.NoError(t, err)
	d, err = allMgr.ShouldExit(context.Background(), spreadPosition(), nil)
	require.NoError(t, err)
	assert.False(t, d.ShouldExit)
	assert.Contains(t, d.Reason, "Waiting on")
	assert.Contains(t, d.Reason, "100% Stop Loss")
	assert.Equal(t, "Not all exit conditions met. Waiting on: 100% Stop Loss", d.Reason)
}

func TestManager_ReasonsWhenNothingOrEverythingTriggers(t *testing.T) {
	quiet := []Criterion{&stubCriterion{name: "a"}, &stubCriterion{name: "b"}}
	m, err := NewManager(quiet, ModeAny)
	require.NoError(t, err)
	d, err := m.ShouldExit(context.Background(), spreadPosition(), nil)
	require.NoError(t, err)
	assert.Equal(t, "No exit strategies triggered", d.Reason)

	m, err = NewManager(quiet, ModeAll)
	require.NoError(t, err)
	d, err = m.ShouldExit(context.Background(), spreadPosition(), nil)
	require.NoError(t, err)
	assert.Equal(t, "Not all exit conditions met. Waiting on: a, b", d.Reason)

	loud := []Criterion{&stubCriterion{name: "a", exit: true}, &stubCriterion{name: "b", exit: true}}
	m, err = NewManager(loud, ModeAll)
	require.NoError(t, err)
	d, err = m.ShouldExit(context.Background(), spreadPosition(), nil)
	require.NoError(t, err)
	assert.True(t, d.ShouldExit)
	assert.Equal(t, "All exit conditions met: a (a reason); b (b reason)", d.Reason)
}

func TestManager_Idempotent(t *testing.T) {
	pt, err := NewProfitTarget(dec("50"))
	require.NoError(t, err)
	sl, err := NewStopLoss(dec("100"))
	require.NoError(t, err)
	m, err := NewManager([]Criterion{pt, sl}, ModeAny)
	require.NoError(t, err)

	pos := spreadPosition()
	first, err := m.ShouldExit(context.Background(), pos, MarketData{"spot": 450})
	require.NoError(t, err)
	second, err := m.ShouldExit(context.Background(), pos, MarketData{"spot": 450})
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestManager_AddRemoveStrategy(t *testing.T) {
	a := &stubCriterion{name: "a"}
	b := &stubCriterion{name: "b", exit: true}
	m, err := NewManager([]Criterion{a}, ModeAny)
	require.NoError(t, err)

	m.AddStrategy(b)
	m.AddStrategy(nil)
	require.Len(t, m.Criteria(), 2)
	d, err := m.ShouldExit(context.Background(), spreadPosition(), nil)
	require.NoError(t, err)
	assert.True(t, d.ShouldExit)
	assert.Len(t, d.Evaluations, 2)

	assert.True(t, m.RemoveStrategy(b))
	assert.False(t, m.RemoveStrategy(b))
	assert.False(t, m.RemoveStrategy(&stubCriterion{name: "a"}), "removal is by identity, not name")
	assert.Len(t, m.Criteria(), 1)

	assert.True(t, m.RemoveStrategy(a))
	d, err = m.ShouldExit(context.Background(), spreadPosition(), nil)
	require.NoError(t, err)
	assert.False(t, d.ShouldExit)
	assert.Equal(t, "No exit strategies configured", d.Reason)
	assert.Empty(t, d.Evaluations)
}

func TestManager_CriteriaReturnsCopy(t *testing.T) {
	a := &stubCriterion{name: "a"}
	m, err := NewManager([]Criterion{a}, ModeAny)
	require.NoError(t, err)
	got := m.Criteria()
	got[0] = &stubCriterion{name: "z"}
	assert.Same(t, a, m.Criteria()[0])
}

func TestManager_InvalidModeIsHardFailure(t *testing.T) {
	m := &Manager{criteria: []Criterion{&stubCriterion{name: "a"}}, mode: Mode("xor")}
	_, err := m.ShouldExit(context.Background(), spreadPosition(), nil)
	assert.True(t, errors.Is(err, ErrInvalidMode))
}

func TestManager_AuditLogging(t *testing.T) {
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)

	m, err := NewManager([]Criterion{
		&stubCriterion{name: "a", exit: true},
		&stubCriterion{name: "b", err: errors.New("bad")},
	}, ModeAny, WithLogger(logger))
	require.NoError(t, err)

	_, err = m.ShouldExit(context.Background(), spreadPosition(), nil)
	require.NoError(t, err)

	var debug, warn, info int
	for _, e := range hook.AllEntries() {
		switch e.Level {
		case logrus.DebugLevel:
			debug++
			assert.Equal(t, "pos-1", e.Data["position_id"])
		case logrus.WarnLevel:
			warn++
		case logrus.InfoLevel:
			info++
		}
	}
	assert.Equal(t, 2, debug)
	assert.Equal(t, 1, warn)
	assert.Equal(t, 1, info)

	last := hook.LastEntry()
	require.NotNil(t, last)
	assert.Equal(t, "exit decision", last.Message)
	assert.Equal(t, ModeAny, last.Data["mode"])
	assert.Equal(t, true, last.Data["should_exit"])
	assert.Equal(t, "pos-1", last.Data["position_id"])
}

func TestManager_ConcurrentReadOnlyEvaluation(t *testing.T) {
	pt, err := NewProfitTarget(dec("50"))
	require.NoError(t, err)
	sl, err := NewStopLoss(dec("100"))
	require.NoError(t, err)
	m, err := NewManager([]Criterion{pt, sl}, ModeAny)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := m.ShouldExit(context.Background(), spreadPosition(), nil)
			assert.NoError(t, err)
			assert.True(t, d.ShouldExit)
		}()
	}
	wg.Wait()
}
