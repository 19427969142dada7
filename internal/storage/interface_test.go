package storage

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eddiefleurent/scranton_autopilot/internal/models"
)

// TestLedger runs the shared contract against both implementations
func TestLedger(t *testing.T) {
	t.Run("MemoryLedger", func(t *testing.T) {
		testLedger(t, func(t *testing.T) Ledger { return NewMemoryLedger() })
	})

	t.Run("GormLedger", func(t *testing.T) {
		testLedger(t, func(t *testing.T) Ledger {
			l, err := NewGormLedger(filepath.Join(t.TempDir(), "ledger.db"))
			require.NoError(t, err)
			t.Cleanup(func() { _ = l.Close() })
			return l
		})
	})
}

var t0 = time.Date(2025, 1, 6, 14, 30, 0, 0, time.UTC)

func openTx(broker, order, symbol string, at time.Time) models.Transaction {
	return models.Transaction{
		UserID:              "u1",
		AccountNumber:       "ACC1",
		BrokerTransactionID: broker,
		OrderID:             order,
		Action:              models.ActionSellToOpen,
		Symbol:              symbol,
		UnderlyingSymbol:    "SPY",
		InstrumentType:      models.InstrumentEquityOption,
		NetValue:            decimal.RequireFromString("250"),
		Quantity:            decimal.NewFromInt(1),
		Price:               decimal.RequireFromString("2.50"),
		ExecutedAt:          at,
	}
}

func closeTx(broker, order, symbol string, at time.Time) models.Transaction {
	tx := openTx(broker, order, symbol, at)
	tx.Action = models.ActionBuyToClose
	tx.NetValue = decimal.RequireFromString("-100")
	return tx
}

func testPosition(order string) *models.Position {
	return &models.Position{
		UserID:         "u1",
		AccountNumber:  "ACC1",
		Symbol:         "SPY",
		StrategyType:   models.StrategyPutSpread,
		Quantity:       1,
		OpeningValue:   decimal.RequireFromString("250"),
		InitialRisk:    models.DecimalPtr(decimal.RequireFromString("250")),
		OpenedAt:       models.TimePtr(t0),
		OpeningOrderID: models.StringPtr(order),
		Metadata: map[string]any{
			models.MetaExpirationDate: "2025-01-17",
		},
	}
}

func testLedger(t *testing.T, newLedger func(t *testing.T) Ledger) {
	ctx := context.Background()

	t.Run("position lifecycle", func(t *testing.T) {
		l := newLedger(t)

		open, err := l.OpenPositions(ctx, "u1", "ACC1")
		require.NoError(t, err)
		assert.Empty(t, open)

		pos := testPosition("1001")
		require.NoError(t, l.CreatePosition(ctx, pos))
		require.NotEmpty(t, pos.ID, "id assigned on create")
		assert.Equal(t, models.StatusOpen, pos.Status)

		got, err := l.GetPosition(ctx, pos.ID)
		require.NoError(t, err)
		assert.Equal(t, "SPY", got.Symbol)
		assert.Equal(t, "1001", got.OpeningOrder())
		assert.True(t, got.InitialRisk.Equal(decimal.RequireFromString("250")))
		assert.Nil(t, got.UnrealizedPnL)
		exp, ok := got.ExpirationDate()
		assert.True(t, ok)
		assert.Equal(t, "2025-01-17", exp)
		require.NotNil(t, got.OpenedAt)
		assert.True(t, got.OpenedAt.Equal(t0))

		byOrder, err := l.PositionByOpeningOrderID(ctx, "1001")
		require.NoError(t, err)
		assert.Equal(t, pos.ID, byOrder.ID)

		got.UnrealizedPnL = models.DecimalPtr(decimal.RequireFromString("125.5"))
		require.NoError(t, l.UpdatePosition(ctx, got))
		again, err := l.GetPosition(ctx, pos.ID)
		require.NoError(t, err)
		require.NotNil(t, again.UnrealizedPnL)
		assert.True(t, again.UnrealizedPnL.Equal(decimal.RequireFromString("125.5")))

		open, err = l.OpenPositions(ctx, "u1", "ACC1")
		require.NoError(t, err)
		assert.Len(t, open, 1)

		again.Status = models.StatusClosed
		again.ClosedAt = models.TimePtr(t0.Add(48 * time.Hour))
		require.NoError(t, l.UpdatePosition(ctx, again))
		open, err = l.OpenPositions(ctx, "u1", "ACC1")
		require.NoError(t, err)
		assert.Empty(t, open)
	})

	t.Run("not found", func(t *testing.T) {
		l := newLedger(t)
		_, err := l.GetPosition(ctx, "missing")
		assert.True(t, errors.Is(err, ErrNotFound))
		_, err = l.PositionByOpeningOrderID(ctx, "missing")
		assert.True(t, errors.Is(err, ErrNotFound))
		_, err = l.OrderHistory(ctx, "missing")
		assert.True(t, errors.Is(err, ErrNotFound))
		err = l.UpdatePosition(ctx, &models.Position{ID: "missing"})
		assert.True(t, errors.Is(err, ErrNotFound))
	})

	t.Run("duplicate opening order", func(t *testing.T) {
		l := newLedger(t)
		require.NoError(t, l.CreatePosition(ctx, testPosition("2002")))
		err := l.CreatePosition(ctx, testPosition("2002"))
		assert.True(t, errors.Is(err, ErrDuplicate), "got %v", err)
	})

	t.Run("open positions scoped by owner", func(t *testing.T) {
		l := newLedger(t)
		require.NoError(t, l.CreatePosition(ctx, testPosition("3001")))
		other := testPosition("3002")
		other.AccountNumber = "ACC2"
		require.NoError(t, l.CreatePosition(ctx, other))

		acc1, err := l.OpenPositions(ctx, "u1", "ACC1")
		require.NoError(t, err)
		assert.Len(t, acc1, 1)
		all, err := l.OpenPositions(ctx, "", "")
		require.NoError(t, err)
		assert.Len(t, all, 2)
	})

	t.Run("transaction upsert dedupes on broker id", func(t *testing.T) {
		l := newLedger(t)
		n, err := l.UpsertTransactions(ctx, []models.Transaction{
			openTx("b1", "1001", "SPY250117P00450000", t0),
			openTx("b2", "1001", "SPY250117P00445000", t0),
		})
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		n, err = l.UpsertTransactions(ctx, []models.Transaction{
			openTx("b1", "1001", "SPY250117P00450000", t0),
			openTx("b3", "1002", "QQQ250117P00400000", t0.Add(time.Minute)),
		})
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		_, err = l.UpsertTransactions(ctx, []models.Transaction{{AccountNumber: "ACC1"}})
		assert.True(t, errors.Is(err, ErrInvalid))
	})

	t.Run("unlinked opening transactions", func(t *testing.T) {
		l := newLedger(t)
		noOrder := openTx("b4", "", "SPY250117P00440000", t0)
		old := openTx("b5", "0999", "SPY250117P00440000", t0.AddDate(0, 0, -60))
		closing := closeTx("b6", "1005", "SPY250117P00450000", t0)
		_, err := l.UpsertTransactions(ctx, []models.Transaction{
			openTx("b2", "1001", "SPY250117P00445000", t0.Add(time.Minute)),
			openTx("b1", "1001", "SPY250117P00450000", t0),
			noOrder, old, closing,
		})
		require.NoError(t, err)

		txs, err := l.UnlinkedOpeningTransactions(ctx, "u1", "ACC1", t0.AddDate(0, 0, -30))
		require.NoError(t, err)
		require.Len(t, txs, 2)
		assert.Equal(t, "b1", txs[0].BrokerTransactionID, "ordered by execution time")
		assert.Equal(t, "b2", txs[1].BrokerTransactionID)
		assert.NotZero(t, txs[0].ID)
	})

	t.Run("link is conditional", func(t *testing.T) {
		l := newLedger(t)
		pos := testPosition("1001")
		require.NoError(t, l.CreatePosition(ctx, pos))
		_, err := l.UpsertTransactions(ctx, []models.Transaction{
			closeTx("c1", "1010", "SPY250117P00450000", t0.Add(24*time.Hour)),
		})
		require.NoError(t, err)

		txs, err := l.UnlinkedClosingTransactions(ctx, ClosingFilter{
			UserID: "u1", AccountNumber: "ACC1", Symbols: []string{"SPY250117P00450000"},
		})
		require.NoError(t, err)
		require.Len(t, txs, 1)

		linked, err := l.LinkTransaction(ctx, txs[0].ID, pos.ID)
		require.NoError(t, err)
		assert.True(t, linked)

		linked, err = l.LinkTransaction(ctx, txs[0].ID, pos.ID)
		require.NoError(t, err)
		assert.False(t, linked, "second link is a no-op")

		forPos, err := l.TransactionsForPosition(ctx, pos.ID)
		require.NoError(t, err)
		require.Len(t, forPos, 1)
		require.NotNil(t, forPos[0].RelatedPositionID)
		assert.Equal(t, pos.ID, *forPos[0].RelatedPositionID)

		txs, err = l.UnlinkedClosingTransactions(ctx, ClosingFilter{UserID: "u1", AccountNumber: "ACC1"})
		require.NoError(t, err)
		assert.Empty(t, txs)

		_, err = l.LinkTransaction(ctx, 9999, pos.ID)
		assert.True(t, errors.Is(err, ErrNotFound))
		_, err = l.LinkTransaction(ctx, forPos[0].ID, "missing")
		assert.True(t, errors.Is(err, ErrNotFound))
	})

	t.Run("closing filter", func(t *testing.T) {
		l := newLedger(t)
		equitySell := models.Transaction{
			UserID: "u1", AccountNumber: "ACC1", BrokerTransactionID: "e1", OrderID: "4001",
			Action: models.ActionSell, Symbol: "AAPL", UnderlyingSymbol: "AAPL",
			InstrumentType: models.InstrumentEquity, ExecutedAt: t0.Add(time.Hour),
			NetValue: decimal.NewFromInt(1900), Quantity: decimal.NewFromInt(10),
		}
		_, err := l.UpsertTransactions(ctx, []models.Transaction{
			closeTx("c1", "1010", "SPY250117P00450000", t0.Add(-time.Hour)),
			closeTx("c2", "1011", "SPY250117P00445000", t0.Add(time.Hour)),
			equitySell,
		})
		require.NoError(t, err)

		after := t0
		txs, err := l.UnlinkedClosingTransactions(ctx, ClosingFilter{
			UserID: "u1", AccountNumber: "ACC1",
			Underlying: "SPY", InstrumentType: models.InstrumentEquityOption,
			ExecutedAfter: &after,
		})
		require.NoError(t, err)
		require.Len(t, txs, 1)
		assert.Equal(t, "c2", txs[0].BrokerTransactionID)

		txs, err = l.UnlinkedClosingTransactions(ctx, ClosingFilter{
			Underlying: "AAPL", InstrumentType: models.InstrumentEquity,
			Actions: []string{models.ActionSell, models.ActionSellToClose},
		})
		require.NoError(t, err)
		require.Len(t, txs, 1)
		assert.Equal(t, "e1", txs[0].BrokerTransactionID)
		assert.True(t, txs[0].NetValue.Equal(decimal.NewFromInt(1900)))
	})

	t.Run("order history", func(t *testing.T) {
		l := newLedger(t)
		filled := t0
		oh := &models.OrderHistory{
			BrokerOrderID:    "1001",
			UserID:           "u1",
			AccountNumber:    "ACC1",
			UnderlyingSymbol: "SPY",
			OrderType:        "credit",
			Status:           "filled",
			PriceEffect:      models.PriceEffectCredit,
			Price:            decimal.RequireFromString("2.50"),
			FilledAt:         &filled,
			Legs: []models.Leg{
				{Symbol: "SPY250117P00450000", Action: models.ActionSellToOpen, Quantity: 1, InstrumentType: models.InstrumentEquityOption},
				{Symbol: "SPY250117P00445000", Action: models.ActionBuyToOpen, Quantity: 1, InstrumentType: models.InstrumentEquityOption},
			},
		}
		require.NoError(t, l.SaveOrderHistory(ctx, oh))

		got, err := l.OrderHistory(ctx, "1001")
		require.NoError(t, err)
		assert.Equal(t, "SPY", got.UnderlyingSymbol)
		assert.Equal(t, oh.Legs, got.Legs)
		assert.True(t, got.Price.Equal(oh.Price))

		oh.Status = "expired"
		require.NoError(t, l.SaveOrderHistory(ctx, oh))
		got, err = l.OrderHistory(ctx, "1001")
		require.NoError(t, err)
		assert.Equal(t, "expired", got.Status, "save overwrites")

		err = l.SaveOrderHistory(ctx, &models.OrderHistory{})
		assert.True(t, errors.Is(err, ErrInvalid))
	})

	t.Run("concurrent links", func(t *testing.T) {
		l := newLedger(t)
		pos := testPosition("1001")
		require.NoError(t, l.CreatePosition(ctx, pos))
		_, err := l.UpsertTransactions(ctx, []models.Transaction{
			closeTx("c1", "1010", "SPY250117P00450000", t0),
		})
		require.NoError(t, err)
		txs, err := l.UnlinkedClosingTransactions(ctx, ClosingFilter{})
		require.NoError(t, err)
		require.Len(t, txs, 1)

		var (
			wg    sync.WaitGroup
			mu    sync.Mutex
			total int
		)
		for i := 0; i < 4; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				ok, err := l.LinkTransaction(ctx, txs[0].ID, pos.ID)
				if err != nil || !ok {
					return
				}
				mu.Lock()
				total++
				mu.Unlock()
			}()
		}
		wg.Wait()
		assert.Equal(t, 1, total, "exactly one caller links")
	})
}

func TestMemoryLedger_FailureInjection(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger()
	boom := errors.New("boom")

	l.FailOn("OrderHistory", "1002", boom)
	_, err := l.OrderHistory(ctx, "1001")
	assert.True(t, errors.Is(err, ErrNotFound))
	_, err = l.OrderHistory(ctx, "1002")
	assert.Equal(t, boom, err)
	assert.Equal(t, 2, l.CallCount("OrderHistory"))

	l.FailOn("CreatePosition", "", boom)
	assert.Equal(t, boom, l.CreatePosition(ctx, testPosition("1")))

	l.ClearFailures()
	assert.NoError(t, l.CreatePosition(ctx, testPosition("1")))
}

func TestMemoryLedger_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger()
	pos := testPosition("1001")
	require.NoError(t, l.CreatePosition(ctx, pos))

	got, err := l.GetPosition(ctx, pos.ID)
	require.NoError(t, err)
	got.Symbol = "QQQ"
	*got.InitialRisk = decimal.Zero

	again, err := l.GetPosition(ctx, pos.ID)
	require.NoError(t, err)
	assert.Equal(t, "SPY", again.Symbol)
	assert.True(t, again.InitialRisk.Equal(decimal.RequireFromString("250")))
}

func TestNewLedger(t *testing.T) {
	l, err := NewLedger("")
	require.NoError(t, err)
	assert.IsType(t, &MemoryLedger{}, l)

	l, err = NewLedger(":memory:")
	require.NoError(t, err)
	assert.IsType(t, &MemoryLedger{}, l)

	path := filepath.Join(t.TempDir(), "nested", "dir", "ledger.db")
	l, err = NewLedger(path)
	require.NoError(t, err)
	defer l.Close()
	assert.IsType(t, &GormLedger{}, l)
	assert.FileExists(t, path)
}
