package storage

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/eddiefleurent/scranton_autopilot/internal/models"
)

// MemoryLedger is an in-process Ledger used by tests and by deployments
// without a database path. Failures can be injected per operation.
type MemoryLedger struct {
	mu           sync.RWMutex
	positions    map[string]*models.Position
	transactions []*models.Transaction
	orders       map[string]*models.OrderHistory
	nextTxID     int64
	failures     map[string]error
	calls        map[string]int
	now          func() time.Time
}

// NewMemoryLedger creates an empty in-memory ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		positions: make(map[string]*models.Position),
		orders:    make(map[string]*models.OrderHistory),
		failures:  make(map[string]error),
		calls:     make(map[string]int),
		now:       time.Now,
	}
}

// Mock control methods for testing

// FailOn makes op fail with err. key narrows the failure to one argument
// (an order id for OrderHistory and CreatePosition, a position id for
// LinkTransaction); an empty key matches every call.
func (m *MemoryLedger) FailOn(op, key string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[op+"|"+key] = err
}

// ClearFailures removes all injected failures.
func (m *MemoryLedger) ClearFailures() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures = make(map[string]error)
}

// CallCount returns how many times op was invoked.
func (m *MemoryLedger) CallCount(op string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.calls[op]
}

// must be called with m.mu held
func (m *MemoryLedger) check(op, key string) error {
	m.calls[op]++
	if err, ok := m.failures[op+"|"+key]; ok {
		return err
	}
	if err, ok := m.failures[op+"|"]; ok {
		return err
	}
	return nil
}

// Positions

func (m *MemoryLedger) OpenPositions(_ context.Context, userID, account string) ([]models.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("OpenPositions", account); err != nil {
		return nil, err
	}
	var out []models.Position
	for _, p := range m.positions {
		if !p.IsOpen() || !matchOwner(p.UserID, p.AccountNumber, userID, account) {
			continue
		}
		out = append(out, *p.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *MemoryLedger) GetPosition(_ context.Context, id string) (*models.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("GetPosition", id); err != nil {
		return nil, err
	}
	p, ok := m.positions[id]
	if !ok {
		return nil, fmt.Errorf("position %s: %w", id, ErrNotFound)
	}
	return p.Clone(), nil
}

func (m *MemoryLedger) PositionByOpeningOrderID(_ context.Context, orderID string) (*models.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("PositionByOpeningOrderID", orderID); err != nil {
		return nil, err
	}
	if p := m.byOpeningOrder(orderID); p != nil {
		return p.Clone(), nil
	}
	return nil, fmt.Errorf("position for order %s: %w", orderID, ErrNotFound)
}

func (m *MemoryLedger) byOpeningOrder(orderID string) *models.Position {
	if orderID == "" {
		return nil
	}
	for _, p := range m.positions {
		if p.OpeningOrder() == orderID {
			return p
		}
	}
	return nil
}

func (m *MemoryLedger) CreatePosition(_ context.Context, pos *models.Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("CreatePosition", pos.OpeningOrder()); err != nil {
		return err
	}
	if pos.ID == "" {
		pos.ID = uuid.NewString()
	}
	if _, exists := m.positions[pos.ID]; exists {
		return fmt.Errorf("position %s: %w", pos.ID, ErrDuplicate)
	}
	if m.byOpeningOrder(pos.OpeningOrder()) != nil {
		return fmt.Errorf("opening order %s: %w", pos.OpeningOrder(), ErrDuplicate)
	}
	if pos.Status == "" {
		pos.Status = models.StatusOpen
	}
	now := m.now().UTC()
	if pos.CreatedAt.IsZero() {
		pos.CreatedAt = now
	}
	pos.UpdatedAt = now
	m.positions[pos.ID] = pos.Clone()
	return nil
}

func (m *MemoryLedger) UpdatePosition(_ context.Context, pos *models.Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("UpdatePosition", pos.ID); err != nil {
		return err
	}
	if _, ok := m.positions[pos.ID]; !ok {
		return fmt.Errorf("position %s: %w", pos.ID, ErrNotFound)
	}
	if other := m.byOpeningOrder(pos.OpeningOrder()); other != nil && other.ID != pos.ID {
		return fmt.Errorf("opening order %s: %w", pos.OpeningOrder(), ErrDuplicate)
	}
	pos.UpdatedAt = m.now().UTC()
	m.positions[pos.ID] = pos.Clone()
	return nil
}

// Transactions

func (m *MemoryLedger) UpsertTransactions(_ context.Context, txs []models.Transaction) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("UpsertTransactions", ""); err != nil {
		return 0, err
	}
	for _, tx := range txs {
		if tx.BrokerTransactionID == "" {
			return 0, fmt.Errorf("transaction without broker_transaction_id: %w", ErrInvalid)
		}
	}
	inserted := 0
	for _, tx := range txs {
		if m.findBrokerTx(tx.AccountNumber, tx.BrokerTransactionID) != nil {
			continue
		}
		m.nextTxID++
		c := tx
		c.ID = m.nextTxID
		c.ExecutedAt = c.ExecutedAt.UTC()
		c.RelatedPositionID = cloneString(tx.RelatedPositionID)
		m.transactions = append(m.transactions, &c)
		inserted++
	}
	return inserted, nil
}

func (m *MemoryLedger) findBrokerTx(account, brokerID string) *models.Transaction {
	for _, t := range m.transactions {
		if t.AccountNumber == account && t.BrokerTransactionID == brokerID {
			return t
		}
	}
	return nil
}

func (m *MemoryLedger) UnlinkedOpeningTransactions(_ context.Context, userID, account string, since time.Time) ([]models.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("UnlinkedOpeningTransactions", account); err != nil {
		return nil, err
	}
	var out []models.Transaction
	for _, t := range m.transactions {
		if !matchOwner(t.UserID, t.AccountNumber, userID, account) {
			continue
		}
		if !t.IsOpening() || t.OrderID == "" || t.IsLinked() || t.ExecutedAt.Before(since) {
			continue
		}
		out = append(out, copyTx(t))
	}
	sortByExecution(out)
	return out, nil
}

func (m *MemoryLedger) UnlinkedClosingTransactions(_ context.Context, f ClosingFilter) ([]models.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("UnlinkedClosingTransactions", f.AccountNumber); err != nil {
		return nil, err
	}
	actions := f.actions()
	var out []models.Transaction
	for _, t := range m.transactions {
		switch {
		case t.IsLinked():
			continue
		case !matchOwner(t.UserID, t.AccountNumber, f.UserID, f.AccountNumber):
			continue
		case !slices.Contains(actions, t.Action):
			continue
		case len(f.Symbols) > 0 && !slices.Contains(f.Symbols, t.Symbol):
			continue
		case f.Underlying != "" && t.UnderlyingSymbol != f.Underlying:
			continue
		case f.InstrumentType != "" && t.InstrumentType != f.InstrumentType:
			continue
		case f.ExecutedAfter != nil && t.ExecutedAt.Before(*f.ExecutedAfter):
			continue
		}
		out = append(out, copyTx(t))
	}
	sortByExecution(out)
	return out, nil
}

func (m *MemoryLedger) TransactionsForPosition(_ context.Context, positionID string) ([]models.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("TransactionsForPosition", positionID); err != nil {
		return nil, err
	}
	var out []models.Transaction
	for _, t := range m.transactions {
		if t.RelatedPositionID != nil && *t.RelatedPositionID == positionID {
			out = append(out, copyTx(t))
		}
	}
	sortByExecution(out)
	return out, nil
}

func (m *MemoryLedger) LinkTransaction(_ context.Context, txID int64, positionID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("LinkTransaction", positionID); err != nil {
		return false, err
	}
	if _, ok := m.positions[positionID]; !ok {
		return false, fmt.Errorf("position %s: %w", positionID, ErrNotFound)
	}
	for _, t := range m.transactions {
		if t.ID != txID {
			continue
		}
		if t.IsLinked() {
			return false, nil
		}
		id := positionID
		t.RelatedPositionID = &id
		return true, nil
	}
	return false, fmt.Errorf("transaction %d: %w", txID, ErrNotFound)
}

// Order history

func (m *MemoryLedger) OrderHistory(_ context.Context, brokerOrderID string) (*models.OrderHistory, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("OrderHistory", brokerOrderID); err != nil {
		return nil, err
	}
	oh, ok := m.orders[brokerOrderID]
	if !ok {
		return nil, fmt.Errorf("order history %s: %w", brokerOrderID, ErrNotFound)
	}
	c := *oh
	c.Legs = slices.Clone(oh.Legs)
	return &c, nil
}

func (m *MemoryLedger) SaveOrderHistory(_ context.Context, oh *models.OrderHistory) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("SaveOrderHistory", oh.BrokerOrderID); err != nil {
		return err
	}
	if oh.BrokerOrderID == "" {
		return fmt.Errorf("order history without broker_order_id: %w", ErrInvalid)
	}
	c := *oh
	c.Legs = slices.Clone(oh.Legs)
	m.orders[oh.BrokerOrderID] = &c
	return nil
}

func (m *MemoryLedger) Close() error { return nil }

func matchOwner(gotUser, gotAccount, wantUser, wantAccount string) bool {
	if wantUser != "" && gotUser != wantUser {
		return false
	}
	if wantAccount != "" && gotAccount != wantAccount {
		return false
	}
	return true
}

func copyTx(t *models.Transaction) models.Transaction {
	c := *t
	c.RelatedPositionID = cloneString(t.RelatedPositionID)
	return c
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func sortByExecution(txs []models.Transaction) {
	sort.SliceStable(txs, func(i, j int) bool {
		if !txs[i].ExecutedAt.Equal(txs[j].ExecutedAt) {
			return txs[i].ExecutedAt.Before(txs[j].ExecutedAt)
		}
		return txs[i].ID < txs[j].ID
	})
}
