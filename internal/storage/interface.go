package storage

import (
	"context"
	"strings"
	"time"

	"github.com/eddiefleurent/scranton_autopilot/internal/models"
)

// Ledger defines the contract for position, transaction and order history
// persistence.
//
// Implementations must be safe for concurrent use. LinkTransaction is
// conditional: it only sets the back-reference on a transaction that is
// still unlinked, which keeps linking idempotent across reconciliation
// runs.
type Ledger interface {
	// Positions
	OpenPositions(ctx context.Context, userID, account string) ([]models.Position, error)
	GetPosition(ctx context.Context, id string) (*models.Position, error)
	PositionByOpeningOrderID(ctx context.Context, orderID string) (*models.Position, error)
	CreatePosition(ctx context.Context, pos *models.Position) error
	UpdatePosition(ctx context.Context, pos *models.Position) error

	// Transactions
	UpsertTransactions(ctx context.Context, txs []models.Transaction) (int, error)
	UnlinkedOpeningTransactions(ctx context.Context, userID, account string, since time.Time) ([]models.Transaction, error)
	UnlinkedClosingTransactions(ctx context.Context, f ClosingFilter) ([]models.Transaction, error)
	TransactionsForPosition(ctx context.Context, positionID string) ([]models.Transaction, error)
	LinkTransaction(ctx context.Context, txID int64, positionID string) (bool, error)

	// Broker order history
	OrderHistory(ctx context.Context, brokerOrderID string) (*models.OrderHistory, error)
	SaveOrderHistory(ctx context.Context, oh *models.OrderHistory) error

	Close() error
}

// ClosingFilter selects unlinked closing transactions. Empty fields do not
// constrain the query; Actions defaults to models.ClosingActions.
type ClosingFilter struct {
	UserID         string
	AccountNumber  string
	Symbols        []string
	Underlying     string
	InstrumentType string
	Actions        []string
	ExecutedAfter  *time.Time
}

func (f ClosingFilter) actions() []string {
	if len(f.Actions) == 0 {
		return models.ClosingActions
	}
	return f.Actions
}

// NewLedger opens the SQLite ledger at path. An empty path or ":memory:"
// returns an in-memory ledger.
func NewLedger(path string) (Ledger, error) {
	path = strings.TrimSpace(path)
	if path == "" || path == ":memory:" {
		return NewMemoryLedger(), nil
	}
	return NewGormLedger(path)
}

// Ensure implementations satisfy Ledger
var (
	_ Ledger = (*GormLedger)(nil)
	_ Ledger = (*MemoryLedger)(nil)
)
