package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/eddiefleurent/scranton_autopilot/internal/models"
)

type positionRow struct {
	ID             string              `gorm:"column:id;primaryKey;size:64"`
	UserID         string              `gorm:"column:user_id;index:idx_positions_owner,priority:1"`
	AccountNumber  string              `gorm:"column:account_number;index:idx_positions_owner,priority:2"`
	Symbol         string              `gorm:"column:symbol;index"`
	StrategyType   string              `gorm:"column:strategy_type"`
	Status         string              `gorm:"column:status;index"`
	Quantity       int                 `gorm:"column:quantity"`
	AvgPrice       decimal.Decimal     `gorm:"column:avg_price;type:TEXT"`
	OpeningValue   decimal.Decimal     `gorm:"column:opening_value;type:TEXT"`
	UnrealizedPnL  decimal.NullDecimal `gorm:"column:unrealized_pnl;type:TEXT"`
	InitialRisk    decimal.NullDecimal `gorm:"column:initial_risk;type:TEXT"`
	OpenedAt       *time.Time          `gorm:"column:opened_at"`
	ClosedAt       *time.Time          `gorm:"column:closed_at"`
	OpeningOrderID *string             `gorm:"column:opening_order_id;uniqueIndex"`
	IsAppManaged   bool                `gorm:"column:is_app_managed"`
	Metadata       datatypes.JSON      `gorm:"column:metadata;type:TEXT"`
	CreatedAt      time.Time           `gorm:"column:created_at"`
	UpdatedAt      time.Time           `gorm:"column:updated_at"`
}

func (positionRow) TableName() string { return "positions" }

type transactionRow struct {
	ID                  int64           `gorm:"column:id;primaryKey;autoIncrement"`
	UserID              string          `gorm:"column:user_id;index:idx_tx_owner,priority:1"`
	AccountNumber       string          `gorm:"column:account_number;index:idx_tx_owner,priority:2;uniqueIndex:idx_tx_broker,priority:1"`
	BrokerTransactionID string          `gorm:"column:broker_transaction_id;uniqueIndex:idx_tx_broker,priority:2"`
	OrderID             string          `gorm:"column:order_id;index"`
	Action              string          `gorm:"column:action"`
	Symbol              string          `gorm:"column:symbol;index"`
	UnderlyingSymbol    string          `gorm:"column:underlying_symbol;index"`
	InstrumentType      string          `gorm:"column:instrument_type"`
	NetValue            decimal.Decimal `gorm:"column:net_value;type:TEXT"`
	Quantity            decimal.Decimal `gorm:"column:quantity;type:TEXT"`
	Price               decimal.Decimal `gorm:"column:price;type:TEXT"`
	ExecutedAt          time.Time       `gorm:"column:executed_at;index"`
	RelatedPositionID   *string         `gorm:"column:related_position_id;index"`
	Description         string          `gorm:"column:description"`
}

func (transactionRow) TableName() string { return "transactions" }

type orderHistoryRow struct {
	BrokerOrderID    string          `gorm:"column:broker_order_id;primaryKey;size:64"`
	UserID           string          `gorm:"column:user_id"`
	AccountNumber    string          `gorm:"column:account_number;index"`
	UnderlyingSymbol string          `gorm:"column:underlying_symbol"`
	OrderType        string          `gorm:"column:order_type"`
	Status           string          `gorm:"column:status"`
	PriceEffect      string          `gorm:"column:price_effect"`
	Price            decimal.Decimal `gorm:"column:price;type:TEXT"`
	Legs             datatypes.JSON  `gorm:"column:legs;type:TEXT"`
	FilledAt         *time.Time      `gorm:"column:filled_at"`
	UpdatedAt        time.Time       `gorm:"column:updated_at"`
}

func (orderHistoryRow) TableName() string { return "order_history" }

// GormLedger implements Ledger using Gorm + SQLite.
type GormLedger struct {
	db *gorm.DB
}

// NewGormLedger opens (creating if needed) the SQLite database at path and
// migrates the schema.
func NewGormLedger(path string) (*GormLedger, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("gorm ledger: path is required")
	}
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("gorm ledger: create dir: %w", err)
		}
	}
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=off", path)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:                                   logger.Default.LogMode(logger.Silent),
		DisableForeignKeyConstraintWhenMigrating: true,
		TranslateError:                           true,
	})
	if err != nil {
		return nil, fmt.Errorf("gorm ledger: open: %w", err)
	}
	if err := db.AutoMigrate(&positionRow{}, &transactionRow{}, &orderHistoryRow{}); err != nil {
		return nil, fmt.Errorf("gorm ledger: migrate: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// SQLite + WAL: a little read parallelism for the dashboard while
	// keeping writer contention low.
	sqlDB.SetMaxOpenConns(2)
	sqlDB.SetMaxIdleConns(2)
	return &GormLedger{db: db}, nil
}

// Close releases the underlying connection pool.
func (g *GormLedger) Close() error {
	sqlDB, err := g.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Positions

func (g *GormLedger) OpenPositions(ctx context.Context, userID, account string) ([]models.Position, error) {
	q := g.db.WithContext(ctx).Where("status = ?", string(models.StatusOpen))
	if userID != "" {
		q = q.Where("user_id = ?", userID)
	}
	if account != "" {
		q = q.Where("account_number = ?", account)
	}
	var rows []positionRow
	if err := q.Order("created_at ASC, id ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("open positions: %w", err)
	}
	out := make([]models.Position, 0, len(rows))
	for i := range rows {
		p, err := rows[i].toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, nil
}

func (g *GormLedger) GetPosition(ctx context.Context, id string) (*models.Position, error) {
	var row positionRow
	err := g.db.WithContext(ctx).Where("id = ?", id).First(&row).Error
	if err != nil {
		return nil, notFound(err, "position "+id)
	}
	return row.toModel()
}

func (g *GormLedger) PositionByOpeningOrderID(ctx context.Context, orderID string) (*models.Position, error) {
	if orderID == "" {
		return nil, fmt.Errorf("position for empty order id: %w", ErrNotFound)
	}
	var row positionRow
	err := g.db.WithContext(ctx).Where("opening_order_id = ?", orderID).First(&row).Error
	if err != nil {
		return nil, notFound(err, "position for order "+orderID)
	}
	return row.toModel()
}

func (g *GormLedger) CreatePosition(ctx context.Context, pos *models.Position) error {
	if pos.ID == "" {
		pos.ID = uuid.NewString()
	}
	if pos.Status == "" {
		pos.Status = models.StatusOpen
	}
	now := time.Now().UTC()
	if pos.CreatedAt.IsZero() {
		pos.CreatedAt = now
	}
	pos.UpdatedAt = now
	row, err := positionFromModel(pos)
	if err != nil {
		return err
	}
	if err := g.db.WithContext(ctx).Create(row).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return fmt.Errorf("position %s (order %s): %w", pos.ID, pos.OpeningOrder(), ErrDuplicate)
		}
		return fmt.Errorf("create position: %w", err)
	}
	return nil
}

func (g *GormLedger) UpdatePosition(ctx context.Context, pos *models.Position) error {
	pos.UpdatedAt = time.Now().UTC()
	row, err := positionFromModel(pos)
	if err != nil {
		return err
	}
	res := g.db.WithContext(ctx).Model(&positionRow{}).Where("id = ?", pos.ID).
		Select("*").Omit("id", "created_at").Updates(row)
	if res.Error != nil {
		if errors.Is(res.Error, gorm.ErrDuplicatedKey) {
			return fmt.Errorf("position %s: %w", pos.ID, ErrDuplicate)
		}
		return fmt.Errorf("update position: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("position %s: %w", pos.ID, ErrNotFound)
	}
	return nil
}

// Transactions

func (g *GormLedger) UpsertTransactions(ctx context.Context, txs []models.Transaction) (int, error) {
	if len(txs) == 0 {
		return 0, nil
	}
	rows := make([]transactionRow, 0, len(txs))
	for i := range txs {
		if txs[i].BrokerTransactionID == "" {
			return 0, fmt.Errorf("transaction without broker_transaction_id: %w", ErrInvalid)
		}
		rows = append(rows, transactionFromModel(&txs[i]))
	}
	res := g.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "account_number"}, {Name: "broker_transaction_id"}},
			DoNothing: true,
		}).
		Create(&rows)
	if res.Error != nil {
		return 0, fmt.Errorf("upsert transactions: %w", res.Error)
	}
	return int(res.RowsAffected), nil
}

func (g *GormLedger) UnlinkedOpeningTransactions(ctx context.Context, userID, account string, since time.Time) ([]models.Transaction, error) {
	q := g.db.WithContext(ctx).
		Where("action IN ?", models.OpeningActions).
		Where("order_id <> ''").
		Where("(related_position_id IS NULL OR related_position_id = '')").
		Where("executed_at >= ?", since.UTC())
	if userID != "" {
		q = q.Where("user_id = ?", userID)
	}
	if account != "" {
		q = q.Where("account_number = ?", account)
	}
	return g.findTransactions(q)
}

func (g *GormLedger) UnlinkedClosingTransactions(ctx context.Context, f ClosingFilter) ([]models.Transaction, error) {
	q := g.db.WithContext(ctx).
		Where("action IN ?", f.actions()).
		Where("(related_position_id IS NULL OR related_position_id = '')")
	if f.UserID != "" {
		q = q.Where("user_id = ?", f.UserID)
	}
	if f.AccountNumber != "" {
		q = q.Where("account_number = ?", f.AccountNumber)
	}
	if len(f.Symbols) > 0 {
		q = q.Where("symbol IN ?", f.Symbols)
	}
	if f.Underlying != "" {
		q = q.Where("underlying_symbol = ?", f.Underlying)
	}
	if f.InstrumentType != "" {
		q = q.Where("instrument_type = ?", f.InstrumentType)
	}
	if f.ExecutedAfter != nil {
		q = q.Where("executed_at >= ?", f.ExecutedAfter.UTC())
	}
	return g.findTransactions(q)
}

func (g *GormLedger) TransactionsForPosition(ctx context.Context, positionID string) ([]models.Transaction, error) {
	return g.findTransactions(g.db.WithContext(ctx).Where("related_position_id = ?", positionID))
}

func (g *GormLedger) findTransactions(q *gorm.DB) ([]models.Transaction, error) {
	var rows []transactionRow
	if err := q.Order("executed_at ASC, id ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("query transactions: %w", err)
	}
	out := make([]models.Transaction, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toModel())
	}
	return out, nil
}

func (g *GormLedger) LinkTransaction(ctx context.Context, txID int64, positionID string) (bool, error) {
	db := g.db.WithContext(ctx)
	var count int64
	if err := db.Model(&positionRow{}).Where("id = ?", positionID).Count(&count).Error; err != nil {
		return false, fmt.Errorf("link transaction: %w", err)
	}
	if count == 0 {
		return false, fmt.Errorf("position %s: %w", positionID, ErrNotFound)
	}
	// Single conditional statement: concurrent callers race on the row and
	// only one observes RowsAffected == 1.
	res := db.Model(&transactionRow{}).
		Where("id = ? AND (related_position_id IS NULL OR related_position_id = '')", txID).
		Update("related_position_id", positionID)
	if res.Error != nil {
		return false, fmt.Errorf("link transaction: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		return true, nil
	}
	if err := db.Model(&transactionRow{}).Where("id = ?", txID).Count(&count).Error; err != nil {
		return false, fmt.Errorf("link transaction: %w", err)
	}
	if count == 0 {
		return false, fmt.Errorf("transaction %d: %w", txID, ErrNotFound)
	}
	return false, nil
}

// Order history

func (g *GormLedger) OrderHistory(ctx context.Context, brokerOrderID string) (*models.OrderHistory, error) {
	var row orderHistoryRow
	err := g.db.WithContext(ctx).Where("broker_order_id = ?", brokerOrderID).First(&row).Error
	if err != nil {
		return nil, notFound(err, "order history "+brokerOrderID)
	}
	return row.toModel()
}

func (g *GormLedger) SaveOrderHistory(ctx context.Context, oh *models.OrderHistory) error {
	if oh.BrokerOrderID == "" {
		return fmt.Errorf("order history without broker_order_id: %w", ErrInvalid)
	}
	legs, err := json.Marshal(oh.Legs)
	if err != nil {
		return fmt.Errorf("encode legs: %w", err)
	}
	row := orderHistoryRow{
		BrokerOrderID:    oh.BrokerOrderID,
		UserID:           oh.UserID,
		AccountNumber:    oh.AccountNumber,
		UnderlyingSymbol: oh.UnderlyingSymbol,
		OrderType:        oh.OrderType,
		Status:           oh.Status,
		PriceEffect:      oh.PriceEffect,
		Price:            oh.Price,
		Legs:             datatypes.JSON(legs),
		FilledAt:         utcPtr(oh.FilledAt),
		UpdatedAt:        time.Now().UTC(),
	}
	err = g.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "broker_order_id"}},
			UpdateAll: true,
		}).
		Create(&row).Error
	if err != nil {
		return fmt.Errorf("save order history: %w", err)
	}
	return nil
}

// Row mapping

func positionFromModel(p *models.Position) (*positionRow, error) {
	meta := datatypes.JSON("{}")
	if len(p.Metadata) > 0 {
		b, err := json.Marshal(p.Metadata)
		if err != nil {
			return nil, fmt.Errorf("encode metadata for %s: %w", p.ID, err)
		}
		meta = datatypes.JSON(b)
	}
	return &positionRow{
		ID:             p.ID,
		UserID:         p.UserID,
		AccountNumber:  p.AccountNumber,
		Symbol:         p.Symbol,
		StrategyType:   p.StrategyType,
		Status:         string(p.Status),
		Quantity:       p.Quantity,
		AvgPrice:       p.AvgPrice,
		OpeningValue:   p.OpeningValue,
		UnrealizedPnL:  nullDecimal(p.UnrealizedPnL),
		InitialRisk:    nullDecimal(p.InitialRisk),
		OpenedAt:       utcPtr(p.OpenedAt),
		ClosedAt:       utcPtr(p.ClosedAt),
		OpeningOrderID: p.OpeningOrderID,
		IsAppManaged:   p.IsAppManaged,
		Metadata:       meta,
		CreatedAt:      p.CreatedAt.UTC(),
		UpdatedAt:      p.UpdatedAt.UTC(),
	}, nil
}

func (r *positionRow) toModel() (*models.Position, error) {
	p := &models.Position{
		ID:             r.ID,
		UserID:         r.UserID,
		AccountNumber:  r.AccountNumber,
		Symbol:         r.Symbol,
		StrategyType:   r.StrategyType,
		Status:         models.PositionStatus(r.Status),
		Quantity:       r.Quantity,
		AvgPrice:       r.AvgPrice,
		OpeningValue:   r.OpeningValue,
		UnrealizedPnL:  decimalPtr(r.UnrealizedPnL),
		InitialRisk:    decimalPtr(r.InitialRisk),
		OpenedAt:       utcPtr(r.OpenedAt),
		ClosedAt:       utcPtr(r.ClosedAt),
		OpeningOrderID: r.OpeningOrderID,
		IsAppManaged:   r.IsAppManaged,
		CreatedAt:      r.CreatedAt.UTC(),
		UpdatedAt:      r.UpdatedAt.UTC(),
	}
	if len(r.Metadata) > 0 {
		var meta map[string]any
		if err := json.Unmarshal(r.Metadata, &meta); err != nil {
			return nil, fmt.Errorf("decode metadata for %s: %w", r.ID, err)
		}
		if len(meta) > 0 {
			p.Metadata = meta
		}
	}
	return p, nil
}

func transactionFromModel(t *models.Transaction) transactionRow {
	return transactionRow{
		UserID:              t.UserID,
		AccountNumber:       t.AccountNumber,
		BrokerTransactionID: t.BrokerTransactionID,
		OrderID:             t.OrderID,
		Action:              t.Action,
		Symbol:              t.Symbol,
		UnderlyingSymbol:    t.UnderlyingSymbol,
		InstrumentType:      t.InstrumentType,
		NetValue:            t.NetValue,
		Quantity:            t.Quantity,
		Price:               t.Price,
		ExecutedAt:          t.ExecutedAt.UTC(),
		RelatedPositionID:   t.RelatedPositionID,
		Description:         t.Description,
	}
}

func (r *transactionRow) toModel() models.Transaction {
	return models.Transaction{
		ID:                  r.ID,
		UserID:              r.UserID,
		AccountNumber:       r.AccountNumber,
		BrokerTransactionID: r.BrokerTransactionID,
		OrderID:             r.OrderID,
		Action:              r.Action,
		Symbol:              r.Symbol,
		UnderlyingSymbol:    r.UnderlyingSymbol,
		InstrumentType:      r.InstrumentType,
		NetValue:            r.NetValue,
		Quantity:            r.Quantity,
		Price:               r.Price,
		ExecutedAt:          r.ExecutedAt.UTC(),
		RelatedPositionID:   r.RelatedPositionID,
		Description:         r.Description,
	}
}

func (r *orderHistoryRow) toModel() (*models.OrderHistory, error) {
	oh := &models.OrderHistory{
		BrokerOrderID:    r.BrokerOrderID,
		UserID:           r.UserID,
		AccountNumber:    r.AccountNumber,
		UnderlyingSymbol: r.UnderlyingSymbol,
		OrderType:        r.OrderType,
		Status:           r.Status,
		PriceEffect:      r.PriceEffect,
		Price:            r.Price,
		FilledAt:         utcPtr(r.FilledAt),
	}
	if len(r.Legs) > 0 {
		if err := json.Unmarshal(r.Legs, &oh.Legs); err != nil {
			return nil, fmt.Errorf("decode legs for order %s: %w", r.BrokerOrderID, err)
		}
	}
	return oh, nil
}

func notFound(err error, what string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return fmt.Errorf("%s: %w", what, err)
}

func nullDecimal(d *decimal.Decimal) decimal.NullDecimal {
	if d == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NullDecimal{Decimal: *d, Valid: true}
}

func decimalPtr(n decimal.NullDecimal) *decimal.Decimal {
	if !n.Valid {
		return nil
	}
	d := n.Decimal
	return &d
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
