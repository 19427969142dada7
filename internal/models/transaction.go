package models

import (
	"slices"
	"time"

	"github.com/shopspring/decimal"
)

// Transaction actions as reported by the broker.
const (
	ActionSellToOpen  = "Sell to Open"
	ActionBuyToOpen   = "Buy to Open"
	ActionBuyToClose  = "Buy to Close"
	ActionSellToClose = "Sell to Close"
	ActionSell        = "Sell"
	ActionBuy         = "Buy"
)

// Instrument types.
const (
	InstrumentEquityOption = "Equity Option"
	InstrumentEquity       = "Equity"
)

// OpeningActions are the actions that establish option exposure.
var OpeningActions = []string{ActionSellToOpen, ActionBuyToOpen}

// ClosingActions are the actions that reduce exposure, including bare
// stock sells.
var ClosingActions = []string{ActionBuyToClose, ActionSellToClose, ActionSell}

// Transaction is one executed fill recorded in the ledger.
type Transaction struct {
	ID                  int64           `json:"id"`
	UserID              string          `json:"user_id"`
	AccountNumber       string          `json:"account_number"`
	BrokerTransactionID string          `json:"broker_transaction_id"`
	OrderID             string          `json:"order_id,omitempty"`
	Action              string          `json:"action"`
	Symbol              string          `json:"symbol"`
	UnderlyingSymbol    string          `json:"underlying_symbol"`
	InstrumentType      string          `json:"instrument_type"`
	NetValue            decimal.Decimal `json:"net_value"`
	Quantity            decimal.Decimal `json:"quantity"`
	Price               decimal.Decimal `json:"price"`
	ExecutedAt          time.Time       `json:"executed_at"`
	RelatedPositionID   *string         `json:"related_position_id,omitempty"`
	Description         string          `json:"description,omitempty"`
}

// IsOpening reports whether the action opens a position.
func (t *Transaction) IsOpening() bool {
	return slices.Contains(OpeningActions, t.Action)
}

// IsClosing reports whether the action closes (part of) a position.
func (t *Transaction) IsClosing() bool {
	return slices.Contains(ClosingActions, t.Action)
}

// IsLinked reports whether the transaction already belongs to a position.
func (t *Transaction) IsLinked() bool {
	return t.RelatedPositionID != nil && *t.RelatedPositionID != ""
}
