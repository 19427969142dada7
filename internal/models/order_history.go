package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Price effects.
const (
	PriceEffectCredit = "Credit"
	PriceEffectDebit  = "Debit"
)

// OrderHistory is the broker's record of a submitted order. Discovery
// prefers it over the fills when reconstructing a position.
type OrderHistory struct {
	BrokerOrderID    string          `json:"broker_order_id"`
	UserID           string          `json:"user_id"`
	AccountNumber    string          `json:"account_number"`
	UnderlyingSymbol string          `json:"underlying_symbol"`
	OrderType        string          `json:"order_type"`
	Status           string          `json:"status"`
	PriceEffect      string          `json:"price_effect"`
	Price            decimal.Decimal `json:"price"`
	Legs             []Leg           `json:"legs"`
	FilledAt         *time.Time      `json:"filled_at,omitempty"`
}
