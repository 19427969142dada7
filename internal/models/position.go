// Package models defines the ledger records shared by the exit engine,
// position discovery and broker ingest.
package models

import (
	"encoding/json"
	"maps"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ContractMultiplier is the number of shares one equity option contract controls.
const ContractMultiplier = 100

// PositionStatus is the lifecycle status of a position.
type PositionStatus string

const (
	// StatusOpen marks a position that still holds contracts or shares.
	StatusOpen PositionStatus = "open"
	// StatusClosed marks a position whose closing trades have been linked.
	StatusClosed PositionStatus = "closed"
)

// Strategy designations assigned to positions.
const (
	StrategySenexTrident = "senex_trident"
	StrategyPutSpread    = "put_spread"
	StrategyCallSpread   = "call_spread"
	StrategyStock        = "stock"
)

// Metadata keys understood by the engine and by discovery.
const (
	MetaExpirationDate      = "expiration_date"
	MetaLegs                = "legs"
	MetaOpeningTransactions = "opening_transactions"
	MetaDiscoveryMethod     = "discovery_method"
	MetaPriceEffect         = "price_effect"
)

// Position is one open or closed options/stock position in the ledger.
type Position struct {
	ID             string           `json:"id"`
	UserID         string           `json:"user_id"`
	AccountNumber  string           `json:"account_number"`
	Symbol         string           `json:"symbol"`
	StrategyType   string           `json:"strategy_type,omitempty"`
	Status         PositionStatus   `json:"status"`
	Quantity       int              `json:"quantity"`
	AvgPrice       decimal.Decimal  `json:"avg_price"`
	OpeningValue   decimal.Decimal  `json:"opening_value"`
	UnrealizedPnL  *decimal.Decimal `json:"unrealized_pnl,omitempty"`
	InitialRisk    *decimal.Decimal `json:"initial_risk,omitempty"`
	OpenedAt       *time.Time       `json:"opened_at,omitempty"`
	ClosedAt       *time.Time       `json:"closed_at,omitempty"`
	OpeningOrderID *string          `json:"opening_order_id,omitempty"`
	IsAppManaged   bool             `json:"is_app_managed"`
	Metadata       map[string]any   `json:"metadata,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
}

// Leg describes one leg of a position or order.
type Leg struct {
	Symbol         string `json:"symbol"`
	Action         string `json:"action"`
	Quantity       int    `json:"quantity"`
	InstrumentType string `json:"instrument_type"`
}

// IsOpen reports whether the position is still open.
func (p *Position) IsOpen() bool {
	return p.Status == "" || p.Status == StatusOpen
}

// OpeningOrder returns the opening order id or "" when unset.
func (p *Position) OpeningOrder() string {
	if p.OpeningOrderID == nil {
		return ""
	}
	return *p.OpeningOrderID
}

// ExpirationDate returns the raw metadata expiration ("YYYY-MM-DD").
func (p *Position) ExpirationDate() (string, bool) {
	if p.Metadata == nil {
		return "", false
	}
	s, ok := p.Metadata[MetaExpirationDate].(string)
	if !ok || strings.TrimSpace(s) == "" {
		return "", false
	}
	return s, true
}

// Legs decodes metadata["legs"]. The value may be a []Leg set in memory or
// the generic []any produced by a JSON round trip through storage.
func (p *Position) Legs() []Leg {
	if p.Metadata == nil {
		return nil
	}
	raw, ok := p.Metadata[MetaLegs]
	if !ok || raw == nil {
		return nil
	}
	if legs, ok := raw.([]Leg); ok {
		return legs
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return nil
	}
	var legs []Leg
	if err := json.Unmarshal(b, &legs); err != nil {
		return nil
	}
	return legs
}

// LegSymbols returns the distinct, non-empty leg symbols in leg order.
func (p *Position) LegSymbols() []string {
	legs := p.Legs()
	seen := make(map[string]struct{}, len(legs))
	out := make([]string, 0, len(legs))
	for _, l := range legs {
		if l.Symbol == "" {
			continue
		}
		if _, dup := seen[l.Symbol]; dup {
			continue
		}
		seen[l.Symbol] = struct{}{}
		out = append(out, l.Symbol)
	}
	return out
}

// IsEquity reports whether the position holds shares rather than options.
func (p *Position) IsEquity() bool {
	if p.StrategyType == StrategyStock {
		return true
	}
	legs := p.Legs()
	if len(legs) == 0 {
		return false
	}
	for _, l := range legs {
		if l.InstrumentType != InstrumentEquity {
			return false
		}
	}
	return true
}

// ProfitPercent returns unrealized P&L as a percentage of |initial risk|.
// ok is false when either input is missing or the risk is zero.
func (p *Position) ProfitPercent() (pct decimal.Decimal, ok bool) {
	if p.UnrealizedPnL == nil || p.InitialRisk == nil || p.InitialRisk.IsZero() {
		return decimal.Zero, false
	}
	return p.UnrealizedPnL.Div(p.InitialRisk.Abs()).Mul(decimal.NewFromInt(100)), true
}

// Clone returns a copy that shares no pointer fields with p.
// Metadata values are copied shallowly.
func (p *Position) Clone() *Position {
	if p == nil {
		return nil
	}
	c := *p
	if p.UnrealizedPnL != nil {
		v := *p.UnrealizedPnL
		c.UnrealizedPnL = &v
	}
	if p.InitialRisk != nil {
		v := *p.InitialRisk
		c.InitialRisk = &v
	}
	if p.OpenedAt != nil {
		v := *p.OpenedAt
		c.OpenedAt = &v
	}
	if p.ClosedAt != nil {
		v := *p.ClosedAt
		c.ClosedAt = &v
	}
	if p.OpeningOrderID != nil {
		v := *p.OpeningOrderID
		c.OpeningOrderID = &v
	}
	if p.Metadata != nil {
		c.Metadata = maps.Clone(p.Metadata)
	}
	return &c
}

// DecimalPtr is a small helper for optional money fields.
func DecimalPtr(d decimal.Decimal) *decimal.Decimal { return &d }

// StringPtr returns a pointer to s.
func StringPtr(s string) *string { return &s }

// TimePtr returns a pointer to t.
func TimePtr(t time.Time) *time.Time { return &t }
