package broker

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// Order statuses reported by Tradier.
const (
	StatusFilled          = "filled"
	StatusPartiallyFilled = "partially_filled"
	StatusCanceled        = "canceled"
	StatusRejected        = "rejected"
	StatusExpired         = "expired"
	StatusOpen            = "open"
	StatusPending         = "pending"
)

// Order classes.
const (
	ClassEquity   = "equity"
	ClassOption   = "option"
	ClassMultileg = "multileg"
	ClassCombo    = "combo"
)

// Order is one account order. Multileg orders carry their legs in Legs;
// single-leg orders describe the fill on the order itself.
type Order struct {
	ID              int              `json:"id"`
	Type            string           `json:"type"`
	Symbol          string           `json:"symbol"`
	Side            string           `json:"side"`
	Quantity        float64          `json:"quantity"`
	Status          string           `json:"status"`
	Duration        string           `json:"duration"`
	Price           float64          `json:"price"`
	AvgFillPrice    float64          `json:"avg_fill_price"`
	ExecQuantity    float64          `json:"exec_quantity"`
	CreateDate      string           `json:"create_date"`
	TransactionDate string           `json:"transaction_date"`
	Class           string           `json:"class"`
	OptionSymbol    string           `json:"option_symbol,omitempty"`
	Strategy        string           `json:"strategy,omitempty"`
	NumLegs         int              `json:"num_legs,omitempty"`
	Tag             string           `json:"tag,omitempty"`
	Legs            listOrOne[Order] `json:"leg,omitempty"`
}

// IsFilled reports whether any quantity of the order executed.
func (o Order) IsFilled() bool {
	switch o.Status {
	case StatusFilled:
		return true
	case StatusPartiallyFilled:
		return o.ExecQuantity > 0
	}
	return false
}

// ExecutedAt parses the order's transaction date, falling back to its
// create date.
func (o Order) ExecutedAt() (time.Time, error) {
	raw := o.TransactionDate
	if raw == "" {
		raw = o.CreateDate
	}
	if raw == "" {
		return time.Time{}, fmt.Errorf("order %d has no transaction or create date", o.ID)
	}
	ts, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse order %d date %q: %w", o.ID, raw, err)
	}
	return ts.UTC(), nil
}

// listOrOne decodes Tradier collections, which arrive as an array, a single
// object or null depending on how many elements there are.
type listOrOne[T any] []T

func (l *listOrOne[T]) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	switch {
	case len(b) == 0, bytes.Equal(b, []byte("null")):
		return nil
	case b[0] == '[':
		return json.Unmarshal(b, (*[]T)(l))
	}
	var v T
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	*l = append(*l, v)
	return nil
}

// ordersEnvelope is the body of GET /accounts/{id}/orders. An account with
// no orders reports "orders": "null".
type ordersEnvelope struct {
	Orders orderList `json:"orders"`
}

type orderList struct {
	Order listOrOne[Order] `json:"order"`
}

func (ol *orderList) UnmarshalJSON(b []byte) error {
	switch string(bytes.TrimSpace(b)) {
	case `null`, `"null"`:
		*ol = orderList{}
		return nil
	}
	type plain orderList
	return json.Unmarshal(b, (*plain)(ol))
}
