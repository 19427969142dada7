// Package ingest imports executed broker orders into the ledger as
// transactions and order history, which position discovery then
// reconciles.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/scranton_autopilot/internal/broker"
	"github.com/eddiefleurent/scranton_autopilot/internal/logging"
	"github.com/eddiefleurent/scranton_autopilot/internal/models"
	"github.com/eddiefleurent/scranton_autopilot/internal/occ"
	"github.com/eddiefleurent/scranton_autopilot/internal/retry"
	"github.com/eddiefleurent/scranton_autopilot/internal/storage"
)

// ErrUnknownSide is returned for order sides with no ledger action.
var ErrUnknownSide = errors.New("unknown order side")

var sideActions = map[string]string{
	"sell_to_open":  models.ActionSellToOpen,
	"buy_to_open":   models.ActionBuyToOpen,
	"buy_to_close":  models.ActionBuyToClose,
	"sell_to_close": models.ActionSellToClose,
	"sell":          models.ActionSell,
	"sell_short":    models.ActionSell,
	"buy":           models.ActionBuy,
	"buy_to_cover":  models.ActionBuy,
}

// ActionForSide maps a Tradier order side to a ledger action.
func ActionForSide(side string) (string, error) {
	if a, ok := sideActions[side]; ok {
		return a, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownSide, side)
}

// SyncResult summarizes one import run.
type SyncResult struct {
	OrdersSeen           int      `json:"orders_seen"`
	OrdersFilled         int      `json:"orders_filled"`
	TransactionsImported int      `json:"transactions_imported"`
	OrderHistorySaved    int      `json:"order_history_saved"`
	Errors               []string `json:"errors"`
}

// Importer copies broker fills into the ledger. Running it repeatedly is
// safe: transactions are keyed by broker transaction id and order history
// by broker order id.
type Importer struct {
	broker broker.Broker
	ledger storage.Ledger
	retry  *retry.Client
	logger logrus.FieldLogger
}

// NewImporter builds an Importer. A nil retry client makes a single attempt
// per sync; a nil logger discards output.
func NewImporter(b broker.Broker, ledger storage.Ledger, rc *retry.Client, logger logrus.FieldLogger) *Importer {
	if logger == nil {
		logger = logging.Discard()
	}
	if rc == nil {
		rc = retry.NewClient(logger, retry.Config{
			MaxRetries:     0,
			InitialBackoff: time.Second,
			MaxBackoff:     time.Second,
			Timeout:        retry.DefaultConfig.Timeout,
		})
	}
	return &Importer{broker: b, ledger: ledger, retry: rc, logger: logger}
}

// Sync pulls the account's orders and records every filled leg. Per-order
// conversion problems are collected in the result; broker and ledger
// failures are returned.
func (im *Importer) Sync(ctx context.Context, userID, account string) (SyncResult, error) {
	res := SyncResult{Errors: []string{}}
	log := im.logger.WithFields(logrus.Fields{"user_id": userID, "account": account})

	var orders []broker.Order
	err := im.retry.Do(ctx, "get_orders", func(ctx context.Context) error {
		var err error
		orders, err = im.broker.GetOrders(ctx)
		if broker.IsPermanentAPIError(err) {
			return retry.Permanent(err)
		}
		return err
	})
	if err != nil {
		return res, fmt.Errorf("fetch orders: %w", err)
	}
	res.OrdersSeen = len(orders)

	var txs []models.Transaction
	var histories []*models.OrderHistory
	for _, o := range orders {
		if !o.IsFilled() {
			continue
		}
		res.OrdersFilled++
		orderTxs, err := TransactionsFromOrder(userID, account, o)
		if err != nil {
			log.WithError(err).WithField("order_id", o.ID).Warn("Skipping broker order")
			res.Errors = append(res.Errors, err.Error())
			continue
		}
		txs = append(txs, orderTxs...)
		histories = append(histories, HistoryFromOrder(userID, account, o, orderTxs))
	}

	if len(txs) > 0 {
		n, err := im.ledger.UpsertTransactions(ctx, txs)
		if err != nil {
			return res, fmt.Errorf("upsert transactions: %w", err)
		}
		res.TransactionsImported = n
	}
	for _, oh := range histories {
		if err := im.ledger.SaveOrderHistory(ctx, oh); err != nil {
			return res, fmt.Errorf("save order history %s: %w", oh.BrokerOrderID, err)
		}
		res.OrderHistorySaved++
	}

	log.WithFields(logrus.Fields{
		"orders":       res.OrdersSeen,
		"filled":       res.OrdersFilled,
		"transactions": res.TransactionsImported,
		"errors":       len(res.Errors),
	}).Info("Broker order import complete")
	return res, nil
}

// TransactionsFromOrder converts the filled legs of o into ledger
// transactions. Single-leg orders are treated as their own leg.
func TransactionsFromOrder(userID, account string, o broker.Order) ([]models.Transaction, error) {
	legs := []broker.Order(o.Legs)
	if len(legs) == 0 {
		legs = []broker.Order{o}
	}

	orderAt, orderAtErr := o.ExecutedAt()
	out := make([]models.Transaction, 0, len(legs))
	for _, leg := range legs {
		qty := leg.ExecQuantity
		if qty == 0 && leg.Status == broker.StatusFilled {
			qty = leg.Quantity
		}
		if qty <= 0 {
			continue
		}

		action, err := ActionForSide(leg.Side)
		if err != nil {
			return nil, fmt.Errorf("order %d leg %d: %w", o.ID, leg.ID, err)
		}

		executedAt, err := leg.ExecutedAt()
		if err != nil {
			if orderAtErr != nil {
				return nil, orderAtErr
			}
			executedAt = orderAt
		}

		price := leg.AvgFillPrice
		if price == 0 && len(o.Legs) == 0 {
			price = o.AvgFillPrice
		}

		symbol, instrument, multiplier := legInstrument(o, leg)
		underlying := leg.Symbol
		if underlying == "" || (underlying == symbol && instrument == models.InstrumentEquityOption) {
			underlying = occ.Underlying(symbol)
		}
		if underlying == "" {
			underlying = o.Symbol
		}

		q := decimal.NewFromFloat(qty)
		p := decimal.NewFromFloat(math.Abs(price))
		value := p.Mul(q).Mul(decimal.NewFromInt(multiplier))
		if isBuy(action) {
			value = value.Neg()
		}

		out = append(out, models.Transaction{
			UserID:              userID,
			AccountNumber:       account,
			BrokerTransactionID: BrokerTransactionID(o.ID, leg.ID),
			OrderID:             strconv.Itoa(o.ID),
			Action:              action,
			Symbol:              symbol,
			UnderlyingSymbol:    underlying,
			InstrumentType:      instrument,
			NetValue:            value,
			Quantity:            q,
			Price:               p,
			ExecutedAt:          executedAt,
			Description:         fmt.Sprintf("%s %s %s @ %s", action, q.String(), symbol, p.StringFixed(2)),
		})
	}
	return out, nil
}

// BrokerTransactionID derives a stable fill id from the order and leg ids.
func BrokerTransactionID(orderID, legID int) string {
	if legID == 0 {
		legID = orderID
	}
	return strconv.Itoa(orderID) + "-" + strconv.Itoa(legID)
}

// HistoryFromOrder builds the order history record for o from its
// converted fills.
func HistoryFromOrder(userID, account string, o broker.Order, txs []models.Transaction) *models.OrderHistory {
	oh := &models.OrderHistory{
		BrokerOrderID:    strconv.Itoa(o.ID),
		UserID:           userID,
		AccountNumber:    account,
		UnderlyingSymbol: o.Symbol,
		OrderType:        o.Type,
		Status:           o.Status,
		PriceEffect:      priceEffect(o, txs),
		Price:            decimal.NewFromFloat(math.Abs(o.Price)),
	}
	if o.Price == 0 {
		oh.Price = decimal.NewFromFloat(math.Abs(o.AvgFillPrice))
	}
	for _, tx := range txs {
		qty := int(tx.Quantity.IntPart())
		oh.Legs = append(oh.Legs, models.Leg{
			Symbol:         tx.Symbol,
			Action:         tx.Action,
			Quantity:       qty,
			InstrumentType: tx.InstrumentType,
		})
		if oh.UnderlyingSymbol == "" || (oh.UnderlyingSymbol == tx.Symbol && tx.InstrumentType == models.InstrumentEquityOption) {
			oh.UnderlyingSymbol = tx.UnderlyingSymbol
		}
	}
	if at, err := o.ExecutedAt(); err == nil {
		oh.FilledAt = &at
	}
	return oh
}

func legInstrument(o, leg broker.Order) (symbol, instrument string, multiplier int64) {
	if leg.OptionSymbol != "" {
		return leg.OptionSymbol, models.InstrumentEquityOption, models.ContractMultiplier
	}
	if o.Class == broker.ClassOption && o.OptionSymbol != "" {
		return o.OptionSymbol, models.InstrumentEquityOption, models.ContractMultiplier
	}
	if occ.IsOption(leg.Symbol) {
		return leg.Symbol, models.InstrumentEquityOption, models.ContractMultiplier
	}
	return leg.Symbol, models.InstrumentEquity, 1
}

func priceEffect(o broker.Order, txs []models.Transaction) string {
	switch o.Type {
	case "credit":
		return models.PriceEffectCredit
	case "debit":
		return models.PriceEffectDebit
	}
	net := decimal.Zero
	for _, tx := range txs {
		net = net.Add(tx.NetValue)
	}
	switch net.Sign() {
	case 1:
		return models.PriceEffectCredit
	case -1:
		return models.PriceEffectDebit
	}
	return ""
}

func isBuy(action string) bool {
	switch action {
	case models.ActionBuyToOpen, models.ActionBuyToClose, models.ActionBuy:
		return true
	}
	return false
}
