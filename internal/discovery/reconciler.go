// Package discovery reconstructs positions for activity that happened
// directly at the broker and links broker transactions back to the
// positions they belong to.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/scranton_autopilot/internal/logging"
	"github.com/eddiefleurent/scranton_autopilot/internal/models"
	"github.com/eddiefleurent/scranton_autopilot/internal/occ"
	"github.com/eddiefleurent/scranton_autopilot/internal/storage"
)

// DefaultLookbackDays bounds how far back opening transactions are scanned.
const DefaultLookbackDays = 30

// Values stored under models.MetaDiscoveryMethod.
const (
	MethodOrderHistory = "broker_order_history"
	MethodTransactions = "transaction_fallback"
)

// OrderError records a failure while processing one broker order. A
// failure that prevented the run from starting has an empty OrderID.
type OrderError struct {
	OrderID string `json:"order_id,omitempty"`
	Error   string `json:"error"`
}

// Result summarises one discovery run.
type Result struct {
	PositionsCreated   int          `json:"positions_created"`
	TransactionsLinked int          `json:"transactions_linked"`
	OrderIDsProcessed  int          `json:"order_ids_processed"`
	Errors             []OrderError `json:"errors"`
}

// LinkResult is returned by LinkClosingTransactionsToPosition.
type LinkResult struct {
	Linked int `json:"linked"`
}

// Reconciler keeps the position ledger consistent with broker-reported
// transactions. It assumes a single worker per account; see Job for the
// locking wrapper.
type Reconciler struct {
	ledger storage.Ledger
	logger logrus.FieldLogger
	now    func() time.Time
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithLogger sets the logger used for per-order and summary entries.
func WithLogger(l logrus.FieldLogger) Option {
	return func(r *Reconciler) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithClock overrides the clock used for the lookback window.
func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) {
		if now != nil {
			r.now = now
		}
	}
}

// NewReconciler creates a reconciler over ledger.
func NewReconciler(ledger storage.Ledger, opts ...Option) *Reconciler {
	r := &Reconciler{
		ledger: ledger,
		logger: logging.Discard(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// DiscoverUnmanagedPositions groups unlinked opening transactions by broker
// order id and attaches every group to a position, creating one when no
// position carries that opening order id yet. Failures are isolated per
// order id and reported in Result.Errors. Safe to re-run.
func (r *Reconciler) DiscoverUnmanagedPositions(ctx context.Context, userID, account string, lookbackDays int) Result {
	res := Result{Errors: []OrderError{}}
	if lookbackDays <= 0 {
		lookbackDays = DefaultLookbackDays
	}
	log := r.logger.WithFields(logrus.Fields{"user_id": userID, "account": account})

	since := r.now().AddDate(0, 0, -lookbackDays)
	txs, err := r.ledger.UnlinkedOpeningTransactions(ctx, userID, account, since)
	if err != nil {
		log.WithError(err).Error("Failed to load unlinked opening transactions")
		res.Errors = append(res.Errors, OrderError{Error: fmt.Sprintf("load opening transactions: %v", err)})
		return res
	}

	groups, orderIDs := groupByOrder(txs)
	for _, orderID := range orderIDs {
		if err := ctx.Err(); err != nil {
			res.Errors = append(res.Errors, OrderError{Error: fmt.Sprintf("discovery interrupted: %v", err)})
			break
		}
		res.OrderIDsProcessed++
		created, linked, err := r.processOrder(ctx, userID, account, orderID, groups[orderID])
		if created {
			res.PositionsCreated++
		}
		res.TransactionsLinked += linked
		if err != nil {
			log.WithError(err).WithField("order_id", orderID).Warn("Failed to reconcile broker order")
			res.Errors = append(res.Errors, OrderError{OrderID: orderID, Error: err.Error()})
		}
	}

	log.WithFields(logrus.Fields{
		"positions_created":   res.PositionsCreated,
		"transactions_linked": res.TransactionsLinked,
		"order_ids_processed": res.OrderIDsProcessed,
		"errors":              len(res.Errors),
	}).Info("Position discovery complete")
	return res
}

// processOrder returns whether a position was created and how many
// transactions were newly linked, even when it also returns an error.
func (r *Reconciler) processOrder(ctx context.Context, userID, account, orderID string, txs []models.Transaction) (bool, int, error) {
	created := false
	pos, err := r.ledger.PositionByOpeningOrderID(ctx, orderID)
	switch {
	case err == nil:
	case errors.Is(err, storage.ErrNotFound):
		pos, err = r.synthesize(ctx, userID, account, orderID, txs)
		if err != nil {
			return false, 0, err
		}
		if err := r.ledger.CreatePosition(ctx, pos); err != nil {
			if !errors.Is(err, storage.ErrDuplicate) {
				return false, 0, fmt.Errorf("create position: %w", err)
			}
			// Another writer created it between our lookup and insert.
			pos, err = r.ledger.PositionByOpeningOrderID(ctx, orderID)
			if err != nil {
				return false, 0, fmt.Errorf("reload position after duplicate: %w", err)
			}
		} else {
			created = true
			r.logger.WithFields(logrus.Fields{
				"order_id": orderID,
				"position": shortID(pos.ID),
				"symbol":   pos.Symbol,
				"strategy": pos.StrategyType,
			}).Infof("Discovered unmanaged position: %d legs, opening value %s",
				len(pos.Legs()), pos.OpeningValue.StringFixed(2))
		}
	default:
		return false, 0, fmt.Errorf("lookup position: %w", err)
	}

	linked, err := r.link(ctx, pos.ID, txs)
	return created, linked, err
}

func (r *Reconciler) link(ctx context.Context, positionID string, txs []models.Transaction) (int, error) {
	linked := 0
	for _, tx := range txs {
		if tx.IsLinked() {
			continue
		}
		ok, err := r.ledger.LinkTransaction(ctx, tx.ID, positionID)
		if err != nil {
			return linked, fmt.Errorf("link transaction %d: %w", tx.ID, err)
		}
		if ok {
			linked++
		}
	}
	return linked, nil
}

// synthesize builds a position for an order group, preferring the broker's
// order history record and falling back to the transactions themselves.
func (r *Reconciler) synthesize(ctx context.Context, userID, account, orderID string, txs []models.Transaction) (*models.Position, error) {
	if len(txs) == 0 {
		return nil, fmt.Errorf("order %s has no transactions", orderID)
	}
	oh, err := r.ledger.OrderHistory(ctx, orderID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("load order history: %w", err)
	}

	first := txs[0]
	qty := first.Quantity.Abs()
	opening := OpeningValue(txs)

	var (
		legs        []models.Leg
		underlying  string
		priceEffect string
		method      = MethodTransactions
	)
	if oh != nil && len(oh.Legs) > 0 {
		legs = oh.Legs
		underlying = oh.UnderlyingSymbol
		priceEffect = oh.PriceEffect
		method = MethodOrderHistory
	} else {
		legs = LegsFromTransactions(txs)
	}
	if underlying == "" {
		underlying = underlyingOf(txs)
	}
	if priceEffect == "" {
		priceEffect = priceEffectOf(opening)
	}

	avg := decimal.Zero
	if !qty.IsZero() {
		avg = opening.Abs().Div(qty)
	}

	meta := map[string]any{
		models.MetaLegs:                legs,
		models.MetaOpeningTransactions: auditRecords(txs),
		models.MetaDiscoveryMethod:     method,
	}
	if priceEffect != "" {
		meta[models.MetaPriceEffect] = priceEffect
	}
	if exp, ok := expirationOf(txs, legs); ok {
		meta[models.MetaExpirationDate] = exp
	}

	openedAt := first.ExecutedAt.UTC()
	return &models.Position{
		UserID:         userID,
		AccountNumber:  account,
		Symbol:         underlying,
		StrategyType:   InferStrategy(legs),
		Status:         models.StatusOpen,
		Quantity:       int(qty.IntPart()),
		AvgPrice:       avg,
		OpeningValue:   opening,
		InitialRisk:    models.DecimalPtr(opening.Abs()),
		OpenedAt:       &openedAt,
		OpeningOrderID: models.StringPtr(orderID),
		IsAppManaged:   false,
		Metadata:       meta,
	}, nil
}

// groupByOrder buckets transactions by order id; each bucket is ordered by
// execution time and the ids are returned in ascending order.
func groupByOrder(txs []models.Transaction) (map[string][]models.Transaction, []string) {
	groups := make(map[string][]models.Transaction)
	for _, tx := range txs {
		if tx.OrderID == "" {
			continue
		}
		groups[tx.OrderID] = append(groups[tx.OrderID], tx)
	}
	ids := make([]string, 0, len(groups))
	for id, g := range groups {
		sort.SliceStable(g, func(i, j int) bool { return g[i].ExecutedAt.Before(g[j].ExecutedAt) })
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return groups, ids
}

// OpeningValue sums an order's opening cash flow, credit positive: sells to
// open add their net value and buys to open subtract their absolute value.
func OpeningValue(txs []models.Transaction) decimal.Decimal {
	total := decimal.Zero
	for _, tx := range txs {
		switch tx.Action {
		case models.ActionSellToOpen:
			total = total.Add(tx.NetValue)
		case models.ActionBuyToOpen:
			total = total.Sub(tx.NetValue.Abs())
		}
	}
	return total
}

// LegsFromTransactions rebuilds the leg list of an order, one leg per
// symbol and action in execution order. Partial fills of the same leg are
// summed.
func LegsFromTransactions(txs []models.Transaction) []models.Leg {
	var legs []models.Leg
	index := make(map[string]int)
	for _, tx := range txs {
		key := tx.Symbol + "|" + tx.Action
		qty := int(tx.Quantity.Abs().IntPart())
		if i, ok := index[key]; ok {
			legs[i].Quantity += qty
			continue
		}
		instrument := tx.InstrumentType
		if instrument == "" {
			instrument = models.InstrumentEquity
			if occ.IsOption(tx.Symbol) {
				instrument = models.InstrumentEquityOption
			}
		}
		index[key] = len(legs)
		legs = append(legs, models.Leg{
			Symbol:         tx.Symbol,
			Action:         tx.Action,
			Quantity:       qty,
			InstrumentType: instrument,
		})
	}
	return legs
}

// InferStrategy maps a leg structure to a strategy designation: six legs is
// a Senex Trident, two legs of the same option type is a vertical spread,
// shares only is stock. Anything else is unknown ("").
func InferStrategy(legs []models.Leg) string {
	if len(legs) == 0 {
		return ""
	}
	equity := true
	for _, l := range legs {
		if l.InstrumentType != models.InstrumentEquity {
			equity = false
			break
		}
	}
	if equity {
		return models.StrategyStock
	}
	switch len(legs) {
	case 6:
		return models.StrategySenexTrident
	case 2:
		a, b := occ.OptionType(legs[0].Symbol), occ.OptionType(legs[1].Symbol)
		switch {
		case a == "P" && b == "P":
			return models.StrategyPutSpread
		case a == "C" && b == "C":
			return models.StrategyCallSpread
		}
	}
	return ""
}

func underlyingOf(txs []models.Transaction) string {
	for _, tx := range txs {
		if tx.UnderlyingSymbol != "" {
			return tx.UnderlyingSymbol
		}
	}
	for _, tx := range txs {
		if u := occ.Underlying(tx.Symbol); u != "" {
			return u
		}
	}
	return ""
}

func expirationOf(txs []models.Transaction, legs []models.Leg) (string, bool) {
	for _, tx := range txs {
		if exp, ok := occ.Expiration(tx.Symbol); ok {
			return exp, true
		}
	}
	for _, l := range legs {
		if exp, ok := occ.Expiration(l.Symbol); ok {
			return exp, true
		}
	}
	return "", false
}

func priceEffectOf(opening decimal.Decimal) string {
	switch opening.Sign() {
	case 1:
		return models.PriceEffectCredit
	case -1:
		return models.PriceEffectDebit
	}
	return ""
}

func auditRecords(txs []models.Transaction) []map[string]any {
	out := make([]map[string]any, 0, len(txs))
	for _, tx := range txs {
		out = append(out, map[string]any{
			"id":                    tx.ID,
			"broker_transaction_id": tx.BrokerTransactionID,
			"action":                tx.Action,
			"symbol":                tx.Symbol,
			"quantity":              tx.Quantity.String(),
			"net_value":             tx.NetValue.String(),
			"executed_at":           tx.ExecutedAt.UTC().Format(time.RFC3339),
		})
	}
	return out
}

// shortID returns the first 8 characters of an id for log lines.
func shortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}
