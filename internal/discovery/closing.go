package discovery

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/scranton_autopilot/internal/models"
	"github.com/eddiefleurent/scranton_autopilot/internal/occ"
	"github.com/eddiefleurent/scranton_autopilot/internal/storage"
)

// Closing match strategies, most specific first.
const (
	MatchLegSymbols   = "leg_symbols"
	MatchEquity       = "equity_underlying"
	MatchOpeningOrder = "underlying_opening_order"
)

// ErrNoPosition is returned when LinkClosingTransactionsToPosition is given
// a position without an id.
var ErrNoPosition = errors.New("position has no id")

// LinkClosingTransactionsToPosition attaches unlinked closing transactions
// that belong to pos. It returns Linked == 0 without error when pos carries
// too little data to match safely.
func (r *Reconciler) LinkClosingTransactionsToPosition(ctx context.Context, pos *models.Position) (LinkResult, error) {
	if pos == nil || pos.ID == "" {
		return LinkResult{}, ErrNoPosition
	}
	log := r.logger.WithFields(logrus.Fields{"position": shortID(pos.ID), "symbol": pos.Symbol})

	filter, match, ok := ClosingFilterFor(pos)
	if !ok {
		log.Info("Skipping closing-transaction linking: no leg symbols, equity underlying or opening order to match on")
		return LinkResult{}, nil
	}

	txs, err := r.ledger.UnlinkedClosingTransactions(ctx, filter)
	if err != nil {
		return LinkResult{}, fmt.Errorf("load closing transactions: %w", err)
	}
	linked, err := r.link(ctx, pos.ID, txs)
	if linked > 0 {
		log.WithField("match", match).Infof("Linked %d closing transactions", linked)
	}
	return LinkResult{Linked: linked}, err
}

// ClosingFilterFor picks the most specific way to find pos's closing
// transactions: its stored leg symbols, the underlying for share
// positions, or the underlying plus open time for option positions that
// were opened by a known broker order. ok is false when none applies.
func ClosingFilterFor(pos *models.Position) (storage.ClosingFilter, string, bool) {
	f := storage.ClosingFilter{
		UserID:        pos.UserID,
		AccountNumber: pos.AccountNumber,
	}

	if symbols := pos.LegSymbols(); len(symbols) > 0 {
		for _, s := range symbols {
			f.Symbols = append(f.Symbols, occ.Forms(s)...)
		}
		return f, MatchLegSymbols, true
	}

	if pos.Symbol == "" {
		return storage.ClosingFilter{}, "", false
	}

	if pos.IsEquity() {
		f.Underlying = pos.Symbol
		f.InstrumentType = models.InstrumentEquity
		f.Actions = []string{models.ActionSell, models.ActionSellToClose}
		return f, MatchEquity, true
	}

	if pos.OpeningOrder() != "" {
		f.Underlying = pos.Symbol
		f.InstrumentType = models.InstrumentEquityOption
		f.Actions = []string{models.ActionBuyToClose, models.ActionSellToClose}
		if pos.OpenedAt != nil {
			opened := *pos.OpenedAt
			f.ExecutedAfter = &opened
		}
		return f, MatchOpeningOrder, true
	}

	return storage.ClosingFilter{}, "", false
}
