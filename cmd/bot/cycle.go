package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/scranton_autopilot/internal/discovery"
	"github.com/eddiefleurent/scranton_autopilot/internal/ingest"
	"github.com/eddiefleurent/scranton_autopilot/internal/lock"
	"github.com/eddiefleurent/scranton_autopilot/internal/monitor"
)

// Cycle runs the two scheduled jobs: importing broker fills followed by
// position discovery, and the exit sweep.
type Cycle struct {
	importer *ingest.Importer
	job      *discovery.Job
	monitor  *monitor.Monitor
	userID   string
	account  string
	logger   logrus.FieldLogger
}

// NewCycle creates a Cycle. A nil job disables discovery.
func NewCycle(importer *ingest.Importer, job *discovery.Job, mon *monitor.Monitor, userID, account string, logger logrus.FieldLogger) *Cycle {
	return &Cycle{
		importer: importer,
		job:      job,
		monitor:  mon,
		userID:   userID,
		account:  account,
		logger:   logger,
	}
}

// DiscoveryEnabled reports whether RunAccount does anything.
func (c *Cycle) DiscoveryEnabled() bool {
	return c.job != nil
}

// RunDiscovery runs RunAccount for the cycle's own account.
func (c *Cycle) RunDiscovery(ctx context.Context) (discovery.JobResult, error) {
	return c.RunAccount(ctx, c.userID, c.account)
}

// RunAccount imports the latest broker fills and then reconciles the
// ledger. An import failure is logged and discovery still runs over what
// the ledger already holds. A concurrent run elsewhere surfaces as
// lock.ErrLockHeld.
func (c *Cycle) RunAccount(ctx context.Context, userID, account string) (discovery.JobResult, error) {
	if c.job == nil {
		return discovery.JobResult{}, errors.New("discovery is disabled")
	}
	log := c.logger.WithField("account", account)

	if c.importer != nil {
		if _, err := c.importer.Sync(ctx, userID, account); err != nil {
			if ctx.Err() != nil {
				return discovery.JobResult{}, ctx.Err()
			}
			log.WithError(err).Warn("Broker import failed, reconciling existing ledger")
		}
	}

	res, err := c.job.RunAccount(ctx, userID, account)
	if errors.Is(err, lock.ErrLockHeld) {
		log.Info("Discovery already running for account, skipping")
		return res, err
	}
	if err != nil {
		return res, fmt.Errorf("discovery: %w", err)
	}

	log.WithFields(logrus.Fields{
		"positions_created":   res.Discovery.PositionsCreated,
		"transactions_linked": res.Discovery.TransactionsLinked,
		"orders_processed":    res.Discovery.OrderIDsProcessed,
		"order_errors":        len(res.Discovery.Errors),
		"closing_linked":      res.ClosingLinked,
		"closing_errors":      len(res.ClosingErrors),
	}).Info("Discovery cycle complete")
	return res, nil
}

// CheckExits sweeps the account's open positions through the exit manager.
func (c *Cycle) CheckExits(ctx context.Context) ([]monitor.Outcome, error) {
	outcomes, err := c.monitor.Sweep(ctx)
	if err != nil {
		return nil, err
	}
	for _, o := range outcomes {
		if !o.Decision.ShouldExit {
			continue
		}
		c.logger.WithFields(logrus.Fields{
			"position": shortID(o.PositionID),
			"symbol":   o.Symbol,
		}).Infof("Position flagged for exit: %s", o.Decision.Reason)
	}
	return outcomes, nil
}

// shortID trims a position UUID to its first eight characters for log lines.
func shortID(id string) string {
	const n = 8
	if len(id) <= n {
		return id
	}
	return id[:n]
}
