package discovery

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/scranton_autopilot/internal/lock"
	"github.com/eddiefleurent/scranton_autopilot/internal/storage"
)

// DefaultLockTTL bounds how long a crashed worker can block an account.
const DefaultLockTTL = 10 * time.Minute

// JobConfig configures a Job.
type JobConfig struct {
	LookbackDays int
	LockTTL      time.Duration
}

// JobResult is the outcome of one RunAccount call.
type JobResult struct {
	Discovery     Result       `json:"discovery"`
	ClosingLinked int          `json:"closing_linked"`
	ClosingErrors []OrderError `json:"closing_errors"`
}

// Job runs discovery for one account under an exclusive lock, then links
// closing transactions for the discovered positions that are still open.
type Job struct {
	reconciler *Reconciler
	ledger     storage.Ledger
	locker     lock.Locker
	cfg        JobConfig
	logger     logrus.FieldLogger
}

// NewJob creates a Job. A nil locker falls back to an in-process lock.
func NewJob(reconciler *Reconciler, ledger storage.Ledger, locker lock.Locker, cfg JobConfig, logger logrus.FieldLogger) *Job {
	if locker == nil {
		locker = lock.NewLocalLocker()
	}
	if cfg.LookbackDays <= 0 {
		cfg.LookbackDays = DefaultLookbackDays
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = DefaultLockTTL
	}
	if logger == nil {
		logger = reconciler.logger
	}
	return &Job{reconciler: reconciler, ledger: ledger, locker: locker, cfg: cfg, logger: logger}
}

func lockKeyFor(userID, account string) string {
	return "discovery:" + userID + ":" + account
}

// RunAccount returns lock.ErrLockHeld (wrapped) when another worker is
// already reconciling the account.
func (j *Job) RunAccount(ctx context.Context, userID, account string) (JobResult, error) {
	unlock, err := j.locker.Acquire(ctx, lockKeyFor(userID, account), j.cfg.LockTTL)
	if err != nil {
		return JobResult{}, fmt.Errorf("discovery for %s: %w", account, err)
	}
	defer unlock()

	out := JobResult{ClosingErrors: []OrderError{}}
	out.Discovery = j.reconciler.DiscoverUnmanagedPositions(ctx, userID, account, j.cfg.LookbackDays)

	positions, err := j.ledger.OpenPositions(ctx, userID, account)
	if err != nil {
		return out, fmt.Errorf("load open positions: %w", err)
	}
	for i := range positions {
		pos := &positions[i]
		if pos.IsAppManaged {
			continue
		}
		res, err := j.reconciler.LinkClosingTransactionsToPosition(ctx, pos)
		out.ClosingLinked += res.Linked
		if err != nil {
			j.logger.WithError(err).WithField("position", shortID(pos.ID)).Warn("Failed to link closing transactions")
			out.ClosingErrors = append(out.ClosingErrors, OrderError{
				OrderID: pos.OpeningOrder(),
				Error:   fmt.Sprintf("position %s: %v", pos.ID, err),
			})
		}
	}
	return out, nil
}
