package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/scranton_autopilot/internal/broker"
	"github.com/eddiefleurent/scranton_autopilot/internal/config"
	"github.com/eddiefleurent/scranton_autopilot/internal/dashboard"
	"github.com/eddiefleurent/scranton_autopilot/internal/discovery"
	"github.com/eddiefleurent/scranton_autopilot/internal/exits"
	"github.com/eddiefleurent/scranton_autopilot/internal/ingest"
	"github.com/eddiefleurent/scranton_autopilot/internal/lock"
	"github.com/eddiefleurent/scranton_autopilot/internal/logging"
	"github.com/eddiefleurent/scranton_autopilot/internal/monitor"
	"github.com/eddiefleurent/scranton_autopilot/internal/retry"
	"github.com/eddiefleurent/scranton_autopilot/internal/storage"
)

// Bot owns the long-lived components and the two schedules.
type Bot struct {
	config    *config.Config
	logger    *logrus.Logger
	ledger    storage.Ledger
	cycle     *Cycle
	dashboard *dashboard.Server
	closers   []io.Closer
}

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "config.yaml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.Environment.LogLevel, cfg.Environment.LogFormat, nil)
	logger.Infof("Starting Scranton Autopilot in %s mode", cfg.Environment.Mode)
	if cfg.IsPaperTrading() {
		logger.Info("Paper trading mode: reading from the Tradier sandbox")
	} else {
		logger.Warn("Live mode: reading from the production Tradier account")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	bot, err := NewBot(ctx, cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize bot")
	}
	defer bot.Close()

	if err := bot.Run(ctx); err != nil {
		logger.WithError(err).Error("Bot stopped with error")
		return
	}
	logger.Info("Bot stopped successfully")
}

// NewBot wires the ledger, broker feed, discovery job, exit manager and
// dashboard from cfg.
func NewBot(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (*Bot, error) {
	b := &Bot{config: cfg, logger: logger}

	ledger, err := storage.NewLedger(cfg.Storage.Path)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	b.ledger = ledger
	b.closers = append(b.closers, ledger)

	userID, account := cfg.Broker.UserID, cfg.Broker.AccountID

	client := broker.NewTradierClient(
		cfg.Broker.APIKey,
		account,
		cfg.IsPaperTrading(),
		cfg.Broker.APIEndpoint,
		cfg.GetBrokerTimeout(),
	)
	client.WithLogger(logger.WithField("component", "tradier"))
	feed := broker.NewCircuitBreakerBrokerWithSettings(client, cfg.BreakerSettings(logger))
	importer := ingest.NewImporter(feed, ledger, retry.NewClient(logger, cfg.RetrySettings()), logger)

	manager, err := exits.BuildManager(
		exits.DefaultRegistry(exits.WithLocation(cfg.Location())),
		cfg.ExitParams(),
		cfg.ExitMode(),
		exits.WithLogger(logger.WithField("component", "exits")),
	)
	if err != nil {
		b.Close()
		return nil, fmt.Errorf("build exit manager: %w", err)
	}
	mon := monitor.New(ledger, manager, nil, monitor.Config{
		UserID:      userID,
		Account:     account,
		Concurrency: cfg.Exits.Concurrency,
	}, logger)

	var job *discovery.Job
	if cfg.Discovery.Enabled {
		locker, err := b.newLocker(ctx)
		if err != nil {
			b.Close()
			return nil, err
		}
		reconciler := discovery.NewReconciler(ledger, discovery.WithLogger(logger.WithField("component", "discovery")))
		job = discovery.NewJob(reconciler, ledger, locker, discovery.JobConfig{
			LookbackDays: cfg.Discovery.LookbackDays,
			LockTTL:      cfg.GetLockTTL(),
		}, nil)
	}

	b.cycle = NewCycle(importer, job, mon, userID, account, logger)

	if cfg.Dashboard.Enabled {
		var runner dashboard.DiscoveryRunner
		if job != nil {
			runner = b.cycle
		}
		b.dashboard = dashboard.NewServer(dashboard.Config{
			Port:      cfg.Dashboard.Port,
			AuthToken: cfg.Dashboard.AuthToken,
			UserID:    userID,
			Account:   account,
		}, ledger, manager, runner, logger.WithField("component", "dashboard"))
	}
	return b, nil
}

func (b *Bot) newLocker(ctx context.Context) (lock.Locker, error) {
	lc := b.config.Lock
	if lc.RedisAddr == "" {
		return lock.NewLocalLocker(), nil
	}
	rl, err := lock.NewRedisLocker(ctx, lock.RedisConfig{
		Addr:     lc.RedisAddr,
		Password: lc.RedisPassword,
		DB:       lc.RedisDB,
	})
	if err != nil {
		return nil, fmt.Errorf("connect lock store: %w", err)
	}
	b.closers = append(b.closers, rl)
	b.logger.WithField("addr", lc.RedisAddr).Info("Using Redis for discovery locks")
	return rl, nil
}

// Run starts the dashboard, runs both jobs once and then on their
// intervals until ctx is canceled.
func (b *Bot) Run(ctx context.Context) error {
	if b.dashboard != nil {
		go func() {
			if err := b.dashboard.Start(); err != nil {
				b.logger.WithError(err).Error("Dashboard server failed")
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := b.dashboard.Shutdown(shutdownCtx); err != nil {
				b.logger.WithError(err).Warn("Dashboard shutdown failed")
			}
		}()
	}

	discoveryEvery := b.config.GetDiscoveryInterval()
	exitEvery := b.config.GetExitCheckInterval()
	b.logger.WithFields(logrus.Fields{
		"discovery_interval":  discoveryEvery,
		"exit_check_interval": exitEvery,
		"discovery_enabled":   b.cycle.DiscoveryEnabled(),
	}).Info("Bot starting main loop")

	b.runDiscovery(ctx)
	b.runExitCheck(ctx)

	discoveryTicker := time.NewTicker(discoveryEvery)
	defer discoveryTicker.Stop()
	exitTicker := time.NewTicker(exitEvery)
	defer exitTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			b.logger.Info("Shutdown signal received, stopping bot...")
			return nil
		case <-discoveryTicker.C:
			b.runDiscovery(ctx)
		case <-exitTicker.C:
			b.runExitCheck(ctx)
		}
	}
}

func (b *Bot) runDiscovery(ctx context.Context) {
	if !b.cycle.DiscoveryEnabled() {
		return
	}
	_, err := b.cycle.RunDiscovery(ctx)
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, lock.ErrLockHeld) {
		b.logger.WithError(err).Error("Discovery cycle failed")
	}
}

func (b *Bot) runExitCheck(ctx context.Context) {
	if _, err := b.cycle.CheckExits(ctx); err != nil && !errors.Is(err, context.Canceled) {
		b.logger.WithError(err).Error("Exit check failed")
	}
}

// Close releases the ledger and lock store.
func (b *Bot) Close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i].Close(); err != nil {
			b.logger.WithError(err).Warn("Close failed")
		}
	}
	b.closers = nil
}
