// audit prints the ledger's open positions, their current exit decisions
// and any transactions reconciliation has not attached yet.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/eddiefleurent/scranton_autopilot/internal/broker"
	"github.com/eddiefleurent/scranton_autopilot/internal/config"
	"github.com/eddiefleurent/scranton_autopilot/internal/exits"
	"github.com/eddiefleurent/scranton_autopilot/internal/ingest"
	"github.com/eddiefleurent/scranton_autopilot/internal/logging"
	"github.com/eddiefleurent/scranton_autopilot/internal/retry"
	"github.com/eddiefleurent/scranton_autopilot/internal/storage"
)

func main() {
	var (
		configPath = flag.String("config", "config.yaml", "Path to configuration file")
		jsonOutput = flag.Bool("json", false, "Output results as JSON")
		verbose    = flag.Bool("v", false, "Verbose output")
		doSync     = flag.Bool("sync", false, "Import broker fills before auditing")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	level := "warn"
	if *verbose {
		level = "debug"
		fmt.Printf("Using config: %s\n", *configPath)
		fmt.Printf("Ledger: %s\n", cfg.Storage.Path)
		fmt.Printf("Broker: %s (sandbox: %t)\n", cfg.Broker.Provider, cfg.IsPaperTrading())
		fmt.Printf("Account ID: %s\n\n", maskAccountID(cfg.Broker.AccountID))
	}
	logger := logging.New(level, cfg.Environment.LogFormat, os.Stderr)

	ledger, err := storage.NewLedger(cfg.Storage.Path)
	if err != nil {
		log.Fatalf("Failed to open ledger: %v", err)
	}
	defer func() { _ = ledger.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	if *doSync {
		client := broker.NewTradierClient(cfg.Broker.APIKey, cfg.Broker.AccountID, cfg.IsPaperTrading(),
			cfg.Broker.APIEndpoint, cfg.GetBrokerTimeout())
		importer := ingest.NewImporter(client, ledger, retry.NewClient(logger, cfg.RetrySettings()), logger)
		res, err := importer.Sync(ctx, cfg.Broker.UserID, cfg.Broker.AccountID)
		if err != nil {
			log.Fatalf("Failed to import broker fills: %v", err)
		}
		if !*jsonOutput {
			fmt.Printf("Imported %d new transaction(s) from %d filled order(s)\n\n", res.TransactionsImported, res.OrdersFilled)
		}
	}

	manager, err := exits.BuildManager(
		exits.DefaultRegistry(exits.WithLocation(cfg.Location())),
		cfg.ExitParams(),
		cfg.ExitMode(),
		exits.WithLogger(logger),
	)
	if err != nil {
		log.Fatalf("Failed to build exit manager: %v", err)
	}

	report, err := buildReport(ctx, ledger, manager, cfg.Broker.UserID, cfg.Broker.AccountID, time.Now())
	if err != nil {
		log.Fatalf("Failed to audit ledger: %v", err)
	}

	if *jsonOutput {
		output, err := json.MarshalIndent(report, "", "  ")
		if err != nil {
			log.Fatalf("Failed to marshal JSON: %v", err)
		}
		fmt.Println(string(output))
		return
	}

	printReport(os.Stdout, report)

	fmt.Printf("\n=== ANALYSIS ===\n")
	issues := analyzeReport(report)
	if len(issues) == 0 {
		fmt.Printf("No obvious issues detected.\n")
		return
	}
	fmt.Printf("POTENTIAL ISSUES FOUND:\n")
	for i, issue := range issues {
		fmt.Printf("  %d. %s\n", i+1, issue)
	}
}
