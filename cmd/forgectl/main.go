package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/pixelforge/pixelforge/internal/config"
	"github.com/pixelforge/pixelforge/internal/ledger"
	ledgerpostgres "github.com/pixelforge/pixelforge/internal/ledger/postgres"
	ledgersqlite "github.com/pixelforge/pixelforge/internal/ledger/sqlite"
	"github.com/pixelforge/pixelforge/internal/report"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(2)
	}
	var err error
	switch os.Args[1] {
	case "adduser":
		err = runAddUser(os.Args[2:])
	case "credits":
		err = runCredits(os.Args[2:])
	case "report":
		err = runReport(os.Args[2:])
	case "help", "--help", "-h":
		printUsage()
		return
	default:
		printUsage()
		os.Exit(2)
	}
	if err != nil {
		log.Fatalf("forgectl %s failed: %v", os.Args[1], err)
	}
}

func printUsage() {
	fmt.Print(`PixelForge operator CLI

Usage:
  forgectl adduser --id <userID> [--email <email>] [--credits <n>]
  forgectl credits --id <userID>
  forgectl report [--week YYYY-MM-DD]

Flags common to all commands:
  --config string    path to config file (default config/pixelforge.ini)
`)
}

func openStore(cfg config.Config) (ledger.Store, error) {
	if cfg.UsesPostgres() {
		return ledgerpostgres.New(cfg.LedgerDSN, cfg.DBMaxOpen, cfg.DBMaxIdle, cfg.DBConnLifetimeMin, cfg.DBConnIdleMin)
	}
	return ledgersqlite.New(cfg.LedgerDSN)
}

func runAddUser(args []string) error {
	fs := flag.NewFlagSet("adduser", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	configPath := fs.String("config", "", "config file")
	id := fs.String("id", "", "user ID")
	email := fs.String("email", "", "user email")
	credits := fs.Int64("credits", -1, "initial credit grant")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *id == "" {
		return fmt.Errorf("--id is required")
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	grant := cfg.InitialCredits
	if *credits >= 0 {
		grant = *credits
	}

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	user, err := store.CreateUser(ctx, *id, *email, grant)
	if err != nil {
		return err
	}
	fmt.Printf("created user %s with %d credits\n", user.ID, user.Credits)
	return nil
}

func runCredits(args []string) error {
	fs := flag.NewFlagSet("credits", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	configPath := fs.String("config", "", "config file")
	id := fs.String("id", "", "user ID")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *id == "" {
		return fmt.Errorf("--id is required")
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	balance, transactions, err := store.Balance(ctx, *id)
	if err != nil {
		return err
	}
	fmt.Printf("user %s balance: %d credits\n", *id, balance)
	for _, tx := range transactions {
		ref := tx.RequestID
		if ref == "" {
			ref = "-"
		}
		fmt.Printf("  %s  %-9s  %+d  request=%s  %s\n",
			tx.CreatedAt.Format(time.RFC3339), tx.Type, signedAmount(tx), ref, tx.Reason)
	}
	return nil
}

func signedAmount(tx ledger.Transaction) int64 {
	if tx.Type == ledger.TypeDeduction {
		return -tx.Credits
	}
	return tx.Credits
}

func runReport(args []string) error {
	fs := flag.NewFlagSet("report", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	configPath := fs.String("config", "", "config file")
	week := fs.String("week", "", "week start date (YYYY-MM-DD), defaults to the last complete week")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	aggregator := report.New(store, report.Thresholds{
		FailureRate:    cfg.FailureRateThreshold,
		VolumeChange:   cfg.VolumeChangeThreshold,
		ModelImbalance: cfg.ModelImbalanceThreshold,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var rep *ledger.Report
	if *week != "" {
		weekStart, err := time.Parse("2006-01-02", *week)
		if err != nil {
			return fmt.Errorf("invalid --week %q: %w", *week, err)
		}
		rep, err = aggregator.Generate(ctx, report.WeekStart(weekStart))
		if err != nil {
			return err
		}
	} else {
		rep, err = aggregator.RunWeekly(ctx)
		if err != nil {
			return err
		}
	}

	encoded, err := json.MarshalIndent(rep, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(encoded))
	return nil
}
