package main

import (
	"context"
	"database/sql"
	"flag"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/pixelforge/pixelforge/internal/catalog"
	"github.com/pixelforge/pixelforge/internal/config"
	"github.com/pixelforge/pixelforge/internal/generator"
	"github.com/pixelforge/pixelforge/internal/health"
	"github.com/pixelforge/pixelforge/internal/httpserver"
	"github.com/pixelforge/pixelforge/internal/ledger"
	ledgerpostgres "github.com/pixelforge/pixelforge/internal/ledger/postgres"
	ledgersqlite "github.com/pixelforge/pixelforge/internal/ledger/sqlite"
	"github.com/pixelforge/pixelforge/internal/logging"
	"github.com/pixelforge/pixelforge/internal/metrics"
	"github.com/pixelforge/pixelforge/internal/orchestrator"
	"github.com/pixelforge/pixelforge/internal/ratelimit"
	"github.com/pixelforge/pixelforge/internal/report"
	"github.com/pixelforge/pixelforge/internal/validator"
	"github.com/pixelforge/pixelforge/internal/version"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config failed: %v", err)
	}

	if target := strings.TrimSpace(cfg.LogFile); target != "" {
		rot, err := logging.New(target, cfg.LogFileMaxBytes)
		if err != nil {
			log.Fatalf("init rotating log: %v", err)
		}
		// mirror to stdout for foreground runs
		log.SetOutput(io.MultiWriter(os.Stdout, rot))
		log.SetFlags(log.LstdFlags | log.Lmicroseconds)
		log.SetPrefix("[pixelforged] ")
		defer rot.Close()
	}

	var (
		store    ledger.Store
		ledgerDB *sql.DB
	)
	if cfg.UsesPostgres() {
		pg, err := ledgerpostgres.New(cfg.LedgerDSN, cfg.DBMaxOpen, cfg.DBMaxIdle, cfg.DBConnLifetimeMin, cfg.DBConnIdleMin)
		if err != nil {
			log.Fatalf("open postgres ledger: %v", err)
		}
		store = pg
		ledgerDB = pg.DB()
		log.Printf("ledger backend: postgres")
	} else {
		sq, err := ledgersqlite.New(cfg.LedgerDSN)
		if err != nil {
			log.Fatalf("open sqlite ledger: %v", err)
		}
		store = sq
		ledgerDB = sq.DB()
		log.Printf("ledger backend: sqlite path=%s", cfg.LedgerDSN)
	}
	defer store.Close()

	cat, err := catalog.Load(cfg.CatalogPath)
	if err != nil {
		log.Fatalf("load catalog: %v", err)
	}
	log.Printf("catalog loaded models=%d styles=%d sizes=%d", len(cat.Models()), len(cat.Styles()), len(cat.Sizes()))

	backend := generator.NewSimulated(generator.SimulatedConfig{
		BaseURL:     cfg.ImageBaseURL,
		FailureRate: cfg.FailureRate,
		MinDelay:    time.Duration(cfg.MinDelayMs) * time.Millisecond,
		MaxDelay:    time.Duration(cfg.MaxDelayMs) * time.Millisecond,
		Seed:        cfg.GeneratorSeed,
	})
	registry := generator.NewRegistry()
	for _, model := range cat.Models() {
		registry.Register(model, backend)
	}

	orch := orchestrator.New(validator.New(cat), store, registry)
	aggregator := report.New(store, report.Thresholds{
		FailureRate:    cfg.FailureRateThreshold,
		VolumeChange:   cfg.VolumeChangeThreshold,
		ModelImbalance: cfg.ModelImbalanceThreshold,
	})

	limiter := ratelimit.NewLimiter(ratelimit.Config{
		RequestsPerSecond: cfg.RateLimitPerSecond,
		BurstSize:         cfg.RateLimitBurst,
		CleanupInterval:   5 * time.Minute,
	})
	defer limiter.Close()

	checker := health.New(health.Config{
		LedgerDB:     ledgerDB,
		ImageBaseURL: cfg.ImageBaseURL,
	})

	httpSrv := httpserver.New(orch, store, aggregator, httpserver.Options{
		Checker:        checker,
		Limiter:        limiter,
		InitialCredits: cfg.InitialCredits,
		MetricsEnabled: cfg.MetricsEnabled,
	})
	httpSrv.SetLogger(log.New(log.Writer(), "[pixelforged/http] ", log.LstdFlags|log.Lmicroseconds), cfg.LogLevel)

	ctx, stop := context.WithCancel(context.Background())
	defer stop()
	go runSweep(ctx, orch, cfg.SweepInterval, cfg.PendingTimeout)
	go runWeeklyReports(ctx, aggregator, cfg.ReportInterval)

	srv := &http.Server{
		Addr:         cfg.HTTPAddress,
		Handler:      httpSrv.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("pixelforged %s listening on %s", version.Info(), cfg.HTTPAddress)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server error: %v", err)
		}
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGTERM, syscall.SIGINT)
	<-sigs
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}
}

// runSweep periodically settles requests stuck in pending longer than the
// configured timeout.
func runSweep(ctx context.Context, orch *orchestrator.Orchestrator, interval, pendingTimeout time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			cutoff := time.Now().UTC().Add(-pendingTimeout)
			resolved, err := orch.Resolve(ctx, cutoff)
			if err != nil {
				log.Printf("reconciliation sweep failed: %v", err)
				continue
			}
			if resolved > 0 {
				metrics.StaleRequestsResolved.Add(float64(resolved))
				log.Printf("reconciliation sweep settled %d stuck requests", resolved)
			}
		case <-ctx.Done():
			return
		}
	}
}

// runWeeklyReports regenerates the report for the most recent complete week
// on a fixed cadence; regeneration is an idempotent upsert.
func runWeeklyReports(ctx context.Context, aggregator *report.Aggregator, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			rep, err := aggregator.RunWeekly(ctx)
			if err != nil {
				log.Printf("weekly report run failed: %v", err)
				continue
			}
			metrics.ReportsGenerated.Inc()
			for _, anomaly := range rep.Anomalies {
				metrics.AnomaliesDetected.WithLabelValues(anomaly.Kind).Inc()
			}
		case <-ctx.Done():
			return
		}
	}
}
