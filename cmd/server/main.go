package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"

	"leasebox/internal/config"
	"leasebox/internal/files"
	"leasebox/internal/ledger"
	"leasebox/internal/logging"
)

func printStats(ctx context.Context, l ledger.Ledger) {
	stats, err := l.Stats(ctx, time.Now())
	if err != nil {
		logging.Internal.Fatalf("failed to get stats: %v", err)
	}

	fmt.Println("╔══════════════════════════════════════════╗")
	fmt.Println("║            Leasebox Statistics           ║")
	fmt.Println("╠══════════════════════════════════════════╣")
	fmt.Printf("║  Total Leases:    %-22d║\n", stats.TotalLeases)
	fmt.Printf("║  ├─ Active:       %-22d║\n", stats.ActiveLeases)
	fmt.Printf("║  └─ Expired:      %-22d║\n", stats.ExpiredLeases)
	fmt.Printf("║  Owners:          %-22d║\n", stats.Owners)
	fmt.Println("╠══════════════════════════════════════════╣")
	fmt.Printf("║  Total Storage:   %-22s║\n", humanize.IBytes(uint64(stats.TotalBytes)))
	fmt.Printf("║  └─ Active:       %-22s║\n", humanize.IBytes(uint64(stats.ActiveBytes)))
	fmt.Println("╠══════════════════════════════════════════╣")
	if !stats.OldestUpload.IsZero() {
		fmt.Printf("║  Oldest Upload:   %-22s║\n", stats.OldestUpload.Format("2006-01-02 15:04"))
		fmt.Printf("║  Newest Upload:   %-22s║\n", stats.NewestUpload.Format("2006-01-02 15:04"))
	} else {
		fmt.Println("║  No leases in database                   ║")
	}
	fmt.Println("╚══════════════════════════════════════════╝")
}

func main() {
	configPath := flag.String("config", "leasebox.yaml", "Path to YAML config file")
	addr := flag.String("addr", "", "HTTP listen address (overrides config)")
	dbPath := flag.String("db", "", "SQLite ledger path (overrides config)")
	storagePath := flag.String("storage", "", "File storage directory (overrides config)")
	showStats := flag.Bool("stats", false, "Show ledger statistics and exit")
	devMode := flag.Bool("dev", false, "Development mode: disables CORS restrictions and rate limiting")
	corsOrigins := flag.String("cors-origins", "", "Comma-separated list of allowed CORS origins (overrides config)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logging.Internal.Fatalf("failed to load config: %v", err)
	}

	// Flags only win when given explicitly.
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "addr":
			cfg.ListenAddr = *addr
		case "db":
			cfg.Ledger.Path = *dbPath
		case "storage":
			cfg.Storage.Path = *storagePath
		case "dev":
			cfg.DevMode = *devMode
		case "cors-origins":
			cfg.CORSOrigins = splitOrigins(*corsOrigins)
		}
	})

	if err := logging.SetLevel(cfg.LogLevel); err != nil {
		logging.Internal.Fatalf("invalid log level %q: %v", cfg.LogLevel, err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	led, err := openLedger(ctx, cfg)
	if err != nil {
		logging.Internal.Fatalf("failed to open ledger: %v", err)
	}
	defer led.Close()

	if *showStats {
		printStats(ctx, led)
		return
	}

	storage, err := openStorage(cfg)
	if err != nil {
		logging.Internal.Fatalf("failed to initialize storage: %v", err)
	}

	facilitator, err := openFacilitator(cfg)
	if err != nil {
		logging.Internal.Fatalf("failed to initialize facilitator: %v", err)
	}

	filesSvc := files.NewService(storage, led, files.WithRenewalDuration(cfg.RenewalDuration))
	handler := newHandler(cfg, filesSvc, facilitator)

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logging.Internal.Infof("starting server on %s", cfg.ListenAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		sweepLoop(gctx, filesSvc, cfg.SweepInterval)
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logging.Internal.Info("shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown error: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		logging.Internal.Errorf("%v", err)
		os.Exit(1)
	}
}

func splitOrigins(s string) []string {
	var origins []string
	for _, o := range strings.Split(s, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	return origins
}

// sweepLoop drops expired leases every interval until ctx is cancelled.
func sweepLoop(ctx context.Context, svc *files.Service, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := svc.SweepExpired(ctx); err != nil {
				logging.Internal.Errorf("sweep error: %v", err)
			}
		}
	}
}
