package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"loopline/go-backend/internal/app"
	"loopline/go-backend/internal/config"
	"loopline/go-backend/internal/connectivity"
	"loopline/go-backend/internal/dm"
	"loopline/go-backend/internal/keystore"
	"loopline/go-backend/internal/outbox"
	"loopline/go-backend/internal/platform/privacylog"
	"loopline/go-backend/internal/realtime"
	"loopline/go-backend/internal/storage"
	"loopline/go-backend/pkg/models"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "Path to config.yaml (optional)")
	dataDir := flag.String("data-dir", "", "Directory for daemon local data (optional)")
	transport := flag.String("transport", "", "Realtime transport override: memory | redis | waku")
	user := flag.String("user", "", "Local user id override")
	flag.Parse()
	if *showVersion {
		fmt.Printf("loopline-daemon version=%s commit=%s build_date=%s\n", version, commit, buildDate)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("loopline-daemon failed to load config: %v", err)
	}
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}
	if *transport != "" {
		cfg.Realtime.Transport = *transport
	}
	if *user != "" {
		cfg.User = *user
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("loopline-daemon invalid config: %v", err)
	}

	logger := slog.New(privacylog.WrapHandler(slog.NewJSONHandler(os.Stdout, nil)))
	slog.SetDefault(logger)

	if err := run(ctx, cfg, logger); err != nil {
		log.Fatalf("loopline-daemon failed: %v", err)
	}
	logger.Info("loopline-daemon stopped")
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	reg := prometheus.NewRegistry()

	keys, err := keystore.NewFileStore(filepath.Join(cfg.DataDir, "keys"), cfg.Passphrase)
	if err != nil {
		return fmt.Errorf("open key store: %w", err)
	}
	store, err := storage.NewEncryptedPersistentStore(filepath.Join(cfg.DataDir, "dm", "store.enc"), cfg.Passphrase)
	if err != nil {
		return fmt.Errorf("open message store: %w", err)
	}
	bus, closeBus, err := realtime.NewBus(cfg.Realtime, logger)
	if err != nil {
		return fmt.Errorf("start realtime transport: %w", err)
	}
	defer closeBus()

	// The flush target is the gateway built below; late-bound on purpose.
	var facade *app.Service
	flush := func(ctx context.Context, kind string, payload []byte) error {
		if facade == nil {
			return models.Categorize(models.CategoryNetwork, errors.New("gateway not ready"))
		}
		return flushEntry(ctx, facade, kind, payload)
	}
	ob, err := outbox.Open(filepath.Join(cfg.DataDir, "outbox"), cfg.Passphrase, flush, logger,
		outbox.WithMetrics(outbox.NewMetrics(reg)))
	if err != nil {
		return fmt.Errorf("open outbox: %w", err)
	}

	conn := connectivity.NewMonitor(true)
	facade = app.Build(cfg.User, bus, keys, store, ob, conn, logger, reg,
		realtime.WithEventRateLimit(20, 40),
	)
	if err := facade.Start(ctx); err != nil {
		return fmt.Errorf("start service: %w", err)
	}
	defer facade.Close()

	metricsSrv := serveMetrics(cfg.MetricsAddr, reg, logger)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = metricsSrv.Shutdown(shutdownCtx)
	}()

	go maintenanceLoop(ctx, facade, ob, logger)

	logger.Info("loopline-daemon started",
		"transport", cfg.Realtime.Transport, "metrics_addr", cfg.MetricsAddr)
	<-ctx.Done()
	return nil
}

// flushEntry replays one queued outbox payload through the live gateway.
func flushEntry(ctx context.Context, facade *app.Service, kind string, payload []byte) error {
	switch kind {
	case dm.OutboxKindMessage:
		var msg models.Message
		if err := json.Unmarshal(payload, &msg); err != nil {
			return models.Categorize(models.CategoryCorrupted, err)
		}
		return facade.RebroadcastMessage(ctx, msg)
	default:
		return models.Categorize(models.CategoryValidation, fmt.Errorf("unknown outbox kind %q", kind))
	}
}

func serveMetrics(addr string, reg *prometheus.Registry, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server stopped", "error", err.Error())
		}
	}()
	return srv
}

// maintenanceLoop drains the outbox shortly after boot and purges expired
// entries once a day.
func maintenanceLoop(ctx context.Context, facade *app.Service, ob *outbox.Outbox, logger *slog.Logger) {
	boot := time.NewTimer(5 * time.Second)
	defer boot.Stop()
	daily := time.NewTicker(24 * time.Hour)
	defer daily.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-boot.C:
			if _, err := facade.SyncOutbox(ctx); err != nil {
				logger.Warn("outbox boot sync failed", "error", err.Error())
			}
		case <-daily.C:
			if removed, err := ob.Cleanup(); err != nil {
				logger.Warn("outbox cleanup failed", "error", err.Error())
			} else if removed > 0 {
				logger.Info("outbox cleanup removed expired entries", "removed", removed)
			}
		}
	}
}
