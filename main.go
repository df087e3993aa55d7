package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"strategy-engine/internal/api"
	"strategy-engine/internal/engine"
	"strategy-engine/internal/events"
	"strategy-engine/internal/monitor"
	"strategy-engine/internal/notify"
	"strategy-engine/internal/order"
	"strategy-engine/internal/reconciliation"
	"strategy-engine/internal/strategy"
	"strategy-engine/pkg/config"
	"strategy-engine/pkg/db"
	exfutusdt "strategy-engine/pkg/exchanges/binance/futures_usdt"
	"strategy-engine/pkg/exchanges/common"
	"strategy-engine/pkg/exchanges/paper"
	"strategy-engine/pkg/logging"
	"strategy-engine/pkg/nodeid"
)

func main() {
	if len(os.Args) == 3 && os.Args[1] == "hash-password" {
		hash, err := api.HashPassword(os.Args[2])
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Println(hash)
		return
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("engine stopped", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	version := os.Getenv("APP_VERSION")
	if version == "" {
		version = "dev"
	}
	logger.Info("starting strategy engine",
		zap.String("version", version),
		zap.String("venue", cfg.Venue()),
		zap.String("db", cfg.DBPath),
	)

	database, err := db.New(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer database.Close()
	if err := db.ApplyMigrations(database); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}

	seeds, err := strategy.LoadSeeds(cfg.StrategiesFile)
	if err != nil {
		return fmt.Errorf("strategy seeds: %w", err)
	}

	bus := events.NewBus()
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := monitor.NewMetrics(reg)
	(&monitor.Monitor{Bus: bus, Metrics: metrics, Log: logging.Component(logger, "monitor")}).Start(ctx)

	// Exchange: live USDT-M futures, or the paper venue fed by live market data.
	binance := exfutusdt.NewClient(exfutusdt.Config{
		APIKey:    cfg.BinanceUSDTKey,
		APISecret: cfg.BinanceUSDTSecret,
		Testnet:   cfg.BinanceTestnet,
		Timeout:   cfg.GatewayTimeout,

		OnClockSync: metrics.ObserveClock,
	}, logging.Component(logger, "binance"))
	var gateway common.Gateway = binance
	if cfg.DryRun {
		gateway = paper.New(paper.Config{
			InitialBalance: cfg.DryRunInitialBalance,
			FeeRate:        cfg.DryRunFeeRate,
		}, binance, logger)
	} else {
		if cfg.BinanceUSDTKey == "" || cfg.BinanceUSDTSecret == "" {
			return errors.New("live trading needs BINANCE_USDT_KEY and BINANCE_USDT_SECRET")
		}
		binance.StartClock(ctx)
	}

	sinks := []notify.Sink{notify.LogSink{Log: logging.Component(logger, "notify")}}
	if cfg.TelegramToken != "" && cfg.TelegramChatID != 0 {
		tg, err := notify.NewTelegramSink(cfg.TelegramToken, cfg.TelegramChatID)
		if err != nil {
			logger.Warn("telegram notifications disabled", zap.Error(err))
		} else {
			sinks = append(sinks, tg)
		}
	}
	dispatcher := notify.NewDispatcher(256, logger, sinks...)
	dispatcher.Start(ctx)
	defer dispatcher.Close()

	coord := order.NewCoordinator(gateway, database, order.Options{
		Policy: order.RetryPolicy{
			MaxAttempts: cfg.RetryMaxAttempts,
			BaseDelay:   cfg.RetryBaseDelay,
			MaxDelay:    cfg.RetryMaxDelay,
		},
		Timeout:    cfg.GatewayTimeout,
		NodePrefix: nodeid.Prefix(),
		Bus:        bus,
		Log:        logger,
	})
	recon := reconciliation.NewService(coord, database, logger)

	mode := "LIVE"
	if cfg.DryRun {
		mode = "DRY_RUN"
	}
	registry := engine.New(engine.Config{
		Market:        gateway,
		Orders:        coord,
		DB:            database,
		Recon:         recon,
		Notifier:      dispatcher,
		Bus:           bus,
		Metrics:       metrics,
		Log:           logger,
		Workers:       cfg.Workers,
		WarmupCandles: cfg.WarmupCandles,
		Meta: engine.SystemStatus{
			Mode:    mode,
			DryRun:  cfg.DryRun,
			Venue:   cfg.Venue(),
			Version: version,
		},
	})

	// Health endpoints come up first and report not-ready until Start returns.
	health := api.NewHealthServer(registry.Ready, logger)
	go func() {
		if err := health.Serve(ctx, ":"+cfg.GRPCPort); err != nil {
			logger.Error("grpc health server failed", zap.Error(err))
		}
	}()

	server := api.NewServer(api.Options{
		Engine:   registry,
		Bus:      bus,
		Metrics:  metrics,
		Gatherer: reg,
		Log:      logger,
		Auth: api.AuthConfig{
			JWTSecret:         cfg.JWTSecret,
			AdminUser:         cfg.AdminUser,
			AdminPasswordHash: cfg.AdminPasswordHash,
		},
	})
	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           server.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("api listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	if err := registry.Start(ctx, seeds); err != nil {
		return err
	}
	recon.Start(ctx, registry, cfg.ReconcileInterval, registry.Nudges())
	logger.Info("engine ready", zap.Int("strategies", len(registry.List())))

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		stop()
		registry.Wait()
		return fmt.Errorf("api server: %w", err)
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("api shutdown", zap.Error(err))
	}
	registry.Wait()
	return nil
}
