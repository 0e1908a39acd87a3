package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"broker-bridge/internal/api"
	"broker-bridge/internal/events"
	"broker-bridge/internal/execution"
	"broker-bridge/internal/gateway"
	"broker-bridge/internal/health"
	"broker-bridge/internal/registry"
	"broker-bridge/internal/risk"
	"broker-bridge/internal/token"
	"broker-bridge/pkg/brokers/mt5"
	"broker-bridge/pkg/brokers/schwab"
	"broker-bridge/pkg/config"
	"broker-bridge/pkg/crypto"
	"broker-bridge/pkg/db"
	"broker-bridge/pkg/logging"
)

func main() {
	probe := flag.Bool("probe", false, "query the local gRPC health endpoint and exit")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if *probe {
		os.Exit(runProbe(cfg.GRPCHealthAddr))
	}

	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("broker-bridge stopped", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	keyring, err := crypto.NewKeyringFromEnv()
	if err != nil {
		return fmt.Errorf("load encryption keys: %w", err)
	}

	database, err := db.New(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer database.Close()
	database.SetCipher(keyring)
	logger.Info("database ready", zap.String("path", cfg.DBPath), zap.Int("key_version", keyring.CurrentVersion()))

	venues := registry.New()
	if cfg.VenueCatalogPath != "" {
		if err := venues.LoadOverrides(cfg.VenueCatalogPath); err != nil {
			return fmt.Errorf("venue overrides: %w", err)
		}
		logger.Info("venue overrides loaded", zap.String("path", cfg.VenueCatalogPath))
	}

	factory := gateway.NewFactory(venues, cfg.ProductionLock, logger.Named("adapter"))
	factory.Timeout = cfg.AdapterTimeout
	if cfg.MT5GatewayURL != "" {
		factory.BaseURLs[mt5.Venue] = cfg.MT5GatewayURL
	}

	bus := events.NewBus()

	renewers := map[string]token.Renewer{}
	if cfg.SchwabClientID != "" {
		r := token.NewOAuth2Renewer(cfg.SchwabClientID, cfg.SchwabClientSecret, cfg.SchwabTokenURL)
		r.HTTPClient = &http.Client{Timeout: cfg.AdapterTimeout}
		renewers[schwab.Venue] = r
	} else {
		logger.Warn("SCHWAB_CLIENT_ID not set; schwab tokens will not be renewed")
	}
	tokens := token.NewManager(database, renewers, bus, logger.Named("token"))
	tokens.Threshold = cfg.TokenRefreshThreshold

	svc := execution.NewService(execution.Deps{
		Users:        database,
		Trades:       database,
		Factory:      factory,
		Gate:         risk.NewGate(logger.Named("risk")),
		Tokens:       tokens,
		Bus:          bus,
		Logger:       logger.Named("execution"),
		AllowSandbox: cfg.AllowSandbox,
	})

	server := api.NewServer(api.Deps{
		Executor:         svc,
		Accounts:         database,
		Catalog:          venues,
		Factory:          factory,
		Bus:              bus,
		Health:           database,
		Logger:           logger.Named("api"),
		JWTSecret:        cfg.JWTSecret,
		AllowSandbox:     cfg.AllowSandbox,
		CORSOrigins:      cfg.CORSOrigins,
		WebhookRateLimit: cfg.WebhookRateLimit,
	})
	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	healthLis, err := net.Listen("tcp", cfg.GRPCHealthAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.GRPCHealthAddr, err)
	}
	healthSrv := health.NewServer(database, logger.Named("health"))

	errc := make(chan error, 2)
	go func() { errc <- healthSrv.Serve(ctx, healthLis) }()
	go func() {
		logger.Info("http listening", zap.String("addr", httpServer.Addr),
			zap.Bool("production_lock", cfg.ProductionLock), zap.Bool("allow_sandbox", cfg.AllowSandbox))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- fmt.Errorf("http: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errc:
		stop()
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	if dropped := bus.Dropped(); dropped > 0 {
		logger.Warn("events dropped by slow subscribers", zap.Int64("count", dropped))
	}
	return nil
}

func runProbe(addr string) int {
	status, err := health.Probe(context.Background(), addr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "probe %s: %v\n", addr, err)
		return 1
	}
	fmt.Println(status)
	if status != healthpb.HealthCheckResponse_SERVING {
		return 1
	}
	return 0
}
