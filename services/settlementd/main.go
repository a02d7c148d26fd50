// Package settlementd runs the gasless relay and the weekly prize draw.
package settlementd

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"

	"github.com/mbarbosa30/x4llet-sub002/observability"
	"github.com/mbarbosa30/x4llet-sub002/observability/logging"
	telemetry "github.com/mbarbosa30/x4llet-sub002/observability/otel"
	"github.com/mbarbosa30/x4llet-sub002/services/settlementd/draw"
	"github.com/mbarbosa30/x4llet-sub002/services/settlementd/ledger"
	"github.com/mbarbosa30/x4llet-sub002/services/settlementd/middleware"
	"github.com/mbarbosa30/x4llet-sub002/services/settlementd/relay"
	"github.com/mbarbosa30/x4llet-sub002/services/settlementd/scheduler"
	"github.com/mbarbosa30/x4llet-sub002/services/settlementd/server"
	"github.com/mbarbosa30/x4llet-sub002/services/settlementd/store"
)

const serviceName = "settlementd"

// Main initialises and runs the settlement daemon.
func Main() error {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "services/settlementd/config.yaml", "path to settlementd configuration")
	flag.Parse()

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}

	env := strings.TrimSpace(os.Getenv("SETTLEMENTD_ENV"))
	logger := logging.Setup(serviceName, env)

	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.ConfigFromEnv(serviceName, env))
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	cfg, err := LoadConfig(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	kind, ref := cfg.Facilitator.Source()
	logger.Info("configuration loaded",
		slog.String("listen", cfg.ListenAddress),
		slog.String("driver", cfg.Database.Driver),
		slog.Int("chains", len(cfg.Chains)),
		logging.KeySource(kind, ref),
		logging.MaskField("jwt_secret", cfg.Admin.JWTSecret))

	db, err := store.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return err
	}
	st := store.New(db)
	if err := st.Migrate(); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	metrics := observability.Settlement()
	ledgerLogger := logging.Component(logger, "ledger")
	clients := make([]ledger.Client, 0, len(cfg.Chains))
	tokens := make([]relay.Token, 0, len(cfg.Chains))
	for _, chain := range cfg.Chains {
		client, err := dialChain(chain, cfg.Facilitator, ledgerLogger)
		if err != nil {
			return err
		}
		clients = append(clients, client)
		tokens = append(tokens, relay.Token{
			ChainID: chain.ChainID,
			Address: common.HexToAddress(chain.Token.Address),
			Name:    chain.Token.Name,
			Version: chain.Token.Version,
		})
	}
	registry := ledger.NewRegistry(clients...)

	verifier := relay.NewVerifier(st, tokens, time.Now)
	executor := relay.NewExecutor(verifier, st, registry,
		relay.WithMetrics(metrics),
		relay.WithLogger(logging.Component(logger, "relay")))

	drawChain, _ := cfg.Chain(cfg.Draw.ChainID)
	drawClient, _ := registry.Get(drawChain.ChainID)
	poolToken := common.HexToAddress(drawChain.ReceiptToken.Address)
	engine := draw.NewEngine(st, drawClient, poolToken,
		draw.WithConcurrency(cfg.Draw.CollectionConcurrency),
		draw.WithMetrics(metrics),
		draw.WithLogger(logging.Component(logger, "draw")))

	sched, err := scheduler.New(scheduler.Config{
		Store:         st,
		Engine:        engine,
		Gas:           drawClient,
		Schedule:      cfg.Scheduler.Schedule,
		Weekday:       cfg.Draw.WeekdayValue(),
		Hour:          cfg.Draw.Hour,
		MinGasReserve: cfg.Draw.Reserve(),
		InstanceID:    cfg.Scheduler.InstanceID,
		RunOnStart:    *cfg.Scheduler.RunOnStart,
		Logger:        logging.Component(logger, "scheduler"),
		Metrics:       metrics,
	})
	if err != nil {
		return err
	}

	decimals := drawChain.ReceiptToken.Decimals
	if decimals == 0 {
		decimals = drawChain.Token.Decimals
	}
	api := server.New(server.Config{
		Store:          st,
		Relay:          executor,
		Draws:          engine,
		DrawLedger:     drawClient,
		PoolToken:      poolToken,
		TokenDecimals:  decimals,
		DefaultChainID: cfg.DefaultChainID,
		Auth: middleware.NewAuthenticator(middleware.AuthConfig{
			HMACSecret: cfg.Admin.JWTSecret,
			Issuer:     cfg.Admin.Issuer,
			Audience:   cfg.Admin.Audience,
		}, logging.Component(logger, "auth")),
		Limiter:       middleware.NewRateLimiter(cfg.RateLimitSet()),
		Observability: middleware.NewObservability(middleware.ObservabilityConfig{ServiceName: serviceName}, logger),
		Logger:        logging.Component(logger, "http"),
	})

	httpServer := &http.Server{
		Addr:         cfg.ListenAddress,
		Handler:      api.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	stopCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	schedDone := make(chan struct{})
	go func() {
		defer close(schedDone)
		if err := sched.Start(stopCtx); err != nil {
			logger.Error("scheduler stopped", slog.Any("error", err))
		}
	}()

	errs := make(chan error, 1)
	go func() {
		logger.Info("settlementd listening", slog.String("addr", cfg.ListenAddress))
		errs <- httpServer.ListenAndServe()
	}()

	select {
	case <-stopCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err := httpServer.Shutdown(shutdownCtx)
		if err != nil {
			_ = httpServer.Close()
		}
		<-schedDone
		return err
	case err := <-errs:
		stop()
		<-schedDone
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

func dialChain(chain ChainConfig, facilitator FacilitatorConfig, logger *slog.Logger) (ledger.Client, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	backend, err := ledger.Dial(ctx, chain.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial chain %d: %w", chain.ChainID, err)
	}
	client, err := ledger.NewEVMClient(backend, ledger.EVMOptions{
		ChainID:             chain.ChainID,
		Key:                 facilitator.Key(),
		ConfirmationTimeout: chain.ConfirmationTimeout.Duration,
		PollInterval:        chain.PollInterval.Duration,
		Logger:              logger.With(slog.Uint64("chain_id", chain.ChainID)),
	})
	if err != nil {
		return nil, fmt.Errorf("chain %d: %w", chain.ChainID, err)
	}
	return client, nil
}
