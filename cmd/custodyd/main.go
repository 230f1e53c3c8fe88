package main

import (
	"context"
	"database/sql"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/ethereum/go-ethereum/common"
	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"CustodyLedger/internal/config"
	"CustodyLedger/internal/core"
	"CustodyLedger/internal/event"
	"CustodyLedger/internal/notify"
	"CustodyLedger/internal/observability"
	"CustodyLedger/internal/persistence"
	"CustodyLedger/internal/query"
	"CustodyLedger/internal/server"
	"CustodyLedger/internal/transfer"
)

// Pool identity of the in-memory bank.
var memoryPool = common.HexToAddress("0x000000000000000000000000000000000000C057")

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		bootLogger := observability.NewLogger("custodyd")
		bootLogger.Fatal().Err(err).Msg("load config")
	}
	logger := observability.NewLoggerWithLevel("custodyd", observability.ParseLogLevel(cfg.LogLevel))

	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("custodyd exited")
	}
}

func run(cfg *config.Config, logger zerolog.Logger) error {
	logger.Info().Str("admin", cfg.Admin.Hex()).Str("bank", cfg.BankMode).Msg("CustodyLedger starting")

	// --- Context with graceful shutdown ---
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// --- Observability ---
	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
	healthChecker := observability.NewHealthChecker()

	// --- Postgres ---
	db, err := sql.Open("postgres", cfg.PostgresDSN)
	if err != nil {
		return errors.Wrap(err, "postgres open")
	}
	defer db.Close()

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		return errors.Wrap(err, "postgres ping")
	}
	logger.Info().Msg("postgres connected")

	if err := persistence.NewMigrator(db, cfg.MigrationsDir, logger).Up(ctx); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	// --- Asset transfers ---
	bank, closeBank, err := openBank(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeBank()

	// --- Channels ---
	// Persist blocks (backpressure); publish drops when full
	persistChan := make(chan *event.EventEnvelope, cfg.PersistChanSize)
	var publishChan chan *event.EventEnvelope
	if cfg.NATSEnabled {
		publishChan = make(chan *event.EventEnvelope, cfg.PublishChanSize)
	}

	// --- Vault ---
	snapMgr := persistence.NewSnapshotManager(db)
	vault, err := core.NewVault(core.VaultConfig{
		Admin:               cfg.Admin,
		Bank:                bank,
		BankTimeout:         cfg.BankTimeout,
		Sink:                &channelSink{persist: persistChan, publish: publishChan, metrics: metrics},
		DBChecker:           persistence.NewPostgresIdempotencyChecker(db),
		IdempotencyCapacity: cfg.IdempotencyCapacity,
		IdempotencyTTL:      cfg.IdempotencyTTL,
		Metrics:             metrics,
		Logger:              logger.With().Str("component", "vault").Logger(),
	})
	if err != nil {
		return errors.Wrap(err, "create vault")
	}
	defer vault.Close()

	// --- Recovery: snapshot + replay ---
	replayed, err := recoverVault(ctx, vault, snapMgr, metrics, logger)
	if err != nil {
		return errors.Wrap(err, "recovery")
	}
	logger.Info().
		Int64("replayed", replayed).
		Int64("next_sequence", vault.GetSequence()).
		Str("owner", vault.Owner().Hex()).
		Msg("recovery complete")

	// --- Workers ---
	// Workers outlive ctx: they stop when their channel is closed at shutdown.
	workerCtx, cancelWorkers := context.WithCancel(context.Background())
	defer cancelWorkers()

	errChan := make(chan error, 8)
	var workers sync.WaitGroup

	persistWorker := persistence.NewPersistenceWorker(db, persistChan, cfg.PersistBatchSize, cfg.PersistFlushTimeout, metrics,
		logger.With().Str("component", "persistence").Logger())
	workers.Add(1)
	go func() {
		defer workers.Done()
		if err := persistWorker.Run(workerCtx); err != nil && !errors.Is(err, context.Canceled) {
			errChan <- errors.Wrap(err, "persistence worker")
		}
	}()

	var nc *nats.Conn
	if cfg.NATSEnabled {
		var js notify.Publisher
		nc, js, err = connectPublisher(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer nc.Close()

		publisher := notify.NewOutboundPublisher(js, publishChan, metrics,
			logger.With().Str("component", "notify").Logger())
		workers.Add(1)
		go func() {
			defer workers.Done()
			if err := publisher.Run(workerCtx); err != nil && !errors.Is(err, context.Canceled) {
				errChan <- errors.Wrap(err, "outbound publisher")
			}
		}()
	}

	// --- Servers ---
	srv := server.NewServer(cfg.GRPCAddr, cfg.HTTPAddr, server.Deps{
		Vault:         vault,
		Queries:       query.NewQueryService(db),
		HealthChecker: healthChecker,
		Metrics:       metrics,
		Logger:        logger.With().Str("component", "server").Logger(),
	})

	var servers sync.WaitGroup
	serve := func(name string, fn func(context.Context) error) {
		servers.Add(1)
		go func() {
			defer servers.Done()
			if err := fn(ctx); err != nil {
				errChan <- errors.Wrap(err, name)
			}
		}()
	}
	serve("grpc server", srv.StartGRPC)
	serve("http api", srv.StartHTTP)
	serve("metrics server", func(ctx context.Context) error {
		return serveMetrics(ctx, cfg.MetricsAddr, healthChecker, logger)
	})

	go runPeriodicSnapshots(ctx, vault, snapMgr, cfg.SnapshotInterval, metrics, logger)

	healthChecker.SetReady(true)
	logger.Info().
		Str("grpc", cfg.GRPCAddr).
		Str("http", cfg.HTTPAddr).
		Str("metrics", cfg.MetricsAddr).
		Bool("nats", cfg.NATSEnabled).
		Msg("CustodyLedger ready")

	// --- Wait for shutdown signal ---
	select {
	case sig := <-sigChan:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errChan:
		logger.Error().Err(err).Msg("component failed, shutting down")
	}

	// --- Graceful shutdown ---
	// Stop intake, drain the workers, then take the final snapshot.
	healthChecker.SetNotReady("shutting down")
	cancel()
	servers.Wait()

	close(persistChan)
	if publishChan != nil {
		close(publishChan)
	}

	drained := make(chan struct{})
	go func() {
		workers.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(30 * time.Second):
		logger.Error().Msg("workers did not drain in time")
		cancelWorkers()
		<-drained
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if ok, err := takeSnapshot(shutdownCtx, vault, snapMgr, metrics); err != nil {
		logger.Error().Err(err).Msg("final snapshot failed")
	} else if ok {
		logger.Info().Int64("sequence", vault.GetSequence()-1).Msg("final snapshot saved")
	}

	logger.Info().Msg("CustodyLedger shutdown complete")
	return nil
}

// openBank builds the configured transfer collaborator.
// The memory bank funds each pull first, which makes it a local sandbox.
func openBank(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (transfer.Bank, func(), error) {
	switch cfg.BankMode {
	case config.BankERC20:
		bank, client, err := transfer.DialERC20Bank(ctx, cfg.EthRPCURL, cfg.EthPoolKey, cfg.EthChainID)
		if err != nil {
			return nil, nil, errors.Wrap(err, "erc20 bank")
		}
		logger.Info().Str("pool", bank.Pool().Hex()).Str("rpc", cfg.EthRPCURL).Msg("erc20 bank connected")
		return bank, client.Close, nil

	default:
		bank := transfer.NewMemoryBank(memoryPool)
		bank.OnPull(func(_ context.Context, asset, from common.Address, amount *big.Int) error {
			if amount.Sign() > 0 {
				bank.Mint(asset, from, amount)
			}
			return nil
		})
		logger.Warn().Str("pool", memoryPool.Hex()).Msg("using in-memory bank")
		return bank, func() {}, nil
	}
}

func connectPublisher(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*nats.Conn, notify.Publisher, error) {
	nc, js, err := notify.ConnectNATS(cfg.NATSURL, logger)
	if err != nil {
		return nil, nil, errors.Wrap(err, "nats connect")
	}
	if err := notify.EnsureStream(ctx, js); err != nil {
		nc.Close()
		return nil, nil, errors.Wrap(err, "ensure stream")
	}
	return nc, js, nil
}

// serveMetrics serves /metrics, /healthz and /readyz until ctx is done.
func serveMetrics(ctx context.Context, addr string, health *observability.HealthChecker, logger zerolog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", health.LivenessHandler)
	mux.HandleFunc("/readyz", health.ReadinessHandler)

	metricsServer := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutCtx, c := context.WithTimeout(context.Background(), 5*time.Second)
		defer c()
		metricsServer.Shutdown(shutCtx)
	}()

	logger.Info().Str("addr", addr).Msg("metrics server listening")
	if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
