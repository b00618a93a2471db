package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"escrowflow/config"
	"escrowflow/db"
	"escrowflow/escrow"
	"escrowflow/ledger"
	"escrowflow/wallet"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fallback := zerolog.New(os.Stderr)
		fallback.Fatal().Err(err).Msg("load config")
	}

	logger := newLogger(cfg.App)
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv, cleanup, err := bootstrap(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("bootstrap")
	}
	defer cleanup()

	httpServer := &http.Server{
		Addr:              ":" + cfg.App.Port,
		Handler:           srv.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().Str("addr", httpServer.Addr).Msg("listening")
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Fatal().Err(err).Msg("server exited")
	}
	logger.Info().Msg("shutdown complete")
}

// bootstrap picks the ledger backend: postgres when a DSN is configured,
// otherwise an in-memory store with the wallet simulator for local runs.
func bootstrap(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*Server, func(), error) {
	opts := escrow.Options{
		FeeRateBps:     cfg.Escrow.FeeRateBps,
		HoldingAccount: cfg.Escrow.HoldingAccount,
		FeeAccount:     cfg.Escrow.FeeAccount,
		Emitter:        &escrow.LogEmitter{Logger: logger},
	}

	cleanup := func() {}
	var store escrow.Store
	if cfg.DB.DSN != "" {
		pool, err := db.NewPool(ctx, cfg.DB)
		if err != nil {
			return nil, nil, err
		}
		cleanup = pool.Close
		store = ledger.NewPGStore(pool)
	} else {
		logger.Warn().Msg("no database configured, using in-memory ledger")
		store = ledger.NewMemoryStore()
	}

	sim := wallet.NewSimulator()
	engine, err := escrow.NewEngine(store, sim, opts)
	if err != nil {
		cleanup()
		return nil, nil, err
	}

	srv := NewServer(engine, logger, cfg.Escrow.ConfirmTimeout)
	if cfg.App.IsDev() {
		srv.sim = sim
	}
	return srv, cleanup, nil
}

func newLogger(app config.AppConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(app.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	logger := zerolog.New(os.Stdout).Level(level).With().Timestamp().Str("service", "escrowflow").Logger()
	if app.IsDev() {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stdout})
	}
	return logger
}
