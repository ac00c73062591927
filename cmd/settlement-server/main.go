package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/umbralabs/settlement/internal/apiserver"
	"github.com/umbralabs/settlement/internal/config"
	"github.com/umbralabs/settlement/internal/engine"
	"github.com/umbralabs/settlement/internal/ledger"
	"github.com/umbralabs/settlement/internal/logging"
	"github.com/umbralabs/settlement/internal/replay"
	"github.com/umbralabs/settlement/internal/reputation"
	"github.com/umbralabs/settlement/internal/store"
	_ "github.com/joho/godotenv/autoload"
)

func main() {
	bootstrapLogger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	cfg, err := config.LoadServerConfig()
	if err != nil {
		bootstrapLogger.Error("failed to load config", "err", err)
		os.Exit(1)
	}

	logger, closeLogger, err := logging.New("settlement-server", cfg.Log)
	if err != nil {
		bootstrapLogger.Error("failed to initialize logger", "err", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := closeLogger(); closeErr != nil {
			bootstrapLogger.Error("failed to close logger", "err", closeErr)
		}
	}()

	if source, sourceErr := config.CurrentConfigSource(); sourceErr == nil {
		logger.Info("configuration loaded", "phase", source.Phase, "path", source.Path, "loaded", source.Loaded)
	}

	memGuard := replay.NewMemoryGuard()
	var guard replay.Guard = memGuard
	var journal *store.Store
	if cfg.PersistenceEnabled {
		journal, err = store.NewStore(cfg.DBDSN)
		if err != nil {
			logger.Error("failed to initialize store", "err", err)
			os.Exit(1)
		}
		defer func() {
			if closeErr := journal.Close(); closeErr != nil {
				logger.Error("failed to close store", "err", closeErr)
			}
		}()

		loaded, err := journal.LoadNullifiers(context.Background(), memGuard)
		if err != nil {
			logger.Error("failed to replay nullifier journal", "err", err)
			os.Exit(1)
		}
		logger.Info("nullifier journal replayed", "count", loaded)

		// New burns write through to the journal before they count.
		guard = journal.NewGuard(memGuard)
	}

	eng := engine.New(engine.Config{
		ProgramID:  cfg.ProgramID,
		Authority:  cfg.AuthorityPubkey,
		Solver:     cfg.SolverPubkey,
		FeeAccount: cfg.FeeAccountPubkey,
		Ledger:     ledger.NewMemory(),
		Guard:      guard,
	}, logger)

	if journal != nil {
		rec, ok, err := journal.LoadConfigRecord(context.Background())
		if err != nil {
			logger.Error("failed to load config record", "err", err)
			os.Exit(1)
		}
		if ok {
			if err := eng.RestoreConfig(rec); err != nil {
				logger.Error("failed to restore protocol config", "err", err)
				os.Exit(1)
			}
			logger.Info("protocol config restored", "active", rec.Active, "total_orders", rec.TotalOrders)
		}

		orders, err := journal.LoadOrders(context.Background())
		if err != nil {
			logger.Error("failed to load order journal", "err", err)
			os.Exit(1)
		}
		logger.Info("order journal replayed", "count", eng.RestoreOrders(orders))
	}

	reader := reputation.NewStaticReader()
	for identity, entry := range cfg.Reputation {
		reader.Set(identity, reputation.Attestation{Level: entry.Level, Score: entry.Score})
	}
	if len(cfg.Reputation) > 0 {
		logger.Info("reputation table loaded", "entries", len(cfg.Reputation))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if journal != nil && cfg.SnapshotInterval > 0 {
		go snapshotLoop(ctx, logger, eng, journal, cfg.SnapshotInterval)
	}

	svc := apiserver.New(cfg, logger, eng, reader, journal)
	if err := svc.Run(ctx); err != nil {
		logger.Error("settlement-server exited with error", "err", err)
		os.Exit(1)
	}
}

// snapshotLoop periodically journals the protocol counters and the config
// record the next boot restores from.
func snapshotLoop(ctx context.Context, logger *slog.Logger, eng *engine.Engine, journal *store.Store, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := journal.SaveAggregateSnapshot(ctx, eng.Aggregates()); err != nil {
				logger.Error("failed to save aggregate snapshot", "err", err)
			}
			if err := journal.SaveConfigRecord(ctx, eng.ConfigSnapshot()); err != nil {
				logger.Error("failed to save config record", "err", err)
			}
		}
	}
}
