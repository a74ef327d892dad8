package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"

	"tubekeeper/internal/attestation"
	"tubekeeper/internal/config"
	"tubekeeper/internal/db"
	"tubekeeper/internal/events"
	"tubekeeper/internal/evm"
	"tubekeeper/internal/ledger"
	"tubekeeper/internal/migrate"
	"tubekeeper/internal/observability"
	"tubekeeper/internal/repo"
	"tubekeeper/internal/viewsource"
)

// DialChain connects the signing chain client described by cfg.Ledger.
func DialChain(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*evm.Chain, error) {
	return evm.Dial(ctx, cfg.Ledger.RPCURL, cfg.Ledger.PrivateKey, cfg.Ledger.ChainID, evm.Options{
		ReceiptTimeout: cfg.Ledger.ReceiptTimeout,
		Logger:         logger,
	})
}

// DialLedger returns the escrow gateway; used directly by admin commands.
func DialLedger(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*ledger.EVMGateway, error) {
	chain, err := DialChain(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	return ledger.NewEVMGateway(chain, cfg.Ledger.Address, logger)
}

// OpenJournal opens and migrates the sqlite journal of a workspace.
func OpenJournal(ctx context.Context, workspace string) (*sql.DB, error) {
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	if _, err := migrate.Migrate(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate journal: %w", err)
	}
	return conn, nil
}

// Build dials every collaborator named by cfg and returns a keeper with its
// sinks subscribed. The caller owns Start and Shutdown.
func Build(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Keeper, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := cfg.ValidateForServe(); err != nil {
		return nil, err
	}
	chain, err := DialChain(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	gateway, err := ledger.NewEVMGateway(chain, cfg.Ledger.Address, logger)
	if err != nil {
		return nil, err
	}
	hub, err := attestation.NewEVMHub(ctx, chain, cfg.Attestation, logger)
	if err != nil {
		return nil, fmt.Errorf("attestation hub: %w", err)
	}
	a := cfg.Attestation
	client := attestation.NewClient(hub, attestation.Options{
		VerifierURL:          a.VerifierURL,
		VerifierAPIKey:       a.VerifierAPIKey,
		DALayerURL:           a.DALayerURL,
		DALayerAPIKey:        a.DALayerAPIKey,
		FinalityPollInterval: a.FinalityPollInterval,
		ProofSettleDelay:     a.ProofSettleDelay,
		ProofRetryDelay:      a.ProofRetryDelay,
		ProofMaxAttempts:     a.ProofMaxAttempts,
		HTTPClient:           &http.Client{Timeout: a.HTTPTimeout},
		Logger:               logger,
	})
	views := viewsource.NewHTTPSource(cfg.ViewSource.URL, cfg.ViewSource.Timeout, logger)

	telemetry, err := observability.New(ctx, cfg.Telemetry, logger)
	if err != nil {
		return nil, err
	}

	deps := Deps{
		Ledger:    gateway,
		Attestor:  client,
		Views:     views,
		SourceURL: views.URL(),
		Observer:  telemetry,
		Logger:    logger,
	}
	var journal *sql.DB
	if cfg.Journal.Enabled {
		journal, err = OpenJournal(ctx, cfg.Journal.Workspace)
		if err != nil {
			_ = telemetry.Shutdown(ctx)
			return nil, err
		}
		deps.Journal = &repo.Repo{DB: journal}
	}

	k := New(cfg, deps)
	k.OnClose(telemetry.Shutdown)
	if journal != nil {
		k.OnClose(func(context.Context) error { return journal.Close() })
		k.Consume("journal", events.Writer{DB: journal}.Journal)
	}
	if cfg.Redis.Addr != "" {
		rdb := events.NewRedisClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		k.OnClose(func(context.Context) error { return rdb.Close() })
		k.Consume("redis", events.RedisSink{Client: rdb, Channel: cfg.Redis.Channel}.Mirror)
	}
	logger.Info("keeper assembled", "event", "keeper_assembled", "module", "app", "layer", "build",
		"signer", chain.From().Hex(), "journal", journal != nil, "redis", cfg.Redis.Addr != "")
	return k, nil
}
