// Package app assembles the keeper: registry, bus, workflows, scheduler and
// the optional journal, mirror and telemetry sinks.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"tubekeeper/internal/config"
	"tubekeeper/internal/domain"
	"tubekeeper/internal/engine"
	"tubekeeper/internal/events"
	"tubekeeper/internal/ledger"
	"tubekeeper/internal/registry"
	"tubekeeper/internal/repo"
	"tubekeeper/internal/scheduler"
	"tubekeeper/internal/viewsource"
)

var ErrShuttingDown = errors.New("keeper is shutting down")

// Deps are the external collaborators of a keeper.
type Deps struct {
	Ledger    ledger.Gateway
	Attestor  engine.Attestor
	Views     viewsource.Source
	SourceURL string
	// Observer also receives scheduler metrics when it implements them.
	Observer engine.Observer
	Journal  *repo.Repo
	Logger   *slog.Logger
}

type Keeper struct {
	Registry  *registry.Registry
	Bus       *events.Bus
	Ledger    ledger.Gateway
	Scheduler *scheduler.Scheduler
	Journal   *repo.Repo

	engine engine.Engine
	log    *slog.Logger

	base      context.Context
	cancel    context.CancelFunc
	sinks     context.Context
	stopSinks context.CancelFunc
	wg        sync.WaitGroup
	mu        sync.Mutex
	closed    bool
	closers   []func(context.Context) error
}

// New wires a keeper from already constructed collaborators. Checks run on a
// base context owned by the keeper; Shutdown cancels it.
func New(cfg *config.Config, deps Deps) *Keeper {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	bus := events.NewBus(256, logger)
	reg := registry.New(registry.Options{
		MaxInFlight: cfg.Scheduler.MaxConcurrentChecks,
		MaxHistory:  cfg.Scheduler.MaxHistory,
		Config: domain.ServerConfig{
			PollIntervalMs: cfg.Scheduler.PollInterval.Milliseconds(),
			EtagCheckCycle: cfg.Scheduler.EtagCheckCycle,
			PollingEnabled: cfg.Scheduler.PollingEnabled,
		},
		Publisher: bus,
	})
	base, cancel := context.WithCancel(context.Background())
	sinks, stopSinks := context.WithCancel(context.Background())
	k := &Keeper{
		Registry: reg,
		Bus:      bus,
		Ledger:   deps.Ledger,
		Journal:  deps.Journal,
		engine: engine.Engine{
			Ledger:    deps.Ledger,
			Attestor:  deps.Attestor,
			Views:     deps.Views,
			SourceURL: deps.SourceURL,
			Strategy:  cfg.Scheduler.ClaimStrategy,
			Observer:  deps.Observer,
			Logger:    logger,
		},
		log:    logger.With("module", "app", "layer", "keeper"),
		base:      base,
		cancel:    cancel,
		sinks:     sinks,
		stopSinks: stopSinks,
	}
	k.Scheduler = &scheduler.Scheduler{
		Deals:    deps.Ledger,
		State:    reg,
		Launcher: k,
		Logger:   logger,
	}
	if m, ok := deps.Observer.(scheduler.Metrics); ok {
		k.Scheduler.Metrics = m
	}
	return k
}

// OnClose registers fn to run at the end of Shutdown, in reverse order.
func (k *Keeper) OnClose(fn func(context.Context) error) {
	k.mu.Lock()
	k.closers = append(k.closers, fn)
	k.mu.Unlock()
}

// Consume subscribes handler to the bus for the keeper's lifetime. It
// outlives the checks: Shutdown drains it after the last terminal event.
func (k *Keeper) Consume(name string, handler func(context.Context, events.Event) error) {
	done := k.Bus.Consume(k.sinks, name, handler)
	k.OnClose(func(ctx context.Context) error {
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			k.stopSinks()
			return fmt.Errorf("consumer %s not drained: %w", name, ctx.Err())
		}
	})
}

// Start begins polling when the configuration enables it.
func (k *Keeper) Start() {
	if k.Registry.Config().PollingEnabled {
		k.Scheduler.Start(k.base)
	}
}

// Launch admits a check and runs its workflow in the background.
func (k *Keeper) Launch(deal domain.Deal, kind domain.CheckKind) (string, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.closed {
		return "", ErrShuttingDown
	}
	h, err := k.Registry.Admit(deal.ID, kind)
	if err != nil {
		return "", err
	}
	k.wg.Add(1)
	go func() {
		defer k.wg.Done()
		k.engine.Run(k.base, h, deal)
	}()
	return h.ID(), nil
}

// CheckDeal reads the deal and admits a check for it.
func (k *Keeper) CheckDeal(ctx context.Context, dealID uint64, kind domain.CheckKind) (string, error) {
	deal, err := k.Ledger.Deal(ctx, dealID)
	if err != nil {
		if !errors.Is(err, domain.ErrReadFailure) {
			err = fmt.Errorf("%w: deal %d: %v", domain.ErrReadFailure, dealID, err)
		}
		return "", err
	}
	return k.Launch(deal, kind)
}

// CheckAll admits a ViewCount check for every active deal. Quota rejections
// are skipped; eligible is the number of active deals found.
func (k *Keeper) CheckAll(ctx context.Context) (ids []string, eligible int, err error) {
	deals, err := ledger.ActiveDeals(ctx, k.Ledger, k.log)
	if err != nil {
		return nil, 0, err
	}
	ids = []string{}
	for _, deal := range deals {
		id, err := k.Launch(deal, domain.CheckViewCount)
		if err != nil {
			k.log.Info("check not admitted", "event", "admission_rejected", "deal_id", deal.ID, "error", err)
			continue
		}
		ids = append(ids, id)
	}
	return ids, len(deals), nil
}

// Toggle starts or stops the polling loop and returns the new state.
func (k *Keeper) Toggle() bool {
	if k.Scheduler.Running() {
		k.Scheduler.Stop()
		return false
	}
	k.Scheduler.Start(k.base)
	return true
}

// ConfigPatch carries the tunable fields of POST /config.
type ConfigPatch struct {
	PollIntervalMs *int64
	EtagCheckCycle *int
}

func (k *Keeper) UpdateConfig(p ConfigPatch) (domain.ServerConfig, error) {
	if p.PollIntervalMs != nil && *p.PollIntervalMs <= 0 {
		return domain.ServerConfig{}, fmt.Errorf("invalid pollIntervalMs: must be positive")
	}
	if p.EtagCheckCycle != nil && *p.EtagCheckCycle <= 0 {
		return domain.ServerConfig{}, fmt.Errorf("invalid etagCheckCycle: must be positive")
	}
	cfg := k.Registry.UpdateConfig(func(c *domain.ServerConfig) {
		if p.PollIntervalMs != nil {
			c.PollIntervalMs = *p.PollIntervalMs
		}
		if p.EtagCheckCycle != nil {
			c.EtagCheckCycle = *p.EtagCheckCycle
		}
	})
	k.log.Info("config updated", "event", "config_updated",
		"poll_interval_ms", cfg.PollIntervalMs, "etag_check_cycle", cfg.EtagCheckCycle)
	return cfg, nil
}

func (k *Keeper) Snapshot() domain.Snapshot { return k.Registry.Snapshot() }

// Shutdown stops polling, cancels in-flight checks and waits for them to
// record their terminal state, bounded by ctx. The bus is closed afterwards,
// which ends event streams and lets consumers drain.
func (k *Keeper) Shutdown(ctx context.Context) error {
	k.Scheduler.Stop()
	k.mu.Lock()
	k.closed = true
	k.mu.Unlock()
	k.cancel()

	done := make(chan struct{})
	go func() {
		k.wg.Wait()
		close(done)
	}()
	var errs []error
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("checks still running: %w", ctx.Err()))
	}
	k.Bus.Close()

	k.mu.Lock()
	closers := k.closers
	k.closers = nil
	k.mu.Unlock()
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	k.stopSinks()
	k.log.Info("keeper stopped", "event", "keeper_stopped", "in_flight", k.Registry.InFlight())
	return errors.Join(errs...)
}
