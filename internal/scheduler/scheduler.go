// Package scheduler runs the polling cycle that admits checks for every
// active deal.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"tubekeeper/internal/domain"
	"tubekeeper/internal/ledger"
)

// State is the slice of the registry the loop reads and reports through.
type State interface {
	NextCycle() uint64
	Config() domain.ServerConfig
	SetPolling(enabled, running bool)
}

// Launcher admits a check and starts its workflow. It returns the check id.
type Launcher interface {
	Launch(deal domain.Deal, kind domain.CheckKind) (string, error)
}

// Metrics is told about cycles and admission rejections. Optional.
type Metrics interface {
	CycleRan(ctx context.Context, cycle uint64, deals int)
	AdmissionRejected(ctx context.Context, kind domain.CheckKind)
}

type Scheduler struct {
	Deals    ledger.Reader
	State    State
	Launcher Launcher
	Metrics  Metrics
	Logger   *slog.Logger
	// After replaces time.After in tests.
	After func(time.Duration) <-chan time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// Report summarizes one cycle.
type Report struct {
	Cycle    uint64   `json:"cycle"`
	Deals    int      `json:"deals"`
	Admitted []string `json:"admitted"`
	Rejected int      `json:"rejected"`
}

func (s *Scheduler) log() *slog.Logger {
	l := s.Logger
	if l == nil {
		l = slog.Default()
	}
	return l.With("module", "scheduler", "layer", "worker")
}

func (s *Scheduler) after(d time.Duration) <-chan time.Time {
	if s.After != nil {
		return s.After(d)
	}
	return time.After(d)
}

// Running reports whether the loop goroutine is alive.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done != nil
}

// Start launches the loop. The first cycle runs immediately. Calling Start on
// a running scheduler is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done != nil {
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.cancel, s.done = cancel, done
	s.State.SetPolling(true, true)
	s.log().Info("polling started", "event", "polling_started")
	go func() {
		defer close(done)
		s.loop(loopCtx)
		s.mu.Lock()
		if s.done == done {
			s.cancel, s.done = nil, nil
		}
		s.mu.Unlock()
		cancel()
		s.State.SetPolling(false, false)
		s.log().Info("polling stopped", "event", "polling_stopped")
	}()
}

// Stop ends the loop and waits for it to exit. Checks already admitted keep
// running: they do not share the loop's context.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.mu.Unlock()
	if done == nil {
		return
	}
	cancel()
	<-done
}

func (s *Scheduler) loop(ctx context.Context) {
	for {
		if _, err := s.RunCycle(ctx); err != nil && ctx.Err() == nil {
			s.log().Warn("cycle failed", "event", "cycle_failed", "error", err)
		}
		cfg := s.State.Config()
		interval := cfg.PollInterval()
		if interval <= 0 {
			interval = time.Minute
		}
		select {
		case <-ctx.Done():
			return
		case <-s.after(interval):
		}
		if !s.State.Config().PollingEnabled {
			return
		}
	}
}

// RunCycle performs one scheduling pass. A failure for one deal never stops
// the pass for the others.
func (s *Scheduler) RunCycle(ctx context.Context) (Report, error) {
	cycle := s.State.NextCycle()
	log := s.log().With("cycle", cycle)
	rep := Report{Cycle: cycle, Admitted: []string{}}

	deals, err := ledger.ActiveDeals(ctx, s.Deals, s.Logger)
	if err != nil {
		return rep, err
	}
	rep.Deals = len(deals)
	if s.Metrics != nil {
		s.Metrics.CycleRan(ctx, cycle, len(deals))
	}

	cadence := s.State.Config().EtagCheckCycle
	tamper := cadence > 0 && cycle%uint64(cadence) == 0
	for _, deal := range deals {
		s.admit(ctx, log, &rep, deal, domain.CheckViewCount)
		if tamper {
			s.admit(ctx, log, &rep, deal, domain.CheckTamperProbe)
		}
	}
	log.Info("cycle complete", "event", "cycle_complete",
		"deals", rep.Deals, "admitted", len(rep.Admitted), "rejected", rep.Rejected, "tamper", tamper)
	return rep, nil
}

func (s *Scheduler) admit(ctx context.Context, log *slog.Logger, rep *Report, deal domain.Deal, kind domain.CheckKind) {
	id, err := s.Launcher.Launch(deal, kind)
	if err != nil {
		rep.Rejected++
		if s.Metrics != nil && errors.Is(err, domain.ErrQuotaExceeded) {
			s.Metrics.AdmissionRejected(ctx, kind)
		}
		log.Info("check not admitted", "event", "admission_rejected",
			"deal_id", deal.ID, "kind", string(kind), "error", err)
		return
	}
	rep.Admitted = append(rep.Admitted, id)
}
