// Package engine runs one check workflow as an explicit state machine. Every
// transition is recorded through the check's Tracker before the work for the
// new state starts.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"tubekeeper/internal/attestation"
	"tubekeeper/internal/config"
	"tubekeeper/internal/domain"
	"tubekeeper/internal/ledger"
	"tubekeeper/internal/payout"
	"tubekeeper/internal/viewsource"
)

// Attestor is the attestation protocol as the workflow sees it.
type Attestor interface {
	Prepare(ctx context.Context, body attestation.RequestBody) ([]byte, error)
	Submit(ctx context.Context, encoded []byte) (uint64, error)
	AwaitFinality(ctx context.Context, round uint64) error
	RetrieveProof(ctx context.Context, round uint64, encoded []byte) (attestation.Proof, error)
}

// Tracker is the workflow's capability over its own check record.
type Tracker interface {
	ID() string
	Check() domain.Check
	Advance(status domain.CheckStatus, mut func(*domain.Check)) error
	Annotate(mut func(*domain.Check)) error
	Finish(result domain.CheckResult) error
	Fail(err error) error
}

// Observer is told about check lifecycle changes.
type Observer interface {
	CheckStarted(ctx context.Context, c domain.Check) context.Context
	CheckTransitioned(ctx context.Context, c domain.Check)
	CheckFinished(ctx context.Context, c domain.Check)
}

type Engine struct {
	Ledger    ledger.Gateway
	Attestor  Attestor
	Views     viewsource.Source
	SourceURL string
	Strategy  string
	Decode    func(attestation.Proof) (attestation.ContractProof, error)
	Observer  Observer
	Logger    *slog.Logger
	Now       func() time.Time
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

// Run drives the check to a terminal state. It never panics out and never
// returns an error: failures end as a Failed record.
func (e Engine) Run(ctx context.Context, t Tracker, deal domain.Deal) {
	if e.Decode == nil {
		e.Decode = attestation.DecodeProof
	}
	if e.Strategy == "" {
		e.Strategy = config.ClaimDirect
	}
	check := t.Check()
	if e.Observer != nil {
		ctx = e.Observer.CheckStarted(ctx, check)
	}
	w := &workflow{
		Engine: e,
		t:      t,
		deal:   deal,
		kind:   check.Kind,
		log: e.logger().With("module", "engine", "layer", "workflow",
			"check_id", t.ID(), "deal_id", deal.ID, "kind", string(check.Kind)),
	}
	started := e.now()
	defer func() {
		if p := recover(); p != nil {
			err := fmt.Errorf("check panicked: %v", p)
			w.log.Error("check panicked", "event", "check_panic", "error", err)
			_ = t.Fail(err)
		}
		final := t.Check()
		if e.Observer != nil {
			e.Observer.CheckFinished(ctx, final)
		}
		w.log.Info("check finished", "event", "check_finished",
			"status", string(final.Status), "error_kind", final.ErrorKind,
			"duration_ms", e.now().Sub(started).Milliseconds())
	}()
	w.loop(ctx)
}

type workflow struct {
	Engine
	t    Tracker
	deal domain.Deal
	kind domain.CheckKind
	log  *slog.Logger

	views     uint64
	milestone *domain.Milestone
	encoded   []byte
	round     uint64
	proof     attestation.ContractProof
	result    domain.CheckResult
}

// step is the outcome of a state's work: the next state and the record
// changes that go with entering it.
type step struct {
	next domain.CheckStatus
	mut  func(*domain.Check)
}

func (w *workflow) loop(ctx context.Context) {
	state := domain.StatusOffChainCheck
	for {
		var (
			s   step
			err error
		)
		if ctx.Err() != nil {
			w.fail(ctx.Err())
			return
		}
		switch state {
		case domain.StatusOffChainCheck:
			s, err = w.offChainCheck(ctx)
		case domain.StatusPreparing:
			s, err = w.prepare(ctx)
		case domain.StatusSubmitting:
			s, err = w.submit(ctx)
		case domain.StatusWaitingRound:
			s, err = w.awaitRound(ctx)
		case domain.StatusRetrievingProof:
			s, err = w.retrieveProof(ctx)
		case domain.StatusClaiming:
			s, err = w.claim(ctx)
		default:
			err = fmt.Errorf("%w: no work defined for %s", domain.ErrInvalidTransition, state)
		}
		if err != nil {
			w.fail(err)
			return
		}
		if s.next == domain.StatusCompleted {
			if err := w.t.Finish(w.result); err != nil {
				w.log.Error("finish failed", "event", "check_finish_failed", "error", err)
			}
			return
		}
		if err := w.t.Advance(s.next, s.mut); err != nil {
			w.fail(err)
			return
		}
		if w.Observer != nil {
			w.Observer.CheckTransitioned(ctx, w.t.Check())
		}
		w.log.Debug("check advanced", "event", "check_transition", "from", string(state), "to", string(s.next))
		state = s.next
	}
}

func (w *workflow) fail(err error) {
	w.log.Warn("check failed", "event", "check_failed", "error_kind", domain.ErrorKind(err), "error", err)
	if ferr := w.t.Fail(err); ferr != nil {
		w.log.Error("fail transition rejected", "event", "check_fail_rejected", "error", ferr)
	}
}

func (w *workflow) done(message string) (step, error) {
	w.result.Message = message
	return step{next: domain.StatusCompleted}, nil
}

func (w *workflow) offChainCheck(ctx context.Context) (step, error) {
	if w.deal.VideoID == "" {
		return w.done("no video submitted")
	}
	if w.kind == domain.CheckTamperProbe {
		return step{next: domain.StatusPreparing}, nil
	}

	stats, err := w.Views.Stats(ctx, w.deal.VideoID)
	if err != nil || stats.ViewCount == 0 {
		if ctx.Err() != nil {
			return step{}, ctx.Err()
		}
		w.log.Info("view count unavailable", "event", "viewcount_unavailable", "error", err)
		return w.done("could not fetch view count")
	}
	w.views = stats.ViewCount
	w.result.ViewCount = stats.ViewCount
	last := w.deal.LastVerifiedViews
	if w.views <= last {
		return w.done(fmt.Sprintf("no new views (%d <= %d)", w.views, last))
	}
	message := fmt.Sprintf("%d new views", w.views-last)

	if w.Strategy == config.ClaimRecordViews {
		return w.preparing(message), nil
	}

	var terms payout.Terms
	switch w.deal.PaymentMode {
	case domain.PaymentMilestone:
		terms.Milestones, err = w.Ledger.Milestones(ctx, w.deal.ID)
	case domain.PaymentLinear:
		terms.Linear, err = w.Ledger.LinearConfig(ctx, w.deal.ID)
	}
	if err != nil {
		return step{}, err
	}
	decision := payout.Decide(w.deal, terms, w.views)
	if !decision.Claimable {
		return w.done(decision.Reason)
	}
	w.milestone = decision.Milestone
	w.result.Payout = decision.Amount.String()
	if w.milestone != nil {
		message = fmt.Sprintf("%s, milestone %d reached", message, w.milestone.Index)
	}
	return w.preparing(message), nil
}

func (w *workflow) preparing(message string) step {
	w.result.Message = message
	result := w.result
	return step{next: domain.StatusPreparing, mut: func(c *domain.Check) {
		c.Result = &result
	}}
}

func (w *workflow) prepare(ctx context.Context) (step, error) {
	body, err := attestation.BuildRequest(w.kind, w.SourceURL, w.deal.VideoID)
	if err != nil {
		return step{}, err
	}
	w.encoded, err = w.Attestor.Prepare(ctx, body)
	if err != nil {
		return step{}, err
	}
	return step{next: domain.StatusSubmitting}, nil
}

func (w *workflow) submit(ctx context.Context) (step, error) {
	round, err := w.Attestor.Submit(ctx, w.encoded)
	if err != nil {
		return step{}, err
	}
	w.round = round
	w.log = w.log.With("round_id", round)
	return step{next: domain.StatusWaitingRound, mut: func(c *domain.Check) {
		c.RoundID = &round
	}}, nil
}

func (w *workflow) awaitRound(ctx context.Context) (step, error) {
	if err := w.Attestor.AwaitFinality(ctx, w.round); err != nil {
		return step{}, err
	}
	return step{next: domain.StatusRetrievingProof}, nil
}

func (w *workflow) retrieveProof(ctx context.Context) (step, error) {
	raw, err := w.Attestor.RetrieveProof(ctx, w.round, w.encoded)
	if err != nil {
		return step{}, err
	}
	w.proof, err = w.Decode(raw)
	if err != nil {
		return step{}, fmt.Errorf("decode proof: %w", err)
	}
	if w.kind == domain.CheckViewCount {
		if fact, err := w.proof.ProvenFact(w.kind); err == nil {
			w.result.ViewCount = fact.ViewCount
		}
	}
	return step{next: domain.StatusClaiming}, nil
}

func (w *workflow) claim(ctx context.Context) (step, error) {
	var (
		receipt ledger.Receipt
		err     error
		message string
	)
	switch {
	case w.kind == domain.CheckTamperProbe:
		receipt, err = w.Ledger.ReportTampering(ctx, w.deal.ID, w.proof)
		if reason, ok := ledger.Reason(err); ok && tagUnchanged(reason) {
			return w.done("no tampering detected")
		}
		message = "tampering reported"
	case w.Strategy == config.ClaimRecordViews:
		receipt, err = w.Ledger.UpdateViews(ctx, w.deal.ID, w.proof)
		message = fmt.Sprintf("views updated to %d", w.result.ViewCount)
	case w.milestone != nil:
		receipt, err = w.Ledger.ClaimMilestone(ctx, w.deal.ID, w.milestone.Index, w.proof)
		message = fmt.Sprintf("milestone %d claimed", w.milestone.Index)
	case w.deal.PaymentMode == domain.PaymentLinear:
		receipt, err = w.Ledger.ClaimLinear(ctx, w.deal.ID, w.proof)
		message = "linear payout claimed"
	default:
		err = fmt.Errorf("no claim action for payment mode %s", w.deal.PaymentMode)
	}
	if err != nil {
		return step{}, err
	}
	w.result.TxHash = receipt.TxHash
	return w.done(message)
}

func tagUnchanged(reason string) bool {
	r := strings.ToLower(reason)
	return strings.Contains(r, "unchanged") || strings.Contains(r, "notchanged")
}
