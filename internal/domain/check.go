package domain

import (
	"fmt"
	"time"
)

type CheckKind string

const (
	CheckViewCount   CheckKind = "viewcount"
	CheckTamperProbe CheckKind = "etag"
)

func (k CheckKind) Valid() bool {
	return k == CheckViewCount || k == CheckTamperProbe
}

type CheckStatus string

const (
	StatusOffChainCheck   CheckStatus = "off-chain-check"
	StatusPreparing       CheckStatus = "preparing"
	StatusSubmitting      CheckStatus = "submitting"
	StatusWaitingRound    CheckStatus = "waiting-round"
	StatusRetrievingProof CheckStatus = "retrieving-proof"
	StatusClaiming        CheckStatus = "claiming"
	StatusCompleted       CheckStatus = "completed"
	StatusFailed          CheckStatus = "failed"
)

// happyPath is the strict order of non-terminal states.
var happyPath = []CheckStatus{
	StatusOffChainCheck,
	StatusPreparing,
	StatusSubmitting,
	StatusWaitingRound,
	StatusRetrievingProof,
	StatusClaiming,
	StatusCompleted,
}

var allowedTransitions = map[CheckStatus]map[CheckStatus]struct{}{
	StatusOffChainCheck: {
		StatusPreparing: {},
		StatusCompleted: {},
		StatusFailed:    {},
	},
	StatusPreparing: {
		StatusSubmitting: {},
		StatusFailed:     {},
	},
	StatusSubmitting: {
		StatusWaitingRound: {},
		StatusFailed:       {},
	},
	StatusWaitingRound: {
		StatusRetrievingProof: {},
		StatusFailed:          {},
	},
	StatusRetrievingProof: {
		StatusClaiming: {},
		StatusFailed:   {},
	},
	StatusClaiming: {
		StatusCompleted: {},
		StatusFailed:    {},
	},
	StatusCompleted: {},
	StatusFailed:    {},
}

func (s CheckStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

func ValidateTransition(from, to CheckStatus) error {
	next, ok := allowedTransitions[from]
	if !ok {
		return fmt.Errorf("%w: unknown state %q", ErrInvalidTransition, from)
	}
	if _, ok := allowedTransitions[to]; !ok {
		return fmt.Errorf("%w: unknown state %q", ErrInvalidTransition, to)
	}
	if _, ok := next[to]; !ok {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// HappyPath returns the ordered success states.
func HappyPath() []CheckStatus {
	return append([]CheckStatus(nil), happyPath...)
}

type CheckResult struct {
	TxHash    string `json:"txHash,omitempty"`
	ViewCount uint64 `json:"viewCount,omitempty"`
	Payout    string `json:"payout,omitempty"`
	Message   string `json:"message,omitempty"`
}

// Check is one verification workflow for one deal.
type Check struct {
	ID          string       `json:"id"`
	DealID      uint64       `json:"dealId"`
	Kind        CheckKind    `json:"type" enum:"viewcount,etag"`
	Status      CheckStatus  `json:"status" enum:"off-chain-check,preparing,submitting,waiting-round,retrieving-proof,claiming,completed,failed"`
	RoundID     *uint64      `json:"roundId,omitempty"`
	StartedAt   time.Time    `json:"startedAt" format:"date-time"`
	CompletedAt *time.Time   `json:"completedAt,omitempty" format:"date-time"`
	Error       string       `json:"error,omitempty"`
	ErrorKind   string       `json:"errorKind,omitempty"`
	Result      *CheckResult `json:"result,omitempty"`
}

// Clone returns a deep copy safe to hand out of the registry.
func (c Check) Clone() Check {
	out := c
	if c.RoundID != nil {
		v := *c.RoundID
		out.RoundID = &v
	}
	if c.CompletedAt != nil {
		v := *c.CompletedAt
		out.CompletedAt = &v
	}
	if c.Result != nil {
		v := *c.Result
		out.Result = &v
	}
	return out
}
