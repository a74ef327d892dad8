// Package payout computes what a deal can claim for a given view count.
package payout

import (
	"math/big"

	"github.com/shopspring/decimal"

	"tubekeeper/internal/domain"
)

// NextMilestone returns the lowest-indexed unpaid milestone whose target has
// been reached. ok is false when none qualifies.
func NextMilestone(milestones []domain.Milestone, views uint64) (domain.Milestone, bool) {
	var (
		best  domain.Milestone
		found bool
	)
	for _, m := range milestones {
		if m.Paid || m.ViewTarget > views {
			continue
		}
		if !found || m.Index < best.Index {
			best, found = m, true
		}
	}
	return best, found
}

// Linear returns min((views-lastClaimed)*rate, cap-totalPaid), floored at zero.
func Linear(cfg domain.LinearConfig, views uint64, totalPaid decimal.Decimal) decimal.Decimal {
	if views <= cfg.LastClaimedViews {
		return decimal.Zero
	}
	delta := FromUint(views - cfg.LastClaimedViews)
	earned := delta.Mul(cfg.RatePerView)
	remaining := cfg.TotalCap.Sub(totalPaid)
	if remaining.LessThan(earned) {
		earned = remaining
	}
	if earned.IsNegative() {
		return decimal.Zero
	}
	return earned
}

// Decision is the outcome of evaluating a deal against a view count.
type Decision struct {
	Claimable bool
	Milestone *domain.Milestone
	Amount    decimal.Decimal
	Reason    string
}

// Terms carries the mode-specific state read from the ledger.
type Terms struct {
	Milestones []domain.Milestone
	Linear     domain.LinearConfig
}

// Decide applies the payment-mode gate for a deal.
func Decide(deal domain.Deal, terms Terms, views uint64) Decision {
	switch deal.PaymentMode {
	case domain.PaymentMilestone:
		m, ok := NextMilestone(terms.Milestones, views)
		if !ok {
			return Decision{Reason: "no milestone reached"}
		}
		return Decision{Claimable: true, Milestone: &m, Amount: m.PayoutAmount}
	case domain.PaymentLinear:
		if views <= terms.Linear.LastClaimedViews {
			return Decision{Reason: "no new views since last claim"}
		}
		amount := Linear(terms.Linear, views, deal.TotalPaid)
		if !amount.IsPositive() {
			return Decision{Reason: "cap reached"}
		}
		return Decision{Claimable: true, Amount: amount}
	default:
		return Decision{Reason: "unknown payment mode"}
	}
}

// FromUint converts a view count to a decimal.
func FromUint(v uint64) decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(v), 0)
}
