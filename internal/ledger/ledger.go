// Package ledger is the typed facade over the TrustTube escrow contract.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"tubekeeper/internal/attestation"
	"tubekeeper/internal/domain"
)

// Receipt identifies a mined ledger write.
type Receipt struct {
	TxHash string `json:"txHash"`
	Block  uint64 `json:"block"`
}

// Reader is the read half of the escrow contract.
type Reader interface {
	DealCount(ctx context.Context) (uint64, error)
	Deal(ctx context.Context, id uint64) (domain.Deal, error)
	Milestones(ctx context.Context, id uint64) ([]domain.Milestone, error)
	LinearConfig(ctx context.Context, id uint64) (domain.LinearConfig, error)
}

// Gateway is everything a check needs from the ledger.
type Gateway interface {
	Reader
	ClaimMilestone(ctx context.Context, id uint64, index int, proof attestation.ContractProof) (Receipt, error)
	ClaimLinear(ctx context.Context, id uint64, proof attestation.ContractProof) (Receipt, error)
	ReportTampering(ctx context.Context, id uint64, proof attestation.ContractProof) (Receipt, error)
	UpdateViews(ctx context.Context, id uint64, proof attestation.ContractProof) (Receipt, error)
}

// RejectedError is a reverted ledger write. Reason is the contract's own text.
type RejectedError struct {
	Method string
	Reason string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("%s rejected: %s", e.Method, e.Reason)
}

func (e *RejectedError) Unwrap() error { return domain.ErrLedgerRejected }

// Reason returns the revert reason carried by err, if any.
func Reason(err error) (string, bool) {
	var rej *RejectedError
	if errors.As(err, &rej) {
		return rej.Reason, true
	}
	return "", false
}

// ActiveDeals lists every Active deal. Individual read failures are logged
// and skipped; only a failing deal count aborts the listing.
func ActiveDeals(ctx context.Context, r Reader, logger *slog.Logger) ([]domain.Deal, error) {
	if logger == nil {
		logger = slog.Default()
	}
	count, err := r.DealCount(ctx)
	if err != nil {
		return nil, err
	}
	deals := []domain.Deal{}
	for id := uint64(0); id < count; id++ {
		if ctx.Err() != nil {
			return deals, ctx.Err()
		}
		deal, err := r.Deal(ctx, id)
		if err != nil {
			logger.Warn("deal read failed", "event", "deal_read_failed", "module", "ledger", "deal_id", id, "error", err)
			continue
		}
		if deal.Eligible() {
			deals = append(deals, deal)
		}
	}
	return deals, nil
}
