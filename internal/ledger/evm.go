package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"

	"tubekeeper/internal/attestation"
	"tubekeeper/internal/domain"
	"tubekeeper/internal/evm"
)

const dealIDArg = `{"name":"dealId","type":"uint256"}`

const trustTubeABI = `[
{"type":"function","name":"nextDealId","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
{"type":"function","name":"getDeal","stateMutability":"view","inputs":[` + dealIDArg + `],"outputs":[{"name":"","type":"tuple","components":[
 {"name":"id","type":"uint256"},
 {"name":"client","type":"address"},
 {"name":"creator","type":"address"},
 {"name":"stablecoin","type":"address"},
 {"name":"paymentMode","type":"uint8"},
 {"name":"status","type":"uint8"},
 {"name":"youtubeVideoId","type":"string"},
 {"name":"etagHash","type":"bytes32"},
 {"name":"videoDeadline","type":"uint256"},
 {"name":"totalDeposited","type":"uint256"},
 {"name":"totalPaid","type":"uint256"},
 {"name":"lastVerifiedViews","type":"uint256"}]}]},
{"type":"function","name":"getMilestones","stateMutability":"view","inputs":[` + dealIDArg + `],"outputs":[{"name":"","type":"tuple[]","components":[
 {"name":"viewTarget","type":"uint256"},
 {"name":"payoutAmount","type":"uint256"},
 {"name":"deadlineDuration","type":"uint256"},
 {"name":"deadlineTimestamp","type":"uint256"},
 {"name":"isPaid","type":"bool"}]}]},
{"type":"function","name":"getLinearConfig","stateMutability":"view","inputs":[` + dealIDArg + `],"outputs":[{"name":"","type":"tuple","components":[
 {"name":"ratePerView","type":"uint256"},
 {"name":"totalCap","type":"uint256"},
 {"name":"lastClaimedViews","type":"uint256"}]}]},
{"type":"function","name":"acceptCreator","stateMutability":"nonpayable","inputs":[` + dealIDArg + `,{"name":"creatorAddress","type":"address"}],"outputs":[]},
{"type":"function","name":"submitVideo","stateMutability":"nonpayable","inputs":[` + dealIDArg + `,{"name":"videoId","type":"string"},{"name":"etagHash","type":"bytes32"}],"outputs":[]},
{"type":"function","name":"approveVideo","stateMutability":"nonpayable","inputs":[` + dealIDArg + `],"outputs":[]},
{"type":"function","name":"claimExpired","stateMutability":"nonpayable","inputs":[` + dealIDArg + `,{"name":"milestoneIndex","type":"uint256"}],"outputs":[]},
{"type":"function","name":"claimMilestone","stateMutability":"nonpayable","inputs":[` + dealIDArg + `,{"name":"milestoneIndex","type":"uint256"},` + attestation.ProofTupleJSON + `],"outputs":[]},
{"type":"function","name":"claimLinear","stateMutability":"nonpayable","inputs":[` + dealIDArg + `,` + attestation.ProofTupleJSON + `],"outputs":[]},
{"type":"function","name":"reportTampering","stateMutability":"nonpayable","inputs":[` + dealIDArg + `,` + attestation.ProofTupleJSON + `],"outputs":[]},
{"type":"function","name":"updateViews","stateMutability":"nonpayable","inputs":[` + dealIDArg + `,` + attestation.ProofTupleJSON + `],"outputs":[]},
{"type":"error","name":"EtagNotChanged","inputs":[]},
{"type":"error","name":"OnlyClient","inputs":[]},
{"type":"error","name":"DeadlineNotExpired","inputs":[]},
{"type":"error","name":"VideoDeadlineExpired","inputs":[]}
]`

type dealTuple struct {
	ID                *big.Int `abi:"id"`
	Client            common.Address
	Creator           common.Address
	Stablecoin        common.Address
	PaymentMode       uint8
	Status            uint8
	YoutubeVideoID    string `abi:"youtubeVideoId"`
	EtagHash          [32]byte
	VideoDeadline     *big.Int
	TotalDeposited    *big.Int
	TotalPaid         *big.Int
	LastVerifiedViews *big.Int
}

type milestoneTuple struct {
	ViewTarget        *big.Int
	PayoutAmount      *big.Int
	DeadlineDuration  *big.Int
	DeadlineTimestamp *big.Int
	IsPaid            bool
}

type linearTuple struct {
	RatePerView      *big.Int
	TotalCap         *big.Int
	LastClaimedViews *big.Int
}

// EVMGateway implements Gateway over a go-ethereum bound contract.
// Amounts stay in the stablecoin's base units.
type EVMGateway struct {
	chain    *evm.Chain
	contract *evm.Contract
	log      *slog.Logger
}

func NewEVMGateway(chain *evm.Chain, address string, logger *slog.Logger) (*EVMGateway, error) {
	if !common.IsHexAddress(address) {
		return nil, fmt.Errorf("trusttube address %q is not a hex address", address)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &EVMGateway{
		chain:    chain,
		contract: chain.Bind("TrustTube", common.HexToAddress(address), evm.MustParseABI(trustTubeABI)),
		log:      logger.With("module", "ledger", "layer", "evm"),
	}, nil
}

func (g *EVMGateway) read(ctx context.Context, method string, args ...any) ([]any, error) {
	out, err := g.chain.Call(ctx, g.contract, method, args...)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %s: %v", domain.ErrReadFailure, method, err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: %s returned nothing", domain.ErrReadFailure, method)
	}
	return out, nil
}

func (g *EVMGateway) DealCount(ctx context.Context) (uint64, error) {
	out, err := g.read(ctx, "nextDealId")
	if err != nil {
		return 0, err
	}
	return out[0].(*big.Int).Uint64(), nil
}

func (g *EVMGateway) Deal(ctx context.Context, id uint64) (domain.Deal, error) {
	out, err := g.read(ctx, "getDeal", new(big.Int).SetUint64(id))
	if err != nil {
		return domain.Deal{}, err
	}
	t := *convert[dealTuple](out[0])
	return domain.Deal{
		ID:                t.ID.Uint64(),
		Client:            t.Client.Hex(),
		Creator:           t.Creator.Hex(),
		Stablecoin:        t.Stablecoin.Hex(),
		PaymentMode:       domain.PaymentMode(t.PaymentMode),
		Status:            domain.DealStatus(t.Status),
		VideoID:           t.YoutubeVideoID,
		EtagHash:          common.Hash(t.EtagHash).Hex(),
		VideoDeadline:     unixTime(t.VideoDeadline),
		TotalDeposited:    amount(t.TotalDeposited),
		TotalPaid:         amount(t.TotalPaid),
		LastVerifiedViews: t.LastVerifiedViews.Uint64(),
	}, nil
}

func (g *EVMGateway) Milestones(ctx context.Context, id uint64) ([]domain.Milestone, error) {
	out, err := g.read(ctx, "getMilestones", new(big.Int).SetUint64(id))
	if err != nil {
		return nil, err
	}
	tuples := *convert[[]milestoneTuple](out[0])
	ms := make([]domain.Milestone, 0, len(tuples))
	for i, t := range tuples {
		ms = append(ms, domain.Milestone{
			Index:        i,
			ViewTarget:   t.ViewTarget.Uint64(),
			PayoutAmount: amount(t.PayoutAmount),
			Deadline:     unixTime(t.DeadlineTimestamp),
			Paid:         t.IsPaid,
		})
	}
	return ms, nil
}

func (g *EVMGateway) LinearConfig(ctx context.Context, id uint64) (domain.LinearConfig, error) {
	out, err := g.read(ctx, "getLinearConfig", new(big.Int).SetUint64(id))
	if err != nil {
		return domain.LinearConfig{}, err
	}
	t := *convert[linearTuple](out[0])
	return domain.LinearConfig{
		RatePerView:      amount(t.RatePerView),
		TotalCap:         amount(t.TotalCap),
		LastClaimedViews: t.LastClaimedViews.Uint64(),
	}, nil
}

func (g *EVMGateway) ClaimMilestone(ctx context.Context, id uint64, index int, proof attestation.ContractProof) (Receipt, error) {
	return g.write(ctx, "claimMilestone", new(big.Int).SetUint64(id), big.NewInt(int64(index)), proof)
}

func (g *EVMGateway) ClaimLinear(ctx context.Context, id uint64, proof attestation.ContractProof) (Receipt, error) {
	return g.write(ctx, "claimLinear", new(big.Int).SetUint64(id), proof)
}

func (g *EVMGateway) ReportTampering(ctx context.Context, id uint64, proof attestation.ContractProof) (Receipt, error) {
	return g.write(ctx, "reportTampering", new(big.Int).SetUint64(id), proof)
}

func (g *EVMGateway) UpdateViews(ctx context.Context, id uint64, proof attestation.ContractProof) (Receipt, error) {
	return g.write(ctx, "updateViews", new(big.Int).SetUint64(id), proof)
}

// AcceptCreator assigns the creator of an open deal.
func (g *EVMGateway) AcceptCreator(ctx context.Context, id uint64, creator string) (Receipt, error) {
	if !common.IsHexAddress(creator) {
		return Receipt{}, fmt.Errorf("creator %q is not a hex address", creator)
	}
	return g.write(ctx, "acceptCreator", new(big.Int).SetUint64(id), common.HexToAddress(creator))
}

// EtagHash is the keccak256 of the raw etag string, as stored by submitVideo.
func EtagHash(etag string) common.Hash {
	return crypto.Keccak256Hash([]byte(etag))
}

// SubmitVideo records the video id and its etag hash for review.
func (g *EVMGateway) SubmitVideo(ctx context.Context, id uint64, videoID string, etagHash common.Hash) (Receipt, error) {
	return g.write(ctx, "submitVideo", new(big.Int).SetUint64(id), videoID, [32]byte(etagHash))
}

func (g *EVMGateway) ApproveVideo(ctx context.Context, id uint64) (Receipt, error) {
	return g.write(ctx, "approveVideo", new(big.Int).SetUint64(id))
}

func (g *EVMGateway) ClaimExpired(ctx context.Context, id uint64, index int) (Receipt, error) {
	return g.write(ctx, "claimExpired", new(big.Int).SetUint64(id), big.NewInt(int64(index)))
}

func (g *EVMGateway) write(ctx context.Context, method string, args ...any) (Receipt, error) {
	receipt, err := g.chain.Send(ctx, g.contract, nil, method, args...)
	if err != nil {
		var rev *evm.RevertError
		if errors.As(err, &rev) {
			g.log.Warn("ledger write rejected", "event", "ledger_rejected", "method", method, "reason", rev.Reason)
			return receiptOf(receipt), &RejectedError{Method: method, Reason: rev.Reason}
		}
		return Receipt{}, err
	}
	return receiptOf(receipt), nil
}

func receiptOf(r *types.Receipt) Receipt {
	if r == nil {
		return Receipt{}
	}
	out := Receipt{TxHash: r.TxHash.Hex()}
	if r.BlockNumber != nil {
		out.Block = r.BlockNumber.Uint64()
	}
	return out
}

func amount(v *big.Int) decimal.Decimal {
	if v == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(v, 0)
}

func unixTime(v *big.Int) time.Time {
	if v == nil || v.Sign() == 0 || !v.IsInt64() {
		return time.Time{}
	}
	return time.Unix(v.Int64(), 0).UTC()
}

func convert[T any](v any) *T {
	return abi.ConvertType(v, new(T)).(*T)
}
