package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// DealStatus mirrors the escrow contract's deal lifecycle enum.
type DealStatus uint8

const (
	DealOpen DealStatus = iota
	DealInProgress
	DealInReview
	DealActive
	DealCompleted
	DealTerminated
)

var dealStatusNames = []string{"open", "in_progress", "in_review", "active", "completed", "terminated"}

func (s DealStatus) String() string {
	if int(s) < len(dealStatusNames) {
		return dealStatusNames[s]
	}
	return fmt.Sprintf("unknown(%d)", uint8(s))
}

func (s DealStatus) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *DealStatus) UnmarshalText(b []byte) error {
	v := strings.ToLower(strings.TrimSpace(string(b)))
	for i, name := range dealStatusNames {
		if name == v {
			*s = DealStatus(i)
			return nil
		}
	}
	return fmt.Errorf("invalid deal status %q", v)
}

// PaymentMode selects how a deal pays out.
type PaymentMode uint8

const (
	PaymentMilestone PaymentMode = iota
	PaymentLinear
)

func (m PaymentMode) String() string {
	switch m {
	case PaymentMilestone:
		return "milestone"
	case PaymentLinear:
		return "linear"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(m))
	}
}

func (m PaymentMode) MarshalText() ([]byte, error) { return []byte(m.String()), nil }

func (m *PaymentMode) UnmarshalText(b []byte) error {
	switch strings.ToLower(strings.TrimSpace(string(b))) {
	case "milestone":
		*m = PaymentMilestone
	case "linear":
		*m = PaymentLinear
	default:
		return fmt.Errorf("invalid payment mode %q", string(b))
	}
	return nil
}

// Deal is the ledger's view of an escrow agreement. The keeper never mutates it locally.
type Deal struct {
	ID                uint64          `json:"id"`
	Client            string          `json:"client"`
	Creator           string          `json:"creator"`
	Stablecoin        string          `json:"stablecoin"`
	PaymentMode       PaymentMode     `json:"paymentMode"`
	Status            DealStatus      `json:"status"`
	VideoID           string          `json:"videoId"`
	EtagHash          string          `json:"etagHash"`
	VideoDeadline     time.Time       `json:"videoDeadline"`
	TotalDeposited    decimal.Decimal `json:"totalDeposited"`
	TotalPaid         decimal.Decimal `json:"totalPaid"`
	LastVerifiedViews uint64          `json:"lastVerifiedViews"`
}

func (d Deal) Eligible() bool { return d.Status == DealActive }

type Milestone struct {
	Index        int             `json:"index"`
	ViewTarget   uint64          `json:"viewTarget"`
	PayoutAmount decimal.Decimal `json:"payoutAmount"`
	Deadline     time.Time       `json:"deadline"`
	Paid         bool            `json:"paid"`
}

type LinearConfig struct {
	RatePerView      decimal.Decimal `json:"ratePerView"`
	TotalCap         decimal.Decimal `json:"totalCap"`
	LastClaimedViews uint64          `json:"lastClaimedViews"`
}

// ServerConfig is the runtime-tunable scheduling policy.
type ServerConfig struct {
	PollIntervalMs int64 `json:"pollIntervalMs"`
	EtagCheckCycle int   `json:"etagCheckCycle"`
	PollingEnabled bool  `json:"pollingEnabled"`
}

func (c ServerConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMs) * time.Millisecond
}

// Snapshot is a consistent point-in-time view of the keeper.
type Snapshot struct {
	Config     ServerConfig `json:"config"`
	InFlight   []Check      `json:"inFlight"`
	History    []Check      `json:"history"`
	CycleCount uint64       `json:"cycleCount"`
	Polling    bool         `json:"polling"`
}

// JournalEntry is a persisted bus event.
type JournalEntry struct {
	ID      int64  `json:"id"`
	TS      string `json:"ts" format:"date-time"`
	Type    string `json:"type"`
	CheckID string `json:"checkId,omitempty"`
	DealID  *int64 `json:"dealId,omitempty"`
	Status  string `json:"status,omitempty"`
	Payload string `json:"payload"`
}
