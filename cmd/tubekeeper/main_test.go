package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"testing"
	"time"

	"github.com/spf13/viper"

	"tubekeeper/internal/app"
	"tubekeeper/internal/attestation"
	"tubekeeper/internal/config"
	"tubekeeper/internal/domain"
	"tubekeeper/internal/ledger"
	"tubekeeper/internal/server"
	"tubekeeper/internal/viewsource"
	tubekeepersdk "tubekeeper/sdk/go"
)

func TestParseDealID(t *testing.T) {
	id, err := parseDealID(" 12 ")
	if err != nil || id != 12 {
		t.Fatalf("got %d, %v", id, err)
	}
	if _, err := parseDealID("-1"); err == nil {
		t.Fatalf("expected error for negative id")
	}
}

func TestCheckSummary(t *testing.T) {
	cases := []struct {
		in   tubekeepersdk.Check
		want string
	}{
		{tubekeepersdk.Check{Error: "boom", ErrorKind: "ProofTimeout"}, "ProofTimeout: boom"},
		{tubekeepersdk.Check{Result: &tubekeepersdk.CheckResult{TxHash: "0xab", Payout: "100"}}, "0xab (payout 100)"},
		{tubekeepersdk.Check{Result: &tubekeepersdk.CheckResult{Message: "no new views (5 <= 5)"}}, "no new views (5 <= 5)"},
		{tubekeepersdk.Check{}, ""},
	}
	for _, c := range cases {
		if got := checkSummary(c.in); got != c.want {
			t.Fatalf("checkSummary = %q, want %q", got, c.want)
		}
	}
}

func TestLoadConfigAppliesEnvAndWorkspace(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(config.Path(dir), []byte("scheduler:\n  etag_check_cycle: 3\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("TUBEKEEPER_LEDGER_RPC_URL", "http://rpc.test")
	viper.Reset()
	initConfig()
	viper.Set("workspace", dir)
	t.Cleanup(viper.Reset)

	cfg, err := loadConfig()
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.Scheduler.EtagCheckCycle != 3 {
		t.Fatalf("etag cycle = %d", cfg.Scheduler.EtagCheckCycle)
	}
	if cfg.Ledger.RPCURL != "http://rpc.test" {
		t.Fatalf("rpc url = %q", cfg.Ledger.RPCURL)
	}
	if cfg.Journal.Workspace != dir {
		t.Fatalf("journal workspace = %q", cfg.Journal.Workspace)
	}
}

type oneDeal struct{}

func (oneDeal) DealCount(ctx context.Context) (uint64, error) { return 1, nil }
func (oneDeal) Deal(ctx context.Context, id uint64) (domain.Deal, error) {
	return domain.Deal{ID: id, Status: domain.DealActive, VideoID: "vid"}, nil
}
func (oneDeal) Milestones(ctx context.Context, id uint64) ([]domain.Milestone, error) {
	return nil, nil
}
func (oneDeal) LinearConfig(ctx context.Context, id uint64) (domain.LinearConfig, error) {
	return domain.LinearConfig{}, nil
}
func (oneDeal) ClaimMilestone(ctx context.Context, id uint64, index int, p attestation.ContractProof) (ledger.Receipt, error) {
	return ledger.Receipt{}, errors.New("unexpected")
}
func (oneDeal) ClaimLinear(ctx context.Context, id uint64, p attestation.ContractProof) (ledger.Receipt, error) {
	return ledger.Receipt{}, errors.New("unexpected")
}
func (oneDeal) ReportTampering(ctx context.Context, id uint64, p attestation.ContractProof) (ledger.Receipt, error) {
	return ledger.Receipt{}, errors.New("unexpected")
}
func (oneDeal) UpdateViews(ctx context.Context, id uint64, p attestation.ContractProof) (ledger.Receipt, error) {
	return ledger.Receipt{}, errors.New("unexpected")
}

type neverFinal struct{}

func (neverFinal) Prepare(ctx context.Context, body attestation.RequestBody) ([]byte, error) {
	return []byte{1}, nil
}
func (neverFinal) Submit(ctx context.Context, encoded []byte) (uint64, error) { return 1, nil }
func (neverFinal) AwaitFinality(ctx context.Context, round uint64) error {
	<-ctx.Done()
	return ctx.Err()
}
func (neverFinal) RetrieveProof(ctx context.Context, round uint64, encoded []byte) (attestation.Proof, error) {
	return attestation.Proof{}, ctx.Err()
}

type noStats struct{}

func (noStats) Stats(ctx context.Context, id string) (viewsource.Stats, error) {
	return viewsource.Stats{VideoID: id}, nil
}

func TestStopServingWithOpenStream(t *testing.T) {
	k := app.New(config.Default(), app.Deps{Ledger: oneDeal{}, Attestor: neverFinal{}, Views: noStats{}})
	handler, err := server.New(server.Config{Keeper: k})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)

	res, err := http.Get("http://" + ln.Addr().String() + "/api/events")
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer res.Body.Close()
	go io.Copy(io.Discard, res.Body)

	id, err := k.CheckDeal(context.Background(), 0, domain.CheckTamperProbe)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		if c, _ := k.Registry.Get(id); c.Status == domain.StatusWaitingRound {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("check never parked")
		}
		time.Sleep(5 * time.Millisecond)
	}

	started := time.Now()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if err := stopServing(srv, k, 2*time.Second, logger); err != nil {
		t.Fatalf("stopServing: %v", err)
	}
	if took := time.Since(started); took > time.Second {
		t.Fatalf("shutdown took %s", took)
	}
	if c, _ := k.Registry.Get(id); c.Status != domain.StatusFailed || c.ErrorKind != "Canceled" {
		t.Fatalf("check not canceled: %+v", c)
	}
}
