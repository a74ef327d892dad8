// Package attestation drives the Flare Data Connector protocol for Web2Json
// facts: prepare with the verifier, submit on-chain, await round finality and
// fetch the proof from the data-availability layer.
package attestation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"

	"tubekeeper/internal/domain"
)

// Hub is the on-chain half of the protocol.
type Hub interface {
	RequestAttestation(ctx context.Context, encoded []byte) (uint64, error)
	IsFinalized(ctx context.Context, round uint64) (bool, error)
}

type Options struct {
	VerifierURL    string
	VerifierAPIKey string
	DALayerURL     string
	DALayerAPIKey  string

	FinalityPollInterval time.Duration
	ProofSettleDelay     time.Duration
	ProofRetryDelay      time.Duration
	ProofMaxAttempts     int

	HTTPClient *http.Client
	Sleep      SleepFunc
	Logger     *slog.Logger
}

// Client is stateless apart from its configuration.
type Client struct {
	opts Options
	hub  Hub
	http *http.Client
	log  *slog.Logger
}

func NewClient(hub Hub, opts Options) *Client {
	if opts.FinalityPollInterval <= 0 {
		opts.FinalityPollInterval = 30 * time.Second
	}
	if opts.ProofSettleDelay <= 0 {
		opts.ProofSettleDelay = 10 * time.Second
	}
	if opts.ProofRetryDelay <= 0 {
		opts.ProofRetryDelay = 10 * time.Second
	}
	if opts.ProofMaxAttempts <= 0 {
		opts.ProofMaxAttempts = 30
	}
	if opts.Sleep == nil {
		opts.Sleep = Sleep
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		opts: opts,
		hub:  hub,
		http: httpClient,
		log:  opts.Logger.With("module", "attestation", "layer", "client"),
	}
}

type prepareRequest struct {
	AttestationType string      `json:"attestationType"`
	SourceID        string      `json:"sourceId"`
	RequestBody     RequestBody `json:"requestBody"`
}

type prepareResponse struct {
	Status            string `json:"status"`
	AbiEncodedRequest string `json:"abiEncodedRequest"`
}

// Prepare asks the verifier to encode body. A response without an encoded
// request is reported as ErrVerifierRejected carrying the verifier status.
func (c *Client) Prepare(ctx context.Context, body RequestBody) ([]byte, error) {
	url := strings.TrimRight(c.opts.VerifierURL, "/") + "/verifier/web2/" + AttestationType + "/prepareRequest"
	payload := prepareRequest{
		AttestationType: hex32(AttestationType),
		SourceID:        hex32(SourceID),
		RequestBody:     body,
	}
	var resp prepareResponse
	raw, err := c.postJSON(ctx, url, c.opts.VerifierAPIKey, payload, &resp)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if resp.Status != "" {
			return nil, fmt.Errorf("%w: %s", domain.ErrVerifierRejected, resp.Status)
		}
		return nil, fmt.Errorf("%w: %v", domain.ErrVerifierRejected, err)
	}
	if resp.AbiEncodedRequest == "" {
		reason := resp.Status
		if reason == "" {
			reason = strings.TrimSpace(string(raw))
		}
		return nil, fmt.Errorf("%w: %s", domain.ErrVerifierRejected, reason)
	}
	encoded, err := hexutil.Decode(resp.AbiEncodedRequest)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed abiEncodedRequest: %v", domain.ErrVerifierRejected, err)
	}
	c.log.Info("request prepared", "event", "attestation_prepared", "status", resp.Status, "bytes", len(encoded))
	return encoded, nil
}

// Submit registers the encoded request on-chain and returns its voting round.
func (c *Client) Submit(ctx context.Context, encoded []byte) (uint64, error) {
	round, err := c.hub.RequestAttestation(ctx, encoded)
	if err != nil {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		return 0, fmt.Errorf("%w: %v", domain.ErrSubmissionFailed, err)
	}
	c.log.Info("attestation submitted", "event", "attestation_submitted", "round_id", round)
	return round, nil
}

// AwaitFinality blocks until round is finalized or ctx is done. Transient
// read errors are logged and polled through.
func (c *Client) AwaitFinality(ctx context.Context, round uint64) error {
	for {
		done, err := c.hub.IsFinalized(ctx, round)
		switch {
		case err == nil && done:
			c.log.Info("round finalized", "event", "round_finalized", "round_id", round)
			return nil
		case err != nil:
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.log.Warn("finality read failed", "event", "finality_read_failed", "round_id", round, "error", err)
		}
		if err := c.opts.Sleep(ctx, c.opts.FinalityPollInterval); err != nil {
			return err
		}
	}
}

// Proof is the raw data-availability answer.
type Proof struct {
	ResponseHex string   `json:"response_hex"`
	Proof       []string `json:"proof"`
}

type proofRequest struct {
	VotingRoundID uint64 `json:"votingRoundId"`
	RequestBytes  string `json:"requestBytes"`
}

// RetrieveProof polls the DA layer at most ProofMaxAttempts times. The first
// poll waits ProofSettleDelay, later ones ProofRetryDelay.
func (c *Client) RetrieveProof(ctx context.Context, round uint64, encoded []byte) (Proof, error) {
	url := strings.TrimRight(c.opts.DALayerURL, "/") + "/api/v1/fdc/proof-by-request-round-raw"
	req := proofRequest{VotingRoundID: round, RequestBytes: hexutil.Encode(encoded)}
	delay := c.opts.ProofSettleDelay
	for attempt := 1; attempt <= c.opts.ProofMaxAttempts; attempt++ {
		if err := c.opts.Sleep(ctx, delay); err != nil {
			return Proof{}, err
		}
		delay = c.opts.ProofRetryDelay

		var proof Proof
		_, err := c.postJSON(ctx, url, c.opts.DALayerAPIKey, req, &proof)
		if err == nil && proof.ResponseHex != "" {
			c.log.Info("proof retrieved", "event", "proof_retrieved", "round_id", round, "attempt", attempt)
			return proof, nil
		}
		if ctx.Err() != nil {
			return Proof{}, ctx.Err()
		}
		c.log.Debug("proof not ready", "event", "proof_pending", "round_id", round, "attempt", attempt, "max", c.opts.ProofMaxAttempts, "error", err)
	}
	return Proof{}, fmt.Errorf("%w: no proof for round %d after %d attempts", domain.ErrProofTimeout, round, c.opts.ProofMaxAttempts)
}

func (c *Client) postJSON(ctx context.Context, url, apiKey string, in, out any) ([]byte, error) {
	payload, err := json.Marshal(in)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("X-API-KEY", apiKey)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		_ = json.Unmarshal(raw, out)
		return raw, fmt.Errorf("%s returned %d: %s", url, resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return raw, nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return raw, fmt.Errorf("decode %s: %w", url, err)
	}
	return raw, nil
}
