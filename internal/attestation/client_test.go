package attestation

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tubekeeper/internal/domain"
)

type fakeHub struct {
	round        uint64
	submitErr    error
	finalizedAt  int
	finalityErrs int

	mu    sync.Mutex
	polls int
}

func (h *fakeHub) RequestAttestation(ctx context.Context, encoded []byte) (uint64, error) {
	return h.round, h.submitErr
}

func (h *fakeHub) IsFinalized(ctx context.Context, round uint64) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.polls++
	if h.polls <= h.finalityErrs {
		return false, errors.New("rpc hiccup")
	}
	return h.polls >= h.finalizedAt, nil
}

type sleepRecorder struct {
	mu    sync.Mutex
	waits []time.Duration
}

func (s *sleepRecorder) Sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.waits = append(s.waits, d)
	s.mu.Unlock()
	return ctx.Err()
}

func newTestClient(t *testing.T, hub Hub, verifier, da http.Handler, rec *sleepRecorder) *Client {
	t.Helper()
	opts := Options{
		VerifierAPIKey:       "verifier-key",
		FinalityPollInterval: 30 * time.Second,
		ProofSettleDelay:     10 * time.Second,
		ProofRetryDelay:      7 * time.Second,
		ProofMaxAttempts:     4,
		Sleep:                rec.Sleep,
	}
	if verifier != nil {
		srv := httptest.NewServer(verifier)
		t.Cleanup(srv.Close)
		opts.VerifierURL = srv.URL
	}
	if da != nil {
		srv := httptest.NewServer(da)
		t.Cleanup(srv.Close)
		opts.DALayerURL = srv.URL
	}
	return NewClient(hub, opts)
}

func TestBuildRequest(t *testing.T) {
	body, err := BuildRequest(domain.CheckViewCount, "https://worker.example", "abc123")
	require.NoError(t, err)
	assert.Equal(t, "GET", body.HTTPMethod)
	assert.Equal(t, `{"videoId":"abc123"}`, body.QueryParams)
	assert.Equal(t, viewCountJq, body.PostProcessJq)

	body, err = BuildRequest(domain.CheckTamperProbe, "https://worker.example", "abc123")
	require.NoError(t, err)
	assert.Equal(t, etagJq, body.PostProcessJq)
	assert.Contains(t, body.AbiSignature, `"etag"`)

	_, err = BuildRequest("bogus", "", "")
	assert.Error(t, err)
}

func TestHex32(t *testing.T) {
	assert.Equal(t, "0x576562324a736f6e000000000000000000000000000000000000000000000000", hex32("Web2Json"))
}

func TestPrepare(t *testing.T) {
	var got prepareRequest
	verifier := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/verifier/web2/Web2Json/prepareRequest", r.URL.Path)
		assert.Equal(t, "verifier-key", r.Header.Get("X-API-KEY"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "VALID", "abiEncodedRequest": "0xdeadbeef"})
	})
	c := newTestClient(t, &fakeHub{}, verifier, nil, &sleepRecorder{})
	body, _ := BuildRequest(domain.CheckViewCount, "https://worker.example", "vid")
	encoded, err := c.Prepare(context.Background(), body)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xde, 0xad, 0xbe, 0xef}, encoded)
	assert.Equal(t, hex32("PublicWeb2"), got.SourceID)
	assert.Equal(t, "vid", func() string {
		var q map[string]string
		_ = json.Unmarshal([]byte(got.RequestBody.QueryParams), &q)
		return q["videoId"]
	}())
}

func TestPrepareRejectedKeepsStatus(t *testing.T) {
	verifier := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "INVALID: jq failed"})
	})
	c := newTestClient(t, &fakeHub{}, verifier, nil, &sleepRecorder{})
	_, err := c.Prepare(context.Background(), RequestBody{})
	require.ErrorIs(t, err, domain.ErrVerifierRejected)
	assert.Contains(t, err.Error(), "INVALID: jq failed")
}

func TestSubmitWrapsFailure(t *testing.T) {
	c := newTestClient(t, &fakeHub{submitErr: errors.New("insufficient funds")}, nil, nil, &sleepRecorder{})
	_, err := c.Submit(context.Background(), []byte{1})
	require.ErrorIs(t, err, domain.ErrSubmissionFailed)
	assert.Contains(t, err.Error(), "insufficient funds")

	c = newTestClient(t, &fakeHub{round: 912}, nil, nil, &sleepRecorder{})
	round, err := c.Submit(context.Background(), []byte{1})
	require.NoError(t, err)
	assert.Equal(t, uint64(912), round)
}

func TestAwaitFinalityPollsUntilTrue(t *testing.T) {
	rec := &sleepRecorder{}
	hub := &fakeHub{finalizedAt: 4, finalityErrs: 1}
	c := newTestClient(t, hub, nil, nil, rec)
	require.NoError(t, c.AwaitFinality(context.Background(), 7))
	assert.Equal(t, 4, hub.polls)
	assert.Equal(t, []time.Duration{30 * time.Second, 30 * time.Second, 30 * time.Second}, rec.waits)
}

func TestAwaitFinalityCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	c := newTestClient(t, &fakeHub{finalizedAt: 1 << 30}, nil, nil, &sleepRecorder{})
	assert.ErrorIs(t, c.AwaitFinality(ctx, 7), context.Canceled)
}

func TestRetrieveProofTimesOutAfterMaxAttempts(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	da := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		mu.Unlock()
		if calls%2 == 0 {
			http.Error(w, "not yet", http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"status": "pending"})
	})
	rec := &sleepRecorder{}
	c := newTestClient(t, &fakeHub{}, nil, da, rec)
	_, err := c.RetrieveProof(context.Background(), 5, []byte{1, 2})
	require.ErrorIs(t, err, domain.ErrProofTimeout)
	assert.Equal(t, 4, calls)
	assert.Equal(t, []time.Duration{10 * time.Second, 7 * time.Second, 7 * time.Second, 7 * time.Second}, rec.waits)
}

func TestRetrieveProofReturnsWhenReady(t *testing.T) {
	var req proofRequest
	calls := 0
	da := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		assert.Equal(t, "/api/v1/fdc/proof-by-request-round-raw", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		if calls < 2 {
			_ = json.NewEncoder(w).Encode(map[string]any{})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"response_hex": "0x01", "proof": []string{}})
	})
	c := newTestClient(t, &fakeHub{}, nil, da, &sleepRecorder{})
	proof, err := c.RetrieveProof(context.Background(), 5, []byte{0xab})
	require.NoError(t, err)
	assert.Equal(t, "0x01", proof.ResponseHex)
	assert.Equal(t, uint64(5), req.VotingRoundID)
	assert.Equal(t, "0xab", req.RequestBytes)
	assert.Equal(t, 2, calls)
}

func TestDecodeProof(t *testing.T) {
	fact, err := EncodeFact(domain.CheckViewCount, Fact{VideoID: "vid", ViewCount: 6000})
	require.NoError(t, err)
	resp := Response{
		VotingRound:         812,
		LowestUsedTimestamp: 1700000000,
		RequestBody:         ProofRequest{URL: "https://worker.example", HTTPMethod: "GET"},
		ResponseBody:        ResponseBody{AbiEncodedData: fact},
	}
	copy(resp.AttestationType[:], "Web2Json")
	raw, err := EncodeResponse(resp)
	require.NoError(t, err)

	node := make([]byte, 32)
	node[31] = 9
	decoded, err := DecodeProof(Proof{ResponseHex: hexutil.Encode(raw), Proof: []string{hexutil.Encode(node)}})
	require.NoError(t, err)
	assert.Equal(t, resp, decoded.Data)
	require.Len(t, decoded.MerkleProof, 1)
	assert.Equal(t, byte(9), decoded.MerkleProof[0][31])

	proven, err := decoded.ProvenFact(domain.CheckViewCount)
	require.NoError(t, err)
	assert.Equal(t, uint64(6000), proven.ViewCount)
	assert.Equal(t, "vid", proven.VideoID)

	_, err = DecodeProof(Proof{ResponseHex: "0xzz"})
	assert.Error(t, err)
}

func TestRoundID(t *testing.T) {
	round, err := RoundID(1_700_000_900, 1_700_000_000, 90)
	require.NoError(t, err)
	assert.Equal(t, uint64(10), round)
	_, err = RoundID(1, 2, 90)
	assert.Error(t, err)
	_, err = RoundID(5, 2, 0)
	assert.Error(t, err)
}

func TestNewClientDefaultsSettleDelay(t *testing.T) {
	da := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"response_hex": "0x01"})
	})
	srv := httptest.NewServer(da)
	t.Cleanup(srv.Close)
	rec := &sleepRecorder{}
	c := NewClient(&fakeHub{}, Options{DALayerURL: srv.URL, Sleep: rec.Sleep})

	_, err := c.RetrieveProof(context.Background(), 5, []byte{1})
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{10 * time.Second}, rec.waits)
}
