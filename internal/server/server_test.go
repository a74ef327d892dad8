package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"tubekeeper/internal/app"
	"tubekeeper/internal/attestation"
	"tubekeeper/internal/config"
	"tubekeeper/internal/domain"
	"tubekeeper/internal/events"
	"tubekeeper/internal/ledger"
	"tubekeeper/internal/repo"
	"tubekeeper/internal/viewsource"
)

type stubLedger struct{}

var stubDeals = []domain.Deal{
	{ID: 0, Status: domain.DealActive, VideoID: "vid-0"},
	{ID: 1, Status: domain.DealActive, VideoID: "vid-1"},
}

func (stubLedger) DealCount(ctx context.Context) (uint64, error) { return uint64(len(stubDeals)), nil }
func (stubLedger) Deal(ctx context.Context, id uint64) (domain.Deal, error) {
	if id >= uint64(len(stubDeals)) {
		return domain.Deal{}, domain.ErrReadFailure
	}
	return stubDeals[id], nil
}
func (stubLedger) Milestones(ctx context.Context, id uint64) ([]domain.Milestone, error) {
	return nil, nil
}
func (stubLedger) LinearConfig(ctx context.Context, id uint64) (domain.LinearConfig, error) {
	return domain.LinearConfig{}, nil
}
func (stubLedger) ClaimMilestone(ctx context.Context, id uint64, index int, p attestation.ContractProof) (ledger.Receipt, error) {
	return ledger.Receipt{}, errors.New("not expected")
}
func (stubLedger) ClaimLinear(ctx context.Context, id uint64, p attestation.ContractProof) (ledger.Receipt, error) {
	return ledger.Receipt{}, errors.New("not expected")
}
func (stubLedger) ReportTampering(ctx context.Context, id uint64, p attestation.ContractProof) (ledger.Receipt, error) {
	return ledger.Receipt{}, errors.New("not expected")
}
func (stubLedger) UpdateViews(ctx context.Context, id uint64, p attestation.ContractProof) (ledger.Receipt, error) {
	return ledger.Receipt{}, errors.New("not expected")
}

// parkedAttestor holds tamper checks in WaitingRound until shutdown.
type parkedAttestor struct{}

func (parkedAttestor) Prepare(ctx context.Context, body attestation.RequestBody) ([]byte, error) {
	return []byte{1}, nil
}
func (parkedAttestor) Submit(ctx context.Context, encoded []byte) (uint64, error) { return 1, nil }
func (parkedAttestor) AwaitFinality(ctx context.Context, round uint64) error {
	<-ctx.Done()
	return ctx.Err()
}
func (parkedAttestor) RetrieveProof(ctx context.Context, round uint64, encoded []byte) (attestation.Proof, error) {
	return attestation.Proof{}, ctx.Err()
}

// noViews makes view-count checks finish immediately as a benign no-op.
type noViews struct{}

func (noViews) Stats(ctx context.Context, id string) (viewsource.Stats, error) {
	return viewsource.Stats{VideoID: id}, nil
}

type testServer struct {
	URL      string
	Keeper   *app.Keeper
	Repo     *repo.Repo
	client   *http.Client
	shutdown func(grace time.Duration) error
	close    func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

// Shutdown stops the keeper and then the HTTP server, each within grace.
func (s *testServer) Shutdown(grace time.Duration) error {
	return s.shutdown(grace)
}

func newTestServer(t *testing.T, quota int, auth AuthConfig) (*testServer, func()) {
	t.Helper()
	conn, err := app.OpenJournal(context.Background(), t.TempDir())
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	cfg := config.Default()
	cfg.Scheduler.MaxConcurrentChecks = quota
	r := &repo.Repo{DB: conn}
	k := app.New(cfg, app.Deps{
		Ledger:   stubLedger{},
		Attestor: parkedAttestor{},
		Views:    noViews{},
		Journal:  r,
	})
	k.Consume("journal", events.Writer{DB: conn}.Journal)
	handler, err := New(Config{Keeper: k, BasePath: "/api", Auth: auth})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	var once sync.Once
	var shutdownErr error
	stop := func(grace time.Duration) error {
		once.Do(func() {
			kctx, kcancel := context.WithTimeout(context.Background(), grace)
			defer kcancel()
			keeperErr := k.Shutdown(kctx)
			hctx, hcancel := context.WithTimeout(context.Background(), grace)
			defer hcancel()
			shutdownErr = errors.Join(keeperErr, srv.Shutdown(hctx))
		})
		return shutdownErr
	}
	testSrv := &testServer{
		URL:      "http://" + ln.Addr().String(),
		Keeper:   k,
		Repo:     r,
		client:   &http.Client{},
		shutdown: stop,
		close: func() {
			stop(2 * time.Second)
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func decodeError(t *testing.T, data []byte) apiErrorBody {
	t.Helper()
	var env struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("decode error envelope: %v (%s)", err, data)
	}
	return env.Error
}

func TestHealthAndStatus(t *testing.T) {
	srv, cleanup := newTestServer(t, 10, AuthConfig{})
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/api/health", nil, nil)
	if res.StatusCode != http.StatusOK || !strings.Contains(string(data), "ok") {
		t.Fatalf("health %d: %s", res.StatusCode, data)
	}
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/api/status", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status %d: %s", res.StatusCode, data)
	}
	var snap domain.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if snap.Config.PollIntervalMs != 300000 || snap.Config.EtagCheckCycle != 6 {
		t.Fatalf("unexpected config %+v", snap.Config)
	}
}

func TestCheckLifecycleAndJournal(t *testing.T) {
	srv, cleanup := newTestServer(t, 10, AuthConfig{})
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/api/check/0", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("check %d: %s", res.StatusCode, data)
	}
	var created CheckResponse
	if err := json.Unmarshal(data, &created); err != nil || !created.OK || created.CheckID == "" {
		t.Fatalf("bad check response %s (%v)", data, err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for {
		c, ok := srv.Keeper.Registry.Get(created.CheckID)
		if ok && c.Status == domain.StatusCompleted {
			if c.Result == nil || c.Result.Message != "could not fetch view count" {
				t.Fatalf("unexpected result %+v", c.Result)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("check did not complete: %+v", c)
		}
		time.Sleep(10 * time.Millisecond)
	}

	var timeline []JournalEntryResponse
	for time.Now().Before(deadline) {
		res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/api/journal/"+created.CheckID, nil, nil)
		if res.StatusCode == http.StatusOK {
			if err := json.Unmarshal(data, &timeline); err != nil {
				t.Fatalf("decode timeline: %v", err)
			}
			if len(timeline) == 2 {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	if len(timeline) != 2 || timeline[0].Type != events.CheckCreated || timeline[1].Type != events.CheckCompleted {
		t.Fatalf("unexpected timeline %+v", timeline)
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/api/journal?limit=1", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("journal %d: %s", res.StatusCode, data)
	}
	var page JournalPage
	if err := json.Unmarshal(data, &page); err != nil {
		t.Fatalf("decode page: %v", err)
	}
	if len(page.Items) != 1 || page.Items[0].Type != events.CheckCompleted || page.NextCursor == "" {
		t.Fatalf("unexpected page %+v", page)
	}
}

func TestCheckErrors(t *testing.T) {
	srv, cleanup := newTestServer(t, 1, AuthConfig{})
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/api/check/42", nil, nil)
	if res.StatusCode != http.StatusBadRequest || decodeError(t, data).Code != "deal_unreadable" {
		t.Fatalf("unreadable deal %d: %s", res.StatusCode, data)
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/api/check-etag/0", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("tamper check %d: %s", res.StatusCode, data)
	}
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/api/check-etag/1", nil, nil)
	if res.StatusCode != http.StatusTooManyRequests || decodeError(t, data).Code != "quota_exceeded" {
		t.Fatalf("quota %d: %s", res.StatusCode, data)
	}
}

func TestCheckAllConfigAndPolling(t *testing.T) {
	srv, cleanup := newTestServer(t, 10, AuthConfig{})
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/api/check-all", nil, nil)
	var all CheckAllResponse
	if res.StatusCode != http.StatusOK || json.Unmarshal(data, &all) != nil || all.DealCount != 2 || len(all.CheckIDs) != 2 {
		t.Fatalf("check-all %d: %s", res.StatusCode, data)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/api/config", map[string]any{"pollIntervalMs": 60000}, nil)
	var cfg ConfigResponse
	if res.StatusCode != http.StatusOK || json.Unmarshal(data, &cfg) != nil || cfg.Config.PollIntervalMs != 60000 || cfg.Config.EtagCheckCycle != 6 {
		t.Fatalf("config %d: %s", res.StatusCode, data)
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/api/config", map[string]any{"etagCheckCycle": 0}, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("invalid config %d: %s", res.StatusCode, data)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/api/toggle-polling", nil, nil)
	var polling PollingResponse
	if res.StatusCode != http.StatusOK || json.Unmarshal(data, &polling) != nil || !polling.PollingEnabled {
		t.Fatalf("toggle on %d: %s", res.StatusCode, data)
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/api/toggle-polling", nil, nil)
	if json.Unmarshal(data, &polling) != nil || polling.PollingEnabled {
		t.Fatalf("toggle off %d: %s", res.StatusCode, data)
	}
}

func TestBearerAuthOnMutatingRoutes(t *testing.T) {
	secret := "test-secret"
	srv, cleanup := newTestServer(t, 10, AuthConfig{JWTSecret: secret})
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/api/check-all", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d: %s", res.StatusCode, data)
	}
	res, _ = doJSON(t, client, http.MethodPost, srv.URL+"/api/check-all", nil, map[string]string{"Authorization": "Bearer nope"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad token, got %d", res.StatusCode)
	}
	token, err := IssueToken(secret, "operator", time.Hour, time.Now())
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/api/check-all", nil, map[string]string{"Authorization": "Bearer " + token})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("authorized check-all %d: %s", res.StatusCode, data)
	}
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/api/status", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("reads stay open, got %d", res.StatusCode)
	}
}

func TestEventStreamStartsWithSnapshot(t *testing.T) {
	srv, cleanup := newTestServer(t, 10, AuthConfig{})
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/events", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	res, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer res.Body.Close()

	lines := bufio.NewScanner(res.Body)
	next := func() string {
		for lines.Scan() {
			if line := lines.Text(); strings.HasPrefix(line, "event: ") {
				return strings.TrimPrefix(line, "event: ")
			}
		}
		t.Fatalf("stream ended: %v", lines.Err())
		return ""
	}
	if got := next(); got != events.StateUpdate {
		t.Fatalf("first event %q", got)
	}
	if _, err := srv.Keeper.CheckDeal(ctx, 0, domain.CheckTamperProbe); err != nil {
		t.Fatalf("check: %v", err)
	}
	if got := next(); got != events.CheckCreated {
		t.Fatalf("second event %q", got)
	}
}

func TestShutdownWithOpenStreamCancelsChecks(t *testing.T) {
	srv, cleanup := newTestServer(t, 10, AuthConfig{})
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/events", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	res, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer res.Body.Close()
	streamDone := make(chan struct{})
	go func() {
		io.Copy(io.Discard, res.Body)
		close(streamDone)
	}()

	id, err := srv.Keeper.CheckDeal(ctx, 0, domain.CheckTamperProbe)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	for {
		c, _ := srv.Keeper.Registry.Get(id)
		if c.Status == domain.StatusWaitingRound {
			break
		}
		if ctx.Err() != nil {
			t.Fatalf("check never reached waiting-round: %+v", c)
		}
		time.Sleep(5 * time.Millisecond)
	}

	started := time.Now()
	if err := srv.Shutdown(2 * time.Second); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if took := time.Since(started); took > time.Second {
		t.Fatalf("shutdown took %s", took)
	}
	select {
	case <-streamDone:
	case <-time.After(time.Second):
		t.Fatal("event stream still open after shutdown")
	}

	c, ok := srv.Keeper.Registry.Get(id)
	if !ok || c.Status != domain.StatusFailed || c.ErrorKind != "Canceled" {
		t.Fatalf("check not canceled: %+v", c)
	}
	timeline, err := srv.Repo.CheckTimeline(context.Background(), id)
	if err != nil {
		t.Fatalf("timeline: %v", err)
	}
	if last := timeline[len(timeline)-1]; last.Type != events.CheckCompleted || last.Status != string(domain.StatusFailed) {
		t.Fatalf("journal ends with %s/%s", last.Type, last.Status)
	}
}

func TestDocsAndOpenAPI(t *testing.T) {
	srv, cleanup := newTestServer(t, 10, AuthConfig{})
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/api/openapi.json", nil, nil)
	if res.StatusCode != http.StatusOK || !strings.Contains(string(data), "/api/check/{dealId}") {
		t.Fatalf("openapi %d", res.StatusCode)
	}
	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/docs", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("docs %d", res.StatusCode)
	}
}

func TestWebhookDispatcherDeliversAndPersistsCursor(t *testing.T) {
	conn, err := app.OpenJournal(context.Background(), t.TempDir())
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	defer conn.Close()
	r := repo.Repo{DB: conn}
	w := events.Writer{DB: conn}
	ctx := context.Background()

	var (
		mu       sync.Mutex
		received []string
		secrets  []string
	)
	hook := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
		mu.Lock()
		received = append(received, req.Header.Get("X-Tubekeeper-Event"))
		secrets = append(secrets, req.Header.Get("X-Tubekeeper-Secret"))
		mu.Unlock()
		rw.WriteHeader(http.StatusNoContent)
	}))
	defer hook.Close()

	before := domain.Check{ID: "chk-1", DealID: 3, Status: domain.StatusOffChainCheck}
	if err := w.Append(ctx, events.Event{Type: events.CheckCreated, Check: &before}); err != nil {
		t.Fatalf("append: %v", err)
	}

	d := NewWebhookDispatcher(r, []config.WebhookConfig{{
		URL:    hook.URL,
		Events: []string{events.CheckCompleted},
		Secret: "s3cret",
	}}, nil)
	d.DispatchAll(ctx)

	done := domain.Check{ID: "chk-1", DealID: 3, Status: domain.StatusCompleted}
	for _, evt := range []events.Event{
		{Type: events.CheckUpdated, Check: &before},
		{Type: events.CheckCompleted, Check: &done},
	} {
		evt := evt
		if err := w.Append(ctx, evt); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	d.DispatchAll(ctx)

	mu.Lock()
	if len(received) != 1 || received[0] != events.CheckCompleted || secrets[0] != "s3cret" {
		t.Fatalf("unexpected deliveries %v %v", received, secrets)
	}
	mu.Unlock()
	cursor, err := r.WebhookCursor(ctx, hook.URL)
	if err != nil || cursor != 3 {
		t.Fatalf("cursor = %d, %v", cursor, err)
	}
}
