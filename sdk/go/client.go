package tubekeepersdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal Tubekeeper HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/api",
		Timeout:  10 * time.Second,
	}
}

type ServerConfig struct {
	PollIntervalMs int64 `json:"pollIntervalMs"`
	EtagCheckCycle int   `json:"etagCheckCycle"`
	PollingEnabled bool  `json:"pollingEnabled"`
}

type CheckResult struct {
	TxHash    string `json:"txHash,omitempty"`
	ViewCount uint64 `json:"viewCount,omitempty"`
	Payout    string `json:"payout,omitempty"`
	Message   string `json:"message,omitempty"`
}

// Check mirrors the API check record.
type Check struct {
	ID          string       `json:"id"`
	DealID      uint64       `json:"dealId"`
	Type        string       `json:"type"`
	Status      string       `json:"status"`
	RoundID     *uint64      `json:"roundId,omitempty"`
	StartedAt   time.Time    `json:"startedAt"`
	CompletedAt *time.Time   `json:"completedAt,omitempty"`
	Error       string       `json:"error,omitempty"`
	ErrorKind   string       `json:"errorKind,omitempty"`
	Result      *CheckResult `json:"result,omitempty"`
}

type Snapshot struct {
	Config     ServerConfig `json:"config"`
	InFlight   []Check      `json:"inFlight"`
	History    []Check      `json:"history"`
	CycleCount uint64       `json:"cycleCount"`
	Polling    bool         `json:"polling"`
}

// JournalEntry is one persisted check event.
type JournalEntry struct {
	ID      int64           `json:"id"`
	TS      string          `json:"ts"`
	Type    string          `json:"type"`
	CheckID string          `json:"checkId,omitempty"`
	DealID  *int64          `json:"dealId,omitempty"`
	Status  string          `json:"status,omitempty"`
	Payload json.RawMessage `json:"payload"`
}

type JournalPage struct {
	Items      []JournalEntry `json:"items"`
	NextCursor string         `json:"nextCursor"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s body=%s", e.StatusCode, e.Code, e.Body)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

func (c *Client) Status(ctx context.Context) (Snapshot, error) {
	var resp Snapshot
	err := c.do(ctx, http.MethodGet, "status", nil, &resp)
	return resp, err
}

// UpdateConfig changes the fields that are non-nil.
func (c *Client) UpdateConfig(ctx context.Context, pollIntervalMs *int64, etagCheckCycle *int) (ServerConfig, error) {
	body := map[string]any{}
	if pollIntervalMs != nil {
		body["pollIntervalMs"] = *pollIntervalMs
	}
	if etagCheckCycle != nil {
		body["etagCheckCycle"] = *etagCheckCycle
	}
	var resp struct {
		Config ServerConfig `json:"config"`
	}
	err := c.do(ctx, http.MethodPost, "config", body, &resp)
	return resp.Config, err
}

// Check starts a view-count check and returns its id.
func (c *Client) Check(ctx context.Context, dealID uint64) (string, error) {
	return c.admit(ctx, fmt.Sprintf("check/%d", dealID))
}

// CheckEtag starts a tamper probe and returns its id.
func (c *Client) CheckEtag(ctx context.Context, dealID uint64) (string, error) {
	return c.admit(ctx, fmt.Sprintf("check-etag/%d", dealID))
}

func (c *Client) admit(ctx context.Context, endpoint string) (string, error) {
	var resp struct {
		CheckID string `json:"checkId"`
	}
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp.CheckID, err
}

// CheckAll returns the admitted check ids and the number of active deals.
func (c *Client) CheckAll(ctx context.Context) ([]string, int, error) {
	var resp struct {
		CheckIDs  []string `json:"checkIds"`
		DealCount int      `json:"dealCount"`
	}
	err := c.do(ctx, http.MethodPost, "check-all", nil, &resp)
	return resp.CheckIDs, resp.DealCount, err
}

func (c *Client) TogglePolling(ctx context.Context) (bool, error) {
	var resp struct {
		PollingEnabled bool `json:"pollingEnabled"`
	}
	err := c.do(ctx, http.MethodPost, "toggle-polling", nil, &resp)
	return resp.PollingEnabled, err
}

// Journal lists journal entries newest first.
func (c *Client) Journal(ctx context.Context, limit int, cursor, eventType string) (JournalPage, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	if eventType != "" {
		q.Set("type", eventType)
	}
	endpoint := "journal"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp JournalPage
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code string `json:"code"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/") + "/" + strings.Trim(c.BasePath, "/")
}
