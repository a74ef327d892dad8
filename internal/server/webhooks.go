package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"tubekeeper/internal/config"
	"tubekeeper/internal/domain"
	"tubekeeper/internal/repo"
)

const (
	defaultWebhookInterval = 2 * time.Second
	defaultWebhookTimeout  = 5 * time.Second
	defaultWebhookBatch    = 100
)

// Journal is what the dispatcher reads deliveries from and records progress in.
type Journal interface {
	EventsAfter(ctx context.Context, limit int, cursor int64) ([]domain.JournalEntry, error)
	LatestEventID(ctx context.Context) (int64, error)
	WebhookCursor(ctx context.Context, url string) (int64, error)
	SaveWebhookCursor(ctx context.Context, url string, id int64, at time.Time) error
}

type WebhookDispatcher struct {
	journal  Journal
	webhooks []config.WebhookConfig
	client   *http.Client
	interval time.Duration
	cursors  map[string]int64
	log      *slog.Logger
	now      func() time.Time
}

func NewWebhookDispatcher(j Journal, hooks []config.WebhookConfig, logger *slog.Logger) *WebhookDispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookDispatcher{
		journal:  j,
		webhooks: hooks,
		client:   &http.Client{Timeout: defaultWebhookTimeout},
		interval: defaultWebhookInterval,
		cursors:  make(map[string]int64),
		log:      logger.With("module", "server", "layer", "webhooks"),
		now:      time.Now,
	}
}

// Run delivers journaled events until ctx is done. Delivery is in journal
// order; a failed post is retried on the next tick.
func (d *WebhookDispatcher) Run(ctx context.Context) {
	if len(d.webhooks) == 0 {
		return
	}
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		d.DispatchAll(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (d *WebhookDispatcher) DispatchAll(ctx context.Context) {
	for _, hook := range d.webhooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		d.dispatchWebhook(ctx, hook)
	}
}

func (d *WebhookDispatcher) dispatchWebhook(ctx context.Context, hook config.WebhookConfig) {
	cursor, err := d.cursorFor(ctx, hook)
	if err != nil {
		d.log.Warn("webhook cursor unavailable", "event", "webhook_cursor_failed", "url", hook.URL, "error", err)
		return
	}
	entries, err := d.journal.EventsAfter(ctx, defaultWebhookBatch, cursor)
	if err != nil {
		d.log.Warn("webhook fetch failed", "event", "webhook_fetch_failed", "error", err)
		return
	}
	if len(entries) == 0 {
		return
	}
	filter := newEventFilter(hook.Events)
	last := cursor
	defer func() {
		if last != cursor {
			d.setCursor(ctx, hook, last)
		}
	}()
	for _, evt := range entries {
		if filter.match(evt.Type) {
			if err := d.postEvent(ctx, hook, evt); err != nil {
				d.log.Warn("webhook delivery failed", "event", "webhook_delivery_failed",
					"url", hook.URL, "event_id", evt.ID, "error", err)
				return
			}
		}
		last = evt.ID
	}
}

func (d *WebhookDispatcher) cursorFor(ctx context.Context, hook config.WebhookConfig) (int64, error) {
	if cur, ok := d.cursors[hook.URL]; ok {
		return cur, nil
	}
	cur, err := d.journal.WebhookCursor(ctx, hook.URL)
	if errors.Is(err, repo.ErrNotFound) {
		// New hooks only see events journaled from now on.
		cur, err = d.journal.LatestEventID(ctx)
	}
	if err != nil {
		return 0, err
	}
	d.cursors[hook.URL] = cur
	return cur, nil
}

func (d *WebhookDispatcher) setCursor(ctx context.Context, hook config.WebhookConfig, id int64) {
	d.cursors[hook.URL] = id
	if err := d.journal.SaveWebhookCursor(ctx, hook.URL, id, d.now()); err != nil {
		d.log.Warn("webhook cursor not saved", "event", "webhook_cursor_save_failed", "url", hook.URL, "error", err)
	}
}

type webhookEvent struct {
	ID      int64           `json:"id"`
	Type    string          `json:"type"`
	CheckID string          `json:"checkId,omitempty"`
	DealID  *int64          `json:"dealId,omitempty"`
	Status  string          `json:"status,omitempty"`
	TS      string          `json:"ts"`
	Payload json.RawMessage `json:"payload"`
}

func (d *WebhookDispatcher) postEvent(ctx context.Context, hook config.WebhookConfig, evt domain.JournalEntry) error {
	payload := json.RawMessage("{}")
	if evt.Payload != "" && json.Valid([]byte(evt.Payload)) {
		payload = json.RawMessage(evt.Payload)
	}
	data, err := json.Marshal(webhookEvent{
		ID:      evt.ID,
		Type:    evt.Type,
		CheckID: evt.CheckID,
		DealID:  evt.DealID,
		Status:  evt.Status,
		TS:      evt.TS,
		Payload: payload,
	})
	if err != nil {
		return err
	}
	client := d.client
	if hook.TimeoutSeconds > 0 {
		client = &http.Client{Timeout: time.Duration(hook.TimeoutSeconds) * time.Second}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Tubekeeper-Event", evt.Type)
	req.Header.Set("X-Tubekeeper-Event-Id", fmt.Sprintf("%d", evt.ID))
	req.Header.Set("X-Tubekeeper-Delivery", uuid.NewString())
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Tubekeeper-Secret", hook.Secret)
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(bodyBytes)))
	}
	return nil
}

type eventFilter struct {
	all bool
	set map[string]struct{}
}

func newEventFilter(events []string) eventFilter {
	set := make(map[string]struct{}, len(events))
	for _, evt := range events {
		if key := strings.TrimSpace(evt); key != "" {
			set[key] = struct{}{}
		}
	}
	if len(set) == 0 {
		return eventFilter{all: true}
	}
	return eventFilter{set: set}
}

func (f eventFilter) match(evt string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[evt]
	return ok
}
