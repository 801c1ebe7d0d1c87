package server

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"medshare/internal/config"
	"medshare/internal/domain"
	"medshare/internal/engine"
	"medshare/internal/repo"
)

const (
	defaultWebhookInterval = 2 * time.Second
	defaultWebhookTimeout  = 5 * time.Second
	defaultWebhookBatch    = 100
)

// WebhookDispatcher polls the event log and POSTs new entries to each
// configured hook, oldest first. A failed delivery stops that hook's batch
// and is retried on the next tick.
type WebhookDispatcher struct {
	engine   engine.Engine
	webhooks []config.WebhookConfig
	client   *http.Client
	log      zerolog.Logger
	Interval time.Duration

	mu      sync.Mutex
	cursors map[int]string
}

// NewWebhookDispatcher returns nil when no hook is configured.
func NewWebhookDispatcher(e engine.Engine, hooks []config.WebhookConfig, log zerolog.Logger) *WebhookDispatcher {
	if len(hooks) == 0 {
		return nil
	}
	return &WebhookDispatcher{
		engine:   e,
		webhooks: hooks,
		client:   &http.Client{Timeout: defaultWebhookTimeout},
		log:      log,
		Interval: defaultWebhookInterval,
		cursors:  make(map[int]string),
	}
}

// Run delivers events until ctx is done. Events already in the log when Run
// starts are not sent.
func (d *WebhookDispatcher) Run(ctx context.Context) error {
	for i := range d.webhooks {
		if _, err := d.cursorFor(ctx, i); err != nil {
			return err
		}
	}
	ticker := time.NewTicker(d.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			d.DispatchAll(ctx)
		}
	}
}

func (d *WebhookDispatcher) DispatchAll(ctx context.Context) {
	for i, hook := range d.webhooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		d.dispatchWebhook(ctx, i, hook)
	}
}

func (d *WebhookDispatcher) dispatchWebhook(ctx context.Context, idx int, hook config.WebhookConfig) {
	cursor, err := d.cursorFor(ctx, idx)
	if err != nil {
		d.log.Warn().Err(err).Str("url", hook.URL).Msg("webhook: init cursor failed")
		return
	}
	filter := newEventFilter(hook.Events)
	for {
		page, err := d.engine.Repo.ListEvents(ctx, repo.EventFilter{Ascending: true, Limit: defaultWebhookBatch, Cursor: cursor})
		if err != nil {
			d.log.Warn().Err(err).Msg("webhook: fetch events failed")
			return
		}
		for i, evt := range page.Items {
			if filter.match(evt.Type) {
				if err := d.postEvent(ctx, hook, evt); err != nil {
					d.log.Warn().Err(err).Str("url", hook.URL).Str("event_id", evt.ID).Msg("webhook: delivery failed")
					return
				}
			}
			if i == len(page.Items)-1 {
				cursor = page.LastCursor
				d.setCursor(idx, cursor)
			}
		}
		if page.NextCursor == "" {
			return
		}
	}
}

// cursorFor starts a hook at the newest event so a restart does not replay
// the whole log.
func (d *WebhookDispatcher) cursorFor(ctx context.Context, idx int) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cur, ok := d.cursors[idx]; ok {
		return cur, nil
	}
	page, err := d.engine.Repo.ListEvents(ctx, repo.EventFilter{Limit: 1})
	if err != nil {
		return "", err
	}
	d.cursors[idx] = page.LastCursor
	return page.LastCursor, nil
}

func (d *WebhookDispatcher) setCursor(idx int, value string) {
	d.mu.Lock()
	d.cursors[idx] = value
	d.mu.Unlock()
}

type webhookEvent struct {
	ID         string         `json:"id"`
	Seq        int64          `json:"seq"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	ActorID    string         `json:"actor_id"`
	CreatedAt  time.Time      `json:"created_at"`
	Payload    map[string]any `json:"payload"`
}

// Sign returns the X-Medshare-Signature value for body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func (d *WebhookDispatcher) postEvent(ctx context.Context, hook config.WebhookConfig, evt domain.Event) error {
	payload := evt.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	data, err := json.Marshal(webhookEvent{
		ID:         evt.ID,
		Seq:        evt.Seq,
		Type:       evt.Type,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		ActorID:    evt.ActorID,
		CreatedAt:  evt.CreatedAt,
		Payload:    payload,
	})
	if err != nil {
		return err
	}
	timeout := defaultWebhookTimeout
	if hook.TimeoutSeconds > 0 {
		timeout = time.Duration(hook.TimeoutSeconds) * time.Second
	}
	client := d.client
	if timeout != d.client.Timeout {
		client = &http.Client{Timeout: timeout}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Medshare-Event", evt.Type)
	req.Header.Set("X-Medshare-Delivery", evt.ID)
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Medshare-Signature", Sign(hook.Secret, data))
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

type eventFilter struct {
	all bool
	set map[string]struct{}
}

func newEventFilter(events []string) eventFilter {
	if len(events) == 0 {
		return eventFilter{all: true}
	}
	set := make(map[string]struct{}, len(events))
	for _, evt := range events {
		key := strings.TrimSpace(evt)
		if key == "" {
			continue
		}
		set[key] = struct{}{}
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
