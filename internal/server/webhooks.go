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
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"draftline/internal/config"
	"draftline/internal/domain"
	"draftline/internal/engine"
)

const (
	webhookPollInterval   = 2 * time.Second
	webhookDefaultTimeout = 5 * time.Second
	webhookBatchSize      = 100
)

// hookTarget is one configured webhook with its own client and delivery cursor.
type hookTarget struct {
	cfg    config.WebhookConfig
	client *http.Client
	filter eventFilter

	mu     sync.Mutex
	cursor int64
	primed bool
}

type webhookDispatcher struct {
	engine  engine.Engine
	project string
	targets []*hookTarget
}

// startWebhookDispatcher begins background delivery of events to the
// configured webhook URLs. Delivery starts at the log head: events appended
// before the server started are not replayed.
func startWebhookDispatcher(e engine.Engine) {
	if e.Config == nil {
		return
	}
	projectID := strings.TrimSpace(e.Config.Project.ID)
	if projectID == "" {
		return
	}
	var targets []*hookTarget
	for _, hook := range e.Config.Webhooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		timeout := webhookDefaultTimeout
		if hook.TimeoutSeconds > 0 {
			timeout = time.Duration(hook.TimeoutSeconds) * time.Second
		}
		targets = append(targets, &hookTarget{
			cfg:    hook,
			client: &http.Client{Timeout: timeout},
			filter: newEventFilter(hook.Events),
		})
	}
	if len(targets) == 0 {
		return
	}
	d := &webhookDispatcher{engine: e, project: projectID, targets: targets}
	go d.run()
}

func (d *webhookDispatcher) run() {
	ticker := time.NewTicker(webhookPollInterval)
	defer ticker.Stop()
	for {
		for _, t := range d.targets {
			d.drain(t)
		}
		<-ticker.C
	}
}

// drain pushes undelivered events to one target, stopping on the first
// delivery failure so the cursor never skips an event.
func (d *webhookDispatcher) drain(t *hookTarget) {
	ctx := context.Background()
	cursor, ok := d.primeCursor(ctx, t)
	if !ok {
		return
	}
	events, err := d.engine.Repo.EventsAfter(ctx, webhookBatchSize, cursor, d.project)
	if err != nil {
		log.Printf("webhook: fetch events failed: %v", err)
		return
	}
	for _, evt := range events {
		if t.filter.match(evt.Type) {
			if err := d.deliver(ctx, t, evt); err != nil {
				log.Printf("webhook: deliver to %s failed: %v", t.cfg.URL, err)
				return
			}
		}
		t.mu.Lock()
		t.cursor = evt.ID
		t.mu.Unlock()
	}
}

func (d *webhookDispatcher) primeCursor(ctx context.Context, t *hookTarget) (int64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.primed {
		head, err := d.engine.Repo.LatestEventID(ctx, d.project)
		if err != nil {
			log.Printf("webhook: init cursor failed: %v", err)
			return 0, false
		}
		t.cursor = head
		t.primed = true
	}
	return t.cursor, true
}

type webhookEvent struct {
	ID         int64           `json:"id"`
	Type       string          `json:"type"`
	ProjectID  string          `json:"project_id"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	ActorID    string          `json:"actor_id"`
	TS         string          `json:"ts"`
	Payload    json.RawMessage `json:"payload"`
}

func (d *webhookDispatcher) deliver(ctx context.Context, t *hookTarget, evt domain.Event) error {
	payload := json.RawMessage("{}")
	if evt.Payload != "" && json.Valid([]byte(evt.Payload)) {
		payload = json.RawMessage(evt.Payload)
	}
	data, err := json.Marshal(webhookEvent{
		ID:         evt.ID,
		Type:       evt.Type,
		ProjectID:  evt.ProjectID,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		ActorID:    evt.ActorID,
		TS:         evt.TS,
		Payload:    payload,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.cfg.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Draftline-Event", evt.Type)
	req.Header.Set("X-Draftline-Delivery", fmt.Sprintf("%d", evt.ID))
	req.Header.Set("X-Draftline-Project", d.project)
	if secret := strings.TrimSpace(t.cfg.Secret); secret != "" {
		req.Header.Set("X-Draftline-Signature", "sha256="+signPayload(secret, data))
	}
	res, err := t.client.Do(req)
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

// signPayload computes the hex HMAC-SHA256 of the delivery body so receivers
// can verify origin without the secret ever crossing the wire.
func signPayload(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// eventFilter matches event types, supporting trailing-wildcard entries like
// "draft.*". An empty list matches everything.
type eventFilter struct {
	all      bool
	exact    map[string]struct{}
	prefixes []string
}

func newEventFilter(events []string) eventFilter {
	f := eventFilter{exact: make(map[string]struct{})}
	for _, evt := range events {
		key := strings.TrimSpace(evt)
		switch {
		case key == "":
		case key == "*":
			f.all = true
		case strings.HasSuffix(key, ".*"):
			f.prefixes = append(f.prefixes, strings.TrimSuffix(key, "*"))
		default:
			f.exact[key] = struct{}{}
		}
	}
	if len(f.exact) == 0 && len(f.prefixes) == 0 {
		f.all = true
	}
	return f
}

func (f eventFilter) match(evt string) bool {
	if f.all {
		return true
	}
	if _, ok := f.exact[evt]; ok {
		return true
	}
	for _, p := range f.prefixes {
		if strings.HasPrefix(evt, p) {
			return true
		}
	}
	return false
}
