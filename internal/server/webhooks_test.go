package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"promptline/internal/config"
	"promptline/internal/db"
	"promptline/internal/events"
	"promptline/internal/migrate"
	"promptline/internal/repo"
)

func TestWebhookDispatcherDeliversNewMatchingEvents(t *testing.T) {
	ctx := context.Background()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer conn.Close()
	if _, err := migrate.Migrate(ctx, conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	w := events.Writer{DB: conn}
	if err := w.Append(ctx, events.SubmissionAccepted, "grok", events.EntitySubmission, "old", "ann", nil); err != nil {
		t.Fatalf("append: %v", err)
	}

	var (
		mu       sync.Mutex
		received []webhookEvent
		secrets  []string
	)
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var evt webhookEvent
		if err := json.NewDecoder(r.Body).Decode(&evt); err != nil {
			t.Errorf("decode webhook body: %v", err)
		}
		mu.Lock()
		received = append(received, evt)
		secrets = append(secrets, r.Header.Get("X-Promptline-Secret"))
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer hook.Close()

	d := NewWebhookDispatcher(repo.Repo{DB: conn}, []config.WebhookConfig{{
		URL:    hook.URL,
		Events: []string{events.SubmissionAccepted},
		Secret: "s3cret",
	}}, nil)

	// the first poll only positions the cursor
	d.DispatchAll(ctx)

	if err := w.Append(ctx, events.LeaseGranted, "grok", events.EntityLease, "1", "bob", nil); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := w.Append(ctx, events.SubmissionAccepted, "grok", events.EntitySubmission, "new", "bob", events.EventPayload{"word_count": 60}); err != nil {
		t.Fatalf("append: %v", err)
	}
	d.DispatchAll(ctx)
	d.DispatchAll(ctx)

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 1 {
		t.Fatalf("expected one delivery, got %d: %+v", len(received), received)
	}
	if received[0].EntityID != "new" || received[0].Model != "grok" {
		t.Fatalf("unexpected event: %+v", received[0])
	}
	if secrets[0] != "s3cret" {
		t.Fatalf("secret header not sent")
	}
	var payload map[string]any
	if err := json.Unmarshal(received[0].Payload, &payload); err != nil || payload["word_count"] != float64(60) {
		t.Fatalf("unexpected payload %s: %v", received[0].Payload, err)
	}
}
