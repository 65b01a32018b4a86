package handler

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/deepforums/internal/config"
	"github.com/deepforums/internal/model"
	"github.com/deepforums/internal/realtime"
	"github.com/deepforums/internal/realtime/memory"
)

func TestPushSubscribeAndUnsubscribe(t *testing.T) {
	store := memory.New()
	h := NewPushHandler(store)

	body := `{"user_id":"u_b","subscription":{"endpoint":"https://push.example/1","keys":{"p256dh":"k","auth":"a"}}}`
	rec := httptest.NewRecorder()
	h.Subscribe(rec, httptest.NewRequest(http.MethodPost, "/api/push/subscribe", strings.NewReader(body)))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("subscribe status = %d: %s", rec.Code, rec.Body)
	}
	subs, _ := store.Children(context.Background(), model.PushSubscriptionsPath("u_b"), realtime.Query{})
	if len(subs) != 1 {
		t.Fatalf("stored %d subscriptions", len(subs))
	}

	rec = httptest.NewRecorder()
	h.Unsubscribe(rec, httptest.NewRequest(http.MethodDelete, "/api/push/subscribe", strings.NewReader(`{"user_id":"u_b","endpoint":"https://push.example/1"}`)))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("unsubscribe status = %d", rec.Code)
	}
	subs, _ = store.Children(context.Background(), model.PushSubscriptionsPath("u_b"), realtime.Query{})
	if len(subs) != 0 {
		t.Fatalf("left %d subscriptions", len(subs))
	}
}

func TestPushSubscribeRejectsBadInput(t *testing.T) {
	h := NewPushHandler(memory.New())
	for _, body := range []string{
		`not json`,
		`{"user_id":"","subscription":{"endpoint":"e","keys":{"p256dh":"k","auth":"a"}}}`,
		`{"user_id":"a/b","subscription":{"endpoint":"e","keys":{"p256dh":"k","auth":"a"}}}`,
		`{"user_id":"u_b","subscription":{"endpoint":"e"}}`,
	} {
		rec := httptest.NewRecorder()
		h.Subscribe(rec, httptest.NewRequest(http.MethodPost, "/api/push/subscribe", strings.NewReader(body)))
		if rec.Code != http.StatusBadRequest {
			t.Errorf("body %s: status = %d", body, rec.Code)
		}
	}
}

func TestGetPushConfig(t *testing.T) {
	cfg := &config.Config{}
	rec := httptest.NewRecorder()
	NewConfigHandler(cfg).GetPushConfig(rec, httptest.NewRequest(http.MethodGet, "/api/config/push", nil))
	if !strings.Contains(rec.Body.String(), `"enabled":false`) {
		t.Fatalf("body = %s", rec.Body)
	}

	cfg.Push.Enabled = true
	cfg.Push.VAPIDPublicKey = "pub"
	rec = httptest.NewRecorder()
	NewConfigHandler(cfg).GetPushConfig(rec, httptest.NewRequest(http.MethodGet, "/api/config/push", nil))
	if !strings.Contains(rec.Body.String(), `"vapid_public_key":"pub"`) {
		t.Fatalf("body = %s", rec.Body)
	}
}
