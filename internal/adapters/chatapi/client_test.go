package chatapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"waitline/internal/dispatch"
	"waitline/internal/flow"
	logx "waitline/pkg/logx"
)

func newTestClient(t *testing.T, url string) *Client {
	t.Helper()
	c, err := New(Config{
		BaseURL:            url,
		Token:              "test-token",
		RatePerSec:         1000,
		BreakerMaxFailures: 3,
		BreakerOpenFor:     time.Minute,
	}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func testContact() flow.Contact {
	return flow.Contact{ID: "c1", Name: "Ana", Phone: "5511999990000", SectorID: "triage"}
}

func TestFetchWaiting(t *testing.T) {
	t.Parallel()
	since := time.Date(2025, 3, 10, 9, 30, 0, 0, time.UTC)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/queue/waiting" || r.Method != http.MethodGet {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-token" {
			t.Errorf("auth header = %q", got)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"contacts": []map[string]any{
				{
					"id": "c1", "name": "Ana", "phone": "5511999990000",
					"sector_id": "triage", "channel_id": "wa1",
					"channel_category": "whatsapp", "waiting_since": since,
				},
			},
		})
	}))
	defer server.Close()

	got, err := newTestClient(t, server.URL).FetchWaiting(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("contacts = %d, want 1", len(got))
	}
	c := got[0]
	if c.ID != "c1" || c.SectorID != "triage" || !c.WaitingSince.Equal(since) {
		t.Fatalf("contact = %+v", c)
	}
}

func TestSendPostsTemplate(t *testing.T) {
	t.Parallel()
	var got map[string]string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/messages/template" || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	if err := newTestClient(t, server.URL).Send(context.Background(), testContact(), "tpl-wait"); err != nil {
		t.Fatal(err)
	}
	if got["contact_id"] != "c1" || got["template"] != "tpl-wait" {
		t.Fatalf("payload = %v", got)
	}
}

func TestServerErrorIsTransient(t *testing.T) {
	t.Parallel()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"boom"}`, http.StatusBadGateway)
	}))
	defer server.Close()

	err := newTestClient(t, server.URL).Send(context.Background(), testContact(), "tpl")
	if err == nil {
		t.Fatal("want error")
	}
	if !dispatch.IsTransient(err) {
		t.Fatalf("5xx should be transient, got %v", err)
	}
}

func TestClientErrorIsPermanent(t *testing.T) {
	t.Parallel()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"unknown contact"}`, http.StatusUnprocessableEntity)
	}))
	defer server.Close()

	err := newTestClient(t, server.URL).Send(context.Background(), testContact(), "tpl")
	if err == nil {
		t.Fatal("want error")
	}
	if dispatch.IsTransient(err) {
		t.Fatalf("422 should be permanent, got %v", err)
	}
	if !dispatch.IsNoRetry(err) {
		t.Fatalf("422 should be marked no-retry, got %v", err)
	}
}

func TestRateLimitCarriesRetryAfter(t *testing.T) {
	t.Parallel()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		http.Error(w, `{"error":"slow down"}`, http.StatusTooManyRequests)
	}))
	defer server.Close()

	err := newTestClient(t, server.URL).Send(context.Background(), testContact(), "tpl")
	var ra dispatch.RetryAfterError
	if !errors.As(err, &ra) {
		t.Fatalf("429 should carry a hint, got %v", err)
	}
	if ra.RetryAfter() != 7*time.Second {
		t.Fatalf("hint = %s, want 7s", ra.RetryAfter())
	}
	if !dispatch.IsTransient(err) {
		t.Fatal("429 should be transient")
	}
}

func TestBreakerOpensAfterConsecutiveServerErrors(t *testing.T) {
	t.Parallel()
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "down", http.StatusInternalServerError)
	}))
	defer server.Close()

	c := newTestClient(t, server.URL)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := c.Send(ctx, testContact(), "tpl"); err == nil {
			t.Fatal("want error")
		}
	}
	before := hits.Load()

	// Breaker is open now: the request must not reach the server, and the
	// failure must stay retryable so the orchestrator backs off.
	err := c.Send(ctx, testContact(), "tpl")
	if err == nil {
		t.Fatal("want error from open breaker")
	}
	if !dispatch.IsTransient(err) {
		t.Fatalf("open breaker should be transient, got %v", err)
	}
	if hits.Load() != before {
		t.Fatal("open breaker let a request through")
	}
}
