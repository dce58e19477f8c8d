package webhooks

import (
	"context"
	"crypto/hmac"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tverne/souk/internal/events"
)

func newSub(id, address, url string, kinds ...events.Kind) *Subscription {
	return &Subscription{
		ID:        id,
		Address:   address,
		URL:       url,
		Secret:    "test-secret",
		Kinds:     kinds,
		Active:    true,
		CreatedAt: time.Now(),
	}
}

func TestDispatch_DeliversSignedPayload(t *testing.T) {
	type delivery struct {
		body      []byte
		signature string
		eventKind string
	}
	received := make(chan delivery, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		received <- delivery{
			body:      body,
			signature: r.Header.Get("X-Souk-Signature"),
			eventKind: r.Header.Get("X-Souk-Event"),
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	store := NewMemoryStore()
	store.Create(context.Background(), newSub("wh_1", "", srv.URL, events.KindBidAccepted))

	d := NewDispatcher(store)
	e := events.New(events.KindBidAccepted, "bidhash1", []string{"0xaa", "0xbb"}, "ACCEPTED", nil)
	if err := d.Dispatch(context.Background(), e); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}

	select {
	case got := <-received:
		if got.eventKind != "bid.accepted" {
			t.Errorf("X-Souk-Event = %s, want bid.accepted", got.eventKind)
		}
		want := Sign(got.body, "test-secret")
		if !hmac.Equal([]byte(got.signature), []byte(want)) {
			t.Error("signature does not verify against the delivered body")
		}
		var delivered events.Event
		if err := json.Unmarshal(got.body, &delivered); err != nil {
			t.Fatalf("payload not valid JSON: %v", err)
		}
		if delivered.AggregateHash != "bidhash1" {
			t.Errorf("aggregateHash = %s, want bidhash1", delivered.AggregateHash)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("webhook was not delivered")
	}
}

func TestDispatch_SkipsUnmatchedKind(t *testing.T) {
	hits := make(chan struct{}, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits <- struct{}{}
	}))
	defer srv.Close()

	store := NewMemoryStore()
	store.Create(context.Background(), newSub("wh_1", "", srv.URL, events.KindOrderComplete))

	d := NewDispatcher(store)
	e := events.New(events.KindBidReceived, "h", nil, "", nil)
	if err := d.Dispatch(context.Background(), e); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}

	select {
	case <-hits:
		t.Fatal("subscriber received an event kind it never asked for")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestDispatch_PartyFilter(t *testing.T) {
	hits := make(chan struct{}, 2)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits <- struct{}{}
	}))
	defer srv.Close()

	store := NewMemoryStore()
	store.Create(context.Background(), newSub("wh_1", "0xcc", srv.URL, events.KindOrderCreated))

	d := NewDispatcher(store)

	// Event that does not involve the subscriber's address.
	if err := d.Dispatch(context.Background(), events.New(events.KindOrderCreated, "h1", []string{"0xaa", "0xbb"}, "", nil)); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	select {
	case <-hits:
		t.Fatal("address-scoped subscriber received a non-party event")
	case <-time.After(200 * time.Millisecond):
	}

	// Event naming the address as a party.
	if err := d.Dispatch(context.Background(), events.New(events.KindOrderCreated, "h2", []string{"0xcc", "0xbb"}, "", nil)); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	select {
	case <-hits:
	case <-time.After(2 * time.Second):
		t.Fatal("party event was not delivered")
	}
}

func TestDispatch_InactiveSubscriptionSkipped(t *testing.T) {
	hits := make(chan struct{}, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits <- struct{}{}
	}))
	defer srv.Close()

	store := NewMemoryStore()
	sub := newSub("wh_1", "", srv.URL, events.KindBidReceived)
	sub.Active = false
	store.Create(context.Background(), sub)

	d := NewDispatcher(store)
	if err := d.Dispatch(context.Background(), events.New(events.KindBidReceived, "h", nil, "", nil)); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}

	select {
	case <-hits:
		t.Fatal("inactive subscription received an event")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestHandler_CreateListDelete(t *testing.T) {
	gin.SetMode(gin.TestMode)
	store := NewMemoryStore()
	h := NewHandler(store, false)

	router := gin.New()
	h.RegisterRoutes(router.Group("/v1"))

	// Create
	addr := "0xaaaa567890abcdef1234567890abcdef12345678"
	body := `{"url":"https://example.com/hook","kinds":["order.created"],"address":"` + addr + `"}`
	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/v1/webhooks", jsonBody(body))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)
	if w.Code != http.StatusCreated {
		t.Fatalf("create status = %d, want 201: %s", w.Code, w.Body.String())
	}
	var created struct {
		Webhook struct {
			ID string `json:"id"`
		} `json:"webhook"`
		Secret string `json:"secret"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &created); err != nil {
		t.Fatalf("create response: %v", err)
	}
	if created.Secret == "" {
		t.Error("secret not returned on creation")
	}

	// List
	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/v1/parties/"+addr+"/webhooks", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("list status = %d, want 200", w.Code)
	}
	if !json.Valid(w.Body.Bytes()) {
		t.Fatal("list response not valid JSON")
	}

	// Delete
	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("DELETE", "/v1/webhooks/"+created.Webhook.ID, nil))
	if w.Code != http.StatusOK {
		t.Fatalf("delete status = %d, want 200", w.Code)
	}

	subs, _ := store.GetByAddress(context.Background(), addr)
	if len(subs) != 0 {
		t.Errorf("subscription survived delete: %d left", len(subs))
	}
}

func TestHandler_CreateRejectsUnsafeInput(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := NewHandler(NewMemoryStore(), true)

	router := gin.New()
	h.RegisterRoutes(router.Group("/v1"))

	// IP literals and blocked hostnames keep the checks deterministic; no
	// DNS resolution is involved.
	cases := []struct {
		name string
		body string
	}{
		{"metadata IP", `{"url":"http://169.254.169.254/hook","kinds":["order.created"]}`},
		{"loopback IP", `{"url":"http://127.0.0.1:9/hook","kinds":["order.created"]}`},
		{"private IP", `{"url":"http://10.0.0.5/hook","kinds":["order.created"]}`},
		{"localhost", `{"url":"http://localhost:9/hook","kinds":["order.created"]}`},
		{"bad scheme", `{"url":"ftp://example.com/hook","kinds":["order.created"]}`},
		{"bad address", `{"url":"http://198.51.100.7/hook","kinds":["order.created"],"address":"0xzz"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			req := httptest.NewRequest("POST", "/v1/webhooks", jsonBody(tc.body))
			req.Header.Set("Content-Type", "application/json")
			router.ServeHTTP(w, req)
			if w.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400: %s", w.Code, w.Body.String())
			}
		})
	}
}

func jsonBody(s string) io.Reader {
	return strings.NewReader(s)
}
