package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/tverne/souk/internal/config"
	"github.com/tverne/souk/internal/dedup"
	"github.com/tverne/souk/internal/dispatch"
	"github.com/tverne/souk/internal/policy"
)

var (
	sellerAddr  = "0xaaaa567890abcdef1234567890abcdef12345678"
	bidderAddr  = "0xbbbb567890abcdef1234567890abcdef12345678"
	listingHash = strings.Repeat("2b", 32)
)

const adminSecret = "test-admin-secret"

func newTestServer(t *testing.T) *Server {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := &config.Config{
		Port:        "0",
		Env:         "development",
		LogLevel:    "error",
		NodeAddress: sellerAddr,
		AdminSecret: adminSecret,
		// High enough that tests never trip the limiter.
		RateLimitRPS: 1000,
	}
	s, err := New(cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return s
}

func doJSON(t *testing.T, s *Server, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	s.Router().ServeHTTP(w, req)
	return w
}

// submitMessage posts one message and returns the dispatch result.
func submitMessage(t *testing.T, s *Server, msgType, sender, nonce, payload string) dispatch.Result {
	t.Helper()
	body := fmt.Sprintf(`{"type":%q,"sender":%q,"nonce":%q,"payload":%s}`, msgType, sender, nonce, payload)
	w := doJSON(t, s, "POST", "/v1/messages", body, nil)
	if w.Code != http.StatusAccepted {
		t.Fatalf("submit %s: status = %d, body = %s", msgType, w.Code, w.Body.String())
	}
	var resp struct {
		Result dispatch.Result `json:"result"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	return resp.Result
}

func TestHealthEndpoints(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(t, s, "GET", "/healthz", "", nil)
	if w.Code != http.StatusOK {
		t.Errorf("healthz status = %d, want 200", w.Code)
	}

	// Ready flips only once Run has started.
	w = doJSON(t, s, "GET", "/readyz", "", nil)
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("readyz before Run: status = %d, want 503", w.Code)
	}

	s.ready.Store(true)
	w = doJSON(t, s, "GET", "/readyz", "", nil)
	if w.Code != http.StatusOK {
		t.Errorf("readyz after ready: status = %d, want 200", w.Code)
	}
}

func TestMessageLifecycleOverHTTP(t *testing.T) {
	s := newTestServer(t)

	listingPayload := fmt.Sprintf(`{"hash":%q,"seller":%q,"title":"rug","paymentInfo":{"escrowType":"direct"}}`,
		listingHash, sellerAddr)
	res := submitMessage(t, s, "ListingItemAdd", sellerAddr, "n1", listingPayload)
	if res.Outcome != dedup.OutcomeAccepted {
		t.Fatalf("listing outcome = %s, want accepted", res.Outcome)
	}

	w := doJSON(t, s, "GET", "/v1/listings/"+listingHash, "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get listing: status = %d", w.Code)
	}

	bidPayload := fmt.Sprintf(`{"listingHash":%q,"bidder":%q}`, listingHash, bidderAddr)
	bidRes := submitMessage(t, s, "Bid", bidderAddr, "n2", bidPayload)

	acceptPayload := fmt.Sprintf(`{"bidHash":%q}`, bidRes.AggregateHash)
	acceptRes := submitMessage(t, s, "AcceptBid", sellerAddr, "n3", acceptPayload)
	orderHash := acceptRes.AggregateHash

	lockPayload := fmt.Sprintf(`{"orderHash":%q}`, orderHash)
	lockRes := submitMessage(t, s, "LockEscrow", bidderAddr, "n4", lockPayload)
	if lockRes.Status != string(policy.OrderEscrowLocked) {
		t.Errorf("status after lock = %s, want ESCROW_LOCKED", lockRes.Status)
	}

	// Shipping is an operator action, not a message.
	shipPath := "/v1/orders/" + orderHash + "/ship"

	w = doJSON(t, s, "POST", shipPath, "", nil)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("ship without secret: status = %d, want 401", w.Code)
	}

	w = doJSON(t, s, "POST", shipPath, "", map[string]string{"X-Admin-Secret": adminSecret})
	if w.Code != http.StatusOK {
		t.Fatalf("ship: status = %d, body = %s", w.Code, w.Body.String())
	}

	relPayload := fmt.Sprintf(`{"orderHash":%q}`, orderHash)
	relRes := submitMessage(t, s, "ReleaseEscrow", bidderAddr, "n5", relPayload)
	if relRes.Status != string(policy.OrderComplete) {
		t.Errorf("status after release = %s, want COMPLETE", relRes.Status)
	}

	w = doJSON(t, s, "GET", "/v1/parties/"+bidderAddr+"/orders", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("list orders: status = %d", w.Code)
	}
	var listResp struct {
		Count int `json:"count"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &listResp); err != nil {
		t.Fatalf("decode order list: %v", err)
	}
	if listResp.Count != 1 {
		t.Errorf("order count = %d, want 1", listResp.Count)
	}
}

func TestDuplicateDeliveryReturnsAccepted(t *testing.T) {
	s := newTestServer(t)

	payload := fmt.Sprintf(`{"hash":%q,"seller":%q,"paymentInfo":{"escrowType":"direct"}}`, listingHash, sellerAddr)
	body := fmt.Sprintf(`{"type":"ListingItemAdd","sender":%q,"nonce":"n1","payload":%s}`, sellerAddr, payload)

	w := doJSON(t, s, "POST", "/v1/messages", body, nil)
	if w.Code != http.StatusAccepted {
		t.Fatalf("first delivery: status = %d", w.Code)
	}

	w = doJSON(t, s, "POST", "/v1/messages", body, nil)
	if w.Code != http.StatusAccepted {
		t.Fatalf("redelivery: status = %d", w.Code)
	}
	var resp struct {
		Result dispatch.Result `json:"result"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if resp.Result.Outcome != dedup.OutcomeDuplicate {
		t.Errorf("outcome = %s, want duplicate_ignored", resp.Result.Outcome)
	}
}

func TestMalformedMessageRejected(t *testing.T) {
	s := newTestServer(t)

	body := fmt.Sprintf(`{"type":"Teleport","sender":%q,"nonce":"n1","payload":{}}`, sellerAddr)
	w := doJSON(t, s, "POST", "/v1/messages", body, nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("unknown type: status = %d, want 400", w.Code)
	}

	body = fmt.Sprintf(`{"type":"ListingItemAdd","sender":%q,"nonce":"n2","payload":{"hash":"short","seller":%q,"paymentInfo":{"escrowType":"direct"}}}`,
		sellerAddr, sellerAddr)
	w = doJSON(t, s, "POST", "/v1/messages", body, nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("malformed payload: status = %d, want 400", w.Code)
	}
}

func TestWebhookRegistrationOverHTTP(t *testing.T) {
	s := newTestServer(t)

	body := `{"url":"https://example.com/hook","kinds":["order.created"]}`
	w := doJSON(t, s, "POST", "/v1/webhooks", body, nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("create webhook: status = %d, body = %s", w.Code, w.Body.String())
	}
	var resp struct {
		Webhook struct {
			ID string `json:"id"`
		} `json:"webhook"`
		Secret string `json:"secret"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode webhook: %v", err)
	}
	if resp.Secret == "" {
		t.Error("expected secret in creation response")
	}

	w = doJSON(t, s, "DELETE", "/v1/webhooks/"+resp.Webhook.ID, "", nil)
	if w.Code != http.StatusOK && w.Code != http.StatusNoContent {
		t.Errorf("delete webhook: status = %d", w.Code)
	}
}

func TestRPCEndpointMounted(t *testing.T) {
	s := newTestServer(t)

	body := fmt.Sprintf(`{"jsonrpc":"2.0","method":"market_getListing","params":[{"hash":%q}],"id":1}`, listingHash)
	w := doJSON(t, s, "POST", "/rpc", body, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("rpc: status = %d", w.Code)
	}
	var resp struct {
		Error *struct {
			Code int `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode rpc response: %v", err)
	}
	if resp.Error == nil || resp.Error.Code != -32004 {
		t.Errorf("expected not-found error, got %+v", resp.Error)
	}
}

func TestMalformedHashParamRejected(t *testing.T) {
	s := newTestServer(t)

	for _, path := range []string{
		"/v1/listings/not-a-hash",
		"/v1/bids/xyz",
		"/v1/orders/123",
	} {
		w := doJSON(t, s, "GET", path, "", nil)
		if w.Code != http.StatusBadRequest {
			t.Errorf("GET %s: status = %d, want 400", path, w.Code)
		}
	}
}
