package http_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/apache/qakka/internal/audit"
	"github.com/apache/qakka/internal/config"
	"github.com/apache/qakka/internal/consumer"
	"github.com/apache/qakka/internal/metrics"
	"github.com/apache/qakka/internal/qactor"
	"github.com/apache/qakka/internal/qmsg"
	"github.com/apache/qakka/internal/qservice"
	"github.com/apache/qakka/internal/registry"
	"github.com/apache/qakka/internal/sharding"
	"github.com/apache/qakka/internal/storage/local"
	transphttp "github.com/apache/qakka/internal/transport/http"
)

// ─── helpers ─────────────────────────────────────────────────────────────────

func newTestServer(t *testing.T) http.Handler {
	t.Helper()
	cfg := &config.Config{
		Node: config.NodeConfig{DataDir: t.TempDir(), Host: "0.0.0.0", Port: 8080},
	}

	eng, err := local.Open(t.TempDir())
	if err != nil {
		t.Fatalf("local.Open: %v", err)
	}
	t.Cleanup(func() { _ = eng.Close() })

	counter := sharding.NewCounter(eng)
	strategy := sharding.NewStrategy(eng, counter)
	store := qmsg.New(eng, strategy, counter)
	auditLog := audit.New(eng)
	reg, err := registry.New(t.TempDir())
	if err != nil {
		t.Fatalf("registry.New: %v", err)
	}

	inflightMs := func(queueName string) int64 {
		if def, err := reg.Get(queueName); err == nil && def.InflightTimeoutMs > 0 {
			return def.InflightTimeoutMs
		}
		return 30_000
	}
	helper := qactor.NewHelper(store, auditLog, inflightMs)
	router := qactor.NewRouter(helper)
	t.Cleanup(router.StopAll)

	svc := qservice.New(reg, router, store, auditLog, "local")
	cm := consumer.NewManager(svc)
	t.Cleanup(cm.Close)

	srv := transphttp.New(svc, cm, cfg, &metrics.Registry{})
	return srv.Handler()
}

func doRequest(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reqBody bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&reqBody).Encode(body); err != nil {
			t.Fatalf("encode request body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &reqBody)
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decodeResp(t *testing.T, rr *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.NewDecoder(rr.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v, body: %s", err, rr.Body.String())
	}
}

// ─── Health ───────────────────────────────────────────────────────────────────

func TestHTTP_Health(t *testing.T) {
	h := newTestServer(t)
	rr := doRequest(t, h, "GET", "/health", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("health: want 200, got %d — body: %s", rr.Code, rr.Body)
	}
	var resp map[string]any
	decodeResp(t, rr, &resp)
	if resp["status"] != "ok" {
		t.Errorf("health status: want ok, got %v", resp["status"])
	}
}

// ─── Queue management ─────────────────────────────────────────────────────────

func TestHTTP_CreateQueue_ListQueues(t *testing.T) {
	h := newTestServer(t)

	rr := doRequest(t, h, "POST", "/queues/jobs", map[string]any{})
	if rr.Code != http.StatusCreated {
		t.Fatalf("createQueue: want 201, got %d — body: %s", rr.Code, rr.Body)
	}

	rr = doRequest(t, h, "GET", "/queues", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("listQueues: want 200, got %d", rr.Code)
	}

	var listResp struct {
		Queues []string `json:"queues"`
	}
	decodeResp(t, rr, &listResp)
	found := false
	for _, q := range listResp.Queues {
		if q == "jobs" {
			found = true
		}
	}
	if !found {
		t.Errorf("jobs not found in list: %v", listResp.Queues)
	}
}

func TestHTTP_DeleteQueue(t *testing.T) {
	h := newTestServer(t)

	doRequest(t, h, "POST", "/queues/temp", map[string]any{})
	rr := doRequest(t, h, "DELETE", "/queues/temp", nil)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("deleteQueue: want 204, got %d", rr.Code)
	}
}

func TestHTTP_CreateQueue_InvalidName(t *testing.T) {
	h := newTestServer(t)

	cases := []struct {
		path string
		desc string
	}{
		{"/queues/Order", "uppercase queue name"},
		{"/queues/my_q", "underscore in queue name"},
	}
	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			rr := doRequest(t, h, "POST", tc.path, map[string]any{})
			if rr.Code != http.StatusBadRequest {
				t.Errorf("%s: want 400, got %d — body: %s", tc.desc, rr.Code, rr.Body)
			}
		})
	}
}

// ─── Send ─────────────────────────────────────────────────────────────────────

func TestHTTP_SendMessage(t *testing.T) {
	h := newTestServer(t)
	doRequest(t, h, "POST", "/queues/orders", map[string]any{})

	rr := doRequest(t, h, "POST", "/queues/orders/messages", map[string]any{
		"content_type": "text/plain",
		"body":         "hello world",
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("send: want 201, got %d — body: %s", rr.Code, rr.Body)
	}

	var resp struct {
		MessageID string `json:"message_id"`
	}
	decodeResp(t, rr, &resp)
	if resp.MessageID == "" {
		t.Error("expected non-empty message_id")
	}
}

func TestHTTP_SendMessage_UnknownQueue(t *testing.T) {
	h := newTestServer(t)
	rr := doRequest(t, h, "POST", "/queues/missing/messages", map[string]any{"body": "x"})
	if rr.Code != http.StatusNotFound {
		t.Fatalf("send to unknown queue: want 404, got %d — body: %s", rr.Code, rr.Body)
	}
}

// ─── getNextMessages ──────────────────────────────────────────────────────────

func TestHTTP_GetNextMessages(t *testing.T) {
	h := newTestServer(t)
	doRequest(t, h, "POST", "/queues/orders", map[string]any{})
	doRequest(t, h, "POST", "/queues/orders/messages", map[string]any{"body": "test"})

	rr := doRequest(t, h, "GET", "/queues/orders/messages?n=1", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("getNextMessages: want 200, got %d — body: %s", rr.Code, rr.Body)
	}

	var resp struct {
		Messages []struct {
			QueueMessageID string `json:"queue_message_id"`
		} `json:"messages"`
	}
	decodeResp(t, rr, &resp)
	if len(resp.Messages) != 1 {
		t.Fatalf("getNextMessages: want 1 message, got %d", len(resp.Messages))
	}
	if resp.Messages[0].QueueMessageID == "" {
		t.Error("expected non-empty queue_message_id")
	}
}

// ─── Ack / Nack ───────────────────────────────────────────────────────────────

func leaseOne(t *testing.T, h http.Handler, queue string) string {
	t.Helper()
	doRequest(t, h, "POST", "/queues/"+queue+"/messages", map[string]any{"body": "x"})

	var resp struct {
		Messages []struct {
			QueueMessageID string `json:"queue_message_id"`
		} `json:"messages"`
	}
	rr := doRequest(t, h, "GET", "/queues/"+queue+"/messages?n=1", nil)
	decodeResp(t, rr, &resp)
	if len(resp.Messages) == 0 {
		t.Fatal("expected at least one leased message")
	}
	return resp.Messages[0].QueueMessageID
}

func TestHTTP_Ack(t *testing.T) {
	h := newTestServer(t)
	doRequest(t, h, "POST", "/queues/orders", map[string]any{})
	qmid := leaseOne(t, h, "orders")

	rr := doRequest(t, h, "POST", "/queues/orders/messages/"+qmid+"/ack", nil)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("ack: want 204, got %d — body: %s", rr.Code, rr.Body)
	}
}

func TestHTTP_Ack_UnknownQueueMessageID(t *testing.T) {
	h := newTestServer(t)
	doRequest(t, h, "POST", "/queues/orders", map[string]any{})

	rr := doRequest(t, h, "POST", "/queues/orders/messages/nonexistent/ack", nil)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("ack unknown: want 400, got %d", rr.Code)
	}
}

func TestHTTP_Nack(t *testing.T) {
	h := newTestServer(t)
	doRequest(t, h, "POST", "/queues/orders", map[string]any{})
	qmid := leaseOne(t, h, "orders")

	rr := doRequest(t, h, "POST", "/queues/orders/messages/"+qmid+"/nack", nil)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("nack: want 204, got %d — body: %s", rr.Code, rr.Body)
	}
}

// ─── Audit ────────────────────────────────────────────────────────────────────

func TestHTTP_GetAuditLogs(t *testing.T) {
	h := newTestServer(t)
	doRequest(t, h, "POST", "/queues/orders", map[string]any{})

	rr := doRequest(t, h, "POST", "/queues/orders/messages", map[string]any{"body": "x"})
	var sendResp struct {
		MessageID string `json:"message_id"`
	}
	decodeResp(t, rr, &sendResp)

	rr = doRequest(t, h, "GET", "/messages/"+sendResp.MessageID+"/audit", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("getAuditLogs: want 200, got %d — body: %s", rr.Code, rr.Body)
	}

	var auditResp struct {
		Entries []struct {
			Action string `json:"action"`
		} `json:"entries"`
	}
	decodeResp(t, rr, &auditResp)
	if len(auditResp.Entries) == 0 {
		t.Fatal("expected at least one audit entry")
	}
	if auditResp.Entries[0].Action != "SEND" {
		t.Errorf("first audit entry: want SEND, got %s", auditResp.Entries[0].Action)
	}
}
