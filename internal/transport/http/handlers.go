package http

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/apache/qakka/internal/consumer"
	"github.com/apache/qakka/internal/qservice"
	"github.com/apache/qakka/internal/registry"
)

// validName returns true when name is safe to use as a path component.
// It rejects strings that are empty, too long, or that could be used for
// path-traversal (e.g. "..", "../foo", leading "/" or "\").
func validName(s string) bool {
	if s == "" || len(s) > 128 {
		return false
	}
	if strings.ContainsAny(s, "/\\\x00") {
		return false
	}
	if s == "." || s == ".." {
		return false
	}
	return true
}

// Handler groups all HTTP request handlers around a Service.
type Handler struct {
	service  *qservice.Service
	consumer *consumer.Manager
}

// ─── DTOs ─────────────────────────────────────────────────────────────────────

type createQueueReq struct {
	RegionsReplicated []string `json:"regions_replicated"`
	InflightTimeoutMs int64    `json:"inflight_timeout_ms"`
	DeliveryDelayMs   int64    `json:"delivery_delay_ms"`
	ShardMaxSize      int64    `json:"shard_max_size"`
}

type queueListResp struct {
	Queues []string `json:"queues"`
}

type sendReq struct {
	ContentType string `json:"content_type"`
	Body        string `json:"body"` // base64-encoded
}

type sendResp struct {
	MessageID string `json:"message_id"`
}

type leasedMessage struct {
	QueueMessageID string `json:"queue_message_id"`
	MessageID      string `json:"message_id"`
	ContentType    string `json:"content_type"`
	Body           string `json:"body"` // base64
}

type getNextResp struct {
	Messages []leasedMessage `json:"messages"`
}

type auditEntryResp struct {
	MessageID string `json:"message_id"`
	QueueName string `json:"queue_name"`
	Action    string `json:"action"`
	Status    string `json:"status"`
	Timestamp int64  `json:"timestamp"`
	Error     string `json:"error,omitempty"`
}

type subscribeReq struct {
	URL    string `json:"url"`
	Secret string `json:"secret"`
}

type subscribeResp struct {
	ID string `json:"id"`
}

type healthResp struct {
	Status   string `json:"status"`
	Uptime   string `json:"uptime"`
	UptimeMs int64  `json:"uptime_ms"`
}

// ─── Health ───────────────────────────────────────────────────────────────────

var startTime = time.Now()

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	elapsed := time.Since(startTime)
	writeJSON(w, http.StatusOK, healthResp{
		Status:   "ok",
		Uptime:   elapsed.Round(time.Second).String(),
		UptimeMs: elapsed.Milliseconds(),
	})
}

// ─── Queue management ─────────────────────────────────────────────────────────

func (h *Handler) createQueue(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if !validName(name) || !registry.ValidateName(name) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid queue name"})
		return
	}

	var req createQueueReq
	if !decodeJSON(w, r, &req) {
		return
	}

	def := &registry.QueueDef{
		Name:              name,
		ReplicaRegions:    req.RegionsReplicated,
		InflightTimeoutMs: req.InflightTimeoutMs,
		DeliveryDelayMs:   req.DeliveryDelayMs,
		ShardMaxSize:      req.ShardMaxSize,
	}
	if err := h.service.CreateQueue(def); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"status": "created"})
}

func (h *Handler) listQueues(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, queueListResp{Queues: h.service.ListQueues()})
}

func (h *Handler) deleteQueue(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if !validName(name) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid queue name"})
		return
	}
	if err := h.service.DeleteQueue(name); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ─── Send ─────────────────────────────────────────────────────────────────────

func (h *Handler) sendMessage(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if !validName(name) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid queue name"})
		return
	}

	var req sendReq
	if !decodeJSON(w, r, &req) {
		return
	}

	body, err := base64.StdEncoding.DecodeString(req.Body)
	if err != nil {
		body = []byte(req.Body)
	}
	contentType := req.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	messageID, err := h.service.SendMessage(name, contentType, body)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sendResp{MessageID: messageID})
}

// ─── Get next messages ────────────────────────────────────────────────────────

func (h *Handler) getNextMessages(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if !validName(name) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid queue name"})
		return
	}

	n := 1
	if v := r.URL.Query().Get("n"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			n = parsed
		}
	}

	leased, err := h.service.GetNextMessages(name, n)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, getNextResp{Messages: mapLeased(leased)})
}

// ─── Ack / Nack ───────────────────────────────────────────────────────────────

func (h *Handler) ackMessage(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	qmid := r.PathValue("qmid")
	if err := h.service.AckMessage(name, qmid); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) nackMessage(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	qmid := r.PathValue("qmid")
	if err := h.service.NackMessage(name, qmid); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ─── Audit ────────────────────────────────────────────────────────────────────

func (h *Handler) getAuditLogs(w http.ResponseWriter, r *http.Request) {
	messageID := r.PathValue("message_id")
	entries, err := h.service.GetAuditLogs(messageID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	out := make([]auditEntryResp, 0, len(entries))
	for _, e := range entries {
		out = append(out, auditEntryResp{
			MessageID: e.MessageID,
			QueueName: e.QueueName,
			Action:    e.Action.String(),
			Status:    e.Status.String(),
			Timestamp: e.Timestamp,
			Error:     e.Error,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": out})
}

// ─── Subscriptions (webhook) ──────────────────────────────────────────────────

func (h *Handler) createSubscription(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if !validName(name) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid queue name"})
		return
	}

	var req subscribeReq
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.URL == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "url is required"})
		return
	}
	if !validWebhookURL(req.URL) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "url must be an http or https URL"})
		return
	}

	id, err := h.consumer.Register(name, req.URL, req.Secret)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusCreated, subscribeResp{ID: id})
}

func (h *Handler) deleteSubscription(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.consumer.Deregister(id); err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ─── Helpers ──────────────────────────────────────────────────────────────────

func mapLeased(in []qservice.LeasedMessage) []leasedMessage {
	out := make([]leasedMessage, 0, len(in))
	for _, m := range in {
		out = append(out, leasedMessage{
			QueueMessageID: m.QueueMessageID,
			MessageID:      m.MessageID,
			ContentType:    m.ContentType,
			Body:           base64.StdEncoding.EncodeToString(m.Body),
		})
	}
	return out
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

// writeServiceError maps qservice's exit-taxonomy sentinels to HTTP status
// codes, per the governing status mapping (SUCCESS→2xx, BAD_REQUEST→400,
// NOT_FOUND→404, QUEUE_BUSY→429, TIMEOUT→504, INTERNAL_ERROR→500).
func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, qservice.ErrBadRequest):
		writeError(w, http.StatusBadRequest, err)
	case errors.Is(err, qservice.ErrNotFound):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, qservice.ErrQueueBusy):
		writeError(w, http.StatusTooManyRequests, err)
	case errors.Is(err, qservice.ErrTimeout):
		writeError(w, http.StatusGatewayTimeout, err)
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json: " + err.Error()})
		return false
	}
	return true
}

// validWebhookURL checks that the target URL is a plain http or https address.
// This prevents SSRF via other URI schemes (file://, ftp://, gopher://, etc.).
func validWebhookURL(raw string) bool {
	u, err := url.ParseRequestURI(raw)
	if err != nil {
		return false
	}
	scheme := strings.ToLower(u.Scheme)
	return scheme == "http" || scheme == "https"
}
