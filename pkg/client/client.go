// Package client is the official Go SDK for the queue service (A8).
//
// # Quick start
//
//	c := client.New("http://localhost:8080")
//
//	if err := c.CreateQueue(ctx, "invoices"); err != nil {
//	    // ...
//	}
//
//	id, err := c.SendMessage(ctx, "invoices", "application/json", []byte(`{"amount":42}`))
//
//	msgs, err := c.GetNextMessages(ctx, "invoices", 10)
//	for _, m := range msgs {
//	    process(m)
//	    c.Ack(ctx, "invoices", m.QueueMessageID)
//	}
//
// # Error handling
//
// All methods return an *APIError when the server responds with a non-2xx
// status code. Declare var ae *client.APIError and check errors.As(err, &ae)
// to inspect the HTTP status and server message.
//
// # Connection reuse
//
// Client is safe for concurrent use. It shares a single http.Client internally
// so connections are reused across goroutines.
package client

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// ─── Error type ───────────────────────────────────────────────────────────────

// APIError is returned when the server responds with a non-2xx status.
type APIError struct {
	StatusCode int    // HTTP status code
	Message    string // "error" field from the JSON response body
}

func (e *APIError) Error() string {
	return fmt.Sprintf("qakka: server returned %d: %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether the error is a 404 from the server.
func IsNotFound(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.StatusCode == http.StatusNotFound
}

// IsBadRequest reports whether the error is a 400 from the server.
func IsBadRequest(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.StatusCode == http.StatusBadRequest
}

// IsQueueBusy reports whether the error is a 429 (actor mailbox full) from
// the server — callers should retry with backoff.
func IsQueueBusy(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.StatusCode == http.StatusTooManyRequests
}

// ─── Client options ───────────────────────────────────────────────────────────

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithAPIKey sets the API key sent in every request as the X-Api-Key header.
// Required when the server has auth.enabled = true.
func WithAPIKey(key string) ClientOption {
	return func(c *Client) { c.apiKey = key }
}

// WithHTTPClient replaces the default http.Client.
// Use this to configure TLS, proxies, or request tracing.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.http = hc }
}

// WithTimeout sets the per-request timeout.
// The default is 30 seconds.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.http.Timeout = d }
}

// ─── Client ───────────────────────────────────────────────────────────────────

// Client is the queue service API client. It is safe for concurrent use.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// New creates a new Client that connects to the queue server at baseURL.
//
//	c := client.New("http://localhost:8080")
//	c := client.New("http://qakka.example.com", client.WithAPIKey("secret"))
func New(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// ─── Queue options ────────────────────────────────────────────────────────────

// QueueOption configures CreateQueue.
type QueueOption func(*createQueuePayload)

// WithRegionsReplicated sets the additional regions a queue replicates into,
// beyond this server's local region.
func WithRegionsReplicated(regions ...string) QueueOption {
	return func(p *createQueuePayload) { p.RegionsReplicated = regions }
}

// WithInflightTimeout sets the lease duration granted by getNextMessages
// before a message is returned to available by the reaper.
func WithInflightTimeout(d time.Duration) QueueOption {
	return func(p *createQueuePayload) { p.InflightTimeoutMs = d.Milliseconds() }
}

// WithDeliveryDelay sets the queue's delivery_delay_ms. The server stores it
// with the queue definition; sent messages become available to lease
// immediately regardless of this value.
func WithDeliveryDelay(d time.Duration) QueueOption {
	return func(p *createQueuePayload) { p.DeliveryDelayMs = d.Milliseconds() }
}

// WithShardMaxSize sets the queue's shard_max_size. The server stores it with
// the queue definition; shard rollover uses the server's fixed threshold,
// not this value.
func WithShardMaxSize(n int64) QueueOption {
	return func(p *createQueuePayload) { p.ShardMaxSize = n }
}

// ─── Domain types ─────────────────────────────────────────────────────────────

// Message is a message received from a getNextMessages call.
type Message struct {
	// MessageID is the id assigned at send time.
	MessageID string

	// QueueMessageID must be passed to Ack or Nack to resolve this lease.
	QueueMessageID string

	// ContentType is the content type provided at send time.
	ContentType string

	// Body is the raw message payload decoded from base64.
	Body []byte
}

// AuditEntry is one row returned by GetAuditLogs.
type AuditEntry struct {
	MessageID string
	QueueName string
	Action    string
	Status    string
	Timestamp time.Time
	Error     string
}

// HealthInfo contains the data returned by the /health endpoint.
type HealthInfo struct {
	Status string
	Uptime time.Duration
}

// ─── Message operations ───────────────────────────────────────────────────────

// SendMessage sends a single message to the named queue and returns its
// generated messageId.
//
//	id, err := c.SendMessage(ctx, "invoices", "application/json", []byte(`{"amount":99}`))
func (c *Client) SendMessage(ctx context.Context, queue, contentType string, body []byte) (string, error) {
	p := sendPayload{
		ContentType: contentType,
		Body:        base64.StdEncoding.EncodeToString(body),
	}

	var resp struct {
		MessageID string `json:"message_id"`
	}
	path := fmt.Sprintf("/queues/%s/messages", queue)
	if err := c.do(ctx, http.MethodPost, path, p, &resp); err != nil {
		return "", err
	}
	return resp.MessageID, nil
}

// GetNextMessages leases up to n messages from the named queue.
// Returns an empty slice (not an error) when the queue has nothing available.
//
//	msgs, err := c.GetNextMessages(ctx, "invoices", 10)
//	for _, m := range msgs {
//	    handle(m)
//	    _ = c.Ack(ctx, "invoices", m.QueueMessageID)
//	}
func (c *Client) GetNextMessages(ctx context.Context, queue string, n int) ([]*Message, error) {
	q := url.Values{}
	if n > 0 {
		q.Set("n", strconv.Itoa(n))
	}

	path := fmt.Sprintf("/queues/%s/messages", queue)
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var resp struct {
		Messages []wireMessage `json:"messages"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}

	out := make([]*Message, 0, len(resp.Messages))
	for i := range resp.Messages {
		m, err := resp.Messages[i].toMessage()
		if err != nil {
			return nil, fmt.Errorf("qakka: decode message %d: %w", i, err)
		}
		out = append(out, m)
	}
	return out, nil
}

// Ack acknowledges successful processing of a leased message, removing its
// inflight lease permanently.
func (c *Client) Ack(ctx context.Context, queue, queueMessageID string) error {
	path := fmt.Sprintf("/queues/%s/messages/%s/ack", queue, url.PathEscape(queueMessageID))
	return c.do(ctx, http.MethodPost, path, nil, nil)
}

// Nack signals failed processing, returning the message to available
// immediately instead of waiting for its lease to expire.
func (c *Client) Nack(ctx context.Context, queue, queueMessageID string) error {
	path := fmt.Sprintf("/queues/%s/messages/%s/nack", queue, url.PathEscape(queueMessageID))
	return c.do(ctx, http.MethodPost, path, nil, nil)
}

// GetAuditLogs returns the full audit trail for a messageId, ordered oldest
// first.
func (c *Client) GetAuditLogs(ctx context.Context, messageID string) ([]*AuditEntry, error) {
	var resp struct {
		Entries []wireAuditEntry `json:"entries"`
	}
	path := fmt.Sprintf("/messages/%s/audit", url.PathEscape(messageID))
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	out := make([]*AuditEntry, len(resp.Entries))
	for i, e := range resp.Entries {
		out[i] = &AuditEntry{
			MessageID: e.MessageID,
			QueueName: e.QueueName,
			Action:    e.Action,
			Status:    e.Status,
			Timestamp: time.UnixMilli(e.Timestamp).UTC(),
			Error:     e.Error,
		}
	}
	return out, nil
}

// ─── Queue management ─────────────────────────────────────────────────────────

// CreateQueue creates a queue with optional configuration. Idempotent on
// duplicates — the server returns success without modifying the existing
// definition.
func (c *Client) CreateQueue(ctx context.Context, name string, opts ...QueueOption) error {
	p := &createQueuePayload{}
	for _, o := range opts {
		o(p)
	}
	path := fmt.Sprintf("/queues/%s", name)
	return c.do(ctx, http.MethodPost, path, p, nil)
}

// ListQueues returns the names of every registered queue.
func (c *Client) ListQueues(ctx context.Context) ([]string, error) {
	var resp struct {
		Queues []string `json:"queues"`
	}
	if err := c.do(ctx, http.MethodGet, "/queues", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Queues, nil
}

// DeleteQueue permanently removes a queue's metadata and stops its actors.
func (c *Client) DeleteQueue(ctx context.Context, name string) error {
	path := fmt.Sprintf("/queues/%s", name)
	return c.do(ctx, http.MethodDelete, path, nil, nil)
}

// ─── Webhook subscriptions ────────────────────────────────────────────────────

// Subscribe registers a webhook URL for the named queue.
// The server will POST leased messages to url as they become ready.
// secret is used to sign the request body with HMAC-SHA256 (X-Qakka-Signature).
// Set secret to "" to disable signing.
// Returns the subscription ID needed to call Unsubscribe.
func (c *Client) Subscribe(ctx context.Context, queue, webhookURL, secret string) (string, error) {
	payload := map[string]string{"url": webhookURL, "secret": secret}
	path := fmt.Sprintf("/queues/%s/subscriptions", queue)

	var resp struct {
		ID string `json:"id"`
	}
	if err := c.do(ctx, http.MethodPost, path, payload, &resp); err != nil {
		return "", err
	}
	return resp.ID, nil
}

// Unsubscribe removes a webhook subscription by its ID.
func (c *Client) Unsubscribe(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/subscriptions/"+url.PathEscape(id), nil, nil)
}

// ─── Observability ────────────────────────────────────────────────────────────

// Health checks the server's /health endpoint and returns the node's status.
func (c *Client) Health(ctx context.Context) (*HealthInfo, error) {
	var resp struct {
		Status   string `json:"status"`
		UptimeMs int64  `json:"uptime_ms"`
	}
	if err := c.do(ctx, http.MethodGet, "/health", nil, &resp); err != nil {
		return nil, err
	}
	return &HealthInfo{
		Status: resp.Status,
		Uptime: time.Duration(resp.UptimeMs) * time.Millisecond,
	}, nil
}

// ─── HTTP transport ───────────────────────────────────────────────────────────

// do performs a single HTTP request.
// body is encoded as JSON when non-nil, resp is decoded from JSON when non-nil.
// A 204 No Content response is treated as success with no body.
func (c *Client) do(ctx context.Context, method, path string, body, resp any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("qakka: marshal request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("qakka: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("X-Api-Key", c.apiKey)
	}
	req.Header.Set("Accept", "application/json")

	httpResp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("qakka: request %s %s: %w", method, path, err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode == http.StatusNoContent {
		return nil
	}

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return fmt.Errorf("qakka: read response body: %w", err)
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		var errResp struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(respBody, &errResp)
		msg := errResp.Error
		if msg == "" {
			msg = http.StatusText(httpResp.StatusCode)
		}
		return &APIError{StatusCode: httpResp.StatusCode, Message: msg}
	}

	if resp != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, resp); err != nil {
			return fmt.Errorf("qakka: decode response: %w", err)
		}
	}
	return nil
}

// ─── Internal wire types ──────────────────────────────────────────────────────

type sendPayload struct {
	ContentType string `json:"content_type,omitempty"`
	Body        string `json:"body"`
}

type createQueuePayload struct {
	RegionsReplicated []string `json:"regions_replicated,omitempty"`
	InflightTimeoutMs int64    `json:"inflight_timeout_ms,omitempty"`
	DeliveryDelayMs   int64    `json:"delivery_delay_ms,omitempty"`
	ShardMaxSize      int64    `json:"shard_max_size,omitempty"`
}

type wireMessage struct {
	QueueMessageID string `json:"queue_message_id"`
	MessageID      string `json:"message_id"`
	ContentType    string `json:"content_type"`
	Body           string `json:"body"` // base64
}

func (w *wireMessage) toMessage() (*Message, error) {
	body, err := base64.StdEncoding.DecodeString(w.Body)
	if err != nil {
		body = []byte(w.Body)
	}
	return &Message{
		MessageID:      w.MessageID,
		QueueMessageID: w.QueueMessageID,
		ContentType:    w.ContentType,
		Body:           body,
	}, nil
}

type wireAuditEntry struct {
	MessageID string `json:"message_id"`
	QueueName string `json:"queue_name"`
	Action    string `json:"action"`
	Status    string `json:"status"`
	Timestamp int64  `json:"timestamp"`
	Error     string `json:"error,omitempty"`
}
