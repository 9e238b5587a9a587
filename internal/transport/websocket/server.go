// Package websocket provides WebSocket-based push delivery for the queue
// service (A6).
//
// Clients open a WebSocket connection to:
//
//	GET /queues/{name}/ws
//
// The server polls the queue's local-region actor every 200 ms via
// Service.GetNextMessages and pushes any leased messages. Clients respond
// with ack/nack control frames addressing the queueMessageId they were sent.
//
// Server → client message frame:
//
//	{"type":"message","message_id":"...","queue_message_id":"...","content_type":"...","body":"<base64>"}
//
// Client → server control frame:
//
//	{"type":"ack",  "queue_message_id":"..."}
//	{"type":"nack", "queue_message_id":"..."}
package websocket

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	gorillaws "github.com/gorilla/websocket"
	"github.com/apache/qakka/internal/qservice"
)

// urlParse is an alias so the upgrader closure can call it without shadowing
// the url package import.
var urlParse = url.Parse

var upgrader = gorillaws.Upgrader{
	// CheckOrigin rejects cross-origin WebSocket upgrade requests.
	// A request is considered same-origin when its Origin header matches the
	// Host header (scheme-agnostic).  Requests without an Origin header
	// (e.g. from native clients/curl) are always allowed.
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true // non-browser client, allow
		}
		parsed, err := parseHost(origin)
		if err != nil {
			return false
		}
		return parsed == r.Host
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

// parseHost returns the host:port (or just host) portion of a URL string.
func parseHost(rawURL string) (string, error) {
	u, err := urlParse(rawURL)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid origin %q", rawURL)
	}
	return u.Host, nil
}

// Handler serves the WebSocket endpoint for a specific queue.
// It is mounted by the HTTP server and reads the queue name from
// r.PathValue.
type Handler struct {
	Service *qservice.Service
}

// serverFrame is the JSON structure the server sends to the client.
type serverFrame struct {
	Type           string `json:"type"` // "message"
	MessageID      string `json:"message_id"`
	QueueMessageID string `json:"queue_message_id"`
	ContentType    string `json:"content_type"`
	Body           string `json:"body"` // base64
}

// clientFrame is the JSON structure the client sends to the server.
type clientFrame struct {
	Type           string `json:"type"` // "ack" | "nack"
	QueueMessageID string `json:"queue_message_id"`
}

// ServeHTTP upgrades the connection and starts the push loop.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	controlCh := make(chan clientFrame, 64)
	go func() {
		defer close(controlCh)
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var cf clientFrame
			if jsonErr := json.Unmarshal(raw, &cf); jsonErr == nil {
				controlCh <- cf
			}
		}
	}()

	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return

		case cf, ok := <-controlCh:
			if !ok {
				return // client disconnected
			}
			switch cf.Type {
			case "ack":
				if err := h.Service.AckMessage(name, cf.QueueMessageID); err != nil {
					slog.Warn("ws ack failed", "queue_message_id", cf.QueueMessageID, "err", err)
				}
			case "nack":
				if err := h.Service.NackMessage(name, cf.QueueMessageID); err != nil {
					slog.Warn("ws nack failed", "queue_message_id", cf.QueueMessageID, "err", err)
				}
			}

		case <-ticker.C:
			leased, err := h.Service.GetNextMessages(name, 10)
			if err != nil {
				slog.Warn("ws getNextMessages failed", "queue", name, "err", err)
				continue
			}
			for _, msg := range leased {
				frame := serverFrame{
					Type:           "message",
					MessageID:      msg.MessageID,
					QueueMessageID: msg.QueueMessageID,
					ContentType:    msg.ContentType,
					Body:           base64.StdEncoding.EncodeToString(msg.Body),
				}
				data, _ := json.Marshal(frame)
				if writeErr := conn.WriteMessage(gorillaws.TextMessage, data); writeErr != nil {
					return
				}
			}
		}
	}
}
