// Package http provides the HTTP transport layer for the queue service.
//
// Routes:
//
//	GET    /health
//	POST   /queues/{name}
//	DELETE /queues/{name}
//	GET    /queues
//	POST   /queues/{name}/messages
//	GET    /queues/{name}/messages
//	POST   /queues/{name}/messages/{qmid}/ack
//	POST   /queues/{name}/messages/{qmid}/nack
//	GET    /messages/{message_id}/audit
//	GET    /queues/{name}/ws
//	POST   /queues/{name}/subscriptions
//	DELETE /subscriptions/{id}
//	GET    /metrics
package http

import (
	"context"
	"net/http"
	"time"

	"github.com/apache/qakka/internal/config"
	"github.com/apache/qakka/internal/consumer"
	"github.com/apache/qakka/internal/metrics"
	"github.com/apache/qakka/internal/qservice"
	transportws "github.com/apache/qakka/internal/transport/websocket"
)

// Server wraps the stdlib HTTP server with the queue service's route wiring.
type Server struct {
	inner *http.Server
}

// New builds a Server from a Service.
// The caller is responsible for calling ListenAndServe / Shutdown.
func New(svc *qservice.Service, cm *consumer.Manager, cfg *config.Config, reg *metrics.Registry) *Server {
	h := &Handler{service: svc, consumer: cm}
	ws := &transportws.Handler{Service: svc}

	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", h.health)

	mux.HandleFunc("POST /queues/{name}", h.createQueue)
	mux.HandleFunc("DELETE /queues/{name}", h.deleteQueue)
	mux.HandleFunc("GET /queues", h.listQueues)

	mux.HandleFunc("POST /queues/{name}/messages", h.sendMessage)
	mux.HandleFunc("GET /queues/{name}/messages", h.getNextMessages)
	mux.HandleFunc("POST /queues/{name}/messages/{qmid}/ack", h.ackMessage)
	mux.HandleFunc("POST /queues/{name}/messages/{qmid}/nack", h.nackMessage)

	mux.HandleFunc("GET /messages/{message_id}/audit", h.getAuditLogs)

	mux.Handle("GET /queues/{name}/ws", ws)

	mux.HandleFunc("POST /queues/{name}/subscriptions", h.createSubscription)
	mux.HandleFunc("DELETE /subscriptions/{id}", h.deleteSubscription)

	if reg != nil {
		mux.Handle("GET /metrics", reg.Handler())
	}

	authEnabled := cfg.Auth.Enabled
	apiKey := cfg.Auth.APIKey

	var handler http.Handler = mux
	handler = chain(handler,
		CORSMiddleware,
		MaxBodyMiddleware,
		LoggingMiddleware,
		AuthMiddleware(apiKey, authEnabled),
		RateLimitMiddleware(100.0, 200),
	)

	return &Server{
		inner: &http.Server{
			Handler:      handler,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 60 * time.Second,
			IdleTimeout:  120 * time.Second,
		},
	}
}

// Handler returns the composed http.Handler (useful for testing).
func (s *Server) Handler() http.Handler { return s.inner.Handler }

// ListenAndServe starts the server on the given address (e.g. ":8080").
// It returns when the server stops or encounters an error.
func (s *Server) ListenAndServe(addr string) error {
	s.inner.Addr = addr
	return s.inner.ListenAndServe()
}

// Shutdown gracefully stops the server, waiting up to ctx's deadline for
// in-flight requests to finish.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.inner.Shutdown(ctx)
}
