// Package qservice implements C8: the cluster-facing façade that fronts the
// sharding, actor, and audit layers with the operations §6 of the governing
// specification calls the Service API — createQueue, deleteQueue,
// sendMessage, getNextMessages, ackMessage, getAuditLogs. Every transport
// (HTTP, WebSocket, webhook) is a caller of this package, never of C1-C7
// directly.
package qservice

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/apache/qakka/internal/audit"
	"github.com/apache/qakka/internal/metrics"
	"github.com/apache/qakka/internal/node"
	"github.com/apache/qakka/internal/qactor"
	"github.com/apache/qakka/internal/qmsg"
	"github.com/apache/qakka/internal/registry"
	"github.com/apache/qakka/internal/types"
)

// Sentinel errors forming the exit taxonomy described in the governing
// specification's error-handling section. Transports translate these via
// errors.Is into HTTP status codes, WS error frames, or webhook retry
// decisions — internal packages below this façade never know about any of
// that.
var (
	ErrBadRequest = errors.New("qservice: bad request")
	ErrNotFound   = errors.New("qservice: not found")
	ErrQueueBusy  = errors.New("qservice: queue busy")
	ErrTimeout    = errors.New("qservice: timeout")
	ErrInternal   = errors.New("qservice: internal error")
)

// LeasedMessage is one row returned by GetNextMessages: a leased pointer
// together with the body content it addresses.
type LeasedMessage struct {
	QueueMessageID string
	MessageID      string
	ContentType    string
	Body           []byte
}

// Service is the C8 façade. LocalRegion is the region this process serves
// directly — getNextMessages always delegates to the local-region actor,
// per the governing specification's "delegates to local-region actor"
// contract for that operation.
type Service struct {
	queues      *registry.Registry
	router      *qactor.Router
	store       *qmsg.Store
	audit       *audit.Log
	localRegion string
	metrics     *metrics.Registry
}

// Option is a functional option for Service.
type Option func(*Service)

// WithMetrics attaches a metrics.Registry so that every sendMessage/
// getNextMessages/ackMessage call increments the matching qakka_*_total
// counter.
func WithMetrics(reg *metrics.Registry) Option {
	return func(s *Service) { s.metrics = reg }
}

// New returns a Service wiring together the queue registry, actor router,
// message store, and audit log.
func New(queues *registry.Registry, router *qactor.Router, store *qmsg.Store, auditLog *audit.Log, localRegion string, opts ...Option) *Service {
	s := &Service{queues: queues, router: router, store: store, audit: auditLog, localRegion: localRegion}
	for _, o := range opts {
		o(s)
	}
	return s
}

// CreateQueue registers queue metadata. Idempotent on duplicates, per C8.
func (s *Service) CreateQueue(def *registry.QueueDef) error {
	if def.Name == "" {
		return fmt.Errorf("%w: queue name required", ErrBadRequest)
	}
	if def.PrimaryRegion == "" {
		def.PrimaryRegion = s.localRegion
	}
	if !registry.ValidateName(def.Name) {
		return fmt.Errorf("%w: invalid queue name %q", ErrBadRequest, def.Name)
	}
	if err := s.queues.Create(def); err != nil {
		if errors.Is(err, registry.ErrInvalidName) {
			return fmt.Errorf("%w: %s", ErrBadRequest, err)
		}
		return fmt.Errorf("%w: create queue: %s", ErrInternal, err)
	}
	return nil
}

// DeleteQueue removes queue metadata and stops every live actor serving it.
// Pointer rows, shard rows, counters and bodies already written for the
// queue stay in storage: nothing deletes them, and their bodies keep a
// positive reference count, so the body-GC sweep does not reclaim them.
func (s *Service) DeleteQueue(name string) error {
	if err := s.queues.Delete(name); err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			return fmt.Errorf("%w: queue %q", ErrNotFound, name)
		}
		return fmt.Errorf("%w: delete queue: %s", ErrInternal, err)
	}
	s.router.RemoveQueue(name)
	return nil
}

// SendMessage implements C8's sendMessage: it mints a fresh messageId,
// durably writes the body once in the queue's primary region, then routes a
// Send carrying that same id to every configured region's actor (primary
// included) so each region gets its own available pointer. Returns the
// generated messageId.
func (s *Service) SendMessage(queueName, contentType string, body []byte) (string, error) {
	def, err := s.queues.Get(queueName)
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			return "", fmt.Errorf("%w: queue %q", ErrNotFound, queueName)
		}
		return "", fmt.Errorf("%w: lookup queue: %s", ErrInternal, err)
	}

	messageID, err := node.NewID()
	if err != nil {
		return "", fmt.Errorf("%w: generate messageId: %s", ErrInternal, err)
	}

	if err := s.store.WriteMessageData(messageID, contentType, body); err != nil {
		return "", fmt.Errorf("%w: write body: %s", ErrInternal, err)
	}

	for _, region := range def.Regions() {
		actor := s.router.Get(def.Name, region)
		if _, err := actor.Send(messageID, nil); err != nil {
			if errors.Is(err, qactor.ErrBusy) {
				if s.metrics != nil {
					s.metrics.Busy.Inc(metrics.QueueKey(def.Name, region))
				}
				return "", fmt.Errorf("%w: region %s", ErrQueueBusy, region)
			}
			if s.metrics != nil {
				s.metrics.Errors.Inc(metrics.QueueKey(def.Name, region))
			}
			return "", fmt.Errorf("%w: send to region %s: %s", ErrInternal, region, err)
		}
		if s.metrics != nil {
			s.metrics.Sent.Inc(metrics.QueueKey(def.Name, region))
		}
	}

	if err := s.audit.RecordSuccess(messageID, def.Name, types.ActionSend); err != nil {
		slog.Warn("qservice: send: audit append failed", "message_id", messageID, "queue", def.Name, "err", err)
	}
	return messageID, nil
}

// GetNextMessages implements C8's getNextMessages: delegates to the
// local-region actor for queueName and returns up to count leased messages
// with their bodies attached.
func (s *Service) GetNextMessages(queueName string, count int) ([]LeasedMessage, error) {
	if _, err := s.queues.Get(queueName); err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			return nil, fmt.Errorf("%w: queue %q", ErrNotFound, queueName)
		}
		return nil, fmt.Errorf("%w: lookup queue: %s", ErrInternal, err)
	}

	actor := s.router.Get(queueName, s.localRegion)
	pointers, err := actor.Get(count)
	if err != nil {
		if errors.Is(err, qactor.ErrBusy) {
			if s.metrics != nil {
				s.metrics.Busy.Inc(metrics.QueueKey(queueName, s.localRegion))
			}
			return nil, fmt.Errorf("%w: queue %q", ErrQueueBusy, queueName)
		}
		if s.metrics != nil {
			s.metrics.Errors.Inc(metrics.QueueKey(queueName, s.localRegion))
		}
		return nil, fmt.Errorf("%w: get: %s", ErrInternal, err)
	}
	if s.metrics != nil {
		s.metrics.Leased.Add(metrics.QueueKey(queueName, s.localRegion), int64(len(pointers)))
	}

	out := make([]LeasedMessage, 0, len(pointers))
	for _, ptr := range pointers {
		body, err := s.store.LoadMessageData(ptr.MessageID)
		if err != nil {
			return out, fmt.Errorf("%w: load body %s: %s", ErrInternal, ptr.MessageID, err)
		}
		msg := LeasedMessage{QueueMessageID: ptr.QueueMessageID, MessageID: ptr.MessageID}
		if body != nil {
			msg.ContentType = body.ContentType
			msg.Body = body.Data
		}
		out = append(out, msg)
	}
	return out, nil
}

// AckMessage implements C8's ackMessage. It always routes to the
// local-region actor: a message is only ever leased to the caller through
// GetNextMessages against this same local region, so the region that holds
// the inflight lease is always this service's own local region — there is
// no separate receipt-token encoding to decode.
func (s *Service) AckMessage(queueName, queueMessageID string) error {
	actor := s.router.Get(queueName, s.localRegion)
	if err := actor.Ack(queueMessageID); err != nil {
		if errors.Is(err, qactor.ErrNotFound) {
			return fmt.Errorf("%w: queueMessageId %s not inflight", ErrBadRequest, queueMessageID)
		}
		if errors.Is(err, qactor.ErrBusy) {
			if s.metrics != nil {
				s.metrics.Busy.Inc(metrics.QueueKey(queueName, s.localRegion))
			}
			return fmt.Errorf("%w: queue %q", ErrQueueBusy, queueName)
		}
		return fmt.Errorf("%w: ack: %s", ErrInternal, err)
	}
	if s.metrics != nil {
		s.metrics.Acked.Inc(metrics.QueueKey(queueName, s.localRegion))
	}
	return nil
}

// NackMessage routes an explicit nack to the local-region actor, returning
// queueMessageID to available immediately instead of waiting for its lease
// to expire.
func (s *Service) NackMessage(queueName, queueMessageID string) error {
	actor := s.router.Get(queueName, s.localRegion)
	if err := actor.Nack(queueMessageID); err != nil {
		if errors.Is(err, qactor.ErrBusy) {
			if s.metrics != nil {
				s.metrics.Busy.Inc(metrics.QueueKey(queueName, s.localRegion))
			}
			return fmt.Errorf("%w: queue %q", ErrQueueBusy, queueName)
		}
		return fmt.Errorf("%w: nack: %s", ErrInternal, err)
	}
	if s.metrics != nil {
		s.metrics.Nacked.Inc(metrics.QueueKey(queueName, s.localRegion))
	}
	return nil
}

// ListQueues returns the names of every registered queue, sorted.
func (s *Service) ListQueues() []string {
	defs := s.queues.List()
	names := make([]string, 0, len(defs))
	for _, def := range defs {
		names = append(names, def.Name)
	}
	return names
}

// GetAuditLogs implements C8's getAuditLogs.
func (s *Service) GetAuditLogs(messageID string) ([]*types.AuditEntry, error) {
	entries, err := s.audit.GetAuditLogs(messageID)
	if err != nil {
		return nil, fmt.Errorf("%w: audit lookup: %s", ErrInternal, err)
	}
	return entries, nil
}
