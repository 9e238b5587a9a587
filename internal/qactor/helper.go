// Package qactor implements C6 (the queue actor helper state machine) and
// C7 (the per-queue-region actor and its router).
package qactor

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/apache/qakka/internal/audit"
	"github.com/apache/qakka/internal/qmsg"
	"github.com/apache/qakka/internal/types"
)

// Helper implements C6's state-machine operations, shared by every actor
// regardless of queue: load, put-inflight, ack, nack/timeout-return. It
// holds no mutable state of its own — serialization across operations is
// the Actor's job (C7), not the Helper's.
type Helper struct {
	store             *qmsg.Store
	audit             *audit.Log
	inflightTimeoutMs func(queueName string) int64
}

// NewHelper returns a Helper backed by store and audit. inflightTimeoutMs is
// consulted on every PutInflight call so each queue can carry its own
// configured lease duration (set at createQueue time) rather than a single
// process-wide value.
func NewHelper(store *qmsg.Store, auditLog *audit.Log, inflightTimeoutMs func(queueName string) int64) *Helper {
	return &Helper{store: store, audit: auditLog, inflightTimeoutMs: inflightTimeoutMs}
}

// LoadDatabaseQueueMessage delegates to C4.
func (h *Helper) LoadDatabaseQueueMessage(queueName, region string, typ types.ShardType, queueMessageID string) (*types.Pointer, error) {
	return h.store.LoadMessage(typ, queueName, region, 0, queueMessageID)
}

// PutInflight leases an available pointer: inserts a new inflight row
// copying ptr's fields with a refreshed inflightAt deadline, deletes the
// original available row, and records a GET audit entry. A failure between
// the insert and the delete leaves both rows present — at-least-once
// delivery accepts the duplicate; the reaper and the ack path both tolerate
// it (see doc comment on Actor.handleGet).
func (h *Helper) PutInflight(ptr *types.Pointer) (*types.Pointer, error) {
	inflight := ptr.Clone()
	inflight.InflightAt = time.Now().UnixMilli() + h.inflightTimeoutMs(ptr.QueueName)
	inflight.ShardID = 0 // force C3 resolution against the INFLIGHT shard family

	if err := h.store.WriteMessage(types.ShardInflight, inflight); err != nil {
		return nil, fmt.Errorf("qactor: put inflight: write: %w", err)
	}
	if err := h.store.DeleteMessage(types.ShardDefault, ptr.QueueName, ptr.Region, ptr.ShardID, ptr.QueueMessageID); err != nil {
		return nil, fmt.Errorf("qactor: put inflight: delete available: %w", err)
	}
	if err := h.audit.RecordSuccess(ptr.MessageID, ptr.QueueName, types.ActionGet); err != nil {
		slog.Warn("qactor: put inflight: audit append failed", "message_id", ptr.MessageID, "queue", ptr.QueueName, "err", err)
	}
	return inflight, nil
}

// AckQueueMessage looks up the inflight row; if absent, returns ErrNotFound.
// Otherwise deletes the inflight row and records an ACK audit entry. Body
// deletion is deferred to the body-GC sweep.
func (h *Helper) AckQueueMessage(queueName, region string, queueMessageID string) error {
	ptr, err := h.store.LoadMessage(types.ShardInflight, queueName, region, 0, queueMessageID)
	if err != nil {
		return fmt.Errorf("qactor: ack: load inflight: %w", err)
	}
	if ptr == nil {
		return ErrNotFound
	}
	if err := h.store.DeleteMessage(types.ShardInflight, queueName, region, ptr.ShardID, queueMessageID); err != nil {
		return fmt.Errorf("qactor: ack: delete inflight: %w", err)
	}
	if err := h.store.AdjustBodyRefCount(ptr.MessageID, -1); err != nil {
		return fmt.Errorf("qactor: ack: adjust ref count: %w", err)
	}
	if err := h.audit.RecordSuccess(ptr.MessageID, queueName, types.ActionAck); err != nil {
		slog.Warn("qactor: ack: audit append failed", "message_id", ptr.MessageID, "queue", queueName, "err", err)
	}
	return nil
}

// NackOrTimeout deletes the inflight row and re-inserts it into available
// with the same queueMessageId and a refreshed queuedAt, recording a NACK or
// TIMEOUT audit entry depending on action. Idempotent: if the inflight row
// is already gone (e.g. raced with an Ack), it is a no-op.
func (h *Helper) NackOrTimeout(queueName, region string, queueMessageID string, action types.AuditAction) error {
	ptr, err := h.store.LoadMessage(types.ShardInflight, queueName, region, 0, queueMessageID)
	if err != nil {
		return fmt.Errorf("qactor: nack: load inflight: %w", err)
	}
	if ptr == nil {
		return nil
	}
	if err := h.store.DeleteMessage(types.ShardInflight, queueName, region, ptr.ShardID, queueMessageID); err != nil {
		return fmt.Errorf("qactor: nack: delete inflight: %w", err)
	}

	available := ptr.Clone()
	available.QueuedAt = time.Now().UnixMilli()
	available.InflightAt = 0
	available.ShardID = 0 // force C3 resolution against the DEFAULT shard family
	if err := h.store.WriteMessage(types.ShardDefault, available); err != nil {
		return fmt.Errorf("qactor: nack: write available: %w", err)
	}

	if err := h.audit.RecordSuccess(ptr.MessageID, queueName, action); err != nil {
		slog.Warn("qactor: nack: audit append failed", "message_id", ptr.MessageID, "queue", queueName, "err", err)
	}
	return nil
}
