// Package audit implements C5: the append-only per-message action history.
package audit

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/apache/qakka/internal/storage"
	"github.com/apache/qakka/internal/types"
)

// Log records terminal actions against a messageId and retrieves a message's
// full history. Appends are idempotent per (messageId, actionSeq, action):
// a caller that retries the same logical append should pass the
// same actionSeq so the retry collapses onto the existing row instead of
// duplicating it.
type Log struct {
	engine storage.Engine
	seq    atomic.Int64
}

// New returns a Log backed by engine.
func New(engine storage.Engine) *Log {
	l := &Log{engine: engine}
	l.seq.Store(time.Now().UnixNano())
	return l
}

// NextSeq returns a process-local, monotonically increasing sequence number
// suitable as the actionSeq idempotency component for a fresh (non-retried)
// action. The sequence starts at the wall-clock time in nanoseconds when the
// Log is created, so rows appended after a restart sort after older ones. Callers retrying a failed action should reuse the seq from the
// failed attempt rather than calling NextSeq again.
func (l *Log) NextSeq() int64 {
	return l.seq.Add(1)
}

// Record appends one audit row. queueName and err are optional context:
// err, when non-nil, is recorded as the row's error text and forces
// status to StatusError regardless of the status argument.
func (l *Log) Record(messageID, queueName string, action types.AuditAction, actionSeq int64, status types.AuditStatus, err error) error {
	entry := &types.AuditEntry{
		MessageID: messageID,
		Timestamp: time.Now().UnixMilli(),
		Action:    action,
		ActionSeq: actionSeq,
		Status:    status,
		QueueName: queueName,
	}
	if err != nil {
		entry.Status = types.StatusError
		entry.Error = err.Error()
	}
	if aerr := l.engine.AppendAudit(entry); aerr != nil {
		return fmt.Errorf("audit: append %s %s: %w", messageID, action, aerr)
	}
	return nil
}

// RecordSuccess is a convenience wrapper for the common success path.
func (l *Log) RecordSuccess(messageID, queueName string, action types.AuditAction) error {
	return l.Record(messageID, queueName, action, l.NextSeq(), types.StatusSuccess, nil)
}

// GetAuditLogs returns every row for messageID ordered by Timestamp ASC.
func (l *Log) GetAuditLogs(messageID string) ([]*types.AuditEntry, error) {
	entries, err := l.engine.ListAudit(messageID)
	if err != nil {
		return nil, fmt.Errorf("audit: list %s: %w", messageID, err)
	}
	return entries, nil
}
