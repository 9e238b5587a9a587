// Package storage defines the Engine abstraction every queue component uses
// to read and write the wide-column schema: pointer rows (messages_available,
// messages_inflight), body rows (message_data), shard metadata, shard
// counters, and the audit log.
//
// Design principle: C1-C6 interact with persistence ONLY through this
// interface. Never call file I/O or bbolt directly from sharding/actor code.
// This keeps the on-disk representation swappable (e.g. a future
// Cassandra-backed Engine) without touching any component above it.
package storage

import (
	"errors"

	"github.com/apache/qakka/internal/types"
)

// ErrNotFound is returned when a pointer, body, or shard row does not exist.
var ErrNotFound = errors.New("storage: not found")

// ErrCorrupted is returned when a stored entry fails its checksum.
var ErrCorrupted = errors.New("storage: entry corrupted")

// Table identifies which pointer table an operation targets.
type Table uint8

const (
	TableAvailable Table = iota
	TableInflight
)

func (t Table) String() string {
	if t == TableInflight {
		return "messages_inflight"
	}
	return "messages_available"
}

// PointerKey addresses one row of messages_available / messages_inflight.
type PointerKey struct {
	QueueName      string
	Region         string
	ShardID        int64
	QueueMessageID string
}

// Engine is the single abstraction through which every queue component
// persists and retrieves state. All methods are safe for concurrent use.
type Engine interface {
	// WritePointer upserts p into the given table.
	WritePointer(table Table, p *types.Pointer) error

	// LoadPointer point-queries a row by its full primary key.
	// Returns ErrNotFound if the row is absent.
	LoadPointer(table Table, key PointerKey) (*types.Pointer, error)

	// DeletePointer removes a row. Deleting an absent row is not an error.
	DeletePointer(table Table, key PointerKey) error

	// ScanPointers returns up to limit rows from (queueName, region, shardID)
	// ordered by queueMessageID ASC, starting strictly after afterQueueMessageID
	// (empty string to start from the beginning). This is the paginated cursor
	// iterator used by getNextMessages and the inflight reaper.
	ScanPointers(table Table, queueName, region string, shardID int64, afterQueueMessageID string, limit int) ([]*types.Pointer, error)

	// WriteBody upserts the content blob for messageID.
	WriteBody(b *types.Body) error

	// LoadBody point-queries a body row. Returns ErrNotFound if absent.
	LoadBody(messageID string) (*types.Body, error)

	// DeleteBody unconditionally removes a body row.
	DeleteBody(messageID string) error

	// AdjustBodyRefCount adds delta to messageID's reference count, used by
	// the body GC sweep to find bodies with zero remaining pointer references.
	AdjustBodyRefCount(messageID string, delta int) error

	// ScanOrphanBodies calls fn with the messageID of every body row whose
	// reference count is <= 0 and whose WrittenAt is older than olderThan.
	ScanOrphanBodies(olderThan int64, fn func(messageID string) error) error

	// ListShards returns all shards for (queueName, region, type), in
	// insertion order (ascending pointerUuid).
	ListShards(queueName, region string, typ types.ShardType) ([]*types.Shard, error)

	// CreateShard persists a newly allocated shard. Creating a shard whose
	// (queueName, region, type, pointerUUID) already exists is a no-op.
	CreateShard(s *types.Shard) error

	// AccumulateCounter folds delta into the persistent counter for
	// (queueName, region, type, shardID) and returns the new total.
	AccumulateCounter(queueName, region string, typ types.ShardType, shardID int64, delta int64) (int64, error)

	// ReadCounter returns the last-flushed counter value.
	ReadCounter(queueName, region string, typ types.ShardType, shardID int64) (int64, error)

	// AppendAudit appends an audit row, keyed by (messageID, action, actionSeq)
	// so that a retried append with the same key collapses onto the same row.
	AppendAudit(e *types.AuditEntry) error

	// ListAudit returns every audit row for messageID, ordered by
	// (ActionSeq, Action) ASC, which is the order the rows were appended.
	ListAudit(messageID string) ([]*types.AuditEntry, error)

	// Close flushes all pending writes and releases file handles.
	Close() error
}
