// Package qmsg implements C4: CRUD of queue-message pointer rows and message
// body rows against the storage schema, resolving shard placement via C3 and
// keeping the C2 shard counter in step with every write and delete.
package qmsg

import (
	"fmt"
	"time"

	"github.com/apache/qakka/internal/sharding"
	"github.com/apache/qakka/internal/storage"
	"github.com/apache/qakka/internal/types"
)

// Store is the C4 message-serialization component.
type Store struct {
	engine   storage.Engine
	strategy *sharding.Strategy
	counter  *sharding.Counter
}

// New returns a Store backed by engine, using strategy for shard placement
// and counter for shard-size accounting.
func New(engine storage.Engine, strategy *sharding.Strategy, counter *sharding.Counter) *Store {
	return &Store{engine: engine, strategy: strategy, counter: counter}
}

// WriteMessage resolves ptr's shard via C3 if ShardID is unset, inserts into
// the table dictated by typ, and increments the shard counter.
func (s *Store) WriteMessage(typ types.ShardType, ptr *types.Pointer) error {
	if ptr.ShardID == 0 {
		shard, err := s.strategy.SelectShard(ptr.QueueName, ptr.Region, typ, ptr.QueueMessageID)
		if err != nil {
			return fmt.Errorf("qmsg: select shard: %w", err)
		}
		ptr.ShardID = shard.ShardID
	}
	table := tableFor(typ)
	if err := s.engine.WritePointer(table, ptr); err != nil {
		return fmt.Errorf("qmsg: write pointer: %w", err)
	}
	s.counter.Add(ptr.QueueName, ptr.Region, typ, ptr.ShardID, 1)
	return nil
}

// LoadMessage resolves shardID via C3 when shardID is 0, then point-queries
// by the full primary key. Returns (nil, nil) if the row is missing.
func (s *Store) LoadMessage(typ types.ShardType, queueName, region string, shardID int64, queueMessageID string) (*types.Pointer, error) {
	if shardID == 0 {
		shard, err := s.strategy.SelectShard(queueName, region, typ, queueMessageID)
		if err != nil {
			return nil, fmt.Errorf("qmsg: select shard: %w", err)
		}
		shardID = shard.ShardID
	}
	ptr, err := s.engine.LoadPointer(tableFor(typ), storage.PointerKey{
		QueueName: queueName, Region: region, ShardID: shardID, QueueMessageID: queueMessageID,
	})
	if err != nil {
		if err == storage.ErrNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("qmsg: load pointer: %w", err)
	}
	return ptr, nil
}

// DeleteMessage resolves shardID via C3 when unset, deletes the row, and
// decrements the shard counter.
func (s *Store) DeleteMessage(typ types.ShardType, queueName, region string, shardID int64, queueMessageID string) error {
	if shardID == 0 {
		shard, err := s.strategy.SelectShard(queueName, region, typ, queueMessageID)
		if err != nil {
			return fmt.Errorf("qmsg: select shard: %w", err)
		}
		shardID = shard.ShardID
	}
	key := storage.PointerKey{QueueName: queueName, Region: region, ShardID: shardID, QueueMessageID: queueMessageID}
	if err := s.engine.DeletePointer(tableFor(typ), key); err != nil {
		return fmt.Errorf("qmsg: delete pointer: %w", err)
	}
	s.counter.Add(queueName, region, typ, shardID, -1)
	return nil
}

// WriteMessageData upserts the body row for messageID, which must be a
// time-UUID. It does not touch the body's reference count; each pointer
// write that references the body adjusts it separately.
func (s *Store) WriteMessageData(messageID, contentType string, data []byte) error {
	body := &types.Body{
		MessageID:   messageID,
		Data:        data,
		ContentType: contentType,
		WrittenAt:   time.Now().UnixMilli(),
	}
	if err := s.engine.WriteBody(body); err != nil {
		return fmt.Errorf("qmsg: write body: %w", err)
	}
	return nil
}

// LoadMessageData point-queries the body row for messageID. Returns
// (nil, nil) if absent.
func (s *Store) LoadMessageData(messageID string) (*types.Body, error) {
	body, err := s.engine.LoadBody(messageID)
	if err != nil {
		if err == storage.ErrNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("qmsg: load body: %w", err)
	}
	return body, nil
}

// DeleteMessageData unconditionally removes the body row for messageID.
func (s *Store) DeleteMessageData(messageID string) error {
	if err := s.engine.DeleteBody(messageID); err != nil {
		return fmt.Errorf("qmsg: delete body: %w", err)
	}
	return nil
}

// AdjustBodyRefCount adjusts messageID's reference count by delta, called
// whenever a pointer referencing the body is written (+1) or deleted (-1).
func (s *Store) AdjustBodyRefCount(messageID string, delta int) error {
	if err := s.engine.AdjustBodyRefCount(messageID, delta); err != nil {
		return fmt.Errorf("qmsg: adjust ref count: %w", err)
	}
	return nil
}

// ScanMessages returns up to limit pointer rows from shardID ordered by
// queueMessageId ASC, starting strictly after afterQueueMessageID.
func (s *Store) ScanMessages(typ types.ShardType, queueName, region string, shardID int64, afterQueueMessageID string, limit int) ([]*types.Pointer, error) {
	rows, err := s.engine.ScanPointers(tableFor(typ), queueName, region, shardID, afterQueueMessageID, limit)
	if err != nil {
		return nil, fmt.Errorf("qmsg: scan pointers: %w", err)
	}
	return rows, nil
}

// ListShards returns every shard for (queueName, region, typ) in
// pointerUuid-ascending (insertion) order.
func (s *Store) ListShards(queueName, region string, typ types.ShardType) ([]*types.Shard, error) {
	shards, err := s.engine.ListShards(queueName, region, typ)
	if err != nil {
		return nil, fmt.Errorf("qmsg: list shards: %w", err)
	}
	return shards, nil
}

func tableFor(typ types.ShardType) storage.Table {
	if typ == types.ShardInflight {
		return storage.TableInflight
	}
	return storage.TableAvailable
}
