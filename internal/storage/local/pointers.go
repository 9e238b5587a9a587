package local

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"go.etcd.io/bbolt"

	"github.com/apache/qakka/internal/storage"
	"github.com/apache/qakka/internal/types"
)

// bbolt bucket names. Composite partition keys from the wide-column schema
// are expressed as a path of nested buckets; bbolt's B+tree keeps keys
// sorted lexicographically, which is exactly the "CLUSTERING ORDER ASC"
// guarantee the schema asks for since queueMessageID/pointerUUID are ULIDs
// (lexicographically sortable by construction).
var (
	bucketAvailable  = []byte("messages_available")
	bucketInflight   = []byte("messages_inflight")
	bucketBodyIndex  = []byte("body_index")
	bucketBodyRefs   = []byte("body_refs")
	bucketShards     = []byte("shards")
	bucketCounters   = []byte("shard_counters")
	bucketAuditLog   = []byte("audit_log")
)

func tableBucketName(t storage.Table) []byte {
	if t == storage.TableInflight {
		return bucketInflight
	}
	return bucketAvailable
}

// pointerRecord is the JSON encoding stored at the leaf key of a pointer
// partition bucket; the partition components themselves live in the bucket
// path, not the value, so only the row's own columns are kept here.
type pointerRecord struct {
	MessageID  string `json:"message_id"`
	QueuedAt   int64  `json:"queued_at"`
	InflightAt int64  `json:"inflight_at"`
}

func shardIDKey(shardID int64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(shardID))
	return b[:]
}

// partitionBucket walks/creates the nested bucket path for one partition:
// table / queueName / region / shardID.
func partitionBucket(tx *bbolt.Tx, table storage.Table, queueName, region string, shardID int64, create bool) (*bbolt.Bucket, error) {
	root := tx.Bucket(tableBucketName(table))
	var err error
	b := root
	for _, k := range [][]byte{[]byte(queueName), []byte(region), shardIDKey(shardID)} {
		if create {
			b, err = b.CreateBucketIfNotExists(k)
			if err != nil {
				return nil, err
			}
		} else {
			b = b.Bucket(k)
			if b == nil {
				return nil, storage.ErrNotFound
			}
		}
	}
	return b, nil
}

func (e *Engine) WritePointer(table storage.Table, p *types.Pointer) error {
	return e.db.Update(func(tx *bbolt.Tx) error {
		b, err := partitionBucket(tx, table, p.QueueName, p.Region, p.ShardID, true)
		if err != nil {
			return err
		}
		rec := pointerRecord{MessageID: p.MessageID, QueuedAt: p.QueuedAt, InflightAt: p.InflightAt}
		val, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("storage: marshal pointer: %w", err)
		}
		return b.Put([]byte(p.QueueMessageID), val)
	})
}

func (e *Engine) LoadPointer(table storage.Table, key storage.PointerKey) (*types.Pointer, error) {
	var out *types.Pointer
	err := e.db.View(func(tx *bbolt.Tx) error {
		b, err := partitionBucket(tx, table, key.QueueName, key.Region, key.ShardID, false)
		if err != nil {
			if err == storage.ErrNotFound {
				return storage.ErrNotFound
			}
			return err
		}
		val := b.Get([]byte(key.QueueMessageID))
		if val == nil {
			return storage.ErrNotFound
		}
		var rec pointerRecord
		if jerr := json.Unmarshal(val, &rec); jerr != nil {
			return fmt.Errorf("storage: unmarshal pointer: %w", jerr)
		}
		out = &types.Pointer{
			QueueName:      key.QueueName,
			Region:         key.Region,
			ShardID:        key.ShardID,
			QueueMessageID: key.QueueMessageID,
			MessageID:      rec.MessageID,
			QueuedAt:       rec.QueuedAt,
			InflightAt:     rec.InflightAt,
		}
		return nil
	})
	if err != nil {
		if err == storage.ErrNotFound {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("storage: load pointer: %w", err)
	}
	return out, nil
}

func (e *Engine) DeletePointer(table storage.Table, key storage.PointerKey) error {
	return e.db.Update(func(tx *bbolt.Tx) error {
		b, err := partitionBucket(tx, table, key.QueueName, key.Region, key.ShardID, false)
		if err != nil {
			if err == storage.ErrNotFound {
				return nil
			}
			return err
		}
		return b.Delete([]byte(key.QueueMessageID))
	})
}

func (e *Engine) ScanPointers(table storage.Table, queueName, region string, shardID int64, afterQueueMessageID string, limit int) ([]*types.Pointer, error) {
	var out []*types.Pointer
	err := e.db.View(func(tx *bbolt.Tx) error {
		b, err := partitionBucket(tx, table, queueName, region, shardID, false)
		if err != nil {
			if err == storage.ErrNotFound {
				return nil
			}
			return err
		}
		c := b.Cursor()
		var k, v []byte
		if afterQueueMessageID == "" {
			k, v = c.First()
		} else {
			k, v = c.Seek([]byte(afterQueueMessageID))
			if k != nil && string(k) == afterQueueMessageID {
				k, v = c.Next()
			}
		}
		for ; k != nil && len(out) < limit; k, v = c.Next() {
			var rec pointerRecord
			if jerr := json.Unmarshal(v, &rec); jerr != nil {
				return fmt.Errorf("storage: unmarshal pointer: %w", jerr)
			}
			out = append(out, &types.Pointer{
				QueueName:      queueName,
				Region:         region,
				ShardID:        shardID,
				QueueMessageID: string(k),
				MessageID:      rec.MessageID,
				QueuedAt:       rec.QueuedAt,
				InflightAt:     rec.InflightAt,
			})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("storage: scan pointers: %w", err)
	}
	return out, nil
}

// ---- shard metadata ---------------------------------------------------------

func shardFamilyBucket(tx *bbolt.Tx, queueName, region string, typ types.ShardType, create bool) (*bbolt.Bucket, error) {
	root := tx.Bucket(bucketShards)
	var err error
	b := root
	for _, k := range [][]byte{[]byte(queueName), []byte(region), []byte(typ.String())} {
		if create {
			b, err = b.CreateBucketIfNotExists(k)
			if err != nil {
				return nil, err
			}
		} else {
			b = b.Bucket(k)
			if b == nil {
				return nil, storage.ErrNotFound
			}
		}
	}
	return b, nil
}

func (e *Engine) ListShards(queueName, region string, typ types.ShardType) ([]*types.Shard, error) {
	var out []*types.Shard
	err := e.db.View(func(tx *bbolt.Tx) error {
		b, err := shardFamilyBucket(tx, queueName, region, typ, false)
		if err != nil {
			if err == storage.ErrNotFound {
				return nil
			}
			return err
		}
		return b.ForEach(func(k, v []byte) error {
			var s types.Shard
			if jerr := json.Unmarshal(v, &s); jerr != nil {
				return jerr
			}
			out = append(out, &s)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("storage: list shards: %w", err)
	}
	return out, nil
}

func (e *Engine) CreateShard(s *types.Shard) error {
	return e.db.Update(func(tx *bbolt.Tx) error {
		b, err := shardFamilyBucket(tx, s.QueueName, s.Region, s.Type, true)
		if err != nil {
			return err
		}
		if b.Get([]byte(s.PointerUUID)) != nil {
			return nil // idempotent: shard already exists
		}
		val, err := json.Marshal(s)
		if err != nil {
			return fmt.Errorf("storage: marshal shard: %w", err)
		}
		return b.Put([]byte(s.PointerUUID), val)
	})
}

// ---- shard counters ---------------------------------------------------------

func counterKey(queueName, region string, typ types.ShardType, shardID int64) []byte {
	key := fmt.Sprintf("%s\x00%s\x00%s\x00", queueName, region, typ.String())
	b := append([]byte(key), shardIDKey(shardID)...)
	return b
}

func (e *Engine) AccumulateCounter(queueName, region string, typ types.ShardType, shardID int64, delta int64) (int64, error) {
	var newVal int64
	err := e.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketCounters)
		key := counterKey(queueName, region, typ, shardID)
		var cur int64
		if v := b.Get(key); v != nil {
			cur = int64(binary.BigEndian.Uint64(v))
		}
		newVal = cur + delta
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], uint64(newVal))
		return b.Put(key, buf[:])
	})
	if err != nil {
		return 0, fmt.Errorf("storage: accumulate counter: %w", err)
	}
	return newVal, nil
}

func (e *Engine) ReadCounter(queueName, region string, typ types.ShardType, shardID int64) (int64, error) {
	var val int64
	err := e.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketCounters)
		if v := b.Get(counterKey(queueName, region, typ, shardID)); v != nil {
			val = int64(binary.BigEndian.Uint64(v))
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("storage: read counter: %w", err)
	}
	return val, nil
}

// ---- audit log ----------------------------------------------------------------

// auditKey is keyed by (actionSeq, action) rather than wall-clock timestamp:
// actionSeq is a process-wide monotonic counter, so ordering by it ASC is
// equivalent to ordering by timestamp ASC, and — unlike timestamp, which can
// differ between a call and its retry — actionSeq is stable across a
// retried append carrying the same idempotency token, which is what makes
// the retry collapse onto the same row instead of duplicating it.
func auditKey(e *types.AuditEntry) []byte {
	var buf [9]byte
	binary.BigEndian.PutUint64(buf[0:], uint64(e.ActionSeq))
	buf[8] = byte(e.Action)
	return buf[:]
}

func (e *Engine) AppendAudit(entry *types.AuditEntry) error {
	return e.db.Update(func(tx *bbolt.Tx) error {
		root := tx.Bucket(bucketAuditLog)
		b, err := root.CreateBucketIfNotExists([]byte(entry.MessageID))
		if err != nil {
			return err
		}
		val, err := json.Marshal(entry)
		if err != nil {
			return fmt.Errorf("storage: marshal audit entry: %w", err)
		}
		// Keying by (actionSeq, action) makes a retried append with the same
		// idempotency token overwrite in place instead of duplicating.
		return b.Put(auditKey(entry), val)
	})
}

func (e *Engine) ListAudit(messageID string) ([]*types.AuditEntry, error) {
	var out []*types.AuditEntry
	err := e.db.View(func(tx *bbolt.Tx) error {
		root := tx.Bucket(bucketAuditLog)
		b := root.Bucket([]byte(messageID))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			var entry types.AuditEntry
			if jerr := json.Unmarshal(v, &entry); jerr != nil {
				return jerr
			}
			out = append(out, &entry)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("storage: list audit: %w", err)
	}
	return out, nil
}

// ---- body index / refcounts --------------------------------------------------

type bodyIndexEntry struct {
	Offset    int64
	WrittenAt int64
}

func (e *Engine) writeBodyIndex(messageID string, idx bodyIndexEntry) error {
	return e.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketBodyIndex)
		var buf [16]byte
		binary.BigEndian.PutUint64(buf[0:], uint64(idx.Offset))
		binary.BigEndian.PutUint64(buf[8:], uint64(idx.WrittenAt))
		return b.Put([]byte(messageID), buf[:])
	})
}

func (e *Engine) readBodyIndex(messageID string) (bodyIndexEntry, bool, error) {
	var idx bodyIndexEntry
	var found bool
	err := e.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketBodyIndex)
		v := b.Get([]byte(messageID))
		if v == nil {
			return nil
		}
		found = true
		idx.Offset = int64(binary.BigEndian.Uint64(v[0:]))
		idx.WrittenAt = int64(binary.BigEndian.Uint64(v[8:]))
		return nil
	})
	return idx, found, err
}

func (e *Engine) deleteBodyIndex(messageID string) error {
	return e.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketBodyIndex)
		return b.Delete([]byte(messageID))
	})
}

func (e *Engine) AdjustBodyRefCount(messageID string, delta int) error {
	return e.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketBodyRefs)
		key := []byte(messageID)
		var cur int64
		if v := b.Get(key); v != nil {
			cur = int64(binary.BigEndian.Uint64(v))
		}
		next := cur + int64(delta)
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], uint64(next))
		return b.Put(key, buf[:])
	})
}

func (e *Engine) deleteBodyRefCount(messageID string) error {
	return e.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketBodyRefs).Delete([]byte(messageID))
	})
}

func (e *Engine) ScanOrphanBodies(olderThan int64, fn func(messageID string) error) error {
	type candidate struct{ messageID string }
	var candidates []candidate

	err := e.db.View(func(tx *bbolt.Tx) error {
		idxB := tx.Bucket(bucketBodyIndex)
		refsB := tx.Bucket(bucketBodyRefs)
		return idxB.ForEach(func(k, v []byte) error {
			writtenAt := int64(binary.BigEndian.Uint64(v[8:]))
			if writtenAt > olderThan {
				return nil
			}
			var refCount int64
			if rv := refsB.Get(k); rv != nil {
				refCount = int64(binary.BigEndian.Uint64(rv))
			}
			if refCount <= 0 {
				candidates = append(candidates, candidate{messageID: string(k)})
			}
			return nil
		})
	})
	if err != nil {
		return fmt.Errorf("storage: scan orphan bodies: %w", err)
	}
	for _, c := range candidates {
		if err := fn(c.messageID); err != nil {
			return err
		}
	}
	return nil
}
