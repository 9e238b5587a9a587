package local

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"

	"github.com/apache/qakka/internal/storage"
	"github.com/apache/qakka/internal/types"
)

// Engine is the disk-backed storage.Engine implementation: a bbolt database
// for pointers/shards/counters/audit, plus an append-only body log with a
// write-ahead log for crash-safe body writes.
type Engine struct {
	dir  string
	db   *bbolt.DB
	body *bodyLog
	wal  *wal
}

// Open opens (creating if absent) the storage engine rooted at dir, replaying
// the body WAL to recover any write that crashed between the log append and
// the index commit.
func Open(dir string) (*Engine, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("storage: mkdir %s: %w", dir, err)
	}

	db, err := bbolt.Open(filepath.Join(dir, "qakka.db"), 0o640, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("storage: open bbolt: %w", err)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{
			bucketAvailable, bucketInflight, bucketBodyIndex, bucketBodyRefs,
			bucketShards, bucketCounters, bucketAuditLog,
		} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("storage: init buckets: %w", err)
	}

	body, err := openBodyLog(filepath.Join(dir, "bodies.dat"))
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	w, err := openWAL(filepath.Join(dir, "bodywal.dat"))
	if err != nil {
		_ = db.Close()
		_ = body.Close()
		return nil, err
	}

	e := &Engine{dir: dir, db: db, body: body, wal: w}
	if err := e.recover(); err != nil {
		_ = e.Close()
		return nil, fmt.Errorf("storage: recover: %w", err)
	}
	return e, nil
}

// Ensure Engine satisfies the interface at compile time.
var _ storage.Engine = (*Engine)(nil)

// recover replays any WAL entries left uncommitted by a crash between the
// body log append and the bbolt index commit, then truncates the WAL.
func (e *Engine) recover() error {
	uncommitted, err := e.wal.Replay()
	if err != nil {
		return fmt.Errorf("wal replay: %w", err)
	}
	for _, entry := range uncommitted {
		if _, found, ferr := e.readBodyIndex(entry.MessageID); ferr != nil {
			return ferr
		} else if found {
			continue // index already has it, just missing the COMMIT marker
		}
		offset, aerr := e.body.Append(entry.Body)
		if aerr != nil {
			return fmt.Errorf("reapply body %s: %w", entry.MessageID, aerr)
		}
		if ierr := e.writeBodyIndex(entry.MessageID, bodyIndexEntry{Offset: offset, WrittenAt: entry.Body.WrittenAt}); ierr != nil {
			return fmt.Errorf("reapply index %s: %w", entry.MessageID, ierr)
		}
	}
	if err := e.wal.Truncate(); err != nil {
		return fmt.Errorf("truncate wal: %w", err)
	}
	return nil
}

// WriteBody durably stores b's content following the WAL write/commit
// protocol: WAL write -> body log append -> index commit -> WAL commit. A
// crash at any point before the final WAL commit is repaired by recover() on
// the next Open.
func (e *Engine) WriteBody(b *types.Body) error {
	entry := &bodyEntry{MessageID: b.MessageID, Data: b.Data, ContentType: b.ContentType, WrittenAt: b.WrittenAt}

	seq, err := e.wal.Write(entry)
	if err != nil {
		return fmt.Errorf("storage: wal write: %w", err)
	}
	offset, err := e.body.Append(entry)
	if err != nil {
		return fmt.Errorf("storage: append body: %w", err)
	}
	if err := e.writeBodyIndex(b.MessageID, bodyIndexEntry{Offset: offset, WrittenAt: b.WrittenAt}); err != nil {
		return fmt.Errorf("storage: write body index: %w", err)
	}
	if err := e.wal.Commit(seq); err != nil {
		return fmt.Errorf("storage: wal commit: %w", err)
	}
	return nil
}

func (e *Engine) LoadBody(messageID string) (*types.Body, error) {
	idx, found, err := e.readBodyIndex(messageID)
	if err != nil {
		return nil, fmt.Errorf("storage: read body index: %w", err)
	}
	if !found {
		return nil, storage.ErrNotFound
	}
	entry, err := e.body.ReadAt(idx.Offset)
	if err != nil {
		return nil, fmt.Errorf("storage: read body at %d: %w", idx.Offset, err)
	}
	return &types.Body{
		MessageID:   entry.MessageID,
		Data:        entry.Data,
		ContentType: entry.ContentType,
		WrittenAt:   entry.WrittenAt,
	}, nil
}

// DeleteBody removes the index entry and ref count for messageID. The body
// log record itself is reclaimed later by the GC compactor's rewrite pass,
// not synchronously here.
func (e *Engine) DeleteBody(messageID string) error {
	if err := e.deleteBodyIndex(messageID); err != nil {
		return fmt.Errorf("storage: delete body index: %w", err)
	}
	return e.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketBodyRefs).Delete([]byte(messageID))
	})
}

func (e *Engine) Close() error {
	var firstErr error
	if err := e.wal.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := e.body.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := e.db.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
