package local

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"
)

// Compactor reclaims disk space from bodies.dat held by bodies whose
// reference count has dropped to zero and whose age exceeds the GC
// retention window — resolving the body-GC question the wide-column schema
// leaves open: pointer rows reference bodies by messageId, and nothing
// physically deletes a body row when the last pointer referencing it is
// acked, so the log grows unbounded without a sweep.
//
// RunOnce holds a write lock on the Engine's body log for its duration. At
// the traffic levels this service targets that is acceptable; it runs on a
// fixed interval rather than continuously.
type Compactor struct {
	e        *Engine
	interval time.Duration
	retain   time.Duration

	mu   sync.Mutex
	done chan struct{}
	wg   sync.WaitGroup
}

// NewCompactor creates a Compactor that sweeps e every interval, reclaiming
// bodies with a zero reference count that are older than retain.
func NewCompactor(e *Engine, interval, retain time.Duration) *Compactor {
	return &Compactor{
		e:        e,
		interval: interval,
		retain:   retain,
		done:     make(chan struct{}),
	}
}

func (c *Compactor) Start() {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-c.done:
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), c.interval/2)
				_ = c.RunOnce(ctx)
				cancel()
			}
		}
	}()
}

func (c *Compactor) Stop() {
	c.mu.Lock()
	select {
	case <-c.done:
	default:
		close(c.done)
	}
	c.mu.Unlock()
	c.wg.Wait()
}

// RunOnce performs a single GC sweep:
//  1. Find orphan bodies: refcount <= 0 and older than the retention cutoff.
//  2. Rewrite bodies.dat, copying forward every body NOT in the orphan set.
//  3. Atomically rename the rewritten log into place.
//  4. Reopen the body log against the new file.
//  5. Rebuild the body index against the new offsets.
//  6. Drop the orphans' index/refcount rows and remove the old file.
//  7. Truncate the WAL — any outstanding entry refers to a body that either
//     survived the rewrite (new offset is in the index) or was dropped.
//
// Returns nil without rewriting anything if no orphan was found.
func (c *Compactor) RunOnce(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	cutoff := time.Now().Add(-c.retain).UnixMilli()

	orphans := make(map[string]struct{})
	if err := c.e.ScanOrphanBodies(cutoff, func(messageID string) error {
		orphans[messageID] = struct{}{}
		return nil
	}); err != nil {
		return fmt.Errorf("compactor: scan orphans: %w", err)
	}
	if len(orphans) == 0 {
		return nil
	}

	tmpPath := c.e.body.Path() + ".tmp"
	tmpLog, err := openBodyLog(tmpPath)
	if err != nil {
		return fmt.Errorf("compactor: open tmp body log: %w", err)
	}

	newOffsets := make(map[string]int64, 64)
	writtenAt := make(map[string]int64, 64)
	if err := c.e.body.ReadAll(func(_ int64, b *bodyEntry) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if _, dead := orphans[b.MessageID]; dead {
			return nil
		}
		off, err := tmpLog.Append(b)
		if err != nil {
			return fmt.Errorf("write live body %s: %w", b.MessageID, err)
		}
		newOffsets[b.MessageID] = off
		writtenAt[b.MessageID] = b.WrittenAt
		return nil
	}); err != nil {
		_ = tmpLog.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("compactor: rewrite body log: %w", err)
	}
	if err := tmpLog.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("compactor: close tmp body log: %w", err)
	}

	logPath := c.e.body.Path()
	oldPath := logPath + ".old"

	if err := os.Rename(logPath, oldPath); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("compactor: rename body log to .old: %w", err)
	}
	if err := os.Rename(tmpPath, logPath); err != nil {
		_ = os.Rename(oldPath, logPath)
		return fmt.Errorf("compactor: rename tmp to body log: %w", err)
	}

	if err := c.e.body.Reopen(logPath); err != nil {
		return fmt.Errorf("compactor: reopen body log (CRITICAL — restart server): %w", err)
	}

	for messageID, offset := range newOffsets {
		if err := c.e.writeBodyIndex(messageID, bodyIndexEntry{Offset: offset, WrittenAt: writtenAt[messageID]}); err != nil {
			return fmt.Errorf("compactor: reindex %s (CRITICAL — restart server): %w", messageID, err)
		}
	}
	for messageID := range orphans {
		_ = c.e.deleteBodyIndex(messageID)
		_ = c.e.deleteBodyRefCount(messageID)
	}

	_ = os.Remove(oldPath)
	_ = c.e.wal.Truncate()

	return nil
}
