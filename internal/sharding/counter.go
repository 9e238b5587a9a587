package sharding

import (
	"context"
	"sync"
	"time"

	"github.com/apache/qakka/internal/storage"
	"github.com/apache/qakka/internal/types"
)

// counterKey identifies one accumulator slot.
type counterKey struct {
	queueName string
	region    string
	typ       types.ShardType
	shardID   int64
}

// Counter accumulates shard size deltas in memory and periodically flushes
// them to storage.Engine's persistent counter column. Counters are treated
// as a sizing *hint* for C3's new-shard-allocation decision, never consulted
// for correctness — an accumulated delta lost to a crash is acceptable, so
// FlushLoop discards flush errors without logging them.
type Counter struct {
	engine storage.Engine

	mu   sync.Mutex
	acc  map[counterKey]int64
	done chan struct{}
	wg   sync.WaitGroup
}

// NewCounter returns a Counter flushing deltas against engine.
func NewCounter(engine storage.Engine) *Counter {
	return &Counter{
		engine: engine,
		acc:    make(map[counterKey]int64),
		done:   make(chan struct{}),
	}
}

// Add accumulates delta in memory for (queueName, region, typ, shardID).
// Call with +1 on every pointer write and -1 on every pointer delete.
func (c *Counter) Add(queueName, region string, typ types.ShardType, shardID int64, delta int64) {
	key := counterKey{queueName, region, typ, shardID}
	c.mu.Lock()
	c.acc[key] += delta
	c.mu.Unlock()
}

// Read returns the last-flushed persistent value plus any not-yet-flushed
// in-memory delta, so callers (C3's threshold check) see a live estimate.
func (c *Counter) Read(queueName, region string, typ types.ShardType, shardID int64) (int64, error) {
	persisted, err := c.engine.ReadCounter(queueName, region, typ, shardID)
	if err != nil {
		return 0, err
	}
	key := counterKey{queueName, region, typ, shardID}
	c.mu.Lock()
	pending := c.acc[key]
	c.mu.Unlock()
	return persisted + pending, nil
}

// FlushLoop runs Flush every interval until ctx is cancelled or Stop is
// called. It is meant to be launched in its own goroutine by the owning
// service.
func (c *Counter) FlushLoop(ctx context.Context, interval time.Duration) {
	c.wg.Add(1)
	defer c.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = c.Flush()
			return
		case <-c.done:
			_ = c.Flush()
			return
		case <-ticker.C:
			_ = c.Flush()
		}
	}
}

// Stop signals FlushLoop to perform a final flush and exit, and waits for it.
func (c *Counter) Stop() {
	select {
	case <-c.done:
	default:
		close(c.done)
	}
	c.wg.Wait()
}

// Flush commits every accumulated delta to persistent storage and zeroes the
// in-memory accumulator for each key flushed, whether or not the commit
// for that key succeeded — a lost delta is acceptable, a doubly-applied one
// is not.
func (c *Counter) Flush() error {
	c.mu.Lock()
	pending := c.acc
	c.acc = make(map[counterKey]int64, len(pending))
	c.mu.Unlock()

	var firstErr error
	for key, delta := range pending {
		if delta == 0 {
			continue
		}
		if _, err := c.engine.AccumulateCounter(key.queueName, key.region, key.typ, key.shardID, delta); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
