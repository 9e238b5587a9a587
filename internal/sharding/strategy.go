package sharding

import (
	"fmt"
	"sort"

	"github.com/apache/qakka/internal/node"
	"github.com/apache/qakka/internal/storage"
	"github.com/apache/qakka/internal/types"
)

// DefaultShardThreshold is the shard counter value above which Strategy
// allocates a new shard rather than continuing to write into the current
// head shard.
const DefaultShardThreshold = 100_000

// Strategy selects the shard a pointer write or read for (queue, region,
// type, timeUUID) belongs to, allocating a new shard when the current head
// has grown past Threshold. It is safe for concurrent use; concurrent
// allocation races are tolerated by design (both shards persist, reads scan
// the union).
type Strategy struct {
	engine    storage.Engine
	counter   *Counter
	Threshold int64
}

// NewStrategy returns a Strategy backed by engine, using counter as the
// sizing-hint source for the allocation threshold.
func NewStrategy(engine storage.Engine, counter *Counter) *Strategy {
	return &Strategy{engine: engine, counter: counter, Threshold: DefaultShardThreshold}
}

// SelectShard implements C3: list all shards for (queueName, region, typ)
// ordered by pointerUuid; pick the greatest shard whose pointerUuid <=
// timeUUID. If that shard's counter exceeds Threshold and timeUUID is
// greater than the current head's pointerUuid, allocate a new shard whose
// pointerUuid is timeUUID itself (see allocate) and use it instead. If no shard exists
// yet, create the initial one.
func (s *Strategy) SelectShard(queueName, region string, typ types.ShardType, timeUUID string) (*types.Shard, error) {
	shards, err := s.engine.ListShards(queueName, region, typ)
	if err != nil {
		return nil, fmt.Errorf("sharding: list shards: %w", err)
	}

	if len(shards) == 0 {
		return s.allocate(queueName, region, typ, timeUUID)
	}

	sort.Slice(shards, func(i, j int) bool { return shards[i].PointerUUID < shards[j].PointerUUID })

	var chosen *types.Shard
	for _, sh := range shards {
		if sh.PointerUUID <= timeUUID {
			chosen = sh
		} else {
			break
		}
	}
	// timeUUID precedes every existing shard's pointerUuid (e.g. a read for an
	// old time-UUID coexisting with shards allocated after it arrived) — the
	// earliest shard is still the correct one to consult.
	if chosen == nil {
		chosen = shards[0]
	}

	head := shards[len(shards)-1]
	if chosen.PointerUUID == head.PointerUUID && timeUUID > head.PointerUUID {
		count, err := s.counter.Read(queueName, region, typ, head.ShardID)
		if err != nil {
			return nil, fmt.Errorf("sharding: read counter: %w", err)
		}
		if count > s.Threshold {
			return s.allocate(queueName, region, typ, timeUUID)
		}
	}

	return chosen, nil
}

// allocate creates a new shard whose pointerUuid is timeUUID (the caller's
// time-UUID, or a freshly generated one when none is available yet) and
// persists it. CreateShard is idempotent, so a concurrent allocation racing
// on the same pointerUuid collapses harmlessly onto one row.
func (s *Strategy) allocate(queueName, region string, typ types.ShardType, timeUUID string) (*types.Shard, error) {
	pointerUUID := timeUUID
	if pointerUUID == "" {
		id, err := node.NewID()
		if err != nil {
			return nil, fmt.Errorf("sharding: generate pointer uuid: %w", err)
		}
		pointerUUID = id
	}
	shard := NewShard(queueName, region, typ, pointerUUID)
	if err := s.engine.CreateShard(shard); err != nil {
		return nil, fmt.Errorf("sharding: create shard: %w", err)
	}
	return shard, nil
}
