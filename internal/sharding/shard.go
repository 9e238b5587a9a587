// Package sharding implements the shard model, shard counter, and shard
// selection strategy that make queue reads and writes horizontally
// partitionable: C1 (identity/ordering), C2 (counter), and C3 (selection).
package sharding

import (
	"github.com/cespare/xxhash/v2"

	"github.com/apache/qakka/internal/types"
)

// deriveShardID turns a shard's pointerUuid into the 64-bit shardId the
// wide-column schema stores alongside it. Hashing rather than parsing the
// ULID keeps shard ids uniformly distributed across int64 space regardless
// of how clustered in time the underlying pointer UUIDs are.
func deriveShardID(pointerUUID string) int64 {
	return int64(xxhash.Sum64String(pointerUUID))
}

// NewShard constructs the initial or a newly allocated shard for
// (queueName, region, typ), identified by pointerUUID.
func NewShard(queueName, region string, typ types.ShardType, pointerUUID string) *types.Shard {
	return &types.Shard{
		QueueName:   queueName,
		Region:      region,
		Type:        typ,
		PointerUUID: pointerUUID,
		ShardID:     deriveShardID(pointerUUID),
	}
}
