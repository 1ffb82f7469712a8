package pruning

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/parledger/acs/pkg/acs"
)

// RedisLeaseRegistry shares query leases across processes of a
// multi-node participant. Leases carry a TTL so a crashed reader cannot
// block pruning forever.
type RedisLeaseRegistry struct {
	client redis.UniversalClient
	ttl    time.Duration
}

// NewRedisLeaseRegistry creates a registry over client. ttl bounds how
// long an unreleased lease survives; zero means one minute.
func NewRedisLeaseRegistry(client redis.UniversalClient, ttl time.Duration) *RedisLeaseRegistry {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &RedisLeaseRegistry{client: client, ttl: ttl}
}

func (r *RedisLeaseRegistry) Acquire(ctx context.Context, readTime acs.LogicalTime) (Lease, error) {
	lease := Lease{ID: uuid.NewString(), ReadTime: readTime}
	if err := r.client.Set(ctx, leaseKey(lease.ID), int64(readTime), r.ttl).Err(); err != nil {
		return Lease{}, acs.Transient("lease acquire", err)
	}
	return lease, nil
}

func (r *RedisLeaseRegistry) Release(ctx context.Context, lease Lease) error {
	if err := r.client.Del(ctx, leaseKey(lease.ID)).Err(); err != nil {
		return acs.Transient("lease release", err)
	}
	return nil
}

func (r *RedisLeaseRegistry) MinReadTime(ctx context.Context) (acs.LogicalTime, bool, error) {
	iter := r.client.Scan(ctx, 0, leaseKey("*"), 100).Iterator()
	found := false
	var min acs.LogicalTime
	for iter.Next(ctx) {
		val, err := r.client.Get(ctx, iter.Val()).Int64()
		if err == redis.Nil {
			continue // expired between scan and get
		}
		if err != nil {
			return 0, false, acs.Transient("lease read", err)
		}
		t := acs.LogicalTime(val)
		if !found || t < min {
			min = t
			found = true
		}
	}
	if err := iter.Err(); err != nil {
		return 0, false, acs.Transient("lease scan", fmt.Errorf("scan failed: %w", err))
	}
	return min, found, nil
}
