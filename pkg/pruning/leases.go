// Package pruning removes historical entries below a safe watermark
// while keeping every still-referenced contract state queryable.
package pruning

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/parledger/acs/pkg/acs"
)

// Lease is held by a snapshot reader for the duration of its query. A
// live lease blocks pruning at or above its read time.
type Lease struct {
	ID       string
	ReadTime acs.LogicalTime
}

// LeaseRegistry tracks live query leases. The pruning check against it
// is advisory: a non-blocking read of the minimum read time, not a lock.
type LeaseRegistry interface {
	// Acquire registers a lease at readTime.
	Acquire(ctx context.Context, readTime acs.LogicalTime) (Lease, error)

	// Release drops the lease. Releasing an unknown lease is a no-op.
	Release(ctx context.Context, lease Lease) error

	// MinReadTime returns the smallest read time across live leases,
	// and false when no lease is held.
	MinReadTime(ctx context.Context) (acs.LogicalTime, bool, error)
}

// MemoryLeaseRegistry is the in-process registry for single-node
// participants.
type MemoryLeaseRegistry struct {
	mu     sync.Mutex
	leases map[string]acs.LogicalTime
}

// NewMemoryLeaseRegistry creates an empty registry.
func NewMemoryLeaseRegistry() *MemoryLeaseRegistry {
	return &MemoryLeaseRegistry{leases: make(map[string]acs.LogicalTime)}
}

func (r *MemoryLeaseRegistry) Acquire(ctx context.Context, readTime acs.LogicalTime) (Lease, error) {
	if err := ctx.Err(); err != nil {
		return Lease{}, err
	}
	lease := Lease{ID: uuid.NewString(), ReadTime: readTime}
	r.mu.Lock()
	r.leases[lease.ID] = readTime
	r.mu.Unlock()
	return lease, nil
}

func (r *MemoryLeaseRegistry) Release(ctx context.Context, lease Lease) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	delete(r.leases, lease.ID)
	r.mu.Unlock()
	return nil
}

func (r *MemoryLeaseRegistry) MinReadTime(ctx context.Context) (acs.LogicalTime, bool, error) {
	if err := ctx.Err(); err != nil {
		return 0, false, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.leases) == 0 {
		return 0, false, nil
	}
	first := true
	var min acs.LogicalTime
	for _, t := range r.leases {
		if first || t < min {
			min = t
			first = false
		}
	}
	return min, true, nil
}

// leaseKey formats the storage key for a distributed lease.
func leaseKey(id string) string {
	return fmt.Sprintf("acs:lease:%s", id)
}
