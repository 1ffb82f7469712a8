package pruning

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/time/rate"

	"github.com/parledger/acs/pkg/acs"
	"github.com/parledger/acs/pkg/contractid"
	"github.com/parledger/acs/pkg/store"
)

// Stats summarizes one completed prune.
type Stats struct {
	Deleted   int
	Retained  int
	Skipped   int
	Watermark acs.LogicalTime
}

// Manager advances the process-wide pruning watermark and physically
// deletes closed entries below it.
type Manager struct {
	backend store.Backend
	leases  LeaseRegistry
	policy  *RetentionPolicy
	sink    ArchiveSink
	limiter *rate.Limiter
	log     *slog.Logger

	mu        sync.Mutex
	watermark acs.LogicalTime
}

// Option configures a Manager.
type Option func(*Manager)

// WithRetentionPolicy installs a CEL carve-out policy.
func WithRetentionPolicy(p *RetentionPolicy) Option {
	return func(m *Manager) { m.policy = p }
}

// WithArchiveSink installs a cold-storage sink for pruned rows.
func WithArchiveSink(sink ArchiveSink) Option {
	return func(m *Manager) { m.sink = sink }
}

// WithScanRate paces the per-contract terminality checks so large
// prunes do not starve the store.
func WithScanRate(perSecond float64) Option {
	return func(m *Manager) { m.limiter = rate.NewLimiter(rate.Limit(perSecond), 1) }
}

// WithLogger sets the structured logger.
func WithLogger(log *slog.Logger) Option {
	return func(m *Manager) { m.log = log }
}

// NewManager creates a pruning manager over backend and leases.
func NewManager(backend store.Backend, leases LeaseRegistry, opts ...Option) *Manager {
	m := &Manager{
		backend: backend,
		leases:  leases,
		sink:    NoopSink{},
		limiter: rate.NewLimiter(rate.Inf, 1),
		log:     slog.Default(),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Watermark returns the current pruning watermark. All entries with
// ValidTo below it have been deleted or deliberately retained.
func (m *Manager) Watermark() acs.LogicalTime {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.watermark
}

// Prune deletes closed entries with ValidTo < upTo for contracts that
// are terminal on every synchronizer, then advances the watermark.
//
// Fails with acs.ErrPruningTooRecent when upTo is not strictly below
// every live query lease's read time; this is never retried here since
// the bound itself is wrong. Fails with acs.ErrNothingToPrune when no
// row qualifies. Transient storage failures are retried.
func (m *Manager) Prune(ctx context.Context, upTo acs.LogicalTime) (Stats, error) {
	min, held, err := m.leases.MinReadTime(ctx)
	if err != nil {
		return Stats{}, err
	}
	if held && upTo >= min {
		return Stats{}, fmt.Errorf("bound %d not strictly below oldest query lease at %d: %w", upTo, min, acs.ErrPruningTooRecent)
	}

	candidates, err := retryTransient(ctx, func() ([]acs.Entry, error) {
		return m.backend.ClosedEntriesBefore(ctx, upTo)
	})
	if err != nil {
		return Stats{}, err
	}

	stats := Stats{}
	terminal := make(map[contractid.ContractID]bool)
	var deletable []acs.Entry
	for _, e := range candidates {
		ok, known := terminal[e.Key.ContractID]
		if !known {
			if err := m.limiter.Wait(ctx); err != nil {
				return Stats{}, err
			}
			ok, err = m.contractTerminalEverywhere(ctx, e.Key.ContractID)
			if err != nil {
				return Stats{}, err
			}
			terminal[e.Key.ContractID] = ok
		}
		if !ok {
			// History of a still-live contract stays queryable.
			stats.Skipped++
			continue
		}
		if m.policy != nil {
			keep, err := m.policy.Retain(e)
			if err != nil {
				return Stats{}, err
			}
			if keep {
				stats.Retained++
				continue
			}
		}
		deletable = append(deletable, e)
	}

	if len(deletable) == 0 {
		return Stats{}, fmt.Errorf("no prunable entries below %d: %w", upTo, acs.ErrNothingToPrune)
	}

	if err := m.sink.Export(ctx, deletable); err != nil {
		return Stats{}, fmt.Errorf("archive export failed, prune aborted: %w", err)
	}

	refs := make([]store.EntryRef, len(deletable))
	for i, e := range deletable {
		refs[i] = store.EntryRef{Key: e.Key, ValidFrom: e.ValidFrom}
	}
	deleted, err := retryTransient(ctx, func() (int, error) {
		return m.backend.DeleteEntries(ctx, refs)
	})
	if err != nil {
		return Stats{}, err
	}
	stats.Deleted = deleted

	m.mu.Lock()
	if upTo > m.watermark {
		m.watermark = upTo
	}
	stats.Watermark = m.watermark
	m.mu.Unlock()

	m.log.Info("prune completed",
		"up_to", upTo, "deleted", stats.Deleted, "retained", stats.Retained, "skipped", stats.Skipped)
	return stats, nil
}

func (m *Manager) contractTerminalEverywhere(ctx context.Context, cid contractid.ContractID) (bool, error) {
	open, err := retryTransient(ctx, func() ([]acs.Entry, error) {
		return m.backend.OpenEntriesFor(ctx, cid)
	})
	if err != nil {
		return false, err
	}
	for _, e := range open {
		if !e.Status.Terminal() {
			return false, nil
		}
	}
	return true, nil
}

// retryTransient retries op on transient storage failures with bounded
// exponential backoff; all other errors are permanent.
func retryTransient[T any](ctx context.Context, op func() (T, error)) (T, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 20 * time.Millisecond
	bo.MaxInterval = time.Second

	return backoff.Retry(ctx, func() (T, error) {
		out, err := op()
		if err != nil && !acs.IsTransient(err) {
			return out, backoff.Permanent(err)
		}
		return out, err
	}, backoff.WithBackOff(bo), backoff.WithMaxTries(4))
}

// AcquireLease registers a snapshot reader at readTime and returns a
// release function. A convenience over the registry for query callers.
func (m *Manager) AcquireLease(ctx context.Context, readTime acs.LogicalTime) (func(context.Context) error, error) {
	lease, err := m.leases.Acquire(ctx, readTime)
	if err != nil {
		return nil, err
	}
	return func(ctx context.Context) error {
		return m.leases.Release(ctx, lease)
	}, nil
}
