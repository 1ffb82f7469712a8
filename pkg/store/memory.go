package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/parledger/acs/pkg/acs"
	"github.com/parledger/acs/pkg/contractid"
)

// MemoryBackend is the in-process reference backend. It implements the
// same compare-and-append semantics as the SQL backends under a single
// mutex and is the backend of record for unit tests.
type MemoryBackend struct {
	mu      sync.RWMutex
	entries map[acs.Key][]acs.Entry
	events  map[acs.SynchronizerID]map[uint64]contractid.ContractID
	lastRC  map[acs.SynchronizerID]uint64
	closed  bool
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		entries: make(map[acs.Key][]acs.Entry),
		events:  make(map[acs.SynchronizerID]map[uint64]contractid.ContractID),
		lastRC:  make(map[acs.SynchronizerID]uint64),
	}
}

func (m *MemoryBackend) OpenEntry(ctx context.Context, key acs.Key) (*acs.Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, acs.ErrClosed
	}
	history := m.entries[key]
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Open() {
			entry := history[i]
			return &entry, nil
		}
	}
	return nil, nil
}

func (m *MemoryBackend) CompareAndAppend(ctx context.Context, key acs.Key, expectedCounter uint64, closeAt *acs.LogicalTime, next acs.Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return acs.ErrClosed
	}

	history := m.entries[key]
	openIdx := -1
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Open() {
			openIdx = i
			break
		}
	}

	if expectedCounter == 0 {
		if openIdx >= 0 {
			return ErrCASConflict
		}
	} else {
		if openIdx < 0 || history[openIdx].ChangeCounter != expectedCounter {
			return ErrCASConflict
		}
		if closeAt == nil {
			return fmt.Errorf("closeAt required when closing entry %d", expectedCounter)
		}
		at := *closeAt
		history[openIdx].ValidTo = &at
	}

	next.Key = key
	m.entries[key] = append(history, next)
	return nil
}

func (m *MemoryBackend) CloseEntry(ctx context.Context, key acs.Key, expectedCounter uint64, closeAt acs.LogicalTime) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return acs.ErrClosed
	}
	history := m.entries[key]
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Open() {
			if history[i].ChangeCounter != expectedCounter {
				return ErrCASConflict
			}
			at := closeAt
			history[i].ValidTo = &at
			return nil
		}
	}
	return ErrCASConflict
}

func (m *MemoryBackend) History(ctx context.Context, key acs.Key) ([]acs.Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, acs.ErrClosed
	}
	history := m.entries[key]
	out := make([]acs.Entry, len(history))
	copy(out, history)
	sort.Slice(out, func(i, j int) bool { return out[i].ValidFrom < out[j].ValidFrom })
	return out, nil
}

func (m *MemoryBackend) Keys(ctx context.Context) ([]acs.Key, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]acs.Key, 0, len(m.entries))
	for k := range m.entries {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys, nil
}

func (m *MemoryBackend) OpenEntriesFor(ctx context.Context, cid contractid.ContractID) ([]acs.Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []acs.Entry
	for key, history := range m.entries {
		if key.ContractID != cid {
			continue
		}
		for i := len(history) - 1; i >= 0; i-- {
			if history[i].Open() {
				out = append(out, history[i])
				break
			}
		}
	}
	return out, nil
}

func (m *MemoryBackend) ClosedEntriesBefore(ctx context.Context, upTo acs.LogicalTime) ([]acs.Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []acs.Entry
	for _, history := range m.entries {
		for _, e := range history {
			if e.ValidTo != nil && *e.ValidTo < upTo {
				out = append(out, e)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return *out[i].ValidTo < *out[j].ValidTo })
	return out, nil
}

func (m *MemoryBackend) DeleteEntries(ctx context.Context, refs []EntryRef) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	deleted := 0
	for _, ref := range refs {
		history := m.entries[ref.Key]
		kept := history[:0]
		for _, e := range history {
			if e.ValidFrom == ref.ValidFrom && !e.Open() {
				deleted++
				continue
			}
			kept = append(kept, e)
		}
		if len(kept) == 0 {
			delete(m.entries, ref.Key)
		} else {
			m.entries[ref.Key] = kept
		}
	}
	return deleted, nil
}

func (m *MemoryBackend) HasEvent(ctx context.Context, synchronizer acs.SynchronizerID, counter uint64, cid contractid.ContractID) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	existing, ok := m.events[synchronizer][counter]
	return ok && existing == cid, nil
}

func (m *MemoryBackend) AppendEvent(ctx context.Context, rec EventRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	byCounter, ok := m.events[rec.Synchronizer]
	if !ok {
		byCounter = make(map[uint64]contractid.ContractID)
		m.events[rec.Synchronizer] = byCounter
	}
	if _, dup := byCounter[rec.RequestCounter]; dup {
		return fmt.Errorf("event %d already recorded for %s", rec.RequestCounter, rec.Synchronizer)
	}
	byCounter[rec.RequestCounter] = rec.ContractID
	if last, ok := m.lastRC[rec.Synchronizer]; !ok || rec.RequestCounter > last {
		m.lastRC[rec.Synchronizer] = rec.RequestCounter
	}
	return nil
}

func (m *MemoryBackend) LastRequestCounter(ctx context.Context, synchronizer acs.SynchronizerID) (uint64, bool, error) {
	if err := ctx.Err(); err != nil {
		return 0, false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	rc, ok := m.lastRC[synchronizer]
	return rc, ok, nil
}

func (m *MemoryBackend) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
