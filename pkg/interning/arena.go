// Package interning provides an explicit string-interning arena keyed by
// small integer indices. There is no ambient global state: each owner
// creates and holds its own arena.
package interning

import (
	"sync"

	"golang.org/x/text/unicode/norm"
)

// Arena interns strings to stable uint32 indices. Party and synchronizer
// identifiers recur in every entry and snapshot, so components compare
// indices instead of re-comparing strings.
type Arena struct {
	mu    sync.RWMutex
	byKey map[string]uint32
	keys  []string
}

// NewArena creates an empty arena.
func NewArena() *Arena {
	return &Arena{byKey: make(map[string]uint32)}
}

// GetOrCreate returns the index for key, interning it on first use. Keys
// are NFC-normalized first so visually identical identifiers with
// different Unicode compositions intern to the same index.
func (a *Arena) GetOrCreate(key string) uint32 {
	key = norm.NFC.String(key)

	a.mu.RLock()
	idx, ok := a.byKey[key]
	a.mu.RUnlock()
	if ok {
		return idx
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if idx, ok := a.byKey[key]; ok {
		return idx
	}
	idx = uint32(len(a.keys))
	a.byKey[key] = idx
	a.keys = append(a.keys, key)
	return idx
}

// Lookup returns the index for key without interning it.
func (a *Arena) Lookup(key string) (uint32, bool) {
	key = norm.NFC.String(key)
	a.mu.RLock()
	defer a.mu.RUnlock()
	idx, ok := a.byKey[key]
	return idx, ok
}

// Key returns the string interned at idx.
func (a *Arena) Key(idx uint32) (string, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if int(idx) >= len(a.keys) {
		return "", false
	}
	return a.keys[idx], true
}

// Len returns the number of interned strings.
func (a *Arena) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.keys)
}
