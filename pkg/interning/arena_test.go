package interning

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestArenaGetOrCreate(t *testing.T) {
	a := NewArena()

	idx := a.GetOrCreate("alice")
	assert.Equal(t, idx, a.GetOrCreate("alice"))
	assert.NotEqual(t, idx, a.GetOrCreate("bob"))
	assert.Equal(t, 2, a.Len())

	key, ok := a.Key(idx)
	require.True(t, ok)
	assert.Equal(t, "alice", key)

	_, ok = a.Key(999)
	assert.False(t, ok)
}

func TestArenaLookupDoesNotIntern(t *testing.T) {
	a := NewArena()

	_, ok := a.Lookup("alice")
	assert.False(t, ok)
	assert.Equal(t, 0, a.Len())

	idx := a.GetOrCreate("alice")
	got, ok := a.Lookup("alice")
	require.True(t, ok)
	assert.Equal(t, idx, got)
}

func TestArenaNormalizesNFC(t *testing.T) {
	a := NewArena()

	// U+00E9 (precomposed) and U+0065 U+0301 (decomposed) are the same
	// identifier.
	composed := "café"
	decomposed := "café"

	idx := a.GetOrCreate(composed)
	assert.Equal(t, idx, a.GetOrCreate(decomposed))
	assert.Equal(t, 1, a.Len())

	got, ok := a.Lookup(decomposed)
	require.True(t, ok)
	assert.Equal(t, idx, got)
}

func TestArenaConcurrent(t *testing.T) {
	a := NewArena()

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				a.GetOrCreate(fmt.Sprintf("party-%d", i))
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 100, a.Len())
	for i := 0; i < 100; i++ {
		_, ok := a.Lookup(fmt.Sprintf("party-%d", i))
		assert.True(t, ok)
	}
}
