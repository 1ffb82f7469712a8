package acs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatusTerminal(t *testing.T) {
	assert.False(t, Unknown().Terminal())
	assert.False(t, Active(10).Terminal())
	assert.False(t, InFlightAssignment("sync-a", 10).Terminal())
	assert.True(t, Archived(10).Terminal())
	assert.True(t, InFlightUnassignment("sync-b", 10).Terminal())
}

func TestEntryCovers(t *testing.T) {
	validTo := LogicalTime(20)
	closed := Entry{ValidFrom: 10, ValidTo: &validTo}
	assert.False(t, closed.Covers(9))
	assert.True(t, closed.Covers(10))
	assert.True(t, closed.Covers(19))
	assert.False(t, closed.Covers(20), "intervals are half-open")
	assert.False(t, closed.Open())

	open := Entry{ValidFrom: 10}
	assert.True(t, open.Covers(10))
	assert.True(t, open.Covers(1_000_000))
	assert.False(t, open.Covers(9))
	assert.True(t, open.Open())
}

func TestTransientStorageError(t *testing.T) {
	cause := errors.New("connection refused")
	err := Transient("open entry lookup", cause)

	assert.True(t, IsTransient(err))
	assert.True(t, IsTransient(fmt.Errorf("outer: %w", err)))
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "open entry lookup")

	assert.False(t, IsTransient(cause))
	assert.False(t, IsTransient(nil))
	assert.False(t, IsTransient(ErrNotActive))
}
