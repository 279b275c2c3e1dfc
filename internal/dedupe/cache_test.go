// ABOUTME: Tests for the command id dedupe cache.
// ABOUTME: Covers replay detection, TTL expiry, size eviction, and Close idempotency.

package dedupe

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCache_CheckAndMark(t *testing.T) {
	c := New(time.Minute, 100)
	defer c.Close()

	assert.False(t, c.CheckAndMark("cmd-1"))
	assert.True(t, c.CheckAndMark("cmd-1"))
	assert.False(t, c.CheckAndMark("cmd-2"))
	assert.Equal(t, 2, c.Len())
}

func TestCache_ExpiredIDCanBeReused(t *testing.T) {
	c := New(10*time.Millisecond, 100)
	defer c.Close()

	assert.False(t, c.CheckAndMark("cmd-1"))
	time.Sleep(20 * time.Millisecond)
	assert.False(t, c.CheckAndMark("cmd-1"))
}

func TestCache_EvictsOldestAtCapacity(t *testing.T) {
	c := New(time.Minute, 3)
	defer c.Close()

	for i := 0; i < 3; i++ {
		c.CheckAndMark(fmt.Sprintf("cmd-%d", i))
	}
	assert.Equal(t, 3, c.Len())

	// A fourth id pushes out the oldest.
	c.CheckAndMark("cmd-3")
	assert.Equal(t, 3, c.Len())
	assert.False(t, c.CheckAndMark("cmd-0"))
}

func TestCache_Expire(t *testing.T) {
	c := New(10*time.Millisecond, 100)
	defer c.Close()

	c.CheckAndMark("cmd-1")
	c.CheckAndMark("cmd-2")
	time.Sleep(20 * time.Millisecond)

	c.expire()
	assert.Equal(t, 0, c.Len())
}

func TestCache_CloseIsIdempotent(t *testing.T) {
	c := New(time.Minute, 100)
	c.Close()
	c.Close()
}
