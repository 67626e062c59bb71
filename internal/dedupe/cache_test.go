// ABOUTME: Tests for the update dedupe cache
// ABOUTME: Covers duplicate detection, TTL expiry, and size-capped eviction

package dedupe

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSeenMarksAndDetects(t *testing.T) {
	c := New(time.Minute, 100)
	defer c.Close()

	assert.False(t, c.Seen(1), "first sighting is not a duplicate")
	assert.True(t, c.Seen(1), "second sighting is")
	assert.False(t, c.Seen(2))
}

func TestSeenExpires(t *testing.T) {
	c := New(10*time.Millisecond, 100)
	defer c.Close()

	assert.False(t, c.Seen(1))
	time.Sleep(20 * time.Millisecond)
	assert.False(t, c.Seen(1), "expired entries are forgotten")
}

func TestEvictionAtCapacity(t *testing.T) {
	c := New(time.Minute, 2)
	defer c.Close()

	assert.False(t, c.Seen(1))
	assert.False(t, c.Seen(2))
	assert.False(t, c.Seen(3), "evicts oldest")
	assert.False(t, c.Seen(1), "1 was evicted and reads as new")
	assert.True(t, c.Seen(3))
}

func TestCloseIsIdempotent(t *testing.T) {
	c := New(time.Minute, 10)
	c.Close()
	c.Close()
}
