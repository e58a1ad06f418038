// ABOUTME: Tests for the TTL suppression cache
// ABOUTME: Covers mark/suppress, explicit forget, TTL expiry, and size eviction

package dedupe

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCache_CheckAndMark(t *testing.T) {
	c := New(time.Minute, 10)
	defer c.Close()

	assert.False(t, c.CheckAndMark("k1"), "first sight is not a duplicate")
	assert.True(t, c.CheckAndMark("k1"), "second sight is suppressed")
	assert.False(t, c.CheckAndMark("k2"), "different key is independent")
}

func TestCache_Forget(t *testing.T) {
	c := New(time.Minute, 10)
	defer c.Close()

	assert.False(t, c.CheckAndMark("k1"))
	c.Forget("k1")
	assert.False(t, c.CheckAndMark("k1"), "forgotten key is fresh again")
}

func TestCache_ForgetUnknownKey(t *testing.T) {
	c := New(time.Minute, 10)
	defer c.Close()

	c.Forget("never-seen") // no panic
}

func TestCache_TTLExpiry(t *testing.T) {
	c := New(20*time.Millisecond, 10)
	defer c.Close()

	assert.False(t, c.CheckAndMark("k1"))
	time.Sleep(40 * time.Millisecond)
	assert.False(t, c.CheckAndMark("k1"), "expired key is fresh again")
}

func TestCache_SizeEviction(t *testing.T) {
	c := New(time.Minute, 2)
	defer c.Close()

	assert.False(t, c.CheckAndMark("k1"))
	assert.False(t, c.CheckAndMark("k2"))
	assert.False(t, c.CheckAndMark("k3"), "insert past capacity evicts oldest")
	assert.False(t, c.CheckAndMark("k1"), "k1 was evicted")
}

func TestCache_CloseTwice(t *testing.T) {
	c := New(time.Minute, 10)
	c.Close()
	c.Close() // safe
}
