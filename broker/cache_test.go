package broker

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEntryCacheEvictsLeastRecentlyUsed(t *testing.T) {
	c := newEntryCache(1)
	half := bytes.Repeat([]byte{1}, 512*1024)

	c.put(1, 0, half)
	c.put(1, 1, half)
	_, ok := c.get(1, 0)
	assert.True(t, ok)

	c.put(1, 2, half)
	_, ok = c.get(1, 1)
	assert.False(t, ok, "entry 1 was least recently used")
	_, ok = c.get(1, 0)
	assert.True(t, ok)
	_, ok = c.get(1, 2)
	assert.True(t, ok)

	size, hits, misses := c.stats()
	assert.Equal(t, 2*len(half), size)
	assert.Equal(t, int64(3), hits)
	assert.Equal(t, int64(1), misses)
}

func TestEntryCacheInvalidateLedger(t *testing.T) {
	c := newEntryCache(1)
	c.put(1, 0, []byte("a"))
	c.put(2, 0, []byte("bb"))
	c.invalidateLedger(1)

	_, ok := c.get(1, 0)
	assert.False(t, ok)
	data, ok := c.get(2, 0)
	assert.True(t, ok)
	assert.Equal(t, "bb", string(data))
	size, _, _ := c.stats()
	assert.Equal(t, 2, size)
}

func TestEntryCacheDisabled(t *testing.T) {
	c := newEntryCache(0)
	c.put(1, 0, []byte("a"))
	_, ok := c.get(1, 0)
	assert.False(t, ok)
}
