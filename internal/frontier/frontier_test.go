package frontier

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRejectsNonPositiveCapacity(t *testing.T) {
	t.Parallel()

	_, err := New(0)
	require.Error(t, err)
}

func TestCachePutGet(t *testing.T) {
	t.Parallel()

	c, err := New(DefaultCapacity)
	require.NoError(t, err)

	c.Put("https://example.com/", 0)
	depth, ok := c.Get("https://example.com/")
	require.True(t, ok)
	assert.Equal(t, 0, depth)

	_, ok = c.Get("https://example.com/missing")
	assert.False(t, ok)
	assert.Equal(t, 1, c.Len())
}

func TestCacheEvictsLeastRecentlyUsed(t *testing.T) {
	t.Parallel()

	var evicted []string
	c, err := New(DefaultCapacity, WithEvictionCallback(func(url string, _ int) {
		evicted = append(evicted, url)
	}))
	require.NoError(t, err)

	for i := 0; i < DefaultCapacity; i++ {
		c.Put(fmt.Sprintf("https://example.com/%d", i), i)
	}
	require.Equal(t, DefaultCapacity, c.Len())

	// Touch the oldest entry so the second-oldest becomes the eviction victim.
	_, ok := c.Get("https://example.com/0")
	require.True(t, ok)

	c.Put("https://example.com/new", 0)

	assert.Equal(t, DefaultCapacity, c.Len())
	assert.Equal(t, []string{"https://example.com/1"}, evicted)
	assert.True(t, c.Contains("https://example.com/0"))
	assert.False(t, c.Contains("https://example.com/1"))
}

func TestCacheNeverExceedsCapacity(t *testing.T) {
	t.Parallel()

	c, err := New(3)
	require.NoError(t, err)
	for i := 0; i < 50; i++ {
		c.Put(fmt.Sprintf("u%d", i), i)
		require.LessOrEqual(t, c.Len(), 3)
	}
}

func TestCacheUpdate(t *testing.T) {
	t.Parallel()

	c, err := New(2)
	require.NoError(t, err)

	assert.False(t, c.Update("absent", 4), "update must not insert")
	assert.Equal(t, 0, c.Len())

	c.Put("a", 0)
	c.Put("b", 0)
	require.True(t, c.Update("a", 1))

	depth, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, 1, depth)

	// "a" was refreshed by the update, so "b" is evicted next.
	c.Put("c", 0)
	assert.False(t, c.Contains("b"))
	assert.True(t, c.Contains("a"))
}
