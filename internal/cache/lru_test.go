package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLRU_SetGetRoundTrip(t *testing.T) {
	c := New[string, int](3, time.Minute)

	c.Set("a", 1)
	v, ok := c.Get("a")
	require.True(t, ok)
	require.Equal(t, 1, v)
}

func TestLRU_MissOnUnknownKey(t *testing.T) {
	c := New[string, int](3, time.Minute)
	_, ok := c.Get("missing")
	require.False(t, ok)
}

func TestLRU_EvictsLeastRecentlyUsed(t *testing.T) {
	c := New[string, int](2, time.Minute)

	c.Set("a", 1)
	c.Set("b", 2)
	c.Get("a") // promotes a to MRU, b becomes LRU
	c.Set("c", 3) // evicts b

	_, ok := c.Get("b")
	require.False(t, ok)

	_, ok = c.Get("a")
	require.True(t, ok)
	_, ok = c.Get("c")
	require.True(t, ok)
}

func TestLRU_SetOverwritesAndPromotes(t *testing.T) {
	c := New[string, int](2, time.Minute)

	c.Set("a", 1)
	c.Set("b", 2)
	c.Set("a", 99) // overwrite promotes a, b is now LRU
	c.Set("c", 3)  // evicts b

	v, ok := c.Get("a")
	require.True(t, ok)
	require.Equal(t, 99, v)

	_, ok = c.Get("b")
	require.False(t, ok)
}

func TestLRU_ExpiresAfterTTL(t *testing.T) {
	c := New[string, int](3, time.Minute)

	current := time.Now()
	c.now = func() time.Time { return current }

	c.Set("a", 1)

	current = current.Add(2 * time.Minute)
	_, ok := c.Get("a")
	require.False(t, ok)
}

func TestLRU_ZeroTTLNeverExpires(t *testing.T) {
	c := New[string, int](3, 0)

	current := time.Now()
	c.now = func() time.Time { return current }

	c.Set("a", 1)
	current = current.Add(365 * 24 * time.Hour)

	_, ok := c.Get("a")
	require.True(t, ok)
}

func TestLRU_DeleteRemovesEntry(t *testing.T) {
	c := New[string, int](3, time.Minute)
	c.Set("a", 1)
	c.Delete("a")

	_, ok := c.Get("a")
	require.False(t, ok)
	require.Equal(t, 0, c.Len())
}

func TestLRU_ClearEmptiesCache(t *testing.T) {
	c := New[string, int](3, time.Minute)
	c.Set("a", 1)
	c.Set("b", 2)

	c.Clear()

	require.Equal(t, 0, c.Len())
	_, ok := c.Get("a")
	require.False(t, ok)
}

func TestLRU_LenTracksSize(t *testing.T) {
	c := New[string, int](5, time.Minute)
	require.Equal(t, 0, c.Len())

	c.Set("a", 1)
	c.Set("b", 2)
	require.Equal(t, 2, c.Len())
}
