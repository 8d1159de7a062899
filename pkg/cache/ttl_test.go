package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTTL_SetGet(t *testing.T) {
	c := NewTTL[string](context.Background(), time.Minute, time.Minute)
	defer c.Close()

	c.Set("k", "v")

	got, ok := c.Get("k")
	require.True(t, ok)
	assert.Equal(t, "v", got)
}

func TestTTL_MissUnknownKey(t *testing.T) {
	c := NewTTL[int](context.Background(), time.Minute, time.Minute)
	defer c.Close()

	_, ok := c.Get("absent")
	assert.False(t, ok)

	stats := c.Stats()
	assert.Equal(t, int64(1), stats.Misses)
	assert.Equal(t, int64(0), stats.Hits)
}

func TestTTL_Expiry(t *testing.T) {
	c := NewTTL[string](context.Background(), 20*time.Millisecond, time.Hour)
	defer c.Close()

	c.Set("k", "v")
	time.Sleep(40 * time.Millisecond)

	_, ok := c.Get("k")
	assert.False(t, ok)
	assert.Equal(t, int64(1), c.Stats().Evictions)
}

func TestTTL_SetReArmsTTL(t *testing.T) {
	c := NewTTL[string](context.Background(), 60*time.Millisecond, time.Hour)
	defer c.Close()

	c.Set("k", "v1")
	time.Sleep(40 * time.Millisecond)
	c.Set("k", "v2")
	time.Sleep(40 * time.Millisecond)

	got, ok := c.Get("k")
	require.True(t, ok)
	assert.Equal(t, "v2", got)
}

func TestTTL_Delete(t *testing.T) {
	c := NewTTL[string](context.Background(), time.Minute, time.Minute)
	defer c.Close()

	c.Set("k", "v")
	assert.True(t, c.Delete("k"))
	assert.False(t, c.Delete("k"))

	_, ok := c.Get("k")
	assert.False(t, ok)
}

func TestTTL_BackgroundSweep(t *testing.T) {
	c := NewTTL[string](context.Background(), 10*time.Millisecond, 20*time.Millisecond)
	defer c.Close()

	c.Set("a", "1")
	c.Set("b", "2")

	assert.Eventually(t, func() bool {
		return c.Len() == 0
	}, time.Second, 10*time.Millisecond)
}
