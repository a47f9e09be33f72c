package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTTLCache_SetGet(t *testing.T) {
	c := NewTTLCache[string](time.Minute)
	c.Set("a", "1")
	c.Set("", "ignored")

	v, ok := c.Get("a")
	assert.True(t, ok)
	assert.Equal(t, "1", v)
	_, ok = c.Get("missing")
	assert.False(t, ok)
	assert.Equal(t, 1, c.Len())

	c.Delete("a")
	_, ok = c.Get("a")
	assert.False(t, ok)

	c.Set("b", "2")
	c.Clear()
	assert.Equal(t, 0, c.Len())
}

func TestTTLCache_Expires(t *testing.T) {
	now := time.Now()
	c := NewTTLCache[int](time.Second)
	c.now = func() time.Time { return now }
	c.Set("a", 1)

	now = now.Add(500 * time.Millisecond)
	_, ok := c.Get("a")
	assert.True(t, ok)

	now = now.Add(time.Second)
	_, ok = c.Get("a")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len(), "过期条目在读取时删除")
}

func TestTTLCache_Disabled(t *testing.T) {
	c := NewTTLCache[int](0)
	c.Set("a", 1)
	_, ok := c.Get("a")
	assert.False(t, ok)
	assert.False(t, c.Enabled())

	var nilCache *TTLCache[int]
	assert.False(t, nilCache.Enabled())
	_, ok = nilCache.Get("a")
	assert.False(t, ok)
}
