package cache

import (
	"math/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func weigh(_ string, v int64) int64 { return v }

func TestLRUEvictsOldestFirst(t *testing.T) {
	var evicted []string
	c := NewLRU[string, int64](10, weigh, func(k string, _ int64) { evicted = append(evicted, k) })

	c.Set("a", 4)
	c.Set("b", 4)
	_, ok := c.Get("a")
	require.True(t, ok)

	keys := c.Set("c", 4)
	assert.Equal(t, []string{"b"}, keys)
	assert.Equal(t, []string{"b"}, evicted)
	assert.Equal(t, []string{"c", "a"}, c.Keys())
	assert.Equal(t, int64(8), c.Size())
}

func TestLRUNeverEvictsInsertedEntry(t *testing.T) {
	var evicted []string
	c := NewLRU[string, int64](10, weigh, func(k string, _ int64) { evicted = append(evicted, k) })

	c.Set("a", 3)
	c.Set("b", 3)
	c.Set("huge", 25)

	assert.ElementsMatch(t, []string{"a", "b"}, evicted)
	assert.Equal(t, []string{"huge"}, c.Keys())
	assert.Equal(t, int64(25), c.Size())

	c.Set("small", 1)
	assert.Equal(t, []string{"small"}, c.Keys())
}

func TestLRUUpdateReweighs(t *testing.T) {
	c := NewLRU[string, int64](10, weigh, nil)
	c.Set("a", 2)
	c.Set("b", 2)
	c.Set("a", 9)

	assert.Equal(t, []string{"a"}, c.Keys())
	assert.Equal(t, int64(9), c.Size())
}

func TestLRUPopSkipsCallback(t *testing.T) {
	called := false
	c := NewLRU[string, int64](10, weigh, func(string, int64) { called = true })
	c.Set("a", 5)

	v, ok := c.Pop("a")
	require.True(t, ok)
	assert.Equal(t, int64(5), v)
	assert.False(t, called)
	assert.Zero(t, c.Size())

	_, ok = c.Pop("a")
	assert.False(t, ok)
}

func TestLRUCallbackMayReenter(t *testing.T) {
	var c *LRU[string, int64]
	c = NewLRU[string, int64](1, nil, func(k string, _ int64) {
		_, ok := c.Get(k)
		assert.False(t, ok)
	})
	c.Set("a", 0)
	c.Set("b", 0)
	assert.Equal(t, 1, c.Len())
}

type memTracker struct{ used int64 }

func (m *memTracker) TrackMemory(d int64) { m.used += d }

func TestLRUTracker(t *testing.T) {
	tr := &memTracker{}
	c := NewLRU[string, int64](10, weigh, nil, WithTracker[string, int64](tr))
	c.Set("a", 6)
	c.Set("b", 6)
	assert.Equal(t, int64(6), tr.used)
	c.Clear()
	assert.Zero(t, tr.used)
}

func TestLRUCapacityInvariant(t *testing.T) {
	const capacity = 100
	c := NewLRU[string, int64](capacity, weigh, nil)
	rng := rand.New(rand.NewSource(1))
	keys := []string{"a", "b", "c", "d", "e", "f", "g", "h"}

	for range 5000 {
		k := keys[rng.Intn(len(keys))]
		switch rng.Intn(3) {
		case 0:
			c.Set(k, int64(rng.Intn(150)))
		case 1:
			c.Get(k)
		case 2:
			c.Pop(k)
		}

		if c.Size() > capacity {
			require.Equal(t, 1, c.Len(), "only a single oversized entry may exceed capacity")
		}
	}
}

func TestLRUConcurrent(t *testing.T) {
	c := NewLRU[int, int64](50, func(int, int64) int64 { return 1 }, nil)
	var wg sync.WaitGroup
	for w := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range 1000 {
				c.Set((w*1000+i)%200, 1)
				c.Get(i % 200)
			}
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, c.Len(), 50)
	hits, misses, evictions := c.Stats()
	assert.Equal(t, int64(8000), hits+misses)
	assert.Positive(t, evictions)
}
