package lockfree

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dijkstracula/go-lockfree/hazard"
)

func TestInsertFindLookup(t *testing.T) {
	bag := hazard.NewBag()
	l := New[int, string]()

	insert := func(key int, value string) bool {
		guard := bag.Acquire()
		defer guard.Release()
		for {
			c := l.Head(guard)
			found, err := c.Find(key)
			if err == ErrStale {
				continue
			}
			require.NoError(t, err)
			if found {
				return false
			}
			v := value
			if err := c.Insert(NewNode(key, &v)); err == ErrStale {
				continue
			}
			return true
		}
	}

	assert.True(t, insert(5, "five"))
	assert.True(t, insert(1, "one"))
	assert.True(t, insert(3, "three"))
	assert.False(t, insert(1, "one-again"))

	guard := bag.Acquire()
	defer guard.Release()
	c := l.Head(guard)
	found, err := c.Find(3)
	require.NoError(t, err)
	require.True(t, found)
	v, ok := c.Lookup()
	require.True(t, ok)
	assert.Equal(t, "three", *v)

	// Ordering check: walk the whole list and confirm ascending keys.
	c2 := l.Head(guard)
	var keys []int
	for c2.Curr() != nil {
		keys = append(keys, c2.Curr().Key)
		_, err := c2.Find(c2.Curr().Key + 1)
		require.NoError(t, err)
	}
	assert.Equal(t, []int{1, 3, 5}, keys)
}

func TestDeleteThenLookupMisses(t *testing.T) {
	bag := hazard.NewBag()
	l := New[int, string]()

	guard := bag.Acquire()
	v := "one"
	c := l.Head(guard)
	found, err := c.Find(1)
	require.NoError(t, err)
	require.False(t, found)
	require.NoError(t, c.Insert(NewNode(1, &v)))
	guard.Release()

	guard = bag.Acquire()
	c = l.Head(guard)
	found, err = c.Find(1)
	require.NoError(t, err)
	require.True(t, found)
	deleted, err := c.Delete()
	require.NoError(t, err)
	assert.Equal(t, "one", *deleted)
	guard.Release()

	guard = bag.Acquire()
	c = l.Head(guard)
	found, err = c.Find(1)
	require.NoError(t, err)
	assert.False(t, found)
	guard.Release()
}

func TestConcurrentInsertDeleteLinearizesAsSet(t *testing.T) {
	bag := hazard.NewBag()
	l := New[int, int]()

	const n = 200
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(key int) {
			defer wg.Done()
			guard := bag.Acquire()
			defer guard.Release()
			for {
				c := l.Head(guard)
				found, err := c.Find(key)
				if err == ErrStale {
					continue
				}
				require.NoError(t, err)
				if found {
					return
				}
				v := key
				if err := c.Insert(NewNode(key, &v)); err == ErrStale {
					continue
				}
				return
			}
		}(i)
	}
	wg.Wait()

	guard := bag.Acquire()
	defer guard.Release()
	c := l.Head(guard)
	count := 0
	prev := -1
	for c.Curr() != nil {
		assert.Greater(t, c.Curr().Key, prev)
		prev = c.Curr().Key
		count++
		_, err := c.Find(c.Curr().Key + 1)
		require.NoError(t, err)
	}
	assert.Equal(t, n, count)
}
