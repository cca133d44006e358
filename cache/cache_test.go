package cache

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetOrInsertWithComputesOnce(t *testing.T) {
	c := New[string, int]()
	var calls atomic.Int64

	v := c.GetOrInsertWith("a", func(string) int {
		calls.Add(1)
		return 1
	})
	assert.Equal(t, 1, v)

	v = c.GetOrInsertWith("a", func(string) int {
		calls.Add(1)
		return 2
	})
	assert.Equal(t, 1, v)
	assert.Equal(t, int64(1), calls.Load())
}

// TestSingleFlight confirms that many concurrent callers for the same
// key all observe the single result of exactly one invocation of f.
func TestSingleFlight(t *testing.T) {
	c := New[string, int]()
	var calls atomic.Int64
	started := make(chan struct{})

	const n = 50
	var wg sync.WaitGroup
	results := make([]int, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = c.GetOrInsertWith("key", func(string) int {
				calls.Add(1)
				close(started)
				time.Sleep(20 * time.Millisecond)
				return 42
			})
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int64(1), calls.Load())
	for _, r := range results {
		assert.Equal(t, 42, r)
	}
}

// TestDistinctKeysDoNotBlockEachOther confirms that a slow computation
// for one key does not prevent progress on a different key.
func TestDistinctKeysDoNotBlockEachOther(t *testing.T) {
	c := New[string, int]()
	blocking := make(chan struct{})
	unblock := make(chan struct{})

	done := make(chan struct{})
	go func() {
		c.GetOrInsertWith("slow", func(string) int {
			close(blocking)
			<-unblock
			return 1
		})
		close(done)
	}()

	<-blocking
	fast := c.GetOrInsertWith("fast", func(string) int { return 2 })
	assert.Equal(t, 2, fast)

	close(unblock)
	select {
	case <-done:
	case <-time.After(time.Second):
		require.Fail(t, "slow computation never finished")
	}
}
