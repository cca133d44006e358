package seqlock

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestReadValidateAfterNoWrite(t *testing.T) {
	a, b := 1, 2
	_ = b
	l := New(&a)

	rg := l.ReadLock()
	got := rg.Load()
	assert.True(t, rg.Validate())
	assert.Equal(t, &a, got)
}

func TestReadInvalidatedByConcurrentWrite(t *testing.T) {
	a, b := 1, 2
	l := New(&a)

	rg := l.ReadLock()
	wg := l.WriteLock()
	wg.Store(&b)
	wg.Unlock()

	assert.False(t, rg.Validate())
}

func TestWriteLockBlocksSecondWriter(t *testing.T) {
	a, b, c := 1, 2, 3
	l := New(&a)

	wg1 := l.WriteLock()

	done := make(chan struct{})
	go func() {
		wg2 := l.WriteLock()
		wg2.Store(&c)
		wg2.Unlock()
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("second writer proceeded while first still held the lock")
	default:
	}

	wg1.Store(&b)
	wg1.Unlock()
	<-done

	rg := l.ReadLock()
	assert.Equal(t, &c, rg.Load())
}

func TestUpgradeFailsOnConcurrentWriter(t *testing.T) {
	a, b := 1, 2
	l := New(&a)

	rg := l.ReadLock()
	wg := l.WriteLock()

	_, ok := rg.Upgrade()
	assert.False(t, ok, "upgrade must not block when a writer already holds the lock")

	wg.Store(&b)
	wg.Unlock()
}

func TestUpgradeFailsAfterInterveningWrite(t *testing.T) {
	a, b, c := 1, 2, 3
	l := New(&a)

	rg := l.ReadLock()

	wg := l.WriteLock()
	wg.Store(&b)
	wg.Unlock()

	_, ok := rg.Upgrade()
	assert.False(t, ok, "stale read guard must not be upgradable after an intervening write")

	rg2 := l.ReadLock()
	wg2, ok := rg2.Upgrade()
	assert.True(t, ok)
	wg2.Store(&c)
	wg2.Unlock()

	assert.Equal(t, &c, l.ReadLock().Load())
}

func TestConcurrentReadersNeverBlock(t *testing.T) {
	a := 1
	l := New(&a)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				rg := l.ReadLock()
				_ = rg.Load()
				rg.Validate()
			}
		}()
	}
	wg.Wait()
}
