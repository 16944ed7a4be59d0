package lock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyedLockerIsExclusive(t *testing.T) {
	t.Parallel()

	locker := NewKeyedLocker()
	var inside, maxInside atomic.Int32
	var wg sync.WaitGroup

	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := locker.Acquire(context.Background(), "parent", time.Minute)
			if err != nil {
				t.Error(err)
				return
			}
			n := inside.Add(1)
			for {
				old := maxInside.Load()
				if n <= old || maxInside.CompareAndSwap(old, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			inside.Add(-1)
			release()
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxInside.Load())
}

func TestKeyedLockerHonoursContextAndExpiry(t *testing.T) {
	t.Parallel()

	locker := NewKeyedLocker()
	release, err := locker.Acquire(context.Background(), "k", 20*time.Millisecond)
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Millisecond)
	defer cancel()
	_, err = locker.Acquire(ctx, "k", time.Minute)
	require.Error(t, err)

	start := time.Now()
	releaseNext, err := locker.Acquire(context.Background(), "k", time.Minute)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 10*time.Millisecond)
	releaseNext()

	other, err := locker.Acquire(context.Background(), "other", time.Minute)
	require.NoError(t, err)
	other()
	other()
}
