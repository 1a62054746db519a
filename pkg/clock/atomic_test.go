package clock

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAtomicClock_NextIsMonotonic(t *testing.T) {
	c := NewAtomic(10)
	require.Equal(t, uint64(10), c.Val())
	require.Equal(t, uint64(11), c.Next())
	require.Equal(t, uint64(12), c.Next())
}

func TestAtomicClock_SetNeverRewinds(t *testing.T) {
	c := NewAtomic(0)
	c.Set(100)
	c.Set(50)
	require.Equal(t, uint64(100), c.Val())
	c.Set(150)
	require.Equal(t, uint64(150), c.Val())
}

func TestAtomicClock_ConcurrentNextUnique(t *testing.T) {
	c := NewAtomic(0)
	const workers, perWorker = 8, 1000

	var mu sync.Mutex
	seen := make(map[uint64]bool, workers*perWorker)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			local := make([]uint64, 0, perWorker)
			for i := 0; i < perWorker; i++ {
				local = append(local, c.Next())
			}
			mu.Lock()
			for _, v := range local {
				require.False(t, seen[v])
				seen[v] = true
			}
			mu.Unlock()
		}()
	}
	wg.Wait()

	require.Len(t, seen, workers*perWorker)
	require.Equal(t, uint64(workers*perWorker), c.Val())
}
