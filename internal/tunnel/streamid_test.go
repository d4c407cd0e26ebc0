package tunnel

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStreamIDGeneratorMonotonic(t *testing.T) {
	g := NewStreamIDGenerator()
	require.Equal(t, uint64(1), g.Next())
	require.Equal(t, uint64(2), g.Next())
	require.Equal(t, uint64(3), g.Next())
}

func TestStreamIDGeneratorConcurrentUnique(t *testing.T) {
	g := NewStreamIDGenerator()
	const n = 1000
	ids := make([]uint64, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ids[i] = g.Next()
		}(i)
	}
	wg.Wait()

	seen := make(map[uint64]struct{}, n)
	for _, id := range ids {
		_, dup := seen[id]
		require.False(t, dup, "duplicate stream id %d", id)
		seen[id] = struct{}{}
	}
}
