package counters_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/i5heu/locationd/pkg/counters"
)

func TestIncAccumulatesAndReturnsNewValue(t *testing.T) {
	s := counters.NewSet()

	require.EqualValues(t, 1, s.Inc(counters.LocationAdded, 1))
	require.EqualValues(t, 3, s.Inc(counters.LocationAdded, 2))
	require.EqualValues(t, 3, s.Get(counters.LocationAdded))
}

func TestGetUnknownCounterIsZero(t *testing.T) {
	s := counters.NewSet()
	require.Zero(t, s.Get("never-incremented"))
}

func TestSnapshotIsIndependentCopy(t *testing.T) {
	s := counters.NewSet()
	s.Inc(counters.GCCollected, 5)

	snap := s.Snapshot()
	snap[counters.GCCollected] = 999

	require.EqualValues(t, 5, s.Get(counters.GCCollected))
}

func TestIncIsConcurrencySafe(t *testing.T) {
	s := counters.NewSet()
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Inc(counters.ReconciliationCycles, 1)
		}()
	}
	wg.Wait()

	require.EqualValues(t, 100, s.Get(counters.ReconciliationCycles))
}
