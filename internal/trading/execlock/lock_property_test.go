package execlock_test

import (
	"sync"
	"testing"

	"funding_arb/internal/logging"
	"funding_arb/internal/trading/execlock"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// At most one of N concurrent contenders ever holds a symbol lock, and after
// every holder releases, the lock is free again.
func TestSymbolLockMutualExclusion(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50

	properties := gopter.NewProperties(parameters)

	properties.Property("at most one concurrent holder", prop.ForAll(
		func(workers int) bool {
			s := execlock.NewService(logging.NewNop())

			var wg sync.WaitGroup
			acquired := make([]bool, workers)
			for i := 0; i < workers; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					acquired[i] = s.TryAcquireSymbolLock("BTCUSDT", holderName(i), "open")
				}(i)
			}
			wg.Wait()

			winners := 0
			for i, ok := range acquired {
				if ok {
					winners++
					s.ReleaseSymbolLock("BTCUSDT", holderName(i))
				}
			}
			if winners != 1 {
				return false
			}
			_, _, held := s.LockHolder("BTCUSDT")
			return !held
		},
		gen.IntRange(2, 16),
	))

	properties.TestingRun(t)
}

func holderName(i int) string {
	return "worker-" + string(rune('a'+i))
}
