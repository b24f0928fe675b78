package parallel

import (
	"fmt"
	"runtime"
	"sync"

	"github.com/bms-analytics/bmsforest/pkg/errors"
)

// Workers resolves a requested job count: n <= 0 means one worker per CPU.
// The result never exceeds items and is at least 1.
func Workers(n, items int) int {
	if n <= 0 {
		n = runtime.NumCPU()
	}
	if n > items {
		n = items
	}
	if n < 1 {
		n = 1
	}
	return n
}

// Parallelize divides items across one worker per CPU core and calls fn
// with each worker's half-open range [start, end).
func Parallelize(items int, fn func(start, end int)) {
	_ = ParallelizeN(items, 0, func(start, end int) error {
		fn(start, end)
		return nil
	})
}

// ParallelizeWithThreshold runs fn sequentially when items <= threshold.
func ParallelizeWithThreshold(items int, threshold int, fn func(start, end int)) {
	if items <= threshold {
		fn(0, items)
		return
	}
	Parallelize(items, fn)
}

// ParallelizeN splits items into contiguous chunks over at most workers
// goroutines (see Workers) and waits for all of them. A panic in a worker is
// recovered into an *errors.PanicError; errors from all workers are combined.
func ParallelizeN(items, workers int, fn func(start, end int) error) error {
	if items == 0 {
		return nil
	}
	numWorkers := Workers(workers, items)
	if numWorkers == 1 {
		return errors.SafeExecute("parallel worker 0", func() error { return fn(0, items) })
	}

	chunkSize := (items + numWorkers - 1) / numWorkers
	errs := make([]error, numWorkers)

	var wg sync.WaitGroup
	for i := 0; i < numWorkers; i++ {
		start := i * chunkSize
		end := start + chunkSize
		if end > items {
			end = items
		}
		if start >= end {
			continue
		}

		wg.Add(1)
		go func(id, s, e int) {
			defer wg.Done()
			errs[id] = errors.SafeExecute(fmt.Sprintf("parallel worker %d", id), func() error {
				return fn(s, e)
			})
		}(i, start, end)
	}
	wg.Wait()

	var combined error
	for _, err := range errs {
		combined = errors.Combine(combined, err)
	}
	return combined
}
