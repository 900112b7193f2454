package grid

import (
	"runtime"
	"sync"
)

var (
	workersMu sync.RWMutex
	workers   = runtime.NumCPU()
)

// SetWorkers bounds how many goroutines ParallelRows may use. Values below
// one select runtime.NumCPU().
func SetWorkers(n int) {
	if n < 1 {
		n = runtime.NumCPU()
	}
	workersMu.Lock()
	workers = n
	workersMu.Unlock()
}

// Workers returns the current worker bound.
func Workers() int {
	workersMu.RLock()
	defer workersMu.RUnlock()
	return workers
}

// ParallelRows splits [0, n) into contiguous chunks and runs fn on each chunk
// in its own goroutine, returning once every chunk is done. Chunks never
// overlap, so fn may write to disjoint rows without locking.
func ParallelRows(n int, fn func(start, end int)) {
	if n <= 0 {
		return
	}
	parts := Workers()
	if parts > n {
		parts = n
	}
	if parts <= 1 {
		fn(0, n)
		return
	}

	chunk := (n + parts - 1) / parts
	var wg sync.WaitGroup
	for start := 0; start < n; start += chunk {
		end := start + chunk
		if end > n {
			end = n
		}
		wg.Add(1)
		go func(s, e int) {
			defer wg.Done()
			fn(s, e)
		}(start, end)
	}
	wg.Wait()
}
