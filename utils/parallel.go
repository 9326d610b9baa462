// Package utils contains small helpers shared by the reconstruction
// pipeline, chiefly data-parallel fan-out over independent work items.
package utils

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.viam.com/utils"
)

// ParallelFactor controls the max level of parallelization. This might be
// useful to set in tests where too much parallelism actually slows tests
// down in aggregate.
var ParallelFactor = runtime.GOMAXPROCS(0)

func init() {
	if ParallelFactor <= 0 {
		ParallelFactor = 1
	}
}

// ForEach runs work(i) for every i in [0,n), fanned out over at most
// ParallelFactor goroutines. Work items must be independent; the function
// returns once all items are done.
func ForEach(ctx context.Context, n int, work func(i int)) {
	if n <= 0 {
		return
	}
	workers := ParallelFactor
	if workers > n {
		workers = n
	}
	chunk := n / workers

	var wait sync.WaitGroup
	wait.Add(workers)
	for g := 0; g < workers; g++ {
		from := g * chunk
		to := from + chunk
		if g == workers-1 {
			to = n
		}
		fromCopy, toCopy := from, to
		utils.PanicCapturingGo(func() {
			defer wait.Done()
			for i := fromCopy; i < toCopy; i++ {
				work(i)
			}
		})
	}
	wait.Wait()
}

// SimpleFunc is for RunInParallel.
type SimpleFunc func(ctx context.Context) error

// RunInParallel runs all functions in parallel, return is elapsed time and
// an error combining every failure.
func RunInParallel(ctx context.Context, fs []SimpleFunc) (time.Duration, error) {
	start := time.Now()

	var wg sync.WaitGroup
	var bigError error
	var bigErrorMutex sync.Mutex
	storeError := func(err error) {
		bigErrorMutex.Lock()
		defer bigErrorMutex.Unlock()
		bigError = multierr.Combine(bigError, err)
	}

	for _, f := range fs {
		fCopy := f
		wg.Add(1)
		utils.PanicCapturingGo(func() {
			defer func() {
				if thePanic := recover(); thePanic != nil {
					storeError(fmt.Errorf("got panic running something in parallel: %v", thePanic))
				}
				wg.Done()
			}()
			if err := fCopy(ctx); err != nil {
				storeError(err)
			}
		})
	}

	wg.Wait()
	return time.Since(start), bigError
}
