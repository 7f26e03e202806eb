// Package utils contains shared helpers for parallel work and small math
// operations used across the module.
package utils

import (
	"math"
	"runtime"
	"sync"

	"go.viam.com/utils"
)

// ParallelFactor controls the max level of parallelization. This might be useful
// to set in tests where too much parallelism actually slows tests down in
// aggregate.
var ParallelFactor = runtime.GOMAXPROCS(0)

func init() {
	if ParallelFactor <= 0 {
		ParallelFactor = 1
	}
}

// ChunkWorkFunc processes the half-open index range [from, to).
type ChunkWorkFunc func(from, to int)

// ParallelChunks splits totalSize work items into at most maxWorkers contiguous
// ranges and runs work on each range in its own goroutine, returning once all
// ranges are done. A maxWorkers value below 1 means ParallelFactor. Each range
// is disjoint, so workers writing to per-item output slots never race.
func ParallelChunks(totalSize, maxWorkers int, work ChunkWorkFunc) {
	if maxWorkers < 1 {
		maxWorkers = ParallelFactor
	}
	if maxWorkers > totalSize {
		maxWorkers = totalSize
	}
	if maxWorkers <= 1 {
		work(0, totalSize)
		return
	}

	chunkSize := int(math.Ceil(float64(totalSize) / float64(maxWorkers)))
	var wait sync.WaitGroup
	for from := 0; from < totalSize; from += chunkSize {
		to := from + chunkSize
		if to > totalSize {
			to = totalSize
		}
		fromCopy, toCopy := from, to
		wait.Add(1)
		utils.PanicCapturingGo(func() {
			defer wait.Done()
			work(fromCopy, toCopy)
		})
	}
	wait.Wait()
}
