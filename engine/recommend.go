package engine

import (
	"math"
	"runtime"

	"github.com/prometheus/procfs"
)

const (
	recommendedWorkersMax           int = 8
	recommendedWorkersMemoryDefault int = 4
)

// RecommendedWorkerCount returns a worker count suited to this host's CPUs and memory
func RecommendedWorkerCount() int {
	return recommendWorkerCount(runtime.NumCPU(), hostMemoryGB())
}

func recommendWorkerCount(cpus int, memoryGB int) int {
	fromThreads := 1
	if cpus-4 > fromThreads {
		fromThreads = cpus - 4
	}
	if (cpus*2)/3 > fromThreads {
		fromThreads = (cpus * 2) / 3
	}

	fromMemory := recommendedWorkersMemoryDefault
	if memoryGB > 0 {
		fromMemory = memoryGB
	}

	count := fromThreads
	if fromMemory < count {
		count = fromMemory
	}
	if recommendedWorkersMax < count {
		count = recommendedWorkersMax
	}
	return count
}

// hostMemoryGB returns total memory in GB, 0 if unknown
func hostMemoryGB() int {
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return 0
	}

	meminfo, err := fs.Meminfo()
	if err != nil || meminfo.MemTotal == nil {
		return 0
	}

	gb := int(math.Round(float64(*meminfo.MemTotal) / (1024 * 1024)))
	if gb < 1 {
		return 1
	}
	return gb
}
