package tracker

import (
	"hash/fnv"
	"sync"
)

// jobLocks serializes mutations per job id with a fixed set of striped
// mutexes. Two jobs may share a stripe; that only costs contention, never
// correctness.
type jobLocks struct {
	stripes [64]sync.Mutex
}

func (l *jobLocks) lock(jobID string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(jobID))
	mu := &l.stripes[h.Sum32()%uint32(len(l.stripes))]
	mu.Lock()
	return mu
}
