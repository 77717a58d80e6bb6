package registry

import (
	"hash/fnv"
	"sync"
)

const lockStripes = 64

// stripedLocks serializes mutations of the same id without a lock per id.
type stripedLocks struct {
	stripes [lockStripes]sync.Mutex
}

func (l *stripedLocks) lock(id string) func() {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	m := &l.stripes[h.Sum32()%lockStripes]
	m.Lock()
	return m.Unlock
}
