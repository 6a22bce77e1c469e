package registry

import (
	"sync"

	"github.com/cespare/xxhash/v2"
)

const defaultStripes = 64

// stripedLocks maps namespace+key pairs onto a fixed set of mutexes. The
// same pair always maps to the same mutex.
type stripedLocks struct {
	stripes []sync.Mutex
}

func newStripedLocks(n int) *stripedLocks {
	if n < 1 {
		n = defaultStripes
	}
	return &stripedLocks{stripes: make([]sync.Mutex, n)}
}

func (l *stripedLocks) index(namespace, key string) int {
	d := xxhash.New()
	_, _ = d.WriteString(namespace)
	_, _ = d.WriteString("\x00")
	_, _ = d.WriteString(key)
	return int(d.Sum64() % uint64(len(l.stripes)))
}

// lock acquires the stripe for the pair and returns its unlock func.
func (l *stripedLocks) lock(namespace, key string) func() {
	m := &l.stripes[l.index(namespace, key)]
	m.Lock()
	return m.Unlock
}
