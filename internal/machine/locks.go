package machine

import "sync"

// ResourceLocks tracks which run owns each resource in this process.
// Overlapping runs in other processes are not covered.
type ResourceLocks struct {
	mu   sync.Mutex
	held map[string]string // resource key -> run ID
}

// NewResourceLocks creates an empty lock set.
func NewResourceLocks() *ResourceLocks {
	return &ResourceLocks{held: make(map[string]string)}
}

// TryAcquire claims key for runID. It returns the current owner and false
// when another run holds it.
func (l *ResourceLocks) TryAcquire(key, runID string) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if owner, ok := l.held[key]; ok && owner != runID {
		return owner, false
	}
	l.held[key] = runID
	return "", true
}

// Release frees key if runID holds it.
func (l *ResourceLocks) Release(key, runID string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.held[key] == runID {
		delete(l.held, key)
	}
}

// Held returns the number of resources currently claimed.
func (l *ResourceLocks) Held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.held)
}
