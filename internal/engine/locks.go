package engine

import "sync"

// runLocks hands out one mutex per run id. Entries are dropped when no
// goroutine holds or waits for them.
type runLocks struct {
	mu sync.Mutex
	m  map[string]*runLock
}

type runLock struct {
	mu   sync.Mutex
	refs int
}

func newRunLocks() *runLocks {
	return &runLocks{m: make(map[string]*runLock)}
}

// lock blocks until the run's lock is held and returns the unlock function.
func (l *runLocks) lock(runID string) func() {
	l.mu.Lock()
	rl := l.m[runID]
	if rl == nil {
		rl = &runLock{}
		l.m[runID] = rl
	}
	rl.refs++
	l.mu.Unlock()

	rl.mu.Lock()
	return func() {
		rl.mu.Unlock()

		l.mu.Lock()
		if rl.refs--; rl.refs == 0 {
			delete(l.m, runID)
		}
		l.mu.Unlock()
	}
}

func (l *runLocks) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.m)
}
