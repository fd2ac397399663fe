package runner

import (
	"context"
	"sync"
)

// sessionLocks hands out one mutex per session ID. Entries are reference
// counted and removed once no turn holds or waits for them, so the map only
// grows with the number of sessions that are active right now.
type sessionLocks struct {
	mu      sync.Mutex
	entries map[string]*lockEntry
}

type lockEntry struct {
	// sem has capacity one; holding the token means holding the lock.
	sem  chan struct{}
	refs int
}

func newSessionLocks() *sessionLocks {
	return &sessionLocks{entries: make(map[string]*lockEntry)}
}

// acquire blocks until the lock for sessionID is free or ctx is done.
func (l *sessionLocks) acquire(ctx context.Context, sessionID string) (release func(), err error) {
	l.mu.Lock()
	entry, ok := l.entries[sessionID]
	if !ok {
		entry = &lockEntry{sem: make(chan struct{}, 1)}
		l.entries[sessionID] = entry
	}
	entry.refs++
	l.mu.Unlock()

	select {
	case entry.sem <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() {
				<-entry.sem
				l.unref(sessionID, entry)
			})
		}, nil
	case <-ctx.Done():
		l.unref(sessionID, entry)
		return nil, ctx.Err()
	}
}

func (l *sessionLocks) unref(sessionID string, entry *lockEntry) {
	l.mu.Lock()
	entry.refs--
	if entry.refs == 0 {
		delete(l.entries, sessionID)
	}
	l.mu.Unlock()
}

// size reports the number of sessions with a holder or waiter.
func (l *sessionLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
