package lock

import (
	"context"
	"sync"
	"time"
)

type localEntry struct {
	ch   chan struct{}
	refs int
}

// LocalLocker is an in-process keyed mutex for single-replica deployments
// and tests.
type LocalLocker struct {
	mu      sync.Mutex
	entries map[string]*localEntry
	timeout time.Duration
}

func NewLocalLocker(timeout time.Duration) *LocalLocker {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &LocalLocker{
		entries: make(map[string]*localEntry),
		timeout: timeout,
	}
}

func (l *LocalLocker) Acquire(ctx context.Context, keys ...string) (Release, error) {
	keys = normalizeKeys(keys)
	timer := time.NewTimer(l.timeout)
	defer timer.Stop()

	held := make([]string, 0, len(keys))
	for _, key := range keys {
		entry := l.ref(key)
		select {
		case entry.ch <- struct{}{}:
			held = append(held, key)
		case <-ctx.Done():
			l.unref(key)
			l.release(held)
			return nil, ctx.Err()
		case <-timer.C:
			l.unref(key)
			l.release(held)
			return nil, &ContentionError{Key: key}
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() { l.release(held) })
	}, nil
}

func (l *LocalLocker) ref(key string) *localEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, ok := l.entries[key]
	if !ok {
		entry = &localEntry{ch: make(chan struct{}, 1)}
		l.entries[key] = entry
	}
	entry.refs++
	return entry
}

func (l *LocalLocker) unref(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, ok := l.entries[key]
	if !ok {
		return
	}
	entry.refs--
	if entry.refs <= 0 {
		delete(l.entries, key)
	}
}

func (l *LocalLocker) release(keys []string) {
	for i := len(keys) - 1; i >= 0; i-- {
		l.mu.Lock()
		entry := l.entries[keys[i]]
		l.mu.Unlock()
		if entry != nil {
			<-entry.ch
		}
		l.unref(keys[i])
	}
}
