// Package session serialises turns per thread so thread-scoped state has a
// single writer at a time. Different threads never block each other.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrLockTimeout is returned when a thread stays busy longer than the
// configured wait.
var ErrLockTimeout = errors.New("thread is busy")

// Locker grants exclusive access to a thread. The returned unlock func is
// idempotent.
type Locker interface {
	Lock(ctx context.Context, threadID string) (unlock func(), err error)
}

type localEntry struct {
	ch   chan struct{}
	refs int
}

// LocalLocker is an in-process keyed mutex. Entries are dropped once no
// goroutine holds or waits for them.
type LocalLocker struct {
	wait  time.Duration
	mu    sync.Mutex
	locks map[string]*localEntry
}

// NewLocalLocker creates a keyed mutex. wait <= 0 means wait until ctx ends.
func NewLocalLocker(wait time.Duration) *LocalLocker {
	return &LocalLocker{wait: wait, locks: make(map[string]*localEntry)}
}

func (l *LocalLocker) Lock(ctx context.Context, threadID string) (func(), error) {
	l.mu.Lock()
	e := l.locks[threadID]
	if e == nil {
		e = &localEntry{ch: make(chan struct{}, 1)}
		l.locks[threadID] = e
	}
	e.refs++
	l.mu.Unlock()

	var timeout <-chan time.Time
	if l.wait > 0 {
		timer := time.NewTimer(l.wait)
		defer timer.Stop()
		timeout = timer.C
	}
	select {
	case e.ch <- struct{}{}:
	case <-ctx.Done():
		l.release(threadID, e)
		return nil, ctx.Err()
	case <-timeout:
		l.release(threadID, e)
		return nil, fmt.Errorf("%w: %s", ErrLockTimeout, threadID)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.ch
			l.release(threadID, e)
		})
	}, nil
}

func (l *LocalLocker) release(threadID string, e *localEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(l.locks, threadID)
	}
}

// size is the number of live entries.
func (l *LocalLocker) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
