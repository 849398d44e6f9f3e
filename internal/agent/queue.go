package agent

import (
	"context"
	"sync"
)

// lanes serialises work per conversation key. Two turns of the same
// conversation must not run at once or both would start from the same
// session and one reply would be lost from the history.
type lanes struct {
	mu    sync.Mutex
	lanes map[string]*lane
}

type lane struct {
	sem     chan struct{}
	waiters int
}

func newLanes() *lanes {
	return &lanes{lanes: make(map[string]*lane)}
}

// acquire blocks until key is free or ctx is done. The returned func
// releases the lane.
func (l *lanes) acquire(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	ln, ok := l.lanes[key]
	if !ok {
		ln = &lane{sem: make(chan struct{}, 1)}
		l.lanes[key] = ln
	}
	ln.waiters++
	l.mu.Unlock()

	select {
	case ln.sem <- struct{}{}:
	case <-ctx.Done():
		l.done(key, ln)
		return nil, ctx.Err()
	}

	return func() {
		<-ln.sem
		l.done(key, ln)
	}, nil
}

func (l *lanes) done(key string, ln *lane) {
	l.mu.Lock()
	defer l.mu.Unlock()
	ln.waiters--
	if ln.waiters == 0 {
		delete(l.lanes, key)
	}
}

// busy reports whether a turn is running or waiting for key.
func (l *lanes) busy(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.lanes[key]
	return ok
}
