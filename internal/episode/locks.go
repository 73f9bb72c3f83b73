package episode

import (
	"context"
	"sync"
)

// lockTable hands out one exclusive section per episode. Entries are
// reference counted and removed once nobody holds or waits for them.
type lockTable struct {
	mu    sync.Mutex
	locks map[string]*episodeLock
}

type episodeLock struct {
	sem  chan struct{}
	refs int
}

func newLockTable() *lockTable {
	return &lockTable{locks: make(map[string]*episodeLock)}
}

// acquire blocks until the episode's section is free or ctx is done.
func (t *lockTable) acquire(ctx context.Context, id string) (func(), error) {
	t.mu.Lock()
	l, ok := t.locks[id]
	if !ok {
		l = &episodeLock{sem: make(chan struct{}, 1)}
		t.locks[id] = l
	}
	l.refs++
	t.mu.Unlock()

	select {
	case l.sem <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() {
				<-l.sem
				t.release(id, l)
			})
		}, nil
	case <-ctx.Done():
		t.release(id, l)
		return nil, ctx.Err()
	}
}

func (t *lockTable) release(id string, l *episodeLock) {
	t.mu.Lock()
	defer t.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(t.locks, id)
	}
}

func (t *lockTable) size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.locks)
}
