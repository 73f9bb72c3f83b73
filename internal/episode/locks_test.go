package episode

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLockTableExclusive(t *testing.T) {
	locks := newLockTable()
	unlock, err := locks.acquire(context.Background(), "ep-1")
	require.NoError(t, err)

	acquired := make(chan struct{})
	go func() {
		u, err := locks.acquire(context.Background(), "ep-1")
		if err == nil {
			close(acquired)
			u()
		}
	}()

	select {
	case <-acquired:
		t.Fatal("second holder entered while the section was held")
	case <-time.After(50 * time.Millisecond):
	}

	// Other episodes are unaffected.
	other, err := locks.acquire(context.Background(), "ep-2")
	require.NoError(t, err)
	other()

	unlock()
	unlock() // releasing twice is harmless
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("waiter never acquired the section")
	}
}

func TestLockTableContextCancel(t *testing.T) {
	locks := newLockTable()
	unlock, err := locks.acquire(context.Background(), "ep-1")
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = locks.acquire(ctx, "ep-1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestLockTableReleasesEntries(t *testing.T) {
	locks := newLockTable()
	for i := 0; i < 3; i++ {
		unlock, err := locks.acquire(context.Background(), "ep-1")
		require.NoError(t, err)
		unlock()
	}
	assert.Zero(t, locks.size(), "lock table should be empty")
}
