package locks

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pingcap-incubator/tinytxn/kv/config"
	"github.com/pingcap-incubator/tinytxn/kv/transaction/types"
	"github.com/pingcap/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(timeout time.Duration) *Manager {
	conf := config.NewTestConfig().Lock
	conf.Timeout.Duration = timeout
	return NewManager(conf)
}

// waitUntil polls cond until it holds or a second passes.
func waitUntil(t *testing.T, cond func() bool) {
	deadline := time.Now().Add(time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not reached")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestAcquireTakesIntentLocks(t *testing.T) {
	m := newTestManager(time.Second)
	ctx := context.Background()
	row := RowResource(1, 2, 3, 4)

	require.Nil(t, m.Acquire(ctx, 1, row, ModeX))
	for _, ancestor := range row.Ancestors() {
		mode, ok := m.Held(1, ancestor)
		assert.True(t, ok, ancestor.String())
		assert.Equal(t, ModeIX, mode, ancestor.String())
	}
	mode, ok := m.Held(1, row)
	assert.True(t, ok)
	assert.Equal(t, ModeX, mode)

	other := RowResource(1, 2, 3, 5)
	require.Nil(t, m.Acquire(ctx, 2, other, ModeS))
	for _, ancestor := range other.Ancestors() {
		mode, ok := m.Held(2, ancestor)
		assert.True(t, ok)
		assert.Equal(t, ModeIS, mode)
	}
	assert.Len(t, m.Locks(1), 4)
}

func TestExclusiveBlocksShared(t *testing.T) {
	m := newTestManager(5 * time.Second)
	ctx := context.Background()
	row := RowResource(1, 1, 1, 1)
	require.Nil(t, m.Acquire(ctx, 1, row, ModeX))

	done := make(chan error, 1)
	go func() {
		done <- m.Acquire(ctx, 2, row, ModeS)
	}()
	waitUntil(t, func() bool { return m.Stats().Waiting == 1 })
	select {
	case <-done:
		t.Fatal("shared lock granted while exclusive lock held")
	case <-time.After(20 * time.Millisecond):
	}

	require.Nil(t, m.Release(1, row))
	require.Nil(t, <-done)
	mode, ok := m.Held(2, row)
	assert.True(t, ok)
	assert.Equal(t, ModeS, mode)
	assert.Equal(t, 0, m.Stats().WaitForEdges)
}

func TestSharedLocksAreCompatible(t *testing.T) {
	m := newTestManager(time.Second)
	ctx := context.Background()
	row := RowResource(1, 1, 1, 1)
	for txn := types.TxnID(1); txn <= 3; txn++ {
		require.Nil(t, m.Acquire(ctx, txn, row, ModeS))
	}
	assert.Len(t, m.Holders(row), 3)
}

func TestLockTimeout(t *testing.T) {
	m := newTestManager(30 * time.Millisecond)
	ctx := context.Background()
	row := RowResource(1, 1, 1, 1)
	require.Nil(t, m.Acquire(ctx, 1, row, ModeX))

	err := m.Acquire(ctx, 2, row, ModeX)
	timeout, ok := errors.Cause(err).(*ErrLockTimeout)
	require.True(t, ok, "%v", err)
	assert.Equal(t, types.TxnID(2), timeout.Txn)
	assert.Equal(t, row, timeout.Resource)

	st := m.Stats()
	assert.Equal(t, 0, st.Waiting)
	assert.Equal(t, 0, st.WaitForEdges)

	// The intent locks taken on the way stay held.
	_, ok = m.Held(2, TableResource(1, 1))
	assert.True(t, ok)
}

func TestContextCancel(t *testing.T) {
	m := newTestManager(time.Minute)
	row := RowResource(1, 1, 1, 1)
	require.Nil(t, m.Acquire(context.Background(), 1, row, ModeX))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := m.Acquire(ctx, 2, row, ModeS)
	assert.Equal(t, context.DeadlineExceeded, err)
}

func TestDeadlockDetected(t *testing.T) {
	m := newTestManager(5 * time.Second)
	ctx := context.Background()
	a, b := RowResource(1, 1, 1, 1), RowResource(1, 1, 1, 2)
	require.Nil(t, m.Acquire(ctx, 1, a, ModeX))
	require.Nil(t, m.Acquire(ctx, 2, b, ModeX))

	done := make(chan error, 1)
	go func() {
		done <- m.Acquire(ctx, 1, b, ModeX)
	}()
	waitUntil(t, func() bool { return m.Stats().Waiting == 1 })

	err := m.Acquire(ctx, 2, a, ModeX)
	deadlock, ok := errors.Cause(err).(*ErrDeadlock)
	require.True(t, ok, "%v", err)
	assert.Equal(t, types.TxnID(2), deadlock.Txn)
	assert.Equal(t, []types.TxnID{2, 1, 2}, deadlock.Cycle)
	assert.Contains(t, err.Error(), "2 -> 1 -> 2")

	// The victim aborts and the survivor proceeds.
	assert.Equal(t, 4, m.ReleaseAll(2))
	require.Nil(t, <-done)
	_, ok = m.Held(1, b)
	assert.True(t, ok)
}

func TestUpgrade(t *testing.T) {
	m := newTestManager(5 * time.Second)
	ctx := context.Background()
	row := RowResource(1, 1, 1, 1)
	require.Nil(t, m.Acquire(ctx, 1, row, ModeS))
	require.Nil(t, m.Acquire(ctx, 1, row, ModeIS))
	mode, _ := m.Held(1, row)
	assert.Equal(t, ModeS, mode)

	require.Nil(t, m.Acquire(ctx, 1, row, ModeX))
	mode, _ = m.Held(1, row)
	assert.Equal(t, ModeX, mode)

	// S on a table plus IX for a row below becomes SIX.
	table := TableResource(2, 1)
	require.Nil(t, m.Acquire(ctx, 2, table, ModeS))
	require.Nil(t, m.Acquire(ctx, 2, RowResource(2, 1, 1, 1), ModeX))
	mode, _ = m.Held(2, table)
	assert.Equal(t, ModeSIX, mode)
}

func TestUpgradeWaitsForOtherReaders(t *testing.T) {
	m := newTestManager(5 * time.Second)
	ctx := context.Background()
	row := RowResource(1, 1, 1, 1)
	require.Nil(t, m.Acquire(ctx, 1, row, ModeS))
	require.Nil(t, m.Acquire(ctx, 2, row, ModeS))

	done := make(chan error, 1)
	go func() {
		done <- m.Acquire(ctx, 1, row, ModeX)
	}()
	waitUntil(t, func() bool { return m.Stats().Waiting == 1 })
	mode, _ := m.Held(1, row)
	assert.Equal(t, ModeS, mode)

	require.Nil(t, m.Release(2, row))
	require.Nil(t, <-done)
	mode, _ = m.Held(1, row)
	assert.Equal(t, ModeX, mode)
}

func TestReleaseGrantsFrontOfQueue(t *testing.T) {
	m := newTestManager(5 * time.Second)
	ctx := context.Background()
	row := RowResource(1, 1, 1, 1)
	require.Nil(t, m.Acquire(ctx, 1, row, ModeX))

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := 0; i < 3; i++ {
		txn := types.TxnID(i + 2)
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = m.Acquire(ctx, txn, row, ModeS)
		}(i)
		waitUntil(t, func() bool { return m.Stats().Waiting == i+1 })
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		errs[3] = m.Acquire(ctx, 9, row, ModeX)
	}()
	waitUntil(t, func() bool { return m.Stats().Waiting == 4 })

	require.Nil(t, m.Release(1, row))
	waitUntil(t, func() bool { return len(m.Holders(row)) == 3 })
	assert.Equal(t, 1, m.Stats().Waiting)

	for txn := types.TxnID(2); txn <= 4; txn++ {
		require.Nil(t, m.Release(txn, row))
	}
	wg.Wait()
	for _, err := range errs {
		assert.Nil(t, err)
	}
	mode, _ := m.Held(9, row)
	assert.Equal(t, ModeX, mode)
}

func TestReleaseNotLocked(t *testing.T) {
	m := newTestManager(time.Second)
	row := RowResource(1, 1, 1, 1)
	err := m.Release(1, row)
	_, ok := err.(*ErrResourceNotLocked)
	assert.True(t, ok)

	require.Nil(t, m.Acquire(context.Background(), 1, row, ModeS))
	_, ok = m.Release(2, row).(*ErrResourceNotLocked)
	assert.True(t, ok)
}

func TestIdleEntriesAreEvicted(t *testing.T) {
	m := newTestManager(time.Second)
	ctx := context.Background()
	for i := uint64(0); i < 10; i++ {
		require.Nil(t, m.Acquire(ctx, 1, RowResource(1, 1, i, i), ModeX))
	}
	assert.Equal(t, 1+1+10+10, m.Stats().Resources)

	assert.Equal(t, 22, m.ReleaseAll(1))
	st := m.Stats()
	assert.Equal(t, 0, st.Resources)
	assert.Equal(t, 0, st.Transactions)
	assert.Empty(t, m.Locks(1))
}

func TestEscalation(t *testing.T) {
	conf := config.NewTestConfig().Lock
	conf.EscalationThreshold = 5
	m := NewManager(conf)
	ctx := context.Background()
	table := TableResource(1, 7)

	for i := uint64(0); i < 4; i++ {
		require.Nil(t, m.Acquire(ctx, 1, RowResource(1, 7, 0, i), ModeX))
	}
	mode, _ := m.Held(1, table)
	assert.Equal(t, ModeIX, mode)

	require.Nil(t, m.Acquire(ctx, 1, RowResource(1, 7, 0, 4), ModeX))
	mode, _ = m.Held(1, table)
	assert.Equal(t, ModeX, mode)
	for _, res := range m.Locks(1) {
		assert.NotEqual(t, LevelRow, res.Level)
	}

	// Further rows are covered by the table lock.
	require.Nil(t, m.Acquire(ctx, 1, RowResource(1, 7, 3, 9), ModeX))
	_, ok := m.Held(1, RowResource(1, 7, 3, 9))
	assert.False(t, ok)

	// Another transaction cannot touch the table now.
	ok, err := m.TryAcquire(2, RowResource(1, 7, 0, 0), ModeS)
	require.Nil(t, err)
	assert.False(t, ok)
}

func TestEscalationSkippedUnderContention(t *testing.T) {
	conf := config.NewTestConfig().Lock
	conf.EscalationThreshold = 3
	m := NewManager(conf)
	ctx := context.Background()
	table := TableResource(1, 7)

	require.Nil(t, m.Acquire(ctx, 2, RowResource(1, 7, 9, 9), ModeS))
	for i := uint64(0); i < 3; i++ {
		require.Nil(t, m.Acquire(ctx, 1, RowResource(1, 7, 0, i), ModeX))
	}
	mode, _ := m.Held(1, table)
	assert.Equal(t, ModeIX, mode)

	escalated, err := m.Escalate(1, table)
	require.Nil(t, err)
	assert.False(t, escalated)

	m.ReleaseAll(2)
	escalated, err = m.Escalate(1, table)
	require.Nil(t, err)
	assert.True(t, escalated)
}

func TestEscalateSharedRowsRaisesIntent(t *testing.T) {
	conf := config.NewTestConfig().Lock
	conf.EscalationThreshold = 2
	m := NewManager(conf)
	ctx := context.Background()
	db, table := DatabaseResource(1), TableResource(1, 1)

	require.Nil(t, m.Acquire(ctx, 1, RowResource(1, 1, 0, 0), ModeS))
	mode, _ := m.Held(1, db)
	assert.Equal(t, ModeIS, mode)
	require.Nil(t, m.Acquire(ctx, 1, RowResource(1, 1, 0, 1), ModeS))

	mode, _ = m.Held(1, table)
	assert.Equal(t, ModeX, mode)
	mode, _ = m.Held(1, db)
	assert.Equal(t, ModeIX, mode)
	for _, res := range m.Locks(1) {
		assert.NotEqual(t, LevelRow, res.Level)
	}

	// A database reader now conflicts with the escalated table lock.
	ok, err := m.TryAcquire(2, db, ModeS)
	require.Nil(t, err)
	assert.False(t, ok)
}

func TestEscalationSkippedWhenIntentBlocked(t *testing.T) {
	conf := config.NewTestConfig().Lock
	conf.EscalationThreshold = 2
	m := NewManager(conf)
	ctx := context.Background()
	db, table := DatabaseResource(1), TableResource(1, 1)

	require.Nil(t, m.Acquire(ctx, 2, db, ModeS))
	require.Nil(t, m.Acquire(ctx, 1, RowResource(1, 1, 0, 0), ModeS))
	require.Nil(t, m.Acquire(ctx, 1, RowResource(1, 1, 0, 1), ModeS))

	// Txn 2's database S lock rules out IX above a table X lock.
	mode, _ := m.Held(1, db)
	assert.Equal(t, ModeIS, mode)
	mode, _ = m.Held(1, table)
	assert.Equal(t, ModeIS, mode)
	mode, held := m.Held(1, RowResource(1, 1, 0, 1))
	assert.True(t, held)
	assert.Equal(t, ModeS, mode)
	assert.Equal(t, map[types.TxnID]Mode{1: ModeIS, 2: ModeS}, m.Holders(db))

	m.ReleaseAll(2)
	escalated, err := m.Escalate(1, table)
	require.Nil(t, err)
	assert.True(t, escalated)
	mode, _ = m.Held(1, db)
	assert.Equal(t, ModeIX, mode)
}

func TestReleaseAllCancelsPendingRequest(t *testing.T) {
	m := newTestManager(5 * time.Second)
	ctx := context.Background()
	row := RowResource(1, 1, 1, 1)
	require.Nil(t, m.Acquire(ctx, 1, row, ModeX))

	done := make(chan error, 1)
	go func() {
		done <- m.Acquire(ctx, 2, row, ModeX)
	}()
	waitUntil(t, func() bool { return m.Stats().Waiting == 1 })
	m.ReleaseAll(2)

	err := <-done
	_, ok := err.(*ErrTxnAborted)
	assert.True(t, ok, "%v", err)
	assert.Empty(t, m.Locks(2))
	assert.Equal(t, 0, m.Stats().Waiting)
}

func TestConcurrentCounters(t *testing.T) {
	m := newTestManager(5 * time.Second)
	ctx := context.Background()
	row := RowResource(1, 1, 1, 1)
	counter := 0

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(txn types.TxnID) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				if err := m.Acquire(ctx, txn, row, ModeX); err != nil {
					t.Error(err)
					return
				}
				counter++
				m.ReleaseAll(txn)
			}
		}(types.TxnID(i + 1))
	}
	wg.Wait()
	assert.Equal(t, 16*50, counter)
	assert.Equal(t, 0, m.Stats().Resources)
}
