package recovery

import (
	"context"
	"testing"

	"github.com/pingcap-incubator/tinytxn/kv/config"
	"github.com/pingcap-incubator/tinytxn/kv/storage"
	"github.com/pingcap-incubator/tinytxn/kv/transaction/types"
	"github.com/pingcap-incubator/tinytxn/kv/wal"
	"github.com/pingcap/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testEnv struct {
	t     *testing.T
	store *wal.MemStore
	log   *wal.Manager
	pages *storage.MemPageStore
	m     *Manager
}

func newTestEnv(t *testing.T, threads int) *testEnv {
	env := &testEnv{t: t, store: wal.NewMemStore()}
	env.open(threads)
	return env
}

// open simulates a restart: the log survives, page contents do not.
func (env *testEnv) open(threads int) {
	log, err := wal.NewManager(env.store)
	require.Nil(env.t, err)
	env.log = log
	env.pages = storage.NewMemPageStore()
	conf := config.NewTestConfig().Recovery
	conf.RedoThreads = threads
	env.m = NewManager(env.log, env.pages, conf)
}

func (env *testEnv) append(r *wal.Record) types.LSN {
	lsn, err := env.log.Append(r)
	require.Nil(env.t, err)
	return lsn
}

// do appends a page operation and applies it, as a running transaction would.
func (env *testEnv) do(r *wal.Record) types.LSN {
	lsn := env.append(r)
	require.Nil(env.t, applyAt(env.pages, lsn, r))
	return lsn
}

func (env *testEnv) recover() *Result {
	res, err := env.m.Recover(context.Background())
	require.Nil(env.t, err)
	assert.Equal(env.t, PhaseCompleted, env.m.State())
	return res
}

func TestRecoverRollsBackUncommittedUpdate(t *testing.T) {
	env := newTestEnv(t, 1)
	env.append(wal.NewBegin(1, 1000))
	env.append(wal.NewUpdate(1, 100, 8, []byte{1, 2, 3}, []byte{4, 5, 6}, types.InvalidLSN))

	res := env.recover()
	assert.Equal(t, []types.TxnID{1}, res.Analysis.UndoList)
	assert.Equal(t, 1, res.Redone)
	require.Len(t, res.CLRs, 1)

	clr, err := env.log.Get(res.CLRs[0])
	require.Nil(t, err)
	assert.Equal(t, wal.RecordCLR, clr.Record.Type)
	assert.Equal(t, types.InvalidLSN, clr.Record.UndoNextLSN)
	redo := clr.Record.Redo
	require.NotNil(t, redo)
	assert.Equal(t, types.PageID(100), redo.PageID)
	assert.Equal(t, uint32(8), redo.Offset)
	assert.Equal(t, []byte{1, 2, 3}, redo.AfterImage)
	assert.Equal(t, []byte{1, 2, 3}, env.pages.Read(100, 8, 3))

	// The rollback is closed with an Abort.
	last, err := env.log.Get(env.log.LastLSN())
	require.Nil(t, err)
	assert.Equal(t, wal.RecordAbort, last.Record.Type)
	assert.Equal(t, []types.TxnID{1}, res.RolledBack)
	assert.Empty(t, env.log.ActiveTxns())
}

func TestAnalysisFromCheckpoint(t *testing.T) {
	env := newTestEnv(t, 1)
	cpBegin := env.append(wal.NewCheckpointBegin(1000))
	env.append(wal.NewCheckpointEnd(nil, nil, 1000))
	env.append(wal.NewBegin(1, 1001))
	u := env.append(wal.NewUpdate(1, 7, 0, []byte{0}, []byte{9}, types.InvalidLSN))
	env.append(wal.NewCommit(1, 1002))

	a, err := Analyze(env.log)
	require.Nil(t, err)
	assert.Equal(t, cpBegin, a.CheckpointLSN)
	require.Len(t, a.Txns, 1)
	assert.Equal(t, TxnCommitted, a.Txns[1].Status)
	assert.Empty(t, a.UndoList)
	assert.Equal(t, map[types.PageID]types.LSN{7: u}, a.DirtyPages)
	assert.Equal(t, u, a.MinRecLSN)

	res := env.recover()
	assert.Empty(t, res.CLRs)
	assert.Equal(t, []byte{9}, env.pages.Read(7, 0, 1))
}

func TestCheckpointSeedsAnalysis(t *testing.T) {
	env := newTestEnv(t, 1)
	cp := NewCheckpointer(env.log)

	env.append(wal.NewBegin(1, 1000))
	u1 := env.do(wal.NewUpdate(1, 5, 0, []byte("aa"), []byte("bb"), types.InvalidLSN))
	begin, err := cp.Checkpoint()
	require.Nil(t, err)
	assert.Equal(t, begin, cp.LastCheckpoint())

	end, err := env.log.Get(begin + 1)
	require.Nil(t, err)
	assert.Equal(t, []wal.TxnEntry{{TxnID: 1, LastLSN: u1}}, end.Record.ActiveTxns)
	assert.Equal(t, []wal.DirtyPageEntry{{PageID: 5, RecLSN: u1}}, end.Record.DirtyPages)

	env.append(wal.NewBegin(2, 1001))
	env.do(wal.NewUpdate(2, 6, 0, []byte("cc"), []byte("dd"), types.InvalidLSN))
	env.append(wal.NewCommit(2, 1002))

	env.open(1)
	res := env.recover()
	a := res.Analysis
	assert.Equal(t, begin, a.CheckpointLSN)
	assert.Equal(t, TxnActive, a.Txns[1].Status)
	assert.Equal(t, u1, a.Txns[1].LastLSN)
	assert.Equal(t, TxnCommitted, a.Txns[2].Status)
	assert.Equal(t, u1, a.MinRecLSN)
	assert.Equal(t, []types.TxnID{1}, a.UndoList)

	assert.Equal(t, []byte("aa"), env.pages.Read(5, 0, 2))
	assert.Equal(t, []byte("dd"), env.pages.Read(6, 0, 2))
	assert.Len(t, res.CLRs, 1)
}

func TestIncompleteCheckpointIsIgnored(t *testing.T) {
	env := newTestEnv(t, 1)
	first := env.append(wal.NewCheckpointBegin(1000))
	env.append(wal.NewCheckpointEnd(nil, nil, 1000))
	env.append(wal.NewBegin(1, 1001))
	env.append(wal.NewCheckpointBegin(1002))

	a, err := Analyze(env.log)
	require.Nil(t, err)
	assert.Equal(t, first, a.CheckpointLSN)
	assert.Equal(t, []types.TxnID{1}, a.UndoList)
}

func TestRecoverContinuesInterruptedRollback(t *testing.T) {
	env := newTestEnv(t, 1)
	env.append(wal.NewBegin(1, 1000))
	u1 := env.do(wal.NewUpdate(1, 1, 0, []byte("a"), []byte("b"), types.InvalidLSN))
	u2 := env.do(wal.NewUpdate(1, 2, 0, []byte("c"), []byte("d"), u1))
	inverse, err := wal.NewUpdate(1, 2, 0, []byte("c"), []byte("d"), u1).Inverse()
	require.Nil(t, err)
	env.do(wal.NewCLR(1, u1, inverse))

	env.open(1)
	res := env.recover()
	// Only u1 is left to compensate.
	require.Len(t, res.CLRs, 1)
	clr, err := env.log.Get(res.CLRs[0])
	require.Nil(t, err)
	assert.Equal(t, types.PageID(1), clr.Record.PageID)
	assert.True(t, clr.LSN > u2)
	assert.Equal(t, []byte("a"), env.pages.Read(1, 0, 1))
	assert.Equal(t, []byte("c"), env.pages.Read(2, 0, 1))
}

func TestRecoverIsIdempotent(t *testing.T) {
	env := newTestEnv(t, 1)
	env.append(wal.NewBegin(1, 1000))
	env.do(wal.NewInsert(1, 3, 0, []byte("xyz"), types.InvalidLSN))
	env.append(wal.NewBegin(2, 1001))
	env.do(wal.NewUpdate(2, 4, 0, []byte("0"), []byte("1"), types.InvalidLSN))
	env.append(wal.NewCommit(2, 1002))

	env.open(1)
	first := env.recover()
	assert.Len(t, first.CLRs, 1)
	lastLSN := env.log.LastLSN()

	// Crash again right after recovery.
	env.open(1)
	second := env.recover()
	assert.Empty(t, second.Analysis.UndoList)
	assert.Empty(t, second.CLRs)
	assert.Equal(t, lastLSN, env.log.LastLSN())
	assert.Equal(t, []byte{0, 0, 0}, env.pages.Read(3, 0, 3))
	assert.Equal(t, []byte("1"), env.pages.Read(4, 0, 1))

	// Without a crash the page LSNs make redo a no-op.
	third := env.recover()
	assert.Equal(t, 0, third.Redone)
	assert.True(t, third.Skipped > 0)
}

func TestChecksumFailureHaltsRecovery(t *testing.T) {
	env := newTestEnv(t, 1)
	env.append(wal.NewBegin(1, 1000))
	bad := env.append(wal.NewUpdate(1, 1, 0, []byte{1}, []byte{2}, types.InvalidLSN))
	env.append(wal.NewCommit(1, 1001))
	env.store.Corrupt(bad, 30)

	_, err := env.m.Recover(context.Background())
	require.NotNil(t, err)
	failed, ok := err.(*ErrRecoveryFailed)
	require.True(t, ok)
	assert.Equal(t, PhaseAnalysis, failed.Phase)
	assert.Equal(t, bad, failed.LSN)
	_, ok = errors.Cause(err).(*wal.ErrChecksumMismatch)
	assert.True(t, ok)
	assert.Equal(t, PhaseFailed, env.m.State())

	// A failed manager is not retried.
	_, err2 := env.m.Recover(context.Background())
	assert.Equal(t, err, err2)
}

func TestParallelRedo(t *testing.T) {
	env := newTestEnv(t, 1)
	for txn := types.TxnID(1); txn <= 20; txn++ {
		env.append(wal.NewBegin(txn, 1000))
		for page := types.PageID(0); page < 8; page++ {
			env.do(wal.NewUpdate(txn, page, 0, []byte{byte(txn - 1)}, []byte{byte(txn)}, types.InvalidLSN))
		}
		env.append(wal.NewCommit(txn, 1000))
	}

	env.open(4)
	res := env.recover()
	assert.Equal(t, 160, res.Redone)
	for page := types.PageID(0); page < 8; page++ {
		assert.Equal(t, []byte{20}, env.pages.Read(page, 0, 1), "page %d", page)
		// The last transaction's updates are LSNs 192 to 199.
		assert.Equal(t, types.LSN(192)+types.LSN(page), env.pages.PageLSN(page))
	}
}

func TestRuntimeRollback(t *testing.T) {
	env := newTestEnv(t, 1)
	env.append(wal.NewBegin(1, 1000))
	u1 := env.do(wal.NewInsert(1, 1, 4, []byte("new"), types.InvalidLSN))
	u2 := env.do(wal.NewUpdate(1, 2, 0, []byte("old"), []byte("upd"), u1))
	u3 := env.do(wal.NewDelete(1, 3, 0, []byte("del"), u2))
	assert.Equal(t, []byte{0, 0, 0}, env.pages.Read(3, 0, 3))

	clrs, err := env.m.Rollback(1, u3)
	require.Nil(t, err)
	assert.Len(t, clrs, 3)
	assert.Equal(t, []byte{0, 0, 0}, env.pages.Read(1, 4, 3))
	assert.Equal(t, []byte("old"), env.pages.Read(2, 0, 3))
	assert.Equal(t, []byte("del"), env.pages.Read(3, 0, 3))
	assert.Empty(t, env.log.ActiveTxns())

	entries, err := env.log.ReadFrom(clrs[0])
	require.Nil(t, err)
	require.Len(t, entries, 4)
	assert.Equal(t, u2, entries[0].Record.UndoNextLSN)
	assert.Equal(t, u3, entries[0].PrevLSN)
	assert.Equal(t, wal.RecordAbort, entries[3].Record.Type)
}
