package recovery

import (
	"context"
	"io/ioutil"
	"os"
	"testing"
	"time"

	"github.com/pingcap-incubator/tinytxn/kv/transaction/types"
	"github.com/pingcap-incubator/tinytxn/kv/wal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func millisTime(ms int64) time.Time {
	return time.Unix(0, ms*int64(time.Millisecond))
}

// twoTxnLog writes txn 1 between t=1000 and t=2000 and txn 2 between t=3000
// and t=4000. Each updates its own page.
func twoTxnLog(env *testEnv) {
	env.append(wal.NewBegin(1, 1000))
	env.do(wal.NewUpdate(1, 1, 0, []byte("a"), []byte("b"), types.InvalidLSN))
	env.append(wal.NewCommit(1, 2000))
	env.append(wal.NewBegin(2, 3000))
	env.do(wal.NewUpdate(2, 2, 0, []byte("c"), []byte("d"), types.InvalidLSN))
	env.append(wal.NewCommit(2, 4000))
}

func TestBoundForTime(t *testing.T) {
	env := newTestEnv(t, 1)
	twoTxnLog(env)

	cases := []struct {
		target int64
		bound  types.LSN
	}{
		{1000, 1},
		{2500, 3},
		{3999, 4},
		{9000, 6},
	}
	for _, c := range cases {
		bound, err := BoundForTime(env.log, millisTime(c.target))
		require.Nil(t, err)
		assert.Equal(t, c.bound, bound, "target %d", c.target)
	}
}

func TestRecoverToTimeBeforeFirstRecord(t *testing.T) {
	env := newTestEnv(t, 1)
	bound, err := BoundForTime(env.log, millisTime(500))
	require.Nil(t, err)
	assert.Equal(t, types.InvalidLSN, bound)

	twoTxnLog(env)
	_, err = BoundForTime(env.log, millisTime(500))
	before, ok := err.(*ErrTargetBeforeLog)
	require.True(t, ok, "%v", err)
	assert.EqualValues(t, 1000, before.First)

	env.open(1)
	_, err = env.m.RecoverToTime(context.Background(), millisTime(500))
	_, ok = err.(*ErrTargetBeforeLog)
	assert.True(t, ok, "%v", err)
	assert.Equal(t, types.LSN(6), env.log.LastLSN())
}

func TestRecoverToTimeDropsLaterTransactions(t *testing.T) {
	env := newTestEnv(t, 1)
	twoTxnLog(env)

	env.open(1)
	res, err := env.m.RecoverToTime(context.Background(), millisTime(2500))
	require.Nil(t, err)
	assert.Empty(t, res.CLRs)
	assert.Equal(t, types.LSN(3), env.log.LastLSN())
	assert.Equal(t, []byte("b"), env.pages.Read(1, 0, 1))
	assert.Equal(t, []byte{0}, env.pages.Read(2, 0, 1))
}

func TestRecoverToTimeRollsBackInFlightTransaction(t *testing.T) {
	env := newTestEnv(t, 1)
	twoTxnLog(env)

	env.open(1)
	res, err := env.m.RecoverToTime(context.Background(), millisTime(3500))
	require.Nil(t, err)
	assert.Equal(t, []types.TxnID{2}, res.Analysis.UndoList)
	assert.Equal(t, []types.TxnID{2}, res.RolledBack)
	assert.Empty(t, res.CLRs)

	// Begin of txn 2 is the bound, followed by its Abort.
	last, err := env.log.Get(env.log.LastLSN())
	require.Nil(t, err)
	assert.Equal(t, types.LSN(5), last.LSN)
	assert.Equal(t, wal.RecordAbort, last.Record.Type)
}

func TestRecoverMediaFromArchive(t *testing.T) {
	dir, err := ioutil.TempDir("", "recovery-media")
	require.Nil(t, err)
	defer os.RemoveAll(dir)

	env := newTestEnv(t, 2)
	archive, err := wal.OpenArchive(dir, 256)
	require.Nil(t, err)
	env.m.SetArchive(archive)

	twoTxnLog(env)
	backup := env.pages.Backup(env.log.LastLSN())

	env.append(wal.NewBegin(3, 5000))
	env.do(wal.NewUpdate(3, 1, 0, []byte("b"), []byte("e"), types.InvalidLSN))
	env.append(wal.NewCommit(3, 6000))
	env.append(wal.NewBegin(4, 7000))
	env.do(wal.NewInsert(4, 9, 0, []byte("zz"), types.InvalidLSN))
	_, err = archive.ArchiveFrom(env.log)
	require.Nil(t, err)

	env.pages.Drop()
	res, err := env.m.RecoverMedia(context.Background(), backup)
	require.Nil(t, err)
	assert.Equal(t, []types.TxnID{4}, res.Analysis.UndoList)
	assert.Len(t, res.CLRs, 1)
	assert.Equal(t, []byte("e"), env.pages.Read(1, 0, 1))
	assert.Equal(t, []byte("d"), env.pages.Read(2, 0, 1))
	assert.Equal(t, []byte{0, 0}, env.pages.Read(9, 0, 2))
}
