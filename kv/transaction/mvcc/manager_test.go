package mvcc

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pingcap-incubator/tinytxn/kv/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(maxVersions int) (*Manager, *ManualClock) {
	wall := NewManualClock(1000)
	conf := config.NewTestConfig().MVCC
	conf.MaxVersionsPerKey = maxVersions
	return NewManager(conf, NewClock(wall.UnixMilli, 1, time.Second)), wall
}

func TestReadSeesVersionAtTimestamp(t *testing.T) {
	m, _ := newTestManager(0)
	clock := m.Clock()
	before := clock.Now()
	ts1 := clock.Now()
	ts2 := clock.Now()

	m.Write("k", []byte("v1"), 1, ts1)
	m.Write("k", []byte("v2"), 2, ts2)

	v, ok := m.Read("k", ts1)
	assert.True(t, ok)
	assert.Equal(t, []byte("v1"), v)
	v, ok = m.Read("k", ts2)
	assert.True(t, ok)
	assert.Equal(t, []byte("v2"), v)
	_, ok = m.Read("k", before)
	assert.False(t, ok)
	_, ok = m.Read("missing", ts2)
	assert.False(t, ok)
}

func TestOutOfOrderWritesKeepChainSorted(t *testing.T) {
	m, _ := newTestManager(0)
	clock := m.Clock()
	ts1 := clock.Now()
	ts2 := clock.Now()

	m.Write("k", []byte("new"), 2, ts2)
	m.Write("k", []byte("old"), 1, ts1)

	versions := m.Versions("k")
	require.Len(t, versions, 2)
	assert.Equal(t, []byte("old"), versions[0].Value)
	v, _ := m.Read("k", ts2)
	assert.Equal(t, []byte("new"), v)
}

func TestDeleteWritesTombstone(t *testing.T) {
	m, _ := newTestManager(0)
	clock := m.Clock()
	ts1 := clock.Now()
	ts2 := clock.Now()
	ts3 := clock.Now()

	m.Write("k", []byte("v1"), 1, ts1)
	assert.True(t, m.Delete("k", 2, ts2))

	v, ok := m.Read("k", ts1)
	assert.True(t, ok)
	assert.Equal(t, []byte("v1"), v)
	_, ok = m.Read("k", ts2)
	assert.False(t, ok)
	_, ok = m.Read("k", ts3)
	assert.False(t, ok)

	// Nothing left to delete.
	assert.False(t, m.Delete("k", 3, ts3))
	assert.False(t, m.Delete("missing", 3, ts3))

	latest, ok := m.ReadVersion("k", ts1)
	require.True(t, ok)
	assert.False(t, latest.IsTombstone())
	versions := m.Versions("k")
	assert.True(t, versions[len(versions)-1].IsTombstone())
}

func TestSnapshotRegistry(t *testing.T) {
	m, _ := newTestManager(0)
	_, ok := m.OldestSnapshot()
	assert.False(t, ok)

	ts1 := m.BeginSnapshot(1)
	ts2 := m.BeginSnapshot(2)
	oldest, ok := m.OldestSnapshot()
	assert.True(t, ok)
	assert.Equal(t, ts1, oldest)

	m.EndSnapshot(1)
	oldest, _ = m.OldestSnapshot()
	assert.Equal(t, ts2, oldest)
	got, ok := m.Snapshot(2)
	assert.True(t, ok)
	assert.Equal(t, ts2, got)

	m.EndSnapshot(2)
	m.EndSnapshot(2)
	assert.Equal(t, 0, m.Stats().ActiveSnapshots)
}

func TestGarbageCollectKeepsVersionsVisibleToSnapshots(t *testing.T) {
	m, _ := newTestManager(0)
	clock := m.Clock()
	ts1 := clock.Now()
	ts2 := clock.Now()
	ts3 := clock.Now()
	ts4 := clock.Now()

	m.Write("k", []byte("v1"), 1, ts1)
	m.Write("k", []byte("v2"), 2, ts2)
	m.Write("k", []byte("v4"), 4, ts4)
	m.BeginSnapshotAt(9, ts3)

	assert.Equal(t, 1, m.GarbageCollect())
	v, ok := m.Read("k", ts3)
	assert.True(t, ok)
	assert.Equal(t, []byte("v2"), v)
	v, _ = m.Read("k", ts4)
	assert.Equal(t, []byte("v4"), v)
	assert.Equal(t, 0, m.GarbageCollect())

	m.EndSnapshot(9)
	assert.Equal(t, 1, m.GarbageCollect())
	assert.Len(t, m.Versions("k"), 1)
}

func TestGarbageCollectDropsDeletedKeys(t *testing.T) {
	m, _ := newTestManager(0)
	clock := m.Clock()

	m.Write("a", []byte("1"), 1, clock.Now())
	m.Write("b", []byte("1"), 1, clock.Now())
	require.True(t, m.Delete("a", 2, clock.Now()))

	assert.Equal(t, 2, m.GarbageCollect())
	st := m.Stats()
	assert.Equal(t, 1, st.Keys)
	assert.Equal(t, 1, st.Versions)
	_, ok := m.Read("a", clock.Now())
	assert.False(t, ok)
}

func TestVersionCapRespectsSnapshots(t *testing.T) {
	m, _ := newTestManager(2)
	clock := m.Clock()
	ts1 := clock.Now()
	m.BeginSnapshotAt(9, ts1)

	m.Write("k", []byte("v1"), 1, ts1)
	m.Write("k", []byte("v2"), 2, clock.Now())
	m.Write("k", []byte("v3"), 3, clock.Now())
	assert.Len(t, m.Versions("k"), 3)
	v, _ := m.Read("k", ts1)
	assert.Equal(t, []byte("v1"), v)

	m.EndSnapshot(9)
	m.Write("k", []byte("v4"), 4, clock.Now())
	assert.Len(t, m.Versions("k"), 1)
}

func TestConcurrentReadWrite(t *testing.T) {
	m, _ := newTestManager(0)
	clock := m.Clock()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := fmt.Sprintf("k%d", i)
			for j := 0; j < 50; j++ {
				ts := clock.Now()
				val := fmt.Sprint(j)
				m.Write(key, []byte(val), 1, ts)
				got, ok := m.Read(key, ts)
				if !ok || string(got) != val {
					t.Errorf("key %s: read %q at %s, want %q", key, got, ts, val)
				}
				if j%10 == 0 {
					m.GarbageCollect()
				}
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 8, m.Stats().Keys)
}
