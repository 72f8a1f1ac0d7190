package mvcc

import (
	"sync"

	"github.com/dgryski/go-farm"
	"github.com/google/btree"
	"github.com/pingcap-incubator/tinytxn/kv/config"
	"github.com/pingcap-incubator/tinytxn/kv/transaction/types"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

type versionShard struct {
	mu     sync.RWMutex
	chains map[string]*VersionChain
}

type snapshotItem struct {
	ts  Timestamp
	txn types.TxnID
}

func (s snapshotItem) Less(than btree.Item) bool {
	o := than.(snapshotItem)
	if c := s.ts.Compare(o.ts); c != 0 {
		return c < 0
	}
	return s.txn < o.txn
}

// Manager stores version chains keyed by string and tracks the snapshots
// that bound garbage collection.
type Manager struct {
	clock       *Clock
	maxVersions int
	shards      []*versionShard

	snapMu    sync.Mutex
	snapshots map[types.TxnID]Timestamp
	// snapshots ordered by start timestamp.
	snapIndex *btree.BTree
}

func NewManager(conf config.MVCCConfig, clock *Clock) *Manager {
	n := conf.Shards
	if n <= 0 {
		n = 1
	}
	m := &Manager{
		clock:       clock,
		maxVersions: conf.MaxVersionsPerKey,
		shards:      make([]*versionShard, n),
		snapshots:   make(map[types.TxnID]Timestamp),
		snapIndex:   btree.New(8),
	}
	for i := range m.shards {
		m.shards[i] = &versionShard{chains: make(map[string]*VersionChain)}
	}
	return m
}

func (m *Manager) Clock() *Clock {
	return m.clock
}

func (m *Manager) shard(key string) *versionShard {
	return m.shards[farm.Fingerprint64([]byte(key))%uint64(len(m.shards))]
}

func (m *Manager) chain(key string) *VersionChain {
	s := m.shard(key)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.chains[key]
}

// BeginSnapshot registers a snapshot for txn at the current clock time.
func (m *Manager) BeginSnapshot(txn types.TxnID) Timestamp {
	ts := m.clock.Now()
	m.BeginSnapshotAt(txn, ts)
	return ts
}

// BeginSnapshotAt registers a snapshot for txn at ts, replacing any earlier
// snapshot of the same transaction.
func (m *Manager) BeginSnapshotAt(txn types.TxnID, ts Timestamp) {
	m.snapMu.Lock()
	defer m.snapMu.Unlock()
	if old, ok := m.snapshots[txn]; ok {
		m.snapIndex.Delete(snapshotItem{ts: old, txn: txn})
	}
	m.snapshots[txn] = ts
	m.snapIndex.ReplaceOrInsert(snapshotItem{ts: ts, txn: txn})
	mvccActiveSnapshotGauge.Set(float64(len(m.snapshots)))
}

func (m *Manager) EndSnapshot(txn types.TxnID) {
	m.snapMu.Lock()
	defer m.snapMu.Unlock()
	ts, ok := m.snapshots[txn]
	if !ok {
		return
	}
	delete(m.snapshots, txn)
	m.snapIndex.Delete(snapshotItem{ts: ts, txn: txn})
	mvccActiveSnapshotGauge.Set(float64(len(m.snapshots)))
}

func (m *Manager) Snapshot(txn types.TxnID) (Timestamp, bool) {
	m.snapMu.Lock()
	defer m.snapMu.Unlock()
	ts, ok := m.snapshots[txn]
	return ts, ok
}

// OldestSnapshot returns the start timestamp of the oldest active snapshot.
func (m *Manager) OldestSnapshot() (Timestamp, bool) {
	m.snapMu.Lock()
	defer m.snapMu.Unlock()
	if item := m.snapIndex.Min(); item != nil {
		return item.(snapshotItem).ts, true
	}
	return Timestamp{}, false
}

// watermark is the newest timestamp below which no reader can exist. Without
// active snapshots every future snapshot starts after the last issued clock
// reading.
func (m *Manager) watermark() Timestamp {
	if ts, ok := m.OldestSnapshot(); ok {
		return ts
	}
	return m.clock.Peek()
}

// Read returns the value of key visible at ts.
func (m *Manager) Read(key string, ts Timestamp) ([]byte, bool) {
	rec, ok := m.ReadVersion(key, ts)
	if !ok {
		return nil, false
	}
	return rec.Value, true
}

func (m *Manager) ReadVersion(key string, ts Timestamp) (*VersionedRecord, bool) {
	mvccReadCounter.Inc()
	c := m.chain(key)
	if c == nil {
		return nil, false
	}
	return c.Read(ts)
}

// Write appends a version of key created by txn at ts.
func (m *Manager) Write(key string, value []byte, txn types.TxnID, ts Timestamp) {
	m.WriteWithLSN(key, value, txn, ts, types.InvalidLSN)
}

func (m *Manager) WriteWithLSN(key string, value []byte, txn types.TxnID, ts Timestamp, lsn types.LSN) {
	m.add(key, &VersionedRecord{
		Value:     value,
		CreatedBy: txn,
		CreatedAt: ts,
		LSN:       lsn,
	})
}

// Delete appends a tombstone for key at ts. It returns false if no version
// is visible at ts.
func (m *Manager) Delete(key string, txn types.TxnID, ts Timestamp) bool {
	return m.DeleteWithLSN(key, txn, ts, types.InvalidLSN)
}

func (m *Manager) DeleteWithLSN(key string, txn types.TxnID, ts Timestamp, lsn types.LSN) bool {
	c := m.chain(key)
	if c == nil {
		return false
	}
	cur, ok := c.Read(ts)
	if !ok {
		return false
	}
	m.add(key, &VersionedRecord{
		Value:     cur.Value,
		CreatedBy: txn,
		CreatedAt: ts,
		Deleted:   true,
		DeletedBy: txn,
		DeletedAt: ts,
		LSN:       lsn,
	})
	return true
}

func (m *Manager) add(key string, rec *VersionedRecord) {
	mvccWriteCounter.Inc()
	s := m.shard(key)
	// The shard lock keeps GarbageCollect from unlinking the chain while the
	// version is being added.
	s.mu.RLock()
	c := s.chains[key]
	if c != nil {
		c.Add(rec)
	}
	s.mu.RUnlock()
	if c == nil {
		s.mu.Lock()
		if c = s.chains[key]; c == nil {
			c = NewVersionChain()
			s.chains[key] = c
		}
		c.Add(rec)
		s.mu.Unlock()
	}
	if m.maxVersions > 0 && c.Len() > m.maxVersions {
		removed := c.GC(m.watermark())
		mvccGCVersionsCounter.Add(float64(removed))
		if c.Len() > m.maxVersions {
			log.Debug("version chain over cap, oldest snapshot still needs it",
				zap.String("key", key), zap.Int("versions", c.Len()), zap.Int("cap", m.maxVersions))
		}
	}
}

// GarbageCollect removes versions that no active or future snapshot can
// observe and drops empty chains. It returns the number of versions removed.
func (m *Manager) GarbageCollect() int {
	w := m.watermark()
	removed := 0
	for _, s := range m.shards {
		s.mu.Lock()
		for key, c := range s.chains {
			removed += c.GC(w)
			if c.Len() == 0 {
				delete(s.chains, key)
			}
		}
		s.mu.Unlock()
	}
	mvccGCVersionsCounter.Add(float64(removed))
	if removed > 0 {
		log.Info("mvcc garbage collected", zap.Stringer("watermark", w), zap.Int("versions", removed))
	}
	return removed
}

// Versions returns a copy of the chain for key, oldest first.
func (m *Manager) Versions(key string) []*VersionedRecord {
	c := m.chain(key)
	if c == nil {
		return nil
	}
	return c.Versions()
}

type Stats struct {
	Keys            int       `json:"keys"`
	Versions        int       `json:"versions"`
	ActiveSnapshots int       `json:"active_snapshots"`
	OldestSnapshot  Timestamp `json:"oldest_snapshot"`
}

func (m *Manager) Stats() Stats {
	var st Stats
	for _, s := range m.shards {
		s.mu.RLock()
		st.Keys += len(s.chains)
		for _, c := range s.chains {
			st.Versions += c.Len()
		}
		s.mu.RUnlock()
	}
	m.snapMu.Lock()
	st.ActiveSnapshots = len(m.snapshots)
	if item := m.snapIndex.Min(); item != nil {
		st.OldestSnapshot = item.(snapshotItem).ts
	}
	m.snapMu.Unlock()
	return st
}
