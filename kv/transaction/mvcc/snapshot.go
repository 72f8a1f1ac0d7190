package mvcc

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/btree"
	"github.com/pingcap-incubator/tinytxn/kv/config"
	"github.com/pingcap-incubator/tinytxn/kv/transaction/types"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

// ErrTxnNotFound is returned for operations on a transaction that is not
// active under snapshot isolation.
type ErrTxnNotFound struct {
	Txn types.TxnID
}

func (e *ErrTxnNotFound) Error() string {
	return fmt.Sprintf("txn %d is not active", e.Txn)
}

// ErrWriteConflict is returned when two transactions write the same key and
// the other one is still active or committed after this one started.
type ErrWriteConflict struct {
	Txn   types.TxnID
	Other types.TxnID
	Key   string
}

func (e *ErrWriteConflict) Error() string {
	return fmt.Sprintf("txn %d write conflict with txn %d on key %q", e.Txn, e.Other, e.Key)
}

// ErrWriteSkew is returned under serializable mode when a key this
// transaction read was written by a transaction that committed after it
// started.
type ErrWriteSkew struct {
	Txn   types.TxnID
	Other types.TxnID
	Key   string
}

func (e *ErrWriteSkew) Error() string {
	return fmt.Sprintf("txn %d read key %q written by concurrently committed txn %d", e.Txn, e.Key, e.Other)
}

// TxnSnapshot is the snapshot isolation view of one transaction.
type TxnSnapshot struct {
	Txn      types.TxnID
	StartTS  Timestamp
	ReadOnly bool
	ReadSet  map[string]struct{}
	WriteSet map[string]struct{}
}

type committedTxn struct {
	commitTS Timestamp
	txn      types.TxnID
	writeSet map[string]struct{}
}

func (c *committedTxn) Less(than btree.Item) bool {
	o := than.(*committedTxn)
	if cmp := c.commitTS.Compare(o.commitTS); cmp != 0 {
		return cmp < 0
	}
	return c.txn < o.txn
}

// SnapshotIsolation tracks read and write sets of active transactions and
// validates them at commit.
type SnapshotIsolation struct {
	mu           sync.Mutex
	clock        *Clock
	serializable bool
	activeOnly   bool
	retention    time.Duration
	active       map[types.TxnID]*TxnSnapshot
	// committed write-sets ordered by commit timestamp.
	committed *btree.BTree
}

func NewSnapshotIsolation(conf config.SnapshotConfig, clock *Clock) *SnapshotIsolation {
	return &SnapshotIsolation{
		clock:        clock,
		serializable: conf.Serializable,
		activeOnly:   conf.ActiveWriteConflictsOnly,
		retention:    conf.CommittedRetention.Duration,
		active:       make(map[types.TxnID]*TxnSnapshot),
		committed:    btree.New(16),
	}
}

func (si *SnapshotIsolation) Serializable() bool {
	return si.serializable
}

// BeginTransaction starts txn at the current clock time.
func (si *SnapshotIsolation) BeginTransaction(txn types.TxnID, readOnly bool) Timestamp {
	si.mu.Lock()
	defer si.mu.Unlock()
	ts := si.clock.Now()
	si.active[txn] = &TxnSnapshot{
		Txn:      txn,
		StartTS:  ts,
		ReadOnly: readOnly,
		ReadSet:  make(map[string]struct{}),
		WriteSet: make(map[string]struct{}),
	}
	return ts
}

func (si *SnapshotIsolation) RecordRead(txn types.TxnID, key string) error {
	si.mu.Lock()
	defer si.mu.Unlock()
	snap, ok := si.active[txn]
	if !ok {
		return &ErrTxnNotFound{Txn: txn}
	}
	snap.ReadSet[key] = struct{}{}
	return nil
}

func (si *SnapshotIsolation) RecordWrite(txn types.TxnID, key string) error {
	si.mu.Lock()
	defer si.mu.Unlock()
	snap, ok := si.active[txn]
	if !ok {
		return &ErrTxnNotFound{Txn: txn}
	}
	snap.WriteSet[key] = struct{}{}
	return nil
}

func (si *SnapshotIsolation) StartTS(txn types.TxnID) (Timestamp, bool) {
	si.mu.Lock()
	defer si.mu.Unlock()
	if snap, ok := si.active[txn]; ok {
		return snap.StartTS, true
	}
	return Timestamp{}, false
}

// CheckWriteConflicts fails if another active transaction has written a key
// in txn's write-set, or one committed after txn started did. The committed
// check is skipped when conflicts are limited to active transactions.
func (si *SnapshotIsolation) CheckWriteConflicts(txn types.TxnID) error {
	si.mu.Lock()
	defer si.mu.Unlock()
	return si.checkWriteConflicts(txn)
}

func (si *SnapshotIsolation) checkWriteConflicts(txn types.TxnID) error {
	snap, ok := si.active[txn]
	if !ok {
		return &ErrTxnNotFound{Txn: txn}
	}
	if len(snap.WriteSet) == 0 {
		return nil
	}
	others := make([]types.TxnID, 0, len(si.active))
	for other := range si.active {
		if other != txn {
			others = append(others, other)
		}
	}
	sort.Slice(others, func(i, j int) bool { return others[i] < others[j] })
	for _, other := range others {
		if key, ok := intersect(snap.WriteSet, si.active[other].WriteSet); ok {
			return &ErrWriteConflict{Txn: txn, Other: other, Key: key}
		}
	}
	if si.activeOnly {
		return nil
	}
	var err error
	si.committedSince(snap.StartTS, func(c *committedTxn) bool {
		if key, ok := intersect(snap.WriteSet, c.writeSet); ok {
			err = &ErrWriteConflict{Txn: txn, Other: c.txn, Key: key}
			return false
		}
		return true
	})
	return err
}

// CheckWriteSkew fails if a key in txn's read-set was written by a
// transaction that committed after txn started.
func (si *SnapshotIsolation) CheckWriteSkew(txn types.TxnID) error {
	si.mu.Lock()
	defer si.mu.Unlock()
	return si.checkWriteSkew(txn)
}

func (si *SnapshotIsolation) checkWriteSkew(txn types.TxnID) error {
	snap, ok := si.active[txn]
	if !ok {
		return &ErrTxnNotFound{Txn: txn}
	}
	var err error
	si.committedSince(snap.StartTS, func(c *committedTxn) bool {
		if key, ok := intersect(snap.ReadSet, c.writeSet); ok {
			err = &ErrWriteSkew{Txn: txn, Other: c.txn, Key: key}
			return false
		}
		return true
	})
	return err
}

func (si *SnapshotIsolation) committedSince(start Timestamp, fn func(*committedTxn) bool) {
	si.committed.AscendGreaterOrEqual(&committedTxn{commitTS: start}, func(i btree.Item) bool {
		return fn(i.(*committedTxn))
	})
}

// Commit validates txn and returns its commit timestamp. On failure txn stays
// active so the caller can abort it.
func (si *SnapshotIsolation) Commit(txn types.TxnID) (Timestamp, error) {
	si.mu.Lock()
	defer si.mu.Unlock()
	snap, ok := si.active[txn]
	if !ok {
		return Timestamp{}, &ErrTxnNotFound{Txn: txn}
	}
	if !snap.ReadOnly {
		if err := si.checkWriteConflicts(txn); err != nil {
			siConflictCounter.WithLabelValues("write_write").Inc()
			return Timestamp{}, err
		}
		if si.serializable {
			if err := si.checkWriteSkew(txn); err != nil {
				siConflictCounter.WithLabelValues("write_skew").Inc()
				return Timestamp{}, err
			}
		}
	}
	commitTS := si.clock.Now()
	delete(si.active, txn)
	if len(snap.WriteSet) > 0 {
		si.committed.ReplaceOrInsert(&committedTxn{commitTS: commitTS, txn: txn, writeSet: snap.WriteSet})
	}
	si.cleanup()
	return commitTS, nil
}

func (si *SnapshotIsolation) Abort(txn types.TxnID) error {
	si.mu.Lock()
	defer si.mu.Unlock()
	if _, ok := si.active[txn]; !ok {
		return &ErrTxnNotFound{Txn: txn}
	}
	delete(si.active, txn)
	si.cleanup()
	return nil
}

// cleanup drops committed write-sets that no active transaction can conflict
// with, and those older than the retention window.
func (si *SnapshotIsolation) cleanup() {
	var oldest Timestamp
	hasActive := false
	for _, snap := range si.active {
		if !hasActive || snap.StartTS.Less(oldest) {
			oldest = snap.StartTS
			hasActive = true
		}
	}
	now := si.clock.Peek()
	var stale []btree.Item
	si.committed.Ascend(func(i btree.Item) bool {
		c := i.(*committedTxn)
		expired := si.retention > 0 && c.commitTS.Physical+uint64(si.retention/time.Millisecond) < now.Physical
		if !hasActive || c.commitTS.Less(oldest) || expired {
			stale = append(stale, i)
			return true
		}
		return false
	})
	for _, i := range stale {
		si.committed.Delete(i)
	}
	if len(stale) > 0 {
		log.Debug("dropped committed write-sets", zap.Int("count", len(stale)), zap.Int("remaining", si.committed.Len()))
	}
}

func (si *SnapshotIsolation) ActiveCount() int {
	si.mu.Lock()
	defer si.mu.Unlock()
	return len(si.active)
}

func (si *SnapshotIsolation) CommittedCount() int {
	si.mu.Lock()
	defer si.mu.Unlock()
	return si.committed.Len()
}

// intersect returns a key present in both sets, the smallest one for
// deterministic errors.
func intersect(a, b map[string]struct{}) (string, bool) {
	if len(b) < len(a) {
		a, b = b, a
	}
	found := false
	var min string
	for k := range a {
		if _, ok := b[k]; ok && (!found || k < min) {
			min, found = k, true
		}
	}
	return min, found
}
