package transaction

import (
	"fmt"
	"sync"

	"github.com/pingcap-incubator/tinytxn/kv/config"
	"github.com/pingcap-incubator/tinytxn/kv/recovery"
	"github.com/pingcap-incubator/tinytxn/kv/storage"
	"github.com/pingcap-incubator/tinytxn/kv/transaction/latches"
	"github.com/pingcap-incubator/tinytxn/kv/transaction/locks"
	"github.com/pingcap-incubator/tinytxn/kv/transaction/mvcc"
	"github.com/pingcap-incubator/tinytxn/kv/transaction/types"
	"github.com/pingcap-incubator/tinytxn/kv/wal"
	"github.com/pingcap/errors"
	"go.uber.org/atomic"
)

// ErrTxnNotActive is returned for operations on a committed or rolled back
// transaction.
type ErrTxnNotActive struct {
	Txn   types.TxnID
	State TxnState
}

func (e *ErrTxnNotActive) Error() string {
	return fmt.Sprintf("txn %d is %s", e.Txn, e.State)
}

// Manager starts transactions and owns the state they share.
type Manager struct {
	log      *wal.Manager
	pages    storage.PageStore
	recovery *recovery.Manager

	clock    *mvcc.Clock
	locks    *locks.Manager
	versions *mvcc.Manager
	si       *mvcc.SnapshotIsolation
	latches  *latches.Latches

	// commitMu keeps snapshots from starting while a commit that has taken
	// its timestamp is still publishing versions.
	commitMu sync.RWMutex
	nextTxn  *atomic.Uint64

	mu     sync.Mutex
	active map[types.TxnID]*Txn
}

// NewManager builds the transaction layer over an already recovered log and
// page store. The physical clock defaults to the system wall clock.
func NewManager(conf *config.Config, log *wal.Manager, pages storage.PageStore, rec *recovery.Manager, physical func() uint64) *Manager {
	clock := mvcc.NewClock(physical, conf.NodeID, conf.Snapshot.MaxClockSkew.Duration)
	return &Manager{
		log:      log,
		pages:    pages,
		recovery: rec,
		clock:    clock,
		locks:    locks.NewManager(conf.Lock),
		versions: mvcc.NewManager(conf.MVCC, clock),
		si:       mvcc.NewSnapshotIsolation(conf.Snapshot, clock),
		latches:  latches.NewLatches(),
		nextTxn:  atomic.NewUint64(0),
		active:   make(map[types.TxnID]*Txn),
	}
}

func (m *Manager) Clock() *mvcc.Clock {
	return m.clock
}

func (m *Manager) Locks() *locks.Manager {
	return m.locks
}

func (m *Manager) Versions() *mvcc.Manager {
	return m.versions
}

func (m *Manager) SnapshotIsolation() *mvcc.SnapshotIsolation {
	return m.si
}

// SetNextTxnID makes the next transaction id greater than id. Engines call
// it after recovery so ids are never reused within a log.
func (m *Manager) SetNextTxnID(id types.TxnID) {
	for {
		cur := m.nextTxn.Load()
		if uint64(id) <= cur || m.nextTxn.CAS(cur, uint64(id)) {
			return
		}
	}
}

// Begin starts a read-write transaction.
func (m *Manager) Begin() (*Txn, error) {
	return m.begin(false)
}

// BeginReadOnly starts a transaction that may only read. It writes nothing
// to the log and is never rejected at commit.
func (m *Manager) BeginReadOnly() (*Txn, error) {
	return m.begin(true)
}

func (m *Manager) begin(readOnly bool) (*Txn, error) {
	id := types.TxnID(m.nextTxn.Inc())
	m.commitMu.Lock()
	start := m.si.BeginTransaction(id, readOnly)
	m.versions.BeginSnapshotAt(id, start)
	m.commitMu.Unlock()

	txn := &Txn{
		m:        m,
		id:       id,
		startTS:  start,
		readOnly: readOnly,
		writes:   make(map[Key]*pendingWrite),
	}
	if !readOnly {
		lsn, err := m.log.Append(wal.NewBegin(id, start.Physical))
		if err != nil {
			m.si.Abort(id)
			m.versions.EndSnapshot(id)
			return nil, errors.Annotatef(err, "begin txn %d", id)
		}
		txn.lastLSN = lsn
	}
	m.mu.Lock()
	m.active[id] = txn
	m.mu.Unlock()
	txnCounter.WithLabelValues("begin").Inc()
	return txn, nil
}

func (m *Manager) finish(txn *Txn) {
	m.mu.Lock()
	delete(m.active, txn.id)
	m.mu.Unlock()
	m.locks.ReleaseAll(txn.id)
	m.versions.EndSnapshot(txn.id)
}

// ActiveCount returns the number of transactions begun and not finished.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// GarbageCollect drops versions no active transaction can read.
func (m *Manager) GarbageCollect() int {
	return m.versions.GarbageCollect()
}
