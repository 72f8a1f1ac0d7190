package wal

import (
	"sort"
	"sync"

	"github.com/pingcap-incubator/tinytxn/kv/transaction/types"
	"github.com/pingcap/errors"
	"go.uber.org/atomic"
)

// Manager is the write-ahead log. It assigns LSNs, links each record to the
// previous record of its transaction and checksums everything it writes.
//
// It also tracks the runtime transaction table and dirty page table that
// fuzzy checkpoints snapshot.
type Manager struct {
	// mu serializes appends so that LSN order matches store order.
	mu    sync.Mutex
	store Store

	lastLSN *atomic.Uint64

	tableMu sync.Mutex
	// Last LSN of every transaction between its Begin and its Commit or Abort.
	txnLast map[types.TxnID]types.LSN
	// First LSN that dirtied each page since it was last flushed.
	dirty map[types.PageID]types.LSN
}

// NewManager opens a log over store, continuing after its last entry.
func NewManager(store Store) (*Manager, error) {
	last, err := store.LastLSN()
	if err != nil {
		return nil, errors.Trace(err)
	}
	return &Manager{
		store:   store,
		lastLSN: atomic.NewUint64(uint64(last)),
		txnLast: make(map[types.TxnID]types.LSN),
		dirty:   make(map[types.PageID]types.LSN),
	}, nil
}

// Append writes r and returns its LSN. It returns after the store has
// persisted the entry.
func (m *Manager) Append(r *Record) (types.LSN, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	lsn := types.LSN(m.lastLSN.Load() + 1)
	var prev types.LSN
	if r.HasTxn() {
		m.tableMu.Lock()
		prev = m.txnLast[r.TxnID]
		m.tableMu.Unlock()
	}
	e, payload := newEntry(lsn, prev, r)
	if err := m.store.Put(lsn, MarshalEntry(e, payload)); err != nil {
		return types.InvalidLSN, errors.Annotatef(err, "append %s", r.Type)
	}
	m.lastLSN.Store(uint64(lsn))
	m.track(lsn, r)

	walAppendCounter.WithLabelValues(r.Type.String()).Inc()
	walLastLSNGauge.Set(float64(lsn))
	walBytesCounter.Add(float64(e.Size))
	return lsn, nil
}

func (m *Manager) track(lsn types.LSN, r *Record) {
	m.tableMu.Lock()
	defer m.tableMu.Unlock()
	switch r.Type {
	case RecordBegin:
		m.txnLast[r.TxnID] = lsn
	case RecordUpdate, RecordInsert, RecordDelete, RecordCLR:
		m.txnLast[r.TxnID] = lsn
		if _, ok := m.dirty[r.PageID]; !ok {
			m.dirty[r.PageID] = lsn
		}
	case RecordCommit, RecordAbort:
		delete(m.txnLast, r.TxnID)
	}
}

// Get reads and verifies the entry at lsn.
func (m *Manager) Get(lsn types.LSN) (*Entry, error) {
	data, err := m.store.Get(lsn)
	if err != nil {
		return nil, err
	}
	e, _, err := UnmarshalEntry(data)
	return e, err
}

// ReadFrom returns every entry at or after lsn in LSN order. It stops at the
// first entry that fails verification and returns its error.
func (m *Manager) ReadFrom(lsn types.LSN) ([]*Entry, error) {
	var (
		entries []*Entry
		readErr error
	)
	err := m.store.Scan(lsn, func(_ types.LSN, data []byte) bool {
		e, _, err := UnmarshalEntry(data)
		if err != nil {
			readErr = err
			return false
		}
		entries = append(entries, e)
		return true
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	return entries, readErr
}

func (m *Manager) LastLSN() types.LSN {
	return types.LSN(m.lastLSN.Load())
}

// Truncate discards every entry after lsn. The runtime tables are cleared;
// recovery rebuilds them from what remains.
func (m *Manager) Truncate(lsn types.LSN) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.store.TruncateAfter(lsn); err != nil {
		return errors.Trace(err)
	}
	last, err := m.store.LastLSN()
	if err != nil {
		return errors.Trace(err)
	}
	m.lastLSN.Store(uint64(last))
	m.tableMu.Lock()
	m.txnLast = make(map[types.TxnID]types.LSN)
	m.dirty = make(map[types.PageID]types.LSN)
	m.tableMu.Unlock()
	walLastLSNGauge.Set(float64(last))
	return nil
}

// ActiveTxns returns the transactions that have begun but not ended, sorted by id.
func (m *Manager) ActiveTxns() []TxnEntry {
	m.tableMu.Lock()
	defer m.tableMu.Unlock()
	txns := make([]TxnEntry, 0, len(m.txnLast))
	for txn, lsn := range m.txnLast {
		txns = append(txns, TxnEntry{TxnID: txn, LastLSN: lsn})
	}
	sort.Slice(txns, func(i, j int) bool { return txns[i].TxnID < txns[j].TxnID })
	return txns
}

// DirtyPages returns the pages changed since their last flush, sorted by id.
func (m *Manager) DirtyPages() []DirtyPageEntry {
	m.tableMu.Lock()
	defer m.tableMu.Unlock()
	pages := make([]DirtyPageEntry, 0, len(m.dirty))
	for page, lsn := range m.dirty {
		pages = append(pages, DirtyPageEntry{PageID: page, RecLSN: lsn})
	}
	sort.Slice(pages, func(i, j int) bool { return pages[i].PageID < pages[j].PageID })
	return pages
}

// MarkPageClean drops page from the dirty page table once the page store has
// flushed it.
func (m *Manager) MarkPageClean(page types.PageID) {
	m.tableMu.Lock()
	defer m.tableMu.Unlock()
	delete(m.dirty, page)
}

// RestoreDirtyPages seeds the dirty page table, keeping the lower rec LSN of
// pages already tracked. Recovery calls it with the table Analysis rebuilt.
func (m *Manager) RestoreDirtyPages(pages []DirtyPageEntry) {
	m.tableMu.Lock()
	defer m.tableMu.Unlock()
	for _, p := range pages {
		if cur, ok := m.dirty[p.PageID]; !ok || p.RecLSN < cur {
			m.dirty[p.PageID] = p.RecLSN
		}
	}
}

// RestoreActiveTxns seeds the transaction table so records appended for
// txns continue their prev LSN chains. Recovery calls it before undo.
func (m *Manager) RestoreActiveTxns(txns []TxnEntry) {
	m.tableMu.Lock()
	defer m.tableMu.Unlock()
	for _, t := range txns {
		if cur, ok := m.txnLast[t.TxnID]; !ok || t.LastLSN > cur {
			m.txnLast[t.TxnID] = t.LastLSN
		}
	}
}

func (m *Manager) Close() error {
	return m.store.Close()
}
