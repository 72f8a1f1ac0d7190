package recovery

import (
	"container/heap"

	"github.com/pingcap-incubator/tinytxn/kv/transaction/types"
	"github.com/pingcap-incubator/tinytxn/kv/wal"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

type undoItem struct {
	lsn types.LSN
	txn types.TxnID
}

// undoHeap pops the highest LSN first.
type undoHeap []undoItem

func (h undoHeap) Len() int            { return len(h) }
func (h undoHeap) Less(i, j int) bool  { return h[i].lsn > h[j].lsn }
func (h undoHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *undoHeap) Push(x interface{}) { *h = append(*h, x.(undoItem)) }
func (h *undoHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

type entryGetter interface {
	Get(lsn types.LSN) (*wal.Entry, error)
}

type undoer struct {
	m      *Manager
	reader entryGetter

	clrs       []types.LSN
	rolledBack []types.TxnID
	failedAt   types.LSN
}

func (m *Manager) newUndoer(reader entryGetter) *undoer {
	return &undoer{m: m, reader: reader}
}

// undo rolls back every transaction in starts, beginning at each one's last
// LSN and always undoing the highest outstanding LSN next. Each undone record
// gets a CLR whose redo operation is its inverse; a transaction whose chain
// ends gets an Abort record.
func (u *undoer) undo(starts []wal.TxnEntry) error {
	h := &undoHeap{}
	for _, s := range starts {
		if !s.LastLSN.IsValid() {
			if err := u.finish(s.TxnID); err != nil {
				return err
			}
			continue
		}
		heap.Push(h, undoItem{lsn: s.LastLSN, txn: s.TxnID})
	}
	for h.Len() > 0 {
		item := heap.Pop(h).(undoItem)
		u.failedAt = item.lsn
		next, err := u.undoOne(item)
		if err != nil {
			return err
		}
		if next.IsValid() {
			if next >= item.lsn {
				return errors.Errorf("malformed undo chain of txn %d: %d points to %d", item.txn, item.lsn, next)
			}
			heap.Push(h, undoItem{lsn: next, txn: item.txn})
			continue
		}
		if err := u.finish(item.txn); err != nil {
			return err
		}
	}
	u.failedAt = types.InvalidLSN
	return nil
}

// undoOne compensates the record at item.lsn and returns the next LSN of the
// transaction to undo.
func (u *undoer) undoOne(item undoItem) (types.LSN, error) {
	e, err := u.reader.Get(item.lsn)
	if err != nil {
		return types.InvalidLSN, errors.Annotatef(err, "read undo record %d", item.lsn)
	}
	r := e.Record
	if r.TxnID != item.txn {
		return types.InvalidLSN, errors.Errorf("malformed undo chain: record %d belongs to txn %d, not %d", item.lsn, r.TxnID, item.txn)
	}
	switch {
	case r.Type == wal.RecordBegin:
		return types.InvalidLSN, nil
	case r.Type == wal.RecordCLR:
		return r.UndoNextLSN, nil
	case r.IsUndoable():
		inverse, err := r.Inverse()
		if err != nil {
			return types.InvalidLSN, err
		}
		clr := wal.NewCLR(r.TxnID, r.UndoNextLSN, inverse)
		clrLSN, err := u.m.log.Append(clr)
		if err != nil {
			return types.InvalidLSN, err
		}
		if err := applyAt(u.m.pages, clrLSN, clr); err != nil {
			return types.InvalidLSN, err
		}
		u.clrs = append(u.clrs, clrLSN)
		recoveryRecordCounter.WithLabelValues("undone").Inc()
		return r.UndoNextLSN, nil
	}
	return types.InvalidLSN, errors.Errorf("malformed undo chain: %s record %d cannot be undone", r.Type, item.lsn)
}

func (u *undoer) finish(txn types.TxnID) error {
	if _, err := u.m.log.Append(wal.NewAbort(txn, u.m.now())); err != nil {
		return err
	}
	u.rolledBack = append(u.rolledBack, txn)
	log.Debug("txn rolled back", zap.Uint64("txn", uint64(txn)))
	return nil
}

// Rollback undoes a live transaction whose last record is at lastLSN and
// ends it with an Abort record. It returns the LSNs of the CLRs it wrote.
func (m *Manager) Rollback(txn types.TxnID, lastLSN types.LSN) ([]types.LSN, error) {
	u := m.newUndoer(m.log)
	if err := u.undo([]wal.TxnEntry{{TxnID: txn, LastLSN: lastLSN}}); err != nil {
		return u.clrs, errors.Annotatef(err, "rollback txn %d at lsn %d", txn, u.failedAt)
	}
	return u.clrs, nil
}
