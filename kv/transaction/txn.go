package transaction

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/pingcap-incubator/tinytxn/kv/storage"
	"github.com/pingcap-incubator/tinytxn/kv/transaction/locks"
	"github.com/pingcap-incubator/tinytxn/kv/transaction/mvcc"
	"github.com/pingcap-incubator/tinytxn/kv/transaction/types"
	"github.com/pingcap-incubator/tinytxn/kv/wal"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

type TxnState int

const (
	TxnStateActive TxnState = iota
	TxnStateCommitted
	TxnStateRolledBack
)

func (s TxnState) String() string {
	switch s {
	case TxnStateActive:
		return "active"
	case TxnStateCommitted:
		return "committed"
	case TxnStateRolledBack:
		return "rolled back"
	}
	return fmt.Sprintf("TxnState(%d)", int(s))
}

type pendingWrite struct {
	value   []byte
	deleted bool
	lsn     types.LSN
}

// Txn is one transaction. Its methods may be called from one goroutine at a
// time.
type Txn struct {
	m        *Manager
	id       types.TxnID
	startTS  mvcc.Timestamp
	readOnly bool

	mu      sync.Mutex
	state   TxnState
	lastLSN types.LSN
	// lastUndoLSN is the last page operation, the undo next of the one after.
	lastUndoLSN types.LSN
	writes      map[Key]*pendingWrite
}

func (t *Txn) ID() types.TxnID {
	return t.id
}

func (t *Txn) StartTS() mvcc.Timestamp {
	return t.startTS
}

func (t *Txn) State() TxnState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Txn) checkActive() error {
	if t.state != TxnStateActive {
		return &ErrTxnNotActive{Txn: t.id, State: t.state}
	}
	return nil
}

// Get returns the row at key as of the transaction's start, or its own
// uncommitted write.
func (t *Txn) Get(key Key) ([]byte, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkActive(); err != nil {
		return nil, false, err
	}
	if w, ok := t.writes[key]; ok {
		return w.value, !w.deleted, nil
	}
	if err := t.m.si.RecordRead(t.id, key.versionKey()); err != nil {
		return nil, false, err
	}
	value, ok := t.m.versions.Read(key.versionKey(), t.startTS)
	return value, ok, nil
}

// GetForUpdate takes an update lock on key and returns its latest committed
// value. No other transaction can write the row until this one finishes.
func (t *Txn) GetForUpdate(ctx context.Context, key Key) ([]byte, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkActive(); err != nil {
		return nil, false, err
	}
	if err := t.m.locks.Acquire(ctx, t.id, key.resource(), locks.ModeU); err != nil {
		return nil, false, err
	}
	if w, ok := t.writes[key]; ok {
		return w.value, !w.deleted, nil
	}
	if err := t.m.si.RecordRead(t.id, key.versionKey()); err != nil {
		return nil, false, err
	}
	value, ok := t.m.versions.Read(key.versionKey(), mvcc.MaxTimestamp)
	return value, ok, nil
}

// current returns the row value this transaction would overwrite. The
// caller holds an X lock on key, so the latest committed version cannot
// change underneath it.
func (t *Txn) current(key Key) ([]byte, bool) {
	if w, ok := t.writes[key]; ok {
		return w.value, !w.deleted
	}
	return t.m.versions.Read(key.versionKey(), mvcc.MaxTimestamp)
}

// Put writes value to key.
func (t *Txn) Put(ctx context.Context, key Key, value []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.prepareWrite(ctx, key); err != nil {
		return err
	}
	image := encodeImage(value)
	var r *wal.Record
	if prev, ok := t.current(key); ok {
		before, after := padImages(encodeImage(prev), image)
		r = wal.NewUpdate(t.id, key.Page, key.Offset, before, after, t.lastUndoLSN)
	} else {
		r = wal.NewInsert(t.id, key.Page, key.Offset, image, t.lastUndoLSN)
	}
	lsn, err := t.logAndApply(r)
	if err != nil {
		return err
	}
	t.writes[key] = &pendingWrite{value: append([]byte(nil), value...), lsn: lsn}
	return nil
}

// Delete removes key. It returns false if there was nothing to delete.
func (t *Txn) Delete(ctx context.Context, key Key) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.prepareWrite(ctx, key); err != nil {
		return false, err
	}
	prev, ok := t.current(key)
	if !ok {
		return false, nil
	}
	r := wal.NewDelete(t.id, key.Page, key.Offset, encodeImage(prev), t.lastUndoLSN)
	lsn, err := t.logAndApply(r)
	if err != nil {
		return false, err
	}
	t.writes[key] = &pendingWrite{deleted: true, lsn: lsn}
	return true, nil
}

func (t *Txn) prepareWrite(ctx context.Context, key Key) error {
	if err := t.checkActive(); err != nil {
		return err
	}
	if t.readOnly {
		return errors.Errorf("txn %d is read-only", t.id)
	}
	if err := t.m.locks.Acquire(ctx, t.id, key.resource(), locks.ModeX); err != nil {
		return err
	}
	return t.m.si.RecordWrite(t.id, key.versionKey())
}

// logAndApply logs r before applying it to its page.
func (t *Txn) logAndApply(r *wal.Record) (types.LSN, error) {
	lsn, err := t.m.log.Append(r)
	if err != nil {
		return types.InvalidLSN, errors.Annotatef(err, "txn %d", t.id)
	}
	t.lastLSN = lsn
	t.lastUndoLSN = lsn
	page, offset, data := r.Change()
	if err := t.m.pages.ApplyToPage(page, offset, data); err != nil {
		return types.InvalidLSN, errors.Annotatef(err, "txn %d apply lsn %d", t.id, lsn)
	}
	if tracker, ok := t.m.pages.(storage.PageLSNTracker); ok {
		tracker.SetPageLSN(page, lsn)
	}
	return lsn, nil
}

// Commit validates the transaction under snapshot isolation and makes its
// writes visible at the returned commit timestamp. A transaction rejected by
// validation is rolled back and the validation error returned.
func (t *Txn) Commit(ctx context.Context) (mvcc.Timestamp, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkActive(); err != nil {
		return mvcc.Timestamp{}, err
	}
	if t.readOnly {
		t.m.si.Commit(t.id)
		t.state = TxnStateCommitted
		t.m.finish(t)
		return t.startTS, nil
	}

	keys := make([]string, 0, len(t.writes))
	for key := range t.writes {
		keys = append(keys, key.versionKey())
	}
	sort.Strings(keys)
	if err := t.m.latches.WaitForLatches(ctx, keys); err != nil {
		return mvcc.Timestamp{}, err
	}
	defer t.m.latches.ReleaseLatches(keys)

	t.m.commitMu.RLock()
	commitTS, err := t.m.si.Commit(t.id)
	if err != nil {
		t.m.commitMu.RUnlock()
		txnCounter.WithLabelValues("conflict").Inc()
		log.Debug("txn failed validation", zap.Uint64("txn", uint64(t.id)), zap.Error(err))
		if rbErr := t.rollback(); rbErr != nil {
			return mvcc.Timestamp{}, errors.Annotatef(rbErr, "rollback after %v", err)
		}
		return mvcc.Timestamp{}, err
	}
	lsn, err := t.m.log.Append(wal.NewCommit(t.id, commitTS.Physical))
	if err != nil {
		t.m.commitMu.RUnlock()
		return mvcc.Timestamp{}, errors.Annotatef(err, "commit txn %d", t.id)
	}
	t.lastLSN = lsn
	for key, w := range t.writes {
		if w.deleted {
			t.m.versions.DeleteWithLSN(key.versionKey(), t.id, commitTS, w.lsn)
		} else {
			t.m.versions.WriteWithLSN(key.versionKey(), w.value, t.id, commitTS, w.lsn)
		}
	}
	t.m.commitMu.RUnlock()

	t.state = TxnStateCommitted
	t.m.finish(t)
	txnCounter.WithLabelValues("commit").Inc()
	return commitTS, nil
}

// Rollback undoes every change of the transaction.
func (t *Txn) Rollback() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkActive(); err != nil {
		return err
	}
	return t.rollback()
}

func (t *Txn) rollback() error {
	if !t.readOnly {
		if _, err := t.m.recovery.Rollback(t.id, t.lastLSN); err != nil {
			return err
		}
	}
	if err := t.m.si.Abort(t.id); err != nil {
		if _, ok := err.(*mvcc.ErrTxnNotFound); !ok {
			return err
		}
	}
	t.state = TxnStateRolledBack
	t.m.finish(t)
	txnCounter.WithLabelValues("rollback").Inc()
	return nil
}

// LockTable takes mode on the table of key for the rest of the transaction.
func (t *Txn) LockTable(ctx context.Context, key Key, mode locks.Mode) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkActive(); err != nil {
		return err
	}
	return t.m.locks.Acquire(ctx, t.id, key.TableResource(), mode)
}
