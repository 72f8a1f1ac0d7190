package wal

import (
	"fmt"

	"github.com/pingcap-incubator/tinytxn/kv/transaction/types"
	"github.com/pingcap/errors"
)

type RecordType byte

const (
	RecordBegin RecordType = 1 + iota
	RecordUpdate
	RecordInsert
	RecordDelete
	RecordCommit
	RecordAbort
	RecordCLR
	RecordCheckpointBegin
	RecordCheckpointEnd
)

func (t RecordType) String() string {
	switch t {
	case RecordBegin:
		return "Begin"
	case RecordUpdate:
		return "Update"
	case RecordInsert:
		return "Insert"
	case RecordDelete:
		return "Delete"
	case RecordCommit:
		return "Commit"
	case RecordAbort:
		return "Abort"
	case RecordCLR:
		return "CLR"
	case RecordCheckpointBegin:
		return "CheckpointBegin"
	case RecordCheckpointEnd:
		return "CheckpointEnd"
	}
	return fmt.Sprintf("Unknown(%d)", byte(t))
}

// TxnEntry is one active transaction captured by a checkpoint.
type TxnEntry struct {
	TxnID   types.TxnID
	LastLSN types.LSN
}

// DirtyPageEntry is one dirty page captured by a checkpoint.
type DirtyPageEntry struct {
	PageID types.PageID
	RecLSN types.LSN
}

// Record is a logical log record. Type selects which fields are meaningful:
//
//	Begin, Commit, Abort:  TxnID, Timestamp
//	Update:                TxnID, PageID, Offset, BeforeImage, AfterImage, UndoNextLSN
//	Insert:                TxnID, PageID, Offset, Data, UndoNextLSN
//	Delete:                TxnID, PageID, Offset, Data (the deleted bytes), UndoNextLSN
//	CLR:                   TxnID, PageID, UndoNextLSN, Redo
//	CheckpointBegin:       Timestamp
//	CheckpointEnd:         ActiveTxns, DirtyPages, Timestamp
//
// Timestamp is wall-clock milliseconds since the Unix epoch.
type Record struct {
	Type        RecordType
	TxnID       types.TxnID
	Timestamp   uint64
	PageID      types.PageID
	Offset      uint32
	BeforeImage []byte
	AfterImage  []byte
	Data        []byte
	UndoNextLSN types.LSN
	// Redo is the Update, Insert or Delete a CLR performs when replayed.
	Redo       *Record
	ActiveTxns []TxnEntry
	DirtyPages []DirtyPageEntry
}

func NewBegin(txn types.TxnID, ts uint64) *Record {
	return &Record{Type: RecordBegin, TxnID: txn, Timestamp: ts}
}

func NewCommit(txn types.TxnID, ts uint64) *Record {
	return &Record{Type: RecordCommit, TxnID: txn, Timestamp: ts}
}

func NewAbort(txn types.TxnID, ts uint64) *Record {
	return &Record{Type: RecordAbort, TxnID: txn, Timestamp: ts}
}

func NewUpdate(txn types.TxnID, page types.PageID, offset uint32, before, after []byte, undoNext types.LSN) *Record {
	return &Record{Type: RecordUpdate, TxnID: txn, PageID: page, Offset: offset, BeforeImage: before, AfterImage: after, UndoNextLSN: undoNext}
}

func NewInsert(txn types.TxnID, page types.PageID, offset uint32, data []byte, undoNext types.LSN) *Record {
	return &Record{Type: RecordInsert, TxnID: txn, PageID: page, Offset: offset, Data: data, UndoNextLSN: undoNext}
}

func NewDelete(txn types.TxnID, page types.PageID, offset uint32, deleted []byte, undoNext types.LSN) *Record {
	return &Record{Type: RecordDelete, TxnID: txn, PageID: page, Offset: offset, Data: deleted, UndoNextLSN: undoNext}
}

func NewCLR(txn types.TxnID, undoNext types.LSN, redo *Record) *Record {
	return &Record{Type: RecordCLR, TxnID: txn, PageID: redo.PageID, UndoNextLSN: undoNext, Redo: redo}
}

func NewCheckpointBegin(ts uint64) *Record {
	return &Record{Type: RecordCheckpointBegin, Timestamp: ts}
}

func NewCheckpointEnd(active []TxnEntry, dirty []DirtyPageEntry, ts uint64) *Record {
	return &Record{Type: RecordCheckpointEnd, ActiveTxns: active, DirtyPages: dirty, Timestamp: ts}
}

// IsPageOp reports whether the record changes a page when redone.
func (r *Record) IsPageOp() bool {
	switch r.Type {
	case RecordUpdate, RecordInsert, RecordDelete, RecordCLR:
		return true
	}
	return false
}

// IsUndoable reports whether the record can be rolled back. CLRs are redo-only.
func (r *Record) IsUndoable() bool {
	switch r.Type {
	case RecordUpdate, RecordInsert, RecordDelete:
		return true
	}
	return false
}

// HasTxn reports whether the record belongs to a transaction.
func (r *Record) HasTxn() bool {
	return r.Type != RecordCheckpointBegin && r.Type != RecordCheckpointEnd
}

// HasTimestamp reports whether Timestamp is meaningful for the record.
func (r *Record) HasTimestamp() bool {
	switch r.Type {
	case RecordBegin, RecordCommit, RecordAbort, RecordCheckpointBegin, RecordCheckpointEnd:
		return true
	}
	return false
}

// Inverse returns the logical inverse of an undoable record: an Update
// restores its before image, an Insert becomes a Delete and a Delete becomes
// an Insert. Offsets are unchanged.
func (r *Record) Inverse() (*Record, error) {
	switch r.Type {
	case RecordUpdate:
		return NewUpdate(r.TxnID, r.PageID, r.Offset, r.AfterImage, r.BeforeImage, types.InvalidLSN), nil
	case RecordInsert:
		return NewDelete(r.TxnID, r.PageID, r.Offset, r.Data, types.InvalidLSN), nil
	case RecordDelete:
		return NewInsert(r.TxnID, r.PageID, r.Offset, r.Data, types.InvalidLSN), nil
	}
	return nil, errors.Errorf("%s record has no inverse", r.Type)
}

// Change returns the physical change a page operation makes. A Delete
// clears the deleted range. A CLR makes the change of its redo operation.
func (r *Record) Change() (page types.PageID, offset uint32, data []byte) {
	switch r.Type {
	case RecordUpdate:
		return r.PageID, r.Offset, r.AfterImage
	case RecordInsert:
		return r.PageID, r.Offset, r.Data
	case RecordDelete:
		return r.PageID, r.Offset, make([]byte, len(r.Data))
	case RecordCLR:
		if r.Redo != nil {
			return r.Redo.Change()
		}
	}
	return r.PageID, r.Offset, nil
}

func (r *Record) String() string {
	switch r.Type {
	case RecordBegin, RecordCommit, RecordAbort:
		return fmt.Sprintf("%s{txn: %d, ts: %d}", r.Type, r.TxnID, r.Timestamp)
	case RecordUpdate:
		return fmt.Sprintf("Update{txn: %d, page: %d, offset: %d, before: %v, after: %v, undo_next: %d}",
			r.TxnID, r.PageID, r.Offset, r.BeforeImage, r.AfterImage, r.UndoNextLSN)
	case RecordInsert, RecordDelete:
		return fmt.Sprintf("%s{txn: %d, page: %d, offset: %d, data: %v, undo_next: %d}",
			r.Type, r.TxnID, r.PageID, r.Offset, r.Data, r.UndoNextLSN)
	case RecordCLR:
		return fmt.Sprintf("CLR{txn: %d, page: %d, undo_next: %d, redo: %v}", r.TxnID, r.PageID, r.UndoNextLSN, r.Redo)
	case RecordCheckpointBegin:
		return fmt.Sprintf("CheckpointBegin{ts: %d}", r.Timestamp)
	case RecordCheckpointEnd:
		return fmt.Sprintf("CheckpointEnd{active: %d, dirty: %d, ts: %d}", len(r.ActiveTxns), len(r.DirtyPages), r.Timestamp)
	}
	return r.Type.String()
}
