package recovery

import (
	"fmt"
	"sort"

	"github.com/pingcap-incubator/tinytxn/kv/transaction/types"
	"github.com/pingcap-incubator/tinytxn/kv/wal"
	"github.com/pingcap/errors"
)

type TxnStatus int

const (
	TxnActive TxnStatus = iota
	TxnCommitted
	TxnAborted
)

func (s TxnStatus) String() string {
	switch s {
	case TxnActive:
		return "Active"
	case TxnCommitted:
		return "Committed"
	case TxnAborted:
		return "Aborted"
	}
	return fmt.Sprintf("TxnStatus(%d)", int(s))
}

// TxnInfo is one entry of the transaction table Analysis rebuilds.
type TxnInfo struct {
	TxnID   types.TxnID
	Status  TxnStatus
	LastLSN types.LSN
	// UndoNextLSN is the next record to undo if the transaction is rolled back.
	UndoNextLSN types.LSN
}

// AnalysisResult is the state Analysis reconstructs from the log.
type AnalysisResult struct {
	// CheckpointLSN is the CheckpointBegin Analysis started from, or
	// InvalidLSN if it scanned the whole log.
	CheckpointLSN types.LSN
	Txns          map[types.TxnID]*TxnInfo
	// DirtyPages maps each page that may be missing changes to the first LSN
	// that might need redo.
	DirtyPages map[types.PageID]types.LSN
	MinRecLSN  types.LSN
	// UndoList holds the transactions still active at the end of the log,
	// sorted by id.
	UndoList []types.TxnID
}

func (a *AnalysisResult) txn(id types.TxnID) *TxnInfo {
	t, ok := a.Txns[id]
	if !ok {
		t = &TxnInfo{TxnID: id, Status: TxnActive}
		a.Txns[id] = t
	}
	return t
}

// markDirty records page as dirty from lsn unless it is tracked from an
// earlier LSN already.
func (a *AnalysisResult) markDirty(page types.PageID, lsn types.LSN) {
	if cur, ok := a.DirtyPages[page]; !ok || lsn < cur {
		a.DirtyPages[page] = lsn
	}
}

func (a *AnalysisResult) computeMinRecLSN() {
	a.MinRecLSN = types.InvalidLSN
	for _, lsn := range a.DirtyPages {
		if !a.MinRecLSN.IsValid() || lsn < a.MinRecLSN {
			a.MinRecLSN = lsn
		}
	}
}

func (a *AnalysisResult) dirtyPageEntries() []wal.DirtyPageEntry {
	pages := make([]wal.DirtyPageEntry, 0, len(a.DirtyPages))
	for page, lsn := range a.DirtyPages {
		pages = append(pages, wal.DirtyPageEntry{PageID: page, RecLSN: lsn})
	}
	sort.Slice(pages, func(i, j int) bool { return pages[i].PageID < pages[j].PageID })
	return pages
}

// lastCheckpoint returns the index of the CheckpointBegin of the last
// complete checkpoint in entries, or -1.
func lastCheckpoint(entries []*wal.Entry) int {
	end := -1
	for i := len(entries) - 1; i >= 0; i-- {
		switch entries[i].Record.Type {
		case wal.RecordCheckpointEnd:
			if end < 0 {
				end = i
			}
		case wal.RecordCheckpointBegin:
			if end >= 0 {
				return i
			}
		}
	}
	return -1
}

// analyze scans entries forward from the last complete checkpoint and
// rebuilds the transaction table and dirty page table.
func analyze(entries []*wal.Entry) (*AnalysisResult, error) {
	a := &AnalysisResult{
		Txns:       make(map[types.TxnID]*TxnInfo),
		DirtyPages: make(map[types.PageID]types.LSN),
	}
	from := lastCheckpoint(entries)
	if from >= 0 {
		a.CheckpointLSN = entries[from].LSN
	} else {
		from = 0
	}
	for _, e := range entries[from:] {
		r := e.Record
		switch r.Type {
		case wal.RecordBegin:
			t := a.txn(r.TxnID)
			t.LastLSN = e.LSN
			t.UndoNextLSN = e.LSN
		case wal.RecordUpdate, wal.RecordInsert, wal.RecordDelete:
			t := a.txn(r.TxnID)
			t.LastLSN = e.LSN
			t.UndoNextLSN = e.LSN
			a.markDirtyIfNew(r.PageID, e.LSN)
		case wal.RecordCLR:
			if r.Redo == nil {
				return nil, errors.Errorf("clr %d has no redo operation", e.LSN)
			}
			t := a.txn(r.TxnID)
			t.LastLSN = e.LSN
			t.UndoNextLSN = r.UndoNextLSN
			a.markDirtyIfNew(r.PageID, e.LSN)
		case wal.RecordCommit:
			t := a.txn(r.TxnID)
			t.LastLSN = e.LSN
			t.Status = TxnCommitted
		case wal.RecordAbort:
			t := a.txn(r.TxnID)
			t.LastLSN = e.LSN
			t.Status = TxnAborted
		case wal.RecordCheckpointEnd:
			for _, ct := range r.ActiveTxns {
				if _, ok := a.Txns[ct.TxnID]; !ok {
					a.Txns[ct.TxnID] = &TxnInfo{
						TxnID:       ct.TxnID,
						Status:      TxnActive,
						LastLSN:     ct.LastLSN,
						UndoNextLSN: ct.LastLSN,
					}
				}
			}
			for _, p := range r.DirtyPages {
				a.markDirty(p.PageID, p.RecLSN)
			}
		}
	}
	a.computeMinRecLSN()
	for id, t := range a.Txns {
		if t.Status == TxnActive {
			a.UndoList = append(a.UndoList, id)
		}
	}
	sort.Slice(a.UndoList, func(i, j int) bool { return a.UndoList[i] < a.UndoList[j] })
	return a, nil
}

func (a *AnalysisResult) markDirtyIfNew(page types.PageID, lsn types.LSN) {
	if _, ok := a.DirtyPages[page]; !ok {
		a.DirtyPages[page] = lsn
	}
}

// Analyze runs the analysis pass over reader without changing anything.
func Analyze(reader LogReader) (*AnalysisResult, error) {
	entries, err := reader.ReadFrom(types.LSN(1))
	if err != nil {
		return nil, &ErrRecoveryFailed{Phase: PhaseAnalysis, LSN: failedLSN(err, entries), Err: err}
	}
	a, err := analyze(entries)
	if err != nil {
		return nil, &ErrRecoveryFailed{Phase: PhaseAnalysis, LSN: failedLSN(err, entries), Err: err}
	}
	return a, nil
}
