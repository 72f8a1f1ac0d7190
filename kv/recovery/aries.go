package recovery

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pingcap-incubator/tinytxn/kv/config"
	"github.com/pingcap-incubator/tinytxn/kv/storage"
	"github.com/pingcap-incubator/tinytxn/kv/transaction/types"
	"github.com/pingcap-incubator/tinytxn/kv/wal"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// Phase is the state of a recovery run.
type Phase int32

const (
	PhaseNotStarted Phase = iota
	PhaseAnalysis
	PhaseRedo
	PhaseUndo
	PhaseCompleted
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseNotStarted:
		return "NotStarted"
	case PhaseAnalysis:
		return "Analysis"
	case PhaseRedo:
		return "Redo"
	case PhaseUndo:
		return "Undo"
	case PhaseCompleted:
		return "Completed"
	case PhaseFailed:
		return "Failed"
	}
	return fmt.Sprintf("Phase(%d)", int32(p))
}

// ErrRecoveryFailed names the phase and the log position at which recovery
// stopped. Recovery errors are fatal.
type ErrRecoveryFailed struct {
	Phase Phase
	LSN   types.LSN
	Err   error
}

func (e *ErrRecoveryFailed) Error() string {
	return fmt.Sprintf("recovery failed in %s at lsn %d: %v", e.Phase, e.LSN, e.Err)
}

func (e *ErrRecoveryFailed) Cause() error {
	return e.Err
}

// LogReader is the part of the log recovery reads. Both *wal.Manager and
// *wal.MergedReader implement it.
type LogReader interface {
	ReadFrom(lsn types.LSN) ([]*wal.Entry, error)
	Get(lsn types.LSN) (*wal.Entry, error)
}

// Result summarizes a recovery run.
type Result struct {
	Analysis *AnalysisResult
	// Page operations replayed and skipped by redo.
	Redone  int
	Skipped int
	// LSNs of the CLRs undo appended, in order.
	CLRs       []types.LSN
	RolledBack []types.TxnID
	Duration   time.Duration
}

// Manager runs ARIES recovery over a log and a page store. Recover must run
// before normal traffic starts; Rollback may run concurrently with traffic.
type Manager struct {
	log     *wal.Manager
	pages   storage.PageStore
	archive *wal.Archive
	threads int
	// now returns wall-clock milliseconds for the Abort records undo writes.
	now func() uint64

	state *atomic.Int32
	// mu serializes recovery runs.
	mu      sync.Mutex
	lastErr error
}

func NewManager(log *wal.Manager, pages storage.PageStore, conf config.RecoveryConfig) *Manager {
	threads := conf.RedoThreads
	if threads < 1 {
		threads = 1
	}
	return &Manager{
		log:     log,
		pages:   pages,
		threads: threads,
		now:     wallMillis,
		state:   atomic.NewInt32(int32(PhaseNotStarted)),
	}
}

func wallMillis() uint64 {
	return uint64(time.Now().UnixNano() / int64(time.Millisecond))
}

// SetArchive attaches the WAL archive used by media and point-in-time
// recovery.
func (m *Manager) SetArchive(a *wal.Archive) {
	m.archive = a
}

func (m *Manager) State() Phase {
	return Phase(m.state.Load())
}

func (m *Manager) setState(p Phase) {
	m.state.Store(int32(p))
	log.Info("recovery phase", zap.Stringer("phase", p))
}

// Recover brings the page store to the state the log describes: committed
// work is redone and transactions without a Commit or Abort are rolled back.
func (m *Manager) Recover(ctx context.Context) (*Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.run(ctx, m.log, nil)
}

// run executes the three passes over reader. extraDirty is called with the
// analysis result before redo and may add pages to it.
func (m *Manager) run(ctx context.Context, reader LogReader, extraDirty func([]*wal.Entry, *AnalysisResult)) (*Result, error) {
	if m.State() == PhaseFailed {
		return nil, m.lastErr
	}
	start := time.Now()
	res := &Result{}

	m.setState(PhaseAnalysis)
	phaseStart := time.Now()
	entries, err := reader.ReadFrom(types.LSN(1))
	if err != nil {
		return nil, m.fail(PhaseAnalysis, failedLSN(err, entries), err)
	}
	analysis, err := analyze(entries)
	if err != nil {
		return nil, m.fail(PhaseAnalysis, failedLSN(err, entries), err)
	}
	if extraDirty != nil {
		extraDirty(entries, analysis)
		analysis.computeMinRecLSN()
	}
	res.Analysis = analysis
	recoveryPhaseHistogram.WithLabelValues(PhaseAnalysis.String()).Observe(time.Since(phaseStart).Seconds())
	log.Info("analysis done",
		zap.Uint64("checkpoint", uint64(analysis.CheckpointLSN)),
		zap.Int("txns", len(analysis.Txns)),
		zap.Int("dirty-pages", len(analysis.DirtyPages)),
		zap.Uint64("min-rec-lsn", uint64(analysis.MinRecLSN)),
		zap.Int("undo", len(analysis.UndoList)))

	m.setState(PhaseRedo)
	phaseStart = time.Now()
	if err := ctx.Err(); err != nil {
		return nil, m.fail(PhaseRedo, analysis.MinRecLSN, err)
	}
	res.Redone, res.Skipped, err = m.redo(ctx, entries, analysis)
	if err != nil {
		var lsn types.LSN
		if f, ok := err.(*ErrRecoveryFailed); ok {
			lsn, err = f.LSN, f.Err
		}
		return nil, m.fail(PhaseRedo, lsn, err)
	}
	m.log.RestoreDirtyPages(analysis.dirtyPageEntries())
	recoveryPhaseHistogram.WithLabelValues(PhaseRedo.String()).Observe(time.Since(phaseStart).Seconds())
	log.Info("redo done", zap.Int("redone", res.Redone), zap.Int("skipped", res.Skipped))

	m.setState(PhaseUndo)
	phaseStart = time.Now()
	if err := ctx.Err(); err != nil {
		return nil, m.fail(PhaseUndo, m.log.LastLSN(), err)
	}
	u := m.newUndoer(newEntryIndex(entries, reader))
	starts := make([]wal.TxnEntry, 0, len(analysis.UndoList))
	for _, txn := range analysis.UndoList {
		starts = append(starts, wal.TxnEntry{TxnID: txn, LastLSN: analysis.Txns[txn].LastLSN})
	}
	m.log.RestoreActiveTxns(starts)
	if err := u.undo(starts); err != nil {
		return nil, m.fail(PhaseUndo, u.failedAt, err)
	}
	res.CLRs = u.clrs
	res.RolledBack = u.rolledBack
	recoveryPhaseHistogram.WithLabelValues(PhaseUndo.String()).Observe(time.Since(phaseStart).Seconds())
	log.Info("undo done", zap.Int("clrs", len(res.CLRs)), zap.Int("rolled-back", len(res.RolledBack)))

	res.Duration = time.Since(start)
	m.setState(PhaseCompleted)
	return res, nil
}

func (m *Manager) fail(phase Phase, lsn types.LSN, err error) error {
	m.lastErr = &ErrRecoveryFailed{Phase: phase, LSN: lsn, Err: errors.Cause(err)}
	m.state.Store(int32(PhaseFailed))
	log.Error("recovery failed", zap.Stringer("phase", phase), zap.Uint64("lsn", uint64(lsn)), zap.Error(err))
	return m.lastErr
}

// failedLSN guesses where a read error happened: the LSN of a corrupt entry,
// or the one after the last good entry.
func failedLSN(err error, entries []*wal.Entry) types.LSN {
	if c, ok := errors.Cause(err).(*wal.ErrChecksumMismatch); ok {
		return c.LSN
	}
	if n := len(entries); n > 0 {
		return entries[n-1].LSN + 1
	}
	return types.LSN(1)
}

// entryIndex serves undo lookups from the entries already read, falling back
// to the log for records appended since.
type entryIndex struct {
	byLSN  map[types.LSN]*wal.Entry
	reader LogReader
}

func newEntryIndex(entries []*wal.Entry, reader LogReader) *entryIndex {
	idx := &entryIndex{byLSN: make(map[types.LSN]*wal.Entry, len(entries)), reader: reader}
	for _, e := range entries {
		idx.byLSN[e.LSN] = e
	}
	return idx
}

func (idx *entryIndex) Get(lsn types.LSN) (*wal.Entry, error) {
	if e, ok := idx.byLSN[lsn]; ok {
		return e, nil
	}
	return idx.reader.Get(lsn)
}
