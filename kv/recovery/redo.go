package recovery

import (
	"context"
	"sort"

	"github.com/pingcap-incubator/tinytxn/kv/storage"
	"github.com/pingcap-incubator/tinytxn/kv/transaction/types"
	"github.com/pingcap-incubator/tinytxn/kv/wal"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"
)

// redo repeats history: every page operation from MinRecLSN on whose page is
// dirty at or before its LSN is applied again. Records of one page are
// always applied in LSN order; with more than one thread, pages are
// partitioned across goroutines.
func (m *Manager) redo(ctx context.Context, entries []*wal.Entry, a *AnalysisResult) (redone, skipped int, err error) {
	if !a.MinRecLSN.IsValid() {
		return 0, 0, nil
	}
	i := sort.Search(len(entries), func(i int) bool { return entries[i].LSN >= a.MinRecLSN })
	todo := entries[i:]

	if m.threads == 1 {
		for _, e := range todo {
			applied, err := m.redoEntry(e, a)
			if err != nil {
				return redone, skipped, err
			}
			if applied {
				redone++
			} else if e.Record.IsPageOp() {
				skipped++
			}
		}
		recoveryRecordCounter.WithLabelValues("redone").Add(float64(redone))
		recoveryRecordCounter.WithLabelValues("skipped").Add(float64(skipped))
		return redone, skipped, nil
	}

	partitions := make([][]*wal.Entry, m.threads)
	for _, e := range todo {
		if !e.Record.IsPageOp() {
			continue
		}
		page, _, _ := e.Record.Change()
		p := int(uint64(page) % uint64(m.threads))
		partitions[p] = append(partitions[p], e)
	}
	var redoneCnt, skippedCnt atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	for _, part := range partitions {
		part := part
		g.Go(func() error {
			for _, e := range part {
				if err := gctx.Err(); err != nil {
					return err
				}
				applied, err := m.redoEntry(e, a)
				if err != nil {
					return err
				}
				if applied {
					redoneCnt.Inc()
				} else {
					skippedCnt.Inc()
				}
			}
			return nil
		})
	}
	err = g.Wait()
	redone, skipped = int(redoneCnt.Load()), int(skippedCnt.Load())
	recoveryRecordCounter.WithLabelValues("redone").Add(float64(redone))
	recoveryRecordCounter.WithLabelValues("skipped").Add(float64(skipped))
	return redone, skipped, err
}

// redoEntry applies e if its page needs it and reports whether it did.
func (m *Manager) redoEntry(e *wal.Entry, a *AnalysisResult) (bool, error) {
	r := e.Record
	if !r.IsPageOp() {
		return false, nil
	}
	page, offset, data := r.Change()
	recLSN, ok := a.DirtyPages[page]
	if !ok || e.LSN < recLSN {
		return false, nil
	}
	tracker, hasLSN := m.pages.(storage.PageLSNTracker)
	if hasLSN && e.LSN <= tracker.PageLSN(page) {
		return false, nil
	}
	if err := m.pages.ApplyToPage(page, offset, data); err != nil {
		return false, &ErrRecoveryFailed{Phase: PhaseRedo, LSN: e.LSN, Err: err}
	}
	if hasLSN {
		tracker.SetPageLSN(page, e.LSN)
	}
	return true, nil
}

// applyAt applies a page change made by the record at lsn.
func applyAt(pages storage.PageStore, lsn types.LSN, r *wal.Record) error {
	page, offset, data := r.Change()
	if err := pages.ApplyToPage(page, offset, data); err != nil {
		return err
	}
	if tracker, ok := pages.(storage.PageLSNTracker); ok {
		tracker.SetPageLSN(page, lsn)
	}
	return nil
}
