package recovery

import (
	"context"

	"github.com/pingcap-incubator/tinytxn/kv/storage"
	"github.com/pingcap-incubator/tinytxn/kv/wal"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

// RecoverMedia rebuilds the page store after media loss. It restores backup,
// then replays the archive followed by the live log. Every page changed
// after the backup's LSN is redone from its first change.
func (m *Manager) RecoverMedia(ctx context.Context, backup storage.BackupSource) (*Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	backupLSN, err := backup.Restore(ctx)
	if err != nil {
		return nil, errors.Annotate(err, "restore backup")
	}
	log.Info("backup restored", zap.Uint64("lsn", uint64(backupLSN)))

	var reader LogReader = m.log
	if m.archive != nil {
		reader = wal.NewMergedReader(m.archive, m.log)
	}
	return m.run(ctx, reader, func(entries []*wal.Entry, a *AnalysisResult) {
		for _, e := range entries {
			if e.LSN <= backupLSN || !e.Record.IsPageOp() {
				continue
			}
			page, _, _ := e.Record.Change()
			a.markDirty(page, e.LSN)
		}
		// Pages the log already called dirty at or before the backup are in
		// the backup as of backupLSN.
		for page, lsn := range a.DirtyPages {
			if lsn <= backupLSN {
				a.DirtyPages[page] = backupLSN + 1
			}
		}
	})
}

var _ storage.BackupSource = (*storage.MemBackup)(nil)
