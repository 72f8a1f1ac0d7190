package transaction

import (
	"github.com/pingcap-incubator/tinytxn/kv/recovery"
	"github.com/pingcap-incubator/tinytxn/kv/transaction/mvcc"
	"github.com/pingcap-incubator/tinytxn/kv/transaction/types"
	"github.com/pingcap-incubator/tinytxn/kv/wal"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

type rebuiltOp struct {
	key     string
	value   []byte
	deleted bool
	lsn     types.LSN
}

// Rebuild reloads the committed versions of every row from the log. It must
// run after recovery and before the first transaction begins. Commit
// timestamps keep the wall time logged with each Commit; commits sharing a
// millisecond are ordered by LSN. It returns the number of versions loaded.
func (m *Manager) Rebuild(reader recovery.LogReader) (int, error) {
	entries, err := reader.ReadFrom(types.InvalidLSN + 1)
	if err != nil {
		return 0, errors.Annotate(err, "rebuild versions")
	}

	var (
		pending = make(map[types.TxnID][]rebuiltOp)
		maxTxn  types.TxnID
		last    mvcc.Timestamp
		loaded  int
	)
	for _, e := range entries {
		r := e.Record
		if r.HasTxn() && r.TxnID > maxTxn {
			maxTxn = r.TxnID
		}
		switch r.Type {
		case wal.RecordUpdate, wal.RecordInsert:
			image := r.Data
			if r.Type == wal.RecordUpdate {
				image = r.AfterImage
			}
			value, err := decodeImage(image)
			if err != nil {
				return loaded, errors.Annotatef(err, "decode row image at lsn %d", e.LSN)
			}
			pending[r.TxnID] = append(pending[r.TxnID], rebuiltOp{key: pageKey(r.PageID, r.Offset), value: value, lsn: e.LSN})
		case wal.RecordDelete:
			pending[r.TxnID] = append(pending[r.TxnID], rebuiltOp{key: pageKey(r.PageID, r.Offset), deleted: true, lsn: e.LSN})
		case wal.RecordAbort:
			delete(pending, r.TxnID)
		case wal.RecordCommit:
			ts := mvcc.Timestamp{Physical: r.Timestamp, NodeID: m.clock.NodeID()}
			if ts.Physical < last.Physical {
				ts.Physical = last.Physical
			}
			if ts.Physical == last.Physical {
				ts.Logical = last.Logical + 1
			}
			last = ts
			for _, op := range pending[r.TxnID] {
				if op.deleted {
					m.versions.DeleteWithLSN(op.key, r.TxnID, ts, op.lsn)
				} else {
					m.versions.WriteWithLSN(op.key, op.value, r.TxnID, ts, op.lsn)
				}
				loaded++
			}
			delete(pending, r.TxnID)
		}
	}

	if !last.IsZero() {
		if _, err := m.clock.Update(last); err != nil {
			return loaded, errors.Annotate(err, "advance clock past logged commits")
		}
	}
	m.SetNextTxnID(maxTxn)
	log.Info("rebuilt versions from log",
		zap.Int("versions", loaded),
		zap.Uint64("max-txn", uint64(maxTxn)),
		zap.Stringer("last-commit", last))
	return loaded, nil
}
