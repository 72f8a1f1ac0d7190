package storage

import (
	"context"

	"github.com/pingcap-incubator/tinytxn/kv/transaction/types"
)

// PageStore is the buffer pool or page store that owns page bytes. The
// transaction core only decides what to change and when; the store applies
// the physical change.
type PageStore interface {
	ApplyToPage(page types.PageID, offset uint32, data []byte) error
}

// PageLSNTracker is implemented by page stores that remember the LSN of the
// last change applied to each page. Redo skips records a page already holds.
type PageLSNTracker interface {
	PageLSN(page types.PageID) types.LSN
	SetPageLSN(page types.PageID, lsn types.LSN)
}

// BackupSource restores pages from a backup. Restore returns the LSN the
// restored pages are consistent as of; log records after it must be replayed.
type BackupSource interface {
	Restore(ctx context.Context) (types.LSN, error)
}
