// Package types holds the identifiers shared by the lock manager, the MVCC
// engine, the write-ahead log and recovery.
package types

import "fmt"

// TxnID identifies a transaction for its whole life, from begin to commit
// or abort. Zero is never a valid id.
type TxnID uint64

// LSN is a log sequence number. LSNs start at 1 and are strictly increasing.
// The zero LSN means "none".
type LSN uint64

// InvalidLSN marks an absent LSN, e.g. an empty undo chain.
const InvalidLSN LSN = 0

// PageID identifies a page in the page store.
type PageID uint64

func (t TxnID) String() string { return fmt.Sprintf("txn-%d", uint64(t)) }

func (l LSN) IsValid() bool { return l != InvalidLSN }
