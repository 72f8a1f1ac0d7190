package mvcc

import (
	"sort"
	"sync"

	"github.com/pingcap-incubator/tinytxn/kv/transaction/types"
)

// VersionedRecord is one committed version of a key.
type VersionedRecord struct {
	Value     []byte
	CreatedBy types.TxnID
	CreatedAt Timestamp
	Deleted   bool
	DeletedBy types.TxnID
	DeletedAt Timestamp
	// LSN of the log record that produced this version, if any.
	LSN types.LSN
}

// IsVisibleTo reports whether a snapshot at ts observes this version.
func (r *VersionedRecord) IsVisibleTo(ts Timestamp) bool {
	if ts.Less(r.CreatedAt) {
		return false
	}
	return !r.Deleted || ts.Less(r.DeletedAt)
}

// IsTombstone reports whether the version records a delete. A tombstone is
// created and deleted at the same instant and is never visible.
func (r *VersionedRecord) IsTombstone() bool {
	return r.Deleted && r.DeletedAt == r.CreatedAt
}

// VersionChain holds the versions of one key ordered by CreatedAt, oldest
// first.
type VersionChain struct {
	mu       sync.RWMutex
	versions []*VersionedRecord
}

func NewVersionChain() *VersionChain {
	return &VersionChain{}
}

// Add inserts rec after every version created at or before it.
func (c *VersionChain) Add(rec *VersionedRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	i := sort.Search(len(c.versions), func(i int) bool {
		return rec.CreatedAt.Less(c.versions[i].CreatedAt)
	})
	c.versions = append(c.versions, nil)
	copy(c.versions[i+1:], c.versions[i:])
	c.versions[i] = rec
}

// Read returns the newest version visible at ts. A tombstone created at or
// before ts hides everything older.
func (c *VersionChain) Read(ts Timestamp) (*VersionedRecord, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for i := len(c.versions) - 1; i >= 0; i-- {
		v := c.versions[i]
		if ts.Less(v.CreatedAt) {
			continue
		}
		if v.IsTombstone() {
			return nil, false
		}
		if v.IsVisibleTo(ts) {
			return v, true
		}
	}
	return nil, false
}

func (c *VersionChain) Latest() (*VersionedRecord, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.versions) == 0 {
		return nil, false
	}
	return c.versions[len(c.versions)-1], true
}

func (c *VersionChain) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.versions)
}

// Versions returns a copy of the chain, oldest first.
func (c *VersionChain) Versions() []*VersionedRecord {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]*VersionedRecord(nil), c.versions...)
}

// GC drops versions no snapshot at or after watermark can observe: everything
// older than the newest version created at or before watermark, and that
// version too when it is a tombstone. It returns the number removed.
func (c *VersionChain) GC(watermark Timestamp) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	keep := -1
	for i := len(c.versions) - 1; i >= 0; i-- {
		if !watermark.Less(c.versions[i].CreatedAt) {
			keep = i
			break
		}
	}
	if keep < 0 {
		return 0
	}
	if c.versions[keep].IsTombstone() {
		keep++
	}
	if keep == 0 {
		return 0
	}
	remaining := make([]*VersionedRecord, len(c.versions)-keep)
	copy(remaining, c.versions[keep:])
	c.versions = remaining
	return keep
}
