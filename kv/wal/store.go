package wal

import (
	"sort"
	"sync"

	"github.com/pingcap-incubator/tinytxn/kv/transaction/types"
	"github.com/pingcap/errors"
)

// ErrNotFound is returned when no entry exists at an LSN.
var ErrNotFound = errors.New("wal entry not found")

// Store persists marshaled entries keyed by LSN. Implementations must be
// safe for concurrent use. Put is durable when it returns.
type Store interface {
	Put(lsn types.LSN, data []byte) error
	Get(lsn types.LSN) ([]byte, error)
	// Scan calls fn for every entry at or after from, in LSN order, until fn returns false.
	Scan(from types.LSN, fn func(lsn types.LSN, data []byte) bool) error
	// TruncateAfter removes every entry with an LSN greater than lsn.
	TruncateAfter(lsn types.LSN) error
	// LastLSN returns the highest stored LSN, or InvalidLSN for an empty log.
	LastLSN() (types.LSN, error)
	Close() error
}

type memEntry struct {
	lsn  types.LSN
	data []byte
}

// MemStore keeps the log in memory. It is used by tests and by the
// "memory" wal engine.
type MemStore struct {
	mu      sync.RWMutex
	entries []memEntry
}

func NewMemStore() *MemStore {
	return &MemStore{}
}

func (s *MemStore) Put(lsn types.LSN, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n := len(s.entries); n > 0 && s.entries[n-1].lsn >= lsn {
		return errors.Errorf("lsn %d is not greater than last lsn %d", lsn, s.entries[n-1].lsn)
	}
	s.entries = append(s.entries, memEntry{lsn: lsn, data: append([]byte(nil), data...)})
	return nil
}

func (s *MemStore) search(lsn types.LSN) int {
	return sort.Search(len(s.entries), func(i int) bool { return s.entries[i].lsn >= lsn })
}

func (s *MemStore) Get(lsn types.LSN) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i := s.search(lsn)
	if i == len(s.entries) || s.entries[i].lsn != lsn {
		return nil, ErrNotFound
	}
	return s.entries[i].data, nil
}

func (s *MemStore) Scan(from types.LSN, fn func(lsn types.LSN, data []byte) bool) error {
	s.mu.RLock()
	entries := s.entries[s.search(from):]
	s.mu.RUnlock()
	for _, e := range entries {
		if !fn(e.lsn, e.data) {
			break
		}
	}
	return nil
}

func (s *MemStore) TruncateAfter(lsn types.LSN) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append([]memEntry(nil), s.entries[:s.search(lsn+1)]...)
	return nil
}

func (s *MemStore) LastLSN() (types.LSN, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.entries) == 0 {
		return types.InvalidLSN, nil
	}
	return s.entries[len(s.entries)-1].lsn, nil
}

func (s *MemStore) Close() error { return nil }

// Corrupt flips a byte of the entry at lsn. Tests use it to simulate a torn write.
func (s *MemStore) Corrupt(lsn types.LSN, offset int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.search(lsn)
	if i < len(s.entries) && s.entries[i].lsn == lsn {
		data := append([]byte(nil), s.entries[i].data...)
		data[offset%len(data)] ^= 0xff
		s.entries[i].data = data
	}
}
