package storage

import (
	"context"
	"sort"
	"sync"

	"github.com/pingcap-incubator/tinytxn/kv/transaction/types"
)

type memPage struct {
	data []byte
	lsn  types.LSN
}

// MemPageStore is a page store backed by memory. Pages grow on demand. It
// is intended for testing and for running the engine without a buffer pool.
type MemPageStore struct {
	mu    sync.RWMutex
	pages map[types.PageID]*memPage
	// onFlush is told about every flushed page.
	onFlush func(types.PageID)
}

func NewMemPageStore() *MemPageStore {
	return &MemPageStore{pages: make(map[types.PageID]*memPage)}
}

// OnFlush registers fn to be called for every page Flush writes out.
func (s *MemPageStore) OnFlush(fn func(types.PageID)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onFlush = fn
}

func (s *MemPageStore) page(id types.PageID) *memPage {
	p, ok := s.pages[id]
	if !ok {
		p = &memPage{}
		s.pages[id] = p
	}
	return p
}

func (s *MemPageStore) ApplyToPage(id types.PageID, offset uint32, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.page(id)
	end := int(offset) + len(data)
	if end > len(p.data) {
		grown := make([]byte, end)
		copy(grown, p.data)
		p.data = grown
	}
	copy(p.data[offset:], data)
	return nil
}

func (s *MemPageStore) PageLSN(id types.PageID) types.LSN {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if p, ok := s.pages[id]; ok {
		return p.lsn
	}
	return types.InvalidLSN
}

func (s *MemPageStore) SetPageLSN(id types.PageID, lsn types.LSN) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.page(id)
	if lsn > p.lsn {
		p.lsn = lsn
	}
}

// Read returns a copy of n bytes of page id starting at offset. Bytes past
// the end of the page read as zero.
func (s *MemPageStore) Read(id types.PageID, offset uint32, n int) []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]byte, n)
	if p, ok := s.pages[id]; ok && int(offset) < len(p.data) {
		copy(out, p.data[offset:])
	}
	return out
}

// Pages returns the ids of every page the store holds, in order.
func (s *MemPageStore) Pages() []types.PageID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]types.PageID, 0, len(s.pages))
	for id := range s.pages {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Flush pretends to write every page out and reports each one to the flush
// callback.
func (s *MemPageStore) Flush() {
	ids := s.Pages()
	s.mu.RLock()
	fn := s.onFlush
	s.mu.RUnlock()
	if fn == nil {
		return
	}
	for _, id := range ids {
		fn(id)
	}
}

// Drop loses every page, as a media failure would.
func (s *MemPageStore) Drop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pages = make(map[types.PageID]*memPage)
}

// MemBackup is a copy of a MemPageStore taken when the log was at LSN.
type MemBackup struct {
	lsn    types.LSN
	pages  map[types.PageID]memPage
	target *MemPageStore
}

// Backup copies the pages of s. The caller guarantees that every change up
// to lsn has been applied and nothing after it.
func (s *MemPageStore) Backup(lsn types.LSN) *MemBackup {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b := &MemBackup{lsn: lsn, pages: make(map[types.PageID]memPage, len(s.pages)), target: s}
	for id, p := range s.pages {
		b.pages[id] = memPage{data: append([]byte(nil), p.data...), lsn: p.lsn}
	}
	return b
}

// Restore replaces the pages of the store the backup was taken from.
func (b *MemBackup) Restore(ctx context.Context) (types.LSN, error) {
	if err := ctx.Err(); err != nil {
		return types.InvalidLSN, err
	}
	s := b.target
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pages = make(map[types.PageID]*memPage, len(b.pages))
	for id, p := range b.pages {
		s.pages[id] = &memPage{data: append([]byte(nil), p.data...), lsn: p.lsn}
	}
	return b.lsn, nil
}
