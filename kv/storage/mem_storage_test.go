package storage

import (
	"context"
	"testing"

	"github.com/pingcap-incubator/tinytxn/kv/transaction/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyToPage(t *testing.T) {
	s := NewMemPageStore()
	require.Nil(t, s.ApplyToPage(1, 4, []byte{1, 2, 3}))
	assert.Equal(t, []byte{0, 0, 0, 0, 1, 2, 3, 0}, s.Read(1, 0, 8))
	require.Nil(t, s.ApplyToPage(1, 5, []byte{9}))
	assert.Equal(t, []byte{1, 9, 3}, s.Read(1, 4, 3))
	assert.Equal(t, []byte{0, 0}, s.Read(2, 0, 2))

	s.SetPageLSN(1, 7)
	s.SetPageLSN(1, 5)
	assert.Equal(t, types.LSN(7), s.PageLSN(1))
	assert.Equal(t, types.InvalidLSN, s.PageLSN(3))
}

func TestFlushAndBackup(t *testing.T) {
	s := NewMemPageStore()
	require.Nil(t, s.ApplyToPage(1, 0, []byte("one")))
	require.Nil(t, s.ApplyToPage(2, 0, []byte("two")))

	var flushed []types.PageID
	s.OnFlush(func(id types.PageID) { flushed = append(flushed, id) })
	s.Flush()
	assert.Equal(t, []types.PageID{1, 2}, flushed)

	backup := s.Backup(10)
	require.Nil(t, s.ApplyToPage(1, 0, []byte("ONE")))
	s.Drop()
	assert.Empty(t, s.Pages())

	lsn, err := backup.Restore(context.Background())
	require.Nil(t, err)
	assert.Equal(t, types.LSN(10), lsn)
	assert.Equal(t, []byte("one"), s.Read(1, 0, 3))
	assert.Equal(t, []byte("two"), s.Read(2, 0, 3))
}
