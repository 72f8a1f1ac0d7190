package transaction

import (
	"fmt"

	"github.com/pingcap-incubator/tinytxn/kv/transaction/locks"
	"github.com/pingcap-incubator/tinytxn/kv/transaction/types"
	"github.com/pingcap-incubator/tinytxn/kv/util/codec"
)

// Key addresses a row.
type Key struct {
	DB     uint64
	Table  uint64
	Page   types.PageID
	Offset uint32
}

func (k Key) resource() locks.Resource {
	return locks.RowResource(k.DB, k.Table, uint64(k.Page), uint64(k.Offset))
}

// TableResource returns the table resource holding the row.
func (k Key) TableResource() locks.Resource {
	return locks.TableResource(k.DB, k.Table)
}

// versionKey is the MVCC key of the row.
func (k Key) versionKey() string {
	return pageKey(k.Page, k.Offset)
}

func pageKey(page types.PageID, offset uint32) string {
	return fmt.Sprintf("%d/%d", uint64(page), offset)
}

func (k Key) String() string {
	return fmt.Sprintf("%d/%d/%d@%d", k.DB, k.Table, uint64(k.Page), k.Offset)
}

// encodeImage frames value as it is stored in a page.
func encodeImage(value []byte) []byte {
	return codec.EncodeCompactBytes(nil, value)
}

// decodeImage reverses encodeImage, ignoring trailing padding.
func decodeImage(image []byte) ([]byte, error) {
	_, value, err := codec.DecodeCompactBytes(image)
	return value, err
}

// padImages extends the shorter image with zeroes.
func padImages(before, after []byte) ([]byte, []byte) {
	switch {
	case len(before) < len(after):
		before = append(before, make([]byte, len(after)-len(before))...)
	case len(after) < len(before):
		after = append(after, make([]byte, len(before)-len(after))...)
	}
	return before, after
}
