package wal

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/pingcap-incubator/tinytxn/kv/transaction/types"
	"github.com/pingcap-incubator/tinytxn/kv/util/codec"
	"github.com/pingcap/errors"
)

// Entry is a record as stored in the log.
type Entry struct {
	LSN     types.LSN
	PrevLSN types.LSN
	Record  *Record
	// Size is the length of the encoded record.
	Size uint32
	// Checksum is the CRC32 (IEEE) of the header fields above and the
	// encoded record.
	Checksum uint32
}

const entryHeaderSize = 8 + 8 + 4 + 4

// ErrChecksumMismatch reports a corrupted entry.
type ErrChecksumMismatch struct {
	LSN      types.LSN
	Expected uint32
	Actual   uint32
}

func (e *ErrChecksumMismatch) Error() string {
	return fmt.Sprintf("wal entry %d checksum mismatch, expected %08x, got %08x", e.LSN, e.Expected, e.Actual)
}

// EncodeRecord serializes a record: a type byte, the fixed header fields and
// then the type specific payload.
func EncodeRecord(r *Record) []byte {
	b := make([]byte, 0, 64)
	b = append(b, byte(r.Type))
	b = codec.EncodeUint64(b, uint64(r.TxnID))
	b = codec.EncodeUint64(b, r.Timestamp)
	b = codec.EncodeUint64(b, uint64(r.PageID))
	b = codec.EncodeUint32(b, r.Offset)
	b = codec.EncodeUint64(b, uint64(r.UndoNextLSN))
	switch r.Type {
	case RecordUpdate:
		b = codec.EncodeCompactBytes(b, r.BeforeImage)
		b = codec.EncodeCompactBytes(b, r.AfterImage)
	case RecordInsert, RecordDelete:
		b = codec.EncodeCompactBytes(b, r.Data)
	case RecordCLR:
		var redo []byte
		if r.Redo != nil {
			redo = EncodeRecord(r.Redo)
		}
		b = codec.EncodeCompactBytes(b, redo)
	case RecordCheckpointEnd:
		b = appendUvarint(b, uint64(len(r.ActiveTxns)))
		for _, t := range r.ActiveTxns {
			b = codec.EncodeUint64(b, uint64(t.TxnID))
			b = codec.EncodeUint64(b, uint64(t.LastLSN))
		}
		b = appendUvarint(b, uint64(len(r.DirtyPages)))
		for _, p := range r.DirtyPages {
			b = codec.EncodeUint64(b, uint64(p.PageID))
			b = codec.EncodeUint64(b, uint64(p.RecLSN))
		}
	}
	return b
}

// DecodeRecord parses bytes produced by EncodeRecord.
func DecodeRecord(b []byte) (*Record, error) {
	if len(b) < 1 {
		return nil, errors.WithStack(codec.ErrInsufficientBytes)
	}
	r := &Record{Type: RecordType(b[0])}
	if r.Type < RecordBegin || r.Type > RecordCheckpointEnd {
		return nil, errors.Errorf("unknown record type %d", b[0])
	}
	b = b[1:]
	var (
		v   uint64
		err error
	)
	if b, v, err = codec.DecodeUint64(b); err != nil {
		return nil, err
	}
	r.TxnID = types.TxnID(v)
	if b, r.Timestamp, err = codec.DecodeUint64(b); err != nil {
		return nil, err
	}
	if b, v, err = codec.DecodeUint64(b); err != nil {
		return nil, err
	}
	r.PageID = types.PageID(v)
	if b, r.Offset, err = codec.DecodeUint32(b); err != nil {
		return nil, err
	}
	if b, v, err = codec.DecodeUint64(b); err != nil {
		return nil, err
	}
	r.UndoNextLSN = types.LSN(v)

	switch r.Type {
	case RecordUpdate:
		if b, r.BeforeImage, err = codec.DecodeCompactBytes(b); err != nil {
			return nil, err
		}
		if b, r.AfterImage, err = codec.DecodeCompactBytes(b); err != nil {
			return nil, err
		}
	case RecordInsert, RecordDelete:
		if b, r.Data, err = codec.DecodeCompactBytes(b); err != nil {
			return nil, err
		}
	case RecordCLR:
		var redo []byte
		if b, redo, err = codec.DecodeCompactBytes(b); err != nil {
			return nil, err
		}
		if len(redo) > 0 {
			if r.Redo, err = DecodeRecord(redo); err != nil {
				return nil, errors.Annotate(err, "decode clr redo operation")
			}
		}
	case RecordCheckpointEnd:
		var n uint64
		if b, n, err = readUvarint(b); err != nil {
			return nil, err
		}
		for i := uint64(0); i < n; i++ {
			var txn, lsn uint64
			if b, txn, err = codec.DecodeUint64(b); err != nil {
				return nil, err
			}
			if b, lsn, err = codec.DecodeUint64(b); err != nil {
				return nil, err
			}
			r.ActiveTxns = append(r.ActiveTxns, TxnEntry{TxnID: types.TxnID(txn), LastLSN: types.LSN(lsn)})
		}
		if b, n, err = readUvarint(b); err != nil {
			return nil, err
		}
		for i := uint64(0); i < n; i++ {
			var page, lsn uint64
			if b, page, err = codec.DecodeUint64(b); err != nil {
				return nil, err
			}
			if b, lsn, err = codec.DecodeUint64(b); err != nil {
				return nil, err
			}
			r.DirtyPages = append(r.DirtyPages, DirtyPageEntry{PageID: types.PageID(page), RecLSN: types.LSN(lsn)})
		}
	}
	if len(b) != 0 {
		return nil, errors.Errorf("%d trailing bytes after %s record", len(b), r.Type)
	}
	return r, nil
}

func appendUvarint(b []byte, v uint64) []byte {
	var buf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(buf[:], v)
	return append(b, buf[:n]...)
}

func readUvarint(b []byte) ([]byte, uint64, error) {
	v, n := binary.Uvarint(b)
	if n <= 0 {
		return nil, 0, errors.New("invalid uvarint")
	}
	return b[n:], v, nil
}

// newEntry builds an entry and fills in its size and checksum.
func newEntry(lsn, prev types.LSN, r *Record) (*Entry, []byte) {
	payload := EncodeRecord(r)
	e := &Entry{
		LSN:      lsn,
		PrevLSN:  prev,
		Record:   r,
		Size:     uint32(len(payload)),
	}
	e.Checksum = entryChecksum(e, payload)
	return e, payload
}

func entryChecksum(e *Entry, payload []byte) uint32 {
	var header [8 + 8 + 4]byte
	binary.BigEndian.PutUint64(header[0:], uint64(e.LSN))
	binary.BigEndian.PutUint64(header[8:], uint64(e.PrevLSN))
	binary.BigEndian.PutUint32(header[16:], e.Size)
	crc := crc32.ChecksumIEEE(header[:])
	return crc32.Update(crc, crc32.IEEETable, payload)
}

// MarshalEntry lays an entry out as lsn, prev_lsn, size, checksum, payload.
func MarshalEntry(e *Entry, payload []byte) []byte {
	b := make([]byte, 0, entryHeaderSize+len(payload))
	b = codec.EncodeUint64(b, uint64(e.LSN))
	b = codec.EncodeUint64(b, uint64(e.PrevLSN))
	b = codec.EncodeUint32(b, e.Size)
	b = codec.EncodeUint32(b, e.Checksum)
	return append(b, payload...)
}

// UnmarshalEntry parses and verifies an entry. It returns the leftover bytes
// so that entries can be read back to back.
func UnmarshalEntry(b []byte) (*Entry, []byte, error) {
	if len(b) < entryHeaderSize {
		return nil, nil, errors.WithStack(codec.ErrInsufficientBytes)
	}
	e := &Entry{}
	b, lsn, _ := codec.DecodeUint64(b)
	b, prev, _ := codec.DecodeUint64(b)
	b, e.Size, _ = codec.DecodeUint32(b)
	b, e.Checksum, _ = codec.DecodeUint32(b)
	e.LSN, e.PrevLSN = types.LSN(lsn), types.LSN(prev)
	if uint32(len(b)) < e.Size {
		return nil, nil, errors.Annotatef(codec.ErrInsufficientBytes, "wal entry %d truncated", e.LSN)
	}
	payload := b[:e.Size]
	if actual := entryChecksum(e, payload); actual != e.Checksum {
		return nil, nil, &ErrChecksumMismatch{LSN: e.LSN, Expected: e.Checksum, Actual: actual}
	}
	r, err := DecodeRecord(payload)
	if err != nil {
		return nil, nil, errors.Annotatef(err, "decode wal entry %d", e.LSN)
	}
	e.Record = r
	return e, b[e.Size:], nil
}
