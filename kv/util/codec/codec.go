package codec

import (
	"encoding/binary"

	"github.com/pingcap/errors"
)

// ErrInsufficientBytes is returned when a buffer ends before the value it should hold.
var ErrInsufficientBytes = errors.New("insufficient bytes to decode value")

// EncodeUint64 appends v in big-endian order, so encoded values sort like the numbers.
func EncodeUint64(b []byte, v uint64) []byte {
	var data [8]byte
	binary.BigEndian.PutUint64(data[:], v)
	return append(b, data[:]...)
}

// DecodeUint64 decodes a value written by EncodeUint64 and returns the leftover bytes.
func DecodeUint64(b []byte) ([]byte, uint64, error) {
	if len(b) < 8 {
		return nil, 0, errors.WithStack(ErrInsufficientBytes)
	}
	return b[8:], binary.BigEndian.Uint64(b), nil
}

func EncodeUint32(b []byte, v uint32) []byte {
	var data [4]byte
	binary.BigEndian.PutUint32(data[:], v)
	return append(b, data[:]...)
}

func DecodeUint32(b []byte) ([]byte, uint32, error) {
	if len(b) < 4 {
		return nil, 0, errors.WithStack(ErrInsufficientBytes)
	}
	return b[4:], binary.BigEndian.Uint32(b), nil
}

// EncodeCompactBytes appends data prefixed by its uvarint length.
func EncodeCompactBytes(b []byte, data []byte) []byte {
	var buf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(buf[:], uint64(len(data)))
	b = append(b, buf[:n]...)
	return append(b, data...)
}

// DecodeCompactBytes decodes bytes written by EncodeCompactBytes. The result
// is a copy and does not alias b. A zero length decodes to nil.
func DecodeCompactBytes(b []byte) ([]byte, []byte, error) {
	l, n := binary.Uvarint(b)
	if n <= 0 {
		return nil, nil, errors.New("invalid compact bytes length")
	}
	b = b[n:]
	if uint64(len(b)) < l {
		return nil, nil, errors.WithStack(ErrInsufficientBytes)
	}
	if l == 0 {
		return b, nil, nil
	}
	data := make([]byte, l)
	copy(data, b[:l])
	return b[l:], data, nil
}
