package codec

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUint64SortsLikeNumbers(t *testing.T) {
	small := EncodeUint64(nil, 255)
	large := EncodeUint64(nil, 256)
	assert.True(t, bytes.Compare(small, large) < 0)

	rest, v, err := DecodeUint64(append(large, 'x'))
	require.Nil(t, err)
	assert.Equal(t, uint64(256), v)
	assert.Equal(t, []byte("x"), rest)

	_, _, err = DecodeUint64([]byte{1, 2, 3})
	assert.NotNil(t, err)
}

func TestCompactBytes(t *testing.T) {
	b := EncodeCompactBytes(nil, []byte("hello"))
	b = EncodeCompactBytes(b, nil)
	b = EncodeUint32(b, 7)

	b, first, err := DecodeCompactBytes(b)
	require.Nil(t, err)
	assert.Equal(t, []byte("hello"), first)
	b, second, err := DecodeCompactBytes(b)
	require.Nil(t, err)
	assert.Nil(t, second)
	b, v, err := DecodeUint32(b)
	require.Nil(t, err)
	assert.Equal(t, uint32(7), v)
	assert.Len(t, b, 0)

	truncated := EncodeCompactBytes(nil, []byte("hello"))[:3]
	_, _, err = DecodeCompactBytes(truncated)
	assert.NotNil(t, err)
}
