package mvcc

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClockNowIsMonotonic(t *testing.T) {
	wall := NewManualClock(1000)
	c := NewClock(wall.UnixMilli, 1, time.Second)

	a := c.Now()
	b := c.Now()
	assert.Equal(t, Timestamp{Physical: 1000, Logical: 0, NodeID: 1}, a)
	assert.Equal(t, Timestamp{Physical: 1000, Logical: 1, NodeID: 1}, b)
	assert.True(t, a.HappensBefore(b))

	wall.Increment(5 * time.Millisecond)
	d := c.Now()
	assert.Equal(t, uint64(1005), d.Physical)
	assert.Equal(t, uint32(0), d.Logical)

	// A wall clock moving backwards never produces an older timestamp.
	wall.Set(900)
	e := c.Now()
	assert.True(t, d.HappensBefore(e))
	assert.Equal(t, uint64(1005), e.Physical)
}

func TestClockUpdate(t *testing.T) {
	wall := NewManualClock(1000)
	c := NewClock(wall.UnixMilli, 1, 100*time.Millisecond)
	local := c.Now()

	remote := Timestamp{Physical: 1050, Logical: 7, NodeID: 2}
	ts, err := c.Update(remote)
	require.Nil(t, err)
	assert.Equal(t, Timestamp{Physical: 1050, Logical: 8, NodeID: 1}, ts)
	assert.True(t, local.HappensBefore(ts))
	assert.True(t, remote.HappensBefore(ts))
	assert.True(t, ts.HappensBefore(c.Now()))

	// A remote timestamp behind the local clock still advances logical time.
	ts2, err := c.Update(Timestamp{Physical: 10, NodeID: 3})
	require.Nil(t, err)
	assert.True(t, ts.HappensBefore(ts2))

	_, err = c.Update(Timestamp{Physical: 5000, NodeID: 2})
	skew, ok := err.(*ErrClockSkewExceeded)
	require.True(t, ok)
	assert.Equal(t, uint64(1000), skew.Local)
}

func TestTimestampOrdering(t *testing.T) {
	a := Timestamp{Physical: 1, Logical: 0, NodeID: 1}
	b := Timestamp{Physical: 1, Logical: 1, NodeID: 2}
	c := Timestamp{Physical: 2, Logical: 0, NodeID: 1}
	concurrent := Timestamp{Physical: 1, Logical: 0, NodeID: 2}

	for _, ts := range []Timestamp{a, b, c} {
		assert.False(t, ts.HappensBefore(ts))
	}
	assert.True(t, a.HappensBefore(b))
	assert.True(t, b.HappensBefore(c))
	assert.True(t, a.HappensBefore(c))
	assert.False(t, c.HappensBefore(a))

	assert.True(t, a.IsConcurrent(concurrent))
	assert.False(t, a.HappensBefore(concurrent))
	assert.False(t, concurrent.HappensBefore(a))
	assert.False(t, a.IsConcurrent(a))
	assert.True(t, a.Less(concurrent))
	assert.Equal(t, 0, b.Compare(b))
	assert.True(t, c.Less(MaxTimestamp))
}
