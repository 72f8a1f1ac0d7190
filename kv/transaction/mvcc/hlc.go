package mvcc

import (
	"fmt"
	"sync"
	"time"

	"github.com/cznic/mathutil"
	"go.uber.org/atomic"
)

// Timestamp is a hybrid logical clock reading. Physical is wall time in
// milliseconds, Logical orders events within the same millisecond and NodeID
// identifies the issuing node.
type Timestamp struct {
	Physical uint64
	Logical  uint32
	NodeID   uint32
}

// MaxTimestamp is greater than every timestamp a clock can issue.
var MaxTimestamp = Timestamp{Physical: ^uint64(0), Logical: ^uint32(0), NodeID: ^uint32(0)}

// HappensBefore reports whether t causally precedes o. NodeID is ignored.
func (t Timestamp) HappensBefore(o Timestamp) bool {
	if t.Physical != o.Physical {
		return t.Physical < o.Physical
	}
	return t.Logical < o.Logical
}

// IsConcurrent reports whether t and o were issued by different nodes at the
// same hybrid time.
func (t Timestamp) IsConcurrent(o Timestamp) bool {
	return t.Physical == o.Physical && t.Logical == o.Logical && t.NodeID != o.NodeID
}

// Compare totally orders timestamps, breaking hybrid-time ties by NodeID.
func (t Timestamp) Compare(o Timestamp) int {
	switch {
	case t.Physical < o.Physical:
		return -1
	case t.Physical > o.Physical:
		return 1
	case t.Logical < o.Logical:
		return -1
	case t.Logical > o.Logical:
		return 1
	case t.NodeID < o.NodeID:
		return -1
	case t.NodeID > o.NodeID:
		return 1
	}
	return 0
}

func (t Timestamp) Less(o Timestamp) bool {
	return t.Compare(o) < 0
}

func (t Timestamp) IsZero() bool {
	return t == Timestamp{}
}

// WallTime returns the physical component as a time.Time.
func (t Timestamp) WallTime() time.Time {
	return time.Unix(0, int64(t.Physical)*int64(time.Millisecond))
}

func (t Timestamp) String() string {
	return fmt.Sprintf("%d.%d@%d", t.Physical, t.Logical, t.NodeID)
}

// ErrClockSkewExceeded is returned by Update when a remote timestamp is further
// ahead of the local wall clock than the configured maximum offset.
type ErrClockSkewExceeded struct {
	Remote    Timestamp
	Local     uint64
	MaxOffset time.Duration
}

func (e *ErrClockSkewExceeded) Error() string {
	return fmt.Sprintf("remote timestamp %s is more than %v ahead of local wall time %d", e.Remote, e.MaxOffset, e.Local)
}

// UnixMilli reads the system wall clock in milliseconds.
func UnixMilli() uint64 {
	return uint64(time.Now().UnixNano() / int64(time.Millisecond))
}

// ManualClock is a settable physical clock for tests.
type ManualClock struct {
	millis atomic.Uint64
}

func NewManualClock(millis uint64) *ManualClock {
	c := &ManualClock{}
	c.millis.Store(millis)
	return c
}

func (m *ManualClock) UnixMilli() uint64 {
	return m.millis.Load()
}

func (m *ManualClock) Increment(d time.Duration) {
	m.millis.Add(uint64(d / time.Millisecond))
}

func (m *ManualClock) Set(millis uint64) {
	m.millis.Store(millis)
}

// Clock issues strictly increasing hybrid logical timestamps.
type Clock struct {
	mu        sync.Mutex
	physical  func() uint64
	nodeID    uint32
	maxOffset time.Duration
	last      Timestamp
}

// NewClock creates a clock reading wall time from physical. A zero maxOffset
// disables the skew check in Update.
func NewClock(physical func() uint64, nodeID uint32, maxOffset time.Duration) *Clock {
	if physical == nil {
		physical = UnixMilli
	}
	return &Clock{
		physical:  physical,
		nodeID:    nodeID,
		maxOffset: maxOffset,
		last:      Timestamp{NodeID: nodeID},
	}
}

func (c *Clock) NodeID() uint32 {
	return c.nodeID
}

func (c *Clock) MaxOffset() time.Duration {
	return c.maxOffset
}

// Now returns a timestamp greater than every timestamp previously returned
// by Now or Update.
func (c *Clock) Now() Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()
	pt := c.physical()
	if pt > c.last.Physical {
		c.last.Physical = pt
		c.last.Logical = 0
	} else {
		c.last.Logical++
	}
	return c.last
}

// Update merges a timestamp received from another node and returns a local
// timestamp that happens after both remote and every earlier local reading.
func (c *Clock) Update(remote Timestamp) (Timestamp, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	pt := c.physical()
	if c.maxOffset > 0 && remote.Physical > pt+uint64(c.maxOffset/time.Millisecond) {
		return Timestamp{}, &ErrClockSkewExceeded{Remote: remote, Local: pt, MaxOffset: c.maxOffset}
	}
	physical := mathutil.MaxUint64(pt, mathutil.MaxUint64(c.last.Physical, remote.Physical))
	var logical uint32
	switch {
	case physical == c.last.Physical && physical == remote.Physical:
		logical = mathutil.MaxUint32(c.last.Logical, remote.Logical) + 1
	case physical == c.last.Physical:
		logical = c.last.Logical + 1
	case physical == remote.Physical:
		logical = remote.Logical + 1
	}
	c.last = Timestamp{Physical: physical, Logical: logical, NodeID: c.nodeID}
	return c.last, nil
}

// Peek returns the most recently issued timestamp without advancing the clock.
func (c *Clock) Peek() Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}
