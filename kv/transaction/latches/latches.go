package latches

import (
	"context"
	"sync"
)

// Latches serialize commits that touch the same keys. Row locks already keep
// two writers apart while they run; latches cover the short window in which
// a commit applies its versions and writes its commit record, so versions of
// a key become visible in commit timestamp order.
//
// A latch is a per-key mutex. All keys of a commit are latched at once, so
// latching cannot deadlock. Each latched key maps to a channel that is
// closed when the latch holder releases it.
type Latches struct {
	mu       sync.Mutex
	latchMap map[string]chan struct{}
}

func NewLatches() *Latches {
	return &Latches{latchMap: make(map[string]chan struct{})}
}

// AcquireLatches latches every key in keys and returns nil, or latches none
// and returns a channel that is closed once a conflicting holder releases.
func (l *Latches) AcquireLatches(keys []string) <-chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, key := range keys {
		if ch, ok := l.latchMap[key]; ok {
			return ch
		}
	}
	ch := make(chan struct{})
	for _, key := range keys {
		l.latchMap[key] = ch
	}
	return nil
}

// ReleaseLatches releases keys, which must have been latched together by
// one AcquireLatches call, and wakes their waiters.
func (l *Latches) ReleaseLatches(keys []string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var ch chan struct{}
	for _, key := range keys {
		if held, ok := l.latchMap[key]; ok {
			ch = held
			delete(l.latchMap, key)
		}
	}
	if ch != nil {
		close(ch)
	}
}

// WaitForLatches latches keys, blocking until they are free or ctx is done.
func (l *Latches) WaitForLatches(ctx context.Context, keys []string) error {
	for {
		ch := l.AcquireLatches(keys)
		if ch == nil {
			return nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Len returns the number of latched keys.
func (l *Latches) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.latchMap)
}
