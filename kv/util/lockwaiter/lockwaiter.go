package lockwaiter

import (
	"context"
	"time"

	"github.com/pingcap-incubator/tinytxn/kv/transaction/types"
)

// Position is where a waiter ended up: its index in the batch of waiters
// woken together, or one of the negative outcomes below.
type Position int

const (
	WaitTimeout  Position = -1
	WaitCanceled Position = -2
)

type WaitResult struct {
	Position Position
	// Err is set when the wait ended because the context was done.
	Err error
}

// Granted reports whether the waiter was woken by a grant.
func (r WaitResult) Granted() bool {
	return r.Position >= 0
}

// Waiter is one blocked request. The owner of the queue decides when the
// request can be granted; the waiter only carries the request and the
// channel its goroutine blocks on.
type Waiter struct {
	Txn types.TxnID
	// Mode is the requested lock mode, opaque to this package.
	Mode    uint8
	timeout time.Duration
	ch      chan WaitResult
	// done is set, under the queue owner's lock, when the waiter has been
	// granted or canceled.
	done    bool
	granted bool
}

func NewWaiter(txn types.TxnID, mode uint8, timeout time.Duration) *Waiter {
	return &Waiter{
		Txn:     txn,
		Mode:    mode,
		timeout: timeout,
		ch:      make(chan WaitResult, 1),
	}
}

// Wait blocks until the waiter is woken, the timeout elapses or ctx is done.
// A timed out waiter may still have been granted concurrently, so the
// caller must check Granted under its lock before cleaning up.
func (w *Waiter) Wait(ctx context.Context) WaitResult {
	timer := time.NewTimer(w.timeout)
	defer timer.Stop()
	select {
	case <-timer.C:
		return WaitResult{Position: WaitTimeout}
	case <-ctx.Done():
		return WaitResult{Position: WaitCanceled, Err: ctx.Err()}
	case result := <-w.ch:
		return result
	}
}

// Granted must be called under the queue owner's lock.
func (w *Waiter) Granted() bool {
	return w.granted
}

func (w *Waiter) wake(result WaitResult) {
	if w.done {
		return
	}
	w.done = true
	w.granted = result.Granted()
	w.ch <- result
}

// Cancel wakes the waiter with WaitCanceled.
func (w *Waiter) Cancel() {
	w.wake(WaitResult{Position: WaitCanceled})
}

// Queue is the wait queue of one resource. It is not safe for concurrent
// use; the owner guards it with the resource's lock.
type Queue struct {
	waiters []*Waiter
}

func (q *Queue) Len() int {
	return len(q.waiters)
}

func (q *Queue) Push(w *Waiter) {
	q.waiters = append(q.waiters, w)
}

// PushFront queues w ahead of every other waiter.
func (q *Queue) PushFront(w *Waiter) {
	q.waiters = append(q.waiters, nil)
	copy(q.waiters[1:], q.waiters)
	q.waiters[0] = w
}

// Remove removes w from the queue, reporting whether it was queued.
func (q *Queue) Remove(w *Waiter) bool {
	for i, waiter := range q.waiters {
		if waiter == w {
			q.waiters = append(q.waiters[:i], q.waiters[i+1:]...)
			return true
		}
	}
	return false
}

// Waiters returns the queued waiters in order. The slice must not be modified.
func (q *Queue) Waiters() []*Waiter {
	return q.waiters
}

// Ahead returns the waiters queued in front of w.
func (q *Queue) Ahead(w *Waiter) []*Waiter {
	for i, waiter := range q.waiters {
		if waiter == w {
			return q.waiters[:i]
		}
	}
	return nil
}

// WakeReady scans the queue from the front and grants every waiter ready
// accepts, stopping at the first one it rejects. ready is called in queue
// order and may record the grant, so later calls see earlier grants.
func (q *Queue) WakeReady(ready func(w *Waiter) bool) []*Waiter {
	n := 0
	for n < len(q.waiters) && ready(q.waiters[n]) {
		n++
	}
	if n == 0 {
		return nil
	}
	woken := make([]*Waiter, n)
	copy(woken, q.waiters[:n])
	q.waiters = append(q.waiters[:0], q.waiters[n:]...)
	for i, w := range woken {
		w.wake(WaitResult{Position: Position(i)})
	}
	return woken
}
