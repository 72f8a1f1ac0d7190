package lockwaiter

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestWakeReadyStopsAtFirstRejected(t *testing.T) {
	var q Queue
	ws := []*Waiter{
		NewWaiter(1, 1, time.Second),
		NewWaiter(2, 1, time.Second),
		NewWaiter(3, 5, time.Second),
		NewWaiter(4, 1, time.Second),
	}
	for _, w := range ws {
		q.Push(w)
	}
	woken := q.WakeReady(func(w *Waiter) bool { return w.Mode < 5 })
	assert.Equal(t, []*Waiter{ws[0], ws[1]}, woken)
	assert.Equal(t, 2, q.Len())

	for i, w := range woken {
		res := w.Wait(context.Background())
		assert.True(t, res.Granted())
		assert.Equal(t, Position(i), res.Position)
		assert.True(t, w.Granted())
	}
	assert.False(t, ws[3].Granted())
	assert.Nil(t, q.WakeReady(func(w *Waiter) bool { return w.Mode < 5 }))
}

func TestQueueOrder(t *testing.T) {
	var q Queue
	a, b, c := NewWaiter(1, 0, time.Second), NewWaiter(2, 0, time.Second), NewWaiter(3, 0, time.Second)
	q.Push(a)
	q.Push(b)
	q.PushFront(c)
	assert.Equal(t, []*Waiter{c, a, b}, q.Waiters())
	assert.Equal(t, []*Waiter{c, a}, q.Ahead(b))
	assert.True(t, q.Remove(a))
	assert.False(t, q.Remove(a))
	assert.Equal(t, []*Waiter{c, b}, q.Waiters())
}

func TestWaitTimeoutAndCancel(t *testing.T) {
	w := NewWaiter(1, 0, 10*time.Millisecond)
	res := w.Wait(context.Background())
	assert.Equal(t, WaitTimeout, res.Position)
	assert.False(t, res.Granted())

	w = NewWaiter(1, 0, time.Minute)
	w.Cancel()
	w.Cancel()
	assert.Equal(t, WaitCanceled, w.Wait(context.Background()).Position)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	w = NewWaiter(1, 0, time.Minute)
	res = w.Wait(ctx)
	assert.Equal(t, WaitCanceled, res.Position)
	assert.Equal(t, context.Canceled, res.Err)
}
