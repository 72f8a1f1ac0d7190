package latches

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireLatches(t *testing.T) {
	l := NewLatches()

	// Acquiring a new latch is ok.
	ch := l.AcquireLatches([]string{"", "a", "a/b"})
	assert.Nil(t, ch)

	// Can only acquire once.
	ch = l.AcquireLatches([]string{""})
	assert.NotNil(t, ch)
	ch = l.AcquireLatches([]string{"x", "a/b"})
	assert.NotNil(t, ch)
	// A failed acquire latches nothing.
	assert.Equal(t, 3, l.Len())

	// Release then acquire is ok.
	l.ReleaseLatches([]string{"", "a", "a/b"})
	select {
	case <-ch:
	default:
		t.Fatal("waiters not woken")
	}
	ch = l.AcquireLatches([]string{"a"})
	assert.Nil(t, ch)
	ch = l.AcquireLatches([]string{"a/b", "a"})
	assert.NotNil(t, ch)
}

func TestWaitForLatchesHonoursContext(t *testing.T) {
	l := NewLatches()
	require.Nil(t, l.AcquireLatches([]string{"k"}))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.Equal(t, context.DeadlineExceeded, l.WaitForLatches(ctx, []string{"k"}))
}

func TestWaitForLatchesSerializes(t *testing.T) {
	l := NewLatches()
	var wg sync.WaitGroup
	inside := 0
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			keys := []string{"a", "b"}
			if err := l.WaitForLatches(context.Background(), keys); err != nil {
				t.Error(err)
				return
			}
			inside++
			if inside != 1 {
				t.Error("two holders of the same latch")
			}
			inside--
			l.ReleaseLatches(keys)
		}()
	}
	wg.Wait()
	assert.Equal(t, 0, l.Len())
}
