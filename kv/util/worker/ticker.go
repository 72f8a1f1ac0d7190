package worker

import (
	"sync"
	"time"

	"github.com/pingcap/log"
	"go.uber.org/zap"
)

// Ticker feeds a task to a worker at a fixed interval.
type Ticker struct {
	w        *Worker
	interval time.Duration
	task     func() Task
	quit     chan struct{}
	once     sync.Once
}

// NewTicker returns a ticker sending task() to w every interval. A
// non-positive interval never ticks.
func NewTicker(w *Worker, interval time.Duration, task func() Task) *Ticker {
	return &Ticker{
		w:        w,
		interval: interval,
		task:     task,
		quit:     make(chan struct{}),
	}
}

func (t *Ticker) Start(wg *sync.WaitGroup) {
	if t.interval <= 0 {
		return
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(t.interval)
		defer ticker.Stop()
		for {
			select {
			case <-t.quit:
				return
			case <-ticker.C:
				if !t.w.TrySend(t.task()) {
					log.Warn("worker busy, skip tick", zap.String("worker", t.w.Name()), zap.Duration("interval", t.interval))
				}
			}
		}
	}()
}

func (t *Ticker) Stop() {
	t.once.Do(func() { close(t.quit) })
}
