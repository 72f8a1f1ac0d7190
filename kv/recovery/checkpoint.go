package recovery

import (
	"sync"
	"time"

	"github.com/pingcap-incubator/tinytxn/kv/transaction/types"
	"github.com/pingcap-incubator/tinytxn/kv/wal"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

// Checkpointer takes fuzzy checkpoints: it never pauses transactions, so the
// tables it records may be slightly stale. Analysis rescans from the
// CheckpointBegin and corrects them.
type Checkpointer struct {
	log *wal.Manager
	now func() uint64

	mu   sync.Mutex
	last types.LSN
}

func NewCheckpointer(log *wal.Manager) *Checkpointer {
	return &Checkpointer{log: log, now: wallMillis}
}

// Checkpoint writes a CheckpointBegin, snapshots the transaction and dirty
// page tables, and writes them in a CheckpointEnd. It returns the LSN of the
// CheckpointBegin.
func (c *Checkpointer) Checkpoint() (types.LSN, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	start := time.Now()

	begin, err := c.log.Append(wal.NewCheckpointBegin(c.now()))
	if err != nil {
		return types.InvalidLSN, errors.Annotate(err, "write checkpoint begin")
	}
	active := c.log.ActiveTxns()
	dirty := c.log.DirtyPages()
	end, err := c.log.Append(wal.NewCheckpointEnd(active, dirty, c.now()))
	if err != nil {
		return types.InvalidLSN, errors.Annotate(err, "write checkpoint end")
	}
	c.last = begin

	checkpointCounter.Inc()
	checkpointDurationHistogram.Observe(time.Since(start).Seconds())
	log.Info("checkpoint done",
		zap.Uint64("begin", uint64(begin)),
		zap.Uint64("end", uint64(end)),
		zap.Int("active-txns", len(active)),
		zap.Int("dirty-pages", len(dirty)))
	return begin, nil
}

// LastCheckpoint returns the CheckpointBegin LSN of the last checkpoint this
// checkpointer took.
func (c *Checkpointer) LastCheckpoint() types.LSN {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}
