package recovery

import (
	"context"
	"fmt"
	"time"

	"github.com/pingcap-incubator/tinytxn/kv/transaction/types"
	"github.com/pingcap-incubator/tinytxn/kv/wal"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

// ErrTargetBeforeLog is returned when every timestamped record of the log
// is later than the recovery target. The log is left untouched.
type ErrTargetBeforeLog struct {
	Target time.Time
	// Timestamp of the earliest record, in unix milliseconds.
	First uint64
}

func (e *ErrTargetBeforeLog) Error() string {
	return fmt.Sprintf("recovery target %s precedes the first logged record at %d ms", e.Target.Format(time.RFC3339Nano), e.First)
}

// BoundForTime returns the LSN of the last timestamped record at or before
// target. An empty log yields InvalidLSN.
func BoundForTime(reader LogReader, target time.Time) (types.LSN, error) {
	entries, err := reader.ReadFrom(types.LSN(1))
	if err != nil {
		return types.InvalidLSN, err
	}
	millis := uint64(target.UnixNano() / int64(time.Millisecond))
	bound := types.InvalidLSN
	first, stamped := uint64(0), false
	for _, e := range entries {
		if !e.Record.HasTimestamp() {
			continue
		}
		if !stamped {
			first, stamped = e.Record.Timestamp, true
		}
		if e.Record.Timestamp > millis {
			break
		}
		bound = e.LSN
	}
	if bound == types.InvalidLSN && stamped {
		return types.InvalidLSN, &ErrTargetBeforeLog{Target: target, First: first}
	}
	return bound, nil
}

// RecoverToTime discards the log after the last record stamped at or before
// target and recovers what remains. Transactions that had not committed by
// then are rolled back. The page store must not hold changes from after the
// bound; callers restore a backup first when it might.
func (m *Manager) RecoverToTime(ctx context.Context, target time.Time) (*Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	bound, err := BoundForTime(m.log, target)
	if _, ok := err.(*ErrTargetBeforeLog); ok {
		return nil, err
	}
	if err != nil {
		return nil, m.fail(PhaseAnalysis, failedLSN(err, nil), err)
	}
	log.Info("point-in-time recovery", zap.Time("target", target), zap.Uint64("bound", uint64(bound)))
	if err := m.truncate(bound); err != nil {
		return nil, err
	}
	return m.run(ctx, m.log, nil)
}

func (m *Manager) truncate(bound types.LSN) error {
	if err := m.log.Truncate(bound); err != nil {
		return errors.Annotatef(err, "truncate wal after %d", bound)
	}
	if m.archive != nil {
		if err := m.archive.TruncateAfter(bound); err != nil {
			return errors.Annotatef(err, "truncate wal archive after %d", bound)
		}
	}
	return nil
}

var _ LogReader = (*wal.Manager)(nil)
var _ LogReader = (*wal.MergedReader)(nil)
