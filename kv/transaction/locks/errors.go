package locks

import (
	"fmt"
	"strings"
	"time"

	"github.com/pingcap-incubator/tinytxn/kv/transaction/types"
)

// ErrLockTimeout is returned when a request waited longer than the lock timeout.
type ErrLockTimeout struct {
	Txn      types.TxnID
	Resource Resource
	Mode     Mode
	Timeout  time.Duration
}

func (e *ErrLockTimeout) Error() string {
	return fmt.Sprintf("txn %d timed out after %v waiting for %s lock on %s", e.Txn, e.Timeout, e.Mode, e.Resource)
}

// ErrDeadlock is returned to the request that closed a cycle in the
// wait-for graph. Cycle starts and ends with the requester.
type ErrDeadlock struct {
	Txn   types.TxnID
	Cycle []types.TxnID
}

func (e *ErrDeadlock) Error() string {
	ids := make([]string, len(e.Cycle))
	for i, txn := range e.Cycle {
		ids[i] = fmt.Sprint(uint64(txn))
	}
	return fmt.Sprintf("deadlock detected, txn %d aborted, cycle: %s", e.Txn, strings.Join(ids, " -> "))
}

// ErrLockUpgradeInvalid is returned when a held lock cannot be converted to
// a strictly stronger mode.
type ErrLockUpgradeInvalid struct {
	Txn       types.TxnID
	Resource  Resource
	Held      Mode
	Requested Mode
}

func (e *ErrLockUpgradeInvalid) Error() string {
	return fmt.Sprintf("txn %d cannot upgrade %s lock on %s to %s", e.Txn, e.Held, e.Resource, e.Requested)
}

// ErrResourceNotLocked is returned when a transaction releases a lock it
// does not hold.
type ErrResourceNotLocked struct {
	Txn      types.TxnID
	Resource Resource
}

func (e *ErrResourceNotLocked) Error() string {
	return fmt.Sprintf("txn %d holds no lock on %s", e.Txn, e.Resource)
}

// ErrTxnAborted is returned to a request whose transaction released all its
// locks while the request was waiting.
type ErrTxnAborted struct {
	Txn types.TxnID
}

func (e *ErrTxnAborted) Error() string {
	return fmt.Sprintf("txn %d released its locks while waiting", e.Txn)
}
