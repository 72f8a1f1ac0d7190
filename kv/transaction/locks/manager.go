package locks

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pingcap-incubator/tinytxn/kv/config"
	"github.com/pingcap-incubator/tinytxn/kv/transaction/types"
	"github.com/pingcap-incubator/tinytxn/kv/util/lockwaiter"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

// Locking protocol
//
// The lock table is split into shards by resource hash. A shard's RWMutex
// guards only its map, so lookups of different resources never serialize.
// Each resource entry has its own mutex guarding its granted modes and its
// wait queue. Locks are always taken in the order shard -> entry -> txnMu or
// graphMu, and no goroutine holds two entries at once.
//
// An entry with no grants and no waiters is evicted from its shard right
// after the operation that emptied it. Eviction marks the entry, and an
// acquirer that finds a marked entry looks it up again.

type lockWaiter = lockwaiter.Waiter

func waiterMode(w *lockWaiter) Mode {
	return Mode(w.Mode)
}

type entry struct {
	mu       sync.Mutex
	resource Resource
	granted  map[types.TxnID]Mode
	queue    lockwaiter.Queue
	evicted  bool
}

func (e *entry) idle() bool {
	return len(e.granted) == 0 && e.queue.Len() == 0
}

// compatible reports whether mode can be granted to txn given the modes
// held by every other transaction.
func (e *entry) compatible(txn types.TxnID, mode Mode) bool {
	for holder, held := range e.granted {
		if holder != txn && !Compatible(held, mode) {
			return false
		}
	}
	return true
}

type shard struct {
	mu      sync.RWMutex
	entries map[Resource]*entry
}

type waitRef struct {
	entry  *entry
	waiter *lockWaiter
}

// Manager is a hierarchical lock manager. Create one per database and share it.
type Manager struct {
	conf   config.LockConfig
	shards []*shard

	txnMu sync.Mutex
	// Every lock a transaction holds, including intent locks.
	txnLocks map[types.TxnID]map[Resource]Mode
	// Row locks per transaction per table, for escalation.
	rowCounts map[types.TxnID]map[Resource]int
	// The request each blocked transaction waits on.
	waiting map[types.TxnID]waitRef

	graphMu sync.Mutex
	graph   *WaitForGraph
}

func NewManager(conf config.LockConfig) *Manager {
	if conf.Shards <= 0 {
		conf.Shards = 1
	}
	m := &Manager{
		conf:      conf,
		shards:    make([]*shard, conf.Shards),
		txnLocks:  make(map[types.TxnID]map[Resource]Mode),
		rowCounts: make(map[types.TxnID]map[Resource]int),
		waiting:   make(map[types.TxnID]waitRef),
		graph:     NewWaitForGraph(),
	}
	for i := range m.shards {
		m.shards[i] = &shard{entries: make(map[Resource]*entry)}
	}
	return m
}

func (m *Manager) shardFor(res Resource) *shard {
	return m.shards[res.hash()%uint64(len(m.shards))]
}

func (m *Manager) lookup(res Resource) *entry {
	s := m.shardFor(res)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.entries[res]
}

func (m *Manager) getOrCreate(res Resource) *entry {
	if e := m.lookup(res); e != nil {
		return e
	}
	s := m.shardFor(res)
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[res]; ok {
		return e
	}
	e := &entry{resource: res, granted: make(map[types.TxnID]Mode)}
	s.entries[res] = e
	lockResourceGauge.Inc()
	return e
}

// lockEntry returns the live entry for res with its mutex held.
func (m *Manager) lockEntry(res Resource) *entry {
	for {
		e := m.getOrCreate(res)
		e.mu.Lock()
		if !e.evicted {
			return e
		}
		e.mu.Unlock()
	}
}

func (m *Manager) tryEvict(e *entry) {
	s := m.shardFor(e.resource)
	s.mu.Lock()
	defer s.mu.Unlock()
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.evicted || !e.idle() || s.entries[e.resource] != e {
		return
	}
	delete(s.entries, e.resource)
	e.evicted = true
	lockResourceGauge.Dec()
}

// Acquire locks res in mode for txn, first taking the matching intent lock
// on every ancestor. It blocks until the lock is granted, the lock timeout
// elapses (*ErrLockTimeout), the request closes a wait-for cycle
// (*ErrDeadlock) or ctx is done. Intent locks granted before a failure stay
// held until the transaction releases them.
func (m *Manager) Acquire(ctx context.Context, txn types.TxnID, res Resource, mode Mode) error {
	_, err := m.acquire(ctx, txn, res, mode, true)
	return err
}

// TryAcquire is Acquire without waiting. It returns false when any lock on
// the path would have to wait.
func (m *Manager) TryAcquire(txn types.TxnID, res Resource, mode Mode) (bool, error) {
	return m.acquire(context.Background(), txn, res, mode, false)
}

func (m *Manager) acquire(ctx context.Context, txn types.TxnID, res Resource, mode Mode, wait bool) (bool, error) {
	if m.coveredByAncestor(txn, res, mode) {
		return true, nil
	}
	intent := IntentFor(mode)
	for _, ancestor := range res.Ancestors() {
		if m.coveredByAncestor(txn, ancestor, intent) {
			continue
		}
		ok, err := m.acquireOne(ctx, txn, ancestor, intent, wait)
		if !ok || err != nil {
			return ok, err
		}
	}
	ok, err := m.acquireOne(ctx, txn, res, mode, wait)
	if ok && err == nil && res.Level == LevelRow && m.conf.EnableEscalation {
		table := TableResource(res.DB, res.Table)
		if _, err := m.Escalate(txn, table); err != nil {
			log.Warn("lock escalation failed", zap.Uint64("txn", uint64(txn)), zap.Stringer("table", table), zap.Error(err))
		}
	}
	return ok, err
}

// coveredByAncestor reports whether a lock txn holds on an ancestor of res
// already grants mode on res.
func (m *Manager) coveredByAncestor(txn types.TxnID, res Resource, mode Mode) bool {
	m.txnMu.Lock()
	defer m.txnMu.Unlock()
	locks := m.txnLocks[txn]
	if len(locks) == 0 {
		return false
	}
	for _, ancestor := range res.Ancestors() {
		held, ok := locks[ancestor]
		if !ok {
			continue
		}
		switch held {
		case ModeX:
			return true
		case ModeS, ModeU, ModeSIX:
			if mode == ModeS || mode == ModeIS {
				return true
			}
		}
	}
	return false
}

func (m *Manager) acquireOne(ctx context.Context, txn types.TxnID, res Resource, mode Mode, wait bool) (bool, error) {
	e := m.lockEntry(res)
	target, upgrade := mode, false
	if held, ok := e.granted[txn]; ok {
		if Covers(held, mode) {
			e.mu.Unlock()
			return true, nil
		}
		target, upgrade = Join(held, mode), true
		if target.Strength() <= held.Strength() {
			e.mu.Unlock()
			return false, &ErrLockUpgradeInvalid{Txn: txn, Resource: res, Held: held, Requested: mode}
		}
	}

	if e.compatible(txn, target) && (upgrade || e.queue.Len() == 0) {
		e.granted[txn] = target
		m.recordGrant(txn, res, target)
		e.mu.Unlock()
		lockAcquireCounter.WithLabelValues(target.String(), "granted").Inc()
		return true, nil
	}

	if !wait {
		idle := e.idle()
		e.mu.Unlock()
		if idle {
			m.tryEvict(e)
		}
		lockAcquireCounter.WithLabelValues(target.String(), "busy").Inc()
		return false, nil
	}

	w := lockwaiter.NewWaiter(txn, uint8(target), m.conf.Timeout.Duration)
	if upgrade {
		e.queue.PushFront(w)
	} else {
		e.queue.Push(w)
	}
	if cycle := m.registerWait(e, w); cycle != nil {
		e.queue.Remove(w)
		m.wakeReady(e)
		idle := e.idle()
		e.mu.Unlock()
		if idle {
			m.tryEvict(e)
		}
		lockAcquireCounter.WithLabelValues(target.String(), "deadlock").Inc()
		lockDeadlockCounter.Inc()
		log.Warn("deadlock detected", zap.Uint64("txn", uint64(txn)), zap.Stringer("resource", res),
			zap.Stringer("mode", target), zap.Reflect("cycle", cycle))
		return false, &ErrDeadlock{Txn: txn, Cycle: cycle}
	}
	m.txnMu.Lock()
	m.waiting[txn] = waitRef{entry: e, waiter: w}
	m.txnMu.Unlock()
	e.mu.Unlock()

	start := time.Now()
	result := w.Wait(ctx)
	lockWaitHistogram.Observe(time.Since(start).Seconds())

	m.txnMu.Lock()
	delete(m.waiting, txn)
	m.txnMu.Unlock()

	if result.Granted() {
		lockAcquireCounter.WithLabelValues(target.String(), "granted").Inc()
		return true, nil
	}

	e.mu.Lock()
	if w.Granted() {
		// Granted between the timeout firing and taking the lock.
		e.mu.Unlock()
		lockAcquireCounter.WithLabelValues(target.String(), "granted").Inc()
		return true, nil
	}
	e.queue.Remove(w)
	m.graphMu.Lock()
	m.graph.RemoveEdgesFrom(txn)
	m.graphMu.Unlock()
	m.wakeReady(e)
	idle := e.idle()
	e.mu.Unlock()
	if idle {
		m.tryEvict(e)
	}

	switch {
	case result.Err != nil:
		lockAcquireCounter.WithLabelValues(target.String(), "canceled").Inc()
		return false, result.Err
	case result.Position == lockwaiter.WaitCanceled:
		lockAcquireCounter.WithLabelValues(target.String(), "canceled").Inc()
		return false, &ErrTxnAborted{Txn: txn}
	}
	lockAcquireCounter.WithLabelValues(target.String(), "timeout").Inc()
	log.Debug("lock wait timed out", zap.Uint64("txn", uint64(txn)), zap.Stringer("resource", res), zap.Stringer("mode", target))
	return false, &ErrLockTimeout{Txn: txn, Resource: res, Mode: target, Timeout: m.conf.Timeout.Duration}
}

// registerWait adds edges from the waiter to every holder and every request
// queued ahead of it that conflicts with it, then looks for a cycle through
// the waiter. On a cycle the waiter's edges are dropped again. Must be
// called with e.mu held.
func (m *Manager) registerWait(e *entry, w *lockWaiter) []types.TxnID {
	txn, mode := w.Txn, waiterMode(w)
	m.graphMu.Lock()
	defer m.graphMu.Unlock()
	for holder, held := range e.granted {
		if holder != txn && !Compatible(held, mode) {
			m.graph.AddEdge(txn, holder)
		}
	}
	for _, ahead := range e.queue.Ahead(w) {
		if ahead.Txn != txn && !Compatible(waiterMode(ahead), mode) {
			m.graph.AddEdge(txn, ahead.Txn)
		}
	}
	if !m.conf.EnableDeadlockDetection {
		return nil
	}
	cycle := m.graph.DetectCycleFrom(txn)
	if cycle != nil {
		m.graph.RemoveEdgesFrom(txn)
	}
	return cycle
}

// wakeReady grants queued requests from the front of the queue while they
// are compatible with what is held. Must be called with e.mu held.
func (m *Manager) wakeReady(e *entry) {
	grantedNow := e.queue.WakeReady(func(w *lockWaiter) bool {
		mode := waiterMode(w)
		if !e.compatible(w.Txn, mode) {
			return false
		}
		e.granted[w.Txn] = mode
		m.recordGrant(w.Txn, e.resource, mode)
		return true
	})
	if len(grantedNow) == 0 {
		return
	}
	m.graphMu.Lock()
	defer m.graphMu.Unlock()
	for _, g := range grantedNow {
		m.graph.RemoveEdgesFrom(g.Txn)
	}
	// Requests still queued now also wait for the new holders.
	for _, w := range e.queue.Waiters() {
		for _, g := range grantedNow {
			if w.Txn != g.Txn && !Compatible(waiterMode(g), waiterMode(w)) {
				m.graph.AddEdge(w.Txn, g.Txn)
			}
		}
	}
}

func (m *Manager) recordGrant(txn types.TxnID, res Resource, mode Mode) {
	m.txnMu.Lock()
	defer m.txnMu.Unlock()
	held, ok := m.txnLocks[txn]
	if !ok {
		held = make(map[Resource]Mode)
		m.txnLocks[txn] = held
	}
	if _, existed := held[res]; !existed && res.Level == LevelRow {
		counts, ok := m.rowCounts[txn]
		if !ok {
			counts = make(map[Resource]int)
			m.rowCounts[txn] = counts
		}
		counts[TableResource(res.DB, res.Table)]++
	}
	held[res] = mode
}

func (m *Manager) forgetGrant(txn types.TxnID, res Resource) {
	m.txnMu.Lock()
	defer m.txnMu.Unlock()
	held := m.txnLocks[txn]
	if _, ok := held[res]; !ok {
		return
	}
	delete(held, res)
	if len(held) == 0 {
		delete(m.txnLocks, txn)
	}
	if res.Level == LevelRow {
		table := TableResource(res.DB, res.Table)
		if counts := m.rowCounts[txn]; counts != nil {
			if counts[table]--; counts[table] <= 0 {
				delete(counts, table)
			}
			if len(counts) == 0 {
				delete(m.rowCounts, txn)
			}
		}
	}
}

// Release drops the lock txn holds on res and grants whatever the release
// unblocked. Locks on descendants are not touched.
func (m *Manager) Release(txn types.TxnID, res Resource) error {
	e := m.lookup(res)
	if e == nil {
		return &ErrResourceNotLocked{Txn: txn, Resource: res}
	}
	e.mu.Lock()
	if _, ok := e.granted[txn]; e.evicted || !ok {
		e.mu.Unlock()
		return &ErrResourceNotLocked{Txn: txn, Resource: res}
	}
	delete(e.granted, txn)
	m.forgetGrant(txn, res)
	m.graphMu.Lock()
	for _, w := range e.queue.Waiters() {
		m.graph.RemoveEdge(w.Txn, txn)
	}
	m.graphMu.Unlock()
	m.wakeReady(e)
	idle := e.idle()
	e.mu.Unlock()
	if idle {
		m.tryEvict(e)
	}
	return nil
}

// ReleaseAll cancels the pending request of txn, if any, releases every
// lock it holds, finest granularity first, and removes it from the wait-for
// graph. It returns the number of locks released.
func (m *Manager) ReleaseAll(txn types.TxnID) int {
	m.txnMu.Lock()
	ref, waiting := m.waiting[txn]
	m.txnMu.Unlock()
	if waiting {
		e := ref.entry
		e.mu.Lock()
		if !ref.waiter.Granted() && e.queue.Remove(ref.waiter) {
			ref.waiter.Cancel()
			m.wakeReady(e)
		}
		e.mu.Unlock()
	}

	resources := m.Locks(txn)
	sort.Slice(resources, func(i, j int) bool { return resources[i].Level > resources[j].Level })
	released := 0
	for _, res := range resources {
		if err := m.Release(txn, res); err == nil {
			released++
		}
	}
	m.graphMu.Lock()
	m.graph.RemoveTxn(txn)
	m.graphMu.Unlock()
	return released
}

// Escalate replaces the row locks txn holds under table with one table X
// lock once their number reaches the escalation threshold. The ancestors of
// table are raised to IX first. It never waits: if any of these locks is not
// immediately available escalation is skipped and the row locks stay. It
// reports whether the locks were escalated.
func (m *Manager) Escalate(txn types.TxnID, table Resource) (bool, error) {
	if table.Level != LevelTable || m.conf.EscalationThreshold <= 0 {
		return false, nil
	}
	m.txnMu.Lock()
	count := m.rowCounts[txn][table]
	m.txnMu.Unlock()
	if count < m.conf.EscalationThreshold {
		return false, nil
	}
	ctx := context.Background()
	intent := IntentFor(ModeX)
	for _, ancestor := range table.Ancestors() {
		if m.coveredByAncestor(txn, ancestor, intent) {
			continue
		}
		ok, err := m.acquireOne(ctx, txn, ancestor, intent, false)
		if err != nil || !ok {
			return false, err
		}
	}
	ok, err := m.acquireOne(ctx, txn, table, ModeX, false)
	if err != nil || !ok {
		return false, err
	}
	var rows []Resource
	for _, res := range m.Locks(txn) {
		if res.Level == LevelRow && res.DB == table.DB && res.Table == table.Table {
			rows = append(rows, res)
		}
	}
	for _, row := range rows {
		if err := m.Release(txn, row); err != nil {
			return true, err
		}
	}
	lockEscalationCounter.Inc()
	log.Info("escalated row locks", zap.Uint64("txn", uint64(txn)), zap.Stringer("table", table), zap.Int("rows", len(rows)))
	return true, nil
}

// Held returns the mode txn holds on res.
func (m *Manager) Held(txn types.TxnID, res Resource) (Mode, bool) {
	m.txnMu.Lock()
	defer m.txnMu.Unlock()
	mode, ok := m.txnLocks[txn][res]
	return mode, ok
}

// Locks returns every resource txn holds a lock on.
func (m *Manager) Locks(txn types.TxnID) []Resource {
	m.txnMu.Lock()
	defer m.txnMu.Unlock()
	resources := make([]Resource, 0, len(m.txnLocks[txn]))
	for res := range m.txnLocks[txn] {
		resources = append(resources, res)
	}
	return resources
}

// Holders returns the transactions holding res and their modes.
func (m *Manager) Holders(res Resource) map[types.TxnID]Mode {
	e := m.lookup(res)
	if e == nil {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	holders := make(map[types.TxnID]Mode, len(e.granted))
	for txn, mode := range e.granted {
		holders[txn] = mode
	}
	return holders
}

// Stats is a point in time summary of the lock table.
type Stats struct {
	Resources    int `json:"resources"`
	Granted      int `json:"granted"`
	Waiting      int `json:"waiting"`
	Transactions int `json:"transactions"`
	WaitForEdges int `json:"wait_for_edges"`
}

func (m *Manager) Stats() Stats {
	var st Stats
	for _, s := range m.shards {
		s.mu.RLock()
		entries := make([]*entry, 0, len(s.entries))
		for _, e := range s.entries {
			entries = append(entries, e)
		}
		s.mu.RUnlock()
		for _, e := range entries {
			e.mu.Lock()
			if !e.evicted {
				st.Resources++
				st.Granted += len(e.granted)
				st.Waiting += e.queue.Len()
			}
			e.mu.Unlock()
		}
	}
	m.txnMu.Lock()
	st.Transactions = len(m.txnLocks)
	m.txnMu.Unlock()
	m.graphMu.Lock()
	st.WaitForEdges = m.graph.EdgeCount()
	m.graphMu.Unlock()
	return st
}
