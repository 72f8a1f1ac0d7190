package server

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/pingcap-incubator/tinytxn/kv/config"
	"github.com/pingcap-incubator/tinytxn/kv/recovery"
	"github.com/pingcap-incubator/tinytxn/kv/storage"
	"github.com/pingcap-incubator/tinytxn/kv/transaction"
	"github.com/pingcap-incubator/tinytxn/kv/transaction/types"
	"github.com/pingcap-incubator/tinytxn/kv/util/worker"
	"github.com/pingcap-incubator/tinytxn/kv/wal"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// ErrEngineClosed is returned by operations on a closed engine.
var ErrEngineClosed = errors.New("engine is closed")

// ErrNotRecovered is returned when transactions are requested before Start.
var ErrNotRecovered = errors.New("engine has not been recovered")

// Engine owns one node's log, pages and transaction layer. Open it with
// NewEngine, optionally run point-in-time recovery, then Start.
type Engine struct {
	conf *config.Config

	store   wal.Store
	log     *wal.Manager
	archive *wal.Archive
	pages   *storage.MemPageStore

	recovery     *recovery.Manager
	checkpointer *recovery.Checkpointer
	txns         *transaction.Manager

	wg      *sync.WaitGroup
	worker  *worker.Worker
	tickers []*worker.Ticker

	started *atomic.Bool
	closed  *atomic.Bool
	// lastRecovery is set by Start.
	lastRecovery *recovery.Result
}

// NewEngine opens the log described by conf. Pages live in memory; the log
// is the only durable state, so every start replays it.
func NewEngine(conf *config.Config) (*Engine, error) {
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	var store wal.Store
	switch conf.WAL.Engine {
	case config.WALEngineBadger:
		s, err := wal.OpenBadgerStore(filepath.Join(conf.DataDir, "wal"), conf.WAL.SyncWrites)
		if err != nil {
			return nil, errors.Annotate(err, "open wal")
		}
		store = s
	default:
		store = wal.NewMemStore()
	}
	l, err := wal.NewManager(store)
	if err != nil {
		store.Close()
		return nil, err
	}

	e := &Engine{
		conf:         conf,
		store:        store,
		log:          l,
		pages:        storage.NewMemPageStore(),
		checkpointer: recovery.NewCheckpointer(l),
		wg:           new(sync.WaitGroup),
		started:      atomic.NewBool(false),
		closed:       atomic.NewBool(false),
	}
	e.pages.OnFlush(l.MarkPageClean)
	e.recovery = recovery.NewManager(l, e.pages, conf.Recovery)
	if conf.WAL.EnableArchive {
		size, _ := conf.WAL.SegmentSize()
		a, err := wal.OpenArchive(filepath.Join(conf.DataDir, "archive"), size)
		if err != nil {
			store.Close()
			return nil, errors.Annotate(err, "open wal archive")
		}
		e.archive = a
		e.recovery.SetArchive(a)
	}
	log.Info("engine opened",
		zap.String("wal-engine", conf.WAL.Engine),
		zap.String("data-dir", conf.DataDir),
		zap.Uint64("last-lsn", uint64(l.LastLSN())),
		zap.Bool("archive", e.archive != nil))
	return e, nil
}

// RecoverToTime truncates the log to target and recovers what remains. It
// must be called before Start.
func (e *Engine) RecoverToTime(ctx context.Context, target time.Time) (*recovery.Result, error) {
	if e.started.Load() {
		return nil, errors.New("point-in-time recovery on a started engine")
	}
	res, err := e.recovery.RecoverToTime(ctx, target)
	if err != nil {
		return nil, err
	}
	e.lastRecovery = res
	return res, nil
}

// Start recovers the log, reloads committed versions and starts the
// periodic checkpoint and garbage collection tasks.
func (e *Engine) Start(ctx context.Context) error {
	if e.closed.Load() {
		return ErrEngineClosed
	}
	if !e.started.CAS(false, true) {
		return nil
	}
	if e.recovery.State() != recovery.PhaseCompleted {
		res, err := e.recovery.Recover(ctx)
		if err != nil {
			return err
		}
		e.lastRecovery = res
	}
	txns := transaction.NewManager(e.conf, e.log, e.pages, e.recovery, nil)
	if _, err := txns.Rebuild(e.log); err != nil {
		return err
	}
	e.txns = txns

	e.worker = worker.NewWorker("background", e.wg)
	e.worker.Start(&backgroundHandler{e: e})
	e.tickers = []*worker.Ticker{
		worker.NewTicker(e.worker, e.conf.Checkpoint.Interval.Duration, func() worker.Task { return checkpointTask{} }),
		worker.NewTicker(e.worker, e.conf.MVCC.GCInterval.Duration, func() worker.Task { return gcTask{} }),
	}
	for _, t := range e.tickers {
		t.Start(e.wg)
	}
	log.Info("engine started", zap.Uint64("last-lsn", uint64(e.log.LastLSN())))
	return nil
}

// Txns returns the transaction manager, or ErrNotRecovered before Start.
func (e *Engine) Txns() (*transaction.Manager, error) {
	if e.closed.Load() {
		return nil, ErrEngineClosed
	}
	if e.txns == nil {
		return nil, ErrNotRecovered
	}
	return e.txns, nil
}

func (e *Engine) Config() *config.Config {
	return e.conf
}

func (e *Engine) Log() *wal.Manager {
	return e.log
}

func (e *Engine) Recovery() *recovery.Manager {
	return e.recovery
}

func (e *Engine) LastRecovery() *recovery.Result {
	return e.lastRecovery
}

// Checkpoint takes a fuzzy checkpoint and, if archiving is enabled, copies
// the new part of the log into the archive.
func (e *Engine) Checkpoint() (types.LSN, error) {
	if e.closed.Load() {
		return types.InvalidLSN, ErrEngineClosed
	}
	lsn, err := e.checkpointer.Checkpoint()
	if err != nil {
		return types.InvalidLSN, err
	}
	if e.archive != nil {
		if _, err := e.archive.ArchiveFrom(e.log); err != nil {
			return lsn, errors.Annotate(err, "archive wal")
		}
	}
	return lsn, nil
}

// GarbageCollect drops unreachable versions.
func (e *Engine) GarbageCollect() (int, error) {
	txns, err := e.Txns()
	if err != nil {
		return 0, err
	}
	return txns.GarbageCollect(), nil
}

// Close stops background work and closes the log.
func (e *Engine) Close() error {
	if !e.closed.CAS(false, true) {
		return nil
	}
	for _, t := range e.tickers {
		t.Stop()
	}
	if e.worker != nil {
		e.worker.Stop()
	}
	e.wg.Wait()
	log.Info("engine closed", zap.Uint64("last-lsn", uint64(e.log.LastLSN())))
	return e.log.Close()
}

type checkpointTask struct{}

type gcTask struct{}

type backgroundHandler struct {
	e *Engine
}

func (h *backgroundHandler) Handle(t worker.Task) {
	if h.e.closed.Load() {
		return
	}
	switch t.(type) {
	case checkpointTask:
		if _, err := h.e.Checkpoint(); err != nil {
			log.Error("periodic checkpoint failed", zap.Error(err))
		}
	case gcTask:
		if _, err := h.e.GarbageCollect(); err != nil {
			log.Error("periodic gc failed", zap.Error(err))
		}
	default:
		log.Warn("unknown background task", zap.Any("task", t))
	}
}
