package server

import (
	"net/http"
	"time"

	"github.com/docker/go-units"
	"github.com/gorilla/mux"
	"github.com/pingcap-incubator/tinytxn/kv/transaction/mvcc"
	"github.com/pingcap-incubator/tinytxn/kv/wal"
	"github.com/pingcap/log"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/unrolled/render"
	"github.com/urfave/negroni"
	"go.uber.org/zap"
)

const apiPrefix = "/api/v1"

// Status is the response of GET /api/v1/status.
type Status struct {
	NodeID         uint32 `json:"node_id"`
	RecoveryPhase  string `json:"recovery_phase"`
	LastLSN        uint64 `json:"last_lsn"`
	LastCheckpoint uint64 `json:"last_checkpoint"`
	ActiveTxns     int    `json:"active_txns"`
	Now            string `json:"now"`
}

// MVCCStatus is the response of GET /api/v1/mvcc.
type MVCCStatus struct {
	mvcc.Stats
	Serializable bool `json:"serializable"`
	SIActive     int  `json:"si_active"`
	SICommitted  int  `json:"si_committed"`
}

type walTxn struct {
	Txn     uint64 `json:"txn"`
	LastLSN uint64 `json:"last_lsn"`
}

type walPage struct {
	Page   uint64 `json:"page"`
	RecLSN uint64 `json:"rec_lsn"`
}

type walSegment struct {
	First uint64 `json:"first"`
	Last  uint64 `json:"last"`
	Size  string `json:"size"`
}

// WALStatus is the response of GET /api/v1/wal.
type WALStatus struct {
	LastLSN      uint64       `json:"last_lsn"`
	ActiveTxns   []walTxn     `json:"active_txns"`
	DirtyPages   []walPage    `json:"dirty_pages"`
	LastArchived uint64       `json:"last_archived"`
	Segments     []walSegment `json:"segments"`
}

type statusHandler struct {
	e  *Engine
	rd *render.Render
}

// NewHandler returns the status API of e, with the Prometheus metrics at
// /metrics.
func NewHandler(e *Engine) http.Handler {
	h := &statusHandler{
		e:  e,
		rd: render.New(render.Options{IndentJSON: true}),
	}
	router := mux.NewRouter()
	api := router.PathPrefix(apiPrefix).Subrouter()
	api.HandleFunc("/status", h.Status).Methods("GET")
	api.HandleFunc("/locks", h.Locks).Methods("GET")
	api.HandleFunc("/mvcc", h.MVCC).Methods("GET")
	api.HandleFunc("/wal", h.WAL).Methods("GET")
	api.HandleFunc("/checkpoint", h.Checkpoint).Methods("POST")
	api.HandleFunc("/gc", h.GC).Methods("POST")
	router.Handle("/metrics", promhttp.Handler())

	n := negroni.New(negroni.NewRecovery(), negroni.HandlerFunc(logRequest))
	n.UseHandler(router)
	return n
}

func logRequest(w http.ResponseWriter, r *http.Request, next http.HandlerFunc) {
	start := time.Now()
	next(w, r)
	status := 0
	if rw, ok := w.(negroni.ResponseWriter); ok {
		status = rw.Status()
	}
	log.Debug("status api request",
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path),
		zap.Int("status", status),
		zap.Duration("cost", time.Since(start)))
}

func (h *statusHandler) Status(w http.ResponseWriter, r *http.Request) {
	st := Status{
		NodeID:         h.e.conf.NodeID,
		RecoveryPhase:  h.e.recovery.State().String(),
		LastLSN:        uint64(h.e.log.LastLSN()),
		LastCheckpoint: uint64(h.e.checkpointer.LastCheckpoint()),
		Now:            time.Now().Format(time.RFC3339),
	}
	if txns, err := h.e.Txns(); err == nil {
		st.ActiveTxns = txns.ActiveCount()
	}
	h.rd.JSON(w, http.StatusOK, st)
}

func (h *statusHandler) Locks(w http.ResponseWriter, r *http.Request) {
	txns, err := h.e.Txns()
	if err != nil {
		h.rd.JSON(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	h.rd.JSON(w, http.StatusOK, txns.Locks().Stats())
}

func (h *statusHandler) MVCC(w http.ResponseWriter, r *http.Request) {
	txns, err := h.e.Txns()
	if err != nil {
		h.rd.JSON(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	si := txns.SnapshotIsolation()
	h.rd.JSON(w, http.StatusOK, MVCCStatus{
		Stats:        txns.Versions().Stats(),
		Serializable: si.Serializable(),
		SIActive:     si.ActiveCount(),
		SICommitted:  si.CommittedCount(),
	})
}

func (h *statusHandler) WAL(w http.ResponseWriter, r *http.Request) {
	st := WALStatus{
		LastLSN:    uint64(h.e.log.LastLSN()),
		ActiveTxns: []walTxn{},
		DirtyPages: []walPage{},
		Segments:   []walSegment{},
	}
	for _, t := range h.e.log.ActiveTxns() {
		st.ActiveTxns = append(st.ActiveTxns, walTxn{Txn: uint64(t.TxnID), LastLSN: uint64(t.LastLSN)})
	}
	for _, p := range h.e.log.DirtyPages() {
		st.DirtyPages = append(st.DirtyPages, walPage{Page: uint64(p.PageID), RecLSN: uint64(p.RecLSN)})
	}
	if a := h.e.archive; a != nil {
		st.LastArchived = uint64(a.LastArchivedLSN())
		st.Segments = segments(a)
	}
	h.rd.JSON(w, http.StatusOK, st)
}

func segments(a *wal.Archive) []walSegment {
	infos := a.Segments()
	out := make([]walSegment, 0, len(infos))
	for _, s := range infos {
		out = append(out, walSegment{First: uint64(s.First), Last: uint64(s.Last), Size: units.HumanSize(float64(s.Size))})
	}
	return out
}

func (h *statusHandler) Checkpoint(w http.ResponseWriter, r *http.Request) {
	lsn, err := h.e.Checkpoint()
	if err != nil {
		h.rd.JSON(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.rd.JSON(w, http.StatusOK, map[string]uint64{"lsn": uint64(lsn)})
}

func (h *statusHandler) GC(w http.ResponseWriter, r *http.Request) {
	removed, err := h.e.GarbageCollect()
	if err != nil {
		h.rd.JSON(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	h.rd.JSON(w, http.StatusOK, map[string]int{"removed": removed})
}
