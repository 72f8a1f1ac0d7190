package locks

import (
	"sort"

	"github.com/pingcap-incubator/tinytxn/kv/transaction/types"
)

// WaitForGraph has an edge a -> b when transaction a waits for a lock b
// holds or has requested ahead of it. It is not safe for concurrent use.
type WaitForGraph struct {
	edges map[types.TxnID]map[types.TxnID]struct{}
}

func NewWaitForGraph() *WaitForGraph {
	return &WaitForGraph{edges: make(map[types.TxnID]map[types.TxnID]struct{})}
}

func (g *WaitForGraph) AddEdge(from, to types.TxnID) {
	if from == to {
		return
	}
	out, ok := g.edges[from]
	if !ok {
		out = make(map[types.TxnID]struct{})
		g.edges[from] = out
	}
	out[to] = struct{}{}
}

func (g *WaitForGraph) RemoveEdge(from, to types.TxnID) {
	if out, ok := g.edges[from]; ok {
		delete(out, to)
		if len(out) == 0 {
			delete(g.edges, from)
		}
	}
}

// RemoveEdgesFrom drops every edge leaving txn. A transaction waits on one
// request at a time, so this clears its wait.
func (g *WaitForGraph) RemoveEdgesFrom(txn types.TxnID) {
	delete(g.edges, txn)
}

// RemoveTxn drops txn and every edge touching it.
func (g *WaitForGraph) RemoveTxn(txn types.TxnID) {
	delete(g.edges, txn)
	for from := range g.edges {
		g.RemoveEdge(from, txn)
	}
}

// EdgeCount returns the number of edges.
func (g *WaitForGraph) EdgeCount() int {
	n := 0
	for _, out := range g.edges {
		n += len(out)
	}
	return n
}

// WaitsFor returns the transactions txn waits for, sorted.
func (g *WaitForGraph) WaitsFor(txn types.TxnID) []types.TxnID {
	out := make([]types.TxnID, 0, len(g.edges[txn]))
	for to := range g.edges[txn] {
		out = append(out, to)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// DetectCycleFrom looks for a cycle through start. It returns the cycle as
// a path beginning and ending with start, or nil.
func (g *WaitForGraph) DetectCycleFrom(start types.TxnID) []types.TxnID {
	visited := make(map[types.TxnID]bool)
	path := []types.TxnID{start}
	var dfs func(txn types.TxnID) bool
	dfs = func(txn types.TxnID) bool {
		for _, next := range g.WaitsFor(txn) {
			if next == start {
				path = append(path, start)
				return true
			}
			if visited[next] {
				continue
			}
			visited[next] = true
			path = append(path, next)
			if dfs(next) {
				return true
			}
			path = path[:len(path)-1]
		}
		return false
	}
	visited[start] = true
	if dfs(start) {
		return path
	}
	return nil
}

// DetectCycle returns some cycle in the graph, or nil.
func (g *WaitForGraph) DetectCycle() []types.TxnID {
	txns := make([]types.TxnID, 0, len(g.edges))
	for txn := range g.edges {
		txns = append(txns, txn)
	}
	sort.Slice(txns, func(i, j int) bool { return txns[i] < txns[j] })
	for _, txn := range txns {
		if cycle := g.DetectCycleFrom(txn); cycle != nil {
			return cycle
		}
	}
	return nil
}
