package blockstm

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/heimdalr/dag"
)

// ExecutionStat is the wall-clock window one committed incarnation ran in,
// used only for the longest-path diagnostic below; it plays no role in
// correctness.
type ExecutionStat struct {
	Start time.Duration
	End   time.Duration
}

// DAG wraps heimdalr/dag's directed acyclic graph with the transaction
// read/write dependency relation, so callers can ask for the longest
// execution chain a block's scheduler had to respect.
type DAG struct {
	*dag.DAG
}

// HasReadDep reports whether in's read set overlaps out's write or delta
// set: a transaction that produced out is a dependency of whatever read
// one of the same keys.
func HasReadDep(out TxnOutput, in TxnInput) bool {
	written := out.AllWritten()

	for _, rd := range in {
		if _, ok := written[rd.Key]; ok {
			return true
		}
	}

	return false
}

// BuildDependencyDAG reconstructs the read/write dependency graph a
// committed block actually exhibited, from its final per-transaction
// inputs and outputs. It's an O(n^2) reconstruction, acceptable for a
// diagnostic pass over one already-committed block rather than a hot path.
func BuildDependencyDAG(inputs []TxnInput, outputs []TxnOutput) DAG {
	d := DAG{dag.NewDAG()}
	ids := make(map[int]string, len(inputs))

	vertexFor := func(i int) string {
		if id, ok := ids[i]; ok {
			return id
		}

		id, _ := d.AddVertex(i)
		ids[i] = id

		return id
	}

	for i := range inputs {
		vertexFor(i)
	}

	for i := len(inputs) - 1; i > 0; i-- {
		txTo := inputs[i]

		for j := i - 1; j >= 0; j-- {
			if !HasReadDep(outputs[j], txTo) {
				continue
			}

			if err := d.AddEdge(vertexFor(j), vertexFor(i)); err != nil {
				log.Debug("blockstm: dependency edge rejected", "from", j, "to", i, "err", err)
			}
		}
	}

	return d
}

// LongestPath finds the longest chain of dependent transactions in the
// DAG, weighted by each transaction's observed execution time: the chain
// that bounds how much a correctly-scheduled run could have parallelised
// this block, regardless of how many workers were available.
func (d DAG) LongestPath(stats map[int]ExecutionStat) ([]int, time.Duration) {
	vertices := d.GetVertices()

	idxToID := make(map[int]string, len(vertices))
	for id, v := range vertices {
		idxToID[v.(int)] = id
	}

	prev := make(map[int]int, len(vertices))
	weight := make(map[int]time.Duration, len(vertices))

	best, bestWeight := -1, time.Duration(0)

	for i := 0; i < len(idxToID); i++ {
		prev[i] = -1

		dur := stats[i].End - stats[i].Start

		parents, _ := d.GetParents(idxToID[i])
		for _, p := range parents {
			pi := p.(int)
			if cand := weight[pi] + dur; cand > weight[i] {
				weight[i] = cand
				prev[i] = pi
			}
		}

		if len(parents) == 0 {
			weight[i] = dur
		}

		if weight[i] > bestWeight {
			best, bestWeight = i, weight[i]
		}
	}

	var path []int
	for i := best; i != -1; i = prev[i] {
		path = append(path, i)
	}

	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}

	return path, bestWeight
}

// Report renders the longest-path diagnostic as human-readable lines,
// handed to out one line at a time so callers can route it through their
// own logger instead of stdout.
func (d DAG) Report(stats map[int]ExecutionStat, out func(string)) {
	path, weight := d.LongestPath(stats)

	var serial time.Duration
	for i := 0; i < len(d.GetVertices()); i++ {
		serial += stats[i].End - stats[i].Start
	}

	strs := make([]string, len(path))
	for i, v := range path {
		strs[i] = fmt.Sprint(v)
	}

	out(fmt.Sprintf("longest dependency chain: (%d) %s", len(path), strings.Join(strs, "->")))

	if serial > 0 {
		out(fmt.Sprintf("chain critical time: %v of %v serial, %.1f%%", weight, serial, float64(weight)*100.0/float64(serial)))
	}
}
