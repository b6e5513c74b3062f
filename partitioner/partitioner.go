// Package partitioner implements the dependency-aware block partitioner
// (§4.6): it groups a block's transactions into shards so that a sharded
// run of the engine (package sharded) can execute each shard independently,
// discarding any transaction whose dependents cross a shard boundary.
package partitioner

import (
	"fmt"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/heimdalr/dag"

	"github.com/aptos-labs/block-stm-executor/core/blockstm"
)

// Transaction is the minimal view the partitioner needs of a block's
// transactions: who sent it, and which keys it reads and writes. The
// concrete analyzed-transaction shape lives with the caller; the
// partitioner only needs this read/write footprint.
type Transaction interface {
	Sender() string
	ReadSet() []blockstm.Key
	WriteSet() []blockstm.Key
}

// Status is a transaction's partitioning outcome.
type Status uint8

const (
	StatusAccepted Status = iota
	StatusDiscarded
)

// Result is the partitioner's output: per-shard accepted and discarded
// transaction indices, each paired with its original block index so the
// sharded orchestrator can reassemble block order afterward.
type Result struct {
	Accepted  map[int][]int // shard -> original indices, accepted
	Discarded map[int][]int // shard -> original indices, discarded
	Statuses  []Status      // by original index
}

// shardFor mirrors the source partitioner's get_shard_for_index: indices
// are assigned to shards in contiguous runs, not round-robin.
func shardFor(txnsPerShard, index int) int {
	if txnsPerShard == 0 {
		return 0
	}

	return index / txnsPerShard
}

// Partition splits txns into numShards shards, discarding a transaction when
// some other transaction that reads one of its writes (its "dependent") ends
// up assigned to a different shard (§4.6). Only this write-to-read relation
// counts as a dependency: two transactions that merely write, or merely
// read, the same key are never made to discard each other by this pass.
// Discarding then propagates along sender order: once any transaction from
// a sender is discarded, every later transaction from that sender is
// discarded too, mirroring nonce-ordering within an account.
func Partition(txns []Transaction, numShards int) Result {
	total := len(txns)
	if total == 0 {
		return Result{Accepted: map[int][]int{}, Discarded: map[int][]int{}}
	}

	if numShards < 1 {
		numShards = 1
	}

	txnsPerShard := (total + numShards - 1) / numShards

	dependentsOf := buildDependencyGraph(txns)

	statuses, processed := make([]Status, total), make([]bool, total)

	// Walk in reverse index order so that, by the time a transaction is
	// considered, every dependent with a higher index already has a
	// settled status: a dependent already Discarded can't itself cause a
	// cross-shard discard here, since it was never going to run anyway.
	for i := total - 1; i >= 0; i-- {
		currentShard := shardFor(txnsPerShard, i)
		discarded := false

		deps, ok := dependentsOf[i]
		if !ok {
			statuses[i] = StatusAccepted
			processed[i] = true
			continue
		}

		for dep := range deps {
			if processed[dep] && statuses[dep] == StatusDiscarded {
				continue
			}

			if shardFor(txnsPerShard, dep) != currentShard {
				discarded = true
				break
			}
		}

		statuses[i] = StatusAccepted
		if discarded {
			statuses[i] = StatusDiscarded
		}

		processed[i] = true
	}

	discardedSenders := make(map[string]bool)

	for i, txn := range txns {
		sender := txn.Sender()

		if discardedSenders[sender] {
			statuses[i] = StatusDiscarded
			continue
		}

		if statuses[i] == StatusDiscarded {
			discardedSenders[sender] = true
		}
	}

	res := Result{
		Accepted:  make(map[int][]int, numShards),
		Discarded: make(map[int][]int, numShards),
		Statuses:  statuses,
	}

	for s := 0; s < numShards; s++ {
		res.Accepted[s] = nil
		res.Discarded[s] = nil
	}

	for i := range txns {
		shard := shardFor(txnsPerShard, i)
		if statuses[i] == StatusAccepted {
			res.Accepted[shard] = append(res.Accepted[shard], i)
		} else {
			res.Discarded[shard] = append(res.Discarded[shard], i)
		}
	}

	return res
}

// buildDependencyGraph returns, for every transaction index w, the set of
// every other transaction that reads a key w writes (w's dependents).
// Unlike a full conflict graph, this intentionally ignores write-write and
// read-read overlap: only a write followed by a read of the same key
// creates the kind of cross-shard hazard this partitioner cares about.
func buildDependencyGraph(txns []Transaction) map[int]mapset.Set[int] {
	d := dag.NewDAG()

	for i := range txns {
		_ = d.AddVertexByID(vertexID(i), i)
	}

	writers := make(map[blockstm.Key][]int)
	readers := make(map[blockstm.Key][]int)

	for i, txn := range txns {
		for _, k := range txn.WriteSet() {
			writers[k] = append(writers[k], i)
		}

		for _, k := range txn.ReadSet() {
			readers[k] = append(readers[k], i)
		}
	}

	dependentsOf := make(map[int]mapset.Set[int], len(txns))

	for k, ws := range writers {
		for _, w := range ws {
			for _, r := range readers[k] {
				if r == w {
					continue
				}

				if dependentsOf[w] == nil {
					dependentsOf[w] = mapset.NewThreadUnsafeSet[int]()
				}

				dependentsOf[w].Add(r)

				// best effort: heimdalr/dag rejects duplicate or cyclic edges
				// silently via an error we intentionally discard; the DAG is
				// local to this function, is not returned, and is never
				// consulted for the discard decision itself.
				_ = d.AddEdge(vertexID(w), vertexID(r))
			}
		}
	}

	return dependentsOf
}

func vertexID(i int) string {
	return fmt.Sprintf("t%d", i)
}
