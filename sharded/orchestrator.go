// Package sharded fans a block out across independent engine instances,
// one per partitioner shard, and reassembles their outputs back into
// original block order (§4.7). It mirrors aptos-vm's
// sharded_block_executor: partition once, dispatch every shard
// concurrently, join, then splice results back together.
package sharded

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/aptos-labs/block-stm-executor/core/blockstm"
	"github.com/aptos-labs/block-stm-executor/partitioner"
)

// Shard is one partitioner-assigned group of transactions to run through
// its own blockstm.Engine, with its own gas budget (§9: "gas accounting is
// independent per shard").
type Shard struct {
	Indices     []int
	MaxBlockGas uint64
}

// ExecutionReport carries the DAG-derived diagnostics the orchestrator
// produces alongside its committed output, indexed by shard: the gas each
// shard's kept transactions used and the longest dependency chain observed
// in each shard (in original block indices), used the way bor's
// core/blockstm package surfaces DAG.LongestPath for post-run accounting.
type ExecutionReport struct {
	ShardGasUsed  []uint64
	LongestChains [][]int
}

// Orchestrator runs a partitioned block across one Engine per shard.
type Orchestrator struct {
	engineFor   func(shardIdx int) *blockstm.Engine
	base        blockstm.BaseStore
	work        blockstm.WorkFn
	gasOf       func(idx blockstm.TxnIndex) uint64
	maxBlockGas uint64
}

// NewOrchestrator builds an Orchestrator. engineFor constructs (or returns
// a cached) Engine for shard i, letting callers give each shard its own
// concurrency level; gasOf reports the gas a transaction is expected to
// use, consulted independently per shard against maxBlockGas (§9: "gas
// accounting is independent per shard"). A zero maxBlockGas disables the
// budget.
func NewOrchestrator(engineFor func(int) *blockstm.Engine, base blockstm.BaseStore, work blockstm.WorkFn, gasOf func(blockstm.TxnIndex) uint64, maxBlockGas uint64) *Orchestrator {
	return &Orchestrator{engineFor: engineFor, base: base, work: work, gasOf: gasOf, maxBlockGas: maxBlockGas}
}

// Run partitions txns into numShards shards, executes every shard
// concurrently, and returns outputs indexed by original block position.
// Discarded indices (cross-shard conflicts) and any index beyond a shard's
// gas budget are returned as Retry sentinels rather than executed.
func (o *Orchestrator) Run(ctx context.Context, txns []partitioner.Transaction, numShards int) ([]blockstm.TransactionOutput, ExecutionReport, error) {
	n := len(txns)
	outputs := make([]blockstm.TransactionOutput, n)

	if n == 0 {
		return outputs, ExecutionReport{}, nil
	}

	result := partitioner.Partition(txns, numShards)

	for _, indices := range result.Discarded {
		for _, idx := range indices {
			outputs[idx] = blockstm.TransactionOutput{Retry: true}
		}
	}

	report := ExecutionReport{
		ShardGasUsed:  make([]uint64, numShards),
		LongestChains: make([][]int, numShards),
	}

	var reportMu sync.Mutex

	group, gctx := errgroup.WithContext(ctx)

	for shardIdx, indices := range result.Accepted {
		shardIdx, indices := shardIdx, indices

		group.Go(func() error {
			kept, gasUsed := o.applyGasBudget(indices)
			report.ShardGasUsed[shardIdx] = gasUsed

			for _, idx := range indices {
				if !contains(kept, idx) {
					outputs[idx] = blockstm.TransactionOutput{Retry: true}
				}
			}

			if len(kept) == 0 {
				return nil
			}

			local := o.engineFor(shardIdx)

			res, err := local.Run(gctx, len(kept), o.base, remapWork(o.work, kept))
			if err != nil {
				return err
			}

			for i, idx := range kept {
				outputs[idx] = res.Outputs[i]
			}

			chain := longestChain(res, kept)

			reportMu.Lock()
			report.LongestChains[shardIdx] = chain
			reportMu.Unlock()

			return nil
		})
	}

	if err := group.Wait(); err != nil {
		return nil, ExecutionReport{}, err
	}

	return outputs, report, nil
}

// applyGasBudget walks indices in block order, keeping a prefix whose
// cumulative gas (estimated via gasOf, which the caller may derive from a
// prior dry run or a static cost table) stays within the shard's own
// budget, and discarding the remainder as Retry.
func (o *Orchestrator) applyGasBudget(indices []int) ([]int, uint64) {
	if o.gasOf == nil || o.maxBlockGas == 0 {
		return indices, 0
	}

	var used uint64

	kept := make([]int, 0, len(indices))

	for _, idx := range indices {
		g := o.gasOf(idx)
		if used+g > o.maxBlockGas {
			break
		}

		used += g
		kept = append(kept, idx)
	}

	return kept, used
}

func contains(xs []int, v int) bool {
	for _, x := range xs {
		if x == v {
			return true
		}
	}

	return false
}

// longestChain rebuilds the shard-local dependency DAG from a completed
// run's captured inputs/outputs/timings and translates its longest chain
// back into original block indices, for ExecutionReport.LongestChains.
func longestChain(res blockstm.BlockResult, kept []int) []int {
	localOutputs := make([]blockstm.TxnOutput, len(res.Outputs))
	for i, out := range res.Outputs {
		localOutputs[i] = blockstm.TxnOutput{Writes: out.Writes}
	}

	d := blockstm.BuildDependencyDAG(res.Inputs, localOutputs)

	path, _ := d.LongestPath(res.Stats)

	chain := make([]int, len(path))
	for i, local := range path {
		chain[i] = kept[local]
	}

	return chain
}

// remapWork adapts a block-global WorkFn to a shard-local index space: kept
// lists the original indices assigned to this shard, in order, so the
// engine (which thinks in terms of 0..len(kept)) can call back into the
// original transaction.
func remapWork(work blockstm.WorkFn, kept []int) blockstm.WorkFn {
	return func(localIdx blockstm.TxnIndex, view *blockstm.View) (blockstm.TxnOutput, error) {
		return work(kept[localIdx], view)
	}
}
