// Command blockstm-bench runs a JSON-described block of synthetic
// transactions through the engine and reports wall-clock time plus the
// longest dependency chain the scheduler had to respect, the way
// aptos-move/aptos-transaction-benchmarks drives its engine from a
// generated workload. When the config asks for more than one shard, it
// routes the block through the partitioner and sharded orchestrator
// instead of a single Engine.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/holiman/uint256"
	"github.com/urfave/cli/v2"

	"github.com/aptos-labs/block-stm-executor/config"
	"github.com/aptos-labs/block-stm-executor/core/blockstm"
	"github.com/aptos-labs/block-stm-executor/partitioner"
	"github.com/aptos-labs/block-stm-executor/sharded"
	"github.com/aptos-labs/block-stm-executor/storage"
)

// fixtureTxn is one transaction in the benchmark's JSON workload format: a
// sender (for partitioner sender-ordering) plus a fixed list of reads and
// writes, each write optionally a "+n"/"-n" delta against an aggregator key
// instead of a plain value. Gas is an optional flat cost consulted against
// the config's max_block_gas per-shard budget; a fixture that omits it runs
// unbounded.
type fixtureTxn struct {
	Sender string         `json:"sender"`
	Reads  []string       `json:"reads"`
	Writes []fixtureWrite `json:"writes"`
	Fail   bool           `json:"fail"`
	Gas    uint64         `json:"gas"`
}

type fixtureWrite struct {
	Key   string `json:"key"`
	Value string `json:"value"`
	Delta string `json:"delta"`
}

func (t fixtureTxn) ReadSet() []blockstm.Key {
	keys := make([]blockstm.Key, len(t.Reads))
	for i, r := range t.Reads {
		keys[i] = blockstm.Key(r)
	}

	return keys
}

func (t fixtureTxn) WriteSet() []blockstm.Key {
	keys := make([]blockstm.Key, len(t.Writes))
	for i, w := range t.Writes {
		keys[i] = blockstm.Key(w.Key)
	}

	return keys
}

func main() {
	app := &cli.App{
		Name:  "blockstm-bench",
		Usage: "run a block fixture through the speculative executor",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "fixture", Required: true, Usage: "path to a JSON block fixture"},
			&cli.StringFlag{Name: "config", Usage: "path to a TOML config file"},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		log.Error("blockstm-bench failed", "err", err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	cfg := config.DefaultConfig()

	if path := c.String("config"); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return err
		}

		cfg = loaded
	}

	raw, err := os.ReadFile(c.String("fixture"))
	if err != nil {
		return fmt.Errorf("read fixture: %w", err)
	}

	var txns []fixtureTxn
	if err := json.Unmarshal(raw, &txns); err != nil {
		return fmt.Errorf("parse fixture: %w", err)
	}

	base := storage.NewMapStore()
	work := workFn(txns)

	start := time.Now()

	var outputs []blockstm.TransactionOutput

	if cfg.NumShards > 1 {
		var report sharded.ExecutionReport

		outputs, report, err = runSharded(c.Context, cfg, txns, base, work)
		if err != nil {
			return err
		}

		printSummary(txns, outputs, time.Since(start))

		for shardIdx, chain := range report.LongestChains {
			if len(chain) == 0 {
				continue
			}

			fmt.Printf("shard %d: gas used %d, longest chain %v\n", shardIdx, report.ShardGasUsed[shardIdx], chain)
		}

		return nil
	}

	res, err := runSingle(c.Context, cfg, len(txns), base, work)
	if err != nil {
		return err
	}

	outputs = res.Outputs
	printSummary(txns, outputs, time.Since(start))

	d := blockstm.BuildDependencyDAG(res.Inputs, toOutputs(res.Outputs))
	d.Report(res.Stats, func(line string) { fmt.Println(line) })

	return nil
}

func printSummary(txns []fixtureTxn, outputs []blockstm.TransactionOutput, elapsed time.Duration) {
	committed, failed, retried := 0, 0, 0

	for _, out := range outputs {
		switch {
		case out.Retry:
			retried++
		case out.Err != nil:
			failed++
		default:
			committed++
		}
	}

	fmt.Printf("ran %d transactions in %v: %d committed, %d failed, %d retried\n", len(txns), elapsed, committed, failed, retried)
}

func toOutputs(outs []blockstm.TransactionOutput) []blockstm.TxnOutput {
	converted := make([]blockstm.TxnOutput, len(outs))
	for i, o := range outs {
		converted[i] = blockstm.TxnOutput{Writes: o.Writes}
	}

	return converted
}

// runSingle drives the whole block through one Engine, the way a
// num_shards=1 config effectively degenerates to no partitioning at all.
func runSingle(ctx context.Context, cfg *config.Config, n int, base blockstm.BaseStore, work blockstm.WorkFn) (blockstm.BlockResult, error) {
	engine := blockstm.NewEngine(blockstm.EngineConfig{
		ConcurrencyLevel:      cfg.ConcurrencyLevel,
		ShortcutsOn:           cfg.DeltaReadShortcut,
		ModuleConflictIsFatal: cfg.ModuleConflictIsFatal,
	}, log.Root())

	return engine.Run(ctx, n, base, work)
}

// runSharded partitions the block across cfg.NumShards and runs each shard
// through its own Engine concurrently.
func runSharded(ctx context.Context, cfg *config.Config, txns []fixtureTxn, base blockstm.BaseStore, work blockstm.WorkFn) ([]blockstm.TransactionOutput, sharded.ExecutionReport, error) {
	analyzed := make([]partitioner.Transaction, len(txns))
	for i, t := range txns {
		analyzed[i] = fixtureTransaction{t}
	}

	engineFor := func(int) *blockstm.Engine {
		return blockstm.NewEngine(blockstm.EngineConfig{
			ConcurrencyLevel:      cfg.ConcurrencyLevel,
			ShortcutsOn:           cfg.DeltaReadShortcut,
			ModuleConflictIsFatal: cfg.ModuleConflictIsFatal,
		}, log.Root())
	}

	gasOf := func(idx blockstm.TxnIndex) uint64 { return txns[idx].Gas }

	orch := sharded.NewOrchestrator(engineFor, base, work, gasOf, cfg.MaxBlockGas)

	return orch.Run(ctx, analyzed, cfg.NumShards)
}

// fixtureTransaction adapts fixtureTxn to partitioner.Transaction; kept
// separate from fixtureTxn's own methods since fixtureTxn.Sender is itself
// the JSON field name and partitioner.Transaction needs a Sender() method.
type fixtureTransaction struct {
	fixtureTxn
}

func (t fixtureTransaction) Sender() string { return t.fixtureTxn.Sender }

func workFn(txns []fixtureTxn) blockstm.WorkFn {
	return func(idx blockstm.TxnIndex, view *blockstm.View) (blockstm.TxnOutput, error) {
		t := txns[idx]

		out := blockstm.TxnOutput{}

		for _, r := range t.Reads {
			_, _ = view.ReadValue(blockstm.Key(r))
		}

		for _, w := range t.Writes {
			switch {
			case w.Delta != "":
				n, neg := parseDelta(w.Delta)
				if neg {
					out.Deltas = append(out.Deltas, blockstm.DeltaWrite{Key: blockstm.Key(w.Key), Op: blockstm.NegativeDelta(n)})
				} else {
					out.Deltas = append(out.Deltas, blockstm.DeltaWrite{Key: blockstm.Key(w.Key), Op: blockstm.PositiveDelta(n, nil)})
				}
			default:
				out.Writes = append(out.Writes, blockstm.WriteOp{
					Key:   blockstm.Key(w.Key),
					Value: blockstm.Value{Tag: blockstm.ValueModification, Bytes: []byte(w.Value)},
				})
			}
		}

		if t.Fail {
			return out, fmt.Errorf("transaction %d: simulated user failure", idx)
		}

		return out, nil
	}
}

func parseDelta(s string) (*uint256.Int, bool) {
	neg := len(s) > 0 && s[0] == '-'

	digits := s
	if len(s) > 0 && (s[0] == '+' || s[0] == '-') {
		digits = s[1:]
	}

	magnitude, err := strconv.ParseUint(digits, 10, 64)
	if err != nil {
		magnitude = 0
	}

	return uint256.NewInt(magnitude), neg
}
