package blockstm

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/JekaMas/workerpool"
	"github.com/ethereum/go-ethereum/log"
	"github.com/google/uuid"
)

// ModulePath reports whether key refers to module (code) storage rather
// than resource/data storage. The engine uses it to detect the read/write
// pattern in §7 that it can't speculate through safely: a transaction
// reading a module another transaction in the same block publishes.
type ModulePath func(key Key) bool

// EngineConfig configures one block's execution.
type EngineConfig struct {
	// ConcurrencyLevel is the number of worker goroutines dispatching
	// execution and validation tasks. Defaults to 8.
	ConcurrencyLevel int

	// ShortcutsOn toggles the §4.1 step 5 cached-resolution shortcut path.
	ShortcutsOn bool

	// IsModulePath classifies keys for the module read/write check. A nil
	// value disables the check entirely.
	IsModulePath ModulePath

	// ModuleConflictIsFatal controls what Run does when it detects the §7
	// module path read/write pattern: true re-runs the block sequentially
	// and returns its (correct, by construction) outputs; false surfaces
	// ErrModulePathReadWrite directly and leaves the retry to the caller.
	ModuleConflictIsFatal bool
}

func (c EngineConfig) withDefaults() EngineConfig {
	if c.ConcurrencyLevel <= 0 {
		c.ConcurrencyLevel = 8
	}

	if c.IsModulePath == nil {
		c.IsModulePath = func(Key) bool { return false }
	}

	return c
}

// BlockResult is the materialised, block-order output of running a block,
// plus the diagnostics needed to build a DAG.LongestPath report over it.
type BlockResult struct {
	Outputs []TransactionOutput
	Inputs  []TxnInput
	Stats   map[int]ExecutionStat
}

// Engine runs a block of transactions through the speculative
// execute/validate/commit loop described in §4.2 and §4.4, then resolves
// any deferred aggregator deltas (§4.5) before returning.
type Engine struct {
	cfg EngineConfig
	log log.Logger
}

// NewEngine builds an Engine. Pass a nil logger to use log.Root(), matching
// how the source code's components are constructed from a parent logger.
func NewEngine(cfg EngineConfig, logger log.Logger) *Engine {
	if logger == nil {
		logger = log.Root()
	}

	return &Engine{cfg: cfg.withDefaults(), log: logger}
}

// Run executes n transactions via work, reading storage that no in-block
// write covers from base. When the block contains the module conflict
// pattern from §7, it either falls back to a sequential re-run (when
// cfg.ModuleConflictIsFatal) or returns ErrModulePathReadWrite so the
// caller can decide how to retry.
func (e *Engine) Run(ctx context.Context, n int, base BaseStore, work WorkFn) (BlockResult, error) {
	if n == 0 {
		return BlockResult{}, nil
	}

	runID := uuid.New().String()

	store := NewMVStore(e.cfg.ShortcutsOn)
	sched := NewScheduler(n)
	io := NewLastInputOutput(n)

	blockStart := time.Now()
	stats := make(map[int]ExecutionStat, n)

	e.log.Debug("blockstm: starting block run", "run", runID, "txns", n, "workers", e.cfg.ConcurrencyLevel)

	var (
		mu       sync.Mutex
		firstErr error
	)

	fail := func(err error) {
		mu.Lock()
		defer mu.Unlock()

		if firstErr == nil {
			firstErr = err
			e.log.Error("blockstm: aborting block", "run", runID, "err", err)
		}
	}

	hasErr := func() bool {
		mu.Lock()
		defer mu.Unlock()

		return firstErr != nil
	}

	workers := e.cfg.ConcurrencyLevel
	pool := workerpool.New(workers)

	var wg sync.WaitGroup
	wg.Add(workers)

	for i := 0; i < workers; i++ {
		pool.Submit(func() {
			defer wg.Done()
			e.workerLoop(ctx, store, sched, io, base, work, fail, hasErr, blockStart, stats, &mu)
		})
	}

	pool.StopWait()
	wg.Wait()

	if firstErr != nil {
		return BlockResult{}, firstErr
	}

	if e.detectModuleConflict(n, io) {
		if !e.cfg.ModuleConflictIsFatal {
			return BlockResult{}, ErrModulePathReadWrite
		}

		e.log.Error("blockstm: module path read/write conflict, falling back to sequential execution", "run", runID)

		return e.runSequential(n, base, work)
	}

	resolver := NewDeltaResolver(store)

	deltaWrites, err := resolver.Resolve(collectAggregatorKeys(n, io), n)
	if err != nil {
		return BlockResult{}, err
	}

	outputs := make([]TransactionOutput, n)
	inputs := make([]TxnInput, n)

	for i := 0; i < n; i++ {
		out, _ := io.Output(i)
		inputs[i] = io.Input(i)

		writes := make([]WriteOp, 0, len(out.Writes)+len(deltaWrites[i]))
		writes = append(writes, out.Writes...)
		writes = append(writes, deltaWrites[i]...)

		outputs[i] = TransactionOutput{Writes: writes, Err: out.Err}
	}

	e.log.Debug("blockstm: finished block run", "run", runID, "elapsed", time.Since(blockStart))

	return BlockResult{Outputs: outputs, Inputs: inputs, Stats: stats}, nil
}

// runSequential replays work against base plus every earlier transaction's
// committed writes, strictly in TxnIndex order (§4.2: "the driver must
// re-run sequentially"). A single incarnation per index, committed
// immediately, can never observe a stale value or need to abort, so the §7
// module-path hazard that forced this fallback can't recur here: whichever
// transaction reads a module sees exactly what true sequential order
// already committed for it.
func (e *Engine) runSequential(n int, base BaseStore, work WorkFn) (BlockResult, error) {
	store := NewMVStore(e.cfg.ShortcutsOn)
	io := NewLastInputOutput(n)

	for idx := 0; idx < n; idx++ {
		view := newView(idx, store, base, func() TxnIndex { return idx })

		out, workErr := work(idx, view)
		if workErr != nil {
			out.Err = workErr
		}

		for _, w := range out.Writes {
			store.AddWrite(w.Key, Version{TxnIndex: idx, Incarnation: 0}, w.Value)
		}

		for _, d := range out.Deltas {
			store.AddDelta(d.Key, idx, d.Op)
		}

		io.Record(idx, view.takeInput(), out)
	}

	resolver := NewDeltaResolver(store)

	deltaWrites, err := resolver.Resolve(collectAggregatorKeys(n, io), n)
	if err != nil {
		return BlockResult{}, err
	}

	outputs := make([]TransactionOutput, n)
	inputs := make([]TxnInput, n)

	for i := 0; i < n; i++ {
		out, _ := io.Output(i)
		inputs[i] = io.Input(i)

		writes := make([]WriteOp, 0, len(out.Writes)+len(deltaWrites[i]))
		writes = append(writes, out.Writes...)
		writes = append(writes, deltaWrites[i]...)

		outputs[i] = TransactionOutput{Writes: writes, Err: out.Err}
	}

	return BlockResult{Outputs: outputs, Inputs: inputs}, nil
}

func (e *Engine) workerLoop(
	ctx context.Context,
	store *MVStore,
	sched *Scheduler,
	io *LastInputOutput,
	base BaseStore,
	work WorkFn,
	fail func(error),
	hasErr func() bool,
	blockStart time.Time,
	stats map[int]ExecutionStat,
	statsMu *sync.Mutex,
) {
	for {
		select {
		case <-ctx.Done():
			fail(ctx.Err())
			return
		default:
		}

		if hasErr() {
			return
		}

		task := sched.NextTask()

		switch task.Kind {
		case TaskDone:
			return
		case TaskNone:
			continue
		case TaskExecution:
			e.execute(store, sched, io, base, work, task.Version, blockStart, stats, statsMu)
		case TaskValidation:
			e.validate(store, sched, io, task.Version)
		}
	}
}

// execute runs one incarnation's WorkFn, publishes its writes/deltas into
// the MVStore, deletes any key the previous incarnation wrote that this one
// no longer does, and queues the index for validation (§4.1 step 4, §4.3).
func (e *Engine) execute(
	store *MVStore,
	sched *Scheduler,
	io *LastInputOutput,
	base BaseStore,
	work WorkFn,
	version Version,
	blockStart time.Time,
	stats map[int]ExecutionStat,
	statsMu *sync.Mutex,
) {
	idx := version.TxnIndex

	prevOut, hadPrev := io.Output(idx)

	view := newView(idx, store, base, sched.CommitIndex)

	start := time.Since(blockStart)
	out, workErr := work(idx, view)

	var depErr *DependencyError
	if errors.As(workErr, &depErr) {
		// The work function read a live dependency mid-incarnation: give up
		// this attempt and let the calling worker fetch other work, rather
		// than block it in place. The scheduler re-dispatches the same
		// incarnation, unchanged, once dep reaches Executed (§4.2
		// wait_for_dependency, §5's non-blocking suspension model).
		sched.Suspend(version, depErr.Index)
		return
	}

	end := time.Since(blockStart)

	if workErr != nil {
		out.Err = workErr
	}

	for _, w := range out.Writes {
		store.AddWrite(w.Key, version, w.Value)
	}

	for _, d := range out.Deltas {
		store.AddDelta(d.Key, idx, d.Op)
	}

	if hadPrev {
		newSet := out.AllWritten()
		for k := range prevOut.AllWritten() {
			if _, still := newSet[k]; !still {
				store.Delete(k, idx)
			}
		}
	}

	io.Record(idx, view.takeInput(), out)

	statsMu.Lock()
	stats[idx] = ExecutionStat{Start: start, End: end}
	statsMu.Unlock()

	sched.FinishExecution(version, !hadPrev || !sameWriteSet(prevOut, out))
}

// validate replays a transaction's captured read set against the current
// MVStore contents. A mismatch aborts the transaction's current
// incarnation: its writes are marked Estimate so dependents park rather
// than observe stale data (§4.4, §9).
func (e *Engine) validate(store *MVStore, sched *Scheduler, io *LastInputOutput, version Version) {
	idx := version.TxnIndex
	input := io.Input(idx)
	safeIdx := sched.CommitIndex()

	valid := true

	for _, rd := range input {
		res, err := store.Read(rd.Key, idx, safeIdx)

		if !sameObservation(rd, res, err) {
			valid = false
			break
		}
	}

	if valid {
		sched.FinishValidation(version)
		return
	}

	if !sched.TryAbort(version) {
		return
	}

	if out, ok := io.Output(idx); ok {
		for k := range out.AllWritten() {
			store.MarkEstimate(k, idx)
		}
	}

	sched.FinishAbort(version)
}

func sameWriteSet(a, b TxnOutput) bool {
	as, bs := a.AllWritten(), b.AllWritten()
	if len(as) != len(bs) {
		return false
	}

	for k := range as {
		if _, ok := bs[k]; !ok {
			return false
		}
	}

	return true
}

// sameObservation reports whether replaying a read produces the same
// observation that was captured in rd. BaseStore is assumed referentially
// transparent for the lifetime of a block, so a storage-backed read is
// considered stable as long as the MVStore side of the lookup resolves the
// same way it did originally (§4.4).
func sameObservation(rd ReadDescriptor, res ReadResult, err error) bool {
	switch rd.Kind {
	case ReadKindVersion:
		return err == nil && res.Kind == ReadResultVersion && res.Version == rd.Version
	case ReadKindResolved:
		return err == nil && res.Kind == ReadResultResolved && res.Resolved != nil && rd.Resolved != nil && rd.Resolved.Eq(res.Resolved)
	case ReadKindStorage:
		if rd.Resolved != nil {
			// An aggregator read that fell through to BaseStore and seeded
			// storage_values: the replay now resolves straight from the
			// MVStore without error.
			return err == nil && res.Kind == ReadResultResolved && res.Resolved != nil && rd.Resolved.Eq(res.Resolved)
		}
		// A plain-bytes read that fell through to BaseStore: the MVStore
		// side must still have nothing for this key.
		return errors.Is(err, ErrNotFound)
	case ReadKindUnresolved:
		return err != nil
	default:
		return false
	}
}

// detectModuleConflict scans committed read/write sets for the analytically
// unsound pattern from §7: some transaction wrote a module path that some
// other transaction read. It's checked once after the whole block commits
// rather than incrementally, since the set of module paths touched isn't
// known until every incarnation has settled.
func (e *Engine) detectModuleConflict(n int, io *LastInputOutput) bool {
	writers := make(map[Key]TxnIndex)

	for i := 0; i < n; i++ {
		out, ok := io.Output(i)
		if !ok {
			continue
		}

		for _, w := range out.Writes {
			if e.cfg.IsModulePath(w.Key) {
				writers[w.Key] = i
			}
		}
	}

	if len(writers) == 0 {
		return false
	}

	for i := 0; i < n; i++ {
		for _, rd := range io.Input(i) {
			if !e.cfg.IsModulePath(rd.Key) {
				continue
			}

			if writer, ok := writers[rd.Key]; ok && writer != i {
				return true
			}
		}
	}

	return false
}
