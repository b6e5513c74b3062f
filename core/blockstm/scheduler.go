package blockstm

import (
	"sync"
	"sync/atomic"
)

type statusKind uint8

const (
	statusReadyToExecute statusKind = iota
	statusExecuting
	statusExecuted
	statusAborting
)

type txnStatus struct {
	mu          sync.Mutex
	kind        statusKind
	incarnation Incarnation
}

func newTxnStatus() *txnStatus {
	return &txnStatus{kind: statusReadyToExecute}
}

// TaskKind is the kind of work Scheduler.NextTask hands back to a worker.
type TaskKind uint8

const (
	TaskExecution TaskKind = iota
	TaskValidation
	TaskNone
	TaskDone
)

// Task is one unit of dispatched work: a specific transaction version to
// execute or validate.
type Task struct {
	Kind    TaskKind
	Version Version
	Wave    int64
}

// Scheduler coordinates execution and validation tasks across worker
// threads, tracking which indices are ready to execute, which need
// (re)validation, and how far the block has committed (§4.2).
//
// Commit advancement and the dependents map are guarded by a single coarse
// mutex (each pending-index queue and each transaction's status has its own
// mutex) rather than the fully lock-free design the source system uses. Suspension (§4.2 wait_for_dependency, §5) is
// non-blocking: a worker that hits a live dependency never parks in place
// inside a condition variable wait. Suspend instead records the waiter
// against its dependency and returns, freeing the calling worker to fetch
// NextTask again immediately; wakeDependents re-queues it for execution (at
// the same incarnation, per the ReadyToExecute(inc, resume?) transition)
// once the dependency reaches Executed. A coarse lock was chosen because the
// spec's testable properties (§8) only constrain final committed output,
// never the interleaving of scheduling decisions, and a coarse lock is far
// easier to reason about correctly without the ability to run the code
// under a race detector.
type Scheduler struct {
	n int

	statuses  []*txnStatus
	validated []atomic.Bool

	execQueue  *indexQueue
	validQueue *indexQueue

	commitIdx atomic.Int64
	wave      atomic.Int64

	mu         sync.Mutex
	dependents map[TxnIndex][]TxnIndex
}

// NewScheduler creates a scheduler for a block of n transactions, with
// every index initially ReadyToExecute at incarnation 0.
func NewScheduler(n int) *Scheduler {
	s := &Scheduler{
		n:          n,
		statuses:   make([]*txnStatus, n),
		validated:  make([]atomic.Bool, n),
		execQueue:  newIndexQueue(),
		validQueue: newIndexQueue(),
		dependents: make(map[TxnIndex][]TxnIndex),
	}

	for i := 0; i < n; i++ {
		s.statuses[i] = newTxnStatus()
		s.execQueue.push(i)
	}

	return s
}

// Done reports whether every transaction has committed.
func (s *Scheduler) Done() bool { return int(s.commitIdx.Load()) >= s.n }

// CommitIndex returns the smallest uncommitted index.
func (s *Scheduler) CommitIndex() TxnIndex { return int(s.commitIdx.Load()) }

// NextTask returns the next unit of work, preferring execution tasks over
// validation tasks so that validation always has fresh output to check
// against.
func (s *Scheduler) NextTask() Task {
	for {
		if s.Done() {
			return Task{Kind: TaskDone}
		}

		if idx, ok := s.execQueue.pop(); ok {
			st := s.statuses[idx]
			st.mu.Lock()

			if st.kind != statusReadyToExecute {
				st.mu.Unlock()
				continue
			}

			st.kind = statusExecuting
			inc := st.incarnation
			st.mu.Unlock()

			return Task{Kind: TaskExecution, Version: Version{TxnIndex: idx, Incarnation: inc}}
		}

		if idx, ok := s.validQueue.pop(); ok {
			st := s.statuses[idx]
			st.mu.Lock()
			kind, inc := st.kind, st.incarnation
			st.mu.Unlock()

			if kind != statusExecuted {
				continue
			}

			return Task{Kind: TaskValidation, Version: Version{TxnIndex: idx, Incarnation: inc}, Wave: s.wave.Load()}
		}

		return Task{Kind: TaskNone}
	}
}

// FinishExecution records that version finished executing. wroteNewPath
// reports whether its write-set differs from the previous incarnation's
// (per §4.2: "if it differs, all indices > T that already validated must
// revalidate at the new wave").
func (s *Scheduler) FinishExecution(version Version, wroteNewPath bool) {
	idx := version.TxnIndex
	st := s.statuses[idx]

	st.mu.Lock()
	if st.kind == statusExecuting && st.incarnation == version.Incarnation {
		st.kind = statusExecuted
	}
	st.mu.Unlock()

	s.wakeDependents(idx)

	s.validated[idx].Store(false)
	s.validQueue.push(idx)

	if wroteNewPath {
		s.wave.Add(1)
		for j := idx + 1; j < s.n; j++ {
			s.validated[j].Store(false)
			s.validQueue.push(j)
		}
	}

	s.tryAdvanceCommit()
}

// TryAbort attempts to move version from Executed to Aborting. Returns
// false if the transaction has already moved on (someone else aborted it,
// or it's already re-executing at a newer incarnation).
func (s *Scheduler) TryAbort(version Version) bool {
	st := s.statuses[version.TxnIndex]

	st.mu.Lock()
	defer st.mu.Unlock()

	if st.kind != statusExecuted || st.incarnation != version.Incarnation {
		return false
	}

	st.kind = statusAborting

	return true
}

// FinishAbort bumps the incarnation and makes the transaction ready to
// execute again.
func (s *Scheduler) FinishAbort(version Version) {
	idx := version.TxnIndex
	st := s.statuses[idx]

	st.mu.Lock()
	st.kind = statusReadyToExecute
	st.incarnation = version.Incarnation + 1
	st.mu.Unlock()

	s.execQueue.push(idx)
}

// FinishValidation records that version passed validation, iff it's still
// the current incarnation (otherwise the validation result is stale and is
// silently discarded). Returns whether it actually applied.
func (s *Scheduler) FinishValidation(version Version) bool {
	idx := version.TxnIndex
	st := s.statuses[idx]

	st.mu.Lock()
	ok := st.kind == statusExecuted && st.incarnation == version.Incarnation
	st.mu.Unlock()

	if !ok {
		return false
	}

	s.validated[idx].Store(true)
	s.tryAdvanceCommit()

	return true
}

// tryAdvanceCommit advances commit_idx past every contiguous prefix of
// indices that are Executed at a validated incarnation (invariant 4, §3).
func (s *Scheduler) tryAdvanceCommit() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for {
		c := int(s.commitIdx.Load())
		if c >= s.n {
			return
		}

		st := s.statuses[c]
		st.mu.Lock()
		executed := st.kind == statusExecuted
		st.mu.Unlock()

		if !executed || !s.validated[c].Load() {
			return
		}

		s.commitIdx.Add(1)
	}
}

// Suspend records that version's transaction hit a live dependency on dep
// mid-incarnation (§4.2 wait_for_dependency) and cannot make progress yet.
// Rather than blocking the calling worker, it returns immediately: the
// worker is free to fetch other work via NextTask, and the transaction is
// re-queued for execution at the same incarnation — no resume? flag is
// needed since Go has no way to resume a suspended call frame, so the whole
// incarnation simply re-runs from scratch once dep commits its execution,
// which scenario S6 in §8 and the work function's assumed determinism both
// permit. If dep has already reached Executed by the time this is called,
// the transaction is re-queued immediately instead of being parked.
func (s *Scheduler) Suspend(version Version, dep TxnIndex) {
	idx := version.TxnIndex
	st := s.statuses[idx]

	st.mu.Lock()
	if st.kind == statusExecuting && st.incarnation == version.Incarnation {
		st.kind = statusReadyToExecute
	}
	st.mu.Unlock()

	depSt := s.statuses[dep]

	depSt.mu.Lock()
	if depSt.kind == statusExecuted {
		depSt.mu.Unlock()
		s.execQueue.push(idx)

		return
	}

	s.mu.Lock()
	s.dependents[dep] = append(s.dependents[dep], idx)
	s.mu.Unlock()

	depSt.mu.Unlock()
}

// wakeDependents re-queues every transaction parked by Suspend on idx, once
// idx reaches Executed.
func (s *Scheduler) wakeDependents(idx TxnIndex) {
	s.mu.Lock()
	waiters := s.dependents[idx]
	delete(s.dependents, idx)
	s.mu.Unlock()

	for _, w := range waiters {
		s.execQueue.push(w)
	}
}
