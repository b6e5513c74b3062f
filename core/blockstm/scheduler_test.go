package blockstm

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSchedulerHandsOutExecutionBeforeValidation(t *testing.T) {
	sched := NewScheduler(3)

	task := sched.NextTask()
	require.Equal(t, TaskExecution, task.Kind)
	require.Equal(t, 0, task.Version.TxnIndex)
}

func TestSchedulerCommitsInOrderOnceValidated(t *testing.T) {
	sched := NewScheduler(2)

	for i := 0; i < 2; i++ {
		task := sched.NextTask()
		require.Equal(t, TaskExecution, task.Kind)
		sched.FinishExecution(task.Version, false)
	}

	for i := 0; i < 2; i++ {
		task := sched.NextTask()
		require.Equal(t, TaskValidation, task.Kind)
		require.True(t, sched.FinishValidation(task.Version))
	}

	require.True(t, sched.Done())
	require.Equal(t, 2, sched.CommitIndex())
}

func TestSchedulerAbortRequeuesAtNextIncarnation(t *testing.T) {
	sched := NewScheduler(1)

	task := sched.NextTask()
	sched.FinishExecution(task.Version, false)

	valTask := sched.NextTask()
	require.True(t, sched.TryAbort(valTask.Version))
	sched.FinishAbort(valTask.Version)

	next := sched.NextTask()
	require.Equal(t, TaskExecution, next.Kind)
	require.Equal(t, 1, next.Version.Incarnation)
}

func TestSchedulerSuspendParksUntilDependencyExecutes(t *testing.T) {
	sched := NewScheduler(2)

	task0 := sched.NextTask()
	require.Equal(t, 0, task0.Version.TxnIndex)

	task1 := sched.NextTask()
	require.Equal(t, 1, task1.Version.TxnIndex)

	// Transaction 1 reads a key transaction 0 hasn't written yet: it
	// suspends on 0 instead of blocking, so NextTask must hand the calling
	// worker something else to do (here, nothing at all) rather than the
	// worker sitting parked on a condition variable.
	sched.Suspend(task1.Version, 0)

	require.Equal(t, TaskNone, sched.NextTask().Kind)

	sched.FinishExecution(task0.Version, false)

	// Now that 0 has executed, 1 is handed back out for execution at the
	// same incarnation it suspended at — no resume flag, no incarnation
	// bump, just a fresh NextTask dispatch.
	resumed := sched.NextTask()
	require.Equal(t, TaskExecution, resumed.Kind)
	require.Equal(t, 1, resumed.Version.TxnIndex)
	require.Equal(t, task1.Version.Incarnation, resumed.Version.Incarnation)
}

func TestSchedulerSuspendOnAlreadyExecutedDependencyRequeuesImmediately(t *testing.T) {
	sched := NewScheduler(2)

	task0 := sched.NextTask()
	sched.FinishExecution(task0.Version, false)

	task1 := sched.NextTask()

	// By the time transaction 1 discovers it depends on 0, 0 has already
	// finished executing: Suspend must not park it, since nothing will ever
	// wake a dependency that already reached Executed.
	sched.Suspend(task1.Version, 0)

	resumed := sched.NextTask()
	require.Equal(t, TaskExecution, resumed.Kind)
	require.Equal(t, 1, resumed.Version.TxnIndex)
}

func TestSchedulerRevalidatesDownstreamOnWriteSetChange(t *testing.T) {
	sched := NewScheduler(3)

	for i := 0; i < 3; i++ {
		task := sched.NextTask()
		sched.FinishExecution(task.Version, false)
	}

	// Validate index 0 so it commits, then pull index 1's validation task
	// but discover it must abort instead of being accepted.
	v0 := sched.NextTask()
	require.True(t, sched.FinishValidation(v0.Version))
	require.Equal(t, 1, sched.CommitIndex())

	v1 := sched.NextTask()
	require.Equal(t, TaskValidation, v1.Kind)
	require.Equal(t, 1, v1.Version.TxnIndex)
	require.True(t, sched.TryAbort(v1.Version))
	sched.FinishAbort(v1.Version)

	// Index 1 re-executes at incarnation 1 with a different write set:
	// index 2, already executed once, must be forced back into validation
	// at a later wave.
	reexec := sched.NextTask()
	require.Equal(t, TaskExecution, reexec.Kind)
	require.Equal(t, 1, reexec.Version.Incarnation)
	sched.FinishExecution(reexec.Version, true)

	require.False(t, sched.Done())

	next := sched.NextTask()
	require.Equal(t, TaskValidation, next.Kind)
	require.True(t, next.Wave > v0.Wave)
	require.True(t, sched.FinishValidation(next.Version))

	final := sched.NextTask()
	require.Equal(t, TaskValidation, final.Kind)
	require.True(t, sched.FinishValidation(final.Version))

	require.True(t, sched.Done())
}
