package task

import "errors"

// Sentinel error kinds surfaced on a WorkItem's Future, per the error
// handling design: store-level transient errors never reach here, they
// are retried internally by the store adapter.
var (
	// ErrAssignmentTimeout: the worker accepted an assignment node but
	// never posted RUNNING status before taskAssignmentTimeout elapsed.
	ErrAssignmentTimeout = errors.New("the worker that this task is assigned did not start it in timeout")

	// ErrAssignmentRaced: the WorkItem's identity drifted between
	// selection and publication of the assignment node.
	ErrAssignmentRaced = errors.New("failed to assign this task. see overlord logs for more details")

	// ErrWorkerDisappeared: the worker's ephemeral announcement vanished
	// or its status node was removed before a terminal status arrived.
	ErrWorkerDisappeared = errors.New("the worker that this task was assigned disappeared")

	// ErrWorkerCleanupCancel: the coordinator was stopped while the task
	// was still in flight, not a true worker loss. The task's assignment
	// node is left in the store.
	ErrWorkerCleanupCancel = errors.New("canceled for worker cleanup")
)

// TaskReportedError wraps a FAILED status reported by a worker. The
// message is passed through verbatim, per spec.
type TaskReportedError struct {
	Message string
}

func (e *TaskReportedError) Error() string {
	return e.Message
}
