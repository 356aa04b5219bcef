package types

import "errors"

// Cross-service error taxonomy. Stores and services return these
// sentinels (possibly wrapped); the RPC layer maps them to status codes.
var (
	// ErrExecutionNotFound means no mutable state exists for the key.
	ErrExecutionNotFound = errors.New("execution not found")

	// ErrNotFound covers timers, tasks, and variables that do not exist.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists is returned on duplicate timer creation.
	ErrAlreadyExists = errors.New("already exists")

	// ErrVersionMismatch means an event append was attempted at a stale
	// expected version. The caller reloads and rebuilds its batch.
	ErrVersionMismatch = errors.New("event version mismatch")

	// ErrOptimisticLock means a mutable state or timer update lost the
	// db_version race. Recovered locally with bounded retry.
	ErrOptimisticLock = errors.New("optimistic lock conflict")

	// ErrQueueFull means a matching queue hit its bounded capacity.
	ErrQueueFull = errors.New("task queue full")

	// ErrRateLimited means a matching limiter denied the operation.
	// No side effect occurred.
	ErrRateLimited = errors.New("rate limited")

	// ErrNoTask means a poll found nothing visible.
	ErrNoTask = errors.New("no task available")

	// ErrLeaseInvalid means a completion carried a stale or wrong lease
	// token. The task may have been redelivered already.
	ErrLeaseInvalid = errors.New("invalid lease token")

	// ErrAttemptsExhausted means a retryable failure ran out of attempts.
	ErrAttemptsExhausted = errors.New("task attempts exhausted")

	// ErrInvalidWorkflow means the DAG failed structural validation.
	ErrInvalidWorkflow = errors.New("invalid workflow definition")

	// ErrExecutorNotFound means no executor is registered for the node
	// type. Non-retryable.
	ErrExecutorNotFound = errors.New("executor not found")
)
