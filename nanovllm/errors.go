package nanovllm

import "errors"

var (
	// ErrInvalidRequest is returned by Submit for malformed or over-length input.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrOutOfMemory means the block pool cannot satisfy an allocation.
	// The scheduler recovers from it by preempting; clients never see it.
	ErrOutOfMemory = errors.New("out of kv cache blocks")

	// ErrSequenceTooLarge means a group cannot fit even with the whole pool free.
	ErrSequenceTooLarge = errors.New("sequence too large for kv cache")

	// ErrExecutionFailure wraps faults reported by the model runner.
	ErrExecutionFailure = errors.New("model execution failed")

	// ErrNotReclaimed is returned on teardown when blocks are still referenced.
	ErrNotReclaimed = errors.New("kv cache not fully reclaimed")
)
