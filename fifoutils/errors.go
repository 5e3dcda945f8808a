package fifoutils

import "github.com/cockroachdb/errors"

// ErrResourceExhausted is returned when a pool (channels, TSGs, runlist entries) has no free slot left
var ErrResourceExhausted error = errors.New("resource exhausted")

// ErrAllocFailure is returned when a hardware-backed allocation (instance block, context state) fails
var ErrAllocFailure error = errors.New("hardware allocation failed")

// ErrInvalidBinding is returned when a channel cannot be bound to or unbound from a TSG: the channel is
// already bound elsewhere, runlist affinities do not match, or the channel is still active in its runlist
var ErrInvalidBinding error = errors.New("invalid channel binding")

// ErrTimeout is returned when a bounded hardware poll (runlist pending, preemption) expires
var ErrTimeout error = errors.New("timed out waiting for hardware")

// ErrBusy is returned when a preemption could not complete because the engine is also reporting an
// interrupt. It is retryable.
var ErrBusy error = errors.New("hardware busy")

// ErrHardwareFault is used to tag faults reported by hardware (MMU, PBDMA, engine). These are routed to
// recovery rather than returned from the submission API.
var ErrHardwareFault error = errors.New("hardware fault")

// ErrInvalidArgument is returned when a setter receives a value outside of its permitted range
var ErrInvalidArgument error = errors.New("invalid argument")

// ErrUnserviceable is returned from every operation on a channel that has been marked unserviceable
// after an unrecoverable error
var ErrUnserviceable error = errors.New("channel unserviceable")
