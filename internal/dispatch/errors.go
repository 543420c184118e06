package dispatch

import "errors"

var (
	ErrStopped = errors.New("dispatcher stopped")
	// ErrQueueFull is explicit backpressure: the request's priority tier is at
	// capacity and the submission was rejected, not silently dropped.
	ErrQueueFull = errors.New("dispatch queue full")
	// ErrAlreadyDispatched means Cancel arrived after the request was handed
	// to a worker; in-flight attempts run to completion.
	ErrAlreadyDispatched = errors.New("request already dispatched")
	ErrUnknownChannel    = errors.New("unknown channel")
	ErrInvalidRequest    = errors.New("invalid request")
)
