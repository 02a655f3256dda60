package engine

import "errors"

// Sentinel errors for the engine package.
var (
	// ErrLinkUnavailable indicates the link is not connected and the
	// frame was not sent. Per-request; callers report it to the
	// originating client and move on.
	ErrLinkUnavailable = errors.New("engine: link unavailable")

	// ErrQueueFull indicates the bounded send queue is at capacity.
	ErrQueueFull = errors.New("engine: send queue full")

	// ErrRequestTimeout indicates no correlated response arrived
	// within the per-request deadline.
	ErrRequestTimeout = errors.New("engine: request timed out")

	// ErrClosed indicates the link was shut down.
	ErrClosed = errors.New("engine: link closed")

	// ErrNoTargets indicates no dial candidate was configured.
	ErrNoTargets = errors.New("engine: no dial targets configured")

	// ErrFrameOrder indicates the engine delivered an out-of-order
	// audio frame. Frames are rejected, never resequenced.
	ErrFrameOrder = errors.New("engine: out-of-order frame")

	// ErrSlowConsumer indicates a stream's receiver stopped draining
	// frames and the stream was torn down.
	ErrSlowConsumer = errors.New("engine: slow stream consumer")
)
