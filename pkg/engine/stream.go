package engine

import (
	"sync"
	"time"
)

// Frame is one message delivered on a stream: synthesized audio, a
// transcript fragment, or a terminal error.
type Frame struct {
	// Audio is a decoded audio chunk, nil for transcript frames.
	Audio []byte

	// Text is transcript text, empty for audio frames.
	Text string

	// Seq is the engine's frame sequence number within this stream,
	// starting at 1 with no gaps.
	Seq uint64

	// Final marks the last frame of a reply.
	Final bool

	// Err is set on a terminal failure frame; the stream is closed
	// immediately after delivering it.
	Err error
}

// streamBuffer is the per-stream frame channel depth. A receiver that
// falls this far behind is treated as failed.
const streamBuffer = 256

// Stream receives correlated frames from the engine. Synthesize
// streams carry a deadline; raw-audio streams live until the session
// closes them.
//
// All channel sends and the close happen under mu, so concurrent
// delivery, timeout, and disconnect paths cannot race.
type Stream struct {
	id   string
	link *Link

	mu      sync.Mutex
	frames  chan Frame
	closed  bool
	nextSeq uint64
	timer   *time.Timer
}

func newStream(id string, link *Link) *Stream {
	return &Stream{
		id:      id,
		link:    link,
		frames:  make(chan Frame, streamBuffer),
		nextSeq: 1,
	}
}

// ID returns the stream's correlation id.
func (s *Stream) ID() string {
	return s.id
}

// Frames returns the receive channel. It is closed when the stream
// ends; a Frame with Err set is the last frame on failure.
func (s *Stream) Frames() <-chan Frame {
	return s.frames
}

// Close unregisters the stream and closes the frame channel.
// Idempotent; safe to call from the consumer at any time.
func (s *Stream) Close() {
	s.link.dropStream(s.id)
	s.finishLocked(nil)
}

// deliver validates ordering and hands the frame to the consumer.
// delivered reports whether the frame reached the consumer; open
// reports whether the stream can take further frames. A final frame
// that passes validation yields delivered=true, open=false.
func (s *Stream) deliver(f Frame) (delivered, open bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false, false
	}

	if f.Err == nil {
		if f.Seq != s.nextSeq {
			// Out-of-order frames are rejected, not resequenced.
			s.terminate(Frame{Err: ErrFrameOrder})
			return false, false
		}
		s.nextSeq++
	}

	select {
	case s.frames <- f:
	default:
		s.terminate(Frame{Err: ErrSlowConsumer})
		return false, false
	}

	if f.Final || f.Err != nil {
		s.terminate(Frame{})
		return true, false
	}
	return true, true
}

// fail delivers a terminal error frame and finishes the stream.
func (s *Stream) fail(err error) {
	s.finishLocked(&Frame{Err: err})
}

func (s *Stream) finishLocked(last *Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if last != nil && last.Err != nil {
		select {
		case s.frames <- *last:
		default:
		}
	}
	s.terminate(Frame{})
}

// terminate closes the stream. Callers must hold mu. When last.Err is
// set it is delivered before the channel closes.
func (s *Stream) terminate(last Frame) {
	if s.closed {
		return
	}
	if last.Err != nil {
		select {
		case s.frames <- last:
		default:
		}
	}
	s.closed = true
	if s.timer != nil {
		s.timer.Stop()
	}
	close(s.frames)
}

// arm starts the per-request deadline. On expiry the stream fails
// with ErrRequestTimeout and the link records the timeout.
func (s *Stream) arm(d time.Duration) {
	s.mu.Lock()
	s.timer = time.AfterFunc(d, func() {
		if s.expired() {
			s.link.dropStream(s.id)
			s.link.recordTimeout()
			s.fail(ErrRequestTimeout)
		}
	})
	s.mu.Unlock()
}

// expired reports whether the stream is still open when the deadline
// fires, so a completed request is not double counted as a timeout.
func (s *Stream) expired() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed
}
