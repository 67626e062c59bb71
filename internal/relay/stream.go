// ABOUTME: Pull-mode streaming relay between a tool invocation and one consumer
// ABOUTME: Converts cumulative partial text into deltas; slow consumers get coarser deltas

package relay

import (
	"strings"
	"sync"
)

// Sink receives streaming progress from the router. OnPartial is called
// with the full text produced so far; OnDone exactly once after the
// final OnPartial. Implementations must never block the producer for
// long.
type Sink interface {
	OnPartial(cumulative string)
	OnDone()
}

// streamBufferSize bounds how many pending deltas a consumer can fall
// behind before deltas start coalescing.
const streamBufferSize = 64

// Stream is a pull-mode Sink. The consumer ranges over Deltas();
// concatenating everything received reproduces the final text. The
// delta rule: when a new cumulative text extends what was already
// delivered, only the suffix is sent; otherwise the full new text is
// sent (the producer rewrote its answer and the consumer should too).
//
// A consumer that stops reading calls Cancel; the producer keeps
// running and the router persists the full answer regardless.
type Stream struct {
	mu        sync.Mutex
	delivered string
	last      string

	deltas     chan string
	cancelCh   chan struct{}
	cancelOnce sync.Once
	doneOnce   sync.Once
}

func NewStream() *Stream {
	return &Stream{
		deltas:   make(chan string, streamBufferSize),
		cancelCh: make(chan struct{}),
	}
}

// Deltas is the consumer side. It closes after OnDone has flushed the
// remaining text, or once Cancel is called.
func (s *Stream) Deltas() <-chan string { return s.deltas }

// Cancel detaches the consumer. Idempotent, safe from any goroutine.
func (s *Stream) Cancel() {
	s.cancelOnce.Do(func() { close(s.cancelCh) })
}

// Canceled reports whether the consumer has detached.
func (s *Stream) Canceled() bool {
	select {
	case <-s.cancelCh:
		return true
	default:
		return false
	}
}

// OnPartial records progress and tries to forward a delta without
// blocking. When the buffer is full the partial is skipped; a later
// call (or OnDone) delivers the accumulated difference in one piece.
func (s *Stream) OnPartial(cumulative string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.last = cumulative
	delta := deltaFrom(s.delivered, cumulative)
	if delta == "" {
		return
	}

	select {
	case s.deltas <- delta:
		s.delivered = cumulative
	case <-s.cancelCh:
	default:
	}
}

// OnDone flushes whatever the consumer has not seen yet, then closes
// the delta channel. The flush blocks until the consumer takes it or
// cancels; the producer has nothing left to do at this point.
func (s *Stream) OnDone() {
	s.doneOnce.Do(func() {
		s.mu.Lock()
		delta := deltaFrom(s.delivered, s.last)
		s.delivered = s.last
		s.mu.Unlock()

		if delta != "" {
			select {
			case s.deltas <- delta:
			case <-s.cancelCh:
			}
		}
		close(s.deltas)
	})
}

// deltaFrom implements the catch-up rule: suffix when new text extends
// what was delivered, the whole text otherwise.
func deltaFrom(delivered, cumulative string) string {
	if strings.HasPrefix(cumulative, delivered) {
		return cumulative[len(delivered):]
	}
	return cumulative
}
