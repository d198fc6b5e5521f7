package realtime

import (
	"sync"
	"time"

	"solar-cloud/internal/auth"
)

// sendBuffer bounds the per-connection queue. A consumer that falls this far
// behind starts losing intermediate updates, never the connection itself.
const sendBuffer = 32

// replyBuffer bounds the reply queue for subscribe acks and denials. Replies
// are never dropped for a full telemetry queue; the sender blocks instead.
const replyBuffer = 8

// Session is one live realtime connection as the hub sees it. The transport
// layer drains Queue; the hub only ever enqueues, so a stalled socket cannot
// block the event path.
type Session struct {
	id       string
	identity auth.Identity

	send      chan []byte
	reply     chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

// NewSession constructs a session for an authenticated identity.
func NewSession(id string, identity auth.Identity) *Session {
	return &Session{
		id:       id,
		identity: identity,
		send:     make(chan []byte, sendBuffer),
		reply:    make(chan []byte, replyBuffer),
		done:     make(chan struct{}),
	}
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Identity returns the authenticated identity bound to this session.
func (s *Session) Identity() auth.Identity { return s.identity }

// Queue is drained by the transport writer.
func (s *Session) Queue() <-chan []byte { return s.send }

// Replies is drained by the transport writer ahead of the telemetry queue.
func (s *Session) Replies() <-chan []byte { return s.reply }

// Done is closed when the session ends.
func (s *Session) Done() <-chan struct{} { return s.done }

// Close marks the session dead. Idempotent.
func (s *Session) Close() {
	s.closeOnce.Do(func() { close(s.done) })
}

// sendReply queues a request reply, blocking up to timeout so a full
// telemetry queue can never swallow an ack or a denial.
func (s *Session) sendReply(payload []byte, timeout time.Duration) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.reply <- payload:
		return true
	case <-s.done:
		return false
	case <-time.After(timeout):
		return false
	}
}

// enqueue offers a payload without blocking. queued reports delivery into
// the buffer; alive reports whether the session is still open at all.
func (s *Session) enqueue(payload []byte) (queued, alive bool) {
	select {
	case <-s.done:
		return false, false
	default:
	}
	select {
	case s.send <- payload:
		return true, true
	default:
		return false, true
	}
}
