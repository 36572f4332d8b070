package bridge

import (
	"sync"
	"sync/atomic"
	"time"
)

// Transport is the far-end audio sink for one session: the telephony media
// socket or the browser socket. The manager is written once against this
// interface and never branches on the source type. The session coordinates
// with its transport but does not own its lifecycle; Close is only invoked
// for bridge-initiated terminations.
type Transport interface {
	// SendAudio delivers one audio payload in the transport's native format.
	SendAudio(payload []byte) error
	// SendEvent delivers a structured non-audio event.
	SendEvent(ev Event) error
	// Format reports the transport's negotiated audio format.
	Format() AudioFormat
	// Close disconnects the far end gracefully, citing a reason.
	Close(reason string) error
}

var sessionStateOrder = map[SessionState]int{
	SessionCreated:     0,
	SessionHandshaking: 1,
	SessionActive:      2,
	SessionDraining:    3,
	SessionClosed:      4,
	SessionFailed:      5,
}

// Session is one logical end-to-end audio conversation. It exclusively owns
// its UpstreamClient; the transport is referenced, not owned. Once active, a
// session is mutated only by its own bridging goroutines; cross-session
// reads go through the Manager's synchronized accessors.
type Session struct {
	ID        string
	transport Transport
	format    AudioFormat
	createdAt time.Time
	log       *Logger

	mu       sync.Mutex
	state    SessionState
	upstream UpstreamClient

	lastActivity atomic.Int64 // unix nanos

	framesIn      atomic.Uint64
	framesOut     atomic.Uint64
	framesDropped atomic.Uint64

	transcript *Transcript
	done       chan struct{}
	doneOnce   sync.Once
}

func newSession(id string, transport Transport, log *Logger) *Session {
	s := &Session{
		ID:         id,
		transport:  transport,
		format:     transport.Format(),
		createdAt:  time.Now(),
		log:        log.WithSession(id),
		state:      SessionCreated,
		transcript: NewTranscript(0),
		done:       make(chan struct{}),
	}
	s.touch()
	return s
}

// State returns the current lifecycle state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// setState advances the lifecycle. Transitions are forward-only: a regression
// or any transition out of a terminal state is ignored and reported false.
func (s *Session) setState(next SessionState) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Terminal() {
		return false
	}
	if next != SessionFailed && sessionStateOrder[next] <= sessionStateOrder[s.state] {
		return false
	}
	s.log.Debugf("session %s -> %s", s.state, next)
	s.state = next
	if next.Terminal() {
		s.doneOnce.Do(func() { close(s.done) })
	}
	return true
}

func (s *Session) setUpstream(up UpstreamClient) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upstream = up
}

func (s *Session) Upstream() UpstreamClient {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.upstream
}

// Format returns the negotiated audio format, fixed at handshake.
func (s *Session) Format() AudioFormat {
	return s.format
}

// Transcript returns the session-scoped transcript buffer.
func (s *Session) Transcript() *Transcript {
	return s.transcript
}

func (s *Session) CreatedAt() time.Time {
	return s.createdAt
}

// touch records inbound activity for the idle-timeout policy.
func (s *Session) touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}

// IdleFor reports how long the session has gone without inbound activity.
func (s *Session) IdleFor() time.Duration {
	return time.Since(time.Unix(0, s.lastActivity.Load()))
}

// Done is closed once the session reaches a terminal state.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// SessionInfo is a synchronized snapshot of one session for metrics reads.
type SessionInfo struct {
	ID            string
	State         SessionState
	Codec         Codec
	CreatedAt     time.Time
	IdleFor       time.Duration
	FramesIn      uint64
	FramesOut     uint64
	FramesDropped uint64
}

func (s *Session) info() SessionInfo {
	return SessionInfo{
		ID:            s.ID,
		State:         s.State(),
		Codec:         s.format.Codec,
		CreatedAt:     s.createdAt,
		IdleFor:       s.IdleFor(),
		FramesIn:      s.framesIn.Load(),
		FramesOut:     s.framesOut.Load(),
		FramesDropped: s.framesDropped.Load(),
	}
}
