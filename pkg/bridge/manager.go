package bridge

import (
	"context"
	"sync"
	"time"
)

// Reasons passed to EndSession. Reasons originating at the far end skip the
// transport Close; the far end is already gone.
const (
	ReasonCallerHangup      = "caller_hangup"
	ReasonTransportClosed   = "transport_closed"
	ReasonBrowserDisconnect = "browser_disconnect"
	ReasonIdleTimeout       = "idle_timeout"
	ReasonUpstreamFailed    = "upstream_failed"
	ReasonShutdown          = "shutdown"
)

var farEndReasons = map[string]bool{
	ReasonCallerHangup:      true,
	ReasonTransportClosed:   true,
	ReasonBrowserDisconnect: true,
}

// Manager owns the registry of active sessions and orchestrates creation,
// bridging, and teardown. The registry mutex is the only cross-session
// serialization point; bridging itself is per-session.
type Manager struct {
	cfg  *Config
	dial DialFunc
	log  *Logger

	mu       sync.Mutex
	sessions map[string]*Session

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// NewManager constructs a Manager and starts its idle reaper. dial may be
// nil, in which case DialUpstream is used.
func NewManager(cfg *Config, dial DialFunc, log *Logger) *Manager {
	if dial == nil {
		dial = DialUpstream
	}
	if log == nil {
		log = GetGlobalLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		cfg:      cfg,
		dial:     dial,
		log:      log.WithComponent("manager"),
		sessions: make(map[string]*Session),
		ctx:      ctx,
		cancel:   cancel,
	}
	if cfg.IdleTimeout > 0 {
		m.wg.Add(1)
		go m.reapIdle()
	}
	return m
}

// StartSession atomically claims externalID, opens the upstream session, and
// brings the session to Active. A concurrent start for the same id gets
// DUPLICATE_SESSION; a handshake failure removes the claim so no zombie
// session stays registered.
func (m *Manager) StartSession(ctx context.Context, externalID string, transport Transport) (*Session, error) {
	m.mu.Lock()
	if _, exists := m.sessions[externalID]; exists {
		m.mu.Unlock()
		return nil, NewDuplicateSessionError(externalID)
	}
	if m.cfg.MaxSessions > 0 && len(m.sessions) >= m.cfg.MaxSessions {
		m.mu.Unlock()
		return nil, NewSessionLimitError(m.cfg.MaxSessions)
	}
	s := newSession(externalID, transport, m.log)
	m.sessions[externalID] = s
	m.mu.Unlock()

	s.setState(SessionHandshaking)
	up, err := m.dial(ctx, m.cfg, s.log)
	if err != nil {
		s.setState(SessionFailed)
		m.remove(externalID)
		s.log.WithError(err).Error("upstream handshake failed")
		transport.SendEvent(Event{Type: EventError, Code: ErrorCode(err), Text: "failed to reach the assistant"})
		transport.Close(ReasonUpstreamFailed)
		return nil, err
	}

	s.setUpstream(up)
	if !s.setState(SessionActive) {
		// torn down while the handshake was in flight; the teardown that
		// won the state race removes the registry entry
		up.Close()
		return nil, NewSessionNotFoundError(externalID)
	}
	s.log.Infof("session active (%s %dHz)", s.format.Codec, s.format.SampleRate)

	m.wg.Add(1)
	go m.pump(s)

	return s, nil
}

// BridgeInbound converts one native-format payload to canonical PCM at the
// upstream input rate and forwards it. Frames for unknown or torn-down
// sessions return SESSION_NOT_FOUND; callers log and drop, they never
// propagate. Format errors drop the frame and leave the session running.
func (m *Manager) BridgeInbound(externalID string, payload []byte) error {
	s := m.lookup(externalID)
	if s == nil || s.State() != SessionActive {
		return NewSessionNotFoundError(externalID)
	}
	s.touch()
	s.framesIn.Add(1)

	f := NewFrame(payload, s.format.Codec, s.format.SampleRate)

	var err error
	if f.Codec == CodecMulaw {
		f, err = DecodeTelephony(f)
		if err != nil {
			s.framesDropped.Add(1)
			return err
		}
	}
	f, err = ResampleFrame(f, s.format.UpstreamInRate)
	if err != nil {
		s.framesDropped.Add(1)
		return err
	}

	up := s.Upstream()
	if up == nil {
		return NewSessionNotFoundError(externalID)
	}
	if err := up.SendAudio(f); err != nil {
		s.framesDropped.Add(1)
		return err
	}
	return nil
}

// BridgeText forwards a complete user text turn to the upstream session.
func (m *Manager) BridgeText(externalID, text string) error {
	s := m.lookup(externalID)
	if s == nil || s.State() != SessionActive {
		return NewSessionNotFoundError(externalID)
	}
	s.touch()
	up := s.Upstream()
	if up == nil {
		return NewSessionNotFoundError(externalID)
	}
	return up.SendText(text)
}

// pump routes upstream responses back to the transport for one session.
// Runs until the upstream receive channel closes.
func (m *Manager) pump(s *Session) {
	defer m.wg.Done()

	up := s.Upstream()
	for msg := range up.Recv() {
		switch msg.Kind {
		case UpstreamAudioChunk:
			if err := m.deliverAudio(s, msg.Audio); err != nil {
				s.log.WithError(err).Warn("dropping outbound audio chunk")
			}
		case UpstreamText:
			s.transcript.AddAgent(msg.Text)
			m.deliverEvent(s, Event{Type: EventText, Text: msg.Text})
		case UpstreamInputTranscription:
			s.transcript.AddCaller(msg.Text)
			m.deliverEvent(s, Event{Type: EventInputTranscription, Text: msg.Text})
		case UpstreamOutputTranscription:
			s.transcript.AddAgent(msg.Text)
			m.deliverEvent(s, Event{Type: EventOutputTranscription, Text: msg.Text})
		case UpstreamInterrupted:
			m.deliverEvent(s, Event{Type: EventInterrupted})
		case UpstreamTurnComplete:
			m.deliverEvent(s, Event{Type: EventTurnComplete})
		case UpstreamSetupAck:
			// already consumed during handshake; late duplicates are harmless
		}
	}

	// Receive channel closed. Draining means EndSession is mid-teardown and
	// closed the upstream itself; anything else still live is an upstream
	// failure, terminating only this session.
	if st := s.State(); st != SessionDraining && !st.Terminal() {
		err := up.Err()
		if err == nil {
			err = NewConnectionError("upstream stream ended")
		}
		s.log.WithError(err).Warn("upstream disconnected, failing session")
		m.failSession(s)
	}
}

// deliverAudio converts one upstream PCM chunk to the transport's native
// format and forwards it.
func (m *Manager) deliverAudio(s *Session, pcm []byte) error {
	f := NewFrame(pcm, CodecPCM16, s.format.UpstreamOutRate)

	var err error
	if s.format.Codec == CodecMulaw {
		f, err = ResampleFrame(f, s.format.SampleRate)
		if err != nil {
			return err
		}
		f, err = EncodeTelephony(f)
		if err != nil {
			return err
		}
	}
	// Browser transports take upstream-rate PCM as is.

	if err := s.transport.SendAudio(f.Payload); err != nil {
		return err
	}
	s.framesOut.Add(1)
	return nil
}

func (m *Manager) deliverEvent(s *Session, ev Event) {
	if err := s.transport.SendEvent(ev); err != nil {
		s.log.WithError(err).Debug("transport rejected event")
	}
}

// EndSession drains and tears down one session. Idempotent: ending an
// unknown or already-closed session is a no-op. The registry entry is
// removed once the drain completes.
func (m *Manager) EndSession(externalID, reason string) error {
	m.mu.Lock()
	s, ok := m.sessions[externalID]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	if !s.setState(SessionDraining) {
		// already draining or terminal, first caller wins
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	s.log.Infof("ending session: %s", reason)

	if up := s.Upstream(); up != nil {
		up.Drain(m.cfg.DrainTimeout)
		up.Close()
	}
	s.setState(SessionClosed)

	if !farEndReasons[reason] {
		s.transport.Close(reason)
	}

	m.remove(externalID)
	return nil
}

// failSession handles an unrecoverable per-session error: the session moves
// to Failed, the far end gets a terminal event and a graceful disconnect,
// and all resources are released. Other sessions are unaffected.
func (m *Manager) failSession(s *Session) {
	if !s.setState(SessionFailed) {
		return
	}
	if up := s.Upstream(); up != nil {
		up.Close()
	}
	s.transport.SendEvent(Event{Type: EventError, Code: ErrCodeConnectionFailed, Text: "assistant connection lost"})
	s.transport.Close(ReasonUpstreamFailed)
	m.remove(s.ID)
}

func (m *Manager) lookup(externalID string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[externalID]
}

func (m *Manager) remove(externalID string) {
	m.mu.Lock()
	delete(m.sessions, externalID)
	m.mu.Unlock()
}

// Count returns the number of registered sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Snapshot returns synchronized session info for metrics reads.
func (m *Manager) Snapshot() []SessionInfo {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	infos := make([]SessionInfo, 0, len(sessions))
	for _, s := range sessions {
		infos = append(infos, s.info())
	}
	return infos
}

// reapIdle force-ends sessions with no inbound activity inside the idle
// window.
func (m *Manager) reapIdle() {
	defer m.wg.Done()

	interval := m.cfg.IdleTimeout / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.mu.Lock()
			var idle []string
			for id, s := range m.sessions {
				if s.State() == SessionActive && s.IdleFor() >= m.cfg.IdleTimeout {
					idle = append(idle, id)
				}
			}
			m.mu.Unlock()

			for _, id := range idle {
				m.log.WithSession(id).Info("idle timeout reached")
				m.EndSession(id, ReasonIdleTimeout)
			}
		}
	}
}

// Shutdown ends every session and stops the reaper. Bounded by ctx.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.cancel()

	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.EndSession(id, ReasonShutdown)
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
