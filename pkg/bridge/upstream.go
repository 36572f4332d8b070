package bridge

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// UpstreamClient is one logical connection to the AI streaming service. It
// behaves identically whether the audio source is a browser or a telephony
// bridge: frames in, classified messages out.
type UpstreamClient interface {
	// SendAudio encodes the frame per the upstream wire schema and queues it
	// for transmission. It never blocks; when the transport is backpressured
	// beyond the queue depth the oldest queued frame is shed.
	SendAudio(f Frame) error
	// SendText forwards a complete user text turn.
	SendText(text string) error
	// Recv returns the channel of classified upstream messages. The channel
	// is closed when the connection terminates; Err reports why.
	Recv() <-chan UpstreamMessage
	// Drain waits until the send queue is empty or the timeout elapses.
	Drain(timeout time.Duration)
	// Close tears the connection down and discards any queued sends.
	// Idempotent.
	Close() error
	State() UpstreamState
	Err() error
	Stats() UpstreamStats
}

// DialFunc establishes an UpstreamClient. The Manager takes one so tests
// and alternative backends can substitute the transport.
type DialFunc func(ctx context.Context, cfg *Config, log *Logger) (UpstreamClient, error)

type upstreamConn struct {
	cfg  *Config
	log  *Logger
	conn *websocket.Conn

	sendq  chan []byte
	recv   chan UpstreamMessage
	closed chan struct{}

	mu        sync.Mutex
	state     UpstreamState
	termErr   error
	closeOnce sync.Once

	framesSent    atomic.Uint64
	framesDropped atomic.Uint64
	msgsReceived  atomic.Uint64
}

// DialUpstream opens the upstream stream, performs the setup handshake, and
// starts the read and write loops. The whole sequence is bounded by the
// configured connect timeout; failure surfaces as UPSTREAM_UNAVAILABLE and
// leaves nothing running.
func DialUpstream(ctx context.Context, cfg *Config, log *Logger) (UpstreamClient, error) {
	if log == nil {
		log = GetGlobalLogger()
	}
	log = log.WithComponent("upstream")

	token := cfg.Token
	if token == "" && cfg.TokenEndpoint != "" {
		var err error
		token, err = NewTokenManager(cfg.TokenEndpoint, cfg.TokenRefreshBuffer).Token()
		if err != nil {
			return nil, WrapError(err, ErrCodeUpstreamUnavailable)
		}
	}

	header := make(http.Header)
	header.Set("Content-Type", "application/json")
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}

	// One deadline covers the dial and the setup ack together.
	deadline := time.Now().Add(cfg.ConnectTimeout)
	dctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	dialer := &websocket.Dialer{HandshakeTimeout: cfg.ConnectTimeout}
	conn, _, err := dialer.DialContext(dctx, cfg.UpstreamURL(), header)
	if err != nil {
		return nil, WrapError(err, ErrCodeUpstreamUnavailable)
	}

	c := &upstreamConn{
		cfg:    cfg,
		log:    log,
		conn:   conn,
		sendq:  make(chan []byte, cfg.SendQueueDepth),
		recv:   make(chan UpstreamMessage, 16),
		closed: make(chan struct{}),
		state:  UpstreamHandshaking,
	}

	if err := c.handshake(deadline); err != nil {
		conn.Close()
		return nil, err
	}

	c.setState(UpstreamStreaming)
	go c.writeLoop()
	go c.readLoop()

	return c, nil
}

// handshake sends the setup message and waits for the service ack, bounded
// by the deadline the dial started from.
func (c *upstreamConn) handshake(deadline time.Time) error {
	if err := c.conn.WriteJSON(newSetupMessage(c.cfg)); err != nil {
		return WrapError(err, ErrCodeUpstreamUnavailable)
	}

	c.conn.SetReadDeadline(deadline)
	defer c.conn.SetReadDeadline(time.Time{})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return NewUpstreamUnavailableError("no setup ack before timeout").AddDetail("cause", err.Error())
		}
		msgs, cerr := ClassifyServerMessage(raw)
		if cerr != nil {
			c.log.WithError(cerr).Debug("dropping unclassifiable message during handshake")
			continue
		}
		for _, m := range msgs {
			if m.Kind == UpstreamSetupAck {
				c.log.Debug("upstream setup complete")
				return nil
			}
		}
	}
}

func (c *upstreamConn) SendAudio(f Frame) error {
	if c.State() != UpstreamStreaming {
		return NewConnectionError("upstream is not streaming")
	}
	if f.Codec != CodecPCM16 {
		return NewFormatError("upstream frames must be linear PCM").AddDetail("codec", string(f.Codec))
	}

	msg := newAudioInputMessage(base64.StdEncoding.EncodeToString(f.Payload))
	data, err := json.Marshal(msg)
	if err != nil {
		return WrapError(err, ErrCodeJSONParse)
	}

	c.enqueue(data)
	return nil
}

func (c *upstreamConn) SendText(text string) error {
	if c.State() != UpstreamStreaming {
		return NewConnectionError("upstream is not streaming")
	}
	data, err := json.Marshal(newTextInputMessage(text))
	if err != nil {
		return WrapError(err, ErrCodeJSONParse)
	}
	c.enqueue(data)
	return nil
}

// enqueue adds data to the send queue without blocking. When the queue is
// full the oldest entry is shed first: real-time latency wins over
// completeness.
func (c *upstreamConn) enqueue(data []byte) {
	for {
		select {
		case c.sendq <- data:
			return
		default:
		}
		select {
		case <-c.sendq:
			c.framesDropped.Add(1)
			if c.cfg.DebugAudio {
				c.log.Debug("send queue full, shed oldest frame")
			}
		default:
		}
	}
}

func (c *upstreamConn) writeLoop() {
	for {
		select {
		case <-c.closed:
			return
		case data := <-c.sendq:
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.fail(WrapError(err, ErrCodeConnectionFailed))
				return
			}
			c.framesSent.Add(1)
		}
	}
}

func (c *upstreamConn) readLoop() {
	defer close(c.recv)
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.closed:
				// deliberate close, not a failure
			default:
				c.fail(WrapError(err, ErrCodeConnectionFailed))
			}
			return
		}
		c.msgsReceived.Add(1)

		msgs, cerr := ClassifyServerMessage(raw)
		if cerr != nil {
			c.log.WithError(cerr).Debug("dropping unclassifiable upstream message")
			continue
		}
		for _, m := range msgs {
			select {
			case c.recv <- m:
			case <-c.closed:
				return
			}
		}
	}
}

func (c *upstreamConn) Recv() <-chan UpstreamMessage {
	return c.recv
}

func (c *upstreamConn) Drain(timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for len(c.sendq) > 0 && time.Now().Before(deadline) {
		select {
		case <-c.closed:
			return
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// fail records the terminal error and tears the connection down. The first
// caller wins; Close after fail is a no-op and vice versa.
func (c *upstreamConn) fail(err error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.termErr = err
		c.state = UpstreamClosed
		c.mu.Unlock()
		close(c.closed)
		c.conn.Close()
		if err != nil {
			c.log.WithError(err).Debug("upstream connection terminated")
		}
	})
}

func (c *upstreamConn) Close() error {
	c.setState(UpstreamClosing)
	c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	c.fail(nil)
	return nil
}

func (c *upstreamConn) State() UpstreamState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *upstreamConn) setState(s UpstreamState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == UpstreamClosed {
		return
	}
	c.state = s
}

func (c *upstreamConn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.termErr
}

func (c *upstreamConn) Stats() UpstreamStats {
	return UpstreamStats{
		FramesSent:       c.framesSent.Load(),
		FramesDropped:    c.framesDropped.Load(),
		MessagesReceived: c.msgsReceived.Load(),
	}
}

func (c *upstreamConn) String() string {
	return fmt.Sprintf("upstream(%s)", c.State())
}
