package bridge

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// TelephonyServer accepts media-stream connections from the telephony
// provider and drives the session lifecycle from its start/media/stop
// events.
type TelephonyServer struct {
	cfg      *Config
	mgr      *Manager
	log      *Logger
	upgrader websocket.Upgrader
	srv      *http.Server
}

func NewTelephonyServer(cfg *Config, mgr *Manager, log *Logger) *TelephonyServer {
	if log == nil {
		log = GetGlobalLogger()
	}
	return &TelephonyServer{
		cfg: cfg,
		mgr: mgr,
		log: log.WithComponent("telephony"),
		upgrader: websocket.Upgrader{
			// The provider's media gateway is not a browser; origin
			// checks do not apply.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Handler returns the HTTP handler serving the media-stream endpoint.
func (ts *TelephonyServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/media-stream", ts.handleMediaStream)
	return mux
}

func (ts *TelephonyServer) ListenAndServe() error {
	ts.srv = &http.Server{Addr: ts.cfg.TelephonyAddr, Handler: ts.Handler()}
	ts.log.Infof("media stream listener on %s", ts.cfg.TelephonyAddr)
	err := ts.srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (ts *TelephonyServer) Shutdown(ctx context.Context) error {
	if ts.srv == nil {
		return nil
	}
	return ts.srv.Shutdown(ctx)
}

func (ts *TelephonyServer) handleMediaStream(w http.ResponseWriter, r *http.Request) {
	conn, err := ts.upgrader.Upgrade(w, r, nil)
	if err != nil {
		ts.log.WithError(err).Warn("media stream upgrade failed")
		return
	}
	ts.log.Infof("media stream connection from %s", conn.RemoteAddr())

	callSID := ""
	defer func() {
		if callSID != "" {
			ts.mgr.EndSession(callSID, ReasonTransportClosed)
		}
		conn.Close()
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				ts.log.WithError(err).Debug("media stream read ended")
			}
			return
		}

		var ev mediaEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			ts.log.WithError(err).Warn("dropping malformed media event")
			continue
		}

		switch ev.Event {
		case "connected":
			ts.log.Debug("media stream connected")

		case "start":
			if ev.Start == nil || ev.Start.CallSID == "" {
				ts.log.Warn("start event without call sid")
				continue
			}
			callSID = ev.Start.CallSID
			ts.handleStart(conn, ev)

		case "media":
			if callSID == "" || ev.Media == nil {
				continue
			}
			payload, err := base64.StdEncoding.DecodeString(ev.Media.Payload)
			if err != nil {
				ts.log.WithSession(callSID).Warn("dropping undecodable media payload")
				continue
			}
			if err := ts.mgr.BridgeInbound(callSID, payload); err != nil {
				// Stale frames after teardown are expected during race
				// windows; format errors drop a single frame.
				ts.log.WithSession(callSID).WithError(err).Debug("inbound frame dropped")
			}

		case "stop":
			ts.log.WithSession(callSID).Info("media stream stopped")
			if callSID != "" {
				ts.mgr.EndSession(callSID, ReasonCallerHangup)
				callSID = ""
			}
			return

		case "mark":
			if ev.Mark != nil {
				ts.log.WithSession(callSID).Debugf("mark ack: %s", ev.Mark.Name)
			}

		default:
			ts.log.Debugf("ignoring media event %q", ev.Event)
		}
	}
}

func (ts *TelephonyServer) handleStart(conn *websocket.Conn, ev mediaEvent) {
	log := ts.log.WithSession(ev.Start.CallSID)
	log.Infof("media stream started (stream %s, %s %dHz)",
		ev.Start.StreamSID, ev.Start.MediaFormat.Encoding, ev.Start.MediaFormat.SampleRate)

	format := ts.cfg.TelephonyFormat()
	if ev.Start.MediaFormat.SampleRate > 0 {
		format.SampleRate = ev.Start.MediaFormat.SampleRate
	}

	tr := &telephonyTransport{
		conn:      conn,
		streamSID: ev.Start.StreamSID,
		format:    format,
		log:       log,
	}

	if _, err := ts.mgr.StartSession(context.Background(), ev.Start.CallSID, tr); err != nil {
		// The caller still gets a graceful disconnect rather than
		// silence-until-timeout: StartSession closes the transport on
		// failure, which sends a close frame to the media gateway.
		log.WithError(err).Error("failed to start session")
	}
}

// telephonyTransport adapts one provider media socket to the Transport
// interface: native mulaw audio, marks for pacing, clear on interruption.
type telephonyTransport struct {
	conn      *websocket.Conn
	streamSID string
	format    AudioFormat
	log       *Logger

	mu        sync.Mutex
	closeOnce sync.Once
	marks     uint64
}

func (t *telephonyTransport) SendAudio(mulaw []byte) error {
	msg := newMediaMessage(t.streamSID, base64.StdEncoding.EncodeToString(mulaw))
	return t.writeJSON(msg)
}

func (t *telephonyTransport) SendEvent(ev Event) error {
	switch ev.Type {
	case EventInterrupted:
		// Flush audio the provider has buffered but not yet played.
		return t.writeJSON(newClearMessage(t.streamSID))
	case EventTurnComplete:
		t.mu.Lock()
		t.marks++
		name := fmt.Sprintf("turn-%d", t.marks)
		t.mu.Unlock()
		return t.writeJSON(newMarkMessage(t.streamSID, name))
	case EventInputTranscription, EventOutputTranscription, EventText:
		// A phone has no text surface; transcripts are logged only.
		t.log.Debugf("%s: %s", ev.Type, ev.Text)
		return nil
	case EventError:
		t.log.Warnf("terminal event: %s", ev.Text)
		return nil
	default:
		return nil
	}
}

func (t *telephonyTransport) writeJSON(v interface{}) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn.WriteJSON(v)
}

func (t *telephonyTransport) Format() AudioFormat {
	return t.format
}

func (t *telephonyTransport) Close(reason string) error {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		t.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason),
			time.Now().Add(time.Second))
		t.conn.Close()
	})
	return nil
}
