package bridge

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// BrowserServer accepts browser audio streams. Browser clients speak the
// same realtime_input envelope the upstream service consumes, carrying PCM
// at the browser rate; no codec decode is needed, resample only.
type BrowserServer struct {
	cfg      *Config
	mgr      *Manager
	log      *Logger
	upgrader websocket.Upgrader
	srv      *http.Server
}

func NewBrowserServer(cfg *Config, mgr *Manager, log *Logger) *BrowserServer {
	if log == nil {
		log = GetGlobalLogger()
	}
	return &BrowserServer{
		cfg: cfg,
		mgr: mgr,
		log: log.WithComponent("browser"),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

func (bs *BrowserServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/stream", bs.handleStream)
	return mux
}

func (bs *BrowserServer) ListenAndServe() error {
	bs.srv = &http.Server{Addr: bs.cfg.BrowserAddr, Handler: bs.Handler()}
	bs.log.Infof("browser listener on %s", bs.cfg.BrowserAddr)
	err := bs.srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (bs *BrowserServer) Shutdown(ctx context.Context) error {
	if bs.srv == nil {
		return nil
	}
	return bs.srv.Shutdown(ctx)
}

func (bs *BrowserServer) handleStream(w http.ResponseWriter, r *http.Request) {
	if bs.cfg.RequireBrowserAuth {
		token := r.URL.Query().Get("token")
		if _, err := ValidateSessionToken(token, bs.cfg.APIKey); err != nil {
			bs.log.WithError(err).Warn("rejecting unauthenticated browser stream")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}

	conn, err := bs.upgrader.Upgrade(w, r, nil)
	if err != nil {
		bs.log.WithError(err).Warn("browser upgrade failed")
		return
	}

	sessionID := "web_" + randomHex(8)
	log := bs.log.WithSession(sessionID)
	log.Infof("browser stream from %s", conn.RemoteAddr())

	tr := &browserTransport{
		conn:   conn,
		format: bs.cfg.BrowserFormat(),
	}

	defer func() {
		bs.mgr.EndSession(sessionID, ReasonBrowserDisconnect)
		conn.Close()
	}()

	if _, err := bs.mgr.StartSession(r.Context(), sessionID, tr); err != nil {
		log.WithError(err).Error("failed to start browser session")
		return
	}
	tr.SendEvent(Event{Type: EventReady})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.WithError(err).Debug("browser stream read ended")
			}
			return
		}

		var in browserInbound
		if err := json.Unmarshal(raw, &in); err != nil {
			log.WithError(err).Warn("dropping malformed browser message")
			continue
		}

		switch {
		case in.RealtimeInput != nil:
			for _, chunk := range in.RealtimeInput.MediaChunks {
				payload, err := base64.StdEncoding.DecodeString(chunk.Data)
				if err != nil {
					log.Warn("dropping undecodable media chunk")
					continue
				}
				if err := bs.mgr.BridgeInbound(sessionID, payload); err != nil {
					log.WithError(err).Debug("inbound chunk dropped")
				}
			}
		case in.Text != "":
			if err := bs.mgr.BridgeText(sessionID, in.Text); err != nil {
				log.WithError(err).Debug("text turn dropped")
			}
		default:
			log.Debug("ignoring unrecognized browser message")
		}
	}
}

func randomHex(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand is documented never to fail; a zeroed id must not
		// slip through if that contract is ever broken
		panic(err)
	}
	return hex.EncodeToString(buf)
}

// browserTransport adapts one browser socket to the Transport interface:
// pass-through PCM as base64 JSON plus structured events the UI can render.
type browserTransport struct {
	conn   *websocket.Conn
	format AudioFormat

	mu        sync.Mutex
	closeOnce sync.Once
}

func (t *browserTransport) SendAudio(pcm []byte) error {
	msg := browserAudioMessage{
		Type:       "audio",
		Data:       base64.StdEncoding.EncodeToString(pcm),
		SampleRate: t.format.UpstreamOutRate,
	}
	return t.writeJSON(msg)
}

func (t *browserTransport) SendEvent(ev Event) error {
	return t.writeJSON(ev)
}

func (t *browserTransport) writeJSON(v interface{}) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn.WriteJSON(v)
}

func (t *browserTransport) Format() AudioFormat {
	return t.format
}

func (t *browserTransport) Close(reason string) error {
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
