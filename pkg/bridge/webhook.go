package bridge

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"net/http"
)

// WebhookServer answers the telephony provider's HTTP callbacks. Its only
// real obligation is the markup response that tells the provider to open a
// bidirectional media stream to the telephony listener.
type WebhookServer struct {
	cfg *Config
	mgr *Manager
	log *Logger
	srv *http.Server
}

func NewWebhookServer(cfg *Config, mgr *Manager, log *Logger) *WebhookServer {
	if log == nil {
		log = GetGlobalLogger()
	}
	return &WebhookServer{cfg: cfg, mgr: mgr, log: log.WithComponent("webhook")}
}

func (ws *WebhookServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/incoming-call", ws.handleIncomingCall)
	mux.HandleFunc("/call-status", ws.handleCallStatus)
	mux.HandleFunc("/health", ws.handleHealth)
	return mux
}

func (ws *WebhookServer) ListenAndServe() error {
	ws.srv = &http.Server{Addr: ws.cfg.WebhookAddr, Handler: ws.Handler()}
	ws.log.Infof("webhook listener on %s", ws.cfg.WebhookAddr)
	err := ws.srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (ws *WebhookServer) Shutdown(ctx context.Context) error {
	if ws.srv == nil {
		return nil
	}
	return ws.srv.Shutdown(ctx)
}

// Voice-markup response types. The stream URL must match the address the
// telephony listener accepts connections on.

type twimlResponse struct {
	XMLName xml.Name      `xml:"Response"`
	Say     *twimlSay     `xml:"Say,omitempty"`
	Connect *twimlConnect `xml:"Connect,omitempty"`
}

type twimlSay struct {
	Text string `xml:",chardata"`
}

type twimlConnect struct {
	Stream twimlStream `xml:"Stream"`
}

type twimlStream struct {
	URL string `xml:"url,attr"`
}

// StreamURL is the public websocket address the provider should connect its
// media stream to.
func (ws *WebhookServer) StreamURL() string {
	return fmt.Sprintf("wss://%s/media-stream", ws.cfg.PublicHost)
}

func (ws *WebhookServer) handleIncomingCall(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	callSID := r.PostFormValue("CallSid")
	from := r.PostFormValue("From")
	to := r.PostFormValue("To")
	ws.log.Infof("incoming call %s from %s to %s", callSID, from, to)

	resp := twimlResponse{
		Connect: &twimlConnect{Stream: twimlStream{URL: ws.StreamURL()}},
	}
	if ws.cfg.Greeting != "" {
		resp.Say = &twimlSay{Text: ws.cfg.Greeting}
	}

	body, err := xml.Marshal(resp)
	if err != nil {
		ws.log.WithError(err).Error("failed to render voice markup")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/xml")
	w.Write([]byte(xml.Header))
	w.Write(body)
}

// Terminal call statuses; a status callback with one of these ends any
// session still registered for the call.
var terminalCallStatuses = map[string]bool{
	"completed": true,
	"failed":    true,
	"busy":      true,
	"no-answer": true,
	"canceled":  true,
}

func (ws *WebhookServer) handleCallStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	callSID := r.PostFormValue("CallSid")
	status := r.PostFormValue("CallStatus")
	ws.log.Infof("call status %s: %s", callSID, status)

	if callSID != "" && terminalCallStatuses[status] {
		ws.mgr.EndSession(callSID, "call_"+status)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "received"})
}

func (ws *WebhookServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":          "healthy",
		"service":         "voicebridge",
		"active_sessions": ws.mgr.Count(),
	})
}
