// Package bridge relays real-time audio between callers and a streaming
// multimodal AI service. A caller reaches the bridge either as a phone call
// routed through a telephony provider's media stream or as a browser
// WebSocket session; either way the bridge opens one upstream AI session
// per caller, converts audio between the two worlds, and keeps both legs
// attributed to each other until the call ends.
//
// # Overview
//
// The bridge is built from four layers:
//
//   - Audio codec/resampler: pure transforms between the telephony codec
//     (G.711 mu-law, 8kHz) and linear PCM, plus deterministic sample-rate
//     conversion between the telephony, upstream-input, and upstream-output
//     rates.
//   - UpstreamClient: one logical connection to the AI streaming service.
//     It performs the setup handshake, queues outbound audio with
//     drop-oldest shedding, and demultiplexes responses into classified
//     messages (audio, text, transcriptions) on a receive channel.
//   - Manager: the process-wide session registry. It atomically claims an
//     external call identifier, bridges inbound frames, pumps upstream
//     responses back to the transport, and tears both legs down together.
//   - Transports: the telephony media-stream listener and the browser
//     listener, each adapting its socket to the Transport interface the
//     Manager is written against.
//
// # Quick Start
//
//	cfg := bridge.NewConfig()
//	logger := bridge.NewLogger(nil)
//	mgr := bridge.NewManager(cfg, nil, logger)
//
//	go bridge.NewWebhookServer(cfg, mgr, logger).ListenAndServe()
//	go bridge.NewTelephonyServer(cfg, mgr, logger).ListenAndServe()
//	go bridge.NewBrowserServer(cfg, mgr, logger).ListenAndServe()
//
// # Error Handling
//
// Errors carry machine-readable codes (see errors.go). Per-frame errors
// (FORMAT_ERROR, SESSION_NOT_FOUND, UPSTREAM_PROTOCOL_ERROR) drop the
// offending frame and leave the session running. Per-session errors
// (UPSTREAM_UNAVAILABLE, CONNECTION_FAILED) terminate only that session and
// never affect other active sessions.
//
// # Configuration
//
// Configuration is environment-driven with .env support; see Config. CLI
// flags on the voicebridge binary override the environment.
package bridge
