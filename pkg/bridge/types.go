package bridge

import "time"

// Codec identifies the encoding of a Frame payload.
type Codec string

const (
	CodecMulaw Codec = "mulaw"
	CodecPCM16 Codec = "pcm16"
)

// Frame is an immutable chunk of audio plus its encoding metadata.
// Conversions produce new Frames; a Frame is never mutated in place.
type Frame struct {
	Payload    []byte
	Codec      Codec
	SampleRate int
	Channels   int
	Timestamp  time.Time
}

func NewFrame(payload []byte, codec Codec, sampleRate int) Frame {
	return Frame{
		Payload:    payload,
		Codec:      codec,
		SampleRate: sampleRate,
		Channels:   1,
		Timestamp:  time.Now(),
	}
}

// Samples returns the number of audio samples carried by the frame.
func (f Frame) Samples() int {
	if f.Codec == CodecPCM16 {
		return len(f.Payload) / 2
	}
	return len(f.Payload)
}

// Duration returns the playback duration of the frame.
func (f Frame) Duration() time.Duration {
	if f.SampleRate == 0 {
		return 0
	}
	return time.Duration(f.Samples()) * time.Second / time.Duration(f.SampleRate)
}

// AudioFormat is the negotiated audio contract for one session: the
// transport's native codec and rate plus the upstream input/output rates.
// Fixed once the session handshake completes.
type AudioFormat struct {
	Codec           Codec
	SampleRate      int
	UpstreamInRate  int
	UpstreamOutRate int
}

// SessionState enum
type SessionState string

const (
	SessionCreated     SessionState = "created"
	SessionHandshaking SessionState = "handshaking"
	SessionActive      SessionState = "active"
	SessionDraining    SessionState = "draining"
	SessionClosed      SessionState = "closed"
	SessionFailed      SessionState = "failed"
)

// Terminal reports whether no further transitions are possible.
func (s SessionState) Terminal() bool {
	return s == SessionClosed || s == SessionFailed
}

// UpstreamState enum
type UpstreamState string

const (
	UpstreamUninitialized UpstreamState = "uninitialized"
	UpstreamHandshaking   UpstreamState = "handshaking"
	UpstreamStreaming     UpstreamState = "streaming"
	UpstreamClosing       UpstreamState = "closing"
	UpstreamClosed        UpstreamState = "closed"
)

// UpstreamKind classifies a demultiplexed upstream message.
type UpstreamKind string

const (
	UpstreamSetupAck            UpstreamKind = "setup_ack"
	UpstreamAudioChunk          UpstreamKind = "audio_chunk"
	UpstreamText                UpstreamKind = "text"
	UpstreamInputTranscription  UpstreamKind = "input_transcription"
	UpstreamOutputTranscription UpstreamKind = "output_transcription"
	UpstreamTurnComplete        UpstreamKind = "turn_complete"
	UpstreamInterrupted         UpstreamKind = "interrupted"
)

// UpstreamMessage is one classified message received from the upstream
// service. Exactly one of Audio or Text is populated depending on Kind.
type UpstreamMessage struct {
	Kind     UpstreamKind
	Audio    []byte // decoded PCM payload for UpstreamAudioChunk
	MimeType string
	Text     string
}

// Event is a structured non-audio event forwarded to a transport.
type Event struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
	Code string `json:"code,omitempty"`
}

const (
	EventReady               = "ready"
	EventText                = "text"
	EventInputTranscription  = "input_transcription"
	EventOutputTranscription = "output_transcription"
	EventTurnComplete        = "turn_complete"
	EventInterrupted         = "interrupted"
	EventError               = "error"
)

// UpstreamStats are cumulative counters for one upstream connection.
type UpstreamStats struct {
	FramesSent       uint64
	FramesDropped    uint64
	MessagesReceived uint64
}
