package bridge

import (
	"encoding/base64"
	"encoding/json"
)

// ---------------------------------------------------------------------------
// Upstream wire schema (client -> service)
// ---------------------------------------------------------------------------

type setupMessage struct {
	Setup setupBody `json:"setup"`
}

type setupBody struct {
	Model                    string             `json:"model"`
	GenerationConfig         generationConfig   `json:"generation_config"`
	SystemInstruction        *systemInstruction `json:"system_instruction,omitempty"`
	InputAudioTranscription  *struct{}          `json:"input_audio_transcription,omitempty"`
	OutputAudioTranscription *struct{}          `json:"output_audio_transcription,omitempty"`
}

type generationConfig struct {
	ResponseModalities []string `json:"response_modalities"`
}

type systemInstruction struct {
	Parts []textPart `json:"parts"`
}

type textPart struct {
	Text string `json:"text"`
}

func newSetupMessage(cfg *Config) setupMessage {
	msg := setupMessage{
		Setup: setupBody{
			Model: cfg.ModelPath(),
			GenerationConfig: generationConfig{
				ResponseModalities: []string{"AUDIO"},
			},
			InputAudioTranscription:  &struct{}{},
			OutputAudioTranscription: &struct{}{},
		},
	}
	if cfg.SystemInstruction != "" {
		msg.Setup.SystemInstruction = &systemInstruction{
			Parts: []textPart{{Text: cfg.SystemInstruction}},
		}
	}
	return msg
}

type realtimeInputMessage struct {
	RealtimeInput realtimeInput `json:"realtime_input"`
}

type realtimeInput struct {
	MediaChunks []mediaChunk `json:"media_chunks"`
}

type mediaChunk struct {
	MimeType string `json:"mime_type"`
	Data     string `json:"data"`
}

func newAudioInputMessage(b64PCM string) realtimeInputMessage {
	return realtimeInputMessage{
		RealtimeInput: realtimeInput{
			MediaChunks: []mediaChunk{{MimeType: "audio/pcm", Data: b64PCM}},
		},
	}
}

type clientContentMessage struct {
	ClientContent clientContent `json:"client_content"`
}

type clientContent struct {
	Turns        []clientTurn `json:"turns"`
	TurnComplete bool         `json:"turn_complete"`
}

type clientTurn struct {
	Role  string     `json:"role"`
	Parts []textPart `json:"parts"`
}

func newTextInputMessage(text string) clientContentMessage {
	return clientContentMessage{
		ClientContent: clientContent{
			Turns:        []clientTurn{{Role: "user", Parts: []textPart{{Text: text}}}},
			TurnComplete: true,
		},
	}
}

// ---------------------------------------------------------------------------
// Upstream wire schema (service -> client)
// ---------------------------------------------------------------------------

type serverEnvelope struct {
	SetupComplete json.RawMessage `json:"setupComplete,omitempty"`
	ServerContent *serverContent  `json:"serverContent,omitempty"`
}

type serverContent struct {
	ModelTurn           *modelTurn     `json:"modelTurn,omitempty"`
	InputTranscription  *transcription `json:"inputTranscription,omitempty"`
	OutputTranscription *transcription `json:"outputTranscription,omitempty"`
	TurnComplete        bool           `json:"turnComplete,omitempty"`
	Interrupted         bool           `json:"interrupted,omitempty"`
}

type modelTurn struct {
	Parts []serverPart `json:"parts,omitempty"`
}

type serverPart struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type inlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type transcription struct {
	Text string `json:"text,omitempty"`
}

// ClassifyServerMessage parses one raw upstream wire message into its
// classified parts. A single wire message may demultiplex into several
// UpstreamMessages (audio plus transcription, for example). Messages with
// no recognizable shape produce an UPSTREAM_PROTOCOL_ERROR; callers log
// and drop those, they are never fatal.
func ClassifyServerMessage(raw []byte) ([]UpstreamMessage, error) {
	var env serverEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, WrapError(err, ErrCodeUpstreamProtocol)
	}

	var msgs []UpstreamMessage

	if len(env.SetupComplete) > 0 && string(env.SetupComplete) != "null" {
		msgs = append(msgs, UpstreamMessage{Kind: UpstreamSetupAck})
	}

	sc := env.ServerContent
	if sc != nil {
		if sc.InputTranscription != nil && sc.InputTranscription.Text != "" {
			msgs = append(msgs, UpstreamMessage{Kind: UpstreamInputTranscription, Text: sc.InputTranscription.Text})
		}
		if sc.OutputTranscription != nil && sc.OutputTranscription.Text != "" {
			msgs = append(msgs, UpstreamMessage{Kind: UpstreamOutputTranscription, Text: sc.OutputTranscription.Text})
		}
		if sc.Interrupted {
			msgs = append(msgs, UpstreamMessage{Kind: UpstreamInterrupted})
		}
		if sc.ModelTurn != nil {
			for _, part := range sc.ModelTurn.Parts {
				switch {
				case part.InlineData != nil:
					audio, err := base64.StdEncoding.DecodeString(part.InlineData.Data)
					if err != nil {
						return msgs, WrapError(err, ErrCodeUpstreamProtocol)
					}
					msgs = append(msgs, UpstreamMessage{
						Kind:     UpstreamAudioChunk,
						Audio:    audio,
						MimeType: part.InlineData.MimeType,
					})
				case part.Text != "":
					msgs = append(msgs, UpstreamMessage{Kind: UpstreamText, Text: part.Text})
				}
			}
		}
		if sc.TurnComplete {
			msgs = append(msgs, UpstreamMessage{Kind: UpstreamTurnComplete})
		}
	}

	if len(msgs) == 0 {
		return nil, NewProtocolError("unrecognized upstream message shape")
	}
	return msgs, nil
}

// ---------------------------------------------------------------------------
// Telephony media-stream wire schema
// ---------------------------------------------------------------------------

type mediaFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sampleRate"`
	Channels   int    `json:"channels"`
}

type mediaStart struct {
	CallSID     string      `json:"callSid"`
	StreamSID   string      `json:"streamSid"`
	AccountSID  string      `json:"accountSid,omitempty"`
	MediaFormat mediaFormat `json:"mediaFormat"`
}

type mediaPayload struct {
	Payload string `json:"payload"`
}

type mediaMark struct {
	Name string `json:"name"`
}

type mediaEvent struct {
	Event     string        `json:"event"`
	StreamSID string        `json:"streamSid,omitempty"`
	Start     *mediaStart   `json:"start,omitempty"`
	Media     *mediaPayload `json:"media,omitempty"`
	Mark      *mediaMark    `json:"mark,omitempty"`
}

func newMediaMessage(streamSID, b64Payload string) mediaEvent {
	return mediaEvent{
		Event:     "media",
		StreamSID: streamSID,
		Media:     &mediaPayload{Payload: b64Payload},
	}
}

func newClearMessage(streamSID string) mediaEvent {
	return mediaEvent{Event: "clear", StreamSID: streamSID}
}

func newMarkMessage(streamSID, name string) mediaEvent {
	return mediaEvent{
		Event:     "mark",
		StreamSID: streamSID,
		Mark:      &mediaMark{Name: name},
	}
}

// ---------------------------------------------------------------------------
// Browser wire schema
// ---------------------------------------------------------------------------

// browserInbound covers the two inbound browser message shapes: a
// realtime_input audio envelope or a plain text turn.
type browserInbound struct {
	RealtimeInput *realtimeInput `json:"realtime_input,omitempty"`
	Text          string         `json:"text,omitempty"`
}

// browserAudioMessage carries one outbound audio chunk to the browser.
type browserAudioMessage struct {
	Type       string `json:"type"`
	Data       string `json:"data"`
	SampleRate int    `json:"sample_rate"`
}
