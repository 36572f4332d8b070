// bridge-mic is a developer client for manual end-to-end testing: it
// captures the default microphone, streams it to a running bridge's browser
// endpoint, and plays the assistant's audio responses.
package main

import (
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gordonklaus/portaudio"
	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/rojolang/voicebridge-go/pkg/bridge"
)

var (
	endpoint    string
	token       string
	duration    time.Duration
	listDevices bool
	inputRate   int
	outputRate  int
)

func main() {
	cmd := &cobra.Command{
		Use:   "bridge-mic",
		Short: "Stream the local microphone to a running voice bridge",
		Run: func(cmd *cobra.Command, args []string) {
			if err := run(); err != nil {
				bridge.GetGlobalLogger().WithError(err).Fatal("bridge-mic failed")
			}
		},
	}

	cmd.Flags().StringVar(&endpoint, "endpoint", "ws://localhost:8080/stream", "Browser stream endpoint")
	cmd.Flags().StringVar(&token, "token", "", "Session token (required when the bridge enforces auth)")
	cmd.Flags().DurationVar(&duration, "duration", 30*time.Second, "How long to stream")
	cmd.Flags().BoolVar(&listDevices, "list-devices", false, "List audio devices and exit")
	cmd.Flags().IntVar(&inputRate, "input-rate", bridge.DefaultUpstreamInRate, "Microphone capture rate")
	cmd.Flags().IntVar(&outputRate, "output-rate", bridge.DefaultUpstreamOutRate, "Playback rate")

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run() error {
	if err := portaudio.Initialize(); err != nil {
		return err
	}
	defer portaudio.Terminate()

	if listDevices {
		return printDevices()
	}

	url := endpoint
	if token != "" {
		url += "?token=" + token
	}
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", endpoint, err)
	}
	defer conn.Close()

	log := bridge.GetGlobalLogger().WithComponent("bridge-mic")
	log.Infof("connected to %s", endpoint)

	// Playback: buffered PCM fed by the read loop, drained by portaudio.
	playback := make(chan int16, outputRate*2)
	outStream, err := portaudio.OpenDefaultStream(0, 1, float64(outputRate), 512, func(out []int16) {
		for i := range out {
			select {
			case s := <-playback:
				out[i] = s
			default:
				out[i] = 0
			}
		}
	})
	if err != nil {
		return err
	}
	if err := outStream.Start(); err != nil {
		return err
	}
	defer outStream.Close()

	go readLoop(conn, playback, log)

	// Capture: 20ms buffers at the bridge's input rate.
	frames := inputRate / 50
	inStream, err := portaudio.OpenDefaultStream(1, 0, float64(inputRate), frames, func(in []int16) {
		buf := make([]byte, len(in)*2)
		for i, s := range in {
			binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
		}
		msg := map[string]interface{}{
			"realtime_input": map[string]interface{}{
				"media_chunks": []map[string]string{{
					"mime_type": "audio/pcm",
					"data":      base64.StdEncoding.EncodeToString(buf),
				}},
			},
		}
		if err := conn.WriteJSON(msg); err != nil {
			log.WithError(err).Warn("send failed")
		}
	})
	if err != nil {
		return err
	}
	if err := inStream.Start(); err != nil {
		return err
	}
	defer inStream.Close()

	log.Infof("streaming microphone for %s, speak now", duration)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-time.After(duration):
	case <-sig:
	}

	log.Info("done")
	return nil
}

func readLoop(conn *websocket.Conn, playback chan<- int16, log *bridge.Logger) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			log.WithError(err).Debug("stream closed")
			return
		}

		var msg struct {
			Type string `json:"type"`
			Text string `json:"text"`
			Data string `json:"data"`
		}
		if err := json.Unmarshal(raw, &msg); err != nil {
			continue
		}

		switch msg.Type {
		case "audio":
			pcm, err := base64.StdEncoding.DecodeString(msg.Data)
			if err != nil {
				continue
			}
			for i := 0; i+1 < len(pcm); i += 2 {
				s := int16(binary.LittleEndian.Uint16(pcm[i:]))
				select {
				case playback <- s:
				default:
					// playback buffer full, drop
				}
			}
		case "input_transcription":
			fmt.Printf("you: %s\n", msg.Text)
		case "output_transcription", "text":
			fmt.Printf("agent: %s\n", msg.Text)
		case "error":
			fmt.Printf("error: %s\n", msg.Text)
			return
		case "ready":
			log.Info("bridge session ready")
		}
	}
}

func printDevices() error {
	devices, err := portaudio.Devices()
	if err != nil {
		return err
	}
	fmt.Println("Available audio devices:")
	for i, d := range devices {
		kind := ""
		if d.MaxInputChannels > 0 {
			kind += "in"
		}
		if d.MaxOutputChannels > 0 {
			if kind != "" {
				kind += "/"
			}
			kind += "out"
		}
		fmt.Printf("  [%d] %s (%s, %.0fHz, %s)\n", i, d.Name, kind, d.DefaultSampleRate, d.HostApi.Name)
	}
	return nil
}
