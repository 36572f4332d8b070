package bridge

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Default audio rates: telephony providers deliver mulaw at 8kHz, the
// upstream service consumes PCM at 16kHz and produces PCM at 24kHz.
const (
	DefaultTelephonyRate   = 8000
	DefaultUpstreamInRate  = 16000
	DefaultUpstreamOutRate = 24000
	DefaultBrowserRate     = 16000
)

const defaultSystemInstruction = "You are a helpful voice assistant answering phone calls. " +
	"Keep responses concise and natural for voice conversation."

// Config holds the bridge process configuration. Values are loaded from the
// environment (with .env support) and may be overridden by CLI flags.
type Config struct {
	// Upstream AI service
	UpstreamHost      string `json:"upstream_host"`
	UpstreamEndpoint  string `json:"upstream_endpoint,omitempty"` // full ws URL override
	ProjectID         string `json:"project_id"`
	Location          string `json:"location"`
	Model             string `json:"model"`
	SystemInstruction string `json:"system_instruction"`

	// Credentials
	Token              string  `json:"-"`
	TokenEndpoint      string  `json:"token_endpoint,omitempty"`
	TokenRefreshBuffer float64 `json:"token_refresh_buffer"`
	APIKey             string  `json:"-"`

	// Listeners
	WebhookAddr   string `json:"webhook_addr"`
	TelephonyAddr string `json:"telephony_addr"`
	BrowserAddr   string `json:"browser_addr"`
	PublicHost    string `json:"public_host"`
	Greeting      string `json:"greeting"`

	// Session policy
	ConnectTimeout time.Duration `json:"connect_timeout"`
	IdleTimeout    time.Duration `json:"idle_timeout"`
	DrainTimeout   time.Duration `json:"drain_timeout"`
	MaxSessions    int           `json:"max_sessions"`
	SendQueueDepth int           `json:"send_queue_depth"`

	// Audio rates
	TelephonyRate   int `json:"telephony_rate"`
	UpstreamInRate  int `json:"upstream_in_rate"`
	UpstreamOutRate int `json:"upstream_out_rate"`
	BrowserRate     int `json:"browser_rate"`

	// Auth and debugging
	RequireBrowserAuth bool   `json:"require_browser_auth"`
	LogLevel           string `json:"log_level"`
	DebugWebsocket     bool   `json:"debug_websocket"`
	DebugAudio         bool   `json:"debug_audio"`
}

func NewConfig() *Config {
	c := &Config{
		UpstreamHost:       "us-central1-aiplatform.googleapis.com",
		Location:           "us-central1",
		Model:              "gemini-2.0-flash-live-preview-04-09",
		SystemInstruction:  defaultSystemInstruction,
		TokenRefreshBuffer: 60.0,
		WebhookAddr:        ":8082",
		TelephonyAddr:      ":8083",
		BrowserAddr:        ":8080",
		Greeting:           "Hello! You are now connected to the voice agent. Please speak after the tone.",
		ConnectTimeout:     10 * time.Second,
		IdleTimeout:        60 * time.Second,
		DrainTimeout:       2 * time.Second,
		SendQueueDepth:     32,
		TelephonyRate:      DefaultTelephonyRate,
		UpstreamInRate:     DefaultUpstreamInRate,
		UpstreamOutRate:    DefaultUpstreamOutRate,
		BrowserRate:        DefaultBrowserRate,
		LogLevel:           "info",
	}

	c.loadFromEnv()

	return c
}

func (c *Config) loadFromEnv() {
	// Load .env if exists
	_ = godotenv.Load()

	setString := func(dst *string, key string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setInt := func(dst *int, key string) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	setDuration := func(dst *time.Duration, key string) {
		if v := os.Getenv(key); v != "" {
			if d, err := time.ParseDuration(v); err == nil {
				*dst = d
			}
		}
	}

	setString(&c.UpstreamHost, "BRIDGE_UPSTREAM_HOST")
	setString(&c.UpstreamEndpoint, "BRIDGE_UPSTREAM_ENDPOINT")
	setString(&c.ProjectID, "GOOGLE_CLOUD_PROJECT_ID")
	setString(&c.Location, "GOOGLE_CLOUD_LOCATION")
	setString(&c.Model, "BRIDGE_MODEL")
	setString(&c.SystemInstruction, "BRIDGE_SYSTEM_INSTRUCTION")
	setString(&c.Token, "GOOGLE_CLOUD_TOKEN")
	setString(&c.TokenEndpoint, "BRIDGE_TOKEN_ENDPOINT")
	setString(&c.APIKey, "BRIDGE_API_KEY")
	setString(&c.WebhookAddr, "BRIDGE_WEBHOOK_ADDR")
	setString(&c.TelephonyAddr, "BRIDGE_TELEPHONY_ADDR")
	setString(&c.BrowserAddr, "BRIDGE_BROWSER_ADDR")
	setString(&c.PublicHost, "BRIDGE_PUBLIC_HOST")
	setString(&c.Greeting, "BRIDGE_GREETING")
	setString(&c.LogLevel, "BRIDGE_LOG_LEVEL")

	setDuration(&c.ConnectTimeout, "BRIDGE_CONNECT_TIMEOUT")
	setDuration(&c.IdleTimeout, "BRIDGE_IDLE_TIMEOUT")
	setDuration(&c.DrainTimeout, "BRIDGE_DRAIN_TIMEOUT")

	setInt(&c.MaxSessions, "BRIDGE_MAX_SESSIONS")
	setInt(&c.SendQueueDepth, "BRIDGE_SEND_QUEUE_DEPTH")
	setInt(&c.TelephonyRate, "BRIDGE_TELEPHONY_RATE")
	setInt(&c.UpstreamInRate, "BRIDGE_UPSTREAM_IN_RATE")
	setInt(&c.UpstreamOutRate, "BRIDGE_UPSTREAM_OUT_RATE")
	setInt(&c.BrowserRate, "BRIDGE_BROWSER_RATE")

	if v := os.Getenv("BRIDGE_TOKEN_REFRESH_BUFFER"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.TokenRefreshBuffer = f
		}
	}

	c.RequireBrowserAuth = os.Getenv("BRIDGE_REQUIRE_BROWSER_AUTH") == "true"
	c.DebugWebsocket = os.Getenv("BRIDGE_DEBUG_WEBSOCKET") == "true"
	c.DebugAudio = os.Getenv("BRIDGE_DEBUG_AUDIO") == "true"
}

// UpstreamURL builds the websocket URL of the upstream bidirectional
// streaming endpoint. UpstreamEndpoint, when set, overrides the derived URL
// (proxies, local emulators).
func (c *Config) UpstreamURL() string {
	if c.UpstreamEndpoint != "" {
		return c.UpstreamEndpoint
	}
	return fmt.Sprintf("wss://%s/ws/google.cloud.aiplatform.v1beta1.LlmBidiService/BidiGenerateContent", c.UpstreamHost)
}

// ModelPath builds the fully qualified model resource name sent in the
// setup message.
func (c *Config) ModelPath() string {
	return fmt.Sprintf("projects/%s/locations/%s/publishers/google/models/%s", c.ProjectID, c.Location, c.Model)
}

// TelephonyFormat is the negotiated format for telephony sessions.
func (c *Config) TelephonyFormat() AudioFormat {
	return AudioFormat{
		Codec:           CodecMulaw,
		SampleRate:      c.TelephonyRate,
		UpstreamInRate:  c.UpstreamInRate,
		UpstreamOutRate: c.UpstreamOutRate,
	}
}

// BrowserFormat is the negotiated format for browser sessions. Output audio
// is passed through at the upstream rate; the browser resamples on playback.
func (c *Config) BrowserFormat() AudioFormat {
	return AudioFormat{
		Codec:           CodecPCM16,
		SampleRate:      c.BrowserRate,
		UpstreamInRate:  c.UpstreamInRate,
		UpstreamOutRate: c.UpstreamOutRate,
	}
}

// Validate returns a list of configuration issues.
func (c *Config) Validate() []string {
	issues := []string{}

	if c.ProjectID == "" {
		issues = append(issues, "GOOGLE_CLOUD_PROJECT_ID not set")
	}
	if c.Token == "" && c.TokenEndpoint == "" {
		issues = append(issues, "no upstream credential: set GOOGLE_CLOUD_TOKEN or BRIDGE_TOKEN_ENDPOINT")
	}
	if c.PublicHost == "" {
		issues = append(issues, "BRIDGE_PUBLIC_HOST not set (required for the webhook stream URL)")
	}
	if c.RequireBrowserAuth && c.APIKey == "" {
		issues = append(issues, "BRIDGE_REQUIRE_BROWSER_AUTH is set but BRIDGE_API_KEY is empty")
	}
	if c.SendQueueDepth <= 0 {
		issues = append(issues, "send queue depth must be positive")
	}
	for _, r := range []int{c.TelephonyRate, c.UpstreamInRate, c.UpstreamOutRate, c.BrowserRate} {
		if r <= 0 {
			issues = append(issues, "sample rates must be positive")
			break
		}
	}
	validLevels := map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.LogLevel)] {
		issues = append(issues, fmt.Sprintf("invalid log level: %s", c.LogLevel))
	}

	return issues
}

func (c *Config) PrintConfig() {
	fmt.Println("Voice Bridge Configuration")
	fmt.Println("==================================================")
	fmt.Printf("Upstream Host: %s\n", c.UpstreamHost)
	fmt.Printf("Model: %s\n", c.Model)
	if c.ProjectID != "" {
		fmt.Printf("Project: %s (%s)\n", c.ProjectID, c.Location)
	} else {
		fmt.Println("Project: NOT SET")
	}
	if c.Token != "" {
		fmt.Println("Credential: static token")
	} else if c.TokenEndpoint != "" {
		fmt.Printf("Credential: token endpoint %s\n", c.TokenEndpoint)
	} else {
		fmt.Println("Credential: NOT SET")
	}
	fmt.Printf("Webhook Listener: %s\n", c.WebhookAddr)
	fmt.Printf("Telephony Listener: %s\n", c.TelephonyAddr)
	fmt.Printf("Browser Listener: %s\n", c.BrowserAddr)
	fmt.Printf("Public Host: %s\n", c.PublicHost)
	fmt.Printf("Connect Timeout: %s\n", c.ConnectTimeout)
	fmt.Printf("Idle Timeout: %s\n", c.IdleTimeout)
	fmt.Printf("Drain Timeout: %s\n", c.DrainTimeout)
	if c.MaxSessions > 0 {
		fmt.Printf("Max Sessions: %d\n", c.MaxSessions)
	} else {
		fmt.Println("Max Sessions: unlimited")
	}
	fmt.Printf("Send Queue Depth: %d\n", c.SendQueueDepth)
	fmt.Printf("Audio: telephony %dHz mulaw, upstream in %dHz / out %dHz, browser %dHz\n",
		c.TelephonyRate, c.UpstreamInRate, c.UpstreamOutRate, c.BrowserRate)
	fmt.Printf("Browser Auth Required: %t\n", c.RequireBrowserAuth)
	fmt.Printf("Log Level: %s\n", c.LogLevel)
	fmt.Printf("Debug WebSocket: %t\n", c.DebugWebsocket)
	fmt.Printf("Debug Audio: %t\n", c.DebugAudio)
}
