package bridge

import (
	"strings"
	"sync"
	"time"
)

// TranscriptEntry is one attributed line of conversation.
type TranscriptEntry struct {
	Role      string // "caller" or "agent"
	Text      string
	Timestamp time.Time
}

const (
	RoleCaller = "caller"
	RoleAgent  = "agent"
)

// Transcript is the session-scoped buffer of input and output
// transcriptions. It lives and dies with its session; nothing is persisted.
type Transcript struct {
	mu         sync.Mutex
	entries    []TranscriptEntry
	maxEntries int
}

// NewTranscript creates a transcript buffer. maxEntries <= 0 means
// unbounded; otherwise the oldest entries are evicted.
func NewTranscript(maxEntries int) *Transcript {
	return &Transcript{maxEntries: maxEntries}
}

func (t *Transcript) add(role, text string) {
	if text == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries = append(t.entries, TranscriptEntry{Role: role, Text: text, Timestamp: time.Now()})
	if t.maxEntries > 0 && len(t.entries) > t.maxEntries {
		t.entries = t.entries[len(t.entries)-t.maxEntries:]
	}
}

// AddCaller records an input transcription (what the caller said).
func (t *Transcript) AddCaller(text string) { t.add(RoleCaller, text) }

// AddAgent records an output transcription (what the agent said).
func (t *Transcript) AddAgent(text string) { t.add(RoleAgent, text) }

// Entries returns a copy of the transcript so far.
func (t *Transcript) Entries() []TranscriptEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]TranscriptEntry, len(t.entries))
	copy(out, t.entries)
	return out
}

// Len returns the number of recorded entries.
func (t *Transcript) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Last returns the most recent entry for the given role.
func (t *Transcript) Last(role string) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := len(t.entries) - 1; i >= 0; i-- {
		if t.entries[i].Role == role {
			return t.entries[i].Text
		}
	}
	return ""
}

// String renders the transcript as role-prefixed lines.
func (t *Transcript) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var sb strings.Builder
	for _, e := range t.entries {
		sb.WriteString(e.Role)
		sb.WriteString(": ")
		sb.WriteString(e.Text)
		sb.WriteString("\n")
	}
	return sb.String()
}
