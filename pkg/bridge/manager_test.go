package bridge_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rojolang/voicebridge-go/pkg/bridge"
)

// fakeUpstream is an in-memory UpstreamClient for manager tests.
type fakeUpstream struct {
	mu        sync.Mutex
	frames    []bridge.Frame
	texts     []string
	recv      chan bridge.UpstreamMessage
	state     bridge.UpstreamState
	termErr   error
	closeOnce sync.Once
}

func newFakeUpstream() *fakeUpstream {
	return &fakeUpstream{
		recv:  make(chan bridge.UpstreamMessage, 64),
		state: bridge.UpstreamStreaming,
	}
}

func (f *fakeUpstream) SendAudio(fr bridge.Frame) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != bridge.UpstreamStreaming {
		return bridge.NewConnectionError("upstream is not streaming")
	}
	f.frames = append(f.frames, fr)
	return nil
}

func (f *fakeUpstream) SendText(text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.texts = append(f.texts, text)
	return nil
}

func (f *fakeUpstream) Recv() <-chan bridge.UpstreamMessage { return f.recv }

func (f *fakeUpstream) Drain(time.Duration) {}

func (f *fakeUpstream) Close() error {
	f.closeOnce.Do(func() {
		f.mu.Lock()
		f.state = bridge.UpstreamClosed
		f.mu.Unlock()
		close(f.recv)
	})
	return nil
}

// failWith simulates an unrecoverable upstream disconnect.
func (f *fakeUpstream) failWith(err error) {
	f.closeOnce.Do(func() {
		f.mu.Lock()
		f.state = bridge.UpstreamClosed
		f.termErr = err
		f.mu.Unlock()
		close(f.recv)
	})
}

func (f *fakeUpstream) State() bridge.UpstreamState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeUpstream) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.termErr
}

func (f *fakeUpstream) Stats() bridge.UpstreamStats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return bridge.UpstreamStats{FramesSent: uint64(len(f.frames))}
}

func (f *fakeUpstream) sent() []bridge.Frame {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]bridge.Frame, len(f.frames))
	copy(out, f.frames)
	return out
}

// fakeTransport records everything the manager sends to the far end.
type fakeTransport struct {
	mu     sync.Mutex
	format bridge.AudioFormat
	audio  [][]byte
	events []bridge.Event
	closed bool
	reason string
}

func newTelephonyFakeTransport() *fakeTransport {
	return &fakeTransport{
		format: bridge.AudioFormat{
			Codec:           bridge.CodecMulaw,
			SampleRate:      8000,
			UpstreamInRate:  16000,
			UpstreamOutRate: 24000,
		},
	}
}

func (f *fakeTransport) SendAudio(payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.audio = append(f.audio, payload)
	return nil
}

func (f *fakeTransport) SendEvent(ev bridge.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	return nil
}

func (f *fakeTransport) Format() bridge.AudioFormat { return f.format }

func (f *fakeTransport) Close(reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.reason = reason
	return nil
}

func (f *fakeTransport) audioCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.audio)
}

func (f *fakeTransport) eventTypes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.events))
	for _, ev := range f.events {
		out = append(out, ev.Type)
	}
	return out
}

func (f *fakeTransport) isClosed() (bool, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed, f.reason
}

func testConfig() *bridge.Config {
	cfg := bridge.NewConfig()
	cfg.IdleTimeout = 0 // no reaper in tests
	cfg.DrainTimeout = 100 * time.Millisecond
	cfg.ConnectTimeout = time.Second
	return cfg
}

func newTestManager(t *testing.T, dial bridge.DialFunc) *bridge.Manager {
	t.Helper()
	cfg := testConfig()
	mgr := bridge.NewManager(cfg, dial, bridge.NewLogger(nil))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		mgr.Shutdown(ctx)
	})
	return mgr
}

func dialFake(up *fakeUpstream) bridge.DialFunc {
	return func(context.Context, *bridge.Config, *bridge.Logger) (bridge.UpstreamClient, error) {
		return up, nil
	}
}

func TestStartSessionActivates(t *testing.T) {
	up := newFakeUpstream()
	mgr := newTestManager(t, dialFake(up))

	s, err := mgr.StartSession(context.Background(), "CA123", newTelephonyFakeTransport())
	require.NoError(t, err)
	assert.Equal(t, bridge.SessionActive, s.State())
	assert.Equal(t, 1, mgr.Count())
}

func TestDuplicateSessionRejected(t *testing.T) {
	mgr := newTestManager(t, dialFake(newFakeUpstream()))

	_, err := mgr.StartSession(context.Background(), "CA123", newTelephonyFakeTransport())
	require.NoError(t, err)

	_, err = mgr.StartSession(context.Background(), "CA123", newTelephonyFakeTransport())
	require.Error(t, err)
	assert.True(t, bridge.IsErrorCode(err, bridge.ErrCodeDuplicateSession))
	assert.Equal(t, 1, mgr.Count())
}

func TestConcurrentStartsOneWins(t *testing.T) {
	// Two near-simultaneous starts for the same external id: exactly one
	// session reaches Active, the other gets DUPLICATE_SESSION.
	dial := func(context.Context, *bridge.Config, *bridge.Logger) (bridge.UpstreamClient, error) {
		time.Sleep(10 * time.Millisecond) // widen the claim window
		return newFakeUpstream(), nil
	}
	mgr := newTestManager(t, dial)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = mgr.StartSession(context.Background(), "CA123", newTelephonyFakeTransport())
		}(i)
	}
	wg.Wait()

	var ok, dup int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case bridge.IsErrorCode(err, bridge.ErrCodeDuplicateSession):
			dup++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, dup)
	assert.Equal(t, 1, mgr.Count())
}

func TestMaxSessionsEnforced(t *testing.T) {
	cfg := testConfig()
	cfg.MaxSessions = 1
	mgr := bridge.NewManager(cfg, dialFake(newFakeUpstream()), bridge.NewLogger(nil))
	defer mgr.Shutdown(context.Background())

	_, err := mgr.StartSession(context.Background(), "CA1", newTelephonyFakeTransport())
	require.NoError(t, err)

	_, err = mgr.StartSession(context.Background(), "CA2", newTelephonyFakeTransport())
	require.Error(t, err)
	assert.True(t, bridge.IsErrorCode(err, bridge.ErrCodeSessionLimit))
}

func TestStartSessionUpstreamUnavailable(t *testing.T) {
	dial := func(context.Context, *bridge.Config, *bridge.Logger) (bridge.UpstreamClient, error) {
		return nil, bridge.NewUpstreamUnavailableError("connect timeout")
	}
	mgr := newTestManager(t, dial)

	tr := newTelephonyFakeTransport()
	_, err := mgr.StartSession(context.Background(), "CA123", tr)
	require.Error(t, err)
	assert.True(t, bridge.IsErrorCode(err, bridge.ErrCodeUpstreamUnavailable))

	// No zombie session stays registered, and the caller gets a graceful
	// disconnect rather than silence.
	assert.Equal(t, 0, mgr.Count())
	closed, reason := tr.isClosed()
	assert.True(t, closed)
	assert.Equal(t, bridge.ReasonUpstreamFailed, reason)
	assert.Contains(t, tr.eventTypes(), bridge.EventError)
}

func TestStartSessionTeardownDuringDial(t *testing.T) {
	// A terminal status callback can arrive while the upstream dial is
	// still completing. The start must not report success for a session
	// already in teardown, and the dialed connection must not leak.
	up := newFakeUpstream()
	dialStarted := make(chan struct{})
	release := make(chan struct{})
	dial := func(context.Context, *bridge.Config, *bridge.Logger) (bridge.UpstreamClient, error) {
		close(dialStarted)
		<-release
		return up, nil
	}
	mgr := newTestManager(t, dial)

	errCh := make(chan error, 1)
	go func() {
		_, err := mgr.StartSession(context.Background(), "CA123", newTelephonyFakeTransport())
		errCh <- err
	}()

	<-dialStarted
	require.NoError(t, mgr.EndSession("CA123", bridge.ReasonCallerHangup))
	close(release)

	err := <-errCh
	require.Error(t, err)
	assert.True(t, bridge.IsErrorCode(err, bridge.ErrCodeSessionNotFound))
	assert.Equal(t, 0, mgr.Count())
	assert.Equal(t, bridge.UpstreamClosed, up.State())
}

// slowCloseUpstream holds the teardown window open after the receive
// channel closes.
type slowCloseUpstream struct {
	*fakeUpstream
	delay time.Duration
}

func (s *slowCloseUpstream) Close() error {
	s.fakeUpstream.Close()
	time.Sleep(s.delay)
	return nil
}

func TestEndSessionNoSpuriousFailure(t *testing.T) {
	// The pump sees the receive channel close while EndSession is still
	// draining. That is deliberate teardown, not an upstream failure: the
	// session ends Closed and the caller gets no error event.
	up := &slowCloseUpstream{fakeUpstream: newFakeUpstream(), delay: 50 * time.Millisecond}
	dial := func(context.Context, *bridge.Config, *bridge.Logger) (bridge.UpstreamClient, error) {
		return up, nil
	}
	mgr := newTestManager(t, dial)

	tr := newTelephonyFakeTransport()
	s, err := mgr.StartSession(context.Background(), "CA123", tr)
	require.NoError(t, err)

	require.NoError(t, mgr.EndSession("CA123", bridge.ReasonCallerHangup))
	time.Sleep(20 * time.Millisecond) // let a misrouted pump exit surface

	assert.Equal(t, bridge.SessionClosed, s.State())
	assert.NotContains(t, tr.eventTypes(), bridge.EventError)
}

func TestEndSessionIdempotent(t *testing.T) {
	mgr := newTestManager(t, dialFake(newFakeUpstream()))

	s, err := mgr.StartSession(context.Background(), "CA123", newTelephonyFakeTransport())
	require.NoError(t, err)

	require.NoError(t, mgr.EndSession("CA123", bridge.ReasonCallerHangup))
	assert.Equal(t, 0, mgr.Count())
	assert.Equal(t, bridge.SessionClosed, s.State())

	// Second call is a no-op, not an error.
	require.NoError(t, mgr.EndSession("CA123", bridge.ReasonCallerHangup))
	assert.Equal(t, 0, mgr.Count())
}

func TestEndSessionClosesTransportForBridgeReasons(t *testing.T) {
	mgr := newTestManager(t, dialFake(newFakeUpstream()))

	tr := newTelephonyFakeTransport()
	_, err := mgr.StartSession(context.Background(), "CA123", tr)
	require.NoError(t, err)

	require.NoError(t, mgr.EndSession("CA123", bridge.ReasonIdleTimeout))
	closed, reason := tr.isClosed()
	assert.True(t, closed)
	assert.Equal(t, bridge.ReasonIdleTimeout, reason)
}

func TestBridgeInboundStaleFrameSafe(t *testing.T) {
	mgr := newTestManager(t, dialFake(newFakeUpstream()))

	_, err := mgr.StartSession(context.Background(), "CA123", newTelephonyFakeTransport())
	require.NoError(t, err)
	require.NoError(t, mgr.EndSession("CA123", bridge.ReasonCallerHangup))

	// Frames arriving after teardown are an expected race; they are
	// reported, never propagated, and must not panic.
	err = mgr.BridgeInbound("CA123", make([]byte, 160))
	require.Error(t, err)
	assert.True(t, bridge.IsErrorCode(err, bridge.ErrCodeSessionNotFound))
}

func TestBridgeInboundUnknownSession(t *testing.T) {
	mgr := newTestManager(t, dialFake(newFakeUpstream()))

	err := mgr.BridgeInbound("CAnope", make([]byte, 160))
	assert.True(t, bridge.IsErrorCode(err, bridge.ErrCodeSessionNotFound))
}

func TestTelephonyCallScenario(t *testing.T) {
	// A start for CA123, 50 media frames of 160 bytes, then stop: the
	// upstream receives exactly 50 PCM frames at the upstream input rate,
	// and no registry entry remains afterwards.
	up := newFakeUpstream()
	mgr := newTestManager(t, dialFake(up))

	s, err := mgr.StartSession(context.Background(), "CA123", newTelephonyFakeTransport())
	require.NoError(t, err)

	for i := 0; i < 50; i++ {
		payload := make([]byte, 160)
		for j := range payload {
			payload[j] = 0xFF
		}
		require.NoError(t, mgr.BridgeInbound("CA123", payload))
	}

	frames := up.sent()
	require.Len(t, frames, 50)
	for _, f := range frames {
		assert.Equal(t, bridge.CodecPCM16, f.Codec)
		assert.Equal(t, 16000, f.SampleRate)
		// 160 mulaw samples at 8kHz resample to 320 PCM samples at 16kHz.
		assert.Equal(t, 320, f.Samples())
	}

	require.NoError(t, mgr.EndSession("CA123", bridge.ReasonCallerHangup))
	assert.Equal(t, bridge.SessionClosed, s.State())
	assert.Equal(t, 0, mgr.Count())
}

func TestBridgeInboundFormatErrorContained(t *testing.T) {
	up := newFakeUpstream()
	mgr := newTestManager(t, dialFake(up))

	s, err := mgr.StartSession(context.Background(), "CA123", newTelephonyFakeTransport())
	require.NoError(t, err)

	// An empty payload is a format error: the frame drops, the session
	// stays active.
	err = mgr.BridgeInbound("CA123", nil)
	require.Error(t, err)
	assert.True(t, bridge.IsErrorCode(err, bridge.ErrCodeFormat))
	assert.Equal(t, bridge.SessionActive, s.State())

	require.NoError(t, mgr.BridgeInbound("CA123", make([]byte, 160)))
	assert.Len(t, up.sent(), 1)
}

func TestOutboundAudioConverted(t *testing.T) {
	up := newFakeUpstream()
	mgr := newTestManager(t, dialFake(up))

	tr := newTelephonyFakeTransport()
	_, err := mgr.StartSession(context.Background(), "CA123", tr)
	require.NoError(t, err)

	// 480 samples of 24kHz PCM should come out as 160 mulaw bytes at 8kHz.
	up.recv <- bridge.UpstreamMessage{Kind: bridge.UpstreamAudioChunk, Audio: make([]byte, 480*2)}

	require.Eventually(t, func() bool { return tr.audioCount() == 1 }, time.Second, 5*time.Millisecond)
	tr.mu.Lock()
	payload := tr.audio[0]
	tr.mu.Unlock()
	assert.Len(t, payload, 160)
}

func TestTranscriptionWithoutAudio(t *testing.T) {
	// An output transcription with no accompanying audio forwards a text
	// event and triggers no audio conversion.
	up := newFakeUpstream()
	mgr := newTestManager(t, dialFake(up))

	tr := newTelephonyFakeTransport()
	s, err := mgr.StartSession(context.Background(), "CA123", tr)
	require.NoError(t, err)

	up.recv <- bridge.UpstreamMessage{Kind: bridge.UpstreamOutputTranscription, Text: "hello"}

	require.Eventually(t, func() bool {
		for _, typ := range tr.eventTypes() {
			if typ == bridge.EventOutputTranscription {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, 0, tr.audioCount())
	assert.Equal(t, "hello", s.Transcript().Last(bridge.RoleAgent))
}

func TestUpstreamFailureFailsOnlySession(t *testing.T) {
	upA := newFakeUpstream()
	upB := newFakeUpstream()
	queue := []*fakeUpstream{upA, upB}
	dial := func(context.Context, *bridge.Config, *bridge.Logger) (bridge.UpstreamClient, error) {
		u := queue[0]
		queue = queue[1:]
		return u, nil
	}
	mgr := newTestManager(t, dial)

	trA := newTelephonyFakeTransport()
	trB := newTelephonyFakeTransport()
	sA, err := mgr.StartSession(context.Background(), "CA1", trA)
	require.NoError(t, err)
	sB, err := mgr.StartSession(context.Background(), "CA2", trB)
	require.NoError(t, err)

	upA.failWith(bridge.NewConnectionError("upstream reset"))

	require.Eventually(t, func() bool { return sA.State() == bridge.SessionFailed }, time.Second, 5*time.Millisecond)
	closed, _ := trA.isClosed()
	assert.True(t, closed)
	assert.Contains(t, trA.eventTypes(), bridge.EventError)

	// The other session is untouched.
	assert.Equal(t, bridge.SessionActive, sB.State())
	assert.Equal(t, 1, mgr.Count())
	require.NoError(t, mgr.BridgeInbound("CA2", make([]byte, 160)))
}

func TestBridgeText(t *testing.T) {
	up := newFakeUpstream()
	mgr := newTestManager(t, dialFake(up))

	_, err := mgr.StartSession(context.Background(), "web_abc", newBrowserFakeTransport())
	require.NoError(t, err)

	require.NoError(t, mgr.BridgeText("web_abc", "what time is it"))
	up.mu.Lock()
	defer up.mu.Unlock()
	require.Len(t, up.texts, 1)
	assert.Equal(t, "what time is it", up.texts[0])
}

func newBrowserFakeTransport() *fakeTransport {
	return &fakeTransport{
		format: bridge.AudioFormat{
			Codec:           bridge.CodecPCM16,
			SampleRate:      16000,
			UpstreamInRate:  16000,
			UpstreamOutRate: 24000,
		},
	}
}

func TestBrowserAudioPassThrough(t *testing.T) {
	// Browser sessions receive upstream PCM untouched.
	up := newFakeUpstream()
	mgr := newTestManager(t, dialFake(up))

	tr := newBrowserFakeTransport()
	_, err := mgr.StartSession(context.Background(), "web_abc", tr)
	require.NoError(t, err)

	chunk := make([]byte, 480*2)
	chunk[0] = 0x42
	up.recv <- bridge.UpstreamMessage{Kind: bridge.UpstreamAudioChunk, Audio: chunk}

	require.Eventually(t, func() bool { return tr.audioCount() == 1 }, time.Second, 5*time.Millisecond)
	tr.mu.Lock()
	defer tr.mu.Unlock()
	assert.Equal(t, chunk, tr.audio[0])
}

func TestSnapshot(t *testing.T) {
	mgr := newTestManager(t, dialFake(newFakeUpstream()))

	_, err := mgr.StartSession(context.Background(), "CA123", newTelephonyFakeTransport())
	require.NoError(t, err)
	require.NoError(t, mgr.BridgeInbound("CA123", make([]byte, 160)))

	infos := mgr.Snapshot()
	require.Len(t, infos, 1)
	assert.Equal(t, "CA123", infos[0].ID)
	assert.Equal(t, bridge.SessionActive, infos[0].State)
	assert.Equal(t, uint64(1), infos[0].FramesIn)
}

func TestShutdownEndsAllSessions(t *testing.T) {
	cfg := testConfig()
	mgr := bridge.NewManager(cfg, dialFake(newFakeUpstream()), bridge.NewLogger(nil))

	_, err := mgr.StartSession(context.Background(), "CA1", newTelephonyFakeTransport())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, mgr.Shutdown(ctx))
	assert.Equal(t, 0, mgr.Count())
}
