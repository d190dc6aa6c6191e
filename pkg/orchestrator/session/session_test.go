package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/voxhall/switchboard/pkg/core/recognize"
	"github.com/voxhall/switchboard/pkg/core/synthesize"
	"github.com/voxhall/switchboard/pkg/core/understand"
	"github.com/voxhall/switchboard/pkg/notify"
	"github.com/voxhall/switchboard/pkg/orchestrator/escalation"
	"github.com/voxhall/switchboard/pkg/orchestrator/fallback"
	"github.com/voxhall/switchboard/pkg/orchestrator/registry"
	"github.com/voxhall/switchboard/pkg/store"
	"github.com/voxhall/switchboard/pkg/telephony"
)

func pcmFrame(amplitude int16) []byte {
	frame := make([]byte, 320)
	for i := 0; i < len(frame); i += 2 {
		frame[i] = byte(amplitude)
		frame[i+1] = byte(amplitude >> 8)
	}
	return frame
}

func speechFrame() telephony.Frame {
	return telephony.Frame{Kind: telephony.FrameAudio, PCM: pcmFrame(4000)}
}

func loudFrame() telephony.Frame {
	return telephony.Frame{Kind: telephony.FrameAudio, PCM: pcmFrame(9000)}
}

func silentFrame() telephony.Frame {
	return telephony.Frame{Kind: telephony.FrameAudio, PCM: make([]byte, 320)}
}

type fakeCall struct {
	mu          sync.Mutex
	frames      chan telephony.Frame
	played      []string
	holdText    string
	transfers   []string
	transferErr error
	hangups     []string
}

func newFakeCall() *fakeCall {
	return &fakeCall{frames: make(chan telephony.Frame, 64)}
}

func (c *fakeCall) Ref() string                    { return "call-1" }
func (c *fakeCall) CallerID() string               { return "+15550001111" }
func (c *fakeCall) Frames() <-chan telephony.Frame { return c.frames }

func (c *fakeCall) PlayAudio(ctx context.Context, r io.Reader) error {
	data, _ := io.ReadAll(r)
	text := string(data)
	c.mu.Lock()
	c.played = append(c.played, text)
	hold := c.holdText != "" && text == c.holdText
	c.mu.Unlock()
	if hold {
		<-ctx.Done()
		return ctx.Err()
	}
	return nil
}

func (c *fakeCall) Transfer(ctx context.Context, target string) error {
	c.mu.Lock()
	c.transfers = append(c.transfers, target)
	c.mu.Unlock()
	return c.transferErr
}

func (c *fakeCall) Hangup(reason string) error {
	c.mu.Lock()
	c.hangups = append(c.hangups, reason)
	c.mu.Unlock()
	return nil
}

func (c *fakeCall) playedSnapshot() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.played...)
}

func (c *fakeCall) transferCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.transfers)
}

func (c *fakeCall) send(f telephony.Frame) {
	select {
	case c.frames <- f:
	default:
	}
}

type transcriptStub struct {
	text string
	conf float64
	err  error
}

type fakeRecognizer struct {
	mu    sync.Mutex
	queue []transcriptStub
}

func (r *fakeRecognizer) Name() string { return "fake-stt" }

func (r *fakeRecognizer) Transcribe(ctx context.Context, pcm []byte, opts recognize.Options) (*recognize.Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.queue) == 0 {
		return &recognize.Result{Text: "hello", Confidence: 0.95}, nil
	}
	stub := r.queue[0]
	r.queue = r.queue[1:]
	if stub.err != nil {
		return nil, stub.err
	}
	return &recognize.Result{Text: stub.text, Confidence: stub.conf}, nil
}

type fakeUnderstander struct {
	fn func(text string, sc understand.SessionContext) (*understand.Result, error)
}

func (u *fakeUnderstander) Name() string { return "fake-nlu" }

func (u *fakeUnderstander) Process(ctx context.Context, text string, sc understand.SessionContext) (*understand.Result, error) {
	if u.fn == nil {
		return &understand.Result{ResponseText: "echo: " + text, Intent: "general"}, nil
	}
	return u.fn(text, sc)
}

type fakeSynthesizer struct{ err error }

func (s *fakeSynthesizer) Name() string { return "fake-tts" }

func (s *fakeSynthesizer) Synthesize(ctx context.Context, text string, opts synthesize.Options) (io.ReadCloser, error) {
	if s.err != nil {
		return nil, s.err
	}
	return io.NopCloser(strings.NewReader(text)), nil
}

type fakeStore struct {
	mu      sync.Mutex
	created []store.SessionRecord
	lines   []store.TranscriptLine
	summary *store.Summary
}

func (f *fakeStore) CreateSessionRecord(ctx context.Context, rec store.SessionRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, rec)
	return nil
}

func (f *fakeStore) AppendTranscriptLine(ctx context.Context, line store.TranscriptLine) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lines = append(f.lines, line)
	return nil
}

func (f *fakeStore) FinalizeSessionRecord(ctx context.Context, s store.Summary) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.summary = &s
	return nil
}

func (f *fakeStore) finalSummary() *store.Summary {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.summary
}

type fakeNotifier struct {
	mu     sync.Mutex
	sms    []notify.SMS
	alerts []notify.AdminEvent
}

func (f *fakeNotifier) SendSMS(ctx context.Context, msg notify.SMS) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sms = append(f.sms, msg)
	return nil
}

func (f *fakeNotifier) AlertAdministrators(ctx context.Context, ev notify.AdminEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alerts = append(f.alerts, ev)
	return nil
}

type harness struct {
	call     *fakeCall
	rec      *fakeRecognizer
	und      *fakeUnderstander
	synth    *fakeSynthesizer
	store    *fakeStore
	notifier *fakeNotifier
	reg      *registry.Registry
	sess     *Session
	released chan struct{}
	done     chan struct{}
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.SilenceFinalization = 15 * time.Millisecond
	cfg.DTMFInterdigit = 100 * time.Millisecond
	cfg.IdleTimeout = 10 * time.Second
	cfg.MaxDuration = 30 * time.Second
	return cfg
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newHarness(t *testing.T, cfg Config, mutate func(*harness)) *harness {
	t.Helper()
	h := &harness{
		call:     newFakeCall(),
		rec:      &fakeRecognizer{},
		und:      &fakeUnderstander{},
		synth:    &fakeSynthesizer{},
		store:    &fakeStore{},
		notifier: &fakeNotifier{},
		reg:      registry.New(),
		released: make(chan struct{}),
		done:     make(chan struct{}),
	}
	if mutate != nil {
		mutate(h)
	}

	controller := fallback.NewController(fallback.Config{
		Breaker: fallback.BreakerConfig{
			FailureThreshold: 2,
			Window:           time.Minute,
			Cooldown:         time.Minute,
		},
		AlertThreshold: 100,
		AlertWindow:    time.Minute,
		AlertInterval:  time.Minute,
	}, quietLogger(), nil)

	var once sync.Once
	h.sess = New(h.call, cfg, Dependencies{
		Recognizer:   h.rec,
		Understander: h.und,
		Synthesizer:  h.synth,
		Fallback:     controller,
		Scripted: fallback.NewScriptedResponder([]fallback.ScriptedRule{
			{Keywords: []string{"hours", "open"}, Response: "We are open nine to five.", Category: "opening_hours"},
		}),
		Assets: synthesize.NewAssetLibrary(map[string][]byte{
			synthesize.GenericNoticeCategory: []byte("generic notice"),
		}),
		Registry:  h.reg,
		Store:     h.store,
		Notifier:  h.notifier,
		Lockouts:  escalation.NewLockoutTable(cfg.MaxAuthFailures, 0),
		Logger:    quietLogger(),
		OnRelease: func() { once.Do(func() { close(h.released) }) },
	})
	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	go func() {
		defer close(h.done)
		_ = h.sess.Run(context.Background())
	}()
}

func (h *harness) waitState(t *testing.T, want string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if snap, ok := h.reg.Get(h.sess.ID()); ok && snap.State == want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	snap, _ := h.reg.Get(h.sess.ID())
	t.Fatalf("state=%q, want %q", snap.State, want)
}

func (h *harness) waitPlayed(t *testing.T, substr string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		for _, text := range h.call.playedSnapshot() {
			if strings.Contains(text, substr) {
				return
			}
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("nothing played containing %q; played=%q", substr, h.call.playedSnapshot())
}

func (h *harness) waitDone(t *testing.T) {
	t.Helper()
	select {
	case <-h.done:
	case <-time.After(5 * time.Second):
		t.Fatal("session did not terminate")
	}
}

// speak feeds an utterance followed by enough silence to finalize it.
func (h *harness) speak(t *testing.T) {
	t.Helper()
	for i := 0; i < 3; i++ {
		h.call.send(speechFrame())
		time.Sleep(2 * time.Millisecond)
	}
	for i := 0; i < 5; i++ {
		h.call.send(silentFrame())
		time.Sleep(10 * time.Millisecond)
	}
}

func TestSessionSingleTurnThenHangup(t *testing.T) {
	h := newHarness(t, testConfig(), func(h *harness) {
		h.rec.queue = []transcriptStub{{text: "what are your opening hours", conf: 0.92}}
	})
	h.start(t)

	h.waitPlayed(t, "How can I help")
	h.waitState(t, "listening")
	h.speak(t)
	h.waitPlayed(t, "echo: what are your opening hours")
	h.waitState(t, "listening")

	h.call.send(telephony.Frame{Kind: telephony.FrameHangup})
	h.waitDone(t)

	select {
	case <-h.released:
	default:
		t.Fatal("capacity slot was not released")
	}
	summary := h.store.finalSummary()
	if summary == nil {
		t.Fatal("no summary persisted")
	}
	if summary.EndReason != "hangup" {
		t.Fatalf("end reason=%q, want hangup", summary.EndReason)
	}
	if summary.TurnCount != 1 {
		t.Fatalf("turns=%d, want 1", summary.TurnCount)
	}
}

func TestSessionLowConfidenceTwiceEscalates(t *testing.T) {
	h := newHarness(t, testConfig(), func(h *harness) {
		h.rec.queue = []transcriptStub{
			{text: "mumble", conf: 0.2},
			{text: "mumble", conf: 0.3},
		}
	})
	h.start(t)

	h.waitState(t, "listening")
	h.speak(t)
	h.waitPlayed(t, "didn't catch")
	h.waitState(t, "listening")
	h.speak(t)
	h.waitDone(t)

	if n := h.call.transferCount(); n != 1 {
		t.Fatalf("transfers=%d, want 1", n)
	}
	summary := h.store.finalSummary()
	if summary == nil || summary.EndReason != "transfer" {
		t.Fatalf("summary=%+v, want transfer end", summary)
	}
	if !summary.Escalated || !summary.Transferred {
		t.Fatalf("escalated=%v transferred=%v, want both true", summary.Escalated, summary.Transferred)
	}
}

func TestSessionBargeInCancelsPlayback(t *testing.T) {
	h := newHarness(t, testConfig(), func(h *harness) {
		h.und.fn = func(text string, sc understand.SessionContext) (*understand.Result, error) {
			if sc.TurnCount == 1 {
				return &understand.Result{ResponseText: "a very long answer", Intent: "general"}, nil
			}
			return &understand.Result{ResponseText: "short answer", Intent: "general"}, nil
		}
		h.call.holdText = "a very long answer"
	})
	h.start(t)

	h.waitState(t, "listening")
	h.speak(t)
	h.waitState(t, "responding")

	// Caller talks over the held playback.
	h.call.send(loudFrame())
	h.call.send(loudFrame())
	h.call.send(loudFrame())
	h.waitState(t, "listening")

	h.speak(t)
	h.waitPlayed(t, "short answer")

	h.call.send(telephony.Frame{Kind: telephony.FrameHangup})
	h.waitDone(t)

	played := h.call.playedSnapshot()
	long := 0
	for _, text := range played {
		if text == "a very long answer" {
			long++
		}
	}
	if long != 1 {
		t.Fatalf("cancelled response played %d times, want 1", long)
	}
	if s := h.store.finalSummary(); s == nil || s.TurnCount != 2 {
		t.Fatalf("summary=%+v, want 2 turns", s)
	}
}

func TestSessionDegradesToDTMF(t *testing.T) {
	h := newHarness(t, testConfig(), func(h *harness) {
		h.rec.queue = []transcriptStub{
			{err: errors.New("stt down")},
			{err: errors.New("stt down")},
		}
	})
	h.start(t)

	h.waitState(t, "listening")
	// Two failed turns trip the recognition circuit.
	h.speak(t)
	h.waitPlayed(t, "didn't catch")
	h.waitState(t, "listening")
	h.speak(t)
	h.waitPlayed(t, "keypad")
	h.waitState(t, "listening_dtmf")
	time.Sleep(30 * time.Millisecond) // let the announcement finish so digits are collected

	for _, d := range []string{"4", "2", "#"} {
		h.call.send(telephony.Frame{Kind: telephony.FrameDTMF, Digit: d})
		time.Sleep(5 * time.Millisecond)
	}
	h.waitPlayed(t, "echo: keypad entry: 42")
	h.waitState(t, "listening_dtmf")

	h.call.send(telephony.Frame{Kind: telephony.FrameHangup})
	h.waitDone(t)
}

func TestSessionExplicitTransferNoAgentCallback(t *testing.T) {
	h := newHarness(t, testConfig(), func(h *harness) {
		h.call.transferErr = telephony.ErrNoAgent
		h.und.fn = func(text string, sc understand.SessionContext) (*understand.Result, error) {
			return &understand.Result{ResponseText: "of course", Intent: "transfer", Escalate: true}, nil
		}
	})
	h.start(t)

	h.waitState(t, "listening")
	h.speak(t)
	h.waitDone(t)

	if n := h.call.transferCount(); n != 1 {
		t.Fatalf("transfers=%d, want 1", n)
	}
	h.notifier.mu.Lock()
	smsCount := len(h.notifier.sms)
	h.notifier.mu.Unlock()
	if smsCount != 1 {
		t.Fatalf("callback sms=%d, want 1", smsCount)
	}
	if s := h.store.finalSummary(); s == nil || s.EndReason != "callback" {
		t.Fatalf("summary=%+v, want callback end", s)
	}
}

func TestSessionLockoutAfterAuthFailures(t *testing.T) {
	h := newHarness(t, testConfig(), func(h *harness) {
		h.und.fn = func(text string, sc understand.SessionContext) (*understand.Result, error) {
			return &understand.Result{ResponseText: "that code is not right", Intent: "auth_failure"}, nil
		}
	})
	h.start(t)

	h.waitState(t, "listening")
	for i := 0; i < 2; i++ {
		h.speak(t)
		h.waitPlayed(t, "not right")
		h.waitState(t, "listening")
		h.call.mu.Lock()
		h.call.played = nil
		h.call.mu.Unlock()
	}

	// Third failure locks the caller and ends the call.
	h.speak(t)
	h.waitPlayed(t, "locked")
	h.waitDone(t)

	// The lockout alert is delivered off the hot path.
	deadline := time.Now().Add(2 * time.Second)
	for {
		h.notifier.mu.Lock()
		alerts := len(h.notifier.alerts)
		kind := ""
		if alerts > 0 {
			kind = h.notifier.alerts[0].Kind
		}
		h.notifier.mu.Unlock()
		if alerts == 1 && kind == "caller_lockout" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("alerts=%d kind=%q, want 1 caller_lockout", alerts, kind)
		}
		time.Sleep(5 * time.Millisecond)
	}
	if s := h.store.finalSummary(); s == nil || s.EndReason != "lockout" {
		t.Fatalf("summary=%+v, want lockout end", s)
	}
}

func TestSessionSynthesisFallbackPlaysAsset(t *testing.T) {
	h := newHarness(t, testConfig(), func(h *harness) {
		h.synth.err = errors.New("tts down")
	})
	h.start(t)

	// Greeting synthesis fails and the generic pre-recorded notice plays
	// in its place; the conversation still starts.
	h.waitPlayed(t, "generic notice")
	h.waitState(t, "listening")

	h.call.send(telephony.Frame{Kind: telephony.FrameHangup})
	h.waitDone(t)
}
