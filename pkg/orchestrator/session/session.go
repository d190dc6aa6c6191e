package session

import (
	"context"
	"crypto/rand"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/voxhall/switchboard/pkg/core/audio"
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

// Prompts are the fixed caller-facing texts. Each has a pre-recorded asset
// category of the same name for degraded synthesis.
type Prompts struct {
	Greeting       string
	Repeat         string
	DTMFNotice     string
	TransferNotice string
	OfferTransfer  string
	CallbackSMS    string
	CallbackNotice string
	LockedOut      string
	Shutdown       string
}

// DefaultPrompts returns the built-in English prompt set.
func DefaultPrompts() Prompts {
	return Prompts{
		Greeting:       "Hello, you have reached the helpline. How can I help you today?",
		Repeat:         "I'm sorry, I didn't catch that. Could you say it again?",
		DTMFNotice:     "I'm having trouble hearing you. Please use your telephone keypad, and finish with the pound key.",
		TransferNotice: "One moment while I connect you to a colleague.",
		OfferTransfer:  "If you would like, I can connect you to a colleague.",
		CallbackSMS:    "We could not reach an agent. We will call you back as soon as possible.",
		CallbackNotice: "All of our colleagues are busy. We will call you back, and you will receive a text message confirming this.",
		LockedOut:      "For security reasons this account is now locked. Please contact support through the website.",
		Shutdown:       "We are briefly closing this line for maintenance. Please call back in a few minutes.",
	}
}

// Config tunes one session. All durations and thresholds come from the
// orchestrator configuration snapshot taken at admission.
type Config struct {
	SilenceFinalization time.Duration
	GreetingDeadline    time.Duration
	RecognizeDeadline   time.Duration
	UnderstandDeadline  time.Duration
	SynthesizeDeadline  time.Duration
	TransferDeadline    time.Duration
	IdleTimeout         time.Duration
	MaxDuration         time.Duration
	DTMFInterdigit      time.Duration

	LowConfidence       float64
	MaxLowConfidence    int
	BargeInEnergy       float64
	BargeInMinFrames    int
	SilenceEnergy       float64
	SentimentEscalation float64
	MaxAuthFailures     int

	Language       string
	VoiceProfile   string
	SampleRate     int
	TransferTarget string
	MaxUtterance   time.Duration // capture buffer cap

	Prompts Prompts
}

// DefaultConfig returns the built-in session tuning.
func DefaultConfig() Config {
	return Config{
		SilenceFinalization: 3 * time.Second,
		GreetingDeadline:    2 * time.Second,
		RecognizeDeadline:   5 * time.Second,
		UnderstandDeadline:  8 * time.Second,
		SynthesizeDeadline:  5 * time.Second,
		TransferDeadline:    15 * time.Second,
		IdleTimeout:         60 * time.Second,
		MaxDuration:         30 * time.Minute,
		DTMFInterdigit:      4 * time.Second,
		LowConfidence:       0.6,
		MaxLowConfidence:    2,
		BargeInEnergy:       0.12,
		BargeInMinFrames:    2,
		SilenceEnergy:       0.05,
		SentimentEscalation: -0.6,
		MaxAuthFailures:     3,
		Language:            "en",
		VoiceProfile:        "default",
		SampleRate:          8000,
		TransferTarget:      "agents",
		MaxUtterance:        30 * time.Second,
		Prompts:             DefaultPrompts(),
	}
}

// Dependencies are the collaborators a session needs. Registry and
// Fallback are required; the rest may be nil and are skipped (tests) or
// degraded around (providers).
type Dependencies struct {
	Recognizer   recognize.Provider
	Understander understand.Provider
	Synthesizer  synthesize.Provider
	Fallback     *fallback.Controller
	Scripted     *fallback.ScriptedResponder
	Assets       *synthesize.AssetLibrary
	Registry     *registry.Registry
	Store        store.Store
	Notifier     notify.Notifier
	Lockouts     *escalation.LockoutTable
	Logger       *slog.Logger
	// OnRelease frees the capacity slot at termination.
	OnRelease func()
}

type playKind int

const (
	playGreeting playKind = iota
	playResponse
	playPrompt
	playFarewell
)

type playResult struct {
	kind playKind
	err  error
}

// Session is the per-call state machine. All fields are owned by the Run
// goroutine; other goroutines communicate only through channels.
type Session struct {
	id       string
	cfg      Config
	deps     Dependencies
	call     telephony.Call
	logger   *slog.Logger
	callerID string

	state    State
	dtmfMode bool

	turnSeq       int // completed+current turn counter, strictly increasing
	lowConfRuns   int
	utterance     string // text feeding the understanding stage
	response      string // text pending synthesis
	respCategory  string // asset category for degraded synthesis
	sentimentSum  float64
	sentimentN    int
	authenticated bool
	smsOptIn      bool
	recordingOK   bool
	escalated     bool
	transferred   bool
	endReason     string
	hangupAfter   bool // end the call once the pending playback finishes

	history []understand.Exchange

	capture      *audio.Buffer
	silence      *audio.SilenceTracker
	barge        *bargeInMonitor
	dtmf         *dtmfCollector
	captureArmed bool
	armAfterPlay bool

	playCancel context.CancelFunc
	playResCh  chan playResult
	stageCh    chan any
	warnCh     chan string

	idleTimer *time.Timer
	maxTimer  *time.Timer
	dtmfTimer *time.Timer

	startedAt    time.Time
	lastActivity time.Time
	unregister   func()
}

// New creates a session for an admitted call. Missing optional
// dependencies are defaulted the same way across the package.
func New(call telephony.Call, cfg Config, deps Dependencies) *Session {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Lockouts == nil {
		deps.Lockouts = escalation.NewLockoutTable(cfg.MaxAuthFailures, 0)
	}
	if cfg.BargeInMinFrames <= 0 {
		cfg.BargeInMinFrames = 1
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 8000
	}
	if cfg.MaxUtterance <= 0 {
		cfg.MaxUtterance = 30 * time.Second
	}

	id := ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader).String()
	maxCapture := int(cfg.MaxUtterance.Seconds()) * cfg.SampleRate * 2

	return &Session{
		id:        id,
		cfg:       cfg,
		deps:      deps,
		call:      call,
		logger:    deps.Logger.With("session_id", id, "call_ref", call.Ref()),
		callerID:  call.CallerID(),
		state:     StateAdmitted,
		capture:   audio.NewBuffer(maxCapture),
		silence:   audio.NewSilenceTracker(cfg.SilenceEnergy, cfg.SilenceFinalization),
		barge:     newBargeInMonitor(cfg.BargeInEnergy, cfg.BargeInMinFrames),
		dtmf:      newDTMFCollector(cfg.DTMFInterdigit),
		playResCh: make(chan playResult, 4),
		stageCh:   make(chan any, 8),
		warnCh:    make(chan string, 1),
		history:   make([]understand.Exchange, 0, 8),
	}
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Run drives the session until termination. Cancelling ctx force-ends the
// call. The capacity slot is released and the registry entry removed on
// the way out.
func (s *Session) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.startedAt = time.Now()
	s.lastActivity = s.startedAt
	if s.deps.Registry != nil {
		s.unregister = s.deps.Registry.Register(s.snapshot(), registry.Handle{
			Cancel: cancel,
			Warn:   s.queueWarn,
		})
	}
	defer s.teardown()

	s.persistCreate()

	s.idleTimer = time.NewTimer(s.cfg.IdleTimeout)
	defer s.idleTimer.Stop()
	s.maxTimer = time.NewTimer(s.cfg.MaxDuration)
	defer s.maxTimer.Stop()

	s.apply(Event{Kind: EvStart})

	frames := s.call.Frames()
	ctxDone := ctx.Done()
	for !s.state.Terminal() {
		select {
		case frame, ok := <-frames:
			if !ok {
				frames = nil
				s.end("hangup")
				s.apply(Event{Kind: EvHangup})
				continue
			}
			s.handleFrame(frame)

		case res := <-s.playResCh:
			s.handlePlayResult(res)

		case msg := <-s.stageCh:
			s.handleStageResult(msg)

		case reason := <-s.warnCh:
			s.handleWarn(reason)

		case <-s.dtmfTimerC():
			s.dtmfTimer = nil
			if entry, done := s.dtmf.Expire(); done && entry != "" {
				s.submitDigits(entry)
			}

		case <-s.idleTimer.C:
			s.logger.Info("session idle timeout")
			s.end("timeout")
			s.apply(Event{Kind: EvTimeout})

		case <-s.maxTimer.C:
			s.logger.Info("session reached maximum duration")
			s.end("timeout")
			s.apply(Event{Kind: EvTimeout})

		case <-ctxDone:
			ctxDone = nil
			s.end("error")
			s.apply(Event{Kind: EvFatal})
			// The loop keeps draining channels; the finalize path posts
			// EvFinalized to reach Terminated.
		}
	}

	s.logger.Info("session terminated",
		"reason", s.endReason,
		"turns", s.turnSeq,
		"duration", time.Since(s.startedAt).Round(time.Millisecond),
	)
	return nil
}

// handleFrame routes one inbound frame to whichever component owns the
// audio channel in the current state. Ownership never overlaps: capture
// while listening, barge-in while responding.
func (s *Session) handleFrame(frame telephony.Frame) {
	switch frame.Kind {
	case telephony.FrameHangup:
		s.end("hangup")
		s.apply(Event{Kind: EvHangup})

	case telephony.FrameDTMF:
		s.touch()
		if s.state != StateListeningDTMF {
			return
		}
		if entry, done := s.dtmf.Press(frame.Digit); done {
			s.stopDTMFTimer()
			if entry != "" {
				s.submitDigits(entry)
			}
			return
		}
		s.resetDTMFTimer()

	case telephony.FrameAudio:
		if audio.RMSEnergy(frame.PCM) >= s.cfg.SilenceEnergy {
			s.touch()
		}
		switch s.state {
		case StateListening:
			if !s.captureArmed {
				return
			}
			s.capture.Write(frame.PCM)
			if s.silence.Observe(frame.PCM) {
				s.captureArmed = false
				s.beginTurn()
				s.apply(Event{Kind: EvUtteranceFinal})
			}
		case StateResponding:
			if s.dtmfMode {
				return
			}
			if s.barge.Observe(frame.PCM) {
				s.logger.Info("barge-in detected", "turn", s.turnSeq)
				s.apply(Event{Kind: EvBargeIn, DTMFMode: s.dtmfMode})
			}
		}
	}
}

// handlePlayResult reacts to a finished or cancelled playback.
func (s *Session) handlePlayResult(res playResult) {
	if res.err != nil && res.err != context.Canceled {
		s.logger.Warn("playback failed", "kind", int(res.kind), "error", res.err)
	}

	if s.hangupAfter && (res.kind == playResponse || res.kind == playPrompt) {
		reason := s.endReason
		if reason == "" {
			reason = "hangup"
		}
		s.end(reason)
		s.apply(Event{Kind: EvHangup})
		return
	}

	switch res.kind {
	case playGreeting:
		if s.state == StateGreeting {
			s.apply(Event{Kind: EvGreetingDone, DTMFMode: s.dtmfMode})
		}
	case playResponse:
		if res.err == context.Canceled {
			// Barge-in already transitioned; the cancelled tail of the
			// response is discarded, never replayed.
			return
		}
		if s.state == StateResponding {
			s.apply(Event{Kind: EvPlaybackDone, DTMFMode: s.dtmfMode})
		}
	case playPrompt:
		if s.armAfterPlay {
			s.armAfterPlay = false
			s.armCapture()
		}
	case playFarewell:
		if s.state == StateAwaitingCallback {
			s.apply(Event{Kind: EvCallbackScheduled})
			return
		}
		s.apply(Event{Kind: EvHangup})
	}
}

// handleWarn delivers a drain notice. Mid-conversation the notice plays
// once the current activity allows it; a session deep in teardown ignores
// it.
func (s *Session) handleWarn(reason string) {
	s.logger.Info("session warned", "reason", reason)
	if s.state == StateListening || s.state == StateListeningDTMF {
		s.captureArmed = false
		s.speak(playPrompt, s.cfg.Prompts.Shutdown, "shutdown_notice")
		s.armAfterPlay = true
	}
}

// apply runs one transition and executes its effects.
func (s *Session) apply(ev Event) {
	next, effects, err := Transition(s.state, ev)
	if err != nil {
		s.logger.Debug("event ignored", "event", ev.Kind.String(), "state", s.state.String())
		return
	}
	if next != s.state {
		s.logger.Debug("state transition",
			"from", s.state.String(),
			"to", next.String(),
			"event", ev.Kind.String(),
		)
	}
	s.state = next
	s.publish()

	for _, eff := range effects {
		s.execute(eff)
	}
}

// execute performs one transition effect.
func (s *Session) execute(eff Effect) {
	switch eff {
	case EffPlayGreeting:
		s.speak(playGreeting, s.cfg.Prompts.Greeting, "greeting")

	case EffBeginCapture:
		if s.armAfterPlay {
			// A prompt is about to play; capture arms when it is done.
			return
		}
		s.armCapture()

	case EffTranscribe:
		s.startTranscribe()

	case EffUnderstand:
		s.startUnderstand()

	case EffPromptRepeat:
		s.speak(playPrompt, s.cfg.Prompts.Repeat, "repeat_request")
		s.armAfterPlay = true

	case EffAnnounceDTMF:
		s.speak(playPrompt, s.cfg.Prompts.DTMFNotice, "dtmf_notice")
		s.armAfterPlay = true

	case EffSpeakResponse:
		s.barge.Reset()
		s.speak(playResponse, s.response, s.respCategory)

	case EffCancelPlayback:
		s.cancelPlayback()

	case EffRequestTransfer:
		s.escalated = true
		s.startTransfer()

	case EffScheduleCallback:
		s.startCallback()

	case EffFinalize:
		s.captureArmed = false
		s.cancelPlayback()
		s.startFinalize()
	}
}

// beginTurn allocates the next turn sequence number. Numbers are strictly
// increasing and gapless; only the run loop calls this. Low-confidence
// retries carry across re-prompts and clear on the next good transcript.
func (s *Session) beginTurn() {
	s.turnSeq++
}

// submitDigits completes a DTMF entry and runs it as a turn.
func (s *Session) submitDigits(entry string) {
	s.captureArmed = false
	s.beginTurn()
	s.lowConfRuns = 0
	s.utterance = "keypad entry: " + entry
	s.persistLine("caller", s.utterance, 1.0)
	s.apply(Event{Kind: EvDigitsFinal})
}

func (s *Session) armCapture() {
	s.capture.Reset()
	s.silence.Reset()
	s.dtmf.Reset()
	s.stopDTMFTimer()
	s.captureArmed = true
}

func (s *Session) touch() {
	s.lastActivity = time.Now()
	if s.idleTimer != nil {
		if !s.idleTimer.Stop() {
			select {
			case <-s.idleTimer.C:
			default:
			}
		}
		s.idleTimer.Reset(s.cfg.IdleTimeout)
	}
}

func (s *Session) resetDTMFTimer() {
	s.stopDTMFTimer()
	s.dtmfTimer = time.NewTimer(s.cfg.DTMFInterdigit)
}

func (s *Session) stopDTMFTimer() {
	if s.dtmfTimer != nil {
		s.dtmfTimer.Stop()
		s.dtmfTimer = nil
	}
}

func (s *Session) dtmfTimerC() <-chan time.Time {
	if s.dtmfTimer == nil {
		return nil
	}
	return s.dtmfTimer.C
}

// cancelPlayback stops the in-flight playback, if any. Safe to call when
// nothing is playing.
func (s *Session) cancelPlayback() {
	if s.playCancel != nil {
		s.playCancel()
		s.playCancel = nil
	}
}

// end records the terminal reason, first writer wins.
func (s *Session) end(reason string) {
	if s.endReason == "" {
		s.endReason = reason
	}
}

// queueWarn is called from the registry's goroutine during drain.
func (s *Session) queueWarn(reason string) error {
	select {
	case s.warnCh <- reason:
	default:
	}
	return nil
}

// sentiment returns the cumulative estimate, 0 when nothing was measured.
func (s *Session) sentiment() float64 {
	if s.sentimentN == 0 {
		return 0
	}
	return s.sentimentSum / float64(s.sentimentN)
}

func (s *Session) snapshot() registry.Snapshot {
	return registry.Snapshot{
		ID:            s.id,
		CallerID:      s.callerID,
		Language:      s.cfg.Language,
		State:         s.state.String(),
		StartedAt:     s.startedAt,
		LastActivity:  s.lastActivity,
		TurnCount:     s.turnSeq,
		Sentiment:     s.sentiment(),
		Authenticated: s.authenticated,
		RecordingOK:   s.recordingOK,
		SMSOptIn:      s.smsOptIn,
		DTMFMode:      s.dtmfMode,
	}
}

func (s *Session) publish() {
	if s.deps.Registry != nil {
		s.deps.Registry.Publish(s.snapshot())
	}
}

// teardown runs exactly once as Run exits.
func (s *Session) teardown() {
	s.cancelPlayback()
	if s.unregister != nil {
		s.unregister()
	}
	if s.deps.OnRelease != nil {
		s.deps.OnRelease()
	}
	_ = s.call.Hangup(s.endReason)
}
