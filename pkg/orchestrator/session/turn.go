package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/voxhall/switchboard/pkg/core/recognize"
	"github.com/voxhall/switchboard/pkg/core/synthesize"
	"github.com/voxhall/switchboard/pkg/core/understand"
	"github.com/voxhall/switchboard/pkg/notify"
	"github.com/voxhall/switchboard/pkg/orchestrator/escalation"
	"github.com/voxhall/switchboard/pkg/orchestrator/fallback"
	"github.com/voxhall/switchboard/pkg/store"
	"github.com/voxhall/switchboard/pkg/telephony"
)

// Stage results posted back to the run loop. Each carries the turn it
// belongs to so results from a superseded turn are discarded.
type transcriptResult struct {
	turnID int
	res    *recognize.Result
	err    error
}

type understoodResult struct {
	turnID   int
	res      *understand.Result
	response string
	category string
	action   escalation.Action
}

type transferResult struct {
	err error
}

type finalized struct{}

// startTranscribe runs speech recognition on the captured utterance in
// its own goroutine. An open recognition circuit degrades the session to
// DTMF without issuing the call.
func (s *Session) startTranscribe() {
	turnID := s.turnSeq
	pcm := s.capture.Bytes()

	if s.deps.Recognizer == nil {
		s.post(transcriptResult{turnID: turnID, err: fallback.ErrCircuitOpen})
		return
	}

	go func() {
		var res *recognize.Result
		err := s.deps.Fallback.Do(context.Background(), fallback.DepRecognition, s.id, func(ctx context.Context) error {
			ctx, cancel := context.WithTimeout(ctx, s.cfg.RecognizeDeadline)
			defer cancel()
			var err error
			res, err = s.deps.Recognizer.Transcribe(ctx, pcm, recognize.Options{
				LanguageHint: s.cfg.Language,
				SampleRate:   s.cfg.SampleRate,
			})
			return err
		})
		s.post(transcriptResult{turnID: turnID, res: res, err: err})
	}()
}

// startUnderstand runs the understanding stage, falling back to scripted
// responses when the circuit is open or the provider fails.
func (s *Session) startUnderstand() {
	turnID := s.turnSeq
	text := s.utterance

	if s.deps.Lockouts.Locked(s.callerID) && looksLikeAuth(text) {
		// Locked callers get the lockout notice locally; the attempt
		// never reaches the understanding backend.
		s.post(understoodResult{
			turnID:   turnID,
			response: s.cfg.Prompts.LockedOut,
			category: "locked_out",
		})
		return
	}

	sc := understand.SessionContext{
		SessionID:     s.id,
		Language:      s.cfg.Language,
		Authenticated: s.authenticated,
		TurnCount:     s.turnSeq,
		History:       append([]understand.Exchange(nil), s.history...),
	}

	go func() {
		var res *understand.Result
		err := s.deps.Fallback.Do(context.Background(), fallback.DepUnderstanding, s.id, func(ctx context.Context) error {
			ctx, cancel := context.WithTimeout(ctx, s.cfg.UnderstandDeadline)
			defer cancel()
			var err error
			if s.deps.Understander == nil {
				return fallback.ErrCircuitOpen
			}
			res, err = s.deps.Understander.Process(ctx, text, sc)
			return err
		})
		if err != nil {
			s.post(s.scriptedFallback(turnID, text))
			return
		}
		s.post(understoodResult{turnID: turnID, res: res, response: res.ResponseText, category: res.Intent})
	}()
}

// scriptedFallback answers from the keyword script when understanding is
// down. Transfer requests are still honored; anything unmatched gets a
// transfer offer.
func (s *Session) scriptedFallback(turnID int, text string) understoodResult {
	if wantsAgent(text) {
		return understoodResult{turnID: turnID, action: escalation.ActionTransfer}
	}
	if s.deps.Scripted != nil {
		if rule, ok := s.deps.Scripted.Match(text); ok {
			return understoodResult{turnID: turnID, response: rule.Response, category: rule.Category}
		}
	}
	return understoodResult{
		turnID:   turnID,
		response: s.cfg.Prompts.OfferTransfer,
		category: "offer_transfer",
	}
}

// handleStageResult routes one async stage result through the state
// machine. Results from earlier turns are dropped.
func (s *Session) handleStageResult(msg any) {
	switch res := msg.(type) {
	case transcriptResult:
		if res.turnID != s.turnSeq || s.state != StateTranscribing {
			return
		}
		s.handleTranscript(res)

	case understoodResult:
		if res.turnID != s.turnSeq || s.state != StateUnderstanding {
			return
		}
		s.handleUnderstood(res)

	case transferResult:
		if s.state != StateTransferring {
			return
		}
		if res.err != nil {
			if errors.Is(res.err, telephony.ErrNoAgent) {
				s.logger.Info("no agent available, scheduling callback")
				s.apply(Event{Kind: EvNoAgent})
				return
			}
			s.logger.Error("transfer failed", "error", res.err)
			s.apply(Event{Kind: EvNoAgent})
			return
		}
		s.transferred = true
		s.end("transfer")
		s.apply(Event{Kind: EvTransferOK})

	case finalized:
		s.apply(Event{Kind: EvFinalized})
	}
}

func (s *Session) handleTranscript(res transcriptResult) {
	if res.err != nil {
		if errors.Is(res.err, fallback.ErrCircuitOpen) || !s.deps.Fallback.Allow(fallback.DepRecognition) {
			s.logger.Warn("recognition unavailable, degrading to keypad input")
			s.dtmfMode = true
			s.publish()
			s.apply(Event{Kind: EvDegradeDTMF})
			return
		}
		// Transient failure with a closed circuit: treat like a low
		// confidence result so the caller is asked to repeat.
		s.lowConfRuns++
		s.apply(Event{
			Kind:       EvTranscriptLow,
			Retries:    s.lowConfRuns,
			MaxRetries: s.cfg.MaxLowConfidence,
			DTMFMode:   s.dtmfMode,
		})
		return
	}

	if res.res.Confidence < s.cfg.LowConfidence || strings.TrimSpace(res.res.Text) == "" {
		s.lowConfRuns++
		s.logger.Info("low confidence transcript",
			"confidence", res.res.Confidence,
			"attempt", s.lowConfRuns,
		)
		s.apply(Event{
			Kind:       EvTranscriptLow,
			Retries:    s.lowConfRuns,
			MaxRetries: s.cfg.MaxLowConfidence,
			DTMFMode:   s.dtmfMode,
		})
		return
	}

	s.lowConfRuns = 0
	s.utterance = res.res.Text
	s.persistLine("caller", res.res.Text, res.res.Confidence)
	s.apply(Event{Kind: EvTranscript})
}

func (s *Session) handleUnderstood(res understoodResult) {
	if res.action == escalation.ActionTransfer {
		s.apply(Event{Kind: EvEscalateTransfer})
		return
	}

	signals := escalation.Signals{Sentiment: s.sentiment()}

	if res.res != nil {
		s.sentimentSum += res.res.Sentiment
		s.sentimentN++
		signals.Sentiment = s.sentiment()
		signals.ExplicitRequest = res.res.Escalate
		signals.OutOfDomain = res.res.OutOfDomain

		s.applyIntent(res.res)
		signals.AuthFailures = s.deps.Lockouts.Failures(s.callerID)

		if s.deps.Lockouts.Locked(s.callerID) && isAuthIntent(res.res.Intent) {
			// The lockout already fired; say goodbye and end the call.
			res.response = s.cfg.Prompts.LockedOut
			res.category = "locked_out"
			s.hangupAfter = true
			s.end("lockout")
		}

		s.history = append(s.history, understand.Exchange{Caller: s.utterance, System: res.res.ResponseText})
		if len(s.history) > 8 {
			s.history = s.history[len(s.history)-8:]
		}
	}

	cfg := escalation.Config{
		MaxAuthFailures:    s.cfg.MaxAuthFailures,
		MaxLowConfidence:   s.cfg.MaxLowConfidence,
		SentimentThreshold: s.cfg.SentimentEscalation,
	}
	if !s.hangupAfter {
		switch escalation.Evaluate(signals, cfg) {
		case escalation.ActionTransfer:
			s.persistLine("agent", s.cfg.Prompts.TransferNotice, 1.0)
			s.apply(Event{Kind: EvEscalateTransfer})
			return
		case escalation.ActionLockout:
			s.lockOut()
			res.response = s.cfg.Prompts.LockedOut
			res.category = "locked_out"
		case escalation.ActionOfferTransfer:
			res.response = strings.TrimSpace(res.response + " " + s.cfg.Prompts.OfferTransfer)
			if res.category == "" {
				res.category = "offer_transfer"
			}
		}
	}

	if res.response == "" {
		res.response = s.cfg.Prompts.Repeat
		res.category = "repeat_request"
	}
	s.response = res.response
	s.respCategory = res.category
	s.persistLine("agent", res.response, 1.0)
	s.apply(Event{Kind: EvUnderstood, DTMFMode: s.dtmfMode})
}

// applyIntent folds understanding side effects into the session.
func (s *Session) applyIntent(res *understand.Result) {
	switch res.Intent {
	case "auth_success":
		s.authenticated = true
		s.deps.Lockouts.RecordSuccess(s.callerID)
	case "auth_failure":
		failures, lockedNow := s.deps.Lockouts.RecordFailure(s.callerID)
		s.logger.Warn("authentication failure", "failures", failures)
		if lockedNow {
			s.lockOut()
		}
	case "sms_opt_in":
		s.smsOptIn = true
	case "resume_voice":
		// Keypad mode is sticky until the caller asks for voice back, and
		// only when recognition is healthy again.
		if s.dtmfMode && s.deps.Fallback.Allow(fallback.DepRecognition) {
			s.dtmfMode = false
			s.publish()
		}
	case "recording_consent":
		s.recordingOK = true
	}
	if v, ok := res.Entities["sms_opt_in"]; ok && v == "true" {
		s.smsOptIn = true
	}
	if v, ok := res.Entities["recording_consent"]; ok && v == "true" {
		s.recordingOK = true
	}
}

// lockOut alerts administrators about a tripped lockout.
func (s *Session) lockOut() {
	s.logger.Warn("caller locked out", "caller", s.callerID)
	if s.deps.Notifier == nil {
		return
	}
	ev := notify.AdminEvent{
		Kind:   "caller_lockout",
		Detail: fmt.Sprintf("caller %s locked after repeated authentication failures", s.callerID),
		Payload: map[string]any{
			"session_id": s.id,
			"caller_id":  s.callerID,
		},
		At: time.Now(),
	}
	go func() {
		if err := s.deps.Notifier.AlertAdministrators(context.Background(), ev); err != nil {
			s.logger.Error("lockout alert failed", "error", err)
		}
	}()
}

// speak synthesizes text and plays it to the caller. When synthesis is
// unavailable the matching pre-recorded asset plays instead, falling back
// to the generic notice. Playback is cancellable for barge-in.
func (s *Session) speak(kind playKind, text, category string) {
	s.cancelPlayback()
	playCtx, cancel := context.WithCancel(context.Background())
	s.playCancel = cancel

	go func() {
		reader, degraded := s.renderSpeech(playCtx, text, category)
		if reader == nil {
			s.playResCh <- playResult{kind: kind, err: errNoAudio}
			return
		}
		if degraded {
			s.logger.Warn("speaking degraded asset", "category", category)
		}
		err := s.call.PlayAudio(playCtx, reader)
		if c, ok := reader.(io.Closer); ok {
			_ = c.Close()
		}
		s.playResCh <- playResult{kind: kind, err: err}
	}()
}

var errNoAudio = errors.New("session: no audio available for playback")

// renderSpeech returns an audio stream for text, degraded=true when it
// came from the asset library rather than live synthesis.
func (s *Session) renderSpeech(ctx context.Context, text, category string) (io.Reader, bool) {
	if s.deps.Synthesizer != nil && s.deps.Fallback.Allow(fallback.DepSynthesis) {
		var stream io.ReadCloser
		err := s.deps.Fallback.Do(ctx, fallback.DepSynthesis, s.id, func(ctx context.Context) error {
			ctx, cancel := context.WithTimeout(ctx, s.cfg.SynthesizeDeadline)
			defer cancel()
			var err error
			stream, err = s.deps.Synthesizer.Synthesize(ctx, text, synthesize.Options{
				Language:     s.cfg.Language,
				VoiceProfile: s.cfg.VoiceProfile,
				SampleRate:   s.cfg.SampleRate,
			})
			return err
		})
		if err == nil {
			return stream, false
		}
	}

	if s.deps.Assets == nil {
		return nil, true
	}
	data, actual := s.deps.Assets.Resolve(category)
	if data == nil {
		return nil, true
	}
	if actual != category {
		s.logger.Warn("asset category missing, playing generic notice", "category", category)
	}
	return bytes.NewReader(data), true
}

// startTransfer asks telephony to hand the call to a live agent.
func (s *Session) startTransfer() {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.TransferDeadline)
		defer cancel()
		err := s.call.Transfer(ctx, s.cfg.TransferTarget)
		s.post(transferResult{err: err})
	}()
}

// startCallback confirms a callback by SMS and speaks the notice. The
// machine advances to Ending once the notice finishes playing.
func (s *Session) startCallback() {
	s.end("callback")
	if s.deps.Notifier != nil {
		sms := notify.SMS{Phone: s.callerID, Message: s.cfg.Prompts.CallbackSMS}
		go func() {
			if err := s.deps.Notifier.SendSMS(context.Background(), sms); err != nil {
				s.logger.Error("callback sms failed", "error", err)
			}
		}()
	}
	s.speak(playFarewell, s.cfg.Prompts.CallbackNotice, "callback_notice")
}

// startFinalize persists the summary and, if the caller opted in, sends
// the SMS recap. Posting finalized moves the machine to Terminated.
func (s *Session) startFinalize() {
	summary := store.Summary{
		SessionID:   s.id,
		EndedAt:     time.Now(),
		EndReason:   s.endReason,
		TurnCount:   s.turnSeq,
		Sentiment:   s.sentiment(),
		Escalated:   s.escalated,
		Transferred: s.transferred,
	}
	smsOptIn := s.smsOptIn

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if s.deps.Store != nil {
			if err := s.deps.Store.FinalizeSessionRecord(ctx, summary); err != nil {
				s.logger.Error("session record finalize failed", "error", err)
			}
		}
		if smsOptIn && s.deps.Notifier != nil {
			msg := fmt.Sprintf("Thanks for calling. Your conversation covered %d topics and is on record. Reply STOP to opt out.", summary.TurnCount)
			if err := s.deps.Notifier.SendSMS(ctx, notify.SMS{Phone: s.callerID, Message: msg}); err != nil {
				s.logger.Error("summary sms failed", "error", err)
			}
		}
		s.post(finalized{})
	}()
}

// persistCreate writes the initial session record off the hot path.
func (s *Session) persistCreate() {
	if s.deps.Store == nil {
		return
	}
	rec := store.SessionRecord{
		ID:        s.id,
		CallRef:   s.call.Ref(),
		CallerID:  s.callerID,
		Language:  s.cfg.Language,
		StartedAt: s.startedAt,
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.deps.Store.CreateSessionRecord(ctx, rec); err != nil {
			s.logger.Error("session record create failed", "error", err)
		}
	}()
}

// persistLine appends one transcript line off the hot path.
func (s *Session) persistLine(speaker, text string, confidence float64) {
	if s.deps.Store == nil {
		return
	}
	line := store.TranscriptLine{
		SessionID:  s.id,
		Turn:       s.turnSeq,
		Speaker:    speaker,
		Text:       text,
		Confidence: confidence,
		At:         time.Now(),
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.deps.Store.AppendTranscriptLine(ctx, line); err != nil {
			s.logger.Error("transcript append failed", "error", err)
		}
	}()
}

// post delivers a stage result to the run loop without ever blocking a
// stage goroutine on a dead session.
func (s *Session) post(msg any) {
	select {
	case s.stageCh <- msg:
	default:
		go func() { s.stageCh <- msg }()
	}
}

func looksLikeAuth(text string) bool {
	t := strings.ToLower(text)
	return strings.Contains(t, "pin") ||
		strings.Contains(t, "password") ||
		strings.Contains(t, "verify") ||
		strings.Contains(t, "keypad entry:")
}

func isAuthIntent(intent string) bool {
	return intent == "auth_failure" || intent == "auth_success" || intent == "auth_attempt"
}

func wantsAgent(text string) bool {
	t := strings.ToLower(text)
	for _, kw := range []string{"agent", "representative", "human", "person", "operator"} {
		if strings.Contains(t, kw) {
			return true
		}
	}
	return false
}
