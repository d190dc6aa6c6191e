// Package server hosts the telephony gateway websocket and the
// supervision API on a single HTTP listener.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voxhall/switchboard/pkg/core/recognize"
	"github.com/voxhall/switchboard/pkg/core/synthesize"
	"github.com/voxhall/switchboard/pkg/core/understand"
	"github.com/voxhall/switchboard/pkg/notify"
	"github.com/voxhall/switchboard/pkg/orchestrator/admission"
	"github.com/voxhall/switchboard/pkg/orchestrator/config"
	"github.com/voxhall/switchboard/pkg/orchestrator/dashboard"
	"github.com/voxhall/switchboard/pkg/orchestrator/escalation"
	"github.com/voxhall/switchboard/pkg/orchestrator/fallback"
	"github.com/voxhall/switchboard/pkg/orchestrator/registry"
	"github.com/voxhall/switchboard/pkg/orchestrator/session"
	"github.com/voxhall/switchboard/pkg/store"
	"github.com/voxhall/switchboard/pkg/telephony"
)

// Dependencies are the collaborators the server hands to each session.
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
}

// Server accepts gateway calls, runs them through admission, and hosts
// the dashboard endpoints.
type Server struct {
	current  func() config.Config
	deps     Dependencies
	logger   *slog.Logger
	mux      *http.ServeMux
	admitter *admission.Admitter
	upgrader websocket.Upgrader

	startedAt time.Time
	shutdown  chan struct{}
	sessions  sync.WaitGroup

	pendingMu sync.Mutex
	pending   map[string]chan struct{}
}

// New builds the server. current must return the live configuration
// snapshot; with a watcher this is Watcher.Current.
func New(current func() config.Config, deps Dependencies) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	cfg := current()

	s := &Server{
		current: current,
		deps:    deps,
		logger:  deps.Logger,
		mux:     http.NewServeMux(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The gateway is a trusted peer on a private network.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		startedAt: time.Now(),
		shutdown:  make(chan struct{}),
		pending:   make(map[string]chan struct{}),
	}
	s.admitter = admission.New(admission.Config{
		MaxSessions:   cfg.Limits.MaxConcurrentSessions,
		QueueCapacity: cfg.Limits.QueueCapacity,
	}, deps.Logger, s.promote)

	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.Handle("/healthz", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	}))

	s.mux.Handle("/v1/calls", http.HandlerFunc(s.handleCalls))
	s.mux.Handle("/v1/sessions", dashboard.SessionsHandler{Registry: s.deps.Registry})
	s.mux.Handle("/v1/sessions/", dashboard.SessionHandler{Registry: s.deps.Registry})
	s.mux.Handle("/v1/status", dashboard.StatusHandler{
		Admitter:  s.admitter,
		Fallback:  s.deps.Fallback,
		StartedAt: s.startedAt,
	})
}

// Handler returns the listener handler with middleware applied.
func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = withRecover(s.logger, h)
	h = withAccessLog(s.logger, h)
	h = withRequestID(h)
	return h
}

// Admitter exposes the capacity ledger for the drain sequence.
func (s *Server) Admitter() *admission.Admitter { return s.admitter }

// Run serves until ctx is cancelled, then stops accepting new calls.
// Draining live sessions is the caller's job; WaitSessions blocks until
// the last one has torn down.
func (s *Server) Run(ctx context.Context) error {
	cfg := s.current()
	srv := &http.Server{
		Addr:              cfg.Listen.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		close(s.shutdown)
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutCtx)
	}()

	s.logger.Info("listening", "addr", cfg.Listen.Addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// WaitSessions blocks until every running session goroutine has exited or
// ctx expires.
func (s *Server) WaitSessions(ctx context.Context) bool {
	done := make(chan struct{})
	go func() {
		s.sessions.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}

// handleCalls upgrades a gateway connection, reads call.start, and drives
// the call through admission.
func (s *Server) handleCalls(w http.ResponseWriter, r *http.Request) {
	select {
	case <-s.shutdown:
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	start, err := s.readCallStart(conn)
	if err != nil {
		s.logger.Warn("call.start rejected", "error", err)
		_ = conn.WriteJSON(map[string]string{"type": "error", "message": err.Error()})
		_ = conn.Close()
		return
	}

	call := telephony.NewWSCall(conn, *start, s.logger)
	s.logger.Info("incoming call", "call_ref", start.CallRef, "caller_id", start.CallerID)
	s.dispatch(call, start)
}

// readCallStart expects the first text frame to be call.start.
func (s *Server) readCallStart(conn *websocket.Conn) (*telephony.CallStart, error) {
	_ = conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	defer conn.SetReadDeadline(time.Time{})

	kind, data, err := conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	if kind != websocket.TextMessage {
		return nil, errors.New("expected call.start before audio")
	}
	msg, err := telephony.DecodeGatewayMessage(data)
	if err != nil {
		return nil, err
	}
	start, ok := msg.(telephony.CallStart)
	if !ok {
		return nil, errors.New("expected call.start as first message")
	}
	return &start, nil
}

// dispatch runs the admission decision for one call and, once a slot is
// held, the session itself.
func (s *Server) dispatch(call *telephony.WSCall, start *telephony.CallStart) {
	ref := call.Ref()

	promoted := make(chan struct{})
	s.pendingMu.Lock()
	s.pending[ref] = promoted
	s.pendingMu.Unlock()
	defer func() {
		s.pendingMu.Lock()
		delete(s.pending, ref)
		s.pendingMu.Unlock()
	}()

	switch s.admitter.Admit(ref) {
	case admission.Rejected:
		s.logger.Warn("call rejected at capacity", "call_ref", ref)
		_ = call.Hangup("busy")
		return
	case admission.Queued:
		s.logger.Info("call queued", "call_ref", ref)
		if !s.awaitPromotion(call, promoted) {
			return
		}
	}

	s.runSession(call, start)
}

// awaitPromotion holds a queued call until a slot frees up. A caller who
// hangs up leaves the queue; a shutdown empties it.
func (s *Server) awaitPromotion(call *telephony.WSCall, promoted chan struct{}) bool {
	for {
		select {
		case <-promoted:
			return true
		case frame, ok := <-call.Frames():
			if !ok || frame.Kind == telephony.FrameHangup {
				s.admitter.Abandon(call.Ref())
				s.logger.Info("queued call abandoned", "call_ref", call.Ref())
				return false
			}
			// Audio before admission is discarded.
		case <-s.shutdown:
			s.admitter.Abandon(call.Ref())
			_ = call.Hangup("shutdown")
			return false
		}
	}
}

func (s *Server) runSession(call *telephony.WSCall, start *telephony.CallStart) {
	cfg := s.current()
	sess := session.New(call, s.sessionConfig(cfg, start), session.Dependencies{
		Recognizer:   s.deps.Recognizer,
		Understander: s.deps.Understander,
		Synthesizer:  s.deps.Synthesizer,
		Fallback:     s.deps.Fallback,
		Scripted:     s.deps.Scripted,
		Assets:       s.deps.Assets,
		Registry:     s.deps.Registry,
		Store:        s.deps.Store,
		Notifier:     s.deps.Notifier,
		Lockouts:     s.deps.Lockouts,
		Logger:       s.logger,
		OnRelease:    s.admitter.Release,
	})

	s.sessions.Add(1)
	defer s.sessions.Done()
	if err := sess.Run(context.Background()); err != nil {
		s.logger.Error("session failed", "session_id", sess.ID(), "error", err)
	}
}

// sessionConfig maps one configuration snapshot onto session tuning,
// honoring the caller's language when it is supported.
func (s *Server) sessionConfig(cfg config.Config, start *telephony.CallStart) session.Config {
	sc := session.DefaultConfig()
	sc.SilenceFinalization = cfg.Session.SilenceFinalization
	sc.GreetingDeadline = cfg.Session.GreetingDeadline
	sc.RecognizeDeadline = cfg.Session.RecognizeDeadline
	sc.UnderstandDeadline = cfg.Session.UnderstandDeadline
	sc.SynthesizeDeadline = cfg.Session.SynthesizeDeadline
	sc.TransferDeadline = cfg.Session.TransferDeadline
	sc.IdleTimeout = cfg.Session.IdleTimeout
	sc.MaxDuration = cfg.Session.MaxDuration
	sc.DTMFInterdigit = cfg.Session.DTMFInterdigit
	sc.LowConfidence = cfg.Session.LowConfidence
	sc.MaxLowConfidence = cfg.Session.MaxLowConfidence
	sc.BargeInEnergy = cfg.Session.BargeInEnergy
	sc.SilenceEnergy = cfg.Session.SilenceEnergy
	sc.SentimentEscalation = cfg.Session.SentimentEscalation
	sc.MaxAuthFailures = cfg.Session.MaxAuthFailures
	sc.VoiceProfile = cfg.Session.VoiceProfile
	sc.TransferTarget = cfg.Session.TransferTarget

	sc.Language = cfg.Session.DefaultLanguage
	for _, lang := range cfg.Session.SupportedLanguages {
		if lang == start.Language {
			sc.Language = lang
			break
		}
	}
	if start.SampleRateHz > 0 {
		sc.SampleRate = start.SampleRateHz
	}
	return sc
}

// promote is called by the admitter when a queued call gains a slot.
func (s *Server) promote(callRef string) {
	s.pendingMu.Lock()
	ch, ok := s.pending[callRef]
	if ok {
		delete(s.pending, callRef)
	}
	s.pendingMu.Unlock()
	if ok {
		close(ch)
	}
}
