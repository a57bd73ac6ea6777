// Package session owns the lifecycle of a grounding call: profile loading,
// pre-call checks, the live call and its teardown.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/loqalabs/loqa-grounding/internal/clock"
	"github.com/loqalabs/loqa-grounding/internal/profile"
	"github.com/loqalabs/loqa-grounding/internal/prompt"
	"github.com/loqalabs/loqa-grounding/internal/protocol"
	"github.com/loqalabs/loqa-grounding/internal/silence"
	"github.com/loqalabs/loqa-grounding/internal/transcript"
	"github.com/loqalabs/loqa-grounding/internal/voice"
)

// PatientSource is the caregiver patient store.
type PatientSource interface {
	Fetch(ctx context.Context, patientID string) (profile.PatientRecord, error)
	Window(ctx context.Context, patientID string, days int) (profile.TrackingWindow, error)
}

// Fallback serves records when the patient store cannot.
type Fallback interface {
	Get(patientID string) (profile.PatientRecord, bool)
}

// Recorder persists the call timeline. Failures are logged and never affect
// the call.
type Recorder interface {
	Record(ctx context.Context, sessionID, kind string, payload any) error
}

// Profile sources reported in snapshots.
const (
	SourceStore   = "store"
	SourceCatalog = "catalog"
)

type Config struct {
	ExchangeCap          int
	EndingDelay          time.Duration
	EndConversationGrace time.Duration
	MaxDuration          time.Duration
	MoodDays             int
	StopAttempts         int
	StopBackoff          time.Duration
	StopTimeout          time.Duration

	Profile    profile.Options
	Assistant  prompt.AssistantOptions
	Transcript transcript.Config
	Silence    silence.Config
}

func DefaultConfig() Config {
	return Config{
		ExchangeCap:          3,
		EndingDelay:          1500 * time.Millisecond,
		EndConversationGrace: 2 * time.Second,
		MaxDuration:          10 * time.Minute,
		MoodDays:             7,
		StopAttempts:         3,
		StopBackoff:          250 * time.Millisecond,
		StopTimeout:          5 * time.Second,
		Assistant:            prompt.DefaultAssistantOptions(),
		Transcript:           transcript.DefaultConfig(),
		Silence:              silence.Config{Threshold: 7 * time.Second, Ladder: silence.DefaultLadder()},
	}
}

// Deps are the controller's collaborators. Voice is required.
type Deps struct {
	Voice    voice.Client
	Mic      voice.MicProbe
	Profiles PatientSource
	Catalog  Fallback
	Recorder Recorder
	Clock    clock.Clock
	Logger   *slog.Logger
}

// Controller is the call session state machine. Every public method, voice
// event and timer fire is applied under one mutex; side effects such as
// speaking, stopping the call and notifying listeners run after it is
// released, in order.
type Controller struct {
	cfg      Config
	voice    voice.Client
	mic      voice.MicProbe
	profiles PatientSource
	catalog  Fallback
	recorder Recorder
	clk      clock.Clock
	logger   *slog.Logger
	tracer   trace.Tracer
	metrics  *metrics

	ctx    context.Context
	cancel context.CancelFunc
	bg     sync.WaitGroup

	mu                sync.Mutex
	phase             Phase
	epoch             uint64
	starting          bool
	patientID         string
	prof              *profile.PatientProfile
	profileSource     string
	session           *CallSession
	lastErr           *Error
	assistantSpeaking bool
	patientSpeaking   bool

	debouncer *transcript.Debouncer
	escalator *silence.Escalator
	ending    *clock.Slot
	grace     *clock.Slot
	maxLimit  *clock.Slot

	unsubscribe  func()
	effects      []func()
	listeners    map[int]func(Snapshot)
	nextListener int
	seq          uint64
}

func New(parent context.Context, cfg Config, deps Deps) *Controller {
	if deps.Voice == nil {
		panic("session: voice client is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clk := deps.Clock
	if clk == nil {
		clk = clock.Real()
	}
	mic := deps.Mic
	if mic == nil {
		mic = voice.StaticProbe(true)
	}
	if len(cfg.Silence.Ladder) == 0 {
		cfg.Silence.Ladder = silence.DefaultLadder()
	}
	if cfg.StopAttempts <= 0 {
		cfg.StopAttempts = 1
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 5 * time.Second
	}
	ctx, cancel := context.WithCancel(parent)
	c := &Controller{
		cfg:       cfg,
		voice:     deps.Voice,
		mic:       mic,
		profiles:  deps.Profiles,
		catalog:   deps.Catalog,
		recorder:  deps.Recorder,
		clk:       clk,
		logger:    logger.With(slog.String("component", "session")),
		tracer:    otel.Tracer(instrumentationName),
		ctx:       ctx,
		cancel:    cancel,
		phase:     PhaseIdle,
		listeners: make(map[int]func(Snapshot)),
		ending:    clock.NewSlot(clk),
		grace:     clock.NewSlot(clk),
		maxLimit:  clock.NewSlot(clk),
	}
	c.debouncer = transcript.New(cfg.Transcript, clk, c.do)
	c.escalator = silence.New(cfg.Silence, clk, c.do, c.onSilencePrompt)
	if err := c.initMetrics(); err != nil {
		c.logger.Warn("failed to register session metrics", slogError(err))
	}
	return c
}

// do applies f under the lock, then runs queued effects and notifies
// listeners with the resulting snapshot.
func (c *Controller) do(f func()) {
	c.mu.Lock()
	f()
	effects := c.effects
	c.effects = nil
	c.seq++
	snap := c.snapshotLocked()
	listeners := make([]func(Snapshot), 0, len(c.listeners))
	for _, fn := range c.listeners {
		listeners = append(listeners, fn)
	}
	c.mu.Unlock()

	for _, effect := range effects {
		effect()
	}
	for _, fn := range listeners {
		fn(snap)
	}
}

func (c *Controller) apply(f func() error) error {
	var err error
	c.do(func() { err = f() })
	return err
}

// SelectProfile loads the profile for patientID. Only offered from Idle.
func (c *Controller) SelectProfile(ctx context.Context, patientID string) error {
	patientID = strings.TrimSpace(patientID)
	if patientID == "" {
		return ErrNoPatient
	}
	var epoch uint64
	err := c.apply(func() error {
		if c.phase != PhaseIdle {
			return ErrInvalidTransition
		}
		c.epoch++
		epoch = c.epoch
		c.patientID = patientID
		c.lastErr = nil
		c.setPhaseLocked(PhaseLoadingProfile)
		return nil
	})
	if err != nil {
		return err
	}
	return c.loadProfile(ctx, epoch, patientID)
}

func (c *Controller) loadProfile(ctx context.Context, epoch uint64, patientID string) error {
	record, source, err := c.fetchRecord(ctx, patientID)
	if err != nil {
		return c.failLoad(epoch, err)
	}
	window := c.fetchWindow(ctx, patientID, source)
	prof, err := profile.BuildCallProfile(record, window, c.cfg.Profile)
	if err != nil {
		return c.failLoad(epoch, err)
	}
	return c.apply(func() error {
		if c.epoch != epoch || c.phase != PhaseLoadingProfile {
			return ErrSuperseded
		}
		c.prof = &prof
		c.profileSource = source
		c.logger.Info("profile loaded", slog.String("patient_id", patientID), slog.String("source", source))
		c.setPhaseLocked(PhasePreCall)
		return nil
	})
}

func (c *Controller) fetchRecord(ctx context.Context, patientID string) (profile.PatientRecord, string, error) {
	var fetchErr error
	if c.profiles != nil {
		record, err := c.profiles.Fetch(ctx, patientID)
		if err == nil {
			return record, SourceStore, nil
		}
		fetchErr = err
		c.logger.Warn("patient store fetch failed", slog.String("patient_id", patientID), slogError(err))
	}
	if c.catalog != nil {
		if record, ok := c.catalog.Get(patientID); ok {
			return record, SourceCatalog, nil
		}
	}
	if fetchErr == nil {
		fetchErr = errors.New("no patient source available")
	}
	return profile.PatientRecord{}, "", fmt.Errorf("load patient %s: %w", patientID, fetchErr)
}

// fetchWindow is best effort; any failure yields an empty window.
func (c *Controller) fetchWindow(ctx context.Context, patientID, source string) profile.TrackingWindow {
	empty := profile.TrackingWindow{Reference: c.clk.Now(), Days: c.cfg.MoodDays}
	if source != SourceStore || c.profiles == nil {
		return empty
	}
	window, err := c.profiles.Window(ctx, patientID, c.cfg.MoodDays)
	if err != nil {
		c.logger.Warn("tracking window unavailable", slog.String("patient_id", patientID), slogError(err))
		return empty
	}
	if window.Reference.IsZero() {
		window.Reference = empty.Reference
	}
	return window
}

func (c *Controller) failLoad(epoch uint64, cause error) error {
	e := classify(KindProfileLoad, cause)
	err := c.apply(func() error {
		if c.epoch != epoch || c.phase != PhaseLoadingProfile {
			return ErrSuperseded
		}
		c.enterErrorLocked(e)
		return nil
	})
	if err != nil {
		return err
	}
	return e
}

// StartCall runs the pre-call checks and asks the voice service to start a
// call. It returns once the service accepted the request; the call becomes
// active when the service reports call-start.
func (c *Controller) StartCall(ctx context.Context) error {
	ctx, span := c.tracer.Start(ctx, "session.StartCall")
	defer span.End()

	var (
		epoch uint64
		prof  profile.PatientProfile
	)
	err := c.apply(func() error {
		if c.phase != PhasePreCall || c.starting || c.prof == nil {
			return ErrInvalidTransition
		}
		c.starting = true
		epoch = c.epoch
		prof = *c.prof
		return nil
	})
	if err != nil {
		return err
	}
	defer c.do(func() {
		if c.epoch == epoch {
			c.starting = false
		}
	})
	span.SetAttributes(attribute.String("patient.id", prof.PatientID))

	if !c.voice.Configured() {
		return c.failPreflight(span, epoch, KindConfiguration, errors.New("voice service credentials missing or invalid"))
	}
	granted, err := c.mic.Probe(ctx)
	if err == nil && !granted {
		err = errors.New("microphone permission denied")
	}
	if err != nil {
		return c.failPreflight(span, epoch, KindMicrophone, err)
	}

	opts := c.cfg.Assistant
	opts.Logger = c.logger
	req, err := prompt.BuildAssistant(prof, opts)
	if err != nil {
		var missing *prompt.MissingProfileFieldError
		if errors.As(err, &missing) {
			c.logger.Error("profile missing prompt fields", slog.String("patient_id", prof.PatientID), slog.String("fields", strings.Join(missing.Fields, ",")))
		}
		return c.failPreflight(span, epoch, KindMissingProfileField, err)
	}

	sessionID := uuid.NewString()
	err = c.apply(func() error {
		if c.epoch != epoch || c.phase != PhasePreCall {
			return ErrSuperseded
		}
		c.debouncer.Reset()
		c.escalator.Reset()
		c.session = &CallSession{ID: sessionID, Status: StatusConnecting, SpeakerOn: true}
		c.setPhaseLocked(PhaseConnecting)
		unsubscribe, err := c.voice.Subscribe(func(ev protocol.VoiceEvent) {
			c.do(func() { c.handleVoiceEventLocked(sessionID, ev) })
		})
		if err != nil {
			e := classify(KindConnection, fmt.Errorf("subscribe to voice events: %w", err))
			c.session.Status = StatusFailed
			c.enterErrorLocked(e)
			return e
		}
		c.unsubscribe = unsubscribe
		c.recordLocked("call.connecting", map[string]string{
			"patient_id": prof.PatientID,
			"voice":      req.Voice.VoiceID,
		})
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "start call")
		return err
	}
	span.SetAttributes(attribute.String("session.id", sessionID))

	if err := c.voice.Start(ctx, sessionID, req); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "voice start")
		return c.failConnect(sessionID, err)
	}
	// Reset or EndCall may have landed while the service was dialing; their
	// stop found no call to hang up, so the one just placed is stopped here.
	err = c.apply(func() error {
		if c.session == nil || c.session.ID != sessionID || !c.phase.inCall() {
			c.queueStopLocked(sessionID)
			return ErrSuperseded
		}
		return nil
	})
	if err != nil {
		c.logger.Info("call superseded while connecting", slog.String("session_id", sessionID))
		return err
	}
	c.metrics.callStarted(ctx)
	c.logger.Info("call requested", slog.String("session_id", sessionID), slog.String("patient_id", prof.PatientID))
	return nil
}

func (c *Controller) failPreflight(span trace.Span, epoch uint64, kind ErrorKind, cause error) error {
	e := classify(kind, cause)
	span.RecordError(e)
	span.SetStatus(codes.Error, string(kind))
	err := c.apply(func() error {
		if c.epoch != epoch || c.phase != PhasePreCall {
			return ErrSuperseded
		}
		c.enterErrorLocked(e)
		return nil
	})
	if err != nil {
		return err
	}
	return e
}

func (c *Controller) failConnect(sessionID string, cause error) error {
	e := classify(KindConnection, fmt.Errorf("start voice call: %w", cause))
	err := c.apply(func() error {
		if c.session == nil || c.session.ID != sessionID || !c.phase.inCall() {
			return ErrSuperseded
		}
		c.teardownLocked()
		c.session.Status = StatusFailed
		c.session.EndedAt = c.clk.Now()
		c.recordLocked("call.error", map[string]string{"kind": string(e.Kind), "error": cause.Error()})
		c.enterErrorLocked(e)
		return nil
	})
	if err != nil {
		return err
	}
	return e
}

func (c *Controller) handleVoiceEventLocked(sessionID string, ev protocol.VoiceEvent) {
	if c.session == nil || c.session.ID != sessionID || !c.phase.inCall() {
		return
	}
	if ev.SessionID != "" && ev.SessionID != sessionID {
		return
	}
	switch ev.Type {
	case protocol.EventCallStart:
		if c.phase != PhaseConnecting {
			return
		}
		c.session.Status = StatusActive
		c.session.StartedAt = c.clk.Now()
		c.setPhaseLocked(PhaseActive)
		if c.cfg.MaxDuration > 0 {
			c.armLocked(c.maxLimit, c.cfg.MaxDuration, func() {
				c.endLocked(EndReasonMaxDuration, true)
			})
		}
		c.recordLocked("call.started", nil)
		c.maybeArmSilenceLocked()
	case protocol.EventCallEnd:
		c.endLocked(EndReasonRemote, false)
	case protocol.EventSpeechStart:
		switch ev.Role {
		case protocol.RoleAssistant:
			c.assistantSpeaking = true
			c.escalator.Pause()
		case protocol.RoleUser:
			c.patientSpeaking = true
			c.escalator.Reset()
		}
	case protocol.EventSpeechEnd:
		switch ev.Role {
		case protocol.RoleAssistant:
			c.assistantSpeaking = false
		case protocol.RoleUser:
			c.patientSpeaking = false
		}
		c.maybeArmSilenceLocked()
	case protocol.EventMessage:
		c.handleMessageLocked(ev.Message)
	case protocol.EventError:
		c.dropLocked(ev.Error)
	}
}

func (c *Controller) handleMessageLocked(m *protocol.VoiceMessage) {
	if m == nil {
		return
	}
	switch m.Type {
	case protocol.MessageTranscript:
		final := m.TranscriptType == protocol.TranscriptFinal
		switch m.Role {
		case protocol.RoleAssistant:
			entry, ok := c.debouncer.OnSpeechEvent(transcript.SpeechEvent{Speaker: transcript.SpeakerAssistant, Text: m.Transcript, Final: final})
			if ok {
				c.entryAppendedLocked(entry)
			}
			if final && !c.assistantSpeaking && !c.patientSpeaking {
				c.maybeArmSilenceLocked()
			} else {
				c.escalator.Pause()
			}
		case protocol.RoleUser:
			entry, ok := c.debouncer.OnSpeechEvent(transcript.SpeechEvent{Speaker: transcript.SpeakerPatient, Text: m.Transcript, Final: final})
			if ok {
				c.entryAppendedLocked(entry)
			}
			c.escalator.Reset()
			c.maybeArmSilenceLocked()
		}
	case protocol.MessageFunctionCall:
		fc := m.FunctionCall
		if fc == nil || fc.Name != prompt.EndConversationFunction {
			return
		}
		outcome := Outcome{Reason: fc.Parameters["reason"], UserState: fc.Parameters["user_state"]}
		c.session.Outcome = &outcome
		c.recordLocked("call.end_requested", outcome)
		if !c.grace.Armed() {
			c.armLocked(c.grace, c.cfg.EndConversationGrace, func() {
				c.endLocked(EndReasonEndConversation, true)
			})
		}
	}
}

func (c *Controller) entryAppendedLocked(entry transcript.Entry) {
	if entry.Speaker == transcript.SpeakerAssistant {
		if c.cfg.ExchangeCap <= 0 || c.session.ExchangeCount < c.cfg.ExchangeCap {
			c.session.ExchangeCount++
		}
	}
	c.metrics.transcriptEntry(c.ctx, string(entry.Speaker))
	c.recordLocked("transcript.entry", entry)
}

func (c *Controller) maybeArmSilenceLocked() {
	if c.phase != PhaseActive || c.assistantSpeaking || c.patientSpeaking {
		return
	}
	c.escalator.Arm()
}

// onSilencePrompt runs inside do, dispatched by the escalator.
func (c *Controller) onSilencePrompt(p silence.Prompt) {
	if c.phase != PhaseActive || c.session == nil {
		return
	}
	entry := c.debouncer.AppendSilencePrompt(p.Text)
	c.entryAppendedLocked(entry)
	c.metrics.silencePrompt(c.ctx, p.Level)
	c.logger.Info("silence prompt", slog.String("session_id", c.session.ID), slog.Int("level", p.Level))
	text := p.Text
	c.effects = append(c.effects, func() {
		if err := c.voice.Say(c.ctx, text); err != nil {
			c.logger.Warn("failed to speak silence prompt", slogError(err))
		}
	})
}

// dropLocked handles a transport error reported by the voice service.
func (c *Controller) dropLocked(reason string) {
	kind := KindConnection
	if c.phase == PhaseActive {
		kind = KindCallDropped
	}
	if reason == "" {
		reason = "unknown"
	}
	e := classify(kind, fmt.Errorf("voice service error: %s", reason))
	sessionID := c.session.ID
	c.teardownLocked()
	c.session.Status = StatusFailed
	c.session.EndedAt = c.clk.Now()
	c.recordLocked("call.error", map[string]string{"kind": string(kind), "error": reason})
	c.enterErrorLocked(e)
	c.queueStopLocked(sessionID)
}

// endLocked moves a live call to Ending and schedules the summary.
func (c *Controller) endLocked(reason string, stop bool) {
	if !c.phase.inCall() || c.session == nil {
		return
	}
	c.teardownLocked()
	c.session.Status = StatusEnding
	c.session.EndedAt = c.clk.Now()
	c.session.EndReason = reason
	c.setPhaseLocked(PhaseEnding)
	if !c.session.StartedAt.IsZero() {
		c.metrics.callEnded(c.ctx, reason, c.session.EndedAt.Sub(c.session.StartedAt))
	}
	c.recordLocked("call.ended", map[string]any{
		"reason":         reason,
		"exchange_count": c.session.ExchangeCount,
	})
	c.armLocked(c.ending, c.cfg.EndingDelay, func() {
		if c.phase != PhaseEnding || c.session == nil {
			return
		}
		c.session.Status = StatusEnded
		c.setPhaseLocked(PhaseSummary)
	})
	if stop {
		c.queueStopLocked(c.session.ID)
	}
}

// teardownLocked cancels everything a live call owns. The transcript is
// kept for the summary.
func (c *Controller) teardownLocked() {
	c.escalator.Stop()
	c.debouncer.Stop()
	c.grace.Clear()
	c.maxLimit.Clear()
	if c.unsubscribe != nil {
		c.unsubscribe()
		c.unsubscribe = nil
	}
	c.assistantSpeaking = false
	c.patientSpeaking = false
}

func (c *Controller) armLocked(slot *clock.Slot, d time.Duration, fire func()) {
	slot.Arm(d, func(token uint64) {
		c.do(func() {
			if slot.Claim(token) {
				fire()
			}
		})
	})
}

func (c *Controller) queueStopLocked(sessionID string) {
	c.bg.Add(1)
	c.effects = append(c.effects, func() {
		go c.stopCall(sessionID)
	})
}

// stopCall asks the voice service to hang up, retrying a bounded number of
// times. The phase has already moved on; a final failure is only recorded.
func (c *Controller) stopCall(sessionID string) {
	defer c.bg.Done()
	var (
		err      error
		attempts int
	)
	for attempt := 1; attempt <= c.cfg.StopAttempts; attempt++ {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(c.ctx), c.cfg.StopTimeout)
		err = c.voice.Stop(ctx)
		cancel()
		if err == nil {
			return
		}
		c.logger.Warn("voice stop failed", slog.String("session_id", sessionID), slog.Int("attempt", attempt), slogError(err))
		if attempt == c.cfg.StopAttempts || !c.backoff(c.cfg.StopBackoff*time.Duration(attempt)) {
			attempts = attempt
			break
		}
	}
	c.logger.Error("voice call may still be live", slog.String("session_id", sessionID), slogError(err))
	c.do(func() {
		if c.session != nil && c.session.ID == sessionID {
			c.session.StopUnconfirmed = true
		}
		c.recordForLocked(sessionID, "call.stop_failed", map[string]any{
			"attempts": attempts,
			"error":    err.Error(),
		})
	})
}

// backoff waits d on the controller clock. It reports false once the
// controller is closing, so shutdown never waits out a retry schedule.
func (c *Controller) backoff(d time.Duration) bool {
	if c.ctx.Err() != nil {
		return false
	}
	if d <= 0 {
		return true
	}
	due := make(chan struct{})
	timer := c.clk.AfterFunc(d, func() { close(due) })
	defer timer.Stop()
	select {
	case <-due:
		return true
	case <-c.ctx.Done():
		return false
	}
}

// EndCall hangs up a live call. The phase moves to Ending immediately; the
// stop request runs in the background.
func (c *Controller) EndCall(ctx context.Context) error {
	return c.apply(func() error {
		if !c.phase.inCall() {
			return ErrInvalidTransition
		}
		c.endLocked(EndReasonUser, true)
		return nil
	})
}

func (c *Controller) SetMuted(ctx context.Context, muted bool) error {
	var sessionID string
	err := c.apply(func() error {
		if !c.phase.inCall() || c.session == nil {
			return ErrInvalidTransition
		}
		sessionID = c.session.ID
		return nil
	})
	if err != nil {
		return err
	}
	if err := c.voice.SetMuted(ctx, muted); err != nil {
		return fmt.Errorf("set muted: %w", err)
	}
	c.do(func() {
		if c.session != nil && c.session.ID == sessionID {
			c.session.Muted = muted
		}
	})
	return nil
}

// SetSpeaker records the speaker toggle. Audio routing belongs to the
// device.
func (c *Controller) SetSpeaker(on bool) error {
	return c.apply(func() error {
		if !c.phase.inCall() || c.session == nil {
			return ErrInvalidTransition
		}
		c.session.SpeakerOn = on
		return nil
	})
}

// Retry runs the recovery action of the current error. It never starts a
// call by itself.
func (c *Controller) Retry(ctx context.Context) error {
	var (
		kind      ErrorKind
		epoch     uint64
		patientID string
	)
	err := c.apply(func() error {
		if c.phase != PhaseError || c.lastErr == nil {
			return ErrInvalidTransition
		}
		kind = c.lastErr.Kind
		c.epoch++
		epoch = c.epoch
		patientID = c.patientID
		switch kind {
		case KindProfileLoad, KindMissingProfileField:
			c.clearCallLocked()
			c.prof = nil
			c.lastErr = nil
			c.setPhaseLocked(PhaseLoadingProfile)
		case KindConnection, KindCallDropped:
			c.toPreCallLocked()
		}
		return nil
	})
	if err != nil {
		return err
	}

	switch kind {
	case KindProfileLoad, KindMissingProfileField:
		return c.loadProfile(ctx, epoch, patientID)
	case KindConfiguration:
		var cause error
		if !c.voice.Configured() {
			cause = errors.New("voice service credentials missing or invalid")
		}
		return c.finishRecheck(epoch, kind, cause)
	case KindMicrophone:
		granted, err := c.mic.Probe(ctx)
		if err == nil && !granted {
			err = errors.New("microphone permission denied")
		}
		return c.finishRecheck(epoch, kind, err)
	}
	return nil
}

func (c *Controller) finishRecheck(epoch uint64, kind ErrorKind, cause error) error {
	var failed *Error
	err := c.apply(func() error {
		if c.epoch != epoch || c.phase != PhaseError {
			return ErrSuperseded
		}
		if cause != nil {
			failed = classify(kind, cause)
			c.enterErrorLocked(failed)
			return nil
		}
		c.toPreCallLocked()
		return nil
	})
	if err != nil {
		return err
	}
	if failed != nil {
		return failed
	}
	return nil
}

// Restart returns to PreCall with the same profile after a call or an error.
func (c *Controller) Restart() error {
	return c.apply(func() error {
		if (c.phase != PhaseSummary && c.phase != PhaseError) || c.prof == nil {
			return ErrInvalidTransition
		}
		c.epoch++
		c.toPreCallLocked()
		return nil
	})
}

// Reset returns to Idle from any phase, stopping a live call and discarding
// the profile, session and transcript. Calling it again is a no-op.
func (c *Controller) Reset() {
	c.do(func() {
		c.epoch++
		c.starting = false
		if c.phase.inCall() && c.session != nil {
			c.recordLocked("call.reset", nil)
			c.queueStopLocked(c.session.ID)
		}
		c.clearCallLocked()
		c.prof = nil
		c.profileSource = ""
		c.patientID = ""
		c.lastErr = nil
		c.setPhaseLocked(PhaseIdle)
	})
}

func (c *Controller) toPreCallLocked() {
	c.clearCallLocked()
	c.lastErr = nil
	c.setPhaseLocked(PhasePreCall)
}

func (c *Controller) clearCallLocked() {
	c.teardownLocked()
	c.ending.Clear()
	c.debouncer.Reset()
	c.session = nil
}

func (c *Controller) enterErrorLocked(e *Error) {
	c.lastErr = e
	c.metrics.callFailed(c.ctx, e.Kind)
	attrs := []any{slog.String("kind", string(e.Kind)), slog.String("patient_id", c.patientID)}
	if e.Err != nil {
		attrs = append(attrs, slogError(e.Err))
	}
	if e.Kind == KindMissingProfileField {
		c.logger.Error("grounding session failed", attrs...)
	} else {
		c.logger.Warn("grounding session failed", attrs...)
	}
	c.setPhaseLocked(PhaseError)
}

func (c *Controller) setPhaseLocked(p Phase) {
	if c.phase == p {
		return
	}
	c.logger.Debug("phase changed", slog.String("from", string(c.phase)), slog.String("to", string(p)))
	c.phase = p
}

func (c *Controller) recordLocked(kind string, payload any) {
	if c.session == nil {
		return
	}
	c.recordForLocked(c.session.ID, kind, payload)
}

func (c *Controller) recordForLocked(sessionID, kind string, payload any) {
	if c.recorder == nil {
		return
	}
	c.effects = append(c.effects, func() {
		if err := c.recorder.Record(context.WithoutCancel(c.ctx), sessionID, kind, payload); err != nil {
			c.logger.Warn("failed to record call event", slog.String("kind", kind), slogError(err))
		}
	})
}

// Snapshot returns the current derived state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Controller) snapshotLocked() Snapshot {
	snap := Snapshot{
		Seq:           c.seq,
		Phase:         c.phase,
		PatientID:     c.patientID,
		ProfileSource: c.profileSource,
		Transcript:    c.debouncer.Entries(),
		Live:          c.debouncer.View(),
		Silence:       SilenceView{State: c.escalator.State().String(), Level: c.escalator.Level()},
		Error:         viewError(c.lastErr),
	}
	if c.prof != nil {
		p := *c.prof
		snap.Profile = &p
	}
	if c.session != nil {
		s := *c.session
		if s.Outcome != nil {
			o := *s.Outcome
			s.Outcome = &o
		}
		snap.Session = &s
	}
	return snap
}

// Subscribe registers fn for every state change. fn runs outside the
// controller lock and may call back into the controller.
func (c *Controller) Subscribe(fn func(Snapshot)) func() {
	c.mu.Lock()
	id := c.nextListener
	c.nextListener++
	c.listeners[id] = fn
	c.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.listeners, id)
			c.mu.Unlock()
		})
	}
}

// PendingTimers reports outstanding timer handles across the controller and
// its components.
func (c *Controller) PendingTimers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pendingLocked()
}

func (c *Controller) pendingLocked() int {
	n := c.debouncer.Pending() + c.escalator.Pending()
	for _, slot := range []*clock.Slot{c.ending, c.grace, c.maxLimit} {
		if slot.Armed() {
			n++
		}
	}
	return n
}

// WaitBackground blocks until background stop requests have finished.
func (c *Controller) WaitBackground() {
	c.bg.Wait()
}

func (c *Controller) Healthy() bool {
	return c.ctx.Err() == nil
}

// Close resets the controller and waits for background work. A pending
// stop gets its current attempt; further retries are abandoned.
func (c *Controller) Close() {
	c.Reset()
	c.cancel()
	c.bg.Wait()
	c.metrics.close()
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
