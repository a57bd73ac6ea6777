package voice

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/loqalabs/loqa-grounding/internal/protocol"
)

type MockOptions struct {
	Configured bool
	// Autoplay answers Start with call-start and the first message, as a
	// live service would.
	Autoplay bool
}

// Mock is an in-process voice service for local runs and tests.
type Mock struct {
	hub
	opts MockOptions

	mu        sync.Mutex
	sessionID string
	started   []protocol.CallRequest
	stops     int
	said      []string
	muted     bool
	startErr  error
	stopErr   error
	stopFails int
}

func NewMock(opts MockOptions) *Mock {
	return &Mock{opts: opts}
}

func (m *Mock) Configured() bool {
	return m.opts.Configured
}

func (m *Mock) Start(ctx context.Context, sessionID string, req protocol.CallRequest) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	m.started = append(m.started, req)
	err := m.startErr
	if err == nil {
		m.sessionID = sessionID
	}
	m.mu.Unlock()
	if err != nil {
		return err
	}
	if m.opts.Autoplay {
		go m.play(sessionID, req.Model.FirstMessage)
	}
	return nil
}

func (m *Mock) play(sessionID, first string) {
	now := time.Now().UTC()
	m.Emit(protocol.VoiceEvent{SessionID: sessionID, Type: protocol.EventCallStart, Timestamp: now})
	if first == "" {
		return
	}
	m.Emit(protocol.VoiceEvent{SessionID: sessionID, Type: protocol.EventSpeechStart, Role: protocol.RoleAssistant, Timestamp: now})
	m.Emit(AssistantTranscript(sessionID, first, true))
	m.Emit(protocol.VoiceEvent{SessionID: sessionID, Type: protocol.EventSpeechEnd, Role: protocol.RoleAssistant, Timestamp: now})
}

func (m *Mock) Stop(ctx context.Context) error {
	m.mu.Lock()
	m.stops++
	if m.stopFails > 0 {
		m.stopFails--
		err := m.stopErr
		m.mu.Unlock()
		return err
	}
	sessionID := m.sessionID
	m.sessionID = ""
	m.mu.Unlock()
	if m.opts.Autoplay && sessionID != "" {
		go m.Emit(protocol.VoiceEvent{SessionID: sessionID, Type: protocol.EventCallEnd, Reason: "stopped"})
	}
	return nil
}

func (m *Mock) Say(ctx context.Context, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sessionID == "" {
		return errors.New("mock voice: no active call")
	}
	m.said = append(m.said, text)
	return nil
}

func (m *Mock) SetMuted(ctx context.Context, muted bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.muted = muted
	return nil
}

func (m *Mock) Subscribe(fn func(protocol.VoiceEvent)) (func(), error) {
	return m.subscribe(fn), nil
}

// Emit delivers ev to subscribers synchronously.
func (m *Mock) Emit(ev protocol.VoiceEvent) {
	m.publish(ev)
}

// FailStart makes subsequent Start calls return err.
func (m *Mock) FailStart(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.startErr = err
}

// FailStop makes the next n Stop calls return err.
func (m *Mock) FailStop(err error, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopErr = err
	m.stopFails = n
}

func (m *Mock) Starts() []protocol.CallRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]protocol.CallRequest(nil), m.started...)
}

func (m *Mock) Stops() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stops
}

func (m *Mock) Said() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.said...)
}

func (m *Mock) Muted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.muted
}

func (m *Mock) SessionID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessionID
}

func (m *Mock) Subscribers() int {
	return m.count()
}

// AssistantTranscript builds a transcript message event from the assistant.
func AssistantTranscript(sessionID, text string, final bool) protocol.VoiceEvent {
	return transcriptEvent(sessionID, protocol.RoleAssistant, text, final)
}

// PatientTranscript builds a transcript message event from the patient.
func PatientTranscript(sessionID, text string, final bool) protocol.VoiceEvent {
	return transcriptEvent(sessionID, protocol.RoleUser, text, final)
}

func transcriptEvent(sessionID, role, text string, final bool) protocol.VoiceEvent {
	kind := protocol.TranscriptPartial
	if final {
		kind = protocol.TranscriptFinal
	}
	return protocol.VoiceEvent{
		SessionID: sessionID,
		Type:      protocol.EventMessage,
		Timestamp: time.Now().UTC(),
		Message: &protocol.VoiceMessage{
			Type:           protocol.MessageTranscript,
			Role:           role,
			TranscriptType: kind,
			Transcript:     text,
		},
	}
}
