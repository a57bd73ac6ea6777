package session

import (
	"time"

	"github.com/loqalabs/loqa-grounding/internal/profile"
	"github.com/loqalabs/loqa-grounding/internal/transcript"
)

// Outcome is what the assistant reported through end_conversation.
type Outcome struct {
	Reason    string `json:"reason"`
	UserState string `json:"user_state"`
}

// CallSession is the controller-owned record of one call.
type CallSession struct {
	ID              string     `json:"id"`
	Status          CallStatus `json:"status"`
	StartedAt       time.Time  `json:"started_at,omitempty"`
	EndedAt         time.Time  `json:"ended_at,omitempty"`
	EndReason       string     `json:"end_reason,omitempty"`
	Muted           bool       `json:"muted"`
	SpeakerOn       bool       `json:"speaker_on"`
	ExchangeCount   int        `json:"exchange_count"`
	Outcome         *Outcome   `json:"outcome,omitempty"`
	StopUnconfirmed bool       `json:"stop_unconfirmed,omitempty"`
}

type ErrorView struct {
	Kind        ErrorKind `json:"kind"`
	Message     string    `json:"message"`
	Remediation []string  `json:"remediation,omitempty"`
	Recovery    string    `json:"recovery"`
	Escape      string    `json:"escape"`
}

type SilenceView struct {
	State string `json:"state"`
	Level int    `json:"level"`
}

// Snapshot is the derived state handed to the rendering layer. Seq grows with
// every change so late deliveries can be discarded.
type Snapshot struct {
	Seq           uint64                  `json:"seq"`
	Phase         Phase                   `json:"phase"`
	PatientID     string                  `json:"patient_id,omitempty"`
	ProfileSource string                  `json:"profile_source,omitempty"`
	Profile       *profile.PatientProfile `json:"profile,omitempty"`
	Session       *CallSession            `json:"session,omitempty"`
	Transcript    []transcript.Entry      `json:"transcript"`
	Live          transcript.View         `json:"live"`
	Silence       SilenceView             `json:"silence"`
	Error         *ErrorView              `json:"error,omitempty"`
}

func viewError(e *Error) *ErrorView {
	if e == nil {
		return nil
	}
	return &ErrorView{
		Kind:        e.Kind,
		Message:     e.Message,
		Remediation: append([]string(nil), e.Remediation...),
		Recovery:    e.Recovery,
		Escape:      ActionChangeProfile,
	}
}
