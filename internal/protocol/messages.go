package protocol

import (
	"time"

	"github.com/loqalabs/loqa-grounding/internal/profile"
)

// CallRequest is the assistant configuration handed to the voice service
// when a call starts. It is built once per call and never mutated.
type CallRequest struct {
	Name     string            `json:"name"`
	Model    ModelConfig       `json:"model"`
	Voice    VoiceSelector     `json:"voice"`
	Limits   CallLimits        `json:"limits"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

type ModelConfig struct {
	SystemPrompt string        `json:"system_prompt"`
	FirstMessage string        `json:"first_message"`
	Functions    []FunctionDef `json:"functions,omitempty"`
}

type VoiceSelector struct {
	Preference string `json:"preference"`
	VoiceID    string `json:"voice_id"`
}

type CallLimits struct {
	MaxDurationSeconds    int `json:"max_duration_seconds"`
	SilenceTimeoutSeconds int `json:"silence_timeout_seconds"`
}

// FunctionDef describes a function the remote model may invoke.
type FunctionDef struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  FunctionSchema `json:"parameters"`
}

type FunctionSchema struct {
	Type       string                    `json:"type"`
	Properties map[string]PropertySchema `json:"properties"`
	Required   []string                  `json:"required,omitempty"`
}

type PropertySchema struct {
	Type        string   `json:"type"`
	Description string   `json:"description,omitempty"`
	Enum        []string `json:"enum,omitempty"`
}

// Voice service event types.
const (
	EventCallStart   = "call-start"
	EventCallEnd     = "call-end"
	EventSpeechStart = "speech-start"
	EventSpeechEnd   = "speech-end"
	EventMessage     = "message"
	EventError       = "error"
)

// Message types, roles and transcript kinds carried by EventMessage.
const (
	MessageTranscript   = "transcript"
	MessageFunctionCall = "function-call"

	RoleAssistant = "assistant"
	RoleUser      = "user"

	TranscriptPartial = "partial"
	TranscriptFinal   = "final"
)

// VoiceEvent is one inbound event from the voice service. Role is set on
// speech-start and speech-end.
type VoiceEvent struct {
	SessionID string        `json:"session_id,omitempty"`
	Type      string        `json:"type"`
	Role      string        `json:"role,omitempty"`
	Message   *VoiceMessage `json:"message,omitempty"`
	Reason    string        `json:"reason,omitempty"`
	Error     string        `json:"error,omitempty"`
	Timestamp time.Time     `json:"timestamp,omitempty"`
}

type VoiceMessage struct {
	Type           string        `json:"type"`
	Role           string        `json:"role,omitempty"`
	TranscriptType string        `json:"transcript_type,omitempty"`
	Transcript     string        `json:"transcript,omitempty"`
	FunctionCall   *FunctionCall `json:"function_call,omitempty"`
}

type FunctionCall struct {
	Name       string            `json:"name"`
	Parameters map[string]string `json:"parameters,omitempty"`
}

// Voice command operations sent to the voice service.
const (
	VoiceOpStart = "start"
	VoiceOpStop  = "stop"
	VoiceOpSay   = "say"
	VoiceOpMute  = "mute"
)

type VoiceCommand struct {
	SessionID string       `json:"session_id"`
	Op        string       `json:"op"`
	Call      *CallRequest `json:"call,omitempty"`
	Text      string       `json:"text,omitempty"`
	Muted     bool         `json:"muted,omitempty"`
}

// Reply is the generic acknowledgement for bus requests.
type Reply struct {
	OK       bool   `json:"ok"`
	ID       string `json:"id,omitempty"`
	Error    string `json:"error,omitempty"`
	NotFound bool   `json:"not_found,omitempty"`
}

type ProfileRequest struct {
	PatientID string `json:"patient_id"`
}

type ProfileReply struct {
	Reply
	Record *profile.PatientRecord `json:"record,omitempty"`
}

type WindowRequest struct {
	PatientID string    `json:"patient_id"`
	Days      int       `json:"days"`
	Reference time.Time `json:"reference,omitempty"`
}

type WindowReply struct {
	Reply
	Window profile.TrackingWindow `json:"window"`
}

type MoodLog struct {
	PatientID string `json:"patient_id"`
	Day       string `json:"day,omitempty"`
	Mood      string `json:"mood"`
	TimeOfDay string `json:"time_of_day,omitempty"`
	Note      string `json:"note,omitempty"`
}

type NoteAdd struct {
	PatientID string `json:"patient_id"`
	Day       string `json:"day,omitempty"`
	Tag       string `json:"tag,omitempty"`
	Text      string `json:"text"`
}

// Grounding command operations accepted from the rendering layer.
const (
	CommandSelectProfile = "select_profile"
	CommandStartCall     = "start_call"
	CommandEndCall       = "end_call"
	CommandMute          = "mute"
	CommandSpeaker       = "speaker"
	CommandRetry         = "retry"
	CommandRestart       = "restart"
	CommandReset         = "reset"
)

type Command struct {
	PatientID string `json:"patient_id,omitempty"`
	Enabled   bool   `json:"enabled,omitempty"`
}

type CommandReply struct {
	Reply
	Phase string `json:"phase,omitempty"`
}

const (
	SubjectPatientProfileGet  = "patient.profile.get"
	SubjectPatientWindow      = "patient.tracking.window"
	SubjectPatientMoodLog     = "patient.mood.log"
	SubjectPatientNoteAdd     = "patient.note.add"
	SubjectGroundingCmdPrefix = "grounding.cmd"
	SubjectGroundingState     = "grounding.state"
	SubjectVoiceCmdPrefix     = "voice.cmd"
	SubjectVoiceEventPrefix   = "voice.event"
)

// GroundingCommandSubject returns the subject for a grounding command op.
func GroundingCommandSubject(op string) string {
	return SubjectGroundingCmdPrefix + "." + op
}

func VoiceCommandSubject(op string) string {
	return SubjectVoiceCmdPrefix + "." + op
}

// VoiceEventSubject returns the subject voice events for sessionID arrive on.
func VoiceEventSubject(sessionID string) string {
	return SubjectVoiceEventPrefix + "." + sessionID
}
