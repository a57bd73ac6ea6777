package prompt

import (
	"fmt"
	"log/slog"
	"strconv"

	"github.com/loqalabs/loqa-grounding/internal/profile"
	"github.com/loqalabs/loqa-grounding/internal/protocol"
)

// AssistantConfiguration is the per-call assistant set-up sent to the voice
// service.
type AssistantConfiguration = protocol.CallRequest

const EndConversationFunction = "end_conversation"

// End-of-conversation states the model may report.
const (
	UserStateCalm          = "calm"
	UserStateBetter        = "better"
	UserStateSame          = "same"
	UserStateNeedsFollowUp = "needs_follow_up"
)

type VoiceIDs struct {
	WarmFemale string
	WarmMale   string
	Neutral    string
}

type AssistantOptions struct {
	Voices                VoiceIDs
	MaxDurationSeconds    int
	SilenceTimeoutSeconds int
	Logger                *slog.Logger
}

func DefaultAssistantOptions() AssistantOptions {
	return AssistantOptions{
		Voices: VoiceIDs{
			WarmFemale: "en-US-JennyNeural",
			WarmMale:   "en-US-GuyNeural",
			Neutral:    "en-US-AriaNeural",
		},
		MaxDurationSeconds:    600,
		SilenceTimeoutSeconds: 60,
	}
}

// BuildAssistant assembles the call configuration for p. It fails with
// *MissingProfileFieldError under the same conditions as BuildSystemPrompt.
func BuildAssistant(p profile.PatientProfile, opts AssistantOptions) (AssistantConfiguration, error) {
	systemPrompt, err := BuildSystemPrompt(p)
	if err != nil {
		return AssistantConfiguration{}, err
	}
	ValidateNoPlaceholders(systemPrompt, opts.Logger)

	defaults := DefaultAssistantOptions()
	if opts.MaxDurationSeconds <= 0 {
		opts.MaxDurationSeconds = defaults.MaxDurationSeconds
	}
	if opts.SilenceTimeoutSeconds <= 0 {
		opts.SilenceTimeoutSeconds = defaults.SilenceTimeoutSeconds
	}

	pref := p.VoicePreference
	if pref == "" {
		pref = profile.VoiceNeutral
	}

	return AssistantConfiguration{
		Name: p.Name + " Support",
		Model: protocol.ModelConfig{
			SystemPrompt: systemPrompt,
			FirstMessage: fmt.Sprintf("Hi %s, I'm here to talk with you for a moment. How are you feeling right now?", p.PreferredName),
			Functions:    []protocol.FunctionDef{endConversationDef()},
		},
		Voice: protocol.VoiceSelector{
			Preference: string(pref),
			VoiceID:    voiceID(pref, opts.Voices, defaults.Voices),
		},
		Limits: protocol.CallLimits{
			MaxDurationSeconds:    opts.MaxDurationSeconds,
			SilenceTimeoutSeconds: opts.SilenceTimeoutSeconds,
		},
		Metadata: map[string]string{
			"patient_id":       p.PatientID,
			"patient_name":     p.Name,
			"voice_preference": string(pref),
			"patient_age":      strconv.Itoa(p.Age),
		},
	}, nil
}

func voiceID(pref profile.VoicePreference, voices, defaults VoiceIDs) string {
	pick := func(configured, fallback string) string {
		if configured != "" {
			return configured
		}
		return fallback
	}
	switch pref {
	case profile.VoiceWarmFemale:
		return pick(voices.WarmFemale, defaults.WarmFemale)
	case profile.VoiceWarmMale:
		return pick(voices.WarmMale, defaults.WarmMale)
	default:
		return pick(voices.Neutral, defaults.Neutral)
	}
}

func endConversationDef() protocol.FunctionDef {
	return protocol.FunctionDef{
		Name:        EndConversationFunction,
		Description: "Call this only when the person explicitly says goodbye, wants to end the call, or asks to stop. Never call it on your own initiative.",
		Parameters: protocol.FunctionSchema{
			Type: "object",
			Properties: map[string]protocol.PropertySchema{
				"reason": {
					Type:        "string",
					Description: "Why the conversation is ending, for example 'said goodbye'.",
				},
				"user_state": {
					Type:        "string",
					Description: "How the person seems at the end of the conversation.",
					Enum:        []string{UserStateCalm, UserStateBetter, UserStateSame, UserStateNeedsFollowUp},
				},
			},
			Required: []string{"reason", "user_state"},
		},
	}
}
