package prompt

import (
	"errors"
	"testing"

	"github.com/loqalabs/loqa-grounding/internal/profile"
)

func TestBuildAssistant(t *testing.T) {
	opts := DefaultAssistantOptions()
	opts.Logger = newLogger()
	cfg, err := BuildAssistant(sampleProfile(), opts)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Name != "Dorothy Mae Johnson Support" {
		t.Fatalf("name = %q", cfg.Name)
	}
	if cfg.Model.FirstMessage != "Hi Dot, I'm here to talk with you for a moment. How are you feeling right now?" {
		t.Fatalf("first message = %q", cfg.Model.FirstMessage)
	}
	if cfg.Voice.VoiceID != "en-US-JennyNeural" || cfg.Voice.Preference != "warm_female" {
		t.Fatalf("voice = %+v", cfg.Voice)
	}
	if cfg.Limits.MaxDurationSeconds != 600 || cfg.Limits.SilenceTimeoutSeconds != 60 {
		t.Fatalf("limits = %+v", cfg.Limits)
	}
	if len(cfg.Model.Functions) != 1 || cfg.Model.Functions[0].Name != EndConversationFunction {
		t.Fatalf("functions = %+v", cfg.Model.Functions)
	}
	state := cfg.Model.Functions[0].Parameters.Properties["user_state"]
	if len(state.Enum) != 4 {
		t.Fatalf("user_state enum = %v", state.Enum)
	}
	if cfg.Metadata["patient_id"] != "patient_003" {
		t.Fatalf("metadata = %v", cfg.Metadata)
	}
}

func TestBuildAssistantVoiceSelection(t *testing.T) {
	cases := map[profile.VoicePreference]string{
		profile.VoiceWarmFemale: "en-US-JennyNeural",
		profile.VoiceWarmMale:   "en-US-GuyNeural",
		profile.VoiceNeutral:    "en-US-AriaNeural",
		"":                      "en-US-AriaNeural",
		"robotic":               "en-US-AriaNeural",
	}
	for pref, want := range cases {
		p := sampleProfile()
		p.VoicePreference = pref
		cfg, err := BuildAssistant(p, AssistantOptions{})
		if err != nil {
			t.Fatal(err)
		}
		if cfg.Voice.VoiceID != want {
			t.Fatalf("pref %q: voice = %q, want %q", pref, cfg.Voice.VoiceID, want)
		}
	}
}

func TestBuildAssistantPropagatesMissingFields(t *testing.T) {
	p := sampleProfile()
	p.SafePlace = ""
	_, err := BuildAssistant(p, DefaultAssistantOptions())
	var missing *MissingProfileFieldError
	if !errors.As(err, &missing) || len(missing.Fields) != 1 || missing.Fields[0] != FieldSafePlace {
		t.Fatalf("expected safe_place missing, got %v", err)
	}
}
