package prompt

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"reflect"
	"strings"
	"testing"

	"github.com/loqalabs/loqa-grounding/internal/profile"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func sampleProfile() profile.PatientProfile {
	return profile.PatientProfile{
		PatientID:         "patient_003",
		Name:              "Dorothy Mae Johnson",
		PreferredName:     "Dot",
		Age:               84,
		CoreIdentity:      "Dot is 84 years old. from Nashville, Tennessee.",
		SafePlace:         "their home in Nashville, Tennessee",
		ComfortMemory:     "Dot finds comfort in Singing in the church choir for 50 years.",
		CommonTrigger:     "Being alone, Darkness",
		CalmingStrategies: "Hymns and gospel music",
		CalmingTopics:     []string{"Amazing Grace by Traditional Hymn", "His Eye Is On The Sparrow by Mahalia Jackson"},
		VoicePreference:   profile.VoiceWarmFemale,
		RecentMoodSummary: "Wed: good",
		NotesSummary:      "No notes today",
	}
}

func TestBuildSystemPromptHasNoPlaceholders(t *testing.T) {
	profiles := []profile.PatientProfile{sampleProfile()}

	single := sampleProfile()
	single.CalmingTopics = []string{"Music"}
	profiles = append(profiles, single)

	braces := sampleProfile()
	braces.NotesSummary = "[note] (today) asked about {her sister}"
	braces.HasDifficultMood = true
	braces.HasEmergencyNote = true
	profiles = append(profiles, braces)

	for i, p := range profiles {
		out, err := BuildSystemPrompt(p)
		if err != nil {
			t.Fatalf("profile %d: unexpected error: %v", i, err)
		}
		if !ValidateNoPlaceholders(out, newLogger()) {
			t.Fatalf("profile %d: prompt has unresolved markers:\n%s", i, out)
		}
	}
}

func TestBuildSystemPromptIsDeterministic(t *testing.T) {
	a, _ := BuildSystemPrompt(sampleProfile())
	b, _ := BuildSystemPrompt(sampleProfile())
	if a != b {
		t.Fatal("expected identical prompts for identical profiles")
	}
	for _, want := range []string{"ABOUT DOT:", "Amazing Grace", "one short question at a time", "end_conversation", "Never argue"} {
		if !strings.Contains(a, want) {
			t.Fatalf("prompt missing %q", want)
		}
	}
}

func TestBuildSystemPromptPriorityRules(t *testing.T) {
	calm, _ := BuildSystemPrompt(sampleProfile())
	if strings.Contains(calm, "extra gentle") || strings.Contains(calm, "emergency note") {
		t.Fatal("priority rules must only appear when flagged")
	}
	p := sampleProfile()
	p.HasDifficultMood = true
	p.HasEmergencyNote = true
	flagged, _ := BuildSystemPrompt(p)
	if !strings.Contains(flagged, "extra gentle") || !strings.Contains(flagged, "emergency note") {
		t.Fatal("expected priority rules for difficult mood and emergency note")
	}
}

func TestBuildSystemPromptMissingFields(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*profile.PatientProfile)
		want   []string
	}{
		{"none", func(*profile.PatientProfile) {}, nil},
		{"name", func(p *profile.PatientProfile) { p.Name = "" }, []string{FieldName}},
		{"age and topics", func(p *profile.PatientProfile) { p.Age = 0; p.CalmingTopics = nil }, []string{FieldAge, FieldCalmingTopics}},
		{"all", func(p *profile.PatientProfile) { *p = profile.PatientProfile{} }, []string{
			FieldName, FieldAge, FieldPreferredName, FieldCoreIdentity,
			FieldSafePlace, FieldComfortMemory, FieldCommonTrigger, FieldCalmingTopics,
		}},
		{"blank strings", func(p *profile.PatientProfile) { p.SafePlace = "  "; p.CommonTrigger = "" }, []string{FieldSafePlace, FieldCommonTrigger}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := sampleProfile()
			tc.mutate(&p)
			_, err := BuildSystemPrompt(p)
			if tc.want == nil {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			var missing *MissingProfileFieldError
			if !errors.As(err, &missing) {
				t.Fatalf("expected MissingProfileFieldError, got %v", err)
			}
			if !reflect.DeepEqual(missing.Fields, tc.want) {
				t.Fatalf("fields = %v, want %v", missing.Fields, tc.want)
			}
		})
	}
}

func TestValidateNoPlaceholdersLogsWarning(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	if ValidateNoPlaceholders("Hello {preferred_name}", logger) {
		t.Fatal("expected placeholder detection")
	}
	if !strings.Contains(buf.String(), "unresolved placeholders") {
		t.Fatalf("expected warning log, got %q", buf.String())
	}
	if !ValidateNoPlaceholders("Hello Dot", logger) {
		t.Fatal("expected clean prompt to pass")
	}
}
