// Package prompt turns a patient profile into the voice assistant's system
// instruction and call configuration.
package prompt

import (
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"

	"github.com/loqalabs/loqa-grounding/internal/profile"
)

// Required profile fields, in reporting order.
const (
	FieldName          = "name"
	FieldAge           = "age"
	FieldPreferredName = "preferred_name"
	FieldCoreIdentity  = "core_identity"
	FieldSafePlace     = "safe_place"
	FieldComfortMemory = "comfort_memory"
	FieldCommonTrigger = "common_trigger"
	FieldCalmingTopics = "calming_topics"
)

// MissingProfileFieldError reports required profile fields that were empty.
// It means the profile adapter's defaults were bypassed upstream.
type MissingProfileFieldError struct {
	Fields []string
}

func (e *MissingProfileFieldError) Error() string {
	return "profile missing required fields: " + strings.Join(e.Fields, ", ")
}

var placeholderPattern = regexp.MustCompile(`\{[^}]+\}`)

// braceReplacer keeps caregiver-entered text from reading as a template marker.
var braceReplacer = strings.NewReplacer("{", "(", "}", ")")

func missingFields(p profile.PatientProfile) []string {
	var missing []string
	check := func(field string, empty bool) {
		if empty {
			missing = append(missing, field)
		}
	}
	check(FieldName, strings.TrimSpace(p.Name) == "")
	check(FieldAge, p.Age <= 0)
	check(FieldPreferredName, strings.TrimSpace(p.PreferredName) == "")
	check(FieldCoreIdentity, strings.TrimSpace(p.CoreIdentity) == "")
	check(FieldSafePlace, strings.TrimSpace(p.SafePlace) == "")
	check(FieldComfortMemory, strings.TrimSpace(p.ComfortMemory) == "")
	check(FieldCommonTrigger, strings.TrimSpace(p.CommonTrigger) == "")
	check(FieldCalmingTopics, len(p.CalmingTopics) == 0)
	return missing
}

// BuildSystemPrompt renders the instruction block for one call. The output is
// a pure function of the profile.
func BuildSystemPrompt(p profile.PatientProfile) (string, error) {
	if missing := missingFields(p); len(missing) > 0 {
		return "", &MissingProfileFieldError{Fields: missing}
	}

	name := p.PreferredName
	topic1 := p.CalmingTopics[0]
	topic2 := "the things they enjoy"
	if len(p.CalmingTopics) > 1 {
		topic2 = p.CalmingTopics[1]
	}

	var b strings.Builder
	line := func(format string, args ...any) {
		for i, arg := range args {
			if s, ok := arg.(string); ok {
				args[i] = braceReplacer.Replace(s)
			}
		}
		fmt.Fprintf(&b, format, args...)
		b.WriteByte('\n')
	}

	line("You are a trained grounding companion and caring nurse speaking with %s. You are warm, patient and gently take the lead, the way an experienced caregiver would.", name)
	line("")
	line("ABOUT %s:", strings.ToUpper(name))
	line("- Age: %s", strconv.Itoa(p.Age))
	line("- Background: %s", p.CoreIdentity)
	line("- Safe place: %s", p.SafePlace)
	line("- Finds comfort in: %s", p.ComfortMemory)
	line("- Good topics to discuss: %s, %s", topic1, topic2)
	line("- Can be upset by: %s", p.CommonTrigger)
	if p.CalmingStrategies != "" {
		line("- What usually helps: %s", p.CalmingStrategies)
	}
	if len(p.AvoidTopics) > 0 {
		line("- Steer away from: %s", strings.Join(p.AvoidTopics, ", "))
	}
	line("")
	line("GROUNDING TECHNIQUES:")
	line("- Orientation: gently mention where %s is and that they are safe, without quizzing them.", name)
	line("- Validation: acknowledge the feeling first, then guide forward.")
	line("- Sensory grounding: invite them to notice something they can see, hear or hold right now.")
	line("- Reminiscence: bring up %s or %s when they seem unsettled.", topic1, topic2)
	line("- Reassurance: remind them they are not alone and that someone cares about them.")
	line("")
	line("RECENT CONTEXT:")
	line("- Mood over recent days: %s", p.RecentMoodSummary)
	line("- Caregiver notes: %s", p.NotesSummary)
	if len(p.RecentActivities) > 0 {
		line("- Recent activity: %s", strings.Join(p.RecentActivities, "; "))
	}
	if p.HasDifficultMood {
		line("- Recent days have been difficult. Be extra gentle, slow down and lead with reassurance.")
	}
	if p.HasEmergencyNote {
		line("- There is an emergency note from a caregiver. Check in on it early and kindly, and treat it as your first priority.")
	}
	line("- Use this context quietly to guide the conversation. Never read it back.")
	line("")
	line("CONVERSATION STYLE:")
	line("- Ask one short question at a time and wait for the answer.")
	line("- Keep each reply to two or three short sentences.")
	line("- Use %s's name naturally.", name)
	line("- If they are quiet, offer comfort instead of pressing: \"Take your time. I'm right here. Would it help to talk about %s?\"", topic1)
	line("")
	line("KEY RULES:")
	line("- Never say or imply that you are an AI, an assistant or an automated system.")
	line("- Never argue with or correct %s's sense of reality. Meet them where they are.", name)
	line("- Never read data, notes or lists out loud.")
	line("- Only call end_conversation when %s clearly says goodbye or asks to stop.", name)

	return strings.TrimRight(b.String(), "\n"), nil
}

// ValidateNoPlaceholders reports whether prompt is free of unresolved {...}
// markers, logging a warning when it is not.
func ValidateNoPlaceholders(prompt string, logger *slog.Logger) bool {
	matches := placeholderPattern.FindAllString(prompt, -1)
	if len(matches) == 0 {
		return true
	}
	if logger != nil {
		logger.Warn("system prompt has unresolved placeholders", slog.Any("placeholders", matches))
	}
	return false
}
