// Package profile flattens a patient record and its recent tracking data into
// the snapshot a grounding call is configured from.
package profile

import (
	"errors"
	"fmt"
	"strings"
)

// ErrIncompleteRecord is returned when a record lacks the fields every call
// needs (name and a positive age).
var ErrIncompleteRecord = errors.New("patient record incomplete")

const (
	defaultComfort   = "spending time with family"
	defaultTrigger   = "unfamiliar surroundings or sudden changes"
	defaultStrategy  = "listening to familiar music"
	defaultCommunity = "their community"
	maxCalmingTopics = 5
	maxActivityLines = 10
)

var defaultCalmingTopics = []string{"Music", "Family memories"}

// Options tune how a record is flattened.
type Options struct {
	// DefaultVoice applies when the record has no explicit preference.
	DefaultVoice VoicePreference
	// InferVoiceFromName enables the legacy first-name voice heuristic for
	// records without an explicit preference.
	InferVoiceFromName bool
}

// BuildCallProfile maps a record and tracking window to a PatientProfile.
// Every field the prompt builder requires is filled on success.
func BuildCallProfile(record PatientRecord, window TrackingWindow, opts Options) (PatientProfile, error) {
	var missing []string
	if strings.TrimSpace(record.Name) == "" {
		missing = append(missing, "name")
	}
	if record.Age <= 0 {
		missing = append(missing, "age")
	}
	if len(missing) > 0 {
		return PatientProfile{}, fmt.Errorf("%w: missing %s", ErrIncompleteRecord, strings.Join(missing, ", "))
	}

	preferred := preferredName(record)
	moods := summarizeMoods(window)
	notes := summarizeNotes(window)

	return PatientProfile{
		PatientID:         record.ID,
		Name:              strings.TrimSpace(record.Name),
		PreferredName:     preferred,
		Age:               record.Age,
		DiagnosisStage:    record.Stage,
		Location:          record.Location,
		CoreIdentity:      coreIdentity(record, preferred),
		SafePlace:         safePlace(record),
		ComfortMemory:     comfortMemory(record, preferred),
		CommonTrigger:     joinOr(record.Triggers, defaultTrigger),
		CalmingStrategies: joinOr(record.CalmingStrategies, defaultStrategy),
		CalmingTopics:     calmingTopics(record),
		AvoidTopics:       nonEmpty(record.Triggers),
		VoicePreference:   resolveVoice(record, opts),
		EmergencyContacts: append([]Contact(nil), record.EmergencyContacts...),
		DoctorName:        record.DoctorName,
		DoctorPhone:       record.DoctorPhone,
		FavoriteMusic:     append([]Song(nil), record.FavoriteSongs...),
		RecentMoodSummary: moods.summary,
		NotesSummary:      notes.summary,
		RecentActivities:  activityLines(window),
		HasDifficultMood:  moods.difficult,
		HasEmergencyNote:  notes.emergency,
	}, nil
}

func preferredName(record PatientRecord) string {
	if p := strings.TrimSpace(record.PreferredName); p != "" {
		return p
	}
	fields := strings.Fields(record.Name)
	return fields[0]
}

func coreIdentity(record PatientRecord, preferred string) string {
	parts := []string{fmt.Sprintf("%s is %d years old", preferred, record.Age)}
	if record.Location != "" {
		parts = append(parts, "from "+record.Location)
	}
	if d := strings.TrimSpace(record.Diagnosis); d != "" {
		parts = append(parts, d)
	}
	if era := record.FavoriteThings.Era; era != "" {
		parts = append(parts, "They especially love things from the "+era)
	}
	if person := record.FavoriteThings.Person; person != "" {
		parts = append(parts, "Their favorite person to talk about is "+person)
	}
	return strings.Join(parts, ". ") + "."
}

func safePlace(record PatientRecord) string {
	location := record.Location
	if location == "" {
		location = defaultCommunity
	}
	home := "their home in " + location
	if place := record.FavoriteThings.Place; place != "" {
		return place + " and " + home
	}
	return home
}

func comfortMemory(record PatientRecord, preferred string) string {
	memory := defaultComfort
	if memories := nonEmpty(record.ComfortMemories); len(memories) > 0 {
		memory = strings.Join(memories, ", ")
	} else if len(record.FavoriteSongs) > 0 && record.FavoriteSongs[0].Title != "" {
		memory = "listening to " + songLabel(record.FavoriteSongs[0])
	}
	text := fmt.Sprintf("%s finds comfort in %s.", preferred, memory)
	if food := record.FavoriteThings.Food; food != "" {
		text += fmt.Sprintf(" Their favorite food is %s.", food)
	}
	return text
}

func calmingTopics(record PatientRecord) []string {
	var topics []string
	for i, song := range record.FavoriteSongs {
		if i == 2 {
			break
		}
		if song.Title != "" {
			topics = append(topics, songLabel(song))
		}
	}
	if a := record.FavoriteThings.Activity; a != "" {
		topics = append(topics, a)
	}
	if p := record.FavoriteThings.Place; p != "" {
		topics = append(topics, p)
	}
	if p := record.FavoriteThings.Person; p != "" {
		topics = append(topics, p)
	}
	if memories := nonEmpty(record.ComfortMemories); len(memories) > 0 {
		topics = append(topics, memories[0])
	}
	if len(topics) == 0 {
		return append([]string(nil), defaultCalmingTopics...)
	}
	if len(topics) > maxCalmingTopics {
		topics = topics[:maxCalmingTopics]
	}
	return topics
}

func activityLines(window TrackingWindow) []string {
	var lines []string
	for _, a := range window.Activities {
		if len(lines) == maxActivityLines {
			break
		}
		line := a.At.Format("Mon") + ": " + a.Type
		if a.Summary != "" {
			line += " (" + a.Summary + ")"
		}
		lines = append(lines, line)
	}
	return lines
}

func songLabel(s Song) string {
	if s.Artist == "" {
		return s.Title
	}
	return s.Title + " by " + s.Artist
}

func joinOr(values []string, fallback string) string {
	if v := nonEmpty(values); len(v) > 0 {
		return strings.Join(v, ", ")
	}
	return fallback
}

func nonEmpty(values []string) []string {
	var out []string
	for _, v := range values {
		if s := strings.TrimSpace(v); s != "" {
			out = append(out, s)
		}
	}
	return out
}
