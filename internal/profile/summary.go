package profile

import (
	"strings"
	"time"
)

const (
	noMoodData   = "No recent mood data"
	noNotesToday = "No notes today"
	maxOtherTags = 3
	defaultDays  = 7
)

type moodSummary struct {
	summary   string
	difficult bool
}

type noteSummary struct {
	summary   string
	emergency bool
}

// summarizeMoods walks the trailing window, today first, and renders each
// day that has entries as "Mon: mood (first note)".
func summarizeMoods(window TrackingWindow) moodSummary {
	if window.Reference.IsZero() || len(window.Moods) == 0 {
		return moodSummary{summary: noMoodData}
	}
	days := window.Days
	if days <= 0 {
		days = defaultDays
	}

	byDay := make(map[string][]MoodEntry)
	for _, m := range window.Moods {
		if strings.TrimSpace(m.Mood) == "" {
			continue
		}
		byDay[m.Day] = append(byDay[m.Day], m)
	}

	var (
		parts     []string
		difficult bool
	)
	for i := 0; i < days; i++ {
		date := window.Reference.AddDate(0, 0, -i)
		entries := byDay[date.Format(DayLayout)]
		if len(entries) == 0 {
			continue
		}
		mood := predominantMood(entries)
		if mood == MoodDifficult || mood == MoodVeryHard {
			difficult = true
		}
		part := date.Format("Mon") + ": " + mood
		if note := strings.TrimSpace(entries[0].Note); note != "" {
			part += " (" + note + ")"
		}
		parts = append(parts, part)
	}
	if len(parts) == 0 {
		return moodSummary{summary: noMoodData}
	}
	return moodSummary{summary: strings.Join(parts, ", "), difficult: difficult}
}

// predominantMood returns the most frequent mood; ties go to the first seen.
func predominantMood(entries []MoodEntry) string {
	counts := make(map[string]int)
	var (
		best      string
		bestCount int
	)
	for _, e := range entries {
		counts[e.Mood]++
	}
	for _, e := range entries {
		if c := counts[e.Mood]; c > bestCount {
			best, bestCount = e.Mood, c
		}
	}
	return best
}

type dayNote struct {
	NoteEntry
	yesterday bool
}

// summarizeNotes renders today's and yesterday's notes, emergency first,
// then behavior, then medical, then up to three others.
func summarizeNotes(window TrackingWindow) noteSummary {
	if window.Reference.IsZero() || len(window.Notes) == 0 {
		return noteSummary{summary: noNotesToday}
	}
	today := window.Reference.Format(DayLayout)
	yesterday := window.Reference.AddDate(0, 0, -1).Format(DayLayout)

	var all []dayNote
	for _, day := range []string{today, yesterday} {
		for _, n := range window.Notes {
			if n.Day == day && strings.TrimSpace(n.Text) != "" {
				all = append(all, dayNote{NoteEntry: n, yesterday: day == yesterday})
			}
		}
	}

	var ordered []dayNote
	for _, tag := range []string{TagEmergency, TagBehavior, TagMedical} {
		for _, n := range all {
			if n.Tag == tag {
				ordered = append(ordered, n)
			}
		}
	}
	others := 0
	for _, n := range all {
		if n.Tag == TagEmergency || n.Tag == TagBehavior || n.Tag == TagMedical {
			continue
		}
		if others == maxOtherTags {
			break
		}
		ordered = append(ordered, n)
		others++
	}
	if len(ordered) == 0 {
		return noteSummary{summary: noNotesToday}
	}

	parts := make([]string, 0, len(ordered))
	emergency := false
	for _, n := range ordered {
		tag := n.Tag
		if tag == "" {
			tag = "note"
		}
		if tag == TagEmergency {
			emergency = true
		}
		when := "(today)"
		if n.yesterday {
			when = "(yesterday)"
		}
		parts = append(parts, "["+tag+"] "+when+" "+strings.TrimSpace(n.Text))
	}
	return noteSummary{summary: strings.Join(parts, " | "), emergency: emergency}
}

// DayKey formats t as a tracking day key.
func DayKey(t time.Time) string {
	return t.Format(DayLayout)
}
