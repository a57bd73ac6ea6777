// Package transcript turns the voice service's raw speech stream into the
// stable, display-ready transcript shown during a call.
package transcript

import (
	"strings"
	"time"

	"github.com/loqalabs/loqa-grounding/internal/clock"
)

type Speaker string

const (
	SpeakerAssistant Speaker = "assistant"
	SpeakerPatient   Speaker = "patient"
)

// Entry is one appended transcript line. Entries are never edited once
// appended.
type Entry struct {
	Speaker       Speaker   `json:"speaker"`
	Text          string    `json:"text"`
	Final         bool      `json:"final"`
	Timestamp     time.Time `json:"timestamp"`
	SilencePrompt bool      `json:"silence_prompt,omitempty"`
}

// SpeechEvent is a single transcript update from either party.
type SpeechEvent struct {
	Speaker Speaker
	Text    string
	Final   bool
}

// View is the live, timer-driven part of the display.
type View struct {
	LiveText          string `json:"live_text,omitempty"`
	AssistantSpeaking bool   `json:"assistant_speaking"`
	PatientListening  bool   `json:"patient_listening"`
}

type Config struct {
	SpeakingClear       time.Duration
	Fade                time.Duration
	ListeningClear      time.Duration
	RetainPatientSpeech bool
}

func DefaultConfig() Config {
	return Config{
		SpeakingClear:  2 * time.Second,
		Fade:           20 * time.Second,
		ListeningClear: 3 * time.Second,
	}
}

// Debouncer owns the transcript and its display timers. It is not safe for
// concurrent use: the owner serializes calls and supplies exec, through which
// every timer callback is dispatched.
type Debouncer struct {
	cfg  Config
	clk  clock.Clock
	exec func(func())

	entries []Entry
	view    View

	speaking  *clock.Slot
	fade      *clock.Slot
	listening *clock.Slot
}

// New returns a Debouncer. A nil exec runs timer callbacks directly.
func New(cfg Config, clk clock.Clock, exec func(func())) *Debouncer {
	defaults := DefaultConfig()
	if cfg.SpeakingClear <= 0 {
		cfg.SpeakingClear = defaults.SpeakingClear
	}
	if cfg.Fade <= 0 {
		cfg.Fade = defaults.Fade
	}
	if cfg.ListeningClear <= 0 {
		cfg.ListeningClear = defaults.ListeningClear
	}
	if exec == nil {
		exec = func(f func()) { f() }
	}
	return &Debouncer{
		cfg:       cfg,
		clk:       clk,
		exec:      exec,
		speaking:  clock.NewSlot(clk),
		fade:      clock.NewSlot(clk),
		listening: clock.NewSlot(clk),
	}
}

// OnSpeechEvent applies ev and returns the appended entry, if any. Malformed
// events are dropped.
func (d *Debouncer) OnSpeechEvent(ev SpeechEvent) (Entry, bool) {
	text := strings.TrimSpace(ev.Text)
	if text == "" {
		return Entry{}, false
	}
	switch ev.Speaker {
	case SpeakerAssistant:
		return d.onAssistant(text, ev.Final)
	case SpeakerPatient:
		return d.onPatient(text, ev.Final)
	default:
		return Entry{}, false
	}
}

func (d *Debouncer) onAssistant(text string, final bool) (Entry, bool) {
	if !final {
		d.view.LiveText = text
		d.view.AssistantSpeaking = true
		return Entry{}, false
	}
	if d.isDuplicate(SpeakerAssistant, text) {
		return Entry{}, false
	}
	entry := d.append(Entry{Speaker: SpeakerAssistant, Text: text, Final: true})
	d.showAssistant(text)
	return entry, true
}

func (d *Debouncer) onPatient(text string, final bool) (Entry, bool) {
	d.view.PatientListening = true
	d.arm(d.listening, d.cfg.ListeningClear, func() { d.view.PatientListening = false })
	if !final || !d.cfg.RetainPatientSpeech || d.isDuplicate(SpeakerPatient, text) {
		return Entry{}, false
	}
	return d.append(Entry{Speaker: SpeakerPatient, Text: text, Final: true}), true
}

// AppendSilencePrompt records a silence prompt spoken by the assistant.
func (d *Debouncer) AppendSilencePrompt(text string) Entry {
	entry := d.append(Entry{Speaker: SpeakerAssistant, Text: text, Final: true, SilencePrompt: true})
	d.showAssistant(text)
	return entry
}

func (d *Debouncer) showAssistant(text string) {
	d.view.LiveText = text
	d.view.AssistantSpeaking = true
	d.arm(d.speaking, d.cfg.SpeakingClear, func() { d.view.AssistantSpeaking = false })
	d.arm(d.fade, d.cfg.Fade, func() { d.view.LiveText = "" })
}

func (d *Debouncer) arm(slot *clock.Slot, delay time.Duration, apply func()) {
	slot.Arm(delay, func(token uint64) {
		d.exec(func() {
			if slot.Claim(token) {
				apply()
			}
		})
	})
}

func (d *Debouncer) isDuplicate(speaker Speaker, text string) bool {
	if len(d.entries) == 0 {
		return false
	}
	last := d.entries[len(d.entries)-1]
	return last.Speaker == speaker && last.Text == text
}

func (d *Debouncer) append(e Entry) Entry {
	e.Timestamp = d.clk.Now()
	d.entries = append(d.entries, e)
	return e
}

// Entries returns a copy of the transcript.
func (d *Debouncer) Entries() []Entry {
	return append([]Entry(nil), d.entries...)
}

func (d *Debouncer) View() View {
	return d.view
}

// Stop cancels every display timer and clears the live view. The transcript
// is kept.
func (d *Debouncer) Stop() {
	d.speaking.Clear()
	d.fade.Clear()
	d.listening.Clear()
	d.view = View{}
}

// Reset stops the debouncer and discards the transcript.
func (d *Debouncer) Reset() {
	d.Stop()
	d.entries = nil
}

// Pending returns the number of outstanding timer handles.
func (d *Debouncer) Pending() int {
	n := 0
	for _, s := range []*clock.Slot{d.speaking, d.fade, d.listening} {
		if s.Armed() {
			n++
		}
	}
	return n
}
