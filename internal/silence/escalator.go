// Package silence detects sustained patient silence during a call and emits
// increasingly reassuring prompts on a fixed cadence.
package silence

import (
	"time"

	"github.com/loqalabs/loqa-grounding/internal/clock"
)

type State int

const (
	StateIdle State = iota
	StateArmed
	StatePaused
)

func (s State) String() string {
	switch s {
	case StateArmed:
		return "armed"
	case StatePaused:
		return "paused"
	default:
		return "idle"
	}
}

// Prompt is one escalation step. Level starts at 1.
type Prompt struct {
	Level int    `json:"level"`
	Text  string `json:"text"`
}

// DefaultLadder returns the escalation ladder used when none is configured,
// gentlest first.
func DefaultLadder() []string {
	return []string{
		"Take your time, I'm right here with you. There's no rush at all.",
		"I can see you might need a moment. I'm here whenever you're ready to talk. You matter to me.",
		"I truly care about how you're doing. Please know I'm listening whenever you want to share.",
		"You are so important, and I'm here for you. Whether you want to talk or just sit together quietly, I'm not going anywhere.",
	}
}

type Config struct {
	Threshold time.Duration
	Ladder    []string
	// MaxLevel caps the escalation level; zero means the ladder length.
	MaxLevel int
}

// Escalator owns the single silence timer of a call. It is not safe for
// concurrent use; the owner serializes calls and supplies exec, through
// which the timer callback is dispatched.
type Escalator struct {
	cfg   Config
	slot  *clock.Slot
	exec  func(func())
	emit  func(Prompt)
	state State
	level int
}

// New returns an idle Escalator. emit runs inside exec.
func New(cfg Config, clk clock.Clock, exec func(func()), emit func(Prompt)) *Escalator {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 7 * time.Second
	}
	if cfg.MaxLevel <= 0 || cfg.MaxLevel > len(cfg.Ladder) {
		cfg.MaxLevel = len(cfg.Ladder)
	}
	if exec == nil {
		exec = func(f func()) { f() }
	}
	if emit == nil {
		emit = func(Prompt) {}
	}
	return &Escalator{
		cfg:  cfg,
		slot: clock.NewSlot(clk),
		exec: exec,
		emit: emit,
	}
}

// Arm starts a fresh quiet interval at the current level, replacing any
// pending one.
func (e *Escalator) Arm() {
	if len(e.cfg.Ladder) == 0 {
		return
	}
	e.state = StateArmed
	e.slot.Arm(e.cfg.Threshold, func(token uint64) {
		e.exec(func() {
			if e.slot.Claim(token) {
				e.fire()
			}
		})
	})
}

func (e *Escalator) fire() {
	if e.level < e.cfg.MaxLevel {
		e.level++
	}
	p := Prompt{Level: e.level, Text: e.cfg.Ladder[e.level-1]}
	e.Arm()
	e.emit(p)
}

// Pause cancels the pending fire and keeps the level. Used while the
// assistant is speaking.
func (e *Escalator) Pause() {
	e.slot.Clear()
	if e.state == StateArmed {
		e.state = StatePaused
	}
}

// Reset cancels the pending fire and forgives all escalation. Used when the
// patient speaks.
func (e *Escalator) Reset() {
	e.slot.Clear()
	e.level = 0
	e.state = StateIdle
}

// Stop tears the escalator down at call end.
func (e *Escalator) Stop() {
	e.Reset()
}

func (e *Escalator) Level() int {
	return e.level
}

func (e *Escalator) State() State {
	return e.state
}

// Pending returns the number of outstanding timer handles, zero or one.
func (e *Escalator) Pending() int {
	if e.slot.Armed() {
		return 1
	}
	return 0
}
