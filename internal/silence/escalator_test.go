package silence

import (
	"testing"
	"time"

	"github.com/loqalabs/loqa-grounding/internal/clock"
)

var ladder = []string{"one", "two", "three", "four"}

func newEscalator(maxLevel int) (*Escalator, *clock.Manual, *[]Prompt) {
	clk := clock.NewManual(time.Unix(0, 0))
	var emitted []Prompt
	e := New(Config{Threshold: 7 * time.Second, Ladder: ladder, MaxLevel: maxLevel}, clk, nil, func(p Prompt) {
		emitted = append(emitted, p)
	})
	return e, clk, &emitted
}

func TestEscalatesOnCadence(t *testing.T) {
	e, clk, emitted := newEscalator(0)
	e.Arm()

	clk.Advance(6999 * time.Millisecond)
	if len(*emitted) != 0 {
		t.Fatal("must not fire before the threshold")
	}
	clk.Advance(time.Millisecond)
	if len(*emitted) != 1 || (*emitted)[0] != (Prompt{Level: 1, Text: "one"}) {
		t.Fatalf("expected level 1 prompt, got %v", *emitted)
	}
	clk.Advance(7 * time.Second)
	if len(*emitted) != 2 || (*emitted)[1].Level != 2 {
		t.Fatalf("expected level 2 prompt, got %v", *emitted)
	}
	if e.State() != StateArmed || e.Pending() != 1 {
		t.Fatal("escalator should re-arm after each fire")
	}
}

func TestLevelNeverExceedsMax(t *testing.T) {
	e, clk, emitted := newEscalator(3)
	e.Arm()
	clk.Advance(10 * 7 * time.Second)
	if len(*emitted) != 10 {
		t.Fatalf("expected 10 prompts, got %d", len(*emitted))
	}
	for i, p := range *emitted {
		if p.Level > 3 {
			t.Fatalf("prompt %d exceeded max level: %+v", i, p)
		}
	}
	last := (*emitted)[9]
	if last.Level != 3 || last.Text != "three" {
		t.Fatalf("expected the top phrase to repeat, got %+v", last)
	}
}

func TestSpeechOneMillisecondBeforeFireCancels(t *testing.T) {
	e, clk, emitted := newEscalator(0)
	e.Arm()
	clk.Advance(7 * time.Second)
	clk.Advance(7 * time.Second)
	if e.Level() != 2 {
		t.Fatalf("expected level 2, got %d", e.Level())
	}

	clk.Advance(7*time.Second - time.Millisecond)
	e.Reset()
	clk.Advance(time.Hour)
	if len(*emitted) != 2 {
		t.Fatalf("no prompt may be emitted after reset, got %v", *emitted)
	}
	if e.Level() != 0 || e.State() != StateIdle || e.Pending() != 0 {
		t.Fatalf("reset must return to idle at level 0")
	}
}

func TestPauseKeepsLevel(t *testing.T) {
	e, clk, emitted := newEscalator(0)
	e.Arm()
	clk.Advance(7 * time.Second)
	e.Pause()
	if e.State() != StatePaused || e.Level() != 1 || e.Pending() != 0 {
		t.Fatalf("pause should cancel and keep level, state=%v level=%d", e.State(), e.Level())
	}
	clk.Advance(time.Minute)
	if len(*emitted) != 1 {
		t.Fatal("paused escalator must not fire")
	}
	e.Arm()
	clk.Advance(7 * time.Second)
	if (*emitted)[1].Level != 2 {
		t.Fatalf("expected escalation to continue from level 1, got %+v", (*emitted)[1])
	}
}

func TestRearmIsIdempotent(t *testing.T) {
	e, clk, emitted := newEscalator(0)
	e.Arm()
	clk.Advance(5 * time.Second)
	e.Arm()
	e.Arm()
	if clk.Pending() != 1 {
		t.Fatalf("expected one outstanding handle, got %d", clk.Pending())
	}
	clk.Advance(5 * time.Second)
	if len(*emitted) != 0 {
		t.Fatal("re-arm restarts the quiet interval")
	}
	clk.Advance(2 * time.Second)
	if len(*emitted) != 1 {
		t.Fatal("expected a single fire")
	}
}

func TestStopAndEmptyLadder(t *testing.T) {
	e, clk, emitted := newEscalator(0)
	e.Arm()
	e.Stop()
	clk.Advance(time.Minute)
	if len(*emitted) != 0 || e.Pending() != 0 {
		t.Fatal("stopped escalator must not fire")
	}

	empty := New(Config{}, clk, nil, nil)
	empty.Arm()
	if empty.Pending() != 0 {
		t.Fatal("an empty ladder never arms")
	}
}
