package clock

import (
	"testing"
	"time"
)

func TestManualFiresInDueOrder(t *testing.T) {
	m := NewManual(time.Unix(0, 0))
	var fired []string
	m.AfterFunc(3*time.Second, func() { fired = append(fired, "c") })
	m.AfterFunc(1*time.Second, func() { fired = append(fired, "a") })
	m.AfterFunc(1*time.Second, func() { fired = append(fired, "b") })

	m.Advance(2 * time.Second)
	if len(fired) != 2 || fired[0] != "a" || fired[1] != "b" {
		t.Fatalf("unexpected fire order %v", fired)
	}
	if m.Pending() != 1 {
		t.Fatalf("expected one pending timer, got %d", m.Pending())
	}
	m.Advance(time.Second)
	if len(fired) != 3 {
		t.Fatalf("expected third timer to fire, got %v", fired)
	}
	if got := m.Now(); !got.Equal(time.Unix(3, 0)) {
		t.Fatalf("unexpected clock time %v", got)
	}
}

func TestManualRunsTimersScheduledByCallbacks(t *testing.T) {
	m := NewManual(time.Unix(0, 0))
	count := 0
	var tick func()
	tick = func() {
		count++
		m.AfterFunc(time.Second, tick)
	}
	m.AfterFunc(time.Second, tick)

	m.Advance(5 * time.Second)
	if count != 5 {
		t.Fatalf("expected 5 ticks, got %d", count)
	}
}

func TestManualStop(t *testing.T) {
	m := NewManual(time.Unix(0, 0))
	fired := false
	timer := m.AfterFunc(time.Second, func() { fired = true })
	if !timer.Stop() {
		t.Fatal("expected first stop to report true")
	}
	if timer.Stop() {
		t.Fatal("expected second stop to report false")
	}
	m.Advance(time.Minute)
	if fired || m.Pending() != 0 {
		t.Fatalf("stopped timer fired=%v pending=%d", fired, m.Pending())
	}
}

func TestSlotClearBeforeArm(t *testing.T) {
	m := NewManual(time.Unix(0, 0))
	slot := NewSlot(m)
	var claimed []uint64
	fire := func(token uint64) {
		if slot.Claim(token) {
			claimed = append(claimed, token)
		}
	}

	first := slot.Arm(time.Second, fire)
	second := slot.Arm(2*time.Second, fire)
	if first == second {
		t.Fatal("expected distinct tokens per arming")
	}
	if m.Pending() != 1 {
		t.Fatalf("expected re-arm to leave one timer, got %d", m.Pending())
	}
	m.Advance(3 * time.Second)
	if len(claimed) != 1 || claimed[0] != second {
		t.Fatalf("expected only the second arming to fire, got %v", claimed)
	}
	if slot.Armed() {
		t.Fatal("slot should be disarmed after claim")
	}
}

func TestSlotStaleTokenRejected(t *testing.T) {
	m := NewManual(time.Unix(0, 0))
	slot := NewSlot(m)
	token := slot.Arm(time.Second, func(uint64) {})
	slot.Clear()
	if slot.Claim(token) {
		t.Fatal("claim after clear must fail")
	}
	next := slot.Arm(time.Second, func(uint64) {})
	if slot.Claim(token) {
		t.Fatal("old token must not claim a newer arming")
	}
	if !slot.Claim(next) {
		t.Fatal("current token should claim")
	}
}
