package clock

import "time"

// Slot owns at most one pending timer. Arming clears the previous handle
// first, and every arming gets a fresh token so a callback that was already
// in flight when the slot was cleared can be recognised and dropped.
//
// Slot is not safe for concurrent use; its owner serializes access and
// calls Claim from within that serialization.
type Slot struct {
	clk   Clock
	timer Timer
	token uint64
	armed bool
}

func NewSlot(clk Clock) *Slot {
	return &Slot{clk: clk}
}

// Arm schedules fire after d and returns the arming token. fire receives the
// same token and should pass it to Claim before acting.
func (s *Slot) Arm(d time.Duration, fire func(token uint64)) uint64 {
	s.Clear()
	s.token++
	token := s.token
	s.armed = true
	s.timer = s.clk.AfterFunc(d, func() { fire(token) })
	return token
}

// Claim reports whether token belongs to the current arming and, if so,
// disarms the slot.
func (s *Slot) Claim(token uint64) bool {
	if !s.armed || token != s.token {
		return false
	}
	s.armed = false
	s.timer = nil
	return true
}

// Clear stops the pending timer, if any.
func (s *Slot) Clear() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.armed = false
}

func (s *Slot) Armed() bool {
	return s.armed
}
