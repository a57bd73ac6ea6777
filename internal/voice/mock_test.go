package voice

import (
	"context"
	"errors"
	"testing"

	"github.com/loqalabs/loqa-grounding/internal/protocol"
)

func TestMockRecordsCalls(t *testing.T) {
	m := NewMock(MockOptions{Configured: true})
	var got []protocol.VoiceEvent
	unsubscribe, _ := m.Subscribe(func(ev protocol.VoiceEvent) { got = append(got, ev) })

	if err := m.Say(context.Background(), "early"); err == nil {
		t.Fatal("say before start should fail")
	}
	if err := m.Start(context.Background(), "s1", protocol.CallRequest{Name: "x"}); err != nil {
		t.Fatal(err)
	}
	_ = m.Say(context.Background(), "hello")
	_ = m.SetMuted(context.Background(), true)
	m.Emit(protocol.VoiceEvent{Type: protocol.EventCallStart})

	if len(m.Starts()) != 1 || m.SessionID() != "s1" || len(m.Said()) != 1 || !m.Muted() {
		t.Fatal("mock did not record calls")
	}
	if len(got) != 1 {
		t.Fatalf("expected one delivered event, got %d", len(got))
	}
	unsubscribe()
	unsubscribe()
	m.Emit(protocol.VoiceEvent{Type: protocol.EventCallEnd})
	if len(got) != 1 || m.Subscribers() != 0 {
		t.Fatal("unsubscribed handler must not receive events")
	}
}

func TestMockFailures(t *testing.T) {
	m := NewMock(MockOptions{Configured: true})
	boom := errors.New("boom")
	m.FailStart(boom)
	if err := m.Start(context.Background(), "s1", protocol.CallRequest{}); !errors.Is(err, boom) {
		t.Fatalf("expected start failure, got %v", err)
	}
	m.FailStart(nil)
	_ = m.Start(context.Background(), "s1", protocol.CallRequest{})
	m.FailStop(boom, 2)
	for i := 0; i < 2; i++ {
		if err := m.Stop(context.Background()); !errors.Is(err, boom) {
			t.Fatalf("stop %d: expected failure, got %v", i, err)
		}
	}
	if err := m.Stop(context.Background()); err != nil {
		t.Fatalf("third stop should succeed, got %v", err)
	}
	if m.Stops() != 3 {
		t.Fatalf("expected 3 stop calls, got %d", m.Stops())
	}
}
