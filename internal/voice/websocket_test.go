package voice

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-grounding/internal/protocol"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newGatewayServer(t *testing.T, handler func(r *http.Request, conn *websocket.Conn)) string {
	t.Helper()
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		handler(r, conn)
	}))
	t.Cleanup(server.Close)
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

type eventSink struct {
	mu     sync.Mutex
	events []protocol.VoiceEvent
	signal chan struct{}
}

func newSink() *eventSink {
	return &eventSink{signal: make(chan struct{}, 64)}
}

func (s *eventSink) add(ev protocol.VoiceEvent) {
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
	s.signal <- struct{}{}
}

func (s *eventSink) wait(t *testing.T, n int) []protocol.VoiceEvent {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		s.mu.Lock()
		if len(s.events) >= n {
			out := append([]protocol.VoiceEvent(nil), s.events...)
			s.mu.Unlock()
			return out
		}
		s.mu.Unlock()
		select {
		case <-s.signal:
		case <-deadline:
			t.Fatalf("timed out waiting for %d events", n)
		}
	}
}

func TestWebsocketClientRoundTrip(t *testing.T) {
	commands := make(chan protocol.VoiceCommand, 8)
	var auth string
	url := newGatewayServer(t, func(r *http.Request, conn *websocket.Conn) {
		defer conn.Close()
		auth = r.Header.Get("Authorization")
		for {
			var cmd protocol.VoiceCommand
			if err := conn.ReadJSON(&cmd); err != nil {
				return
			}
			commands <- cmd
			if cmd.Op == protocol.VoiceOpStart {
				_ = conn.WriteJSON(protocol.VoiceEvent{Type: protocol.EventCallStart})
				_ = conn.WriteJSON(AssistantTranscript("", cmd.Call.Model.FirstMessage, true))
			}
		}
	})

	client := NewWebsocketClient(WebsocketOptions{Endpoint: url, APIKey: "pk_test_0123456789"}, newLogger())
	if !client.Configured() {
		t.Fatal("expected client to be configured")
	}
	sink := newSink()
	unsubscribe, _ := client.Subscribe(sink.add)
	defer unsubscribe()

	req := protocol.CallRequest{Name: "Dot Support", Model: protocol.ModelConfig{FirstMessage: "Hi Dot"}}
	if err := client.Start(context.Background(), "sess-1", req); err != nil {
		t.Fatalf("start: %v", err)
	}
	start := <-commands
	if start.Op != protocol.VoiceOpStart || start.SessionID != "sess-1" || start.Call.Name != "Dot Support" {
		t.Fatalf("unexpected start frame %+v", start)
	}
	if auth != "Bearer pk_test_0123456789" {
		t.Fatalf("authorization header = %q", auth)
	}

	events := sink.wait(t, 2)
	if events[0].Type != protocol.EventCallStart || events[0].SessionID != "sess-1" {
		t.Fatalf("unexpected first event %+v", events[0])
	}
	if events[1].Message == nil || events[1].Message.Transcript != "Hi Dot" {
		t.Fatalf("unexpected transcript event %+v", events[1])
	}

	if err := client.Say(context.Background(), "Take your time."); err != nil {
		t.Fatalf("say: %v", err)
	}
	if cmd := <-commands; cmd.Op != protocol.VoiceOpSay || cmd.Text != "Take your time." {
		t.Fatalf("unexpected say frame %+v", cmd)
	}
	if err := client.SetMuted(context.Background(), true); err != nil {
		t.Fatalf("mute: %v", err)
	}
	if cmd := <-commands; cmd.Op != protocol.VoiceOpMute || !cmd.Muted {
		t.Fatalf("unexpected mute frame %+v", cmd)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if cmd := <-commands; cmd.Op != protocol.VoiceOpStop {
		t.Fatalf("expected stop frame, got %+v", cmd)
	}
	for _, ev := range sink.wait(t, 2) {
		if ev.Type == protocol.EventError {
			t.Fatal("a requested stop must not surface as a connection error")
		}
	}
}

func TestWebsocketClientConnectionLost(t *testing.T) {
	url := newGatewayServer(t, func(_ *http.Request, conn *websocket.Conn) {
		var cmd protocol.VoiceCommand
		_ = conn.ReadJSON(&cmd)
		_ = conn.WriteJSON(protocol.VoiceEvent{Type: protocol.EventCallStart})
		conn.Close()
	})

	client := NewWebsocketClient(WebsocketOptions{Endpoint: url, APIKey: "pk_test_0123456789"}, newLogger())
	sink := newSink()
	client.Subscribe(sink.add)
	if err := client.Start(context.Background(), "sess-2", protocol.CallRequest{}); err != nil {
		t.Fatalf("start: %v", err)
	}
	events := sink.wait(t, 2)
	if events[1].Type != protocol.EventError || events[1].SessionID != "sess-2" {
		t.Fatalf("expected error event after drop, got %+v", events[1])
	}
	if err := client.Say(context.Background(), "hello"); err == nil {
		t.Fatal("say after drop should fail")
	}
}

func TestWebsocketClientDialFailure(t *testing.T) {
	client := NewWebsocketClient(WebsocketOptions{Endpoint: "ws://127.0.0.1:1/none", APIKey: "pk_test_0123456789", ConnectTimeout: time.Second}, newLogger())
	if err := client.Start(context.Background(), "sess-3", protocol.CallRequest{}); err == nil {
		t.Fatal("expected dial error")
	}
}

func TestKeyConfigured(t *testing.T) {
	cases := map[string]bool{
		"":                        false,
		"short":                   false,
		"your_voice_api_key_here": false,
		"pk_live_0123456789":      true,
	}
	for key, want := range cases {
		if got := KeyConfigured(key); got != want {
			t.Fatalf("KeyConfigured(%q) = %v", key, got)
		}
	}
}
