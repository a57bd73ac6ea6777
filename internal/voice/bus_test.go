package voice

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"

	"github.com/nats-io/nats.go"

	"github.com/loqalabs/loqa-grounding/internal/bus"
	"github.com/loqalabs/loqa-grounding/internal/config"
	"github.com/loqalabs/loqa-grounding/internal/natsserver"
	"github.com/loqalabs/loqa-grounding/internal/protocol"
)

func startBus(t *testing.T) *bus.Client {
	t.Helper()
	cfg := config.BusConfig{Embedded: true, Port: -1, StoreDir: filepath.Join(t.TempDir(), "nats"), ConnectTimeout: 2000, RequestTimeout: 2000}
	srv, err := natsserver.Start(cfg, newLogger())
	if err != nil {
		t.Fatalf("start embedded nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)
	cfg.Servers = []string{srv.ClientURL()}
	client, err := bus.Connect(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}

// fakeGateway acknowledges every voice command and remembers it.
type fakeGateway struct {
	mu   sync.Mutex
	cmds []protocol.VoiceCommand
}

func (g *fakeGateway) serve(t *testing.T, b *bus.Client) {
	t.Helper()
	sub, err := b.Conn().Subscribe(protocol.SubjectVoiceCmdPrefix+".*", func(msg *nats.Msg) {
		var cmd protocol.VoiceCommand
		if err := json.Unmarshal(msg.Data, &cmd); err != nil {
			b.RespondJSON(msg, protocol.Reply{Error: "bad command"})
			return
		}
		g.mu.Lock()
		g.cmds = append(g.cmds, cmd)
		g.mu.Unlock()
		b.RespondJSON(msg, protocol.Reply{OK: true, ID: cmd.SessionID})
	})
	if err != nil {
		t.Fatalf("subscribe gateway: %v", err)
	}
	t.Cleanup(func() { _ = sub.Unsubscribe() })
}

func (g *fakeGateway) ops() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]string, 0, len(g.cmds))
	for _, c := range g.cmds {
		out = append(out, c.Op)
	}
	return out
}

func TestBusClientCommandsAndEvents(t *testing.T) {
	b := startBus(t)
	gw := &fakeGateway{}
	gw.serve(t, b)

	client := NewBusClient(b, "vk_live_0123456789", newLogger())
	if !client.Configured() {
		t.Fatal("expected client to be configured")
	}
	sink := newSink()
	unsubscribe, _ := client.Subscribe(sink.add)
	defer unsubscribe()

	ctx := context.Background()
	if err := client.Say(ctx, "too early"); err == nil {
		t.Fatal("say without a call should fail")
	}
	if err := client.Start(ctx, "sess-1", protocol.CallRequest{Name: "Dot Support"}); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := client.Say(ctx, "I'm still here."); err != nil {
		t.Fatalf("say: %v", err)
	}
	if err := client.SetMuted(ctx, true); err != nil {
		t.Fatalf("mute: %v", err)
	}

	if err := b.PublishJSON(protocol.VoiceEventSubject("sess-1"), protocol.VoiceEvent{SessionID: "sess-1", Type: protocol.EventCallStart}); err != nil {
		t.Fatalf("publish event: %v", err)
	}
	events := sink.wait(t, 1)
	if events[0].Type != protocol.EventCallStart {
		t.Fatalf("unexpected event %+v", events[0])
	}

	if err := client.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	want := []string{protocol.VoiceOpStart, protocol.VoiceOpSay, protocol.VoiceOpMute, protocol.VoiceOpStop}
	got := gw.ops()
	if len(got) != len(want) {
		t.Fatalf("expected ops %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected ops %v, got %v", want, got)
		}
	}
}

func TestBusClientUnconfiguredKey(t *testing.T) {
	b := startBus(t)
	if NewBusClient(b, "your_voice_api_key_here", newLogger()).Configured() {
		t.Fatal("placeholder key must not count as configured")
	}
}

func TestBusClientLateCallEndKeepsNewerSession(t *testing.T) {
	b := startBus(t)
	gw := &fakeGateway{}
	gw.serve(t, b)
	client := NewBusClient(b, "vk_live_0123456789", newLogger())

	ctx := context.Background()
	if err := client.Start(ctx, "sess-1", protocol.CallRequest{}); err != nil {
		t.Fatalf("start sess-1: %v", err)
	}
	client.mu.Lock()
	first := client.sub
	client.mu.Unlock()
	if err := client.Start(ctx, "sess-2", protocol.CallRequest{}); err != nil {
		t.Fatalf("start sess-2: %v", err)
	}

	end := func(sessionID string, sub *nats.Subscription) *nats.Msg {
		data, err := json.Marshal(protocol.VoiceEvent{SessionID: sessionID, Type: protocol.EventCallEnd})
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		return &nats.Msg{Subject: protocol.VoiceEventSubject(sessionID), Sub: sub, Data: data}
	}

	client.handleEvent(end("sess-1", first))
	if got := client.session(); got != "sess-2" {
		t.Fatalf("late call-end for sess-1 cleared the active session, now %q", got)
	}
	client.mu.Lock()
	current := client.sub
	client.mu.Unlock()
	if current == nil || !current.IsValid() {
		t.Fatal("sess-2 subscription should still be live")
	}

	client.handleEvent(end("sess-2", current))
	if got := client.session(); got != "" {
		t.Fatalf("call-end for the active session should clear it, got %q", got)
	}
	if current.IsValid() {
		t.Fatal("sess-2 subscription should be dropped after its call-end")
	}
}
