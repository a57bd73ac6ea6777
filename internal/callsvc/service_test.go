package callsvc

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/loqalabs/loqa-grounding/internal/bus"
	"github.com/loqalabs/loqa-grounding/internal/config"
	"github.com/loqalabs/loqa-grounding/internal/natsserver"
	"github.com/loqalabs/loqa-grounding/internal/profile"
	"github.com/loqalabs/loqa-grounding/internal/protocol"
	"github.com/loqalabs/loqa-grounding/internal/session"
	"github.com/loqalabs/loqa-grounding/internal/voice"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func startBus(t *testing.T) *bus.Client {
	t.Helper()
	cfg := config.BusConfig{Embedded: true, Port: -1, StoreDir: filepath.Join(t.TempDir(), "nats"), ConnectTimeout: 2000, RequestTimeout: 5000}
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

func newController(t *testing.T, v voice.Client) *session.Controller {
	t.Helper()
	catalog, err := profile.NewCatalog([]profile.PatientRecord{{ID: "patient_002", Name: "William Carter", PreferredName: "Bill", Age: 81}})
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	cfg := session.DefaultConfig()
	cfg.StopBackoff = 0
	ctrl := session.New(context.Background(), cfg, session.Deps{Voice: v, Catalog: catalog, Logger: newLogger()})
	t.Cleanup(ctrl.Close)
	return ctrl
}

func command(t *testing.T, b *bus.Client, op string, cmd protocol.Command) protocol.CommandReply {
	t.Helper()
	var reply protocol.CommandReply
	if err := b.RequestJSON(context.Background(), protocol.GroundingCommandSubject(op), cmd, &reply); err != nil {
		t.Fatalf("%s: %v", op, err)
	}
	return reply
}

func TestCommandsDriveController(t *testing.T) {
	b := startBus(t)
	mock := voice.NewMock(voice.MockOptions{Configured: true})
	ctrl := newController(t, mock)

	states := make(chan session.Snapshot, 64)
	sub, err := b.Conn().Subscribe(protocol.SubjectGroundingState, func(msg *nats.Msg) {
		var snap session.Snapshot
		if err := json.Unmarshal(msg.Data, &snap); err == nil {
			states <- snap
		}
	})
	if err != nil {
		t.Fatalf("subscribe state: %v", err)
	}
	defer sub.Unsubscribe()

	svc := NewService(context.Background(), ctrl, b, newLogger())
	if err := svc.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(svc.Close)

	reply := command(t, b, protocol.CommandSelectProfile, protocol.Command{PatientID: "patient_002"})
	if !reply.OK || reply.Phase != string(session.PhasePreCall) {
		t.Fatalf("unexpected select reply %+v", reply)
	}
	reply = command(t, b, protocol.CommandStartCall, protocol.Command{})
	if !reply.OK || reply.Phase != string(session.PhaseConnecting) {
		t.Fatalf("unexpected start reply %+v", reply)
	}
	reply = command(t, b, protocol.CommandMute, protocol.Command{Enabled: true})
	if !reply.OK || !mock.Muted() {
		t.Fatalf("unexpected mute reply %+v", reply)
	}
	reply = command(t, b, protocol.CommandRestart, protocol.Command{})
	if reply.OK || reply.Error == "" {
		t.Fatalf("restart during a call must be rejected, got %+v", reply)
	}
	reply = command(t, b, protocol.CommandReset, protocol.Command{})
	if !reply.OK || reply.Phase != string(session.PhaseIdle) {
		t.Fatalf("unexpected reset reply %+v", reply)
	}

	deadline := time.After(3 * time.Second)
	for {
		select {
		case snap := <-states:
			if snap.Phase == session.PhaseConnecting && snap.Session != nil {
				return
			}
		case <-deadline:
			t.Fatal("never saw a connecting snapshot on the state subject")
		}
	}
}

func TestUnknownCommandRejected(t *testing.T) {
	b := startBus(t)
	ctrl := newController(t, voice.NewMock(voice.MockOptions{Configured: true}))
	svc := NewService(context.Background(), ctrl, b, newLogger())
	if err := svc.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(svc.Close)

	reply := command(t, b, "dance", protocol.Command{})
	if reply.OK {
		t.Fatal("unknown command should fail")
	}
}

func TestClassifiedErrorsKeepCausePrivate(t *testing.T) {
	b := startBus(t)
	ctrl := newController(t, voice.NewMock(voice.MockOptions{Configured: false}))
	svc := NewService(context.Background(), ctrl, b, newLogger())
	if err := svc.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(svc.Close)

	command(t, b, protocol.CommandSelectProfile, protocol.Command{PatientID: "patient_002"})
	reply := command(t, b, protocol.CommandStartCall, protocol.Command{})
	if reply.OK || reply.Phase != string(session.PhaseError) {
		t.Fatalf("expected configuration failure, got %+v", reply)
	}
	if reply.Error != "The voice service is not set up yet." {
		t.Fatalf("unexpected error text %q", reply.Error)
	}
}
