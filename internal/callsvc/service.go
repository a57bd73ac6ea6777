// Package callsvc exposes the session controller to the rendering layer over
// the bus: commands arrive as requests on grounding.cmd.<op> and every state
// change is published on grounding.state.
package callsvc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/loqalabs/loqa-grounding/internal/bus"
	"github.com/loqalabs/loqa-grounding/internal/protocol"
	"github.com/loqalabs/loqa-grounding/internal/session"
)

const (
	stateBucket    = "grounding_state"
	stateKey       = "current"
	commandTimeout = 30 * time.Second
)

// Controller is the part of session.Controller the service drives.
type Controller interface {
	SelectProfile(ctx context.Context, patientID string) error
	StartCall(ctx context.Context) error
	EndCall(ctx context.Context) error
	SetMuted(ctx context.Context, muted bool) error
	SetSpeaker(on bool) error
	Retry(ctx context.Context) error
	Restart() error
	Reset()
	Snapshot() session.Snapshot
	Subscribe(fn func(session.Snapshot)) func()
}

type Service struct {
	ctrl   Controller
	bus    *bus.Client
	logger *slog.Logger
	sub    *nats.Subscription
	kv     nats.KeyValue
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	unsubscribe func()
	mu          sync.Mutex
	lastSeq     uint64
}

func NewService(parent context.Context, ctrl Controller, busClient *bus.Client, logger *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		ctrl:   ctrl,
		bus:    busClient,
		logger: logger.With(slog.String("component", "call-service")),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (s *Service) Start() error {
	s.kv = s.openBucket()
	sub, err := s.bus.Conn().Subscribe(protocol.GroundingCommandSubject("*"), s.handleCommand)
	if err != nil {
		return err
	}
	s.sub = sub
	s.unsubscribe = s.ctrl.Subscribe(s.publishState)
	s.publishState(s.ctrl.Snapshot())
	return nil
}

// openBucket returns the JetStream KV bucket holding the latest snapshot, or
// nil when JetStream is unavailable.
func (s *Service) openBucket() nats.KeyValue {
	js := s.bus.JetStream()
	if js == nil {
		return nil
	}
	kv, err := js.KeyValue(stateBucket)
	if errors.Is(err, nats.ErrBucketNotFound) {
		kv, err = js.CreateKeyValue(&nats.KeyValueConfig{Bucket: stateBucket, History: 1})
	}
	if err != nil {
		s.logger.Warn("state bucket unavailable", slogError(err))
		return nil
	}
	return kv
}

func (s *Service) Close() {
	s.cancel()
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
	if s.sub != nil {
		_ = s.sub.Drain()
	}
	s.wg.Wait()
}

func (s *Service) Healthy() bool { return s.sub != nil }

func (s *Service) handleCommand(msg *nats.Msg) {
	op := strings.TrimPrefix(msg.Subject, protocol.SubjectGroundingCmdPrefix+".")
	var cmd protocol.Command
	if len(msg.Data) > 0 {
		if err := json.Unmarshal(msg.Data, &cmd); err != nil {
			s.logger.Warn("failed to decode grounding command", slog.String("op", op), slogError(err))
			s.bus.RespondJSON(msg, protocol.CommandReply{Reply: protocol.Reply{Error: "invalid command"}})
			return
		}
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(s.ctx, commandTimeout)
		defer cancel()

		err := s.dispatch(ctx, op, cmd)
		reply := protocol.CommandReply{Reply: protocol.Reply{OK: err == nil}, Phase: string(s.ctrl.Snapshot().Phase)}
		if err != nil {
			reply.Error = userMessage(err)
			s.logger.Info("grounding command rejected", slog.String("op", op), slogError(err))
		}
		s.bus.RespondJSON(msg, reply)
	}()
}

func (s *Service) dispatch(ctx context.Context, op string, cmd protocol.Command) error {
	switch op {
	case protocol.CommandSelectProfile:
		return s.ctrl.SelectProfile(ctx, cmd.PatientID)
	case protocol.CommandStartCall:
		return s.ctrl.StartCall(ctx)
	case protocol.CommandEndCall:
		return s.ctrl.EndCall(ctx)
	case protocol.CommandMute:
		return s.ctrl.SetMuted(ctx, cmd.Enabled)
	case protocol.CommandSpeaker:
		return s.ctrl.SetSpeaker(cmd.Enabled)
	case protocol.CommandRetry:
		return s.ctrl.Retry(ctx)
	case protocol.CommandRestart:
		return s.ctrl.Restart()
	case protocol.CommandReset:
		s.ctrl.Reset()
		return nil
	default:
		return fmt.Errorf("unknown command %q", op)
	}
}

// publishState forwards snapshots newer than the last one sent.
func (s *Service) publishState(snap session.Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if snap.Seq != 0 && snap.Seq <= s.lastSeq {
		return
	}
	s.lastSeq = snap.Seq
	data, err := json.Marshal(snap)
	if err != nil {
		s.logger.Warn("failed to encode snapshot", slogError(err))
		return
	}
	if err := s.bus.Conn().Publish(protocol.SubjectGroundingState, data); err != nil {
		s.logger.Warn("failed to publish snapshot", slogError(err))
	}
	if s.kv != nil {
		if _, err := s.kv.Put(stateKey, data); err != nil {
			s.logger.Debug("failed to store snapshot", slogError(err))
		}
	}
}

// userMessage keeps classified causes out of replies.
func userMessage(err error) string {
	var sessErr *session.Error
	if errors.As(err, &sessErr) {
		return sessErr.Message
	}
	return err.Error()
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
