package patientstore

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/loqalabs/loqa-grounding/internal/bus"
	"github.com/loqalabs/loqa-grounding/internal/profile"
	"github.com/loqalabs/loqa-grounding/internal/protocol"
)

const requestTimeout = 5 * time.Second

// Service answers patient store requests on the bus.
type Service struct {
	store  *Store
	bus    *bus.Client
	subs   []*nats.Subscription
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *slog.Logger
}

func NewService(parent context.Context, store *Store, busClient *bus.Client, log *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		store:  store,
		bus:    busClient,
		ctx:    ctx,
		cancel: cancel,
		logger: log.With(slog.String("component", "patient-service")),
	}
}

func (s *Service) Start() error {
	handlers := map[string]nats.MsgHandler{
		protocol.SubjectPatientProfileGet: s.handleProfile,
		protocol.SubjectPatientWindow:     s.handleWindow,
		protocol.SubjectPatientMoodLog:    s.handleMood,
		protocol.SubjectPatientNoteAdd:    s.handleNote,
	}
	for subject, handler := range handlers {
		sub, err := s.bus.Conn().Subscribe(subject, s.track(handler))
		if err != nil {
			s.unsubscribe()
			return err
		}
		s.subs = append(s.subs, sub)
	}
	s.logger.Info("patient service listening", slog.Int("subjects", len(s.subs)))
	return nil
}

func (s *Service) Close() {
	s.cancel()
	s.unsubscribe()
	s.wg.Wait()
}

func (s *Service) Healthy() bool { return len(s.subs) > 0 }

func (s *Service) unsubscribe() {
	for _, sub := range s.subs {
		_ = sub.Drain()
	}
	s.subs = nil
}

func (s *Service) track(h nats.MsgHandler) nats.MsgHandler {
	return func(msg *nats.Msg) {
		s.wg.Add(1)
		defer s.wg.Done()
		h(msg)
	}
}

func (s *Service) requestContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(s.ctx, requestTimeout)
}

func (s *Service) handleProfile(msg *nats.Msg) {
	var req protocol.ProfileRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("failed to decode profile request", slogError(err))
		s.bus.RespondJSON(msg, protocol.ProfileReply{Reply: protocol.Reply{Error: "invalid request"}})
		return
	}
	ctx, cancel := s.requestContext()
	defer cancel()

	record, err := s.store.Get(ctx, req.PatientID)
	if err != nil {
		s.bus.RespondJSON(msg, protocol.ProfileReply{Reply: s.failure(err, "profile lookup failed")})
		return
	}
	s.bus.RespondJSON(msg, protocol.ProfileReply{Reply: protocol.Reply{OK: true, ID: record.ID}, Record: &record})
}

func (s *Service) handleWindow(msg *nats.Msg) {
	var req protocol.WindowRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("failed to decode window request", slogError(err))
		s.bus.RespondJSON(msg, protocol.WindowReply{Reply: protocol.Reply{Error: "invalid request"}})
		return
	}
	ctx, cancel := s.requestContext()
	defer cancel()

	window, err := s.store.Window(ctx, req.PatientID, req.Days, req.Reference)
	if err != nil {
		s.bus.RespondJSON(msg, protocol.WindowReply{Reply: s.failure(err, "tracking lookup failed")})
		return
	}
	s.bus.RespondJSON(msg, protocol.WindowReply{Reply: protocol.Reply{OK: true, ID: req.PatientID}, Window: window})
}

func (s *Service) handleMood(msg *nats.Msg) {
	var req protocol.MoodLog
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("failed to decode mood log", slogError(err))
		s.bus.RespondJSON(msg, protocol.Reply{Error: "invalid request"})
		return
	}
	ctx, cancel := s.requestContext()
	defer cancel()

	entry, err := s.store.LogMood(ctx, req.PatientID, profile.MoodEntry{
		Day:       req.Day,
		Mood:      req.Mood,
		TimeOfDay: req.TimeOfDay,
		Note:      req.Note,
	})
	if err != nil {
		s.bus.RespondJSON(msg, s.failure(err, err.Error()))
		return
	}
	s.bus.RespondJSON(msg, protocol.Reply{OK: true, ID: entry.ID})
}

func (s *Service) handleNote(msg *nats.Msg) {
	var req protocol.NoteAdd
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("failed to decode note", slogError(err))
		s.bus.RespondJSON(msg, protocol.Reply{Error: "invalid request"})
		return
	}
	ctx, cancel := s.requestContext()
	defer cancel()

	note, err := s.store.AddNote(ctx, req.PatientID, profile.NoteEntry{Day: req.Day, Tag: req.Tag, Text: req.Text})
	if err != nil {
		s.bus.RespondJSON(msg, s.failure(err, err.Error()))
		return
	}
	s.bus.RespondJSON(msg, protocol.Reply{OK: true, ID: note.ID})
}

func (s *Service) failure(err error, message string) protocol.Reply {
	if errors.Is(err, ErrNotFound) {
		return protocol.Reply{NotFound: true, Error: ErrNotFound.Error()}
	}
	s.logger.Warn("patient request failed", slogError(err))
	return protocol.Reply{Error: message}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
