package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-grounding/internal/bus"
	"github.com/loqalabs/loqa-grounding/internal/callsvc"
	"github.com/loqalabs/loqa-grounding/internal/config"
	"github.com/loqalabs/loqa-grounding/internal/eventstore"
	"github.com/loqalabs/loqa-grounding/internal/natsserver"
	"github.com/loqalabs/loqa-grounding/internal/patientstore"
	"github.com/loqalabs/loqa-grounding/internal/profile"
	"github.com/loqalabs/loqa-grounding/internal/prompt"
	"github.com/loqalabs/loqa-grounding/internal/session"
	"github.com/loqalabs/loqa-grounding/internal/silence"
	"github.com/loqalabs/loqa-grounding/internal/transcript"
	"github.com/loqalabs/loqa-grounding/internal/voice"
)

const pruneInterval = time.Hour

type Runtime struct {
	cfg           config.Config
	version       string
	logger        *slog.Logger
	httpServer    *http.Server
	metricsServer *http.Server
	tracerClose   func(context.Context) error
	ready         atomic.Bool
	wg            sync.WaitGroup

	nats       *natsserver.EmbeddedServer
	bus        *bus.Client
	events     *eventstore.Store
	patients   *patientstore.Store
	patientSvc *patientstore.Service
	controller *session.Controller
	callSvc    *callsvc.Service
}

func New(cfg config.Config, version string, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:     cfg,
		version: version,
		logger:  logger,
	}
}

func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.version, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry
	defer r.shutdown()

	if err := r.startComponents(ctx); err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	mux.HandleFunc("/state", r.handleState)
	mux.HandleFunc("/sessions", r.handleSessions)
	if metricsHandler != nil {
		if bind := r.cfg.Telemetry.PrometheusBind; bind != "" {
			metricsMux := http.NewServeMux()
			metricsMux.Handle("/metrics", metricsHandler)
			r.metricsServer = &http.Server{Addr: bind, Handler: metricsMux, ReadHeaderTimeout: 5 * time.Second}
			r.serve(r.metricsServer, "metrics")
		} else {
			mux.Handle("/metrics", metricsHandler)
		}
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	r.serve(r.httpServer, "http")

	r.wg.Add(1)
	go r.pruneLoop(ctx)

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr), slog.String("voice_mode", r.cfg.Voice.Mode))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")
	return nil
}

func (r *Runtime) serve(srv *http.Server, name string) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("http server failed", slog.String("server", name), slog.String("error", err.Error()))
		}
	}()
}

func (r *Runtime) startComponents(ctx context.Context) error {
	busCfg := r.cfg.Bus
	if busCfg.Embedded {
		srv, err := natsserver.Start(busCfg, r.logger)
		if err != nil {
			return fmt.Errorf("start embedded nats: %w", err)
		}
		r.nats = srv
		busCfg.Servers = []string{srv.ClientURL()}
	}
	busClient, err := bus.Connect(ctx, busCfg, r.logger)
	if err != nil {
		return fmt.Errorf("connect bus: %w", err)
	}
	r.bus = busClient

	events, err := eventstore.Open(ctx, r.cfg.EventStore, r.logger)
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}
	r.events = events

	catalog, err := profile.LoadCatalog(r.cfg.Catalog.Path)
	if err != nil {
		return fmt.Errorf("load patient catalog: %w", err)
	}
	r.logger.Info("patient catalog loaded", slog.Int("patients", catalog.Len()), slog.String("path", r.cfg.Catalog.Path))

	deps := session.Deps{
		Catalog:  catalog,
		Recorder: events,
		Logger:   r.logger,
	}
	if r.cfg.PatientStore.Enabled {
		store, err := patientstore.Open(ctx, r.cfg.PatientStore, r.logger)
		if err != nil {
			return fmt.Errorf("open patient store: %w", err)
		}
		r.patients = store
		if r.cfg.PatientStore.SeedCatalog {
			added, err := store.SeedFromCatalog(ctx, catalog)
			if err != nil {
				return fmt.Errorf("seed patient store: %w", err)
			}
			r.logger.Info("patient store seeded", slog.Int("added", added))
		}
		r.patientSvc = patientstore.NewService(ctx, store, busClient, r.logger)
		if err := r.patientSvc.Start(); err != nil {
			return fmt.Errorf("start patient service: %w", err)
		}
		deps.Profiles = patientstore.NewClient(busClient)
	}

	deps.Voice = newVoiceClient(r.cfg.Voice, busClient, r.logger)
	deps.Mic, err = newMicProbe(r.cfg.Microphone, r.logger)
	if err != nil {
		return fmt.Errorf("microphone probe: %w", err)
	}

	r.controller = session.New(ctx, sessionConfig(r.cfg, r.logger), deps)
	r.callSvc = callsvc.NewService(ctx, r.controller, busClient, r.logger)
	if err := r.callSvc.Start(); err != nil {
		return fmt.Errorf("start call service: %w", err)
	}
	return nil
}

func newVoiceClient(cfg config.VoiceConfig, busClient *bus.Client, logger *slog.Logger) voice.Client {
	switch cfg.Mode {
	case "websocket":
		return voice.NewWebsocketClient(voice.WebsocketOptions{
			Endpoint:       cfg.Endpoint,
			APIKey:         cfg.APIKey,
			ConnectTimeout: time.Duration(cfg.ConnectTimeoutMS) * time.Millisecond,
		}, logger)
	case "bus":
		return voice.NewBusClient(busClient, cfg.APIKey, logger)
	default:
		return voice.NewMock(voice.MockOptions{Configured: true, Autoplay: cfg.Autoplay})
	}
}

func newMicProbe(cfg config.MicrophoneConfig, logger *slog.Logger) (voice.MicProbe, error) {
	if cfg.Mode == "exec" {
		return voice.NewExecProbe(cfg.Command, logger)
	}
	return voice.StaticProbe(cfg.Granted), nil
}

// ProfileOptions derives the profile build options from configuration, so
// the daemon and grounding-ctl resolve voices the same way.
func ProfileOptions(cfg config.Config) profile.Options {
	return profile.Options{InferVoiceFromName: cfg.Call.InferVoiceFromName}
}

func sessionConfig(cfg config.Config, logger *slog.Logger) session.Config {
	sc := session.DefaultConfig()
	ms := func(v int) time.Duration { return time.Duration(v) * time.Millisecond }

	sc.ExchangeCap = cfg.Call.ExchangeCap
	sc.EndingDelay = ms(cfg.Call.EndingDelayMS)
	sc.EndConversationGrace = ms(cfg.Call.EndConversationGraceMS)
	sc.MaxDuration = time.Duration(cfg.Call.MaxDurationSeconds) * time.Second
	sc.MoodDays = cfg.Call.MoodDays
	if cfg.Call.StopAttempts > 0 {
		sc.StopAttempts = cfg.Call.StopAttempts
	}
	sc.Profile = ProfileOptions(cfg)
	sc.Assistant = prompt.AssistantOptions{
		Voices: prompt.VoiceIDs{
			WarmFemale: cfg.Voice.FemaleVoice,
			WarmMale:   cfg.Voice.MaleVoice,
			Neutral:    cfg.Voice.NeutralVoice,
		},
		MaxDurationSeconds:    cfg.Call.MaxDurationSeconds,
		SilenceTimeoutSeconds: cfg.Call.SilenceTimeoutSeconds,
		Logger:                logger,
	}
	sc.Transcript = transcript.Config{
		SpeakingClear:       ms(cfg.Transcript.SpeakingClearMS),
		Fade:                ms(cfg.Transcript.FadeMS),
		ListeningClear:      ms(cfg.Transcript.ListeningClearMS),
		RetainPatientSpeech: cfg.Transcript.RetainPatientSpeech,
	}
	ladder := cfg.Silence.Ladder
	if len(ladder) == 0 {
		ladder = silence.DefaultLadder()
	}
	sc.Silence = silence.Config{
		Threshold: ms(cfg.Silence.ThresholdMS),
		Ladder:    ladder,
		MaxLevel:  cfg.Silence.MaxLevel,
	}
	return sc
}

func (r *Runtime) pruneLoop(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.events.Prune(ctx); err != nil {
				r.logger.Warn("event store prune failed", slog.String("error", err.Error()))
			}
		}
	}
}

func (r *Runtime) shutdown() {
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	for _, srv := range []*http.Server{r.httpServer, r.metricsServer} {
		if srv == nil {
			continue
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("http shutdown error", slog.String("error", err.Error()))
		}
	}
	r.wg.Wait()

	if r.callSvc != nil {
		r.callSvc.Close()
	}
	if r.controller != nil {
		r.controller.Close()
	}
	if r.patientSvc != nil {
		r.patientSvc.Close()
	}
	if r.patients != nil {
		if err := r.patients.Close(); err != nil {
			r.logger.Error("patient store close error", slog.String("error", err.Error()))
		}
	}
	if r.events != nil {
		if err := r.events.Close(); err != nil {
			r.logger.Error("event store close error", slog.String("error", err.Error()))
		}
	}
	if r.bus != nil {
		r.bus.Close()
	}
	if r.nats != nil {
		r.nats.Shutdown()
	}

	if r.tracerClose != nil {
		if err := r.tracerClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) healthy() bool {
	if !r.ready.Load() {
		return false
	}
	if r.bus != nil && !r.bus.Healthy() {
		return false
	}
	if r.controller != nil && !r.controller.Healthy() {
		return false
	}
	return r.callSvc == nil || r.callSvc.Healthy()
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.healthy() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func (r *Runtime) handleState(w http.ResponseWriter, _ *http.Request) {
	if r.controller == nil {
		http.Error(w, "not ready", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, r.controller.Snapshot())
}

func (r *Runtime) handleSessions(w http.ResponseWriter, req *http.Request) {
	if r.events == nil {
		http.Error(w, "not ready", http.StatusServiceUnavailable)
		return
	}
	limit, _ := strconv.Atoi(req.URL.Query().Get("limit"))
	if id := req.URL.Query().Get("id"); id != "" {
		events, err := r.events.ListSessionEvents(req.Context(), id, limit)
		if err != nil {
			http.Error(w, "query failed", http.StatusInternalServerError)
			return
		}
		writeJSON(w, events)
		return
	}
	sessions, err := r.events.ListSessions(req.Context(), limit)
	if err != nil {
		http.Error(w, "query failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, sessions)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "encode failed", http.StatusInternalServerError)
	}
}
