package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/loqalabs/loqa-grounding/internal/silence"
)

type TelemetryConfig struct {
	LogLevel       string `yaml:"log_level"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	PrometheusBind string `yaml:"prometheus_bind"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	ServiceName  string             `yaml:"service_name"`
	Environment  string             `yaml:"environment"`
	HTTP         HTTPConfig         `yaml:"http"`
	Telemetry    TelemetryConfig    `yaml:"telemetry"`
	Bus          BusConfig          `yaml:"bus"`
	EventStore   EventStoreConfig   `yaml:"event_store"`
	PatientStore PatientStoreConfig `yaml:"patient_store"`
	Catalog      CatalogConfig      `yaml:"catalog"`
	Voice        VoiceConfig        `yaml:"voice"`
	Microphone   MicrophoneConfig   `yaml:"microphone"`
	Call         CallConfig         `yaml:"call"`
	Silence      SilenceConfig      `yaml:"silence"`
	Transcript   TranscriptConfig   `yaml:"transcript"`
}

type BusConfig struct {
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
	RequestTimeout int      `yaml:"request_timeout_ms"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

type PatientStoreConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Path        string `yaml:"path"`
	SeedCatalog bool   `yaml:"seed_catalog"`
}

type CatalogConfig struct {
	Path string `yaml:"path"`
}

type VoiceConfig struct {
	Mode             string `yaml:"mode"` // mock, websocket, bus
	Endpoint         string `yaml:"endpoint"`
	APIKey           string `yaml:"api_key"`
	ConnectTimeoutMS int    `yaml:"connect_timeout_ms"`
	Autoplay         bool   `yaml:"autoplay"`
	FemaleVoice      string `yaml:"female_voice"`
	MaleVoice        string `yaml:"male_voice"`
	NeutralVoice     string `yaml:"neutral_voice"`
}

type MicrophoneConfig struct {
	Mode    string `yaml:"mode"` // static, exec
	Granted bool   `yaml:"granted"`
	Command string `yaml:"command"`
}

type CallConfig struct {
	MaxDurationSeconds     int  `yaml:"max_duration_seconds"`
	SilenceTimeoutSeconds  int  `yaml:"silence_timeout_seconds"`
	ExchangeCap            int  `yaml:"exchange_cap"`
	EndingDelayMS          int  `yaml:"ending_delay_ms"`
	EndConversationGraceMS int  `yaml:"end_conversation_grace_ms"`
	MoodDays               int  `yaml:"mood_days"`
	InferVoiceFromName     bool `yaml:"infer_voice_from_name"`
	StopAttempts           int  `yaml:"stop_attempts"`
}

type SilenceConfig struct {
	ThresholdMS int      `yaml:"threshold_ms"`
	MaxLevel    int      `yaml:"max_level"`
	Ladder      []string `yaml:"ladder"`
}

type TranscriptConfig struct {
	SpeakingClearMS     int  `yaml:"speaking_clear_ms"`
	FadeMS              int  `yaml:"fade_ms"`
	ListeningClearMS    int  `yaml:"listening_clear_ms"`
	RetainPatientSpeech bool `yaml:"retain_patient_speech"`
}

func Default() Config {
	return Config{
		ServiceName: "loqa-grounding",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: ":9091",
		},
		Bus: BusConfig{
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
			RequestTimeout: 3000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/grounding-calls.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   10000,
		},
		PatientStore: PatientStoreConfig{
			Enabled:     true,
			Path:        "./data/patients.db",
			SeedCatalog: true,
		},
		Catalog: CatalogConfig{
			Path: "./profiles.yaml",
		},
		Voice: VoiceConfig{
			Mode:             "mock",
			ConnectTimeoutMS: 5000,
			FemaleVoice:      "en-US-JennyNeural",
			MaleVoice:        "en-US-GuyNeural",
			NeutralVoice:     "en-US-AriaNeural",
		},
		Microphone: MicrophoneConfig{
			Mode:    "static",
			Granted: true,
		},
		Call: CallConfig{
			MaxDurationSeconds:     600,
			SilenceTimeoutSeconds:  60,
			ExchangeCap:            3,
			EndingDelayMS:          1500,
			EndConversationGraceMS: 2000,
			MoodDays:               7,
			StopAttempts:           3,
		},
		Silence: SilenceConfig{
			ThresholdMS: 7000,
			MaxLevel:    len(silence.DefaultLadder()),
			Ladder:      silence.DefaultLadder(),
		},
		Transcript: TranscriptConfig{
			SpeakingClearMS:  2000,
			FadeMS:           20000,
			ListeningClearMS: 3000,
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if cfg.Silence.MaxLevel == 0 || cfg.Silence.MaxLevel > len(cfg.Silence.Ladder) {
		cfg.Silence.MaxLevel = len(cfg.Silence.Ladder)
	}
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.ServiceName, "GROUNDING_SERVICE_NAME")
	overrideString(&cfg.Environment, "GROUNDING_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "GROUNDING_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "GROUNDING_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "GROUNDING_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "GROUNDING_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "GROUNDING_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "GROUNDING_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Embedded, "GROUNDING_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "GROUNDING_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "GROUNDING_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "GROUNDING_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "GROUNDING_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "GROUNDING_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "GROUNDING_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "GROUNDING_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "GROUNDING_BUS_CONNECT_TIMEOUT_MS")
	overrideInt(&cfg.Bus.RequestTimeout, "GROUNDING_BUS_REQUEST_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "GROUNDING_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "GROUNDING_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "GROUNDING_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "GROUNDING_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "GROUNDING_EVENT_STORE_VACUUM_ON_START")
	overrideBool(&cfg.PatientStore.Enabled, "GROUNDING_PATIENT_STORE_ENABLED")
	overrideString(&cfg.PatientStore.Path, "GROUNDING_PATIENT_STORE_PATH")
	overrideBool(&cfg.PatientStore.SeedCatalog, "GROUNDING_PATIENT_STORE_SEED_CATALOG")
	overrideString(&cfg.Catalog.Path, "GROUNDING_CATALOG_PATH")
	overrideString(&cfg.Voice.Mode, "GROUNDING_VOICE_MODE")
	overrideString(&cfg.Voice.Endpoint, "GROUNDING_VOICE_ENDPOINT")
	overrideString(&cfg.Voice.APIKey, "GROUNDING_VOICE_API_KEY")
	overrideInt(&cfg.Voice.ConnectTimeoutMS, "GROUNDING_VOICE_CONNECT_TIMEOUT_MS")
	overrideBool(&cfg.Voice.Autoplay, "GROUNDING_VOICE_AUTOPLAY")
	overrideString(&cfg.Voice.FemaleVoice, "GROUNDING_VOICE_FEMALE_VOICE")
	overrideString(&cfg.Voice.MaleVoice, "GROUNDING_VOICE_MALE_VOICE")
	overrideString(&cfg.Voice.NeutralVoice, "GROUNDING_VOICE_NEUTRAL_VOICE")
	overrideString(&cfg.Microphone.Mode, "GROUNDING_MICROPHONE_MODE")
	overrideBool(&cfg.Microphone.Granted, "GROUNDING_MICROPHONE_GRANTED")
	overrideString(&cfg.Microphone.Command, "GROUNDING_MICROPHONE_COMMAND")
	overrideInt(&cfg.Call.MaxDurationSeconds, "GROUNDING_CALL_MAX_DURATION_SECONDS")
	overrideInt(&cfg.Call.SilenceTimeoutSeconds, "GROUNDING_CALL_SILENCE_TIMEOUT_SECONDS")
	overrideInt(&cfg.Call.ExchangeCap, "GROUNDING_CALL_EXCHANGE_CAP")
	overrideInt(&cfg.Call.EndingDelayMS, "GROUNDING_CALL_ENDING_DELAY_MS")
	overrideInt(&cfg.Call.EndConversationGraceMS, "GROUNDING_CALL_END_CONVERSATION_GRACE_MS")
	overrideInt(&cfg.Call.MoodDays, "GROUNDING_CALL_MOOD_DAYS")
	overrideBool(&cfg.Call.InferVoiceFromName, "GROUNDING_CALL_INFER_VOICE_FROM_NAME")
	overrideInt(&cfg.Call.StopAttempts, "GROUNDING_CALL_STOP_ATTEMPTS")
	overrideInt(&cfg.Silence.ThresholdMS, "GROUNDING_SILENCE_THRESHOLD_MS")
	overrideInt(&cfg.Silence.MaxLevel, "GROUNDING_SILENCE_MAX_LEVEL")
	overrideInt(&cfg.Transcript.SpeakingClearMS, "GROUNDING_TRANSCRIPT_SPEAKING_CLEAR_MS")
	overrideInt(&cfg.Transcript.FadeMS, "GROUNDING_TRANSCRIPT_FADE_MS")
	overrideInt(&cfg.Transcript.ListeningClearMS, "GROUNDING_TRANSCRIPT_LISTENING_CLEAR_MS")
	overrideBool(&cfg.Transcript.RetainPatientSpeech, "GROUNDING_TRANSCRIPT_RETAIN_PATIENT_SPEECH")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func validate(cfg Config) error {
	if cfg.ServiceName == "" {
		return errors.New("service_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Bus.Embedded {
		if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
			return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
		}
	} else if len(cfg.Bus.Servers) == 0 {
		return errors.New("bus.servers must not be empty when embedded mode is disabled")
	}
	if cfg.Bus.RequestTimeout <= 0 {
		return errors.New("bus.request_timeout_ms must be positive")
	}
	if cfg.EventStore.Path == "" {
		return errors.New("event_store.path must not be empty")
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	if cfg.PatientStore.Enabled && cfg.PatientStore.Path == "" {
		return errors.New("patient_store.path must be set when the patient store is enabled")
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	switch cfg.Voice.Mode {
	case "mock", "bus":
	case "websocket":
		if cfg.Voice.Endpoint == "" {
			return errors.New("voice.endpoint must be set when mode=websocket")
		}
	default:
		return errors.New("voice.mode must be one of mock|websocket|bus")
	}
	if cfg.Voice.NeutralVoice == "" {
		return errors.New("voice.neutral_voice must not be empty")
	}
	switch cfg.Microphone.Mode {
	case "static":
	case "exec":
		if cfg.Microphone.Command == "" {
			return errors.New("microphone.command must be set when mode=exec")
		}
	default:
		return errors.New("microphone.mode must be one of static|exec")
	}
	if cfg.Call.MaxDurationSeconds <= 0 {
		return errors.New("call.max_duration_seconds must be positive")
	}
	if cfg.Call.SilenceTimeoutSeconds <= 0 {
		return errors.New("call.silence_timeout_seconds must be positive")
	}
	if cfg.Call.ExchangeCap <= 0 {
		return errors.New("call.exchange_cap must be >= 1")
	}
	if cfg.Call.EndingDelayMS < 0 || cfg.Call.EndConversationGraceMS < 0 {
		return errors.New("call delays must be >= 0")
	}
	if cfg.Call.MoodDays <= 0 {
		return errors.New("call.mood_days must be positive")
	}
	if cfg.Silence.ThresholdMS <= 0 {
		return errors.New("silence.threshold_ms must be positive")
	}
	if len(cfg.Silence.Ladder) == 0 {
		return errors.New("silence.ladder must contain at least one phrase")
	}
	if cfg.Silence.MaxLevel <= 0 || cfg.Silence.MaxLevel > len(cfg.Silence.Ladder) {
		return fmt.Errorf("silence.max_level must be between 1 and %d", len(cfg.Silence.Ladder))
	}
	if cfg.Transcript.SpeakingClearMS <= 0 || cfg.Transcript.FadeMS <= 0 || cfg.Transcript.ListeningClearMS <= 0 {
		return errors.New("transcript delays must be positive")
	}
	return nil
}
