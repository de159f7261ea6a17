package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel       string `yaml:"log_level"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	// PrometheusBind serves /metrics on its own listener; empty mounts it on the main router.
	PrometheusBind string `yaml:"prometheus_bind"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Worker      WorkerConfig     `yaml:"worker"`
	Hub         HubConfig        `yaml:"hub"`
	Bus         BusConfig        `yaml:"bus"`
	EventStore  EventStoreConfig `yaml:"event_store"`
	Playback    PlaybackConfig   `yaml:"playback"`
}

// WorkerConfig describes the long-lived inference process.
type WorkerConfig struct {
	Command   string            `yaml:"command"`
	Dir       string            `yaml:"dir"`
	Env       map[string]string `yaml:"env"`
	StderrLog bool              `yaml:"stderr_log"`
}

// HubConfig tunes client fan-out.
type HubConfig struct {
	ClientBuffer   int     `yaml:"client_buffer"`
	WriteTimeoutMS int     `yaml:"write_timeout_ms"`
	PingIntervalMS int     `yaml:"ping_interval_ms"`
	InboundRate    float64 `yaml:"inbound_rate"`
	InboundBurst   int     `yaml:"inbound_burst"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
	SubjectPrefix  string   `yaml:"subject_prefix"`
	// RetainMinutes keeps mirrored events in a JetStream stream; 0 disables it.
	RetainMinutes int `yaml:"retain_minutes"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

// PlaybackConfig is read by the listening client.
type PlaybackConfig struct {
	ServerURL    string `yaml:"server_url"`
	OutputDir    string `yaml:"output_dir"`
	WarmupChunks int    `yaml:"warmup_chunks"`
	EndMarginMS  int    `yaml:"end_margin_ms"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-relay",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: "",
		},
		Worker: WorkerConfig{
			Command:   "python3 -u backend/JARVIS.py",
			StderrLog: true,
		},
		Hub: HubConfig{
			ClientBuffer:   256,
			WriteTimeoutMS: 10000,
			PingIntervalMS: 30000,
			InboundRate:    5,
			InboundBurst:   10,
		},
		Bus: BusConfig{
			Enabled:        false,
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
			SubjectPrefix:  "relay",
		},
		EventStore: EventStoreConfig{
			Path:          "./data/relay-events.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   10000,
		},
		Playback: PlaybackConfig{
			ServerURL:    "ws://localhost:8080/stream",
			OutputDir:    "./data/playback",
			WarmupChunks: 3,
			EndMarginMS:  100,
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
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "RELAY_RUNTIME_NAME")
	overrideString(&cfg.Environment, "RELAY_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "RELAY_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "RELAY_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "RELAY_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "RELAY_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "RELAY_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "RELAY_TELEMETRY_PROMETHEUS_BIND")
	overrideString(&cfg.Worker.Command, "RELAY_WORKER_COMMAND")
	overrideString(&cfg.Worker.Dir, "RELAY_WORKER_DIR")
	overrideBool(&cfg.Worker.StderrLog, "RELAY_WORKER_STDERR_LOG")
	overrideInt(&cfg.Hub.ClientBuffer, "RELAY_HUB_CLIENT_BUFFER")
	overrideInt(&cfg.Hub.WriteTimeoutMS, "RELAY_HUB_WRITE_TIMEOUT_MS")
	overrideInt(&cfg.Hub.PingIntervalMS, "RELAY_HUB_PING_INTERVAL_MS")
	overrideFloat(&cfg.Hub.InboundRate, "RELAY_HUB_INBOUND_RATE")
	overrideInt(&cfg.Hub.InboundBurst, "RELAY_HUB_INBOUND_BURST")
	overrideBool(&cfg.Bus.Enabled, "RELAY_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "RELAY_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "RELAY_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "RELAY_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "RELAY_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "RELAY_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "RELAY_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "RELAY_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "RELAY_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "RELAY_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Bus.SubjectPrefix, "RELAY_BUS_SUBJECT_PREFIX")
	overrideInt(&cfg.Bus.RetainMinutes, "RELAY_BUS_RETAIN_MINUTES")
	overrideString(&cfg.EventStore.Path, "RELAY_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "RELAY_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "RELAY_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "RELAY_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "RELAY_EVENT_STORE_VACUUM_ON_START")
	overrideString(&cfg.Playback.ServerURL, "RELAY_PLAYBACK_SERVER_URL")
	overrideString(&cfg.Playback.OutputDir, "RELAY_PLAYBACK_OUTPUT_DIR")
	overrideInt(&cfg.Playback.WarmupChunks, "RELAY_PLAYBACK_WARMUP_CHUNKS")
	overrideInt(&cfg.Playback.EndMarginMS, "RELAY_PLAYBACK_END_MARGIN_MS")
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

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if strings.TrimSpace(cfg.Worker.Command) == "" {
		return errors.New("worker.command must not be empty")
	}
	if cfg.Hub.ClientBuffer <= 0 {
		return errors.New("hub.client_buffer must be positive")
	}
	if cfg.Hub.WriteTimeoutMS <= 0 {
		return errors.New("hub.write_timeout_ms must be positive")
	}
	if cfg.Hub.PingIntervalMS <= 0 {
		return errors.New("hub.ping_interval_ms must be positive")
	}
	if cfg.Hub.InboundRate <= 0 || cfg.Hub.InboundBurst <= 0 {
		return errors.New("hub.inbound_rate and hub.inbound_burst must be positive")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
		if cfg.Bus.SubjectPrefix == "" {
			return errors.New("bus.subject_prefix must not be empty")
		}
		if cfg.Bus.RetainMinutes < 0 {
			return errors.New("bus.retain_minutes must be >= 0")
		}
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionMode != "ephemeral" && cfg.EventStore.Path == "" {
		return errors.New("event_store.path must not be empty")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	if cfg.Playback.WarmupChunks <= 0 {
		return errors.New("playback.warmup_chunks must be >= 1")
	}
	if cfg.Playback.EndMarginMS < 0 {
		return errors.New("playback.end_margin_ms must be >= 0")
	}
	return nil
}
