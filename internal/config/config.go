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
	LogLevel     string `yaml:"log_level"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
	StdoutTraces bool   `yaml:"stdout_traces"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	ServiceName string          `yaml:"service_name"`
	Environment string          `yaml:"environment"`
	HTTP        HTTPConfig      `yaml:"http"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	Voices      VoicesConfig    `yaml:"voices"`
	Engine      EngineConfig    `yaml:"engine"`
	Bus         BusConfig       `yaml:"bus"`
	Journal     JournalConfig   `yaml:"journal"`
}

// VoicesConfig locates the voices manifest and the model files it references.
type VoicesConfig struct {
	ModelDir     string `yaml:"model_dir"`
	ManifestPath string `yaml:"manifest_path"`
	Reload       bool   `yaml:"reload"`
	DefaultVoice string `yaml:"default_voice"`
}

type EngineConfig struct {
	Mode           string `yaml:"mode"` // piper, mock
	Command        string `yaml:"command"`
	UseCUDA        bool   `yaml:"use_cuda"`
	EzafeModelPath string `yaml:"ezafe_model_path"`
	MaxConcurrent  int    `yaml:"max_concurrent"`
	TimeoutMS      int    `yaml:"timeout_ms"`
	ChunkBytes     int    `yaml:"chunk_bytes"`
	TempDir        string `yaml:"temp_dir"`
	MockSampleRate int    `yaml:"mock_sample_rate"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type JournalConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxEntries    int    `yaml:"max_entries"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

func Default() Config {
	return Config{
		ServiceName: "loqa-tts",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8001,
		},
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			OTLPInsecure: true,
		},
		Voices: VoicesConfig{
			ModelDir:     "./data/piper/models",
			ManifestPath: "./data/piper/voices.json",
		},
		Engine: EngineConfig{
			Mode:           "piper",
			Command:        "piper",
			MaxConcurrent:  2,
			TimeoutMS:      120000,
			ChunkBytes:     4096,
			MockSampleRate: 22050,
		},
		Bus: BusConfig{
			Enabled:        false,
			Embedded:       false,
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Journal: JournalConfig{
			Path:          "./data/tts-journal.db",
			RetentionMode: "ephemeral",
			RetentionDays: 30,
			MaxEntries:    10000,
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
	overrideString(&cfg.ServiceName, "TTS_SERVICE_NAME")
	overrideString(&cfg.Environment, "TTS_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "TTS_HOST")
	overrideInt(&cfg.HTTP.Port, "TTS_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "TTS_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "TTS_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "TTS_OTLP_INSECURE")
	overrideBool(&cfg.Telemetry.StdoutTraces, "TTS_STDOUT_TRACES")
	overrideString(&cfg.Voices.ModelDir, "TTS_MODEL_DIR")
	overrideString(&cfg.Voices.ManifestPath, "TTS_VOICES_FILE")
	overrideBool(&cfg.Voices.Reload, "TTS_RELOAD")
	overrideString(&cfg.Voices.DefaultVoice, "TTS_DEFAULT_VOICE")
	overrideString(&cfg.Engine.Mode, "TTS_ENGINE_MODE")
	overrideString(&cfg.Engine.Command, "TTS_PIPER_COMMAND")
	overrideBool(&cfg.Engine.UseCUDA, "USE_CUDA")
	overrideString(&cfg.Engine.EzafeModelPath, "EZAFE_MODEL_PATH")
	overrideInt(&cfg.Engine.MaxConcurrent, "TTS_MAX_CONCURRENT")
	overrideInt(&cfg.Engine.TimeoutMS, "TTS_TIMEOUT_MS")
	overrideInt(&cfg.Engine.ChunkBytes, "TTS_CHUNK_BYTES")
	overrideString(&cfg.Engine.TempDir, "TTS_TEMP_DIR")
	overrideInt(&cfg.Engine.MockSampleRate, "TTS_MOCK_SAMPLE_RATE")
	overrideBool(&cfg.Bus.Enabled, "TTS_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "TTS_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "TTS_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "TTS_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "TTS_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "TTS_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "TTS_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "TTS_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "TTS_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Journal.Path, "TTS_JOURNAL_PATH")
	overrideString(&cfg.Journal.RetentionMode, "TTS_JOURNAL_RETENTION_MODE")
	overrideInt(&cfg.Journal.RetentionDays, "TTS_JOURNAL_RETENTION_DAYS")
	overrideInt(&cfg.Journal.MaxEntries, "TTS_JOURNAL_MAX_ENTRIES")
	overrideBool(&cfg.Journal.VacuumOnStart, "TTS_JOURNAL_VACUUM_ON_START")
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
	switch strings.ToLower(cfg.Telemetry.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return errors.New("telemetry.log_level must be one of debug|info|warn|error")
	}
	if cfg.Voices.ModelDir == "" {
		return errors.New("voices.model_dir must not be empty")
	}
	if cfg.Voices.ManifestPath == "" {
		return errors.New("voices.manifest_path must not be empty")
	}
	switch cfg.Engine.Mode {
	case "piper":
		if strings.TrimSpace(cfg.Engine.Command) == "" {
			return errors.New("engine.command must be set when mode=piper")
		}
	case "mock":
		if cfg.Engine.MockSampleRate <= 0 {
			return errors.New("engine.mock_sample_rate must be positive")
		}
	default:
		return errors.New("engine.mode must be one of piper|mock")
	}
	if cfg.Engine.MaxConcurrent <= 0 {
		return errors.New("engine.max_concurrent must be >= 1")
	}
	if cfg.Engine.TimeoutMS <= 0 {
		return errors.New("engine.timeout_ms must be positive")
	}
	if cfg.Engine.ChunkBytes < 2 || cfg.Engine.ChunkBytes%2 != 0 {
		return errors.New("engine.chunk_bytes must be a positive even number")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port == 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 (or -1 for random) when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	switch cfg.Journal.RetentionMode {
	case "ephemeral":
	case "persistent":
		if cfg.Journal.Path == "" {
			return errors.New("journal.path must not be empty when retention_mode=persistent")
		}
	default:
		return errors.New("journal.retention_mode must be one of ephemeral|persistent")
	}
	if cfg.Journal.RetentionDays < 0 {
		return errors.New("journal.retention_days must be >= 0")
	}
	return nil
}
