package config

import (
	"errors"
	"fmt"
	"io/ioutil"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel       string `yaml:"log_level"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	PrometheusBind string `yaml:"prometheus_bind"`
}

// Level maps log_level onto a slog level. Unknown values fall back to info.
func (t TelemetryConfig) Level() slog.Level {
	switch strings.ToLower(strings.TrimSpace(t.LogLevel)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	ConsoleName string          `yaml:"console_name"`
	Environment string          `yaml:"environment"`
	HTTP        HTTPConfig      `yaml:"http"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	Server      ServerConfig    `yaml:"server"`
	Admission   AdmissionConfig `yaml:"admission"`
	Polling     PollingConfig   `yaml:"polling"`
	Streaming   StreamingConfig `yaml:"streaming"`
	Store       StoreConfig     `yaml:"store"`
	Bus         BusConfig       `yaml:"bus"`
	Synthesis   SynthesisConfig `yaml:"synthesis"`
	Download    DownloadConfig  `yaml:"download"`
	Notify      NotifyConfig    `yaml:"notify"`
}

// ServerConfig points at the single VieNeu-TTS backend the console drives.
type ServerConfig struct {
	BaseURL          string `yaml:"base_url"`
	RequestTimeoutMS int    `yaml:"request_timeout_ms"`
}

type AdmissionConfig struct {
	ProbeIntervalMS int `yaml:"probe_interval_ms"`
}

type PollingConfig struct {
	IntervalMS int    `yaml:"interval_ms"`
	RetryMode  string `yaml:"retry_mode"` // terminal, backoff
	MaxRetries int    `yaml:"max_retries"`
}

type StreamingConfig struct {
	BufferThresholdSec int `yaml:"buffer_threshold_sec"`
	ChunkBytes         int `yaml:"chunk_bytes"`
	SampleRate         int `yaml:"sample_rate"`
	Channels           int `yaml:"channels"`
	// StreamBitrateKbps estimates buffered time when the server streams a
	// compressed container (WebM/Opus) instead of raw PCM.
	StreamBitrateKbps int    `yaml:"stream_bitrate_kbps"`
	CacheDir          string `yaml:"cache_dir"`
}

type StoreConfig struct {
	Path string `yaml:"path"`
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

// SynthesisConfig carries the fallback voice parameters; the persisted
// settings in the row store win once a user has chosen.
type SynthesisConfig struct {
	Backbone    string  `yaml:"backbone"`
	Codec       string  `yaml:"codec"`
	Voice       string  `yaml:"voice"`
	Temperature float64 `yaml:"temperature"`
}

type DownloadConfig struct {
	Directory string `yaml:"directory"`
}

type NotifyConfig struct {
	Command string `yaml:"command"`
}

func Default() Config {
	return Config{
		ConsoleName: "vieneu-console",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "127.0.0.1",
			Port: 8090,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: ":9092",
		},
		Server: ServerConfig{
			BaseURL:          "http://127.0.0.1:5000",
			RequestTimeoutMS: 10000,
		},
		Admission: AdmissionConfig{
			ProbeIntervalMS: 2000,
		},
		Polling: PollingConfig{
			IntervalMS: 1000,
			RetryMode:  "terminal",
			MaxRetries: 5,
		},
		Streaming: StreamingConfig{
			BufferThresholdSec: 15,
			ChunkBytes:         32 * 1024,
			SampleRate:         24000,
			Channels:           1,
			StreamBitrateKbps:  64,
			CacheDir:           "./data/stream-cache",
		},
		Store: StoreConfig{
			Path: "./data/vieneu-console.db",
		},
		Bus: BusConfig{
			Enabled:        false,
			Embedded:       true,
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Synthesis: SynthesisConfig{
			Backbone:    "VieNeu-TTS-0.3B-q4-gguf",
			Codec:       "NeuCodec ONNX (Fast CPU)",
			Voice:       "Binh",
			Temperature: 1.0,
		},
		Download: DownloadConfig{
			Directory: "./downloads",
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := ioutil.ReadFile(path)
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
	overrideString(&cfg.ConsoleName, "VIENEU_CONSOLE_NAME")
	overrideString(&cfg.Environment, "VIENEU_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "VIENEU_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "VIENEU_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "VIENEU_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "VIENEU_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "VIENEU_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "VIENEU_TELEMETRY_PROMETHEUS_BIND")
	overrideString(&cfg.Server.BaseURL, "VIENEU_SERVER_BASE_URL")
	overrideInt(&cfg.Server.RequestTimeoutMS, "VIENEU_SERVER_REQUEST_TIMEOUT_MS")
	overrideInt(&cfg.Admission.ProbeIntervalMS, "VIENEU_ADMISSION_PROBE_INTERVAL_MS")
	overrideInt(&cfg.Polling.IntervalMS, "VIENEU_POLLING_INTERVAL_MS")
	overrideString(&cfg.Polling.RetryMode, "VIENEU_POLLING_RETRY_MODE")
	overrideInt(&cfg.Polling.MaxRetries, "VIENEU_POLLING_MAX_RETRIES")
	overrideInt(&cfg.Streaming.BufferThresholdSec, "VIENEU_STREAMING_BUFFER_THRESHOLD_SEC")
	overrideInt(&cfg.Streaming.ChunkBytes, "VIENEU_STREAMING_CHUNK_BYTES")
	overrideInt(&cfg.Streaming.SampleRate, "VIENEU_STREAMING_SAMPLE_RATE")
	overrideInt(&cfg.Streaming.Channels, "VIENEU_STREAMING_CHANNELS")
	overrideInt(&cfg.Streaming.StreamBitrateKbps, "VIENEU_STREAMING_STREAM_BITRATE_KBPS")
	overrideString(&cfg.Streaming.CacheDir, "VIENEU_STREAMING_CACHE_DIR")
	overrideString(&cfg.Store.Path, "VIENEU_STORE_PATH")
	overrideBool(&cfg.Bus.Enabled, "VIENEU_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "VIENEU_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "VIENEU_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "VIENEU_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "VIENEU_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "VIENEU_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "VIENEU_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "VIENEU_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "VIENEU_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Synthesis.Backbone, "VIENEU_SYNTHESIS_BACKBONE")
	overrideString(&cfg.Synthesis.Codec, "VIENEU_SYNTHESIS_CODEC")
	overrideString(&cfg.Synthesis.Voice, "VIENEU_SYNTHESIS_VOICE")
	overrideFloat(&cfg.Synthesis.Temperature, "VIENEU_SYNTHESIS_TEMPERATURE")
	overrideString(&cfg.Download.Directory, "VIENEU_DOWNLOAD_DIRECTORY")
	overrideString(&cfg.Notify.Command, "VIENEU_NOTIFY_COMMAND")
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
	if cfg.ConsoleName == "" {
		return errors.New("console_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Server.BaseURL == "" {
		return errors.New("server.base_url must not be empty")
	}
	if cfg.Server.RequestTimeoutMS <= 0 {
		return errors.New("server.request_timeout_ms must be positive")
	}
	if cfg.Admission.ProbeIntervalMS <= 0 {
		return errors.New("admission.probe_interval_ms must be positive")
	}
	if cfg.Polling.IntervalMS <= 0 {
		return errors.New("polling.interval_ms must be positive")
	}
	switch cfg.Polling.RetryMode {
	case "terminal", "backoff":
		// ok
	default:
		return errors.New("polling.retry_mode must be one of terminal|backoff")
	}
	if cfg.Polling.RetryMode == "backoff" && cfg.Polling.MaxRetries <= 0 {
		return errors.New("polling.max_retries must be positive when retry_mode=backoff")
	}
	if cfg.Streaming.BufferThresholdSec <= 0 {
		return errors.New("streaming.buffer_threshold_sec must be positive")
	}
	if cfg.Streaming.ChunkBytes <= 0 {
		return errors.New("streaming.chunk_bytes must be positive")
	}
	if cfg.Streaming.SampleRate <= 0 {
		return errors.New("streaming.sample_rate must be positive")
	}
	if cfg.Streaming.Channels <= 0 {
		return errors.New("streaming.channels must be positive")
	}
	if cfg.Streaming.StreamBitrateKbps <= 0 {
		return errors.New("streaming.stream_bitrate_kbps must be positive")
	}
	if cfg.Store.Path == "" {
		return errors.New("store.path must not be empty")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.Synthesis.Temperature <= 0 {
		return errors.New("synthesis.temperature must be positive")
	}
	if cfg.Download.Directory == "" {
		return errors.New("download.directory must not be empty")
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	return nil
}
