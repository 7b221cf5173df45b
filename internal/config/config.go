package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel       string `yaml:"log_level"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	PrometheusBind string `yaml:"prometheus_bind"` // empty serves /metrics on the http listener
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string          `yaml:"runtime_name"`
	Environment string          `yaml:"environment"`
	WorkDir     string          `yaml:"work_dir"`
	HTTP        HTTPConfig      `yaml:"http"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	Bus         BusConfig       `yaml:"bus"`
	Ledger      LedgerConfig    `yaml:"ledger"`
	Synth       SynthConfig     `yaml:"synth"`
	Voice       VoiceConfig     `yaml:"voice"`
	Run         RunConfig       `yaml:"run"`
	Cache       CacheConfig     `yaml:"cache"`
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
}

type LedgerConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxRuns       int    `yaml:"max_runs"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

// SynthConfig selects and configures the remote synthesis backend.
type SynthConfig struct {
	Mode           string   `yaml:"mode"` // gradio, openai, exec, mock
	Endpoint       string   `yaml:"endpoint"`
	BaseURL        string   `yaml:"base_url"` // openai-compatible API root
	APIName        string   `yaml:"api_name"`
	Token          string   `yaml:"token"`
	Command        string   `yaml:"command"`
	Model          string   `yaml:"model"`
	Voice          string   `yaml:"voice"`
	RequestTimeout int      `yaml:"request_timeout_ms"`
	QuotaMarkers   []string `yaml:"quota_markers"`
	SampleRate     int      `yaml:"sample_rate"`
}

type VoiceConfig struct {
	DefaultURL   string `yaml:"default_url"`
	FetchDefault bool   `yaml:"fetch_default"`
}

// RunConfig holds the options applied uniformly to every segment of a run.
type RunConfig struct {
	MaxCharsPerSegment    int     `yaml:"max_chars_per_segment"`
	Exaggeration          float64 `yaml:"exaggeration"`
	Temperature           float64 `yaml:"temperature"`
	CFGWeight             float64 `yaml:"cfg_weight"`
	Seed                  int64   `yaml:"seed"`
	TrimSilence           bool    `yaml:"trim_silence"`
	CooldownSeconds       float64 `yaml:"cooldown_seconds"`
	QuotaCooldownSeconds  float64 `yaml:"quota_cooldown_seconds"`
	QuotaBackoff          string  `yaml:"quota_backoff"` // constant, exponential
	MaxAttemptsPerSegment int     `yaml:"max_attempts_per_segment"`
}

type CacheConfig struct {
	Mode       string `yaml:"mode"` // none, memory, redis
	RedisAddr  string `yaml:"redis_addr"`
	RedisPass  string `yaml:"redis_password"`
	RedisDB    int    `yaml:"redis_db"`
	TTLSeconds int    `yaml:"ttl_seconds"`
}

const DefaultVoiceURL = "https://github.com/gradio-app/gradio/raw/main/test/test_files/audio_sample.wav"

func Default() Config {
	return Config{
		RuntimeName: "loqa-narrator",
		Environment: "development",
		WorkDir:     "",
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
		Bus: BusConfig{
			Enabled:        false,
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Ledger: LedgerConfig{
			Path:          "./data/narrator-runs.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxRuns:       1000,
		},
		Synth: SynthConfig{
			Mode:           "gradio",
			Endpoint:       "https://resembleai-chatterbox.hf.space",
			APIName:        "/generate_tts_audio",
			Model:          "tts-1",
			Voice:          "alloy",
			RequestTimeout: 180000,
			QuotaMarkers:   []string{"quota", "exceeded"},
			SampleRate:     24000,
		},
		Voice: VoiceConfig{
			DefaultURL: DefaultVoiceURL,
		},
		Run: RunConfig{
			MaxCharsPerSegment:    250,
			Exaggeration:          0.5,
			Temperature:           0.8,
			CFGWeight:             0.5,
			Seed:                  0,
			TrimSilence:           false,
			CooldownSeconds:       12,
			QuotaCooldownSeconds:  60,
			QuotaBackoff:          "constant",
			MaxAttemptsPerSegment: 3,
		},
		Cache: CacheConfig{
			Mode:       "none",
			RedisAddr:  "localhost:6379",
			TTLSeconds: 86400,
		},
	}
}

// Load reads an optional YAML file over the defaults, then applies .env and
// NARRATOR_* environment overrides.
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

	// A missing .env is normal.
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "NARRATOR_RUNTIME_NAME")
	overrideString(&cfg.Environment, "NARRATOR_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.WorkDir, "NARRATOR_WORK_DIR")
	overrideString(&cfg.HTTP.Bind, "NARRATOR_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "NARRATOR_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "NARRATOR_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "NARRATOR_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "NARRATOR_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "NARRATOR_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Enabled, "NARRATOR_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "NARRATOR_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "NARRATOR_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "NARRATOR_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "NARRATOR_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "NARRATOR_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "NARRATOR_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "NARRATOR_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "NARRATOR_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "NARRATOR_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Ledger.Path, "NARRATOR_LEDGER_PATH")
	overrideString(&cfg.Ledger.RetentionMode, "NARRATOR_LEDGER_RETENTION_MODE")
	overrideInt(&cfg.Ledger.RetentionDays, "NARRATOR_LEDGER_RETENTION_DAYS")
	overrideInt(&cfg.Ledger.MaxRuns, "NARRATOR_LEDGER_MAX_RUNS")
	overrideBool(&cfg.Ledger.VacuumOnStart, "NARRATOR_LEDGER_VACUUM_ON_START")
	overrideString(&cfg.Synth.Mode, "NARRATOR_SYNTH_MODE")
	overrideString(&cfg.Synth.Endpoint, "NARRATOR_SYNTH_ENDPOINT")
	overrideString(&cfg.Synth.APIName, "NARRATOR_SYNTH_API_NAME")
	overrideString(&cfg.Synth.BaseURL, "NARRATOR_SYNTH_BASE_URL")
	overrideString(&cfg.Synth.Token, "HF_TOKEN")
	overrideString(&cfg.Synth.Token, "NARRATOR_SYNTH_TOKEN")
	overrideString(&cfg.Synth.Command, "NARRATOR_SYNTH_COMMAND")
	overrideString(&cfg.Synth.Model, "NARRATOR_SYNTH_MODEL")
	overrideString(&cfg.Synth.Voice, "NARRATOR_SYNTH_VOICE")
	overrideInt(&cfg.Synth.RequestTimeout, "NARRATOR_SYNTH_REQUEST_TIMEOUT_MS")
	overrideStringSlice(&cfg.Synth.QuotaMarkers, "NARRATOR_SYNTH_QUOTA_MARKERS")
	overrideInt(&cfg.Synth.SampleRate, "NARRATOR_SYNTH_SAMPLE_RATE")
	overrideString(&cfg.Voice.DefaultURL, "NARRATOR_VOICE_DEFAULT_URL")
	overrideBool(&cfg.Voice.FetchDefault, "NARRATOR_VOICE_FETCH_DEFAULT")
	overrideInt(&cfg.Run.MaxCharsPerSegment, "NARRATOR_RUN_MAX_CHARS_PER_SEGMENT")
	overrideFloat(&cfg.Run.Exaggeration, "NARRATOR_RUN_EXAGGERATION")
	overrideFloat(&cfg.Run.Temperature, "NARRATOR_RUN_TEMPERATURE")
	overrideFloat(&cfg.Run.CFGWeight, "NARRATOR_RUN_CFG_WEIGHT")
	overrideInt64(&cfg.Run.Seed, "NARRATOR_RUN_SEED")
	overrideBool(&cfg.Run.TrimSilence, "NARRATOR_RUN_TRIM_SILENCE")
	overrideFloat(&cfg.Run.CooldownSeconds, "NARRATOR_RUN_COOLDOWN_SECONDS")
	overrideFloat(&cfg.Run.QuotaCooldownSeconds, "NARRATOR_RUN_QUOTA_COOLDOWN_SECONDS")
	overrideString(&cfg.Run.QuotaBackoff, "NARRATOR_RUN_QUOTA_BACKOFF")
	overrideInt(&cfg.Run.MaxAttemptsPerSegment, "NARRATOR_RUN_MAX_ATTEMPTS_PER_SEGMENT")
	overrideString(&cfg.Cache.Mode, "NARRATOR_CACHE_MODE")
	overrideString(&cfg.Cache.RedisAddr, "NARRATOR_CACHE_REDIS_ADDR")
	overrideString(&cfg.Cache.RedisPass, "NARRATOR_CACHE_REDIS_PASSWORD")
	overrideInt(&cfg.Cache.RedisDB, "NARRATOR_CACHE_REDIS_DB")
	overrideInt(&cfg.Cache.TTLSeconds, "NARRATOR_CACHE_TTL_SECONDS")
	if cfg.Synth.Mode == "openai" {
		overrideString(&cfg.Synth.Token, "OPENAI_API_KEY")
	}
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

func overrideInt64(target *int64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseInt(value, 10, 64); err == nil {
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
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.Ledger.Path == "" && cfg.Ledger.RetentionMode != "ephemeral" {
		return errors.New("ledger.path must not be empty")
	}
	switch cfg.Ledger.RetentionMode {
	case "ephemeral", "session", "persistent":
	default:
		return errors.New("ledger.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.Ledger.RetentionDays < 0 {
		return errors.New("ledger.retention_days must be >= 0")
	}
	if err := validateSynth(cfg.Synth); err != nil {
		return err
	}
	if err := ValidateRun(cfg.Run); err != nil {
		return err
	}
	switch cfg.Cache.Mode {
	case "none", "memory":
	case "redis":
		if cfg.Cache.RedisAddr == "" {
			return errors.New("cache.redis_addr must be set when mode=redis")
		}
	default:
		return errors.New("cache.mode must be one of none|memory|redis")
	}
	if cfg.Cache.TTLSeconds < 0 {
		return errors.New("cache.ttl_seconds must be >= 0")
	}
	return nil
}

func validateSynth(s SynthConfig) error {
	switch s.Mode {
	case "gradio":
		if s.Endpoint == "" {
			return errors.New("synth.endpoint must be set when mode=gradio")
		}
		if s.APIName == "" {
			return errors.New("synth.api_name must be set when mode=gradio")
		}
	case "openai":
		if s.Token == "" {
			return errors.New("synth.token (or OPENAI_API_KEY) must be set when mode=openai")
		}
	case "exec":
		if s.Command == "" {
			return errors.New("synth.command must be set when mode=exec")
		}
	case "mock":
		if s.SampleRate <= 0 {
			return errors.New("synth.sample_rate must be positive")
		}
	default:
		return errors.New("synth.mode must be one of gradio|openai|exec|mock")
	}
	if s.RequestTimeout < 0 {
		return errors.New("synth.request_timeout_ms must be >= 0")
	}
	return nil
}

// MaxCooldownSeconds bounds both cooldowns.
const MaxCooldownSeconds = 24 * 60 * 60

// ValidateRun checks run options. It is also applied to per-request overrides.
// Range checks are written so that NaN fails them.
func ValidateRun(r RunConfig) error {
	if r.MaxCharsPerSegment < 1 {
		return errors.New("run.max_chars_per_segment must be >= 1")
	}
	if !(r.Exaggeration >= 0 && r.Exaggeration <= 1) {
		return errors.New("run.exaggeration must be within [0,1]")
	}
	if !(r.Temperature >= 0 && r.Temperature <= 1) {
		return errors.New("run.temperature must be within [0,1]")
	}
	if !(r.CFGWeight >= 0 && r.CFGWeight <= 1) {
		return errors.New("run.cfg_weight must be within [0,1]")
	}
	if !(r.CooldownSeconds >= 0 && r.CooldownSeconds <= MaxCooldownSeconds) {
		return fmt.Errorf("run.cooldown_seconds must be within [0,%d]", MaxCooldownSeconds)
	}
	if !(r.QuotaCooldownSeconds >= 0 && r.QuotaCooldownSeconds <= MaxCooldownSeconds) {
		return fmt.Errorf("run.quota_cooldown_seconds must be within [0,%d]", MaxCooldownSeconds)
	}
	switch r.QuotaBackoff {
	case "constant", "exponential":
	default:
		return errors.New("run.quota_backoff must be one of constant|exponential")
	}
	if r.MaxAttemptsPerSegment < 1 {
		return errors.New("run.max_attempts_per_segment must be >= 1")
	}
	return nil
}
