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
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string          `yaml:"runtime_name"`
	Environment string          `yaml:"environment"`
	HTTP        HTTPConfig      `yaml:"http"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	Bus         BusConfig       `yaml:"bus"`
	Worker      WorkerConfig    `yaml:"worker"`
	Artifacts   ArtifactsConfig `yaml:"artifacts"`
	JobStore    JobStoreConfig  `yaml:"job_store"`
	Synthesis   SynthesisConfig `yaml:"synthesis"`
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
}

// WorkerConfig describes the supervised synthesis process and its lifecycle
// timing. The command is a full shell-style string; search paths and the
// acceleration flag are passed through the spawned process environment.
type WorkerConfig struct {
	Command          string `yaml:"command"`
	PythonPath       string `yaml:"python_path"`
	LibraryPath      string `yaml:"library_path"`
	GPUEnabled       bool   `yaml:"gpu_enabled"`
	ReadyMarker      string `yaml:"ready_marker"`
	StartupTimeoutMS int    `yaml:"startup_timeout_ms"`
	RequestTimeoutMS int    `yaml:"request_timeout_ms"`
	RestartBackoffMS int    `yaml:"restart_backoff_ms"`
	MaxRestarts      int    `yaml:"max_restarts"`
	ReadyPollMS      int    `yaml:"ready_poll_ms"`
}

type ArtifactsConfig struct {
	Dir string `yaml:"dir"`
}

type JobStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxJobs       int    `yaml:"max_jobs"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

type SynthesisConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Mode       string  `yaml:"mode"` // mock, exec
	Voice      string  `yaml:"voice"`
	LangCode   string  `yaml:"lang_code"`
	Speed      float64 `yaml:"speed"`
	SampleRate int     `yaml:"sample_rate"`
}

func Default() Config {
	return Config{
		RuntimeName: "kokorod",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			OTLPEndpoint: "",
			OTLPInsecure: true,
		},
		Bus: BusConfig{
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Worker: WorkerConfig{
			ReadyMarker:      "KOKORO_READY",
			StartupTimeoutMS: 120000,
			RequestTimeoutMS: 60000,
			RestartBackoffMS: 5000,
			MaxRestarts:      3,
			ReadyPollMS:      1000,
		},
		Artifacts: ArtifactsConfig{
			Dir: "./public/audio",
		},
		JobStore: JobStoreConfig{
			Path:          "./data/kokoro-jobs.db",
			RetentionMode: "persistent",
			RetentionDays: 30,
			MaxJobs:       10000,
		},
		Synthesis: SynthesisConfig{
			Enabled:    true,
			Mode:       "mock",
			Voice:      "af_heart",
			LangCode:   "a",
			Speed:      1.0,
			SampleRate: 24000,
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
	overrideString(&cfg.RuntimeName, "KOKORO_RUNTIME_NAME")
	overrideString(&cfg.Environment, "KOKORO_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "KOKORO_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "KOKORO_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "KOKORO_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "KOKORO_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "KOKORO_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Bus.Embedded, "KOKORO_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "KOKORO_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "KOKORO_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "KOKORO_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "KOKORO_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "KOKORO_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "KOKORO_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "KOKORO_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "KOKORO_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Worker.Command, "KOKORO_WORKER_COMMAND")
	overrideString(&cfg.Worker.PythonPath, "KOKORO_WORKER_PYTHON_PATH")
	overrideString(&cfg.Worker.LibraryPath, "KOKORO_WORKER_LIBRARY_PATH")
	overrideBool(&cfg.Worker.GPUEnabled, "KOKORO_WORKER_GPU_ENABLED")
	overrideString(&cfg.Worker.ReadyMarker, "KOKORO_WORKER_READY_MARKER")
	overrideInt(&cfg.Worker.StartupTimeoutMS, "KOKORO_WORKER_STARTUP_TIMEOUT_MS")
	overrideInt(&cfg.Worker.RequestTimeoutMS, "KOKORO_WORKER_REQUEST_TIMEOUT_MS")
	overrideInt(&cfg.Worker.RestartBackoffMS, "KOKORO_WORKER_RESTART_BACKOFF_MS")
	overrideInt(&cfg.Worker.MaxRestarts, "KOKORO_WORKER_MAX_RESTARTS")
	overrideInt(&cfg.Worker.ReadyPollMS, "KOKORO_WORKER_READY_POLL_MS")
	overrideString(&cfg.Artifacts.Dir, "KOKORO_ARTIFACTS_DIR")
	overrideString(&cfg.JobStore.Path, "KOKORO_JOB_STORE_PATH")
	overrideString(&cfg.JobStore.RetentionMode, "KOKORO_JOB_STORE_RETENTION_MODE")
	overrideInt(&cfg.JobStore.RetentionDays, "KOKORO_JOB_STORE_RETENTION_DAYS")
	overrideInt(&cfg.JobStore.MaxJobs, "KOKORO_JOB_STORE_MAX_JOBS")
	overrideBool(&cfg.JobStore.VacuumOnStart, "KOKORO_JOB_STORE_VACUUM_ON_START")
	overrideBool(&cfg.Synthesis.Enabled, "KOKORO_SYNTHESIS_ENABLED")
	overrideString(&cfg.Synthesis.Mode, "KOKORO_SYNTHESIS_MODE")
	overrideString(&cfg.Synthesis.Voice, "KOKORO_SYNTHESIS_VOICE")
	overrideString(&cfg.Synthesis.LangCode, "KOKORO_SYNTHESIS_LANG_CODE")
	overrideFloat(&cfg.Synthesis.Speed, "KOKORO_SYNTHESIS_SPEED")
	overrideInt(&cfg.Synthesis.SampleRate, "KOKORO_SYNTHESIS_SAMPLE_RATE")
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
	if cfg.Bus.Embedded {
		if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
			return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
		}
	} else {
		if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.Artifacts.Dir == "" {
		return errors.New("artifacts.dir must not be empty")
	}
	if cfg.JobStore.Path == "" {
		return errors.New("job_store.path must not be empty")
	}
	switch cfg.JobStore.RetentionMode {
	case "ephemeral", "persistent":
		// ok
	default:
		return errors.New("job_store.retention_mode must be one of ephemeral|persistent")
	}
	if cfg.JobStore.RetentionDays < 0 {
		return errors.New("job_store.retention_days must be >= 0")
	}
	if cfg.Synthesis.Enabled {
		switch cfg.Synthesis.Mode {
		case "mock", "exec":
		default:
			return errors.New("synthesis.mode must be one of mock|exec")
		}
		if cfg.Synthesis.Mode == "exec" && cfg.Worker.Command == "" {
			return errors.New("worker.command must be set when synthesis.mode=exec")
		}
		if cfg.Synthesis.Speed <= 0 {
			return errors.New("synthesis.speed must be positive")
		}
		if cfg.Synthesis.SampleRate <= 0 {
			return errors.New("synthesis.sample_rate must be positive")
		}
	}
	if cfg.Worker.ReadyMarker == "" {
		return errors.New("worker.ready_marker must not be empty")
	}
	if cfg.Worker.StartupTimeoutMS <= 0 {
		return errors.New("worker.startup_timeout_ms must be positive")
	}
	if cfg.Worker.RequestTimeoutMS <= 0 {
		return errors.New("worker.request_timeout_ms must be positive")
	}
	if cfg.Worker.RestartBackoffMS < 0 {
		return errors.New("worker.restart_backoff_ms must be >= 0")
	}
	if cfg.Worker.MaxRestarts < 0 {
		return errors.New("worker.max_restarts must be >= 0")
	}
	if cfg.Worker.ReadyPollMS <= 0 {
		return errors.New("worker.ready_poll_ms must be positive")
	}
	return nil
}
