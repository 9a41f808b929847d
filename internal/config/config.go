// Package config provides configuration for the runner.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Config holds the runner configuration.
type Config struct {
	// Server settings
	HTTPPort int

	// Persistence
	DatabaseURL      string
	RunStateBackend  string
	RunStateBoltPath string
	RunStateTTL      time.Duration

	// Run lifecycle
	HeartbeatInterval time.Duration
	StreamInactivity  time.Duration
	QuietPeriod       time.Duration
	ResumeMaxAttempts int
	ResumeBaseDelay   time.Duration
	ResumeMaxDelay    time.Duration
	PollInterval      time.Duration
	PollTimeout       time.Duration
	CleanupGrace      time.Duration
	OrphanThreshold   time.Duration
	OrphanSweepEvery  time.Duration
	SinkBufferSize    int
	ResearchCost      float64
	LetterCost        float64
	InstanceID        string
	FaultPolicyFile   string

	// Provider
	ProviderURL     string
	ProviderAPIKey  string
	ProviderModel   string
	ProviderTimeout time.Duration

	// Logging
	LogLevel  string
	LogFormat string
}

// Backends for the run state store.
const (
	BackendSQLite = "sqlite"
	BackendBolt   = "bbolt"
)

// Load loads configuration from an optional YAML file (CONFIG_FILE) and
// environment variables. Environment variables win over the file.
func Load() (*Config, error) {
	file := map[string]string{}
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		var err error
		file, err = readFile(path)
		if err != nil {
			return nil, err
		}
	}
	return load(lookup(file)), nil
}

func load(get func(string) string) *Config {
	cfg := &Config{
		HTTPPort:          getEnvInt(get, "HTTP_PORT", 8080),
		DatabaseURL:       getEnv(get, "DATABASE_URL", "file:runner.db?cache=shared&mode=rwc"),
		RunStateBackend:   getEnv(get, "RUNSTATE_BACKEND", BackendSQLite),
		RunStateBoltPath:  getEnv(get, "RUNSTATE_BOLT_PATH", "runstate.bolt"),
		RunStateTTL:       getEnvMillis(get, "RUNSTATE_TTL_MS", 6*60*60*1000),
		HeartbeatInterval: getEnvMillis(get, "HEARTBEAT_INTERVAL_MS", 1000),
		StreamInactivity:  getEnvMillis(get, "STREAM_INACTIVITY_MS", 180000),
		QuietPeriod:       getEnvMillis(get, "QUIET_PERIOD_MS", 20000),
		ResumeMaxAttempts: getEnvInt(get, "RESUME_MAX_ATTEMPTS", 3),
		ResumeBaseDelay:   getEnvMillis(get, "RESUME_BASE_DELAY_MS", 1000),
		ResumeMaxDelay:    getEnvMillis(get, "RESUME_MAX_DELAY_MS", 15000),
		PollInterval:      getEnvMillis(get, "POLL_INTERVAL_MS", 5000),
		PollTimeout:       getEnvMillis(get, "POLL_TIMEOUT_MS", 1200000),
		CleanupGrace:      getEnvMillis(get, "CLEANUP_GRACE_MS", 60000),
		OrphanThreshold:   getEnvMillis(get, "ORPHAN_THRESHOLD_MS", 300000),
		OrphanSweepEvery:  getEnvMillis(get, "ORPHAN_SWEEP_INTERVAL_MS", 60000),
		SinkBufferSize:    getEnvInt(get, "SINK_BUFFER_SIZE", 512),
		ResearchCost:      getEnvFloat(get, "RESEARCH_COST", 0.7),
		LetterCost:        getEnvFloat(get, "LETTER_COST", 0.7),
		InstanceID:        getEnv(get, "INSTANCE_ID", ""),
		FaultPolicyFile:   getEnv(get, "FAULT_POLICY_FILE", ""),
		ProviderURL:       getEnv(get, "PROVIDER_URL", "https://api.openai.com"),
		ProviderAPIKey:    getEnv(get, "PROVIDER_API_KEY", ""),
		ProviderModel:     getEnv(get, "PROVIDER_MODEL", "o4-mini-deep-research"),
		ProviderTimeout:   getEnvMillis(get, "PROVIDER_TIMEOUT_MS", 30000),
		LogLevel:          getEnv(get, "LOG_LEVEL", "info"),
		LogFormat:         getEnv(get, "LOG_FORMAT", "text"),
	}
	if cfg.InstanceID == "" {
		host, _ := os.Hostname()
		cfg.InstanceID = fmt.Sprintf("%s-%s", host, uuid.New().String()[:8])
	}
	return cfg
}

// readFile parses a flat YAML mapping of the same keys as the environment.
func readFile(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	var raw map[string]interface{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		out[k] = fmt.Sprint(v)
	}
	return out, nil
}

func lookup(file map[string]string) func(string) string {
	return func(key string) string {
		if val := os.Getenv(key); val != "" {
			return val
		}
		return file[key]
	}
}

func getEnv(get func(string) string, key, defaultVal string) string {
	if val := get(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(get func(string) string, key string, defaultVal int) int {
	if val := get(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvFloat(get func(string) string, key string, defaultVal float64) float64 {
	if val := get(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getEnvMillis(get func(string) string, key string, defaultMs int) time.Duration {
	return time.Duration(getEnvInt(get, key, defaultMs)) * time.Millisecond
}
