package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/gelogrammer/speech-metrics-service/internal/engine"
	"github.com/gelogrammer/speech-metrics-service/internal/estimator"
	"github.com/gelogrammer/speech-metrics-service/internal/scoring"
	"github.com/gelogrammer/speech-metrics-service/internal/smoothing"
	"github.com/gelogrammer/speech-metrics-service/internal/vad"
)

// EnvPrefix prefixes every environment override
const EnvPrefix = "SPEECHMETRICS_"

// Config represents the complete service configuration
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	HTTP    HTTPConfig    `yaml:"http"`
	Engine  EngineConfig  `yaml:"engine"`
	Logging LoggingConfig `yaml:"logging"`
}

// ServerConfig contains UDP ingest configuration
type ServerConfig struct {
	UDPPort        int    `yaml:"udp_port"`
	BindAddress    string `yaml:"bind_address"`
	BufferSize     int    `yaml:"buffer_size"`
	Workers        int    `yaml:"workers"`
	MaxSessions    int    `yaml:"max_sessions"`
	SessionTimeout int    `yaml:"session_timeout"` // seconds
}

// HTTPConfig contains HTTP API server configuration
type HTTPConfig struct {
	Port      int    `yaml:"port"`
	Address   string `yaml:"address"`
	Enabled   bool   `yaml:"enabled"`
	WebSocket bool   `yaml:"websocket"`
}

// EngineConfig contains the metrics engine parameters
type EngineConfig struct {
	EnergyThreshold      float64 `yaml:"energy_threshold"`
	InactivityThreshold  float64 `yaml:"inactivity_threshold"`  // seconds
	MinSpeechDuration    float64 `yaml:"min_speech_duration"`   // seconds
	AnalysisDelay        float64 `yaml:"analysis_delay"`        // seconds
	ForceUpdateInterval  float64 `yaml:"force_update_interval"` // seconds
	IncludeProbabilities bool    `yaml:"include_probabilities"`

	Estimator estimator.Config `yaml:"estimator"`
	Scoring   scoring.Config   `yaml:"scoring"`
	Smoothing smoothing.Config `yaml:"smoothing"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Default returns a configuration that runs the reference engine locally
func Default() *Config {
	v := vad.DefaultConfig()
	return &Config{
		Server: ServerConfig{
			UDPPort:        4444,
			BindAddress:    "0.0.0.0",
			BufferSize:     65536,
			Workers:        4,
			MaxSessions:    1000,
			SessionTimeout: 300,
		},
		HTTP: HTTPConfig{
			Port:      8080,
			Address:   "0.0.0.0",
			Enabled:   true,
			WebSocket: true,
		},
		Engine: EngineConfig{
			EnergyThreshold:     v.EnergyThreshold,
			InactivityThreshold: v.InactivityThreshold.Seconds(),
			MinSpeechDuration:   v.MinSpeechDuration.Seconds(),
			AnalysisDelay:       v.AnalysisDelay.Seconds(),
			ForceUpdateInterval: v.ForceUpdateInterval.Seconds(),
			Estimator:           estimator.DefaultConfig(),
			Scoring:             scoring.DefaultConfig(),
			Smoothing:           smoothing.DefaultConfig(),
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// Load reads and parses the configuration file. Keys missing from the file
// keep their Default values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// LoadDotEnv loads variables from the given .env files into the process
// environment. Missing files are ignored.
func LoadDotEnv(files ...string) error {
	for _, f := range files {
		if _, err := os.Stat(f); err != nil {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return fmt.Errorf("failed to load env file %s: %w", f, err)
		}
	}
	return nil
}

// ApplyEnv overrides selected settings from SPEECHMETRICS_* variables and
// revalidates the result
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if lookup == nil {
		lookup = os.LookupEnv
	}

	ints := map[string]*int{
		"UDP_PORT":        &c.Server.UDPPort,
		"HTTP_PORT":       &c.HTTP.Port,
		"WORKERS":         &c.Server.Workers,
		"SESSION_TIMEOUT": &c.Server.SessionTimeout,
	}
	for key, dst := range ints {
		if v, ok := lookup(EnvPrefix + key); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%s%s: %w", EnvPrefix, key, err)
			}
			*dst = n
		}
	}

	strs := map[string]*string{
		"BIND_ADDRESS": &c.Server.BindAddress,
		"HTTP_ADDRESS": &c.HTTP.Address,
		"LOG_LEVEL":    &c.Logging.Level,
		"LOG_FORMAT":   &c.Logging.Format,
	}
	for key, dst := range strs {
		if v, ok := lookup(EnvPrefix + key); ok {
			*dst = v
		}
	}

	if v, ok := lookup(EnvPrefix + "ENERGY_THRESHOLD"); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("%sENERGY_THRESHOLD: %w", EnvPrefix, err)
		}
		c.Engine.EnergyThreshold = f
	}

	return c.Validate()
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server config: %w", err)
	}

	if err := c.HTTP.Validate(); err != nil {
		return fmt.Errorf("http config: %w", err)
	}

	if err := c.Engine.Validate(); err != nil {
		return fmt.Errorf("engine config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	return nil
}

// Validate validates server configuration
func (s *ServerConfig) Validate() error {
	if s.UDPPort < 1 || s.UDPPort > 65535 {
		return fmt.Errorf("udp_port must be between 1 and 65535, got %d", s.UDPPort)
	}

	if s.BindAddress == "" {
		return fmt.Errorf("bind_address cannot be empty")
	}

	if s.BufferSize < 1024 {
		return fmt.Errorf("buffer_size must be at least 1024 bytes, got %d", s.BufferSize)
	}

	if s.Workers < 1 {
		return fmt.Errorf("workers must be at least 1, got %d", s.Workers)
	}

	if s.MaxSessions < 1 {
		return fmt.Errorf("max_sessions must be at least 1, got %d", s.MaxSessions)
	}

	if s.SessionTimeout < 1 {
		return fmt.Errorf("session_timeout must be at least 1 second, got %d", s.SessionTimeout)
	}

	return nil
}

// Validate validates HTTP configuration
func (h *HTTPConfig) Validate() error {
	if h.Enabled {
		if h.Port < 1 || h.Port > 65535 {
			return fmt.Errorf("http port must be between 1 and 65535, got %d", h.Port)
		}

		if h.Address == "" {
			return fmt.Errorf("http address cannot be empty when HTTP is enabled")
		}
	}

	if h.WebSocket && !h.Enabled {
		return fmt.Errorf("websocket requires the HTTP server to be enabled")
	}

	return nil
}

// Validate validates engine configuration by building every stage's config
func (e *EngineConfig) Validate() error {
	cfg := e.ToEngine()
	if err := cfg.VAD.Validate(); err != nil {
		return fmt.Errorf("vad: %w", err)
	}
	if err := cfg.Estimator.Validate(); err != nil {
		return fmt.Errorf("estimator: %w", err)
	}
	if err := cfg.Scoring.Validate(); err != nil {
		return fmt.Errorf("scoring: %w", err)
	}
	if err := cfg.Smoothing.Validate(); err != nil {
		return fmt.Errorf("smoothing: %w", err)
	}
	return nil
}

// Validate validates logging configuration
func (l *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[l.Level] {
		return fmt.Errorf("level must be one of [debug, info, warn, error], got '%s'", l.Level)
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("format must be 'json' or 'text', got '%s'", l.Format)
	}

	return nil
}

// GetSessionTimeoutDuration returns the idle session timeout as a time.Duration
func (s *ServerConfig) GetSessionTimeoutDuration() time.Duration {
	return time.Duration(s.SessionTimeout) * time.Second
}

// ToEngine converts the file representation into the engine's
func (e *EngineConfig) ToEngine() engine.Config {
	return engine.Config{
		VAD: vad.Config{
			EnergyThreshold:     e.EnergyThreshold,
			InactivityThreshold: seconds(e.InactivityThreshold),
			MinSpeechDuration:   seconds(e.MinSpeechDuration),
			AnalysisDelay:       seconds(e.AnalysisDelay),
			ForceUpdateInterval: seconds(e.ForceUpdateInterval),
		},
		Estimator:            e.Estimator,
		Scoring:              e.Scoring,
		Smoothing:            e.Smoothing,
		IncludeProbabilities: e.IncludeProbabilities,
	}
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
