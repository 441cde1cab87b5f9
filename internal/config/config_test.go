package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("Expected default config to be valid, got: %v", err)
	}
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name        string
		mutate      func(c *Config)
		expectError bool
		errorMsg    string
	}{
		{
			name:        "valid configuration",
			mutate:      func(c *Config) {},
			expectError: false,
		},
		{
			name:        "invalid server port",
			mutate:      func(c *Config) { c.Server.UDPPort = 0 },
			expectError: true,
			errorMsg:    "udp_port must be between 1 and 65535",
		},
		{
			name:        "no workers",
			mutate:      func(c *Config) { c.Server.Workers = 0 },
			expectError: true,
			errorMsg:    "workers must be at least 1",
		},
		{
			name:        "websocket without http",
			mutate:      func(c *Config) { c.HTTP.Enabled = false },
			expectError: true,
			errorMsg:    "websocket requires the HTTP server",
		},
		{
			name:        "energy threshold out of range",
			mutate:      func(c *Config) { c.Engine.EnergyThreshold = 1.5 },
			expectError: true,
			errorMsg:    "engine config: vad",
		},
		{
			name:        "force interval below analysis delay",
			mutate:      func(c *Config) { c.Engine.ForceUpdateInterval = 0.1 },
			expectError: true,
			errorMsg:    "force update interval",
		},
		{
			name:        "scoring weights do not sum to one",
			mutate:      func(c *Config) { c.Engine.Scoring.FluencyWeight = 0.9 },
			expectError: true,
			errorMsg:    "engine config: scoring",
		},
		{
			name:        "smoothing alpha out of range",
			mutate:      func(c *Config) { c.Engine.Smoothing.BaseAlpha = 1.2 },
			expectError: true,
			errorMsg:    "engine config: smoothing",
		},
		{
			name:        "invalid log level",
			mutate:      func(c *Config) { c.Logging.Level = "trace" },
			expectError: true,
			errorMsg:    "logging config",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()

			if tt.expectError {
				if err == nil {
					t.Errorf("Expected error but got none")
				} else if tt.errorMsg != "" && !strings.Contains(err.Error(), tt.errorMsg) {
					t.Errorf("Expected error to contain '%s', got '%s'", tt.errorMsg, err.Error())
				}
			} else if err != nil {
				t.Errorf("Expected no error but got: %v", err)
			}
		})
	}
}

func TestConfigLoad(t *testing.T) {
	tempDir := t.TempDir()

	tests := []struct {
		name        string
		configYAML  string
		expectError bool
		errorMsg    string
		check       func(t *testing.T, c *Config)
	}{
		{
			name: "valid config file",
			configYAML: `
server:
  udp_port: 5555
  bind_address: "127.0.0.1"
  buffer_size: 65536
  workers: 8
  max_sessions: 50
  session_timeout: 120
http:
  port: 9090
  address: "127.0.0.1"
  enabled: true
  websocket: true
engine:
  energy_threshold: 0.02
  inactivity_threshold: 2.5
  min_speech_duration: 0.4
  analysis_delay: 0.25
  force_update_interval: 4
  include_probabilities: true
  scoring:
    tempo_rates: [100, 130, 170]
  smoothing:
    base_alpha: 0.3
logging:
  level: "debug"
  format: "text"
  output: "stdout"
`,
			check: func(t *testing.T, c *Config) {
				if c.Server.UDPPort != 5555 || c.Server.Workers != 8 {
					t.Errorf("Unexpected server config: %+v", c.Server)
				}
				ec := c.Engine.ToEngine()
				if ec.VAD.InactivityThreshold != 2500*time.Millisecond {
					t.Errorf("Expected 2.5s inactivity, got %v", ec.VAD.InactivityThreshold)
				}
				if ec.VAD.AnalysisDelay != 250*time.Millisecond {
					t.Errorf("Expected 250ms delay, got %v", ec.VAD.AnalysisDelay)
				}
				if !ec.IncludeProbabilities {
					t.Error("Expected probabilities to be included")
				}
				if ec.Scoring.TempoRates[2] != 170 {
					t.Errorf("Expected overridden tempo rates, got %v", ec.Scoring.TempoRates)
				}
				if ec.Scoring.FluencyWeight != 0.35 {
					t.Errorf("Expected default fluency weight to survive, got %f", ec.Scoring.FluencyWeight)
				}
				if ec.Smoothing.BaseAlpha != 0.3 || ec.Smoothing.SpeakingScale != 0.75 {
					t.Errorf("Unexpected smoothing config: %+v", ec.Smoothing)
				}
			},
		},
		{
			name: "partial file keeps defaults",
			configYAML: `
logging:
  level: "warn"
`,
			check: func(t *testing.T, c *Config) {
				if c.Logging.Level != "warn" {
					t.Errorf("Expected warn level, got %s", c.Logging.Level)
				}
				if c.Server.UDPPort != 4444 || c.Engine.EnergyThreshold != 0.01 {
					t.Errorf("Expected defaults to be kept, got %+v", c)
				}
			},
		},
		{
			name: "invalid YAML syntax",
			configYAML: `
server:
  udp_port: 4444
  buffer_size: invalid_number
`,
			expectError: true,
			errorMsg:    "failed to parse",
		},
		{
			name: "empty bind address",
			configYAML: `
server:
  bind_address: ""
`,
			expectError: true,
			errorMsg:    "bind_address cannot be empty",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			configPath := filepath.Join(tempDir, "config.yaml")
			if err := os.WriteFile(configPath, []byte(tt.configYAML), 0644); err != nil {
				t.Fatalf("Failed to create test config file: %v", err)
			}

			config, err := Load(configPath)

			if tt.expectError {
				if err == nil {
					t.Errorf("Expected error but got none")
				} else if tt.errorMsg != "" && !strings.Contains(err.Error(), tt.errorMsg) {
					t.Errorf("Expected error to contain '%s', got '%s'", tt.errorMsg, err.Error())
				}
				return
			}

			if err != nil {
				t.Fatalf("Expected no error but got: %v", err)
			}
			if tt.check != nil {
				tt.check(t, config)
			}
		})
	}
}

func TestConfigLoadNonexistentFile(t *testing.T) {
	_, err := Load("nonexistent.yaml")
	if err == nil {
		t.Fatal("Expected error for nonexistent file but got none")
	}
	if !strings.Contains(err.Error(), "failed to read config file") {
		t.Errorf("Expected error about reading file, got: %v", err)
	}
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"SPEECHMETRICS_UDP_PORT":         "6000",
		"SPEECHMETRICS_LOG_LEVEL":        "debug",
		"SPEECHMETRICS_ENERGY_THRESHOLD": "0.05",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	cfg := Default()
	if err := cfg.ApplyEnv(lookup); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if cfg.Server.UDPPort != 6000 {
		t.Errorf("Expected UDP port 6000, got %d", cfg.Server.UDPPort)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Expected debug level, got %s", cfg.Logging.Level)
	}
	if cfg.Engine.EnergyThreshold != 0.05 {
		t.Errorf("Expected threshold 0.05, got %f", cfg.Engine.EnergyThreshold)
	}

	env["SPEECHMETRICS_HTTP_PORT"] = "not-a-port"
	if err := Default().ApplyEnv(lookup); err == nil {
		t.Error("Expected error for malformed port")
	}

	delete(env, "SPEECHMETRICS_HTTP_PORT")
	env["SPEECHMETRICS_LOG_LEVEL"] = "verbose"
	if err := Default().ApplyEnv(lookup); err == nil {
		t.Error("Expected validation error for unknown log level")
	}
}

func TestLoadDotEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(path, []byte("SPEECHMETRICS_TEST_DOTENV=loaded\n"), 0644); err != nil {
		t.Fatalf("Failed to write env file: %v", err)
	}
	t.Cleanup(func() { os.Unsetenv("SPEECHMETRICS_TEST_DOTENV") })

	if err := LoadDotEnv(filepath.Join(t.TempDir(), "missing.env"), path); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if got := os.Getenv("SPEECHMETRICS_TEST_DOTENV"); got != "loaded" {
		t.Errorf("Expected variable from .env, got %q", got)
	}
}

func TestDurationHelpers(t *testing.T) {
	server := ServerConfig{SessionTimeout: 60}
	if server.GetSessionTimeoutDuration() != 60*time.Second {
		t.Errorf("Expected 60 seconds, got %v", server.GetSessionTimeoutDuration())
	}

	ec := Default().Engine.ToEngine()
	if ec.VAD.MinSpeechDuration != 500*time.Millisecond {
		t.Errorf("Expected 0.5 seconds, got %v", ec.VAD.MinSpeechDuration)
	}
	if ec.VAD.AnalysisDelay != 200*time.Millisecond {
		t.Errorf("Expected 200ms, got %v", ec.VAD.AnalysisDelay)
	}
	if ec.VAD.ForceUpdateInterval != 5*time.Second {
		t.Errorf("Expected 5 seconds, got %v", ec.VAD.ForceUpdateInterval)
	}
}

func TestLoggingConfigValidation(t *testing.T) {
	tests := []struct {
		name   string
		config LoggingConfig
		valid  bool
	}{
		{
			name:   "valid json to stdout",
			config: LoggingConfig{Level: "info", Format: "json", Output: "stdout"},
			valid:  true,
		},
		{
			name:   "valid text to stderr",
			config: LoggingConfig{Level: "debug", Format: "text", Output: "stderr"},
			valid:  true,
		},
		{
			name:   "invalid log level",
			config: LoggingConfig{Level: "trace", Format: "json", Output: "stdout"},
			valid:  false,
		},
		{
			name:   "invalid format",
			config: LoggingConfig{Level: "info", Format: "xml", Output: "stdout"},
			valid:  false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.valid && err != nil {
				t.Errorf("Expected valid config but got error: %v", err)
			}
			if !tt.valid && err == nil {
				t.Errorf("Expected invalid config but got no error")
			}
		})
	}
}
