// Package settings resolves worker configuration from environment variables,
// with an optional config.yaml overlay consulted when EASE_WORKER_CONFIG
// points at a file. Environment variables always win over the file; the file
// always wins over the built-in defaults.
//
// AgentURL, HeartbeatInterval and LogLevel are resolved lazily, mirroring the
// teacher's envOrDefault calls in cmd/agent/main.go: each is resolved once on
// first access and reused for the lifetime of the process. MetricsPort,
// TestPort, TestMode and ProxyContainer read the environment on every call.
package settings

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

const (
	EnvAgentURL           = "EASE_AGENT_URL"
	EnvHeartbeatInterval  = "EASE_HEARTBEAT_INTERVAL"
	EnvLogLevel           = "EASE_LOG_LEVEL"
	EnvTestMode           = "EASE_TEST_MODE"
	EnvTestPort           = "EASE_TEST_PORT"
	EnvMetricsPort        = "EASE_METRICS_PORT"
	EnvWorkerConfig       = "EASE_WORKER_CONFIG"
	EnvProxyContainer     = "EASE_PROXY_CONTAINER"
	HeaderHealth          = "X-Agent-Health"

	defaultAgentURL          = "http://localhost:8087"
	defaultHeartbeatInterval = 5
	defaultLogLevel          = "INFO"
	defaultTestPort          = 8080
)

// fileOverlay mirrors the config.yaml schema described in SPEC_FULL.md §3.1.
type fileOverlay struct {
	AgentURL                 string `yaml:"agentURL"`
	HeartbeatIntervalSeconds int    `yaml:"heartbeatIntervalSeconds"`
	LogLevel                 string `yaml:"logLevel"`
	MetricsPort              int    `yaml:"metricsPort"`
}

// Settings resolves and caches worker configuration. The zero value reads
// directly from the environment; call LoadFile before first use to layer in
// a config.yaml overlay.
type Settings struct {
	mu      sync.Mutex
	overlay *fileOverlay

	agentURL          string
	heartbeatInterval int
	logLevel          string
}

// Default is the process-wide Settings instance, analogous to the teacher's
// package-level defaults and the Python source's module-level SETTINGS
// singleton. Most callers should use this; tests construct their own.
var Default = &Settings{}

// LoadFile reads an optional YAML overlay from path. A missing file is not
// an error — it mirrors sprite_gpu.conf.load_config, which only looks for
// config.yaml when a working directory was explicitly supplied.
func (s *Settings) LoadFile(path string) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("settings: failed to read %s: %w", path, err)
	}
	var overlay fileOverlay
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return fmt.Errorf("settings: failed to parse %s: %w", path, err)
	}
	s.mu.Lock()
	s.overlay = &overlay
	s.mu.Unlock()
	return nil
}

// AgentURL returns the agent base URL: EASE_AGENT_URL, else the config file's
// agentURL, else http://localhost:8087.
func (s *Settings) AgentURL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.agentURL != "" {
		return s.agentURL
	}
	if v := os.Getenv(EnvAgentURL); v != "" {
		s.agentURL = v
		return s.agentURL
	}
	if s.overlay != nil && s.overlay.AgentURL != "" {
		s.agentURL = s.overlay.AgentURL
		return s.agentURL
	}
	s.agentURL = defaultAgentURL
	return s.agentURL
}

// HeartbeatInterval returns the heartbeat period in seconds: EASE_HEARTBEAT_INTERVAL,
// else the config file's heartbeatIntervalSeconds, else 5. A non-integer env
// value falls back to 5 with a warning printed to stderr, matching the
// Python source's _Settings.heartbeat_interval.
func (s *Settings) HeartbeatInterval() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.heartbeatInterval != 0 {
		return s.heartbeatInterval
	}
	if v, ok := os.LookupEnv(EnvHeartbeatInterval); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to parse %s=%q, using default %d\n", EnvHeartbeatInterval, v, defaultHeartbeatInterval)
			s.heartbeatInterval = defaultHeartbeatInterval
			return s.heartbeatInterval
		}
		s.heartbeatInterval = n
		return s.heartbeatInterval
	}
	if s.overlay != nil && s.overlay.HeartbeatIntervalSeconds != 0 {
		s.heartbeatInterval = s.overlay.HeartbeatIntervalSeconds
		return s.heartbeatInterval
	}
	s.heartbeatInterval = defaultHeartbeatInterval
	return s.heartbeatInterval
}

// LogLevel returns the configured log level string: EASE_LOG_LEVEL, else the
// config file's logLevel, else "INFO". Validation happens in internal/logging.
func (s *Settings) LogLevel() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.logLevel != "" {
		return s.logLevel
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		s.logLevel = v
		return s.logLevel
	}
	if s.overlay != nil && s.overlay.LogLevel != "" {
		s.logLevel = s.overlay.LogLevel
		return s.logLevel
	}
	s.logLevel = defaultLogLevel
	return s.logLevel
}

// MetricsPort returns the opt-in Prometheus listener port: EASE_METRICS_PORT,
// else the config file's metricsPort, else 0 (disabled).
func (s *Settings) MetricsPort() int {
	if v, ok := os.LookupEnv(EnvMetricsPort); ok {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.overlay != nil {
		return s.overlay.MetricsPort
	}
	return 0
}

// TestPort returns the test-mode local server port: EASE_TEST_PORT, else 8080.
func (s *Settings) TestPort() int {
	if v, ok := os.LookupEnv(EnvTestPort); ok {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultTestPort
}

// truthyValues are the accepted spellings of "true" for EASE_TEST_MODE, per
// §4.1 of the spec.
var truthyValues = map[string]bool{
	"True": true, "true": true, "1": true, "yes": true, "y": true,
}

// TestMode reports whether EASE_TEST_MODE is set to a truthy value.
func (s *Settings) TestMode() bool {
	return truthyValues[os.Getenv(EnvTestMode)]
}

// ProxyContainer returns EASE_PROXY_CONTAINER, or "" if unset.
func (s *Settings) ProxyContainer() string {
	return os.Getenv(EnvProxyContainer)
}

// WorkerConfigPath returns EASE_WORKER_CONFIG, or "" if unset.
func WorkerConfigPath() string {
	return strings.TrimSpace(os.Getenv(EnvWorkerConfig))
}
