package settings

import (
	"os"
	"path/filepath"
	"testing"
)

func withEnv(t *testing.T, key, val string) {
	t.Helper()
	old, had := os.LookupEnv(key)
	if val == "" {
		os.Unsetenv(key)
	} else {
		os.Setenv(key, val)
	}
	t.Cleanup(func() {
		if had {
			os.Setenv(key, old)
		} else {
			os.Unsetenv(key)
		}
	})
}

func TestAgentURLDefault(t *testing.T) {
	withEnv(t, EnvAgentURL, "")
	s := &Settings{}
	if got := s.AgentURL(); got != defaultAgentURL {
		t.Fatalf("expected default %q, got %q", defaultAgentURL, got)
	}
}

func TestAgentURLEnvOverride(t *testing.T) {
	withEnv(t, EnvAgentURL, "http://agent.internal:9000")
	s := &Settings{}
	if got := s.AgentURL(); got != "http://agent.internal:9000" {
		t.Fatalf("expected env override, got %q", got)
	}
}

func TestHeartbeatIntervalInvalidFallsBackToDefault(t *testing.T) {
	withEnv(t, EnvHeartbeatInterval, "not-a-number")
	s := &Settings{}
	if got := s.HeartbeatInterval(); got != defaultHeartbeatInterval {
		t.Fatalf("expected fallback to default %d, got %d", defaultHeartbeatInterval, got)
	}
}

func TestTestModeTruthyValues(t *testing.T) {
	cases := []string{"True", "true", "1", "yes", "y"}
	for _, v := range cases {
		withEnv(t, EnvTestMode, v)
		s := &Settings{}
		if !s.TestMode() {
			t.Fatalf("expected %q to be truthy", v)
		}
	}
	withEnv(t, EnvTestMode, "false")
	if (&Settings{}).TestMode() {
		t.Fatal("expected \"false\" to be falsy")
	}
}

func TestLoadFileOverlayUsedWhenEnvAbsent(t *testing.T) {
	withEnv(t, EnvAgentURL, "")
	withEnv(t, EnvLogLevel, "")

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	contents := "agentURL: \"http://from-file:1234\"\nlogLevel: \"DEBUG\"\n"
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatal(err)
	}

	s := &Settings{}
	if err := s.LoadFile(path); err != nil {
		t.Fatal(err)
	}
	if got := s.AgentURL(); got != "http://from-file:1234" {
		t.Fatalf("expected overlay value, got %q", got)
	}
	if got := s.LogLevel(); got != "DEBUG" {
		t.Fatalf("expected overlay log level, got %q", got)
	}
}

func TestLoadFileMissingIsNotError(t *testing.T) {
	s := &Settings{}
	if err := s.LoadFile(filepath.Join(t.TempDir(), "missing.yaml")); err != nil {
		t.Fatalf("expected missing file to be non-fatal, got %v", err)
	}
}

func TestEnvOverridesFileOverlay(t *testing.T) {
	withEnv(t, EnvAgentURL, "http://from-env:1")
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("agentURL: \"http://from-file:2\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	s := &Settings{}
	if err := s.LoadFile(path); err != nil {
		t.Fatal(err)
	}
	if got := s.AgentURL(); got != "http://from-env:1" {
		t.Fatalf("expected env to win over file overlay, got %q", got)
	}
}
