package logging

import (
	"encoding/json"
	"strings"
	"sync"
	"testing"

	"go.uber.org/zap/zapcore"
)

// memSyncer is a minimal zapcore.WriteSyncer collecting writes for assertion.
type memSyncer struct {
	mu  sync.Mutex
	buf strings.Builder
}

func (m *memSyncer) Write(p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.buf.Write(p)
}

func (m *memSyncer) Sync() error { return nil }

func (m *memSyncer) String() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.buf.String()
}

func TestParseLevelKnownNames(t *testing.T) {
	cases := map[string]Level{
		"DEBUG":   Debug,
		"info":    Info,
		" Warn ":  Warn,
		"ERROR":   Error,
		"fatal":   Critical,
		"critical": Critical,
	}
	for raw, want := range cases {
		if got := ParseLevel(raw); got != want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", raw, got, want)
		}
	}
}

func TestParseLevelUnknownDegradesToInfo(t *testing.T) {
	if got := ParseLevel("nonsense"); got != Info {
		t.Fatalf("expected unknown level to degrade to Info, got %v", got)
	}
}

func TestLogLineShape(t *testing.T) {
	ms := &memSyncer{}
	l := New(ms, Debug)
	l.Info("hello world", WithRequestID("req-1"))

	var decoded map[string]any
	line := strings.TrimRight(ms.String(), "\n")
	if err := json.Unmarshal([]byte(line), &decoded); err != nil {
		t.Fatalf("expected valid json line, got %q: %v", line, err)
	}
	if decoded["message"] != "hello world" {
		t.Fatalf("unexpected message: %+v", decoded)
	}
	if decoded["requestID"] != "req-1" {
		t.Fatalf("unexpected requestID: %+v", decoded)
	}
	if decoded["level"] != "INFO" {
		t.Fatalf("unexpected level: %+v", decoded)
	}
	if len(decoded) != 3 {
		t.Fatalf("expected exactly 3 keys, got %+v", decoded)
	}
}

func TestLevelGating(t *testing.T) {
	ms := &memSyncer{}
	l := New(ms, Warn)
	l.Info("should not appear")
	if ms.String() != "" {
		t.Fatalf("expected no output below configured level, got %q", ms.String())
	}
	l.Error("should appear")
	if ms.String() == "" {
		t.Fatal("expected output at or above configured level")
	}
}

func TestTruncateShortMessageUnchanged(t *testing.T) {
	msg := "short message"
	if got := truncate(msg); got != msg {
		t.Fatalf("expected unchanged short message, got %q", got)
	}
}

func TestTruncateLongMessage(t *testing.T) {
	msg := strings.Repeat("a", MaxLogLength+500)
	got := truncate(msg)
	if len(got) >= len(msg) {
		t.Fatalf("expected truncated message to be shorter, got len %d vs original %d", len(got), len(msg))
	}
	if !strings.Contains(got, "TRUNCATED") {
		t.Fatalf("expected truncation marker, got %q", got[:100])
	}
	if !strings.HasPrefix(got, strings.Repeat("a", MaxLogLength/2)) {
		t.Fatal("expected truncated message to keep the original head")
	}
}

func TestStackOptionAppendsExtraLine(t *testing.T) {
	ms := &memSyncer{}
	l := New(ms, Debug)
	l.Error("boom", WithStack())
	lines := strings.Split(strings.TrimRight(ms.String(), "\n"), "\n")
	if len(lines) < 2 {
		t.Fatalf("expected a stack trace line appended after the json record, got %q", ms.String())
	}
	var decoded map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &decoded); err != nil {
		t.Fatalf("first line must still be valid json: %v", err)
	}
}

var _ zapcore.WriteSyncer = (*memSyncer)(nil)
