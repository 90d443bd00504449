package monitoring

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestSetLogger(t *testing.T) {
	original := Logf
	defer func() { Logf = original }()

	called := false
	SetLogger(func(format string, v ...interface{}) {
		called = true
	})
	Logf("test message")
	if !called {
		t.Error("Custom logger was not called")
	}

	called = false
	SetLogger(nil)
	Logf("test message")
	if called {
		t.Error("No-op logger should not have triggered callback")
	}
}

func TestLogf_Default(t *testing.T) {
	if Logf == nil {
		t.Fatal("Logf should not be nil by default")
	}
	defer func() {
		if r := recover(); r != nil {
			t.Errorf("Logf panicked: %v", r)
		}
	}()
	Logf("test message: %s", "value")
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want zapcore.Level
		ok   bool
	}{
		{"", zapcore.InfoLevel, true},
		{"info", zapcore.InfoLevel, true},
		{"DEBUG", zapcore.DebugLevel, true},
		{" warning ", zapcore.WarnLevel, true},
		{"error", zapcore.ErrorLevel, true},
		{"loud", zapcore.InfoLevel, false},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		if (err == nil) != tt.ok {
			t.Errorf("ParseLevel(%q) error = %v, want ok=%v", tt.in, err, tt.ok)
		}
		if got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestNewLogger_StdoutAndFile(t *testing.T) {
	var stdout bytes.Buffer
	path := filepath.Join(t.TempDir(), "sonarled.log")

	logger, closeLog, err := NewLogger(Options{Level: "info", File: path, Stdout: &stdout})
	if err != nil {
		t.Fatalf("NewLogger() error = %v", err)
	}
	defer closeLog()
	logger.Debug("hidden")
	logger.Info("poll", zap.Uint64("distance", 12))
	_ = logger.Sync()

	if strings.Contains(stdout.String(), "hidden") {
		t.Error("debug line should be filtered at info level")
	}
	if !strings.Contains(stdout.String(), "distance") {
		t.Errorf("stdout missing field: %q", stdout.String())
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(data), "poll") {
		t.Errorf("log file missing line: %q", string(data))
	}
}

func TestNewLogger_BadLevel(t *testing.T) {
	if _, _, err := NewLogger(Options{Level: "verbose"}); err == nil {
		t.Error("expected error for unknown level")
	}
}

// openHandles counts this process's descriptors that point at path.
func openHandles(t *testing.T, path string) int {
	t.Helper()
	entries, err := os.ReadDir("/proc/self/fd")
	if err != nil {
		t.Skip("no /proc/self/fd on this platform")
	}
	n := 0
	for _, e := range entries {
		target, err := os.Readlink(filepath.Join("/proc/self/fd", e.Name()))
		if err == nil && target == path {
			n++
		}
	}
	return n
}

func TestNewLogger_CloseReleasesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sonarled.log")
	if resolved, err := filepath.EvalSymlinks(filepath.Dir(path)); err == nil {
		path = filepath.Join(resolved, "sonarled.log")
	}

	logger, closeLog, err := NewLogger(Options{File: path, Stdout: io.Discard})
	if err != nil {
		t.Fatalf("NewLogger() error = %v", err)
	}
	logger.Info("first line")
	if got := openHandles(t, path); got != 1 {
		t.Fatalf("open handles before close = %d, want 1", got)
	}

	if err := closeLog(); err != nil {
		t.Fatalf("close error = %v", err)
	}
	if got := openHandles(t, path); got != 0 {
		t.Errorf("open handles after close = %d, want 0", got)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(data), "first line") {
		t.Errorf("log file missing line: %q", string(data))
	}
}

func TestNewLogger_CloseWithoutFile(t *testing.T) {
	_, closeLog, err := NewLogger(Options{Stdout: io.Discard})
	if err != nil {
		t.Fatalf("NewLogger() error = %v", err)
	}
	if err := closeLog(); err != nil {
		t.Errorf("close error = %v", err)
	}
}

func TestInstall(t *testing.T) {
	original := Logf
	defer func() { Logf = original }()

	core, logs := observer.New(zapcore.InfoLevel)
	Install(zap.New(core))
	Logf("migrated to version %d", 1)

	entries := logs.All()
	if len(entries) != 1 || entries[0].Message != "migrated to version 1" {
		t.Errorf("entries = %+v", entries)
	}

	Install(nil)
	Logf("dropped")
	if logs.Len() != 1 {
		t.Errorf("Install(nil) should mute Logf, got %d entries", logs.Len())
	}
}
