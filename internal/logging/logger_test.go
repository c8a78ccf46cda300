package logging

import (
	"bytes"
	"strings"
	"testing"
)

func TestLoggerWritesToBuffer(t *testing.T) {
	buffer := NewBuffer(10)
	logger := NewLoggerWithOutput(buffer, LevelInfo, nil)

	logger.Info("watch added", map[string]string{"key_path": "owner.name"})

	entries := buffer.List()
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	entry := entries[0]
	if entry.Level != LevelInfo {
		t.Fatalf("expected info level, got %q", entry.Level)
	}
	if entry.Message != "watch added" {
		t.Fatalf("unexpected message %q", entry.Message)
	}
	if entry.Fields["key_path"] != "owner.name" {
		t.Fatalf("expected key_path field, got %v", entry.Fields)
	}
}

func TestLoggerFiltersByLevel(t *testing.T) {
	buffer := NewBuffer(10)
	logger := NewLoggerWithOutput(buffer, LevelWarning, nil)

	logger.Debug("debug", nil)
	logger.Info("info", nil)
	logger.Warn("warn", nil)
	logger.Error("error", nil)

	entries := buffer.List()
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].Level != LevelWarning || entries[1].Level != LevelError {
		t.Fatalf("unexpected levels %q %q", entries[0].Level, entries[1].Level)
	}
}

func TestLoggerWithMergesFields(t *testing.T) {
	var output bytes.Buffer
	logger := NewLoggerWithOutput(nil, LevelDebug, &output).With(map[string]string{"component": "registry"})

	logger.Debug("delivered", map[string]string{"entry": "7"})

	line := output.String()
	if !strings.Contains(line, `level=debug msg="delivered" component="registry" entry="7"`) {
		t.Fatalf("unexpected output %q", line)
	}
	entries := logger.Buffer().List()
	if len(entries) != 1 || entries[0].Fields["component"] != "registry" {
		t.Fatalf("expected merged fields, got %v", entries)
	}
}

func TestBufferKeepsMostRecent(t *testing.T) {
	buffer := NewBuffer(2)
	buffer.Add(Entry{Message: "one"})
	buffer.Add(Entry{Message: "two"})
	buffer.Add(Entry{Message: "three"})

	entries := buffer.List()
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].Message != "two" || entries[1].Message != "three" {
		t.Fatalf("unexpected entries %v", entries)
	}
}

func TestNilLoggerIsSafe(t *testing.T) {
	var logger *Logger
	logger.Info("ignored", nil)
	if logger.Enabled(LevelError) {
		t.Fatal("nil logger should not be enabled")
	}
	if logger.With(map[string]string{"a": "b"}) != nil {
		t.Fatal("expected nil logger from With")
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]Level{
		"debug":   LevelDebug,
		"INFO":    LevelInfo,
		"warn":    LevelWarning,
		"warning": LevelWarning,
		" error ": LevelError,
	}
	for raw, want := range tests {
		got, ok := ParseLevel(raw)
		if !ok || got != want {
			t.Fatalf("ParseLevel(%q) = %q, %v; want %q", raw, got, ok, want)
		}
	}
	if _, ok := ParseLevel("verbose"); ok {
		t.Fatal("expected unknown level to fail")
	}
}

func FuzzParseLevel(f *testing.F) {
	for _, seed := range []string{"info", "warn", "warning", "error", "debug", "", "???", "INFO"} {
		f.Add(seed)
	}
	f.Fuzz(func(t *testing.T, raw string) {
		_, _ = ParseLevel(raw)
	})
}
