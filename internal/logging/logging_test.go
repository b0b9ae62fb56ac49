package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLogLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"DEBUG":   slog.LevelDebug,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for in, want := range tests {
		if got := (Config{Level: in}).LogLevel(); got != want {
			t.Errorf("LogLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestNew_JSONToWriter(t *testing.T) {
	var buf bytes.Buffer
	logger, closer := New(Config{Level: "info", Format: "json"}, &buf)
	defer closer.Close()

	logger.Debug("hidden")
	logger.Info("sync finished", "pushed", 3)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected 1 line, got %d: %q", len(lines), buf.String())
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("not JSON: %v", err)
	}
	if entry["msg"] != "sync finished" || entry["pushed"] != float64(3) {
		t.Errorf("unexpected entry: %v", entry)
	}
}

func TestNew_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fieldsync.log")
	var stderr bytes.Buffer
	logger, closer := New(Config{File: path, MaxSizeMB: 1}, &stderr)

	logger.Info("written to file")
	if err := closer.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if !strings.Contains(string(data), "written to file") {
		t.Errorf("log file missing entry: %q", data)
	}
	if stderr.Len() != 0 {
		t.Errorf("stderr should be unused when a file is set")
	}
}
