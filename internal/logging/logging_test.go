package logging

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"quiz-room-service/internal/config"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		" WARN ":  slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Fatalf("ParseLevel(%q) = %s, want %s", in, got, want)
		}
	}
}

func TestFileLogging(t *testing.T) {
	defer slog.SetDefault(slog.Default())
	dir := t.TempDir()
	var stdout bytes.Buffer
	logger, err := newWithStdout(config.LogConfig{
		Level: "debug", Dir: dir, MaxSizeMB: 1, MaxBackups: 1, MaxAgeDays: 1,
	}, &stdout)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	logger.Debug("room hosted", "room", "r1")

	data, err := os.ReadFile(filepath.Join(dir, logFileName))
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(data), "room hosted") {
		t.Fatalf("expected the record in the file, got %q", data)
	}
	if !strings.Contains(stdout.String(), "room hosted") {
		t.Fatalf("expected the record on stdout too")
	}
}

func TestInvalidRotation(t *testing.T) {
	if _, err := newWithStdout(config.LogConfig{Dir: t.TempDir()}, &bytes.Buffer{}); err == nil {
		t.Fatalf("expected rotation limits to be required")
	}
}
