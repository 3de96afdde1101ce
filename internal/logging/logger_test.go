package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"zephirus-bridge/internal/config"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"":      slog.LevelInfo,
		"debug": slog.LevelDebug,
		"info":  slog.LevelInfo,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
	}
	for in, want := range cases {
		got, err := ParseLevel(in)
		if err != nil {
			t.Fatalf("ParseLevel(%q) error: %v", in, err)
		}
		if got != want {
			t.Fatalf("ParseLevel(%q)=%v want %v", in, got, want)
		}
	}
	if _, err := ParseLevel("verbose"); err == nil {
		t.Fatalf("expected error for unknown level")
	}
}

func TestNew_TextMirrorsToExtraWriters(t *testing.T) {
	var buf bytes.Buffer
	logger, closeFn, err := New(config.LogConfig{Level: "info", Format: "text"}, "test", &buf)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	defer closeFn()

	logger.Debug("hidden")
	logger.With("component", "link").Info("serial connected", "device", "/dev/ttyUSB0")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("debug record leaked at info level: %q", out)
	}
	if !strings.Contains(out, "serial connected") || !strings.Contains(out, "component=link") || !strings.Contains(out, "device=/dev/ttyUSB0") {
		t.Fatalf("out=%q", out)
	}
	if strings.Contains(out, "\x1b[") {
		t.Fatalf("color codes in mirrored output: %q", out)
	}
}

func TestNew_JSONWithFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bridge.log")
	cfg := config.LogConfig{
		Level:  "debug",
		Format: "json",
		File:   config.LogFileConfig{Path: path, MaxSizeMB: 1, MaxBackups: 1, MaxAgeDays: 1},
	}
	logger, closeFn, err := New(cfg, "1.2.3")
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	logger.Debug("frame rejected", "reason", "FIELD_PARSE_ERROR")
	if err := closeFn(); err != nil {
		t.Fatalf("close: %v", err)
	}

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	var rec map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(b), &rec); err != nil {
		t.Fatalf("log line not json: %v (%q)", err, b)
	}
	if rec["msg"] != "frame rejected" || rec["reason"] != "FIELD_PARSE_ERROR" || rec["version"] != "1.2.3" {
		t.Fatalf("record=%v", rec)
	}
}

func TestNew_RejectsBadLevel(t *testing.T) {
	if _, _, err := New(config.LogConfig{Level: "loud"}, "test"); err == nil {
		t.Fatalf("expected error")
	}
}

func TestIsTerminal_DevNullAndPipe(t *testing.T) {
	null, err := os.OpenFile(os.DevNull, os.O_WRONLY, 0)
	if err != nil {
		t.Fatalf("open %s: %v", os.DevNull, err)
	}
	defer null.Close()
	if isTerminal(null) {
		t.Fatalf("isTerminal(%s)=true want false", os.DevNull)
	}

	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("pipe: %v", err)
	}
	defer r.Close()
	defer w.Close()
	if isTerminal(w) {
		t.Fatalf("isTerminal(pipe)=true want false")
	}
}
