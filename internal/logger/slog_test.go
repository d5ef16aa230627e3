package logger

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug": slog.LevelDebug, "INFO": slog.LevelInfo, " warn ": slog.LevelWarn,
		"warning": slog.LevelWarn, "error": slog.LevelError, "bogus": slog.LevelInfo, "": slog.LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestNewSlogger_JSONWithoutTime(t *testing.T) {
	var buf bytes.Buffer
	l, c := Config{Slog: SlogConfig{Format: "json", Level: "debug"}}.NewSlogger(&buf)
	defer func() { _ = c.Close() }()
	l.Debug("hello", "runner", "db")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("not json: %v (%s)", err, buf.String())
	}
	if rec["msg"] != "hello" || rec["runner"] != "db" {
		t.Fatalf("unexpected record: %v", rec)
	}
	if _, ok := rec["time"]; ok {
		t.Fatalf("time should be omitted: %v", rec)
	}
}

func TestNewSlogger_LevelFilter(t *testing.T) {
	var buf bytes.Buffer
	l, _ := Config{Slog: SlogConfig{Level: "warn"}}.NewSlogger(&buf)
	l.Info("quiet")
	l.Warn("loud")
	if strings.Contains(buf.String(), "quiet") || !strings.Contains(buf.String(), "loud") {
		t.Fatalf("level filter not applied: %q", buf.String())
	}
}

func TestNewSlogger_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ensemble.log")
	var buf bytes.Buffer
	l, c := Config{Slog: SlogConfig{File: path}}.NewSlogger(&buf)
	l.Info("to both")
	if err := c.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(b), "to both") || !strings.Contains(buf.String(), "to both") {
		t.Fatalf("message missing: file=%q buf=%q", b, buf.String())
	}
}

func TestColorTextHandler(t *testing.T) {
	var buf bytes.Buffer
	h := NewColorTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}, false)
	l := slog.New(h).With("runner", "api").WithGroup("proc")
	l.Error("crashed", "pid", 42)

	out := buf.String()
	if !strings.Contains(out, levelColors[slog.LevelError]+"ERROR"+colorReset) {
		t.Fatalf("missing colored level: %q", out)
	}
	if !strings.Contains(out, "runner=api") || !strings.Contains(out, "proc.pid=42") {
		t.Fatalf("attrs or group lost: %q", out)
	}
	if strings.Contains(out, "time=") || strings.Contains(out, "level=") {
		t.Fatalf("time/level should be stripped: %q", out)
	}
}
