package logx

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func decodeLines(t *testing.T, b []byte) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range bytes.Split(bytes.TrimSpace(b), []byte("\n")) {
		if len(line) == 0 {
			continue
		}
		var m map[string]any
		if err := json.Unmarshal(line, &m); err != nil {
			t.Fatalf("decode %q: %v", line, err)
		}
		out = append(out, m)
	}
	return out
}

func TestWriterFieldsAndCaller(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "debug").Component("delivery").With(String("corr_id", "c-1"))
	log.Info("attempt",
		String("rcpt", "a@example.com"),
		Int("attempt", 2),
		Bool("batch", false),
		Duration("backoff", 2*time.Second),
		Strings("changed", []string{"ledger"}),
		Err(errors.New("550 mailbox unavailable")),
		Err(nil),
	)

	lines := decodeLines(t, buf.Bytes())
	if len(lines) != 1 {
		t.Fatalf("lines = %d", len(lines))
	}
	got := lines[0]
	for k, want := range map[string]any{
		"comp":    "delivery",
		"corr_id": "c-1",
		"rcpt":    "a@example.com",
		"attempt": float64(2),
		"message": "attempt",
		"level":   "info",
	} {
		if got[k] != want {
			t.Fatalf("%s = %v, want %v", k, got[k], want)
		}
	}
	// The error key follows zerolog.ErrorFieldName, which New rewrites.
	if got["err"] != "550 mailbox unavailable" && got["error"] != "550 mailbox unavailable" {
		t.Fatalf("error field missing: %v", got)
	}
	caller, _ := got["caller"].(string)
	if !strings.HasPrefix(caller, "logging_test.go:") {
		t.Fatalf("caller = %q", caller)
	}
}

func TestWriterLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "warn")
	log.Debug("dropped")
	log.Info("dropped")
	log.Warn("kept")
	if lines := decodeLines(t, buf.Bytes()); len(lines) != 1 || lines[0]["message"] != "kept" {
		t.Fatalf("lines = %v", lines)
	}
	if log.Enabled(LevelInfo) || !log.Enabled(LevelError) {
		t.Fatalf("Enabled mismatch")
	}
}

func TestZeroAndNop(t *testing.T) {
	var zero Logger
	if !zero.IsZero() {
		t.Fatalf("zero logger should report IsZero")
	}
	zero.Info("no panic")
	if Nop().IsZero() {
		t.Fatalf("Nop should not be zero")
	}
	Nop().Error("discarded", Err(errors.New("x")))
}

func TestValidLevel(t *testing.T) {
	for _, tt := range []struct {
		in   string
		want bool
	}{
		{"", true},
		{"debug", true},
		{" WARNING ", true},
		{"error", true},
		{"fatal", false},
		{"loud", false},
	} {
		if got := ValidLevel(tt.in); got != tt.want {
			t.Fatalf("ValidLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestServiceFileSinkAndApply(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chaser.log")
	svc, log := New(Config{Level: "info", File: FileConfig{Enabled: true, Path: path}, Console: false})
	defer func() { _ = svc.Close() }()

	log.Debug("hidden")
	log.Info("visible", String("run_id", "r-1"))

	// A logger derived before Apply follows the new level.
	derived := log.Component("engine")
	svc.Apply(Config{Level: "debug", File: FileConfig{Enabled: true, Path: path}})
	derived.Debug("now visible")

	if err := svc.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	lines := decodeLines(t, b)
	if len(lines) != 2 {
		t.Fatalf("lines = %v", lines)
	}
	if lines[0]["run_id"] != "r-1" || lines[1]["comp"] != "engine" {
		t.Fatalf("lines = %v", lines)
	}
}
