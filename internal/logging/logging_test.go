package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"debug", slog.LevelDebug, false},
		{"INFO", slog.LevelInfo, false},
		{"", slog.LevelInfo, false},
		{"warning", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"verbose", slog.LevelInfo, true},
	}

	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseLevel(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
		if got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestNewFansOut(t *testing.T) {
	var console, file bytes.Buffer
	logger, err := New(Config{Level: "info", Console: &console, File: &file})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	logger.Debug("hidden")
	logger.Info("repair found", "pc", 7, "acc", 8)

	for name, buf := range map[string]*bytes.Buffer{"console": &console, "file": &file} {
		lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
		if len(lines) != 1 {
			t.Fatalf("%s: got %d lines, want 1: %q", name, len(lines), buf.String())
		}
		var rec map[string]any
		if err := json.Unmarshal([]byte(lines[0]), &rec); err != nil {
			t.Fatalf("%s: not JSON: %v", name, err)
		}
		if rec["msg"] != "repair found" || rec["pc"] != float64(7) {
			t.Errorf("%s: unexpected record %v", name, rec)
		}
	}
}

func TestNewRejectsBadLevel(t *testing.T) {
	if _, err := New(Config{Level: "loud"}); err == nil {
		t.Error("New accepted an unknown level")
	}
}

func TestDiscard(t *testing.T) {
	if OrDiscard(nil) == nil {
		t.Fatal("OrDiscard(nil) returned nil")
	}
	if Discard().Enabled(context.Background(), slog.LevelError) {
		t.Error("Discard logger reports error level enabled")
	}
}
