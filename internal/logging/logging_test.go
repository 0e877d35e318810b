package logging

import (
	"bytes"
	"log/slog"
	"testing"
)

func TestDiscardDropsEverything(t *testing.T) {
	logger := Discard()
	// Must not panic and must report disabled at every level.
	logger.Info("hello", "key", "value")
	logger.Error("boom")

	for _, lvl := range []slog.Level{slog.LevelDebug, slog.LevelInfo, slog.LevelWarn, slog.LevelError} {
		if logger.Enabled(nil, lvl) {
			t.Errorf("discard logger reports enabled at %v", lvl)
		}
	}
}

func TestDefaultPassesThrough(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	got := Default(logger)
	if got != logger {
		t.Error("Default should return the provided logger unchanged")
	}
	got.Info("ping")
	if buf.Len() == 0 {
		t.Error("expected output from provided logger")
	}
}

func TestDefaultNilGivesDiscard(t *testing.T) {
	logger := Default(nil)
	if logger == nil {
		t.Fatal("Default(nil) returned nil")
	}
	logger.Info("should go nowhere")
}
