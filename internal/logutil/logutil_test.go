package logutil

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestTraceLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, LevelTrace)
	prev := slog.Default()
	slog.SetDefault(logger)
	t.Cleanup(func() { slog.SetDefault(prev) })

	if !Enabled(LevelTrace) {
		t.Fatal("trace should be enabled")
	}
	Trace("lowered kernel", "name", "add")
	out := buf.String()
	if !strings.Contains(out, "level=TRACE") {
		t.Errorf("missing TRACE level in %q", out)
	}
	if !strings.Contains(out, "source=logutil_test.go:") {
		t.Errorf("source should be the caller's base name, got %q", out)
	}
	if !strings.Contains(out, "name=add") {
		t.Errorf("missing attribute in %q", out)
	}
}

func TestTraceDisabled(t *testing.T) {
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(NewLogger(&buf, slog.LevelInfo))
	t.Cleanup(func() { slog.SetDefault(prev) })

	if Enabled(slog.LevelDebug) {
		t.Error("debug should be disabled at info")
	}
	Trace("hidden")
	if buf.Len() != 0 {
		t.Errorf("expected no output, got %q", buf.String())
	}
}
