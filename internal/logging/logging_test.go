package logging

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestParseMode(t *testing.T) {
	t.Parallel()

	cases := []struct {
		input   string
		want    Mode
		wantErr bool
	}{
		{input: "", want: ModeAuto},
		{input: "auto", want: ModeAuto},
		{input: "text", want: ModeText},
		{input: "JSON", want: ModeJSON},
		{input: " json ", want: ModeJSON},
		{input: "yaml", wantErr: true},
	}

	for _, tc := range cases {
		got, err := ParseMode(tc.input)
		if tc.wantErr {
			if err == nil {
				t.Errorf("ParseMode(%q) expected error, got none", tc.input)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseMode(%q) returned error: %v", tc.input, err)
			continue
		}
		if got != tc.want {
			t.Errorf("ParseMode(%q) = %v, want %v", tc.input, got, tc.want)
		}
	}
}

func TestTextHandlerFormatsRecord(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger := NewText(&buf, slog.LevelInfo)

	logger.Info("cache restored", "key", "linux-ilo-prism-db-main-202401", "bytes", int64(42))

	line := buf.String()
	if !strings.HasPrefix(line, "INFO ") {
		t.Fatalf("line %q does not start with level label", line)
	}
	if !strings.Contains(line, "| cache restored") {
		t.Errorf("line %q missing message", line)
	}
	if !strings.Contains(line, "key=linux-ilo-prism-db-main-202401") {
		t.Errorf("line %q missing key attr", line)
	}
	if !strings.Contains(line, "bytes=42") {
		t.Errorf("line %q missing bytes attr", line)
	}
	if !strings.HasSuffix(line, "\n") {
		t.Errorf("line %q not newline terminated", line)
	}
}

func TestTextHandlerQuotesValuesWithSpaces(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger := NewText(&buf, slog.LevelInfo)

	logger.Info("step failed", "error", "exit status 1")

	if !strings.Contains(buf.String(), `error="exit status 1"`) {
		t.Fatalf("line %q missing quoted attr", buf.String())
	}
}

func TestTextHandlerAppliesGroupsAndAttrs(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger := NewText(&buf, slog.LevelDebug).With("run", "abc").WithGroup("image")

	logger.Debug("tagged", "tag", "latest")

	line := buf.String()
	if !strings.Contains(line, "run=abc") {
		t.Errorf("line %q missing inherited attr", line)
	}
	if !strings.Contains(line, "image.tag=latest") {
		t.Errorf("line %q missing grouped attr", line)
	}
}

func TestTextHandlerHonorsLevel(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger := NewText(&buf, slog.LevelWarn)

	logger.Info("ignored")
	logger.Warn("kept")

	if strings.Contains(buf.String(), "ignored") {
		t.Errorf("info record emitted despite warn threshold: %q", buf.String())
	}
	if !strings.Contains(buf.String(), "kept") {
		t.Errorf("warn record missing: %q", buf.String())
	}
}

func TestAutoModeFallsBackToJSONForBuffers(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger := New(ModeAuto, &buf, nil)

	logger.Info("hello")

	if !strings.HasPrefix(strings.TrimSpace(buf.String()), "{") {
		t.Fatalf("expected JSON output for non-terminal writer, got %q", buf.String())
	}
}

func TestEnsure(t *testing.T) {
	t.Parallel()

	if Ensure(nil) == nil {
		t.Fatal("Ensure(nil) returned nil")
	}

	logger := NewJSON(&bytes.Buffer{}, nil)
	if Ensure(logger) != logger {
		t.Fatal("Ensure did not return the provided logger")
	}
}
