package logging_test

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"texbridge/internal/logging"
)

func TestNewJSONLoggerEmitsStructuredFields(t *testing.T) {
	var buf bytes.Buffer
	logger, err := logging.New(logging.Options{Level: "info", Format: "json", Writer: &buf, SessionID: "abc"})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}

	logger.Info("frame delivered", logging.String(logging.FieldComponent, "handoff"), logging.Uint64(logging.FieldFrameSeq, 7))

	var entry map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry); err != nil {
		t.Fatalf("decode json log: %v (%s)", err, buf.String())
	}
	if entry["msg"] != "frame delivered" {
		t.Fatalf("unexpected msg %v", entry["msg"])
	}
	if entry["level"] != "info" {
		t.Fatalf("unexpected level %v", entry["level"])
	}
	if entry[logging.FieldComponent] != "handoff" {
		t.Fatalf("missing component: %v", entry)
	}
	if entry[logging.FieldSessionID] != "abc" {
		t.Fatalf("missing session id: %v", entry)
	}
	if _, ok := entry["ts"]; !ok {
		t.Fatalf("expected ts key: %v", entry)
	}
}

func TestNewConsoleLoggerFormatsSingleLine(t *testing.T) {
	var buf bytes.Buffer
	logger, err := logging.New(logging.Options{Level: "info", Format: "console", Writer: &buf})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}

	logger = logging.NewComponentLogger(logger, "fdpass")
	logger.Warn("descriptor send failed",
		logging.Uint64(logging.FieldFrameSeq, 42),
		logging.String(logging.FieldEndpoint, "/run/texbridge-5555/0.sock"),
		logging.String(logging.FieldImpact, "frame lost"),
	)
	logger.Debug("hidden")

	out := buf.String()
	if strings.Count(out, "\n") != 1 {
		t.Fatalf("expected exactly one line, got %q", out)
	}
	for _, want := range []string{"WARN", "[fdpass]", "frame #42", "– descriptor send failed", "endpoint=/run/texbridge-5555/0.sock", `impact="frame lost"`} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in %q", want, out)
		}
	}
	if strings.Contains(out, "component=") {
		t.Fatalf("component should be rendered as a prefix: %q", out)
	}
}

func TestConsoleLoggerRecordAttrsOverrideLoggerAttrs(t *testing.T) {
	var buf bytes.Buffer
	logger, err := logging.New(logging.Options{Level: "info", Writer: &buf})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	logger.With(logging.String(logging.FieldChannel, "descriptor")).Info("switch", logging.String(logging.FieldChannel, "metadata"))

	out := buf.String()
	if strings.Count(out, "channel=") != 1 || !strings.Contains(out, "channel=metadata") {
		t.Fatalf("expected a single overriding channel attr, got %q", out)
	}
}

func TestNewRejectsUnknownFormat(t *testing.T) {
	if _, err := logging.New(logging.Options{Format: "xml", Writer: &bytes.Buffer{}}); err == nil {
		t.Fatal("expected error for unknown format")
	}
}

func TestWarnWithContextInjectsDefaults(t *testing.T) {
	var buf bytes.Buffer
	logger, err := logging.New(logging.Options{Format: "json", Writer: &buf})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}

	logging.WarnWithContext(logger, "metadata send failed", "metadata_send_failed", logging.Error(errors.New("boom")))

	var entry map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry); err != nil {
		t.Fatalf("decode json log: %v", err)
	}
	if entry[logging.FieldEventType] != "metadata_send_failed" {
		t.Fatalf("unexpected event_type %v", entry[logging.FieldEventType])
	}
	if entry[logging.FieldImpact] != "frame lost" {
		t.Fatalf("unexpected impact %v", entry[logging.FieldImpact])
	}
	if entry[logging.FieldErrorHint] == nil {
		t.Fatalf("expected error_hint: %v", entry)
	}
	if entry["error"] != "boom" {
		t.Fatalf("unexpected error attr %v", entry["error"])
	}
}

func TestNopLoggerDiscards(t *testing.T) {
	logger := logging.NewNop()
	if logger.Enabled(t.Context(), 12) {
		t.Fatal("nop logger should not be enabled")
	}
	logging.WarnWithContext(nil, "ignored", "ignored")
}
