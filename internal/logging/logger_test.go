package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestLoggerWritesJSONWithInheritedFields(t *testing.T) {
	var buf bytes.Buffer
	root := New(LevelInfo, &buf)
	child := root.With(Fields{"component": "ethif"})

	child.Debug("hidden", nil)
	child.Warn("transmit failed", Fields{"interface": "e0", "error": errors.New("boom")})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected 1 line, got %d: %q", len(lines), buf.String())
	}
	var payload map[string]interface{}
	if err := json.Unmarshal([]byte(lines[0]), &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload["component"] != "ethif" || payload["interface"] != "e0" {
		t.Fatalf("missing fields: %v", payload)
	}
	if payload["error"] != "boom" {
		t.Fatalf("errors should be rendered as strings, got %v", payload["error"])
	}
	if payload["level"] != "warn" {
		t.Fatalf("unexpected level %v", payload["level"])
	}
}

func TestSetLevelAppliesToChildren(t *testing.T) {
	var buf bytes.Buffer
	root := New(LevelError, &buf)
	child := root.With(Fields{"a": 1})
	child.Info("first", nil)
	root.SetLevel(LevelDebug)
	child.Info("second", nil)
	if strings.Contains(buf.String(), "first") || !strings.Contains(buf.String(), "second") {
		t.Fatalf("level change not shared: %q", buf.String())
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]Level{"debug": LevelDebug, " WARNING ": LevelWarn, "error": LevelError, "": LevelInfo}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestThrottleSuppressesBursts(t *testing.T) {
	var buf bytes.Buffer
	throttle := NewThrottle(New(LevelInfo, &buf), 0.001, 2)
	for i := 0; i < 5; i++ {
		throttle.Warn("driver receive failed", nil)
	}
	if got := strings.Count(buf.String(), "driver receive failed"); got != 2 {
		t.Fatalf("expected 2 lines through the throttle, got %d", got)
	}
	if throttle.Suppressed() != 3 {
		t.Fatalf("expected 3 suppressed lines, got %d", throttle.Suppressed())
	}
}
