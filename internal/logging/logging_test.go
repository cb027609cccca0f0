package logging

import (
	"bytes"
	"strings"
	"testing"
)

func TestNewWithWriterLevels(t *testing.T) {
	cases := []struct {
		level     string
		debugSeen bool
	}{
		{"debug", true},
		{"info", false},
		{"", false},
		{"verbose", false},
	}
	for _, tc := range cases {
		var out bytes.Buffer
		logger := NewWithWriter(&out, tc.level, "json")
		logger.Debug().Msg("debug line")
		if got := strings.Contains(out.String(), "debug line"); got != tc.debugSeen {
			t.Fatalf("level %q: expected debug seen=%v, got %v", tc.level, tc.debugSeen, got)
		}
	}
}

func TestNewWithWriterJSONFields(t *testing.T) {
	var out bytes.Buffer
	logger := NewWithWriter(&out, "info", "json")
	logger.Info().Msg("hello")
	line := out.String()
	if !strings.Contains(line, `"service":"token-service"`) || !strings.Contains(line, `"message":"hello"`) {
		t.Fatalf("unexpected log line %s", line)
	}
}

func TestNewWithWriterConsole(t *testing.T) {
	var out bytes.Buffer
	logger := NewWithWriter(&out, "info", "console")
	logger.Info().Msg("hello")
	if strings.HasPrefix(out.String(), "{") {
		t.Fatalf("expected console output, got %s", out.String())
	}
}
