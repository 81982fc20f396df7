package logging

import (
	"bytes"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func TestSetup_JSON(t *testing.T) {
	var buf bytes.Buffer
	if err := Setup(&buf, "info", false); err != nil {
		t.Fatalf("Setup: %v", err)
	}
	t.Cleanup(func() { zerolog.SetGlobalLevel(zerolog.InfoLevel) })

	log.Debug().Msg("hidden")
	log.Info().Str("user", "42").Msg("visible")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("debug line logged at info level: %s", out)
	}
	if !strings.Contains(out, `"user":"42"`) || !strings.Contains(out, `"message":"visible"`) {
		t.Errorf("output = %q, want JSON fields", out)
	}
}

func TestSetup_Pretty(t *testing.T) {
	var buf bytes.Buffer
	if err := Setup(&buf, "debug", true); err != nil {
		t.Fatalf("Setup: %v", err)
	}
	t.Cleanup(func() { zerolog.SetGlobalLevel(zerolog.InfoLevel) })

	log.Debug().Msg("console line")
	out := buf.String()
	if !strings.Contains(out, "console line") {
		t.Errorf("output = %q, want console line", out)
	}
	if strings.HasPrefix(strings.TrimSpace(out), "{") {
		t.Errorf("pretty output should not be JSON: %q", out)
	}
}

func TestSetup_BadLevel(t *testing.T) {
	err := Setup(&bytes.Buffer{}, "loud", false)
	if err == nil {
		t.Fatal("expected error for unknown level")
	}
	if !strings.Contains(err.Error(), "logging: parse level") {
		t.Errorf("error = %q", err.Error())
	}
}
