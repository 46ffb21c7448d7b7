package logger

import (
	"bytes"
	"encoding/json"
	"testing"
)

func TestLevelAndFormat(t *testing.T) {
	var buf bytes.Buffer
	log := newWithWriter("WARN", "json", &buf)

	log.Info().Msg("hidden")
	log.Warn().Str("plate", "51A12345").Msg("shown")

	var entry map[string]interface{}
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry); err != nil {
		t.Fatalf("expected exactly one JSON line, got %q: %v", buf.String(), err)
	}
	if entry["message"] != "shown" || entry["plate"] != "51A12345" || entry["service"] != "parking-service" {
		t.Fatalf("entry = %v", entry)
	}
}

func TestUnknownLevelFallsBackToInfo(t *testing.T) {
	var buf bytes.Buffer
	log := newWithWriter("verbose", "json", &buf)

	log.Debug().Msg("debug")
	if buf.Len() != 0 {
		t.Fatalf("debug line written at default level: %q", buf.String())
	}
	log.Info().Msg("info")
	if buf.Len() == 0 {
		t.Fatal("info line missing")
	}
}
