package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
)

func TestForAddsComponentField(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	root := New(&buf, zerolog.InfoLevel)
	log := For(root, "supervisor")
	log.Info().Msg("hello")

	var decoded map[string]any
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("unexpected error decoding log line: %v", err)
	}
	if decoded["component"] != "supervisor" {
		t.Fatalf("received: %v but expected: %v", decoded["component"], "supervisor")
	}
}

func TestForChannelAddsChannelField(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	root := New(&buf, zerolog.InfoLevel)
	log := ForChannel(root, "channel_worker", "alpha")
	log.Info().Msg("hello")

	var decoded map[string]any
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("unexpected error decoding log line: %v", err)
	}
	if decoded["channel"] != "alpha" {
		t.Fatalf("received: %v but expected: %v", decoded["channel"], "alpha")
	}
}

func TestParseLevelRoundTrips(t *testing.T) {
	t.Parallel()
	lvl, err := ParseLevel("debug")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if lvl != zerolog.DebugLevel {
		t.Fatalf("received: %v but expected: %v", lvl, zerolog.DebugLevel)
	}
}

func TestParseLevelRejectsUnknown(t *testing.T) {
	t.Parallel()
	if _, err := ParseLevel("not-a-level"); err == nil {
		t.Fatal("expected an error for an unknown level name")
	}
}
