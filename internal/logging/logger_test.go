package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{"warn", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"info", zerolog.InfoLevel},
		{"", zerolog.InfoLevel},
		{"verbose", zerolog.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := ParseLevel(tt.in); got != tt.want {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestEnvOrDefault(t *testing.T) {
	t.Setenv("WEBPEASY_TEST_VALUE", "")
	if got := EnvOrDefault("WEBPEASY_TEST_VALUE", "fallback"); got != "fallback" {
		t.Errorf("expected fallback, got %q", got)
	}

	t.Setenv("WEBPEASY_TEST_VALUE", "set")
	if got := EnvOrDefault("WEBPEASY_TEST_VALUE", "fallback"); got != "set" {
		t.Errorf("expected set, got %q", got)
	}
}

func TestStartupLoggerLog(t *testing.T) {
	var buf bytes.Buffer
	old := log.Logger
	log.Logger = zerolog.New(&buf)
	t.Cleanup(func() { log.Logger = old })

	NewStartupLogger("webpeasy").
		Encoder("simple", "libwebp", true).
		Store("options", "file").
		Store("options", "redis").
		Path("uploads", "/srv/uploads").
		Feature("rewrite", true).
		Secret("session", false).
		Log()

	var evt map[string]any
	if err := json.Unmarshal(buf.Bytes(), &evt); err != nil {
		t.Fatalf("startup event is not JSON: %v\n%s", err, buf.String())
	}
	if evt["message"] != "Startup complete" {
		t.Errorf("message = %v", evt["message"])
	}
	enc := evt["encoder"].(map[string]any)
	if enc["library"] != "simple" || enc["webp"] != true {
		t.Errorf("encoder = %v", enc)
	}
	if stores := evt["stores"].(map[string]any); stores["options"] != "redis" || len(stores) != 1 {
		t.Errorf("stores = %v, later Store call should replace the earlier one", stores)
	}
	if evt["features"].(map[string]any)["rewrite"] != true {
		t.Errorf("features = %v", evt["features"])
	}
	if evt["secrets"].(map[string]any)["session"] != false {
		t.Errorf("secrets = %v", evt["secrets"])
	}
	if _, ok := evt["config"]; ok {
		t.Error("empty config section should be omitted")
	}
	if evt["process"].(map[string]any)["name"] != "webpeasy" {
		t.Errorf("process = %v", evt["process"])
	}
}
