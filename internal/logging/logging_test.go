package logging

import (
	"bytes"
	"net/http"
	"strings"
	"testing"
)

func TestNewJSONRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(&buf, "warn", "json")
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}

	logger.Info("hidden")
	logger.Warn("shown")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("info record should be filtered: %s", out)
	}
	if !strings.Contains(out, `"msg":"shown"`) {
		t.Fatalf("expected json warn record, got: %s", out)
	}
}

func TestNewRejectsUnknownFormat(t *testing.T) {
	if _, err := New(&bytes.Buffer{}, "info", "xml"); err == nil {
		t.Fatalf("expected error for unknown format")
	}
}

func TestMaskSecret(t *testing.T) {
	if got := MaskSecret(""); got != "" {
		t.Fatalf("empty secret should stay empty, got %q", got)
	}
	if got := MaskSecret("short"); got != "***" {
		t.Fatalf("short secret should be fully masked, got %q", got)
	}
	if got := MaskSecret("abcdefghijkl"); got != "ab***kl" {
		t.Fatalf("unexpected mask: %q", got)
	}
}

func TestSafeHeadersMasksSensitiveKeys(t *testing.T) {
	h := http.Header{}
	h.Set("X-Api-Access-Key", "super-secret")
	h.Set("X-Api-App-Key", "app-secret")
	h.Set("X-Api-Request-Id", "req-1")

	safe := SafeHeaders(h, "x-api-access-key", "X-Api-App-Key")

	if safe["X-Api-Access-Key"] != "***" || safe["X-Api-App-Key"] != "***" {
		t.Fatalf("credentials leaked: %v", safe)
	}
	if safe["X-Api-Request-Id"] != "req-1" {
		t.Fatalf("non-sensitive header changed: %v", safe)
	}
	if h.Get("X-Api-Access-Key") != "super-secret" {
		t.Fatalf("original headers must not be modified")
	}
}
