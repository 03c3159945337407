package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
app:
  name: dispatcher-test
ledger:
  driver: memory
gateway:
  provider: mock
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.App.Name != "dispatcher-test" {
		t.Fatalf("unexpected app name %q", cfg.App.Name)
	}
	if cfg.Dispatch.MessageDelay != 5*time.Second {
		t.Fatalf("expected default delay of 5s, got %s", cfg.Dispatch.MessageDelay)
	}
	if cfg.Dispatch.Placeholder != "{{nome}}" || cfg.Dispatch.FallbackName != "cliente" {
		t.Fatalf("unexpected personalization defaults %+v", cfg.Dispatch)
	}
	if cfg.Gateway.TextTimeout != 30*time.Second || cfg.Gateway.ImageTimeout != time.Minute {
		t.Fatalf("unexpected gateway timeouts %+v", cfg.Gateway)
	}
	if cfg.Runner.MaxConcurrent != 1 {
		t.Fatalf("expected single runner by default, got %d", cfg.Runner.MaxConcurrent)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	path := writeConfig(t, `
ledger:
  driver: memory
dispatch:
  message_delay: 2s
`)
	t.Setenv("DISPATCH_DISPATCH_MESSAGE_DELAY", "250ms")
	t.Setenv("DISPATCH_GATEWAY_SESSION", "Secundaria")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Dispatch.MessageDelay != 250*time.Millisecond {
		t.Fatalf("expected env override, got %s", cfg.Dispatch.MessageDelay)
	}
	if cfg.Gateway.Session != "Secundaria" {
		t.Fatalf("expected session override, got %q", cfg.Gateway.Session)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	path := writeConfig(t, `
ledger:
  driver: sqlite
dispatch:
  message_delay: -1s
`)

	_, err := Load(path)
	if err == nil {
		t.Fatalf("expected validation error")
	}
	for _, fragment := range []string{"ledger.driver", "dispatch.message_delay"} {
		if !strings.Contains(err.Error(), fragment) {
			t.Errorf("expected error to mention %s, got %v", fragment, err)
		}
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestEnvReplacer(t *testing.T) {
	if got := NewEnvReplacer().Replace("gateway.base-url"); got != "gateway_base_url" {
		t.Fatalf("unexpected replacement %q", got)
	}
}
