package config_test

import (
	"os"
	"strings"
	"testing"

	"github.com/cadencevoice/cadenced/internal/config"
)

func TestValidate_MemoryCapNegative(t *testing.T) {
	t.Parallel()
	yaml := `
system:
  port: 8080
character:
  conf_uid: test
  agent:
    llm:
      provider: openai
    memory_cap: -1
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for negative memory_cap, got nil")
	}
	if !strings.Contains(err.Error(), "memory_cap") {
		t.Errorf("error should mention memory_cap, got: %v", err)
	}
}

func TestValidate_FallbacksAreValidated(t *testing.T) {
	t.Parallel()
	yaml := `
system:
  port: 8080
character:
  conf_uid: test
  agent:
    llm:
      provider: openai
      fallbacks: [ollama]
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidate_MultipleErrors(t *testing.T) {
	t.Parallel()
	yaml := `
system:
  port: -1
  log_level: verbose
character:
  agent:
    llm:
      provider: ""
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected errors, got nil")
	}
	errStr := err.Error()
	if !strings.Contains(errStr, "log_level") {
		t.Errorf("error should mention log_level, got: %v", err)
	}
	if !strings.Contains(errStr, "conf_uid") {
		t.Errorf("error should mention conf_uid, got: %v", err)
	}
	if !strings.Contains(errStr, "port") {
		t.Errorf("error should mention port, got: %v", err)
	}
}

func TestValidProviderNames(t *testing.T) {
	t.Parallel()
	if len(config.ValidProviderNames) == 0 {
		t.Fatal("ValidProviderNames should not be empty")
	}
	llmNames := config.ValidProviderNames["llm"]
	if len(llmNames) == 0 {
		t.Fatal("ValidProviderNames[\"llm\"] should not be empty")
	}
	found := false
	for _, n := range llmNames {
		if n == "openai" {
			found = true
			break
		}
	}
	if !found {
		t.Error("ValidProviderNames[\"llm\"] should contain \"openai\"")
	}
}

func TestLoadEnv(t *testing.T) {
	t.Setenv("CLIENT_ID", "web")
	t.Setenv("VALID_CLIENTS", "web, mobile,cli")
	t.Setenv("DOMAIN", "cadenced.example.com")

	env := config.LoadEnv()
	if env.ClientID != "web" {
		t.Errorf("ClientID: got %q, want %q", env.ClientID, "web")
	}
	if len(env.ValidClients) != 3 || env.ValidClients[0] != "web" || env.ValidClients[2] != "cli" {
		t.Errorf("ValidClients: got %v, want [web mobile cli]", env.ValidClients)
	}
	if env.Domain != "cadenced.example.com" {
		t.Errorf("Domain: got %q", env.Domain)
	}
}

func TestLoadEnv_EmptyValidClients(t *testing.T) {
	os.Unsetenv("VALID_CLIENTS")
	env := config.LoadEnv()
	if env.ValidClients != nil {
		t.Errorf("ValidClients: got %v, want nil", env.ValidClients)
	}
}
