package config_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/cadencevoice/cadenced/internal/config"
	"github.com/cadencevoice/cadenced/pkg/provider/embeddings"
	"github.com/cadencevoice/cadenced/pkg/provider/llm"
	"github.com/cadencevoice/cadenced/pkg/provider/stt"
	"github.com/cadencevoice/cadenced/pkg/provider/tts"
	"github.com/cadencevoice/cadenced/pkg/provider/vad"
	"github.com/cadencevoice/cadenced/pkg/types"
)

// ── helpers ──────────────────────────────────────────────────────────────────

const sampleYAML = `
system:
  host: "0.0.0.0"
  port: 8080
  enable_proxy: false
  enable_history: true
  log_level: info
  tool_prompts:
    time: "You may call get_time for the current time."
  media_server:
    base_url: "https://media.internal"

character:
  conf_uid: default
  live2d_model: shizuku
  persona_prompt: "An ancient wizard who speaks in riddles."
  human_name: traveler
  asr:
    provider: whisper
  tts:
    provider: elevenlabs
    api_key: el-test
  vad:
    provider: silero
  agent:
    llm:
      provider: openai
      api_key: sk-test
      model: gpt-4o
      fallbacks: [ollama]
    memory_cap: 6
    interrupt_marker_role: system
  tts_preprocessor:
    remove_special_chars: true
    remove_brackets: true
    remove_parentheses: true
    remove_asterisks: true
    remove_angle_brackets: true
    translate_hyphens_to_pause: true
  mcp:
    servers:
      - name: tools
        transport: stdio
        command: /usr/local/bin/mcp-tools
      - name: web
        transport: streamable-http
        url: https://tools.example.com/mcp

config_alts_dir: ./configs/alts
`

// ── YAML loading ──────────────────────────────────────────────────────────────

func TestLoadFromReader_Valid(t *testing.T) {
	cfg, err := config.LoadFromReader(strings.NewReader(sampleYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.System.Port != 8080 {
		t.Errorf("system.port: got %d, want 8080", cfg.System.Port)
	}
	if cfg.System.LogLevel != config.LogLevelInfo {
		t.Errorf("system.log_level: got %q, want %q", cfg.System.LogLevel, config.LogLevelInfo)
	}
	if cfg.Character.ConfUID != "default" {
		t.Errorf("character.conf_uid: got %q, want %q", cfg.Character.ConfUID, "default")
	}
	if cfg.Character.Agent.LLM.Provider != "openai" {
		t.Errorf("character.agent.llm.provider: got %q, want %q", cfg.Character.Agent.LLM.Provider, "openai")
	}
	if len(cfg.Character.Agent.LLM.Fallbacks) != 1 || cfg.Character.Agent.LLM.Fallbacks[0] != "ollama" {
		t.Errorf("character.agent.llm.fallbacks: got %v, want [ollama]", cfg.Character.Agent.LLM.Fallbacks)
	}
	if cfg.Character.Agent.MemoryCap != 6 {
		t.Errorf("character.agent.memory_cap: got %d, want 6", cfg.Character.Agent.MemoryCap)
	}
	if len(cfg.Character.MCP.Servers) != 2 {
		t.Fatalf("character.mcp.servers: got %d, want 2", len(cfg.Character.MCP.Servers))
	}
	if cfg.ConfigAltsDir != "./configs/alts" {
		t.Errorf("config_alts_dir: got %q", cfg.ConfigAltsDir)
	}
}

func TestLoadFromReader_EmptyFailsRequiredFields(t *testing.T) {
	_, err := config.LoadFromReader(strings.NewReader("{}"))
	if err == nil {
		t.Fatal("expected error for empty config (conf_uid/llm.provider/port required)")
	}
}

// ── Validation ────────────────────────────────────────────────────────────────

func minimalValidYAML(extra string) string {
	base := `
system:
  port: 8080
character:
  conf_uid: test
  agent:
    llm:
      provider: openai
`
	return base + extra
}

func TestValidate_InvalidLogLevel(t *testing.T) {
	yaml := `
system:
  port: 8080
  log_level: verbose
character:
  conf_uid: test
  agent:
    llm:
      provider: openai
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for invalid log_level, got nil")
	}
	if !strings.Contains(err.Error(), "log_level") {
		t.Errorf("error should mention log_level, got: %v", err)
	}
}

func TestValidate_MissingConfUID(t *testing.T) {
	yaml := `
system:
  port: 8080
character:
  agent:
    llm:
      provider: openai
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for missing conf_uid, got nil")
	}
	if !strings.Contains(err.Error(), "conf_uid") {
		t.Errorf("error should mention conf_uid, got: %v", err)
	}
}

func TestValidate_MissingLLMProvider(t *testing.T) {
	yaml := `
system:
  port: 8080
character:
  conf_uid: test
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for missing llm provider, got nil")
	}
	if !strings.Contains(err.Error(), "llm.provider") {
		t.Errorf("error should mention llm.provider, got: %v", err)
	}
}

func TestValidate_InvalidPort(t *testing.T) {
	yaml := `
system:
  port: 0
character:
  conf_uid: test
  agent:
    llm:
      provider: openai
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for invalid port, got nil")
	}
}

func TestValidate_MCPMissingCommand(t *testing.T) {
	yaml := minimalValidYAML(`
  mcp:
    servers:
      - name: badserver
        transport: stdio
`)
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for missing stdio command, got nil")
	}
}

func TestValidate_MCPMissingURL(t *testing.T) {
	yaml := minimalValidYAML(`
  mcp:
    servers:
      - name: webserver
        transport: streamable-http
`)
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for missing streamable-http url, got nil")
	}
}

func TestValidate_MCPInvalidTransport(t *testing.T) {
	yaml := minimalValidYAML(`
  mcp:
    servers:
      - name: badtransport
        transport: grpc
        command: /bin/server
`)
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for invalid transport, got nil")
	}
}

// ── Registry ─────────────────────────────────────────────────────────────────

func TestRegistry_UnknownLLM(t *testing.T) {
	reg := config.NewRegistry()
	_, err := reg.CreateLLM(config.ProviderEntry{Provider: "nonexistent"})
	if err == nil {
		t.Fatal("expected error for unknown LLM provider")
	}
	if !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("expected ErrProviderNotRegistered, got: %v", err)
	}
}

func TestRegistry_UnknownASR(t *testing.T) {
	reg := config.NewRegistry()
	_, err := reg.CreateASR(config.ProviderEntry{Provider: "nonexistent"})
	if !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("expected ErrProviderNotRegistered, got: %v", err)
	}
}

func TestRegistry_UnknownTTS(t *testing.T) {
	reg := config.NewRegistry()
	_, err := reg.CreateTTS(config.ProviderEntry{Provider: "nonexistent"})
	if !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("expected ErrProviderNotRegistered, got: %v", err)
	}
}

func TestRegistry_UnknownEmbeddings(t *testing.T) {
	reg := config.NewRegistry()
	_, err := reg.CreateEmbeddings(config.ProviderEntry{Provider: "nonexistent"})
	if !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("expected ErrProviderNotRegistered, got: %v", err)
	}
}

func TestRegistry_UnknownVAD(t *testing.T) {
	reg := config.NewRegistry()
	_, err := reg.CreateVAD(config.ProviderEntry{Provider: "nonexistent"})
	if !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("expected ErrProviderNotRegistered, got: %v", err)
	}
}

// ── Registry with registered factories ───────────────────────────────────────

func TestRegistry_RegisteredLLM(t *testing.T) {
	reg := config.NewRegistry()
	want := &stubLLM{}
	reg.RegisterLLM("stub", func(e config.ProviderEntry) (llm.Provider, error) {
		return want, nil
	})
	got, err := reg.CreateLLM(config.ProviderEntry{Provider: "stub"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != want {
		t.Error("returned provider is not the expected instance")
	}
}

func TestRegistry_RegisteredASR(t *testing.T) {
	reg := config.NewRegistry()
	want := &stubASR{}
	reg.RegisterASR("stub", func(e config.ProviderEntry) (stt.Provider, error) {
		return want, nil
	})
	got, err := reg.CreateASR(config.ProviderEntry{Provider: "stub"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != want {
		t.Error("returned provider is not the expected instance")
	}
}

func TestRegistry_RegisteredTTS(t *testing.T) {
	reg := config.NewRegistry()
	want := &stubTTS{}
	reg.RegisterTTS("stub", func(e config.ProviderEntry) (tts.Provider, error) {
		return want, nil
	})
	got, err := reg.CreateTTS(config.ProviderEntry{Provider: "stub"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != want {
		t.Error("returned provider is not the expected instance")
	}
}

func TestRegistry_RegisteredEmbeddings(t *testing.T) {
	reg := config.NewRegistry()
	want := &stubEmbeddings{}
	reg.RegisterEmbeddings("stub", func(e config.ProviderEntry) (embeddings.Provider, error) {
		return want, nil
	})
	got, err := reg.CreateEmbeddings(config.ProviderEntry{Provider: "stub"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != want {
		t.Error("returned provider is not the expected instance")
	}
}

func TestRegistry_FactoryError(t *testing.T) {
	reg := config.NewRegistry()
	wantErr := errors.New("factory boom")
	reg.RegisterLLM("broken", func(e config.ProviderEntry) (llm.Provider, error) {
		return nil, wantErr
	})
	_, err := reg.CreateLLM(config.ProviderEntry{Provider: "broken"})
	if !errors.Is(err, wantErr) {
		t.Errorf("expected factory error %v, got %v", wantErr, err)
	}
}

// ── Stub implementations (satisfy interfaces for the compiler) ────────────────

// stubLLM implements llm.Provider with no-op methods.
type stubLLM struct{}

func (s *stubLLM) StreamCompletion(_ context.Context, _ llm.CompletionRequest) (<-chan llm.Chunk, error) {
	ch := make(chan llm.Chunk)
	close(ch)
	return ch, nil
}
func (s *stubLLM) Complete(_ context.Context, _ llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return &llm.CompletionResponse{}, nil
}
func (s *stubLLM) CountTokens(_ []types.Message) (int, error) { return 0, nil }
func (s *stubLLM) Capabilities() types.ModelCapabilities       { return types.ModelCapabilities{} }

// stubASR implements stt.Provider.
type stubASR struct{}

func (s *stubASR) StartStream(_ context.Context, _ stt.StreamConfig) (stt.SessionHandle, error) {
	return nil, nil
}

// stubTTS implements tts.Provider.
type stubTTS struct{}

func (s *stubTTS) SynthesizeStream(_ context.Context, _ <-chan string, _ tts.VoiceProfile) (<-chan []byte, error) {
	ch := make(chan []byte)
	close(ch)
	return ch, nil
}
func (s *stubTTS) ListVoices(_ context.Context) ([]tts.VoiceProfile, error) { return nil, nil }
func (s *stubTTS) CloneVoice(_ context.Context, _ [][]byte) (*tts.VoiceProfile, error) {
	return nil, nil
}

// stubEmbeddings implements embeddings.Provider.
type stubEmbeddings struct{}

func (s *stubEmbeddings) Embed(_ context.Context, _ string) ([]float32, error) { return nil, nil }
func (s *stubEmbeddings) EmbedBatch(_ context.Context, _ []string) ([][]float32, error) {
	return nil, nil
}
func (s *stubEmbeddings) Dimensions() int { return 0 }
func (s *stubEmbeddings) ModelID() string { return "stub" }

// stubVAD implements vad.Engine.
type stubVAD struct{}

func (s *stubVAD) NewSession(_ vad.Config) (vad.SessionHandle, error) { return nil, nil }
