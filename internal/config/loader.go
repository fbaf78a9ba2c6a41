package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"

	"github.com/cadencevoice/cadenced/internal/mcp"
	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm": {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"asr": {"whisper", "deepgram", "whisper-native", "mock"},
	"tts": {"elevenlabs", "coqui", "mock"},
	"vad": {"silero", "mock"},
}

// Env holds process environment values consulted alongside the YAML config.
// These are operational knobs (deployment identity, CDN domains, model
// cache locations) that do not belong in a version-controlled config file.
type Env struct {
	// ClientID identifies this deployment when VALID_CLIENTS gates access.
	ClientID string
	// ValidClients is the comma-separated allowlist from VALID_CLIENTS.
	ValidClients []string
	// Domain is the public domain the WebSocket server is reachable at.
	Domain string
	// SharedDomain is the domain static client assets are served from,
	// when it differs from Domain.
	SharedDomain string
	// ClientPath overrides where the bundled web client is served from disk.
	ClientPath string
	// HFEndpoint overrides the Hugging Face model download mirror, consulted
	// by local ASR/TTS providers that fetch model weights on first use.
	HFEndpoint string
	// ModelCacheDir overrides where downloaded model weights are cached.
	ModelCacheDir string
}

// LoadEnv reads deployment-level settings from the process environment.
func LoadEnv() Env {
	var clients []string
	if v := os.Getenv("VALID_CLIENTS"); v != "" {
		clients = splitComma(v)
	}
	return Env{
		ClientID:      os.Getenv("CLIENT_ID"),
		ValidClients:  clients,
		Domain:        os.Getenv("DOMAIN"),
		SharedDomain:  os.Getenv("SHARED_DOMAIN"),
		ClientPath:    os.Getenv("CLIENT_PATH"),
		HFEndpoint:    os.Getenv("HF_ENDPOINT"),
		ModelCacheDir: os.Getenv("MODEL_CACHE_DIR"),
	}
}

func splitComma(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// System
	if cfg.System.LogLevel != "" && !cfg.System.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("system.log_level %q is invalid; valid values: debug, info, warn, error", cfg.System.LogLevel))
	}
	if cfg.System.Port <= 0 || cfg.System.Port > 65535 {
		errs = append(errs, fmt.Errorf("system.port %d is out of range [1, 65535]", cfg.System.Port))
	}

	// Character identity
	if cfg.Character.ConfUID == "" {
		errs = append(errs, errors.New("character.conf_uid is required"))
	}

	// Provider name validation — warn for unknown provider names.
	validateProviderName("asr", cfg.Character.ASR.Provider)
	validateProviderName("tts", cfg.Character.TTS.Provider)
	validateProviderName("vad", cfg.Character.VAD.Provider)
	validateProviderName("llm", cfg.Character.Agent.LLM.Provider)
	for _, fb := range cfg.Character.Agent.LLM.Fallbacks {
		validateProviderName("llm", fb)
	}
	for _, fb := range cfg.Character.ASR.Fallbacks {
		validateProviderName("asr", fb)
	}
	for _, fb := range cfg.Character.TTS.Fallbacks {
		validateProviderName("tts", fb)
	}

	if cfg.Character.Agent.LLM.Provider == "" {
		errs = append(errs, errors.New("character.agent.llm.provider is required"))
	}
	if cfg.Character.Agent.MemoryCap < 0 {
		errs = append(errs, fmt.Errorf("character.agent.memory_cap %d must be >= 0", cfg.Character.Agent.MemoryCap))
	}

	// MCP servers
	for i, srv := range cfg.Character.MCP.Servers {
		prefix := fmt.Sprintf("character.mcp.servers[%d]", i)
		if srv.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		}
		transport := mcp.Transport(srv.Transport)
		if srv.Transport != "" && !transport.IsValid() {
			errs = append(errs, fmt.Errorf("%s.transport %q is invalid; valid values: stdio, streamable-http", prefix, srv.Transport))
		}
		if transport == mcp.TransportStdio && srv.Command == "" {
			errs = append(errs, fmt.Errorf("%s.command is required when transport is stdio", prefix))
		}
		if transport == mcp.TransportStreamableHTTP && srv.URL == "" {
			errs = append(errs, fmt.Errorf("%s.url is required when transport is streamable-http", prefix))
		}
	}

	// Memory / history
	if !cfg.System.EnableHistory && cfg.ConfigAltsDir != "" {
		slog.Warn("config_alts_dir is set but system.enable_history is false; conversation history will not be saved")
	}

	return errors.Join(errs...)
}

// LoadCharacterConfig reads a single [CharacterConfig] YAML document from
// the named file, as found under [Config.ConfigAltsDir]. Unlike [Load], it
// does not validate provider/MCP fields against system-wide constraints
// since an alt config is only ever applied to one already-running connection.
func LoadCharacterConfig(path string) (CharacterConfig, error) {
	f, err := os.Open(path)
	if err != nil {
		return CharacterConfig{}, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	var cc CharacterConfig
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&cc); err != nil {
		return CharacterConfig{}, fmt.Errorf("config: decode character config %q: %w", path, err)
	}
	if cc.ConfUID == "" {
		return CharacterConfig{}, fmt.Errorf("config: %q: conf_uid is required", path)
	}
	return cc, nil
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name — may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
