// Package config provides the configuration schema, loader, and provider registry
// for the Cadenced voice AI system.
package config

// Config is the root configuration structure for Cadenced.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	System    SystemConfig    `yaml:"system"`
	Character CharacterConfig `yaml:"character"`

	// ConfigAltsDir points at a directory of alternate character configs
	// that can be switched to at runtime via a switch-config message.
	// Each file in the directory is a CharacterConfig YAML document named
	// after its own conf_uid.
	ConfigAltsDir string `yaml:"config_alts_dir"`
}

// LogLevel controls logging verbosity.
type LogLevel string

// Valid log levels, matching [log/slog]'s four levels.
const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// IsValid reports whether l is one of the recognized log levels.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError:
		return true
	default:
		return false
	}
}

// SystemConfig holds process-wide settings that do not vary per character:
// network binding, proxy/history toggles, logging, tool prompt snippets, and
// the media server used to serve static assets (Live2D models, backgrounds).
type SystemConfig struct {
	// Host is the interface the WebSocket server binds to (e.g. "0.0.0.0").
	Host string `yaml:"host"`

	// Port is the TCP port the WebSocket server listens on.
	Port int `yaml:"port"`

	// EnableProxy, when true, trusts X-Forwarded-* headers from a reverse proxy.
	EnableProxy bool `yaml:"enable_proxy"`

	// EnableHistory, when false, disables chat history persistence entirely;
	// fetch/create/delete history messages are rejected.
	EnableHistory bool `yaml:"enable_history"`

	// HistoryPostgresDSN is the connection string for the chat history store
	// ([internal/chathistory]). Required when EnableHistory is true.
	HistoryPostgresDSN string `yaml:"history_postgres_dsn"`

	// HistoryEmbeddings, when its Provider is non-empty, enables similarity
	// ranking of fetch-history-list results (in addition to the default
	// recency ordering) by embedding each saved history's preview text.
	// Leave Provider empty to skip semantic ranking entirely.
	HistoryEmbeddings ProviderEntry `yaml:"history_embeddings"`

	// LogLevel controls verbosity. Valid values: "debug", "info", "warn", "error".
	LogLevel LogLevel `yaml:"log_level"`

	// ToolPrompts maps a tool name to a prompt fragment appended to the
	// system prompt advertising that tool's availability.
	ToolPrompts map[string]string `yaml:"tool_prompts"`

	// MediaServer configures the static file server used to resolve
	// Live2D model and background asset URLs.
	MediaServer MediaServerConfig `yaml:"media_server"`

	// WakeWordsEnabled gates every connection's wake-word gate (spec §4.3):
	// when false, every turn is processed without requiring a wake phrase.
	WakeWordsEnabled bool `yaml:"wake_words_enabled"`

	// WelcomeTemplates maps a proactive-speak marker name to the prompt text
	// synthesized in its place (spec §4.1 step 2), shared by every character.
	WelcomeTemplates map[string]string `yaml:"welcome_templates"`

	// MetricsPort, when non-zero, serves a Prometheus /metrics endpoint on
	// its own listener, separate from the WebSocket Hub's port. Zero disables it.
	MetricsPort int `yaml:"metrics_port"`
}

// MediaServerConfig points at the server hosting static client assets.
type MediaServerConfig struct {
	// BaseURL is prefixed onto relative asset paths returned to clients.
	BaseURL string `yaml:"base_url"`
}

// CharacterConfig describes a single character's persona, provider
// selection, and tool access. A deployment runs one active CharacterConfig
// at a time per connection, selectable from [Config.ConfigAltsDir].
type CharacterConfig struct {
	// ConfUID uniquely identifies this character config, used as part of
	// the chat history key and reported to clients in switch-config replies.
	ConfUID string `yaml:"conf_uid"`

	// Live2DModel names the client-side avatar model to display.
	Live2DModel string `yaml:"live2d_model"`

	// PersonaPrompt is injected as the system prompt's persona section.
	PersonaPrompt string `yaml:"persona_prompt"`

	// HumanName is how the character addresses the user in conversation.
	HumanName string `yaml:"human_name"`

	ASR ASREntry      `yaml:"asr"`
	TTS TTSEntry      `yaml:"tts"`
	VAD ProviderEntry `yaml:"vad"`

	Agent           AgentConfig           `yaml:"agent"`
	TTSPreprocessor TTSPreprocessorConfig `yaml:"tts_preprocessor"`
	MCP             MCPConfig             `yaml:"mcp"`
}

// AgentConfig configures the streaming agent's LLM provider and memory
// discipline.
type AgentConfig struct {
	LLM LLMEntry `yaml:"llm"`

	// MemoryCap bounds the number of turns kept in the rolling chat memory
	// window; once it is exceeded the oldest turns are dropped.
	MemoryCap int `yaml:"memory_cap"`

	// InterruptMarkerRole is the chat role used for the synthetic marker
	// message inserted into memory when the user interrupts a response
	// mid-utterance (e.g. "system").
	InterruptMarkerRole string `yaml:"interrupt_marker_role"`
}

// LLMEntry is a [ProviderEntry] with an ordered list of fallback providers,
// consulted in order by [internal/resilience] when the primary fails.
type LLMEntry struct {
	ProviderEntry `yaml:",inline"`

	// Fallbacks lists provider names (registered in the [Registry]) tried in
	// order if the primary provider's call fails or exceeds its deadline.
	Fallbacks []string `yaml:"fallbacks"`
}

// ASREntry is a [ProviderEntry] with an ordered list of fallback ASR
// providers, consulted in order by [internal/resilience] when the primary
// fails to start a stream.
type ASREntry struct {
	ProviderEntry `yaml:",inline"`

	// Fallbacks lists provider names (registered in the [Registry]) tried in
	// order if the primary provider fails.
	Fallbacks []string `yaml:"fallbacks"`
}

// TTSEntry is a [ProviderEntry] with an ordered list of fallback TTS
// providers, consulted in order by [internal/resilience] when the primary
// fails.
type TTSEntry struct {
	ProviderEntry `yaml:",inline"`

	// Fallbacks lists provider names (registered in the [Registry]) tried in
	// order if the primary provider fails.
	Fallbacks []string `yaml:"fallbacks"`
}

// TTSPreprocessorConfig controls text cleanup applied to LLM output before
// it is handed to the TTS provider and before it is displayed to the user.
type TTSPreprocessorConfig struct {
	RemoveSpecialChars      bool `yaml:"remove_special_chars"`
	RemoveBrackets          bool `yaml:"remove_brackets"`
	RemoveParentheses       bool `yaml:"remove_parentheses"`
	RemoveAsterisks         bool `yaml:"remove_asterisks"`
	RemoveAngleBrackets     bool `yaml:"remove_angle_brackets"`
	TranslateHyphensToPause bool `yaml:"translate_hyphens_to_pause"`
}

// ProviderEntry is the common configuration block shared by all provider types.
// The Provider field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Provider selects the registered provider implementation (e.g., "openai", "whisper").
	Provider string `yaml:"provider"`

	// APIKey is the authentication key for the provider's API.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	// Leave empty to use the provider's built-in default.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider (e.g., "gpt-4o-mini").
	Model string `yaml:"model"`

	// Options holds provider-specific configuration values not covered by the
	// standard fields above. Values may be strings, numbers, booleans, or nested maps.
	Options map[string]any `yaml:"options"`
}

// MCPConfig holds the list of Model Context Protocol servers to connect to
// for this character.
type MCPConfig struct {
	Servers []MCPServerConfig `yaml:"servers"`
}

// MCPServerConfig describes how to connect to a single MCP tool server.
type MCPServerConfig struct {
	// Name is a unique human-readable identifier for this server (used in logs).
	Name string `yaml:"name"`

	// Transport specifies the connection mechanism.
	// Valid values: "stdio", "streamable-http".
	Transport string `yaml:"transport"`

	// Command is the executable (with optional arguments) launched when
	// Transport is "stdio". Ignored for streamable-http transport.
	Command string `yaml:"command"`

	// URL is the endpoint address used when Transport is "streamable-http".
	// Ignored for stdio transport.
	URL string `yaml:"url"`

	// Env holds additional environment variables injected into the subprocess
	// when Transport is "stdio". May be nil.
	Env map[string]string `yaml:"env"`
}
