package config

// ConfigDiff describes what changed between two configs.
// LogLevelChanged and Live2DModelChanged cover fields that can be applied in
// place; PersonaChanged, ProvidersChanged and MCPChanged flag changes that
// require a full svccontext re-init.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	Live2DModelChanged bool
	NewLive2DModel     string

	PersonaChanged bool
	ProvidersChanged bool
	MCPChanged       bool
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.System.LogLevel != new.System.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.System.LogLevel
	}

	if old.Character.Live2DModel != new.Character.Live2DModel {
		d.Live2DModelChanged = true
		d.NewLive2DModel = new.Character.Live2DModel
	}

	if old.Character.PersonaPrompt != new.Character.PersonaPrompt {
		d.PersonaChanged = true
	}

	if !providerEntryEqual(old.Character.ASR.ProviderEntry, new.Character.ASR.ProviderEntry) ||
		!providerEntryEqual(old.Character.TTS.ProviderEntry, new.Character.TTS.ProviderEntry) ||
		!providerEntryEqual(old.Character.VAD, new.Character.VAD) ||
		old.Character.Agent.LLM.Provider != new.Character.Agent.LLM.Provider ||
		old.Character.Agent.LLM.Model != new.Character.Agent.LLM.Model ||
		!fallbacksEqual(old.Character.ASR.Fallbacks, new.Character.ASR.Fallbacks) ||
		!fallbacksEqual(old.Character.TTS.Fallbacks, new.Character.TTS.Fallbacks) ||
		!fallbacksEqual(old.Character.Agent.LLM.Fallbacks, new.Character.Agent.LLM.Fallbacks) {
		d.ProvidersChanged = true
	}

	if !mcpServersEqual(old.Character.MCP.Servers, new.Character.MCP.Servers) {
		d.MCPChanged = true
	}

	return d
}

// RequiresReinit reports whether d contains any change that cannot be
// applied via the svccontext fast path (Live2D model swap + log level) and
// instead needs the full cancellable background re-init.
func (d ConfigDiff) RequiresReinit() bool {
	return d.PersonaChanged || d.ProvidersChanged || d.MCPChanged
}

// providerEntryEqual compares the fields of ProviderEntry that matter for
// re-init decisions. Options is excluded: it holds a map, which is not
// comparable with ==, and provider-specific option tweaks are expected to
// be applied by the provider itself rather than trigger a full re-init.
func providerEntryEqual(a, b ProviderEntry) bool {
	return a.Provider == b.Provider && a.APIKey == b.APIKey && a.BaseURL == b.BaseURL && a.Model == b.Model
}

// fallbacksEqual compares two ordered fallback-provider-name lists.
func fallbacksEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func mcpServersEqual(a, b []MCPServerConfig) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Name != b[i].Name || a[i].Transport != b[i].Transport ||
			a[i].Command != b[i].Command || a[i].URL != b[i].URL {
			return false
		}
	}
	return true
}
