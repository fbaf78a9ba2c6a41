// Package svccontext owns the per-connection collection of live engine
// instances (ASR, TTS, VAD, MCP host, streaming agent) bound to one
// character config, and the lifecycle of swapping that binding when the
// client switches configs at runtime (spec §4.8).
package svccontext

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cadencevoice/cadenced/internal/adaptivevad"
	"github.com/cadencevoice/cadenced/internal/config"
	"github.com/cadencevoice/cadenced/internal/mcp"
	"github.com/cadencevoice/cadenced/internal/mcp/mcphost"
	"github.com/cadencevoice/cadenced/internal/orchestrator"
	"github.com/cadencevoice/cadenced/internal/protocol"
	"github.com/cadencevoice/cadenced/internal/resilience"
	"github.com/cadencevoice/cadenced/internal/streamagent"
	"github.com/cadencevoice/cadenced/internal/toolexec"
	"github.com/cadencevoice/cadenced/internal/wakeword"
	"github.com/cadencevoice/cadenced/pkg/provider/llm"
	"github.com/cadencevoice/cadenced/pkg/provider/stt"
	"github.com/cadencevoice/cadenced/pkg/provider/tts"
	"github.com/cadencevoice/cadenced/pkg/provider/vad"
	"github.com/cadencevoice/cadenced/pkg/types"
)

// reinitTimeout bounds the background re-init triggered by a provider or
// persona switch, so a hung provider constructor cannot wedge a connection
// forever.
const reinitTimeout = 20 * time.Second

// NotifyFunc delivers one frame to the connection's client. Context switches
// use it to report the fast path immediately and the background re-init's
// outcome once it lands.
type NotifyFunc func(protocol.Outbound) error

// Deps are the process-wide collaborators shared across every connection's
// Context: the provider registry, the wake-word feature flag, and the
// interrupt-history-append side of svccontext's persistence story.
type Deps struct {
	Registry    *config.Registry
	History     orchestrator.History
	WakeWordsOn bool

	// WelcomeTemplates maps a proactive-speak marker name to the prompt
	// text synthesized in its place (spec §4.1 step 2), shared across
	// every connection regardless of character config.
	WelcomeTemplates map[string]string
}

// Context binds one connection to a character config: the live ASR/TTS/VAD
// engines, the MCP tool host, the streaming agent, the wake-word gate, and
// the orchestrator that drives turns over all of them.
//
// Not safe for concurrent use beyond the Switch/Close/Orchestrator accessors
// documented on each method; the connection's own read-loop goroutine owns
// it otherwise.
type Context struct {
	deps Deps

	mu      sync.Mutex
	sysCfg  config.SystemConfig
	charCfg config.CharacterConfig

	asr  stt.Provider
	tts  tts.Provider
	vad  vad.Engine
	vadPolicy *adaptivevad.Policy

	mcpHost mcp.Host
	orch    *orchestrator.Orchestrator
	gate    *wakeword.Gate

	closers []func() error

	// cancel stops any in-flight background re-init. Only one may be
	// outstanding at a time; starting a new one cancels the previous.
	cancel context.CancelFunc
}

// New builds a Context bound to charCfg, constructing every engine instance
// fresh. convUID/historyUID identify the connection for history persistence.
func New(ctx context.Context, deps Deps, sysCfg config.SystemConfig, charCfg config.CharacterConfig, convUID, historyUID string) (*Context, error) {
	c := &Context{deps: deps, sysCfg: sysCfg}
	if err := c.rebuild(ctx, charCfg, convUID, historyUID); err != nil {
		return nil, err
	}
	return c, nil
}

// Orchestrator returns the connection's current Orchestrator. The returned
// value is replaced wholesale by a background re-init; callers needing a
// stable reference across a Switch should re-fetch it after the
// OutConfigSwitched notification lands.
func (c *Context) Orchestrator() *orchestrator.Orchestrator {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.orch
}

// Gate returns the connection's wake-word gate.
func (c *Context) Gate() *wakeword.Gate {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gate
}

// AdaptiveVAD returns the connection's adaptive VAD policy, or nil if no VAD
// engine is configured for this character.
func (c *Context) AdaptiveVAD() *adaptivevad.Policy {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.vadPolicy
}

// VADEngine returns the connection's VAD engine, or nil if this character
// has no VAD provider configured (raw-audio-data input is then unavailable).
func (c *Context) VADEngine() vad.Engine {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.vad
}

// MCPHost returns the connection's MCP tool host, for client-initiated
// direct tool calls (spec §4.7 mcp-tool-call).
func (c *Context) MCPHost() mcp.Host {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mcpHost
}

// CharacterConfig returns a copy of the currently bound character config.
func (c *Context) CharacterConfig() config.CharacterConfig {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.charCfg
}

// Switch applies newCfg, notifying via notify. A change limited to the
// Live2D model and/or log level is applied immediately on the fast path. Any
// other change (persona, provider selection, MCP servers) cancels any
// previous pending re-init and starts a new cancellable background task;
// notify receives an [protocol.OutConfigSwitched] frame once it completes
// (or an [protocol.OutError] frame if it fails, in which case the
// connection keeps its previous engines).
func (c *Context) Switch(ctx context.Context, newCfg config.CharacterConfig, convUID, historyUID string, notify NotifyFunc) error {
	c.mu.Lock()
	old := c.charCfg
	c.mu.Unlock()

	diff := config.Diff(&config.Config{Character: old}, &config.Config{Character: newCfg})

	if !diff.RequiresReinit() {
		c.mu.Lock()
		c.charCfg.Live2DModel = newCfg.Live2DModel
		c.mu.Unlock()
		return notify(protocol.Outbound{
			Type:    protocol.OutSetModelAndConf,
			Control: newCfg.Live2DModel,
			Character: newCfg.ConfUID,
		})
	}

	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
	}
	reinitCtx, cancel := context.WithTimeout(context.Background(), reinitTimeout)
	c.cancel = cancel
	c.mu.Unlock()

	go func() {
		defer cancel()
		err := c.rebuild(reinitCtx, newCfg, convUID, historyUID)

		c.mu.Lock()
		if reinitCtx.Err() == nil {
			// Only clear if we are still the outstanding task (a newer
			// Switch may already have replaced it).
			c.cancel = nil
		}
		c.mu.Unlock()

		if reinitCtx.Err() != nil {
			return // superseded or timed out; the superseding task owns notification
		}
		if err != nil {
			_ = notify(protocol.Outbound{Type: protocol.OutError, Message: fmt.Sprintf("config switch failed: %v", err)})
			return
		}
		_ = notify(protocol.Outbound{Type: protocol.OutConfigSwitched, Character: newCfg.ConfUID, Control: newCfg.Live2DModel})
	}()

	return nil
}

// buildLLM constructs the primary LLM provider from entry and, when
// entry.Fallbacks is non-empty, wraps it in a [resilience.LLMFallback] so a
// circuit-broken or failing primary demotes to the next configured provider
// (spec §4.10).
func (c *Context) buildLLM(entry config.LLMEntry) (llm.Provider, error) {
	primary, err := c.deps.Registry.CreateLLM(entry.ProviderEntry)
	if err != nil {
		return nil, fmt.Errorf("primary %q: %w", entry.Provider, err)
	}
	if len(entry.Fallbacks) == 0 {
		return primary, nil
	}
	group := resilience.NewLLMFallback(primary, entry.Provider, resilience.FallbackConfig{})
	for _, name := range entry.Fallbacks {
		fb, err := c.deps.Registry.CreateLLM(config.ProviderEntry{Provider: name})
		if err != nil {
			return nil, fmt.Errorf("fallback %q: %w", name, err)
		}
		group.AddFallback(name, fb)
	}
	return group, nil
}

// buildASR mirrors [Context.buildLLM] for the ASR provider.
func (c *Context) buildASR(entry config.ASREntry) (stt.Provider, error) {
	primary, err := c.deps.Registry.CreateASR(entry.ProviderEntry)
	if err != nil {
		return nil, fmt.Errorf("primary %q: %w", entry.Provider, err)
	}
	if len(entry.Fallbacks) == 0 {
		return primary, nil
	}
	group := resilience.NewSTTFallback(primary, entry.Provider, resilience.FallbackConfig{})
	for _, name := range entry.Fallbacks {
		fb, err := c.deps.Registry.CreateASR(config.ProviderEntry{Provider: name})
		if err != nil {
			return nil, fmt.Errorf("fallback %q: %w", name, err)
		}
		group.AddFallback(name, fb)
	}
	return group, nil
}

// buildTTS mirrors [Context.buildLLM] for the TTS provider.
func (c *Context) buildTTS(entry config.TTSEntry) (tts.Provider, error) {
	primary, err := c.deps.Registry.CreateTTS(entry.ProviderEntry)
	if err != nil {
		return nil, fmt.Errorf("primary %q: %w", entry.Provider, err)
	}
	if len(entry.Fallbacks) == 0 {
		return primary, nil
	}
	group := resilience.NewTTSFallback(primary, entry.Provider, resilience.FallbackConfig{})
	for _, name := range entry.Fallbacks {
		fb, err := c.deps.Registry.CreateTTS(config.ProviderEntry{Provider: name})
		if err != nil {
			return nil, fmt.Errorf("fallback %q: %w", name, err)
		}
		group.AddFallback(name, fb)
	}
	return group, nil
}

// rebuild constructs fresh ASR/TTS/VAD engines, MCP host, agent, gate, and
// orchestrator for charCfg, closing the previous generation's closers only
// after the new generation is fully built (so a failed rebuild leaves the
// connection's existing engines intact).
func (c *Context) rebuild(ctx context.Context, charCfg config.CharacterConfig, convUID, historyUID string) error {
	var closers []func() error

	asrProvider, err := c.buildASR(charCfg.ASR)
	if err != nil {
		return fmt.Errorf("svccontext: build asr: %w", err)
	}

	ttsProvider, err := c.buildTTS(charCfg.TTS)
	if err != nil {
		return fmt.Errorf("svccontext: build tts: %w", err)
	}

	var vadEngine vad.Engine
	var vadPolicy *adaptivevad.Policy
	if charCfg.VAD.Provider != "" {
		vadEngine, err = c.deps.Registry.CreateVAD(charCfg.VAD)
		if err != nil {
			return fmt.Errorf("svccontext: build vad: %w", err)
		}
	}

	llmProvider, err := c.buildLLM(charCfg.Agent.LLM)
	if err != nil {
		return fmt.Errorf("svccontext: build llm: %w", err)
	}

	host := mcphost.New()
	closers = append(closers, host.Close)
	for _, srv := range charCfg.MCP.Servers {
		srvCfg := mcp.ServerConfig{
			Name:      srv.Name,
			Transport: mcp.Transport(srv.Transport),
			Command:   srv.Command,
			URL:       srv.URL,
			Env:       srv.Env,
		}
		if err := host.RegisterServer(ctx, srvCfg); err != nil {
			return fmt.Errorf("svccontext: register mcp server %q: %w", srv.Name, err)
		}
	}

	// AvailableTools is tier-agnostic: the agent sees the full tool
	// catalogue regardless of estimated latency. Per-tool tier is still
	// tracked and surfaced read-only through Host.ToolHealth.
	tools := host.AvailableTools()
	executor := toolexec.New(host)

	memory := orchestrator.NewChatMemory(charCfg.Agent.MemoryCap)
	agent := streamagent.New(streamagent.Config{
		SystemPrompt: charCfg.PersonaPrompt,
	}, streamagent.Deps{
		Provider: llmProvider,
		Tools:    tools,
		Executor: executor,
		Memory:   memory,
	})

	voice := types.VoiceProfile{Provider: charCfg.TTS.Provider, ID: charCfg.TTS.Model}
	gate := wakeword.New(wakeword.Config{}, c.deps.WakeWordsOn)

	orch := orchestrator.New(orchestrator.Config{
		ConvUID:             convUID,
		HistoryUID:          historyUID,
		HistoryEnabled:      c.sysCfg.EnableHistory,
		InterruptMarkerRole: charCfg.Agent.InterruptMarkerRole,
		WelcomeTemplates:    c.deps.WelcomeTemplates,
		Pipeline:            pipelineConfigFor(charCfg),
		MemoryCap:           charCfg.Agent.MemoryCap,
	}, orchestrator.Deps{
		ASR:     &asrAdapter{provider: asrProvider},
		Gate:    gate,
		Agent:   agent,
		Synth:   synthesizerFor(ttsProvider, voice),
		History: c.deps.History,
		Memory:  memory,
	})

	if vadEngine != nil {
		vadPolicy = adaptivevad.New(vadConfigFor(charCfg.VAD), 0, 0)
	}

	// Swap in the new generation and collect the previous one's closers.
	c.mu.Lock()
	prevClosers := c.closers
	c.asr, c.tts, c.vad, c.vadPolicy = asrProvider, ttsProvider, vadEngine, vadPolicy
	c.mcpHost = host
	c.orch = orch
	c.gate = gate
	c.charCfg = charCfg
	c.closers = closers
	c.mu.Unlock()

	for i := len(prevClosers) - 1; i >= 0; i-- {
		_ = prevClosers[i]()
	}
	return nil
}

// Close tears down every engine the Context owns, in reverse registration
// order, and cancels any pending background re-init. Every closer runs even
// if an earlier one fails; the first closer error is returned.
func (c *Context) Close() error {
	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	closers := c.closers
	c.closers = nil
	c.mu.Unlock()

	var firstErr error
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i](); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
