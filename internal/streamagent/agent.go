// Package streamagent implements the streaming agent's tool-interaction
// loop (spec §4.2): it drives an [llm.Provider] through however many
// provider calls a turn needs, executing any tool calls the model requests
// through a [toolexec.Executor] and feeding the results back in, until the
// model commits to a final answer.
package streamagent

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/cadencevoice/cadenced/internal/orchestrator"
	"github.com/cadencevoice/cadenced/internal/toolexec"
	"github.com/cadencevoice/cadenced/pkg/provider/llm"
	"github.com/cadencevoice/cadenced/pkg/types"
)

// DefaultMaxIterations bounds the tool-calling loop so a model that never
// settles on a final answer cannot keep a turn alive indefinitely.
const DefaultMaxIterations = 8

// Config is the per-agent, mostly-static tuning for the provider calls a
// turn makes.
type Config struct {
	SystemPrompt string

	// ToolPromptAddendum is appended to SystemPrompt in prompt mode only —
	// the tool catalogue rendered as instructions, since the provider has no
	// native tools parameter to carry it.
	ToolPromptAddendum string

	MaxIterations int
	Temperature   float64
	MaxTokens     int
}

// Deps are the collaborators the loop drives.
type Deps struct {
	Provider llm.Provider
	Tools    []types.ToolDefinition
	Executor *toolexec.Executor

	// Memory is the connection's shared chat memory. The caller (the
	// orchestrator) has already appended the user turn before calling
	// Stream; the agent reads it back to build the provider request and
	// appends only the final committed assistant text.
	Memory *orchestrator.ChatMemory
}

// Agent implements [orchestrator.Agent].
//
// One Agent is built per connection and reused across turns. Its native/
// prompt mode starts from the provider's declared
// Capabilities().SupportsToolCalling, but that flag is only a hint: the
// authoritative signal is [llm.FinishReasonUnsupportedTools] observed on an
// actual call. Once a call reveals the model does not really support tools,
// the agent demotes to prompt mode and that decision sticks for the rest of
// the session per spec §4.2 — mode only ever moves native→prompt, never back.
type Agent struct {
	cfg  Config
	deps Deps

	mu   sync.RWMutex
	mode toolexec.Mode
}

var _ orchestrator.Agent = (*Agent)(nil)

// New builds an Agent. cfg.MaxIterations ≤ 0 selects [DefaultMaxIterations].
func New(cfg Config, deps Deps) *Agent {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = DefaultMaxIterations
	}
	a := &Agent{cfg: cfg, deps: deps}
	if deps.Provider.Capabilities().SupportsToolCalling {
		a.mode = toolexec.ModeNative
	} else {
		a.mode = toolexec.ModePrompt
	}
	return a
}

// currentMode returns the agent's present tool-calling mode.
func (a *Agent) currentMode() toolexec.Mode {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.mode
}

// demoteToPrompt reacts to [llm.FinishReasonUnsupportedTools] observed mid-call
// by switching the agent to prompt mode for the rest of its lifetime.
func (a *Agent) demoteToPrompt() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.mode = toolexec.ModePrompt
}

// Stream implements [orchestrator.Agent].
func (a *Agent) Stream(ctx context.Context, in orchestrator.AgentInput) <-chan orchestrator.AgentEvent {
	out := make(chan orchestrator.AgentEvent)
	go a.run(ctx, in, out)
	return out
}

func (a *Agent) run(ctx context.Context, in orchestrator.AgentInput, out chan<- orchestrator.AgentEvent) {
	defer close(out)

	// The orchestrator already appended the user turn to Memory before
	// calling Stream, so Messages() already reflects it.
	messages := a.deps.Memory.Messages()

	for iter := 0; iter < a.cfg.MaxIterations; iter++ {
		mode := a.currentMode()
		system := a.cfg.SystemPrompt
		var tools []types.ToolDefinition
		if mode == toolexec.ModeNative {
			tools = a.deps.Tools
		} else if a.cfg.ToolPromptAddendum != "" {
			system = system + "\n\n" + a.cfg.ToolPromptAddendum
		}

		chunks, err := a.deps.Provider.StreamCompletion(ctx, llm.CompletionRequest{
			Messages:     messages,
			Tools:        tools,
			SystemPrompt: system,
			Temperature:  a.cfg.Temperature,
			MaxTokens:    a.cfg.MaxTokens,
		})
		if err != nil {
			emit(ctx, out, orchestrator.AgentEvent{Kind: orchestrator.AgentEnd, Err: err})
			return
		}

		text, toolCalls, unsupported, ok := a.consumeTurn(ctx, out, mode, chunks)
		if !ok {
			return
		}
		if unsupported {
			// The provider just told us, mid-call, that this model can't
			// actually do native tool calling — demote and redo this same
			// turn in prompt mode without charging it against the
			// iteration budget.
			a.demoteToPrompt()
			iter--
			continue
		}

		if len(toolCalls) == 0 {
			if text != "" {
				a.deps.Memory.Append(types.Message{Role: "assistant", Content: text})
			}
			emit(ctx, out, orchestrator.AgentEvent{Kind: orchestrator.AgentEnd})
			return
		}

		messages = append(messages, types.Message{Role: "assistant", Content: text, ToolCalls: toolCalls})

		outcome, err := a.deps.Executor.Execute(ctx, toolCalls, mode, func(s toolexec.Status) {
			emit(ctx, out, orchestrator.AgentEvent{Kind: orchestrator.AgentToolStatus, Status: s})
		})
		if err != nil {
			emit(ctx, out, orchestrator.AgentEvent{Kind: orchestrator.AgentEnd, Err: err})
			return
		}

		for _, r := range outcome.Results {
			if r.SideChannel == "" {
				continue
			}
			if !emit(ctx, out, orchestrator.AgentEvent{Kind: orchestrator.AgentSideChannel, SidePayload: r.SideChannel}) {
				return
			}
		}

		messages = append(messages, outcome.Messages...)
	}

	emit(ctx, out, orchestrator.AgentEvent{
		Kind: orchestrator.AgentEnd,
		Err:  errors.New("streamagent: exceeded max tool-calling iterations"),
	})
}

// consumeTurn drains one provider call's chunk stream, emitting text deltas
// as they become displayable and collecting any tool calls the model
// requested. The third bool return is true if the provider reported
// [llm.FinishReasonUnsupportedTools] (native mode only), in which case the
// other returns are zero and the caller must discard this attempt. The
// fourth bool return is false if ctx was cancelled mid-turn.
func (a *Agent) consumeTurn(ctx context.Context, out chan<- orchestrator.AgentEvent, mode toolexec.Mode, chunks <-chan llm.Chunk) (string, []types.ToolCall, bool, bool) {
	var text strings.Builder
	var toolCalls []types.ToolCall
	var unsupported bool
	scanner := newEnvelopeScanner()

	for chunk := range chunks {
		if unsupported {
			continue // drain the rest of the stream without acting on it
		}
		if mode == toolexec.ModeNative && chunk.FinishReason == llm.FinishReasonUnsupportedTools {
			unsupported = true
			continue
		}
		if chunk.Text != "" {
			switch mode {
			case toolexec.ModeNative:
				text.WriteString(chunk.Text)
				if !emit(ctx, out, orchestrator.AgentEvent{Kind: orchestrator.AgentDelta, Delta: chunk.Text}) {
					return "", nil, false, false
				}
			default: // ModePrompt
				pass, calls, found := scanner.Feed(chunk.Text)
				if pass != "" {
					text.WriteString(pass)
					if !emit(ctx, out, orchestrator.AgentEvent{Kind: orchestrator.AgentDelta, Delta: pass}) {
						return "", nil, false, false
					}
				}
				if found {
					toolCalls = append(toolCalls, calls...)
				}
			}
		}
		if len(chunk.ToolCalls) > 0 {
			toolCalls = append(toolCalls, chunk.ToolCalls...)
		}
	}

	if unsupported {
		return "", nil, true, true
	}
	return text.String(), toolCalls, false, true
}

func emit(ctx context.Context, out chan<- orchestrator.AgentEvent, ev orchestrator.AgentEvent) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
