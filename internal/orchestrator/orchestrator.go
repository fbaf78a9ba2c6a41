// Package orchestrator implements the conversation orchestrator: the
// per-connection state machine that executes exactly one logical user turn
// end-to-end with correct ordering, cancellation, and history persistence
// (spec §4.1).
package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/cadencevoice/cadenced/internal/pipeline"
	"github.com/cadencevoice/cadenced/internal/protocol"
	"github.com/cadencevoice/cadenced/internal/toolexec"
	"github.com/cadencevoice/cadenced/internal/wakeword"
	"github.com/cadencevoice/cadenced/pkg/types"
)

// SendFunc delivers one outbound frame to the connected client. It must be
// safe to call from the turn's own goroutine; the orchestrator never calls
// it concurrently with itself for the same turn.
type SendFunc func(protocol.Outbound) error

// Deps are the collaborators a turn needs. Fields left nil disable the
// corresponding optional behavior: a nil ASR means PCM input is never
// expected, a nil History disables persistence regardless of Config.
type Deps struct {
	ASR     ASR
	Gate    *wakeword.Gate
	Agent   Agent
	Synth   pipeline.Synthesizer
	History History

	// Memory, when non-nil, is used as the connection's chat memory instead
	// of allocating a fresh one. Callers that construct the Agent before the
	// Orchestrator (the Agent reads memory directly, per its own Deps) build
	// a [ChatMemory] first and pass the same pointer to both.
	Memory *ChatMemory
}

// Config is the per-connection, mostly-static configuration for an
// Orchestrator.
type Config struct {
	ConvUID    string
	HistoryUID string

	// HistoryEnabled mirrors the config-level enable_history flag; even
	// when true, an individual turn may disable persistence via
	// Input.SkipHistory.
	HistoryEnabled bool

	// InterruptMarkerRole is "system" or "user" per agent config — the
	// role used for the "[Interrupted by user]" memory marker.
	InterruptMarkerRole string

	// WelcomeTemplates maps a proactive-speak marker name to the prompt
	// text synthesized in its place (spec §4.1 step 2).
	WelcomeTemplates map[string]string

	Pipeline  pipeline.Config
	MemoryCap int
}

// Orchestrator owns the at-most-one-Turn-per-connection invariant (spec §3)
// and the bounded chat memory shared across turns on one connection.
//
// Safe for concurrent use: [Orchestrator.Trigger] and [Orchestrator.Cancel]
// may be called from different goroutines (e.g. the Hub's read loop calling
// Trigger for a new input while a previous turn is still draining).
type Orchestrator struct {
	cfg  Config
	deps Deps

	memory *ChatMemory

	mu     sync.Mutex
	active *Turn
}

// New builds an Orchestrator for one connection. If deps.Memory is nil, a
// fresh [ChatMemory] bounded to cfg.MemoryCap is allocated.
func New(cfg Config, deps Deps) *Orchestrator {
	memory := deps.Memory
	if memory == nil {
		memory = NewChatMemory(cfg.MemoryCap)
	}
	return &Orchestrator{
		cfg:    cfg,
		deps:   deps,
		memory: memory,
	}
}

// Memory exposes the connection's chat memory, e.g. for config-switch
// snapshotting.
func (o *Orchestrator) Memory() *ChatMemory { return o.memory }

// Input is one turn's user input, per spec §4.1.
type Input struct {
	Text           string
	PCM            []int16
	ProactiveSpeak string // non-empty selects a WelcomeTemplates entry
	Images         []Image

	SkipMemory  bool
	SkipHistory bool
}

// Trigger cancels any in-flight Turn on this connection and starts a new
// one, running asynchronously. The caller's ctx bounds the turn's lifetime
// (e.g. connection-scoped); Trigger itself returns immediately so the Hub's
// read loop can keep servicing the connection (interrupt-signal, heartbeat,
// …) while the turn streams.
func (o *Orchestrator) Trigger(ctx context.Context, send SendFunc, in Input) {
	turnCtx, cancel := context.WithCancel(ctx)

	o.mu.Lock()
	if o.active != nil {
		o.active.cancel("")
	}
	t := newTurn(cancel)
	o.active = t
	o.mu.Unlock()

	go o.runTurn(turnCtx, t, send, in)
}

// Cancel interrupts the in-flight Turn (if any), recording heard as the text
// the client reports it played back before interrupting. A no-op if no
// Turn is active, and idempotent per Turn.
func (o *Orchestrator) Cancel(heard string) {
	o.mu.Lock()
	t := o.active
	o.mu.Unlock()
	if t != nil {
		t.cancel(heard)
	}
}

func (o *Orchestrator) clearIfActive(t *Turn) {
	o.mu.Lock()
	if o.active == t {
		o.active = nil
	}
	o.mu.Unlock()
}

// runTurn implements the algorithm from spec §4.1.
func (o *Orchestrator) runTurn(ctx context.Context, t *Turn, send SendFunc, in Input) {
	defer o.clearIfActive(t)

	_ = send(protocol.Outbound{Type: protocol.OutConversationStart})

	text, err := o.resolveInput(ctx, in)
	if err != nil {
		_ = send(protocol.Outbound{Type: protocol.OutError, Message: err.Error()})
		return
	}

	text, proceed := o.applyGate(send, text)
	if !proceed {
		return
	}

	if !in.SkipHistory && o.cfg.HistoryEnabled && o.deps.History != nil {
		_ = o.deps.History.Append(ctx, o.cfg.ConvUID, o.cfg.HistoryUID, "user", text)
	}
	if !in.SkipMemory {
		o.memory.Append(types.Message{Role: "user", Content: text})
	}

	assistantText, cancelled, streamErr := o.stream(ctx, t, send, text, in.Images)

	if cancelled {
		o.finishCancelled(ctx, t, in, assistantText)
		return
	}

	if streamErr != nil {
		_ = send(protocol.Outbound{Type: protocol.OutError, Message: streamErr.Error()})
	}

	if !in.SkipMemory {
		o.memory.Append(types.Message{Role: "assistant", Content: assistantText})
	}
	if !in.SkipHistory && o.cfg.HistoryEnabled && o.deps.History != nil {
		_ = o.deps.History.Append(ctx, o.cfg.ConvUID, o.cfg.HistoryUID, "assistant", assistantText)
	}
	_ = send(protocol.Outbound{Type: protocol.OutConversationEnd})
}

// resolveInput produces the raw utterance text for step 2: ASR on PCM
// input, a named template for a proactive-speak marker, or the text as-is.
func (o *Orchestrator) resolveInput(ctx context.Context, in Input) (string, error) {
	switch {
	case in.ProactiveSpeak != "":
		if tpl, ok := o.cfg.WelcomeTemplates[in.ProactiveSpeak]; ok {
			return tpl, nil
		}
		return "", errors.New("orchestrator: no template for proactive-speak marker")

	case len(in.PCM) > 0:
		if o.deps.ASR == nil {
			return "", errors.New("orchestrator: audio input received but no ASR configured")
		}
		text, err := o.deps.ASR.Transcribe(ctx, in.PCM)
		if err != nil {
			return "", errors.New("orchestrator: ASR failed: " + err.Error())
		}
		return text, nil

	default:
		return in.Text, nil
	}
}

// applyGate runs the wake-word gate (step 3). The second return value is
// false when the turn must end immediately producing no output.
func (o *Orchestrator) applyGate(send SendFunc, text string) (string, bool) {
	if o.deps.Gate == nil {
		return text, true
	}

	r := o.deps.Gate.Process(text)
	switch r.Action {
	case wakeword.ActionIgnore:
		_ = send(protocol.Outbound{
			Type:         protocol.OutWakeWordState,
			WakeAction:   "ignored",
			CurrentState: r.State.String(),
		})
		_ = send(protocol.Outbound{Type: protocol.OutConversationEnd})
		return "", false

	case wakeword.ActionWake:
		_ = send(protocol.Outbound{
			Type:                 protocol.OutWakeWordState,
			WakeAction:           "wake_up",
			MatchedWord:          r.MatchedWord,
			Language:             r.Language,
			CurrentState:         r.State.String(),
			WakeCount:            r.WakeCount,
			AdvertisementControl: r.AdvertisementControl,
		})
		return r.Text, true

	case wakeword.ActionSleep:
		_ = send(protocol.Outbound{
			Type:                 protocol.OutWakeWordState,
			WakeAction:           "sleep",
			MatchedWord:          r.MatchedWord,
			Language:             r.Language,
			CurrentState:         r.State.String(),
			AdvertisementControl: r.AdvertisementControl,
		})
		return r.Text, true

	default: // ActionPass
		return r.Text, true
	}
}

// stream runs step 5-6: drives the agent's event stream into the sentence
// pipeline, forwards tool-status passthroughs, and awaits outstanding TTS
// tasks in order before signalling backend-synth-complete.
func (o *Orchestrator) stream(ctx context.Context, t *Turn, send SendFunc, text string, images []Image) (assistantText string, cancelled bool, streamErr error) {
	pipe := pipeline.New(o.cfg.Pipeline)

	var sched *pipeline.Scheduler
	if o.deps.Synth != nil {
		sched = pipeline.NewScheduler(o.deps.Synth)
	}
	var waiters []func() (pipeline.Scheduled, error)

	var textBuf strings.Builder
	events := o.deps.Agent.Stream(ctx, AgentInput{Text: text, Images: images})

loop:
	for {
		select {
		case <-ctx.Done():
			cancelled = true
			break loop
		case ev, ok := <-events:
			if !ok {
				break loop
			}
			switch ev.Kind {
			case AgentDelta:
				textBuf.WriteString(ev.Delta)
				o.scheduleUnits(ctx, sched, pipe.Feed(ev.Delta), &waiters)
			case AgentToolStatus:
				_ = send(toolStatusToOutbound(ev.Status))
			case AgentSideChannel:
				_ = send(protocol.Outbound{Type: protocol.OutSideChannel, Payload: ev.SidePayload})
			case AgentEnd:
				streamErr = ev.Err
				break loop
			}
		}
	}

	assistantText = textBuf.String()
	if cancelled {
		assistantText = t.heardText()
		return assistantText, true, nil
	}

	o.scheduleUnits(ctx, sched, pipe.Flush(), &waiters)

	for _, wait := range waiters {
		scheduled, err := wait()
		if err != nil {
			streamErr = errors.Join(streamErr, err)
			continue
		}
		_ = send(protocol.Outbound{
			Type:        protocol.OutSentenceOutput,
			DisplayText: scheduled.DisplayText,
			Actions:     scheduled.Actions,
			Audio:       scheduled.Audio,
		})
	}
	_ = send(protocol.Outbound{Type: protocol.OutBackendSynthComplete})

	return assistantText, false, streamErr
}

// scheduleUnits either schedules each unit's TTS concurrently (appending an
// ordered waiter) or, when no Synth is configured, appends a waiter that
// resolves at once to the unit with no audio.
func (o *Orchestrator) scheduleUnits(ctx context.Context, sched *pipeline.Scheduler, units []pipeline.Unit, waiters *[]func() (pipeline.Scheduled, error)) {
	for _, u := range units {
		if sched == nil {
			*waiters = append(*waiters, func(u pipeline.Unit) func() (pipeline.Scheduled, error) {
				return func() (pipeline.Scheduled, error) { return pipeline.Scheduled{Unit: u}, nil }
			}(u))
			continue
		}
		*waiters = append(*waiters, sched.Schedule(ctx, u))
	}
}

// finishCancelled implements the cancellation contract from spec §4.1: the
// assistant message is truncated to what the client reports it heard, an
// interrupt marker is appended, and both are persisted if history is
// enabled. No backend-synth-complete or conversation-end signal is sent —
// the turn was cut short, not completed.
func (o *Orchestrator) finishCancelled(ctx context.Context, t *Turn, in Input, heard string) {
	const marker = "[Interrupted by user]"

	if !in.SkipMemory {
		o.memory.ReplaceLast(types.Message{Role: "assistant", Content: heard})
		o.memory.Append(types.Message{Role: o.cfg.InterruptMarkerRole, Content: marker})
	}
	if !in.SkipHistory && o.cfg.HistoryEnabled && o.deps.History != nil {
		_ = o.deps.History.Append(ctx, o.cfg.ConvUID, o.cfg.HistoryUID, "assistant", heard)
		_ = o.deps.History.Append(ctx, o.cfg.ConvUID, o.cfg.HistoryUID, o.cfg.InterruptMarkerRole, marker)
	}
}

func toolStatusToOutbound(s toolexec.Status) protocol.Outbound {
	out := protocol.Outbound{Type: protocol.OutToolCallStatus, ToolName: s.Name}
	if s.Kind == toolexec.StatusError {
		out.Error = s.Detail
	}
	return out
}
