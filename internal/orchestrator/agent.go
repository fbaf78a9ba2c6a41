package orchestrator

import (
	"context"

	"github.com/cadencevoice/cadenced/internal/toolexec"
)

// AgentEventKind tags one item in an [Agent]'s event stream.
type AgentEventKind int

const (
	// AgentDelta carries a text delta to be fed into the sentence pipeline.
	AgentDelta AgentEventKind = iota
	// AgentToolStatus carries a structured tool-call status passthrough,
	// forwarded to the client directly (with the character name attached
	// by the orchestrator).
	AgentToolStatus
	// AgentSideChannel carries a tool's out-of-band payload, forwarded to
	// the client without re-entering the LLM context (spec §4.2 step 5).
	AgentSideChannel
	// AgentEnd is the final event on every stream, successful or not.
	AgentEnd
)

// AgentEvent is one item in the async sequence [Agent.Stream] produces,
// mirroring spec §4.1 step 5: "(a) a text delta, (b) a structured
// tool-status update, (c) an end-of-turn sentinel."
type AgentEvent struct {
	Kind   AgentEventKind
	Delta  string
	Status toolexec.Status
	// SidePayload holds the raw JSON carried by an AgentSideChannel event.
	SidePayload string
	// Err is set on the AgentEnd event when the stream failed mid-turn;
	// any text already emitted remains valid per spec §7's
	// TransientProviderError handling (partial text is not discarded).
	Err error
}

// AgentInput is what one turn hands to the streaming agent.
type AgentInput struct {
	Text   string
	Images []Image
}

// Image is an attached image reference, opaque to the orchestrator.
type Image struct {
	URL  string
	Data []byte
}

// Agent is the streaming-agent capability the orchestrator drives through
// one turn (spec §4.2). Implementations own the provider call, tool loop,
// and memory commit; the orchestrator only observes the event stream.
//
// Stream must close the returned channel after emitting exactly one
// AgentEnd event, and must stop emitting promptly once ctx is cancelled.
type Agent interface {
	Stream(ctx context.Context, in AgentInput) <-chan AgentEvent
}

// ASR transcribes raw PCM samples into text.
type ASR interface {
	Transcribe(ctx context.Context, pcm []int16) (string, error)
}

// History persists a single conversation turn's messages. Implementations
// are opaque collaborators per spec §1 — the orchestrator only needs Append.
type History interface {
	Append(ctx context.Context, convUID, historyUID, role, content string) error
}
