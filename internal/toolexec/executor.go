// Package toolexec translates streamed tool-call intents from the streaming
// agent into MCP calls, producing a lazy sequence of status updates
// terminated by a final result event, per spec §4.4.
//
// The Executor fans out an arbitrary number of concurrent tool calls issued
// by one agent turn and reports their status as they resolve, rather than
// handling one synchronous call at a time.
package toolexec

import (
	"context"
	"encoding/json"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/cadencevoice/cadenced/internal/mcp"
	"github.com/cadencevoice/cadenced/pkg/types"
)

// Mode tags which calling convention produced the tool calls, so results can
// be shaped appropriately for re-entry into the provider.
type Mode int

const (
	// ModeNative means the provider emitted a structured tool-calls list;
	// results become individual role=tool messages carrying the calling id.
	ModeNative Mode = iota
	// ModePrompt means tool calls were detected by scanning streamed text
	// for a JSON envelope; results become a single role=user message.
	ModePrompt
)

// StatusKind is the lifecycle stage of one call, reported as it happens so
// the orchestrator can forward it to the client as a passthrough event.
type StatusKind int

const (
	StatusStarting StatusKind = iota
	StatusPartial
	StatusError
	StatusDone
)

// Status is one intermediate update for a single tool call.
type Status struct {
	CallID string
	Name   string
	Kind   StatusKind
	Detail string
}

// Result is the final outcome of executing a single tool call.
type Result struct {
	CallID  string
	Name    string
	Content string
	IsError bool

	// SideChannel carries an out-of-band payload a tool attached alongside
	// its textual result (e.g. a generated image URL), meant to reach the
	// client directly rather than re-enter the LLM context (spec §4.2
	// step 5). Empty when the tool's result carried no such payload.
	SideChannel string
}

// sideChannelEnvelope is the convention a tool result's Content follows to
// attach an out-of-band payload: a JSON object with a "text" field (what
// goes back to the model) and a "side_channel" field (what goes to the
// client as-is). Content that isn't this shape is passed through unchanged.
type sideChannelEnvelope struct {
	Text        string          `json:"text"`
	SideChannel json.RawMessage `json:"side_channel"`
}

func splitSideChannel(content string) (text, side string) {
	var env sideChannelEnvelope
	if err := json.Unmarshal([]byte(content), &env); err != nil || len(env.SideChannel) == 0 {
		return content, ""
	}
	return env.Text, string(env.SideChannel)
}

// Outcome is returned once every call in a batch has resolved: Messages is
// shaped per mode, ready to append to the conversation.
type Outcome struct {
	Results  []Result
	Messages []types.Message
}

// Executor runs tool calls through an [mcp.Host] and reports status.
type Executor struct {
	host mcp.Host
}

// New builds an Executor backed by host.
func New(host mcp.Host) *Executor {
	return &Executor{host: host}
}

// Execute runs every call in calls concurrently against the MCP Host,
// sending a Status to onStatus as each call starts and finishes, and
// returning once all calls have resolved. A call's own failure (transport,
// protocol, or application-level) never aborts its siblings — per spec
// §4.3 a tool-call round trip never raises, it always resolves to a
// structured Result.
//
// onStatus may be nil to discard intermediate updates; it is called
// concurrently from multiple goroutines and must not block.
func (e *Executor) Execute(ctx context.Context, calls []types.ToolCall, mode Mode, onStatus func(Status)) (Outcome, error) {
	results := make([]Result, len(calls))

	g, gctx := errgroup.WithContext(ctx)
	for i, call := range calls {
		i, call := i, call
		g.Go(func() error {
			emit(onStatus, Status{CallID: call.ID, Name: call.Name, Kind: StatusStarting})
			results[i] = e.executeOne(gctx, call)
			if results[i].IsError {
				emit(onStatus, Status{CallID: call.ID, Name: call.Name, Kind: StatusError, Detail: results[i].Content})
			} else {
				emit(onStatus, Status{CallID: call.ID, Name: call.Name, Kind: StatusDone})
			}
			return nil
		})
	}
	// Execute never propagates a per-call error out of the group: every
	// call.Name failure is already captured as a Result and every goroutine
	// returns nil, so g.Wait returns nil here.
	if err := g.Wait(); err != nil {
		return Outcome{}, fmt.Errorf("toolexec: %w", err)
	}

	return Outcome{Results: results, Messages: shapeMessages(results, mode)}, nil
}

// executeOne never returns a Go error to the caller: [mcp.Host.ExecuteTool]
// transport/protocol failures are folded into a structured error Result,
// matching spec §4.3's "call_tool never raises" requirement one layer up.
func (e *Executor) executeOne(ctx context.Context, call types.ToolCall) Result {
	res, err := e.host.ExecuteTool(ctx, call.Name, call.Arguments)
	if err != nil {
		return Result{CallID: call.ID, Name: call.Name, Content: err.Error(), IsError: true}
	}
	if res.IsError {
		return Result{CallID: call.ID, Name: call.Name, Content: res.Content, IsError: true}
	}
	text, side := splitSideChannel(res.Content)
	return Result{CallID: call.ID, Name: call.Name, Content: text, SideChannel: side}
}

func shapeMessages(results []Result, mode Mode) []types.Message {
	if mode == ModeNative {
		msgs := make([]types.Message, len(results))
		for i, r := range results {
			msgs[i] = types.Message{Role: "tool", Content: r.Content, ToolCallID: r.CallID}
		}
		return msgs
	}

	// Prompt mode: a single role=user message concatenating every result.
	var combined string
	for _, r := range results {
		label := r.Name
		if r.IsError {
			combined += fmt.Sprintf("[%s error] %s\n", label, r.Content)
		} else {
			combined += fmt.Sprintf("[%s result] %s\n", label, r.Content)
		}
	}
	return []types.Message{{Role: "user", Content: combined}}
}

func emit(onStatus func(Status), s Status) {
	if onStatus != nil {
		onStatus(s)
	}
}
