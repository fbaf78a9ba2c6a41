package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cadencevoice/cadenced/internal/pipeline"
	"github.com/cadencevoice/cadenced/internal/protocol"
	"github.com/cadencevoice/cadenced/internal/wakeword"
)

// scriptedAgent emits a fixed sequence of deltas, then ends. If block is
// non-nil, Stream blocks on it before emitting the next delta, used to
// simulate a turn in flight so a test can interrupt it.
type scriptedAgent struct {
	deltas []string
	block  <-chan struct{}
}

func (a *scriptedAgent) Stream(ctx context.Context, in AgentInput) <-chan AgentEvent {
	out := make(chan AgentEvent)
	go func() {
		defer close(out)
		for i, d := range a.deltas {
			if i == 0 && a.block != nil {
				select {
				case <-a.block:
				case <-ctx.Done():
					return
				}
			}
			select {
			case out <- AgentEvent{Kind: AgentDelta, Delta: d}:
			case <-ctx.Done():
				return
			}
		}
		select {
		case out <- AgentEvent{Kind: AgentEnd}:
		case <-ctx.Done():
		}
	}()
	return out
}

type recorder struct {
	mu  sync.Mutex
	out []protocol.Outbound
}

func (r *recorder) send(o protocol.Outbound) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.out = append(r.out, o)
	return nil
}

func (r *recorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.out))
	for i, o := range r.out {
		out[i] = o.Type
	}
	return out
}

func newTestOrchestrator(agent Agent) (*Orchestrator, *recorder) {
	cfg := Config{
		HistoryEnabled:       true,
		InterruptMarkerRole:  "system",
		Pipeline: pipeline.Config{TTSFilter: pipeline.DefaultTTSFilter()},
	}
	deps := Deps{Agent: agent}
	return New(cfg, deps), &recorder{}
}

func TestOrchestrator_TextTurnWithoutTools(t *testing.T) {
	agent := &scriptedAgent{deltas: []string{"Hello there. ", "How are you?"}}
	o, rec := newTestOrchestrator(agent)

	done := make(chan struct{})
	o.Trigger(context.Background(), func(o protocol.Outbound) error {
		err := rec.send(o)
		if o.Type == protocol.OutConversationEnd {
			close(done)
		}
		return err
	}, Input{Text: "hello"})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for conversation-end")
	}

	types := rec.types()
	if types[0] != protocol.OutConversationStart {
		t.Fatalf("first message = %q, want conversation-start", types[0])
	}
	if types[len(types)-1] != protocol.OutConversationEnd {
		t.Fatalf("last message = %q, want conversation-end", types[len(types)-1])
	}
	foundSynthComplete := false
	foundSentence := false
	for i, typ := range types {
		if typ == protocol.OutBackendSynthComplete {
			foundSynthComplete = true
			if i == len(types)-1 {
				t.Fatal("backend-synth-complete must precede conversation-end")
			}
		}
		if typ == protocol.OutSentenceOutput {
			foundSentence = true
			if foundSynthComplete {
				t.Fatal("sentence output arrived after backend-synth-complete")
			}
		}
	}
	if !foundSynthComplete || !foundSentence {
		t.Fatalf("types = %v", types)
	}
}

func TestOrchestrator_InterruptMidTurnTruncatesMemory(t *testing.T) {
	block := make(chan struct{})
	agent := &scriptedAgent{deltas: []string{"partial response that never finishes"}, block: block}
	o, rec := newTestOrchestrator(agent)

	o.Trigger(context.Background(), rec.send, Input{Text: "hello"})

	// Give the turn a moment to start waiting on block, then interrupt.
	time.Sleep(20 * time.Millisecond)
	o.Cancel("hel")
	close(block)

	// Allow the cancelled goroutine to finish.
	time.Sleep(20 * time.Millisecond)

	msgs := o.Memory().Messages()
	if len(msgs) < 3 {
		t.Fatalf("memory = %+v, want user+assistant+interrupt-marker entries", msgs)
	}
	last := msgs[len(msgs)-1]
	if last.Role != "system" || last.Content != "[Interrupted by user]" {
		t.Fatalf("last memory entry = %+v", last)
	}
	prev := msgs[len(msgs)-2]
	if prev.Role != "assistant" || prev.Content != "hel" {
		t.Fatalf("assistant entry = %+v, want content %q", prev, "hel")
	}
	user := msgs[len(msgs)-3]
	if user.Role != "user" || user.Content != "hello" {
		t.Fatalf("user entry = %+v, want original user message to survive the interrupt, not be overwritten by the assistant's partial reply", user)
	}
}

func TestOrchestrator_WakeGateBlocksListeningUtterances(t *testing.T) {
	agent := &scriptedAgent{deltas: []string{"should never run"}}
	gate := wakeword.New(wakeword.Config{
		WakeWords: []wakeword.Keyword{{Word: "hey aria", Language: "en"}},
		Greetings: map[string]string{"": "hi!"},
	}, true)

	cfg := Config{Pipeline: pipeline.Config{TTSFilter: pipeline.DefaultTTSFilter()}}
	o := New(cfg, Deps{Agent: agent, Gate: gate})
	rec := &recorder{}

	done := make(chan struct{})
	o.Trigger(context.Background(), func(o protocol.Outbound) error {
		err := rec.send(o)
		if o.Type == protocol.OutConversationEnd {
			close(done)
		}
		return err
	}, Input{Text: "what's the weather"})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out")
	}

	types := rec.types()
	for _, typ := range types {
		if typ == protocol.OutSentenceOutput {
			t.Fatalf("agent stage reached while gate is listening: %v", types)
		}
	}
}

func TestOrchestrator_SecondCancelIsNoop(t *testing.T) {
	block := make(chan struct{})
	agent := &scriptedAgent{deltas: []string{"x"}, block: block}
	o, rec := newTestOrchestrator(agent)
	o.Trigger(context.Background(), rec.send, Input{Text: "hi"})

	time.Sleep(10 * time.Millisecond)
	o.Cancel("h")
	o.Cancel("should not overwrite")
	close(block)
	time.Sleep(20 * time.Millisecond)

	msgs := o.Memory().Messages()
	for _, m := range msgs {
		if m.Content == "should not overwrite" {
			t.Fatal("second cancel must be a no-op")
		}
	}
}
