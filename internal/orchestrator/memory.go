package orchestrator

import (
	"sync"

	"github.com/cadencevoice/cadenced/pkg/types"
)

// DefaultMemoryCap is the default bound on [ChatMemory] length, matching
// spec §3's Chat Memory entity ("capped at N messages, default 6").
const DefaultMemoryCap = 6

// ChatMemory is the bounded, ordered conversation history the agent loop
// reads from and appends to. It enforces the two invariants from spec §3:
// the memory never exceeds its cap, and no two adjacent entries of the same
// role may be byte-identical.
//
// Safe for concurrent use.
type ChatMemory struct {
	mu  sync.Mutex
	cap int
	msg []types.Message
}

// NewChatMemory builds a ChatMemory bounded to cap messages. A cap ≤ 0
// selects [DefaultMemoryCap].
func NewChatMemory(cap int) *ChatMemory {
	if cap <= 0 {
		cap = DefaultMemoryCap
	}
	return &ChatMemory{cap: cap}
}

// Append adds msg to memory unless it is empty or a byte-identical
// duplicate of the last entry with the same role, then truncates to the
// cap by dropping the oldest entries.
func (m *ChatMemory) Append(msg types.Message) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if msg.Content == "" && len(msg.ToolCalls) == 0 {
		return
	}
	if n := len(m.msg); n > 0 {
		last := m.msg[n-1]
		if last.Role == msg.Role && last.Content == msg.Content {
			return
		}
	}

	m.msg = append(m.msg, msg)
	if over := len(m.msg) - m.cap; over > 0 {
		m.msg = m.msg[over:]
	}
}

// Messages returns a copy of the current history, oldest first.
func (m *ChatMemory) Messages() []types.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.Message, len(m.msg))
	copy(out, m.msg)
	return out
}

// ReplaceLast overwrites the most recently appended entry in place, used by
// cancellation to truncate an assistant reply to what the client reports it
// played back. It only overwrites when the last entry's role matches
// msg.Role — a turn cancelled before any assistant text was appended (e.g.
// interrupted during ASR or tool execution) leaves the user's own message as
// the last entry, and clobbering that would silently discard it. In that
// case, or when memory is empty, msg is appended instead.
func (m *ChatMemory) ReplaceLast(msg types.Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n := len(m.msg); n > 0 && m.msg[n-1].Role == msg.Role {
		m.msg[n-1] = msg
		return
	}
	m.msg = append(m.msg, msg)
	if over := len(m.msg) - m.cap; over > 0 {
		m.msg = m.msg[over:]
	}
}

// Len reports the current number of entries.
func (m *ChatMemory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.msg)
}
