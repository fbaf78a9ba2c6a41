// Package wakeword implements the per-connection wake-word/interrupt gate.
// A [Gate] decides whether an utterance is allowed to reach the agent stage,
// tracking a small two-state machine per connection: listening and active.
package wakeword

import (
	"strings"

	"github.com/antzucaro/matchr"
)

// State is a connection's membership in the wake-word state machine.
type State int

const (
	// Listening is the initial state: utterances are scanned for a wake
	// word and otherwise dropped before reaching the agent.
	Listening State = iota
	// Active means utterances pass through to the agent unchanged, except
	// for end-word detection which demotes back to Listening.
	Active
)

// String implements fmt.Stringer.
func (s State) String() string {
	if s == Active {
		return "active"
	}
	return "listening"
}

// Action describes what a Gate decided about one utterance.
type Action int

const (
	// ActionIgnore means the utterance carried no wake word while
	// Listening; the turn must produce no output.
	ActionIgnore Action = iota
	// ActionWake means a wake word was matched; Residue (or Greeting, if
	// Residue is empty) becomes the turn's effective input.
	ActionWake
	// ActionSleep means an end word was matched while Active; Farewell
	// becomes the turn's effective input.
	ActionSleep
	// ActionPass means the utterance passes through unchanged.
	ActionPass
)

// Result is the outcome of [Gate.Process] for one utterance.
type Result struct {
	Action Action

	// MatchedWord and Language describe the trigger for Wake/Sleep
	// actions; both are empty for Ignore/Pass.
	MatchedWord string
	Language    string

	// Residue is the utterance text with the matched wake word removed.
	// Empty when the wake word was the entire utterance.
	Residue string

	// Text is the effective turn input: Residue or a greeting for Wake,
	// a farewell for Sleep, the original utterance for Pass.
	Text string

	// Preview is a truncated copy of the ignored utterance, attached to
	// the "ignored" event so a UI can show what was discarded.
	Preview string

	// AdvertisementControl is a pure notification hint attached to Wake
	// and Sleep results so the UI can pause/resume background content.
	// The gate never manages the background player itself.
	AdvertisementControl string

	// State is the connection's state after this utterance was processed.
	State State

	// WakeCount is the running total of successful wake transitions.
	WakeCount int
}

// Keyword pairs a wake or end word with the language it is written in.
type Keyword struct {
	Word     string
	Language string
}

// Config configures a [Gate]. WakeWords and EndWords may each contain
// entries in multiple languages; matching is case-insensitive and tolerant
// of minor ASR mis-transcription via fuzzy comparison.
type Config struct {
	WakeWords []Keyword
	EndWords  []Keyword

	// Greetings and Farewells map language to the localized string used
	// when the residue after a wake word is empty, or on every sleep
	// transition respectively. A "" key is the fallback for unmatched
	// languages.
	Greetings  map[string]string
	Farewells  map[string]string

	// FuzzyThreshold is the minimum Jaro-Winkler similarity (0..1) for a
	// word in the utterance to count as matching a configured keyword.
	// Zero selects a conservative default of 0.85.
	FuzzyThreshold float64

	// PreviewLen bounds the length of the Preview field on ignored events.
	// Zero selects a default of 80 runes.
	PreviewLen int
}

const (
	defaultFuzzyThreshold = 0.85
	defaultPreviewLen     = 80
)

// Gate is the per-connection wake-word state machine described in spec §4.6.
// A Gate is not safe for concurrent use; callers serialize access the same
// way they serialize all other per-connection state.
type Gate struct {
	cfg       Config
	state     State
	wakeCount int

	// enabled mirrors the global enable flag from spec §4.6: when false,
	// every connection behaves as if it were already Active.
	enabled bool
}

// New builds a Gate in the Listening state. enabled corresponds to the
// global wake-word feature flag; when false the gate always reports
// ActionPass regardless of content.
func New(cfg Config, enabled bool) *Gate {
	if cfg.FuzzyThreshold <= 0 {
		cfg.FuzzyThreshold = defaultFuzzyThreshold
	}
	if cfg.PreviewLen <= 0 {
		cfg.PreviewLen = defaultPreviewLen
	}
	return &Gate{cfg: cfg, state: Listening, enabled: enabled}
}

// State reports the gate's current state.
func (g *Gate) State() State { return g.state }

// WakeCount reports the number of successful wake transitions so far.
func (g *Gate) WakeCount() int { return g.wakeCount }

// Process decides the fate of one utterance and advances the state machine.
func (g *Gate) Process(text string) Result {
	if !g.enabled {
		return Result{Action: ActionPass, Text: text, State: Active, WakeCount: g.wakeCount}
	}

	switch g.state {
	case Listening:
		if kw, residue, ok := g.matchAny(text, g.cfg.WakeWords); ok {
			g.state = Active
			g.wakeCount++
			effective := residue
			if effective == "" {
				effective = g.localized(g.cfg.Greetings, kw.Language)
			}
			return Result{
				Action:               ActionWake,
				MatchedWord:          kw.Word,
				Language:             kw.Language,
				Residue:              residue,
				Text:                 effective,
				State:                g.state,
				WakeCount:            g.wakeCount,
				AdvertisementControl: "pause",
			}
		}
		return Result{
			Action:    ActionIgnore,
			Preview:   truncate(text, g.cfg.PreviewLen),
			State:     g.state,
			WakeCount: g.wakeCount,
		}

	default: // Active
		if kw, _, ok := g.matchAny(text, g.cfg.EndWords); ok {
			g.state = Listening
			return Result{
				Action:               ActionSleep,
				MatchedWord:          kw.Word,
				Language:             kw.Language,
				Text:                 g.localized(g.cfg.Farewells, kw.Language),
				State:                g.state,
				WakeCount:            g.wakeCount,
				AdvertisementControl: "resume",
			}
		}
		return Result{Action: ActionPass, Text: text, State: g.state, WakeCount: g.wakeCount}
	}
}

// matchAny scans text word-by-word for a fuzzy match against any keyword in
// words, returning the matched keyword and the text with the matched span
// removed.
func (g *Gate) matchAny(text string, words []Keyword) (Keyword, string, bool) {
	lower := strings.ToLower(text)
	fields := strings.Fields(lower)

	for _, kw := range words {
		target := strings.ToLower(kw.Word)
		targetWords := strings.Fields(target)

		idx := indexOfFuzzySequence(fields, targetWords, g.cfg.FuzzyThreshold)
		if idx < 0 {
			continue
		}
		residue := removeWordsAt(text, idx, len(targetWords))
		return kw, strings.TrimSpace(residue), true
	}
	return Keyword{}, "", false
}

// indexOfFuzzySequence finds the starting word index in fields where the
// sequence target appears, each word compared with Jaro-Winkler similarity,
// or -1 if no window meets threshold on every word.
func indexOfFuzzySequence(fields, target []string, threshold float64) int {
	if len(target) == 0 || len(fields) < len(target) {
		return -1
	}
	for start := 0; start+len(target) <= len(fields); start++ {
		matched := true
		for i, t := range target {
			if matchr.JaroWinkler(fields[start+i], t, true) < threshold {
				matched = false
				break
			}
		}
		if matched {
			return start
		}
	}
	return -1
}

// removeWordsAt removes the word-count-many words starting at word index
// start from text, reconstructing from the original (not lowercased) text
// by re-splitting on whitespace; this is adequate for the space-delimited
// transcripts ASR engines emit.
func removeWordsAt(text string, start, count int) string {
	fields := strings.Fields(text)
	if start < 0 || start+count > len(fields) {
		return text
	}
	remaining := append(append([]string{}, fields[:start]...), fields[start+count:]...)
	return strings.Join(remaining, " ")
}

func (g *Gate) localized(m map[string]string, lang string) string {
	if s, ok := m[lang]; ok {
		return s
	}
	return m[""]
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
