// Package pipeline implements the sentence pipeline: the stage-composed
// transform from the streaming agent's text deltas into an ordered stream of
// [Unit]s, each carrying synthesized audio.
//
// The four stages (divider, actions extractor, display processor, TTS
// filter) are composed at construction, fixed for the lifetime of a
// [Pipeline], rather than stacking decorators at call time.
package pipeline

import (
	"context"
	"regexp"
	"strings"
)

// Unit is one segmented sentence, ready for TTS and display.
type Unit struct {
	// Seq is the zero-based position of this unit within the turn. Units
	// must be delivered to the client in Seq order even though TTS
	// synthesis for later units may finish before earlier ones.
	Seq int

	// DisplayText is the on-screen form: emojis and tag content preserved.
	DisplayText string

	// TTSText is the form actually sent to the TTS engine: special
	// characters, brackets, and other non-speakable content stripped.
	TTSText string

	// Actions are bracketed expression tokens extracted from the sentence
	// (e.g. Live2D model expressions), in order of appearance.
	Actions []string

	// Tags holds "valid tag" side-channel elements (e.g. <think>...</think>)
	// extracted by the divider; these are never spoken or extracted for
	// actions, only carried for the client to render specially.
	Tags []TagSpan
}

// TagSpan is a preserved valid-tag region of the original text.
type TagSpan struct {
	Name    string
	Content string
}

// Config controls pipeline stage behavior.
type Config struct {
	// FasterFirstResponse forces early emission of the first sentence
	// after the first terminal punctuation, reducing time-to-audio for
	// the first utterance of a turn.
	FasterFirstResponse bool

	// ValidTags are tag names preserved as structured side-channel
	// elements rather than split into ordinary sentences (e.g. "think").
	ValidTags []string

	// ActionTokens are the bracketed expression names the actions
	// extractor recognizes (e.g. "smile", "wave"). An empty set disables
	// extraction — every bracketed token is left untouched as text.
	ActionTokens []string

	// TTSFilter controls which categories of characters are stripped for
	// the TTS-bound text. Each field defaults to true (strip) via
	// [DefaultTTSFilter] — callers needing the defaults should start from
	// that value rather than a zero Config.
	TTSFilter TTSFilterPolicy
}

// TTSFilterPolicy is the boolean policy set for the TTS filter stage.
type TTSFilterPolicy struct {
	RemoveSpecialChars    bool
	RemoveBrackets        bool
	RemoveParentheses     bool
	RemoveAsterisks       bool
	RemoveAngleBrackets   bool
	TranslateHyphensToPause bool
	RemoveSlashes         bool
}

// DefaultTTSFilter returns the policy with every strip category enabled,
// matching the teacher config's tts_preprocessor defaults.
func DefaultTTSFilter() TTSFilterPolicy {
	return TTSFilterPolicy{
		RemoveSpecialChars:      true,
		RemoveBrackets:          true,
		RemoveParentheses:       true,
		RemoveAsterisks:         true,
		RemoveAngleBrackets:     true,
		TranslateHyphensToPause: true,
		RemoveSlashes:           true,
	}
}

// Pipeline consumes text deltas from the streaming agent and emits ordered
// [Unit]s. A Pipeline is used for exactly one turn and discarded.
type Pipeline struct {
	cfg     Config
	divider *divider

	buf        strings.Builder
	seq        int
	firstFlushed bool
}

// New builds a Pipeline for one turn.
func New(cfg Config) *Pipeline {
	return &Pipeline{
		cfg:     cfg,
		divider: newDivider(cfg.ValidTags, cfg.FasterFirstResponse),
	}
}

// Feed appends a text delta and returns any complete sentences it produced,
// in order. Call [Pipeline.Flush] after the agent stream ends to emit any
// trailing partial sentence.
func (p *Pipeline) Feed(delta string) []Unit {
	p.buf.WriteString(delta)
	sentences, rest, tags := p.divider.split(p.buf.String(), p.firstFlushed)
	p.buf.Reset()
	p.buf.WriteString(rest)

	units := make([]Unit, 0, len(sentences))
	for i, s := range sentences {
		units = append(units, p.toUnit(s, tagsForSentence(tags, i)))
		p.firstFlushed = true
	}
	return units
}

// Flush emits the trailing buffered text (if non-empty) as a final Unit.
func (p *Pipeline) Flush() []Unit {
	rest := strings.TrimSpace(p.buf.String())
	p.buf.Reset()
	if rest == "" {
		return nil
	}
	return []Unit{p.toUnit(rest, nil)}
}

func (p *Pipeline) toUnit(sentence string, tags []TagSpan) Unit {
	display := displayProcess(sentence)
	actions, stripped := extractActions(sentence, p.cfg.ActionTokens)
	tts := ttsFilter(stripped, p.cfg.TTSFilter)

	seq := p.seq
	p.seq++
	return Unit{
		Seq:         seq,
		DisplayText: display,
		TTSText:     tts,
		Actions:     actions,
		Tags:        tags,
	}
}

func tagsForSentence(all [][]TagSpan, i int) []TagSpan {
	if i < len(all) {
		return all[i]
	}
	return nil
}

// ── Divider ──────────────────────────────────────────────────────────────

// sentenceBoundary matches a terminal punctuation mark optionally followed
// by closing quotes/brackets, then whitespace or end of string.
var sentenceBoundary = regexp.MustCompile(`[.!?。！？]+["')\]]*(\s+|$)`)

type divider struct {
	validTags           map[string]bool
	fasterFirstResponse bool
}

func newDivider(validTags []string, faster bool) *divider {
	m := make(map[string]bool, len(validTags))
	for _, t := range validTags {
		m[t] = true
	}
	return &divider{validTags: m, fasterFirstResponse: faster}
}

// split extracts valid-tag spans, then splits the remaining text into
// complete sentences plus a trailing remainder. firstEmitted indicates
// whether a sentence has already been emitted on this pipeline, which
// matters only when fasterFirstResponse is set.
func (d *divider) split(text string, firstEmitted bool) (sentences []string, rest string, tagsPerSentence [][]TagSpan) {
	clean, tags := extractValidTags(text, d.validTags)

	locs := sentenceBoundary.FindAllStringIndex(clean, -1)
	if len(locs) == 0 {
		return nil, clean, nil
	}

	limit := len(locs)
	if d.fasterFirstResponse && !firstEmitted {
		limit = 1
	}

	start := 0
	for i := 0; i < limit; i++ {
		end := locs[i][1]
		s := strings.TrimSpace(clean[start:end])
		if s != "" {
			sentences = append(sentences, s)
			tagsPerSentence = append(tagsPerSentence, tags)
			tags = nil // attach pending tags to the first sentence only
		}
		start = end
	}
	return sentences, clean[start:], tagsPerSentence
}

var validTagPattern = regexp.MustCompile(`(?s)<(\w+)>(.*?)</(\w+)>`)

// extractValidTags removes <tag>...</tag> regions whose name is in
// validTags from text, returning the remaining text and the extracted spans
// in order of appearance.
func extractValidTags(text string, validTags map[string]bool) (string, []TagSpan) {
	if len(validTags) == 0 {
		return text, nil
	}
	var spans []TagSpan
	out := validTagPattern.ReplaceAllStringFunc(text, func(m string) string {
		g := validTagPattern.FindStringSubmatch(m)
		if g[1] != g[3] || !validTags[g[1]] {
			return m
		}
		spans = append(spans, TagSpan{Name: g[1], Content: g[2]})
		return ""
	})
	return out, spans
}

// ── Actions extractor ───────────────────────────────────────────────────

var bracketToken = regexp.MustCompile(`\[(\w+)\]`)

// extractActions pulls bracketed expression tokens declared in tokens out of
// sentence, returning them in order along with the sentence text with those
// tokens removed. An empty tokens set disables extraction.
func extractActions(sentence string, tokens []string) ([]string, string) {
	if len(tokens) == 0 {
		return nil, sentence
	}
	allowed := make(map[string]bool, len(tokens))
	for _, t := range tokens {
		allowed[strings.ToLower(t)] = true
	}

	var actions []string
	stripped := bracketToken.ReplaceAllStringFunc(sentence, func(m string) string {
		name := bracketToken.FindStringSubmatch(m)[1]
		if !allowed[strings.ToLower(name)] {
			return m
		}
		actions = append(actions, name)
		return ""
	})
	return actions, collapseSpaces(stripped)
}

// ── Display processor ────────────────────────────────────────────────────

// displayProcess produces the on-screen form of a sentence: emojis and tag
// content pass through untouched; only redundant whitespace from upstream
// extraction is collapsed.
func displayProcess(sentence string) string {
	return collapseSpaces(sentence)
}

// ── TTS filter ───────────────────────────────────────────────────────────

var (
	bracketsRe    = regexp.MustCompile(`\[[^\]]*\]`)
	parensRe      = regexp.MustCompile(`\([^)]*\)`)
	angleBracketsRe = regexp.MustCompile(`<[^>]*>`)
	specialCharsRe  = regexp.MustCompile(`[#@^_~{}|]`)
)

// ttsFilter strips characters the TTS engine should never see, per policy.
func ttsFilter(sentence string, p TTSFilterPolicy) string {
	s := sentence

	if p.RemoveBrackets {
		s = bracketsRe.ReplaceAllString(s, "")
	}
	if p.RemoveParentheses {
		s = parensRe.ReplaceAllString(s, "")
	}
	if p.RemoveAngleBrackets {
		s = angleBracketsRe.ReplaceAllString(s, "")
	}
	if p.RemoveAsterisks {
		s = strings.ReplaceAll(s, "*", "")
	}
	if p.RemoveSlashes {
		s = strings.ReplaceAll(s, "/", " ")
	}
	if p.TranslateHyphensToPause {
		s = strings.ReplaceAll(s, "--", ", ")
		s = strings.ReplaceAll(s, "-", ", ")
	}
	if p.RemoveSpecialChars {
		s = specialCharsRe.ReplaceAllString(s, "")
	}

	return collapseSpaces(s)
}

var multiSpaceRe = regexp.MustCompile(`\s+`)

func collapseSpaces(s string) string {
	return strings.TrimSpace(multiSpaceRe.ReplaceAllString(s, " "))
}

// ── Turn-scoped synthesis scheduling ─────────────────────────────────────

// Synthesizer turns TTS-filtered text into an audio artifact. Implementations
// are expected to be safe for concurrent use since [Scheduler] awaits
// multiple synthesis calls concurrently.
type Synthesizer func(ctx context.Context, text string) ([]byte, error)

// Scheduled is a Unit paired with its synthesized audio, in Seq order.
type Scheduled struct {
	Unit
	Audio []byte
}

// Scheduler awaits concurrent TTS synthesis tasks while preserving the
// divider's emission order, per spec §4.5 and §5: the orchestrator must
// deliver Sentence Units to the client in input order even though synthesis
// itself may complete out of order.
type Scheduler struct {
	synth Synthesizer
}

// NewScheduler builds a Scheduler backed by synth.
func NewScheduler(synth Synthesizer) *Scheduler {
	return &Scheduler{synth: synth}
}

// Schedule launches synthesis for unit immediately and returns a function
// that blocks until that specific unit's audio is ready (or ctx is done).
// Callers invoke the returned functions in Seq order to get in-order
// delivery despite concurrent synthesis.
func (s *Scheduler) Schedule(ctx context.Context, unit Unit) func() (Scheduled, error) {
	type result struct {
		audio []byte
		err   error
	}
	done := make(chan result, 1)

	go func() {
		audio, err := s.synth(ctx, unit.TTSText)
		done <- result{audio: audio, err: err}
	}()

	return func() (Scheduled, error) {
		select {
		case <-ctx.Done():
			return Scheduled{Unit: unit}, ctx.Err()
		case r := <-done:
			if r.err != nil {
				return Scheduled{Unit: unit}, r.err
			}
			return Scheduled{Unit: unit, Audio: r.audio}, nil
		}
	}
}
