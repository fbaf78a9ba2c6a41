package svccontext

import (
	"context"
	"encoding/binary"
	"errors"

	"github.com/cadencevoice/cadenced/internal/config"
	"github.com/cadencevoice/cadenced/internal/pipeline"
	"github.com/cadencevoice/cadenced/pkg/provider/stt"
	"github.com/cadencevoice/cadenced/pkg/provider/tts"
	"github.com/cadencevoice/cadenced/pkg/provider/vad"
	"github.com/cadencevoice/cadenced/pkg/types"
)

// defaultValidTags preserves <think>...</think> regions as a structured
// side-channel element rather than splitting them into spoken sentences.
// No character-config field currently selects a different tag set.
var defaultValidTags = []string{"think"}

// pipelineConfigFor builds the per-turn sentence pipeline config from a
// character's tts_preprocessor block. ActionTokens is left empty: no
// config field selects a set of Live2D expression tokens, so bracketed
// text passes through untouched rather than being silently swallowed.
func pipelineConfigFor(charCfg config.CharacterConfig) pipeline.Config {
	p := charCfg.TTSPreprocessor
	return pipeline.Config{
		ValidTags: defaultValidTags,
		TTSFilter: pipeline.TTSFilterPolicy{
			RemoveSpecialChars:      p.RemoveSpecialChars,
			RemoveBrackets:          p.RemoveBrackets,
			RemoveParentheses:       p.RemoveParentheses,
			RemoveAsterisks:         p.RemoveAsterisks,
			RemoveAngleBrackets:     p.RemoveAngleBrackets,
			TranslateHyphensToPause: p.TranslateHyphensToPause,
			// No tts_preprocessor field selects this independently; slash
			// stripping tracks the general special-chars switch.
			RemoveSlashes: p.RemoveSpecialChars,
		},
	}
}

// defaultVADConfig holds the base thresholds applied when a character's VAD
// options don't override them, matching the typical values documented on
// [vad.Config].
var defaultVADConfig = vad.Config{
	SampleRate:       16000,
	FrameSizeMs:      30,
	SpeechThreshold:  0.5,
	SilenceThreshold: 0.35,
}

// vadConfigFor derives a base [vad.Config] from a VAD provider entry's
// options map, falling back to [defaultVADConfig] for any field not
// present or not numeric.
func vadConfigFor(entry config.ProviderEntry) vad.Config {
	cfg := defaultVADConfig
	if entry.Options == nil {
		return cfg
	}
	if v, ok := numericOption(entry.Options, "sample_rate"); ok {
		cfg.SampleRate = int(v)
	}
	if v, ok := numericOption(entry.Options, "frame_size_ms"); ok {
		cfg.FrameSizeMs = int(v)
	}
	if v, ok := numericOption(entry.Options, "speech_threshold"); ok {
		cfg.SpeechThreshold = v
	}
	if v, ok := numericOption(entry.Options, "silence_threshold"); ok {
		cfg.SilenceThreshold = v
	}
	return cfg
}

func numericOption(opts map[string]any, key string) (float64, bool) {
	switch v := opts[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	default:
		return 0, false
	}
}

// asrSampleRate is the PCM sample rate the orchestrator's [orchestrator.ASR]
// input is assumed to carry. The client socket protocol only ever sends
// 16kHz mono PCM (spec §6), so this is fixed rather than configurable.
const asrSampleRate = 16000

// asrAdapter bridges [stt.Provider]'s streaming session interface into the
// single-shot blocking call orchestrator.ASR expects: it opens one session
// per Transcribe call, pushes the whole utterance, and waits for the first
// final transcript.
type asrAdapter struct {
	provider stt.Provider
}

func (a *asrAdapter) Transcribe(ctx context.Context, pcm []int16) (string, error) {
	session, err := a.provider.StartStream(ctx, stt.StreamConfig{
		SampleRate: asrSampleRate,
		Channels:   1,
	})
	if err != nil {
		return "", err
	}
	defer session.Close()

	buf := make([]byte, len(pcm)*2)
	for i, sample := range pcm {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(sample))
	}
	if err := session.SendAudio(buf); err != nil {
		return "", err
	}

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case t, ok := <-session.Finals():
		if !ok {
			return "", errors.New("svccontext: asr session closed before a final transcript")
		}
		return t.Text, nil
	}
}

// synthesizerFor adapts a [tts.Provider] into a [pipeline.Synthesizer]: a
// single text-in, audio-out call per sentence unit. The provider's
// streaming interface is built for pipelining a whole turn's text, but the
// pipeline scheduler already calls Synthesizer once per segmented sentence,
// so each call opens its own one-shot stream.
func synthesizerFor(provider tts.Provider, voice types.VoiceProfile) func(ctx context.Context, text string) ([]byte, error) {
	return func(ctx context.Context, text string) ([]byte, error) {
		textCh := make(chan string, 1)
		textCh <- text
		close(textCh)

		audioCh, err := provider.SynthesizeStream(ctx, textCh, voice)
		if err != nil {
			return nil, err
		}

		var out []byte
		for chunk := range audioCh {
			out = append(out, chunk...)
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return out, nil
	}
}
