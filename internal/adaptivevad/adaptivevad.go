// Package adaptivevad adjusts a VAD session's runtime thresholds in response
// to the client reporting background audio playback (spec §4.9), without
// touching the [vad.Engine]/[vad.SessionHandle] interfaces themselves.
package adaptivevad

import "github.com/cadencevoice/cadenced/pkg/provider/vad"

// DefaultMinRatio and DefaultMaxRatio bound how far thresholds may be scaled
// up, so a misreported volume can never push the VAD into effective
// deafness.
const (
	DefaultMinRatio = 1.0
	DefaultMaxRatio = 1.8
)

// Policy scales a base [vad.Config]'s thresholds by a volume-derived factor
// while background playback is active, and restores the base values on
// stop. The zero value is not usable; build one with [New].
//
// Policy is not safe for concurrent use; each connection owns one.
type Policy struct {
	base     vad.Config
	minRatio float64
	maxRatio float64
	active   bool
}

// New builds a Policy around base, the VAD config to scale from. minRatio
// and maxRatio bound the scaling factor; pass zero for both to use
// [DefaultMinRatio]/[DefaultMaxRatio].
func New(base vad.Config, minRatio, maxRatio float64) *Policy {
	if minRatio == 0 && maxRatio == 0 {
		minRatio, maxRatio = DefaultMinRatio, DefaultMaxRatio
	}
	return &Policy{base: base, minRatio: minRatio, maxRatio: maxRatio}
}

// Start raises the thresholds by a factor derived from volume (0.0-1.0,
// clamped to [Policy.minRatio, Policy.maxRatio]) and returns the scaled
// config to apply to the live VAD session.
func (p *Policy) Start(volume float64) vad.Config {
	p.active = true
	ratio := p.ratio(volume)
	return vad.Config{
		SampleRate:       p.base.SampleRate,
		FrameSizeMs:      p.base.FrameSizeMs,
		SpeechThreshold:  clampProbability(p.base.SpeechThreshold * ratio),
		SilenceThreshold: clampProbability(p.base.SilenceThreshold * ratio),
	}
}

// Stop reports that background playback has ended and returns the base
// config, unscaled.
func (p *Policy) Stop() vad.Config {
	p.active = false
	return p.base
}

// Active reports whether a scaling adjustment is currently in effect.
func (p *Policy) Active() bool { return p.active }

func (p *Policy) ratio(volume float64) float64 {
	if volume < 0 {
		volume = 0
	}
	if volume > 1 {
		volume = 1
	}
	r := p.minRatio + volume*(p.maxRatio-p.minRatio)
	if r < p.minRatio {
		return p.minRatio
	}
	if r > p.maxRatio {
		return p.maxRatio
	}
	return r
}

func clampProbability(v float64) float64 {
	if v > 1 {
		return 1
	}
	return v
}
