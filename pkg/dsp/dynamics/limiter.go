// Package dynamics implements the shared output limiter: a soft-knee
// compressor configured for limiting, applied to the summed mix.
package dynamics

import (
	"math"
	"sync/atomic"

	"github.com/fairmix/fairmix/pkg/dsp/envelope"
)

// Settings is the complete limiter parameter record. It is treated as an
// immutable value: Apply publishes a whole record atomically and the audio
// thread picks it up at the next buffer boundary.
type Settings struct {
	Enabled     bool    `toml:"enabled"`
	ThresholdDB float64 `toml:"threshold_db"`
	KneeDB      float64 `toml:"knee_db"`
	Ratio       float64 `toml:"ratio"`
	AttackMS    float64 `toml:"attack_ms"`
	ReleaseMS   float64 `toml:"release_ms"`
}

// Parameter ranges.
const (
	MinThresholdDB = -6.0
	MaxThresholdDB = -0.1
	MinKneeDB      = 0.0
	MaxKneeDB      = 40.0
)

// DefaultSettings returns the stock limiting configuration.
func DefaultSettings() Settings {
	return Settings{
		Enabled:     true,
		ThresholdDB: -1.0,
		KneeDB:      6.0,
		Ratio:       20.0,
		AttackMS:    3.0,
		ReleaseMS:   250.0,
	}
}

// bypassSettings keeps the limiter in the chain without audible effect, so
// enabling and disabling is a pure parameter flip.
func bypassSettings() Settings {
	return Settings{
		Enabled:     false,
		ThresholdDB: 0.0,
		KneeDB:      40.0,
		Ratio:       1.0,
		AttackMS:    0.0,
		ReleaseMS:   250.0,
	}
}

// Clamped returns a copy with every field forced into its allowed range.
func (s Settings) Clamped() Settings {
	c := s
	c.ThresholdDB = math.Min(MaxThresholdDB, math.Max(MinThresholdDB, c.ThresholdDB))
	c.KneeDB = math.Min(MaxKneeDB, math.Max(MinKneeDB, c.KneeDB))
	c.Ratio = math.Max(1.0, c.Ratio)
	c.AttackMS = math.Max(0.0, c.AttackMS)
	c.ReleaseMS = math.Max(1.0, c.ReleaseMS)
	return c
}

// Limiter applies linked stereo gain reduction to the mixed output. Process
// methods run on the audio thread; Apply may be called from any goroutine.
type Limiter struct {
	sampleRate float64
	settings   atomic.Pointer[Settings]
	detector   *envelope.Detector

	// Effective parameters, refreshed when a new settings record is seen.
	active        *Settings
	thresholdDB   float64
	kneeDB        float64
	slope         float64 // 1 - 1/ratio
	gainReduction float64
}

// NewLimiter creates a limiter with default settings.
func NewLimiter(sampleRate float64) *Limiter {
	l := &Limiter{
		sampleRate: sampleRate,
		detector:   envelope.NewDetector(sampleRate, 0.003, 0.250),
	}
	l.Apply(DefaultSettings())
	l.refresh()
	return l
}

// Apply publishes a new settings record. The record is clamped; the clamped
// copy is returned so callers can report the applied values.
func (l *Limiter) Apply(s Settings) Settings {
	c := s.Clamped()
	l.settings.Store(&c)
	return c
}

// Settings returns the most recently applied record.
func (l *Limiter) Settings() Settings {
	return *l.settings.Load()
}

// GainReduction returns the current gain reduction in dB, for metering.
func (l *Limiter) GainReduction() float64 { return l.gainReduction }

// refresh adopts a newly published settings record if any.
func (l *Limiter) refresh() {
	s := l.settings.Load()
	if s == l.active {
		return
	}
	l.active = s

	eff := *s
	if !eff.Enabled {
		eff = bypassSettings()
	}
	l.thresholdDB = eff.ThresholdDB
	l.kneeDB = eff.KneeDB
	if eff.Ratio < 1 {
		eff.Ratio = 1
	}
	l.slope = 1.0 - 1.0/eff.Ratio
	l.detector.SetAttack(eff.AttackMS / 1000.0)
	l.detector.SetRelease(eff.ReleaseMS / 1000.0)
}

// computeReduction returns the gain reduction in dB for an input level in dB,
// using a quadratic soft knee around the threshold.
func (l *Limiter) computeReduction(inputDB float64) float64 {
	half := l.kneeDB / 2
	switch {
	case inputDB <= l.thresholdDB-half:
		return 0
	case inputDB >= l.thresholdDB+half && l.kneeDB > 0:
		return (inputDB - l.thresholdDB) * l.slope
	case l.kneeDB == 0:
		if inputDB > l.thresholdDB {
			return (inputDB - l.thresholdDB) * l.slope
		}
		return 0
	default:
		over := inputDB - l.thresholdDB + half
		return l.slope * over * over / (2 * l.kneeDB)
	}
}

// ProcessStereo limits both channels in place with linked detection.
func (l *Limiter) ProcessStereo(left, right []float32) {
	l.refresh()

	n := len(left)
	if len(right) < n {
		n = len(right)
	}

	for i := 0; i < n; i++ {
		peak := math.Max(math.Abs(float64(left[i])), math.Abs(float64(right[i])))
		env := l.detector.Detect(peak)

		inputDB := -96.0
		if env > 0 {
			inputDB = 20.0 * math.Log10(env)
		}

		reduction := l.computeReduction(inputDB)
		l.gainReduction = reduction

		g := float32(math.Pow(10.0, -reduction/20.0))
		left[i] *= g
		right[i] *= g
	}
}

// ProcessBuffer limits a mono buffer in place.
func (l *Limiter) ProcessBuffer(buf []float32) {
	l.refresh()

	for i := range buf {
		env := l.detector.Detect(math.Abs(float64(buf[i])))

		inputDB := -96.0
		if env > 0 {
			inputDB = 20.0 * math.Log10(env)
		}

		reduction := l.computeReduction(inputDB)
		l.gainReduction = reduction

		buf[i] *= float32(math.Pow(10.0, -reduction/20.0))
	}
}

// Reset clears detector state and metering.
func (l *Limiter) Reset() {
	l.detector.Reset()
	l.gainReduction = 0
}
