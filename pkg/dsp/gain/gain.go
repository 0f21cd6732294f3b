// Package gain provides dB conversions and the smoothed per-stream gain
// stage.
package gain

import (
	"math"
	"sync/atomic"
)

// MinDB is the floor for gain requests; lower requests are clamped up to it.
const MinDB = -60.0

// MuteDB is the level used to silence a stream outright.
const MuteDB = -100.0

// settleThreshold is the distance from the target below which the smoother
// snaps onto it, so a muted stage reaches exact silence.
const settleThreshold = 1e-6

// DBToLinear converts decibels to linear amplitude. Values at or below
// MuteDB map to zero.
func DBToLinear(db float64) float64 {
	if db <= MuteDB {
		return 0
	}
	return math.Pow(10.0, db/20.0)
}

// LinearToDB converts linear amplitude to decibels. Non-positive values map
// to -Inf.
func LinearToDB(linear float64) float64 {
	if linear <= 0 {
		return math.Inf(-1)
	}
	return 20.0 * math.Log10(linear)
}

// Clamp forces db into [lo, hi].
func Clamp(db, lo, hi float64) float64 {
	return math.Min(hi, math.Max(lo, db))
}

// Stage is the per-stream gain element. The control thread sets a target in
// dB through an atomic slot; the audio thread ramps the linear gain toward
// it with a one-pole smoother to avoid zipper noise. A separate mute flag
// silences the stream without disturbing the stored gain.
type Stage struct {
	targetBits atomic.Uint64
	muted      atomic.Bool

	current float64
	coef    float64
}

// NewStage creates a stage at unity gain. smoothingMS is the ramp time
// constant.
func NewStage(sampleRate, smoothingMS float64) *Stage {
	s := &Stage{
		current: 1.0,
		coef:    1.0 - math.Exp(-1000.0/(smoothingMS*sampleRate)),
	}
	s.SetTargetDB(0)
	return s
}

// SetTargetDB publishes a new gain target. Safe from any goroutine.
func (s *Stage) SetTargetDB(db float64) {
	s.targetBits.Store(math.Float64bits(DBToLinear(db)))
}

// SetMuted silences or restores the stage without touching the target.
func (s *Stage) SetMuted(muted bool) {
	s.muted.Store(muted)
}

// Muted reports whether the stage is muted.
func (s *Stage) Muted() bool {
	return s.muted.Load()
}

// Apply copies src into dst with the smoothed gain applied. Lengths must
// match; the shorter bound wins.
func (s *Stage) Apply(src, dst []float32) {
	target := math.Float64frombits(s.targetBits.Load())
	if s.muted.Load() {
		target = 0
	}

	n := len(src)
	if len(dst) < n {
		n = len(dst)
	}

	g := s.current
	for i := 0; i < n; i++ {
		g += (target - g) * s.coef
		if math.Abs(target-g) < settleThreshold {
			g = target
		}
		dst[i] = src[i] * float32(g)
	}
	s.current = g
}

// ApplyStereo applies the same smoothed gain trajectory to both channels.
func (s *Stage) ApplyStereo(srcL, srcR, dstL, dstR []float32) {
	target := math.Float64frombits(s.targetBits.Load())
	if s.muted.Load() {
		target = 0
	}

	n := len(srcL)
	if len(srcR) < n {
		n = len(srcR)
	}

	g := s.current
	for i := 0; i < n; i++ {
		g += (target - g) * s.coef
		if math.Abs(target-g) < settleThreshold {
			g = target
		}
		f := float32(g)
		dstL[i] = srcL[i] * f
		dstR[i] = srcR[i] * f
	}
	s.current = g
}

// Reset snaps the smoother to the current target.
func (s *Stage) Reset() {
	target := math.Float64frombits(s.targetBits.Load())
	if s.muted.Load() {
		target = 0
	}
	s.current = target
}
