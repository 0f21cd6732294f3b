// Package analysis provides output metering for the mixed signal.
package analysis

import (
	"math"
	"sync/atomic"
)

// PeakMeter tracks the sample-domain peak of the mix with a decaying
// ballistic and a held maximum. ProcessStereo and Reset run on the render
// thread; the getters may be called from the control thread. Levels cross
// threads as bit-packed float64 atomics, so the render path never locks.
type PeakMeter struct {
	sampleRate float64
	holdTime   float64
	decayRate  float64 // dB per second

	peakBits atomic.Uint64
	holdBits atomic.Uint64

	// Render-thread state.
	holdCount int
}

// NewPeakMeter creates a meter with a 2 s hold and 20 dB/s decay.
func NewPeakMeter(sampleRate float64) *PeakMeter {
	return &PeakMeter{
		sampleRate: sampleRate,
		holdTime:   2.0,
		decayRate:  20.0,
	}
}

// ProcessStereo updates the meter from both output channels.
func (pm *PeakMeter) ProcessStereo(left, right []float32) {
	n := len(left)
	if len(right) < n {
		n = len(right)
	}

	blockPeak := 0.0
	for i := 0; i < n; i++ {
		if v := math.Abs(float64(left[i])); v > blockPeak {
			blockPeak = v
		}
		if v := math.Abs(float64(right[i])); v > blockPeak {
			blockPeak = v
		}
	}

	peak := math.Float64frombits(pm.peakBits.Load())
	decay := pm.decayRate / pm.sampleRate * float64(n) / 20.0 * math.Ln10
	peak *= math.Exp(-decay)
	if blockPeak > peak {
		peak = blockPeak
	}
	pm.peakBits.Store(math.Float64bits(peak))

	hold := math.Float64frombits(pm.holdBits.Load())
	if blockPeak > hold {
		hold = blockPeak
		pm.holdCount = int(pm.holdTime * pm.sampleRate)
	} else {
		pm.holdCount -= n
		if pm.holdCount <= 0 {
			hold = peak
			pm.holdCount = 0
		}
	}
	pm.holdBits.Store(math.Float64bits(hold))
}

// PeakDB returns the current decaying peak in dBFS, -Inf when silent.
func (pm *PeakMeter) PeakDB() float64 {
	peak := math.Float64frombits(pm.peakBits.Load())
	if peak <= 0 {
		return math.Inf(-1)
	}
	return 20.0 * math.Log10(peak)
}

// HoldDB returns the held peak in dBFS, -Inf when silent.
func (pm *PeakMeter) HoldDB() float64 {
	hold := math.Float64frombits(pm.holdBits.Load())
	if hold <= 0 {
		return math.Inf(-1)
	}
	return 20.0 * math.Log10(hold)
}

// Reset clears peak and hold state.
func (pm *PeakMeter) Reset() {
	pm.peakBits.Store(0)
	pm.holdBits.Store(0)
	pm.holdCount = 0
}
