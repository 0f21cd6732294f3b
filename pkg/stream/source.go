// Package stream wraps one capture source with its per-stream DSP chain:
// K-weighted loudness analysis on the pre-gain signal and a smoothed gain
// stage on the playback branch.
package stream

import (
	"io"
	"math"

	"github.com/fairmix/fairmix/pkg/dsp/utility"
)

// ID identifies a registered stream.
type ID string

// Source delivers PCM frames from the host. Pull fills one buffer per
// channel and returns the number of frames written; it returns io.EOF once
// the underlying capture has ended. Pull is called from the render thread
// and must not block.
type Source interface {
	SampleRate() float64
	Channels() int
	Pull(dst [][]float32) (int, error)
}

// SineSource generates a stereo test tone.
type SineSource struct {
	Freq      float64
	Amplitude float64
	Rate      float64

	phase float64
}

// NewSineSource creates a tone source at the given level in dBFS.
func NewSineSource(rate, freq, levelDB float64) *SineSource {
	return &SineSource{
		Freq:      freq,
		Amplitude: math.Pow(10.0, levelDB/20.0),
		Rate:      rate,
	}
}

// SampleRate implements Source.
func (s *SineSource) SampleRate() float64 { return s.Rate }

// Channels implements Source.
func (s *SineSource) Channels() int { return 2 }

// Pull implements Source.
func (s *SineSource) Pull(dst [][]float32) (int, error) {
	n := len(dst[0])
	step := 2 * math.Pi * s.Freq / s.Rate
	for i := 0; i < n; i++ {
		v := float32(s.Amplitude * math.Sin(s.phase))
		dst[0][i] = v
		dst[1][i] = v
		s.phase += step
		if s.phase > 2*math.Pi {
			s.phase -= 2 * math.Pi
		}
	}
	return n, nil
}

// NoiseSource generates decorrelated stereo noise.
type NoiseSource struct {
	rate      float64
	amplitude float64
	left      *utility.NoiseGenerator
	right     *utility.NoiseGenerator
}

// NewNoiseSource creates a noise source at the given level in dBFS.
func NewNoiseSource(rate float64, noiseType utility.NoiseType, levelDB float64, seed int64) *NoiseSource {
	return &NoiseSource{
		rate:      rate,
		amplitude: math.Pow(10.0, levelDB/20.0),
		left:      utility.NewNoiseGenerator(noiseType, seed),
		right:     utility.NewNoiseGenerator(noiseType, seed+1),
	}
}

// SampleRate implements Source.
func (s *NoiseSource) SampleRate() float64 { return s.rate }

// Channels implements Source.
func (s *NoiseSource) Channels() int { return 2 }

// Pull implements Source.
func (s *NoiseSource) Pull(dst [][]float32) (int, error) {
	s.left.Fill(dst[0], s.amplitude)
	s.right.Fill(dst[1], s.amplitude)
	return len(dst[0]), nil
}

// SilenceSource produces zeros forever.
type SilenceSource struct {
	Rate float64
	Ch   int
}

// SampleRate implements Source.
func (s *SilenceSource) SampleRate() float64 { return s.Rate }

// Channels implements Source.
func (s *SilenceSource) Channels() int {
	if s.Ch == 0 {
		return 2
	}
	return s.Ch
}

// Pull implements Source.
func (s *SilenceSource) Pull(dst [][]float32) (int, error) {
	for ch := range dst {
		for i := range dst[ch] {
			dst[ch][i] = 0
		}
	}
	return len(dst[0]), nil
}

// FiniteSource ends an inner source after a fixed number of frames,
// returning io.EOF. Used to exercise stream teardown.
type FiniteSource struct {
	Inner     Source
	Remaining int
}

// SampleRate implements Source.
func (s *FiniteSource) SampleRate() float64 { return s.Inner.SampleRate() }

// Channels implements Source.
func (s *FiniteSource) Channels() int { return s.Inner.Channels() }

// Pull implements Source.
func (s *FiniteSource) Pull(dst [][]float32) (int, error) {
	if s.Remaining <= 0 {
		return 0, io.EOF
	}
	n, err := s.Inner.Pull(dst)
	if n > s.Remaining {
		n = s.Remaining
	}
	s.Remaining -= n
	return n, err
}
