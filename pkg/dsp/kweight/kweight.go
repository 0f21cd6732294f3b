// Package kweight implements the ITU-R BS.1770-4 K-weighting pre-filter.
package kweight

import "math"

// The two analog prototypes behind the K-weighting curve. The shelf boosts
// high frequencies by ~4 dB above 1.5 kHz, the high-pass rolls off below
// ~38 Hz. Digital coefficients are derived per sample rate via bilinear
// transform; at 48 kHz the derivation reproduces the published reference
// coefficients.
const (
	shelfFreq = 1681.974450955533
	shelfGain = 3.999843853973347
	shelfQ    = 0.7071752369554196

	highpassFreq = 38.13547087602444
	highpassQ    = 0.5003270373238773
)

// coefficients of one biquad stage, a0 normalized to 1.
type coefficients struct {
	b0, b1, b2 float64
	a1, a2     float64
}

// stage is one biquad with per-channel Direct Form I state.
type stage struct {
	coefficients
	x1, x2 []float64
	y1, y2 []float64
}

func newStage(c coefficients, channels int) *stage {
	return &stage{
		coefficients: c,
		x1:           make([]float64, channels),
		x2:           make([]float64, channels),
		y1:           make([]float64, channels),
		y2:           make([]float64, channels),
	}
}

func (s *stage) process(ch int, x float64) float64 {
	y := s.b0*x + s.b1*s.x1[ch] + s.b2*s.x2[ch] - s.a1*s.y1[ch] - s.a2*s.y2[ch]
	s.x2[ch] = s.x1[ch]
	s.x1[ch] = x
	s.y2[ch] = s.y1[ch]
	s.y1[ch] = y
	return y
}

func (s *stage) reset() {
	for i := range s.x1 {
		s.x1[i] = 0
		s.x2[i] = 0
		s.y1[i] = 0
		s.y2[i] = 0
	}
}

// Filter is the K-weighting filter pair: high shelf followed by high-pass,
// with independent state per channel. ProcessSample is safe for the audio
// thread: no allocation, no locking.
type Filter struct {
	shelf    *stage
	highpass *stage
	channels int
}

// New creates a K-weighting filter pair for the given sample rate and
// channel count.
func New(sampleRate float64, channels int) *Filter {
	return &Filter{
		shelf:    newStage(shelfCoefficients(sampleRate), channels),
		highpass: newStage(highpassCoefficients(sampleRate), channels),
		channels: channels,
	}
}

// Channels returns the number of independent channel states.
func (f *Filter) Channels() int { return f.channels }

// ProcessSample runs one sample of one channel through both stages.
func (f *Filter) ProcessSample(ch int, x float64) float64 {
	return f.highpass.process(ch, f.shelf.process(ch, x))
}

// Reset zeroes the state of both stages on every channel.
func (f *Filter) Reset() {
	f.shelf.reset()
	f.highpass.reset()
}

// shelfCoefficients derives the high-shelf stage for a sample rate.
func shelfCoefficients(sampleRate float64) coefficients {
	k := math.Tan(math.Pi * shelfFreq / sampleRate)
	vh := math.Pow(10.0, shelfGain/20.0)
	vb := math.Pow(vh, 0.4996667741545416)

	a0 := 1.0 + k/shelfQ + k*k
	return coefficients{
		b0: (vh + vb*k/shelfQ + k*k) / a0,
		b1: 2.0 * (k*k - vh) / a0,
		b2: (vh - vb*k/shelfQ + k*k) / a0,
		a1: 2.0 * (k*k - 1.0) / a0,
		a2: (1.0 - k/shelfQ + k*k) / a0,
	}
}

// highpassCoefficients derives the high-pass stage for a sample rate. The
// numerator is left unnormalized at (1, -2, 1), matching the BS.1770 tables.
func highpassCoefficients(sampleRate float64) coefficients {
	k := math.Tan(math.Pi * highpassFreq / sampleRate)

	a0 := 1.0 + k/highpassQ + k*k
	return coefficients{
		b0: 1.0,
		b1: -2.0,
		b2: 1.0,
		a1: 2.0 * (k*k - 1.0) / a0,
		a2: (1.0 - k/highpassQ + k*k) / a0,
	}
}
