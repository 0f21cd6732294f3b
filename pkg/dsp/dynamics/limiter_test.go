package dynamics

import (
	"math"
	"testing"
)

const sampleRate = 48000.0

// steadyState feeds a constant level until the envelope settles and returns
// the output level in dB.
func steadyState(l *Limiter, inputDB float64) float64 {
	input := float32(math.Pow(10.0, inputDB/20.0))
	buf := make([]float32, 1)

	var out float32
	for i := 0; i < 48000; i++ {
		buf[0] = input
		l.ProcessBuffer(buf)
		out = buf[0]
	}
	return 20.0 * math.Log10(math.Abs(float64(out)))
}

func TestTransferCurve(t *testing.T) {
	l := NewLimiter(sampleRate)
	l.Apply(Settings{
		Enabled:     true,
		ThresholdDB: -6.0,
		KneeDB:      0.0,
		Ratio:       20.0,
		AttackMS:    0.1,
		ReleaseMS:   50.0,
	})

	cases := []struct {
		inputDB, wantDB float64
	}{
		{-20.0, -20.0},          // below threshold: unity
		{-6.0, -6.0},            // at threshold
		{0.0, -6.0 + 6.0/20.0},  // 6 dB over, 20:1
		{-3.0, -6.0 + 3.0/20.0}, // 3 dB over
	}

	for _, tc := range cases {
		got := steadyState(l, tc.inputDB)
		if math.Abs(got-tc.wantDB) > 0.5 {
			t.Errorf("input %.1f dB: got %.2f dB, want %.2f dB", tc.inputDB, got, tc.wantDB)
		}
	}
}

func TestSoftKneeMidpoint(t *testing.T) {
	l := NewLimiter(sampleRate)
	l.Apply(Settings{
		Enabled:     true,
		ThresholdDB: -6.0,
		KneeDB:      4.0,
		Ratio:       20.0,
		AttackMS:    0.1,
		ReleaseMS:   50.0,
	})
	l.refresh()

	// At the threshold itself, a quadratic knee reduces by slope * knee / 8.
	want := (1.0 - 1.0/20.0) * 4.0 / 8.0
	got := l.computeReduction(-6.0)
	if math.Abs(got-want) > 0.01 {
		t.Errorf("knee midpoint reduction: got %.3f dB, want %.3f dB", got, want)
	}

	// The knee must be continuous at its upper edge.
	below := l.computeReduction(-4.0001)
	above := l.computeReduction(-3.9999)
	if math.Abs(below-above) > 0.01 {
		t.Errorf("knee discontinuity at upper edge: %.4f vs %.4f", below, above)
	}
}

func TestBypassIsTransparent(t *testing.T) {
	l := NewLimiter(sampleRate)
	l.Apply(Settings{Enabled: false, ThresholdDB: -6.0, Ratio: 20.0, ReleaseMS: 250.0})

	got := steadyState(l, -0.5)
	if math.Abs(got-(-0.5)) > 0.05 {
		t.Errorf("bypass altered signal: got %.3f dB, want -0.5 dB", got)
	}
	if gr := l.GainReduction(); gr != 0 {
		t.Errorf("bypass gain reduction: %f", gr)
	}
}

func TestLinkedStereo(t *testing.T) {
	l := NewLimiter(sampleRate)
	l.Apply(Settings{
		Enabled:     true,
		ThresholdDB: -6.0,
		KneeDB:      0.0,
		Ratio:       1000.0,
		AttackMS:    0.0,
		ReleaseMS:   50.0,
	})

	n := 4800
	left := make([]float32, n)
	right := make([]float32, n)
	for i := range left {
		left[i] = 1.0  // 0 dB, drives reduction
		right[i] = 0.1 // -20 dB, must be attenuated identically
	}
	l.ProcessStereo(left, right)

	// Once settled, both channels carry the same reduction.
	ratio := right[n-1] / left[n-1]
	if math.Abs(float64(ratio)-0.1) > 0.01 {
		t.Errorf("channels not linked: ratio %f, want 0.1", ratio)
	}
}

func TestApplyClamps(t *testing.T) {
	l := NewLimiter(sampleRate)
	applied := l.Apply(Settings{
		Enabled:     true,
		ThresholdDB: 3.0,
		KneeDB:      100.0,
		Ratio:       0.2,
		AttackMS:    -5.0,
		ReleaseMS:   0.0,
	})

	if applied.ThresholdDB != MaxThresholdDB {
		t.Errorf("threshold not clamped: %f", applied.ThresholdDB)
	}
	if applied.KneeDB != MaxKneeDB {
		t.Errorf("knee not clamped: %f", applied.KneeDB)
	}
	if applied.Ratio != 1.0 {
		t.Errorf("ratio not clamped: %f", applied.Ratio)
	}
	if applied.AttackMS != 0.0 || applied.ReleaseMS != 1.0 {
		t.Errorf("times not clamped: %f / %f", applied.AttackMS, applied.ReleaseMS)
	}
}

func TestSettingsSwapAtomically(t *testing.T) {
	l := NewLimiter(sampleRate)

	s := l.Settings()
	s.ThresholdDB = -3.0
	l.Apply(s)

	if got := l.Settings().ThresholdDB; got != -3.0 {
		t.Errorf("settings after apply: %f", got)
	}

	// The render side adopts the record at the next buffer.
	buf := make([]float32, 16)
	l.ProcessBuffer(buf)
	if l.thresholdDB != -3.0 {
		t.Errorf("render side threshold: %f", l.thresholdDB)
	}
}

func BenchmarkProcessStereo(b *testing.B) {
	l := NewLimiter(sampleRate)
	left := make([]float32, 512)
	right := make([]float32, 512)
	for i := range left {
		left[i] = 0.9
		right[i] = -0.9
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		l.ProcessStereo(left, right)
	}
}
