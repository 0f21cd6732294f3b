// Package envelope provides the attack/release envelope follower used by the
// output limiter.
package envelope

import "math"

// Detector is a one-pole peak envelope follower. Attack and release are
// expressed as time constants in seconds; an attack of zero tracks peaks
// instantaneously.
type Detector struct {
	sampleRate float64
	attack     float64
	release    float64

	attackCoef  float64
	releaseCoef float64

	envelope float64
}

// NewDetector creates a detector with the given time constants.
func NewDetector(sampleRate, attack, release float64) *Detector {
	d := &Detector{sampleRate: sampleRate}
	d.SetAttack(attack)
	d.SetRelease(release)
	return d
}

// SetAttack sets the attack time in seconds. Zero means instantaneous.
func (d *Detector) SetAttack(seconds float64) {
	d.attack = math.Max(0, seconds)
	if d.attack == 0 {
		d.attackCoef = 1.0
		return
	}
	d.attackCoef = 1.0 - math.Exp(-1.0/(d.attack*d.sampleRate))
}

// SetRelease sets the release time in seconds.
func (d *Detector) SetRelease(seconds float64) {
	d.release = math.Max(0.0001, seconds)
	d.releaseCoef = 1.0 - math.Exp(-1.0/(d.release*d.sampleRate))
}

// Detect feeds one sample and returns the current envelope (linear, >= 0).
func (d *Detector) Detect(input float64) float64 {
	level := math.Abs(input)
	if level > d.envelope {
		d.envelope += (level - d.envelope) * d.attackCoef
	} else {
		d.envelope += (level - d.envelope) * d.releaseCoef
	}
	return d.envelope
}

// Envelope returns the current envelope value without advancing it.
func (d *Detector) Envelope() float64 { return d.envelope }

// Reset clears the follower state.
func (d *Detector) Reset() { d.envelope = 0 }
