// Package buffer provides the lock-free ring that carries the limited mix
// from the render thread to the host consumer.
package buffer

import (
	"math"
	"sync/atomic"
)

// Ring is a single-producer/single-consumer circular buffer of interleaved
// float32 samples with an enforced write-ahead distance. The producer (render
// thread) stays ahead of the consumer by at least the configured latency, so
// short scheduling stalls on either side do not immediately glitch.
type Ring struct {
	data []float32
	size uint32
	mask uint32

	readPos  atomic.Uint64
	writePos atomic.Uint64

	latencySamples uint32
	channels       int

	underruns atomic.Uint64
	overruns  atomic.Uint64
}

// Stats reports ring health for monitoring.
type Stats struct {
	Underruns uint64
	Overruns  uint64
	Fill      float32 // 0..1
}

// NewRing creates a ring sized for the given latency. Capacity is four times
// the latency, rounded up to a power of two.
func NewRing(sampleRate float64, channels int, latencyMS float64) *Ring {
	perChannel := uint32(math.Round(latencyMS * sampleRate / 1000.0))
	latency := perChannel * uint32(channels)
	if latency == 0 {
		latency = uint32(channels)
	}

	size := nextPowerOf2(latency * 4)
	return &Ring{
		data:           make([]float32, size),
		size:           size,
		mask:           size - 1,
		latencySamples: latency,
		channels:       channels,
	}
}

// Channels returns the interleave factor.
func (r *Ring) Channels() int { return r.channels }

// Write appends samples. Returns false on overrun (samples dropped).
func (r *Ring) Write(samples []float32) bool {
	if len(samples) == 0 {
		return true
	}

	writePos := r.writePos.Load()
	readPos := r.readPos.Load()

	free := r.size - uint32(writePos-readPos)
	if free < uint32(len(samples)) {
		r.overruns.Add(1)
		return false
	}

	remaining := len(samples)
	offset := 0
	for remaining > 0 {
		dst := uint32(writePos) & r.mask
		chunk := remaining
		if dst+uint32(chunk) > r.size {
			chunk = int(r.size - dst)
		}
		copy(r.data[dst:dst+uint32(chunk)], samples[offset:offset+chunk])
		offset += chunk
		remaining -= chunk
		writePos += uint64(chunk)
	}

	r.writePos.Store(writePos)
	return true
}

// Read fills output with available samples and returns the count. When fewer
// than len(output) samples are buffered beyond the write-ahead floor, the
// tail of output is zeroed and an underrun is recorded.
func (r *Ring) Read(output []float32) int {
	if len(output) == 0 {
		return 0
	}

	readPos := r.readPos.Load()
	writePos := r.writePos.Load()

	buffered := uint32(writePos - readPos)
	if buffered < r.latencySamples {
		// Producer has not built up the floor yet; deliver silence.
		for i := range output {
			output[i] = 0
		}
		r.underruns.Add(1)
		return 0
	}

	available := buffered - r.latencySamples
	n := len(output)
	if uint32(n) > available {
		n = int(available)
		for i := n; i < len(output); i++ {
			output[i] = 0
		}
		r.underruns.Add(1)
	}

	remaining := n
	offset := 0
	for remaining > 0 {
		src := uint32(readPos) & r.mask
		chunk := remaining
		if src+uint32(chunk) > r.size {
			chunk = int(r.size - src)
		}
		copy(output[offset:offset+chunk], r.data[src:src+uint32(chunk)])
		offset += chunk
		remaining -= chunk
		readPos += uint64(chunk)
	}

	r.readPos.Store(readPos)
	return n
}

// Stats returns current counters and fill level.
func (r *Ring) Stats() Stats {
	buffered := uint32(r.writePos.Load() - r.readPos.Load())
	return Stats{
		Underruns: r.underruns.Load(),
		Overruns:  r.overruns.Load(),
		Fill:      float32(buffered) / float32(r.size),
	}
}

func nextPowerOf2(v uint32) uint32 {
	if v == 0 {
		return 1
	}
	v--
	v |= v >> 1
	v |= v >> 2
	v |= v >> 4
	v |= v >> 8
	v |= v >> 16
	return v + 1
}
