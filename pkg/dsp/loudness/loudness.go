// Package loudness implements gated loudness measurement per ITU-R BS.1770-4.
//
// The Engine consumes raw PCM, applies K-weighting, and maintains the sliding
// 400 ms energy window from which momentary, short-term and integrated
// loudness are derived. Process is designed for the audio thread: after
// construction it performs no allocation and takes no locks.
package loudness

import (
	"math"

	"github.com/fairmix/fairmix/pkg/dsp/kweight"
)

const (
	// AbsoluteGateLUFS is the absolute gating threshold. Blocks at or below
	// this level never contribute to integrated loudness.
	AbsoluteGateLUFS = -70.0

	// RelativeGateLU is the offset of the relative gate below the first-pass
	// ungated loudness.
	RelativeGateLU = -10.0

	// IntegratedHistoryCap bounds the integrated block history (~60 s of
	// blocks at the 100 ms hop). Oldest entries are discarded first.
	IntegratedHistoryCap = 600

	blockSeconds     = 0.400
	hopFraction      = 0.25
	shortTermSeconds = 3.0
	updateSeconds    = 0.1

	minBlockSamples  = 128
	minUpdateSamples = 128
)

// Unmeasurable is the sentinel for "below the gate or not yet measurable".
func Unmeasurable() float64 { return math.Inf(-1) }

// Reading is a snapshot of the three loudness measures, all in LUFS.
// Values are -Inf until enough audio has been seen.
type Reading struct {
	Momentary  float64
	ShortTerm  float64
	Integrated float64
	BlockCount uint32
}

// blockHistory is a fixed-capacity FIFO of block loudness values.
type blockHistory struct {
	values []float64
	head   int
	count  int
}

func newBlockHistory(capacity int) *blockHistory {
	return &blockHistory{values: make([]float64, capacity)}
}

func (h *blockHistory) push(v float64) {
	if h.count < len(h.values) {
		h.values[(h.head+h.count)%len(h.values)] = v
		h.count++
		return
	}
	// Full: overwrite the oldest.
	h.values[h.head] = v
	h.head = (h.head + 1) % len(h.values)
}

func (h *blockHistory) at(i int) float64 {
	return h.values[(h.head+i)%len(h.values)]
}

func (h *blockHistory) len() int { return h.count }

func (h *blockHistory) clear() {
	h.head = 0
	h.count = 0
}

// Engine maintains per-channel rings of squared K-weighted samples with
// running sums, emits block loudness values at the hop rate, and publishes
// aggregated readings at roughly 10 Hz through the emit callback.
type Engine struct {
	filter   *kweight.Filter
	channels int
	weights  []float64

	blockSize      int
	hopSize        int
	updateInterval int

	// Squared-sample rings, one per channel, sharing one index. Sums are
	// kept in float64 to bound drift over long sessions.
	rings     [][]float64
	sums      []float64
	ringIndex int

	// Warm-up: no block leaves until the ring holds blockSize valid samples.
	validSamples int

	samplesSinceBlock  int
	samplesSinceUpdate int

	blockCount uint32
	momentary  float64

	integratedHist *blockHistory
	shortTermHist  *blockHistory

	emit func(Reading)
}

// Config describes an Engine. The engine is always stereo with channel
// weights {1, 1}; mono input is duplicated by the caller before filtering.
type Config struct {
	SampleRate float64

	// Emit, when non-nil, is invoked from Process at the update cadence with
	// the current reading. It runs on the audio thread and must not block.
	Emit func(Reading)
}

// NewEngine creates an engine and its K-weighting filter pair.
func NewEngine(cfg Config) *Engine {
	const channels = 2

	blockSize := int(math.Round(blockSeconds * cfg.SampleRate))
	if blockSize < minBlockSamples {
		blockSize = minBlockSamples
	}
	hopSize := int(math.Round(float64(blockSize) * hopFraction))
	if hopSize < 1 {
		hopSize = 1
	}
	updateInterval := int(math.Round(updateSeconds * cfg.SampleRate))
	if updateInterval < minUpdateSamples {
		updateInterval = minUpdateSamples
	}
	shortTermBlocks := int(math.Ceil(shortTermSeconds * cfg.SampleRate / float64(hopSize)))

	e := &Engine{
		filter:         kweight.New(cfg.SampleRate, channels),
		channels:       channels,
		weights:        make([]float64, channels),
		blockSize:      blockSize,
		hopSize:        hopSize,
		updateInterval: updateInterval,
		rings:          make([][]float64, channels),
		sums:           make([]float64, channels),
		momentary:      math.Inf(-1),
		integratedHist: newBlockHistory(IntegratedHistoryCap),
		shortTermHist:  newBlockHistory(shortTermBlocks),
		emit:           cfg.Emit,
	}
	for ch := 0; ch < channels; ch++ {
		e.rings[ch] = make([]float64, blockSize)
		e.weights[ch] = 1.0
	}
	return e
}

// BlockSize returns the block length in samples.
func (e *Engine) BlockSize() int { return e.blockSize }

// HopSize returns the hop length in samples.
func (e *Engine) HopSize() int { return e.hopSize }

// BlockCount returns the number of blocks emitted since the last reset.
func (e *Engine) BlockCount() uint32 { return e.blockCount }

// Process ingests one buffer per channel. For mono sources pass the same
// slice twice. Buffers must be equal length.
func (e *Engine) Process(left, right []float32) {
	n := len(left)
	if len(right) < n {
		n = len(right)
	}

	for i := 0; i < n; i++ {
		y := e.filter.ProcessSample(0, float64(left[i]))
		e.accumulate(0, y*y)
		y = e.filter.ProcessSample(1, float64(right[i]))
		e.accumulate(1, y*y)

		e.ringIndex++
		if e.ringIndex == e.blockSize {
			e.ringIndex = 0
		}

		if e.validSamples < e.blockSize {
			e.validSamples++
			if e.validSamples == e.blockSize {
				e.emitBlock()
				e.samplesSinceBlock = 0
			}
		} else {
			e.samplesSinceBlock++
			if e.samplesSinceBlock >= e.hopSize {
				e.emitBlock()
				// Keep the remainder so block boundaries stay phase-locked
				// to the hop grid.
				e.samplesSinceBlock -= e.hopSize
			}
		}

		e.samplesSinceUpdate++
		if e.samplesSinceUpdate >= e.updateInterval {
			e.samplesSinceUpdate -= e.updateInterval
			if e.emit != nil {
				e.emit(e.Snapshot())
			}
		}
	}
}

func (e *Engine) accumulate(ch int, squared float64) {
	old := e.rings[ch][e.ringIndex]
	e.sums[ch] += squared - old
	e.rings[ch][e.ringIndex] = squared
}

// emitBlock computes the loudness of the current 400 ms window and appends
// it to the histories.
func (e *Engine) emitBlock() {
	weighted := 0.0
	for ch := 0; ch < e.channels; ch++ {
		weighted += e.weights[ch] * (e.sums[ch] / float64(e.blockSize))
	}

	l := math.Inf(-1)
	if weighted > 0 {
		l = -0.691 + 10.0*math.Log10(weighted)
	}

	e.momentary = l
	if l > AbsoluteGateLUFS {
		e.integratedHist.push(l)
	}
	e.shortTermHist.push(l)
	e.blockCount++
}

// Snapshot computes the current reading.
func (e *Engine) Snapshot() Reading {
	return Reading{
		Momentary:  e.momentary,
		ShortTerm:  e.shortTerm(),
		Integrated: e.integrated(),
		BlockCount: e.blockCount,
	}
}

// shortTerm is the energy average of the last 3 s of blocks that clear the
// absolute gate.
func (e *Engine) shortTerm() float64 {
	sum := 0.0
	count := 0
	for i := 0; i < e.shortTermHist.len(); i++ {
		l := e.shortTermHist.at(i)
		if l > AbsoluteGateLUFS {
			sum += math.Pow(10.0, l/10.0)
			count++
		}
	}
	if count == 0 {
		return math.Inf(-1)
	}
	return 10.0 * math.Log10(sum/float64(count))
}

// integrated is the doubly gated energy average: the absolute gate is
// applied on insertion, the relative gate 10 LU below the first-pass mean
// power on read.
func (e *Engine) integrated() float64 {
	n := e.integratedHist.len()
	if n == 0 {
		return math.Inf(-1)
	}

	sum := 0.0
	for i := 0; i < n; i++ {
		sum += math.Pow(10.0, e.integratedHist.at(i)/10.0)
	}
	relativeThreshold := 10.0*math.Log10(sum/float64(n)) + RelativeGateLU

	sum = 0.0
	count := 0
	for i := 0; i < n; i++ {
		l := e.integratedHist.at(i)
		if l > relativeThreshold {
			sum += math.Pow(10.0, l/10.0)
			count++
		}
	}
	if count == 0 {
		return math.Inf(-1)
	}
	return 10.0 * math.Log10(sum/float64(count))
}

// Reset clears filter state, rings, sums, histories and counters.
func (e *Engine) Reset() {
	e.filter.Reset()
	for ch := range e.rings {
		ring := e.rings[ch]
		for i := range ring {
			ring[i] = 0
		}
		e.sums[ch] = 0
	}
	e.ringIndex = 0
	e.validSamples = 0
	e.samplesSinceBlock = 0
	e.samplesSinceUpdate = 0
	e.blockCount = 0
	e.momentary = math.Inf(-1)
	e.integratedHist.clear()
	e.shortTermHist.clear()
}

// ringSum recomputes a channel's sum directly from the ring, for consistency
// checks.
func (e *Engine) ringSum(ch int) float64 {
	sum := 0.0
	for _, v := range e.rings[ch] {
		sum += v
	}
	return sum
}
