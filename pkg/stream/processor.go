package stream

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/fairmix/fairmix/pkg/dsp/gain"
	"github.com/fairmix/fairmix/pkg/dsp/loudness"
)

// Status is the lifecycle state of a stream.
type Status int32

const (
	// StatusIdle means no capture is active.
	StatusIdle Status = iota
	// StatusStarting means capture setup is in progress.
	StatusStarting
	// StatusCapturing means frames are flowing and readings are produced.
	StatusCapturing
	// StatusStopping means teardown is in progress.
	StatusStopping
	// StatusError means capture failed or the source died.
	StatusError
)

// String returns the lowercase state name.
func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusStarting:
		return "starting"
	case StatusCapturing:
		return "capturing"
	case StatusStopping:
		return "stopping"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// Gain limits in dB.
const (
	MinGainDB    = gain.MinDB
	MinMaxGainDB = -20.0
	MaxMaxGainDB = 20.0
)

// ErrNotCapturing is returned by Render when the stream is not live.
var ErrNotCapturing = errors.New("stream is not capturing")

// ErrSourceInvalid is returned when a source cannot be captured.
var ErrSourceInvalid = errors.New("capture source invalid")

const (
	defaultSmoothingMS = 10.0
	readingQueueDepth  = 8
	maxPullFrames      = 8192
	latestSlots        = 4
)

// Config describes a Processor.
type Config struct {
	ID     ID
	Label  string
	Source Source

	// GainSmoothingMS overrides the gain ramp time constant.
	GainSmoothingMS float64
}

// Processor owns the DSP chain of one stream. The analysis branch feeds the
// loudness engine from the raw pre-gain signal; the playback branch applies
// the smoothed gain. Render runs on the audio thread, everything else on the
// control thread.
type Processor struct {
	id         ID
	label      string
	src        Source
	sampleRate float64
	channels   int

	engine *loudness.Engine
	stage  *gain.Stage

	status atomic.Int32

	mu        sync.Mutex
	gainDB    float64
	maxGainDB float64

	// Latest reading: the render thread rotates through a fixed set of
	// slots and publishes a pointer; rotation is slow enough (10 Hz) that a
	// reader always copies a settled slot.
	slots    [latestSlots]loudness.Reading
	slotIdx  int
	latest   atomic.Pointer[loudness.Reading]
	readings chan loudness.Reading

	endReason atomic.Pointer[string]

	pullBufs [][]float32
	preL     []float32
	preR     []float32
}

// NewProcessor validates the source and builds the chain. A nil or
// malformed source fails with ErrSourceInvalid; nothing is retained on
// failure.
func NewProcessor(cfg Config) (*Processor, error) {
	if cfg.Source == nil {
		return nil, fmt.Errorf("%w: no source", ErrSourceInvalid)
	}
	rate := cfg.Source.SampleRate()
	if rate <= 0 {
		return nil, fmt.Errorf("%w: sample rate %v", ErrSourceInvalid, rate)
	}
	channels := cfg.Source.Channels()
	if channels < 1 || channels > 2 {
		return nil, fmt.Errorf("%w: %d channels", ErrSourceInvalid, channels)
	}

	smoothing := cfg.GainSmoothingMS
	if smoothing <= 0 {
		smoothing = defaultSmoothingMS
	}

	p := &Processor{
		id:         cfg.ID,
		label:      cfg.Label,
		src:        cfg.Source,
		sampleRate: rate,
		channels:   channels,
		stage:      gain.NewStage(rate, smoothing),
		maxGainDB:  0,
		readings:   make(chan loudness.Reading, readingQueueDepth),
		preL:       make([]float32, maxPullFrames),
		preR:       make([]float32, maxPullFrames),
	}
	p.engine = loudness.NewEngine(loudness.Config{
		SampleRate: rate,
		Emit:       p.publish,
	})

	p.pullBufs = make([][]float32, channels)
	p.pullBufs[0] = p.preL
	if channels == 2 {
		p.pullBufs[1] = p.preR
	}
	return p, nil
}

// publish runs on the render thread at the update cadence.
func (p *Processor) publish(r loudness.Reading) {
	slot := &p.slots[p.slotIdx]
	*slot = r
	p.slotIdx = (p.slotIdx + 1) % latestSlots
	p.latest.Store(slot)

	select {
	case p.readings <- r:
	default:
		// Consumer is behind; drop rather than block the audio thread.
	}
}

// ID returns the stream id.
func (p *Processor) ID() ID { return p.id }

// Label returns the human-readable name.
func (p *Processor) Label() string { return p.label }

// SampleRate returns the capture rate.
func (p *Processor) SampleRate() float64 { return p.sampleRate }

// Status returns the current lifecycle state.
func (p *Processor) Status() Status { return Status(p.status.Load()) }

// Start begins delivery. Only an idle stream can start.
func (p *Processor) Start() error {
	if !p.status.CompareAndSwap(int32(StatusIdle), int32(StatusStarting)) {
		return fmt.Errorf("cannot start stream in state %s", p.Status())
	}
	p.status.Store(int32(StatusCapturing))
	return nil
}

// Stop tears capture down. Idempotent.
func (p *Processor) Stop() {
	switch p.Status() {
	case StatusIdle, StatusStopping:
		return
	}
	p.status.Store(int32(StatusStopping))
	p.stage.Reset()
	p.status.Store(int32(StatusIdle))
}

// Render pulls up to len(dstL) frames, runs analysis on the pre-gain signal
// and writes the post-gain signal into dst. Mono sources are duplicated to
// both channels before filtering. Returns the frame count; io.EOF once the
// source has ended (after which the stream is in StatusError with an end
// reason recorded).
func (p *Processor) Render(dstL, dstR []float32) (int, error) {
	if p.Status() != StatusCapturing {
		return 0, ErrNotCapturing
	}

	frames := len(dstL)
	if len(dstR) < frames {
		frames = len(dstR)
	}
	if frames > maxPullFrames {
		frames = maxPullFrames
	}

	p.pullBufs[0] = p.preL[:frames]
	if p.channels == 2 {
		p.pullBufs[1] = p.preR[:frames]
	}

	n, err := p.src.Pull(p.pullBufs)
	if n > frames {
		n = frames
	}

	left := p.preL[:n]
	right := p.preR[:n]
	if p.channels == 1 {
		copy(right, left)
	}

	// Analysis taps the signal before the gain stage, so balancing does not
	// disturb its own measurements.
	p.engine.Process(left, right)
	p.stage.ApplyStereo(left, right, dstL[:n], dstR[:n])

	if err != nil {
		reason := "source ended"
		if !errors.Is(err, io.EOF) {
			reason = err.Error()
		}
		p.endReason.Store(&reason)
		p.status.Store(int32(StatusError))
		return n, io.EOF
	}
	return n, nil
}

// EndReason reports whether the source has terminated and why.
func (p *Processor) EndReason() (string, bool) {
	r := p.endReason.Load()
	if r == nil {
		return "", false
	}
	return *r, true
}

// SetGainDB applies a gain request, clamped into [MinGainDB, max gain].
// Returns the applied value.
func (p *Processor) SetGainDB(db float64) float64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	applied := gain.Clamp(db, MinGainDB, p.maxGainDB)
	p.gainDB = applied
	p.stage.SetTargetDB(applied)
	return applied
}

// GainDB returns the stored gain.
func (p *Processor) GainDB() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.gainDB
}

// SetMaxGainDB sets the per-stream ceiling, clamped into [-20, +20]. When
// the stored gain exceeds the new ceiling it is pulled down too. Returns the
// applied ceiling and gain.
func (p *Processor) SetMaxGainDB(db float64) (float64, float64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.maxGainDB = gain.Clamp(db, MinMaxGainDB, MaxMaxGainDB)
	if p.gainDB > p.maxGainDB {
		p.gainDB = p.maxGainDB
		p.stage.SetTargetDB(p.gainDB)
	}
	return p.maxGainDB, p.gainDB
}

// MaxGainDB returns the per-stream ceiling.
func (p *Processor) MaxGainDB() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.maxGainDB
}

// SetMuted mutes or restores the playback branch without touching the
// stored gain. Used for solo.
func (p *Processor) SetMuted(muted bool) { p.stage.SetMuted(muted) }

// Muted reports the mute flag.
func (p *Processor) Muted() bool { return p.stage.Muted() }

// ResetMeasurements clears the loudness engine.
func (p *Processor) ResetMeasurements() {
	p.engine.Reset()
	p.latest.Store(nil)
}

// LatestReading returns the most recent published reading. Before the first
// update everything reads as not yet measurable.
func (p *Processor) LatestReading() loudness.Reading {
	if r := p.latest.Load(); r != nil {
		return *r
	}
	return loudness.Reading{
		Momentary:  loudness.Unmeasurable(),
		ShortTerm:  loudness.Unmeasurable(),
		Integrated: loudness.Unmeasurable(),
	}
}

// Readings exposes the reading queue consumed by the coordinator.
func (p *Processor) Readings() <-chan loudness.Reading { return p.readings }
