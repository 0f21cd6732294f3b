// Package mixer coordinates the registered streams: it owns the balancing
// loop, solo state, the shared output limiter and the mixed render path.
package mixer

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fairmix/fairmix/internal/store"
	"github.com/fairmix/fairmix/pkg/dsp/analysis"
	"github.com/fairmix/fairmix/pkg/dsp/buffer"
	"github.com/fairmix/fairmix/pkg/dsp/dynamics"
	"github.com/fairmix/fairmix/pkg/dsp/gain"
	"github.com/fairmix/fairmix/pkg/dsp/loudness"
	"github.com/fairmix/fairmix/pkg/logging"
	"github.com/fairmix/fairmix/pkg/stream"
)

// Balancing and housekeeping constants.
const (
	// MinBlocksForReliableLUFS is the warm-up guard: integrated loudness
	// backed by fewer blocks never drives balancing.
	MinBlocksForReliableLUFS = 10

	// MinTargetLUFS and MaxTargetLUFS bound the balance target.
	MinTargetLUFS = -60.0
	MaxTargetLUFS = 0.0

	balanceInterval = 500 * time.Millisecond
	sweepInterval   = 5 * time.Second
	pumpInterval    = 100 * time.Millisecond
	startTimeout    = 5 * time.Second

	maxRenderFrames = 8192
	outputLatencyMS = 50.0
	eventQueueDepth = 128
)

// OpenCloser is an optional Source extension: sources whose capture setup
// can fail or hang implement Open, which the coordinator bounds with a
// deadline.
type OpenCloser interface {
	Open(ctx context.Context) error
}

// Snapshot is the externally visible state of one stream.
type Snapshot struct {
	ID         stream.ID
	Label      string
	Status     stream.Status
	SampleRate float64
	GainDB     float64
	MaxGainDB  float64
	Muted      bool
	Solo       bool
	Reading    loudness.Reading
}

// AutoBalanceUpdate is a partial change to the auto-balance settings.
type AutoBalanceUpdate struct {
	Enabled    *bool
	TargetLUFS *float64
}

// LimiterUpdate is a partial change to the limiter settings.
type LimiterUpdate struct {
	Enabled     *bool
	ThresholdDB *float64
	KneeDB      *float64
	Ratio       *float64
	AttackMS    *float64
	ReleaseMS   *float64
}

// Config describes a Coordinator.
type Config struct {
	SampleRate float64

	// Store, when non-nil, persists auto-balance and limiter settings and
	// seeds them at startup.
	Store *store.Store

	// Liveness, when non-nil, is polled during the stale sweep; streams it
	// reports gone are removed.
	Liveness func(stream.ID) bool

	// Log overrides the default logger.
	Log *logging.Logger
}

// Coordinator owns the stream set and the output chain. Render runs on the
// audio thread; every other method belongs to the control thread.
type Coordinator struct {
	sampleRate float64
	log        *logging.Logger

	mu          sync.Mutex
	streams     map[stream.ID]*stream.Processor
	solo        stream.ID
	autoBalance store.AutoBalanceSettings

	// renderSet is the lock-free view of the stream set for the render
	// thread, rebuilt on every registry mutation.
	renderSet atomic.Pointer[[]*stream.Processor]

	limiter *dynamics.Limiter
	peak    *analysis.PeakMeter
	out     *buffer.Ring

	st       *store.Store
	liveness func(stream.ID) bool
	events   chan Event

	mixL, mixR       []float32
	streamL, streamR []float32
	interleaved      []float32
}

// New creates a coordinator. Persisted settings, when a store is configured,
// are loaded and applied before the first render.
func New(cfg Config) *Coordinator {
	log := cfg.Log
	if log == nil {
		log = logging.Default()
	}

	c := &Coordinator{
		sampleRate:  cfg.SampleRate,
		log:         log,
		streams:     make(map[stream.ID]*stream.Processor),
		autoBalance: store.Default().AutoBalance,
		limiter:     dynamics.NewLimiter(cfg.SampleRate),
		peak:        analysis.NewPeakMeter(cfg.SampleRate),
		out:         buffer.NewRing(cfg.SampleRate, 2, outputLatencyMS),
		st:          cfg.Store,
		liveness:    cfg.Liveness,
		events:      make(chan Event, eventQueueDepth),
		mixL:        make([]float32, maxRenderFrames),
		mixR:        make([]float32, maxRenderFrames),
		streamL:     make([]float32, maxRenderFrames),
		streamR:     make([]float32, maxRenderFrames),
		interleaved: make([]float32, 2*maxRenderFrames),
	}
	c.rebuildRenderSet()

	if c.st != nil {
		settings, err := c.st.Load()
		if err != nil {
			log.Warnf("settings load failed, using defaults: %v", err)
			settings = store.Default()
		}
		c.autoBalance = clampAutoBalance(settings.AutoBalance)
		c.limiter.Apply(settings.Limiter)
	}
	return c
}

// Events returns the observer channel. Delivery is fire and forget: when
// the queue is full the oldest event is dropped.
func (c *Coordinator) Events() <-chan Event { return c.events }

func (c *Coordinator) emit(ev Event) {
	for {
		select {
		case c.events <- ev:
			return
		default:
		}
		select {
		case <-c.events:
		default:
		}
	}
}

// rebuildRenderSet publishes the current processors to the render thread.
// Callers hold c.mu.
func (c *Coordinator) rebuildRenderSet() {
	set := make([]*stream.Processor, 0, len(c.streams))
	for _, p := range c.streams {
		set = append(set, p)
	}
	c.renderSet.Store(&set)
}

// Register adds a stream and starts capture. The second registration of an
// id fails with ErrAlreadyRegistered. Capture setup failures are returned
// and also surfaced once as a CaptureError event.
func (c *Coordinator) Register(id stream.ID, label string, src stream.Source) error {
	c.mu.Lock()
	if _, ok := c.streams[id]; ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrAlreadyRegistered, id)
	}
	c.mu.Unlock()

	if opener, ok := src.(OpenCloser); ok {
		ctx, cancel := context.WithTimeout(context.Background(), startTimeout)
		err := opener.Open(ctx)
		cancel()
		if err != nil {
			reason := "open failed"
			if ctx.Err() == context.DeadlineExceeded {
				reason = "timeout"
			}
			capErr := &CaptureFailedError{Stream: id, Reason: reason, Err: err}
			c.emit(Event{Type: EventCaptureError, Stream: id, Reason: capErr.Error()})
			return capErr
		}
	}

	p, err := stream.NewProcessor(stream.Config{ID: id, Label: label, Source: src})
	if err != nil {
		capErr := &CaptureFailedError{Stream: id, Reason: "invalid source", Err: err}
		c.emit(Event{Type: EventCaptureError, Stream: id, Reason: capErr.Error()})
		return capErr
	}
	if err := p.Start(); err != nil {
		capErr := &CaptureFailedError{Stream: id, Reason: "start failed", Err: err}
		c.emit(Event{Type: EventCaptureError, Stream: id, Reason: capErr.Error()})
		return capErr
	}

	c.mu.Lock()
	if _, ok := c.streams[id]; ok {
		c.mu.Unlock()
		p.Stop()
		return fmt.Errorf("%w: %q", ErrAlreadyRegistered, id)
	}
	c.streams[id] = p
	if c.solo != "" {
		p.SetMuted(id != c.solo)
	}
	c.rebuildRenderSet()
	c.mu.Unlock()

	c.emit(Event{Type: EventCaptureStarted, Stream: id, SampleRate: p.SampleRate()})
	return nil
}

// Unregister stops and removes a stream. Removing the solo holder clears
// solo.
func (c *Coordinator) Unregister(id stream.ID) error {
	c.mu.Lock()
	p, ok := c.streams[id]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrUnknownStream, id)
	}
	delete(c.streams, id)
	soloCleared := false
	if c.solo == id {
		c.solo = ""
		soloCleared = true
		for _, other := range c.streams {
			other.SetMuted(false)
		}
	}
	c.rebuildRenderSet()
	c.mu.Unlock()

	p.Stop()
	c.emit(Event{Type: EventCaptureStopped, Stream: id})
	if soloCleared {
		c.emit(Event{Type: EventSoloChanged, Solo: ""})
	}
	return nil
}

func (c *Coordinator) lookup(id stream.ID) (*stream.Processor, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.streams[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownStream, id)
	}
	return p, nil
}

// SetGain applies a clamped gain to one stream and returns the applied
// value.
func (c *Coordinator) SetGain(id stream.ID, db float64) (float64, error) {
	p, err := c.lookup(id)
	if err != nil {
		return 0, err
	}
	applied := p.SetGainDB(db)
	c.emit(Event{Type: EventGainUpdated, Stream: id, GainDB: applied})
	return applied, nil
}

// SetMaxGain applies a clamped per-stream ceiling; the current gain is
// pulled down when it exceeds the new ceiling. Returns applied ceiling and
// gain.
func (c *Coordinator) SetMaxGain(id stream.ID, db float64) (float64, float64, error) {
	p, err := c.lookup(id)
	if err != nil {
		return 0, 0, err
	}
	maxApplied, gainApplied := p.SetMaxGainDB(db)
	c.emit(Event{Type: EventGainUpdated, Stream: id, GainDB: gainApplied})
	return maxApplied, gainApplied, nil
}

// ResetMeasurements clears one stream's loudness state.
func (c *Coordinator) ResetMeasurements(id stream.ID) error {
	p, err := c.lookup(id)
	if err != nil {
		return err
	}
	p.ResetMeasurements()
	c.emit(Event{Type: EventMeasurementsReset, Stream: id})
	return nil
}

// Streams returns snapshots of every stream plus the solo holder.
func (c *Coordinator) Streams() ([]Snapshot, stream.ID) {
	c.mu.Lock()
	defer c.mu.Unlock()

	snaps := make([]Snapshot, 0, len(c.streams))
	for id, p := range c.streams {
		snaps = append(snaps, Snapshot{
			ID:         id,
			Label:      p.Label(),
			Status:     p.Status(),
			SampleRate: p.SampleRate(),
			GainDB:     p.GainDB(),
			MaxGainDB:  p.MaxGainDB(),
			Muted:      p.Muted(),
			Solo:       id == c.solo,
			Reading:    p.LatestReading(),
		})
	}
	return snaps, c.solo
}

// ToggleSolo solos the given stream, or clears solo when it already holds
// it. Muting never touches stored gains, so clearing solo restores the
// previous levels exactly.
func (c *Coordinator) ToggleSolo(id stream.ID) (stream.ID, error) {
	c.mu.Lock()
	if _, ok := c.streams[id]; !ok {
		c.mu.Unlock()
		return c.solo, fmt.Errorf("%w: %q", ErrUnknownStream, id)
	}

	if c.solo == id {
		c.solo = ""
		for _, p := range c.streams {
			p.SetMuted(false)
		}
	} else {
		c.solo = id
		for other, p := range c.streams {
			p.SetMuted(other != id)
		}
	}
	solo := c.solo
	c.mu.Unlock()

	c.emit(Event{Type: EventSoloChanged, Solo: solo})
	return solo, nil
}

// ClearSolo unconditionally releases solo.
func (c *Coordinator) ClearSolo() stream.ID {
	c.mu.Lock()
	if c.solo != "" {
		c.solo = ""
		for _, p := range c.streams {
			p.SetMuted(false)
		}
	}
	c.mu.Unlock()

	c.emit(Event{Type: EventSoloChanged, Solo: ""})
	return ""
}

// Solo returns the current solo holder, "" when none.
func (c *Coordinator) Solo() stream.ID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.solo
}

func clampAutoBalance(s store.AutoBalanceSettings) store.AutoBalanceSettings {
	s.TargetLUFS = gain.Clamp(s.TargetLUFS, MinTargetLUFS, MaxTargetLUFS)
	return s
}

// SetAutoBalance applies a partial update and persists the result.
func (c *Coordinator) SetAutoBalance(update AutoBalanceUpdate) store.AutoBalanceSettings {
	c.mu.Lock()
	if update.Enabled != nil {
		c.autoBalance.Enabled = *update.Enabled
	}
	if update.TargetLUFS != nil {
		c.autoBalance.TargetLUFS = gain.Clamp(*update.TargetLUFS, MinTargetLUFS, MaxTargetLUFS)
	}
	applied := c.autoBalance
	c.mu.Unlock()

	c.persist()
	c.emit(Event{Type: EventAutoBalanceUpdated, AutoBalance: applied})
	return applied
}

// AutoBalance returns the current settings.
func (c *Coordinator) AutoBalance() store.AutoBalanceSettings {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.autoBalance
}

// SetLimiter applies a partial update to the shared limiter and persists
// the clamped result.
func (c *Coordinator) SetLimiter(update LimiterUpdate) dynamics.Settings {
	s := c.limiter.Settings()
	if update.Enabled != nil {
		s.Enabled = *update.Enabled
	}
	if update.ThresholdDB != nil {
		s.ThresholdDB = *update.ThresholdDB
	}
	if update.KneeDB != nil {
		s.KneeDB = *update.KneeDB
	}
	if update.Ratio != nil {
		s.Ratio = *update.Ratio
	}
	if update.AttackMS != nil {
		s.AttackMS = *update.AttackMS
	}
	if update.ReleaseMS != nil {
		s.ReleaseMS = *update.ReleaseMS
	}
	applied := c.limiter.Apply(s)

	c.persist()
	c.emit(Event{Type: EventLimiterUpdated, Limiter: applied})
	return applied
}

// LimiterSettings returns the applied limiter record.
func (c *Coordinator) LimiterSettings() dynamics.Settings {
	return c.limiter.Settings()
}

// LimiterGainReduction exposes the current reduction in dB for metering.
func (c *Coordinator) LimiterGainReduction() float64 {
	return c.limiter.GainReduction()
}

// persist writes auto-balance and limiter settings; failures are logged,
// never fatal.
func (c *Coordinator) persist() {
	if c.st == nil {
		return
	}
	c.mu.Lock()
	settings := store.Settings{AutoBalance: c.autoBalance, Limiter: c.limiter.Settings()}
	c.mu.Unlock()
	if err := c.st.Save(settings); err != nil {
		c.log.Warnf("settings save failed: %v", err)
	}
}

// applyStored adopts settings loaded from disk (startup or hot reload).
func (c *Coordinator) applyStored(settings store.Settings) {
	c.mu.Lock()
	c.autoBalance = clampAutoBalance(settings.AutoBalance)
	c.mu.Unlock()
	applied := c.limiter.Apply(settings.Limiter)
	c.emit(Event{Type: EventLimiterUpdated, Limiter: applied})
	c.emit(Event{Type: EventAutoBalanceUpdated, AutoBalance: c.AutoBalance()})
}

// BalanceNow runs one balancing pass toward the given target, or the
// auto-balance target when nil. Streams still warming up, unmeasurable
// streams and solo-muted streams are left alone.
func (c *Coordinator) BalanceNow(target *float64) {
	c.mu.Lock()
	tgt := c.autoBalance.TargetLUFS
	solo := c.solo
	procs := make([]*stream.Processor, 0, len(c.streams))
	for _, p := range c.streams {
		procs = append(procs, p)
	}
	c.mu.Unlock()

	if target != nil {
		tgt = gain.Clamp(*target, MinTargetLUFS, MaxTargetLUFS)
	}

	for _, p := range procs {
		if p.Status() != stream.StatusCapturing {
			continue
		}
		if solo != "" && p.ID() != solo {
			// Solo holds the stream silent; its stored gain stays put so
			// clearing solo restores it.
			p.SetMuted(true)
			continue
		}

		r := p.LatestReading()
		if r.BlockCount < MinBlocksForReliableLUFS || math.IsInf(r.Integrated, -1) {
			continue
		}

		applied := p.SetGainDB(tgt - r.Integrated)
		c.emit(Event{Type: EventGainUpdated, Stream: p.ID(), GainDB: applied})
	}
}

// Run drives the control loop: reading pump, periodic balancing, stale
// sweep and settings hot reload. Blocks until ctx is done.
func (c *Coordinator) Run(ctx context.Context) error {
	pump := time.NewTicker(pumpInterval)
	defer pump.Stop()
	balance := time.NewTicker(balanceInterval)
	defer balance.Stop()
	sweep := time.NewTicker(sweepInterval)
	defer sweep.Stop()

	if c.st != nil {
		go func() {
			if err := c.st.Watch(ctx, c.applyStored); err != nil && ctx.Err() == nil {
				c.log.Warnf("settings watch stopped: %v", err)
			}
		}()
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-pump.C:
			c.pumpReadings()
		case <-balance.C:
			if c.AutoBalance().Enabled {
				c.BalanceNow(nil)
			}
		case <-sweep.C:
			c.sweepStale()
		}
	}
}

// pumpReadings drains each stream's reading queue and republishes the most
// recent one as a LoudnessUpdate event.
func (c *Coordinator) pumpReadings() {
	set := c.renderSet.Load()
	for _, p := range *set {
		var latest *loudness.Reading
		for {
			select {
			case r := <-p.Readings():
				tmp := r
				latest = &tmp
				continue
			default:
			}
			break
		}
		if latest != nil {
			c.emit(Event{
				Type:    EventLoudnessUpdate,
				Stream:  p.ID(),
				Reading: *latest,
			})
		}
	}
}

// sweepStale removes streams whose source has ended or that the host
// reports gone.
func (c *Coordinator) sweepStale() {
	c.mu.Lock()
	type gone struct {
		id     stream.ID
		p      *stream.Processor
		reason string
	}
	var removed []gone
	for id, p := range c.streams {
		if reason, ended := p.EndReason(); ended {
			removed = append(removed, gone{id, p, reason})
		}
	}
	for _, g := range removed {
		delete(c.streams, g.id)
	}
	c.mu.Unlock()

	var hostGone []gone
	if liveness := c.liveness; liveness != nil {
		c.mu.Lock()
		for id, p := range c.streams {
			if !liveness(id) {
				hostGone = append(hostGone, gone{id, p, "stream gone"})
			}
		}
		for _, g := range hostGone {
			delete(c.streams, g.id)
		}
		c.mu.Unlock()
	}

	removed = append(removed, hostGone...)
	if len(removed) == 0 {
		return
	}

	c.mu.Lock()
	soloCleared := false
	for _, g := range removed {
		if c.solo == g.id {
			c.solo = ""
			soloCleared = true
			for _, p := range c.streams {
				p.SetMuted(false)
			}
		}
	}
	c.rebuildRenderSet()
	c.mu.Unlock()

	for _, g := range removed {
		g.p.Stop()
		c.emit(Event{Type: EventStreamEnded, Stream: g.id, Reason: g.reason})
	}
	if soloCleared {
		c.emit(Event{Type: EventSoloChanged, Solo: ""})
	}
}

// Render mixes every capturing stream through its gain stage, applies the
// shared limiter and feeds the output ring and peak meter. dst buffers
// receive the limited mix. Runs on the audio thread: no allocation, no
// locks.
func (c *Coordinator) Render(dstL, dstR []float32) int {
	frames := len(dstL)
	if len(dstR) < frames {
		frames = len(dstR)
	}
	if frames > maxRenderFrames {
		frames = maxRenderFrames
	}

	mixL := c.mixL[:frames]
	mixR := c.mixR[:frames]
	for i := range mixL {
		mixL[i] = 0
		mixR[i] = 0
	}

	set := c.renderSet.Load()
	for _, p := range *set {
		if p.Status() != stream.StatusCapturing {
			continue
		}
		n, _ := p.Render(c.streamL[:frames], c.streamR[:frames])
		for i := 0; i < n; i++ {
			mixL[i] += c.streamL[i]
			mixR[i] += c.streamR[i]
		}
	}

	c.limiter.ProcessStereo(mixL, mixR)
	c.peak.ProcessStereo(mixL, mixR)

	copy(dstL[:frames], mixL)
	copy(dstR[:frames], mixR)

	inter := c.interleaved[:2*frames]
	for i := 0; i < frames; i++ {
		inter[2*i] = mixL[i]
		inter[2*i+1] = mixR[i]
	}
	c.out.Write(inter)

	return frames
}

// Output returns the ring carrying the limited mix to the host consumer.
func (c *Coordinator) Output() *buffer.Ring { return c.out }

// OutputPeak returns the mix peak meter.
func (c *Coordinator) OutputPeak() *analysis.PeakMeter { return c.peak }
