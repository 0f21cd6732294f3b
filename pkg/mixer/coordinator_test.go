package mixer

import (
	"errors"
	"math"
	"path/filepath"
	"testing"

	"github.com/fairmix/fairmix/internal/store"
	"github.com/fairmix/fairmix/pkg/stream"
)

const sampleRate = 48000.0

func newTestCoordinator(t *testing.T) *Coordinator {
	t.Helper()
	return New(Config{SampleRate: sampleRate})
}

// renderSeconds drives the render path like a host audio clock would.
func renderSeconds(c *Coordinator, seconds float64) {
	frames := int(seconds * sampleRate)
	dstL := make([]float32, 512)
	dstR := make([]float32, 512)
	for off := 0; off < frames; off += 512 {
		c.Render(dstL, dstR)
		// Keep the output ring drained so long renders never overrun.
		out := make([]float32, 2*512)
		c.Output().Read(out)
	}
}

func registerTone(t *testing.T, c *Coordinator, id stream.ID, levelDB float64) {
	t.Helper()
	if err := c.Register(id, string(id), stream.NewSineSource(sampleRate, 1000, levelDB)); err != nil {
		t.Fatal(err)
	}
}

func drainEvents(c *Coordinator) []Event {
	var events []Event
	for {
		select {
		case ev := <-c.Events():
			events = append(events, ev)
		default:
			return events
		}
	}
}

func TestRegisterDuplicate(t *testing.T) {
	c := newTestCoordinator(t)
	registerTone(t, c, "a", -18)

	err := c.Register("a", "again", stream.NewSineSource(sampleRate, 500, -20))
	if !errors.Is(err, ErrAlreadyRegistered) {
		t.Errorf("duplicate registration: %v", err)
	}
}

func TestRegisterInvalidSource(t *testing.T) {
	c := newTestCoordinator(t)

	err := c.Register("bad", "bad", &stream.SilenceSource{Rate: 0})
	var capErr *CaptureFailedError
	if !errors.As(err, &capErr) {
		t.Fatalf("expected CaptureFailedError, got %v", err)
	}

	found := false
	for _, ev := range drainEvents(c) {
		if ev.Type == EventCaptureError && ev.Stream == "bad" {
			found = true
		}
	}
	if !found {
		t.Error("no CaptureError event emitted")
	}
}

func TestUnknownStreamErrors(t *testing.T) {
	c := newTestCoordinator(t)

	if _, err := c.SetGain("nope", -3); !errors.Is(err, ErrUnknownStream) {
		t.Errorf("SetGain: %v", err)
	}
	if _, _, err := c.SetMaxGain("nope", 3); !errors.Is(err, ErrUnknownStream) {
		t.Errorf("SetMaxGain: %v", err)
	}
	if err := c.ResetMeasurements("nope"); !errors.Is(err, ErrUnknownStream) {
		t.Errorf("ResetMeasurements: %v", err)
	}
	if _, err := c.ToggleSolo("nope"); !errors.Is(err, ErrUnknownStream) {
		t.Errorf("ToggleSolo: %v", err)
	}
	if err := c.Unregister("nope"); !errors.Is(err, ErrUnknownStream) {
		t.Errorf("Unregister: %v", err)
	}
}

func TestGainClampReported(t *testing.T) {
	c := newTestCoordinator(t)
	registerTone(t, c, "a", -18)

	// +100 dB on a stream with the default 0 dB ceiling applies 0.
	applied, err := c.SetGain("a", 100)
	if err != nil {
		t.Fatal(err)
	}
	if applied != 0 {
		t.Errorf("applied gain: got %f, want 0", applied)
	}

	events := drainEvents(c)
	var last *Event
	for i := range events {
		if events[i].Type == EventGainUpdated {
			last = &events[i]
		}
	}
	if last == nil || last.GainDB != 0 {
		t.Errorf("GainUpdated event carries %+v, want applied 0", last)
	}
}

func TestBalanceConvergence(t *testing.T) {
	c := newTestCoordinator(t)

	// A -30 dBFS tone measures ~-30 LUFS.
	registerTone(t, c, "a", -30)
	renderSeconds(c, 2.0)

	// With the default 0 dB ceiling the stream cannot reach -14: clamped.
	target := -14.0
	c.BalanceNow(&target)
	snaps, _ := c.Streams()
	if got := snaps[0].GainDB; got != 0 {
		t.Errorf("clamped balance gain: got %f, want 0", got)
	}

	// Raising the ceiling lets it get there: target - integrated = +16.
	if _, _, err := c.SetMaxGain("a", 20); err != nil {
		t.Fatal(err)
	}
	c.BalanceNow(&target)
	snaps, _ = c.Streams()
	if got := snaps[0].GainDB; math.Abs(got-16.0) > 0.2 {
		t.Errorf("balance gain: got %f, want ~16", got)
	}
}

func TestBalanceWarmUpGuard(t *testing.T) {
	c := newTestCoordinator(t)
	registerTone(t, c, "a", -30)

	// ~0.8 s produces a handful of blocks, below the reliability floor.
	renderSeconds(c, 0.8)
	snaps, _ := c.Streams()
	if bc := snaps[0].Reading.BlockCount; bc >= MinBlocksForReliableLUFS {
		t.Skipf("warm-up produced %d blocks, cannot exercise the guard", bc)
	}

	target := -14.0
	c.SetMaxGain("a", 20)
	c.BalanceNow(&target)
	snaps, _ = c.Streams()
	if got := snaps[0].GainDB; got != 0 {
		t.Errorf("warm-up stream was balanced: gain %f", got)
	}
}

func TestBalanceSkipsUnmeasurable(t *testing.T) {
	c := newTestCoordinator(t)
	if err := c.Register("quiet", "quiet", &stream.SilenceSource{Rate: sampleRate}); err != nil {
		t.Fatal(err)
	}
	renderSeconds(c, 3.0)

	target := -14.0
	c.BalanceNow(&target)
	snaps, _ := c.Streams()
	if got := snaps[0].GainDB; got != 0 {
		t.Errorf("silent stream was balanced: gain %f", got)
	}
}

func TestBalanceTargetClamped(t *testing.T) {
	c := newTestCoordinator(t)

	applied := c.SetAutoBalance(AutoBalanceUpdate{TargetLUFS: ptr(-100.0)})
	if applied.TargetLUFS != MinTargetLUFS {
		t.Errorf("low target: got %f, want %f", applied.TargetLUFS, MinTargetLUFS)
	}
	applied = c.SetAutoBalance(AutoBalanceUpdate{TargetLUFS: ptr(100.0)})
	if applied.TargetLUFS != MaxTargetLUFS {
		t.Errorf("high target: got %f, want %f", applied.TargetLUFS, MaxTargetLUFS)
	}
}

func TestAutoBalanceToggleLeavesGains(t *testing.T) {
	c := newTestCoordinator(t)
	registerTone(t, c, "a", -18)
	if _, err := c.SetGain("a", -7); err != nil {
		t.Fatal(err)
	}

	c.SetAutoBalance(AutoBalanceUpdate{Enabled: ptr(true)})
	c.SetAutoBalance(AutoBalanceUpdate{Enabled: ptr(false)})

	snaps, _ := c.Streams()
	if got := snaps[0].GainDB; got != -7 {
		t.Errorf("gain after enable/disable: got %f, want -7", got)
	}
}

func TestSoloRoundTrip(t *testing.T) {
	c := newTestCoordinator(t)
	registerTone(t, c, "a", -18)
	registerTone(t, c, "b", -18)
	registerTone(t, c, "c", -18)

	c.SetMaxGain("a", 20)
	c.SetMaxGain("b", 20)
	c.SetMaxGain("c", 20)
	c.SetGain("a", -3)
	c.SetGain("b", -6)
	c.SetGain("c", 0)

	solo, err := c.ToggleSolo("b")
	if err != nil {
		t.Fatal(err)
	}
	if solo != "b" {
		t.Fatalf("solo holder: %q", solo)
	}

	snaps, _ := c.Streams()
	for _, s := range snaps {
		wantMuted := s.ID != "b"
		if s.Muted != wantMuted {
			t.Errorf("stream %s muted=%v, want %v", s.ID, s.Muted, wantMuted)
		}
	}

	// Toggling the same stream again clears solo and restores everything.
	solo, err = c.ToggleSolo("b")
	if err != nil {
		t.Fatal(err)
	}
	if solo != "" {
		t.Fatalf("solo after second toggle: %q", solo)
	}

	wantGains := map[stream.ID]float64{"a": -3, "b": -6, "c": 0}
	snaps, _ = c.Streams()
	for _, s := range snaps {
		if s.Muted {
			t.Errorf("stream %s still muted", s.ID)
		}
		if s.GainDB != wantGains[s.ID] {
			t.Errorf("stream %s gain %f, want %f", s.ID, s.GainDB, wantGains[s.ID])
		}
	}
}

func TestSoloSwitchesHolder(t *testing.T) {
	c := newTestCoordinator(t)
	registerTone(t, c, "a", -18)
	registerTone(t, c, "b", -18)

	c.ToggleSolo("a")
	solo, _ := c.ToggleSolo("b")
	if solo != "b" {
		t.Fatalf("solo holder: %q", solo)
	}

	snaps, _ := c.Streams()
	for _, s := range snaps {
		if s.ID == "b" && s.Muted {
			t.Error("solo holder muted")
		}
		if s.ID == "a" && !s.Muted {
			t.Error("non-solo stream audible")
		}
	}
}

func TestSoloClearedWhenHolderRemoved(t *testing.T) {
	c := newTestCoordinator(t)
	registerTone(t, c, "a", -18)
	registerTone(t, c, "b", -18)

	c.ToggleSolo("a")
	if err := c.Unregister("a"); err != nil {
		t.Fatal(err)
	}

	if solo := c.Solo(); solo != "" {
		t.Errorf("solo after holder removal: %q", solo)
	}
	snaps, _ := c.Streams()
	for _, s := range snaps {
		if s.Muted {
			t.Errorf("stream %s still muted after solo holder left", s.ID)
		}
	}
}

func TestBalanceSkipsSoloMuted(t *testing.T) {
	c := newTestCoordinator(t)
	registerTone(t, c, "a", -30)
	registerTone(t, c, "b", -30)
	c.SetMaxGain("a", 20)
	c.SetMaxGain("b", 20)
	renderSeconds(c, 2.0)

	c.ToggleSolo("a")
	target := -14.0
	c.BalanceNow(&target)

	snaps, _ := c.Streams()
	for _, s := range snaps {
		switch s.ID {
		case "a":
			if math.Abs(s.GainDB-16.0) > 0.2 {
				t.Errorf("solo holder gain: %f, want ~16", s.GainDB)
			}
		case "b":
			if s.GainDB != 0 {
				t.Errorf("muted stream rebalanced: gain %f", s.GainDB)
			}
			if !s.Muted {
				t.Error("muted stream audible during balance")
			}
		}
	}
}

func TestLimiterPartialUpdateAndPersistence(t *testing.T) {
	st := store.New(filepath.Join(t.TempDir(), "settings.toml"))
	c := New(Config{SampleRate: sampleRate, Store: st})

	applied := c.SetLimiter(LimiterUpdate{ThresholdDB: ptr(-3.0), Enabled: ptr(true)})
	if applied.ThresholdDB != -3.0 {
		t.Errorf("threshold: %f", applied.ThresholdDB)
	}
	// Untouched fields keep their previous values.
	if applied.Ratio != 20.0 {
		t.Errorf("ratio changed by partial update: %f", applied.Ratio)
	}

	c.SetAutoBalance(AutoBalanceUpdate{Enabled: ptr(true), TargetLUFS: ptr(-16.0)})

	// A fresh coordinator against the same store resumes the settings.
	c2 := New(Config{SampleRate: sampleRate, Store: st})
	if got := c2.LimiterSettings().ThresholdDB; got != -3.0 {
		t.Errorf("persisted threshold: %f", got)
	}
	ab := c2.AutoBalance()
	if !ab.Enabled || ab.TargetLUFS != -16.0 {
		t.Errorf("persisted auto balance: %+v", ab)
	}
}

func TestStreamEndSweep(t *testing.T) {
	c := newTestCoordinator(t)
	src := &stream.FiniteSource{
		Inner:     stream.NewSineSource(sampleRate, 1000, -18),
		Remaining: 1000,
	}
	if err := c.Register("finite", "finite", src); err != nil {
		t.Fatal(err)
	}

	renderSeconds(c, 0.5) // drives the source past its end
	c.sweepStale()

	snaps, _ := c.Streams()
	if len(snaps) != 0 {
		t.Fatalf("ended stream not removed: %d left", len(snaps))
	}

	found := false
	for _, ev := range drainEvents(c) {
		if ev.Type == EventStreamEnded && ev.Stream == "finite" && ev.Reason == "source ended" {
			found = true
		}
	}
	if !found {
		t.Error("no StreamEnded event")
	}
}

func TestLivenessSweep(t *testing.T) {
	alive := map[stream.ID]bool{"a": true, "b": true}
	c := New(Config{
		SampleRate: sampleRate,
		Liveness:   func(id stream.ID) bool { return alive[id] },
	})
	registerTone(t, c, "a", -18)
	registerTone(t, c, "b", -18)

	alive["b"] = false
	c.sweepStale()

	snaps, _ := c.Streams()
	if len(snaps) != 1 || snaps[0].ID != "a" {
		t.Fatalf("sweep result: %+v", snaps)
	}

	found := false
	for _, ev := range drainEvents(c) {
		if ev.Type == EventStreamEnded && ev.Stream == "b" && ev.Reason == "stream gone" {
			found = true
		}
	}
	if !found {
		t.Error("no StreamEnded{stream gone} event")
	}
}

func TestRenderMixAndLimit(t *testing.T) {
	c := newTestCoordinator(t)

	// Two full-scale-ish tones sum well above 0 dBFS; the limiter must hold
	// the mix near its ceiling.
	registerTone(t, c, "a", -3)
	registerTone(t, c, "b", -3)
	c.SetLimiter(LimiterUpdate{Enabled: ptr(true), ThresholdDB: ptr(-1.0), KneeDB: ptr(0.0), Ratio: ptr(100.0), AttackMS: ptr(0.1)})

	renderSeconds(c, 1.0)

	// The decaying peak reflects steady-state limiting; the held peak may
	// still carry the unlimited onset transient (no lookahead).
	peak := c.OutputPeak().PeakDB()
	if peak > 0.0 {
		t.Errorf("limited mix peaked at %.2f dBFS", peak)
	}
	if peak < -6.0 {
		t.Errorf("mix implausibly quiet: %.2f dBFS", peak)
	}
}

func TestResetMeasurementsIdempotent(t *testing.T) {
	c := newTestCoordinator(t)
	registerTone(t, c, "a", -18)
	renderSeconds(c, 1.0)

	if err := c.ResetMeasurements("a"); err != nil {
		t.Fatal(err)
	}
	if err := c.ResetMeasurements("a"); err != nil {
		t.Fatal(err)
	}

	snaps, _ := c.Streams()
	r := snaps[0].Reading
	if r.BlockCount != 0 || !math.IsInf(r.Integrated, -1) {
		t.Errorf("reading after double reset: %+v", r)
	}
}

func TestLoudnessUpdatePump(t *testing.T) {
	c := newTestCoordinator(t)
	registerTone(t, c, "a", -18)
	renderSeconds(c, 1.0)

	c.pumpReadings()

	found := false
	for _, ev := range drainEvents(c) {
		if ev.Type == EventLoudnessUpdate && ev.Stream == "a" && ev.Reading.BlockCount > 0 {
			found = true
		}
	}
	if !found {
		t.Error("no LoudnessUpdate pumped")
	}
}

func ptr[T any](v T) *T { return &v }
