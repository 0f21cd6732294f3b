package cmd

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/fairmix/fairmix/internal/store"
	"github.com/fairmix/fairmix/internal/tui"
	"github.com/fairmix/fairmix/pkg/dsp/utility"
	"github.com/fairmix/fairmix/pkg/mixer"
	"github.com/fairmix/fairmix/pkg/stream"
)

var (
	toneSpecs  []string
	noiseSpecs []string
)

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Run the balancer against demo sources with live meters",
	Long: `monitor registers demo sources, drives the render clock in real time
and shows per-stream loudness meters, gain, solo state and the output
limiter.

Sources are given as freq:level or type:level, e.g.:

  fairmix monitor --tone 440:-23 --tone 1000:-18 --noise pink:-30`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMonitor()
	},
}

func init() {
	monitorCmd.Flags().StringArrayVar(&toneSpecs, "tone", nil, "sine source as freq:levelDB (repeatable)")
	monitorCmd.Flags().StringArrayVar(&noiseSpecs, "noise", nil, "noise source as white|pink:levelDB (repeatable)")
	rootCmd.AddCommand(monitorCmd)
}

func runMonitor() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	coord := mixer.New(mixer.Config{
		SampleRate: sampleRate,
		Store:      store.New(settingsPath()),
	})

	if err := registerDemoSources(coord); err != nil {
		return err
	}

	go coord.Run(ctx)
	go renderClock(ctx, coord)

	return tui.Run(coord, version)
}

func registerDemoSources(coord *mixer.Coordinator) error {
	tones := toneSpecs
	noises := noiseSpecs
	if len(tones) == 0 && len(noises) == 0 {
		// A speech-ish default scene: two tones at uneven levels and a bed
		// of pink noise.
		tones = []string{"440:-23", "1000:-14"}
		noises = []string{"pink:-30"}
	}

	for i, spec := range tones {
		freq, level, err := splitSpec(spec)
		if err != nil {
			return fmt.Errorf("--tone %q: %w", spec, err)
		}
		f, err := strconv.ParseFloat(freq, 64)
		if err != nil {
			return fmt.Errorf("--tone %q: bad frequency", spec)
		}
		id := stream.ID(fmt.Sprintf("tone-%d", i+1))
		label := fmt.Sprintf("%.0f Hz tone (%.0f dBFS)", f, level)
		if err := coord.Register(id, label, stream.NewSineSource(sampleRate, f, level)); err != nil {
			return err
		}
	}

	for i, spec := range noises {
		kind, level, err := splitSpec(spec)
		if err != nil {
			return fmt.Errorf("--noise %q: %w", spec, err)
		}
		var noiseType utility.NoiseType
		switch kind {
		case "white":
			noiseType = utility.WhiteNoise
		case "pink":
			noiseType = utility.PinkNoise
		default:
			return fmt.Errorf("--noise %q: unknown type %q", spec, kind)
		}
		id := stream.ID(fmt.Sprintf("noise-%d", i+1))
		label := fmt.Sprintf("%s noise (%.0f dBFS)", kind, level)
		src := stream.NewNoiseSource(sampleRate, noiseType, level, int64(i)+1)
		if err := coord.Register(id, label, src); err != nil {
			return err
		}
	}
	return nil
}

func splitSpec(spec string) (string, float64, error) {
	head, tail, ok := strings.Cut(spec, ":")
	if !ok {
		return "", 0, fmt.Errorf("want name:levelDB")
	}
	level, err := strconv.ParseFloat(tail, 64)
	if err != nil {
		return "", 0, fmt.Errorf("bad level %q", tail)
	}
	return head, level, nil
}

// renderClock emulates the host audio callback: a fixed block of frames at
// wall-clock rate, with the output ring drained like a sound device would.
func renderClock(ctx context.Context, coord *mixer.Coordinator) {
	const blockFrames = 480 // 10 ms at 48 kHz

	interval := time.Duration(float64(blockFrames) / sampleRate * float64(time.Second))
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	dstL := make([]float32, blockFrames)
	dstR := make([]float32, blockFrames)
	sink := make([]float32, 2*blockFrames)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			coord.Render(dstL, dstR)
			coord.Output().Read(sink)
		}
	}
}
