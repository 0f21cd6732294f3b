package cmd

import (
	"fmt"
	"io"
	"math"

	"github.com/spf13/cobra"

	"github.com/fairmix/fairmix/pkg/stream"
)

var (
	measureSeconds float64
	measureFreq    float64
	measureLevel   float64
	measureSilence bool
)

var measureCmd = &cobra.Command{
	Use:   "measure",
	Short: "Measure a synthetic signal offline and print its loudness",
	Long: `measure runs the loudness engine over a generated signal as fast as
possible and prints momentary, short-term and integrated loudness.

Useful for verifying calibration: a 1 kHz tone at -18 dBFS must read
-18.0 LUFS integrated.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMeasure(cmd.OutOrStdout())
	},
}

func init() {
	measureCmd.Flags().Float64Var(&measureSeconds, "seconds", 5, "signal duration")
	measureCmd.Flags().Float64Var(&measureFreq, "freq", 1000, "tone frequency in Hz")
	measureCmd.Flags().Float64Var(&measureLevel, "level", -18, "tone level in dBFS")
	measureCmd.Flags().BoolVar(&measureSilence, "silence", false, "measure silence instead of a tone")
	rootCmd.AddCommand(measureCmd)
}

func runMeasure(out io.Writer) error {
	var src stream.Source
	if measureSilence {
		src = &stream.SilenceSource{Rate: sampleRate}
	} else {
		src = stream.NewSineSource(sampleRate, measureFreq, measureLevel)
	}

	p, err := stream.NewProcessor(stream.Config{ID: "measure", Label: "measure", Source: src})
	if err != nil {
		return err
	}
	if err := p.Start(); err != nil {
		return err
	}

	frames := int(measureSeconds * sampleRate)
	dstL := make([]float32, 1024)
	dstR := make([]float32, 1024)
	for off := 0; off < frames; {
		chunk := len(dstL)
		if off+chunk > frames {
			chunk = frames - off
		}
		n, err := p.Render(dstL[:chunk], dstR[:chunk])
		if err != nil {
			break
		}
		off += n
	}
	p.Stop()

	r := p.LatestReading()
	fmt.Fprintf(out, "duration:    %.2f s\n", measureSeconds)
	fmt.Fprintf(out, "momentary:   %s\n", formatLUFS(r.Momentary))
	fmt.Fprintf(out, "short-term:  %s\n", formatLUFS(r.ShortTerm))
	fmt.Fprintf(out, "integrated:  %s\n", formatLUFS(r.Integrated))
	fmt.Fprintf(out, "blocks:      %d\n", r.BlockCount)
	return nil
}

func formatLUFS(v float64) string {
	if math.IsInf(v, -1) {
		return "-inf LUFS"
	}
	return fmt.Sprintf("%.1f LUFS", v)
}
