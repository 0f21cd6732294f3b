// Package cmd wires the command line interface.
package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

var (
	version    = "dev"
	configPath string
	sampleRate float64
)

// SetVersion sets the application version (called from main).
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}

var rootCmd = &cobra.Command{
	Use:   "fairmix",
	Short: "Multi-stream loudness balancing and limiting",
	Long: `fairmix measures the perceptual loudness of concurrent audio streams
per ITU-R BS.1770-4 and balances them toward a target loudness, with a
shared limiter protecting the summed output.

Momentary (400 ms), short-term (3 s) and gated integrated loudness are
tracked per stream. Balancing can run once or continuously; solo lets a
single stream through while the others stay muted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMonitor()
	},
}

// Execute runs the CLI.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "settings file (default: user config dir)")
	rootCmd.PersistentFlags().Float64Var(&sampleRate, "sample-rate", 48000, "engine sample rate in Hz")
	rootCmd.Version = version
}

func settingsPath() string {
	if configPath != "" {
		return configPath
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return "fairmix-settings.toml"
	}
	return filepath.Join(dir, "fairmix", "settings.toml")
}
