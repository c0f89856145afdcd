// Copyright 2025 The WhereAmI Authors
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/jcodagnone/whereami/config"
	"github.com/spf13/cobra"
)

type logWriter struct {
	writer io.Writer
}

func (w *logWriter) Write(bytes []byte) (int, error) {
	return fmt.Fprintf(w.writer, "%s %s", time.Now().Format("2006-01-02 15:04:05"), string(bytes))
}

func init() {
	log.SetFlags(0)
	log.SetOutput(&logWriter{writer: os.Stderr})
}

var rootOptions struct {
	ConfigPath string
	HTTPTrace  bool
}

var rootCmd = &cobra.Command{
	Use:   "whereami",
	Short: "guess where a photo was taken",
	Long: `
whereami runs a geolocation model over a directory of photos, reverse geocodes
the most likely places and labels every photo with them, best guess first.
`,
	SilenceUsage: true,
}

var Version = "dev"

func Execute(version string) {
	Version = version

	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

// loadConfig reads and validates the configuration selected by the flags.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(rootOptions.ConfigPath)
	if err != nil {
		return nil, err
	}

	if rootOptions.HTTPTrace {
		cfg.HTTPTrace = true
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func init() {
	rootCmd.PersistentFlags().StringVar(&rootOptions.ConfigPath, "config", "", "config file (default ./whereami.yaml)")
	rootCmd.PersistentFlags().BoolVar(&rootOptions.HTTPTrace, "http-trace", false, "trace geocoding HTTP requests to stderr")
}
