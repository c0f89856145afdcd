// Copyright 2025 The WhereAmI Authors
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/jcodagnone/whereami/detect"
	"github.com/jcodagnone/whereami/registry"
	"github.com/jcodagnone/whereami/server"
	"github.com/spf13/cobra"
)

var serveOptions struct {
	Addr         string
	NoAutoDetect bool
}

var serveCmd = &cobra.Command{
	Use:   "serve <dir>",
	Short: "Browse the photos of a directory and watch their labels update live",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		if serveOptions.Addr != "" {
			cfg.Server.Addr = serveOptions.Addr
		}

		refs, err := registry.ScanDir(args[0])
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := newApp(ctx, cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		reg := registry.New(refs)
		defer reg.Close()

		finishRecording := a.record(cmd.Context(), reg)
		defer finishRecording()

		coord := a.coordinator(reg, detect.Options{})
		defer coord.Close()

		log.Printf("📷 Serving %d images from %s", reg.Len(), args[0])

		if !serveOptions.NoAutoDetect {
			coord.StartDetection(ctx)
		}

		var history server.History
		if a.repo != nil {
			history = a.repo
		}

		return server.NewServer(reg, coord, history).Run(ctx, cfg.Server.Addr)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveOptions.Addr, "addr", "", "listen address (default from config, localhost:8080)")
	serveCmd.Flags().BoolVar(&serveOptions.NoAutoDetect, "no-auto-detect", false, "do not run a detection at startup")
}
