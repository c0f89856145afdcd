// Copyright 2025 The WhereAmI Authors
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/jcodagnone/whereami/detect"
	"github.com/jcodagnone/whereami/registry"
	"github.com/mattn/go-isatty"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

var detectOptions struct {
	JSON bool
}

var detectCmd = &cobra.Command{
	Use:   "detect <dir>",
	Short: "Label every photo of a directory with its most likely places",
	Long: `Runs the geolocation model over every .jpg, .jpeg, .png and .gif file of the
directory and prints, per photo, up to five places best guess first:

$ whereami detect photos/
eiffel
40.0% - Eiffel Tower,Paris,France

25.0% - Statue of Liberty,New York,United States
`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		refs, err := registry.ScanDir(args[0])
		if err != nil {
			return err
		}

		if len(refs) == 0 {
			return fmt.Errorf("no images found in %s", args[0])
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

		var bar *progressbar.ProgressBar
		if isatty.IsTerminal(os.Stderr.Fd()) {
			bar = progressbar.NewOptions(len(refs),
				progressbar.OptionSetDescription("Detecting"),
				progressbar.OptionSetWriter(os.Stderr),
				progressbar.OptionShowCount(),
				progressbar.OptionClearOnFinish(),
			)
		}

		onImageDone := func(r detect.ImageResult) {
			if bar != nil {
				_ = bar.Add(1)

				return
			}

			if r.Err != nil {
				log.Printf("⚠️ %s: %s (%v)", r.Name, r.Outcome, r.Err)
			} else {
				log.Printf("%s: %s, %d/%d places resolved", r.Name, r.Outcome, r.Resolved, r.Candidates)
			}
		}

		coord := a.coordinator(reg, detect.Options{OnImageDone: onImageDone})
		summary, _ := coord.RunDetection(ctx)
		coord.Close()

		if bar != nil {
			_ = bar.Finish()
		}

		finishRecording()

		if summary.Aborted {
			return errors.New("classifier unavailable")
		}

		if detectOptions.JSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")

			return enc.Encode(reg.Snapshot())
		}

		for _, rec := range reg.Snapshot() {
			fmt.Printf("%s\n%s", rec.Name, rec.LabelText)

			if rec.LabelText == "" {
				fmt.Println("(no places)")
			}

			fmt.Println()
		}

		return nil
	},
}

func init() {
	rootCmd.AddCommand(detectCmd)
	detectCmd.Flags().BoolVar(&detectOptions.JSON, "json", false, "print the image records as JSON")
}
