// Copyright 2025 The WhereAmI Authors
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strconv"

	"github.com/jcodagnone/whereami/classify"
	"github.com/jcodagnone/whereami/geocode"
	"github.com/jcodagnone/whereami/registry"
	"github.com/jcodagnone/whereami/spatial"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
)

var debugCmd = &cobra.Command{
	Use:   "debug",
	Short: "Dev tools",
}

var debugLabelsCmd = &cobra.Command{
	Use:   "labels",
	Short: "Parse classifier labels",
	Long: `Reads one label per line and prints the label followed by the parsed
candidate, or the reason it would be dropped.

$ printf 'eiffel\t48.8584\t2.2945\n' | whereami debug labels
eiffel	48.8584	2.2945		{"Name":"eiffel","Confidence":1,"Latitude":48.8584,...}
`,
	Args: cobra.NoArgs,
	Run: func(_ *cobra.Command, _ []string) {
		input := os.Stdin
		if isatty.IsTerminal(input.Fd()) {
			fmt.Fprintln(os.Stderr, "Enter labels to parse, one per line…")
		}

		scanner := bufio.NewScanner(input)
		for scanner.Scan() {
			label := scanner.Text()

			candidate, ok := classify.ParseCandidate(classify.Prediction{Label: label, Confidence: 1})
			if !ok {
				fmt.Printf("%s\t%q\n", label, "dropped: not a name<TAB>lat<TAB>lon label")

				continue
			}

			if s, err := json.Marshal(candidate); err == nil {
				fmt.Printf("%s\t\t%s\n", label, s)
			} else {
				log.Fatal(err)
			}
		}

		if err := scanner.Err(); err != nil {
			fmt.Fprintf(os.Stderr, "Error reading input: %s\n", err)
			os.Exit(1)
		}
	},
}

var debugGeocodeCmd = &cobra.Command{
	Use:   "geocode <lat> <lon>",
	Short: "Reverse geocode a point with the configured provider",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		lat, err := strconv.ParseFloat(args[0], 64)
		if err != nil {
			return fmt.Errorf("invalid latitude: %w", err)
		}

		lon, err := strconv.ParseFloat(args[1], 64)
		if err != nil {
			return fmt.Errorf("invalid longitude: %w", err)
		}

		if err := (spatial.Point{Lat: lat, Lng: lon}).Validate(); err != nil {
			return err
		}

		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		a, err := newApp(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		components, err := a.resolver.Reverse(cmd.Context(), lat, lon)
		if err != nil {
			if geocode.IsNotFoundError(err) {
				fmt.Println("(no address)")

				return nil
			}

			return err
		}

		s, err := json.MarshalIndent(components, "", "  ")
		if err != nil {
			return err
		}

		fmt.Println(string(s))
		fmt.Println(geocode.FormatAddress(components))

		return nil
	},
}

var debugClassifyCmd = &cobra.Command{
	Use:   "classify <image>",
	Short: "Print the raw model predictions for an image",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		a := &app{cfg: cfg}
		defer a.Close()

		classifier, err := a.loadModel()
		if err != nil {
			return err
		}

		data, err := registry.FileLoader{}.Load(cmd.Context(), args[0])
		if err != nil {
			return err
		}

		predictions, err := classifier.Classify(cmd.Context(), data)
		if err != nil {
			return err
		}

		for i, p := range classify.Top(predictions, cfg.Detect.TopN) {
			fmt.Printf("%d\t%.4f\t%s\n", i+1, p.Confidence, p.Label)
		}

		return nil
	},
}

func init() {
	rootCmd.AddCommand(debugCmd)
	debugCmd.AddCommand(debugLabelsCmd)
	debugCmd.AddCommand(debugGeocodeCmd)
	debugCmd.AddCommand(debugClassifyCmd)
}
