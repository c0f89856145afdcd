// Copyright 2025 The WhereAmI Authors
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"errors"
	"fmt"
	"strings"

	"github.com/jcodagnone/whereami/store"
	"github.com/spf13/cobra"
)

var historyOptions struct {
	Limit int
}

var historyCmd = &cobra.Command{
	Use:   "history [image]",
	Short: "List recorded detections, newest first",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		if cfg.Store.Path == "" {
			return errors.New("store.path is empty, detections are not recorded")
		}

		db, err := store.Open(cfg.Store.Path)
		if err != nil {
			return fmt.Errorf("opening database: %w", err)
		}
		defer db.Close()

		repo := store.NewRepository(db)
		if err := repo.CreateSchema(); err != nil {
			return fmt.Errorf("creating schema: %w", err)
		}

		name := ""
		if len(args) > 0 {
			name = args[0]
		}

		detections, err := repo.ListDetections(cmd.Context(), name, historyOptions.Limit)
		if err != nil {
			return err
		}

		a, b, c := strings.Repeat("─", 19), strings.Repeat("─", 20), strings.Repeat("─", 50)
		fmt.Printf("╭─%-19s─┬─%-20s─┬─%-50s╮\n", a, b, c)
		fmt.Printf("│ %-19s │ %-20s │ %-50s│\n", "Date", "Image", "Best guess")
		fmt.Printf("├─%-19s─┼─%-20s─┼─%-50s┤\n", a, b, c)

		for _, d := range detections {
			fmt.Printf("│ %-19s │ %-20s │ %-50s│\n",
				d.CreatedAt.Local().Format("2006-01-02 15:04:05"), truncate(d.ImageName, 20), truncate(bestPlace(d.LabelText), 50))
		}

		fmt.Printf("╰─%-19s─┴─%-20s─┴─%-50s╯\n", a, b, c)

		return nil
	},
}

// bestPlace returns the first line of a label text.
func bestPlace(labelText string) string {
	first, _, _ := strings.Cut(labelText, "\n")
	if first == "" {
		return "(no places)"
	}

	return first
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}

	return string(r[:n-1]) + "…"
}

func init() {
	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().IntVar(&historyOptions.Limit, "limit", 20, "maximum number of detections")
}
