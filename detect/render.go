// Copyright 2025 The WhereAmI Authors
// SPDX-License-Identifier: Apache-2.0

package detect

import (
	"cmp"
	"fmt"
	"math"
	"slices"
	"strings"

	"github.com/jcodagnone/whereami/classify"
	"github.com/jcodagnone/whereami/geocode"
)

// ResolvedPlace is a candidate whose coordinate was reverse geocoded.
type ResolvedPlace struct {
	classify.Candidate
	Components *geocode.AddressComponents `json:"components,omitempty"`
	Address    string                     `json:"address"`
}

// SortPlaces orders places by confidence, highest first. Equal confidences
// keep the extraction order, whatever order the places were resolved in.
func SortPlaces(places []ResolvedPlace) {
	slices.SortStableFunc(places, func(a, b ResolvedPlace) int {
		if c := cmp.Compare(b.Confidence, a.Confidence); c != 0 {
			return c
		}

		return cmp.Compare(a.Rank, b.Rank)
	})
}

// RenderLine renders one place as "<pct>% - <address>" followed by a blank line.
func RenderLine(p ResolvedPlace) string {
	return fmt.Sprintf("%.1f%% - %s\n\n", math.Round(p.Percent()*10)/10, p.Address)
}

// Render concatenates the lines of already sorted places.
func Render(places []ResolvedPlace) string {
	var sb strings.Builder

	for _, p := range places {
		sb.WriteString(RenderLine(p))
	}

	return sb.String()
}
