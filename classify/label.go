// Copyright 2025 The WhereAmI Authors
// SPDX-License-Identifier: Apache-2.0

package classify

import (
	"math"
	"strconv"
	"strings"

	"github.com/jcodagnone/whereami/spatial"
)

// Candidate is a classifier guess decoded into a confidence and a coordinate.
type Candidate struct {
	Name       string
	Confidence float64 // in [0,1]
	Latitude   float64
	Longitude  float64
	Rank       int // position among the extracted predictions
}

// Percent returns the confidence scaled to a 0-100 percentage.
func (c Candidate) Percent() float64 {
	return c.Confidence * 100
}

// Point returns the candidate coordinate.
func (c Candidate) Point() spatial.Point {
	return spatial.Point{Lat: c.Latitude, Lng: c.Longitude}
}

// ParseCandidate decodes a `name\tlat\tlon` label. It reports false when a
// coordinate is missing, unparsable or out of range; such a candidate is
// dropped instead of being defaulted to (0,0).
func ParseCandidate(p Prediction) (Candidate, bool) {
	fields := strings.Split(p.Label, "\t")
	if len(fields) < 3 {
		return Candidate{}, false
	}

	lat, err := parseCoordinate(fields[1])
	if err != nil {
		return Candidate{}, false
	}

	lon, err := parseCoordinate(fields[2])
	if err != nil {
		return Candidate{}, false
	}

	point := spatial.Point{Lat: lat, Lng: lon}
	if point.Validate() != nil {
		return Candidate{}, false
	}

	if math.IsNaN(p.Confidence) || math.IsInf(p.Confidence, 0) {
		return Candidate{}, false
	}

	return Candidate{
		Name:       strings.TrimSpace(fields[0]),
		Confidence: min(max(p.Confidence, 0), 1),
		Latitude:   lat,
		Longitude:  lon,
	}, true
}

func parseCoordinate(s string) (float64, error) {
	return strconv.ParseFloat(strings.TrimSpace(s), 64)
}

// ExtractCandidates parses the top n predictions, skipping the ones that
// cannot be decoded. Rank keeps the extraction order of the survivors.
func ExtractCandidates(predictions []Prediction, n int) (candidates []Candidate, dropped int) {
	top := Top(predictions, n)
	candidates = make([]Candidate, 0, len(top))

	for _, p := range top {
		c, ok := ParseCandidate(p)
		if !ok {
			dropped++

			continue
		}

		c.Rank = len(candidates)
		candidates = append(candidates, c)
	}

	return candidates, dropped
}
