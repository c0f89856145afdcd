// Copyright 2025 The WhereAmI Authors
// SPDX-License-Identifier: Apache-2.0

package detect

import (
	"fmt"
	"time"
)

// ImageResult describes how one image run ended.
type ImageResult struct {
	ID         string
	Name       string
	Outcome    Outcome
	Candidates int // survivors of label parsing
	Dropped    int // unparsable predictions
	Resolved   int
	Unresolved int
	LabelText  string
	Err        error
}

// Summary aggregates the results of a detection run.
type Summary struct {
	RunID      string
	Aborted    bool // the classifier could not be loaded
	Images     int
	Published  int
	Skipped    int
	Cancelled  int
	Busy       int
	Candidates int
	Dropped    int
	Resolved   int
	Unresolved int
	Elapsed    time.Duration
}

// Add accounts for one image result.
func (s *Summary) Add(r ImageResult) {
	s.Images++

	switch r.Outcome {
	case OutcomePublished:
		s.Published++
	case OutcomeSkipped:
		s.Skipped++
	case OutcomeCancelled:
		s.Cancelled++
	case OutcomeBusy:
		s.Busy++
	}

	s.Candidates += r.Candidates
	s.Dropped += r.Dropped
	s.Resolved += r.Resolved
	s.Unresolved += r.Unresolved
}

// Merge adds the counters of other into s.
func (s *Summary) Merge(other Summary) {
	s.Aborted = s.Aborted || other.Aborted
	s.Images += other.Images
	s.Published += other.Published
	s.Skipped += other.Skipped
	s.Cancelled += other.Cancelled
	s.Busy += other.Busy
	s.Candidates += other.Candidates
	s.Dropped += other.Dropped
	s.Resolved += other.Resolved
	s.Unresolved += other.Unresolved
	s.Elapsed += other.Elapsed
}

func (s Summary) String() string {
	if s.Aborted {
		return fmt.Sprintf("run %s aborted: classifier unavailable", s.RunID)
	}

	return fmt.Sprintf("run %s: %d images, %d published, %d skipped, %d cancelled, %d busy; "+
		"%d candidates (%d dropped), %d resolved, %d unresolved in %v",
		s.RunID, s.Images, s.Published, s.Skipped, s.Cancelled, s.Busy,
		s.Candidates, s.Dropped, s.Resolved, s.Unresolved, s.Elapsed.Round(time.Millisecond))
}
