// Copyright 2025 The WhereAmI Authors
// SPDX-License-Identifier: Apache-2.0

package detect

import "fmt"

// State is the position of one image in its detection run.
type State int

const (
	Idle State = iota
	Classifying
	Extracting
	Resolving
	Sorting
	Formatting
	Published
)

var stateNames = [...]string{
	Idle:        "idle",
	Classifying: "classifying",
	Extracting:  "extracting",
	Resolving:   "resolving",
	Sorting:     "sorting",
	Formatting:  "formatting",
	Published:   "published",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}

	return fmt.Sprintf("State(%d)", int(s))
}

// Outcome is how an image run ended.
type Outcome int

const (
	// OutcomePublished means the label was written to the registry.
	OutcomePublished Outcome = iota
	// OutcomeSkipped means the asset or the classifier failed for the image.
	OutcomeSkipped
	// OutcomeCancelled means the run was cancelled or superseded.
	OutcomeCancelled
	// OutcomeBusy means another run of the same image was in progress.
	OutcomeBusy
)

func (o Outcome) String() string {
	switch o {
	case OutcomePublished:
		return "published"
	case OutcomeSkipped:
		return "skipped"
	case OutcomeCancelled:
		return "cancelled"
	case OutcomeBusy:
		return "busy"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}
