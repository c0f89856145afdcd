// Copyright 2025 The WhereAmI Authors
// SPDX-License-Identifier: Apache-2.0

// Package classify defines the geolocation classifier contract and the
// decoding of its place labels into coordinate candidates.
package classify

import (
	"context"
	"errors"
	"sort"
	"sync"
)

// DefaultTopN is the number of predictions considered per image.
const DefaultTopN = 5

// ErrNoLabels is returned when a label file has no usable entries.
var ErrNoLabels = errors.New("classify: no labels")

// Prediction is one raw classifier guess.
type Prediction struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
}

// Classifier classifies an encoded image. Predictions are returned in the
// model's own ranking, best first.
type Classifier interface {
	Classify(ctx context.Context, image []byte) ([]Prediction, error)
}

// Loader instantiates a Classifier. It is invoked once per detection run.
type Loader func() (Classifier, error)

// Static returns a Loader that always yields c.
func Static(c Classifier) Loader {
	return func() (Classifier, error) { return c, nil }
}

// Once wraps loader so that the first successful Classifier is reused by
// every later call. Failures are not cached and the next call retries.
func Once(loader Loader) Loader {
	var (
		mu     sync.Mutex
		cached Classifier
	)

	return func() (Classifier, error) {
		mu.Lock()
		defer mu.Unlock()

		if cached != nil {
			return cached, nil
		}

		c, err := loader()
		if err != nil {
			return nil, err
		}

		cached = c

		return c, nil
	}
}

// ClassifierFunc adapts a function to the Classifier interface.
type ClassifierFunc func(ctx context.Context, image []byte) ([]Prediction, error)

// Classify implements Classifier.
func (f ClassifierFunc) Classify(ctx context.Context, image []byte) ([]Prediction, error) {
	return f(ctx, image)
}

// Top returns at most n predictions, keeping their order.
func Top(predictions []Prediction, n int) []Prediction {
	if n <= 0 || len(predictions) <= n {
		return predictions
	}

	return predictions[:n]
}

// Rank pairs labels with raw model scores and sorts them by score in
// descending order. Equal scores keep label order.
func Rank(labels []string, scores []float32) []Prediction {
	n := min(len(labels), len(scores))

	predictions := make([]Prediction, 0, n)
	for i := range n {
		predictions = append(predictions, Prediction{Label: labels[i], Confidence: float64(scores[i])})
	}

	sort.SliceStable(predictions, func(i, j int) bool {
		return predictions[i].Confidence > predictions[j].Confidence
	})

	return predictions
}
