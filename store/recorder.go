// Copyright 2025 The WhereAmI Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"log"

	"github.com/google/uuid"
	"github.com/jcodagnone/whereami/registry"
)

// Source is the registry a Recorder listens to.
type Source interface {
	Subscribe(buffer int) (<-chan registry.Change, func())
	Get(id string) (registry.ImageRecord, bool)
}

// Recorder saves every label published to a registry.
type Recorder struct {
	repo        *Repository
	source      Source
	sessionID   string
	changes     <-chan registry.Change
	unsubscribe func()
}

// NewRecorder subscribes to source right away so that no publication made
// after it returns is missed.
func NewRecorder(repo *Repository, source Source) *Recorder {
	changes, unsubscribe := source.Subscribe(64)

	return &Recorder{
		repo:        repo,
		source:      source,
		sessionID:   uuid.NewString(),
		changes:     changes,
		unsubscribe: unsubscribe,
	}
}

// SessionID identifies the detections recorded by this recorder.
func (r *Recorder) SessionID() string {
	return r.sessionID
}

// Run saves changes until ctx is done or the subscription is closed. It
// returns the number of detections saved.
func (r *Recorder) Run(ctx context.Context) int {
	saved := 0

	for {
		select {
		case <-ctx.Done():
			return saved
		case change, ok := <-r.changes:
			if !ok {
				return saved
			}

			d := &Detection{
				SessionID: r.sessionID,
				ImageID:   change.ID,
				ImageName: change.Name,
				LabelText: change.LabelText,
			}

			if rec, found := r.source.Get(change.ID); found {
				d.SourceRef = rec.SourceRef
			}

			// A label received before shutdown is still written.
			if err := r.repo.SaveDetection(context.WithoutCancel(ctx), d); err != nil {
				log.Printf("⚠️ Recording detection of %s failed: %v", change.Name, err)

				continue
			}

			saved++
		}
	}
}

// Close unsubscribes from the registry, which ends Run.
func (r *Recorder) Close() {
	r.unsubscribe()
}
