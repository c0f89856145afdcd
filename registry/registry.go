// Copyright 2025 The WhereAmI Authors
// SPDX-License-Identifier: Apache-2.0

// Package registry holds the ordered collection of images being located and
// notifies subscribers whenever an image label is published.
package registry

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// ErrUnknownImage is returned when publishing to an ID not in the registry.
var ErrUnknownImage = errors.New("registry: unknown image")

// ErrClosed is returned when publishing to a closed registry.
var ErrClosed = errors.New("registry: closed")

// ImageRecord is one image and its (possibly empty) label text.
type ImageRecord struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	SourceRef string `json:"source_ref"`
	LabelText string `json:"label_text"`
}

// Change is sent to subscribers when a label is published.
type Change struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	LabelText string `json:"label_text"`
}

type subscriber struct {
	ch   chan Change
	done chan struct{}
	once sync.Once
}

// Registry is an observable ordered collection of ImageRecords. Records are
// created once and never removed; only their label text changes.
type Registry struct {
	mu      sync.RWMutex
	records []ImageRecord
	index   map[string]int
	closed  bool

	subMu sync.RWMutex
	subs  map[*subscriber]struct{}
}

// New creates a registry with one record per source reference, in order.
func New(refs []string) *Registry {
	r := &Registry{
		records: make([]ImageRecord, 0, len(refs)),
		index:   make(map[string]int, len(refs)),
		subs:    make(map[*subscriber]struct{}),
	}

	for _, ref := range refs {
		id := uuid.NewString()
		r.index[id] = len(r.records)
		r.records = append(r.records, ImageRecord{
			ID:        id,
			Name:      DisplayName(ref),
			SourceRef: ref,
		})
	}

	return r
}

// DisplayName returns the file name of ref without its extension.
func DisplayName(ref string) string {
	base := filepath.Base(ref)

	return strings.TrimSuffix(base, filepath.Ext(base))
}

// Len returns the number of records.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.records)
}

// Snapshot returns a copy of all records in registry order.
func (r *Registry) Snapshot() []ImageRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]ImageRecord, len(r.records))
	copy(out, r.records)

	return out
}

// Get returns the record with the given ID.
func (r *Registry) Get(id string) (ImageRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	i, ok := r.index[id]
	if !ok {
		return ImageRecord{}, false
	}

	return r.records[i], true
}

// Publish replaces the label text of an image and notifies subscribers.
// Delivery blocks until every subscriber has received the change or
// unsubscribed.
func (r *Registry) Publish(id, labelText string) error {
	change, err := r.Set(id, labelText)
	if err != nil {
		return err
	}

	return r.Notify(context.Background(), change)
}

// Set replaces the label text of an image without notifying subscribers. The
// returned Change is meant for Notify.
func (r *Registry) Set(id, labelText string) (Change, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return Change{}, ErrClosed
	}

	i, ok := r.index[id]
	if !ok {
		return Change{}, ErrUnknownImage
	}

	r.records[i].LabelText = labelText

	return Change{ID: id, Name: r.records[i].Name, LabelText: labelText}, nil
}

// Notify delivers change to every subscriber, waiting for each one to receive
// it or unsubscribe. When ctx ends first, the remaining subscribers miss the
// change and ctx.Err() is returned.
func (r *Registry) Notify(ctx context.Context, change Change) error {
	r.subMu.RLock()
	defer r.subMu.RUnlock()

	for s := range r.subs {
		select {
		case s.ch <- change:
		case <-s.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return nil
}

// Subscribe registers for label changes. The returned function unsubscribes
// and closes the channel; it is safe to call more than once.
func (r *Registry) Subscribe(buffer int) (<-chan Change, func()) {
	s := &subscriber{
		ch:   make(chan Change, max(buffer, 0)),
		done: make(chan struct{}),
	}

	r.subMu.Lock()
	r.subs[s] = struct{}{}
	r.subMu.Unlock()

	return s.ch, func() { r.unsubscribe(s) }
}

func (r *Registry) unsubscribe(s *subscriber) {
	s.once.Do(func() {
		// Unblocks a Publish waiting on s before taking the write lock.
		close(s.done)

		r.subMu.Lock()
		delete(r.subs, s)
		close(s.ch)
		r.subMu.Unlock()
	})
}

// SubscriberCount returns the number of active subscriptions.
func (r *Registry) SubscriberCount() int {
	r.subMu.RLock()
	defer r.subMu.RUnlock()

	return len(r.subs)
}

// Close rejects further publishes and closes every subscription.
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	r.subMu.Lock()
	subs := make([]*subscriber, 0, len(r.subs))

	for s := range r.subs {
		subs = append(subs, s)
	}
	r.subMu.Unlock()

	for _, s := range subs {
		r.unsubscribe(s)
	}
}
