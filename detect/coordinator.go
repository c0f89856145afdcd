// Copyright 2025 The WhereAmI Authors
// SPDX-License-Identifier: Apache-2.0

// Package detect runs the classify, resolve and rank pipeline over the images
// of a registry and publishes one confidence sorted label per image.
package detect

import (
	"context"
	"errors"
	"log"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jcodagnone/whereami/classify"
	"github.com/jcodagnone/whereami/geocode"
	"github.com/jcodagnone/whereami/registry"
	"golang.org/x/sync/semaphore"
)

// Registry is the image collection the coordinator reads and publishes to.
type Registry interface {
	Snapshot() []registry.ImageRecord
	Get(id string) (registry.ImageRecord, bool)
	Set(id, labelText string) (registry.Change, error)
	Notify(ctx context.Context, change registry.Change) error
}

// Options tunes a Coordinator.
type Options struct {
	// TopN is the number of predictions considered per image.
	TopN int
	// Concurrency bounds the images processed at the same time.
	Concurrency int
	// OnTransition observes state changes. It must not block.
	OnTransition func(id string, s State)
	// OnImageDone is called once per image with the result of its run.
	OnImageDone func(ImageResult)
}

// imageRun guards one in-flight run of an image.
type imageRun struct {
	gen       uint64
	cancel    context.CancelFunc
	mu        sync.Mutex
	cancelled bool
}

// Coordinator runs detections. At most one run is in flight per image, and
// at most one RunDetection at a time.
type Coordinator struct {
	registry Registry
	assets   registry.AssetLoader
	loader   classify.Loader
	resolver geocode.Resolver
	opts     Options
	sem      *semaphore.Weighted

	ctx   context.Context
	close context.CancelFunc
	wg    sync.WaitGroup

	mu        sync.Mutex
	detecting bool
	closed    bool
	gen       uint64
	runs      map[string]*imageRun
}

// New creates a Coordinator.
func New(reg Registry, assets registry.AssetLoader, loader classify.Loader, resolver geocode.Resolver, opts Options) *Coordinator {
	if opts.TopN <= 0 {
		opts.TopN = classify.DefaultTopN
	}

	if opts.Concurrency <= 0 {
		opts.Concurrency = runtime.NumCPU()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Coordinator{
		registry: reg,
		assets:   assets,
		loader:   loader,
		resolver: resolver,
		opts:     opts,
		sem:      semaphore.NewWeighted(int64(opts.Concurrency)),
		ctx:      ctx,
		close:    cancel,
		runs:     make(map[string]*imageRun),
	}
}

// RunDetection classifies every image of the registry and blocks until each
// one has been published or skipped. It reports false, doing nothing, when a
// detection is already in progress or the coordinator is closed.
func (c *Coordinator) RunDetection(ctx context.Context) (Summary, bool) {
	done, ok := c.StartDetection(ctx)
	if !ok {
		return Summary{}, false
	}

	return <-done, true
}

// StartDetection is RunDetection without waiting. The channel delivers the
// summary once the run completes.
func (c *Coordinator) StartDetection(ctx context.Context) (<-chan Summary, bool) {
	c.mu.Lock()
	if c.detecting || c.closed {
		c.mu.Unlock()

		return nil, false
	}

	c.detecting = true
	c.wg.Add(1)
	c.mu.Unlock()

	done := make(chan Summary, 1)

	go func() {
		defer c.wg.Done()

		summary := c.detectAll(ctx)

		c.mu.Lock()
		c.detecting = false
		c.mu.Unlock()

		done <- summary
		close(done)
	}()

	return done, true
}

// Detecting reports whether a RunDetection is in progress.
func (c *Coordinator) Detecting() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.detecting
}

func (c *Coordinator) detectAll(ctx context.Context) Summary {
	started := time.Now()
	summary := Summary{RunID: uuid.NewString()}

	classifier, err := c.loader()
	if err != nil {
		log.Printf("❌ Classifier unavailable, detection run %s aborted: %v", summary.RunID, err)

		summary.Aborted = true
		summary.Elapsed = time.Since(started)

		return summary
	}

	records := c.registry.Snapshot()
	log.Printf("🔎 Detection run %s over %d images", summary.RunID, len(records))

	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)

	add := func(r ImageResult) {
		mu.Lock()
		summary.Add(r)
		mu.Unlock()

		if c.opts.OnImageDone != nil {
			c.opts.OnImageDone(r)
		}
	}

	for _, rec := range records {
		runCtx, cancel := context.WithCancel(ctx)

		run, err := c.begin(rec.ID, cancel)
		if err != nil {
			cancel()

			outcome := OutcomeBusy
			if errors.Is(err, errClosed) {
				outcome = OutcomeCancelled
			}

			add(ImageResult{ID: rec.ID, Name: rec.Name, Outcome: outcome, Err: err})

			continue
		}

		if err := c.sem.Acquire(runCtx, 1); err != nil {
			c.end(rec.ID, run)
			add(ImageResult{ID: rec.ID, Name: rec.Name, Outcome: OutcomeCancelled, Err: err})

			continue
		}

		wg.Add(1)

		go func(rec registry.ImageRecord, run *imageRun) {
			defer wg.Done()
			defer c.sem.Release(1)
			defer c.end(rec.ID, run)

			add(c.process(runCtx, rec, run, classifier))
		}(rec, run)
	}

	wg.Wait()

	summary.Elapsed = time.Since(started)
	log.Printf("✅ %s", summary)

	return summary
}

// RunImage runs the pipeline for a single image and blocks until it ends. It
// reports false, doing nothing, when the image is unknown, already running or
// the coordinator is closed.
func (c *Coordinator) RunImage(ctx context.Context, id string) (ImageResult, bool) {
	done, ok := c.StartImage(ctx, id)
	if !ok {
		return ImageResult{}, false
	}

	return <-done, true
}

// StartImage is RunImage without waiting.
func (c *Coordinator) StartImage(ctx context.Context, id string) (<-chan ImageResult, bool) {
	rec, ok := c.registry.Get(id)
	if !ok {
		return nil, false
	}

	runCtx, cancel := context.WithCancel(ctx)

	run, err := c.begin(id, cancel)
	if err != nil {
		cancel()

		return nil, false
	}

	done := make(chan ImageResult, 1)

	go func() {
		defer close(done)

		result := c.runSingle(runCtx, rec, run)
		c.end(id, run)

		if c.opts.OnImageDone != nil {
			c.opts.OnImageDone(result)
		}

		done <- result
	}()

	return done, true
}

func (c *Coordinator) runSingle(ctx context.Context, rec registry.ImageRecord, run *imageRun) ImageResult {
	classifier, err := c.loader()
	if err != nil {
		log.Printf("❌ Classifier unavailable, %s not processed: %v", rec.Name, err)

		return ImageResult{ID: rec.ID, Name: rec.Name, Outcome: OutcomeSkipped, Err: err}
	}

	if err := c.sem.Acquire(ctx, 1); err != nil {
		return ImageResult{ID: rec.ID, Name: rec.Name, Outcome: OutcomeCancelled, Err: err}
	}
	defer c.sem.Release(1)

	return c.process(ctx, rec, run, classifier)
}

// Cancel stops the in-flight run of an image, if any. A cancelled run never
// publishes.
func (c *Coordinator) Cancel(id string) {
	c.mu.Lock()
	run := c.runs[id]
	c.mu.Unlock()

	if run != nil {
		run.abort()
	}
}

// Close cancels every run and waits for them to return. Later calls to
// RunDetection and RunImage are no-ops.
func (c *Coordinator) Close() {
	c.mu.Lock()
	c.closed = true

	runs := make([]*imageRun, 0, len(c.runs))
	for _, run := range c.runs {
		runs = append(runs, run)
	}
	c.mu.Unlock()

	c.close()

	for _, run := range runs {
		run.abort()
	}

	c.wg.Wait()
}

var (
	errBusy       = errors.New("detect: image already running")
	errClosed     = errors.New("detect: coordinator closed")
	errSuperseded = errors.New("detect: run cancelled or superseded")
)

// begin claims the run guard of an image. Every successful begin must be
// paired with end.
func (c *Coordinator) begin(id string, cancel context.CancelFunc) (*imageRun, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, errClosed
	}

	if _, running := c.runs[id]; running {
		return nil, errBusy
	}

	c.gen++
	run := &imageRun{gen: c.gen, cancel: cancel}
	c.runs[id] = run
	c.wg.Add(1)

	return run, nil
}

// end releases the run guard of an image.
func (c *Coordinator) end(id string, run *imageRun) {
	run.cancel()

	c.mu.Lock()
	if c.runs[id] == run {
		delete(c.runs, id)
	}
	c.mu.Unlock()

	c.wg.Done()
}

// current reports whether run still owns the guard of its image.
func (c *Coordinator) current(id string, run *imageRun) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	cur, ok := c.runs[id]

	return ok && !c.closed && cur.gen == run.gen
}

func (r *imageRun) abort() {
	r.mu.Lock()
	r.cancelled = true
	r.mu.Unlock()

	r.cancel()
}

func (c *Coordinator) transition(id string, s State) {
	if c.opts.OnTransition != nil {
		c.opts.OnTransition(id, s)
	}
}

// resolution is the single completion message of one resolver call.
type resolution struct {
	candidate  classify.Candidate
	components *geocode.AddressComponents
	err        error
}

// process is the state machine of one image run.
func (c *Coordinator) process(ctx context.Context, rec registry.ImageRecord, run *imageRun, classifier classify.Classifier) ImageResult {
	result := ImageResult{ID: rec.ID, Name: rec.Name}

	// Close cancels runs started from any caller context.
	stop := context.AfterFunc(c.ctx, run.cancel)
	defer stop()

	cancelled := func(err error) ImageResult {
		result.Outcome = OutcomeCancelled
		result.Err = err

		return result
	}

	c.transition(rec.ID, Classifying)

	data, err := c.assets.Load(ctx, rec.SourceRef)
	if err != nil {
		if ctx.Err() != nil {
			return cancelled(ctx.Err())
		}

		log.Printf("⚠️ Skipping %s: %v", rec.Name, err)

		result.Outcome = OutcomeSkipped
		result.Err = err

		return result
	}

	predictions, err := classifier.Classify(ctx, data)
	if err != nil {
		if ctx.Err() != nil {
			return cancelled(ctx.Err())
		}

		log.Printf("⚠️ Classification of %s failed: %v", rec.Name, err)

		result.Outcome = OutcomeSkipped
		result.Err = err

		return result
	}

	c.transition(rec.ID, Extracting)

	candidates, dropped := classify.ExtractCandidates(predictions, c.opts.TopN)
	result.Candidates = len(candidates)
	result.Dropped = dropped

	c.transition(rec.ID, Resolving)

	places, err := c.resolveAll(ctx, candidates)
	if err != nil {
		return cancelled(err)
	}

	result.Resolved = len(places)
	result.Unresolved = len(candidates) - len(places)

	c.transition(rec.ID, Sorting)
	SortPlaces(places)

	c.transition(rec.ID, Formatting)

	for i := range places {
		places[i].Address = geocode.FormatAddress(places[i].Components)
	}

	labelText := Render(places)

	if err := c.publish(ctx, rec.ID, run, labelText); err != nil {
		if errors.Is(err, errSuperseded) {
			return cancelled(err)
		}

		log.Printf("⚠️ Publishing %s failed: %v", rec.Name, err)

		result.Outcome = OutcomeSkipped
		result.Err = err

		return result
	}

	c.transition(rec.ID, Published)

	result.Outcome = OutcomePublished
	result.LabelText = labelText

	return result
}

// resolveAll reverse geocodes every candidate concurrently and returns the
// places that resolved, in completion order. It returns once every call has
// reported, or with the context error.
func (c *Coordinator) resolveAll(ctx context.Context, candidates []classify.Candidate) ([]ResolvedPlace, error) {
	// Buffered to len(candidates) so no resolver goroutine blocks on send
	// after an early return.
	completions := make(chan resolution, len(candidates))

	for _, cand := range candidates {
		go func(cand classify.Candidate) {
			components, err := c.resolver.Reverse(ctx, cand.Latitude, cand.Longitude)
			completions <- resolution{candidate: cand, components: components, err: err}
		}(cand)
	}

	places := make([]ResolvedPlace, 0, len(candidates))

	for pending := len(candidates); pending > 0; pending-- {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case r := <-completions:
			if r.err != nil || r.components == nil {
				continue
			}

			places = append(places, ResolvedPlace{Candidate: r.candidate, Components: r.components})
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	return places, nil
}

// publish writes the label only while the run is still current. Subscribers
// are notified after the run lock is released, so a stalled subscriber never
// holds up Cancel or Close.
func (c *Coordinator) publish(ctx context.Context, id string, run *imageRun, labelText string) error {
	change, err := c.set(ctx, id, run, labelText)
	if err != nil {
		return err
	}

	if err := c.registry.Notify(ctx, change); err != nil {
		log.Printf("⚠️ Label of %s stored, some subscribers not notified: %v", change.Name, err)
	}

	return nil
}

func (c *Coordinator) set(ctx context.Context, id string, run *imageRun, labelText string) (registry.Change, error) {
	run.mu.Lock()
	defer run.mu.Unlock()

	if run.cancelled || ctx.Err() != nil || !c.current(id, run) {
		return registry.Change{}, errSuperseded
	}

	return c.registry.Set(id, labelText)
}
