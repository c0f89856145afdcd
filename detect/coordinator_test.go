// Copyright 2025 The WhereAmI Authors
// SPDX-License-Identifier: Apache-2.0

package detect

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/jcodagnone/whereami/classify"
	"github.com/jcodagnone/whereami/geocode"
	"github.com/jcodagnone/whereami/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var places = map[string]*geocode.AddressComponents{
	"48.8584,2.2945":    {Name: "Eiffel Tower", Locality: "Paris", Country: "France"},
	"41.8986,12.4769":   {Name: "Pantheon", SubLocality: "Pantheon", Locality: "Rome", Country: "Italy"},
	"41.8902,12.4922":   {Name: "Colosseum", Locality: "Rome", Country: "Italy"},
	"40.6892,-74.0445":  {Name: "Statue of Liberty", Locality: "New York", Country: "United States"},
	"-33.8568,151.2153": {Name: "Sydney Opera House", Locality: "Sydney", Country: "Australia"},
}

func key(lat, lon float64) string {
	return fmt.Sprintf("%v,%v", lat, lon)
}

// staticResolver answers from places and reports everything else as not found.
var staticResolver = geocode.ResolverFunc(func(ctx context.Context, lat, lon float64) (*geocode.AddressComponents, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if a, ok := places[key(lat, lon)]; ok {
		c := *a

		return &c, nil
	}

	return nil, geocode.ErrNotFound
})

// byImage returns the predictions registered for the image bytes.
func byImage(predictions map[string][]classify.Prediction) classify.Classifier {
	return classify.ClassifierFunc(func(_ context.Context, image []byte) ([]classify.Prediction, error) {
		p, ok := predictions[string(image)]
		if !ok {
			return nil, fmt.Errorf("unknown image %q", image)
		}

		return p, nil
	})
}

// refAssets returns the reference itself as the image content.
var refAssets = registry.AssetLoaderFunc(func(_ context.Context, ref string) ([]byte, error) {
	if strings.HasPrefix(ref, "missing") {
		return nil, errors.New("asset not found")
	}

	return []byte(ref), nil
})

type transitions struct {
	mu     sync.Mutex
	states map[string][]State
	notify chan string // receives ids reaching Resolving, when set
}

func newTransitions() *transitions {
	return &transitions{states: make(map[string][]State)}
}

func (tr *transitions) observe(id string, s State) {
	tr.mu.Lock()
	tr.states[id] = append(tr.states[id], s)
	tr.mu.Unlock()

	if s == Resolving && tr.notify != nil {
		tr.notify <- id
	}
}

func (tr *transitions) of(id string) []State {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	return append([]State(nil), tr.states[id]...)
}

func labelsByName(reg *registry.Registry) map[string]string {
	out := map[string]string{}
	for _, rec := range reg.Snapshot() {
		out[rec.Name] = rec.LabelText
	}

	return out
}

var fivePlaces = []classify.Prediction{
	{Label: "eiffel\t48.8584\t2.2945", Confidence: 0.40},
	{Label: "liberty\t40.6892\t-74.0445", Confidence: 0.25},
	{Label: "nowhere\t0\t-160", Confidence: 0.15},
	{Label: "pantheon\t41.8986\t12.4769", Confidence: 0.12},
	{Label: "atlantis\t-30\t-30", Confidence: 0.08},
	{Label: "colosseum\t41.8902\t12.4922", Confidence: 0.05},
}

func TestRunDetection(t *testing.T) {
	reg := registry.New([]string{"paris.jpg", "blurry.jpg", "missing.jpg", "broken.jpg"})
	tr := newTransitions()

	classifier := byImage(map[string][]classify.Prediction{
		"paris.jpg": fivePlaces,
		"blurry.jpg": {
			{Label: "unknown", Confidence: 0.9},
			{Label: "ocean\tNaN\t0", Confidence: 0.1},
		},
	})

	var done []ImageResult

	var doneMu sync.Mutex

	coord := New(reg, refAssets, classify.Static(classifier), staticResolver, Options{
		Concurrency:  2,
		OnTransition: tr.observe,
		OnImageDone: func(r ImageResult) {
			doneMu.Lock()
			done = append(done, r)
			doneMu.Unlock()
		},
	})
	defer coord.Close()

	summary, ok := coord.RunDetection(context.Background())
	require.True(t, ok)

	// Top 5 of the six predictions: the colosseum is beyond the cut and two
	// of the five do not resolve.
	labels := labelsByName(reg)
	assert.Equal(t, "40.0% - Eiffel Tower,Paris,France\n\n"+
		"25.0% - Statue of Liberty,New York,United States\n\n"+
		"12.0% - Pantheon,Rome,Italy\n\n", labels["paris"])
	assert.Empty(t, labels["blurry"])
	assert.Empty(t, labels["missing"])
	assert.Empty(t, labels["broken"])

	assert.Equal(t, 4, summary.Images)
	assert.Equal(t, 2, summary.Published)
	assert.Equal(t, 2, summary.Skipped)
	assert.Equal(t, 5, summary.Candidates)
	assert.Equal(t, 2, summary.Dropped)
	assert.Equal(t, 3, summary.Resolved)
	assert.Equal(t, 2, summary.Unresolved)
	assert.False(t, summary.Aborted)
	assert.NotEmpty(t, summary.RunID)
	assert.Len(t, done, 4)

	full := []State{Classifying, Extracting, Resolving, Sorting, Formatting, Published}

	for _, rec := range reg.Snapshot() {
		switch rec.Name {
		case "paris", "blurry":
			if diff := cmp.Diff(full, tr.of(rec.ID)); diff != "" {
				t.Errorf("%s transitions mismatch (-want +got):\n%s", rec.Name, diff)
			}
		default:
			assert.Equal(t, []State{Classifying}, tr.of(rec.ID), rec.Name)
		}
	}
}

func TestRunDetectionZeroSurvivorsPublishesEmpty(t *testing.T) {
	reg := registry.New([]string{"a.jpg"})
	id := reg.Snapshot()[0].ID
	tr := newTransitions()

	classifier := classify.ClassifierFunc(func(context.Context, []byte) ([]classify.Prediction, error) {
		return []classify.Prediction{{Label: "x\tnorth\teast", Confidence: 1}}, nil
	})

	ch, unsubscribe := reg.Subscribe(1)
	defer unsubscribe()

	coord := New(reg, refAssets, classify.Static(classifier), staticResolver, Options{OnTransition: tr.observe})
	defer coord.Close()

	summary, ok := coord.RunDetection(context.Background())
	require.True(t, ok)
	assert.Equal(t, 1, summary.Published)

	change := <-ch
	assert.Equal(t, id, change.ID)
	assert.Empty(t, change.LabelText)
	assert.Equal(t, Published, tr.of(id)[len(tr.of(id))-1])
}

func TestFiveCandidatesTwoResolverFailures(t *testing.T) {
	reg := registry.New([]string{"a.jpg"})

	predictions := []classify.Prediction{
		{Label: "a\t10\t10", Confidence: 0.05},
		{Label: "b\t20\t20", Confidence: 0.30},
		{Label: "c\t30\t30", Confidence: 0.10},
		{Label: "d\t40\t40", Confidence: 0.45},
		{Label: "e\t50\t50", Confidence: 0.10},
	}

	failing := map[float64]bool{20: true, 50: true}

	resolver := geocode.ResolverFunc(func(_ context.Context, lat, _ float64) (*geocode.AddressComponents, error) {
		if failing[lat] {
			if lat == 20 {
				return nil, geocode.ClassifyHTTPError(503, "test")
			}

			return nil, geocode.ErrNotFound
		}

		return &geocode.AddressComponents{Locality: fmt.Sprintf("L%v", lat)}, nil
	})

	coord := New(reg, refAssets, classify.Static(classify.ClassifierFunc(
		func(context.Context, []byte) ([]classify.Prediction, error) { return predictions, nil },
	)), resolver, Options{})
	defer coord.Close()

	_, ok := coord.RunDetection(context.Background())
	require.True(t, ok)

	got := reg.Snapshot()[0].LabelText
	assert.Equal(t, "45.0% - L40\n\n10.0% - L30\n\n5.0% - L10\n\n", got)
	assert.Len(t, strings.Split(strings.TrimSuffix(got, "\n\n"), "\n\n"), 3)
}

func permutations(n int) [][]int {
	if n == 1 {
		return [][]int{{0}}
	}

	var out [][]int

	for _, p := range permutations(n - 1) {
		for i := 0; i <= len(p); i++ {
			q := make([]int, 0, n)
			q = append(q, p[:i]...)
			q = append(q, n-1)
			q = append(q, p[i:]...)
			out = append(out, q)
		}
	}

	return out
}

func TestOutputIndependentOfCompletionOrder(t *testing.T) {
	predictions := []classify.Prediction{
		{Label: "a\t1\t1", Confidence: 0.30},
		{Label: "b\t2\t2", Confidence: 0.20},
		{Label: "c\t3\t3", Confidence: 0.20},
		{Label: "d\t4\t4", Confidence: 0.25},
		{Label: "e\t5\t5", Confidence: 0.05},
	}

	classifier := classify.Static(classify.ClassifierFunc(
		func(context.Context, []byte) ([]classify.Prediction, error) { return predictions, nil },
	))

	const expected = "30.0% - P1\n\n25.0% - P4\n\n20.0% - P2\n\n20.0% - P3\n\n5.0% - P5\n\n"

	for _, order := range permutations(len(predictions)) {
		t.Run(fmt.Sprint(order), func(t *testing.T) {
			// gates[i] releases the resolver of the i-th candidate.
			gates := make([]chan struct{}, len(predictions))
			for i := range gates {
				gates[i] = make(chan struct{})
			}

			returned := make(chan struct{}, len(predictions))

			resolver := geocode.ResolverFunc(func(ctx context.Context, lat, _ float64) (*geocode.AddressComponents, error) {
				defer func() { returned <- struct{}{} }()

				select {
				case <-gates[int(lat)-1]:
				case <-ctx.Done():
					return nil, ctx.Err()
				}

				return &geocode.AddressComponents{Name: fmt.Sprintf("P%v", lat)}, nil
			})

			reg := registry.New([]string{"a.jpg"})
			coord := New(reg, refAssets, classifier, resolver, Options{})
			defer coord.Close()

			done, ok := coord.StartDetection(context.Background())
			require.True(t, ok)

			for _, i := range order {
				close(gates[i])
				<-returned
			}

			summary := <-done
			assert.Equal(t, 1, summary.Published)
			assert.Equal(t, expected, reg.Snapshot()[0].LabelText)
		})
	}
}

func blockingResolver(released <-chan struct{}) geocode.Resolver {
	return geocode.ResolverFunc(func(ctx context.Context, lat, lon float64) (*geocode.AddressComponents, error) {
		select {
		case <-released:
			return staticResolver(ctx, lat, lon)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
}

func TestRunDetectionIsNotReentrant(t *testing.T) {
	refs := []string{"one.jpg", "two.jpg", "three.jpg"}
	reg := registry.New(refs)

	preds := map[string][]classify.Prediction{}
	for _, ref := range refs {
		preds[ref] = fivePlaces
	}

	tr := newTransitions()
	tr.notify = make(chan string, len(refs))

	var loads atomic.Int32

	loader := func() (classify.Classifier, error) {
		loads.Add(1)

		return byImage(preds), nil
	}

	release := make(chan struct{})

	changes, unsubscribe := reg.Subscribe(16)
	defer unsubscribe()

	coord := New(reg, refAssets, loader, blockingResolver(release), Options{
		Concurrency:  len(refs),
		OnTransition: tr.observe,
	})
	defer coord.Close()

	done, ok := coord.StartDetection(context.Background())
	require.True(t, ok)

	for range refs {
		<-tr.notify
	}

	assert.True(t, coord.Detecting())

	_, again := coord.RunDetection(context.Background())
	assert.False(t, again, "second detection must be a no-op")

	_, single := coord.RunImage(context.Background(), reg.Snapshot()[0].ID)
	assert.False(t, single, "image already running")

	close(release)

	summary := <-done
	assert.Equal(t, 3, summary.Published)
	assert.Equal(t, int32(1), loads.Load())
	assert.False(t, coord.Detecting())

	seen := map[string]int{}

	for range refs {
		select {
		case c := <-changes:
			seen[c.ID]++
		case <-time.After(time.Second):
			t.Fatal("missing change")
		}
	}

	select {
	case c := <-changes:
		t.Fatalf("unexpected extra change %+v", c)
	default:
	}

	for _, rec := range reg.Snapshot() {
		assert.Equal(t, 1, seen[rec.ID])
		assert.Equal(t, 3, strings.Count(rec.LabelText, "% - "))
	}

	// Once idle, a new run is accepted.
	summary, ok = coord.RunDetection(context.Background())
	require.True(t, ok)
	assert.Equal(t, 3, summary.Published)
}

func TestClassifierUnavailableAbortsRun(t *testing.T) {
	reg := registry.New([]string{"a.jpg", "b.jpg"})

	var loads atomic.Int32

	loader := func() (classify.Classifier, error) {
		loads.Add(1)

		return nil, errors.New("model file not found")
	}

	coord := New(reg, refAssets, loader, staticResolver, Options{})
	defer coord.Close()

	summary, ok := coord.RunDetection(context.Background())
	require.True(t, ok)
	assert.True(t, summary.Aborted)
	assert.Equal(t, 0, summary.Images)
	assert.Equal(t, int32(1), loads.Load())

	for _, rec := range reg.Snapshot() {
		assert.Empty(t, rec.LabelText)
	}

	result, ok := coord.RunImage(context.Background(), reg.Snapshot()[0].ID)
	require.True(t, ok)
	assert.Equal(t, OutcomeSkipped, result.Outcome)
	assert.Error(t, result.Err)
}

func TestRunImage(t *testing.T) {
	reg := registry.New([]string{"paris.jpg"})
	id := reg.Snapshot()[0].ID

	coord := New(reg, refAssets, classify.Static(byImage(map[string][]classify.Prediction{
		"paris.jpg": fivePlaces[:1],
	})), staticResolver, Options{})
	defer coord.Close()

	result, ok := coord.RunImage(context.Background(), id)
	require.True(t, ok)
	assert.Equal(t, OutcomePublished, result.Outcome)
	assert.Equal(t, "40.0% - Eiffel Tower,Paris,France\n\n", result.LabelText)
	assert.Equal(t, result.LabelText, reg.Snapshot()[0].LabelText)

	_, ok = coord.RunImage(context.Background(), "unknown")
	assert.False(t, ok)
}

func TestCancelledRunNeverPublishes(t *testing.T) {
	reg := registry.New([]string{"paris.jpg"})
	id := reg.Snapshot()[0].ID

	tr := newTransitions()
	tr.notify = make(chan string, 1)

	release := make(chan struct{})
	defer close(release)

	changes, unsubscribe := reg.Subscribe(1)
	defer unsubscribe()

	coord := New(reg, refAssets, classify.Static(byImage(map[string][]classify.Prediction{
		"paris.jpg": fivePlaces,
	})), blockingResolver(release), Options{OnTransition: tr.observe})
	defer coord.Close()

	done, ok := coord.StartImage(context.Background(), id)
	require.True(t, ok)

	<-tr.notify
	coord.Cancel(id)

	result := <-done
	assert.Equal(t, OutcomeCancelled, result.Outcome)
	assert.Empty(t, reg.Snapshot()[0].LabelText)
	assert.NotContains(t, tr.of(id), Published)

	select {
	case c := <-changes:
		t.Fatalf("cancelled run published %+v", c)
	default:
	}
}

func TestCallerContextCancelsRun(t *testing.T) {
	reg := registry.New([]string{"paris.jpg", "rome.jpg"})

	tr := newTransitions()
	tr.notify = make(chan string, 2)

	release := make(chan struct{})
	defer close(release)

	coord := New(reg, refAssets, classify.Static(byImage(map[string][]classify.Prediction{
		"paris.jpg": fivePlaces,
		"rome.jpg":  fivePlaces,
	})), blockingResolver(release), Options{Concurrency: 1, OnTransition: tr.observe})
	defer coord.Close()

	ctx, cancel := context.WithCancel(context.Background())

	done, ok := coord.StartDetection(ctx)
	require.True(t, ok)

	<-tr.notify
	cancel()

	summary := <-done
	assert.Equal(t, 2, summary.Cancelled)
	assert.Equal(t, 0, summary.Published)

	for _, rec := range reg.Snapshot() {
		assert.Empty(t, rec.LabelText)
	}
}

func TestClose(t *testing.T) {
	reg := registry.New([]string{"paris.jpg"})

	tr := newTransitions()
	tr.notify = make(chan string, 1)

	release := make(chan struct{})
	defer close(release)

	coord := New(reg, refAssets, classify.Static(byImage(map[string][]classify.Prediction{
		"paris.jpg": fivePlaces,
	})), blockingResolver(release), Options{OnTransition: tr.observe})

	done, ok := coord.StartDetection(context.Background())
	require.True(t, ok)

	<-tr.notify
	coord.Close()

	summary := <-done
	assert.Equal(t, 1, summary.Cancelled)
	assert.Empty(t, reg.Snapshot()[0].LabelText)

	_, ok = coord.RunDetection(context.Background())
	assert.False(t, ok)

	_, ok = coord.RunImage(context.Background(), reg.Snapshot()[0].ID)
	assert.False(t, ok)
}

func TestCancellingOneImageKeepsSharedPlaceForOthers(t *testing.T) {
	reg := registry.New([]string{"a.jpg", "b.jpg"})
	records := reg.Snapshot()
	a, b := records[0].ID, records[1].ID

	tr := newTransitions()
	tr.notify = make(chan string, 2)

	var calls atomic.Int32

	started := make(chan struct{})
	release := make(chan struct{})

	upstream := geocode.ResolverFunc(func(ctx context.Context, lat, lon float64) (*geocode.AddressComponents, error) {
		if calls.Add(1) == 1 {
			close(started)
		}

		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}

		return staticResolver(ctx, lat, lon)
	})

	eiffel := []classify.Prediction{{Label: "eiffel\t48.8584\t2.2945", Confidence: 0.9}}

	coord := New(reg, refAssets, classify.Static(byImage(map[string][]classify.Prediction{
		"a.jpg": eiffel,
		"b.jpg": eiffel,
	})), geocode.NewCachingResolver(upstream, geocode.NewMemoryCache(), 0), Options{Concurrency: 4, OnTransition: tr.observe})
	defer coord.Close()

	doneA, ok := coord.StartImage(context.Background(), a)
	require.True(t, ok)

	<-started

	doneB, ok := coord.StartImage(context.Background(), b)
	require.True(t, ok)

	for range 2 {
		<-tr.notify
	}

	coord.Cancel(a)
	assert.Equal(t, OutcomeCancelled, (<-doneA).Outcome)

	close(release)

	result := <-doneB
	assert.Equal(t, OutcomePublished, result.Outcome)
	assert.Equal(t, 1, result.Resolved)
	assert.Equal(t, "90.0% - Eiffel Tower,Paris,France\n\n", result.LabelText)
	assert.Equal(t, int32(1), calls.Load())
}

func TestStalledSubscriberDoesNotBlockCancelOrClose(t *testing.T) {
	reg := registry.New([]string{"paris.jpg"})
	id := reg.Snapshot()[0].ID

	// Never read.
	_, unsubscribe := reg.Subscribe(0)
	defer unsubscribe()

	coord := New(reg, refAssets, classify.Static(byImage(map[string][]classify.Prediction{
		"paris.jpg": fivePlaces[:1],
	})), staticResolver, Options{})

	done, ok := coord.StartImage(context.Background(), id)
	require.True(t, ok)

	require.Eventually(t, func() bool {
		return reg.Snapshot()[0].LabelText != ""
	}, 5*time.Second, 10*time.Millisecond)

	returned := func(f func()) bool {
		finished := make(chan struct{})

		go func() {
			f()
			close(finished)
		}()

		select {
		case <-finished:
			return true
		case <-time.After(5 * time.Second):
			return false
		}
	}

	require.True(t, returned(func() { coord.Cancel(id) }), "Cancel blocked on a stalled subscriber")
	require.True(t, returned(coord.Close), "Close blocked on a stalled subscriber")

	result := <-done
	assert.Equal(t, OutcomePublished, result.Outcome)
	assert.Equal(t, "40.0% - Eiffel Tower,Paris,France\n\n", reg.Snapshot()[0].LabelText)
}
