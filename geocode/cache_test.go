// Copyright 2025 The WhereAmI Authors
// SPDX-License-Identifier: Apache-2.0

package geocode

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCachingResolverHit(t *testing.T) {
	var calls atomic.Int32

	next := ResolverFunc(func(_ context.Context, _, _ float64) (*AddressComponents, error) {
		calls.Add(1)

		return &AddressComponents{Name: "Eiffel Tower", Country: "France"}, nil
	})

	cache := NewMemoryCache()
	r := NewCachingResolver(next, cache, 0)

	first, err := r.Reverse(context.Background(), 48.8584, 2.2945)
	require.NoError(t, err)

	// A few centimeters away falls in the same cell.
	second, err := r.Reverse(context.Background(), 48.8584001, 2.2945001)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, 1, cache.Len())

	// Mutating a result must not leak into the cache.
	first.Name = "changed"

	third, err := r.Reverse(context.Background(), 48.8584, 2.2945)
	require.NoError(t, err)
	assert.Equal(t, "Eiffel Tower", third.Name)
}

func TestCachingResolverCachesNotFound(t *testing.T) {
	var calls atomic.Int32

	next := ResolverFunc(func(_ context.Context, _, _ float64) (*AddressComponents, error) {
		calls.Add(1)

		return nil, &GeocodingError{Type: ErrorTypeNotFound, Message: "nothing here"}
	})

	r := NewCachingResolver(next, NewMemoryCache(), DefaultCacheResolution)

	for range 3 {
		_, err := r.Reverse(context.Background(), 0, -160)
		require.Error(t, err)
		assert.True(t, IsNotFoundError(err))
	}

	assert.Equal(t, int32(1), calls.Load())
}

func TestCachingResolverDoesNotCacheFailures(t *testing.T) {
	var calls atomic.Int32

	next := ResolverFunc(func(_ context.Context, _, _ float64) (*AddressComponents, error) {
		calls.Add(1)

		return nil, ClassifyHTTPError(503, "test")
	})

	cache := NewMemoryCache()
	r := NewCachingResolver(next, cache, DefaultCacheResolution)

	for range 2 {
		_, err := r.Reverse(context.Background(), 10, 10)
		require.Error(t, err)
		assert.False(t, IsNotFoundError(err))
	}

	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, 0, cache.Len())
}

func TestCachingResolverInvalidPoint(t *testing.T) {
	next := ResolverFunc(func(_ context.Context, _, _ float64) (*AddressComponents, error) {
		t.Fatal("resolver must not be called")

		return nil, nil
	})

	r := NewCachingResolver(next, NewMemoryCache(), DefaultCacheResolution)

	_, err := r.Reverse(context.Background(), 91, 0)
	require.Error(t, err)
}

type failingStore struct{}

func (failingStore) GetCachedAddress(context.Context, int64) (*AddressComponents, bool, error) {
	return nil, false, errors.New("store down")
}

func (failingStore) PutCachedAddress(context.Context, int64, *AddressComponents) error {
	return errors.New("store down")
}

func TestCachingResolverStoreErrorsFallThrough(t *testing.T) {
	next := ResolverFunc(func(_ context.Context, _, _ float64) (*AddressComponents, error) {
		return &AddressComponents{Locality: "Rome"}, nil
	})

	r := NewCachingResolver(next, failingStore{}, DefaultCacheResolution)

	got, err := r.Reverse(context.Background(), 41.9, 12.5)
	require.NoError(t, err)
	assert.Equal(t, "Rome", got.Locality)
}

func TestCachingResolverSharesInflightLookups(t *testing.T) {
	var calls atomic.Int32

	release := make(chan struct{})
	started := make(chan struct{})

	next := ResolverFunc(func(_ context.Context, _, _ float64) (*AddressComponents, error) {
		if calls.Add(1) == 1 {
			close(started)
		}

		<-release

		return &AddressComponents{Country: "Uruguay"}, nil
	})

	r := NewCachingResolver(next, NewMemoryCache(), DefaultCacheResolution)

	const callers = 4

	var wg sync.WaitGroup

	results := make([]*AddressComponents, callers)

	wg.Add(1)

	go func() {
		defer wg.Done()

		results[0], _ = r.Reverse(context.Background(), -34.9, -56.2)
	}()

	<-started

	for i := 1; i < callers; i++ {
		wg.Add(1)

		go func() {
			defer wg.Done()

			results[i], _ = r.Reverse(context.Background(), -34.9, -56.2)
		}()
	}

	close(release)
	wg.Wait()

	for i, res := range results {
		require.NotNil(t, res, "caller %d", i)
		assert.Equal(t, "Uruguay", res.Country)
	}

	// Late callers either joined the flight or hit the cache.
	assert.Equal(t, int32(1), calls.Load())
}

func TestCachingResolverDoesNotCacheHTTPNotFound(t *testing.T) {
	var calls atomic.Int32

	next := ResolverFunc(func(_ context.Context, _, _ float64) (*AddressComponents, error) {
		calls.Add(1)

		return nil, ClassifyHTTPError(http.StatusNotFound, "test")
	})

	cache := NewMemoryCache()
	r := NewCachingResolver(next, cache, DefaultCacheResolution)

	for range 2 {
		_, err := r.Reverse(context.Background(), 48.8584, 2.2945)
		require.Error(t, err)
		assert.True(t, IsNotFoundError(err))
	}

	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, 0, cache.Len())
}

func TestCachingResolverCancelledCallerDoesNotFailOthers(t *testing.T) {
	var calls atomic.Int32

	release := make(chan struct{})
	started := make(chan struct{})

	next := ResolverFunc(func(ctx context.Context, _, _ float64) (*AddressComponents, error) {
		if calls.Add(1) == 1 {
			close(started)
		}

		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}

		return &AddressComponents{Name: "Eiffel Tower", Country: "France"}, nil
	})

	r := NewCachingResolver(next, NewMemoryCache(), DefaultCacheResolution)

	leaderCtx, cancelLeader := context.WithCancel(context.Background())
	leaderErr := make(chan error, 1)

	go func() {
		_, err := r.Reverse(leaderCtx, 48.8584, 2.2945)
		leaderErr <- err
	}()

	<-started

	follower := make(chan *AddressComponents, 1)

	go func() {
		got, err := r.Reverse(context.Background(), 48.8584, 2.2945)
		assert.NoError(t, err)
		follower <- got
	}()

	cancelLeader()
	require.ErrorIs(t, <-leaderErr, context.Canceled)

	close(release)

	got := <-follower
	require.NotNil(t, got)
	assert.Equal(t, "Eiffel Tower", got.Name)
	assert.Equal(t, int32(1), calls.Load())
}
