// Copyright 2025 The WhereAmI Authors
// SPDX-License-Identifier: Apache-2.0

package geocode

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"sync"

	"github.com/jcodagnone/whereami/spatial"
	"golang.org/x/sync/singleflight"
)

// DefaultCacheResolution is the H3 resolution used for cache keys. Cells at
// resolution 12 have an edge of roughly 10 meters.
const DefaultCacheResolution = 12

// CacheStore persists reverse geocoding results keyed by H3 cell. A nil
// *AddressComponents with found set is a cached not found.
type CacheStore interface {
	GetCachedAddress(ctx context.Context, cell int64) (components *AddressComponents, found bool, err error)
	PutCachedAddress(ctx context.Context, cell int64, components *AddressComponents) error
}

// CachingResolver caches the results of another Resolver, including not
// found answers. Concurrent lookups for the same cell share one upstream call,
// which is bounded by the upstream client timeout rather than by the callers.
type CachingResolver struct {
	next       Resolver
	store      CacheStore
	resolution int
	group      singleflight.Group
}

// NewCachingResolver wraps next. A resolution <= 0 uses DefaultCacheResolution.
func NewCachingResolver(next Resolver, store CacheStore, resolution int) *CachingResolver {
	if resolution <= 0 {
		resolution = DefaultCacheResolution
	}

	return &CachingResolver{next: next, store: store, resolution: resolution}
}

type cachedResult struct {
	components *AddressComponents
	notFound   bool
}

// Reverse implements Resolver.
func (c *CachingResolver) Reverse(ctx context.Context, lat, lon float64) (*AddressComponents, error) {
	cell, err := spatial.Point{Lat: lat, Lng: lon}.Cell(c.resolution)
	if err != nil {
		return nil, fmt.Errorf("cache key: %w", err)
	}

	key := int64(cell)

	// The lookup is shared by every caller of the cell, so it runs detached
	// from any one of them and each caller only stops waiting on its own ctx.
	flight := c.group.DoChan(strconv.FormatInt(key, 10), func() (any, error) {
		return c.lookup(context.WithoutCancel(ctx), key, lat, lon)
	})

	var shared singleflight.Result

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case shared = <-flight:
	}

	if shared.Err != nil {
		return nil, shared.Err
	}

	res, _ := shared.Val.(cachedResult)
	if res.notFound {
		return nil, fmt.Errorf("cached %v,%v: %w", lat, lon, ErrNotFound)
	}

	// Callers get their own copy.
	components := *res.components

	return &components, nil
}

func (c *CachingResolver) lookup(ctx context.Context, key int64, lat, lon float64) (cachedResult, error) {
	components, found, err := c.store.GetCachedAddress(ctx, key)
	if err != nil {
		log.Printf("geocode cache read failed for cell %x: %v", key, err)
	} else if found {
		return cachedResult{components: components, notFound: components == nil}, nil
	}

	components, err = c.next.Reverse(ctx, lat, lon)

	switch {
	case errors.Is(err, ErrNotFound) && HTTPStatus(err) == 0:
		c.put(ctx, key, nil)

		return cachedResult{notFound: true}, nil
	case err != nil:
		return cachedResult{}, err
	case components == nil:
		return cachedResult{}, errors.New("geocode: resolver returned no components")
	}

	c.put(ctx, key, components)

	return cachedResult{components: components}, nil
}

func (c *CachingResolver) put(ctx context.Context, key int64, components *AddressComponents) {
	if err := c.store.PutCachedAddress(ctx, key, components); err != nil {
		log.Printf("geocode cache write failed for cell %x: %v", key, err)
	}
}

// MemoryCache is an in-process CacheStore.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[int64]*AddressComponents
}

// NewMemoryCache creates an empty MemoryCache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[int64]*AddressComponents)}
}

// GetCachedAddress implements CacheStore.
func (m *MemoryCache) GetCachedAddress(_ context.Context, cell int64) (*AddressComponents, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	components, ok := m.entries[cell]

	return components, ok, nil
}

// PutCachedAddress implements CacheStore.
func (m *MemoryCache) PutCachedAddress(_ context.Context, cell int64, components *AddressComponents) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.entries[cell] = components

	return nil
}

// Len returns the number of cached cells.
func (m *MemoryCache) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return len(m.entries)
}
