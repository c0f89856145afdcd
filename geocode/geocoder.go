// Copyright 2025 The WhereAmI Authors
// SPDX-License-Identifier: Apache-2.0

// Package geocode resolves coordinates into named place components and formats
// them into a compact address.
package geocode

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a provider has no place for a coordinate.
var ErrNotFound = errors.New("geocode: not found")

// AddressComponents are the named place fields of a reverse geocoding
// result, from the most specific to the coarsest.
type AddressComponents struct {
	Name        string `json:"name,omitempty"`
	SubStreet   string `json:"sub_street,omitempty"`
	SubLocality string `json:"sub_locality,omitempty"`
	Street      string `json:"street,omitempty"`
	Locality    string `json:"locality,omitempty"`
	SubRegion   string `json:"sub_region,omitempty"`
	Country     string `json:"country,omitempty"`
}

// Ordered returns the components in formatting priority order.
func (a *AddressComponents) Ordered() []string {
	return []string{a.Name, a.SubStreet, a.SubLocality, a.Street, a.Locality, a.SubRegion, a.Country}
}

// Resolver reverse geocodes a coordinate. Implementations return ErrNotFound
// (possibly wrapped) when the coordinate has no place.
type Resolver interface {
	Reverse(ctx context.Context, lat, lon float64) (*AddressComponents, error)
}

// ResolverFunc adapts a function to the Resolver interface.
type ResolverFunc func(ctx context.Context, lat, lon float64) (*AddressComponents, error)

// Reverse implements Resolver.
func (f ResolverFunc) Reverse(ctx context.Context, lat, lon float64) (*AddressComponents, error) {
	return f(ctx, lat, lon)
}
