// Copyright 2025 The WhereAmI Authors
// SPDX-License-Identifier: Apache-2.0

package geocode

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"golang.org/x/text/language"
)

const googleGeocodeURL = "https://maps.googleapis.com/maps/api/geocode/json"

// GoogleReverser uses the Google Maps Geocoding API.
type GoogleReverser struct {
	apiKey     string
	baseURL    string
	language   language.Tag
	httpClient *http.Client
}

// NewGoogleReverser creates a new Google Maps reverse geocoder. A nil client
// uses http.DefaultClient.
func NewGoogleReverser(apiKey string, lang language.Tag, client *http.Client) *GoogleReverser {
	if client == nil {
		client = http.DefaultClient
	}

	return &GoogleReverser{
		apiKey:     apiKey,
		baseURL:    googleGeocodeURL,
		language:   lang,
		httpClient: client,
	}
}

type googleAddressComponent struct {
	LongName string   `json:"long_name"`
	Types    []string `json:"types"`
}

type googleMapsResponse struct {
	Results []struct {
		AddressComponents []googleAddressComponent `json:"address_components"`
		FormattedAddress  string                   `json:"formatted_address"`
		Types             []string                 `json:"types"`
	} `json:"results"`
	Status       string `json:"status"` // OK, ZERO_RESULTS, OVER_QUERY_LIMIT, ...
	ErrorMessage string `json:"error_message"`
}

// Reverse implements Resolver.
func (g *GoogleReverser) Reverse(ctx context.Context, lat, lon float64) (*AddressComponents, error) {
	params := url.Values{}
	params.Set("latlng", strconv.FormatFloat(lat, 'f', -1, 64)+","+strconv.FormatFloat(lon, 'f', -1, 64))
	params.Set("key", g.apiKey)

	if g.language != language.Und {
		params.Set("language", g.language.String())
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.baseURL+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("building google request: %w", err)
	}

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, &GeocodingError{Type: ErrorTypeNetworkError, Message: "google: request failed", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, ClassifyHTTPError(resp.StatusCode, "google")
	}

	var gmResp googleMapsResponse
	if err := json.NewDecoder(resp.Body).Decode(&gmResp); err != nil {
		return nil, fmt.Errorf("decoding google response: %w", err)
	}

	switch gmResp.Status {
	case "OK":
	case "ZERO_RESULTS":
		return nil, fmt.Errorf("google %v,%v: %w", lat, lon, ErrNotFound)
	case "OVER_QUERY_LIMIT":
		return nil, &GeocodingError{Type: ErrorTypeQuotaExceeded, Message: "google maps status: " + gmResp.Status}
	case "INVALID_REQUEST":
		return nil, &GeocodingError{Type: ErrorTypeInvalidRequest, Message: "google maps status: " + gmResp.Status}
	default:
		return nil, &GeocodingError{
			Type:    ErrorTypeUnknown,
			Message: fmt.Sprintf("google maps status: %s %s", gmResp.Status, gmResp.ErrorMessage),
		}
	}

	if len(gmResp.Results) == 0 {
		return nil, fmt.Errorf("google %v,%v: %w", lat, lon, ErrNotFound)
	}

	// The first result is the most specific one.
	return googleComponents(gmResp.Results[0].AddressComponents), nil
}

// googleComponents maps Google component types to place fields. The first
// component of a type wins.
func googleComponents(components []googleAddressComponent) *AddressComponents {
	a := &AddressComponents{}

	set := func(field *string, value string) {
		if *field == "" {
			*field = value
		}
	}

	for _, c := range components {
		for _, t := range c.Types {
			switch t {
			case "point_of_interest", "establishment", "premise", "natural_feature", "airport", "park":
				set(&a.Name, c.LongName)
			case "street_number":
				set(&a.SubStreet, c.LongName)
			case "sublocality", "sublocality_level_1", "neighborhood":
				set(&a.SubLocality, c.LongName)
			case "route":
				set(&a.Street, c.LongName)
			case "locality", "postal_town":
				set(&a.Locality, c.LongName)
			case "administrative_area_level_2":
				set(&a.SubRegion, c.LongName)
			case "country":
				set(&a.Country, c.LongName)
			}
		}
	}

	// Without a named place the street address stands as the name.
	if a.Name == "" && a.Street != "" {
		a.Name = a.Street
		if a.SubStreet != "" {
			a.Name = a.SubStreet + " " + a.Street
		}
	}

	return a
}
