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
	"strings"

	"golang.org/x/text/language"
)

// DefaultNominatimURL is the public OpenStreetMap instance. Its usage policy
// asks for at most one request per second and an identifying User-Agent.
const DefaultNominatimURL = "https://nominatim.openstreetmap.org"

// NominatimReverser uses the OpenStreetMap Nominatim reverse endpoint.
type NominatimReverser struct {
	baseURL    string
	language   language.Tag
	httpClient *http.Client
}

// NewNominatimReverser creates a reverse geocoder for a Nominatim instance.
// An empty baseURL uses DefaultNominatimURL.
func NewNominatimReverser(baseURL string, lang language.Tag, client *http.Client) *NominatimReverser {
	if baseURL == "" {
		baseURL = DefaultNominatimURL
	}

	if client == nil {
		client = http.DefaultClient
	}

	return &NominatimReverser{
		baseURL:    strings.TrimRight(baseURL, "/"),
		language:   lang,
		httpClient: client,
	}
}

type nominatimResponse struct {
	Name    string            `json:"name"`
	Address map[string]string `json:"address"`
	Error   string            `json:"error"`
}

// Reverse implements Resolver.
func (n *NominatimReverser) Reverse(ctx context.Context, lat, lon float64) (*AddressComponents, error) {
	params := url.Values{}
	params.Set("format", "jsonv2")
	params.Set("lat", strconv.FormatFloat(lat, 'f', -1, 64))
	params.Set("lon", strconv.FormatFloat(lon, 'f', -1, 64))
	params.Set("addressdetails", "1")

	if n.language != language.Und {
		params.Set("accept-language", n.language.String())
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, n.baseURL+"/reverse?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("building nominatim request: %w", err)
	}

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return nil, &GeocodingError{Type: ErrorTypeNetworkError, Message: "nominatim: request failed", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, ClassifyHTTPError(resp.StatusCode, "nominatim")
	}

	var nr nominatimResponse
	if err := json.NewDecoder(resp.Body).Decode(&nr); err != nil {
		return nil, fmt.Errorf("decoding nominatim response: %w", err)
	}

	// Nominatim answers 200 with an error body for unknown places.
	if nr.Error != "" || len(nr.Address) == 0 {
		return nil, fmt.Errorf("nominatim %v,%v: %s: %w", lat, lon, nr.Error, ErrNotFound)
	}

	return nominatimComponents(nr), nil
}

func firstOf(address map[string]string, keys ...string) string {
	for _, k := range keys {
		if v := address[k]; v != "" {
			return v
		}
	}

	return ""
}

func nominatimComponents(nr nominatimResponse) *AddressComponents {
	a := nr.Address

	name := nr.Name
	if name == "" {
		name = firstOf(a, "tourism", "amenity", "historic", "building", "leisure", "man_made")
	}

	return &AddressComponents{
		Name:        name,
		SubStreet:   a["house_number"],
		SubLocality: firstOf(a, "suburb", "neighbourhood", "quarter", "city_district"),
		Street:      firstOf(a, "road", "pedestrian", "footway"),
		Locality:    firstOf(a, "city", "town", "village", "hamlet", "municipality"),
		SubRegion:   firstOf(a, "county", "state_district"),
		Country:     a["country"],
	}
}
