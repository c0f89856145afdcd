// Copyright 2025 The WhereAmI Authors
// SPDX-License-Identifier: Apache-2.0

package geocode

import "strings"

// FormatAddress joins the non-empty components with commas, from the most
// specific to the coarsest. A component is skipped when it repeats the
// previous source field, the whole accumulated text, or the last segment
// written, so two adjacent segments are never identical.
// e.g. "Eiffel Tower,Champ de Mars,Paris,France".
func FormatAddress(a *AddressComponents) string {
	if a == nil {
		return ""
	}

	var (
		sb       strings.Builder
		previous string // raw value of the previous source field
		last     string // last segment written
	)

	for _, component := range a.Ordered() {
		if component != "" && component != previous && component != sb.String() && component != last {
			if sb.Len() > 0 {
				sb.WriteByte(',')
			}

			sb.WriteString(component)
			last = component
		}

		previous = component
	}

	return sb.String()
}
