// Copyright 2025 The WhereAmI Authors
// SPDX-License-Identifier: Apache-2.0

package classify

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
)

// ReadLabels reads one label per line. Line position is the model output
// index, so blank lines inside the file are kept; trailing blank lines are not.
func ReadLabels(r io.Reader) ([]string, error) {
	var labels []string

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		labels = append(labels, strings.TrimRight(scanner.Text(), "\r"))
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading labels: %w", err)
	}

	for len(labels) > 0 && strings.TrimSpace(labels[len(labels)-1]) == "" {
		labels = labels[:len(labels)-1]
	}

	if len(labels) == 0 {
		return nil, ErrNoLabels
	}

	return labels, nil
}

// LoadLabels reads a label file from disk.
func LoadLabels(path string) ([]string, error) {
	f, err := os.Open(path) // #nosec G304 - path comes from the operator's configuration
	if err != nil {
		return nil, fmt.Errorf("opening labels: %w", err)
	}
	defer f.Close()

	labels, err := ReadLabels(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	return labels, nil
}
