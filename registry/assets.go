// Copyright 2025 The WhereAmI Authors
// SPDX-License-Identifier: Apache-2.0

package registry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
)

// DefaultMaxImageBytes bounds the size of a single image asset.
const DefaultMaxImageBytes = 32 << 20

// ErrImageTooLarge is returned for assets above the configured size limit.
var ErrImageTooLarge = errors.New("registry: image too large")

var imageExtensions = []string{".jpg", ".jpeg", ".png", ".gif"}

// IsImage reports whether path has a supported image extension.
func IsImage(path string) bool {
	return slices.Contains(imageExtensions, strings.ToLower(filepath.Ext(path)))
}

// ScanDir returns the image files directly under dir, sorted by name.
func ScanDir(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading image dir %s: %w", dir, err)
	}

	var refs []string

	for _, e := range entries {
		if e.IsDir() || !IsImage(e.Name()) {
			continue
		}

		refs = append(refs, filepath.Join(dir, e.Name()))
	}

	// ReadDir already sorts by file name.
	return refs, nil
}

// AssetLoader reads the encoded bytes of an image.
type AssetLoader interface {
	Load(ctx context.Context, ref string) ([]byte, error)
}

// AssetLoaderFunc adapts a function to the AssetLoader interface.
type AssetLoaderFunc func(ctx context.Context, ref string) ([]byte, error)

// Load implements AssetLoader.
func (f AssetLoaderFunc) Load(ctx context.Context, ref string) ([]byte, error) {
	return f(ctx, ref)
}

// FileLoader reads assets from the local file system.
type FileLoader struct {
	MaxBytes int64
}

// Load implements AssetLoader.
func (l FileLoader) Load(ctx context.Context, ref string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	limit := l.MaxBytes
	if limit <= 0 {
		limit = DefaultMaxImageBytes
	}

	f, err := os.Open(ref)
	if err != nil {
		return nil, fmt.Errorf("opening image: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, limit+1))
	if err != nil {
		return nil, fmt.Errorf("reading image %s: %w", ref, err)
	}

	if int64(len(data)) > limit {
		return nil, fmt.Errorf("%s: %w (limit %d bytes)", ref, ErrImageTooLarge, limit)
	}

	return data, nil
}
