// Copyright 2025 The WhereAmI Authors
// SPDX-License-Identifier: Apache-2.0

package classify

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif"  // register gif decoder
	_ "image/jpeg" // register jpeg decoder
	_ "image/png"  // register png decoder
)

// MaxPixels bounds the declared size of an image accepted for decoding.
const MaxPixels = 64 << 20

// ErrEmptyImage is returned when the decoded image has no pixels.
var ErrEmptyImage = errors.New("classify: empty image")

// ErrImageTooLarge is returned when an image declares more than MaxPixels.
var ErrImageTooLarge = errors.New("classify: image too large")

// CenterCrop returns the largest centered rectangle of b with the aspect
// ratio width:height.
func CenterCrop(b image.Rectangle, width, height int) image.Rectangle {
	w, h := b.Dx(), b.Dy()

	// Compare w/h against width/height without floating point.
	if w*height > h*width {
		cw := h * width / height
		x0 := b.Min.X + (w-cw)/2

		return image.Rect(x0, b.Min.Y, x0+cw, b.Max.Y)
	}

	ch := w * height / width
	y0 := b.Min.Y + (h-ch)/2

	return image.Rect(b.Min.X, y0, b.Max.X, y0+ch)
}

// Preprocess decodes an encoded image, center-crops it to the target aspect
// ratio and samples it into a width x height x 3 RGB tensor with values in
// [0,1], row major.
func Preprocess(data []byte, width, height int) ([]float32, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("classify: invalid input size %dx%d", width, height)
	}

	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decoding image: %w", err)
	}

	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, ErrEmptyImage
	}

	if int64(cfg.Width)*int64(cfg.Height) > MaxPixels {
		return nil, fmt.Errorf("%w: %dx%d", ErrImageTooLarge, cfg.Width, cfg.Height)
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decoding image: %w", err)
	}

	if img.Bounds().Empty() {
		return nil, ErrEmptyImage
	}

	crop := CenterCrop(img.Bounds(), width, height)
	if crop.Empty() {
		return nil, ErrEmptyImage
	}

	out := make([]float32, 0, width*height*3)

	for y := range height {
		sy := crop.Min.Y + (2*y+1)*crop.Dy()/(2*height)

		for x := range width {
			sx := crop.Min.X + (2*x+1)*crop.Dx()/(2*width)

			r, g, b, _ := img.At(sx, sy).RGBA()
			out = append(out, float32(r)/0xffff, float32(g)/0xffff, float32(b)/0xffff)
		}
	}

	return out, nil
}
