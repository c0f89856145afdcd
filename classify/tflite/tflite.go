// Copyright 2025 The WhereAmI Authors
// SPDX-License-Identifier: Apache-2.0

// Package tflite runs a TensorFlow Lite geolocation model as a
// classify.Classifier.
package tflite

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"runtime"
	"sync"

	"github.com/jcodagnone/whereami/classify"
	"github.com/tphakala/go-tflite"
)

// Options configures the model.
type Options struct {
	// ModelPath is the .tflite model file
	ModelPath string

	// LabelsPath has one `name\tlat\tlon` label per model output
	LabelsPath string

	// Threads used by the interpreter, 0 means all CPUs
	Threads int
}

// Classifier wraps a TensorFlow Lite interpreter. The interpreter is not
// safe for concurrent use, so Classify serializes access to it.
type Classifier struct {
	mu          sync.Mutex
	interpreter *tflite.Interpreter
	labels      []string
	width       int
	height      int
}

// New loads the model and the labels and allocates the interpreter tensors.
func New(opts Options) (*Classifier, error) {
	labels, err := classify.LoadLabels(opts.LabelsPath)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(opts.ModelPath) // #nosec G304 - path comes from the operator's configuration
	if err != nil {
		return nil, fmt.Errorf("reading model: %w", err)
	}

	model := tflite.NewModel(data)
	if model == nil {
		return nil, fmt.Errorf("cannot load TensorFlow Lite model %s", opts.ModelPath)
	}

	threads := opts.Threads
	if threads <= 0 {
		threads = runtime.NumCPU()
	}

	options := tflite.NewInterpreterOptions()
	options.SetNumThread(threads)
	options.SetErrorReporter(func(msg string, _ any) {
		log.Printf("TFLite error: %s", msg)
	}, nil)

	interpreter := tflite.NewInterpreter(model, options)
	if interpreter == nil {
		return nil, errors.New("cannot create interpreter")
	}

	if status := interpreter.AllocateTensors(); status != tflite.OK {
		interpreter.Delete()

		return nil, fmt.Errorf("tensor allocation failed: %v", status)
	}

	input := interpreter.GetInputTensor(0)
	if input == nil || input.NumDims() != 4 {
		interpreter.Delete()

		return nil, errors.New("model input must be a [1,H,W,3] tensor")
	}

	c := &Classifier{
		interpreter: interpreter,
		labels:      labels,
		height:      input.Dim(1),
		width:       input.Dim(2),
	}

	output := interpreter.GetOutputTensor(0)
	if output == nil {
		c.Close()

		return nil, errors.New("cannot get output tensor")
	}

	if n := output.Dim(output.NumDims() - 1); n != len(labels) {
		c.Close()

		return nil, fmt.Errorf("mismatched labels and outputs: %d vs %d", len(labels), n)
	}

	log.Printf("🧠 Model %s loaded (%d labels, %dx%d input, %d threads)",
		opts.ModelPath, len(labels), c.width, c.height, threads)

	return c, nil
}

// Classify implements classify.Classifier.
func (c *Classifier) Classify(ctx context.Context, image []byte) ([]classify.Prediction, error) {
	sample, err := classify.Preprocess(image, c.width, c.height)
	if err != nil {
		return nil, err
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.interpreter == nil {
		return nil, errors.New("classifier closed")
	}

	input := c.interpreter.GetInputTensor(0)
	if input == nil {
		return nil, errors.New("cannot get input tensor")
	}

	copy(input.Float32s(), sample)

	if status := c.interpreter.Invoke(); status != tflite.OK {
		return nil, fmt.Errorf("tensor invoke failed: %v", status)
	}

	output := c.interpreter.GetOutputTensor(0)
	scores := make([]float32, output.Dim(output.NumDims()-1))
	copy(scores, output.Float32s())

	return classify.Rank(c.labels, scores), nil
}

// Close releases the interpreter.
func (c *Classifier) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.interpreter != nil {
		c.interpreter.Delete()
		c.interpreter = nil
	}
}
