//go:build cgo
// +build cgo

// Package embedding provides the ONNX CLIP visual encoder (requires CGO and the onnxruntime library).
package embedding

import (
	"context"
	"fmt"
	"image"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/hyperjump/miru/pkg/utils"
)

// ONNXEmbedder runs the exported CLIP visual encoder with ONNX Runtime.
// It requires CGO and the onnxruntime shared library.
type ONNXEmbedder struct {
	session    *ort.AdvancedSession
	dimensions int
	// Pre-allocated tensors for Run(); we update input data and read output.
	pixelTensor  *ort.Tensor[float32]
	outputTensor *ort.Tensor[float32]
	mu           sync.Mutex
}

// NewONNXEmbedder creates the CLIP image encoder. InitializeEnvironment is called
// if not already done.
func NewONNXEmbedder(modelPath string, dimensions int) (*ONNXEmbedder, error) {
	if err := ort.InitializeEnvironment(); err != nil {
		return nil, fmt.Errorf("failed to initialize ONNX runtime: %w", err)
	}

	pixelData := make([]float32, 3*InputSize*InputSize)
	pixelTensor, err := ort.NewTensor(ort.NewShape(1, 3, InputSize, InputSize), pixelData)
	if err != nil {
		return nil, fmt.Errorf("failed to create pixel_values tensor: %w", err)
	}
	outputData := make([]float32, dimensions)
	outputTensor, err := ort.NewTensor(ort.NewShape(1, int64(dimensions)), outputData)
	if err != nil {
		pixelTensor.Destroy()
		return nil, fmt.Errorf("failed to create output tensor: %w", err)
	}

	session, err := ort.NewAdvancedSession(
		modelPath,
		[]string{"pixel_values"},
		[]string{"image_embeds"},
		[]ort.ArbitraryTensor{pixelTensor},
		[]ort.ArbitraryTensor{outputTensor},
		nil,
	)
	if err != nil {
		pixelTensor.Destroy()
		outputTensor.Destroy()
		return nil, fmt.Errorf("failed to create ONNX session: %w", err)
	}

	return &ONNXEmbedder{
		session:      session,
		dimensions:   dimensions,
		pixelTensor:  pixelTensor,
		outputTensor: outputTensor,
	}, nil
}

// EmbedImage returns the L2-normalized embedding for img.
func (e *ONNXEmbedder) EmbedImage(ctx context.Context, img image.Image) ([]float32, error) {
	input := PreprocessCLIP(img)

	e.mu.Lock()
	defer e.mu.Unlock()

	copy(e.pixelTensor.GetData(), input)
	if err := e.session.Run(); err != nil {
		return nil, fmt.Errorf("inference failed: %w", err)
	}

	outputData := e.outputTensor.GetData()
	embedding := make([]float32, e.dimensions)
	copy(embedding, outputData[:e.dimensions])

	utils.NormalizeL2(embedding)
	return embedding, nil
}

// Dimensions returns the embedding dimension.
func (e *ONNXEmbedder) Dimensions() int {
	return e.dimensions
}

// Close destroys the session and tensors.
func (e *ONNXEmbedder) Close() error {
	var err error
	if e.session != nil {
		err = e.session.Destroy()
		e.session = nil
	}
	if e.pixelTensor != nil {
		_ = e.pixelTensor.Destroy()
		e.pixelTensor = nil
	}
	if e.outputTensor != nil {
		_ = e.outputTensor.Destroy()
		e.outputTensor = nil
	}
	return err
}
