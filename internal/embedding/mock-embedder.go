package embedding

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"image"
	"math"

	"github.com/hyperjump/miru/pkg/utils"
)

// MockEmbedder is a deterministic embedder for tests and development runs
// without the ONNX model. The same pixels always produce the same unit vector.
type MockEmbedder struct {
	dimensions int
}

// NewMockEmbedder returns an embedder producing deterministic embeddings of the given dimensions.
func NewMockEmbedder(dimensions int) *MockEmbedder {
	if dimensions <= 0 {
		dimensions = 512
	}
	return &MockEmbedder{dimensions: dimensions}
}

// EmbedImage derives a normalized embedding from the image's pixel digest.
func (e *MockEmbedder) EmbedImage(ctx context.Context, img image.Image) ([]float32, error) {
	seed := digestSeed(PixelDigest(img))
	emb := make([]float32, e.dimensions)
	for i := 0; i < e.dimensions; i++ {
		emb[i] = float32(math.Sin(float64(seed)*float64(i+1))*0.1 + 0.01)
	}
	utils.NormalizeL2(emb)
	return emb, nil
}

// digestSeed folds a hex digest into a small integer seed.
func digestSeed(digest string) uint32 {
	raw, err := hex.DecodeString(digest)
	if err != nil || len(raw) < 4 {
		return 1
	}
	// Keep the seed small so sin() arguments stay well-conditioned.
	return binary.LittleEndian.Uint32(raw[:4])%100000 + 1
}

// Dimensions returns the embedding dimension.
func (e *MockEmbedder) Dimensions() int {
	return e.dimensions
}

// Close is a no-op for MockEmbedder.
func (e *MockEmbedder) Close() error {
	return nil
}
