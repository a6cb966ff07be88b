// Package embedding produces image embeddings for visual similarity search.
package embedding

import (
	"context"
	"image"
)

// Embedder produces L2-normalized vector embeddings for images.
type Embedder interface {
	EmbedImage(ctx context.Context, img image.Image) ([]float32, error)
	Dimensions() int
	Close() error
}
