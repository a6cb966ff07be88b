// Package vector provides the flat inner-product index used for visual similarity search.
package vector

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// Artifact names inside the index directory. Both must be present for Load to succeed.
const (
	vectorsFile = "vectors.bin"
	idsFile     = "product_ids.json"
)

const formatMagic uint32 = 0x5552494d // "MIRU" little-endian

// ErrDimensionMismatch is returned when a vector's length disagrees with the
// index's configured dimension.
var ErrDimensionMismatch = errors.New("vector dimension mismatch")

// Result is a single similarity hit. Similarity is the raw inner product of the
// normalized vectors rescaled to a 0-100 percentage, rounded to 2 decimal places.
type Result struct {
	ProductID  int64   `json:"productId"`
	Similarity float64 `json:"similarity"`
}

// FlatIndex is a brute-force inner-product index over L2-normalized vectors.
// Embeddings and product IDs are parallel slices; position i in one corresponds
// to position i in the other. Contents are only ever replaced wholesale by Build
// or Load; there is no incremental insert or delete.
type FlatIndex struct {
	dimension  int
	vectors    [][]float32
	productIDs []int64
	mu         sync.RWMutex
}

// NewFlatIndex creates an empty index with the given dimension.
func NewFlatIndex(dimension int) (*FlatIndex, error) {
	if dimension <= 0 {
		return nil, fmt.Errorf("dimension must be positive")
	}
	return &FlatIndex{dimension: dimension}, nil
}

// Dimension returns the configured vector dimension.
func (idx *FlatIndex) Dimension() int {
	return idx.dimension
}

// Count returns the number of indexed vectors.
func (idx *FlatIndex) Count() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.vectors)
}

// Build replaces the entire index contents with the given embeddings and product IDs.
// All vectors are validated before anything is replaced, so prior contents survive a
// failed build.
func (idx *FlatIndex) Build(embeddings [][]float32, productIDs []int64) error {
	if len(embeddings) != len(productIDs) {
		return fmt.Errorf("embeddings and product ids length mismatch: %d vs %d", len(embeddings), len(productIDs))
	}
	for i, emb := range embeddings {
		if len(emb) != idx.dimension {
			return fmt.Errorf("%w: vector %d has length %d, expected %d", ErrDimensionMismatch, i, len(emb), idx.dimension)
		}
	}

	vectors := make([][]float32, len(embeddings))
	for i, emb := range embeddings {
		vec := make([]float32, idx.dimension)
		copy(vec, emb)
		vectors[i] = vec
	}
	ids := make([]int64, len(productIDs))
	copy(ids, productIDs)

	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.vectors = vectors
	idx.productIDs = ids
	return nil
}

// Search returns up to min(k, Count()) results sorted by descending inner product.
// Ties keep insertion order (stable sort). An empty index yields an empty result
// set, not an error.
func (idx *FlatIndex) Search(query []float32, k int) ([]Result, error) {
	if len(query) != idx.dimension {
		return nil, fmt.Errorf("%w: query has length %d, expected %d", ErrDimensionMismatch, len(query), idx.dimension)
	}
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	if k <= 0 || len(idx.vectors) == 0 {
		return nil, nil
	}

	type scored struct {
		pos   int
		score float64
	}
	scores := make([]scored, len(idx.vectors))
	for i, vec := range idx.vectors {
		var dot float64
		for j := 0; j < idx.dimension; j++ {
			dot += float64(query[j] * vec[j])
		}
		scores[i] = scored{pos: i, score: dot}
	}
	sort.SliceStable(scores, func(i, j int) bool { return scores[i].score > scores[j].score })

	if k > len(scores) {
		k = len(scores)
	}
	results := make([]Result, k)
	for i := 0; i < k; i++ {
		results[i] = Result{
			ProductID:  idx.productIDs[scores[i].pos],
			Similarity: roundScore(scores[i].score * 100),
		}
	}
	return results, nil
}

// roundScore rounds to 2 decimal places for the percentage display convention.
func roundScore(s float64) float64 {
	return math.Round(s*100) / 100
}

// Save persists the index into dir as two artifacts: vectors.bin holding the
// dimension and all vectors, and product_ids.json holding the ordered ID list.
// The directory is created if needed.
func (idx *FlatIndex) Save(dir string) error {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create index dir: %w", err)
	}

	f, err := os.Create(filepath.Join(dir, vectorsFile))
	if err != nil {
		return fmt.Errorf("create vectors file: %w", err)
	}
	defer f.Close()
	if err := binary.Write(f, binary.LittleEndian, formatMagic); err != nil {
		return fmt.Errorf("write magic: %w", err)
	}
	if err := binary.Write(f, binary.LittleEndian, uint32(idx.dimension)); err != nil {
		return fmt.Errorf("write dimension: %w", err)
	}
	if err := binary.Write(f, binary.LittleEndian, uint32(len(idx.vectors))); err != nil {
		return fmt.Errorf("write count: %w", err)
	}
	for _, vec := range idx.vectors {
		if _, err := f.Write(float32SliceToBytes(vec)); err != nil {
			return fmt.Errorf("write vector: %w", err)
		}
	}

	ids, err := json.Marshal(idx.productIDs)
	if err != nil {
		return fmt.Errorf("marshal product ids: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, idsFile), ids, 0644); err != nil {
		return fmt.Errorf("write product ids: %w", err)
	}
	return nil
}

// Load reads both artifacts from dir and replaces the index contents all-or-nothing.
// Returns (false, nil) when either artifact is absent, the normal "no index yet"
// condition. Corrupt or mutually inconsistent artifacts return an error and leave
// the index unchanged.
func (idx *FlatIndex) Load(dir string) (bool, error) {
	vectorsPath := filepath.Join(dir, vectorsFile)
	idsPath := filepath.Join(dir, idsFile)
	if _, err := os.Stat(vectorsPath); os.IsNotExist(err) {
		return false, nil
	}
	if _, err := os.Stat(idsPath); os.IsNotExist(err) {
		return false, nil
	}

	f, err := os.Open(vectorsPath)
	if err != nil {
		return false, fmt.Errorf("open vectors file: %w", err)
	}
	defer f.Close()

	var magic, dim, count uint32
	if err := binary.Read(f, binary.LittleEndian, &magic); err != nil {
		return false, fmt.Errorf("read magic: %w", err)
	}
	if magic != formatMagic {
		return false, fmt.Errorf("vectors file has unknown format magic %#x", magic)
	}
	if err := binary.Read(f, binary.LittleEndian, &dim); err != nil {
		return false, fmt.Errorf("read dimension: %w", err)
	}
	if int(dim) != idx.dimension {
		return false, fmt.Errorf("%w: file has dimension %d, index expects %d", ErrDimensionMismatch, dim, idx.dimension)
	}
	if err := binary.Read(f, binary.LittleEndian, &count); err != nil {
		return false, fmt.Errorf("read count: %w", err)
	}

	vectors := make([][]float32, 0, count)
	buf := make([]byte, idx.dimension*4)
	for i := uint32(0); i < count; i++ {
		if _, err := io.ReadFull(f, buf); err != nil {
			return false, fmt.Errorf("read vector %d: %w", i, err)
		}
		vectors = append(vectors, bytesToFloat32Slice(buf))
	}

	idsData, err := os.ReadFile(idsPath)
	if err != nil {
		return false, fmt.Errorf("read product ids: %w", err)
	}
	var productIDs []int64
	if err := json.Unmarshal(idsData, &productIDs); err != nil {
		return false, fmt.Errorf("parse product ids: %w", err)
	}
	if len(productIDs) != len(vectors) {
		return false, fmt.Errorf("artifact count mismatch: %d vectors, %d product ids", len(vectors), len(productIDs))
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.vectors = vectors
	idx.productIDs = productIDs
	return true, nil
}

func float32SliceToBytes(s []float32) []byte {
	const size = 4
	out := make([]byte, len(s)*size)
	for i, v := range s {
		binary.LittleEndian.PutUint32(out[i*size:(i+1)*size], math.Float32bits(v))
	}
	return out
}

func bytesToFloat32Slice(b []byte) []float32 {
	const size = 4
	out := make([]float32, len(b)/size)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*size : (i+1)*size]))
	}
	return out
}
