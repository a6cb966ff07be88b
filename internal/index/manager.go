// Package index owns the live vector index and coordinates rebuilds.
package index

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hyperjump/miru/internal/catalog"
	"github.com/hyperjump/miru/internal/embedding"
	"github.com/hyperjump/miru/internal/imaging"
	"github.com/hyperjump/miru/internal/vector"
)

// State is the manager's lifecycle state.
type State string

const (
	StateLoading    State = "loading"
	StateReady      State = "ready"
	StateEmpty      State = "empty"
	StateRebuilding State = "rebuilding"
)

var (
	// ErrNotReady means no usable index exists yet; clients may retry later.
	ErrNotReady = errors.New("index not ready")
	// ErrRebuildInProgress means a rebuild is already running; duplicate
	// triggers are rejected rather than queued.
	ErrRebuildInProgress = errors.New("index rebuild already in progress")
)

// Status is a point-in-time view of the manager.
type Status struct {
	State         State
	TotalVectors  int
	TotalProducts int
}

// Manager is the single owner of the current vector index. Searches read an
// atomic snapshot of the index; rebuilds construct a complete new index off to
// the side and swap the pointer, so an in-flight search never observes a
// half-built index or a mix of old and new data.
type Manager struct {
	catalog   catalog.Catalog
	fetcher   *imaging.Fetcher
	embedder  embedding.Embedder
	indexPath string
	logger    *zap.Logger

	current    atomic.Pointer[vector.FlatIndex]
	rebuilding atomic.Bool

	mu    sync.Mutex // guards state and jobID
	state State
	jobID string
}

// NewManager creates a manager. The index dimension is taken from the embedder.
func NewManager(
	cat catalog.Catalog,
	fetcher *imaging.Fetcher,
	embedder embedding.Embedder,
	indexPath string,
	logger *zap.Logger,
) *Manager {
	return &Manager{
		catalog:   cat,
		fetcher:   fetcher,
		embedder:  embedder,
		indexPath: indexPath,
		logger:    logger,
		state:     StateLoading,
	}
}

// LoadOrBuild is invoked once at process startup. It tries to load a persisted
// index; on a miss it runs a full synchronous build. Startup never fails solely
// because the catalog is empty or unreachable: the manager ends up in the
// empty state and a rebuild can be triggered later over the API.
func (m *Manager) LoadOrBuild(ctx context.Context) {
	m.setState(StateLoading)

	idx, err := vector.NewFlatIndex(m.embedder.Dimensions())
	if err != nil {
		m.logger.Error("index init failed", zap.Error(err))
		m.setState(StateEmpty)
		return
	}
	ok, err := idx.Load(m.indexPath)
	if err != nil {
		m.logger.Warn("persisted index unusable, rebuilding",
			zap.String("path", m.indexPath), zap.Error(err))
	}
	if ok {
		m.current.Store(idx)
		m.setState(StateReady)
		m.logger.Info("loaded persisted index",
			zap.String("path", m.indexPath), zap.Int("vectors", idx.Count()))
		return
	}

	m.logger.Info("no persisted index found, building from catalog")
	m.rebuildOnce(ctx)
}

// Rebuild re-fetches the full catalog, re-encodes every item, and atomically
// replaces the current index. Returns ErrRebuildInProgress if another rebuild
// is running.
func (m *Manager) Rebuild(ctx context.Context) error {
	if !m.rebuilding.CompareAndSwap(false, true) {
		return ErrRebuildInProgress
	}
	defer m.rebuilding.Store(false)
	m.rebuildOnce(ctx)
	return nil
}

// TriggerRebuild starts a rebuild in the background and returns its job ID.
// A second trigger while one is running returns the running job's ID together
// with ErrRebuildInProgress.
func (m *Manager) TriggerRebuild() (string, error) {
	// mu is held across the CAS so a losing trigger always observes the
	// winner's job id, never the previous run's.
	m.mu.Lock()
	if !m.rebuilding.CompareAndSwap(false, true) {
		running := m.jobID
		m.mu.Unlock()
		return running, ErrRebuildInProgress
	}
	jobID := uuid.New().String()
	m.jobID = jobID
	m.mu.Unlock()

	go func() {
		defer m.rebuilding.Store(false)
		m.logger.Info("background rebuild started", zap.String("job_id", jobID))
		m.rebuildOnce(context.Background())
	}()
	return jobID, nil
}

// Search runs a top-k query against a snapshot of the current index.
// Returns ErrNotReady when no usable index exists (loading or empty state).
func (m *Manager) Search(ctx context.Context, query []float32, k int) ([]vector.Result, error) {
	idx := m.current.Load()
	if idx == nil {
		return nil, ErrNotReady
	}
	return idx.Search(query, k)
}

// Status reports current state and counts. It never blocks on a rebuild.
func (m *Manager) Status() Status {
	m.mu.Lock()
	state := m.state
	m.mu.Unlock()

	st := Status{State: state}
	if idx := m.current.Load(); idx != nil {
		n := idx.Count()
		st.TotalVectors = n
		st.TotalProducts = n
	}
	return st
}

// rebuildOnce runs the full pipeline: fetch catalog rows, acquire and encode
// each image (independent per-item failures tolerated), then build, persist,
// and swap in the new index. It only fails wholesale when zero items succeed,
// and in that case the prior index, if any, stays authoritative.
func (m *Manager) rebuildOnce(ctx context.Context) {
	if m.current.Load() != nil {
		m.setState(StateRebuilding)
	}
	m.logger.Info("starting index rebuild")

	products, err := m.catalog.ListProducts(ctx)
	if err != nil {
		m.logger.Error("catalog fetch failed, index unchanged", zap.Error(err))
		m.settle()
		return
	}
	if len(products) == 0 {
		m.logger.Warn("catalog is empty, skipping index build")
		m.settle()
		return
	}

	embeddings := make([][]float32, 0, len(products))
	productIDs := make([]int64, 0, len(products))
	for i, p := range products {
		m.logger.Debug("processing product",
			zap.Int("n", i+1), zap.Int("total", len(products)),
			zap.Int64("product_id", p.ID), zap.String("name", p.Name))

		img, err := m.fetcher.FetchImage(ctx, p.ImageURL)
		if err != nil {
			m.logger.Warn("skipping product, image unavailable",
				zap.Int64("product_id", p.ID), zap.String("url", p.ImageURL), zap.Error(err))
			continue
		}
		emb, err := m.embedder.EmbedImage(ctx, img)
		if err != nil {
			m.logger.Warn("skipping product, embedding failed",
				zap.Int64("product_id", p.ID), zap.Error(err))
			continue
		}
		embeddings = append(embeddings, emb)
		productIDs = append(productIDs, p.ID)
	}

	if len(embeddings) == 0 {
		m.logger.Error("no embeddings generated, index not built")
		m.settle()
		return
	}

	idx, err := vector.NewFlatIndex(m.embedder.Dimensions())
	if err != nil {
		m.logger.Error("index init failed", zap.Error(err))
		m.settle()
		return
	}
	if err := idx.Build(embeddings, productIDs); err != nil {
		m.logger.Error("index build failed, prior index unchanged", zap.Error(err))
		m.settle()
		return
	}
	if err := idx.Save(m.indexPath); err != nil {
		// The in-memory index is still good; the next successful rebuild will persist.
		m.logger.Warn("index save failed", zap.String("path", m.indexPath), zap.Error(err))
	}

	m.current.Store(idx)
	m.setState(StateReady)
	m.logger.Info("index rebuilt",
		zap.Int("vectors", idx.Count()),
		zap.Int("skipped", len(products)-idx.Count()))
}

// settle restores the state after a rebuild that did not replace the index:
// ready when a prior index exists, empty otherwise.
func (m *Manager) settle() {
	if m.current.Load() != nil {
		m.setState(StateReady)
	} else {
		m.setState(StateEmpty)
	}
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}
