package index

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/hyperjump/miru/internal/catalog"
	"github.com/hyperjump/miru/internal/embedding"
	"github.com/hyperjump/miru/internal/imaging"
)

type fakeCatalog struct {
	mu       sync.Mutex
	products []catalog.Product
	err      error
	gate     chan struct{} // when non-nil, ListProducts blocks until closed
}

func (f *fakeCatalog) ListProducts(ctx context.Context) ([]catalog.Product, error) {
	f.mu.Lock()
	gate := f.gate
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return append([]catalog.Product(nil), f.products...), nil
}

func (f *fakeCatalog) Close() error { return nil }

func (f *fakeCatalog) setProducts(products []catalog.Product) {
	f.mu.Lock()
	f.products = products
	f.mu.Unlock()
}

// newImageServer serves a distinct solid-color PNG per product number under
// /img/{n} and 404 for everything else.
func newImageServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var n int
		if _, err := fmt.Sscanf(r.URL.Path, "/img/%d", &n); err != nil {
			http.NotFound(w, r)
			return
		}
		img := image.NewNRGBA(image.Rect(0, 0, 8, 8))
		c := color.NRGBA{R: uint8(n * 29), G: uint8(n * 53), B: uint8(n * 97), A: 255}
		for y := 0; y < 8; y++ {
			for x := 0; x < 8; x++ {
				img.SetNRGBA(x, y, c)
			}
		}
		var buf bytes.Buffer
		if err := png.Encode(&buf, img); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(buf.Bytes())
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestManager(t *testing.T, cat catalog.Catalog) (*Manager, string) {
	t.Helper()
	indexPath := filepath.Join(t.TempDir(), "index")
	fetcher := imaging.NewFetcher(5*time.Second, 10<<20, 1024)
	embedder := embedding.NewMockEmbedder(16)
	m := NewManager(cat, fetcher, embedder, indexPath, zap.NewNop())
	return m, indexPath
}

func catalogFor(srv *httptest.Server, ids ...int64) []catalog.Product {
	products := make([]catalog.Product, len(ids))
	for i, id := range ids {
		products[i] = catalog.Product{
			ID:       id,
			Name:     fmt.Sprintf("product %d", id),
			ImageURL: fmt.Sprintf("%s/img/%d", srv.URL, id),
		}
	}
	return products
}

func queryVector(t *testing.T, m *Manager, productNum int64, srv *httptest.Server) []float32 {
	t.Helper()
	fetcher := imaging.NewFetcher(5*time.Second, 10<<20, 1024)
	img, err := fetcher.FetchImage(context.Background(), fmt.Sprintf("%s/img/%d", srv.URL, productNum))
	if err != nil {
		t.Fatal(err)
	}
	vec, err := m.embedder.EmbedImage(context.Background(), img)
	if err != nil {
		t.Fatal(err)
	}
	return vec
}

func TestManager_LoadOrBuild_BuildsFromCatalog(t *testing.T) {
	srv := newImageServer(t)
	cat := &fakeCatalog{products: catalogFor(srv, 1, 2, 3)}
	m, indexPath := newTestManager(t, cat)

	m.LoadOrBuild(context.Background())

	st := m.Status()
	if st.State != StateReady {
		t.Fatalf("state: got %s, want ready", st.State)
	}
	if st.TotalVectors != 3 || st.TotalProducts != 3 {
		t.Errorf("counts: got %+v", st)
	}

	// Both artifacts must have been persisted.
	for _, name := range []string{"vectors.bin", "product_ids.json"} {
		if _, err := os.Stat(filepath.Join(indexPath, name)); err != nil {
			t.Errorf("artifact %s not written: %v", name, err)
		}
	}

	// Searching for product 2's own image must rank product 2 first with ~100 similarity.
	query := queryVector(t, m, 2, srv)
	results, err := m.Search(context.Background(), query, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 3 {
		t.Fatalf("got %d results, want 3", len(results))
	}
	if results[0].ProductID != 2 {
		t.Errorf("top result: got %d, want 2", results[0].ProductID)
	}
	if results[0].Similarity < 99.9 || results[0].Similarity > 100.1 {
		t.Errorf("self similarity: got %v", results[0].Similarity)
	}
}

func TestManager_LoadOrBuild_LoadsPersistedIndex(t *testing.T) {
	srv := newImageServer(t)
	cat := &fakeCatalog{products: catalogFor(srv, 1, 2)}
	m, indexPath := newTestManager(t, cat)
	m.LoadOrBuild(context.Background())
	if m.Status().TotalVectors != 2 {
		t.Fatalf("setup build failed: %+v", m.Status())
	}

	// A fresh manager pointing at an unreachable catalog must come up ready
	// from the persisted artifacts alone.
	brokenCat := &fakeCatalog{err: errors.New("catalog down")}
	fetcher := imaging.NewFetcher(5*time.Second, 10<<20, 1024)
	m2 := NewManager(brokenCat, fetcher, embedding.NewMockEmbedder(16), indexPath, zap.NewNop())
	m2.LoadOrBuild(context.Background())

	st := m2.Status()
	if st.State != StateReady || st.TotalVectors != 2 {
		t.Errorf("persisted load: got %+v", st)
	}
}

func TestManager_LoadOrBuild_EmptyCatalog(t *testing.T) {
	cat := &fakeCatalog{}
	m, indexPath := newTestManager(t, cat)
	m.LoadOrBuild(context.Background())

	st := m.Status()
	if st.State != StateEmpty {
		t.Fatalf("state: got %s, want empty", st.State)
	}
	if st.TotalVectors != 0 {
		t.Errorf("vectors: got %d", st.TotalVectors)
	}
	// No index files may be written for an empty build.
	if _, err := os.Stat(filepath.Join(indexPath, "vectors.bin")); !os.IsNotExist(err) {
		t.Error("empty build must not persist an index")
	}
	if _, err := m.Search(context.Background(), make([]float32, 16), 10); !errors.Is(err, ErrNotReady) {
		t.Errorf("search on empty manager: got %v, want ErrNotReady", err)
	}
}

func TestManager_LoadOrBuild_UnreachableCatalog(t *testing.T) {
	cat := &fakeCatalog{err: errors.New("connection refused")}
	m, _ := newTestManager(t, cat)
	m.LoadOrBuild(context.Background())
	if st := m.Status(); st.State != StateEmpty {
		t.Errorf("state: got %s, want empty", st.State)
	}
}

func TestManager_Rebuild_PartialFailures(t *testing.T) {
	srv := newImageServer(t)
	products := catalogFor(srv, 1, 2, 3)
	// Two items with broken image sources must be skipped, not abort the rebuild.
	products = append(products,
		catalog.Product{ID: 90, Name: "gone", ImageURL: srv.URL + "/missing.jpg"},
		catalog.Product{ID: 91, Name: "also gone", ImageURL: srv.URL + "/nope.png"},
	)
	cat := &fakeCatalog{products: products}
	m, _ := newTestManager(t, cat)

	if err := m.Rebuild(context.Background()); err != nil {
		t.Fatal(err)
	}
	st := m.Status()
	if st.State != StateReady || st.TotalVectors != 3 {
		t.Errorf("got %+v, want ready with 3 vectors", st)
	}
}

func TestManager_Rebuild_AllFailuresKeepsPriorIndex(t *testing.T) {
	srv := newImageServer(t)
	cat := &fakeCatalog{products: catalogFor(srv, 1, 2)}
	m, _ := newTestManager(t, cat)
	m.LoadOrBuild(context.Background())

	// Every image now fails: the prior index must stay authoritative.
	cat.setProducts([]catalog.Product{{ID: 9, ImageURL: srv.URL + "/missing"}})
	if err := m.Rebuild(context.Background()); err != nil {
		t.Fatal(err)
	}
	st := m.Status()
	if st.State != StateReady || st.TotalVectors != 2 {
		t.Errorf("got %+v, want prior ready index with 2 vectors", st)
	}
}

func TestManager_Rebuild_SwapsAtomically(t *testing.T) {
	srv := newImageServer(t)
	cat := &fakeCatalog{products: catalogFor(srv, 1, 2)}
	m, _ := newTestManager(t, cat)
	m.LoadOrBuild(context.Background())

	old := m.current.Load()
	if old == nil {
		t.Fatal("setup: no index after LoadOrBuild")
	}

	// Gate the next catalog fetch so the rebuild is reliably in flight.
	gate := make(chan struct{})
	cat.mu.Lock()
	cat.gate = gate
	cat.products = catalogFor(srv, 1, 2, 3)
	cat.mu.Unlock()

	done := make(chan error, 1)
	go func() { done <- m.Rebuild(context.Background()) }()

	// While the rebuild is blocked, searches serve the old snapshot untouched.
	query := queryVector(t, m, 1, srv)
	results, err := m.Search(context.Background(), query, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 2 {
		t.Errorf("mid-rebuild search: got %d results, want 2", len(results))
	}
	if m.current.Load() != old {
		t.Error("index pointer must not change before the rebuild completes")
	}

	close(gate)
	if err := <-done; err != nil {
		t.Fatal(err)
	}

	if m.current.Load() == old {
		t.Error("index pointer should have been swapped")
	}
	results, err = m.Search(context.Background(), query, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 3 {
		t.Errorf("post-rebuild search: got %d results, want 3", len(results))
	}
	// The old snapshot is still fully usable for callers that captured it.
	oldResults, err := old.Search(query, 10)
	if err != nil || len(oldResults) != 2 {
		t.Errorf("old snapshot: got %d results, err %v", len(oldResults), err)
	}
}

func TestManager_TriggerRebuild_RejectsConcurrent(t *testing.T) {
	srv := newImageServer(t)
	gate := make(chan struct{})
	cat := &fakeCatalog{products: catalogFor(srv, 1), gate: gate}
	m, _ := newTestManager(t, cat)

	jobID, err := m.TriggerRebuild()
	if err != nil {
		t.Fatal(err)
	}
	if jobID == "" {
		t.Fatal("expected a job id")
	}

	running, err := m.TriggerRebuild()
	if !errors.Is(err, ErrRebuildInProgress) {
		t.Fatalf("second trigger: got %v, want ErrRebuildInProgress", err)
	}
	if running != jobID {
		t.Errorf("second trigger should report the running job id: got %q, want %q", running, jobID)
	}

	close(gate)
	waitFor(t, func() bool { return m.Status().TotalVectors == 1 })

	// Once finished, a new trigger is accepted again.
	cat.mu.Lock()
	cat.gate = nil
	cat.mu.Unlock()
	if _, err := m.TriggerRebuild(); err != nil {
		t.Errorf("trigger after completion: %v", err)
	}
	waitFor(t, func() bool { return !m.rebuilding.Load() })
}

func TestManager_TriggerRebuild_LosersSeeWinnersJobID(t *testing.T) {
	srv := newImageServer(t)
	gate := make(chan struct{})
	cat := &fakeCatalog{products: catalogFor(srv, 1), gate: gate}
	m, _ := newTestManager(t, cat)
	defer close(gate)

	type trigger struct {
		jobID string
		err   error
	}
	const n = 8
	ch := make(chan trigger, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, err := m.TriggerRebuild()
			ch <- trigger{jobID: id, err: err}
		}()
	}
	wg.Wait()
	close(ch)

	var results []trigger
	var winner string
	for r := range ch {
		results = append(results, r)
		if r.err == nil {
			if winner != "" {
				t.Fatal("more than one trigger won")
			}
			winner = r.jobID
		}
	}
	if winner == "" {
		t.Fatal("no trigger won")
	}
	// Every rejection must carry the running job's id, not a stale one.
	for _, r := range results {
		if r.err == nil {
			continue
		}
		if !errors.Is(r.err, ErrRebuildInProgress) {
			t.Fatalf("loser error: %v", r.err)
		}
		if r.jobID != winner {
			t.Errorf("loser reported job %q, want winner %q", r.jobID, winner)
		}
	}
}

func TestManager_Status_DuringRebuild(t *testing.T) {
	srv := newImageServer(t)
	cat := &fakeCatalog{products: catalogFor(srv, 1)}
	m, _ := newTestManager(t, cat)
	m.LoadOrBuild(context.Background())

	gate := make(chan struct{})
	cat.mu.Lock()
	cat.gate = gate
	cat.mu.Unlock()
	if _, err := m.TriggerRebuild(); err != nil {
		t.Fatal(err)
	}

	// Status must not block while the rebuild is stuck on the catalog.
	waitFor(t, func() bool { return m.Status().State == StateRebuilding })
	if st := m.Status(); st.TotalVectors != 1 {
		t.Errorf("rebuilding status should report the live index: %+v", st)
	}
	close(gate)
	waitFor(t, func() bool { return m.Status().State == StateReady })
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}
