// Package main is the Miru CLI entry point.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/hyperjump/miru/internal/catalog"
	"github.com/hyperjump/miru/internal/config"
	"github.com/hyperjump/miru/internal/embedding"
	"github.com/hyperjump/miru/internal/imaging"
	"github.com/hyperjump/miru/internal/index"
	"github.com/hyperjump/miru/internal/server"
	"github.com/hyperjump/miru/internal/vector"
	"github.com/hyperjump/miru/pkg/utils"
)

var version = "dev"

const (
	defaultConfigPath = "/usr/local/etc/miru/config.yaml"
	defaultServerURL  = "http://localhost:8001"
)

// loadConfig loads config from path. When path is the default, it first looks for
// config.yaml in the current directory (for development); if that exists it is used,
// so that "miru server" from the project dir uses the project's config (including debug).
// Returns the config and the path that was actually loaded.
func loadConfig(path string) (*config.Config, string, error) {
	if path == defaultConfigPath {
		if cwd, cwdErr := os.Getwd(); cwdErr == nil {
			fallback := filepath.Join(cwd, "config.yaml")
			if _, statErr := os.Stat(fallback); statErr == nil {
				cfg, loadErr := config.Load(fallback)
				if loadErr != nil {
					return nil, "", loadErr
				}
				return cfg, fallback, nil
			}
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", err
	}
	return cfg, path, nil
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}
	command := os.Args[1]
	switch command {
	case "server":
		runServer()
	case "search":
		runSearch()
	case "rebuild":
		runRebuild()
	case "status":
		runStatus()
	case "version", "--version", "-v":
		fmt.Printf("miru version %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Printf("Unknown command: %s\n", command)
		printUsage()
		os.Exit(1)
	}
}

func runServer() {
	fs := flag.NewFlagSet("server", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	debug := fs.Bool("debug", false, "enable debug logging (per-product rebuild progress, request details)")
	mock := fs.Bool("mock", false, "use the deterministic mock embedder instead of the ONNX model")
	_ = fs.Parse(os.Args[2:])

	cfg, resolvedConfigPath, err := loadConfig(*configPath)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}
	debugMode := cfg.Debug || *debug
	if *mock {
		cfg.Embedding.UseMock = true
	}
	logger, err := utils.NewLogger(debugMode)
	if err != nil {
		fmt.Printf("Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("config loaded",
		zap.String("config_path", resolvedConfigPath),
		zap.Bool("debug", debugMode),
	)

	components, err := initializeComponents(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to initialize components", zap.Error(err))
	}
	defer components.Close()

	// Synchronous: the process comes up ready (or empty) before serving.
	components.Manager.LoadOrBuild(context.Background())

	srv := server.NewServer(components.Manager, components.Embedder, cfg, logger)
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Server failed", zap.Error(err))
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Stop(ctx)
}

// searchResult mirrors one entry of the search response.
type searchResult struct {
	ProductID  int64   `json:"productId"`
	Similarity float64 `json:"similarity"`
}

type searchResponse struct {
	Results []searchResult `json:"results"`
}

func runSearch() {
	fs := flag.NewFlagSet("search", flag.ExitOnError)
	serverURL := fs.String("server", defaultServerURL, "server URL")
	outputFormat := fs.String("output", "text", "output format: text or json")
	_ = fs.Parse(os.Args[2:])

	if fs.NArg() < 1 {
		fmt.Println("Usage: miru search [flags] <image-file>")
		os.Exit(1)
	}
	imagePath := fs.Arg(0)

	response, err := searchViaHTTP(*serverURL, imagePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Search failed: %v\n", err)
		os.Exit(1)
	}
	if err := writeSearchResults(os.Stdout, response, *outputFormat); err != nil {
		fmt.Fprintf(os.Stderr, "Output failed: %v\n", err)
		os.Exit(1)
	}
}

// searchViaHTTP uploads the image at imagePath to the running server's visual
// search endpoint and decodes the response.
func searchViaHTTP(serverURL, imagePath string) (*searchResponse, error) {
	data, err := os.ReadFile(imagePath)
	if err != nil {
		return nil, fmt.Errorf("read image: %w", err)
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("image", filepath.Base(imagePath))
	if err != nil {
		return nil, err
	}
	if _, err := part.Write(data); err != nil {
		return nil, err
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}

	resp, err := http.Post(serverURL+"/api/search/visual", mw.FormDataContentType(), &body)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("server returned %d: %s", resp.StatusCode, string(b))
	}
	var response searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &response, nil
}

// writeSearchResults renders the response as text (one result per line) or json.
func writeSearchResults(w io.Writer, response *searchResponse, format string) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(response)
	case "text":
		if len(response.Results) == 0 {
			fmt.Fprintln(w, "No similar products found.")
			return nil
		}
		for i, r := range response.Results {
			fmt.Fprintf(w, "%2d. product %-8d %6.2f%%\n", i+1, r.ProductID, r.Similarity)
		}
		return nil
	default:
		return fmt.Errorf("unknown output format %q; use text or json", format)
	}
}

func runRebuild() {
	fs := flag.NewFlagSet("rebuild", flag.ExitOnError)
	serverURL := fs.String("server", defaultServerURL, "server URL")
	_ = fs.Parse(os.Args[2:])

	resp, err := http.Post(*serverURL+"/api/index/rebuild", "application/json", nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Rebuild request failed: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	var out struct {
		Status string `json:"status"`
		JobID  string `json:"jobId"`
		Error  string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		fmt.Fprintf(os.Stderr, "Parse failed: %v\n", err)
		os.Exit(1)
	}
	switch resp.StatusCode {
	case http.StatusAccepted:
		fmt.Printf("Rebuild started: %s\n", out.JobID)
	case http.StatusConflict:
		fmt.Printf("Rebuild already running: %s\n", out.JobID)
		os.Exit(1)
	default:
		fmt.Fprintf(os.Stderr, "Rebuild failed (%d): %s\n", resp.StatusCode, out.Error)
		os.Exit(1)
	}
}

// statusResponse is the shape of GET /api/index/status.
type statusResponse struct {
	Status        string `json:"status"`
	TotalVectors  int    `json:"totalVectors"`
	TotalProducts int    `json:"totalProducts"`
}

func runStatus() {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	serverURL := fs.String("server", defaultServerURL, "server URL (empty = inspect the persisted index directly)")
	outputFormat := fs.String("output", "text", "output format: text or json")
	_ = fs.Parse(os.Args[2:])

	var status statusResponse
	if *serverURL != "" {
		res, err := statusViaHTTP(*serverURL)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Status failed: %v\n", err)
			os.Exit(1)
		}
		status = *res
	} else {
		// Direct mode reads the persisted artifacts without touching the catalog.
		cfg, _, err := loadConfig(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
			os.Exit(1)
		}
		idx, err := vector.NewFlatIndex(cfg.Embedding.Dimensions)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Index init failed: %v\n", err)
			os.Exit(1)
		}
		ok, err := idx.Load(cfg.Storage.IndexPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Index load failed: %v\n", err)
			os.Exit(1)
		}
		status = statusResponse{Status: "not_ready"}
		if ok && idx.Count() > 0 {
			status = statusResponse{
				Status:        "ready",
				TotalVectors:  idx.Count(),
				TotalProducts: idx.Count(),
			}
		}
	}

	switch *outputFormat {
	case "json":
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(status); err != nil {
			fmt.Fprintf(os.Stderr, "Output failed: %v\n", err)
			os.Exit(1)
		}
	case "text":
		fmt.Printf("status:          %s\n", status.Status)
		fmt.Printf("total_vectors:   %d\n", status.TotalVectors)
		fmt.Printf("total_products:  %d\n", status.TotalProducts)
	default:
		fmt.Fprintf(os.Stderr, "Unknown output format %q; use text or json\n", *outputFormat)
		os.Exit(1)
	}
}

func statusViaHTTP(serverURL string) (*statusResponse, error) {
	resp, err := http.Get(serverURL + "/api/index/status")
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("server returned %d: %s", resp.StatusCode, string(b))
	}
	var s statusResponse
	if err := json.NewDecoder(resp.Body).Decode(&s); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &s, nil
}

// Components holds initialized services.
type Components struct {
	Catalog  catalog.Catalog
	Embedder embedding.Embedder
	Manager  *index.Manager
}

func (c *Components) Close() {
	if c.Catalog != nil {
		_ = c.Catalog.Close()
	}
	if c.Embedder != nil {
		_ = c.Embedder.Close()
	}
}

func initializeComponents(cfg *config.Config, logger *zap.Logger) (*Components, error) {
	cat, err := catalog.NewSQLCatalog(cfg.Catalog.Driver, cfg.Catalog.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize catalog: %w", err)
	}

	var embedder embedding.Embedder
	if cfg.Embedding.UseMock {
		embedder = embedding.NewMockEmbedder(cfg.Embedding.Dimensions)
		logger.Info("using mock embedder")
	} else {
		onnxEmbedder, err := embedding.NewONNXEmbedder(cfg.Embedding.ModelPath, cfg.Embedding.Dimensions)
		if err != nil {
			logger.Warn("ONNX model unavailable, falling back to mock embedder",
				zap.String("model_path", cfg.Embedding.ModelPath), zap.Error(err))
			embedder = embedding.NewMockEmbedder(cfg.Embedding.Dimensions)
		} else {
			embedder = onnxEmbedder
			logger.Info("embedding model loaded",
				zap.String("model", cfg.Embedding.ModelName),
				zap.Int("dimensions", cfg.Embedding.Dimensions))
		}
	}
	if cfg.Embedding.CacheSize > 0 {
		embedder = embedding.NewCachedEmbedder(embedder, cfg.Embedding.CacheSize)
	}

	fetcher := imaging.NewFetcher(
		time.Duration(cfg.Fetch.TimeoutSeconds)*time.Second,
		cfg.Search.MaxUploadBytes,
		cfg.Search.MaxImageEdge,
	)
	manager := index.NewManager(cat, fetcher, embedder, cfg.Storage.IndexPath, logger)

	return &Components{
		Catalog:  cat,
		Embedder: embedder,
		Manager:  manager,
	}, nil
}

func printUsage() {
	fmt.Println(`miru - Visual similarity search for product catalogs

Usage:
  miru server [flags]            Start the HTTP server
  miru search [flags] <image>    Search similar products by image
  miru rebuild [flags]           Trigger an index rebuild on the server
  miru status [flags]            Show index status
  miru version                   Show version
  miru help                      Show this help

Server Flags:
  --config string    Config file path (default: /usr/local/etc/miru/config.yaml)
  --debug            Enable debug logging (per-product rebuild progress, request details)
  --mock             Use the deterministic mock embedder instead of the ONNX model

Search Flags:
  --server string    Server URL (default: http://localhost:8001)
  --output string    Output format: text or json (default: text)

Rebuild Flags:
  --server string    Server URL (default: http://localhost:8001)

Status Flags:
  --config string    Config file path (for direct mode)
  --server string    Server URL (default: http://localhost:8001). Use empty (--server "") to inspect the persisted index directly.
  --output string    Output format: text or json (default: text)

Examples:
  miru server
  miru server --mock --debug
  miru search query.jpg
  miru search --output json query.jpg
  miru rebuild
  miru status
  miru status --server "" --config ./config.yaml`)
}
