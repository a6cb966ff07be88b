// Package config provides configuration loading and structs for the Miru server.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the application.
type Config struct {
	Debug     bool            `yaml:"debug"`
	Server    ServerConfig    `yaml:"server"`
	Catalog   CatalogConfig   `yaml:"catalog"`
	Storage   StorageConfig   `yaml:"storage"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Search    SearchConfig    `yaml:"search"`
	Fetch     FetchConfig     `yaml:"fetch"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host           string   `yaml:"host"`
	Port           int      `yaml:"port"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// CatalogConfig holds the product catalog database connection.
// Driver is "mysql" for the production store or "sqlite3" for local development.
type CatalogConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// StorageConfig holds the persisted vector index location.
type StorageConfig struct {
	IndexPath string `yaml:"index_path"`
}

// EmbeddingConfig holds ONNX image encoder settings.
type EmbeddingConfig struct {
	ModelPath  string `yaml:"model_path"`
	ModelName  string `yaml:"model_name"`
	Dimensions int    `yaml:"dimensions"`
	CacheSize  int    `yaml:"cache_size"`
	UseMock    bool   `yaml:"use_mock"`
}

// SearchConfig holds visual search request settings.
type SearchConfig struct {
	DefaultK       int   `yaml:"default_k"`
	MaxUploadBytes int64 `yaml:"max_upload_bytes"`
	MaxImageEdge   int   `yaml:"max_image_edge"`
}

// FetchConfig holds catalog image download settings.
type FetchConfig struct {
	TimeoutSeconds int `yaml:"timeout_seconds"`
}

// Load reads and parses the config file at path, expands paths, and applies defaults.
// Returns an error if the file cannot be read or parsed.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	ApplyDefaults(&cfg)

	configDir := filepath.Dir(path)
	cfg.Storage.IndexPath = expandPath(cfg.Storage.IndexPath, configDir)
	cfg.Embedding.ModelPath = expandPath(cfg.Embedding.ModelPath, configDir)
	// A MySQL DSN is not a filesystem path; only expand for the sqlite driver.
	if cfg.Catalog.Driver == "sqlite3" {
		cfg.Catalog.DSN = expandPath(cfg.Catalog.DSN, configDir)
	}

	return &cfg, nil
}

// Save writes the config to path.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// expandPath converts a path to absolute. Paths starting with "./" are relative to configDir;
// other relative paths are relative to the home directory.
func expandPath(path string, configDir string) string {
	if filepath.IsAbs(path) {
		return path
	}
	if strings.HasPrefix(path, "./") || path == "." {
		return filepath.Join(configDir, path)
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, path)
	}
	return path
}
