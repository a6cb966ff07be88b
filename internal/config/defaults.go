package config

// ApplyDefaults sets default values for any zero values in cfg.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8001
	}
	if cfg.Server.AllowedOrigins == nil {
		cfg.Server.AllowedOrigins = []string{
			"http://localhost:3000",
			"http://localhost:3001",
		}
	}
	if cfg.Catalog.Driver == "" {
		cfg.Catalog.Driver = "sqlite3"
	}
	if cfg.Catalog.DSN == "" {
		cfg.Catalog.DSN = "/usr/local/var/miru/data/db/catalog.db"
	}
	if cfg.Storage.IndexPath == "" {
		cfg.Storage.IndexPath = "/usr/local/var/miru/data/indices/visual"
	}
	if cfg.Embedding.ModelPath == "" {
		cfg.Embedding.ModelPath = "/usr/local/var/miru/data/models/clip-vit-base-patch32-visual.onnx"
	}
	if cfg.Embedding.ModelName == "" {
		cfg.Embedding.ModelName = "clip-vit-base-patch32"
	}
	if cfg.Embedding.Dimensions == 0 {
		cfg.Embedding.Dimensions = 512
	}
	if cfg.Embedding.CacheSize == 0 {
		cfg.Embedding.CacheSize = 1024
	}
	if cfg.Search.DefaultK == 0 {
		cfg.Search.DefaultK = 10
	}
	if cfg.Search.MaxUploadBytes == 0 {
		cfg.Search.MaxUploadBytes = 10 << 20
	}
	if cfg.Search.MaxImageEdge == 0 {
		cfg.Search.MaxImageEdge = 1024
	}
	if cfg.Fetch.TimeoutSeconds == 0 {
		cfg.Fetch.TimeoutSeconds = 10
	}
}
