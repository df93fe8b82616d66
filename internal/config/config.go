// Package config provides configuration loading and structs for the plasmarag server.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the application.
type Config struct {
	Debug     bool            `yaml:"debug"`
	Server    ServerConfig    `yaml:"server"`
	Storage   StorageConfig   `yaml:"storage"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Inference InferenceConfig `yaml:"inference"`
	Retrieval RetrievalConfig `yaml:"retrieval"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// StorageConfig holds paths for the database, the vector index files, and the
// lock file guarding them. LockPath defaults to DatabasePath + ".lock".
type StorageConfig struct {
	DatabasePath    string `yaml:"database_path"`
	PaperIndexPath  string `yaml:"paper_index_path"`
	ForceIndexPath  string `yaml:"force_index_path"`
	LockPath        string `yaml:"lock_path"`
	LockTimeoutSecs int    `yaml:"lock_timeout_secs"`
}

// LockTimeout returns the lock acquisition timeout as a duration.
func (s *StorageConfig) LockTimeout() time.Duration {
	return time.Duration(s.LockTimeoutSecs) * time.Second
}

// EmbeddingConfig holds settings for the external embedding service.
// The endpoint is OpenAI-compatible (/embeddings).
type EmbeddingConfig struct {
	APIKey     string `yaml:"api_key"`
	BaseURL    string `yaml:"base_url"`
	Model      string `yaml:"model"`
	Dimensions int    `yaml:"dimensions"`
}

// InferenceConfig holds settings for the external text/vision inference service.
// The endpoint is OpenAI-compatible (/chat/completions).
type InferenceConfig struct {
	APIKey         string `yaml:"api_key"`
	BaseURL        string `yaml:"base_url"`
	ExtractModel   string `yaml:"extract_model"`
	FormatModel    string `yaml:"format_model"`
	VisionModel    string `yaml:"vision_model"`
	RecommendModel string `yaml:"recommend_model"`
	TimeoutSecs    int    `yaml:"timeout_secs"`
}

// Timeout returns the per-request inference timeout as a duration.
func (i *InferenceConfig) Timeout() time.Duration {
	return time.Duration(i.TimeoutSecs) * time.Second
}

// RetrievalConfig holds query-side settings.
type RetrievalConfig struct {
	DefaultTopK int `yaml:"default_top_k"`
	MaxTopK     int `yaml:"max_top_k"`
}

// Load reads and parses the config file at path, applies defaults, and expands
// storage paths. Returns an error if the file cannot be read or parsed.
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
	cfg.Storage.DatabasePath = expandPath(cfg.Storage.DatabasePath, configDir)
	cfg.Storage.PaperIndexPath = expandPath(cfg.Storage.PaperIndexPath, configDir)
	cfg.Storage.ForceIndexPath = expandPath(cfg.Storage.ForceIndexPath, configDir)
	if cfg.Storage.LockPath == "" {
		cfg.Storage.LockPath = cfg.Storage.DatabasePath + ".lock"
	} else {
		cfg.Storage.LockPath = expandPath(cfg.Storage.LockPath, configDir)
	}

	if cfg.Embedding.APIKey == "" {
		cfg.Embedding.APIKey = os.Getenv("PLASMARAG_API_KEY")
	}
	if cfg.Inference.APIKey == "" {
		cfg.Inference.APIKey = cfg.Embedding.APIKey
	}

	return &cfg, nil
}

// expandPath converts a path to absolute. Paths starting with "./" are relative
// to configDir; other relative paths are relative to the home directory.
func expandPath(path string, configDir string) string {
	if path == "" || filepath.IsAbs(path) {
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
