package config

// Default values applied when fields are unset in the config file.
const (
	DefaultHost            = "127.0.0.1"
	DefaultPort            = 8900
	DefaultDatabasePath    = "./plasma_knowledge.db"
	DefaultPaperIndexPath  = "./paper_vectors.idx"
	DefaultForceIndexPath  = "./force_vectors.idx"
	DefaultLockTimeoutSecs = 10
	DefaultDimensions      = 1536
	DefaultEmbedModel      = "text-embedding-v2"
	DefaultExtractModel    = "qwen-long"
	DefaultFormatModel     = "qwen-plus"
	DefaultVisionModel     = "qwen-vl-max"
	DefaultInferTimeout    = 120
	DefaultTopK            = 2
	DefaultMaxTopK         = 50
)

// ApplyDefaults fills unset fields with default values.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = DefaultHost
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = DefaultPort
	}
	if cfg.Storage.DatabasePath == "" {
		cfg.Storage.DatabasePath = DefaultDatabasePath
	}
	if cfg.Storage.PaperIndexPath == "" {
		cfg.Storage.PaperIndexPath = DefaultPaperIndexPath
	}
	if cfg.Storage.ForceIndexPath == "" {
		cfg.Storage.ForceIndexPath = DefaultForceIndexPath
	}
	if cfg.Storage.LockTimeoutSecs == 0 {
		cfg.Storage.LockTimeoutSecs = DefaultLockTimeoutSecs
	}
	if cfg.Embedding.Dimensions == 0 {
		cfg.Embedding.Dimensions = DefaultDimensions
	}
	if cfg.Embedding.Model == "" {
		cfg.Embedding.Model = DefaultEmbedModel
	}
	if cfg.Inference.ExtractModel == "" {
		cfg.Inference.ExtractModel = DefaultExtractModel
	}
	if cfg.Inference.FormatModel == "" {
		cfg.Inference.FormatModel = DefaultFormatModel
	}
	if cfg.Inference.VisionModel == "" {
		cfg.Inference.VisionModel = DefaultVisionModel
	}
	if cfg.Inference.RecommendModel == "" {
		cfg.Inference.RecommendModel = cfg.Inference.ExtractModel
	}
	if cfg.Inference.TimeoutSecs == 0 {
		cfg.Inference.TimeoutSecs = DefaultInferTimeout
	}
	if cfg.Retrieval.DefaultTopK == 0 {
		cfg.Retrieval.DefaultTopK = DefaultTopK
	}
	if cfg.Retrieval.MaxTopK == 0 {
		cfg.Retrieval.MaxTopK = DefaultMaxTopK
	}
}
