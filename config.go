package stitcher

import (
	"fmt"
	"os"

	"sigs.k8s.io/yaml"
)

// Config carries the pipeline settings that used to live in a shared
// configuration singleton. It is passed by value into constructors.
type Config struct {
	// DataDir is the local scratch root for per-unit working directories.
	DataDir string `json:"dataDir"`
	// LoggingDir receives log files when file logging is enabled.
	LoggingDir string `json:"loggingDir"`
	// SourceBucket holds the raw downloaded tiles, keyed <project>/<date>/<file>.
	SourceBucket string `json:"sourceBucket"`
	// DestBucket receives the derived artifacts under the same key layout.
	DestBucket string `json:"destBucket"`
	// WorkerPoolSize bounds concurrent batch units.
	WorkerPoolSize int `json:"workerPoolSize"`
	// TargetCRS is the common CRS every tile is normalized to before merging.
	TargetCRS string `json:"targetCRS"`
}

func DefaultConfig() Config {
	return Config{
		DataDir:        "data",
		LoggingDir:     "logs",
		WorkerPoolSize: 5,
		TargetCRS:      "EPSG:3857",
	}
}

// LoadConfig reads a YAML config file over the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.TargetCRS == "" {
		return fmt.Errorf("targetCRS must be set")
	}
	if c.WorkerPoolSize < 1 {
		return fmt.Errorf("workerPoolSize must be >=1, got %d", c.WorkerPoolSize)
	}
	if c.DataDir == "" {
		return fmt.Errorf("dataDir must be set")
	}
	return nil
}
