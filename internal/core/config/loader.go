package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/vietddude/controltower/internal/dedup"
	"github.com/vietddude/controltower/internal/delivery/machine"
	"github.com/vietddude/controltower/internal/infra/rpc"
	"github.com/vietddude/controltower/internal/tcc"
)

// Load reads configuration from a YAML file.
func Load(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML configuration, expanding environment variables and
// filling defaults.
func Parse(data []byte) (*AppConfig, error) {
	cfg := Default()
	// Expand environment variables in the YAML content
	expandedData := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expandedData), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	applyDefaults(cfg)
	return cfg, nil
}

// Default returns the configuration used for keys the file leaves out.
func Default() *AppConfig {
	return &AppConfig{
		Server:  ServerConfig{Port: 8080},
		Logging: LoggingConfig{Level: "info", Format: "text"},
		Engine: EngineConfig{
			Config:        machine.DefaultConfig(),
			Workers:       8,
			QueueSize:     1024,
			SweepInterval: 30 * time.Second,
			DedupCapacity: dedup.DefaultCapacity,
			DedupTTL:      dedup.DefaultTTL,
		},
		TCC:     tcc.DefaultConfig(),
		Archive: ArchiveConfig{Interval: 10 * time.Minute, BatchSize: 500, SinkTTL: 7 * 24 * time.Hour},
		Mapper:  MapperConfig{Timeout: 10 * time.Second},
		Breaker: rpc.DefaultBreakerConfig(),
	}
}

// applyDefaults repairs zero values written explicitly in the file.
func applyDefaults(cfg *AppConfig) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Engine.Workers <= 0 {
		cfg.Engine.Workers = 8
	}
	if cfg.Engine.QueueSize <= 0 {
		cfg.Engine.QueueSize = 1024
	}
	if cfg.Engine.SweepInterval <= 0 {
		cfg.Engine.SweepInterval = 30 * time.Second
	}
	if cfg.Engine.DedupCapacity <= 0 {
		cfg.Engine.DedupCapacity = dedup.DefaultCapacity
	}
	if cfg.Engine.DedupTTL <= 0 {
		cfg.Engine.DedupTTL = dedup.DefaultTTL
	}
	if cfg.Archive.Interval <= 0 {
		cfg.Archive.Interval = 10 * time.Minute
	}
	if cfg.Archive.BatchSize <= 0 {
		cfg.Archive.BatchSize = 500
	}
	if cfg.Mapper.Timeout <= 0 {
		cfg.Mapper.Timeout = 10 * time.Second
	}
}
