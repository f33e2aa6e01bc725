package config

import (
	"time"

	"github.com/vietddude/controltower/internal/core/domain"
	"github.com/vietddude/controltower/internal/delivery/machine"
	redisclient "github.com/vietddude/controltower/internal/infra/redis"
	"github.com/vietddude/controltower/internal/infra/rpc"
	"github.com/vietddude/controltower/internal/infra/storage/postgres"
	"github.com/vietddude/controltower/internal/tcc"
)

// AppConfig represents the top-level configuration.
type AppConfig struct {
	Server       ServerConfig         `yaml:"server"`
	Logging      LoggingConfig        `yaml:"logging"`
	Database     postgres.Config      `yaml:"database"`
	Redis        redisclient.Config   `yaml:"redis"`
	Engine       EngineConfig         `yaml:"engine"`
	TCC          tcc.Config           `yaml:"tcc"`
	Governance   GovernanceConfig     `yaml:"governance"`
	Archive      ArchiveConfig        `yaml:"archive"`
	Mapper       MapperConfig         `yaml:"mapper"`
	Breaker      rpc.BreakerConfig    `yaml:"breaker"`
	Integrations []domain.Integration `yaml:"integrations"`
	Flows        []domain.Flow        `yaml:"flows"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// EngineConfig sizes the delivery engine.
type EngineConfig struct {
	machine.Config `yaml:",inline"`

	Workers       int           `yaml:"workers"`
	QueueSize     int           `yaml:"queue_size"`
	SweepInterval time.Duration `yaml:"sweep_interval"` // callback expiry check
	DedupCapacity int           `yaml:"dedup_capacity"`
	DedupTTL      time.Duration `yaml:"dedup_ttl"`
}

// GovernanceConfig points at the rule file loaded on startup.
type GovernanceConfig struct {
	RulesFile string `yaml:"rules_file"`
}

// ArchiveConfig controls hand-off of terminal messages out of the hot store.
type ArchiveConfig struct {
	Retention time.Duration `yaml:"retention"` // 0 = keep forever
	Interval  time.Duration `yaml:"interval"`
	BatchSize int           `yaml:"batch_size"`
	// SinkTTL bounds how long the Redis sink keeps archived messages.
	SinkTTL time.Duration `yaml:"sink_ttl"`
}

// MapperConfig locates the external mapping service. Empty URL passes
// payloads through unchanged.
type MapperConfig struct {
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
}
