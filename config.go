package main

import (
	"os"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v2"
)

const (
	EnginePebble   = "pebble"
	EngineBadger   = "badger"
	EngineSQLite   = "sqlite3"
	EnginePostgres = "postgres"
)

type Config struct {
	ListenAddr string        `yaml:"listen_addr"`
	NodeTag    string        `yaml:"node_tag"`
	LogLevel   string        `yaml:"log_level"`
	Storage    StorageConfig `yaml:"storage"`
}

type StorageConfig struct {
	Engine string `yaml:"engine"`
	// Path is the data directory of pebble and badger.
	Path string `yaml:"path"`
	// DSN is the connection string of the sql engines.
	DSN           string        `yaml:"dsn"`
	GroupCommit   *bool         `yaml:"group_commit"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	CacheSizeMB   int64         `yaml:"cache_size_mb"`
}

var (
	ErrNoListenAddr = errors.New("listen_addr is required")
	ErrNoNodeTag    = errors.New("node_tag is required")
	ErrNoDSN        = errors.New("storage.dsn is required for sql engines")
)

func LoadConfig(path string) (*Config, error) {
	yd, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read config %s", path)
	}
	var cfg Config
	if err := yaml.UnmarshalStrict(yd, &cfg); err != nil {
		return nil, errors.Wrapf(err, "parse config %s", path)
	}
	cfg.PopulateDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) PopulateDefaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = ":8080"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Storage.Engine == "" {
		c.Storage.Engine = EnginePebble
	}
	if c.Storage.Path == "" {
		c.Storage.Path = "data"
	}
	if c.Storage.GroupCommit == nil {
		on := true
		c.Storage.GroupCommit = &on
	}
	if c.Storage.FlushInterval == 0 {
		c.Storage.FlushInterval = 5 * time.Millisecond
	}
}

func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return ErrNoListenAddr
	}
	if c.NodeTag == "" {
		return ErrNoNodeTag
	}
	if _, err := zapcore.ParseLevel(c.LogLevel); err != nil {
		return errors.Wrap(err, "log_level")
	}
	switch c.Storage.Engine {
	case EnginePebble, EngineBadger:
	case EngineSQLite, EnginePostgres:
		if c.Storage.DSN == "" {
			return ErrNoDSN
		}
	default:
		return errors.Newf("unknown storage.engine %q", c.Storage.Engine)
	}
	if c.Storage.FlushInterval < 0 {
		return errors.New("storage.flush_interval must not be negative")
	}
	return nil
}

func NewLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}
