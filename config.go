package kvs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/BurntSushi/toml"
)

// Config is the file form of Options plus the backend selection.
type Config struct {
	Endpoint string `toml:"endpoint"`
	Strict   bool   `toml:"strict"`
	Verbose  bool   `toml:"verbose"`

	CacheSize          int64  `toml:"cache_size"`
	VersionstampWindow uint64 `toml:"versionstamp_window"`
	ScanPageSize       int    `toml:"scan_page_size"`

	ChangeFeed ChangeFeedConfig `toml:"change_feed"`
	Bolt       BoltOptions      `toml:"bolt"`
	Badger     BadgerOptions    `toml:"badger"`
}

type ChangeFeedConfig struct {
	Dir         string `toml:"dir"`
	Sync        bool   `toml:"sync"`
	SegmentSize int64  `toml:"segment_size"`
	History     int    `toml:"history"`
}

// LoadConfig reads a TOML config file. Unknown keys are an error.
func LoadConfig(path string) (Config, error) {
	var cfg Config
	meta, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("kvs: %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return Config{}, fmt.Errorf("kvs: %s: unknown config keys: %s", path, strings.Join(keys, ", "))
	}
	return cfg, nil
}

func (cfg *Config) Validate() error {
	var errs []error
	if _, err := ParseEndpoint(cfg.Endpoint); err != nil {
		errs = append(errs, err)
	}
	if cfg.CacheSize < 0 {
		errs = append(errs, fmt.Errorf("cache_size must not be negative, got %d", cfg.CacheSize))
	}
	if cfg.ScanPageSize < 0 {
		errs = append(errs, fmt.Errorf("scan_page_size must not be negative, got %d", cfg.ScanPageSize))
	}
	if cfg.ChangeFeed.SegmentSize < 0 {
		errs = append(errs, fmt.Errorf("change_feed.segment_size must not be negative, got %d", cfg.ChangeFeed.SegmentSize))
	}
	if cfg.ChangeFeed.History < 0 {
		errs = append(errs, fmt.Errorf("change_feed.history must not be negative, got %d", cfg.ChangeFeed.History))
	}
	if cfg.ChangeFeed.Sync && cfg.ChangeFeed.Dir == "" {
		errs = append(errs, errors.New("change_feed.sync needs change_feed.dir"))
	}
	return errors.Join(errs...)
}

func (cfg *Config) Options(logger *slog.Logger) Options {
	return Options{
		Logger:                logger,
		Verbose:               cfg.Verbose,
		Strict:                cfg.Strict,
		CacheSize:             cfg.CacheSize,
		VersionstampWindow:    cfg.VersionstampWindow,
		ScanPageSize:          cfg.ScanPageSize,
		ChangeFeedDir:         cfg.ChangeFeed.Dir,
		ChangeFeedSync:        cfg.ChangeFeed.Sync,
		ChangeFeedSegmentSize: cfg.ChangeFeed.SegmentSize,
		ChangeFeedHistory:     cfg.ChangeFeed.History,
	}
}

// Open validates cfg, opens its backend and starts a datastore over it.
func Open(ctx context.Context, cfg Config, logger *slog.Logger) (*Datastore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("kvs: invalid config: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	ep := must(ParseEndpoint(cfg.Endpoint))
	backend, err := OpenBackend(ep, cfg.Bolt, cfg.Badger, logger)
	if err != nil {
		return nil, err
	}
	db, err := NewDatastore(ctx, backend, cfg.Options(logger))
	if err != nil {
		backend.Close()
		return nil, err
	}
	return db, nil
}
