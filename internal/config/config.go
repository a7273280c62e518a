package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/driftbox/driftbox/internal/backup"
	"github.com/driftbox/driftbox/internal/codec"
	"github.com/driftbox/driftbox/internal/remote"
	"github.com/driftbox/driftbox/internal/sync"
	"github.com/driftbox/driftbox/internal/utils"
)

var (
	home, _           = os.UserHomeDir()
	DefaultConfigPath = filepath.Join(home, ".driftbox", "config.json")
	DefaultDataDir    = filepath.Join(home, "Driftbox")
	DefaultLogPath    = filepath.Join(home, ".driftbox", "logs", "driftbox.log")
)

// S3 holds the remote store connection settings.
type S3 struct {
	Bucket    string `json:"bucket"`
	Region    string `json:"region"`
	Endpoint  string `json:"endpoint,omitempty"`
	AccessKey string `json:"access_key"`
	SecretKey string `json:"secret_key"`
	Prefix    string `json:"prefix,omitempty"`
}

// Sync holds the per-run defaults; flags override them.
type Sync struct {
	Mode            string `json:"mode"`
	ConflictPolicy  string `json:"conflict_policy"`
	AllowDeletions  bool   `json:"allow_deletions"`
	VerifyChecksums bool   `json:"verify_checksums"`
	UseCache        bool   `json:"use_cache"`
	MaxItems        int    `json:"max_items,omitempty"`
}

// Backup holds archive creation defaults.
type Backup struct {
	OutputDir     string `json:"output_dir,omitempty"`
	Encryption    string `json:"encryption"`
	Checksums     bool   `json:"checksums"`
	KeepSnapshots int    `json:"keep_snapshots"`
}

// RateLimit tunes the preemptive request governor.
type RateLimit struct {
	PerSecond int  `json:"per_second,omitempty"`
	PerMinute int  `json:"per_minute,omitempty"`
	FailFast  bool `json:"fail_fast"`
}

type Config struct {
	DataDir   string    `json:"data_dir"`
	RootLabel string    `json:"root_label"`
	S3        S3        `json:"s3"`
	Sync      Sync      `json:"sync"`
	Backup    Backup    `json:"backup"`
	RateLimit RateLimit `json:"rate_limit"`
	// RulesFile points to an optional YAML filter-rules file applied to
	// both sync and backup.
	RulesFile string `json:"rules_file,omitempty"`
	Path      string `json:"-"`
}

// Default returns a config with every field a fresh install would get.
func Default() *Config {
	return &Config{
		DataDir:   DefaultDataDir,
		RootLabel: "driftbox",
		Sync: Sync{
			Mode:           string(sync.ModeBidirectional),
			ConflictPolicy: string(sync.PolicyNewerWins),
			UseCache:       true,
		},
		Backup: Backup{
			Encryption:    string(backup.EncryptionNone),
			Checksums:     true,
			KeepSnapshots: 3,
		},
	}
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := Default()
	if err := codec.JSONUnmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %q: %w", path, err)
	}
	cfg.Path = path
	return cfg, nil
}

func (c *Config) Save(path string) error {
	data, err := codec.JSONMarshal(c)
	if err != nil {
		return err
	}
	if err := utils.WriteFileAtomic(path, data, 0o600); err != nil {
		return err
	}
	c.Path = path
	return nil
}

func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("config: data_dir is required")
	}
	if c.RootLabel == "" {
		return fmt.Errorf("config: root_label is required")
	}
	if c.S3.Bucket == "" {
		return fmt.Errorf("config: s3.bucket is required")
	}
	if !sync.Mode(c.Sync.Mode).IsValid() {
		return fmt.Errorf("config: invalid sync mode %q", c.Sync.Mode)
	}
	return nil
}

// S3Config maps the stored settings onto the remote store's config.
func (c *Config) S3Config() remote.S3Config {
	return remote.S3Config{
		BucketName: c.S3.Bucket,
		Region:     c.S3.Region,
		Endpoint:   c.S3.Endpoint,
		AccessKey:  c.S3.AccessKey,
		SecretKey:  c.S3.SecretKey,
		Prefix:     c.S3.Prefix,
	}
}

// stateDir holds the engine's durable files, outside the synced tree.
func (c *Config) stateDir() string {
	return filepath.Join(home, ".driftbox", "state")
}

func (c *Config) LedgerPath() string {
	return filepath.Join(c.stateDir(), "ledger.db")
}

func (c *Config) HashCachePath() string {
	return filepath.Join(c.stateDir(), "hashcache.db")
}

func (c *Config) LockPath() string {
	return filepath.Join(c.stateDir(), "sync.lock")
}
