// Package config holds the splitsync settings read from YAML, environment and flags.
package config

import (
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/openmined/splitsync/internal/index"
	"github.com/openmined/splitsync/internal/store"
	"github.com/openmined/splitsync/internal/syncer"
	"github.com/openmined/splitsync/internal/utils"
)

const (
	RemoteSharePoint = "sharepoint"
	RemoteS3         = "s3"

	TieBreakSkip = "skip"

	DefaultFileName = "splitsync.yaml"
	EnvPrefix       = "SPLITSYNC"
)

type Config struct {
	Splits             []string      `mapstructure:"splits" yaml:"splits"`
	Direction          string        `mapstructure:"direction" yaml:"direction"`
	Extensions         []string      `mapstructure:"extensions" yaml:"extensions"`
	Exclude            []string      `mapstructure:"exclude" yaml:"exclude"`
	Ignore             []string      `mapstructure:"ignore" yaml:"ignore"`
	Parallelism        int           `mapstructure:"parallelism" yaml:"parallelism"`
	SplitParallelism   int           `mapstructure:"split_parallelism" yaml:"split_parallelism"`
	OperationTimeout   time.Duration `mapstructure:"operation_timeout" yaml:"operation_timeout"`
	TimestampTolerance time.Duration `mapstructure:"timestamp_tolerance" yaml:"timestamp_tolerance"`
	TieBreak           string        `mapstructure:"tie_break" yaml:"tie_break"`
	Prune              bool          `mapstructure:"prune" yaml:"prune"`
	Retry              RetryConfig   `mapstructure:"retry" yaml:"retry"`
	Local              LocalConfig   `mapstructure:"local" yaml:"local"`
	Remote             RemoteConfig  `mapstructure:"remote" yaml:"remote"`
	Project            ProjectConfig `mapstructure:"project" yaml:"project"`
	History            HistoryConfig `mapstructure:"history" yaml:"history"`
	Watch              WatchConfig   `mapstructure:"watch" yaml:"watch"`
	Log                LogConfig     `mapstructure:"log" yaml:"log"`

	// Path is the config file the values were read from, empty when none.
	Path string `mapstructure:"-" yaml:"-"`
}

type RetryConfig struct {
	BaseDelay   time.Duration `mapstructure:"base_delay" yaml:"base_delay"`
	Multiplier  float64       `mapstructure:"multiplier" yaml:"multiplier"`
	MaxAttempts int           `mapstructure:"max_attempts" yaml:"max_attempts"`
	MaxDelay    time.Duration `mapstructure:"max_delay" yaml:"max_delay"`
	QuotaFactor float64       `mapstructure:"quota_factor" yaml:"quota_factor"`
	Jitter      float64       `mapstructure:"jitter" yaml:"jitter"`
}

type LocalConfig struct {
	Root string `mapstructure:"root" yaml:"root"`
}

type RemoteConfig struct {
	// Type selects the backend: sharepoint, s3 or empty to disable the remote.
	Type       string           `mapstructure:"type" yaml:"type"`
	Rate       string           `mapstructure:"rate" yaml:"rate"`
	Timeout    time.Duration    `mapstructure:"timeout" yaml:"timeout"`
	SharePoint SharePointConfig `mapstructure:"sharepoint" yaml:"sharepoint"`
	S3         S3Config         `mapstructure:"s3" yaml:"s3"`
}

func (c RemoteConfig) Enabled() bool {
	return c.Type != ""
}

type SharePointConfig struct {
	SiteURL     string `mapstructure:"site_url" yaml:"site_url"`
	Folder      string `mapstructure:"folder" yaml:"folder"`
	AccessToken string `mapstructure:"access_token" yaml:"access_token"`
}

type S3Config struct {
	Bucket        string `mapstructure:"bucket" yaml:"bucket"`
	Prefix        string `mapstructure:"prefix" yaml:"prefix"`
	Region        string `mapstructure:"region" yaml:"region"`
	Endpoint      string `mapstructure:"endpoint" yaml:"endpoint"`
	AccessKey     string `mapstructure:"access_key" yaml:"access_key"`
	SecretKey     string `mapstructure:"secret_key" yaml:"secret_key"`
	UseAccelerate bool   `mapstructure:"use_accelerate" yaml:"use_accelerate"`
}

type ProjectConfig struct {
	APIURL    string        `mapstructure:"api_url" yaml:"api_url"`
	Workspace string        `mapstructure:"workspace" yaml:"workspace"`
	Project   string        `mapstructure:"project" yaml:"project"`
	APIKey    string        `mapstructure:"api_key" yaml:"api_key"`
	Rate      string        `mapstructure:"rate" yaml:"rate"`
	Timeout   time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// Enabled reports whether the annotation project takes part in runs.
func (c ProjectConfig) Enabled() bool {
	return c.Project != ""
}

type HistoryConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
	// Path defaults to <local.root>/.splitsync/history.db
	Path string `mapstructure:"path" yaml:"path"`
}

type WatchConfig struct {
	Debounce time.Duration `mapstructure:"debounce" yaml:"debounce"`
}

type LogConfig struct {
	File       string `mapstructure:"file" yaml:"file"`
	Level      string `mapstructure:"level" yaml:"level"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
}

// Default returns the configuration used for keys that are not set anywhere.
func Default() *Config {
	retry := syncer.DefaultRetryPolicy()
	return &Config{
		Splits:             []string{string(store.Train), string(store.Valid), string(store.Test)},
		Direction:          string(syncer.DirectionBoth),
		Extensions:         append([]string{}, index.DefaultExtensions...),
		Exclude:            []string{},
		Ignore:             []string{},
		Parallelism:        syncer.DefaultParallelism,
		SplitParallelism:   1,
		OperationTimeout:   syncer.DefaultOperationTimeout,
		TimestampTolerance: syncer.DefaultTimestampTolerance,
		TieBreak:           TieBreakSkip,
		Retry: RetryConfig{
			BaseDelay:   retry.BaseDelay,
			Multiplier:  retry.Multiplier,
			MaxAttempts: retry.MaxAttempts,
			MaxDelay:    retry.MaxDelay,
			QuotaFactor: retry.QuotaFactor,
			Jitter:      retry.Jitter,
		},
		Local: LocalConfig{Root: "./dataset"},
		Remote: RemoteConfig{
			Type:    RemoteSharePoint,
			Rate:    "10-S",
			Timeout: time.Minute,
		},
		Project: ProjectConfig{
			APIURL:  "https://api.roboflow.com",
			Rate:    "5-S",
			Timeout: time.Minute,
		},
		History: HistoryConfig{Enabled: true},
		Watch:   WatchConfig{Debounce: 3 * time.Second},
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  10,
			MaxBackups: 3,
		},
	}
}

// SplitIDs returns the configured splits without duplicates, in the order
// given. Invalid names are dropped; Validate reports them.
func (c *Config) SplitIDs() []store.SplitID {
	seen := mapset.NewThreadUnsafeSet[store.SplitID]()
	splits := make([]store.SplitID, 0, len(c.Splits))
	for _, s := range c.Splits {
		split, err := store.ParseSplit(s)
		if err != nil || !seen.Add(split) {
			continue
		}
		splits = append(splits, split)
	}
	if len(splits) == 0 {
		return store.AllSplits
	}
	return splits
}

func (c *Config) TieBreakStore() store.StoreID {
	tb := strings.ToLower(strings.TrimSpace(c.TieBreak))
	if tb == "" || tb == TieBreakSkip {
		return ""
	}
	return store.StoreID(tb)
}

func (c *Config) RetryPolicy() syncer.RetryPolicy {
	return syncer.RetryPolicy{
		BaseDelay:   c.Retry.BaseDelay,
		Multiplier:  c.Retry.Multiplier,
		MaxDelay:    c.Retry.MaxDelay,
		MaxAttempts: c.Retry.MaxAttempts,
		QuotaFactor: c.Retry.QuotaFactor,
		Jitter:      c.Retry.Jitter,
	}
}

func (c *Config) IndexOptions() index.Options {
	return index.Options{
		Extensions: c.Extensions,
		Exclude:    c.Exclude,
		Ignore:     c.Ignore,
	}
}

// SyncOptions maps the config onto orchestrator options. The config must be valid.
func (c *Config) SyncOptions() syncer.Options {
	dir, _ := syncer.ParseDirection(c.Direction)
	return syncer.Options{
		Splits:           c.SplitIDs(),
		Direction:        dir,
		Prune:            c.Prune,
		Parallelism:      c.Parallelism,
		SplitParallelism: c.SplitParallelism,
		OperationTimeout: c.OperationTimeout,
		Diff: syncer.DiffOptions{
			Tolerance: c.TimestampTolerance,
			TieBreak:  c.TieBreakStore(),
		},
	}
}

// HistoryPath is empty when history is disabled.
func (c *Config) HistoryPath() string {
	if !c.History.Enabled {
		return ""
	}
	if c.History.Path != "" {
		return c.History.Path
	}
	return syncer.DefaultHistoryPath(c.Local.Root)
}

func (c *Config) LogLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return slog.LevelInfo
	}
	return level
}

// resolvePaths makes relative paths relative to the config file's folder.
func (c *Config) resolvePaths() {
	base := "."
	if c.Path != "" {
		base = filepath.Dir(c.Path)
	}
	abs := func(p string) string {
		if p == "" {
			return p
		}
		if !filepath.IsAbs(p) && !strings.HasPrefix(p, "~") {
			p = filepath.Join(base, p)
		}
		if resolved, err := utils.ResolvePath(p); err == nil {
			return resolved
		}
		return p
	}
	c.Local.Root = abs(c.Local.Root)
	c.History.Path = abs(c.History.Path)
	c.Log.File = abs(c.Log.File)
}
