package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/openmined/splitsync/internal/store"
	"github.com/openmined/splitsync/internal/syncer"
	"github.com/spf13/viper"
	"github.com/ulule/limiter/v3"
)

// ValidationError holds every problem found in a configuration.
type ValidationError struct {
	Errors []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed:\n  - %s", strings.Join(e.Errors, "\n  - "))
}

// SearchPaths lists where a config file is looked up when none is given.
func SearchPaths() []string {
	paths := []string{"."}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "splitsync"))
	}
	return paths
}

// SetDefaults registers every key with its default value, which also makes the
// keys visible to environment lookups during Unmarshal.
func SetDefaults(v *viper.Viper) {
	d := Default()
	defaults := map[string]any{
		"splits":                         d.Splits,
		"direction":                      d.Direction,
		"extensions":                     d.Extensions,
		"exclude":                        d.Exclude,
		"ignore":                         d.Ignore,
		"parallelism":                    d.Parallelism,
		"split_parallelism":              d.SplitParallelism,
		"operation_timeout":              d.OperationTimeout,
		"timestamp_tolerance":            d.TimestampTolerance,
		"tie_break":                      d.TieBreak,
		"prune":                          d.Prune,
		"retry.base_delay":               d.Retry.BaseDelay,
		"retry.multiplier":               d.Retry.Multiplier,
		"retry.max_attempts":             d.Retry.MaxAttempts,
		"retry.max_delay":                d.Retry.MaxDelay,
		"retry.quota_factor":             d.Retry.QuotaFactor,
		"retry.jitter":                   d.Retry.Jitter,
		"local.root":                     d.Local.Root,
		"remote.type":                    d.Remote.Type,
		"remote.rate":                    d.Remote.Rate,
		"remote.timeout":                 d.Remote.Timeout,
		"remote.sharepoint.site_url":     "",
		"remote.sharepoint.folder":       "",
		"remote.sharepoint.access_token": "",
		"remote.s3.bucket":               "",
		"remote.s3.prefix":               "",
		"remote.s3.region":               "",
		"remote.s3.endpoint":             "",
		"remote.s3.access_key":           "",
		"remote.s3.secret_key":           "",
		"remote.s3.use_accelerate":       false,
		"project.api_url":                d.Project.APIURL,
		"project.workspace":              "",
		"project.project":                "",
		"project.api_key":                "",
		"project.rate":                   d.Project.Rate,
		"project.timeout":                d.Project.Timeout,
		"history.enabled":                d.History.Enabled,
		"history.path":                   "",
		"watch.debounce":                 d.Watch.Debounce,
		"log.file":                       "",
		"log.level":                      d.Log.Level,
		"log.max_size_mb":                d.Log.MaxSizeMB,
		"log.max_backups":                d.Log.MaxBackups,
	}
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
}

// ReadFile reads path into v, or searches SearchPaths when path is empty. A
// missing file is not an error when searching.
func ReadFile(v *viper.Viper, path string) error {
	if path != "" {
		v.SetConfigFile(path)
	} else {
		for _, dir := range SearchPaths() {
			v.AddConfigPath(dir)
		}
		v.SetConfigName(strings.TrimSuffix(DefaultFileName, filepath.Ext(DefaultFileName)))
		v.SetConfigType("yaml")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path == "" && errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("config read '%s': %w", path, err)
	}
	return nil
}

// Load decodes v into a validated Config.
func Load(v *viper.Viper) (*Config, error) {
	cfg := Default()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.Path = v.ConfigFileUsed()
	cfg.resolvePaths()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks every field and returns a *ValidationError listing all
// problems, or nil.
func (c *Config) Validate() error {
	var errs []string
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Sprintf(format, args...))
	}

	for _, s := range c.Splits {
		if _, err := store.ParseSplit(s); err != nil {
			add("splits: %v", err)
		}
	}

	dir, err := syncer.ParseDirection(c.Direction)
	if err != nil {
		add("direction: %v", err)
	}
	if c.Prune && err == nil && dir == syncer.DirectionBoth {
		add("prune: requires direction to-local or to-remote")
	}

	for _, ext := range c.Extensions {
		if strings.ContainsAny(ext, "/\\*") {
			add("extensions: invalid extension %q", ext)
		}
	}

	if c.Parallelism < 1 {
		add("parallelism: must be at least 1, got %d", c.Parallelism)
	}
	if c.SplitParallelism < 1 || c.SplitParallelism > len(store.AllSplits) {
		add("split_parallelism: must be between 1 and %d, got %d", len(store.AllSplits), c.SplitParallelism)
	}
	if c.OperationTimeout <= 0 {
		add("operation_timeout: must be positive")
	}
	if c.TimestampTolerance < 0 {
		add("timestamp_tolerance: must not be negative")
	}

	switch tb := c.TieBreakStore(); {
	case tb == "":
	case !tb.Valid():
		add("tie_break: unknown value %q (expected skip, local, remote or project)", c.TieBreak)
	case tb == store.Remote && !c.Remote.Enabled(), tb == store.Project && !c.Project.Enabled():
		add("tie_break: store %s is not configured", tb)
	}

	if c.Retry.MaxAttempts < 1 {
		add("retry.max_attempts: must be at least 1")
	}
	if c.Retry.BaseDelay <= 0 {
		add("retry.base_delay: must be positive")
	}
	if c.Retry.MaxDelay < c.Retry.BaseDelay {
		add("retry.max_delay: must not be below retry.base_delay")
	}
	if c.Retry.Multiplier < 1 {
		add("retry.multiplier: must be at least 1")
	}
	if c.Retry.QuotaFactor < 1 {
		add("retry.quota_factor: must be at least 1")
	}
	if c.Retry.Jitter < 0 || c.Retry.Jitter >= 1 {
		add("retry.jitter: must be in [0, 1)")
	}

	if c.Local.Root == "" {
		add("local.root: is required")
	}

	errs = append(errs, c.validateRemote()...)
	errs = append(errs, c.validateProject()...)

	if !c.Remote.Enabled() && !c.Project.Enabled() {
		add("at least one of remote or project must be configured next to local")
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		add("log.level: unknown level %q (expected debug, info, warn or error)", c.Log.Level)
	}

	if len(errs) > 0 {
		return &ValidationError{Errors: errs}
	}
	return nil
}

func (c *Config) validateRemote() []string {
	var errs []string
	r := c.Remote

	switch r.Type {
	case "":
		return nil
	case RemoteSharePoint:
		if !validURL(r.SharePoint.SiteURL) {
			errs = append(errs, fmt.Sprintf("remote.sharepoint.site_url: invalid url %q", r.SharePoint.SiteURL))
		}
		if r.SharePoint.Folder == "" {
			errs = append(errs, "remote.sharepoint.folder: is required")
		}
		if r.SharePoint.AccessToken == "" {
			errs = append(errs, "remote.sharepoint.access_token: is required")
		}
	case RemoteS3:
		if r.S3.Bucket == "" {
			errs = append(errs, "remote.s3.bucket: is required")
		}
		if r.S3.Region == "" {
			errs = append(errs, "remote.s3.region: is required")
		}
		if (r.S3.AccessKey == "") != (r.S3.SecretKey == "") {
			errs = append(errs, "remote.s3: access_key and secret_key must be set together")
		}
		if r.S3.Endpoint != "" && !validURL(r.S3.Endpoint) {
			errs = append(errs, fmt.Sprintf("remote.s3.endpoint: invalid url %q", r.S3.Endpoint))
		}
	default:
		errs = append(errs, fmt.Sprintf("remote.type: unknown type %q (expected sharepoint, s3 or empty)", r.Type))
	}

	if err := validRate(r.Rate); err != nil {
		errs = append(errs, "remote.rate: "+err.Error())
	}
	return errs
}

func (c *Config) validateProject() []string {
	p := c.Project
	if !p.Enabled() {
		return nil
	}

	var errs []string
	if p.Workspace == "" {
		errs = append(errs, "project.workspace: is required")
	}
	if p.APIKey == "" {
		errs = append(errs, "project.api_key: is required")
	}
	if p.APIURL != "" && !validURL(p.APIURL) {
		errs = append(errs, fmt.Sprintf("project.api_url: invalid url %q", p.APIURL))
	}
	if err := validRate(p.Rate); err != nil {
		errs = append(errs, "project.rate: "+err.Error())
	}
	return errs
}

func validURL(s string) bool {
	u, err := url.Parse(s)
	return err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

func validRate(rate string) error {
	if rate == "" {
		return nil
	}
	_, err := limiter.NewRateFromFormatted(rate)
	return err
}
