// Package config loads and validates crawler configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/civil"
	"github.com/spf13/viper"

	"github.com/JakeFAU/comics-crawler/internal/recipes"
)

// Storage backends.
const (
	BackendMemory = "memory"
	BackendLocal  = "local"
	BackendGCS    = "gcs"
)

// DefaultMaxBodyBytes is the fetch body cap used when http.max_body_bytes is zero.
const DefaultMaxBodyBytes = 20 * 1024 * 1024

// Config captures all configuration knobs loaded via Viper.
type Config struct {
	Logging    LoggingConfig    `mapstructure:"logging"`
	HTTP       HTTPConfig       `mapstructure:"http"`
	Aggregator AggregatorConfig `mapstructure:"aggregator"`
	Downloader DownloaderConfig `mapstructure:"downloader"`
	Storage    StorageConfig    `mapstructure:"storage"`
	DB         DBConfig         `mapstructure:"db"`
	PubSub     PubSubConfig     `mapstructure:"pubsub"`
	Server     ServerConfig     `mapstructure:"server"`
	Blacklist  BlacklistConfig  `mapstructure:"blacklist"`
	Comics     []ComicConfig    `mapstructure:"comics"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// HTTPConfig configures the outbound HTTP client.
type HTTPConfig struct {
	TimeoutSeconds   int             `mapstructure:"timeout_seconds"`
	MaxRetries       int             `mapstructure:"max_retries"`
	BackoffInitialMs int             `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs     int             `mapstructure:"backoff_max_ms"`
	UserAgent        string          `mapstructure:"user_agent"`
	MaxBodyBytes     int             `mapstructure:"max_body_bytes"`
	RateLimit        RateLimitConfig `mapstructure:"rate_limit"`
	// RespectRobots checks robots.txt before every fetch.
	RespectRobots bool `mapstructure:"respect_robots"`
	// BlockAfterForbidden stops fetching from a host after this many 403
	// responses; zero disables blocking.
	BlockAfterForbidden int `mapstructure:"block_after_forbidden"`
}

// RateLimitConfig sets the per-host token bucket.
type RateLimitConfig struct {
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	Burst             int     `mapstructure:"burst"`
}

// AggregatorConfig governs how work units are scheduled.
type AggregatorConfig struct {
	Concurrency        int `mapstructure:"concurrency"`
	QueueDepth         int `mapstructure:"queue_depth"`
	UnitTimeoutSeconds int `mapstructure:"unit_timeout_seconds"`
}

// DownloaderConfig bounds image ingestion.
type DownloaderConfig struct {
	MaxImageBytes int64 `mapstructure:"max_image_bytes"`
	MaxPixels     int64 `mapstructure:"max_pixels"`
}

// StorageConfig selects where image files are written.
type StorageConfig struct {
	Backend string `mapstructure:"backend"`
	BaseDir string `mapstructure:"base_dir"`
	Bucket  string `mapstructure:"bucket"`
	Prefix  string `mapstructure:"prefix"`
}

// DBConfig controls access to the relational database. An empty DSN selects
// the in-memory repository.
type DBConfig struct {
	DSN                    string `mapstructure:"dsn"`
	MaxConns               int32  `mapstructure:"max_conns"`
	MinConns               int32  `mapstructure:"min_conns"`
	MaxConnLifetimeMinutes int    `mapstructure:"max_conn_lifetime_minutes"`
}

// PubSubConfig holds metadata for release notifications. An empty project
// selects the in-memory publisher.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// ServerConfig controls the ops HTTP server. Port 0 disables it.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// BlacklistConfig lists image checksums that are never ingested.
type BlacklistConfig struct {
	Checksums []string `mapstructure:"checksums"`
	File      string   `mapstructure:"file"`
}

// ComicConfig is one catalogue entry.
type ComicConfig struct {
	Slug                   string             `mapstructure:"slug"`
	Name                   string             `mapstructure:"name"`
	Language               string             `mapstructure:"language"`
	URL                    string             `mapstructure:"url"`
	RightsHolder           string             `mapstructure:"rights_holder"`
	Active                 *bool              `mapstructure:"active"`
	StartDate              string             `mapstructure:"start_date"`
	EndDate                string             `mapstructure:"end_date"`
	TimeZone               string             `mapstructure:"time_zone"`
	Schedule               []string           `mapstructure:"schedule"`
	TimeOfDay              string             `mapstructure:"time_of_day"`
	HistoryCapableDate     string             `mapstructure:"history_capable_date"`
	HistoryCapableDays     int                `mapstructure:"history_capable_days"`
	HasRerunReleases       bool               `mapstructure:"has_rerun_releases"`
	MultipleReleasesPerDay bool               `mapstructure:"multiple_releases_per_day"`
	Headers                map[string]string  `mapstructure:"headers"`
	Recipe                 recipes.Definition `mapstructure:"recipe"`
}

// IsActive reports whether the entry is part of "all". Entries are active
// unless they say otherwise.
func (c ComicConfig) IsActive() bool {
	return c.Active == nil || *c.Active
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("COMICS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("http.timeout_seconds", 15)
	v.SetDefault("http.max_retries", 2)
	v.SetDefault("http.backoff_initial_ms", 250)
	v.SetDefault("http.backoff_max_ms", 2000)
	v.SetDefault("http.user_agent", "comics-crawler/0.1")
	v.SetDefault("http.max_body_bytes", DefaultMaxBodyBytes)
	v.SetDefault("http.rate_limit.requests_per_second", 2.0)
	v.SetDefault("http.rate_limit.burst", 2)
	v.SetDefault("http.respect_robots", false)
	v.SetDefault("http.block_after_forbidden", 5)
	v.SetDefault("aggregator.concurrency", 4)
	v.SetDefault("aggregator.queue_depth", 64)
	v.SetDefault("aggregator.unit_timeout_seconds", 120)
	v.SetDefault("downloader.max_image_bytes", 10*1024*1024)
	v.SetDefault("downloader.max_pixels", 64<<20)
	v.SetDefault("storage.backend", BackendLocal)
	v.SetDefault("storage.base_dir", "media")
	v.SetDefault("db.max_conns", 4)
	v.SetDefault("db.max_conn_lifetime_minutes", 30)
	v.SetDefault("pubsub.topic_name", "comics-releases")
	v.SetDefault("server.port", 0)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.HTTP.TimeoutSeconds <= 0 {
		return fmt.Errorf("http.timeout_seconds must be > 0")
	}
	if c.HTTP.MaxRetries < 0 {
		return fmt.Errorf("http.max_retries must be >= 0")
	}
	if c.Aggregator.Concurrency <= 0 {
		return fmt.Errorf("aggregator.concurrency must be > 0")
	}
	if c.Aggregator.UnitTimeoutSeconds <= 0 {
		return fmt.Errorf("aggregator.unit_timeout_seconds must be > 0")
	}
	if c.HTTP.BlockAfterForbidden < 0 {
		return fmt.Errorf("http.block_after_forbidden must be >= 0")
	}
	if c.Downloader.MaxImageBytes <= 0 {
		return fmt.Errorf("downloader.max_image_bytes must be > 0")
	}
	if c.Downloader.MaxPixels < 0 {
		return fmt.Errorf("downloader.max_pixels must be >= 0")
	}
	if c.HTTP.MaxBodyBytes < 0 {
		return fmt.Errorf("http.max_body_bytes must be >= 0")
	}
	// Bodies at the fetch cap are truncated, so the cap must sit above the image limit.
	if int64(c.MaxBodyBytes()) <= c.Downloader.MaxImageBytes {
		return fmt.Errorf("http.max_body_bytes (%d) must be greater than downloader.max_image_bytes (%d)",
			c.MaxBodyBytes(), c.Downloader.MaxImageBytes)
	}
	if c.Server.Port < 0 {
		return fmt.Errorf("server.port must be >= 0")
	}
	switch c.Storage.Backend {
	case BackendMemory:
	case BackendLocal:
		if c.Storage.BaseDir == "" {
			return fmt.Errorf("storage.base_dir must be set for the local backend")
		}
	case BackendGCS:
		if c.Storage.Bucket == "" {
			return fmt.Errorf("storage.bucket must be set for the gcs backend")
		}
	default:
		return fmt.Errorf("storage.backend %q is not one of memory, local, gcs", c.Storage.Backend)
	}
	if c.PubSub.ProjectID != "" && c.PubSub.TopicName == "" {
		return fmt.Errorf("pubsub.topic_name must be set when pubsub.project_id is")
	}
	seen := make(map[string]struct{}, len(c.Comics))
	var errs []error
	for i, comic := range c.Comics {
		if comic.Slug == "" {
			errs = append(errs, fmt.Errorf("comics[%d].slug must be set", i))
			continue
		}
		if _, dup := seen[comic.Slug]; dup {
			errs = append(errs, fmt.Errorf("comics[%d]: duplicate slug %q", i, comic.Slug))
		}
		seen[comic.Slug] = struct{}{}
		if err := comic.validate(); err != nil {
			errs = append(errs, fmt.Errorf("comics[%d] (%s): %w", i, comic.Slug, err))
		}
	}
	return errors.Join(errs...)
}

func (c ComicConfig) validate() error {
	if c.Recipe.Kind == "" {
		return fmt.Errorf("recipe.kind must be set")
	}
	if c.Recipe.URL == "" {
		return fmt.Errorf("recipe.url must be set")
	}
	if c.TimeZone != "" {
		if _, err := time.LoadLocation(c.TimeZone); err != nil {
			return fmt.Errorf("time_zone: %w", err)
		}
	}
	if _, err := ParseWeekdays(c.Schedule); err != nil {
		return err
	}
	if c.HistoryCapableDays < 0 {
		return fmt.Errorf("history_capable_days must be >= 0")
	}
	for field, value := range map[string]string{
		"start_date":           c.StartDate,
		"end_date":             c.EndDate,
		"history_capable_date": c.HistoryCapableDate,
	} {
		if _, err := ParseDate(value); err != nil {
			return fmt.Errorf("%s: %w", field, err)
		}
	}
	return nil
}

// ParseDate parses a YYYY-MM-DD value. An empty string yields nil.
func ParseDate(value string) (*civil.Date, error) {
	if value == "" {
		return nil, nil
	}
	d, err := civil.ParseDate(value)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

var weekdays = map[string]time.Weekday{
	"mo": time.Monday, "mon": time.Monday, "monday": time.Monday,
	"tu": time.Tuesday, "tue": time.Tuesday, "tuesday": time.Tuesday,
	"we": time.Wednesday, "wed": time.Wednesday, "wednesday": time.Wednesday,
	"th": time.Thursday, "thu": time.Thursday, "thursday": time.Thursday,
	"fr": time.Friday, "fri": time.Friday, "friday": time.Friday,
	"sa": time.Saturday, "sat": time.Saturday, "saturday": time.Saturday,
	"su": time.Sunday, "sun": time.Sunday, "sunday": time.Sunday,
}

// ParseWeekdays converts schedule names such as "mo" or "Monday".
func ParseWeekdays(names []string) ([]time.Weekday, error) {
	out := make([]time.Weekday, 0, len(names))
	for _, name := range names {
		d, ok := weekdays[strings.ToLower(strings.TrimSpace(name))]
		if !ok {
			return nil, fmt.Errorf("schedule: unknown weekday %q", name)
		}
		out = append(out, d)
	}
	return out, nil
}

// HTTPTimeout converts the configured timeout into a duration.
func (c Config) HTTPTimeout() time.Duration {
	return time.Duration(c.HTTP.TimeoutSeconds) * time.Second
}

// MaxBodyBytes returns the fetch body cap, applying the default for zero.
func (c Config) MaxBodyBytes() int {
	if c.HTTP.MaxBodyBytes == 0 {
		return DefaultMaxBodyBytes
	}
	return c.HTTP.MaxBodyBytes
}

// UnitTimeout converts the configured unit budget into a duration.
func (c Config) UnitTimeout() time.Duration {
	return time.Duration(c.Aggregator.UnitTimeoutSeconds) * time.Second
}
