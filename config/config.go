package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/migadu/rolo/helpers"
)

// DatabaseEndpointConfig holds configuration for a single database endpoint.
type DatabaseEndpointConfig struct {
	Hosts           []string `toml:"hosts"`
	Port            string   `toml:"port"`
	User            string   `toml:"user"`
	Password        string   `toml:"password"`
	Name            string   `toml:"name"`
	TLSMode         bool     `toml:"tls"`
	MaxConns        int      `toml:"max_conns"`
	MinConns        int      `toml:"min_conns"`
	MaxConnLifetime string   `toml:"max_conn_lifetime"`
	MaxConnIdleTime string   `toml:"max_conn_idle_time"`
}

// ConnString builds a postgres:// connection string for the endpoint.
// Multiple hosts are joined for driver-level failover.
func (e *DatabaseEndpointConfig) ConnString() string {
	port := e.Port
	if port == "" {
		port = "5432"
	}
	hosts := make([]string, 0, len(e.Hosts))
	for _, h := range e.Hosts {
		if strings.Contains(h, ":") {
			hosts = append(hosts, h)
		} else {
			hosts = append(hosts, h+":"+port)
		}
	}
	sslMode := "disable"
	if e.TLSMode {
		sslMode = "require"
	}
	return fmt.Sprintf("postgres://%s:%s@%s/%s?sslmode=%s",
		url.QueryEscape(e.User), url.QueryEscape(e.Password),
		strings.Join(hosts, ","), e.Name, sslMode)
}

// GetMaxConnLifetime parses the max connection lifetime duration for an endpoint.
func (e *DatabaseEndpointConfig) GetMaxConnLifetime() (time.Duration, error) {
	if e.MaxConnLifetime == "" {
		return time.Hour, nil
	}
	return helpers.ParseDuration(e.MaxConnLifetime)
}

// GetMaxConnIdleTime parses the max connection idle time duration for an endpoint.
func (e *DatabaseEndpointConfig) GetMaxConnIdleTime() (time.Duration, error) {
	if e.MaxConnIdleTime == "" {
		return 30 * time.Minute, nil
	}
	return helpers.ParseDuration(e.MaxConnIdleTime)
}

// DatabaseConfig holds database configuration with separate read/write endpoints.
// The read endpoint is optional; without it all queries use the write pool.
type DatabaseConfig struct {
	LogQueries       bool                    `toml:"log_queries"`
	QueryTimeout     string                  `toml:"query_timeout"`     // default "30s"
	MigrationTimeout string                  `toml:"migration_timeout"` // default "2m"
	Write            *DatabaseEndpointConfig `toml:"write"`
	Read             *DatabaseEndpointConfig `toml:"read"`
}

func (d *DatabaseConfig) GetQueryTimeout() (time.Duration, error) {
	if d.QueryTimeout == "" {
		return 30 * time.Second, nil
	}
	return helpers.ParseDuration(d.QueryTimeout)
}

func (d *DatabaseConfig) GetMigrationTimeout() (time.Duration, error) {
	if d.MigrationTimeout == "" {
		return 2 * time.Minute, nil
	}
	return helpers.ParseDuration(d.MigrationTimeout)
}

// S3Config holds the object store settings for raw message bodies.
type S3Config struct {
	Endpoint   string `toml:"endpoint"`
	DisableTLS bool   `toml:"disable_tls"`
	AccessKey  string `toml:"access_key"`
	SecretKey  string `toml:"secret_key"`
	Bucket     string `toml:"bucket"`
	Trace      bool   `toml:"trace"` // Enable detailed S3 request/response tracing
}

// LocalCacheConfig holds settings for the local raw-message cache that fronts S3.
type LocalCacheConfig struct {
	Path          string `toml:"path"`
	Capacity      string `toml:"capacity"`        // e.g. "1gb"
	MaxObjectSize string `toml:"max_object_size"` // e.g. "5mb"
	PurgeInterval string `toml:"purge_interval"`  // default "5m"
}

func (c *LocalCacheConfig) GetCapacity() (int64, error) {
	if c.Capacity == "" {
		c.Capacity = "1gb"
	}
	return parseSize(c.Capacity)
}

func (c *LocalCacheConfig) GetMaxObjectSize() (int64, error) {
	if c.MaxObjectSize == "" {
		c.MaxObjectSize = "5mb"
	}
	return parseSize(c.MaxObjectSize)
}

func (c *LocalCacheConfig) GetPurgeInterval() (time.Duration, error) {
	if c.PurgeInterval == "" {
		return 5 * time.Minute, nil
	}
	return helpers.ParseDuration(c.PurgeInterval)
}

// QueueConfig controls the background job system.
type QueueConfig struct {
	Workers         int    `toml:"workers"`           // worker goroutines, default 4
	LeaseTimeout    string `toml:"lease_timeout"`     // default "5m"
	ReapInterval    string `toml:"reap_interval"`     // default "1m"
	MaxAttempts     int    `toml:"max_attempts"`      // default 5
	InitialBackoff  string `toml:"initial_backoff"`   // default "30s"
	MaxBackoff      string `toml:"max_backoff"`       // default "30m"
	ClaimIdleSleep  string `toml:"claim_idle_sleep"`  // poll pause when queue empty, default "1s"
	CompletedMaxAge string `toml:"completed_max_age"` // completed-job retention, default "7d"
}

func (q *QueueConfig) GetWorkers() int {
	if q.Workers <= 0 {
		return 4
	}
	return q.Workers
}

func (q *QueueConfig) GetMaxAttempts() int {
	if q.MaxAttempts <= 0 {
		return 5
	}
	return q.MaxAttempts
}

func (q *QueueConfig) GetLeaseTimeout() (time.Duration, error) {
	if q.LeaseTimeout == "" {
		return 5 * time.Minute, nil
	}
	return helpers.ParseDuration(q.LeaseTimeout)
}

func (q *QueueConfig) GetReapInterval() (time.Duration, error) {
	if q.ReapInterval == "" {
		return time.Minute, nil
	}
	return helpers.ParseDuration(q.ReapInterval)
}

func (q *QueueConfig) GetInitialBackoff() (time.Duration, error) {
	if q.InitialBackoff == "" {
		return 30 * time.Second, nil
	}
	return helpers.ParseDuration(q.InitialBackoff)
}

func (q *QueueConfig) GetMaxBackoff() (time.Duration, error) {
	if q.MaxBackoff == "" {
		return 30 * time.Minute, nil
	}
	return helpers.ParseDuration(q.MaxBackoff)
}

func (q *QueueConfig) GetClaimIdleSleep() (time.Duration, error) {
	if q.ClaimIdleSleep == "" {
		return time.Second, nil
	}
	return helpers.ParseDuration(q.ClaimIdleSleep)
}

func (q *QueueConfig) GetCompletedMaxAge() (time.Duration, error) {
	if q.CompletedMaxAge == "" {
		return 7 * 24 * time.Hour, nil
	}
	return helpers.ParseDuration(q.CompletedMaxAge)
}

// SyncConfig controls mailbox synchronization behavior.
type SyncConfig struct {
	PollInterval     string  `toml:"poll_interval"`     // fallback incremental poll, default "5m"
	PageSize         int     `toml:"page_size"`         // message ids per page, default 100
	FetchConcurrency int     `toml:"fetch_concurrency"` // parallel body fetches, default 4
	InitialWindow    string  `toml:"initial_window"`    // recent window at link time, default "30d"
	BackfillWindow   string  `toml:"backfill_window"`   // one deep-backfill step, default "90d"
	BackfillHorizon  string  `toml:"backfill_horizon"`  // oldest history to import, default "730d"
	RatePerAccount   float64 `toml:"rate_per_account"`  // mailbox API calls/sec, default 5
	RateBurst        int     `toml:"rate_burst"`        // token bucket burst, default 10
	StatsDebounce    string  `toml:"stats_debounce"`    // contact stats coalesce delay, default "60s"
	WatchTopic       string  `toml:"watch_topic"`       // Pub/Sub topic for push notifications; empty disables push
}

func (s *SyncConfig) GetPollInterval() (time.Duration, error) {
	if s.PollInterval == "" {
		return 5 * time.Minute, nil
	}
	return helpers.ParseDuration(s.PollInterval)
}

func (s *SyncConfig) GetPageSize() int {
	if s.PageSize <= 0 {
		return 100
	}
	return s.PageSize
}

func (s *SyncConfig) GetFetchConcurrency() int {
	if s.FetchConcurrency <= 0 {
		return 4
	}
	return s.FetchConcurrency
}

func (s *SyncConfig) GetInitialWindow() (time.Duration, error) {
	if s.InitialWindow == "" {
		return 30 * 24 * time.Hour, nil
	}
	return helpers.ParseDuration(s.InitialWindow)
}

func (s *SyncConfig) GetBackfillWindow() (time.Duration, error) {
	if s.BackfillWindow == "" {
		return 90 * 24 * time.Hour, nil
	}
	return helpers.ParseDuration(s.BackfillWindow)
}

func (s *SyncConfig) GetBackfillHorizon() (time.Duration, error) {
	if s.BackfillHorizon == "" {
		return 730 * 24 * time.Hour, nil
	}
	return helpers.ParseDuration(s.BackfillHorizon)
}

func (s *SyncConfig) GetRatePerAccount() float64 {
	if s.RatePerAccount <= 0 {
		return 5
	}
	return s.RatePerAccount
}

func (s *SyncConfig) GetRateBurst() int {
	if s.RateBurst <= 0 {
		return 10
	}
	return s.RateBurst
}

func (s *SyncConfig) GetStatsDebounce() (time.Duration, error) {
	if s.StatsDebounce == "" {
		return 60 * time.Second, nil
	}
	return helpers.ParseDuration(s.StatsDebounce)
}

// OAuthConfig holds the provider OAuth client used to mint access tokens for
// linked accounts.
type OAuthConfig struct {
	ClientID     string `toml:"client_id"`
	ClientSecret string `toml:"client_secret"`
	RedirectURL  string `toml:"redirect_url"`
}

// HTTPConfig controls the HTTP API server (webhook ingress, read-only queries,
// admin surface, metrics).
type HTTPConfig struct {
	Start        bool     `toml:"start"`
	Addr         string   `toml:"addr"` // default ":8475"
	APIKey       string   `toml:"api_key"`
	WebhookToken string   `toml:"webhook_token"` // shared token the push provider presents
	AllowedHosts []string `toml:"allowed_hosts"`
}

func (h *HTTPConfig) GetAddr() string {
	if h.Addr == "" {
		return ":8475"
	}
	return h.Addr
}

// EnrichmentConfig controls asynchronous third-party contact enrichment.
type EnrichmentConfig struct {
	Enabled   bool     `toml:"enabled"`
	Providers []string `toml:"providers"` // provider names, tried in order
	Timeout   string   `toml:"timeout"`   // per-provider call timeout, default "10s"
}

func (e *EnrichmentConfig) GetTimeout() (time.Duration, error) {
	if e.Timeout == "" {
		return 10 * time.Second, nil
	}
	return helpers.ParseDuration(e.Timeout)
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Output string `toml:"output"` // "stderr", "stdout", "syslog", or file path
	Format string `toml:"format"` // "json" or "console"
	Level  string `toml:"level"`  // "debug", "info", "warn", "error"
}

// MetricsConfig controls the periodic DB-backed stats collector.
type MetricsConfig struct {
	Interval string `toml:"interval"` // default "60s"
}

func (m *MetricsConfig) GetInterval() (time.Duration, error) {
	if m.Interval == "" {
		return 60 * time.Second, nil
	}
	return helpers.ParseDuration(m.Interval)
}

// Config is the top-level TOML configuration.
type Config struct {
	Logging    LoggingConfig    `toml:"logging"`
	Database   DatabaseConfig   `toml:"database"`
	S3         S3Config         `toml:"s3"`
	LocalCache LocalCacheConfig `toml:"cache"`
	Queue      QueueConfig      `toml:"queue"`
	Sync       SyncConfig       `toml:"sync"`
	OAuth      OAuthConfig      `toml:"oauth"`
	HTTP       HTTPConfig       `toml:"http"`
	Enrichment EnrichmentConfig `toml:"enrichment"`
	Metrics    MetricsConfig    `toml:"metrics"`
}

// Load reads and validates a TOML configuration file.
func Load(path string) (*Config, error) {
	var cfg Config
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cross-field constraints that TOML decoding cannot express.
func (c *Config) Validate() error {
	if c.Database.Write == nil {
		return fmt.Errorf("[database.write] section is required")
	}
	if len(c.Database.Write.Hosts) == 0 {
		return fmt.Errorf("[database.write] hosts must not be empty")
	}
	if c.Database.Write.Name == "" {
		return fmt.Errorf("[database.write] name must not be empty")
	}
	if c.Database.Read != nil && len(c.Database.Read.Hosts) == 0 {
		return fmt.Errorf("[database.read] hosts must not be empty when the section is present")
	}

	// Every duration string must parse; fail at startup, not mid-sync.
	durations := map[string]func() error{
		"database.query_timeout":     errOnly(c.Database.GetQueryTimeout),
		"database.migration_timeout": errOnly(c.Database.GetMigrationTimeout),
		"queue.lease_timeout":        errOnly(c.Queue.GetLeaseTimeout),
		"queue.reap_interval":        errOnly(c.Queue.GetReapInterval),
		"queue.initial_backoff":      errOnly(c.Queue.GetInitialBackoff),
		"queue.max_backoff":          errOnly(c.Queue.GetMaxBackoff),
		"queue.claim_idle_sleep":     errOnly(c.Queue.GetClaimIdleSleep),
		"queue.completed_max_age":    errOnly(c.Queue.GetCompletedMaxAge),
		"sync.poll_interval":         errOnly(c.Sync.GetPollInterval),
		"sync.initial_window":        errOnly(c.Sync.GetInitialWindow),
		"sync.backfill_window":       errOnly(c.Sync.GetBackfillWindow),
		"sync.backfill_horizon":      errOnly(c.Sync.GetBackfillHorizon),
		"sync.stats_debounce":        errOnly(c.Sync.GetStatsDebounce),
		"enrichment.timeout":         errOnly(c.Enrichment.GetTimeout),
		"metrics.interval":           errOnly(c.Metrics.GetInterval),
		"cache.purge_interval":       errOnly(c.LocalCache.GetPurgeInterval),
	}
	for field, get := range durations {
		if err := get(); err != nil {
			return fmt.Errorf("%s: %w", field, err)
		}
	}

	if _, err := c.LocalCache.GetCapacity(); err != nil {
		return fmt.Errorf("cache.capacity: %w", err)
	}
	if _, err := c.LocalCache.GetMaxObjectSize(); err != nil {
		return fmt.Errorf("cache.max_object_size: %w", err)
	}

	if c.HTTP.Start && c.HTTP.APIKey == "" {
		return fmt.Errorf("[http] api_key is required when the HTTP server is enabled")
	}

	return nil
}

func errOnly(get func() (time.Duration, error)) func() error {
	return func() error {
		_, err := get()
		return err
	}
}
