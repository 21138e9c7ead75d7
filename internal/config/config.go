// Package config loads and validates crawler configuration via Viper.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/kidsearch/crawler/internal/cache"
	"github.com/kidsearch/crawler/internal/crawler"
	"github.com/kidsearch/crawler/internal/embed"
	"github.com/kidsearch/crawler/internal/index"
	"github.com/kidsearch/crawler/internal/logging"
	"github.com/kidsearch/crawler/internal/publisher"
	"github.com/kidsearch/crawler/internal/state"
	"github.com/kidsearch/crawler/internal/storage"
)

// Config captures all configuration knobs loaded via Viper. Component
// packages own their own sections; this type stitches them into one tree.
type Config struct {
	Logging    logging.Config       `mapstructure:"logging"`
	Crawler    CrawlerConfig        `mapstructure:"crawler"`
	HTTP       HTTPConfig           `mapstructure:"http"`
	Headless   HeadlessConfig       `mapstructure:"headless"`
	Cache      cache.Config         `mapstructure:"cache"`
	State      state.Config         `mapstructure:"state"`
	Index      index.Config         `mapstructure:"index"`
	Embeddings EmbeddingsConfig     `mapstructure:"embeddings"`
	Publisher  publisher.Config     `mapstructure:"publisher"`
	Archive    storage.Config       `mapstructure:"archive"`
	Status     StatusConfig         `mapstructure:"status"`
	Sites      []crawler.SiteConfig `mapstructure:"sites"`
}

// CrawlerConfig governs scheduler behavior shared by every site run.
type CrawlerConfig struct {
	Workers            int           `mapstructure:"workers"`
	UserAgent          string        `mapstructure:"user_agent"`
	DefaultDelay       time.Duration `mapstructure:"default_delay"`
	FailureRatio       float64       `mapstructure:"failure_ratio"`
	CheckpointPages    int           `mapstructure:"checkpoint_pages"`
	CheckpointInterval time.Duration `mapstructure:"checkpoint_interval"`
	HostFailureLimit   int           `mapstructure:"host_failure_limit"`
	HostCooldown       time.Duration `mapstructure:"host_cooldown"`
	StopGrace          time.Duration `mapstructure:"stop_grace"`
	// ChallengeHosts go straight to the headless fetcher.
	ChallengeHosts []string `mapstructure:"challenge_hosts"`
}

// HTTPConfig configures the plain HTTP fetch path.
type HTTPConfig struct {
	Timeout      time.Duration `mapstructure:"timeout"`
	MaxRetries   int           `mapstructure:"max_retries"`
	MaxBodyBytes int           `mapstructure:"max_body_bytes"`
}

// HeadlessConfig configures the browser fetch path.
type HeadlessConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	MaxParallel int           `mapstructure:"max_parallel"`
	NavTimeout  time.Duration `mapstructure:"nav_timeout"`
	SettleDelay time.Duration `mapstructure:"settle_delay"`
}

// EmbeddingsConfig gates and configures the embedding dispatcher.
type EmbeddingsConfig struct {
	Enabled      bool `mapstructure:"enabled"`
	embed.Config `mapstructure:",squash"`
}

// StatusConfig controls the status/metrics HTTP server.
type StatusConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// Load builds a Config from disk and environment. An empty path loads
// defaults plus CRAWLER_* environment overrides only.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CRAWLER")
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
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("crawler.workers", 4)
	v.SetDefault("crawler.user_agent", "kidsearch-bot/1.0")
	v.SetDefault("crawler.default_delay", "1s")
	v.SetDefault("crawler.failure_ratio", 0.5)
	v.SetDefault("crawler.checkpoint_pages", 25)
	v.SetDefault("crawler.checkpoint_interval", "30s")
	v.SetDefault("crawler.host_failure_limit", 3)
	v.SetDefault("crawler.host_cooldown", "30s")
	v.SetDefault("crawler.stop_grace", "10s")
	v.SetDefault("http.timeout", "15s")
	v.SetDefault("http.max_retries", 3)
	v.SetDefault("http.max_body_bytes", 2<<20)
	v.SetDefault("headless.enabled", false)
	v.SetDefault("headless.max_parallel", 2)
	v.SetDefault("headless.nav_timeout", "45s")
	v.SetDefault("headless.settle_delay", "500ms")
	v.SetDefault("cache.provider", "sqlite")
	v.SetDefault("cache.path", "crawler-cache.db")
	v.SetDefault("state.dir", "crawl-state")
	v.SetDefault("index.provider", "elasticsearch")
	v.SetDefault("index.index", "pages")
	v.SetDefault("embeddings.enabled", false)
	v.SetDefault("embeddings.provider", "gemini")
	v.SetDefault("embeddings.model", "text-embedding-004")
	v.SetDefault("embeddings.batch_size", 20)
	v.SetDefault("publisher.enabled", false)
	v.SetDefault("archive.enabled", false)
	v.SetDefault("archive.provider", "local")
	v.SetDefault("archive.dir", "crawl-archive")
	v.SetDefault("status.enabled", true)
	v.SetDefault("status.port", 8080)
}

// Validate enforces required values and reasonable limits for everything
// except the sites list, which is validated per-site by Sites.
func (c Config) Validate() error {
	if c.Crawler.Workers <= 0 {
		return fmt.Errorf("crawler.workers must be > 0")
	}
	if c.HTTP.Timeout <= 0 {
		return fmt.Errorf("http.timeout must be > 0")
	}
	if c.Crawler.FailureRatio <= 0 || c.Crawler.FailureRatio > 1 {
		return fmt.Errorf("crawler.failure_ratio must be in (0, 1]")
	}
	if c.Headless.Enabled && c.Headless.MaxParallel <= 0 {
		return fmt.Errorf("headless.max_parallel must be > 0 when headless is enabled")
	}
	if c.Status.Enabled && c.Status.Port <= 0 {
		return fmt.Errorf("status.port must be > 0 when the status server is enabled")
	}
	if c.Embeddings.Enabled && c.Embeddings.APIKey == "" {
		return fmt.Errorf("embeddings.api_key must be set when embeddings are enabled")
	}
	return nil
}

// ValidSites normalizes and validates the configured sites. Invalid sites
// are skipped with a logged reason; the error is non-nil only when no valid
// site remains.
func (c Config) ValidSites(logger *zap.Logger) ([]crawler.SiteConfig, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	valid := make([]crawler.SiteConfig, 0, len(c.Sites))
	for _, site := range c.Sites {
		site = c.normalizeSite(site)
		if err := validateSite(site); err != nil {
			logger.Warn("skipping invalid site", zap.String("site", site.Name), zap.Error(err))
			continue
		}
		valid = append(valid, site)
	}

	if len(valid) == 0 {
		return nil, fmt.Errorf("no valid sites configured")
	}
	return valid, nil
}

// Site returns the named site after normalization and validation.
func (c Config) Site(name string) (crawler.SiteConfig, error) {
	for _, site := range c.Sites {
		if site.Name != name {
			continue
		}
		site = c.normalizeSite(site)
		if err := validateSite(site); err != nil {
			return crawler.SiteConfig{}, err
		}
		return site, nil
	}
	return crawler.SiteConfig{}, fmt.Errorf("site %q is not configured", name)
}

func (c Config) normalizeSite(site crawler.SiteConfig) crawler.SiteConfig {
	if site.Type == "" {
		site.Type = crawler.SourceHTML
	}
	if site.Delay <= 0 {
		site.Delay = c.Crawler.DefaultDelay
	}
	return site
}

func validateSite(site crawler.SiteConfig) error {
	if strings.TrimSpace(site.Name) == "" {
		return &crawler.ConfigError{Site: site.Name, Reason: "name is required"}
	}
	if strings.TrimSpace(site.SeedURL) == "" {
		return &crawler.ConfigError{Site: site.Name, Reason: "seed_url is required"}
	}
	seed, err := url.Parse(site.SeedURL)
	if err != nil || !seed.IsAbs() || seed.Host == "" {
		return &crawler.ConfigError{Site: site.Name, Reason: fmt.Sprintf("seed_url %q is not an absolute URL", site.SeedURL)}
	}
	if seed.Scheme != "http" && seed.Scheme != "https" {
		return &crawler.ConfigError{Site: site.Name, Reason: fmt.Sprintf("seed_url scheme %q is not supported", seed.Scheme)}
	}
	switch site.Type {
	case crawler.SourceHTML, crawler.SourceMediaWiki:
	case crawler.SourceJSON:
		if site.JSON == nil {
			return &crawler.ConfigError{Site: site.Name, Reason: "json sites need a json field mapping"}
		}
		if site.JSON.Title == "" || site.JSON.URL == "" {
			return &crawler.ConfigError{Site: site.Name, Reason: "json mapping needs at least title and url"}
		}
	default:
		return &crawler.ConfigError{Site: site.Name, Reason: fmt.Sprintf("unknown source type %q", site.Type)}
	}
	if site.MaxDepth < 0 {
		return &crawler.ConfigError{Site: site.Name, Reason: "depth must be >= 0"}
	}
	if site.MaxPages < 0 {
		return &crawler.ConfigError{Site: site.Name, Reason: "max_pages must be >= 0"}
	}
	return nil
}
