// Package config loads and validates crawler configuration via Viper.
package config

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/blaulicht-crawler/internal/article"
	"github.com/JakeFAU/blaulicht-crawler/internal/fetcher"
	"github.com/JakeFAU/blaulicht-crawler/internal/geocode"
	"github.com/JakeFAU/blaulicht-crawler/internal/logging"
)

// EnvPrefix prefixes every environment override, e.g. BLAULICHT_FETCH_TIMEOUT=10s.
const EnvPrefix = "BLAULICHT"

// DefaultRegion is the whole-portal region available without configuration.
const DefaultRegion = "de"

// Classifier and publisher providers.
const (
	ProviderNone   = "none"
	ProviderHTTP   = "http"
	ProviderOpenAI = "openai"
	ProviderPubSub = "pubsub"
)

// Config captures all knobs loaded via Viper.
type Config struct {
	Fetch      FetchConfig             `mapstructure:"fetch"`
	Sitemap    SitemapConfig           `mapstructure:"sitemap"`
	Pipeline   PipelineConfig          `mapstructure:"pipeline"`
	Geocode    GeocodeConfig           `mapstructure:"geocode"`
	Classifier ClassifierConfig        `mapstructure:"classifier"`
	Archive    ArchiveConfig           `mapstructure:"archive"`
	Publisher  PublisherConfig         `mapstructure:"publisher"`
	Metrics    MetricsConfig           `mapstructure:"metrics"`
	Logging    logging.Config          `mapstructure:"logging"`
	Regions    map[string]RegionConfig `mapstructure:"regions"`
}

// FetchConfig controls page downloads.
type FetchConfig struct {
	Timeout           time.Duration `mapstructure:"timeout"`
	MaxRetries        int           `mapstructure:"max_retries"`
	BackoffBase       time.Duration `mapstructure:"backoff_base"`
	BackoffMax        time.Duration `mapstructure:"backoff_max"`
	UserAgent         string        `mapstructure:"user_agent"`
	From              string        `mapstructure:"from"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	MaxBodyBytes      int           `mapstructure:"max_body_bytes"`
}

// SitemapConfig controls discovery.
type SitemapConfig struct {
	Concurrency int    `mapstructure:"concurrency"`
	ContentPath string `mapstructure:"content_path"`
}

// PipelineConfig controls the per-article worker pool.
type PipelineConfig struct {
	Concurrency int `mapstructure:"concurrency"`
}

// GeocodeConfig controls the optional geocoding stage.
type GeocodeConfig struct {
	Enabled           bool    `mapstructure:"enabled"`
	BaseURL           string  `mapstructure:"base_url"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	CountrySuffix     string  `mapstructure:"country_suffix"`
	CachePath         string  `mapstructure:"cache_path"`
}

// ClassifierConfig selects the optional external classification stage.
type ClassifierConfig struct {
	Provider string        `mapstructure:"provider"`
	Endpoint string        `mapstructure:"endpoint"`
	APIKey   string        `mapstructure:"api_key"`
	Model    string        `mapstructure:"model"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// ArchiveConfig locates the partitioned archive.
type ArchiveConfig struct {
	// Output is a local directory or a gs://bucket/prefix URI.
	Output        string `mapstructure:"output"`
	ScratchPrefix string `mapstructure:"scratch_prefix"`
}

// PublisherConfig selects where partition updates are announced.
type PublisherConfig struct {
	Provider  string `mapstructure:"provider"`
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// MetricsConfig controls the optional metrics listener.
type MetricsConfig struct {
	// Addr is the listen address; empty disables the listener.
	Addr string `mapstructure:"addr"`
}

// RegionConfig describes one crawlable region.
type RegionConfig struct {
	Name      string   `mapstructure:"name"`
	BaseURL   string   `mapstructure:"base_url"`
	OfficeIDs []string `mapstructure:"office_ids"`
}

// Load builds a Config from defaults, an optional file and the environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
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
	v.SetDefault("fetch.timeout", 30*time.Second)
	v.SetDefault("fetch.max_retries", 3)
	v.SetDefault("fetch.backoff_base", time.Second)
	v.SetDefault("fetch.backoff_max", 8*time.Second)
	v.SetDefault("fetch.user_agent", fetcher.DefaultUserAgent)
	v.SetDefault("fetch.from", "")
	v.SetDefault("fetch.requests_per_second", 5.0)
	v.SetDefault("fetch.max_body_bytes", fetcher.DefaultMaxBodyBytes)
	v.SetDefault("sitemap.concurrency", 4)
	v.SetDefault("sitemap.content_path", "/blaulicht/pm/")
	v.SetDefault("pipeline.concurrency", 30)
	v.SetDefault("geocode.enabled", false)
	v.SetDefault("geocode.base_url", "https://nominatim.openstreetmap.org")
	v.SetDefault("geocode.requests_per_second", 1.0)
	v.SetDefault("geocode.country_suffix", geocode.DefaultCountrySuffix)
	v.SetDefault("geocode.cache_path", "")
	v.SetDefault("classifier.provider", ProviderNone)
	v.SetDefault("classifier.endpoint", "")
	v.SetDefault("classifier.api_key", "")
	v.SetDefault("classifier.model", "gpt-4o-mini")
	v.SetDefault("classifier.timeout", 20*time.Second)
	v.SetDefault("archive.output", "data")
	v.SetDefault("archive.scratch_prefix", "_scratch")
	v.SetDefault("publisher.provider", ProviderNone)
	v.SetDefault("publisher.project_id", "")
	v.SetDefault("publisher.topic", "")
	v.SetDefault("metrics.addr", "")
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "info")
	v.SetDefault("regions", map[string]any{
		DefaultRegion: map[string]any{
			"name":       "Deutschland",
			"base_url":   "https://www.presseportal.de",
			"office_ids": []string{},
		},
	})
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Fetch.Timeout <= 0 {
		return fmt.Errorf("fetch.timeout must be > 0")
	}
	if c.Fetch.MaxRetries < 0 {
		return fmt.Errorf("fetch.max_retries must be >= 0")
	}
	if c.Fetch.BackoffBase < 0 || c.Fetch.BackoffMax < c.Fetch.BackoffBase {
		return fmt.Errorf("fetch.backoff_max must be >= fetch.backoff_base >= 0")
	}
	if c.Fetch.RequestsPerSecond < 0 {
		return fmt.Errorf("fetch.requests_per_second must be >= 0")
	}
	if c.Fetch.MaxBodyBytes < 0 {
		return fmt.Errorf("fetch.max_body_bytes must be >= 0")
	}
	if c.Sitemap.Concurrency <= 0 {
		return fmt.Errorf("sitemap.concurrency must be > 0")
	}
	if c.Pipeline.Concurrency <= 0 {
		return fmt.Errorf("pipeline.concurrency must be > 0")
	}
	if c.Geocode.Enabled {
		if c.Geocode.BaseURL == "" {
			return fmt.Errorf("geocode.base_url must be set when geocoding is enabled")
		}
		if c.Geocode.RequestsPerSecond <= 0 {
			return fmt.Errorf("geocode.requests_per_second must be > 0 when geocoding is enabled")
		}
	}
	if err := c.Classifier.validate(); err != nil {
		return err
	}
	if c.Archive.Output == "" {
		return fmt.Errorf("archive.output must be set")
	}
	switch c.Publisher.Provider {
	case "", ProviderNone:
	case ProviderPubSub:
		if c.Publisher.ProjectID == "" || c.Publisher.Topic == "" {
			return fmt.Errorf("publisher.project_id and publisher.topic must be set for pubsub")
		}
	default:
		return fmt.Errorf("publisher.provider %q is not supported", c.Publisher.Provider)
	}
	if len(c.Regions) == 0 {
		return fmt.Errorf("regions must define at least one region")
	}
	for slug, r := range c.Regions {
		if r.BaseURL == "" {
			return fmt.Errorf("regions.%s.base_url must be set", slug)
		}
	}
	return nil
}

func (c ClassifierConfig) validate() error {
	switch c.Provider {
	case "", ProviderNone:
		return nil
	case ProviderHTTP:
		if c.Endpoint == "" {
			return fmt.Errorf("classifier.endpoint must be set for the http provider")
		}
	case ProviderOpenAI:
		if c.APIKey == "" {
			return fmt.Errorf("classifier.api_key must be set for the openai provider")
		}
		if c.Model == "" {
			return fmt.Errorf("classifier.model must be set for the openai provider")
		}
	default:
		return fmt.Errorf("classifier.provider %q is not supported", c.Provider)
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("classifier.timeout must be > 0")
	}
	return nil
}

// Region resolves a configured region by slug.
func (c Config) Region(slug string) (article.Region, error) {
	slug = strings.ToLower(strings.TrimSpace(slug))
	r, ok := c.Regions[slug]
	if !ok {
		return article.Region{}, fmt.Errorf("unknown region %q (known: %s)", slug, strings.Join(c.RegionSlugs(), ", "))
	}
	name := r.Name
	if name == "" {
		name = slug
	}
	return article.Region{
		Slug:      slug,
		Name:      name,
		BaseURL:   strings.TrimRight(r.BaseURL, "/"),
		OfficeIDs: append([]string(nil), r.OfficeIDs...),
	}, nil
}

// RegionSlugs lists configured regions in sorted order.
func (c Config) RegionSlugs() []string {
	out := make([]string, 0, len(c.Regions))
	for slug := range c.Regions {
		out = append(out, slug)
	}
	sort.Strings(out)
	return out
}
