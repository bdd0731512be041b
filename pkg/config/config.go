// Package config loads threatmap settings from flags, environment variables, and .env files.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"

	"github.com/hervehildenbrand/threatmap/pkg/models"
)

// envFiles are loaded in order when present. Variables already set in the
// process environment win.
var envFiles = []string{".env", ".env.local"}

// Config holds every runtime setting. Each flag can also be set through the
// environment variable named in its env tag.
type Config struct {
	StreamURL   string `name:"stream-url" env:"THREATMAP_STREAM_URL" default:"http://localhost:5000/threats" help:"Threat stream endpoint (ws://, wss://, http:// or https:// for SSE)."`
	SnapshotURL string `name:"snapshot-url" env:"THREATMAP_SNAPSHOT_URL" default:"http://localhost:5000/malicious-ips" help:"Malicious IP snapshot endpoint."`

	SnapshotRetries    int           `name:"snapshot-retries" env:"THREATMAP_SNAPSHOT_RETRIES" default:"3" help:"Snapshot fetch attempts per refresh."`
	SnapshotRetryDelay time.Duration `name:"snapshot-retry-delay" env:"THREATMAP_SNAPSHOT_RETRY_DELAY" default:"1s" help:"Delay between snapshot attempts."`
	SnapshotRefresh    time.Duration `name:"snapshot-refresh" env:"THREATMAP_SNAPSHOT_REFRESH" default:"60s" help:"Snapshot refresh interval (0 fetches once)."`
	SnapshotTimeout    time.Duration `name:"snapshot-timeout" env:"THREATMAP_SNAPSHOT_TIMEOUT" default:"30s" help:"HTTP timeout for a single snapshot attempt."`

	DispatchInterval time.Duration `name:"dispatch-interval" env:"THREATMAP_DISPATCH_INTERVAL" default:"200ms" help:"Spacing between attack releases within a batch."`
	AnimatingCap     int           `name:"animating-cap" env:"THREATMAP_ANIMATING_CAP" default:"200" help:"Maximum attacks animating at once."`
	HistoryCap       int           `name:"history-cap" env:"THREATMAP_HISTORY_CAP" default:"1000" help:"Attack details retained in memory."`
	Severities       []string      `name:"severities" env:"THREATMAP_SEVERITIES" default:"Low,Medium,High,Critical" sep:"," help:"Severities eligible for display."`

	ReconnectMin time.Duration `name:"reconnect-min" env:"THREATMAP_RECONNECT_MIN" default:"5s" help:"Initial delay before reconnecting the stream."`
	ReconnectMax time.Duration `name:"reconnect-max" env:"THREATMAP_RECONNECT_MAX" default:"5m" help:"Maximum delay between stream reconnects."`

	Listen      string `name:"listen" env:"THREATMAP_LISTEN" default:":8080" help:"HTTP listen address for the map API and metrics."`
	RedisURL    string `name:"redis" env:"THREATMAP_REDIS" help:"Redis URL for publishing released attacks (optional)."`
	DatabaseURL string `name:"database" env:"THREATMAP_DATABASE" help:"PostgreSQL URL for country reference data (optional)."`
	CountryData string `name:"country-data" env:"THREATMAP_COUNTRY_DATA" help:"CSV of code,name,latitude,longitude used to fill missing country fields (optional)."`
	GeoIPDB     string `name:"geoip-db" env:"THREATMAP_GEOIP_DB" help:"GeoLite2 City database used to locate snapshot IPs without coordinates (optional)."`

	ResolveCountries bool          `name:"resolve-countries" env:"THREATMAP_RESOLVE_COUNTRIES" help:"Fill missing country names from the built-in ISO 3166 table."`
	StatsInterval    time.Duration `name:"stats" env:"THREATMAP_STATS_INTERVAL" default:"30s" help:"Stats logging interval (0 disables)."`

	LogLevel string `name:"log-level" env:"LOG_LEVEL" default:"info" enum:"debug,info,warn,error" help:"Log level."`
}

// LoadEnvFiles loads any present .env files into the process environment.
// It returns the files that were loaded.
func LoadEnvFiles() ([]string, error) {
	loaded := make([]string, 0, len(envFiles))
	for _, file := range envFiles {
		if _, err := os.Stat(file); err != nil {
			continue
		}
		if err := godotenv.Load(file); err != nil {
			return loaded, fmt.Errorf("load %s: %w", file, err)
		}
		loaded = append(loaded, file)
	}
	return loaded, nil
}

// Load parses args (without the program name) into a Config.
func Load(args []string, options ...kong.Option) (*Config, error) {
	var cfg Config
	options = append([]kong.Option{
		kong.Name("threatmap"),
		kong.Description("Live cyber threat map pipeline: ingests attack telemetry and malicious IP snapshots for map rendering."),
	}, options...)

	parser, err := kong.New(&cfg, options...)
	if err != nil {
		return nil, fmt.Errorf("build parser: %w", err)
	}
	if _, err := parser.Parse(args); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values kong cannot check on its own.
func (c *Config) Validate() error {
	if c.StreamURL == "" {
		return fmt.Errorf("stream URL is required")
	}
	if c.SnapshotURL == "" {
		return fmt.Errorf("snapshot URL is required")
	}
	if c.SnapshotRetries < 1 {
		return fmt.Errorf("snapshot retries must be at least 1, got %d", c.SnapshotRetries)
	}
	if c.DispatchInterval <= 0 {
		return fmt.Errorf("dispatch interval must be positive, got %v", c.DispatchInterval)
	}
	if c.AnimatingCap < 1 {
		return fmt.Errorf("animating cap must be at least 1, got %d", c.AnimatingCap)
	}
	if c.HistoryCap < 10 {
		return fmt.Errorf("history cap must be at least 10, got %d", c.HistoryCap)
	}
	if c.ReconnectMin <= 0 || c.ReconnectMax < c.ReconnectMin {
		return fmt.Errorf("invalid reconnect bounds %v..%v", c.ReconnectMin, c.ReconnectMax)
	}
	if _, err := c.SeveritySet(); err != nil {
		return err
	}
	return nil
}

// SeveritySet converts the configured severity labels into an allow-list.
func (c *Config) SeveritySet() (models.SeveritySet, error) {
	if len(c.Severities) == 0 {
		return models.DefaultSeveritySet(), nil
	}
	set := models.NewSeveritySet()
	for _, label := range c.Severities {
		sev, ok := models.ParseSeverity(label)
		if !ok {
			return nil, fmt.Errorf("unknown severity %q", label)
		}
		set[sev] = struct{}{}
	}
	return set, nil
}
