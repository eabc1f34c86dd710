package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
)

// Config holds all agent configuration
type Config struct {
	ListenAddress string       `json:"listenAddress"`
	DataDir       string       `json:"dataDir"`
	DatabasePath  string       `json:"databasePath"`
	DatabaseURL   string       `json:"databaseUrl"`
	Upstream      Upstream     `json:"upstream"`
	Security      Security     `json:"security"`
	Connectivity  Connectivity `json:"connectivity"`
	Sync          Sync         `json:"sync"`
}

// Upstream configures the property-management API the agent syncs against
type Upstream struct {
	BaseURL      string `json:"baseUrl"`
	APIKey       string `json:"apiKey"`
	APIKeyHeader string `json:"apiKeyHeader"`
	OAuth        OAuth  `json:"oauth"`
}

// OAuth configures an optional client-credentials token source for the
// upstream API. When TokenURL is empty the plain API-key header is used.
type OAuth struct {
	TokenURL     string   `json:"tokenUrl"`
	ClientID     string   `json:"clientId"`
	ClientSecret string   `json:"clientSecret"`
	Scopes       []string `json:"scopes"`
}

// Security configures the local control API
type Security struct {
	APIKey       string `json:"apiKey"`
	APIKeyHeader string `json:"apiKeyHeader"`
}

// Connectivity configures the network probe
type Connectivity struct {
	ProbePath            string `json:"probePath"`
	ProbeIntervalSeconds int    `json:"probeIntervalSeconds"`
}

// Sync configures staleness and pull behavior
type Sync struct {
	StaleAfterMinutes int  `json:"staleAfterMinutes"`
	PullOnStart       bool `json:"pullOnStart"`
}

// UsePostgres returns true if the cache should live in PostgreSQL instead
// of the default local SQLite file
func (c *Config) UsePostgres() bool {
	return c.DatabaseURL != ""
}

// QueueDir returns the directory holding the queue journals
func (c *Config) QueueDir() string {
	return c.DataDir
}

// Default configuration
func defaultConfig() *Config {
	return &Config{
		ListenAddress: "127.0.0.1:7070",
		DataDir:       "./data",
		DatabasePath:  "./data/cache.db",
		Upstream: Upstream{
			BaseURL:      "http://localhost:5000",
			APIKeyHeader: "X-API-Key",
		},
		Security: Security{
			APIKeyHeader: "X-API-Key",
		},
		Connectivity: Connectivity{
			ProbePath:            "/api/health",
			ProbeIntervalSeconds: 15,
		},
		Sync: Sync{
			StaleAfterMinutes: 30,
			PullOnStart:       true,
		},
	}
}

// Load loads configuration from file or environment
func Load() (*Config, error) {
	cfg := defaultConfig()

	// Try to load from config file
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.json"
	}

	if data, err := os.ReadFile(configPath); err == nil {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, err
		}
	}

	// Override from environment variables
	if addr := os.Getenv("LISTEN_ADDRESS"); addr != "" {
		cfg.ListenAddress = addr
	}
	if dir := os.Getenv("DATA_DIR"); dir != "" {
		cfg.DataDir = dir
		cfg.DatabasePath = filepath.Join(dir, "cache.db")
	}
	if dbPath := os.Getenv("DATABASE_PATH"); dbPath != "" {
		cfg.DatabasePath = dbPath
	}
	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		cfg.DatabaseURL = dbURL
	}
	if baseURL := os.Getenv("SERVER_URL"); baseURL != "" {
		cfg.Upstream.BaseURL = baseURL
	}
	if apiKey := os.Getenv("SERVER_API_KEY"); apiKey != "" {
		cfg.Upstream.APIKey = apiKey
	}
	if apiKey := os.Getenv("API_KEY"); apiKey != "" {
		cfg.Security.APIKey = apiKey
	}
	if interval := os.Getenv("PROBE_INTERVAL_SECONDS"); interval != "" {
		if v, err := strconv.Atoi(interval); err == nil && v > 0 {
			cfg.Connectivity.ProbeIntervalSeconds = v
		}
	}
	if stale := os.Getenv("STALE_AFTER_MINUTES"); stale != "" {
		if v, err := strconv.Atoi(stale); err == nil && v > 0 {
			cfg.Sync.StaleAfterMinutes = v
		}
	}

	return cfg, nil
}
