package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the application configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Log     LogConfig     `yaml:"log"`
	DB      DBConfig      `yaml:"db"`
	Data    DataConfig    `yaml:"data"`
	Request RequestConfig `yaml:"request"`
	Landsat LandsatConfig `yaml:"landsat"`
	Prism   PrismConfig   `yaml:"prism"`
	NLDAS   NLDASConfig   `yaml:"nldas"`
	Compute ComputeConfig `yaml:"compute"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Address string `yaml:"address"`
}

// LogSettings holds settings for a specific logger.
type LogSettings struct {
	Path  string `yaml:"path"`
	Level string `yaml:"level"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Server   LogSettings `yaml:"server"`
	Requests LogSettings `yaml:"requests"`
}

// DBConfig holds job store settings.
type DBConfig struct {
	Path string `yaml:"path"`
}

// DataConfig locates the raw-data cache and the per-job result trees.
type DataConfig struct {
	Root       string `yaml:"root"`
	ResultsDir string `yaml:"results_dir"`
}

// RequestConfig holds shared download settings for all providers.
type RequestConfig struct {
	Timeout     Duration `yaml:"timeout"`
	Retries     int      `yaml:"retries"`
	Concurrency int      `yaml:"concurrency"` // simultaneous connections per provider
}

// BandConfig maps a retained spectral band to its catalog asset key.
type BandConfig struct {
	Name  string `yaml:"name"`  // directory and filename prefix, e.g. B4
	Asset string `yaml:"asset"` // STAC asset key, e.g. red
}

// LandsatConfig holds scene-archive settings.
type LandsatConfig struct {
	SearchURL        string       `yaml:"search_url"`
	Collection       string       `yaml:"collection"`
	Bands            []BandConfig `yaml:"bands"`
	SearchWindowDays int          `yaml:"search_window_days"`
	SignURL          string       `yaml:"sign_url"` // anonymous signing service, optional
}

// PrismConfig holds gridded-climate settings.
type PrismConfig struct {
	BaseURL   string   `yaml:"base_url"` // fmt template: variable, YYYYMMDD
	Variables []string `yaml:"variables"`
}

// NLDASConfig holds hourly-forcing settings.
type NLDASConfig struct {
	BaseURL      string `yaml:"base_url"` // fmt template: year, day-of-year, YYYYMMDD, hour
	NetrcMachine string `yaml:"netrc_machine"`
	MaxRetries   int    `yaml:"max_retries"`
}

// ComputeConfig holds the downstream compute hand-off settings.
type ComputeConfig struct {
	AutoCalc bool   `yaml:"auto_calc"`
	Command  string `yaml:"command"`
}

// MetricsConfig holds Prometheus exposition settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Address: "localhost:8642",
		},
		Log: LogConfig{
			Server:   LogSettings{Path: "./logs/server.log", Level: "INFO"},
			Requests: LogSettings{Path: "./logs/requests.log", Level: "INFO"},
		},
		DB: DBConfig{
			Path: "./data/etmapd.db",
		},
		Data: DataConfig{
			Root:       "./data/raw",
			ResultsDir: "./data/results",
		},
		Request: RequestConfig{
			Timeout:     Duration(120 * time.Second),
			Retries:     2,
			Concurrency: 4,
		},
		Landsat: LandsatConfig{
			SearchURL:  "https://earth-search.aws.element84.com/v1/search",
			Collection: "landsat-c2-l2",
			Bands: []BandConfig{
				{Name: "B4", Asset: "red"},
				{Name: "B5", Asset: "nir08"},
			},
			SearchWindowDays: 45,
		},
		Prism: PrismConfig{
			BaseURL:   "https://services.nacse.org/prism/data/public/4km/%s/%s",
			Variables: []string{"ppt", "tmean", "tmax", "tmin"},
		},
		NLDAS: NLDASConfig{
			BaseURL:      "https://hydro1.gesdisc.eosdis.nasa.gov/data/NLDAS/NLDAS_FORA0125_H.2.0/%d/%03d/NLDAS_FORA0125_H.A%s.%02d00.020.nc",
			NetrcMachine: "urs.earthdata.nasa.gov",
			MaxRetries:   5,
		},
		Compute: ComputeConfig{
			AutoCalc: true,
			Command:  "etcalc",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}
}

// Load reads the configuration at path, merging file values over
// defaults, then applies ETMAP_* environment overrides. A missing file
// is written out with defaults first.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create config directory: %w", err)
	}

	if _, err := os.Stat(path); err == nil {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	} else if err := Save(path, cfg); err != nil {
		return nil, fmt.Errorf("failed to save config file: %w", err)
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides file values from the environment so deployments
// can relocate paths without editing the config file.
func (c *Config) applyEnv() {
	if v := os.Getenv("ETMAP_DATA_DIR"); v != "" {
		c.Data.Root = v
	}
	if v := os.Getenv("ETMAP_RESULTS_DIR"); v != "" {
		c.Data.ResultsDir = v
	}
	if v := os.Getenv("ETMAP_DB_PATH"); v != "" {
		c.DB.Path = v
	}
	if v := os.Getenv("ETMAP_ADDR"); v != "" {
		c.Server.Address = v
	}
}

// Validate rejects configurations the fetchers cannot work with.
func (c *Config) Validate() error {
	if c.Data.Root == "" {
		return fmt.Errorf("data.root must not be empty")
	}
	if c.Data.ResultsDir == "" {
		return fmt.Errorf("data.results_dir must not be empty")
	}
	if len(c.Landsat.Bands) == 0 {
		return fmt.Errorf("landsat.bands must list at least one band")
	}
	if c.Request.Concurrency <= 0 {
		return fmt.Errorf("request.concurrency must be positive")
	}
	if c.Landsat.SearchWindowDays < 0 {
		return fmt.Errorf("landsat.search_window_days must not be negative")
	}
	return nil
}

// Save writes the configuration to the path.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := []byte(`# etmapd Configuration
# --------------------
# Paths may be overridden via ETMAP_DATA_DIR, ETMAP_RESULTS_DIR,
# ETMAP_DB_PATH and ETMAP_ADDR.
# Duration units: ns, us, ms, s, m, h, d (day), w (week)

`)
	data = append(header, data...)

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// GenerateDefault creates a default config file at the given path.
// Returns nil if the file already exists.
func GenerateDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	return Save(path, DefaultConfig())
}
