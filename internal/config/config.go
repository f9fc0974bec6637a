// Package config loads run configuration from YAML over built-in defaults,
// with .env and FLOOD_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/withObsrvr/flood-impact-runner/internal/attest"
	"github.com/withObsrvr/flood-impact-runner/internal/cleaner"
	"github.com/withObsrvr/flood-impact-runner/internal/storage"
)

// Config is the full run configuration.
type Config struct {
	Storage   storage.StorageConfig `yaml:"storage"`
	Inventory InventoryConfig       `yaml:"inventory"`
	Raster    RasterConfig          `yaml:"raster"`

	Mode       string `yaml:"mode"`
	StateScope string `yaml:"state_scope"`
	EventMap   string `yaml:"event_map"`
	OutputRoot string `yaml:"output_root"`
	Resume     bool   `yaml:"resume"`

	BatchSize       int           `yaml:"batch_size"`
	DownloadRetries int           `yaml:"download_retries"`
	UploadRetries   int           `yaml:"upload_retries"`
	BackoffStep     time.Duration `yaml:"backoff_step"`
	BackoffCap      time.Duration `yaml:"backoff_cap"`

	FirmzoneCodes   FirmzoneCodes  `yaml:"firmzone_codes"`
	FoundTypeMap    map[string]int `yaml:"found_type_map"`
	OccupancyLookup string         `yaml:"occupancy_lookup"`

	Workers WorkersConfig `yaml:"workers"`
	Engine  EngineConfig  `yaml:"engine"`
	Upload  UploadConfig  `yaml:"upload"`
	Metrics MetricsConfig `yaml:"metrics"`
	Catalog CatalogConfig `yaml:"catalog"`
	Attest  attest.Config `yaml:"attestation"`
	Logging LoggingConfig `yaml:"logging"`
}

type InventoryConfig struct {
	Prefix string `yaml:"prefix"`
}

type RasterConfig struct {
	Prefix string `yaml:"prefix"`
	Name   string `yaml:"name"` // "auto" or an object name
}

// FirmzoneCodes lists the hazard zone codes per coastal category. A trailing
// '*' matches by prefix.
type FirmzoneCodes struct {
	CoastalV []string `yaml:"coastal_v"`
	CoastalA []string `yaml:"coastal_a"`
}

type WorkersConfig struct {
	MaxWorkers      int `yaml:"max_workers"`
	DownloadWorkers int `yaml:"download_workers"`
	CleanWorkers    int `yaml:"clean_workers"`
}

// EngineConfig describes how the damage engine is invoked.
type EngineConfig struct {
	Python      string `yaml:"python"`
	Script      string `yaml:"script"`
	ProjectRoot string `yaml:"project_root"`
	LogPath     string `yaml:"log_path"`
	QCWarning   bool   `yaml:"qc_warning"`
}

type UploadConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Compression string `yaml:"compression"` // "" | "none" | "zstd"
}

type MetricsConfig struct {
	Address   string `yaml:"address"`
	Namespace string `yaml:"namespace"`
}

type CatalogConfig struct {
	PostgresDSN string `yaml:"postgres_dsn"`
}

type LoggingConfig struct {
	Format string `yaml:"format"`
	Level  string `yaml:"level"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Storage: storage.StorageConfig{
			Backend:  "local",
			LocalDir: "./data",
		},
		Inventory: InventoryConfig{Prefix: "nsi"},
		Raster:    RasterConfig{Prefix: "rasters", Name: "auto"},

		Mode:       string(cleaner.ImpactOnly),
		StateScope: "all",
		EventMap:   "configs/event_state_map.yaml",
		OutputRoot: "exports",
		Resume:     true,

		BatchSize:       65536,
		DownloadRetries: 3,
		UploadRetries:   3,
		BackoffStep:     3 * time.Second,
		BackoffCap:      10 * time.Second,

		FirmzoneCodes: FirmzoneCodes{
			CoastalV: []string{"V", "VE", "VE*"},
			CoastalA: []string{"A", "AE", "AH", "AO", "A99", "AREA", "A*"},
		},
		FoundTypeMap: map[string]int{
			"2":             2,
			"4":             4,
			"5":             5,
			"7":             7,
			"B":             4,
			"BASEMENT":      4,
			"C":             5,
			"CRAWL":         5,
			"CRAWL SPACE":   5,
			"P":             2,
			"PIER":          2,
			"S":             7,
			"SLAB":          7,
			"SLAB ON GRADE": 7,
			"F":             5,
			"I":             5,
			"W":             5,
		},
		OccupancyLookup: "FAST-main/Lookuptables/OccupancyTypes.csv",

		Workers: WorkersConfig{
			MaxWorkers:      4,
			DownloadWorkers: 4,
			CleanWorkers:    2,
		},
		Engine: EngineConfig{
			Python:      "python3",
			Script:      "FAST-main/Python_env/run_fast.py",
			ProjectRoot: "FAST-main",
		},
		Metrics: MetricsConfig{Namespace: "flood_runner"},
		Attest:  attest.Config{Dir: "state/attestations"},
		Logging: LoggingConfig{Format: "text", Level: "info"},
	}
}

// Load reads path over the defaults and applies environment overrides. A
// missing file at an empty path yields the defaults; a missing explicit path
// is an error.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("ignoring unreadable .env file", "error", err)
	}

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnvOverrides() error {
	setString := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	var errs []error
	setInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}

	setString("FLOOD_STORAGE_BACKEND", &c.Storage.Backend)
	setString("FLOOD_LOCAL_DIR", &c.Storage.LocalDir)
	setString("FLOOD_GCS_BUCKET", &c.Storage.GCSBucket)
	setString("FLOOD_S3_BUCKET", &c.Storage.S3Bucket)
	setString("FLOOD_S3_ENDPOINT", &c.Storage.S3Endpoint)
	setString("FLOOD_S3_REGION", &c.Storage.S3Region)
	setString("FLOOD_STORAGE_PREFIX", &c.Storage.Prefix)
	setString("FLOOD_MODE", &c.Mode)
	setString("FLOOD_OUTPUT_ROOT", &c.OutputRoot)
	setString("FLOOD_ENGINE_PYTHON", &c.Engine.Python)
	setString("FLOOD_LOG_LEVEL", &c.Logging.Level)
	setString("FLOOD_LOG_FORMAT", &c.Logging.Format)
	setString("FLOOD_METRICS_ADDRESS", &c.Metrics.Address)
	setString("FLOOD_POSTGRES_DSN", &c.Catalog.PostgresDSN)
	setString("FLOOD_ATTEST_ENDPOINT", &c.Attest.Endpoint)
	setInt("FLOOD_MAX_WORKERS", &c.Workers.MaxWorkers)
	setInt("FLOOD_DOWNLOAD_WORKERS", &c.Workers.DownloadWorkers)
	setInt("FLOOD_CLEAN_WORKERS", &c.Workers.CleanWorkers)

	return errors.Join(errs...)
}

// Validate checks the configuration for values no stage can run with.
func (c *Config) Validate() error {
	var errs []error
	if _, err := cleaner.ParseMode(c.Mode); err != nil {
		errs = append(errs, err)
	}
	switch c.Storage.Backend {
	case "local", "gcs", "s3", "mem":
	default:
		errs = append(errs, fmt.Errorf("unknown storage backend %q", c.Storage.Backend))
	}
	if c.Inventory.Prefix == "" {
		errs = append(errs, errors.New("inventory.prefix is required"))
	}
	if c.Raster.Prefix == "" {
		errs = append(errs, errors.New("raster.prefix is required"))
	}
	if c.BatchSize <= 0 {
		errs = append(errs, fmt.Errorf("batch_size must be positive, got %d", c.BatchSize))
	}
	if c.DownloadRetries < 1 || c.UploadRetries < 1 {
		errs = append(errs, errors.New("download_retries and upload_retries must be at least 1"))
	}
	if c.BackoffStep < 0 || c.BackoffCap < 0 {
		errs = append(errs, errors.New("backoff durations must not be negative"))
	}
	if c.Workers.MaxWorkers < 1 {
		errs = append(errs, fmt.Errorf("workers.max_workers must be at least 1, got %d", c.Workers.MaxWorkers))
	}
	if c.Workers.DownloadWorkers < 1 || c.Workers.CleanWorkers < 1 {
		errs = append(errs, errors.New("workers.download_workers and workers.clean_workers must be at least 1"))
	}
	if len(c.FoundTypeMap) == 0 {
		errs = append(errs, errors.New("found_type_map is empty"))
	}
	for k, v := range c.FoundTypeMap {
		if _, ok := cleaner.FoundationTypes[v]; !ok {
			errs = append(errs, fmt.Errorf("found_type_map[%q] = %d is not a foundation type", k, v))
		}
	}
	switch c.Upload.Compression {
	case "", "none", "zstd":
	default:
		errs = append(errs, fmt.Errorf("unknown upload compression %q", c.Upload.Compression))
	}
	if c.OccupancyLookup == "" {
		errs = append(errs, errors.New("occupancy_lookup is required"))
	}
	if c.Engine.Python == "" || c.Engine.Script == "" {
		errs = append(errs, errors.New("engine.python and engine.script are required"))
	}
	return errors.Join(errs...)
}

// Lookups loads the occupancy allow-list and builds the cleaning reference
// data.
func (c *Config) Lookups() (*cleaner.Lookups, error) {
	occ, err := cleaner.LoadOccupancies(c.OccupancyLookup)
	if err != nil {
		return nil, err
	}
	return cleaner.NewLookups(c.FoundTypeMap, c.FirmzoneCodes.CoastalV, c.FirmzoneCodes.CoastalA, occ)
}

// RetryPolicy returns the transfer retry policy for the given attempt count.
func (c *Config) RetryPolicy(attempts int) storage.RetryPolicy {
	return storage.RetryPolicy{Attempts: attempts, Step: c.BackoffStep, Cap: c.BackoffCap}
}

// Compress reports whether uploads are zstd-compressed.
func (c *Config) Compress() bool {
	return c.Upload.Compression == "zstd"
}
