package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/dyike/PolishGo/internal/llm"
	"github.com/dyike/PolishGo/models"
)

type Config struct {
	DataDir string `json:"data_dir"`
	DBPath  string `json:"db_path"`

	// Default model endpoint used when a session does not name one.
	DefaultModel   string `json:"default_model"`
	DefaultBaseURL string `json:"default_base_url"`
	DefaultAPIKey  string `json:"default_api_key"`

	// Per-stage model overrides, keyed by stage name.
	StageModels map[string]string `json:"stage_models,omitempty"`

	SegmentMaxUnits        int     `json:"segment_max_units"`
	HistoryBudget          int     `json:"history_budget"`
	CompressionTemperature float64 `json:"compression_temperature"`
	StageTemperature       float64 `json:"stage_temperature"`
	RequestTimeoutSeconds  int     `json:"request_timeout_seconds"`

	GovernorCapacity  int `json:"governor_capacity"`
	DispatcherWorkers int `json:"dispatcher_workers"`
	DispatcherQueue   int `json:"dispatcher_queue"`

	LogLevel  string `json:"log_level"`
	LogFormat string `json:"log_format"`
}

func DefaultConfig() *Config {
	currentDir, _ := os.Getwd()
	return DefaultConfigWithRoot(currentDir)
}

// DefaultConfigWithRoot builds defaults with the data dir under root, then
// applies .env and environment overrides.
func DefaultConfigWithRoot(root string) *Config {
	cfg := &Config{
		DataDir: filepath.Join(root, "data"),

		DefaultModel:   "gpt-4o-mini",
		DefaultBaseURL: "https://api.openai.com/v1",

		SegmentMaxUnits:        500,
		HistoryBudget:          4000,
		CompressionTemperature: 0.3,
		StageTemperature:       0.7,
		RequestTimeoutSeconds:  60,

		GovernorCapacity:  5,
		DispatcherWorkers: 4,
		DispatcherQueue:   64,

		LogLevel:  "info",
		LogFormat: "text",
	}

	// Load environment variables from .env file
	_ = godotenv.Load()

	cfg.loadFromEnv()
	return cfg
}

func envInt(name string, dst *int) {
	if val := os.Getenv(name); val != "" {
		if v, err := strconv.Atoi(val); err == nil {
			*dst = v
		}
	}
}

func envFloat(name string, dst *float64) {
	if val := os.Getenv(name); val != "" {
		if v, err := strconv.ParseFloat(val, 64); err == nil {
			*dst = v
		}
	}
}

func (c *Config) loadFromEnv() {
	if val := os.Getenv("POLISHGO_DATA_DIR"); val != "" {
		c.DataDir = val
	}
	if val := os.Getenv("POLISHGO_DB_PATH"); val != "" {
		c.DBPath = val
	}

	if val := os.Getenv("OPENAI_API_KEY"); val != "" {
		c.DefaultAPIKey = val
	}
	if val := os.Getenv("OPENAI_BASE_URL"); val != "" {
		c.DefaultBaseURL = val
	}
	if val := os.Getenv("POLISHGO_API_KEY"); val != "" {
		c.DefaultAPIKey = val
	}
	if val := os.Getenv("POLISHGO_BASE_URL"); val != "" {
		c.DefaultBaseURL = val
	}
	if val := os.Getenv("POLISHGO_MODEL"); val != "" {
		c.DefaultModel = val
	}
	for _, stage := range models.AllStages {
		name := "POLISHGO_" + strings.ToUpper(string(stage)) + "_MODEL"
		if val := os.Getenv(name); val != "" {
			if c.StageModels == nil {
				c.StageModels = make(map[string]string)
			}
			c.StageModels[string(stage)] = val
		}
	}

	envInt("POLISHGO_SEGMENT_MAX_UNITS", &c.SegmentMaxUnits)
	envInt("POLISHGO_HISTORY_BUDGET", &c.HistoryBudget)
	envFloat("POLISHGO_COMPRESSION_TEMPERATURE", &c.CompressionTemperature)
	envFloat("POLISHGO_STAGE_TEMPERATURE", &c.StageTemperature)
	envInt("POLISHGO_REQUEST_TIMEOUT", &c.RequestTimeoutSeconds)
	envInt("POLISHGO_GOVERNOR_CAPACITY", &c.GovernorCapacity)
	envInt("POLISHGO_WORKERS", &c.DispatcherWorkers)
	envInt("POLISHGO_QUEUE_SIZE", &c.DispatcherQueue)

	if val := os.Getenv("POLISHGO_LOG_LEVEL"); val != "" {
		c.LogLevel = val
	}
	if val := os.Getenv("POLISHGO_LOG_FORMAT"); val != "" {
		c.LogFormat = val
	}
}

func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.DataDir) == "" && strings.TrimSpace(c.DBPath) == "" {
		errs = append(errs, errors.New("data_dir or db_path is required"))
	}
	if c.SegmentMaxUnits <= 0 {
		errs = append(errs, fmt.Errorf("segment_max_units must be positive, got %d", c.SegmentMaxUnits))
	}
	if c.HistoryBudget <= 0 {
		errs = append(errs, fmt.Errorf("history_budget must be positive, got %d", c.HistoryBudget))
	}
	if c.CompressionTemperature < 0 || c.CompressionTemperature > 2 {
		errs = append(errs, fmt.Errorf("compression_temperature out of range: %v", c.CompressionTemperature))
	}
	if c.StageTemperature < 0 || c.StageTemperature > 2 {
		errs = append(errs, fmt.Errorf("stage_temperature out of range: %v", c.StageTemperature))
	}
	if c.RequestTimeoutSeconds <= 0 {
		errs = append(errs, fmt.Errorf("request_timeout_seconds must be positive, got %d", c.RequestTimeoutSeconds))
	}
	if c.GovernorCapacity <= 0 {
		errs = append(errs, fmt.Errorf("governor_capacity must be positive, got %d", c.GovernorCapacity))
	}
	if c.DispatcherWorkers <= 0 {
		errs = append(errs, fmt.Errorf("dispatcher_workers must be positive, got %d", c.DispatcherWorkers))
	}
	if c.DispatcherQueue <= 0 {
		errs = append(errs, fmt.Errorf("dispatcher_queue must be positive, got %d", c.DispatcherQueue))
	}
	for name := range c.StageModels {
		if !isStage(name) {
			errs = append(errs, fmt.Errorf("stage_models: unknown stage %q", name))
		}
	}
	switch strings.ToLower(c.LogFormat) {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log_format must be text or json, got %q", c.LogFormat))
	}
	return errors.Join(errs...)
}

func isStage(name string) bool {
	for _, st := range models.AllStages {
		if string(st) == name {
			return true
		}
	}
	return false
}

// RequestTimeout returns the per-call model timeout.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}

// StageDefaults returns the fallback model config for stage.
func (c Config) StageDefaults(stage models.Stage) models.ModelConfig {
	cfg := models.ModelConfig{
		Model:   c.DefaultModel,
		APIKey:  c.DefaultAPIKey,
		BaseURL: c.DefaultBaseURL,
	}
	if m := strings.TrimSpace(c.StageModels[string(stage)]); m != "" {
		cfg.Model = m
	}
	return cfg
}

// Redacted returns a copy safe to print.
func (c Config) Redacted() Config {
	if c.DefaultAPIKey != "" {
		c.DefaultAPIKey = llm.RedactKey(c.DefaultAPIKey)
	}
	return c
}

func (c *Config) EnsureDirectories() error {
	dirs := []string{c.DataDir}
	if strings.TrimSpace(c.DBPath) != "" {
		dirs = append(dirs, filepath.Dir(c.DBPath))
	}
	for _, dir := range dirs {
		path := strings.TrimSpace(dir)
		if path == "" {
			continue
		}
		if err := os.MkdirAll(path, 0o755); err != nil {
			return fmt.Errorf("create directory %s: %w", path, err)
		}
	}
	return nil
}
