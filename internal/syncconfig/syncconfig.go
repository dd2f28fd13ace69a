// Package syncconfig loads clinicsync settings. Priority for every value:
// CLINICSYNC_* env var > ~/.config/clinicsync/config.json > default.
package syncconfig

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// CollectionConfig controls per-collection capture.
type CollectionConfig struct {
	Mode string `json:"mode,omitempty"` // "full" or "metadata"
}

// SyncConfig holds sync-related settings.
type SyncConfig struct {
	CloudURL    string                      `json:"cloud_url"`
	ClinicID    string                      `json:"clinic_id"`
	Token       string                      `json:"token"`
	Interval    string                      `json:"interval,omitempty"` // duration string, default "5m"
	Collections map[string]CollectionConfig `json:"collections,omitempty"`
}

// TracingConfig holds optional tracing settings.
type TracingConfig struct {
	Enabled  bool   `json:"enabled"`
	Exporter string `json:"exporter,omitempty"` // "stdout" or "otlp"
	Endpoint string `json:"endpoint,omitempty"`
}

// Config is the global config stored at ~/.config/clinicsync/config.json.
type Config struct {
	Sync     SyncConfig    `json:"sync"`
	Tracing  TracingConfig `json:"tracing"`
	DataDir  string        `json:"data_dir,omitempty"`
	CacheDir string        `json:"cache_dir,omitempty"`
}

// defaultModes is the out-of-the-box capture mode per collection. Image and
// document collections sync metadata only; the binary content moves through
// the artifact path.
var defaultModes = map[string]string{
	"patients":       "full",
	"visits":         "full",
	"exams":          "full",
	"prescriptions":  "full",
	"invoices":       "full",
	"measurements":   "full",
	"patient_images": "metadata",
	"documents":      "metadata",
}

// ConfigDir returns ~/.config/clinicsync, creating it if necessary.
func ConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home dir: %w", err)
	}
	dir := filepath.Join(home, ".config", "clinicsync")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create config dir: %w", err)
	}
	return dir, nil
}

// LoadConfig reads the global config from ~/.config/clinicsync/config.json.
func LoadConfig() (*Config, error) {
	dir, err := ConfigDir()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(dir, "config.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, err
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// SaveConfig writes the global config to ~/.config/clinicsync/config.json.
func SaveConfig(cfg *Config) error {
	dir, err := ConfigDir()
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "config.json"), data, 0600)
}

// GetCloudURL returns the cloud endpoint, empty meaning sync disabled.
// Priority: CLINICSYNC_CLOUD_URL env > config.json > "".
func GetCloudURL() string {
	if v := os.Getenv("CLINICSYNC_CLOUD_URL"); v != "" {
		return v
	}
	cfg, err := LoadConfig()
	if err == nil && cfg.Sync.CloudURL != "" {
		return cfg.Sync.CloudURL
	}
	return ""
}

// GetClinicID returns this clinic's identifier.
// Priority: CLINICSYNC_CLINIC_ID env > config.json > "".
func GetClinicID() string {
	if v := os.Getenv("CLINICSYNC_CLINIC_ID"); v != "" {
		return v
	}
	cfg, err := LoadConfig()
	if err == nil && cfg.Sync.ClinicID != "" {
		return cfg.Sync.ClinicID
	}
	return ""
}

// GetToken returns the sync API token.
// Priority: CLINICSYNC_TOKEN env > config.json > "".
func GetToken() string {
	if v := os.Getenv("CLINICSYNC_TOKEN"); v != "" {
		return v
	}
	cfg, err := LoadConfig()
	if err == nil && cfg.Sync.Token != "" {
		return cfg.Sync.Token
	}
	return ""
}

// GetInterval returns the background sync interval.
// Priority: CLINICSYNC_INTERVAL env > config.json > 5m.
func GetInterval() time.Duration {
	if v := os.Getenv("CLINICSYNC_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	cfg, err := LoadConfig()
	if err == nil && cfg.Sync.Interval != "" {
		if d, err := time.ParseDuration(cfg.Sync.Interval); err == nil {
			return d
		}
	}
	return 5 * time.Minute
}

// GetDataDir returns where the local store and sync queue live.
// Priority: CLINICSYNC_DATA_DIR env > config.json > ~/.local/share/clinicsync.
func GetDataDir() (string, error) {
	if v := os.Getenv("CLINICSYNC_DATA_DIR"); v != "" {
		return v, nil
	}
	cfg, err := LoadConfig()
	if err == nil && cfg.DataDir != "" {
		return cfg.DataDir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home dir: %w", err)
	}
	return filepath.Join(home, ".local", "share", "clinicsync"), nil
}

// GetCacheDir returns where fetched artifacts are cached.
// Priority: CLINICSYNC_CACHE_DIR env > config.json > <data dir>/cache.
func GetCacheDir() (string, error) {
	if v := os.Getenv("CLINICSYNC_CACHE_DIR"); v != "" {
		return v, nil
	}
	cfg, err := LoadConfig()
	if err == nil && cfg.CacheDir != "" {
		return cfg.CacheDir, nil
	}
	data, err := GetDataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(data, "cache"), nil
}

// GetCollectionModes returns the capture mode per collection, config
// entries overriding the defaults.
func GetCollectionModes() map[string]string {
	modes := make(map[string]string, len(defaultModes))
	for name, mode := range defaultModes {
		modes[name] = mode
	}
	cfg, err := LoadConfig()
	if err != nil {
		return modes
	}
	for name, cc := range cfg.Sync.Collections {
		if cc.Mode == "full" || cc.Mode == "metadata" {
			modes[name] = cc.Mode
		}
	}
	return modes
}

// GetTracing returns the tracing settings.
// Priority: CLINICSYNC_TRACE / CLINICSYNC_TRACE_ENDPOINT env > config.json.
func GetTracing() TracingConfig {
	cfg, err := LoadConfig()
	tc := TracingConfig{}
	if err == nil {
		tc = cfg.Tracing
	}
	if v := os.Getenv("CLINICSYNC_TRACE"); v != "" {
		tc.Enabled = true
		tc.Exporter = v
	}
	if v := os.Getenv("CLINICSYNC_TRACE_ENDPOINT"); v != "" {
		tc.Endpoint = v
	}
	return tc
}
