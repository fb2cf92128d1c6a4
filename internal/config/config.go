package config

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/wesm/qaview/internal/rows"
)

// Config holds all application configuration.
type Config struct {
	Host         string        `json:"host"`
	Port         int           `json:"port"`
	DataDir      string        `json:"data_dir"`
	DBPath       string        `json:"-"`
	ExportDir    string        `json:"export_dir"`
	ExportDirs   []string      `json:"export_dirs,omitempty"`
	NoWatch      bool          `json:"no_watch"`
	Timezone     string        `json:"timezone,omitempty"`
	CursorSecret string        `json:"cursor_secret"`
	WriteTimeout time.Duration `json:"-"`

	SlowThresholdSec  float64 `json:"slow_threshold_sec"`
	LowScoreThreshold float64 `json:"low_score_threshold"`
	FocusFloor        float64 `json:"focus_floor"`
}

// Default returns a Config with default values.
func Default() (Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return Config{}, fmt.Errorf("determining home directory: %w", err)
	}
	dataDir := filepath.Join(home, ".qaview")
	th := rows.DefaultThresholds()
	return Config{
		Host:              "127.0.0.1",
		Port:              8090,
		DataDir:           dataDir,
		DBPath:            filepath.Join(dataDir, "runs.db"),
		ExportDir:         filepath.Join(dataDir, "exports"),
		WriteTimeout:      30 * time.Second,
		SlowThresholdSec:  th.SlowSec,
		LowScoreThreshold: th.LowScore,
		FocusFloor:        th.FocusFloor,
	}, nil
}

// Load builds a Config by layering: defaults < config file < env < flags.
// The provided FlagSet must already be parsed by the caller.
// Only flags that were explicitly set override the lower layers.
func Load(fs *flag.FlagSet) (Config, error) {
	cfg, err := LoadMinimal()
	if err != nil {
		return cfg, err
	}
	applyFlags(&cfg, fs)
	return cfg, cfg.Validate()
}

// LoadMinimal builds a Config from defaults, the config file and
// env, without CLI flags. Subcommands that manage their own flag
// sets use this.
func LoadMinimal() (Config, error) {
	cfg, err := Default()
	if err != nil {
		return cfg, err
	}
	// The data dir decides where config.json lives, so its env
	// override is applied before the file is read.
	if v := os.Getenv("QAVIEW_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if err := cfg.loadFile(); err != nil {
		return cfg, fmt.Errorf("loading config file: %w", err)
	}
	cfg.loadEnv()
	if err := cfg.ensureCursorSecret(); err != nil {
		return cfg, fmt.Errorf("ensuring cursor secret: %w", err)
	}
	cfg.DBPath = filepath.Join(cfg.DataDir, "runs.db")
	return cfg, nil
}

func (c *Config) configPath() string {
	return filepath.Join(c.DataDir, "config.json")
}

func (c *Config) loadFile() error {
	data, err := os.ReadFile(c.configPath())
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}

	var file struct {
		Host              string   `json:"host"`
		Port              int      `json:"port"`
		ExportDir         string   `json:"export_dir"`
		ExportDirs        []string `json:"export_dirs"`
		NoWatch           *bool    `json:"no_watch"`
		Timezone          string   `json:"timezone"`
		CursorSecret      string   `json:"cursor_secret"`
		WriteTimeoutSec   int      `json:"write_timeout_sec"`
		SlowThresholdSec  *float64 `json:"slow_threshold_sec"`
		LowScoreThreshold *float64 `json:"low_score_threshold"`
		FocusFloor        *float64 `json:"focus_floor"`
	}
	if err := json.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parsing config: %w", err)
	}
	if file.Host != "" {
		c.Host = file.Host
	}
	if file.Port > 0 {
		c.Port = file.Port
	}
	if file.ExportDir != "" {
		c.ExportDir = file.ExportDir
	}
	if len(file.ExportDirs) > 0 {
		c.ExportDirs = file.ExportDirs
	}
	if file.NoWatch != nil {
		c.NoWatch = *file.NoWatch
	}
	if file.Timezone != "" {
		c.Timezone = file.Timezone
	}
	if file.CursorSecret != "" {
		c.CursorSecret = file.CursorSecret
	}
	if file.WriteTimeoutSec > 0 {
		c.WriteTimeout = time.Duration(file.WriteTimeoutSec) * time.Second
	}
	if file.SlowThresholdSec != nil {
		c.SlowThresholdSec = *file.SlowThresholdSec
	}
	if file.LowScoreThreshold != nil {
		c.LowScoreThreshold = *file.LowScoreThreshold
	}
	if file.FocusFloor != nil {
		c.FocusFloor = *file.FocusFloor
	}
	return nil
}

// loadEnv applies environment overrides. An export dir from the
// environment replaces any config-file list.
func (c *Config) loadEnv() {
	if v := os.Getenv("QAVIEW_EXPORT_DIR"); v != "" {
		c.ExportDir = v
		c.ExportDirs = []string{v}
	}
	if v := os.Getenv("QAVIEW_TIMEZONE"); v != "" {
		c.Timezone = v
	}
}

func (c *Config) ensureCursorSecret() error {
	if c.CursorSecret != "" {
		return nil
	}
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return fmt.Errorf("generating secret: %w", err)
	}
	secret := base64.StdEncoding.EncodeToString(b)
	if err := c.saveKey("cursor_secret", secret); err != nil {
		return err
	}
	c.CursorSecret = secret
	return nil
}

// saveKey sets one key in config.json, keeping every other key.
func (c *Config) saveKey(key string, value any) error {
	if err := os.MkdirAll(c.DataDir, 0o700); err != nil {
		return fmt.Errorf("creating data dir: %w", err)
	}
	existing := make(map[string]any)
	data, err := os.ReadFile(c.configPath())
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("reading config: %w", err)
	}
	if err == nil {
		if err := json.Unmarshal(data, &existing); err != nil {
			return fmt.Errorf("existing config invalid: %w", err)
		}
	}
	existing[key] = value
	out, err := json.MarshalIndent(existing, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	if err := os.WriteFile(c.configPath(), out, 0o600); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	return nil
}

// ResolveExportDirs returns the effective export directories:
// the configured list when set, else the single export dir.
func (c *Config) ResolveExportDirs() []string {
	if len(c.ExportDirs) > 0 {
		return c.ExportDirs
	}
	if c.ExportDir != "" {
		return []string{c.ExportDir}
	}
	return nil
}

// Thresholds returns the table filter thresholds.
func (c *Config) Thresholds() rows.Thresholds {
	return rows.Thresholds{
		SlowSec:    c.SlowThresholdSec,
		LowScore:   c.LowScoreThreshold,
		FocusFloor: c.FocusFloor,
	}
}

// Location returns the display time zone, UTC when unset.
func (c *Config) Location() (*time.Location, error) {
	if c.Timezone == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(c.Timezone)
}

// Validate reports configuration values that cannot work.
func (c *Config) Validate() error {
	var errs []error
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	if c.SlowThresholdSec <= 0 {
		errs = append(errs, errors.New("slow_threshold_sec must be positive"))
	}
	if c.LowScoreThreshold < 0 || c.LowScoreThreshold > 5 {
		errs = append(errs, errors.New("low_score_threshold must be within 0..5"))
	}
	if c.FocusFloor < 0 || c.FocusFloor > 5 {
		errs = append(errs, errors.New("focus_floor must be within 0..5"))
	}
	if _, err := c.Location(); err != nil {
		errs = append(errs, fmt.Errorf("timezone: %w", err))
	}
	return errors.Join(errs...)
}

// RegisterServeFlags registers serve-command flags on fs.
// The caller must call fs.Parse before passing fs to Load.
func RegisterServeFlags(fs *flag.FlagSet) {
	fs.String("host", "127.0.0.1", "Host to bind to")
	fs.Int("port", 8090, "Port to listen on")
	fs.String("export-dir", "", "Directory of run exports to import")
	fs.String("timezone", "", "IANA time zone for timestamps and date filters")
	fs.Bool("no-watch", false, "Don't watch export dirs for changes")
}

// applyFlags copies explicitly-set flags from fs into cfg.
func applyFlags(cfg *Config, fs *flag.FlagSet) {
	if fs == nil {
		return
	}
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "host":
			cfg.Host = f.Value.String()
		case "port":
			// flag already validated the int
			cfg.Port, _ = strconv.Atoi(f.Value.String())
		case "export-dir":
			cfg.ExportDir = f.Value.String()
			cfg.ExportDirs = []string{cfg.ExportDir}
		case "timezone":
			cfg.Timezone = f.Value.String()
		case "no-watch":
			cfg.NoWatch = f.Value.String() == "true"
		}
	})
}
