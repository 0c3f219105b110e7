// Package config resolves the settings of the tv command from defaults,
// config files, environment and flags.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/charmbracelet/log"
	"github.com/tailscale/hujson"

	"github.com/calvinalkan/taskvault/internal/store"
)

// Error variables for config loading.
var (
	ErrConfigFileNotFound = errors.New("config file not found")
	ErrConfigFileRead     = errors.New("cannot read config file")
	ErrConfigInvalid      = errors.New("invalid config")
	ErrFileEmpty          = errors.New("file cannot be empty")
)

// File names looked up in the working directory, in order.
var projectFileNames = []string{".taskvault.json", ".taskvault.toml"}

// Environment variables that override config files.
const (
	EnvFile     = "TASKVAULT_FILE"
	EnvLogLevel = "TASKVAULT_LOG_LEVEL"
)

// Config holds all configuration options.
type Config struct {
	File             string
	BackupCount      int
	AutoSaveInterval time.Duration
	RetryAttempts    int
	RetryDelay       time.Duration
	MaxFileSize      int64
	LogLevel         string
	LogFormat        string

	// Resolved paths (computed, not serialized)
	EffectiveCwd string
	FileAbs      string

	// Sources tracks which config files were loaded (for diagnostics)
	Sources Sources
}

// Sources tracks which config files were loaded.
type Sources struct {
	Global  string // Path to global config if loaded, empty otherwise
	Project string // Path to project or explicit config if loaded, empty otherwise
	Env     []string
}

// Default returns the default configuration.
func Default() Config {
	return Config{
		File:             filepath.Join("data", "todos.json"),
		BackupCount:      store.DefaultBackupCount,
		AutoSaveInterval: store.DefaultAutoSaveInterval,
		RetryAttempts:    store.DefaultRetryAttempts,
		RetryDelay:       store.DefaultRetryDelay,
		MaxFileSize:      store.DefaultMaxFileSize,
		LogLevel:         "warn",
		LogFormat:        "text",
	}
}

// fileConfig is the on-disk shape. Pointers tell "unset" from zero.
type fileConfig struct {
	File             *string `json:"file"               toml:"file"`
	BackupCount      *int    `json:"backup_count"       toml:"backup_count"`
	AutoSaveInterval *string `json:"auto_save_interval" toml:"auto_save_interval"`
	RetryAttempts    *int    `json:"retry_attempts"     toml:"retry_attempts"`
	RetryDelay       *string `json:"retry_delay"        toml:"retry_delay"`
	MaxFileSize      *int64  `json:"max_file_size"      toml:"max_file_size"`
	LogLevel         *string `json:"log_level"          toml:"log_level"`
	LogFormat        *string `json:"log_format"         toml:"log_format"`
}

// GlobalPath returns the path to the global config file.
// Uses $XDG_CONFIG_HOME/taskvault/config.json if set, otherwise
// ~/.config/taskvault/config.json. Returns "" if neither is known.
func GlobalPath(env map[string]string) string {
	if xdgConfig := env["XDG_CONFIG_HOME"]; xdgConfig != "" {
		return filepath.Join(xdgConfig, "taskvault", "config.json")
	}

	if home := env["HOME"]; home != "" {
		return filepath.Join(home, ".config", "taskvault", "config.json")
	}

	return ""
}

// LoadInput holds the inputs for Load.
type LoadInput struct {
	WorkDirOverride string            // -C/--cwd flag value; if empty, os.Getwd() is used
	ConfigPath      string            // -c/--config flag value
	FileOverride    string            // -f/--file flag value; empty means no override
	HasFileOverride bool              // set when --file was given, even if empty
	LogLevel        string            // --log-level flag value
	Env             map[string]string // environment variables
}

// Load resolves configuration with the following precedence (highest wins):
// 1. Defaults
// 2. Global user config ($XDG_CONFIG_HOME/taskvault/config.json)
// 3. Project config (.taskvault.json or .taskvault.toml), or the explicit
// file given by ConfigPath
// 4. Environment (TASKVAULT_FILE, TASKVAULT_LOG_LEVEL)
// 5. CLI overrides.
//
// The document path in the returned Config is resolved to an absolute path.
func Load(input LoadInput) (Config, error) {
	workDir := input.WorkDirOverride
	if workDir == "" {
		var err error

		workDir, err = os.Getwd()
		if err != nil {
			return Config{}, fmt.Errorf("cannot get working directory: %w", err)
		}
	}

	cfg := Default()

	if globalPath := GlobalPath(input.Env); globalPath != "" {
		fc, loaded, err := loadFile(globalPath, false)
		if err != nil {
			return Config{}, err
		}

		if loaded {
			cfg, err = merge(cfg, fc)
			if err != nil {
				return Config{}, fmt.Errorf("%w %s: %w", ErrConfigInvalid, globalPath, err)
			}

			cfg.Sources.Global = globalPath
		}
	}

	projectCfg, projectPath, err := loadProject(workDir, input.ConfigPath)
	if err != nil {
		return Config{}, err
	}

	if projectPath != "" {
		cfg, err = merge(cfg, projectCfg)
		if err != nil {
			return Config{}, fmt.Errorf("%w %s: %w", ErrConfigInvalid, projectPath, err)
		}

		cfg.Sources.Project = projectPath
	}

	if v, ok := input.Env[EnvFile]; ok && v != "" {
		cfg.File = v
		cfg.Sources.Env = append(cfg.Sources.Env, EnvFile)
	}

	if v, ok := input.Env[EnvLogLevel]; ok && v != "" {
		cfg.LogLevel = v
		cfg.Sources.Env = append(cfg.Sources.Env, EnvLogLevel)
	}

	if input.HasFileOverride {
		cfg.File = input.FileOverride
	}

	if input.LogLevel != "" {
		cfg.LogLevel = input.LogLevel
	}

	err = validate(cfg)
	if err != nil {
		return Config{}, err
	}

	cfg.EffectiveCwd = workDir

	if filepath.IsAbs(cfg.File) {
		cfg.FileAbs = filepath.Clean(cfg.File)
	} else {
		cfg.FileAbs = filepath.Join(workDir, cfg.File)
	}

	return cfg, nil
}

// Store returns the engine configuration for cfg.
func (c Config) Store(logger *log.Logger) store.Config {
	backups := c.BackupCount
	if backups == 0 {
		// Zero means default to the store; only the newest backup is kept.
		backups = -1
	}

	return store.Config{
		Path:             c.FileAbs,
		BackupCount:      backups,
		AutoSaveInterval: c.AutoSaveInterval,
		RetryAttempts:    c.RetryAttempts,
		RetryDelay:       c.RetryDelay,
		MaxFileSize:      c.MaxFileSize,
		Logger:           logger,
	}
}

// Format renders cfg as key=value lines.
func (c Config) Format() string {
	var b strings.Builder

	fmt.Fprintf(&b, "effective_cwd=%s\n", c.EffectiveCwd)
	fmt.Fprintf(&b, "file=%s\n", c.FileAbs)
	fmt.Fprintf(&b, "backup_count=%d\n", c.BackupCount)
	fmt.Fprintf(&b, "auto_save_interval=%s\n", c.AutoSaveInterval)
	fmt.Fprintf(&b, "retry_attempts=%d\n", c.RetryAttempts)
	fmt.Fprintf(&b, "retry_delay=%s\n", c.RetryDelay)
	fmt.Fprintf(&b, "max_file_size=%d\n", c.MaxFileSize)
	fmt.Fprintf(&b, "log_level=%s\n", c.LogLevel)
	fmt.Fprintf(&b, "log_format=%s", c.LogFormat)

	return b.String()
}

// loadProject loads the project config file or an explicit config file.
// Returns the config and the path if loaded.
func loadProject(workDir, configPath string) (fileConfig, string, error) {
	if configPath != "" {
		cfgFile := configPath
		if !filepath.IsAbs(cfgFile) {
			cfgFile = filepath.Join(workDir, cfgFile)
		}

		_, statErr := os.Stat(cfgFile)
		if statErr != nil {
			return fileConfig{}, "", fmt.Errorf("%w: %s", ErrConfigFileNotFound, configPath)
		}

		fc, _, err := loadFile(cfgFile, true)
		if err != nil {
			return fileConfig{}, "", err
		}

		return fc, cfgFile, nil
	}

	for _, name := range projectFileNames {
		cfgFile := filepath.Join(workDir, name)

		fc, loaded, err := loadFile(cfgFile, false)
		if err != nil {
			return fileConfig{}, "", err
		}

		if loaded {
			return fc, cfgFile, nil
		}
	}

	return fileConfig{}, "", nil
}

// loadFile reads and parses one config file. Missing optional files are
// reported as not loaded.
func loadFile(path string, mustExist bool) (fileConfig, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) && !mustExist {
			return fileConfig{}, false, nil
		}

		return fileConfig{}, false, fmt.Errorf("%w: %s: %w", ErrConfigFileRead, path, err)
	}

	fc, err := parse(path, data)
	if err != nil {
		return fileConfig{}, false, fmt.Errorf("%w %s: %w", ErrConfigInvalid, path, err)
	}

	return fc, true, nil
}

func parse(path string, data []byte) (fileConfig, error) {
	var fc fileConfig

	if strings.EqualFold(filepath.Ext(path), ".toml") {
		md, err := toml.Decode(string(data), &fc)
		if err != nil {
			return fileConfig{}, fmt.Errorf("invalid TOML: %w", err)
		}

		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return fileConfig{}, fmt.Errorf("unknown key %q", undecoded[0].String())
		}

		return fc, nil
	}

	standardized, err := hujson.Standardize(data)
	if err != nil {
		return fileConfig{}, fmt.Errorf("invalid JSONC: %w", err)
	}

	dec := json.NewDecoder(bytes.NewReader(standardized))
	dec.DisallowUnknownFields()

	err = dec.Decode(&fc)
	if err != nil {
		return fileConfig{}, fmt.Errorf("invalid JSON: %w", err)
	}

	return fc, nil
}

func merge(base Config, overlay fileConfig) (Config, error) {
	if overlay.File != nil {
		if *overlay.File == "" {
			return Config{}, ErrFileEmpty
		}

		base.File = *overlay.File
	}

	if overlay.BackupCount != nil {
		base.BackupCount = *overlay.BackupCount
	}

	if overlay.AutoSaveInterval != nil {
		d, err := parseDuration("auto_save_interval", *overlay.AutoSaveInterval)
		if err != nil {
			return Config{}, err
		}

		base.AutoSaveInterval = d
	}

	if overlay.RetryAttempts != nil {
		base.RetryAttempts = *overlay.RetryAttempts
	}

	if overlay.RetryDelay != nil {
		d, err := parseDuration("retry_delay", *overlay.RetryDelay)
		if err != nil {
			return Config{}, err
		}

		base.RetryDelay = d
	}

	if overlay.MaxFileSize != nil {
		base.MaxFileSize = *overlay.MaxFileSize
	}

	if overlay.LogLevel != nil {
		base.LogLevel = *overlay.LogLevel
	}

	if overlay.LogFormat != nil {
		base.LogFormat = *overlay.LogFormat
	}

	return base, nil
}

// parseDuration accepts Go duration strings ("5s") and "off" or "0",
// which disable the setting.
func parseDuration(key, value string) (time.Duration, error) {
	switch strings.TrimSpace(value) {
	case "off", "0":
		return -1, nil
	}

	if secs, err := strconv.ParseFloat(value, 64); err == nil {
		return 0, fmt.Errorf("%s: %q has no unit, did you mean \"%gs\"?", key, value, secs)
	}

	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}

	return d, nil
}

func validate(cfg Config) error {
	if cfg.File == "" {
		return ErrFileEmpty
	}

	var problems []error

	if cfg.BackupCount < 0 {
		problems = append(problems, fmt.Errorf("backup_count must be >= 0, got %d", cfg.BackupCount))
	}

	if cfg.RetryAttempts < 1 {
		problems = append(problems, fmt.Errorf("retry_attempts must be >= 1, got %d", cfg.RetryAttempts))
	}

	if cfg.RetryDelay < 0 {
		problems = append(problems, errors.New("retry_delay cannot be disabled"))
	}

	if cfg.MaxFileSize <= 0 {
		problems = append(problems, fmt.Errorf("max_file_size must be > 0, got %d", cfg.MaxFileSize))
	}

	if _, err := log.ParseLevel(cfg.LogLevel); err != nil {
		problems = append(problems, fmt.Errorf("log_level: %w", err))
	}

	switch cfg.LogFormat {
	case "text", "logfmt", "json":
	default:
		problems = append(problems, fmt.Errorf("log_format must be text, logfmt or json, got %q", cfg.LogFormat))
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %w", ErrConfigInvalid, errors.Join(problems...))
	}

	return nil
}
