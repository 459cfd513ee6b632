package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"

	"github.com/LuminPulse-AI/clinicsync"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.clinicsync/config.toml.
type Config struct {
	Default ConfigDefault `toml:"default"`
	Sync    ConfigSync    `toml:"sync"`
	Server  ConfigServer  `toml:"server"`
	Log     ConfigLog     `toml:"log"`
}

// ConfigDefault holds client connection settings.
type ConfigDefault struct {
	BaseURL   string `toml:"base_url"`
	Token     string `toml:"token"`
	Transport string `toml:"transport"` // "ws" or "sse"
}

// ConfigSync overrides engine timings. Durations use Go syntax ("5s").
type ConfigSync struct {
	MaxRetries         int    `toml:"max_retries,omitempty"`
	RetryBaseDelay     string `toml:"retry_base_delay,omitempty"`
	RetryMaxDelay      string `toml:"retry_max_delay,omitempty"`
	WatchdogDelay      string `toml:"watchdog_delay,omitempty"`
	PollInterval       string `toml:"poll_interval,omitempty"`
	FailedPollInterval string `toml:"failed_poll_interval,omitempty"`
}

// ConfigServer holds settings for `clinicsync serve`.
type ConfigServer struct {
	Addr         string `toml:"addr"`
	DBPath       string `toml:"db_path"`
	Token        string `toml:"token"`
	IntakeSecret string `toml:"intake_secret"`
}

// ConfigLog controls the slog handler.
type ConfigLog struct {
	Level  string `toml:"level"`  // debug, info, warn, error
	Format string `toml:"format"` // text or json
}

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns the path to ~/.clinicsync (or $CLINICSYNC_HOME), creating
// it if needed.
func configDir() (string, error) {
	dir := os.Getenv("CLINICSYNC_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("cannot determine home directory: %w", err)
		}
		dir = filepath.Join(home, ".clinicsync")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

// configPath returns the full path to the config file.
func configPath() (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// loadConfig reads and parses the config file.
// If the file does not exist, it returns a zero-value Config.
func loadConfig() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("cannot read config: %w", err)
	}
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
	}
	return &cfg, nil
}

// saveConfig writes the config struct back to disk as TOML.
func saveConfig(cfg *Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}

// envOverrides maps CLINICSYNC_* variables to config keys.
var envOverrides = map[string]string{
	"CLINICSYNC_BASE_URL":      "default.base_url",
	"CLINICSYNC_TOKEN":         "default.token",
	"CLINICSYNC_TRANSPORT":     "default.transport",
	"CLINICSYNC_ADDR":          "server.addr",
	"CLINICSYNC_DB_PATH":       "server.db_path",
	"CLINICSYNC_SERVER_TOKEN":  "server.token",
	"CLINICSYNC_INTAKE_SECRET": "server.intake_secret",
	"CLINICSYNC_LOG_LEVEL":     "log.level",
	"CLINICSYNC_LOG_FORMAT":    "log.format",
}

// loadEffectiveConfig is loadConfig with environment overrides applied.
// Values from a .env file in the working directory count as environment.
func loadEffectiveConfig() (*Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	for env, key := range envOverrides {
		if v, ok := os.LookupEnv(env); ok && v != "" {
			if err := setConfigValue(cfg, key, v); err != nil {
				return nil, fmt.Errorf("%s: %w", env, err)
			}
		}
	}
	return cfg, nil
}

// setConfigValue sets a config field using dot notation (e.g. "default.base_url").
func setConfigValue(cfg *Config, key, value string) error {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return fmt.Errorf("key must use dot notation: section.field (e.g. default.base_url)")
	}
	section, field := parts[0], parts[1]

	switch section {
	case "default":
		switch field {
		case "base_url":
			cfg.Default.BaseURL = value
		case "token":
			cfg.Default.Token = value
		case "transport":
			if value != "ws" && value != "sse" {
				return fmt.Errorf("transport must be ws or sse, got %q", value)
			}
			cfg.Default.Transport = value
		default:
			return fmt.Errorf("unknown field %q in section [default]", field)
		}
	case "sync":
		if field == "max_retries" {
			n, err := strconv.Atoi(value)
			if err != nil || n < 0 {
				return fmt.Errorf("max_retries must be a non-negative integer, got %q", value)
			}
			cfg.Sync.MaxRetries = n
			return nil
		}
		if _, err := time.ParseDuration(value); err != nil {
			return fmt.Errorf("invalid duration for sync.%s: %w", field, err)
		}
		switch field {
		case "retry_base_delay":
			cfg.Sync.RetryBaseDelay = value
		case "retry_max_delay":
			cfg.Sync.RetryMaxDelay = value
		case "watchdog_delay":
			cfg.Sync.WatchdogDelay = value
		case "poll_interval":
			cfg.Sync.PollInterval = value
		case "failed_poll_interval":
			cfg.Sync.FailedPollInterval = value
		default:
			return fmt.Errorf("unknown field %q in section [sync]", field)
		}
	case "server":
		switch field {
		case "addr":
			cfg.Server.Addr = value
		case "db_path":
			cfg.Server.DBPath = value
		case "token":
			cfg.Server.Token = value
		case "intake_secret":
			cfg.Server.IntakeSecret = value
		default:
			return fmt.Errorf("unknown field %q in section [server]", field)
		}
	case "log":
		switch field {
		case "level":
			if _, err := parseLevel(value); err != nil {
				return err
			}
			cfg.Log.Level = value
		case "format":
			if value != "text" && value != "json" {
				return fmt.Errorf("log format must be text or json, got %q", value)
			}
			cfg.Log.Format = value
		default:
			return fmt.Errorf("unknown field %q in section [log]", field)
		}
	default:
		return fmt.Errorf("unknown config section %q (valid: default, sync, server, log)", section)
	}
	return nil
}

// syncConfig converts the [sync] section into engine settings. Unset fields
// keep the engine defaults.
func syncConfig(cfg *Config, logger *slog.Logger) (*clinicsync.SyncConfig, error) {
	sc := &clinicsync.SyncConfig{MaxRetries: cfg.Sync.MaxRetries, Logger: logger}
	durations := []struct {
		name  string
		value string
		dst   *time.Duration
	}{
		{"retry_base_delay", cfg.Sync.RetryBaseDelay, &sc.RetryBaseDelay},
		{"retry_max_delay", cfg.Sync.RetryMaxDelay, &sc.RetryMaxDelay},
		{"watchdog_delay", cfg.Sync.WatchdogDelay, &sc.WatchdogDelay},
		{"poll_interval", cfg.Sync.PollInterval, &sc.PollInterval},
		{"failed_poll_interval", cfg.Sync.FailedPollInterval, &sc.FailedPollInterval},
	}
	for _, d := range durations {
		if d.value == "" {
			continue
		}
		v, err := time.ParseDuration(d.value)
		if err != nil {
			return nil, fmt.Errorf("sync.%s: %w", d.name, err)
		}
		*d.dst = v
	}
	return sc, nil
}

// ============================================================================
// Logging
// ============================================================================

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("invalid log level %q (valid: debug, info, warn, error)", s)
	}
	return level, nil
}

func newLogger(cfg ConfigLog, verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if cfg.Level != "" {
		if l, err := parseLevel(cfg.Level); err == nil {
			level = l
		}
	}
	if verbose {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// ============================================================================
// Root command
// ============================================================================

var verbose bool

var rootCmd = &cobra.Command{
	Use:           "clinicsync",
	Short:         "Clinic case sync CLI",
	Long:          "Command-line interface for the clinic case backend.\nManage configuration, work with cases, run the backend, and watch live changes.",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// A missing .env file is fine.
		_ = godotenv.Load()

		cfg, err := loadEffectiveConfig()
		if err != nil {
			return err
		}
		slog.SetDefault(newLogger(cfg.Log, verbose))
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
