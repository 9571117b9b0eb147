package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.chatsync/config.toml.
type Config struct {
	Default     ConfigDefault     `toml:"default"`
	Auth        ConfigAuth        `toml:"auth"`
	Collections ConfigCollections `toml:"collections"`
	Log         ConfigLog         `toml:"log"`
}

// ConfigDefault selects and addresses the backing store.
type ConfigDefault struct {
	Backend     string `toml:"backend"` // memory, ws, redis or postgres
	URL         string `toml:"url"`
	Token       string `toml:"token"`
	RedisPrefix string `toml:"redis_prefix"`
	Role        string `toml:"role"` // customer or shop
}

// ConfigAuth is the participant the engine acts as.
type ConfigAuth struct {
	UserID      string `toml:"user_id"`
	DisplayName string `toml:"display_name"`
}

// ConfigCollections overrides collection names.
type ConfigCollections struct {
	Chatrooms       string `toml:"chatrooms"`
	Messages        string `toml:"messages"`
	Legacy          string `toml:"legacy"`
	MembershipField string `toml:"membership_field"`
}

// ConfigLog controls log output.
type ConfigLog struct {
	Level  string `toml:"level"`
	Format string `toml:"format"` // json or console
}

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns the path to ~/.chatsync, creating it if needed.
// CHATSYNC_HOME overrides the location.
func configDir() (string, error) {
	dir := os.Getenv("CHATSYNC_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("cannot determine home directory: %w", err)
		}
		dir = filepath.Join(home, ".chatsync")
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

// loadConfig reads the config file and overlays CHATSYNC_* environment
// variables. A missing file yields the defaults.
func loadConfig() (*Config, error) {
	cfg, err := readConfigFile()
	if err != nil {
		return nil, err
	}
	applyEnv(cfg, os.LookupEnv)
	return cfg, nil
}

func readConfigFile() (*Config, error) {
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

// configFields maps dot-notation keys to their storage in Config.
func configFields(cfg *Config) map[string]*string {
	return map[string]*string{
		"default.backend":              &cfg.Default.Backend,
		"default.url":                  &cfg.Default.URL,
		"default.token":                &cfg.Default.Token,
		"default.redis_prefix":         &cfg.Default.RedisPrefix,
		"default.role":                 &cfg.Default.Role,
		"auth.user_id":                 &cfg.Auth.UserID,
		"auth.display_name":            &cfg.Auth.DisplayName,
		"collections.chatrooms":        &cfg.Collections.Chatrooms,
		"collections.messages":         &cfg.Collections.Messages,
		"collections.legacy":           &cfg.Collections.Legacy,
		"collections.membership_field": &cfg.Collections.MembershipField,
		"log.level":                    &cfg.Log.Level,
		"log.format":                   &cfg.Log.Format,
	}
}

var validSections = []string{"default", "auth", "collections", "log"}

// setConfigValue sets a config field using dot notation (e.g. "auth.user_id").
func setConfigValue(cfg *Config, key, value string) error {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return fmt.Errorf("key must use dot notation: section.field (e.g. auth.user_id)")
	}
	section, field := parts[0], parts[1]

	known := false
	for _, s := range validSections {
		if s == section {
			known = true
		}
	}
	if !known {
		return fmt.Errorf("unknown config section %q (valid: %s)", section, strings.Join(validSections, ", "))
	}
	target, ok := configFields(cfg)[key]
	if !ok {
		return fmt.Errorf("unknown field %q in section [%s]", field, section)
	}
	switch key {
	case "default.backend":
		if !validBackend(value) {
			return fmt.Errorf("unknown backend %q (valid: memory, ws, redis, postgres)", value)
		}
	case "default.role":
		if value != "customer" && value != "shop" {
			return fmt.Errorf("unknown role %q (valid: customer, shop)", value)
		}
	}
	*target = value
	return nil
}

func validBackend(b string) bool {
	switch b {
	case "memory", "ws", "redis", "postgres":
		return true
	}
	return false
}

// envOverrides maps environment variables to config keys.
var envOverrides = map[string]string{
	"CHATSYNC_BACKEND":      "default.backend",
	"CHATSYNC_URL":          "default.url",
	"CHATSYNC_TOKEN":        "default.token",
	"CHATSYNC_REDIS_PREFIX": "default.redis_prefix",
	"CHATSYNC_ROLE":         "default.role",
	"CHATSYNC_USER_ID":      "auth.user_id",
	"CHATSYNC_DISPLAY_NAME": "auth.display_name",
	"CHATSYNC_LOG_LEVEL":    "log.level",
	"CHATSYNC_LOG_FORMAT":   "log.format",
}

// applyEnv overlays set, non-empty environment variables onto cfg.
func applyEnv(cfg *Config, lookup func(string) (string, bool)) {
	fields := configFields(cfg)
	for env, key := range envOverrides {
		if v, ok := lookup(env); ok && v != "" {
			*fields[key] = v
		}
	}
}

// ============================================================================
// Root command
// ============================================================================

var (
	jsonOutput bool
	envFile    string
)

var rootCmd = &cobra.Command{
	Use:   "chatsync",
	Short: "Chatroom sync engine CLI",
	Long:  "Command-line interface for the chatsync engine.\nInspect chatrooms, send messages, watch live updates and run a store relay.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("cannot load %s: %w", envFile, err)
		}
		return nil
	},
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Print machine-readable JSON")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Environment file with CHATSYNC_* overrides")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
