package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	brainmessenger "github.com/brainmessenger/brainmessenger-go"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.brainmessenger/config.toml.
type Config struct {
	Backend ConfigBackend `toml:"backend"`
	Client  ConfigClient  `toml:"client"`
}

// ConfigBackend holds where the hosted backend lives.
type ConfigBackend struct {
	BaseURL       string `toml:"base_url"`
	APIKey        string `toml:"api_key"`
	WebhookSecret string `toml:"webhook_secret,omitempty"`
}

// ConfigClient holds local client behaviour.
type ConfigClient struct {
	LogLevel string `toml:"log_level,omitempty"`
	Debounce string `toml:"debounce,omitempty"`
}

// debounce returns the configured settings debounce or the SDK default.
func (c *Config) debounce() time.Duration {
	if c.Client.Debounce == "" {
		return brainmessenger.DefaultDebounce
	}
	d, err := time.ParseDuration(c.Client.Debounce)
	if err != nil || d <= 0 {
		return brainmessenger.DefaultDebounce
	}
	return d
}

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns ~/.brainmessenger, or $BRAIN_HOME, creating it if needed.
func configDir() (string, error) {
	dir := os.Getenv("BRAIN_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("cannot determine home directory: %w", err)
		}
		dir = filepath.Join(home, ".brainmessenger")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

func configPath() (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

func statePath() (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "state.toml"), nil
}

// loadFileConfig reads and parses the config file.
// If the file does not exist, it returns a zero-value Config.
func loadFileConfig() (*Config, error) {
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
	var c Config
	if err := toml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
	}
	return &c, nil
}

// loadConfig is loadFileConfig with BRAIN_* environment overrides applied.
func loadConfig() (*Config, error) {
	c, err := loadFileConfig()
	if err != nil {
		return nil, err
	}
	applyEnv(c)
	return c, nil
}

func applyEnv(c *Config) {
	overrides := map[string]*string{
		"BRAIN_BASE_URL":       &c.Backend.BaseURL,
		"BRAIN_API_KEY":        &c.Backend.APIKey,
		"BRAIN_WEBHOOK_SECRET": &c.Backend.WebhookSecret,
		"BRAIN_LOG_LEVEL":      &c.Client.LogLevel,
		"BRAIN_DEBOUNCE":       &c.Client.Debounce,
	}
	for env, dst := range overrides {
		if v := os.Getenv(env); v != "" {
			*dst = v
		}
	}
}

// saveConfig writes the config struct back to disk as TOML.
func saveConfig(c *Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	data, err := toml.Marshal(c)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}

// setConfigValue sets a config field using dot notation (e.g. "backend.api_key").
func setConfigValue(c *Config, key, value string) error {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return fmt.Errorf("key must use dot notation: section.field (e.g. backend.api_key)")
	}
	section, field := parts[0], parts[1]

	switch section {
	case "backend":
		switch field {
		case "base_url":
			c.Backend.BaseURL = strings.TrimRight(value, "/")
		case "api_key":
			c.Backend.APIKey = value
		case "webhook_secret":
			c.Backend.WebhookSecret = value
		default:
			return fmt.Errorf("unknown field %q in section [backend]", field)
		}
	case "client":
		switch field {
		case "log_level":
			c.Client.LogLevel = value
		case "debounce":
			if _, err := time.ParseDuration(value); err != nil {
				return fmt.Errorf("invalid debounce %q: %w", value, err)
			}
			c.Client.Debounce = value
		default:
			return fmt.Errorf("unknown field %q in section [client]", field)
		}
	default:
		return fmt.Errorf("unknown config section %q (valid: backend, client)", section)
	}
	return nil
}

// ============================================================================
// config command
// ============================================================================

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage BrainMessenger configuration",
	Long:  "View or modify the CLI configuration stored in ~/.brainmessenger/config.toml.",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the current configuration file",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := configPath()
		if err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				fmt.Println("No configuration file found. Run 'brainmessenger config set backend.base_url <url>' to create one.")
				return nil
			}
			return fmt.Errorf("cannot read config file: %w", err)
		}
		fmt.Print(string(data))
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value using dot notation.\nExample: brainmessenger config set backend.base_url https://xyz.brain.dev",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		// Environment overrides are not persisted.
		c, err := loadFileConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if err := setConfigValue(c, key, value); err != nil {
			return err
		}
		if err := saveConfig(c); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		if strings.HasSuffix(key, "api_key") || strings.HasSuffix(key, "secret") {
			value = maskKey(value)
		}
		fmt.Printf("Set %s = %s\n", key, value)
		return nil
	},
}
