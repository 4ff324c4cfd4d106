// Copyright (c) 2026 Keymaster Team
// Keymaster - SSH key management system
// This source code is licensed under the MIT license found in the LICENSE file.

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"github.com/goccy/go-yaml"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	appName  = "sshkeyring"
	fileName = appName + ".yaml"
)

// Config is the complete sshkeyring configuration.
type Config struct {
	SSH    SSHConfig    `mapstructure:"ssh" yaml:"ssh"`
	Watch  WatchConfig  `mapstructure:"watch" yaml:"watch"`
	Keygen KeygenConfig `mapstructure:"keygen" yaml:"keygen"`
	Log    LogConfig    `mapstructure:"log" yaml:"log"`
}

type SSHConfig struct {
	// Dir is the SSH directory; empty means ~/.ssh.
	Dir            string `mapstructure:"dir" yaml:"dir"`
	AuthorizedKeys string `mapstructure:"authorized_keys" yaml:"authorized_keys"`
	OtherKeys      string `mapstructure:"other_keys" yaml:"other_keys"`
}

type WatchConfig struct {
	Debounce string `mapstructure:"debounce" yaml:"debounce"`
}

type KeygenConfig struct {
	// Backend is "native" or "ssh-keygen".
	Backend string `mapstructure:"backend" yaml:"backend"`
	Path    string `mapstructure:"path" yaml:"path"`
}

type LogConfig struct {
	Level string `mapstructure:"level" yaml:"level"`
}

// Defaults returns the built-in values for every key.
func Defaults() map[string]any {
	return map[string]any{
		"ssh.dir":             "",
		"ssh.authorized_keys": "authorized_keys",
		"ssh.other_keys":      "other_keys.seahorse",
		"watch.debounce":      "1s",
		"keygen.backend":      "native",
		"keygen.path":         "ssh-keygen",
		"log.level":           "info",
	}
}

// flagKeys maps command line flags onto configuration keys.
var flagKeys = map[string]string{
	"ssh-dir":   "ssh.dir",
	"log-level": "log.level",
}

// getConfigPath returns the full path for the configuration file.
func getConfigPath(system bool) (string, error) {
	var configDir string

	if system {
		switch runtime.GOOS {
		case "windows":
			configDir = filepath.Join(os.Getenv("ProgramData"), appName)
		default:
			configDir = filepath.Join("/etc", appName)
		}
	} else {
		if xdg.ConfigHome == "" {
			return "", errors.New("could not determine user config directory")
		}
		configDir = filepath.Join(xdg.ConfigHome, appName)
	}

	return filepath.Join(configDir, fileName), nil
}

// GetConfigPath returns where WriteConfigFile stores the user or system file.
func GetConfigPath(system bool) (string, error) {
	return getConfigPath(system)
}

// LoadConfig merges defaults, the config file, SSHKEYRING_* environment
// variables and the flags of cmd, in increasing order of precedence. A
// missing config file is not an error unless explicitPath names one.
func LoadConfig[T any](cmd *cobra.Command, defaults map[string]any, explicitPath *string) (T, error) {
	var c T
	v := viper.New()

	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	v.SetConfigName(appName)
	v.SetConfigType("yaml")
	if explicitPath != nil {
		v.SetConfigFile(*explicitPath)
	}
	if userConfigPath, err := getConfigPath(false); err == nil {
		v.AddConfigPath(filepath.Dir(userConfigPath))
	}
	if systemConfigPath, err := getConfigPath(true); err == nil {
		v.AddConfigPath(filepath.Dir(systemConfigPath))
	}
	v.AddConfigPath(".")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return c, fmt.Errorf("reading config: %w", err)
		}
	}

	v.SetEnvPrefix(appName)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if cmd != nil {
		for name, key := range flagKeys {
			if f := cmd.Flags().Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return c, err
				}
			}
		}
	}

	if err := v.Unmarshal(&c); err != nil {
		return c, fmt.Errorf("decoding config: %w", err)
	}
	return c, nil
}

// Load reads the sshkeyring configuration and fills in derived values.
func Load(cmd *cobra.Command, explicitPath *string) (Config, error) {
	c, err := LoadConfig[Config](cmd, Defaults(), explicitPath)
	if err != nil {
		return c, err
	}
	dir, err := ResolveSSHDir(c.SSH.Dir)
	if err != nil {
		return c, err
	}
	c.SSH.Dir = dir
	return c, nil
}

// DebounceDuration parses Watch.Debounce. An empty value means zero.
func (c Config) DebounceDuration() (time.Duration, error) {
	if c.Watch.Debounce == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(c.Watch.Debounce)
	if err != nil {
		return 0, fmt.Errorf("watch.debounce: %w", err)
	}
	if d < 0 {
		return 0, fmt.Errorf("watch.debounce: negative duration %s", d)
	}
	return d, nil
}

// ResolveSSHDir expands a leading "~" and picks ~/.ssh for an empty dir.
func ResolveSSHDir(dir string) (string, error) {
	if dir != "" && dir != "~" && !strings.HasPrefix(dir, "~/") {
		return filepath.Clean(dir), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not determine home directory: %w", err)
	}
	switch dir {
	case "":
		return filepath.Join(home, ".ssh"), nil
	case "~":
		return home, nil
	default:
		return filepath.Join(home, dir[2:]), nil
	}
}

// WriteConfigFile stores c as YAML in the user or system config location.
func WriteConfigFile[T any](c *T, system bool) (string, error) {
	path, err := getConfigPath(system)
	if err != nil {
		return "", err
	}
	return path, WriteConfigFileTo(c, path)
}

// WriteConfigFileTo stores c as YAML at path, mode 0600.
func WriteConfigFileTo[T any](c *T, path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}

	configDir := filepath.Dir(path)
	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return fmt.Errorf("could not create config directory %s: %w", configDir, err)
	}
	return os.WriteFile(path, data, 0o600)
}
