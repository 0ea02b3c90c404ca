package am

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/spf13/viper"

	"github.com/teranos/raidpulse/errors"
)

const (
	envPrefix       = "RAIDPULSE"
	configFileName  = "am.toml"
	systemConfig    = "/etc/raidpulse/config.toml"
	databasePathEnv = "DB_PATH"
)

// loaded caches the process configuration. The config watcher clears it from
// its own goroutine, hence the lock.
var loaded struct {
	sync.Mutex
	cfg *Config
	v   *viper.Viper
}

// Load returns the validated configuration, reading it on first use.
// Sources in increasing precedence: defaults, /etc/raidpulse/config.toml,
// ~/.raidpulse/am.toml, the nearest am.toml above the working directory,
// RAIDPULSE_* environment variables.
func Load() (*Config, error) {
	loaded.Lock()
	defer loaded.Unlock()
	if loaded.cfg != nil {
		return loaded.cfg, nil
	}

	cfg, err := LoadWithViper(viperLocked())
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}
	loaded.cfg = cfg
	return cfg, nil
}

// GetViper exposes the merged settings, for `am show` and `am get`.
func GetViper() *viper.Viper {
	loaded.Lock()
	defer loaded.Unlock()
	return viperLocked()
}

// Reset drops the cached configuration so the next Load reads the files again.
func Reset() {
	loaded.Lock()
	loaded.cfg, loaded.v = nil, nil
	loaded.Unlock()
}

// LoadWithViper decodes v without validating it.
func LoadWithViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal config")
	}
	return &cfg, nil
}

// LoadFromFile decodes a single file over the defaults. Environment
// variables are not consulted.
func LoadFromFile(path string) (*Config, error) {
	v := viper.New()
	SetDefaults(v)
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Wrapf(err, "failed to read config file %s", path)
	}
	return LoadWithViper(v)
}

func viperLocked() *viper.Viper {
	if loaded.v != nil {
		return loaded.v
	}
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	BindSensitiveEnvVars(v)
	SetDefaults(v)

	for _, path := range ConfigPaths() {
		layer := viper.New()
		layer.SetConfigFile(path)
		layer.SetConfigType("toml")
		// A broken layer is skipped here; `am validate` reports it
		if err := layer.ReadInConfig(); err == nil {
			_ = v.MergeConfigMap(layer.AllSettings())
		}
	}
	loaded.v = v
	return v
}

// BindSensitiveEnvVars also accepts the log API credentials under the
// WCL_CLIENT_ID and WCL_CLIENT_SECRET names other tooling uses.
func BindSensitiveEnvVars(v *viper.Viper) {
	_ = v.BindEnv("logs.client_id", envPrefix+"_LOGS_CLIENT_ID", "WCL_CLIENT_ID")
	_ = v.BindEnv("logs.client_secret", envPrefix+"_LOGS_CLIENT_SECRET", "WCL_CLIENT_SECRET")
}

// FindProjectConfig returns the nearest am.toml in the working directory or
// one of its parents, or "".
func FindProjectConfig() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		candidate := filepath.Join(dir, configFileName)
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

// UserConfigPath is ~/.raidpulse/am.toml, or "" without a home directory.
func UserConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".raidpulse", configFileName)
}

// ConfigPaths lists the existing config files, lowest precedence first.
func ConfigPaths() []string {
	var found []string
	for _, p := range []string{systemConfig, UserConfigPath(), FindProjectConfig()} {
		if p == "" {
			continue
		}
		if _, err := os.Stat(p); err == nil {
			found = append(found, p)
		}
	}
	return found
}

// GetDatabasePath returns DB_PATH when set, else the configured path.
func GetDatabasePath() (string, error) {
	if p := os.Getenv(databasePathEnv); p != "" {
		return p, nil
	}
	cfg, err := Load()
	if err != nil {
		return "", err
	}
	return cfg.Database.Path, nil
}
