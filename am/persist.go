package am

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"

	"github.com/teranos/raidpulse/errors"
)

// backupDepth is how many previous versions of a config file SetValue keeps,
// as am.toml.back1 (newest) through am.toml.back3.
const backupDepth = 3

func rotateBackups(configPath string) error {
	content, err := os.ReadFile(configPath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "failed to read config for backup")
	}

	backup := func(n int) string { return fmt.Sprintf("%s.back%d", configPath, n) }
	if err := os.Remove(backup(backupDepth)); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "failed to drop %s", backup(backupDepth))
	}
	for n := backupDepth - 1; n >= 1; n-- {
		if err := os.Rename(backup(n), backup(n+1)); err != nil && !os.IsNotExist(err) {
			return errors.Wrapf(err, "failed to rotate %s", backup(n))
		}
	}
	return errors.Wrap(os.WriteFile(backup(1), content, DefaultFilePermissions), "failed to write backup")
}

// SetValue writes one dotted key (e.g. "pulse.max_retries") into the TOML file
// at configPath, creating the file and its tables when missing.
func SetValue(configPath, key string, value interface{}) error {
	config := make(map[string]interface{})
	if data, err := os.ReadFile(configPath); err == nil {
		if err := toml.Unmarshal(data, &config); err != nil {
			return errors.Wrapf(err, "failed to parse %s", configPath)
		}
	}

	if err := setNested(config, strings.Split(key, "."), value); err != nil {
		return errors.Wrapf(err, "set %s", key)
	}
	return writeTOML(configPath, config)
}

// Render returns the effective settings of a Viper-backed configuration as TOML
func Render(settings map[string]interface{}) ([]byte, error) {
	data, err := toml.Marshal(settings)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal config")
	}
	return data, nil
}

func writeTOML(configPath string, config map[string]interface{}) error {
	if err := os.MkdirAll(filepath.Dir(configPath), DefaultDirPermissions); err != nil {
		return errors.Wrap(err, "failed to create config directory")
	}
	if err := rotateBackups(configPath); err != nil {
		return errors.Wrap(err, "failed to create backup")
	}

	data, err := toml.Marshal(config)
	if err != nil {
		return errors.Wrap(err, "failed to marshal config")
	}

	// Keep our own watcher from reloading on this write
	if w := GetGlobalWatcher(); w != nil {
		w.MarkOwnWrite()
	}

	if err := os.WriteFile(configPath, data, DefaultFilePermissions); err != nil {
		return errors.Wrap(err, "failed to write config")
	}
	return nil
}

func setNested(m map[string]interface{}, path []string, value interface{}) error {
	for i, part := range path {
		if part == "" {
			return errors.New("empty key segment")
		}
		if i == len(path)-1 {
			m[part] = value
			return nil
		}
		next, ok := m[part]
		if !ok {
			child := make(map[string]interface{})
			m[part] = child
			m = child
			continue
		}
		child, ok := next.(map[string]interface{})
		if !ok {
			return errors.Newf("%s is not a table", fmt.Sprint(path[:i+1]))
		}
		m = child
	}
	return nil
}
