// Package config resolves daemon-level settings (bus URL/vhost from flags or
// environment) and per-healer configuration files (INI, searched under
// /etc/contrail-healer then ~/.config/contrail-healer), with an optional
// fsnotify-driven hot reload.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/ini.v1"
	"gopkg.in/yaml.v3"

	"github.com/cloudwatt/contrail-healer-go/internal/healerrors"
)

const (
	envRabbitURL   = "CONTRAIL_HEALER_RABBIT_URL"
	envRabbitVhost = "CONTRAIL_HEALER_RABBIT_VHOST"
)

// DaemonConfig holds the bus credentials resolved from flags or environment.
type DaemonConfig struct {
	RabbitURL   string
	RabbitVhost string
}

// Resolve merges CLI flag values with environment fallbacks: flags take
// precedence, environment variables fill in the rest. A ConfigurationError
// is returned if credentials are missing from both.
func Resolve(flagURL, flagVhost string) (DaemonConfig, error) {
	cfg := DaemonConfig{RabbitURL: flagURL, RabbitVhost: flagVhost}
	if cfg.RabbitURL == "" {
		cfg.RabbitURL = os.Getenv(envRabbitURL)
	}
	if cfg.RabbitVhost == "" {
		cfg.RabbitVhost = os.Getenv(envRabbitVhost)
	}
	if cfg.RabbitURL == "" {
		return cfg, healerrors.NewConfigurationError("missing rabbit credentials",
			fmt.Errorf("set --rabbit-url or %s", envRabbitURL))
	}
	return cfg, nil
}

// TopLevelConfig is the daemon's own YAML config file: bus defaults (which
// Resolve's flag/env precedence may still override) and the list of healer
// plugin names to register, in fan-out order.
type TopLevelConfig struct {
	RabbitURL   string   `yaml:"rabbit_url"`
	RabbitVhost string   `yaml:"rabbit_vhost"`
	Healers     []string `yaml:"healers"`
}

// LoadTopLevelConfig reads and parses the daemon's YAML config file. A
// missing or malformed file is a ConfigurationError.
func LoadTopLevelConfig(path string) (*TopLevelConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, healerrors.NewConfigurationError("read daemon config "+path, err)
	}
	var cfg TopLevelConfig
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, healerrors.NewConfigurationError("parse daemon config "+path, err)
	}
	return &cfg, nil
}

// searchPaths returns the two locations a healer config file is looked up
// in, in order: system-wide first, then the user's own config directory.
func searchPaths(name string) []string {
	home, _ := os.UserHomeDir()
	paths := []string{filepath.Join("/etc/contrail-healer", name)}
	if home != "" {
		paths = append(paths, filepath.Join(home, ".config", "contrail-healer", name))
	}
	return paths
}

// LoadHealerConfig reads name's INI file from the first search path it's
// found at. Absence at both locations is a ConfigurationError.
func LoadHealerConfig(name string) (*ini.File, string, error) {
	var lastErr error
	for _, p := range searchPaths(name) {
		if _, err := os.Stat(p); err != nil {
			lastErr = err
			continue
		}
		f, err := ini.Load(p)
		if err != nil {
			return nil, "", healerrors.NewConfigurationError("parse healer config "+p, err)
		}
		return f, p, nil
	}
	return nil, "", healerrors.NewConfigurationError("healer config "+name+" not found", lastErr)
}

// HotReloader watches a healer's config file and invokes onChange with the
// freshly parsed file whenever it is rewritten. A reload that fails to
// parse is surfaced through onChange's error argument and the previous
// configuration stays in effect.
type HotReloader struct {
	mu      sync.Mutex
	watcher *fsnotify.Watcher
	path    string
}

// Watch starts watching path for writes. onChange is invoked from the
// watcher's own goroutine; callers must synchronize their own state.
func Watch(path string, onChange func(*ini.File, error)) (*HotReloader, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create config watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(path)); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("watch config directory: %w", err)
	}
	hr := &HotReloader{watcher: w, path: path}
	go hr.loop(onChange)
	return hr, nil
}

func (hr *HotReloader) loop(onChange func(*ini.File, error)) {
	for {
		select {
		case ev, ok := <-hr.watcher.Events:
			if !ok {
				return
			}
			if ev.Name != hr.path {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			f, err := ini.Load(hr.path)
			if err != nil {
				onChange(nil, err)
				continue
			}
			onChange(f, nil)
		case _, ok := <-hr.watcher.Errors:
			if !ok {
				return
			}
		}
	}
}

// Close stops the watcher.
func (hr *HotReloader) Close() error {
	hr.mu.Lock()
	defer hr.mu.Unlock()
	return hr.watcher.Close()
}
