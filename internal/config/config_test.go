package config

import (
	"os"
	"testing"
	"time"

	"gopkg.in/ini.v1"
)

func TestResolvePrefersFlags(t *testing.T) {
	t.Setenv("CONTRAIL_HEALER_RABBIT_URL", "env:pass@env-host:5672")
	t.Setenv("CONTRAIL_HEALER_RABBIT_VHOST", "env-vhost")
	cfg, err := Resolve("user:pass@flag-host:5672", "flag-vhost")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.RabbitURL != "user:pass@flag-host:5672" || cfg.RabbitVhost != "flag-vhost" {
		t.Fatalf("flags should win: %+v", cfg)
	}
}

func TestResolveFallsBackToEnv(t *testing.T) {
	t.Setenv("CONTRAIL_HEALER_RABBIT_URL", "env:pass@env-host:5672")
	t.Setenv("CONTRAIL_HEALER_RABBIT_VHOST", "env-vhost")
	cfg, err := Resolve("", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.RabbitURL != "env:pass@env-host:5672" || cfg.RabbitVhost != "env-vhost" {
		t.Fatalf("expected env fallback: %+v", cfg)
	}
}

func TestResolveMissingCredentialsIsConfigurationError(t *testing.T) {
	t.Setenv("CONTRAIL_HEALER_RABBIT_URL", "")
	t.Setenv("CONTRAIL_HEALER_RABBIT_VHOST", "")
	_, err := Resolve("", "")
	if err == nil {
		t.Fatal("expected a configuration error when no credentials are available")
	}
}

func TestLoadHealerConfigMissingIsConfigurationError(t *testing.T) {
	_, _, err := LoadHealerConfig("does-not-exist.conf")
	if err == nil {
		t.Fatal("expected error for missing healer config file")
	}
}

func TestLoadTopLevelConfigParsesHealerList(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/contrail-healer.yaml"
	contents := "rabbit_url: guest:guest@localhost:5672\nrabbit_vhost: /\nhealers:\n  - fip\n"
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadTopLevelConfig(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.RabbitVhost != "/" || len(cfg.Healers) != 1 || cfg.Healers[0] != "fip" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
}

func TestLoadTopLevelConfigMissingFileIsConfigurationError(t *testing.T) {
	_, err := LoadTopLevelConfig("/does/not/exist.yaml")
	if err == nil {
		t.Fatal("expected an error for a missing daemon config file")
	}
}

func TestWatchDeliversReloadedConfig(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/fip-healer.conf"
	if err := os.WriteFile(path, []byte("[default]\nzk_server = one:2181\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	reloaded := make(chan *ini.File, 1)
	hr, err := Watch(path, func(f *ini.File, err error) {
		if err != nil {
			return
		}
		select {
		case reloaded <- f:
		default:
		}
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer hr.Close()

	if err := os.WriteFile(path, []byte("[default]\nzk_server = two:2181\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case f := <-reloaded:
		if got := f.Section("default").Key("zk_server").String(); got != "two:2181" {
			t.Fatalf("expected reloaded value, got %q", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("watcher never delivered the rewritten config")
	}
}

func TestLoadHealerConfigFromHomeDir(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	dir := home + "/.config/contrail-healer"
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	path := dir + "/fip-healer.conf"
	if err := os.WriteFile(path, []byte("[default]\nzk_server = localhost:2181\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	f, resolved, err := LoadHealerConfig("fip-healer.conf")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resolved != path {
		t.Fatalf("expected %s, got %s", path, resolved)
	}
	if got := f.Section("default").Key("zk_server").String(); got != "localhost:2181" {
		t.Fatalf("unexpected zk_server value: %q", got)
	}
}
