package config

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"
)

const validJSON = `{
  "logging": {"level": "debug", "console": true, "file": {"enabled": false, "path": ""}},
  "storage": {"driver": "memory"},
  "presence": {"active_interval": "15s", "reduced_interval": "2m"},
  "provider": {"base_url": "https://api.example.com/v1", "token_url": "https://accounts.example.com/api/token", "client_id": "abc"}
}`

const validYAML = `
logging:
  level: info
  console: true
  file:
    enabled: false
    path: ""
storage:
  driver: sqlite
  path: ./data/np.db
  batch_limit: 10
provider:
  base_url: https://api.example.com/v1
  token_url: https://accounts.example.com/api/token
  client_id: abc
`

func TestDecodeFormats(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		path   string
		raw    string
		driver string
	}{
		{name: "json", path: "config.json", raw: validJSON, driver: "memory"},
		{name: "yaml", path: "config.yaml", raw: validYAML, driver: "sqlite"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg, err := Decode(tt.path, []byte(tt.raw))
			if err != nil {
				t.Fatalf("Decode error: %v", err)
			}
			if cfg.Storage.Driver != tt.driver {
				t.Fatalf("Storage.Driver = %q, want %q", cfg.Storage.Driver, tt.driver)
			}
		})
	}
}

func TestDecodeRejectsUnknownFields(t *testing.T) {
	t.Parallel()
	raw := strings.Replace(validJSON, `"storage"`, `"telegram": {}, "storage"`, 1)
	if _, err := Decode("config.json", []byte(raw)); err == nil {
		t.Fatal("expected unknown field error")
	}
}

func TestDecodeRejectsTrailingData(t *testing.T) {
	t.Parallel()
	if _, err := Decode("config.json", []byte(validJSON+"{}")); err == nil {
		t.Fatal("expected trailing data error")
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	base := func() Config {
		return Config{Provider: ProviderConfig{BaseURL: "http://x", TokenURL: "http://y"}}
	}
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{name: "defaults", mutate: func(c *Config) {}},
		{name: "sqlite without path", mutate: func(c *Config) { c.Storage.Driver = "sqlite" }, wantErr: true},
		{name: "unknown driver", mutate: func(c *Config) { c.Storage.Driver = "redis" }, wantErr: true},
		{name: "bad duration", mutate: func(c *Config) { c.Presence.TickTimeout = "soon" }, wantErr: true},
		{name: "active slower than reduced", mutate: func(c *Config) {
			c.Presence.ActiveInterval = "5m"
			c.Presence.ReducedInterval = "1m"
		}, wantErr: true},
		{name: "loopback debug", mutate: func(c *Config) { c.Server.DebugAddr = "127.0.0.1:6060" }},
		{name: "public debug without token", mutate: func(c *Config) { c.Server.DebugAddr = ":6060" }, wantErr: true},
		{name: "public debug with token", mutate: func(c *Config) {
			c.Server.DebugAddr = ":6060"
			c.Server.DebugToken = "t"
		}},
		{name: "missing provider", mutate: func(c *Config) { c.Provider.BaseURL = "" }, wantErr: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c := base()
			tt.mutate(&c)
			err := c.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestParseDurationOrDefault(t *testing.T) {
	t.Parallel()
	d, err := ParseDurationOrDefault("x", "", 3*time.Second)
	if err != nil || d != 3*time.Second {
		t.Fatalf("got (%v, %v), want 3s", d, err)
	}
	d, err = ParseDurationOrDefault("x", "250ms", time.Second)
	if err != nil || d != 250*time.Millisecond {
		t.Fatalf("got (%v, %v), want 250ms", d, err)
	}
	if _, err := ParseDurationOrDefault("x", "-1s", time.Second); err == nil {
		t.Fatal("expected error for negative duration")
	}
}

func TestChangedSections(t *testing.T) {
	t.Parallel()
	a := &Config{Logging: LoggingConfig{Level: "info"}}
	b := &Config{Logging: LoggingConfig{Level: "debug"}, Fanout: FanoutConfig{MaxConcurrency: 4}}
	got := ChangedSections(a, b)
	want := []string{"logging", "fanout"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("ChangedSections = %v, want %v", got, want)
	}
}

func TestWatchPublishesChanges(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(validJSON), 0o600); err != nil {
		t.Fatal(err)
	}
	m := NewConfigManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load error: %v", err)
	}
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Watch(ctx) }()
	// Give the watcher time to register.
	time.Sleep(100 * time.Millisecond)

	updated := strings.Replace(validJSON, `"level": "debug"`, `"level": "warn"`, 1)
	if err := os.WriteFile(path, []byte(updated), 0o600); err != nil {
		t.Fatal(err)
	}
	select {
	case cfg := <-ch:
		if cfg.Logging.Level != "warn" {
			t.Fatalf("Logging.Level = %q, want warn", cfg.Logging.Level)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no config published after file change")
	}
}
