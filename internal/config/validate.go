package config

import (
	"errors"
	"fmt"
	"net"
	"reflect"
	"strings"
)

// Validate checks values that cannot be defaulted.
func (c *Config) Validate() error {
	var errs []error

	switch strings.ToLower(strings.TrimSpace(c.Storage.Driver)) {
	case "", "memory":
	case "sqlite", "sqlite3":
		if strings.TrimSpace(c.Storage.Path) == "" {
			errs = append(errs, errors.New("storage.path is required for sqlite driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver))
	}
	if c.Storage.BatchLimit < 0 {
		errs = append(errs, errors.New("storage.batch_limit must be >= 0"))
	}

	durations := map[string]string{
		"server.read_timeout":         c.Server.ReadTimeout,
		"server.idle_timeout":         c.Server.IdleTimeout,
		"server.shutdown_timeout":     c.Server.ShutdownTimeout,
		"server.ws_write_timeout":     c.Server.WSWriteTimeout,
		"storage.busy_timeout":        c.Storage.BusyTimeout,
		"task_engine.max_queue_delay": c.TaskEngine.MaxQueueDelay,
		"presence.active_interval":    c.Presence.ActiveInterval,
		"presence.reduced_interval":   c.Presence.ReducedInterval,
		"presence.tick_timeout":       c.Presence.TickTimeout,
		"provider.timeout":            c.Provider.Timeout,
		"provider.refresh_skew":       c.Provider.RefreshSkew,
	}
	for path, raw := range durations {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = append(errs, err)
		}
	}

	active, _ := ParseDurationField("presence.active_interval", c.Presence.ActiveInterval)
	reduced, _ := ParseDurationField("presence.reduced_interval", c.Presence.ReducedInterval)
	if active > 0 && reduced > 0 && active > reduced {
		errs = append(errs, errors.New("presence.active_interval must not exceed presence.reduced_interval"))
	}

	if addr := strings.TrimSpace(c.Server.DebugAddr); addr != "" && strings.TrimSpace(c.Server.DebugToken) == "" {
		host, _, err := net.SplitHostPort(addr)
		ip := net.ParseIP(host)
		if err != nil || (host != "localhost" && (ip == nil || !ip.IsLoopback())) {
			errs = append(errs, errors.New("server.debug_token is required for a non-loopback server.debug_addr"))
		}
	}

	if strings.TrimSpace(c.Provider.BaseURL) == "" {
		errs = append(errs, errors.New("provider.base_url is required"))
	}
	if strings.TrimSpace(c.Provider.TokenURL) == "" {
		errs = append(errs, errors.New("provider.token_url is required"))
	}
	return errors.Join(errs...)
}

// ChangedSections lists top-level config sections that differ. It never inspects
// secret values beyond equality.
func ChangedSections(oldCfg, newCfg *Config) []string {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	ov := reflect.ValueOf(*oldCfg)
	nv := reflect.ValueOf(*newCfg)
	t := ov.Type()
	out := make([]string, 0, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		if reflect.DeepEqual(ov.Field(i).Interface(), nv.Field(i).Interface()) {
			continue
		}
		name := strings.Split(t.Field(i).Tag.Get("json"), ",")[0]
		if name == "" {
			name = t.Field(i).Name
		}
		out = append(out, name)
	}
	return out
}
