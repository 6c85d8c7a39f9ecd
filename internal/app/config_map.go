package app

import (
	"os"
	"strings"
	"time"

	"nowplaying/internal/config"
	"nowplaying/internal/fanout"
	"nowplaying/internal/observability/debug"
	"nowplaying/internal/provider"
	"nowplaying/internal/storage"
	"nowplaying/internal/task/engine"
	"nowplaying/internal/task/scheduler"
	"nowplaying/internal/transport/ws"
	logx "nowplaying/pkg/logx"
)

// EnvClientSecret overrides provider.client_secret when set.
const EnvClientSecret = "NOWPLAYING_CLIENT_SECRET"

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, 5*time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:      strings.ToLower(strings.TrimSpace(sc.Driver)),
		Path:        strings.TrimSpace(sc.Path),
		BusyTimeout: busy,
		BatchLimit:  sc.BatchLimit,
	}, nil
}

func mapEngineConfig(cfg *config.Config, tickTimeout time.Duration) (engine.Config, error) {
	tc := cfg.TaskEngine
	delay, err := config.ParseDurationOrDefault("task_engine.max_queue_delay", tc.MaxQueueDelay, 0)
	if err != nil {
		return engine.Config{}, err
	}
	return engine.Config{
		Workers:        tc.Workers,
		QueueSize:      tc.QueueSize,
		DefaultTimeout: tickTimeout,
		MaxQueueDelay:  delay,
		HistorySize:    tc.HistorySize,
	}, nil
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	pc := cfg.Presence
	active, err := config.ParseDurationOrDefault("presence.active_interval", pc.ActiveInterval, 15*time.Second)
	if err != nil {
		return scheduler.Config{}, err
	}
	reduced, err := config.ParseDurationOrDefault("presence.reduced_interval", pc.ReducedInterval, 120*time.Second)
	if err != nil {
		return scheduler.Config{}, err
	}
	tick, err := config.ParseDurationOrDefault("presence.tick_timeout", pc.TickTimeout, 20*time.Second)
	if err != nil {
		return scheduler.Config{}, err
	}
	return scheduler.Config{ActiveInterval: active, ReducedInterval: reduced, TickTimeout: tick}, nil
}

func mapFanoutConfig(cfg *config.Config) fanout.Config {
	return fanout.Config{MaxConcurrency: cfg.Fanout.MaxConcurrency}
}

func mapProviderConfig(cfg *config.Config) (provider.Config, time.Duration, error) {
	pc := cfg.Provider
	timeout, err := config.ParseDurationOrDefault("provider.timeout", pc.Timeout, 10*time.Second)
	if err != nil {
		return provider.Config{}, 0, err
	}
	skew, err := config.ParseDurationOrDefault("provider.refresh_skew", pc.RefreshSkew, 60*time.Second)
	if err != nil {
		return provider.Config{}, 0, err
	}
	secret := pc.ClientSecret
	if v := strings.TrimSpace(os.Getenv(EnvClientSecret)); v != "" {
		secret = v
	}
	return provider.Config{
		BaseURL:      pc.BaseURL,
		TokenURL:     pc.TokenURL,
		ClientID:     pc.ClientID,
		ClientSecret: secret,
		Timeout:      timeout,
		RatePerSec:   pc.RatePerSec,
	}, skew, nil
}

type serverConfig struct {
	Addr            string
	ReadTimeout     time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	Socket          ws.Config
	Debug           debug.Config
}

func mapServerConfig(cfg *config.Config) (serverConfig, error) {
	sc := cfg.Server
	out := serverConfig{Addr: strings.TrimSpace(sc.Addr)}
	if out.Addr == "" {
		out.Addr = ":8080"
	}
	var err error
	if out.ReadTimeout, err = config.ParseDurationOrDefault("server.read_timeout", sc.ReadTimeout, 15*time.Second); err != nil {
		return out, err
	}
	if out.IdleTimeout, err = config.ParseDurationOrDefault("server.idle_timeout", sc.IdleTimeout, 60*time.Second); err != nil {
		return out, err
	}
	if out.ShutdownTimeout, err = config.ParseDurationOrDefault("server.shutdown_timeout", sc.ShutdownTimeout, 10*time.Second); err != nil {
		return out, err
	}
	write, err := config.ParseDurationOrDefault("server.ws_write_timeout", sc.WSWriteTimeout, 5*time.Second)
	if err != nil {
		return out, err
	}
	out.Socket = ws.Config{WriteTimeout: write, InboundRatePerSec: sc.WSInboundRatePerSec}
	out.Debug = debug.Config{Addr: strings.TrimSpace(sc.DebugAddr), Token: strings.TrimSpace(sc.DebugToken)}
	return out, nil
}
