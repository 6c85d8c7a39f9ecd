package config

// Config is the complete service configuration.
//
// All durations are Go duration strings (e.g. "500ms", "15s", "2m"); an empty
// string selects the default.
type Config struct {
	Server     ServerConfig     `json:"server"`
	Logging    LoggingConfig    `json:"logging"`
	Storage    StorageConfig    `json:"storage"`
	TaskEngine TaskEngineConfig `json:"task_engine"`
	Presence   PresenceConfig   `json:"presence"`
	Fanout     FanoutConfig     `json:"fanout"`
	Provider   ProviderConfig   `json:"provider"`
}

// ServerConfig controls the HTTP/websocket listener.
//
// Defaults:
//   - addr: ":8080"
//   - shutdown_timeout: "10s"
//   - ws_write_timeout: "5s"
//   - ws_inbound_rate_per_sec: 5
//
// debug_addr enables the profiling listener; a non-loopback address needs debug_token.
type ServerConfig struct {
	Addr            string `json:"addr,omitempty"`
	ReadTimeout     string `json:"read_timeout,omitempty"`
	IdleTimeout     string `json:"idle_timeout,omitempty"`
	ShutdownTimeout string `json:"shutdown_timeout,omitempty"`

	WSWriteTimeout      string `json:"ws_write_timeout,omitempty"`
	WSInboundRatePerSec int    `json:"ws_inbound_rate_per_sec,omitempty"`

	DebugAddr  string `json:"debug_addr,omitempty"`
	DebugToken string `json:"debug_token,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig selects the durable store backing the connection registry and job store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/nowplaying.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
	// BatchLimit bounds one batch write (bulk connection add). Default 25.
	BatchLimit int `json:"batch_limit,omitempty"`
}

// TaskEngineConfig controls tick execution.
//
// Defaults: workers 8, queue_size 1024, max_queue_delay "0s" (disabled), history_size 200.
type TaskEngineConfig struct {
	Workers       int    `json:"workers,omitempty"`
	QueueSize     int    `json:"queue_size,omitempty"`
	MaxQueueDelay string `json:"max_queue_delay,omitempty"`
	HistorySize   int    `json:"history_size,omitempty"`
}

// PresenceConfig controls the polling tiers.
//
// Defaults: active_interval "15s", reduced_interval "120s", tick_timeout "20s".
type PresenceConfig struct {
	ActiveInterval  string `json:"active_interval,omitempty"`
	ReducedInterval string `json:"reduced_interval,omitempty"`
	TickTimeout     string `json:"tick_timeout,omitempty"`
}

// FanoutConfig controls delivery concurrency. max_concurrency 0 means unbounded.
type FanoutConfig struct {
	MaxConcurrency int `json:"max_concurrency,omitempty"`
}

// ProviderConfig configures the external "currently playing" API.
//
// ClientSecret may be left empty and supplied through NOWPLAYING_CLIENT_SECRET.
type ProviderConfig struct {
	BaseURL      string `json:"base_url"`
	TokenURL     string `json:"token_url"`
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret,omitempty"`
	Timeout      string `json:"timeout,omitempty"`
	RatePerSec   int    `json:"rate_per_sec,omitempty"`
	RefreshSkew  string `json:"refresh_skew,omitempty"`
}
