package config

// Config is the on-disk configuration.
//
// Decoding is strict (unknown fields are rejected), so renamed keys fail
// loudly on startup and on hot reload.
type Config struct {
	Logging    LoggingConfig    `json:"logging"`
	HTTP       HTTPConfig       `json:"http"`
	Validation ValidationConfig `json:"validation"`

	// Topology is read once at startup. Changing it requires a restart.
	Topology TopologyConfig `json:"topology"`

	Metrics MetricsConfig `json:"metrics"`
	Stats   StatsConfig   `json:"stats"`
	Systemd SystemdConfig `json:"systemd"`
	Pprof   PprofConfig   `json:"pprof"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

// LoggingFile controls the rotating JSON log file.
// Zero sizes/ages fall back to the rotator's defaults.
type LoggingFile struct {
	Enabled    bool   `json:"enabled"`
	Path       string `json:"path"`
	MaxSizeMB  int    `json:"max_size_mb,omitempty"`
	MaxBackups int    `json:"max_backups,omitempty"`
	MaxAgeDays int    `json:"max_age_days,omitempty"`
	Compress   bool   `json:"compress,omitempty"`
}

// HTTPConfig controls the routing API listener.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
//
// Defaults (when fields are omitted/zero):
//   - addr: ":8080"
//   - route_path: "/message/route"
//   - read_timeout / write_timeout: "10s"
//   - idle_timeout: "60s"
//   - shutdown_timeout: "10s"
//   - max_body_bytes: 1 MiB
type HTTPConfig struct {
	Addr      string `json:"addr,omitempty"`
	RoutePath string `json:"route_path,omitempty"`

	ReadTimeout     string `json:"read_timeout,omitempty"`
	WriteTimeout    string `json:"write_timeout,omitempty"`
	IdleTimeout     string `json:"idle_timeout,omitempty"`
	ShutdownTimeout string `json:"shutdown_timeout,omitempty"`

	MaxBodyBytes int64 `json:"max_body_bytes,omitempty"`

	RateLimit RateLimitConfig `json:"rate_limit"`
}

// RateLimitConfig is a per-client-IP token bucket. Applied live on reload.
type RateLimitConfig struct {
	Enabled bool    `json:"enabled"`
	PerSec  float64 `json:"per_sec,omitempty"`
	Burst   int     `json:"burst,omitempty"`
}

// ValidationConfig holds the request limits. Zero values mean defaults
// (5000 recipients, 10 digits).
type ValidationConfig struct {
	MaxRecipients int `json:"max_recipients,omitempty"`
	PhoneDigits   int `json:"phone_digits,omitempty"`
}

// TopologyConfig lists fixed tiers in priority order, then the elastic rule.
//
// If Fixed is omitted entirely the stock tiers are used. An explicit empty
// list ("fixed": []) means elastic-only.
type TopologyConfig struct {
	Fixed   *[]TierConfig  `json:"fixed,omitempty"`
	Elastic *ElasticConfig `json:"elastic,omitempty"`
}

type TierConfig struct {
	Name      string   `json:"name"`
	Capacity  int      `json:"capacity"`
	Addresses []string `json:"addresses"`
}

// ElasticConfig generates elastic addresses as prefix+N starting at Start.
type ElasticConfig struct {
	Prefix string `json:"prefix"`
	Start  *int   `json:"start,omitempty"` // default 1
}

type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"` // default: "/metrics"
}

// StatsConfig controls the periodic routing summary log line.
//
// Schedule accepts robfig/cron specs ("*/5 * * * *", "@every 5m", "@hourly").
type StatsConfig struct {
	Enabled  bool   `json:"enabled"`
	Schedule string `json:"schedule,omitempty"` // default: "@every 5m"
}

// SystemdConfig enables sd_notify readiness/stopping signals. It is a no-op
// when NOTIFY_SOCKET is unset, so it is safe to leave on outside systemd.
type SystemdConfig struct {
	Notify bool `json:"notify"`
}

// PprofConfig controls the optional profiling listener. Applied live.
//
// Binding to a non-loopback address requires Token or AllowInsecure.
type PprofConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"` // default: "127.0.0.1:6060"
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	MutexProfileFraction int `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int `json:"block_profile_rate,omitempty"`
}
