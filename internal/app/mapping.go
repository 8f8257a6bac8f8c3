package app

import (
	"fmt"
	"strings"

	"msgroute/internal/config"
	"msgroute/internal/httpapi"
	"msgroute/internal/observability/pprof"
	"msgroute/internal/routing"
	"msgroute/internal/stats"
	logx "msgroute/pkg/logx"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled:    cfg.Logging.File.Enabled,
			Path:       cfg.Logging.File.Path,
			MaxSizeMB:  cfg.Logging.File.MaxSizeMB,
			MaxBackups: cfg.Logging.File.MaxBackups,
			MaxAgeDays: cfg.Logging.File.MaxAgeDays,
			Compress:   cfg.Logging.File.Compress,
		},
	}
}

func mapRateLimit(cfg *config.Config) (httpapi.RateLimitConfig, error) {
	rl := cfg.HTTP.RateLimit
	if rl.PerSec < 0 {
		return httpapi.RateLimitConfig{}, fmt.Errorf("http.rate_limit.per_sec must be >= 0")
	}
	if rl.Burst < 0 {
		return httpapi.RateLimitConfig{}, fmt.Errorf("http.rate_limit.burst must be >= 0")
	}
	return httpapi.RateLimitConfig{Enabled: rl.Enabled, PerSec: rl.PerSec, Burst: rl.Burst}, nil
}

func mapHTTPConfig(cfg *config.Config) (httpapi.Config, error) {
	h := cfg.HTTP
	to, err := h.Timeouts()
	if err != nil {
		return httpapi.Config{}, err
	}
	if h.MaxBodyBytes < 0 {
		return httpapi.Config{}, fmt.Errorf("http.max_body_bytes must be >= 0")
	}
	if p := strings.TrimSpace(h.RoutePath); p != "" && strings.ContainsAny(p, " ?#") {
		return httpapi.Config{}, fmt.Errorf("http.route_path: invalid %q", p)
	}
	rl, err := mapRateLimit(cfg)
	if err != nil {
		return httpapi.Config{}, err
	}
	return httpapi.Config{
		Addr:            h.Addr,
		RoutePath:       h.RoutePath,
		ReadTimeout:     to.Read,
		WriteTimeout:    to.Write,
		IdleTimeout:     to.Idle,
		ShutdownTimeout: to.Shutdown,
		MaxBodyBytes:    h.MaxBodyBytes,
		RateLimit:       rl,
		MetricsEnabled:  cfg.Metrics.Enabled,
		MetricsPath:     cfg.Metrics.Path,
	}, nil
}

func mapValidator(cfg *config.Config) (routing.Validator, error) {
	v := cfg.Validation
	if v.MaxRecipients < 0 {
		return routing.Validator{}, fmt.Errorf("validation.max_recipients must be >= 0")
	}
	if v.PhoneDigits < 0 {
		return routing.Validator{}, fmt.Errorf("validation.phone_digits must be >= 0")
	}
	out := routing.NewValidator()
	if v.MaxRecipients > 0 {
		out.MaxRecipients = v.MaxRecipients
	}
	if v.PhoneDigits > 0 {
		out.PhoneDigits = v.PhoneDigits
	}
	return out, nil
}

// mapTopology builds the immutable topology. An omitted fixed list means the
// stock tiers; an explicit empty list means elastic-only.
func mapTopology(cfg *config.Config) (*routing.Topology, error) {
	tiers := routing.DefaultTiers()
	if cfg.Topology.Fixed != nil {
		tiers = make([]routing.Tier, 0, len(*cfg.Topology.Fixed))
		for _, t := range *cfg.Topology.Fixed {
			tiers = append(tiers, routing.Tier{Name: t.Name, Capacity: t.Capacity, Addresses: t.Addresses})
		}
	}
	elastic := routing.DefaultElastic()
	if e := cfg.Topology.Elastic; e != nil {
		elastic.Prefix = e.Prefix
		if e.Start != nil {
			elastic.Start = *e.Start
		}
	}
	return routing.NewTopology(tiers, elastic)
}

func mapStatsConfig(cfg *config.Config) (stats.Config, error) {
	out := stats.Config{Enabled: cfg.Stats.Enabled, Schedule: cfg.Stats.Schedule}
	if out.Enabled {
		if _, err := stats.ParseSchedule(out.Schedule); err != nil {
			return stats.Config{}, err
		}
	}
	return out, nil
}

// mapPprofConfig validates and converts the pprof section. It never starts the server.
func mapPprofConfig(cfg *config.Config) (pprof.Config, error) {
	pc := cfg.Pprof
	out := pprof.Config{
		Enabled:              pc.Enabled,
		Addr:                 strings.TrimSpace(pc.Addr),
		Token:                strings.TrimSpace(pc.Token),
		AllowInsecure:        pc.AllowInsecure,
		MutexProfileFraction: pc.MutexProfileFraction,
		BlockProfileRate:     pc.BlockProfileRate,
	}
	if err := out.Validate(); err != nil {
		return pprof.Config{}, err
	}
	return out, nil
}

// validateConfig runs every mapper so a bad file is rejected as a whole,
// both at startup and before a hot reload is committed.
func validateConfig(cfg *config.Config) error {
	if _, err := mapHTTPConfig(cfg); err != nil {
		return err
	}
	if _, err := mapValidator(cfg); err != nil {
		return err
	}
	if _, err := mapTopology(cfg); err != nil {
		return err
	}
	if _, err := mapStatsConfig(cfg); err != nil {
		return err
	}
	if _, err := mapPprofConfig(cfg); err != nil {
		return err
	}
	if lvl := strings.TrimSpace(cfg.Logging.Level); lvl != "" {
		switch strings.ToLower(lvl) {
		case "trace", "debug", "info", "warn", "warning", "error":
		default:
			return fmt.Errorf("logging.level: invalid %q", lvl)
		}
	}
	if f := cfg.Logging.File; f.MaxSizeMB < 0 || f.MaxBackups < 0 || f.MaxAgeDays < 0 {
		return fmt.Errorf("logging.file: sizes and ages must be >= 0")
	}
	return nil
}
