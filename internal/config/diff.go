package config

import (
	"reflect"
	"strings"

	logx "msgroute/pkg/logx"
)

// Sections that cannot be applied to a running process.
var restartSections = map[string]bool{
	"http.listener": true,
	"validation":    true,
	"topology":      true,
	"metrics":       true,
	"systemd":       true,
}

// RestartRequired reports whether a section from SummarizeConfigChange only
// takes effect after a restart.
func RestartRequired(section string) bool { return restartSections[section] }

// SummarizeConfigChange returns (1) a compact list of changed sections,
// (2) structured attrs for logging, and (3) the subset of changed sections
// that only take effect after a restart.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	oh, nh := oldCfg.HTTP, newCfg.HTTP
	if strings.TrimSpace(oh.Addr) != strings.TrimSpace(nh.Addr) ||
		strings.TrimSpace(oh.RoutePath) != strings.TrimSpace(nh.RoutePath) ||
		strings.TrimSpace(oh.ReadTimeout) != strings.TrimSpace(nh.ReadTimeout) ||
		strings.TrimSpace(oh.WriteTimeout) != strings.TrimSpace(nh.WriteTimeout) ||
		strings.TrimSpace(oh.IdleTimeout) != strings.TrimSpace(nh.IdleTimeout) ||
		strings.TrimSpace(oh.ShutdownTimeout) != strings.TrimSpace(nh.ShutdownTimeout) ||
		oh.MaxBodyBytes != nh.MaxBodyBytes {
		changed = append(changed, "http.listener")
		attrs = append(attrs,
			logx.String("http.addr", strings.TrimSpace(nh.Addr)),
			logx.String("http.route_path", strings.TrimSpace(nh.RoutePath)),
		)
	}
	if oh.RateLimit != nh.RateLimit {
		changed = append(changed, "http.rate_limit")
		attrs = append(attrs,
			logx.Bool("rate_limit.enabled", nh.RateLimit.Enabled),
			logx.Float64("rate_limit.per_sec", nh.RateLimit.PerSec),
			logx.Int("rate_limit.burst", nh.RateLimit.Burst),
		)
	}

	if oldCfg.Validation != newCfg.Validation {
		changed = append(changed, "validation")
		attrs = append(attrs,
			logx.Int("validation.max_recipients", newCfg.Validation.MaxRecipients),
			logx.Int("validation.phone_digits", newCfg.Validation.PhoneDigits),
		)
	}

	if !reflect.DeepEqual(oldCfg.Topology, newCfg.Topology) {
		changed = append(changed, "topology")
		tiers := 0
		if newCfg.Topology.Fixed != nil {
			tiers = len(*newCfg.Topology.Fixed)
		}
		attrs = append(attrs, logx.Int("topology.fixed_tiers", tiers))
	}

	if oldCfg.Metrics != newCfg.Metrics {
		changed = append(changed, "metrics")
		attrs = append(attrs, logx.Bool("metrics.enabled", newCfg.Metrics.Enabled))
	}

	if oldCfg.Stats != newCfg.Stats {
		changed = append(changed, "stats")
		attrs = append(attrs,
			logx.Bool("stats.enabled", newCfg.Stats.Enabled),
			logx.String("stats.schedule", strings.TrimSpace(newCfg.Stats.Schedule)),
		)
	}

	if oldCfg.Systemd != newCfg.Systemd {
		changed = append(changed, "systemd")
	}

	if oldCfg.Pprof != newCfg.Pprof {
		changed = append(changed, "pprof")
		// never log the token itself
		attrs = append(attrs,
			logx.Bool("pprof.enabled", newCfg.Pprof.Enabled),
			logx.String("pprof.addr", strings.TrimSpace(newCfg.Pprof.Addr)),
			logx.Bool("pprof.token_set", strings.TrimSpace(newCfg.Pprof.Token) != ""),
		)
	}

	var restart []string
	for _, s := range changed {
		if restartSections[s] {
			restart = append(restart, s)
		}
	}
	return changed, attrs, restart
}
