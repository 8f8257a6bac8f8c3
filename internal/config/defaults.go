package config

// Default returns the configuration used when no config file exists.
// It mirrors the stock deployment: listener on :8080, the four fixed
// targets (2x25, 10, 5) and 10.0.1.N elastic singles.
func Default() *Config {
	fixed := []TierConfig{
		{Name: "large", Capacity: 25, Addresses: []string{"10.0.4.1", "10.0.4.2"}},
		{Name: "medium", Capacity: 10, Addresses: []string{"10.0.3.1"}},
		{Name: "small", Capacity: 5, Addresses: []string{"10.0.2.1"}},
	}
	start := 1
	return &Config{
		Logging: LoggingConfig{Level: "info", Console: true},
		HTTP: HTTPConfig{
			Addr:            ":8080",
			RoutePath:       "/message/route",
			ReadTimeout:     "10s",
			WriteTimeout:    "10s",
			IdleTimeout:     "60s",
			ShutdownTimeout: "10s",
			MaxBodyBytes:    1 << 20,
		},
		Validation: ValidationConfig{MaxRecipients: 5000, PhoneDigits: 10},
		Topology: TopologyConfig{
			Fixed:   &fixed,
			Elastic: &ElasticConfig{Prefix: "10.0.1.", Start: &start},
		},
		Metrics: MetricsConfig{Enabled: true, Path: "/metrics"},
		Stats:   StatsConfig{Enabled: true, Schedule: "@every 5m"},
		Systemd: SystemdConfig{Notify: true},
		Pprof:   PprofConfig{Addr: "127.0.0.1:6060"},
	}
}
